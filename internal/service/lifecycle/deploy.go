package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"time"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
	"github.com/fahrettinrizaergin/docker-manager/internal/engine"
)

// ErrCancelled marks a deploy aborted by Cancel.
var ErrCancelled = errors.New("deployment cancelled")

// Artifact says what a deploy runs. Exactly one of Build, Compose or a plain
// Image pull applies; Image is also the tag a build produces.
type Artifact struct {
	Image    string
	Auth     *engine.RegistryAuth
	Build    *Build
	Compose  *Compose
	OnOutput engine.OutputFunc
}

// Build is an image build from a tar context.
type Build struct {
	Context    io.Reader
	Dockerfile string
	Labels     map[string]string
}

// Compose is a validated multi-service manifest.
type Compose struct {
	Project  string
	Services []ComposeService
}

// ComposeService is one service of a compose manifest that runs from an image.
type ComposeService struct {
	Name        string
	Image       string
	Environment map[string]string
	Ports       []domain.PortMapping
}

// Deployment is a claimed deploy. The container is in deploying and its lock is
// held until Complete or Fail returns.
type Deployment struct {
	op      *op
	rt      engine.Runtime
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time
}

// BeginDeploy claims the container, checks its node and moves it to deploying. A
// running or paused container is stopped first. The deployment's context is
// detached from ctx and bounded by timeout when positive.
func (s Service) BeginDeploy(ctx context.Context, containerID string, timeout time.Duration) (d *Deployment, err error) {
	ctx, o, err := s.begin(ctx, "deploy", containerID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			o.end(err)
		}
	}()
	c := o.c
	project, err := s.repo.GetProjectByID(ctx, c.ProjectID)
	if err != nil {
		return nil, err
	}
	if project.Status == domain.ProjectSuspended {
		return nil, domain.Conflictf("project %s is suspended", project.Slug)
	}
	rt, err := s.runtime(ctx, c)
	if err != nil {
		return nil, err
	}
	switch c.Status {
	case domain.StatusRunning, domain.StatusPaused:
		if err := s.stop(ctx, c, StopOptions{}); err != nil {
			return nil, err
		}
	}
	if err := s.transition(ctx, c, domain.StatusDeploying, c.RuntimeID); err != nil {
		return nil, err
	}

	jobCtx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if timeout > 0 {
		jobCtx, cancel = context.WithTimeout(jobCtx, timeout)
	} else {
		jobCtx, cancel = context.WithCancel(jobCtx)
	}
	s.inflight.add(c.ID, cancel)
	return &Deployment{op: o, rt: rt, ctx: jobCtx, cancel: cancel, started: time.Now()}, nil
}

// Deploy runs a whole deploy synchronously.
func (s Service) Deploy(ctx context.Context, containerID string, artifact Artifact) (*domain.Container, error) {
	d, err := s.BeginDeploy(ctx, containerID, 0)
	if err != nil {
		return nil, err
	}
	return d.Complete(artifact)
}

// Context is cancelled by Cancel or when the deploy timeout passes.
func (d *Deployment) Context() context.Context { return d.ctx }

// Container returns a copy of the container being deployed.
func (d *Deployment) Container() domain.Container { return *d.op.c }

// Complete pulls or builds the artifact, replaces the previous runtime instances
// and starts the new ones. Any failure leaves the container in error.
func (d *Deployment) Complete(artifact Artifact) (*domain.Container, error) {
	s, c, ctx := d.op.svc, d.op.c, d.ctx
	runtimeID, err := d.run(artifact)
	if err == nil {
		err = s.transition(ctx, c, domain.StatusRunning, runtimeID)
	}
	if err != nil {
		err = d.abort(err)
		return nil, err
	}
	d.finish(nil)
	s.logger.Info("container deployed", "container_id", c.ID, "runtime_id", runtimeID, "duration_ms", time.Since(d.started).Milliseconds())
	return c, nil
}

// Fail aborts the deploy before Complete, for example when fetching the source failed.
func (d *Deployment) Fail(cause error) error {
	return d.abort(cause)
}

func (d *Deployment) abort(cause error) error {
	switch {
	case errors.Is(d.ctx.Err(), context.DeadlineExceeded):
		cause = fmt.Errorf("%w: deploy timed out: %w", domain.ErrOperationFailed, cause)
	case d.ctx.Err() != nil:
		cause = fmt.Errorf("%w: %w", ErrCancelled, cause)
	}
	err := d.op.svc.fail(context.WithoutCancel(d.ctx), d.op.c, cause)
	d.finish(err)
	return err
}

func (d *Deployment) finish(err error) {
	d.op.svc.inflight.remove(d.op.c.ID)
	d.cancel()
	d.op.end(err)
}

func (d *Deployment) run(artifact Artifact) (string, error) {
	c, ctx, rt := d.op.c, d.ctx, d.rt
	if artifact.Compose != nil {
		return d.runCompose(artifact)
	}
	ref := artifact.Image
	if ref == "" {
		ref = c.ImageRef()
	}
	if ref == "" {
		return "", domain.Validationf("container %s has no image to deploy", c.Slug)
	}
	if artifact.Build != nil {
		opts := engine.BuildOptions{Tag: ref, Dockerfile: artifact.Build.Dockerfile, Labels: artifact.Build.Labels}
		if err := rt.BuildImage(ctx, artifact.Build.Context, opts, artifact.OnOutput); err != nil {
			return "", err
		}
	} else if err := rt.PullImage(ctx, ref, artifact.Auth, artifact.OnOutput); err != nil {
		return "", err
	}
	if err := d.removePrevious(); err != nil {
		return "", err
	}
	id, err := rt.CreateContainer(ctx, runtimeSpec(c, c.RuntimeName(), ref, nil))
	if err != nil {
		return "", err
	}
	if err := rt.StartContainer(ctx, id); err != nil {
		_ = rt.RemoveContainer(context.WithoutCancel(ctx), id, false)
		return "", err
	}
	return id, nil
}

func (d *Deployment) runCompose(artifact Artifact) (string, error) {
	c, ctx, rt := d.op.c, d.ctx, d.rt
	spec := artifact.Compose
	if len(spec.Services) == 0 {
		return "", domain.Validationf("compose manifest has no runnable services")
	}
	for _, svc := range spec.Services {
		if err := rt.PullImage(ctx, svc.Image, artifact.Auth, artifact.OnOutput); err != nil {
			return "", err
		}
	}
	if err := d.removePrevious(); err != nil {
		return "", err
	}
	var primary string
	for _, svc := range spec.Services {
		extra := map[string]string{LabelComposeProject: spec.Project, LabelComposeService: svc.Name}
		rs := runtimeSpec(c, c.Slug+"-"+svc.Name, svc.Image, extra)
		rs.Env = merge(rs.Env, svc.Environment)
		rs.Ports = svc.Ports
		id, err := rt.CreateContainer(ctx, rs)
		if err != nil {
			return "", err
		}
		if err := rt.StartContainer(ctx, id); err != nil {
			return "", err
		}
		if primary == "" {
			primary = id
		}
	}
	return primary, nil
}

// removePrevious deletes every runtime instance of the container, including
// leftovers that were never recorded.
func (d *Deployment) removePrevious() error {
	c, ctx, rt := d.op.c, d.ctx, d.rt
	ids := map[string]struct{}{}
	if c.RuntimeID != "" {
		ids[c.RuntimeID] = struct{}{}
	}
	listed, err := rt.ListContainers(ctx, map[string]string{LabelContainer: c.ID})
	if err != nil {
		return err
	}
	for _, rc := range listed {
		ids[rc.ID] = struct{}{}
	}
	for id := range ids {
		if err := rt.RemoveContainer(ctx, id, false); err != nil {
			return err
		}
	}
	return nil
}

func runtimeSpec(c *domain.Container, name, image string, extraLabels map[string]string) engine.ContainerSpec {
	labels := merge(c.Labels, extraLabels)
	labels[LabelContainer] = c.ID
	labels[LabelProject] = c.ProjectID
	return engine.ContainerSpec{
		Name:          name,
		Image:         image,
		Env:           maps.Clone(c.Environment),
		Labels:        labels,
		Ports:         c.Ports,
		Resources:     c.Resources,
		RestartPolicy: c.RestartPolicy,
		StopSignal:    c.StopSignal,
		StopTimeout:   c.StopGracePeriod(),
	}
}

func merge(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	maps.Copy(out, base)
	maps.Copy(out, extra)
	return out
}
