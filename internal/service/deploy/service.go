// Package deploy dispatches deployments of containers from git, registry,
// upload and compose sources.
package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
	"github.com/fahrettinrizaergin/docker-manager/internal/engine"
	"github.com/fahrettinrizaergin/docker-manager/internal/events"
	"github.com/fahrettinrizaergin/docker-manager/internal/repository"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/lifecycle"
	"github.com/fahrettinrizaergin/docker-manager/internal/source"
	"github.com/fahrettinrizaergin/docker-manager/internal/telemetry"
	"github.com/fahrettinrizaergin/docker-manager/pkg/config"
)

const maxLogLine = 4096

// Repository is the storage the dispatcher needs.
type Repository interface {
	repository.DeploymentRepository
	GetContainerByID(ctx context.Context, id string) (*domain.Container, error)
}

// Orchestrator claims containers for deploys.
type Orchestrator interface {
	BeginDeploy(ctx context.Context, containerID string, timeout time.Duration) (*lifecycle.Deployment, error)
	Cancel(containerID string) bool
}

// Cloner checks out git repositories.
type Cloner interface {
	Clone(ctx context.Context, repoURL, ref, dest string) (string, error)
}

// DispatchInput describes one deployment request. Spec is the provider specific
// JSON document; empty fields fall back to the container's source settings.
type DispatchInput struct {
	ContainerID string
	Provider    string
	Spec        json.RawMessage
	Trigger     string
	TriggeredBy string
}

// Service runs deployments in the background and records their history.
type Service struct {
	repo      Repository
	lifecycle Orchestrator
	git       Cloner
	workspace *source.Workspace
	events    events.Publisher
	timeout   time.Duration
	jobs      *jobs
	logger    *slog.Logger
	now       func() time.Time
}

// New constructs a dispatcher.
func New(repo Repository, orchestrator Orchestrator, git Cloner, workspace *source.Workspace, publisher events.Publisher, cfg config.DeployConfig, logger *slog.Logger) Service {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return Service{
		repo:      repo,
		lifecycle: orchestrator,
		git:       git,
		workspace: workspace,
		events:    publisher,
		timeout:   cfg.Timeout,
		jobs:      &jobs{running: map[string]*job{}},
		logger:    logger.With("component", "deploy"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch validates the request, claims the container and returns the pending
// record. The deployment itself continues in the background.
func (s Service) Dispatch(ctx context.Context, in DispatchInput) (*domain.DeploymentRecord, error) {
	c, err := s.repo.GetContainerByID(ctx, in.ContainerID)
	if err != nil {
		return nil, err
	}
	p, err := resolve(c, strings.TrimSpace(in.Provider), in.Spec)
	if err != nil {
		return nil, err
	}
	trigger := in.Trigger
	if trigger == "" {
		trigger = domain.TriggerManual
	}
	if p.provider == domain.ProviderGitHub || p.provider == domain.ProviderGitea || p.provider == domain.ProviderUpload {
		if s.workspace == nil {
			return nil, fmt.Errorf("%w: no deployment workspace configured", domain.ErrInternal)
		}
	}

	d, err := s.lifecycle.BeginDeploy(ctx, c.ID, s.timeout)
	if err != nil {
		return nil, err
	}
	record := &domain.DeploymentRecord{
		ID:          uuid.NewString(),
		ContainerID: c.ID,
		Provider:    p.provider,
		Trigger:     trigger,
		Status:      domain.DeploymentPending,
		TriggeredBy: in.TriggeredBy,
		Metadata:    p.metadata,
		StartedAt:   s.now(),
	}
	if p.registry != nil {
		record.Image = p.registry.reference()
	}
	s.jobs.add(record.ID, c.ID)
	if err := s.repo.CreateDeployment(ctx, record); err != nil {
		s.jobs.remove(record.ID)
		_ = d.Fail(err)
		return nil, fmt.Errorf("create deployment: %w", err)
	}
	s.publishStatus(ctx, record.ID, c.ID, record.Status, "")
	s.logger.Info("deployment dispatched", "deployment_id", record.ID, "container_id", c.ID, "provider", p.provider, "trigger", trigger)

	go s.run(d, *record, p)
	return record, nil
}

// Wait blocks until the deployment's job finishes or ctx ends. It returns
// immediately when no job is running for the deployment.
func (s Service) Wait(ctx context.Context, deploymentID string) error {
	j := s.jobs.get(deploymentID)
	if j == nil {
		return nil
	}
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops a running deployment. The job records the cancellation itself; a
// record left unfinished without a job, for example after a restart, is marked
// cancelled directly.
func (s Service) Cancel(ctx context.Context, deploymentID string) (*domain.DeploymentRecord, error) {
	record, err := s.repo.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if domain.IsTerminalDeployment(record.Status) {
		return nil, domain.Conflictf("deployment already %s", record.Status)
	}
	if j := s.jobs.get(deploymentID); j != nil {
		s.lifecycle.Cancel(j.containerID)
		select {
		case <-j.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return s.repo.GetDeploymentByID(ctx, deploymentID)
	}
	finished := s.now()
	err = s.repo.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: deploymentID,
		Status:       domain.DeploymentCancelled,
		Error:        lifecycle.ErrCancelled.Error(),
		FinishedAt:   &finished,
	})
	if errors.Is(err, repository.ErrTerminal) {
		return s.repo.GetDeploymentByID(ctx, deploymentID)
	}
	if err != nil {
		return nil, err
	}
	s.publishStatus(ctx, deploymentID, record.ContainerID, domain.DeploymentCancelled, lifecycle.ErrCancelled.Error())
	return s.repo.GetDeploymentByID(ctx, deploymentID)
}

// Get returns one deployment record.
func (s Service) Get(ctx context.Context, id string) (*domain.DeploymentRecord, error) {
	return s.repo.GetDeploymentByID(ctx, id)
}

// List returns a container's deployments, newest first.
func (s Service) List(ctx context.Context, containerID string, page domain.Page) ([]domain.DeploymentRecord, int, error) {
	if _, err := s.repo.GetContainerByID(ctx, containerID); err != nil {
		return nil, 0, err
	}
	return s.repo.ListDeploymentsByContainer(ctx, containerID, domain.NormalizePage(page.Page, page.PageSize))
}

// Logs returns the recorded output of a deployment.
func (s Service) Logs(ctx context.Context, deploymentID string, limit, offset int) ([]domain.DeploymentLog, error) {
	if _, err := s.repo.GetDeploymentByID(ctx, deploymentID); err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListDeploymentLogs(ctx, deploymentID, limit, offset)
}

func (s Service) run(d *lifecycle.Deployment, record domain.DeploymentRecord, p *plan) {
	defer s.jobs.remove(record.ID)

	ctx, span := telemetry.StartDeploySpan(d.Context(), record.ID, record.ContainerID, record.Provider)
	defer span.End()
	out := s.output(record.ID)
	c := d.Container()

	artifact, commit, cleanup, err := s.prepare(ctx, c, record, p, out)
	defer cleanup()
	if err != nil {
		err = d.Fail(err)
		s.finish(record, commit, artifact.Image, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}

	s.setStatus(ctx, record, domain.DeploymentDeploying, commit, artifact.Image)
	artifact.OnOutput = out
	if _, err = d.Complete(artifact); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	s.finish(record, commit, artifact.Image, err)
}

// prepare fetches the source and describes what the orchestrator runs.
func (s Service) prepare(ctx context.Context, c domain.Container, record domain.DeploymentRecord, p *plan, out engine.OutputFunc) (lifecycle.Artifact, string, func(), error) {
	cleanup := func() {}
	switch {
	case p.registry != nil:
		return lifecycle.Artifact{Image: p.registry.reference(), Auth: p.registry.auth()}, "", cleanup, nil
	case p.compose != nil:
		return lifecycle.Artifact{Compose: p.compose}, "", cleanup, nil
	}

	s.setStatus(ctx, record, domain.DeploymentBuilding, "", "")
	dir, err := s.workspace.Prepare(record.ID)
	if err != nil {
		return lifecycle.Artifact{}, "", cleanup, fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	cleanup = func() {
		if err := s.workspace.Cleanup(dir); err != nil {
			s.logger.Warn("cleanup workspace", "deployment_id", record.ID, "error", err)
		}
	}

	var commit, contextDir, dockerfile string
	if p.git != nil {
		out(fmt.Sprintf("cloning %s at %s", p.git.url, p.git.ref))
		commit, err = s.git.Clone(ctx, p.git.url, p.git.ref, dir)
		if err != nil {
			return lifecycle.Artifact{}, "", cleanup, fmt.Errorf("%w: %v", domain.ErrOperationFailed, err)
		}
		out("checked out " + commit)
		if contextDir, err = source.Within(dir, p.git.buildPath); err != nil {
			return lifecycle.Artifact{}, commit, cleanup, domain.Validationf("build_path: %v", err)
		}
		dockerfile = p.git.dockerfile
	} else {
		if err := source.Unpack(dir, p.upload.Archive, p.upload.Dockerfile); err != nil {
			return lifecycle.Artifact{}, "", cleanup, err
		}
		contextDir, dockerfile = dir, domain.DefaultDockerfile
	}

	buildCtx, err := engine.TarDirectory(contextDir)
	if err != nil {
		return lifecycle.Artifact{}, commit, cleanup, fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	prev := cleanup
	cleanup = func() {
		_ = buildCtx.Close()
		prev()
	}
	image := imageTag(c, commit, record.ID)
	return lifecycle.Artifact{
		Image: image,
		Build: &lifecycle.Build{
			Context:    buildCtx,
			Dockerfile: dockerfile,
			Labels:     map[string]string{lifecycle.LabelContainer: c.ID, "dockmgr.deployment.id": record.ID},
		},
	}, commit, cleanup, nil
}

func (s Service) setStatus(ctx context.Context, record domain.DeploymentRecord, status, commit, image string) {
	err := s.repo.UpdateDeploymentStatus(context.WithoutCancel(ctx), domain.DeploymentStatusUpdate{
		DeploymentID: record.ID,
		Status:       status,
		CommitSHA:    commit,
		Image:        image,
	})
	if err != nil {
		s.logger.Warn("update deployment status failed", "deployment_id", record.ID, "status", status, "error", err)
		return
	}
	s.publishStatus(ctx, record.ID, record.ContainerID, status, "")
}

// finish writes the terminal record. A cancelled job ends cancelled, any other
// error ends failed.
func (s Service) finish(record domain.DeploymentRecord, commit, image string, cause error) {
	ctx := context.Background()
	finished := s.now()
	update := domain.DeploymentStatusUpdate{
		DeploymentID: record.ID,
		Status:       domain.DeploymentSuccess,
		CommitSHA:    commit,
		Image:        image,
		FinishedAt:   &finished,
	}
	switch {
	case errors.Is(cause, lifecycle.ErrCancelled):
		update.Status = domain.DeploymentCancelled
		update.Error = lifecycle.ErrCancelled.Error()
	case cause != nil:
		update.Status = domain.DeploymentFailed
		update.Error = cause.Error()
	}
	if err := s.repo.UpdateDeploymentStatus(ctx, update); err != nil {
		if errors.Is(err, repository.ErrTerminal) {
			s.logger.Warn("deployment already finished", "deployment_id", record.ID, "status", update.Status)
			return
		}
		s.logger.Error("record deployment result", "deployment_id", record.ID, "error", err)
		return
	}
	s.publishStatus(ctx, record.ID, record.ContainerID, update.Status, update.Error)

	attrs := []any{"deployment_id", record.ID, "container_id", record.ContainerID, "status", update.Status, "duration_ms", finished.Sub(record.StartedAt).Milliseconds()}
	if cause != nil {
		s.logger.Warn("deployment finished", append(attrs, "error", cause)...)
		return
	}
	s.logger.Info("deployment finished", attrs...)
}

// output appends engine output to the deployment log and streams it.
func (s Service) output(deploymentID string) engine.OutputFunc {
	var (
		mu  sync.Mutex
		seq int
	)
	return func(line string) {
		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == "" {
			return
		}
		if len(line) > maxLogLine {
			line = line[:maxLogLine]
		}
		mu.Lock()
		seq++
		entry := domain.DeploymentLog{DeploymentID: deploymentID, Sequence: seq, Line: line, CreatedAt: s.now()}
		mu.Unlock()

		ctx := context.Background()
		if err := s.repo.AppendDeploymentLog(ctx, entry); err != nil {
			s.logger.Warn("failed to append deployment log", "deployment_id", deploymentID, "error", err)
		}
		s.events.Publish(ctx, events.Event{
			Type:  events.TypeDeploymentLog,
			Topic: events.DeploymentTopic(deploymentID),
			Data:  events.DeploymentLine{DeploymentID: deploymentID, Sequence: entry.Sequence, Line: line},
			At:    entry.CreatedAt,
		})
	}
}

func (s Service) publishStatus(ctx context.Context, deploymentID, containerID, status, errText string) {
	payload := events.DeploymentStatus{DeploymentID: deploymentID, ContainerID: containerID, Status: status, Error: errText}
	at := s.now()
	s.events.Publish(ctx, events.Event{Type: events.TypeDeploymentStatus, Topic: events.DeploymentTopic(deploymentID), Data: payload, At: at})
	s.events.Publish(ctx, events.Event{Type: events.TypeDeploymentStatus, Topic: events.ContainerTopic(containerID), Data: payload, At: at})
}

type job struct {
	containerID string
	done        chan struct{}
}

type jobs struct {
	mu      sync.Mutex
	running map[string]*job
}

func (j *jobs) add(deploymentID, containerID string) *job {
	j.mu.Lock()
	defer j.mu.Unlock()
	entry := &job{containerID: containerID, done: make(chan struct{})}
	j.running[deploymentID] = entry
	return entry
}

func (j *jobs) get(deploymentID string) *job {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running[deploymentID]
}

func (j *jobs) remove(deploymentID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if entry, ok := j.running[deploymentID]; ok {
		close(entry.done)
		delete(j.running, deploymentID)
	}
}
