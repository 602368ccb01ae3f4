// Package lifecycle drives containers through their state machine on the nodes.
// Every operation holds the container's lock for its whole duration, so a
// second operation on the same container is turned away with ErrConflict.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
	"github.com/fahrettinrizaergin/docker-manager/internal/engine"
	"github.com/fahrettinrizaergin/docker-manager/internal/events"
	"github.com/fahrettinrizaergin/docker-manager/internal/lock"
	"github.com/fahrettinrizaergin/docker-manager/internal/telemetry"
)

// Labels set on every runtime container the platform creates.
const (
	LabelContainer      = "dockmgr.container.id"
	LabelProject        = "dockmgr.project.id"
	LabelComposeProject = "com.docker.compose.project"
	LabelComposeService = "com.docker.compose.service"
)

// StatusDeleted is published when a container is removed.
const StatusDeleted = "deleted"

// Repository is the slice of the store the orchestrator needs.
type Repository interface {
	GetContainerByID(ctx context.Context, id string) (*domain.Container, error)
	UpdateContainerStatus(ctx context.Context, id, status, runtimeID, lastError string) error
	DeleteContainer(ctx context.Context, id string) error
	GetProjectByID(ctx context.Context, id string) (*domain.Project, error)
}

// Nodes hands out runtimes for nodes that passed a readiness check.
type Nodes interface {
	Runtime(ctx context.Context, nodeID string) (engine.Runtime, error)
}

// StopOptions override the container's configured stop behaviour.
type StopOptions struct {
	Signal      string
	GracePeriod time.Duration
}

// DeleteOptions control runtime teardown on delete.
type DeleteOptions struct {
	// Force removes the runtime container even when that requires the node to be
	// reachable; without it an unreachable node is skipped.
	Force         bool
	RemoveVolumes bool
}

// Service is the container lifecycle orchestrator.
type Service struct {
	repo     Repository
	nodes    Nodes
	locks    lock.Locker
	events   events.Publisher
	metrics  *Metrics
	inflight *inflight
	logger   *slog.Logger
}

// New constructs the orchestrator. A nil publisher discards events and nil
// metrics record nothing.
func New(repo Repository, nodes Nodes, locks lock.Locker, publisher events.Publisher, metrics *Metrics, logger *slog.Logger) Service {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return Service{
		repo:     repo,
		nodes:    nodes,
		locks:    locks,
		events:   publisher,
		metrics:  metrics,
		inflight: &inflight{cancels: make(map[string]context.CancelFunc)},
		logger:   logger.With("component", "lifecycle"),
	}
}

// op is one locked operation on a container.
type op struct {
	svc     Service
	name    string
	c       *domain.Container
	release lock.Release
	span    trace.Span
	start   time.Time
}

func (s Service) begin(ctx context.Context, name, containerID string) (context.Context, *op, error) {
	release, err := s.locks.TryAcquire(ctx, lock.ContainerKey(containerID))
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return ctx, nil, fmt.Errorf("%s container: %w", name, err)
		}
		return ctx, nil, fmt.Errorf("%w: acquire container lock: %w", domain.ErrInternal, err)
	}
	c, err := s.repo.GetContainerByID(ctx, containerID)
	if err != nil {
		release()
		return ctx, nil, err
	}
	ctx, span := telemetry.StartLifecycleSpan(ctx, name, c.ID, c.AssignedNode())
	return ctx, &op{svc: s, name: name, c: c, release: release, span: span, start: time.Now()}, nil
}

func (o *op) end(err error) {
	if err != nil {
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, err.Error())
	}
	o.span.End()
	o.svc.metrics.observe(o.name, o.start, err)
	o.release()
}

// runtime resolves the engine of the container's node. The container must have a
// node and the node must be ready.
func (s Service) runtime(ctx context.Context, c *domain.Container) (engine.Runtime, error) {
	if c.NodeID == nil {
		return nil, domain.Validationf("container %s has no node assigned", c.Slug)
	}
	return s.nodes.Runtime(ctx, *c.NodeID)
}

// setStatus persists a transition and publishes it.
func (s Service) setStatus(ctx context.Context, c *domain.Container, to, runtimeID, lastError string) error {
	from := c.Status
	if err := s.repo.UpdateContainerStatus(context.WithoutCancel(ctx), c.ID, to, runtimeID, lastError); err != nil {
		return fmt.Errorf("record status %s: %w", to, err)
	}
	c.Status, c.RuntimeID, c.LastError = to, runtimeID, lastError
	s.metrics.transition(from, to)
	s.events.Publish(ctx, events.Event{
		Type:  events.TypeContainerStatus,
		Topic: events.ContainerTopic(c.ID),
		Data:  events.ContainerStatus{ContainerID: c.ID, From: from, To: to, Error: lastError},
	})
	s.logger.Info("container status changed", "container_id", c.ID, "from", from, "to", to)
	return nil
}

// fail moves the container to error, keeping the original failure as the result.
func (s Service) fail(ctx context.Context, c *domain.Container, cause error) error {
	if err := s.setStatus(ctx, c, domain.StatusError, c.RuntimeID, cause.Error()); err != nil {
		s.logger.Error("record error status", "container_id", c.ID, "error", err)
	}
	return cause
}

func (s Service) transition(ctx context.Context, c *domain.Container, to, runtimeID string) error {
	if !domain.CanTransition(c.Status, to) {
		return domain.TransitionError(to, c.Status)
	}
	return s.setStatus(ctx, c, to, runtimeID, "")
}

// instances lists the runtime container ids backing c.
func (s Service) instances(ctx context.Context, rt engine.Runtime, c *domain.Container) ([]string, error) {
	if c.Type != domain.ContainerTypeCompose {
		if c.RuntimeID == "" {
			return nil, nil
		}
		return []string{c.RuntimeID}, nil
	}
	list, err := rt.ListContainers(ctx, map[string]string{LabelContainer: c.ID})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(list))
	for _, rc := range list {
		ids = append(ids, rc.ID)
	}
	return ids, nil
}

// Start runs a stopped or created container. Starting a running container is a
// no-op that returns it unchanged.
func (s Service) Start(ctx context.Context, containerID string) (c *domain.Container, err error) {
	ctx, o, err := s.begin(ctx, "start", containerID)
	if err != nil {
		return nil, err
	}
	defer func() { o.end(err) }()
	if err := s.start(ctx, o.c); err != nil {
		return nil, err
	}
	return o.c, nil
}

func (s Service) start(ctx context.Context, c *domain.Container) error {
	switch c.Status {
	case domain.StatusRunning:
		return nil
	case domain.StatusStopped, domain.StatusCreated:
	default:
		return domain.TransitionError("start", c.Status)
	}
	rt, err := s.runtime(ctx, c)
	if err != nil {
		return err
	}
	ids, err := s.instances(ctx, rt, c)
	if err != nil {
		return s.fail(ctx, c, err)
	}
	if len(ids) == 0 || !s.exists(ctx, rt, ids[0]) {
		if c.Type == domain.ContainerTypeCompose {
			return domain.Validationf("compose container %s has no runtime services; deploy it first", c.Slug)
		}
		if c.Image == "" {
			return domain.Validationf("container %s has no image; deploy it first", c.Slug)
		}
		id, err := s.createFromImage(ctx, rt, c)
		if err != nil {
			return s.fail(ctx, c, err)
		}
		ids = []string{id}
		c.RuntimeID = id
	}
	for _, id := range ids {
		if err := rt.StartContainer(ctx, id); err != nil {
			return s.fail(ctx, c, err)
		}
	}
	return s.transition(ctx, c, domain.StatusRunning, c.RuntimeID)
}

func (s Service) exists(ctx context.Context, rt engine.Runtime, id string) bool {
	state, err := rt.ContainerState(ctx, id)
	return err == nil && state != ""
}

func (s Service) createFromImage(ctx context.Context, rt engine.Runtime, c *domain.Container) (string, error) {
	ref := c.ImageRef()
	if err := rt.PullImage(ctx, ref, nil, nil); err != nil {
		return "", err
	}
	return rt.CreateContainer(ctx, runtimeSpec(c, c.RuntimeName(), ref, nil))
}

// Stop halts a running or paused container with the configured signal and grace
// period unless opts override them.
func (s Service) Stop(ctx context.Context, containerID string, opts StopOptions) (c *domain.Container, err error) {
	ctx, o, err := s.begin(ctx, "stop", containerID)
	if err != nil {
		return nil, err
	}
	defer func() { o.end(err) }()
	if err := s.stop(ctx, o.c, opts); err != nil {
		return nil, err
	}
	return o.c, nil
}

func (s Service) stop(ctx context.Context, c *domain.Container, opts StopOptions) error {
	switch c.Status {
	case domain.StatusRunning, domain.StatusPaused:
	default:
		return domain.TransitionError("stop", c.Status)
	}
	rt, err := s.runtime(ctx, c)
	if err != nil {
		return err
	}
	signal := opts.Signal
	if signal == "" {
		signal = c.StopSignal
	}
	grace := opts.GracePeriod
	if grace <= 0 {
		grace = c.StopGracePeriod()
	}
	ids, err := s.instances(ctx, rt, c)
	if err != nil {
		return s.fail(ctx, c, err)
	}
	for _, id := range ids {
		if err := rt.StopContainer(ctx, id, signal, grace); err != nil {
			return s.fail(ctx, c, err)
		}
	}
	return s.transition(ctx, c, domain.StatusStopped, c.RuntimeID)
}

// Restart stops then starts the container under one lock. A start failure after a
// successful stop leaves the container in error.
func (s Service) Restart(ctx context.Context, containerID string) (c *domain.Container, err error) {
	ctx, o, err := s.begin(ctx, "restart", containerID)
	if err != nil {
		return nil, err
	}
	defer func() { o.end(err) }()
	switch o.c.Status {
	case domain.StatusRunning, domain.StatusPaused:
		if err := s.stop(ctx, o.c, StopOptions{}); err != nil {
			return nil, err
		}
	case domain.StatusStopped, domain.StatusCreated:
	default:
		return nil, domain.TransitionError("restart", o.c.Status)
	}
	if err := s.start(ctx, o.c); err != nil {
		if o.c.Status != domain.StatusError {
			return nil, s.fail(ctx, o.c, err)
		}
		return nil, err
	}
	return o.c, nil
}

// Pause freezes a running container.
func (s Service) Pause(ctx context.Context, containerID string) (*domain.Container, error) {
	return s.freeze(ctx, "pause", containerID, domain.StatusRunning, domain.StatusPaused, engine.Runtime.PauseContainer)
}

// Unpause resumes a paused container.
func (s Service) Unpause(ctx context.Context, containerID string) (*domain.Container, error) {
	return s.freeze(ctx, "unpause", containerID, domain.StatusPaused, domain.StatusRunning, engine.Runtime.UnpauseContainer)
}

func (s Service) freeze(ctx context.Context, name, containerID, from, to string, call func(engine.Runtime, context.Context, string) error) (c *domain.Container, err error) {
	ctx, o, err := s.begin(ctx, name, containerID)
	if err != nil {
		return nil, err
	}
	defer func() { o.end(err) }()
	if o.c.Status != from {
		return nil, domain.TransitionError(name, o.c.Status)
	}
	rt, err := s.runtime(ctx, o.c)
	if err != nil {
		return nil, err
	}
	ids, err := s.instances(ctx, rt, o.c)
	if err != nil {
		return nil, s.fail(ctx, o.c, err)
	}
	for _, id := range ids {
		if err := call(rt, ctx, id); err != nil {
			return nil, s.fail(ctx, o.c, err)
		}
	}
	if err := s.transition(ctx, o.c, to, o.c.RuntimeID); err != nil {
		return nil, err
	}
	return o.c, nil
}

// Delete removes the container. A deploy in flight holds the lock, so deleting
// during a deploy fails with ErrConflict.
func (s Service) Delete(ctx context.Context, containerID string, opts DeleteOptions) (err error) {
	ctx, o, err := s.begin(ctx, "delete", containerID)
	if err != nil {
		return err
	}
	defer func() { o.end(err) }()
	c := o.c
	if c.Status == domain.StatusDeploying {
		return fmt.Errorf("%w: operation in progress", domain.ErrConflict)
	}
	if err := s.teardown(ctx, c, opts); err != nil {
		return err
	}
	if err := s.repo.DeleteContainer(ctx, c.ID); err != nil {
		return err
	}
	s.metrics.transition(c.Status, StatusDeleted)
	s.events.Publish(ctx, events.Event{
		Type:  events.TypeContainerStatus,
		Topic: events.ContainerTopic(c.ID),
		Data:  events.ContainerStatus{ContainerID: c.ID, From: c.Status, To: StatusDeleted},
	})
	s.logger.Info("container deleted", "container_id", c.ID, "force", opts.Force, "remove_volumes", opts.RemoveVolumes)
	return nil
}

func (s Service) teardown(ctx context.Context, c *domain.Container, opts DeleteOptions) error {
	if c.NodeID == nil || (c.RuntimeID == "" && c.Type != domain.ContainerTypeCompose) {
		return nil
	}
	rt, err := s.runtime(ctx, c)
	if err != nil {
		if !opts.Force && errors.Is(err, domain.ErrNodeUnreachable) {
			s.logger.Warn("skipping runtime teardown on unreachable node", "container_id", c.ID, "node_id", c.AssignedNode(), "error", err)
			return nil
		}
		return err
	}
	ids, err := s.instances(ctx, rt, c)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := rt.RemoveContainer(ctx, id, opts.RemoveVolumes); err != nil {
			return err
		}
	}
	return nil
}

// RemoveRuntime removes the runtime instances of c from its node without touching
// the stored row. Cascading deletes use it to tear down whole subtrees.
func (s Service) RemoveRuntime(ctx context.Context, c domain.Container, removeVolumes bool) error {
	return s.teardown(ctx, &c, DeleteOptions{Force: true, RemoveVolumes: removeVolumes})
}

// Cancel aborts the in-flight deploy of a container. It reports whether one was running.
func (s Service) Cancel(containerID string) bool {
	return s.inflight.cancel(containerID)
}

// Deploying reports whether a deploy of the container is in flight in this process.
func (s Service) Deploying(containerID string) bool {
	return s.inflight.has(containerID)
}

type inflight struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func (f *inflight) add(id string, cancel context.CancelFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels[id] = cancel
}

func (f *inflight) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cancels, id)
}

func (f *inflight) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.cancels[id]
	return ok
}

func (f *inflight) cancel(id string) bool {
	f.mu.Lock()
	cancel, ok := f.cancels[id]
	f.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}
