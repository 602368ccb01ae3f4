// Package enginetest provides an in-memory engine.Runtime for service tests.
package enginetest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
	"github.com/fahrettinrizaergin/docker-manager/internal/engine"
)

// Call records one invocation.
type Call struct {
	Op  string
	Arg string
}

// Fake is a scriptable engine. Set Errors[op] to make an operation fail and
// Hooks[op] to run code (for example, block) inside it.
type Fake struct {
	mu         sync.Mutex
	containers map[string]*engine.RuntimeContainer
	specs      map[string]engine.ContainerSpec
	seq        int

	Info   engine.Info
	Errors map[string]error
	Hooks  map[string]func(ctx context.Context) error
	Calls  []Call
	Output []string
	Pruned domain.PruneReport
}

var _ engine.Runtime = (*Fake)(nil)

// New returns an empty fake engine.
func New() *Fake {
	return &Fake{
		containers: make(map[string]*engine.RuntimeContainer),
		specs:      make(map[string]engine.ContainerSpec),
		Info:       engine.Info{ServerVersion: "27.3.1", APIVersion: "1.47", OS: "linux", Arch: "x86_64", CPUs: 4, MemoryBytes: 8 << 30},
		Errors:     make(map[string]error),
		Hooks:      make(map[string]func(ctx context.Context) error),
	}
}

// Fail makes op return err until cleared with Fail(op, nil).
func (f *Fake) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.Errors, op)
		return
	}
	f.Errors[op] = err
}

// Hook installs fn to run at the start of op.
func (f *Fake) Hook(op string, fn func(ctx context.Context) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Hooks[op] = fn
}

// Ops returns the recorded operation names in call order.
func (f *Fake) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.Calls))
	for _, c := range f.Calls {
		out = append(out, c.Op)
	}
	return out
}

// State returns the state of a runtime container or "" if it does not exist.
func (f *Fake) State(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		return c.State
	}
	return ""
}

// Spec returns the ContainerSpec a runtime container was created from.
func (f *Fake) Spec(id string) (engine.ContainerSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	spec, ok := f.specs[id]
	return spec, ok
}

// Count returns how many runtime containers exist.
func (f *Fake) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

func (f *Fake) enter(ctx context.Context, op, arg string) error {
	f.mu.Lock()
	f.Calls = append(f.Calls, Call{Op: op, Arg: arg})
	hook := f.Hooks[op]
	err := f.Errors[op]
	f.mu.Unlock()
	if hook != nil {
		if herr := hook(ctx); herr != nil {
			return herr
		}
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (f *Fake) Ping(ctx context.Context) (engine.Info, error) {
	if err := f.enter(ctx, "ping", ""); err != nil {
		return engine.Info{}, err
	}
	return f.Info, nil
}

func (f *Fake) PullImage(ctx context.Context, ref string, _ *engine.RegistryAuth, onOutput engine.OutputFunc) error {
	if err := f.enter(ctx, "pull", ref); err != nil {
		return err
	}
	f.emit(onOutput, "pulled "+ref)
	return nil
}

func (f *Fake) BuildImage(ctx context.Context, buildContext io.Reader, opts engine.BuildOptions, onOutput engine.OutputFunc) error {
	if err := f.enter(ctx, "build", opts.Tag); err != nil {
		return err
	}
	if buildContext != nil {
		if _, err := io.Copy(io.Discard, buildContext); err != nil {
			return err
		}
	}
	f.emit(onOutput, "built "+opts.Tag)
	return nil
}

func (f *Fake) emit(onOutput engine.OutputFunc, line string) {
	f.mu.Lock()
	lines := append([]string{}, f.Output...)
	f.mu.Unlock()
	if onOutput == nil {
		return
	}
	for _, l := range lines {
		onOutput(l)
	}
	onOutput(line)
}

func (f *Fake) CreateContainer(ctx context.Context, spec engine.ContainerSpec) (string, error) {
	if err := f.enter(ctx, "create", spec.Name); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if c.Name == spec.Name {
			return "", fmt.Errorf("container name %q already in use: %w", spec.Name, domain.ErrOperationFailed)
		}
	}
	f.seq++
	id := fmt.Sprintf("rt-%04d", f.seq)
	f.containers[id] = &engine.RuntimeContainer{ID: id, Name: spec.Name, Image: spec.Image, State: "created", Labels: spec.Labels}
	f.specs[id] = spec
	return id, nil
}

func (f *Fake) setState(id, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("no such container %s: %w", id, domain.ErrOperationFailed)
	}
	c.State = state
	return nil
}

func (f *Fake) StartContainer(ctx context.Context, id string) error {
	if err := f.enter(ctx, "start", id); err != nil {
		return err
	}
	return f.setState(id, "running")
}

func (f *Fake) StopContainer(ctx context.Context, id, signal string, grace time.Duration) error {
	if err := f.enter(ctx, "stop", fmt.Sprintf("%s %s %s", id, signal, grace)); err != nil {
		return err
	}
	if f.State(id) == "" {
		return nil
	}
	return f.setState(id, "exited")
}

func (f *Fake) PauseContainer(ctx context.Context, id string) error {
	if err := f.enter(ctx, "pause", id); err != nil {
		return err
	}
	return f.setState(id, "paused")
}

func (f *Fake) UnpauseContainer(ctx context.Context, id string) error {
	if err := f.enter(ctx, "unpause", id); err != nil {
		return err
	}
	return f.setState(id, "running")
}

func (f *Fake) RemoveContainer(ctx context.Context, id string, removeVolumes bool) error {
	if err := f.enter(ctx, "remove", fmt.Sprintf("%s volumes=%t", id, removeVolumes)); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
	delete(f.specs, id)
	return nil
}

func (f *Fake) ContainerState(ctx context.Context, id string) (string, error) {
	if err := f.enter(ctx, "inspect", id); err != nil {
		return "", err
	}
	return f.State(id), nil
}

func (f *Fake) ListContainers(ctx context.Context, labels map[string]string) ([]engine.RuntimeContainer, error) {
	if err := f.enter(ctx, "list", ""); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []engine.RuntimeContainer
	for _, c := range f.containers {
		match := true
		for k, v := range labels {
			if c.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *Fake) RestartByName(ctx context.Context, name string, _ time.Duration) error {
	if err := f.enter(ctx, "restart", name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if c.Name == name {
			c.State = "running"
			return nil
		}
	}
	return fmt.Errorf("no container named %q: %w", name, domain.ErrOperationFailed)
}

func (f *Fake) Prune(ctx context.Context, kind string) (domain.PruneReport, error) {
	if err := f.enter(ctx, "prune", kind); err != nil {
		return domain.PruneReport{}, err
	}
	report := f.Pruned
	report.Kind = kind
	if report.ItemsDeleted == nil {
		report.ItemsDeleted = []string{}
	}
	return report, nil
}

// Add seeds a runtime container, for example a pre-existing redis.
func (f *Fake) Add(name, state string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("rt-%04d", f.seq)
	f.containers[id] = &engine.RuntimeContainer{ID: id, Name: name, State: state, Labels: map[string]string{}}
	return id
}

// Dialer returns an engine.Dialer that hands out f for every node.
func (f *Fake) Dialer() engine.Dialer {
	return func(context.Context, engine.Target) (engine.Runtime, error) {
		return f, nil
	}
}
