package engine

import (
	"context"
	"io"
	"time"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
	"github.com/fahrettinrizaergin/docker-manager/internal/resilience"
)

// GuardConfig bounds every node call.
type GuardConfig struct {
	// OpTimeout caps each call except image pulls and builds, which run under the
	// deployment deadline.
	OpTimeout time.Duration
	Retry     resilience.RetryPolicy
}

// guarded runs each call through the node's breaker. Idempotent calls are also
// retried on transport failures; creates and builds are not.
type guarded struct {
	nodeID  string
	inner   Runtime
	breaker *resilience.Breaker
	cfg     GuardConfig
}

var _ Runtime = (*guarded)(nil)

func newGuarded(nodeID string, inner Runtime, breaker *resilience.Breaker, cfg GuardConfig) *guarded {
	return &guarded{nodeID: nodeID, inner: inner, breaker: breaker, cfg: cfg}
}

func (g *guarded) run(ctx context.Context, op string, bounded, retryable bool, fn func(context.Context) error) error {
	var limit time.Duration
	if bounded {
		limit = g.cfg.OpTimeout
	}
	return g.within(ctx, op, limit, retryable, fn)
}

// runGraceful bounds calls that wait out a stop grace period by OpTimeout plus grace.
func (g *guarded) runGraceful(ctx context.Context, op string, grace time.Duration, fn func(context.Context) error) error {
	var limit time.Duration
	if g.cfg.OpTimeout > 0 {
		limit = g.cfg.OpTimeout + max(grace, 0)
	}
	return g.within(ctx, op, limit, true, fn)
}

// within runs fn under limit, or without a deadline of its own when limit is zero.
func (g *guarded) within(ctx context.Context, op string, limit time.Duration, retryable bool, fn func(context.Context) error) error {
	if limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}
	err := g.breaker.Execute(func() error {
		if !retryable {
			return fn(ctx)
		}
		return resilience.Retry(ctx, g.cfg.Retry, Unreachable, fn)
	})
	return classify(op+" on node "+g.nodeID, err)
}

func (g *guarded) Ping(ctx context.Context) (Info, error) {
	var info Info
	err := g.run(ctx, "ping", true, false, func(ctx context.Context) error {
		var err error
		info, err = g.inner.Ping(ctx)
		return err
	})
	return info, err
}

func (g *guarded) PullImage(ctx context.Context, ref string, auth *RegistryAuth, onOutput OutputFunc) error {
	return g.run(ctx, "pull", false, true, func(ctx context.Context) error {
		return g.inner.PullImage(ctx, ref, auth, onOutput)
	})
}

func (g *guarded) BuildImage(ctx context.Context, buildContext io.Reader, opts BuildOptions, onOutput OutputFunc) error {
	return g.run(ctx, "build", false, false, func(ctx context.Context) error {
		return g.inner.BuildImage(ctx, buildContext, opts, onOutput)
	})
}

func (g *guarded) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	var id string
	err := g.run(ctx, "create", true, false, func(ctx context.Context) error {
		var err error
		id, err = g.inner.CreateContainer(ctx, spec)
		return err
	})
	return id, err
}

func (g *guarded) StartContainer(ctx context.Context, id string) error {
	return g.run(ctx, "start", true, true, func(ctx context.Context) error {
		return g.inner.StartContainer(ctx, id)
	})
}

func (g *guarded) StopContainer(ctx context.Context, id, signal string, grace time.Duration) error {
	return g.runGraceful(ctx, "stop", grace, func(ctx context.Context) error {
		return g.inner.StopContainer(ctx, id, signal, grace)
	})
}

func (g *guarded) PauseContainer(ctx context.Context, id string) error {
	return g.run(ctx, "pause", true, true, func(ctx context.Context) error {
		return g.inner.PauseContainer(ctx, id)
	})
}

func (g *guarded) UnpauseContainer(ctx context.Context, id string) error {
	return g.run(ctx, "unpause", true, true, func(ctx context.Context) error {
		return g.inner.UnpauseContainer(ctx, id)
	})
}

func (g *guarded) RemoveContainer(ctx context.Context, id string, removeVolumes bool) error {
	return g.run(ctx, "remove", true, true, func(ctx context.Context) error {
		return g.inner.RemoveContainer(ctx, id, removeVolumes)
	})
}

func (g *guarded) ContainerState(ctx context.Context, id string) (string, error) {
	var state string
	err := g.run(ctx, "inspect", true, true, func(ctx context.Context) error {
		var err error
		state, err = g.inner.ContainerState(ctx, id)
		return err
	})
	return state, err
}

func (g *guarded) ListContainers(ctx context.Context, labels map[string]string) ([]RuntimeContainer, error) {
	var out []RuntimeContainer
	err := g.run(ctx, "list", true, true, func(ctx context.Context) error {
		var err error
		out, err = g.inner.ListContainers(ctx, labels)
		return err
	})
	return out, err
}

func (g *guarded) RestartByName(ctx context.Context, name string, grace time.Duration) error {
	return g.runGraceful(ctx, "restart", grace, func(ctx context.Context) error {
		return g.inner.RestartByName(ctx, name, grace)
	})
}

func (g *guarded) Prune(ctx context.Context, kind string) (domain.PruneReport, error) {
	var report domain.PruneReport
	err := g.run(ctx, "prune", true, false, func(ctx context.Context) error {
		var err error
		report, err = g.inner.Prune(ctx, kind)
		return err
	})
	return report, err
}
