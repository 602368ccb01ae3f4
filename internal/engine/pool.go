package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/fahrettinrizaergin/docker-manager/internal/resilience"
)

// Dialer opens a runtime for a node.
type Dialer func(ctx context.Context, target Target) (Runtime, error)

// DialDocker is the Dialer for real engines.
func DialDocker(ctx context.Context, target Target) (Runtime, error) {
	return Dial(ctx, target)
}

type pooled struct {
	runtime Runtime
	host    string
}

// Pool caches one runtime per node and hands out guarded views of it.
type Pool struct {
	mu       sync.Mutex
	clients  map[string]pooled
	dial     Dialer
	breakers *resilience.Breakers
	guard    GuardConfig
	log      *slog.Logger
}

// NewPool builds a pool. A nil dial uses DialDocker.
func NewPool(dial Dialer, breakers *resilience.Breakers, guard GuardConfig, log *slog.Logger) *Pool {
	if dial == nil {
		dial = DialDocker
	}
	if breakers == nil {
		breakers = resilience.NewBreakers(5, 0, Unreachable)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		clients:  make(map[string]pooled),
		dial:     dial,
		breakers: breakers,
		guard:    guard,
		log:      log.With("component", "engine_pool"),
	}
}

// Get returns the runtime for the target node, dialing on first use or when the
// node's host changed since the cached client was built.
func (p *Pool) Get(ctx context.Context, target Target) (Runtime, error) {
	breaker := p.breakers.For(target.NodeID)
	if breaker.Open() {
		return nil, classify("dial node", resilience.ErrCircuitOpen)
	}

	p.mu.Lock()
	entry, ok := p.clients[target.NodeID]
	p.mu.Unlock()
	if ok && entry.host == target.Host {
		return newGuarded(target.NodeID, entry.runtime, breaker, p.guard), nil
	}
	if ok {
		p.Invalidate(target.NodeID)
	}

	rt, err := p.dial(ctx, target)
	if err != nil {
		return nil, classify("dial node", err)
	}

	p.mu.Lock()
	if existing, raced := p.clients[target.NodeID]; raced && existing.host == target.Host {
		p.mu.Unlock()
		closeRuntime(rt)
		return newGuarded(target.NodeID, existing.runtime, breaker, p.guard), nil
	}
	p.clients[target.NodeID] = pooled{runtime: rt, host: target.Host}
	p.mu.Unlock()

	p.log.Debug("node client dialed", "node_id", target.NodeID)
	return newGuarded(target.NodeID, rt, breaker, p.guard), nil
}

// Invalidate closes and drops the cached runtime for nodeID.
func (p *Pool) Invalidate(nodeID string) {
	p.mu.Lock()
	entry, ok := p.clients[nodeID]
	delete(p.clients, nodeID)
	p.mu.Unlock()
	if ok {
		closeRuntime(entry.runtime)
	}
}

// Forget drops both the cached runtime and the breaker state for nodeID.
func (p *Pool) Forget(nodeID string) {
	p.Invalidate(nodeID)
	p.breakers.Forget(nodeID)
}

// Close releases every cached runtime.
func (p *Pool) Close() error {
	p.mu.Lock()
	entries := p.clients
	p.clients = make(map[string]pooled)
	p.mu.Unlock()

	var errs []error
	for _, entry := range entries {
		if c, ok := entry.runtime.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

func closeRuntime(rt Runtime) {
	if c, ok := rt.(io.Closer); ok {
		_ = c.Close()
	}
}
