// Package lock serializes operations per key. A second caller for a held key is
// turned away immediately instead of queueing.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
)

// ErrHeld is returned when another operation holds the key.
var ErrHeld = fmt.Errorf("%w: operation in progress", domain.ErrConflict)

// Release frees a held key. Calling it more than once is harmless.
type Release func()

// Locker hands out non-blocking exclusive leases on keys.
type Locker interface {
	TryAcquire(ctx context.Context, key string) (Release, error)
}

// ContainerKey is the key every write to one container's runtime record holds.
func ContainerKey(id string) string { return "container:" + id }

// AcquireAll claims every key or none of them. The first held key fails the
// whole claim with ErrHeld and releases what was already taken.
func AcquireAll(ctx context.Context, l Locker, keys ...string) (Release, error) {
	releases := make([]Release, 0, len(keys))
	all := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, key := range keys {
		release, err := l.TryAcquire(ctx, key)
		if err != nil {
			all()
			return nil, err
		}
		releases = append(releases, release)
	}
	return all, nil
}

// Memory is an in-process Locker backed by a key set.
type Memory struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemory returns an empty in-process locker.
func NewMemory() *Memory {
	return &Memory{held: make(map[string]struct{})}
}

// TryAcquire claims key or fails with ErrHeld.
func (m *Memory) TryAcquire(ctx context.Context, key string) (Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, errors.New("lock: empty key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[key]; ok {
		return nil, ErrHeld
	}
	m.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, key)
			m.mu.Unlock()
		})
	}, nil
}

// Held reports whether key is currently claimed.
func (m *Memory) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[key]
	return ok
}
