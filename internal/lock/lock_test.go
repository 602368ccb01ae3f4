package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
)

func TestMemoryRejectsSecondHolder(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	release, err := m.TryAcquire(ctx, "container-1")
	require.NoError(t, err)

	_, err = m.TryAcquire(ctx, "container-1")
	assert.ErrorIs(t, err, ErrHeld)
	assert.True(t, errors.Is(err, domain.ErrConflict))

	other, err := m.TryAcquire(ctx, "container-2")
	require.NoError(t, err, "keys are independent")
	other()

	release()
	release()
	again, err := m.TryAcquire(ctx, "container-1")
	require.NoError(t, err)
	again()
	assert.False(t, m.Held("container-1"))
}

func TestMemoryConcurrentAcquireSingleWinner(t *testing.T) {
	m := NewMemory()
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		start   = make(chan struct{})
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := m.TryAcquire(context.Background(), "k"); err == nil {
				winners.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func TestAcquireAllIsAllOrNothing(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	held, err := m.TryAcquire(ctx, ContainerKey("b"))
	require.NoError(t, err)

	_, err = AcquireAll(ctx, m, ContainerKey("a"), ContainerKey("b"), ContainerKey("c"))
	assert.ErrorIs(t, err, domain.ErrConflict)
	a, err := m.TryAcquire(ctx, ContainerKey("a"))
	require.NoError(t, err, "a partial claim must be released")
	a()

	held()
	release, err := AcquireAll(ctx, m, ContainerKey("a"), ContainerKey("b"))
	require.NoError(t, err)
	_, err = m.TryAcquire(ctx, ContainerKey("a"))
	assert.ErrorIs(t, err, ErrHeld)
	release()
	again, err := m.TryAcquire(ctx, ContainerKey("b"))
	require.NoError(t, err)
	again()
}

func TestRedisLease(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("requires REDIS_ADDR")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	locker, err := NewRedis(client, time.Minute, nil)
	require.NoError(t, err)
	key := "test-" + time.Now().Format(time.RFC3339Nano)

	release, err := locker.TryAcquire(context.Background(), key)
	require.NoError(t, err)
	_, err = locker.TryAcquire(context.Background(), key)
	assert.ErrorIs(t, err, ErrHeld)

	release()
	again, err := locker.TryAcquire(context.Background(), key)
	require.NoError(t, err)
	again()
}

func TestRedisLeaseRenewedWhileHeld(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("requires REDIS_ADDR")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	locker, err := NewRedis(client, 300*time.Millisecond, nil)
	require.NoError(t, err)
	key := "renew-" + time.Now().Format(time.RFC3339Nano)

	release, err := locker.TryAcquire(context.Background(), key)
	require.NoError(t, err)
	time.Sleep(time.Second)
	_, err = locker.TryAcquire(context.Background(), key)
	assert.ErrorIs(t, err, ErrHeld, "lease expired while still held")

	release()
	exists, err := client.Exists(context.Background(), "dockmgr:lock:"+key).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}
