package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when the caller still owns the lease.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// renewScript extends the lease only while the caller still owns it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// Redis is a Locker shared by every API replica. A held lease is renewed every
// third of ttl until released, so only a crashed holder lets it expire.
type Redis struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

// NewRedis constructs a Redis backed locker.
func NewRedis(client *redis.Client, ttl time.Duration, logger *slog.Logger) (*Redis, error) {
	if client == nil {
		return nil, errors.New("lock: redis client required")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client:  client,
		prefix:  "dockmgr:lock:",
		ttl:     ttl,
		timeout: 2 * time.Second,
		logger:  logger.With("component", "lock"),
	}, nil
}

// TryAcquire claims key with SET NX PX or fails with ErrHeld.
func (r *Redis) TryAcquire(ctx context.Context, key string) (Release, error) {
	if key == "" {
		return nil, errors.New("lock: empty key")
	}
	token := uuid.NewString()
	redisKey := r.prefix + key

	opCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ok, err := r.client.SetNX(opCtx, redisKey, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrHeld
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.renew(key, redisKey, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			relCtx, cancel := context.WithTimeout(context.Background(), r.timeout)
			defer cancel()
			if err := releaseScript.Run(relCtx, r.client, []string{redisKey}, token).Err(); err != nil {
				r.logger.Error("release lock", "key", key, "error", err)
			}
		})
	}, nil
}

// renew pushes the lease expiry forward until stop closes. A lease found to be
// owned by someone else ends the loop.
func (r *Redis) renew(key, redisKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		n, err := renewScript.Run(ctx, r.client, []string{redisKey}, token, r.ttl.Milliseconds()).Int()
		cancel()
		switch {
		case err != nil:
			r.logger.Warn("renew lock", "key", key, "error", err)
		case n == 0:
			r.logger.Error("lock lease lost", "key", key)
			return
		}
	}
}
