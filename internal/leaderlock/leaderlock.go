// Package leaderlock elects a single worker instance per task via a Redis
// lease. The holder renews at half the TTL; a failed renewal cancels the
// guarded work before another instance can acquire the expired lease.
package leaderlock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Backend is the lease store. Acquire and Renew report whether this owner
// holds the lease after the call.
type Backend interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

// renewScript extends the lease only while this owner still holds it.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the lease only while this owner still holds it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

type redisBackend struct {
	client *redis.Client
}

// NewRedisBackend builds the production lease store.
func NewRedisBackend(client *redis.Client) Backend {
	return &redisBackend{client: client}
}

func (b *redisBackend) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := b.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("leaderlock: acquire %s: %w", key, err)
	}
	return ok, nil
}

func (b *redisBackend) Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	res, err := renewScript.Run(ctx, b.client, []string{key}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("leaderlock: renew %s: %w", key, err)
	}
	return res == 1, nil
}

func (b *redisBackend) Release(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, b.client, []string{key}, owner).Err(); err != nil {
		return fmt.Errorf("leaderlock: release %s: %w", key, err)
	}
	return nil
}

// Locker runs leader-exclusive work under named leases.
type Locker struct {
	backend Backend
	owner   string
	ttl     time.Duration
	logger  *zap.Logger
}

// New creates a locker. The owner string must be unique per instance.
func New(backend Backend, owner string, ttl time.Duration, logger *zap.Logger) *Locker {
	return &Locker{backend: backend, owner: owner, ttl: ttl, logger: logger}
}

func (l *Locker) key(name string) string {
	return "meridian:leader:" + name
}

// RunWithLease blocks until the named lease is acquired, then runs fn
// while renewing at half the TTL. A lost lease cancels fn's context; fn
// returning releases the lease. Returns when fn returns or ctx is
// cancelled.
func (l *Locker) RunWithLease(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	key := l.key(name)
	for {
		held, err := l.backend.Acquire(ctx, key, l.owner, l.ttl)
		if err != nil {
			l.logger.Warn("lease acquire failed", zap.String("lease", name), zap.Error(err))
		} else if held {
			completed, err := l.runHeld(ctx, name, key, fn)
			if completed {
				return err
			}
			// Lease lost: fall through and compete again.
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.ttl):
		}
	}
}

// runHeld runs fn under an already-held lease. completed is false when
// the lease was lost and should be re-contested.
func (l *Locker) runHeld(ctx context.Context, name, key string, fn func(ctx context.Context) error) (completed bool, err error) {
	l.logger.Info("lease acquired", zap.String("lease", name), zap.String("owner", l.owner))
	leaseCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(leaseCtx) }()

	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case fnErr := <-done:
			l.release(ctx, name, key)
			return true, fnErr
		case <-ticker.C:
			held, renewErr := l.backend.Renew(ctx, key, l.owner, l.ttl)
			if renewErr != nil || !held {
				l.logger.Warn("lease renewal failed, stopping leader work",
					zap.String("lease", name),
					zap.String("owner", l.owner),
					zap.Error(renewErr))
				cancel()
				<-done
				return false, nil
			}
		case <-ctx.Done():
			cancel()
			fnErr := <-done
			l.release(ctx, name, key)
			if fnErr != nil {
				return true, fnErr
			}
			return true, ctx.Err()
		}
	}
}

func (l *Locker) release(ctx context.Context, name, key string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.ttl)
	defer cancel()
	if err := l.backend.Release(releaseCtx, key, l.owner); err != nil {
		l.logger.Warn("lease release failed", zap.String("lease", name), zap.Error(err))
	}
}
