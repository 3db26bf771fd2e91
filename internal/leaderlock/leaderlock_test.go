package leaderlock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memBackend is an in-memory lease store with the same owner-compare
// semantics as the Redis backend.
type memBackend struct {
	mu       sync.Mutex
	owners   map[string]string
	renewOK  bool
	acquires int
	releases int
}

func newMemBackend() *memBackend {
	return &memBackend{owners: make(map[string]string), renewOK: true}
}

func (b *memBackend) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acquires++
	if _, held := b.owners[key]; held {
		return false, nil
	}
	b.owners[key] = owner
	return true, nil
}

func (b *memBackend) Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.renewOK {
		return false, nil
	}
	return b.owners[key] == owner, nil
}

func (b *memBackend) Release(ctx context.Context, key, owner string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releases++
	if b.owners[key] == owner {
		delete(b.owners, key)
	}
	return nil
}

func (b *memBackend) failRenewals() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.renewOK = false
}

func (b *memBackend) holder(key string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.owners[key]
}

func TestRunWithLeaseRunsAndReleases(t *testing.T) {
	backend := newMemBackend()
	locker := New(backend, "instance-a", 50*time.Millisecond, zap.NewNop())

	var ran bool
	err := locker.RunWithLease(context.Background(), "sweep", func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Empty(t, backend.holder("meridian:leader:sweep"))
	assert.Equal(t, 1, backend.releases)
}

func TestRunWithLeaseHeldElsewhereWaits(t *testing.T) {
	backend := newMemBackend()
	backend.owners["meridian:leader:sweep"] = "instance-b"
	locker := New(backend, "instance-a", 20*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := locker.RunWithLease(ctx, "sweep", func(ctx context.Context) error {
		t.Fatal("must not run while another instance holds the lease")
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, backend.acquires, 2, "keeps contesting the lease")
}

func TestRenewalFailureCancelsWork(t *testing.T) {
	backend := newMemBackend()
	locker := New(backend, "instance-a", 40*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	started := make(chan struct{})
	cancelled := make(chan struct{})
	go func() {
		_ = locker.RunWithLease(ctx, "sweep", func(workCtx context.Context) error {
			close(started)
			<-workCtx.Done()
			close(cancelled)
			return nil
		})
	}()

	<-started
	backend.failRenewals()

	select {
	case <-cancelled:
	case <-time.After(300 * time.Millisecond):
		t.Fatal("work was not cancelled after renewal failure")
	}
}

func TestContextCancellationStopsWork(t *testing.T) {
	backend := newMemBackend()
	locker := New(backend, "instance-a", 50*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		done <- locker.RunWithLease(ctx, "sweep", func(workCtx context.Context) error {
			close(started)
			<-workCtx.Done()
			return nil
		})
	}()

	<-started
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("RunWithLease did not return after cancellation")
	}
	assert.Empty(t, backend.holder("meridian:leader:sweep"))
}
