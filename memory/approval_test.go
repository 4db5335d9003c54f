package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-notes/memory"
	"github.com/becomeliminal/nim-notes/memory/store/badger"
)

// manualScheduler collects scheduled functions and runs them on demand.
type manualScheduler struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func(context.Context)
}

func (s *manualScheduler) Schedule(delay time.Duration, fn func(context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, delay)
	s.fns = append(s.fns, fn)
}

func (s *manualScheduler) fire(i int) {
	s.mu.Lock()
	fn := s.fns[i]
	s.mu.Unlock()
	fn(context.Background())
}

type expiryRecorder struct {
	mu   sync.Mutex
	seen []memory.Expiry
}

func (r *expiryRecorder) handle(_ context.Context, e memory.Expiry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, e)
}

func newApprovals(t *testing.T, clock func() time.Time) (*memory.Approvals, *manualScheduler, *expiryRecorder) {
	t.Helper()
	store, err := badger.New(badger.Config{InMemory: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	sched := &manualScheduler{}
	rec := &expiryRecorder{}
	opts := []memory.Option{}
	if clock != nil {
		opts = append(opts, memory.WithClock(clock))
	}
	return memory.NewApprovals(store, sched, 15*time.Second, rec.handle, opts...), sched, rec
}

func TestApprovals_Expire(t *testing.T) {
	ctx := context.Background()
	a, sched, rec := newApprovals(t, nil)

	require.NoError(t, a.Await(ctx, 42, 7, 1001))
	require.Len(t, sched.fns, 1)
	assert.Equal(t, 15*time.Second, sched.delays[0])

	pending, err := a.Pending(ctx, 42, 1001)
	require.NoError(t, err)
	assert.True(t, pending)

	sched.fire(0)
	require.Len(t, rec.seen, 1)
	assert.EqualValues(t, 42, rec.seen[0].OwnerID)
	assert.EqualValues(t, 7, rec.seen[0].ChatID)
	assert.EqualValues(t, 1001, rec.seen[0].ExternalID)

	pending, err = a.Pending(ctx, 42, 1001)
	require.NoError(t, err)
	assert.False(t, pending)

	// Firing again is a no-op.
	sched.fire(0)
	assert.Len(t, rec.seen, 1)
}

func TestApprovals_ResolveBeforeExpiry(t *testing.T) {
	ctx := context.Background()
	a, sched, rec := newApprovals(t, nil)

	require.NoError(t, a.Await(ctx, 42, 42, 1001))
	ok, err := a.Resolve(ctx, 42, 1001)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.Resolve(ctx, 42, 1001)
	require.NoError(t, err)
	assert.False(t, ok)

	sched.fire(0)
	assert.Empty(t, rec.seen)
}

func TestApprovals_StaleTimer(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}
	a, sched, rec := newApprovals(t, clock)

	require.NoError(t, a.Await(ctx, 1, 1, 5))
	_, err := a.Resolve(ctx, 1, 5)
	require.NoError(t, err)
	require.NoError(t, a.Await(ctx, 1, 1, 5))

	// The first timer must not remove the second marker.
	sched.fire(0)
	assert.Empty(t, rec.seen)
	pending, err := a.Pending(ctx, 1, 5)
	require.NoError(t, err)
	assert.True(t, pending)

	sched.fire(1)
	assert.Len(t, rec.seen, 1)
}

func TestApprovals_InvalidID(t *testing.T) {
	a, sched, _ := newApprovals(t, nil)
	assert.ErrorIs(t, a.Await(context.Background(), 1, 1, 0), memory.ErrInvalidExternalID)
	assert.Empty(t, sched.fns)
}
