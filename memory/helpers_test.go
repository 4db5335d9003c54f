package memory_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-notes/core"
	"github.com/becomeliminal/nim-notes/memory"
	"github.com/becomeliminal/nim-notes/memory/embedder/mock"
	"github.com/becomeliminal/nim-notes/memory/index/flat"
	"github.com/becomeliminal/nim-notes/memory/store/badger"
)

const testDim = 32

var errProvider = errors.New("provider timeout")

// scriptedEmbedder fails the first failures calls, then behaves like the
// mock embedder. It records every vector it returned.
type scriptedEmbedder struct {
	inner    *mock.MockEmbedder
	failures atomic.Int32
	calls    atomic.Int32

	mu       sync.Mutex
	returned [][]float32
}

func newScriptedEmbedder(failures int) *scriptedEmbedder {
	e := &scriptedEmbedder{inner: mock.NewWithDimensions(testDim)}
	e.failures.Store(int32(failures))
	return e
}

func (e *scriptedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	if e.failures.Add(-1) >= 0 {
		return nil, errProvider
	}
	v, err := e.inner.Embed(ctx, text)
	if err == nil {
		e.mu.Lock()
		e.returned = append(e.returned, v)
		e.mu.Unlock()
	}
	return v, err
}

func (e *scriptedEmbedder) Dimensions() int { return testDim }

func (e *scriptedEmbedder) last() []float32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.returned[len(e.returned)-1]
}

// failingIndex wraps an index and fails Upsert with err while failUpserts
// is positive.
type failingIndex struct {
	memory.VectorIndex
	failUpserts atomic.Int32
	err         error
}

func (x *failingIndex) Upsert(ctx context.Context, rec *core.MessageRecord) error {
	if x.failUpserts.Add(-1) >= 0 {
		return x.err
	}
	return x.VectorIndex.Upsert(ctx, rec)
}

// lostReplyStore writes records but reports a transient failure for the
// first lose creates, like a connection dropped after the commit.
type lostReplyStore struct {
	memory.RecordStore
	lose atomic.Int32
}

func (s *lostReplyStore) CreateRecord(ctx context.Context, key core.RecordKey, owner core.OwnerID, text string, embedding []float32) (*core.MessageRecord, error) {
	rec, err := s.RecordStore.CreateRecord(ctx, key, owner, text, embedding)
	if err == nil && s.lose.Add(-1) >= 0 {
		return nil, fmt.Errorf("%w: connection reset after commit", memory.ErrTransient)
	}
	return rec, err
}

func testConfig() *memory.Config {
	return &memory.Config{
		Dimension:       testDim,
		Metric:          memory.MetricCosine,
		EmbedRetry:      memory.RetryPolicy{MaxAttempts: 3, Pause: time.Millisecond},
		StoreRetry:      memory.RetryPolicy{MaxAttempts: 2, Pause: time.Millisecond},
		DefaultLimit:    20,
		ApprovalTimeout: time.Minute,
		OrphanTTL:       10 * time.Minute,
	}
}

type fixture struct {
	store    *badger.Store
	index    *flat.Index
	embedder *scriptedEmbedder
	manager  *memory.Manager
}

func newFixture(t *testing.T, embedder *scriptedEmbedder, opts ...memory.Option) *fixture {
	t.Helper()
	store, err := badger.New(badger.Config{InMemory: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	if embedder == nil {
		embedder = newScriptedEmbedder(0)
	}
	index := flat.New()
	m := memory.NewManager(store, index, embedder, testConfig(), opts...)
	require.NoError(t, m.EnsureIndex(context.Background()))

	return &fixture{store: store, index: index, embedder: embedder, manager: m}
}

func (f *fixture) count(t *testing.T) int {
	t.Helper()
	n := 0
	require.NoError(t, f.store.Scan(context.Background(), func(*core.MessageRecord) error {
		n++
		return nil
	}))
	return n
}
