// Package flat is an exact, in-process vector index. It scores every
// entry of the owner on each search, which is fine up to some tens of
// thousands of messages per owner and needs no external service.
package flat

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/viterin/vek/vek32"

	"github.com/becomeliminal/nim-notes/core"
	"github.com/becomeliminal/nim-notes/memory"
)

type entry struct {
	owner  core.OwnerID
	text   string
	vector []float32
}

// Index implements memory.VectorIndex with brute-force search.
type Index struct {
	mu        sync.RWMutex
	ready     bool
	dimension int
	metric    memory.Metric
	entries   map[core.RecordKey]*entry
	byOwner   map[core.OwnerID]map[core.RecordKey]struct{}
}

var _ memory.VectorIndex = (*Index)(nil)

// New creates an empty index. Call EnsureIndex before use.
func New() *Index {
	return &Index{
		entries: make(map[core.RecordKey]*entry),
		byOwner: make(map[core.OwnerID]map[core.RecordKey]struct{}),
	}
}

// EnsureIndex fixes dimension and metric on first call.
func (x *Index) EnsureIndex(ctx context.Context, dimension int, metric memory.Metric) error {
	if _, err := memory.ParseMetric(string(metric)); err != nil {
		return err
	}
	if dimension <= 0 {
		return fmt.Errorf("%w: dimension %d", memory.ErrDimensionMismatch, dimension)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.ready {
		x.ready, x.dimension, x.metric = true, dimension, metric
		return nil
	}
	if x.dimension != dimension {
		return fmt.Errorf("%w: index has %d, asked for %d", memory.ErrDimensionMismatch, x.dimension, dimension)
	}
	if x.metric != metric {
		return fmt.Errorf("%w: index uses %s, asked for %s", memory.ErrUnsupportedMetric, x.metric, metric)
	}
	return nil
}

// Upsert stores or replaces the entry for rec.Key.
func (x *Index) Upsert(ctx context.Context, rec *core.MessageRecord) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.ready {
		return memory.ErrIndexNotReady
	}
	if len(rec.Embedding) != x.dimension {
		return fmt.Errorf("%w: got %d, want %d", memory.ErrDimensionMismatch, len(rec.Embedding), x.dimension)
	}

	if old, ok := x.entries[rec.Key]; ok && old.owner != rec.OwnerID {
		delete(x.byOwner[old.owner], rec.Key)
	}
	vec := make([]float32, len(rec.Embedding))
	copy(vec, rec.Embedding)
	x.entries[rec.Key] = &entry{owner: rec.OwnerID, text: rec.Text, vector: vec}

	keys, ok := x.byOwner[rec.OwnerID]
	if !ok {
		keys = make(map[core.RecordKey]struct{})
		x.byOwner[rec.OwnerID] = keys
	}
	keys[rec.Key] = struct{}{}
	return nil
}

// Search scores all of the owner's entries and returns the best k.
func (x *Index) Search(ctx context.Context, owner core.OwnerID, vector []float32, k int) ([]memory.Hit, error) {
	if k <= 0 {
		return nil, memory.ErrInvalidLimit
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	if !x.ready {
		return nil, memory.ErrIndexNotReady
	}
	if len(vector) != x.dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", memory.ErrDimensionMismatch, len(vector), x.dimension)
	}

	hits := make([]memory.Hit, 0, len(x.byOwner[owner]))
	for key := range x.byOwner[owner] {
		e := x.entries[key]
		hits = append(hits, memory.Hit{
			Key:     key,
			OwnerID: e.owner,
			Text:    e.text,
			Score:   score(x.metric, vector, e.vector),
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Key < hits[j].Key
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Delete removes the entry for key.
func (x *Index) Delete(ctx context.Context, key core.RecordKey) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if e, ok := x.entries[key]; ok {
		delete(x.byOwner[e.owner], key)
		delete(x.entries, key)
	}
	return nil
}

// Len returns the number of indexed entries.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// Close is a no-op.
func (x *Index) Close() error {
	return nil
}

// score turns the metric into a similarity where higher is better.
func score(metric memory.Metric, a, b []float32) float32 {
	switch metric {
	case memory.MetricDot:
		return vek32.Dot(a, b)
	case memory.MetricL2:
		return 1 / (1 + vek32.Distance(a, b))
	default:
		// vek32.CosineSimilarity returns NaN for zero vectors, we want 0
		s := vek32.CosineSimilarity(a, b)
		if math.IsNaN(float64(s)) {
			return 0
		}
		return s
	}
}
