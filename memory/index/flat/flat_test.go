package flat_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-notes/core"
	"github.com/becomeliminal/nim-notes/memory"
	"github.com/becomeliminal/nim-notes/memory/index/flat"
)

func rec(key string, owner core.OwnerID, v ...float32) *core.MessageRecord {
	return &core.MessageRecord{Key: core.RecordKey(key), OwnerID: owner, Text: key, Embedding: v}
}

func TestIndex_EnsureIndex(t *testing.T) {
	ctx := context.Background()
	x := flat.New()

	assert.ErrorIs(t, x.Upsert(ctx, rec("a", 1, 1, 0)), memory.ErrIndexNotReady)

	require.NoError(t, x.EnsureIndex(ctx, 2, memory.MetricCosine))
	require.NoError(t, x.EnsureIndex(ctx, 2, memory.MetricCosine))
	assert.ErrorIs(t, x.EnsureIndex(ctx, 3, memory.MetricCosine), memory.ErrDimensionMismatch)
	assert.ErrorIs(t, x.EnsureIndex(ctx, 2, memory.MetricDot), memory.ErrUnsupportedMetric)
	assert.ErrorIs(t, x.EnsureIndex(ctx, 2, "manhattan"), memory.ErrUnsupportedMetric)
}

func TestIndex_SearchFiltersAndRanks(t *testing.T) {
	ctx := context.Background()
	x := flat.New()
	require.NoError(t, x.EnsureIndex(ctx, 2, memory.MetricCosine))

	require.NoError(t, x.Upsert(ctx, rec("near", 1, 1, 0.1)))
	require.NoError(t, x.Upsert(ctx, rec("far", 1, 0, 1)))
	require.NoError(t, x.Upsert(ctx, rec("other", 2, 1, 0)))

	hits, err := x.Search(ctx, 1, []float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, core.RecordKey("near"), hits[0].Key)
	assert.Equal(t, core.RecordKey("far"), hits[1].Key)
	for _, h := range hits {
		assert.Equal(t, core.OwnerID(1), h.OwnerID)
	}

	hits, err = x.Search(ctx, 1, []float32{1, 0}, 1)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	hits, err = x.Search(ctx, 3, []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	_, err = x.Search(ctx, 1, []float32{1, 0}, 0)
	assert.ErrorIs(t, err, memory.ErrInvalidLimit)
}

func TestIndex_UpsertReplaces(t *testing.T) {
	ctx := context.Background()
	x := flat.New()
	require.NoError(t, x.EnsureIndex(ctx, 2, memory.MetricL2))

	require.NoError(t, x.Upsert(ctx, rec("k", 1, 1, 0)))
	require.NoError(t, x.Upsert(ctx, rec("k", 1, 0, 1)))
	assert.Equal(t, 1, x.Len())

	hits, err := x.Search(ctx, 1, []float32{0, 1}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)

	require.NoError(t, x.Delete(ctx, "k"))
	require.NoError(t, x.Delete(ctx, "k"))
	assert.Equal(t, 0, x.Len())
}
