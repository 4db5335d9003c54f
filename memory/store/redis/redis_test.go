package redis_test

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-notes/core"
	"github.com/becomeliminal/nim-notes/memory"
	"github.com/becomeliminal/nim-notes/memory/store/redis"
)

// newStore connects to TEST_REDIS_ADDR under a unique prefix.
func newStore(t *testing.T) (*redis.Store, *goredis.Client) {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set, skipping redis integration test")
	}
	rdb, err := redis.NewClient(context.Background(), redis.Config{Addr: addr})
	require.NoError(t, err)

	prefix := "test:" + core.NewRecordKey().String() + ":"
	t.Cleanup(func() {
		ctx := context.Background()
		iter := rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			rdb.Del(ctx, iter.Val())
		}
		_ = rdb.Close()
	})
	return redis.New(rdb, prefix, nil), rdb
}

func TestVectorEncoding(t *testing.T) {
	in := []float32{0, 1.5, -2.25, 3e-7}
	out, err := redis.DecodeVector(redis.EncodeVector(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = redis.DecodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	assert.NoError(t, redis.Classify(nil))
	assert.ErrorIs(t, redis.Classify(goredis.TxFailedErr), memory.ErrTransient)
	assert.NotErrorIs(t, redis.Classify(memory.ErrNotFound), memory.ErrTransient)
}

func TestStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	rec, err := s.CreateRecord(ctx, core.NewRecordKey(), 42, "hello world", []float32{1, 0, 0})
	require.NoError(t, err)

	_, err = s.LinkExternalID(ctx, rec.Key, 42, 1001)
	require.NoError(t, err)
	_, err = s.LinkExternalID(ctx, rec.Key, 42, 1001)
	require.NoError(t, err)
	_, err = s.LinkExternalID(ctx, rec.Key, 42, 1002)
	assert.ErrorIs(t, err, memory.ErrAlreadyLinked)

	updated, err := s.UpdateText(ctx, 42, 1001, "Hello, world!", []float32{0, 1, 0})
	require.NoError(t, err)
	assert.Equal(t, rec.Key, updated.Key)

	got, err := s.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, "Hello, world!", got.Text)
	assert.Equal(t, []float32{0, 1, 0}, got.Embedding)
	assert.Equal(t, core.ExternalID(1001), got.ExternalID)
	assert.Equal(t, rec.Timestamp.UnixNano(), got.Timestamp.UnixNano())

	n := 0
	require.NoError(t, s.Scan(ctx, func(*core.MessageRecord) error { n++; return nil }))
	assert.Equal(t, 1, n)

	require.NoError(t, s.Delete(ctx, rec.Key))
	_, err = s.Lookup(ctx, 42, 1001)
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestStore_CreateRecordRetry(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	key := core.NewRecordKey()

	first, err := s.CreateRecord(ctx, key, 42, "hello", []float32{1, 0})
	require.NoError(t, err)
	assert.Equal(t, key, first.Key)

	// A repeated create of the same message returns the stored record.
	again, err := s.CreateRecord(ctx, key, 42, "hello", []float32{1, 0})
	require.NoError(t, err)
	assert.Equal(t, first.Timestamp.UnixNano(), again.Timestamp.UnixNano())

	_, err = s.CreateRecord(ctx, key, 42, "other text", []float32{1, 0})
	assert.ErrorIs(t, err, memory.ErrKeyExists)
	_, err = s.CreateRecord(ctx, key, 7, "hello", []float32{1, 0})
	assert.ErrorIs(t, err, memory.ErrKeyExists)

	n := 0
	require.NoError(t, s.Scan(ctx, func(*core.MessageRecord) error { n++; return nil }))
	assert.Equal(t, 1, n)
}

func TestStore_Markers(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	at := time.Now()

	require.NoError(t, s.PutMarker(ctx, 1, 2, at, time.Minute))
	ok, err := s.TakeMarker(ctx, 1, 2, at.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.TakeMarker(ctx, 1, 2, at)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.HasMarker(ctx, 1, 2)
	require.NoError(t, err)
	assert.False(t, ok)
}
