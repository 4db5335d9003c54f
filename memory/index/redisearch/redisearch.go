// Package redisearch implements the vector index on Redis Stack
// (RediSearch FT.* commands). Entries are hashes under a separate prefix
// so the index can be dropped and rebuilt without touching records.
package redisearch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/becomeliminal/nim-notes/core"
	"github.com/becomeliminal/nim-notes/memory"
	redisstore "github.com/becomeliminal/nim-notes/memory/store/redis"
)

// Config configures the RediSearch index.
type Config struct {
	// Name is the index name. Default: "idx:notes".
	Name string `koanf:"name"`

	// Prefix is the key prefix of indexed hashes. Default: "notes:vec:".
	Prefix string `koanf:"prefix"`
}

// Index implements memory.VectorIndex on RediSearch.
type Index struct {
	rdb    *goredis.Client
	name   string
	prefix string
	logger *zap.Logger

	mu        sync.RWMutex
	ready     bool
	dimension int
	metric    memory.Metric
}

var _ memory.VectorIndex = (*Index)(nil)

// New creates an index handle on an existing client. A nil logger
// disables logging.
func New(rdb *goredis.Client, cfg Config, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = "idx:notes"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "notes:vec:"
	}
	return &Index{rdb: rdb, name: cfg.Name, prefix: cfg.Prefix, logger: logger.Named("redisearch")}
}

func (x *Index) metaKey() string {
	return x.name + ":meta"
}

func distanceMetric(m memory.Metric) (string, error) {
	switch m {
	case memory.MetricCosine:
		return "COSINE", nil
	case memory.MetricL2:
		return "L2", nil
	case memory.MetricDot:
		return "IP", nil
	}
	return "", fmt.Errorf("%w: %s", memory.ErrUnsupportedMetric, m)
}

// EnsureIndex creates the FT index unless it exists. The creation
// parameters are kept in a side hash so a later call can detect a
// mismatch.
func (x *Index) EnsureIndex(ctx context.Context, dimension int, metric memory.Metric) error {
	dm, err := distanceMetric(metric)
	if err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	exists, err := x.exists(ctx)
	if err != nil {
		return err
	}
	if exists {
		meta, err := x.rdb.HGetAll(ctx, x.metaKey()).Result()
		if err != nil {
			return redisstore.Classify(err)
		}
		if d, _ := strconv.Atoi(meta["dimension"]); len(meta) > 0 && d != dimension {
			return fmt.Errorf("%w: index %s has %d, asked for %d", memory.ErrDimensionMismatch, x.name, d, dimension)
		}
		if m := meta["metric"]; m != "" && m != string(metric) {
			return fmt.Errorf("%w: index %s uses %s, asked for %s", memory.ErrUnsupportedMetric, x.name, m, metric)
		}
		x.ready, x.dimension, x.metric = true, dimension, metric
		return nil
	}

	err = x.rdb.FTCreate(ctx, x.name,
		&goredis.FTCreateOptions{
			OnHash: true,
			Prefix: []interface{}{x.prefix},
		},
		&goredis.FieldSchema{FieldName: "owner_id", FieldType: goredis.SearchFieldTypeNumeric},
		&goredis.FieldSchema{FieldName: "text", FieldType: goredis.SearchFieldTypeText},
		&goredis.FieldSchema{
			FieldName: "embedding",
			FieldType: goredis.SearchFieldTypeVector,
			VectorArgs: &goredis.FTVectorArgs{
				FlatOptions: &goredis.FTFlatOptions{
					Type:           "FLOAT32",
					Dim:            dimension,
					DistanceMetric: dm,
				},
			},
		},
	).Err()
	// Another process may have won the race.
	if err != nil && !strings.Contains(err.Error(), "Index already exists") {
		return fmt.Errorf("ft.create %s: %w", x.name, redisstore.Classify(err))
	}
	if err := x.rdb.HSet(ctx, x.metaKey(), "dimension", dimension, "metric", string(metric)).Err(); err != nil {
		return redisstore.Classify(err)
	}

	x.ready, x.dimension, x.metric = true, dimension, metric
	x.logger.Info("created index", zap.String("index", x.name), zap.Int("dimension", dimension), zap.String("metric", dm))
	return nil
}

func (x *Index) exists(ctx context.Context) (bool, error) {
	err := x.rdb.FTInfo(ctx, x.name).Err()
	if err == nil {
		return true, nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unknown index name") || strings.Contains(msg, "no such index") {
		return false, nil
	}
	return false, fmt.Errorf("ft.info %s: %w", x.name, redisstore.Classify(err))
}

func (x *Index) state() (int, memory.Metric, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if !x.ready {
		return 0, "", memory.ErrIndexNotReady
	}
	return x.dimension, x.metric, nil
}

// Upsert writes the entry hash; RediSearch indexes it on write.
func (x *Index) Upsert(ctx context.Context, rec *core.MessageRecord) error {
	dim, _, err := x.state()
	if err != nil {
		return err
	}
	if len(rec.Embedding) != dim {
		return fmt.Errorf("%w: got %d, want %d", memory.ErrDimensionMismatch, len(rec.Embedding), dim)
	}
	err = x.rdb.HSet(ctx, x.prefix+rec.Key.String(),
		"owner_id", int64(rec.OwnerID),
		"text", rec.Text,
		"embedding", redisstore.EncodeVector(rec.Embedding),
	).Err()
	return redisstore.Classify(err)
}

// Search runs a KNN query pre-filtered by owner.
func (x *Index) Search(ctx context.Context, owner core.OwnerID, vector []float32, k int) ([]memory.Hit, error) {
	if k <= 0 {
		return nil, memory.ErrInvalidLimit
	}
	dim, metric, err := x.state()
	if err != nil {
		return nil, err
	}
	if len(vector) != dim {
		return nil, fmt.Errorf("%w: got %d, want %d", memory.ErrDimensionMismatch, len(vector), dim)
	}

	query := fmt.Sprintf("(@owner_id:[%d %d])=>[KNN $k @embedding $vec AS distance]", owner, owner)
	res, err := x.rdb.FTSearchWithArgs(ctx, x.name, query, &goredis.FTSearchOptions{
		Params: map[string]interface{}{
			"k":   k,
			"vec": redisstore.EncodeVector(vector),
		},
		DialectVersion: 2,
		SortBy:         []goredis.FTSearchSortBy{{FieldName: "distance", Asc: true}},
		Return: []goredis.FTSearchReturn{
			{FieldName: "owner_id"},
			{FieldName: "text"},
			{FieldName: "distance"},
		},
		Limit: k,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("ft.search %s: %w", x.name, redisstore.Classify(err))
	}

	hits := make([]memory.Hit, 0, len(res.Docs))
	for _, doc := range res.Docs {
		o, err := strconv.ParseInt(doc.Fields["owner_id"], 10, 64)
		if err != nil {
			x.logger.Warn("skipping entry without owner", zap.String("id", doc.ID))
			continue
		}
		d, err := strconv.ParseFloat(doc.Fields["distance"], 64)
		if err != nil {
			return nil, fmt.Errorf("entry %s: bad distance %q: %w", doc.ID, doc.Fields["distance"], err)
		}
		hits = append(hits, memory.Hit{
			Key:     core.RecordKey(strings.TrimPrefix(doc.ID, x.prefix)),
			OwnerID: core.OwnerID(o),
			Text:    doc.Fields["text"],
			Score:   similarity(metric, d),
		})
	}
	return hits, nil
}

// similarity converts a RediSearch distance into a score where higher is
// better. COSINE and IP report 1 - similarity; L2 reports the squared
// euclidean distance.
func similarity(metric memory.Metric, d float64) float32 {
	switch metric {
	case memory.MetricL2:
		return float32(1 / (1 + math.Sqrt(math.Max(d, 0))))
	default:
		return float32(1 - d)
	}
}

// Delete removes the entry hash.
func (x *Index) Delete(ctx context.Context, key core.RecordKey) error {
	err := x.rdb.Del(ctx, x.prefix+key.String()).Err()
	if errors.Is(err, goredis.Nil) {
		return nil
	}
	return redisstore.Classify(err)
}

// Drop removes the index, its entries and the side hash.
func (x *Index) Drop(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	err := x.rdb.FTDropIndexWithArgs(ctx, x.name, &goredis.FTDropIndexOptions{DeleteDocs: true}).Err()
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "unknown index name") {
		return redisstore.Classify(err)
	}
	x.ready = false
	return redisstore.Classify(x.rdb.Del(ctx, x.metaKey()).Err())
}

// Close is a no-op; the client is owned by the caller.
func (x *Index) Close() error {
	return nil
}
