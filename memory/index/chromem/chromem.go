// Package chromem implements the vector index on chromem-go, a pure Go,
// embedded vector database. It only supports cosine similarity.
package chromem

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/becomeliminal/nim-notes/core"
	"github.com/becomeliminal/nim-notes/memory"
)

var chromemTracer = otel.Tracer("nim-notes.index.chromem")

// Config configures the chromem index.
type Config struct {
	// Path persists the database to disk. Empty keeps it in memory.
	Path string `koanf:"path"`

	// Compress gzips persisted documents.
	Compress bool `koanf:"compress"`

	// Collection is the collection name. Default: "messages".
	Collection string `koanf:"collection"`
}

// Index implements memory.VectorIndex with a single chromem collection,
// filtered by the owner_id metadata field.
type Index struct {
	db         *chromem.DB
	name       string
	logger     *zap.Logger
	mu         sync.RWMutex
	collection *chromem.Collection
	dimension  int
}

var _ memory.VectorIndex = (*Index)(nil)

// New opens the chromem database. A nil logger disables logging.
func New(cfg Config, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Collection == "" {
		cfg.Collection = "messages"
	}

	db := chromem.NewDB()
	if cfg.Path != "" {
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("open chromem db: %w", err)
		}
	}

	return &Index{
		db:     db,
		name:   cfg.Collection,
		logger: logger.Named("chromem"),
	}, nil
}

// EnsureIndex creates the collection if it doesn't exist.
func (x *Index) EnsureIndex(ctx context.Context, dimension int, metric memory.Metric) error {
	if metric != memory.MetricCosine {
		return fmt.Errorf("%w: chromem only supports cosine, got %s", memory.ErrUnsupportedMetric, metric)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.collection != nil {
		if x.dimension != dimension {
			return fmt.Errorf("%w: index has %d, asked for %d", memory.ErrDimensionMismatch, x.dimension, dimension)
		}
		return nil
	}

	meta := map[string]string{
		"dimension": strconv.Itoa(dimension),
		"metric":    string(metric),
	}
	// We always pass embeddings, so no embedding func is needed.
	col, err := x.db.GetOrCreateCollection(x.name, meta, nil)
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	x.collection = col
	x.dimension = dimension

	x.logger.Info("collection ready",
		zap.String("collection", x.name),
		zap.Int("dimension", dimension),
		zap.Int("documents", col.Count()))
	return nil
}

// Upsert adds or overwrites the document for rec.Key.
func (x *Index) Upsert(ctx context.Context, rec *core.MessageRecord) error {
	col, err := x.ready()
	if err != nil {
		return err
	}
	if len(rec.Embedding) != x.dimension {
		return fmt.Errorf("%w: got %d, want %d", memory.ErrDimensionMismatch, len(rec.Embedding), x.dimension)
	}

	ctx, span := chromemTracer.Start(ctx, "Index.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("key", rec.Key.String()))

	// chromem normalizes in place; give it its own copy.
	emb := make([]float32, len(rec.Embedding))
	copy(emb, rec.Embedding)

	doc := chromem.Document{
		ID:        rec.Key.String(),
		Content:   rec.Text,
		Embedding: emb,
		Metadata: map[string]string{
			"owner_id":   rec.OwnerID.String(),
			"created_at": rec.Timestamp.Format(time.RFC3339),
		},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		span.RecordError(err)
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

// Search queries the collection with an owner_id filter.
func (x *Index) Search(ctx context.Context, owner core.OwnerID, vector []float32, k int) ([]memory.Hit, error) {
	if k <= 0 {
		return nil, memory.ErrInvalidLimit
	}
	col, err := x.ready()
	if err != nil {
		return nil, err
	}
	if len(vector) != x.dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", memory.ErrDimensionMismatch, len(vector), x.dimension)
	}

	ctx, span := chromemTracer.Start(ctx, "Index.Search")
	defer span.End()

	// chromem-go requires nResults <= collection size
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	q := make([]float32, len(vector))
	copy(q, vector)
	where := map[string]string{"owner_id": owner.String()}
	results, err := col.QueryEmbedding(ctx, q, k, where, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	hits := make([]memory.Hit, 0, len(results))
	for _, r := range results {
		o, err := strconv.ParseInt(r.Metadata["owner_id"], 10, 64)
		if err != nil {
			x.logger.Warn("skipping result without owner", zap.String("id", r.ID))
			continue
		}
		hits = append(hits, memory.Hit{
			Key:     core.RecordKey(r.ID),
			OwnerID: core.OwnerID(o),
			Text:    r.Content,
			Score:   r.Similarity,
		})
	}
	span.SetAttributes(attribute.Int("results_count", len(hits)))
	return hits, nil
}

// Delete removes the document for key.
func (x *Index) Delete(ctx context.Context, key core.RecordKey) error {
	col, err := x.ready()
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, key.String()); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// Close releases resources. chromem keeps everything in memory or
// writes through on every change, so there is nothing to flush.
func (x *Index) Close() error {
	return nil
}

func (x *Index) ready() (*chromem.Collection, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.collection == nil {
		return nil, memory.ErrIndexNotReady
	}
	return x.collection, nil
}
