package memory

import (
	"context"
	"time"

	"github.com/becomeliminal/nim-notes/core"
)

// Embedder converts text to vector embeddings.
// Implementations: mock (testing), fastembed and onnx (local models).
//
// Embed may fail transiently; callers in this package retry it.
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}

// QueryEmbedder is implemented by embedders that use a different
// encoding for search queries than for stored passages.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// RecordStore is the durable storage backend for message records.
// Implementations: redis (production), badger (embedded).
//
// Connectivity failures must be wrapped with ErrTransient so the
// Manager can retry them.
type RecordStore interface {
	// CreateRecord persists a new provisional record under key. If key
	// already holds a record with the same owner and text, that record
	// is returned, so a retried create never writes twice. Any other
	// record under key fails with ErrKeyExists.
	CreateRecord(ctx context.Context, key core.RecordKey, owner core.OwnerID, text string, embedding []float32) (*core.MessageRecord, error)

	// LinkExternalID sets the record's external id and creates the
	// (owner, ext) lookup entry. Repeating the same link is a no-op.
	// Returns ErrNotFound for unknown keys or keys of another owner and
	// ErrAlreadyLinked when either side is already linked elsewhere.
	LinkExternalID(ctx context.Context, key core.RecordKey, owner core.OwnerID, ext core.ExternalID) (*core.MessageRecord, error)

	// UpdateText atomically replaces text and embedding of the record
	// linked to (owner, ext). Returns ErrNotFound if there is no link.
	UpdateText(ctx context.Context, owner core.OwnerID, ext core.ExternalID, text string, embedding []float32) (*core.MessageRecord, error)

	// Lookup resolves (owner, ext) to a record key.
	Lookup(ctx context.Context, owner core.OwnerID, ext core.ExternalID) (core.RecordKey, error)

	// Get returns the record stored under key.
	Get(ctx context.Context, key core.RecordKey) (*core.MessageRecord, error)

	// Delete removes the record and its lookup entry. Deleting a missing
	// key is not an error.
	Delete(ctx context.Context, key core.RecordKey) error

	// Scan calls fn for every stored record. Returning an error from fn
	// stops the scan.
	Scan(ctx context.Context, fn func(*core.MessageRecord) error) error

	// Close releases resources.
	Close() error
}

// Hit is a single nearest-neighbor match.
type Hit struct {
	Key     core.RecordKey
	OwnerID core.OwnerID
	Text    string

	// Score is a similarity: higher means closer.
	Score float32
}

// VectorIndex is the similarity search backend.
// Implementations: chromem (embedded), redisearch, qdrant, flat.
type VectorIndex interface {
	// EnsureIndex creates the index if it does not exist. Calling it
	// again with the same parameters is a no-op.
	EnsureIndex(ctx context.Context, dimension int, metric Metric) error

	// Upsert indexes the record's owner, text and embedding under its
	// key, replacing any previous entry.
	Upsert(ctx context.Context, rec *core.MessageRecord) error

	// Search returns at most k entries owned by owner, best first.
	Search(ctx context.Context, owner core.OwnerID, vector []float32, k int) ([]Hit, error)

	// Delete removes the entry for key. Missing keys are ignored.
	Delete(ctx context.Context, key core.RecordKey) error

	// Close releases resources.
	Close() error
}

// MarkerStore keeps approval markers: (owner, message id) pairs whose
// transcription waits for the user to accept, edit or correct it.
type MarkerStore interface {
	// PutMarker stores a marker created at the given time. ttl bounds how
	// long the backend keeps it if nobody removes it.
	PutMarker(ctx context.Context, owner core.OwnerID, ext core.ExternalID, at time.Time, ttl time.Duration) error

	// TakeMarker removes the marker and reports whether it existed.
	// A non-zero at only removes a marker created at exactly that time.
	TakeMarker(ctx context.Context, owner core.OwnerID, ext core.ExternalID, at time.Time) (bool, error)

	// HasMarker reports whether a marker exists.
	HasMarker(ctx context.Context, owner core.OwnerID, ext core.ExternalID) (bool, error)
}

// Scheduler runs a function once after a delay.
type Scheduler interface {
	Schedule(delay time.Duration, fn func(ctx context.Context))
}

// Metric is the distance function of a vector index.
type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricL2     Metric = "l2"
	MetricDot    Metric = "dot"
)

// ParseMetric validates a metric name.
func ParseMetric(s string) (Metric, error) {
	switch m := Metric(s); m {
	case MetricCosine, MetricL2, MetricDot:
		return m, nil
	case "":
		return MetricCosine, nil
	}
	return "", ErrUnsupportedMetric
}
