// Package qdrant implements the vector index on a Qdrant server over its
// native gRPC API.
package qdrant

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/becomeliminal/nim-notes/core"
	"github.com/becomeliminal/nim-notes/memory"
)

var tracer = otel.Tracer("nim-notes.index.qdrant")

// Config configures the Qdrant connection.
type Config struct {
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	UseTLS     bool   `koanf:"use_tls"`
	APIKey     string `koanf:"api_key"`
	Collection string `koanf:"collection"`

	// MaxMessageSize caps gRPC messages. Default: 50MB.
	MaxMessageSize int `koanf:"max_message_size"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "messages"
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
}

// Index implements memory.VectorIndex on a Qdrant collection.
type Index struct {
	client     *qdrant.Client
	collection string
	logger     *zap.Logger

	mu     sync.RWMutex
	ready  bool
	dim    int
	metric memory.Metric
}

var _ memory.VectorIndex = (*Index)(nil)

// New connects to Qdrant. A nil logger disables logging.
func New(cfg Config, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		APIKey: cfg.APIKey,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant client: %w", err)
	}

	return &Index{
		client:     client,
		collection: cfg.Collection,
		logger:     logger.Named("qdrant"),
	}, nil
}

func distance(m memory.Metric) (qdrant.Distance, error) {
	switch m {
	case memory.MetricCosine:
		return qdrant.Distance_Cosine, nil
	case memory.MetricL2:
		return qdrant.Distance_Euclid, nil
	case memory.MetricDot:
		return qdrant.Distance_Dot, nil
	}
	return 0, fmt.Errorf("%w: %s", memory.ErrUnsupportedMetric, m)
}

// EnsureIndex creates the collection unless it exists, and checks the
// parameters of an existing one.
func (x *Index) EnsureIndex(ctx context.Context, dimension int, metric memory.Metric) error {
	dist, err := distance(metric)
	if err != nil {
		return err
	}
	ctx, span := tracer.Start(ctx, "Index.EnsureIndex")
	defer span.End()
	span.SetAttributes(attribute.String("collection", x.collection))

	x.mu.Lock()
	defer x.mu.Unlock()

	info, err := x.client.GetCollectionInfo(ctx, x.collection)
	switch {
	case err == nil:
		params := info.GetConfig().GetParams().GetVectorsConfig().GetParams()
		if params != nil && int(params.GetSize()) != dimension {
			return fmt.Errorf("%w: collection %s has %d, asked for %d", memory.ErrDimensionMismatch, x.collection, params.GetSize(), dimension)
		}
		if params != nil && params.GetDistance() != dist {
			return fmt.Errorf("%w: collection %s uses %s, asked for %s", memory.ErrUnsupportedMetric, x.collection, params.GetDistance(), metric)
		}
	case status.Code(err) == grpccodes.NotFound:
		err = x.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: x.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dimension),
				Distance: dist,
			}),
		})
		if err != nil && status.Code(err) != grpccodes.AlreadyExists {
			span.RecordError(err)
			return fmt.Errorf("creating collection %s: %w", x.collection, classify(err))
		}
		x.logger.Info("created collection", zap.String("collection", x.collection), zap.Int("dimension", dimension))
	default:
		span.RecordError(err)
		return fmt.Errorf("checking collection %s: %w", x.collection, classify(err))
	}

	x.ready, x.dim, x.metric = true, dimension, metric
	return nil
}

func (x *Index) state() (int, memory.Metric, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if !x.ready {
		return 0, "", memory.ErrIndexNotReady
	}
	return x.dim, x.metric, nil
}

// Upsert writes the point for rec.Key and waits for it to be applied.
func (x *Index) Upsert(ctx context.Context, rec *core.MessageRecord) error {
	dim, _, err := x.state()
	if err != nil {
		return err
	}
	if len(rec.Embedding) != dim {
		return fmt.Errorf("%w: got %d, want %d", memory.ErrDimensionMismatch, len(rec.Embedding), dim)
	}

	_, err = x.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: x.collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(rec.Key.String()),
			Vectors: qdrant.NewVectors(rec.Embedding...),
			Payload: map[string]*qdrant.Value{
				"owner_id": {Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(rec.OwnerID)}},
				"text":     {Kind: &qdrant.Value_StringValue{StringValue: rec.Text}},
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("upsert %s: %w", rec.Key, classify(err))
	}
	return nil
}

// Search queries the collection with an owner_id filter.
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

	ctx, span := tracer.Start(ctx, "Index.Search")
	defer span.End()

	points, err := x.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: x.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{{
				ConditionOneOf: &qdrant.Condition_Field{
					Field: &qdrant.FieldCondition{
						Key: "owner_id",
						Match: &qdrant.Match{
							MatchValue: &qdrant.Match_Integer{Integer: int64(owner)},
						},
					},
				},
			}},
		},
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query %s: %w", x.collection, classify(err))
	}

	hits := make([]memory.Hit, 0, len(points))
	for _, p := range points {
		hits = append(hits, memory.Hit{
			Key:     core.RecordKey(p.GetId().GetUuid()),
			OwnerID: core.OwnerID(p.GetPayload()["owner_id"].GetIntegerValue()),
			Text:    p.GetPayload()["text"].GetStringValue(),
			Score:   similarity(metric, p.GetScore()),
		})
	}
	span.SetAttributes(attribute.Int("results_count", len(hits)))
	return hits, nil
}

// similarity maps Qdrant scores to higher-is-better. Euclid scores are
// distances.
func similarity(metric memory.Metric, score float32) float32 {
	if metric == memory.MetricL2 {
		return 1 / (1 + score)
	}
	return score
}

// Delete removes the point for key.
func (x *Index) Delete(ctx context.Context, key core.RecordKey) error {
	if _, _, err := x.state(); err != nil {
		return err
	}
	_, err := x.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: x.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: []*qdrant.PointId{qdrant.NewIDUUID(key.String())},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, classify(err))
	}
	return nil
}

// HealthCheck pings the server.
func (x *Index) HealthCheck(ctx context.Context) error {
	_, err := x.client.HealthCheck(ctx)
	return classify(err)
}

// Close closes the gRPC connection.
func (x *Index) Close() error {
	return x.client.Close()
}

// classify marks retryable gRPC failures with memory.ErrTransient.
func classify(err error) error {
	if err == nil || errors.Is(err, memory.ErrTransient) {
		return err
	}
	switch status.Code(err) {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return fmt.Errorf("%w: %w", memory.ErrTransient, err)
	}
	return err
}
