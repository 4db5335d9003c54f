package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/becomeliminal/nim-notes/core"
)

var tracer = otel.Tracer("nim-notes.memory")

// Option configures a Manager, Retriever or Approvals.
type Option func(*options)

type options struct {
	logger *zap.Logger
	now    func() time.Time
}

// WithLogger sets the logger. Default: zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Handle identifies a provisional record. The caller keeps it until the
// transport reports the message id and passes it to ConfirmDelivery.
type Handle struct {
	Key       core.RecordKey
	OwnerID   core.OwnerID
	Embedding []float32
	CreatedAt time.Time
}

// Manager creates, links and corrects message records, keeping the record
// store and the vector index in step.
type Manager struct {
	store    RecordStore
	index    VectorIndex
	embedder Embedder
	config   *Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewManager creates a new Manager. A nil config uses DefaultConfig.
func NewManager(store RecordStore, index VectorIndex, embedder Embedder, config *Config, opts ...Option) *Manager {
	o := buildOptions(opts)
	return &Manager{
		store:    store,
		index:    index,
		embedder: embedder,
		config:   config.orDefault(),
		logger:   o.logger.Named("memory"),
		now:      o.now,
	}
}

// EnsureIndex creates the vector index with the configured dimension and
// metric if it doesn't exist yet.
func (m *Manager) EnsureIndex(ctx context.Context) error {
	if d := m.embedder.Dimensions(); d != m.config.Dimension {
		return fmt.Errorf("%w: embedder produces %d, config says %d", ErrDimensionMismatch, d, m.config.Dimension)
	}
	return storeCall(ctx, m.config.StoreRetry, ErrIndexUnavailable, func(ctx context.Context) error {
		return m.index.EnsureIndex(ctx, m.config.Dimension, m.config.Metric)
	})
}

// RecordNewMessage embeds text and stores it as a provisional record.
//
// Either the record ends up in both the store and the index, or in
// neither: if indexing fails after the record was written, the record is
// deleted again.
func (m *Manager) RecordNewMessage(ctx context.Context, owner core.OwnerID, text string) (_ *Handle, err error) {
	ctx, span := tracer.Start(ctx, "Manager.RecordNewMessage")
	defer span.End()
	span.SetAttributes(attribute.Int64("owner_id", int64(owner)))
	defer func() {
		recordOps.WithLabelValues("create", resultLabel(err)).Inc()
		endSpan(span, err)
	}()

	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	embedding, err := embedWithRetry(ctx, m.config.EmbedRetry, m.config.Dimension, m.embedder.Embed, text)
	if err != nil {
		m.logger.Warn("embedding failed, message not stored",
			zap.Int64("owner_id", int64(owner)), zap.Error(err))
		return nil, err
	}

	// The key is fixed before the first attempt so a retry after a lost
	// reply finds the record it already wrote.
	key := core.NewRecordKey()
	var rec *core.MessageRecord
	err = storeCall(ctx, m.config.StoreRetry, ErrStoreUnavailable, func(ctx context.Context) error {
		for {
			var err error
			rec, err = m.store.CreateRecord(ctx, key, owner, text, embedding)
			if !errors.Is(err, ErrKeyExists) {
				return err
			}
			m.logger.Warn("record key collision, regenerating", zap.String("key", key.String()))
			key = core.NewRecordKey()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create record: %w", err)
	}

	if err := m.upsert(ctx, rec); err != nil {
		m.compensate(ctx, rec.Key)
		return nil, fmt.Errorf("index record: %w", err)
	}

	m.logger.Debug("stored provisional record",
		zap.String("key", rec.Key.String()),
		zap.Int64("owner_id", int64(owner)),
		zap.String("text", truncateText(text, 50)))

	return &Handle{
		Key:       rec.Key,
		OwnerID:   owner,
		Embedding: rec.Embedding,
		CreatedAt: rec.Timestamp,
	}, nil
}

// ConfirmDelivery links the transport's message id to a provisional
// record. Confirming the same id twice is a no-op; confirming a
// different id fails with ErrAlreadyLinked.
func (m *Manager) ConfirmDelivery(ctx context.Context, h *Handle, ext core.ExternalID) (err error) {
	ctx, span := tracer.Start(ctx, "Manager.ConfirmDelivery")
	defer span.End()
	defer func() {
		recordOps.WithLabelValues("confirm", resultLabel(err)).Inc()
		endSpan(span, err)
	}()

	if h == nil {
		return fmt.Errorf("confirm delivery: nil handle: %w", ErrNotFound)
	}
	if !ext.Valid() {
		return ErrInvalidExternalID
	}
	span.SetAttributes(
		attribute.String("key", h.Key.String()),
		attribute.Int64("ext_id", int64(ext)),
	)

	err = storeCall(ctx, m.config.StoreRetry, ErrStoreUnavailable, func(ctx context.Context) error {
		_, err := m.store.LinkExternalID(ctx, h.Key, h.OwnerID, ext)
		return err
	})
	if err != nil {
		return fmt.Errorf("link %s to %d: %w", h.Key, ext, err)
	}
	return nil
}

// CorrectMessage replaces the text of the record linked to (owner, ext),
// re-embeds it and re-indexes it under the same key.
func (m *Manager) CorrectMessage(ctx context.Context, owner core.OwnerID, ext core.ExternalID, text string) (_ *core.MessageRecord, err error) {
	ctx, span := tracer.Start(ctx, "Manager.CorrectMessage")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("owner_id", int64(owner)),
		attribute.Int64("ext_id", int64(ext)),
	)
	defer func() {
		recordOps.WithLabelValues("correct", resultLabel(err)).Inc()
		endSpan(span, err)
	}()

	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	if !ext.Valid() {
		return nil, ErrInvalidExternalID
	}

	// Fail before paying for an embedding when there is nothing to correct.
	prev, err := m.Lookup(ctx, owner, ext)
	if err != nil {
		return nil, err
	}

	embedding, err := embedWithRetry(ctx, m.config.EmbedRetry, m.config.Dimension, m.embedder.Embed, text)
	if err != nil {
		return nil, err
	}

	var rec *core.MessageRecord
	err = storeCall(ctx, m.config.StoreRetry, ErrStoreUnavailable, func(ctx context.Context) error {
		var err error
		rec, err = m.store.UpdateText(ctx, owner, ext, text, embedding)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}

	if err := m.upsert(ctx, rec); err != nil {
		m.restore(ctx, prev)
		return nil, fmt.Errorf("index record: %w", err)
	}

	m.logger.Debug("corrected record",
		zap.String("key", rec.Key.String()),
		zap.String("text", truncateText(text, 50)))
	return rec, nil
}

// Lookup returns the record linked to (owner, ext).
func (m *Manager) Lookup(ctx context.Context, owner core.OwnerID, ext core.ExternalID) (*core.MessageRecord, error) {
	key, err := m.lookupKey(ctx, owner, ext)
	if err != nil {
		return nil, err
	}
	var rec *core.MessageRecord
	err = storeCall(ctx, m.config.StoreRetry, ErrStoreUnavailable, func(ctx context.Context) error {
		var err error
		rec, err = m.store.Get(ctx, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// SweepOrphans deletes provisional records older than the configured
// OrphanTTL. These are messages whose delivery never got confirmed.
func (m *Manager) SweepOrphans(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "Manager.SweepOrphans")
	defer span.End()

	cutoff := m.now().Add(-m.config.OrphanTTL)
	var orphans []core.RecordKey
	err := m.store.Scan(ctx, func(rec *core.MessageRecord) error {
		if rec.Provisional() && rec.Timestamp.Before(cutoff) {
			orphans = append(orphans, rec.Key)
		}
		return nil
	})
	if err != nil {
		endSpan(span, err)
		return 0, fmt.Errorf("scan records: %w", err)
	}

	swept := 0
	for _, key := range orphans {
		if err := m.deleteRecord(ctx, key); err != nil {
			m.logger.Warn("failed to sweep orphan", zap.String("key", key.String()), zap.Error(err))
			continue
		}
		swept++
	}
	orphansSwept.Add(float64(swept))
	span.SetAttributes(attribute.Int("swept", swept))

	if swept > 0 {
		m.logger.Info("swept undelivered records", zap.Int("count", swept))
	}
	return swept, nil
}

// RunSweeper calls SweepOrphans every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.SweepOrphans(ctx); err != nil {
				m.logger.Warn("sweep failed", zap.Error(err))
			}
		}
	}
}

// Reindex upserts every stored record into the index. Use it after the
// index was dropped or rebuilt with new parameters.
func (m *Manager) Reindex(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "Manager.Reindex")
	defer span.End()

	n := 0
	err := m.store.Scan(ctx, func(rec *core.MessageRecord) error {
		if err := m.upsert(ctx, rec); err != nil {
			return fmt.Errorf("reindex %s: %w", rec.Key, err)
		}
		n++
		return nil
	})
	endSpan(span, err)
	if err != nil {
		return n, err
	}
	m.logger.Info("reindexed records", zap.Int("count", n))
	return n, nil
}

func (m *Manager) lookupKey(ctx context.Context, owner core.OwnerID, ext core.ExternalID) (core.RecordKey, error) {
	var key core.RecordKey
	err := storeCall(ctx, m.config.StoreRetry, ErrStoreUnavailable, func(ctx context.Context) error {
		var err error
		key, err = m.store.Lookup(ctx, owner, ext)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("lookup (%d, %d): %w", owner, ext, err)
	}
	return key, nil
}

func (m *Manager) upsert(ctx context.Context, rec *core.MessageRecord) error {
	return storeCall(ctx, m.config.StoreRetry, ErrIndexUnavailable, func(ctx context.Context) error {
		return m.index.Upsert(ctx, rec)
	})
}

// compensate removes a record whose index entry couldn't be written.
// It runs on a fresh context so a cancelled request still cleans up.
func (m *Manager) compensate(ctx context.Context, key core.RecordKey) {
	compensations.Inc()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := m.deleteRecord(ctx, key); err != nil {
		// Left for the orphan sweeper.
		m.logger.Error("failed to roll back record", zap.String("key", key.String()), zap.Error(err))
	}
}

// restore puts back the revision a failed correction replaced, so the
// store keeps matching the index and the displayed message.
func (m *Manager) restore(ctx context.Context, prev *core.MessageRecord) {
	compensations.Inc()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	err := storeCall(ctx, m.config.StoreRetry, ErrStoreUnavailable, func(ctx context.Context) error {
		_, err := m.store.UpdateText(ctx, prev.OwnerID, prev.ExternalID, prev.Text, prev.Embedding)
		return err
	})
	if err != nil {
		// Reindex or the next correction brings the two back in step.
		m.logger.Error("failed to restore record after index failure",
			zap.String("key", prev.Key.String()), zap.Error(err))
	}
}

func (m *Manager) deleteRecord(ctx context.Context, key core.RecordKey) error {
	err := storeCall(ctx, m.config.StoreRetry, ErrIndexUnavailable, func(ctx context.Context) error {
		return m.index.Delete(ctx, key)
	})
	if err != nil && !errors.Is(err, ErrIndexNotReady) {
		return err
	}
	return storeCall(ctx, m.config.StoreRetry, ErrStoreUnavailable, func(ctx context.Context) error {
		return m.store.Delete(ctx, key)
	})
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "success")
}
