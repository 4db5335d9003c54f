package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/becomeliminal/nim-notes/core"
	"github.com/becomeliminal/nim-notes/memory"
)

const (
	fieldOwner     = "owner_id"
	fieldText      = "text"
	fieldEmbedding = "embedding"
	fieldTimestamp = "timestamp"
	fieldExt       = "ext_id"
)

// Store implements memory.RecordStore and memory.MarkerStore on Redis.
// Multi-key updates run in WATCH/MULTI transactions; a lost race
// surfaces as memory.ErrTransient and is retried by the caller.
type Store struct {
	rdb    *goredis.Client
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

var (
	_ memory.RecordStore = (*Store)(nil)
	_ memory.MarkerStore = (*Store)(nil)
)

// New creates a store on an existing client. A nil logger disables
// logging.
func New(rdb *goredis.Client, prefix string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "notes:"
	}
	return &Store{rdb: rdb, prefix: prefix, logger: logger.Named("redis"), now: time.Now}
}

func (s *Store) msgKey(key core.RecordKey) string {
	return s.prefix + "msg:" + string(key)
}

func (s *Store) extKey(owner core.OwnerID, ext core.ExternalID) string {
	return s.prefix + "ext:" + owner.String() + ":" + ext.String()
}

func (s *Store) markerKey(owner core.OwnerID, ext core.ExternalID) string {
	return s.prefix + "appr:" + owner.String() + ":" + ext.String()
}

// CreateRecord persists a new provisional record under key.
func (s *Store) CreateRecord(ctx context.Context, key core.RecordKey, owner core.OwnerID, text string, embedding []float32) (*core.MessageRecord, error) {
	rec := &core.MessageRecord{
		Key:       key,
		OwnerID:   owner,
		Text:      text,
		Embedding: embedding,
		Timestamp: s.now().UTC(),
	}
	k := s.msgKey(key)
	err := s.rdb.Watch(ctx, func(tx *goredis.Tx) error {
		n, err := tx.Exists(ctx, k).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			existing, err := s.readRecord(ctx, tx, key)
			if err != nil {
				return err
			}
			if existing.OwnerID != owner || existing.Text != text {
				return fmt.Errorf("record %s: %w", key, memory.ErrKeyExists)
			}
			rec = existing
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, k, recordFields(rec))
			return nil
		})
		return err
	}, k)
	if err != nil {
		return nil, Classify(err)
	}
	return rec.Clone(), nil
}

// LinkExternalID links ext to the provisional record under key.
func (s *Store) LinkExternalID(ctx context.Context, key core.RecordKey, owner core.OwnerID, ext core.ExternalID) (*core.MessageRecord, error) {
	mk, ek := s.msgKey(key), s.extKey(owner, ext)
	var rec *core.MessageRecord
	err := s.rdb.Watch(ctx, func(tx *goredis.Tx) error {
		var err error
		rec, err = s.readRecord(ctx, tx, key)
		if err != nil {
			return err
		}
		if rec.OwnerID != owner {
			return fmt.Errorf("record %s of another owner: %w", key, memory.ErrNotFound)
		}

		linked, err := tx.Get(ctx, ek).Result()
		switch {
		case err == nil && core.RecordKey(linked) != key:
			return fmt.Errorf("(%d, %d) points to %s: %w", owner, ext, linked, memory.ErrAlreadyLinked)
		case err != nil && !errors.Is(err, goredis.Nil):
			return err
		}

		if rec.ExternalID == ext {
			return nil
		}
		if rec.ExternalID.Valid() {
			return fmt.Errorf("record %s has id %d: %w", key, rec.ExternalID, memory.ErrAlreadyLinked)
		}

		rec.ExternalID = ext
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, mk, fieldExt, int64(ext))
			pipe.Set(ctx, ek, string(key), 0)
			return nil
		})
		return err
	}, mk, ek)
	if err != nil {
		return nil, Classify(err)
	}
	return rec, nil
}

// UpdateText replaces text and embedding of the record linked to (owner, ext).
func (s *Store) UpdateText(ctx context.Context, owner core.OwnerID, ext core.ExternalID, text string, embedding []float32) (*core.MessageRecord, error) {
	ek := s.extKey(owner, ext)
	var rec *core.MessageRecord
	err := s.rdb.Watch(ctx, func(tx *goredis.Tx) error {
		key, err := tx.Get(ctx, ek).Result()
		if errors.Is(err, goredis.Nil) {
			return fmt.Errorf("(%d, %d): %w", owner, ext, memory.ErrNotFound)
		}
		if err != nil {
			return err
		}
		mk := s.msgKey(core.RecordKey(key))
		// The record itself must not change between read and write either.
		if err := tx.Watch(ctx, mk).Err(); err != nil {
			return err
		}
		rec, err = s.readRecord(ctx, tx, core.RecordKey(key))
		if err != nil {
			return err
		}
		rec.Text = text
		rec.Embedding = embedding
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, mk, fieldText, text, fieldEmbedding, EncodeVector(embedding))
			return nil
		})
		return err
	}, ek)
	if err != nil {
		return nil, Classify(err)
	}
	return rec, nil
}

// Lookup resolves (owner, ext) to a record key.
func (s *Store) Lookup(ctx context.Context, owner core.OwnerID, ext core.ExternalID) (core.RecordKey, error) {
	key, err := s.rdb.Get(ctx, s.extKey(owner, ext)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", fmt.Errorf("(%d, %d): %w", owner, ext, memory.ErrNotFound)
	}
	if err != nil {
		return "", Classify(err)
	}
	return core.RecordKey(key), nil
}

// Get returns the record stored under key.
func (s *Store) Get(ctx context.Context, key core.RecordKey) (*core.MessageRecord, error) {
	rec, err := s.readRecord(ctx, s.rdb, key)
	return rec, Classify(err)
}

// Delete removes the record and its lookup entry.
func (s *Store) Delete(ctx context.Context, key core.RecordKey) error {
	rec, err := s.readRecord(ctx, s.rdb, key)
	if errors.Is(err, memory.ErrNotFound) {
		return nil
	}
	if err != nil {
		return Classify(err)
	}
	keys := []string{s.msgKey(key)}
	if rec.ExternalID.Valid() {
		keys = append(keys, s.extKey(rec.OwnerID, rec.ExternalID))
	}
	return Classify(s.rdb.Del(ctx, keys...).Err())
}

// Scan calls fn for every record.
func (s *Store) Scan(ctx context.Context, fn func(*core.MessageRecord) error) error {
	iter := s.rdb.Scan(ctx, 0, s.prefix+"msg:*", 200).Iterator()
	for iter.Next(ctx) {
		key := core.RecordKey(iter.Val()[len(s.prefix+"msg:"):])
		rec, err := s.readRecord(ctx, s.rdb, key)
		if errors.Is(err, memory.ErrNotFound) {
			continue
		}
		if err != nil {
			return Classify(err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return Classify(iter.Err())
}

// PutMarker stores an approval marker that Redis expires after ttl.
func (s *Store) PutMarker(ctx context.Context, owner core.OwnerID, ext core.ExternalID, at time.Time, ttl time.Duration) error {
	return Classify(s.rdb.Set(ctx, s.markerKey(owner, ext), at.UnixNano(), ttl).Err())
}

// TakeMarker removes the marker if it exists and, for non-zero at, was
// created at that time.
func (s *Store) TakeMarker(ctx context.Context, owner core.OwnerID, ext core.ExternalID, at time.Time) (bool, error) {
	k := s.markerKey(owner, ext)
	taken := false
	err := s.rdb.Watch(ctx, func(tx *goredis.Tx) error {
		val, err := tx.Get(ctx, k).Int64()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if !at.IsZero() && val != at.UnixNano() {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, k)
			return nil
		})
		taken = err == nil
		return err
	}, k)
	return taken, Classify(err)
}

// HasMarker reports whether a marker exists.
func (s *Store) HasMarker(ctx context.Context, owner core.OwnerID, ext core.ExternalID) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.markerKey(owner, ext)).Result()
	return n > 0, Classify(err)
}

// Close closes the client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func recordFields(rec *core.MessageRecord) map[string]any {
	return map[string]any{
		fieldOwner:     int64(rec.OwnerID),
		fieldText:      rec.Text,
		fieldEmbedding: EncodeVector(rec.Embedding),
		fieldTimestamp: rec.Timestamp.UnixNano(),
		fieldExt:       int64(rec.ExternalID),
	}
}

func (s *Store) readRecord(ctx context.Context, c goredis.Cmdable, key core.RecordKey) (*core.MessageRecord, error) {
	vals, err := c.HGetAll(ctx, s.msgKey(key)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("record %s: %w", key, memory.ErrNotFound)
	}

	owner, err := strconv.ParseInt(vals[fieldOwner], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("record %s: bad owner_id: %w", key, err)
	}
	ts, _ := strconv.ParseInt(vals[fieldTimestamp], 10, 64)
	ext, _ := strconv.ParseInt(vals[fieldExt], 10, 64)
	emb, err := DecodeVector([]byte(vals[fieldEmbedding]))
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", key, err)
	}

	return &core.MessageRecord{
		Key:        key,
		OwnerID:    core.OwnerID(owner),
		ExternalID: core.ExternalID(ext),
		Text:       vals[fieldText],
		Embedding:  emb,
		Timestamp:  time.Unix(0, ts).UTC(),
	}, nil
}
