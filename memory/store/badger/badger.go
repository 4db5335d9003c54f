// Package badger stores message records in an embedded BadgerDB.
//
// Layout:
//
//	rec/<key>            JSON encoded core.MessageRecord
//	ext/<owner>/<ext>    record key
//	appr/<owner>/<ext>   marker creation time, unix nanoseconds
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/becomeliminal/nim-notes/core"
	"github.com/becomeliminal/nim-notes/memory"
)

const (
	prefixRecord = "rec/"
	prefixExt    = "ext/"
	prefixMarker = "appr/"
)

// Config configures the badger store.
type Config struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path string `koanf:"path"`

	// InMemory keeps everything in RAM; data is lost on Close.
	InMemory bool `koanf:"in_memory"`

	// SyncWrites fsyncs every write.
	SyncWrites bool `koanf:"sync_writes"`
}

// Store implements memory.RecordStore and memory.MarkerStore on BadgerDB.
// Safe for concurrent use.
type Store struct {
	db     *badger.DB
	logger *zap.Logger
	now    func() time.Time
}

var (
	_ memory.RecordStore = (*Store)(nil)
	_ memory.MarkerStore = (*Store)(nil)
)

// New opens a badger store. A nil logger disables logging.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, fmt.Errorf("badger: path is required unless in_memory is set")
	}

	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	if cfg.SyncWrites {
		opts = opts.WithSyncWrites(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &Store{db: db, logger: logger.Named("badger"), now: time.Now}, nil
}

func recordKey(key core.RecordKey) []byte {
	return []byte(prefixRecord + string(key))
}

func extKey(owner core.OwnerID, ext core.ExternalID) []byte {
	return []byte(prefixExt + owner.String() + "/" + ext.String())
}

func markerKey(owner core.OwnerID, ext core.ExternalID) []byte {
	return []byte(prefixMarker + owner.String() + "/" + ext.String())
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
	err := s.update(ctx, func(txn *badger.Txn) error {
		existing, err := getRecord(txn, key)
		switch {
		case err == nil:
			if existing.OwnerID != owner || existing.Text != text {
				return fmt.Errorf("record %s: %w", key, memory.ErrKeyExists)
			}
			rec = existing
			return nil
		case !errors.Is(err, memory.ErrNotFound):
			return err
		}
		return putRecord(txn, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// LinkExternalID links ext to the provisional record under key.
func (s *Store) LinkExternalID(ctx context.Context, key core.RecordKey, owner core.OwnerID, ext core.ExternalID) (*core.MessageRecord, error) {
	var rec *core.MessageRecord
	err := s.update(ctx, func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn, key)
		if err != nil {
			return err
		}
		if rec.OwnerID != owner {
			return fmt.Errorf("record %s of another owner: %w", key, memory.ErrNotFound)
		}

		linked, err := getKey(txn, extKey(owner, ext))
		switch {
		case err == nil && linked != key:
			return fmt.Errorf("(%d, %d) points to %s: %w", owner, ext, linked, memory.ErrAlreadyLinked)
		case err != nil && !errors.Is(err, memory.ErrNotFound):
			return err
		}

		if rec.ExternalID == ext {
			return nil
		}
		if rec.ExternalID.Valid() {
			return fmt.Errorf("record %s has id %d: %w", key, rec.ExternalID, memory.ErrAlreadyLinked)
		}

		rec.ExternalID = ext
		if err := putRecord(txn, rec); err != nil {
			return err
		}
		return txn.Set(extKey(owner, ext), []byte(key))
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// UpdateText replaces text and embedding of the record linked to (owner, ext).
func (s *Store) UpdateText(ctx context.Context, owner core.OwnerID, ext core.ExternalID, text string, embedding []float32) (*core.MessageRecord, error) {
	var rec *core.MessageRecord
	err := s.update(ctx, func(txn *badger.Txn) error {
		key, err := getKey(txn, extKey(owner, ext))
		if err != nil {
			return err
		}
		rec, err = getRecord(txn, key)
		if err != nil {
			return err
		}
		rec.Text = text
		rec.Embedding = embedding
		return putRecord(txn, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Lookup resolves (owner, ext) to a record key.
func (s *Store) Lookup(ctx context.Context, owner core.OwnerID, ext core.ExternalID) (core.RecordKey, error) {
	var key core.RecordKey
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		key, err = getKey(txn, extKey(owner, ext))
		return err
	})
	return key, err
}

// Get returns the record stored under key.
func (s *Store) Get(ctx context.Context, key core.RecordKey) (*core.MessageRecord, error) {
	var rec *core.MessageRecord
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn, key)
		return err
	})
	return rec, err
}

// Delete removes the record and its lookup entry.
func (s *Store) Delete(ctx context.Context, key core.RecordKey) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		rec, err := getRecord(txn, key)
		if errors.Is(err, memory.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.ExternalID.Valid() {
			if err := txn.Delete(extKey(rec.OwnerID, rec.ExternalID)); err != nil {
				return err
			}
		}
		return txn.Delete(recordKey(key))
	})
}

// Scan calls fn for every record.
func (s *Store) Scan(ctx context.Context, fn func(*core.MessageRecord) error) error {
	return s.view(ctx, func(txn *badger.Txn) error {
		prefix := []byte(prefixRecord)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec core.MessageRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				s.logger.Warn("skipping undecodable record", zap.ByteString("key", it.Item().Key()), zap.Error(err))
				continue
			}
			if err := fn(&rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutMarker stores an approval marker that badger drops after ttl.
func (s *Store) PutMarker(ctx context.Context, owner core.OwnerID, ext core.ExternalID, at time.Time, ttl time.Duration) error {
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, uint64(at.UnixNano()))
	return s.update(ctx, func(txn *badger.Txn) error {
		e := badger.NewEntry(markerKey(owner, ext), val)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
}

// TakeMarker removes the marker if it exists and, for non-zero at, was
// created at that time.
func (s *Store) TakeMarker(ctx context.Context, owner core.OwnerID, ext core.ExternalID, at time.Time) (bool, error) {
	taken := false
	err := s.update(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(markerKey(owner, ext))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !at.IsZero() {
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if len(val) != 8 || int64(binary.BigEndian.Uint64(val)) != at.UnixNano() {
				return nil
			}
		}
		taken = true
		return txn.Delete(markerKey(owner, ext))
	})
	return taken, err
}

// HasMarker reports whether a marker exists.
func (s *Store) HasMarker(ctx context.Context, owner core.OwnerID, ext core.ExternalID) (bool, error) {
	found := false
	err := s.view(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(markerKey(owner, ext))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		found = err == nil
		return err
	})
	return found, err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return classify(s.db.Update(fn))
}

func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return classify(s.db.View(fn))
}

// classify marks write conflicts as retryable.
func classify(err error) error {
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%w: %w", memory.ErrTransient, err)
	}
	return err
}

func getRecord(txn *badger.Txn, key core.RecordKey) (*core.MessageRecord, error) {
	item, err := txn.Get(recordKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("record %s: %w", key, memory.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var rec core.MessageRecord
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", key, err)
	}
	return &rec, nil
}

func putRecord(txn *badger.Txn, rec *core.MessageRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return txn.Set(recordKey(rec.Key), data)
}

func getKey(txn *badger.Txn, k []byte) (core.RecordKey, error) {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", fmt.Errorf("%s: %w", k, memory.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return core.RecordKey(val), nil
}
