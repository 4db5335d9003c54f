package main

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/becomeliminal/nim-notes/config"
	"github.com/becomeliminal/nim-notes/memory"
	"github.com/becomeliminal/nim-notes/memory/embedder/cached"
	"github.com/becomeliminal/nim-notes/memory/embedder/fastembed"
	"github.com/becomeliminal/nim-notes/memory/embedder/mock"
	"github.com/becomeliminal/nim-notes/memory/index/chromem"
	"github.com/becomeliminal/nim-notes/memory/index/flat"
	"github.com/becomeliminal/nim-notes/memory/index/qdrant"
	"github.com/becomeliminal/nim-notes/memory/index/redisearch"
	badgerstore "github.com/becomeliminal/nim-notes/memory/store/badger"
	redisstore "github.com/becomeliminal/nim-notes/memory/store/redis"
)

// store is what every record store backend provides.
type store interface {
	memory.RecordStore
	memory.MarkerStore
}

// app holds the memory backends built from config.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	rdb      *goredis.Client
	store    store
	index    memory.VectorIndex
	embedder memory.Embedder

	manager   *memory.Manager
	retriever *memory.Retriever

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if err := a.openStore(ctx); err != nil {
		return nil, fmt.Errorf("record store: %w", err)
	}
	if err := a.openIndex(ctx); err != nil {
		return nil, fmt.Errorf("vector index: %w", err)
	}
	if err := a.openEmbedder(); err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}

	memCfg := cfg.Memory.ToMemory()
	a.manager = memory.NewManager(a.store, a.index, a.embedder, memCfg, memory.WithLogger(logger))
	a.retriever = memory.NewRetriever(a.index, a.embedder, memCfg, memory.WithLogger(logger))
	return a, nil
}

// redis returns the shared Redis client, connecting on first use.
func (a *app) redis(ctx context.Context) (*goredis.Client, error) {
	if a.rdb != nil {
		return a.rdb, nil
	}
	rdb, err := redisstore.NewClient(ctx, a.cfg.Store.Redis)
	if err != nil {
		return nil, err
	}
	a.rdb = rdb
	a.closers = append(a.closers, rdb.Close)
	return rdb, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Store.Backend {
	case config.StoreRedis:
		rdb, err := a.redis(ctx)
		if err != nil {
			return err
		}
		// Closing the shared client closes the store.
		a.store = redisstore.New(rdb, a.cfg.Store.Redis.Prefix, a.logger)
	case config.StoreBadger:
		s, err := badgerstore.New(a.cfg.Store.Badger, a.logger)
		if err != nil {
			return err
		}
		a.store = s
		a.closers = append(a.closers, s.Close)
	default:
		return fmt.Errorf("unknown backend %q", a.cfg.Store.Backend)
	}
	return nil
}

func (a *app) openIndex(ctx context.Context) error {
	switch a.cfg.Index.Backend {
	case config.IndexChromem:
		x, err := chromem.New(a.cfg.Index.Chromem, a.logger)
		if err != nil {
			return err
		}
		a.index = x
	case config.IndexRediSearch:
		rdb, err := a.redis(ctx)
		if err != nil {
			return err
		}
		a.index = redisearch.New(rdb, a.cfg.Index.RediSearch, a.logger)
	case config.IndexQdrant:
		x, err := qdrant.New(a.cfg.Index.Qdrant, a.logger)
		if err != nil {
			return err
		}
		a.index = x
	case config.IndexFlat:
		a.index = flat.New()
	default:
		return fmt.Errorf("unknown backend %q", a.cfg.Index.Backend)
	}
	a.closers = append(a.closers, a.index.Close)
	return nil
}

func (a *app) openEmbedder() error {
	var e memory.Embedder
	switch a.cfg.Embedder.Backend {
	case config.EmbedderMock:
		a.logger.Warn("using the mock embedder, search results are not semantic")
		e = mock.NewWithDimensions(a.cfg.Memory.Dimension)
	case config.EmbedderFastEmbed:
		fe, err := fastembed.New(a.cfg.Embedder.FastEmbed)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, fe.Close)
		e = fe
	case config.EmbedderONNX:
		oe, closeFn, err := newONNXEmbedder(a.cfg, a.logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, closeFn)
		e = oe
	default:
		return fmt.Errorf("unknown backend %q", a.cfg.Embedder.Backend)
	}

	if size := a.cfg.Embedder.QueryCacheSize; size > 0 {
		c, err := cached.New(e, size)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, c.Close)
		e = c
	}
	a.embedder = e
	return nil
}

// Close releases backends in reverse order of creation.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
