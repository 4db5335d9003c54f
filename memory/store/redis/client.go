// Package redis stores message records in Redis hashes.
//
// Layout, relative to Config.Prefix:
//
//	msg:<key>              hash {owner_id, text, embedding, timestamp, ext_id}
//	ext:<owner>:<ext>      record key
//	appr:<owner>:<ext>     marker creation time, unix nanoseconds, with TTL
package redis

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/becomeliminal/nim-notes/memory"
)

// Config configures the Redis connection.
type Config struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`

	// Prefix namespaces every key. Default: "notes:".
	Prefix string `koanf:"prefix"`
}

// NewClient connects to Redis and pings it.
func NewClient(ctx context.Context, cfg Config) (*goredis.Client, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("missing redis addr")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
		// FT.SEARCH replies are only parsed into typed results on RESP2.
		Protocol: 2,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// Classify wraps connection-level failures with memory.ErrTransient.
func Classify(err error) error {
	if err == nil || errors.Is(err, memory.ErrTransient) {
		return err
	}
	var netErr net.Error
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, goredis.TxFailedErr),
		errors.Is(err, goredis.ErrPoolTimeout),
		strings.HasPrefix(err.Error(), "LOADING"),
		strings.HasPrefix(err.Error(), "TRYAGAIN"):
		return fmt.Errorf("%w: %w", memory.ErrTransient, err)
	}
	return err
}

// EncodeVector packs a vector as little-endian float32, the layout
// RediSearch expects for FLOAT32 vector fields.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector is the inverse of EncodeVector.
func DecodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
