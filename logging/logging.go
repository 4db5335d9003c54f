// Package logging builds the process logger.
package logging

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration.
type Config struct {
	// Level is debug, info, warn or error. Default: info.
	Level string `koanf:"level"`

	// Format is json or console. Default: json.
	Format string `koanf:"format"`
}

// Validate checks level and format.
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.levelOrDefault()); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	switch c.Format {
	case "", "json", "console":
		return nil
	}
	return fmt.Errorf("log format %q: must be json or console", c.Format)
}

func (c *Config) levelOrDefault() string {
	if c.Level == "" {
		return "info"
	}
	return c.Level
}

// New creates a logger writing to stderr.
func New(cfg Config) (*zap.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, _ := zapcore.ParseLevel(cfg.levelOrDefault())

	core := zapcore.NewCore(newEncoder(cfg.Format), zapcore.Lock(os.Stderr), level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// newEncoder creates JSON or console encoder.
func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if format == "console" {
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}

// Sync flushes buffered entries, ignoring the errors Linux returns for
// syncing a terminal.
func Sync(logger *zap.Logger) error {
	err := logger.Sync()
	if err != nil && isStdoutSyncError(err) {
		return nil
	}
	return err
}

func isStdoutSyncError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EINVAL || errno == syscall.ENOTTY
	}
	return false
}
