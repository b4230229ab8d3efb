// Package logger builds the single *zap.Logger instance injected into
// every collaborator; nothing in this repository reaches for a package
// level logger.
//
// Pocketwalk owns stdout: child tool output streams through it and the
// commit-message prompt reads against it, so log records must never
// interleave there. The sink policy below enforces that — logs default
// to a file beside the cache, and a request for "stdout" is routed to
// stderr instead.
package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultOutputPath is where logs land when no destination is given.
const DefaultOutputPath = "pocketwalk.log"

// Config controls level, encoding, and destination of the process logger.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stderr or a file path; "stdout" is redirected
}

// NewLogger builds a *zap.Logger from cfg, falling back to info level
// on an unparseable Level. Internal zap errors always go to stderr.
func NewLogger(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	} else {
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	sink, err := openSink(cfg.OutputPath)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(encoder, sink, level)
	return zap.New(core, zap.AddCaller(), zap.ErrorOutput(zapcore.Lock(os.Stderr))), nil
}

// openSink resolves the log destination, keeping stdout reserved for
// tool output and the commit prompt.
func openSink(path string) (zapcore.WriteSyncer, error) {
	switch path {
	case "":
		path = DefaultOutputPath
	case "stdout":
		// stdout carries child tool output; logs go to stderr instead
		return zapcore.Lock(os.Stderr), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file %s: %w", path, err)
	}
	return zapcore.Lock(f), nil
}
