// Package logging wires up the node's structured logger, following the
// zap convention used throughout the storage-node example in the pack
// (PairDB's internal/metrics and workerpool packages take a *zap.Logger
// at construction rather than reaching for a package-level global).
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production zap.Logger at the given level ("debug", "info",
// "warn", "error"). An empty level defaults to "info".
func New(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if level == "" {
		level = "info"
	}
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	return cfg.Build()
}

// Nop returns a logger that discards everything, used in tests and as a
// safe default when no logger is configured.
func Nop() *zap.Logger {
	return zap.NewNop()
}
