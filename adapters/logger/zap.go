// Package logger adapts zap to interfaces.Logger.
package logger

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Zap implements interfaces.Logger over a *zap.Logger.
type Zap struct {
	l *zap.Logger
}

// NewZap wraps l. A nil l logs nothing.
func NewZap(l *zap.Logger) *Zap {
	if l == nil {
		l = zap.NewNop()
	}
	return &Zap{l: l}
}

// Build creates a zap logger for level ("debug", "info", "warn", "error").
// Development mode uses the console encoder.
func Build(level string, development bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// Zap returns the underlying logger.
func (z *Zap) Zap() *zap.Logger { return z.l }

func (z *Zap) Debug(msg string, fields map[string]any) { z.l.Debug(msg, toFields(fields)...) }
func (z *Zap) Info(msg string, fields map[string]any)  { z.l.Info(msg, toFields(fields)...) }
func (z *Zap) Warn(msg string, fields map[string]any)  { z.l.Warn(msg, toFields(fields)...) }
func (z *Zap) Error(msg string, fields map[string]any) { z.l.Error(msg, toFields(fields)...) }

func toFields(m map[string]any) []zap.Field {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		if err, ok := m[k].(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, m[k]))
	}
	return out
}
