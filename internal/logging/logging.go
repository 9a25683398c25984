// Package logging provides the structured logger used across featuretrack.
//
// Components receive a Logger at construction and derive a child carrying a
// "component" field. The default implementation writes key/value lines
// through log/slog; NoOp discards everything.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"sort"
	"strings"
)

// Level represents log levels
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a level name such as "debug" or "WARN" into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case DebugLevel:
		return slog.LevelDebug
	case WarnLevel:
		return slog.LevelWarn
	case ErrorLevel:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Fields represents structured logging fields
type Fields map[string]any

// Logger defines the interface the packages expect for logging
type Logger interface {
	Debug(msg string, fields ...Fields)
	Info(msg string, fields ...Fields)
	Warn(msg string, fields ...Fields)
	Error(err error, msg string, fields ...Fields)

	// WithFields returns a logger with preset fields
	WithFields(fields Fields) Logger
}

// SlogLogger writes through a slog.Logger
type SlogLogger struct {
	logger *slog.Logger
	fields Fields
}

// New creates a logger writing text records to w at the given minimum level.
func New(w io.Writer, level Level) *SlogLogger {
	if w == nil {
		w = os.Stderr
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level.slogLevel()})
	return &SlogLogger{
		logger: slog.New(handler),
		fields: make(Fields),
	}
}

// NewDefault creates an info-level logger on stderr.
func NewDefault() *SlogLogger {
	return New(os.Stderr, InfoLevel)
}

func (s *SlogLogger) log(level slog.Level, err error, msg string, fields ...Fields) {
	ctx := context.Background()
	if !s.logger.Enabled(ctx, level) {
		return
	}

	all := make(Fields, len(s.fields))
	maps.Copy(all, s.fields)
	for _, f := range fields {
		maps.Copy(all, f)
	}

	// sorted keys keep output stable between runs
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]any, 0, 2*len(keys)+2)
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, all[k]))
	}

	s.logger.Log(ctx, level, msg, attrs...)
}

func (s *SlogLogger) Debug(msg string, fields ...Fields) {
	s.log(slog.LevelDebug, nil, msg, fields...)
}

func (s *SlogLogger) Info(msg string, fields ...Fields) {
	s.log(slog.LevelInfo, nil, msg, fields...)
}

func (s *SlogLogger) Warn(msg string, fields ...Fields) {
	s.log(slog.LevelWarn, nil, msg, fields...)
}

func (s *SlogLogger) Error(err error, msg string, fields ...Fields) {
	s.log(slog.LevelError, err, msg, fields...)
}

func (s *SlogLogger) WithFields(fields Fields) Logger {
	merged := make(Fields, len(s.fields)+len(fields))
	maps.Copy(merged, s.fields)
	maps.Copy(merged, fields)

	return &SlogLogger{
		logger: s.logger,
		fields: merged,
	}
}

// NoOpLogger discards all records
type NoOpLogger struct{}

// NewNoOp returns a logger that does nothing.
func NewNoOp() Logger { return NoOpLogger{} }

func (NoOpLogger) Debug(msg string, fields ...Fields)            {}
func (NoOpLogger) Info(msg string, fields ...Fields)             {}
func (NoOpLogger) Warn(msg string, fields ...Fields)             {}
func (NoOpLogger) Error(err error, msg string, fields ...Fields) {}
func (n NoOpLogger) WithFields(fields Fields) Logger             { return n }

// OrNoOp returns l, or a no-op logger when l is nil.
func OrNoOp(l Logger) Logger {
	if l == nil {
		return NoOpLogger{}
	}
	return l
}
