// Package tracelog emits JSON log lines correlated by a per-call trace id.
// Audio payloads and credential material are redacted before emission.
package tracelog

import (
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Logger wraps slog with a per-connection trace id and monotonic stage clock.
type Logger struct {
	base  *slog.Logger
	start time.Time

	mu      sync.Mutex
	traceID string
}

// New builds a service-level logger for component writing JSON lines to w.
func New(component, level string, w io.Writer) *Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: replaceAttr,
	})
	return &Logger{
		base:  slog.New(h).With(slog.String("component", component)),
		start: time.Now(),
	}
}

// ParseLevel maps a config string to a slog level; unknown values mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Conn derives a connection-scoped logger with a fresh stage clock and an
// empty trace id.
func (l *Logger) Conn() *Logger {
	return &Logger{base: l.base, start: time.Now()}
}

// SetTrace records the trace id used on all subsequent lines. The first
// non-empty id wins; later observations of the same call must agree anyway.
func (l *Logger) SetTrace(id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	l.mu.Lock()
	if l.traceID == "" {
		l.traceID = id
	}
	l.mu.Unlock()
}

// Trace returns the current trace id, possibly empty.
func (l *Logger) Trace() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.traceID
}

func (l *Logger) log(level slog.Level, msg string, args ...any) {
	if tid := l.Trace(); tid != "" {
		args = append(args, slog.String("traceId", tid))
	}
	l.base.Log(nil, level, msg, args...)
}

func (l *Logger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(slog.LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(slog.LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args...) }

// Stage logs a named pipeline stage with milliseconds since the connection
// clock started.
func (l *Logger) Stage(stage string, args ...any) {
	args = append(args,
		slog.String("stage", stage),
		slog.Int64("ms", time.Since(l.start).Milliseconds()),
	)
	l.log(slog.LevelInfo, stage, args...)
}

// NewTraceID returns seed when the carrier supplied a stable call id,
// otherwise a random 128-bit hex id.
func NewTraceID(seed string) string {
	seed = strings.TrimSpace(seed)
	if seed != "" {
		return seed
	}
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	switch a.Key {
	case slog.TimeKey:
		a.Key = "t"
		return a
	case slog.LevelKey:
		if lv, ok := a.Value.Any().(slog.Level); ok {
			a.Value = slog.StringValue(strings.ToLower(lv.String()))
		}
		return a
	}
	return redactAttr(a)
}
