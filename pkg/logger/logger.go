package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config describes how the application logger should behave.
type Config struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"outputs"`
	AddSource   bool        `json:"add_source"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig controls the append-only audit stream.
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// Redacted replaces the value of any attribute whose key names key material.
const Redacted = "[REDACTED]"

// sensitiveKeys are matched case-insensitively against the last segment of an
// attribute key, so grouped keys such as request.private_key are caught too.
var sensitiveKeys = map[string]struct{}{
	"private_key":         {},
	"privatekey":          {},
	"session_private_key": {},
	"local_signing_key":   {},
	"attester_key":        {},
	"signing_key":         {},
	"witness":             {},
	"token":               {},
	"authorization":       {},
	"password":            {},
}

var (
	mu          sync.Mutex
	initialised bool
	appLogger   *slog.Logger
	auditLogger *slog.Logger
	outputs     []io.Closer
)

// Init configures the process-wide loggers. Only the first call takes effect.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()
	if initialised {
		return nil
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: cfg.AddSource}
	w, err := openOutputs(cfg.OutputPaths)
	if err != nil {
		return err
	}
	appLogger = slog.New(redact(newHandler(cfg.Format, w, opts)))
	auditLogger = appLogger.With(slog.String("stream", "audit"))

	if cfg.Audit.Enabled {
		file, err := newRotatingFile(cfg.Audit)
		if err != nil {
			return err
		}
		outputs = append(outputs, file)
		auditLogger = slog.New(redact(slog.NewJSONHandler(file, &slog.HandlerOptions{Level: slog.LevelInfo})))
	}
	initialised = true
	return nil
}

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func openOutputs(paths []string) (io.Writer, error) {
	if len(paths) == 0 {
		return os.Stdout, nil
	}
	writers := make([]io.Writer, 0, len(paths))
	for _, p := range paths {
		switch strings.ToLower(p) {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
				return nil, fmt.Errorf("create log directory: %w", err)
			}
			f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
			if err != nil {
				return nil, fmt.Errorf("open log file %s: %w", p, err)
			}
			outputs = append(outputs, f)
			writers = append(writers, f)
		}
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// L returns the process-wide logger, initialising defaults on first use.
func L() *slog.Logger {
	app, _ := current()
	return app
}

// Audit returns the audit logger. Without a configured audit file it writes to
// the application outputs tagged stream=audit.
func Audit() *slog.Logger {
	_, audit := current()
	return audit
}

func current() (*slog.Logger, *slog.Logger) {
	mu.Lock()
	ready := initialised
	mu.Unlock()
	if !ready {
		_ = Init(Config{})
	}
	mu.Lock()
	defer mu.Unlock()
	return appLogger, auditLogger
}

// Named returns a child logger tagged with the provided component name.
// Attributes stay at the top level so log pipelines can filter on them.
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}

// AuditEvent records a single audit entry for a component. Keys follow the
// same key/value convention as slog.
func AuditEvent(component, event string, args ...any) {
	Audit().Info(event, append([]any{slog.String("component", component)}, args...)...)
}

// Sync flushes and closes file outputs. Called once on shutdown.
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	var err error
	for _, c := range outputs {
		err = errors.Join(err, c.Close())
	}
	outputs = nil
	return err
}

// Discard returns a logger that drops every record. Useful for tests and for
// components constructed without an explicit logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type redactingHandler struct {
	next slog.Handler
}

func redact(h slog.Handler) slog.Handler {
	return redactingHandler{next: h}
}

func (h redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h redactingHandler) Handle(ctx context.Context, rec slog.Record) error {
	clean := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(scrub(a))
		return true
	})
	return h.next.Handle(ctx, clean)
}

func (h redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cleaned := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		cleaned[i] = scrub(a)
	}
	return redactingHandler{next: h.next.WithAttrs(cleaned)}
}

func (h redactingHandler) WithGroup(name string) slog.Handler {
	return redactingHandler{next: h.next.WithGroup(name)}
}

func scrub(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		cleaned := make([]any, len(group))
		for i, g := range group {
			cleaned[i] = scrub(g)
		}
		return slog.Group(a.Key, cleaned...)
	}
	if isSensitive(a.Key) {
		return slog.String(a.Key, Redacted)
	}
	return a
}

func isSensitive(key string) bool {
	if i := strings.LastIndexByte(key, '.'); i >= 0 {
		key = key[i+1:]
	}
	_, ok := sensitiveKeys[strings.ToLower(key)]
	return ok
}
