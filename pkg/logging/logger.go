package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Options configures a Logger. It is intentionally small and decoupled from
// pkg/config so that packages which only need logging don't pull in the
// whole configuration surface.
type Options struct {
	Level     string // debug | info | warn | error
	Format    string // text | json
	AddSource bool
}

// Logger wraps slog.Logger with advoid specific convenience helpers.
type Logger struct {
	*slog.Logger
	opts Options
}

// New creates a new logger writing to w from the given options.
func New(w io.Writer, opts Options) *Logger {
	if w == nil {
		w = os.Stdout
	}

	handlerOpts := &slog.HandlerOptions{
		Level:     parseLevel(opts.Level),
		AddSource: opts.AddSource,
	}

	var handler slog.Handler
	switch opts.Format {
	case "json":
		handler = slog.NewJSONHandler(w, handlerOpts)
	default:
		handler = slog.NewTextHandler(w, handlerOpts)
	}

	return &Logger{
		Logger: slog.New(handler),
		opts:   opts,
	}
}

// NewDefault creates a logger with sensible defaults (info level, text format, stdout).
func NewDefault() *Logger {
	return New(os.Stdout, Options{Level: "info", Format: "text"})
}

// WithContext returns a copy of l. ctx is not stored in the returned logger;
// callers pass a context to the *Context methods instead. This exists for
// symmetry with WithFields/WithField.
func (l *Logger) WithContext(_ context.Context) *Logger {
	return &Logger{Logger: l.Logger.With(), opts: l.opts}
}

// WithFields creates a new logger with additional fields.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{Logger: l.Logger.With(args...), opts: l.opts}
}

// WithField creates a new logger with a single additional field.
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{Logger: l.Logger.With(key, value), opts: l.opts}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var global *Logger

func init() {
	global = NewDefault()
}

// SetGlobal replaces the package-level default logger.
func SetGlobal(logger *Logger) {
	global = logger
	slog.SetDefault(logger.Logger)
}

// Global returns the current package-level default logger.
func Global() *Logger {
	return global
}

func Debug(msg string, args ...any) { global.Debug(msg, args...) }
func Info(msg string, args ...any)  { global.Info(msg, args...) }
func Warn(msg string, args ...any)  { global.Warn(msg, args...) }
func Error(msg string, args ...any) { global.Error(msg, args...) }

func DebugContext(ctx context.Context, msg string, args ...any) { global.DebugContext(ctx, msg, args...) }
func InfoContext(ctx context.Context, msg string, args ...any)  { global.InfoContext(ctx, msg, args...) }
func WarnContext(ctx context.Context, msg string, args ...any)  { global.WarnContext(ctx, msg, args...) }
func ErrorContext(ctx context.Context, msg string, args ...any) { global.ErrorContext(ctx, msg, args...) }
