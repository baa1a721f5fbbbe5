package obs

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	slogctx "github.com/veqryn/slog-context"
)

var (
	loggerMu sync.RWMutex
	logger   = newLogger(os.Stdout)
	level    = new(slog.LevelVar)
)

func newLogger(w io.Writer) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				a.Key = "ts"
			}
			return a
		},
	})
	// slogctx adds attributes stored in the context with slogctx.Append.
	return slog.New(slogctx.NewHandler(h, nil))
}

// Logger returns the shared structured logger used across the service.
func Logger() *slog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// SetOutput redirects the shared logger and returns a func restoring stdout.
func SetOutput(w io.Writer) (restore func()) {
	loggerMu.Lock()
	logger = newLogger(w)
	loggerMu.Unlock()
	return func() {
		loggerMu.Lock()
		logger = newLogger(os.Stdout)
		loggerMu.Unlock()
	}
}

// SetLevel accepts debug, info, warn or error. Unknown names fall back to info.
func SetLevel(name string) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn", "warning":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

// With returns a context whose log lines carry the given key/value pairs.
// Keys the context already carries keep their first value.
func With(ctx context.Context, args ...any) context.Context {
	seen := make(map[string]struct{})
	for _, a := range slogctx.ExtractAppended(ctx, time.Time{}, slog.LevelInfo, "") {
		seen[a.Key] = struct{}{}
	}
	r := slog.NewRecord(time.Time{}, slog.LevelInfo, "", 0)
	r.Add(args...)
	fresh := make([]any, 0, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		if _, ok := seen[a.Key]; !ok {
			seen[a.Key] = struct{}{}
			fresh = append(fresh, a)
		}
		return true
	})
	if len(fresh) == 0 {
		return ctx
	}
	return slogctx.Append(ctx, fresh...)
}

// Err is the attribute used for errors on every log line.
func Err(err error) slog.Attr {
	return slogctx.Err(err)
}

// LogRequest emits a structured JSON log line with common HTTP fields.
func LogRequest(ctx context.Context, entry map[string]any) {
	attrs := make([]slog.Attr, 0, len(entry))
	for k, v := range entry {
		attrs = append(attrs, slog.Any(k, v))
	}
	Logger().LogAttrs(ctx, slog.LevelInfo, "request_complete", attrs...)
}
