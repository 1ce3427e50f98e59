package framegraph

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// nopHandler is a slog.Handler that silently discards all log records.
// Enabled returns false so callers skip message formatting entirely.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the logger for framegraph and its backends.
// By default, framegraph produces no log output.
//
// SetLogger is safe for concurrent use. Pass nil to restore the silent
// default. Graphs created after the call hand the logger to their Device
// if it implements SetLogger(*slog.Logger).
//
// Log levels used by framegraph:
//   - [slog.LevelDebug]: compile statistics (culled passes, barriers, batches)
//   - [slog.LevelInfo]: lifecycle events (graph created, device closed)
//   - [slog.LevelWarn]: non-fatal issues (timers unavailable, pool evictions)
//
// Example:
//
//	framegraph.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)
}

// Logger returns the current logger used by framegraph.
// Backend packages call this to share the same configuration.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}

// loggerSetter is implemented by devices that accept a logger.
type loggerSetter interface {
	SetLogger(*slog.Logger)
}

func propagateLogger(dev Device, l *slog.Logger) {
	if ls, ok := dev.(loggerSetter); ok {
		ls.SetLogger(l)
	}
}
