package native

import (
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/framegraph"
)

// loggerPtr stores the active logger. Accessed atomically for thread safety.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(framegraph.Logger())
}

// slogger returns the current package logger.
// All logging in backend/native goes through this function.
func slogger() *slog.Logger { return loggerPtr.Load() }

// setLogger updates the package-level logger.
// Called from Device.SetLogger when framegraph.New propagates its logger.
func setLogger(l *slog.Logger) {
	if l == nil {
		l = framegraph.Logger()
	}
	loggerPtr.Store(l)
}
