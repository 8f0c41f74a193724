package mux

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// nopHandler discards every record. Enabled reports false so callers skip
// formatting altogether.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the logger for mux and the devices of every live
// Context. By default mux is silent. Pass nil to restore that.
//
// Log levels used by mux:
//   - [slog.LevelDebug]: batching decisions, dispatches, completions
//   - [slog.LevelInfo]: context and queue lifecycle
//   - [slog.LevelWarn]: failed admissions and device errors
//
// Example:
//
//	mux.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)

	liveMu.Lock()
	devs := make([]any, 0, len(live))
	for c := range live {
		devs = append(devs, c.dev)
	}
	liveMu.Unlock()
	for _, d := range devs {
		propagateLogger(d, l)
	}
}

// Logger returns the logger used by mux. Sub-packages share it so that
// one SetLogger call configures the whole stack.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}

// loggerSetter is implemented by devices that accept a logger.
type loggerSetter interface {
	SetLogger(*slog.Logger)
}

// live tracks contexts whose devices receive logger updates.
var (
	liveMu sync.Mutex
	live   = make(map[*Context]struct{})
)

func trackContext(c *Context) {
	liveMu.Lock()
	live[c] = struct{}{}
	liveMu.Unlock()
	propagateLogger(c.dev, Logger())
}

func untrackContext(c *Context) {
	liveMu.Lock()
	delete(live, c)
	liveMu.Unlock()
}

func propagateLogger(dev any, l *slog.Logger) {
	if ls, ok := dev.(loggerSetter); ok {
		ls.SetLogger(l)
	}
}
