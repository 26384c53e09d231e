package engine

import (
	"log/slog"

	"github.com/veloxdata/transmit/internal/logger"
)

// ProgressSink receives progress events from running lifecycles. One sink may
// be shared by every lifecycle in a group; implementations must be safe for
// concurrent use.
//
// A task's total is indeterminate (zero) while the remote dataset lookup
// runs; sinks should render that phase as a spinner, not an empty bar.
type ProgressSink interface {
	// TaskStarted announces a new task. total may be zero.
	TaskStarted(name string, total int)

	// SetTotal updates the task's total once the dataset lookup resolves.
	SetTotal(name string, total int)

	// Advance reports n additional completed units.
	Advance(name string, n int)

	// Done marks the task finished.
	Done(name string, ok bool)
}

// NopSink discards all progress events.
type NopSink struct{}

func (NopSink) TaskStarted(string, int) {}
func (NopSink) SetTotal(string, int)    {}
func (NopSink) Advance(string, int)     {}
func (NopSink) Done(string, bool)       {}

// LogSink writes progress events to the structured log at debug level,
// useful for non-interactive runs.
type LogSink struct{}

func (LogSink) TaskStarted(name string, total int) {
	logger.Debug("task started", logger.Title(name), slog.Int("total", total))
}

func (LogSink) SetTotal(name string, total int) {
	logger.Debug("task total resolved", logger.Title(name), slog.Int("total", total))
}

func (LogSink) Advance(name string, n int) {
	logger.Debug("task advanced", logger.Title(name), slog.Int("n", n))
}

func (LogSink) Done(name string, ok bool) {
	logger.Debug("task done", logger.Title(name), slog.Bool("ok", ok))
}
