// Package report is the error-reporting sink used by the sync components.
// Reports are logged and kept in a bounded in-memory log for diagnostics.
package report

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultCapacity is how many reports a Tracker keeps.
const DefaultCapacity = 50

// Reporter accepts an error plus free-form context. Implementations must not
// block the caller for long and must never panic.
type Reporter interface {
	Report(err error, fields map[string]any)
}

// Entry is one stored report.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Tracker logs every report at error level and keeps the most recent ones.
type Tracker struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	logger   *slog.Logger
}

// NewTracker creates a tracker that keeps up to capacity entries
// (DefaultCapacity when capacity <= 0).
func NewTracker(capacity int, logger *slog.Logger) *Tracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		capacity: capacity,
		logger:   logger.With("component", "report"),
	}
}

// Report records err. A nil error is ignored.
func (t *Tracker) Report(err error, fields map[string]any) {
	if err == nil {
		return
	}

	args := make([]any, 0, 2+2*len(fields))
	args = append(args, "error", err)
	for k, v := range fields {
		args = append(args, k, v)
	}
	t.logger.Error("error reported", args...)

	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, Entry{
		Timestamp: time.Now().UTC(),
		Message:   err.Error(),
		Fields:    copied,
	})
	if over := len(t.entries) - t.capacity; over > 0 {
		t.entries = append([]Entry(nil), t.entries[over:]...)
	}
}

// Logs returns the stored reports, oldest first.
func (t *Tracker) Logs() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// ClearLogs drops all stored reports.
func (t *Tracker) ClearLogs() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = nil
}

// Discard is a Reporter that drops everything.
var Discard Reporter = discard{}

type discard struct{}

func (discard) Report(error, map[string]any) {}
