package report

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTrackerKeepsMostRecent(t *testing.T) {
	tr := NewTracker(3, quietLogger())
	for i := 0; i < 5; i++ {
		tr.Report(fmt.Errorf("boom %d", i), map[string]any{"i": i})
	}

	logs := tr.Logs()
	require.Len(t, logs, 3)
	assert.Equal(t, "boom 2", logs[0].Message)
	assert.Equal(t, "boom 4", logs[2].Message)
	assert.Equal(t, 4, logs[2].Fields["i"])
}

func TestTrackerIgnoresNil(t *testing.T) {
	tr := NewTracker(0, quietLogger())
	tr.Report(nil, nil)
	assert.Empty(t, tr.Logs())
}

func TestTrackerCopiesFields(t *testing.T) {
	tr := NewTracker(0, nil)
	fields := map[string]any{"action": "load_offline_queue"}
	tr.Report(errors.New("disk"), fields)
	fields["action"] = "mutated"

	assert.Equal(t, "load_offline_queue", tr.Logs()[0].Fields["action"])
}

func TestClearLogs(t *testing.T) {
	tr := NewTracker(0, quietLogger())
	tr.Report(errors.New("x"), nil)
	tr.ClearLogs()
	assert.Empty(t, tr.Logs())
	Discard.Report(errors.New("ignored"), nil)
}
