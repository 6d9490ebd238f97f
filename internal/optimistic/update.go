// Package optimistic tracks changes that are shown to the user before the
// backend confirms them, and resolves each one to success or failure.
package optimistic

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/appejv/storesync/internal/offline"
)

// Status is the lifecycle state of an Update.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

var (
	// ErrNoConfirm is the failure recorded when Apply gets a nil ConfirmFunc.
	ErrNoConfirm = errors.New("optimistic: no confirm function")
	// ErrConfirmPanic wraps a panic raised by a ConfirmFunc.
	ErrConfirmPanic = errors.New("optimistic: confirm panicked")
)

// ConfirmFunc performs the real backend call for a change.
type ConfirmFunc func(ctx context.Context) error

// Handoff says how to replay a change through the offline queue when the
// confirm call fails for lack of connectivity.
type Handoff struct {
	Action   offline.ActionType
	Resource string
	// Payload is queued instead of the change's Data when set.
	Payload any
}

// Change is what a caller applies.
type Change[T any] struct {
	ID       string
	Type     string
	Data     T
	Original T
	Handoff  *Handoff
}

// Update is the tracked state of one applied change.
type Update[T any] struct {
	ID           string
	Type         string
	Data         T
	OriginalData T
	Status       Status
	Err          error
	// Queued is set while a handed-off copy waits in the offline queue.
	Queued    bool
	Timestamp time.Time
}

// Result is what Apply returns. Err is set only when Success is false.
type Result struct {
	Success bool
	Err     error
}

type updateJSON[T any] struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Data         T         `json:"data"`
	OriginalData T         `json:"originalData"`
	Status       Status    `json:"status"`
	Error        string    `json:"error,omitempty"`
	Queued       bool      `json:"queued,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// MarshalJSON renders Err as its message.
func (u Update[T]) MarshalJSON() ([]byte, error) {
	w := updateJSON[T]{
		ID:           u.ID,
		Type:         u.Type,
		Data:         u.Data,
		OriginalData: u.OriginalData,
		Status:       u.Status,
		Queued:       u.Queued,
		Timestamp:    u.Timestamp,
	}
	if u.Err != nil {
		w.Error = u.Err.Error()
	}
	return json.Marshal(w)
}
