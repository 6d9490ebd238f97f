// Package offline holds mutations that could not reach the data backend and
// replays them, oldest first, once connectivity returns.
package offline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ActionType is the kind of remote mutation a queued action replays as.
type ActionType string

const (
	ActionCreate ActionType = "create"
	ActionUpdate ActionType = "update"
	ActionDelete ActionType = "delete"
)

var (
	// ErrUnknownAction is returned for an action type outside create, update, delete.
	ErrUnknownAction = errors.New("offline: unknown action type")
	// ErrMissingID is returned when an update or delete payload carries no id.
	ErrMissingID = errors.New("offline: payload has no id")
	// ErrOffline is returned by Drain while the observer reports no connectivity.
	ErrOffline = errors.New("offline: network unavailable")
	// ErrClosed is returned by Drain after Close.
	ErrClosed = errors.New("offline: queue closed")
)

// Valid reports whether t is one of the known action types.
func (t ActionType) Valid() bool {
	switch t {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// ParseActionType converts s into an ActionType.
func ParseActionType(s string) (ActionType, error) {
	t := ActionType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
	return t, nil
}

// Action is one deferred mutation.
type Action struct {
	ID       string     `json:"id"`
	Type     ActionType `json:"type"`
	Resource string     `json:"resource"`
	// Payload is the full record for create, {id, ...fields} for update and
	// {id} for delete.
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	RetryCount int             `json:"retryCount"`
	// Origin is the id of the optimistic update that handed this action off.
	Origin string `json:"origin,omitempty"`
}

// EnqueueOption sets optional fields on a new action.
type EnqueueOption func(*Action)

// WithOrigin tags the action with the optimistic update id it came from.
func WithOrigin(id string) EnqueueOption {
	return func(a *Action) {
		a.Origin = id
	}
}

// Fields decodes the payload as a JSON object. Numbers stay json.Number so
// ids and amounts round-trip without float conversion.
func (a Action) Fields() (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(a.Payload))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", a.Type, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("decode %s payload: not an object", a.Type)
	}
	return fields, nil
}

// RecordID returns the payload's "id" as a string, or "" when absent.
func (a Action) RecordID() string {
	fields, err := a.Fields()
	if err != nil {
		return ""
	}
	return idString(fields["id"])
}

func idString(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case json.Number:
		return id.String()
	default:
		return fmt.Sprint(id)
	}
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return append(json.RawMessage(nil), p...), nil
	case []byte:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return append(json.RawMessage(nil), p...), nil
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return data, nil
	}
}
