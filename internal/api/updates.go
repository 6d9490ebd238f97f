package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/appejv/storesync/internal/offline"
	"github.com/appejv/storesync/internal/optimistic"
)

type writeSpec struct {
	Action   string          `json:"action"`
	Resource string          `json:"resource"`
	Payload  json.RawMessage `json:"payload"`
}

type applyRequest struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
	Original json.RawMessage `json:"original"`
	Write    writeSpec       `json:"write"`
}

type applyResponse struct {
	Success bool                                `json:"success"`
	Error   string                              `json:"error,omitempty"`
	Update  *optimistic.Update[json.RawMessage] `json:"update,omitempty"`
}

// handleListUpdates returns tracked updates, optionally filtered by
// ?status=pending|failed|success.
func (s *Server) handleListUpdates(w http.ResponseWriter, r *http.Request) {
	var updates []optimistic.Update[json.RawMessage]
	switch status := optimistic.Status(r.URL.Query().Get("status")); status {
	case "":
		updates = s.deps.Updates.All()
	case optimistic.StatusPending:
		updates = s.deps.Updates.Pending()
	case optimistic.StatusFailed:
		updates = s.deps.Updates.Failed()
	case optimistic.StatusSuccess:
		for _, u := range s.deps.Updates.All() {
			if u.Status == status {
				updates = append(updates, u)
			}
		}
	default:
		writeError(w, http.StatusBadRequest, "unknown status: "+string(status))
		return
	}
	if updates == nil {
		updates = []optimistic.Update[json.RawMessage]{}
	}
	writeJSON(w, http.StatusOK, updates)
}

// handleApplyUpdate applies a change optimistically and confirms it by
// writing to the backend. A write that fails for lack of connectivity is
// queued for replay.
func (s *Server) handleApplyUpdate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backend == nil {
		writeError(w, http.StatusServiceUnavailable, "no backend configured")
		return
	}

	var req applyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id required")
		return
	}
	t, err := offline.ParseActionType(req.Write.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Write.Resource == "" {
		writeError(w, http.StatusBadRequest, "write.resource required")
		return
	}

	payload := req.Write.Payload
	if len(payload) == 0 {
		payload = req.Data
	}
	if !json.Valid(payload) {
		writeError(w, http.StatusBadRequest, "write payload must be JSON")
		return
	}

	change := optimistic.Change[json.RawMessage]{
		ID:       req.ID,
		Type:     req.Type,
		Data:     req.Data,
		Original: req.Original,
		Handoff: &optimistic.Handoff{
			Action:   t,
			Resource: req.Write.Resource,
			Payload:  payload,
		},
	}
	action := offline.Action{Type: t, Resource: req.Write.Resource, Payload: payload}
	backend := s.deps.Backend

	res := s.deps.Updates.Apply(r.Context(), change, func(ctx context.Context) error {
		return offline.Execute(ctx, backend, action)
	})

	resp := applyResponse{Success: res.Success}
	if u, ok := s.deps.Updates.Get(req.ID); ok {
		resp.Update = &u
	}

	status := http.StatusOK
	if !res.Success {
		resp.Error = res.Err.Error()
		status = http.StatusBadGateway
		if resp.Update != nil && resp.Update.Queued {
			status = http.StatusAccepted
		}
	}
	writeJSON(w, status, resp)
}

// handleClearUpdates stops tracking every update.
func (s *Server) handleClearUpdates(w http.ResponseWriter, _ *http.Request) {
	n := len(s.deps.Updates.All())
	s.deps.Updates.Clear()
	writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": n})
}

// handleRetryUpdates moves failed updates into the offline queue.
func (s *Server) handleRetryUpdates(w http.ResponseWriter, r *http.Request) {
	moved := s.deps.Updates.RetryFailed(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{"moved": moved})
}

// handleRollback drops one update.
func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.deps.Updates.Get(id); !ok {
		writeError(w, http.StatusNotFound, "update not found: "+id)
		return
	}
	s.deps.Updates.Rollback(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{"rolled_back": id})
}

// handleListErrors returns the most recent reported failures.
func (s *Server) handleListErrors(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Errors == nil {
		writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Errors.Logs())
}

// handleClearErrors empties the error log.
func (s *Server) handleClearErrors(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Errors != nil {
		s.deps.Errors.ClearLogs()
	}
	w.WriteHeader(http.StatusNoContent)
}
