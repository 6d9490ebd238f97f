package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/appejv/storesync/internal/offline"
)

type enqueueRequest struct {
	Type     string          `json:"type"`
	Resource string          `json:"resource"`
	Payload  json.RawMessage `json:"payload"`
}

// handleListQueue returns the queued actions, oldest first.
func (s *Server) handleListQueue(w http.ResponseWriter, _ *http.Request) {
	actions := s.deps.Queue.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"online":  s.deps.Queue.IsOnline(),
		"size":    len(actions),
		"actions": actions,
	})
}

// handleEnqueue defers a mutation until connectivity returns.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	t, err := offline.ParseActionType(req.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Resource == "" {
		writeError(w, http.StatusBadRequest, "resource required")
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "payload required")
		return
	}

	a := s.deps.Queue.Enqueue(r.Context(), t, req.Resource, req.Payload)
	if a.ID == "" {
		writeError(w, http.StatusBadRequest, "payload is not valid JSON")
		return
	}
	writeJSON(w, http.StatusAccepted, a)
}

// handleClearQueue drops every queued action.
func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	n := s.deps.Queue.Size()
	s.deps.Queue.Clear(r.Context())
	s.logger.Info("offline queue cleared over API", "dropped", n)
	writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": n})
}

// handleDrain runs a drain pass now.
func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Queue.Drain(r.Context())
	switch {
	case errors.Is(err, offline.ErrOffline):
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error":   err.Error(),
			"summary": summary,
		})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":   err.Error(),
			"summary": summary,
		})
	default:
		writeJSON(w, http.StatusOK, summary)
	}
}
