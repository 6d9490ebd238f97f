package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/appejv/storesync/internal/optimistic"
	"github.com/appejv/storesync/internal/security"
)

const streamWriteTimeout = 10 * time.Second

// StreamFrame is one message on /api/updates/stream.
type StreamFrame struct {
	Type    string                               `json:"type"` // "snapshot"
	Updates []optimistic.Update[json.RawMessage] `json:"updates"`
	Online  bool                                 `json:"online"`
	Queue   int                                  `json:"queue_depth"`
}

// handleUpdateStream upgrades to a websocket and pushes the full update list
// after every change. Slow clients only ever see the latest snapshot.
func (s *Server) handleUpdateStream(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeStream(w, r) {
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream ended")

	// Clients never send; CloseRead handles pings and notices disconnects.
	ctx := conn.CloseRead(r.Context())

	latest := make(chan []optimistic.Update[json.RawMessage], 1)
	push := func(updates []optimistic.Update[json.RawMessage]) {
		for {
			select {
			case latest <- updates:
				return
			default:
			}
			select {
			case <-latest:
			default:
			}
		}
	}
	unsubscribe := s.deps.Updates.Subscribe(push)
	defer unsubscribe()
	push(s.deps.Updates.All())

	s.logger.Info("update stream connected", "remote", r.RemoteAddr)
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("update stream closed", "error", ctx.Err())
			return
		case updates := <-latest:
			if err := s.sendFrame(ctx, conn, updates); err != nil {
				s.logger.Debug("update stream write failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) sendFrame(ctx context.Context, conn *websocket.Conn, updates []optimistic.Update[json.RawMessage]) error {
	frame := StreamFrame{Type: "snapshot", Updates: updates}
	if q := s.deps.Queue; q != nil {
		frame.Online = q.IsOnline()
		frame.Queue = q.Size()
	}
	if frame.Updates == nil {
		frame.Updates = []optimistic.Update[json.RawMessage]{}
	}

	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, frame)
}

// authorizeStream accepts a token from ?token= or the Authorization header.
func (s *Server) authorizeStream(w http.ResponseWriter, r *http.Request) bool {
	if s.jwtSecret == nil {
		return true
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing token")
		return false
	}
	claims, err := security.ValidateToken(token, s.jwtSecret)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return false
	}
	if !security.CheckPermission(claims.Role, r.Method, r.URL.Path) {
		writeError(w, http.StatusForbidden, "insufficient permissions")
		return false
	}
	return true
}
