package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meridianworks/worldsync/internal/auth"
	"github.com/meridianworks/worldsync/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// inboundFrame is the union of all client-to-server frames.
type inboundFrame struct {
	Type      string `json:"type"`
	SentAt    int64  `json:"sentAt,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Query     string `json:"query,omitempty"`
	Params    []any  `json:"params,omitempty"`
}

type sessionFrame struct {
	Type      string `json:"type"`
	AgentID   string `json:"agentId"`
	SessionID string `json:"sessionId"`
}

type heartbeatFrame struct {
	Type       string `json:"type"`
	ServerTime int64  `json:"serverTime"`
	ClientTime int64  `json:"clientTime,omitempty"`
}

type queryResultFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Result    json.RawMessage `json:"result"`
}

type wsErrorFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Error     string `json:"error"`
}

// handleSync handles GET /v1/sync. Credentials travel as query parameters
// and are checked before the upgrade, so rejected clients get plain HTTP
// status codes instead of a doomed WebSocket handshake.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	provider := r.URL.Query().Get("provider")
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing token")
		return
	}
	if provider == "" {
		writeError(w, http.StatusUnauthorized, "missing provider")
		return
	}

	identity, err := s.gateway.Authenticate(r.Context(), provider, token)
	if err != nil {
		if authFailure(err) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		s.logger.Error("sync authentication failed", "provider", provider, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "session", identity.SessionID, "error", err)
		return
	}

	s.publishSessionStarted(r.Context(), identity, provider)

	// No broadcasts can reach this socket before registration, so writing
	// directly here guarantees the session frame arrives first.
	if err := sock.WriteJSON(sessionFrame{
		Type:      "session",
		AgentID:   identity.AgentID,
		SessionID: identity.SessionID,
	}); err != nil {
		s.logger.Warn("write session frame", "session", identity.SessionID, "error", err)
		sock.Close()
		return
	}

	conn, err := s.sessions.Register(r.Context(), identity.SessionID, identity.AgentID, sock)
	if err != nil {
		s.logger.Error("register connection", "session", identity.SessionID, "error", err)
		sock.Close()
		return
	}

	s.readLoop(r.Context(), conn, sock)
}

// readLoop processes inbound frames until the client disconnects or the
// session becomes invalid.
func (s *Server) readLoop(ctx context.Context, conn *session.Conn, sock *websocket.Conn) {
	defer s.sessions.Unregister(ctx, conn, "")

	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			return
		}
		conn.MarkActive(time.Now())

		// Every inbound frame refreshes the session row, not just
		// heartbeats, so a query-only client never goes stale.
		if err := s.gateway.Touch(ctx, conn.SessionID()); err != nil {
			if errors.Is(err, auth.ErrSessionInvalid) {
				s.sessions.Unregister(ctx, conn, "session invalid")
				return
			}
			s.logger.Warn("touch session", "session", conn.SessionID(), "error", err)
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			_ = conn.WriteJSON(wsErrorFrame{Type: "error", Error: "malformed frame"})
			continue
		}

		switch frame.Type {
		case "heartbeat":
			_ = conn.WriteJSON(heartbeatFrame{
				Type:       "heartbeat",
				ServerTime: time.Now().UnixMilli(),
				ClientTime: frame.SentAt,
			})
		case "query":
			// Queries run off the read loop so a slow one cannot stall
			// heartbeats.
			go s.handleQuery(ctx, conn, frame)
		case "logout":
			if err := s.gateway.End(ctx, conn.SessionID()); err != nil {
				s.logger.Warn("end session", "session", conn.SessionID(), "error", err)
			}
			s.sessions.Unregister(ctx, conn, "logout")
			return
		default:
			_ = conn.WriteJSON(wsErrorFrame{Type: "error", Error: "unknown frame type"})
		}
	}
}

func (s *Server) handleQuery(ctx context.Context, conn *session.Conn, frame inboundFrame) {
	if s.queries == nil {
		_ = conn.WriteJSON(wsErrorFrame{
			Type:      "error",
			RequestID: frame.RequestID,
			Error:     "query execution unavailable: no gateway configured",
		})
		return
	}

	result, err := s.queries.Execute(ctx, conn.AgentID(), frame.Query, frame.Params)
	if err != nil {
		_ = conn.WriteJSON(wsErrorFrame{
			Type:      "error",
			RequestID: frame.RequestID,
			Error:     err.Error(),
		})
		return
	}
	_ = conn.WriteJSON(queryResultFrame{
		Type:      "queryResult",
		RequestID: frame.RequestID,
		Result:    result,
	})
}
