package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// sessionFromRequest derives the agent session, preferring the URL path
// segment (some drivers cannot send custom headers on a CDP websocket) and
// falling back to the session header, then the default.
func sessionFromRequest(req *http.Request) (string, error) {
	s := chi.URLParam(req, "session")
	if s == "" {
		s = req.Header.Get(SessionHeader)
	}
	if s == "" {
		s = DefaultSession
	}
	if strings.Contains(s, ":") {
		return "", fmt.Errorf("session must not contain a colon")
	}
	return s, nil
}

// HandleClientWS accepts one automation client socket and pumps its CDP
// commands until it disconnects. Client disconnect never tears down targets
// or the extension.
func (r *Relay) HandleClientWS(w http.ResponseWriter, req *http.Request) {
	agentSession, err := sessionFromRequest(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		r.logger.Error("client websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(100 * 1024 * 1024)

	c := &client{
		id:           uuid.NewString(),
		session:      agentSession,
		conn:         conn,
		knownTargets: make(map[string]struct{}),
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "relay stopped")
		return
	}
	if _, dup := r.clients[c.id]; dup {
		r.mu.Unlock()
		_ = conn.Close(websocket.StatusPolicyViolation, "duplicate client id")
		return
	}
	r.clients[c.id] = c
	r.sessionLocked(agentSession).clientIDs[c.id] = struct{}{}
	r.mu.Unlock()

	r.logger.Info("client connected", "client", c.id, "session", agentSession)

	ctx := req.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}

		var cmd cdpRequest
		if err := json.Unmarshal(data, &cmd); err != nil {
			r.writeParseError(ctx, conn)
			_ = conn.Close(websocket.StatusInvalidFramePayloadData, "parse error")
			break
		}
		r.handleClientCommand(ctx, c, &cmd)
	}

	r.mu.Lock()
	delete(r.clients, c.id)
	if s, ok := r.sessions[agentSession]; ok {
		delete(s.clientIDs, c.id)
	}
	r.mu.Unlock()
	r.logger.Info("client disconnected", "client", c.id)
}
