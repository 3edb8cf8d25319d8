package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/devbrowser/relay/lib/pagestore"
)

// graceEntry records a named page whose target detached; the name survives
// until the grace timer fires unless the same target reattaches first.
type graceEntry struct {
	key   string
	owner string
}

// HandleExtensionWS accepts the extension's long-lived socket. A second
// extension connection replaces the first: the old socket is closed with
// StatusExtensionReplaced so it stands down instead of reconnecting.
func (r *Relay) HandleExtensionWS(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		r.logger.Error("extension websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(100 * 1024 * 1024)

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "relay stopped")
		return
	}
	r.extGen++
	gen := r.extGen
	old := r.ext
	r.ext = &extensionConn{conn: conn, gen: gen}
	if r.recoveryTimer != nil {
		r.recoveryTimer.Stop()
	}
	r.recoveryTimer = time.AfterFunc(r.cfg.RecoveryDelay, func() {
		r.runRecovery(gen)
	})
	r.mu.Unlock()

	if old != nil {
		r.logger.Info("extension replaced by newer connection")
		_ = old.conn.Close(StatusExtensionReplaced, "Extension Replaced")
	}
	r.logger.Info("extension connected")

	r.extensionReadLoop(req.Context(), conn, gen)
	r.dropExtension(gen)
}

func (r *Relay) extensionReadLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			r.logger.Info("extension disconnected", "err", err)
			return
		}

		var msg extMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			r.logger.Warn("extension sent malformed JSON; closing", "err", err)
			r.writeParseError(ctx, conn)
			_ = conn.Close(websocket.StatusInvalidFramePayloadData, "parse error")
			return
		}

		switch {
		case msg.ID != 0:
			r.resolvePending(msg.ID, msg.Result, msg.Error)
		case msg.Method == "forwardCDPEvent":
			var evt forwardedEvent
			if err := json.Unmarshal(msg.Params, &evt); err != nil {
				r.logger.Warn("bad forwardCDPEvent payload", "err", err)
				continue
			}
			r.handleExtensionEvent(&evt, msg.AgentSession)
		case msg.Method == "log":
			r.relayExtensionLog(msg.Params)
		default:
			// Unknown spontaneous message; ignore.
		}
	}
}

func (r *Relay) writeParseError(ctx context.Context, conn *websocket.Conn) {
	data, _ := json.Marshal(cdpResponse{
		ID:    nil,
		Error: &cdpError{Code: parseErrorCode, Message: "Parse error"},
	})
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_ = conn.Write(wctx, websocket.MessageText, data)
}

// dropExtension clears extension-derived state. The generation check keeps a
// stale socket's exit from clobbering a newer adopted connection.
func (r *Relay) dropExtension(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ext == nil || r.ext.gen != gen {
		return
	}
	r.ext = nil
	if r.recoveryTimer != nil {
		r.recoveryTimer.Stop()
		r.recoveryTimer = nil
	}
	for id, p := range r.pending {
		p.ch <- extResult{err: fmt.Errorf("extension disconnected")}
		delete(r.pending, id)
	}
	// Named pages and session membership survive; recovery rebuilds the
	// target bindings when the extension comes back.
	r.connectedTargets = make(map[string]*ConnectedTarget)
	r.targetToAgentSession = make(map[string]string)
}

func (r *Relay) resolvePending(id int64, result json.RawMessage, errMsg string) {
	r.mu.Lock()
	p, ok := r.pending[id]
	delete(r.pending, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	if errMsg != "" {
		p.ch <- extResult{err: fmt.Errorf("%s", errMsg)}
	} else {
		p.ch <- extResult{result: result}
	}
}

// sendToExtension forwards one command and waits for the matching response,
// bounded by the configured round-trip timeout. Nothing is retried here.
func (r *Relay) sendToExtension(ctx context.Context, method string, params any) (json.RawMessage, error) {
	r.mu.Lock()
	if r.ext == nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("Extension not connected")
	}
	conn := r.ext.conn
	r.nextID++
	id := r.nextID
	p := &pendingCall{ch: make(chan extResult, 1)}
	r.pending[id] = p
	r.commandsForwarded++
	r.mu.Unlock()

	data, err := json.Marshal(extCommand{ID: id, Method: method, Params: params})
	if err != nil {
		r.abandonPending(id)
		return nil, fmt.Errorf("marshal extension command: %w", err)
	}

	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = conn.Write(wctx, websocket.MessageText, data)
	cancel()
	if err != nil {
		r.abandonPending(id)
		return nil, fmt.Errorf("write to extension: %w", err)
	}

	select {
	case res := <-p.ch:
		return res.result, res.err
	case <-ctx.Done():
		r.abandonPending(id)
		return nil, ctx.Err()
	case <-time.After(r.cfg.ExtensionTimeout):
		r.abandonPending(id)
		return nil, fmt.Errorf("extension request timed out: %s", method)
	}
}

func (r *Relay) abandonPending(id int64) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// relayExtensionLog re-emits an extension log message through slog.
func (r *Relay) relayExtensionLog(params json.RawMessage) {
	var p logEventParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	level := slog.LevelInfo
	switch strings.ToLower(p.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	r.logger.Log(context.Background(), level, "extension", "args", p.Args)
}

// handleExtensionEvent dispatches one forwarded CDP event, updating the
// relay's registries before delivering the event to the owning session's
// clients (or broadcasting if the target is unclaimed).
func (r *Relay) handleExtensionEvent(evt *forwardedEvent, agentSession string) {
	switch evt.Method {
	case "Target.attachedToTarget":
		r.handleTargetAttached(evt, agentSession)
	case "Target.detachedFromTarget":
		r.handleTargetDetached(evt)
	case "Target.targetInfoChanged":
		r.handleTargetInfoChanged(evt)
	default:
		r.mu.Lock()
		owner := r.targetToAgentSession[evt.SessionID]
		r.mu.Unlock()
		r.deliverEvent(owner, &cdpEvent{
			Method:    evt.Method,
			Params:    evt.Params,
			SessionID: evt.SessionID,
		}, "")
	}
}

func (r *Relay) handleTargetAttached(evt *forwardedEvent, agentSession string) {
	var p attachedEventParams
	if err := json.Unmarshal(evt.Params, &p); err != nil || p.SessionID == "" {
		return
	}
	p.TargetInfo.Attached = true
	target := &ConnectedTarget{
		CDPSessionID: p.SessionID,
		TargetID:     p.TargetInfo.TargetID,
		TabID:        p.TabID,
		Info:         p.TargetInfo,
	}

	r.mu.Lock()
	r.connectedTargets[p.SessionID] = target
	if agentSession != "" {
		r.targetToAgentSession[p.SessionID] = agentSession
		r.sessionLocked(agentSession).targetSessions[p.SessionID] = struct{}{}
	}

	// A reattach within the grace window rebinds the surviving page name to
	// the fresh CDP session id.
	if t, ok := r.graceTimers[target.TargetID]; ok {
		t.Stop()
		delete(r.graceTimers, target.TargetID)
		if ge, ok := r.graceEntries[target.TargetID]; ok {
			delete(r.graceEntries, target.TargetID)
			r.namedPages[ge.key] = p.SessionID
			if ge.owner != "" {
				r.targetToAgentSession[p.SessionID] = ge.owner
				r.sessionLocked(ge.owner).targetSessions[p.SessionID] = struct{}{}
			}
			if entry, ok := r.persisted[ge.key]; ok {
				entry.TargetID = target.TargetID
				entry.LastSeen = time.Now().UnixMilli()
				r.persisted[ge.key] = entry
				r.schedulePersistSave()
			}
		}
	}

	owner := r.targetToAgentSession[p.SessionID]

	// Let any POST /pages blocked on this target proceed.
	for _, ch := range r.attachWaiters[target.TargetID] {
		ch <- *target
	}
	delete(r.attachWaiters, target.TargetID)
	r.mu.Unlock()

	r.deliverEvent(owner, &cdpEvent{
		Method: "Target.attachedToTarget",
		Params: map[string]any{
			"sessionId":          p.SessionID,
			"targetInfo":         p.TargetInfo,
			"waitingForDebugger": false,
		},
	}, target.TargetID)
}

func (r *Relay) handleTargetDetached(evt *forwardedEvent) {
	var p detachedEventParams
	if err := json.Unmarshal(evt.Params, &p); err != nil || p.SessionID == "" {
		return
	}

	r.mu.Lock()
	target := r.connectedTargets[p.SessionID]
	delete(r.connectedTargets, p.SessionID)
	owner := r.targetToAgentSession[p.SessionID]
	delete(r.targetToAgentSession, p.SessionID)
	if owner != "" {
		if s, ok := r.sessions[owner]; ok {
			delete(s.targetSessions, p.SessionID)
		}
	}

	// Reverse scan for the named page bound to this CDP session. The name
	// is not removed yet: cross-origin navigation detaches and reattaches
	// under the same targetId, so removal waits out the grace window.
	var key string
	for k, sid := range r.namedPages {
		if sid == p.SessionID {
			key = k
			break
		}
	}
	if key != "" && target != nil {
		tid := target.TargetID
		if prev, ok := r.graceTimers[tid]; ok {
			prev.Stop()
		}
		r.graceEntries[tid] = graceEntry{key: key, owner: owner}
		r.graceTimers[tid] = time.AfterFunc(r.cfg.DetachGrace, func() {
			r.expireGrace(tid)
		})
	}
	r.mu.Unlock()

	r.deliverEvent(owner, &cdpEvent{
		Method: "Target.detachedFromTarget",
		Params: evt.Params,
	}, "")
}

// expireGrace removes a named page whose target detached and never came back.
func (r *Relay) expireGrace(targetID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ge, ok := r.graceEntries[targetID]
	if !ok {
		return
	}
	delete(r.graceEntries, targetID)
	delete(r.graceTimers, targetID)
	delete(r.namedPages, ge.key)
	delete(r.persisted, ge.key)
	if ge.owner != "" {
		if s, ok := r.sessions[ge.owner]; ok {
			delete(s.pageNames, pageNameFromKey(ge.key))
		}
	}
	r.schedulePersistSave()
	r.logger.Info("page name expired after detach", "key", ge.key)
}

func (r *Relay) handleTargetInfoChanged(evt *forwardedEvent) {
	var p targetInfoChangedParams
	if err := json.Unmarshal(evt.Params, &p); err != nil || p.TargetInfo.TargetID == "" {
		return
	}

	r.mu.Lock()
	var ownerSid string
	for sid, t := range r.connectedTargets {
		if t.TargetID == p.TargetInfo.TargetID {
			t.Info.URL = p.TargetInfo.URL
			t.Info.Title = p.TargetInfo.Title
			ownerSid = sid
		}
	}
	if ownerSid != "" {
		for key, sid := range r.namedPages {
			if sid != ownerSid {
				continue
			}
			if entry, ok := r.persisted[key]; ok {
				entry.URL = p.TargetInfo.URL
				entry.LastSeen = time.Now().UnixMilli()
				r.persisted[key] = entry
				r.schedulePersistSave()
			}
		}
	}
	owner := r.targetToAgentSession[ownerSid]
	r.mu.Unlock()

	r.deliverEvent(owner, &cdpEvent{
		Method:    evt.Method,
		Params:    evt.Params,
		SessionID: evt.SessionID,
	}, "")
}

// pageNameFromKey strips the "<session>:" prefix from a page key.
func pageNameFromKey(key string) string {
	if i := strings.Index(key, ":"); i >= 0 {
		return key[i+1:]
	}
	return key
}

// upsertPersisted records or refreshes the durable entry for a named page.
func (r *Relay) upsertPersistedLocked(key string, target *ConnectedTarget) {
	r.persisted[key] = pagestore.Entry{
		Key:      key,
		TargetID: target.TargetID,
		TabID:    target.TabID,
		URL:      target.Info.URL,
		LastSeen: time.Now().UnixMilli(),
	}
}
