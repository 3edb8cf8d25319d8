package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

// SendFunc delivers one JSON message to the relay. Installed by the
// connection manager once the socket is open.
type SendFunc func(ctx context.Context, msg any) error

// relayEvent is the envelope for a CDP event forwarded to the relay.
type relayEvent struct {
	Method       string           `json:"method"`
	Params       relayEventParams `json:"params"`
	AgentSession string           `json:"_agentSession,omitempty"`
}

type relayEventParams struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// Router dispatches commands arriving from the relay and forwards debugger
// events back, tagged with the owning agent session.
type Router struct {
	browser  Browser
	sessions *SessionRegistry
	tabs     *TabManager
	logger   *slog.Logger

	sendMu sync.Mutex
	send   SendFunc
}

func NewRouter(browser Browser, sessions *SessionRegistry, tabs *TabManager, logger *slog.Logger) *Router {
	rt := &Router{
		browser:  browser,
		sessions: sessions,
		tabs:     tabs,
		logger:   logger,
		send:     func(context.Context, any) error { return nil },
	}
	browser.OnDebuggerEvent(rt.handleDebuggerEvent)
	browser.OnDebuggerDetach(rt.handleDebuggerDetach)
	return rt
}

// SetSender installs the outgoing path to the relay. The connection manager
// re-installs it on every reconnect.
func (rt *Router) SetSender(send SendFunc) {
	rt.sendMu.Lock()
	defer rt.sendMu.Unlock()
	rt.send = send
}

func (rt *Router) sender() SendFunc {
	rt.sendMu.Lock()
	defer rt.sendMu.Unlock()
	return rt.send
}

// HandleCommand services one command from the relay and returns its result.
func (rt *Router) HandleCommand(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "getOrCreateSession":
		return rt.getOrCreateSession(ctx, params)
	case "closeSession":
		return rt.closeSession(ctx, params)
	case "getSessionTabs":
		return rt.getSessionTabs(ctx, params)
	case "createTab":
		return rt.createTab(ctx, params)
	case "closeTab":
		return rt.closeTab(ctx, params)
	case "getAvailableTargets":
		return rt.getAvailableTargets(ctx)
	case "attachToTab":
		return rt.attachToTab(ctx, params)
	case "forwardCDPCommand":
		return rt.forwardCDPCommand(ctx, params)
	default:
		return nil, fmt.Errorf("unknown command: %s", method)
	}
}

func (rt *Router) getOrCreateSession(ctx context.Context, params json.RawMessage) (any, error) {
	sessionID := gjson.GetBytes(params, "sessionId").String()
	if sessionID == "" {
		return nil, fmt.Errorf("sessionId is required")
	}
	binding, err := rt.sessions.GetOrCreateGroup(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	tabs, err := rt.sessions.SessionTabs(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"sessionId": binding.SessionID,
		"groupId":   binding.GroupID,
		"groupName": binding.GroupName,
		"tabs":      rt.joinAttachments(tabs),
	}, nil
}

func (rt *Router) closeSession(ctx context.Context, params json.RawMessage) (any, error) {
	sessionID := gjson.GetBytes(params, "sessionId").String()
	if sessionID == "" {
		return nil, fmt.Errorf("sessionId is required")
	}
	tabs, err := rt.sessions.SessionTabs(ctx, sessionID)
	if err == nil {
		for _, tab := range tabs {
			_ = rt.tabs.Detach(ctx, tab.ID, false)
		}
	}
	closed, err := rt.sessions.CloseSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"closed": closed}, nil
}

func (rt *Router) getSessionTabs(ctx context.Context, params json.RawMessage) (any, error) {
	sessionID := gjson.GetBytes(params, "sessionId").String()
	tabs, err := rt.sessions.SessionTabs(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tabs": rt.joinAttachments(tabs)}, nil
}

// joinAttachments decorates session tabs with their CDP identifiers where a
// debugger is attached.
func (rt *Router) joinAttachments(tabs []Tab) []map[string]any {
	out := make([]map[string]any, 0, len(tabs))
	for _, tab := range tabs {
		entry := map[string]any{
			"tabId":  tab.ID,
			"url":    tab.URL,
			"title":  tab.Title,
			"active": tab.Active,
		}
		if a, ok := rt.tabs.Get(tab.ID); ok {
			entry["targetId"] = a.TargetID
			entry["cdpSessionId"] = a.CDPSessionID
		}
		out = append(out, entry)
	}
	return out
}

// createTab makes a tab inside the agent session's group, attaches the
// debugger, and announces the new target to the relay before responding.
func (rt *Router) createTab(ctx context.Context, params json.RawMessage) (any, error) {
	url := gjson.GetBytes(params, "url").String()
	if url == "" {
		url = "about:blank"
	}
	sessionID := gjson.GetBytes(params, "sessionId").String()
	if sessionID == "" {
		return nil, fmt.Errorf("sessionId is required")
	}

	if _, err := rt.sessions.GetOrCreateGroup(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("resolve session group: %w", err)
	}
	tab, err := rt.browser.CreateTab(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("create tab: %w", err)
	}
	if err := rt.sessions.AddTabToSession(ctx, tab.ID, sessionID); err != nil {
		_ = rt.browser.RemoveTab(ctx, tab.ID)
		return nil, err
	}

	a, err := rt.tabs.AttachWithRetry(ctx, tab.ID)
	if err != nil {
		_ = rt.browser.RemoveTab(ctx, tab.ID)
		return nil, fmt.Errorf("attach to new tab: %w", err)
	}

	rt.announceAttachment(ctx, a, sessionID)
	return map[string]any{
		"tabId":        a.TabID,
		"targetId":     a.TargetID,
		"cdpSessionId": a.CDPSessionID,
	}, nil
}

func (rt *Router) closeTab(ctx context.Context, params json.RawMessage) (any, error) {
	tabID := int(gjson.GetBytes(params, "tabId").Int())
	if tabID == 0 {
		return nil, fmt.Errorf("tabId is required")
	}
	_ = rt.tabs.Detach(ctx, tabID, false)
	if err := rt.browser.RemoveTab(ctx, tabID); err != nil {
		return nil, fmt.Errorf("close tab %d: %w", tabID, err)
	}
	return map[string]any{}, nil
}

// getAvailableTargets lists tabs a debugger could be attached to. Chrome's
// own surfaces and extension pages are not debuggable and are filtered out.
func (rt *Router) getAvailableTargets(ctx context.Context) (any, error) {
	tabs, err := rt.browser.QueryTabs(ctx)
	if err != nil {
		return nil, fmt.Errorf("query tabs: %w", err)
	}
	out := make([]map[string]any, 0, len(tabs))
	for _, tab := range tabs {
		if !debuggableURL(tab.URL) {
			continue
		}
		out = append(out, map[string]any{
			"tabId": tab.ID,
			"url":   tab.URL,
			"title": tab.Title,
		})
	}
	return map[string]any{"targets": out}, nil
}

func debuggableURL(url string) bool {
	for _, prefix := range []string{"chrome://", "chrome-extension://", "devtools://", "edge://"} {
		if strings.HasPrefix(url, prefix) {
			return false
		}
	}
	return true
}

func (rt *Router) attachToTab(ctx context.Context, params json.RawMessage) (any, error) {
	tabID := int(gjson.GetBytes(params, "tabId").Int())
	if tabID == 0 {
		return nil, fmt.Errorf("tabId is required")
	}
	a, err := rt.tabs.Attach(ctx, tabID)
	if err != nil {
		return nil, err
	}
	agentSession, _ := rt.sessions.GetSessionForTab(ctx, tabID)
	rt.announceAttachment(ctx, a, agentSession)
	return map[string]any{
		"tabId":        a.TabID,
		"targetId":     a.TargetID,
		"cdpSessionId": a.CDPSessionID,
		"url":          a.Info.URL,
		"title":        a.Info.Title,
	}, nil
}

// forwardCDPCommand resolves the debuggee for a client CDP command and runs
// it. Resolution order: primary session id, child session id, explicit
// targetId in params. A handful of methods are intercepted because
// chrome.debugger cannot express them directly.
func (rt *Router) forwardCDPCommand(ctx context.Context, raw json.RawMessage) (any, error) {
	var fwd struct {
		Method    string          `json:"method"`
		Params    json.RawMessage `json:"params"`
		SessionID string          `json:"sessionId"`
	}
	if err := json.Unmarshal(raw, &fwd); err != nil {
		return nil, fmt.Errorf("parse forwarded command: %w", err)
	}

	switch fwd.Method {
	case "Target.closeTarget":
		return rt.interceptCloseTarget(ctx, fwd.Params)
	case "Target.activateTarget":
		return rt.interceptActivateTarget(ctx, fwd.Params)
	}

	tabID, childSid, err := rt.resolveDebuggee(fwd.SessionID, fwd.Params)
	if err != nil {
		return nil, err
	}

	if fwd.Method == "Runtime.enable" {
		// Chrome suppresses executionContextCreated on a repeat enable.
		// Cycling through disable makes the contexts replay for clients
		// that attach after the page loaded.
		_, _ = rt.browser.SendDebuggerCommand(ctx, tabID, "Runtime.disable", nil, childSid)
	}

	result, err := rt.browser.SendDebuggerCommand(ctx, tabID, fwd.Method, fwd.Params, childSid)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return map[string]any{}, nil
	}
	return result, nil
}

// resolveDebuggee maps a CDP session id (or a targetId in params) to the tab
// holding the debugger. childSid is non-empty only when the command addresses
// a child session of that tab. A session id that matches nothing (stale after
// a reattach minted a fresh one) still falls through to the targetId lookup.
func (rt *Router) resolveDebuggee(sid string, params json.RawMessage) (tabID int, childSid string, err error) {
	if sid != "" {
		if a, ok := rt.tabs.GetBySessionID(sid); ok {
			return a.TabID, "", nil
		}
		if parent, ok := rt.tabs.ParentTabForChild(sid); ok {
			return parent, sid, nil
		}
	}
	if tid := gjson.GetBytes(params, "targetId").String(); tid != "" {
		if a, ok := rt.tabs.GetByTargetID(tid); ok {
			return a.TabID, "", nil
		}
		return 0, "", fmt.Errorf("unknown target: %s", tid)
	}
	if sid != "" {
		return 0, "", fmt.Errorf("unknown CDP session: %s", sid)
	}
	return 0, "", fmt.Errorf("command names no session or target")
}

// interceptCloseTarget closes the tab through the tabs API; chrome.debugger
// rejects Target.closeTarget for its own debuggee.
func (rt *Router) interceptCloseTarget(ctx context.Context, params json.RawMessage) (any, error) {
	tid := gjson.GetBytes(params, "targetId").String()
	a, ok := rt.tabs.GetByTargetID(tid)
	if !ok {
		return nil, fmt.Errorf("unknown target: %s", tid)
	}
	_ = rt.tabs.Detach(ctx, a.TabID, false)
	if err := rt.browser.RemoveTab(ctx, a.TabID); err != nil {
		return nil, fmt.Errorf("close tab %d: %w", a.TabID, err)
	}
	return map[string]any{"success": true}, nil
}

func (rt *Router) interceptActivateTarget(ctx context.Context, params json.RawMessage) (any, error) {
	tid := gjson.GetBytes(params, "targetId").String()
	a, ok := rt.tabs.GetByTargetID(tid)
	if !ok {
		return nil, fmt.Errorf("unknown target: %s", tid)
	}
	if err := rt.browser.ActivateTab(ctx, a.TabID); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

// announceAttachment synthesizes the Target.attachedToTarget the relay keys
// its registries on. chrome.debugger emits no attach event for the primary
// session, so the extension fabricates one carrying the tab id.
func (rt *Router) announceAttachment(ctx context.Context, a *Attachment, agentSession string) {
	params, _ := json.Marshal(map[string]any{
		"sessionId":          a.CDPSessionID,
		"targetInfo":         a.Info,
		"waitingForDebugger": false,
		"tabId":              a.TabID,
	})
	evt := relayEvent{
		Method: "forwardCDPEvent",
		Params: relayEventParams{
			Method: "Target.attachedToTarget",
			Params: params,
		},
		AgentSession: agentSession,
	}
	if err := rt.sender()(ctx, evt); err != nil {
		rt.logger.Warn("announce attachment failed", "tab", a.TabID, "err", err)
	}
}

// ReannounceTargets replays attach events for every live attachment, used
// after the relay connection is re-established.
func (rt *Router) ReannounceTargets(ctx context.Context) {
	for _, a := range rt.tabs.Attachments() {
		agentSession, _ := rt.sessions.GetSessionForTab(ctx, a.TabID)
		rt.announceAttachment(ctx, a, agentSession)
	}
}

// handleDebuggerEvent forwards one spontaneous debugger event to the relay.
// Events for the primary session arrive from Chrome with no session id and
// get the minted one stamped on.
func (rt *Router) handleDebuggerEvent(tabID int, method string, params json.RawMessage, sessionID string) {
	ctx := context.Background()
	a, ok := rt.tabs.Get(tabID)
	if !ok {
		return
	}

	// Child sessions of this tab attach and detach under their own ids;
	// keep the routing index current.
	switch method {
	case "Target.attachedToTarget":
		if sid := gjson.GetBytes(params, "sessionId").String(); sid != "" {
			rt.tabs.TrackChildSession(sid, tabID)
		}
	case "Target.detachedFromTarget":
		if sid := gjson.GetBytes(params, "sessionId").String(); sid != "" {
			rt.tabs.UntrackChildSession(sid)
		}
	}

	outSid := sessionID
	if outSid == "" {
		outSid = a.CDPSessionID
	}
	agentSession, _ := rt.sessions.GetSessionForTab(ctx, tabID)

	evt := relayEvent{
		Method: "forwardCDPEvent",
		Params: relayEventParams{
			Method:    method,
			Params:    params,
			SessionID: outSid,
		},
		AgentSession: agentSession,
	}
	if err := rt.sender()(ctx, evt); err != nil {
		rt.logger.Debug("forward event failed", "tab", tabID, "method", method, "err", err)
	}
}

// handleDebuggerDetach tells the relay the tab's target is gone. There is no
// automatic reattach; the relay decides what survives the detach.
func (rt *Router) handleDebuggerDetach(tabID int, reason string) {
	a := rt.tabs.HandleDebuggerDetach(tabID, reason)
	if a == nil {
		return
	}
	params, _ := json.Marshal(map[string]string{
		"sessionId": a.CDPSessionID,
		"targetId":  a.TargetID,
	})
	evt := relayEvent{
		Method: "forwardCDPEvent",
		Params: relayEventParams{
			Method: "Target.detachedFromTarget",
			Params: params,
		},
	}
	if err := rt.sender()(context.Background(), evt); err != nil {
		rt.logger.Debug("forward detach failed", "tab", tabID, "err", err)
	}
}
