package relay

import "encoding/json"

// Close code sent to a stale extension socket when a newer extension instance
// connects. The extension must not reconnect after seeing it.
const StatusExtensionReplaced = 4001

// Sentinel session id returned by Target.attachToBrowserTarget. The relay has
// no real browser-level session; drivers only need a stable handle.
const browserSessionID = "browser"

// SessionHeader carries the agent session on HTTP requests and on client
// websocket upgrades. Drivers that cannot set headers encode the session as a
// trailing path segment instead.
const SessionHeader = "X-DevBrowser-Session"

// DefaultSession is used when a client names no agent session.
const DefaultSession = "default"

// cdpRequest is a CDP command arriving from an automation client.
type cdpRequest struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// cdpResponse is the relay's reply to a cdpRequest.
type cdpResponse struct {
	ID        *int64    `json:"id"`
	SessionID string    `json:"sessionId,omitempty"`
	Result    any       `json:"result,omitempty"`
	Error     *cdpError `json:"error,omitempty"`
}

type cdpError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// cdpEvent is a spontaneous CDP event delivered to clients.
type cdpEvent struct {
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// JSON-RPC parse error code, sent before closing a socket that delivered
// something that is not JSON.
const parseErrorCode = -32700

// extCommand is a command the relay sends to the extension.
type extCommand struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// forwardParams wraps a client CDP command for transport to the extension.
type forwardParams struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// extMessage is anything arriving on the extension socket: a response keyed
// by id, a forwarded CDP event, or a log message.
type extMessage struct {
	ID           int64           `json:"id,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	Method       string          `json:"method,omitempty"`
	Params       json.RawMessage `json:"params,omitempty"`
	AgentSession string          `json:"_agentSession,omitempty"`
}

// forwardedEvent is the params payload of a forwardCDPEvent message.
type forwardedEvent struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// logEventParams is the params payload of a log message from the extension.
type logEventParams struct {
	Level string `json:"level"`
	Args  []any  `json:"args"`
}

// TargetInfo mirrors the CDP Target.TargetInfo shape the relay tracks.
type TargetInfo struct {
	TargetID         string `json:"targetId"`
	Type             string `json:"type"`
	Title            string `json:"title"`
	URL              string `json:"url"`
	Attached         bool   `json:"attached"`
	BrowserContextID string `json:"browserContextId,omitempty"`
}

// ConnectedTarget is a tab the extension currently holds a debugger on.
type ConnectedTarget struct {
	CDPSessionID string
	TargetID     string
	TabID        int
	Info         TargetInfo
}

// attachedEventParams is the payload of Target.attachedToTarget from the
// extension, which also carries the extension-side tab id.
type attachedEventParams struct {
	SessionID          string     `json:"sessionId"`
	TargetInfo         TargetInfo `json:"targetInfo"`
	WaitingForDebugger bool       `json:"waitingForDebugger"`
	TabID              int        `json:"tabId,omitempty"`
}

// detachedEventParams is the payload of Target.detachedFromTarget.
type detachedEventParams struct {
	SessionID string `json:"sessionId"`
	TargetID  string `json:"targetId,omitempty"`
}

// targetInfoChangedParams is the payload of Target.targetInfoChanged.
type targetInfoChangedParams struct {
	TargetInfo TargetInfo `json:"targetInfo"`
}
