// Package chromedebug implements extension.Browser over a browser-level
// Chrome DevTools websocket. It stands in for the chrome.* APIs when the
// relay is driven by the headless agent instead of a real extension.
//
// Chrome exposes no tab-group surface over CDP, so groups are emulated with
// local bookkeeping persisted through the same Storage the session registry
// uses.
package chromedebug

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/devbrowser/relay/lib/extension"
)

const callTimeout = 30 * time.Second

type cdpMessage struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *cdpError       `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type callResult struct {
	result json.RawMessage
	err    error
}

// tabRecord is the client's stand-in for a chrome.tabs tab. Tab ids are
// minted locally; the stable handle on Chrome's side is the target id.
type tabRecord struct {
	id       int
	targetID string
	url      string
	title    string
}

// Client drives one Chrome instance over its browser-level websocket.
type Client struct {
	logger *slog.Logger
	wsURL  string

	msgID  atomic.Int64
	stopCh chan struct{}

	mu           sync.Mutex
	conn         *websocket.Conn
	pendingCalls map[int64]chan callResult

	nextTabID int
	tabs      map[int]*tabRecord
	byTarget  map[string]int
	active    int

	primary   map[int]string // tabID -> primary CDP session
	byPrimary map[string]int
	children  map[string]int // child CDP session -> tabID

	groups *groupStore

	eventFn  extension.DebuggerEventFunc
	detachFn extension.DetachFunc
}

// ResolveWebSocketURL asks a Chrome debug HTTP endpoint for its browser
// websocket URL.
func ResolveWebSocketURL(ctx context.Context, httpURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpURL+"/json/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("query %s/json/version: %w", httpURL, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	wsURL := gjson.GetBytes(body, "webSocketDebuggerUrl").String()
	if wsURL == "" {
		return "", fmt.Errorf("no webSocketDebuggerUrl in /json/version response")
	}
	return wsURL, nil
}

func New(wsURL string, storage extension.Storage, logger *slog.Logger) *Client {
	return &Client{
		logger:       logger,
		wsURL:        wsURL,
		stopCh:       make(chan struct{}),
		pendingCalls: make(map[int64]chan callResult),
		nextTabID:    1,
		tabs:         make(map[int]*tabRecord),
		byTarget:     make(map[string]int),
		primary:      make(map[int]string),
		byPrimary:    make(map[string]int),
		children:     make(map[string]int),
		groups:       newGroupStore(storage),
	}
}

// Connect dials Chrome, enables target discovery, and adopts the page
// targets that already exist.
func (c *Client) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}
	conn.SetReadLimit(100 * 1024 * 1024)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(ctx)

	if _, err := c.call(ctx, "Target.setDiscoverTargets", map[string]bool{"discover": true}, ""); err != nil {
		c.Close()
		return fmt.Errorf("enable target discovery: %w", err)
	}
	if err := c.adoptExistingTargets(ctx); err != nil {
		c.Close()
		return err
	}
	c.groups.load()
	return nil
}

// Close shuts the websocket down. Pending calls fail through the stop
// channel.
func (c *Client) Close() {
	select {
	case <-c.stopCh:
		return
	default:
	}
	close(c.stopCh)
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "client closing")
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Client) adoptExistingTargets(ctx context.Context) error {
	raw, err := c.call(ctx, "Target.getTargets", nil, "")
	if err != nil {
		return fmt.Errorf("list targets: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range gjson.GetBytes(raw, "targetInfos").Array() {
		if t.Get("type").String() != "page" {
			continue
		}
		c.recordTargetLocked(t.Get("targetId").String(), t.Get("url").String(), t.Get("title").String())
	}
	return nil
}

func (c *Client) recordTargetLocked(targetID, url, title string) *tabRecord {
	if id, ok := c.byTarget[targetID]; ok {
		rec := c.tabs[id]
		rec.url = url
		rec.title = title
		return rec
	}
	rec := &tabRecord{id: c.nextTabID, targetID: targetID, url: url, title: title}
	c.nextTabID++
	c.tabs[rec.id] = rec
	c.byTarget[targetID] = rec.id
	return rec
}

// call issues one CDP command and waits for its response.
func (c *Client) call(ctx context.Context, method string, params any, sessionID string) (json.RawMessage, error) {
	id := c.msgID.Add(1)

	var paramsRaw json.RawMessage
	if params != nil {
		var err error
		paramsRaw, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
	}
	data, err := json.Marshal(cdpMessage{ID: id, Method: method, Params: paramsRaw, SessionID: sessionID})
	if err != nil {
		return nil, fmt.Errorf("marshal CDP message: %w", err)
	}

	resultCh := make(chan callResult, 1)
	c.mu.Lock()
	c.pendingCalls[id] = resultCh
	conn := c.conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pendingCalls, id)
		c.mu.Unlock()
	}()

	if conn == nil {
		return nil, fmt.Errorf("chrome connection closed")
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("write CDP: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultCh:
		return res.result, res.err
	case <-time.After(callTimeout):
		return nil, fmt.Errorf("CDP call timed out: %s", method)
	case <-c.stopCh:
		return nil, fmt.Errorf("chrome client stopped")
	}
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			select {
			case <-c.stopCh:
			case <-ctx.Done():
			default:
				c.logger.Error("chrome read error", "err", err)
			}
			return
		}

		var msg cdpMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Error("chrome unmarshal error", "err", err)
			continue
		}

		if msg.ID > 0 {
			c.mu.Lock()
			ch, ok := c.pendingCalls[msg.ID]
			c.mu.Unlock()
			if ok {
				if msg.Error != nil {
					ch <- callResult{err: fmt.Errorf("%s", msg.Error.Message)}
				} else {
					ch <- callResult{result: msg.Result}
				}
			}
			continue
		}

		c.handleEvent(&msg)
	}
}

// handleEvent routes a spontaneous CDP message either to the local tab
// bookkeeping (browser-level Target events) or to the installed debugger
// event handler (session-scoped events).
func (c *Client) handleEvent(msg *cdpMessage) {
	if msg.SessionID != "" {
		c.handleSessionEvent(msg)
		return
	}

	switch msg.Method {
	case "Target.targetCreated", "Target.targetInfoChanged":
		info := gjson.GetBytes(msg.Params, "targetInfo")
		if info.Get("type").String() != "page" {
			return
		}
		c.mu.Lock()
		rec := c.recordTargetLocked(info.Get("targetId").String(), info.Get("url").String(), info.Get("title").String())
		_, attached := c.primary[rec.id]
		tabID := rec.id
		c.mu.Unlock()
		// An attached tab's info changes surface as debugger events so the
		// relay sees URL and title updates.
		if msg.Method == "Target.targetInfoChanged" && attached {
			c.emitDebuggerEvent(tabID, msg.Method, msg.Params, "")
		}
	case "Target.targetDestroyed":
		targetID := gjson.GetBytes(msg.Params, "targetId").String()
		c.mu.Lock()
		tabID, ok := c.byTarget[targetID]
		if ok {
			c.forgetTabLocked(tabID)
		}
		_, wasAttached := c.primary[tabID]
		c.dropAttachmentLocked(tabID)
		c.mu.Unlock()
		if ok && wasAttached {
			c.emitDetach(tabID, "target_closed")
		}
	case "Target.detachedFromTarget":
		sid := gjson.GetBytes(msg.Params, "sessionId").String()
		c.mu.Lock()
		tabID, ok := c.byPrimary[sid]
		if ok {
			c.dropAttachmentLocked(tabID)
		}
		c.mu.Unlock()
		if ok {
			c.emitDetach(tabID, "canceled_by_user")
		}
	}
}

// handleSessionEvent delivers a flattened-session event to the right tab.
// Events on a tab's primary session go out with no session id; child-session
// events keep theirs.
func (c *Client) handleSessionEvent(msg *cdpMessage) {
	c.mu.Lock()
	tabID, isPrimary := c.byPrimary[msg.SessionID]
	if !isPrimary {
		tabID = c.children[msg.SessionID]
	}

	// Track child sessions announced on a primary session.
	if isPrimary {
		switch msg.Method {
		case "Target.attachedToTarget":
			if sid := gjson.GetBytes(msg.Params, "sessionId").String(); sid != "" {
				c.children[sid] = tabID
			}
		case "Target.detachedFromTarget":
			if sid := gjson.GetBytes(msg.Params, "sessionId").String(); sid != "" {
				delete(c.children, sid)
			}
		}
	}
	c.mu.Unlock()

	if tabID == 0 {
		return
	}
	outSid := msg.SessionID
	if isPrimary {
		outSid = ""
	}
	c.emitDebuggerEvent(tabID, msg.Method, msg.Params, outSid)
}

func (c *Client) emitDebuggerEvent(tabID int, method string, params json.RawMessage, sessionID string) {
	c.mu.Lock()
	fn := c.eventFn
	c.mu.Unlock()
	if fn != nil {
		fn(tabID, method, params, sessionID)
	}
}

func (c *Client) emitDetach(tabID int, reason string) {
	c.mu.Lock()
	fn := c.detachFn
	c.mu.Unlock()
	if fn != nil {
		fn(tabID, reason)
	}
}

func (c *Client) forgetTabLocked(tabID int) {
	rec, ok := c.tabs[tabID]
	if !ok {
		return
	}
	delete(c.tabs, tabID)
	delete(c.byTarget, rec.targetID)
	c.groups.forgetTarget(rec.targetID)
}

func (c *Client) dropAttachmentLocked(tabID int) {
	sid, ok := c.primary[tabID]
	if !ok {
		return
	}
	delete(c.primary, tabID)
	delete(c.byPrimary, sid)
	for child, parent := range c.children {
		if parent == tabID {
			delete(c.children, child)
		}
	}
}
