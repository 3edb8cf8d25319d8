package chromedebug

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/devbrowser/relay/lib/extension"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.Level(99)}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

type chromeCall struct {
	method    string
	params    gjson.Result
	sessionID string
}

// fakeChrome is a browser-level CDP endpoint with scripted responses.
type fakeChrome struct {
	srv      *httptest.Server
	handlers map[string]func(params gjson.Result) (any, string)

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	calls   []chromeCall
}

func newFakeChrome(t *testing.T) *fakeChrome {
	t.Helper()
	f := &fakeChrome{handlers: map[string]func(gjson.Result) (any, string){}}
	f.handlers["Target.getTargets"] = func(gjson.Result) (any, string) {
		return map[string]any{"targetInfos": []any{}}, ""
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		f.serve(conn)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeChrome) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeChrome) serve(conn *websocket.Conn) {
	ctx := context.Background()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		id := gjson.GetBytes(data, "id").Int()
		method := gjson.GetBytes(data, "method").String()

		f.mu.Lock()
		f.calls = append(f.calls, chromeCall{
			method:    method,
			params:    gjson.GetBytes(data, "params"),
			sessionID: gjson.GetBytes(data, "sessionId").String(),
		})
		handler := f.handlers[method]
		f.mu.Unlock()

		var resp map[string]any
		if handler != nil {
			result, errMsg := handler(gjson.GetBytes(data, "params"))
			if errMsg != "" {
				resp = map[string]any{"id": id, "error": map[string]any{"code": -32000, "message": errMsg}}
			} else {
				resp = map[string]any{"id": id, "result": result}
			}
		} else {
			resp = map[string]any{"id": id, "result": map[string]any{}}
		}
		out, _ := json.Marshal(resp)
		f.writeMu.Lock()
		_ = conn.Write(ctx, websocket.MessageText, out)
		f.writeMu.Unlock()
	}
}

func (f *fakeChrome) sendEvent(t *testing.T, method string, params any, sessionID string) {
	t.Helper()
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	require.NotNil(t, conn, "no connection from client yet")
	msg := map[string]any{"method": method, "params": params}
	if sessionID != "" {
		msg["sessionId"] = sessionID
	}
	out, err := json.Marshal(msg)
	require.NoError(t, err)
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, out))
}

func (f *fakeChrome) callsFor(method string) []chromeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []chromeCall
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

// servePage scripts a single existing page target plus its attach response.
func (f *fakeChrome) servePage(targetID, url, title string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers["Target.getTargets"] = func(gjson.Result) (any, string) {
		return map[string]any{"targetInfos": []any{
			map[string]any{"targetId": targetID, "type": "page", "url": url, "title": title},
			map[string]any{"targetId": "worker-1", "type": "service_worker", "url": "chrome-extension://x/bg.js"},
		}}, ""
	}
	f.handlers["Target.attachToTarget"] = func(params gjson.Result) (any, string) {
		return map[string]any{"sessionId": "sess-" + params.Get("targetId").String()}, ""
	}
}

type memStorage struct {
	mu   sync.Mutex
	data map[string]json.RawMessage
}

func newMemStorage() *memStorage { return &memStorage{data: map[string]json.RawMessage{}} }

func (s *memStorage) Get(key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *memStorage) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = raw
	return nil
}

type eventSink struct {
	mu      sync.Mutex
	events  []chromeCall
	detach  []string
	detachN []int
}

func (s *eventSink) onEvent(tabID int, method string, params json.RawMessage, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, chromeCall{method: method, params: gjson.ParseBytes(params), sessionID: sessionID})
}

func (s *eventSink) onDetach(tabID int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detach = append(s.detach, reason)
	s.detachN = append(s.detachN, tabID)
}

func (s *eventSink) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *eventSink) detachCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.detach)
}

func newTestClient(t *testing.T, f *fakeChrome, storage *memStorage) *Client {
	t.Helper()
	if storage == nil {
		storage = newMemStorage()
	}
	c := New(f.wsURL(), storage, silentLogger())
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Close)
	return c
}

func TestConnectAdoptsExistingPageTargets(t *testing.T) {
	f := newFakeChrome(t)
	f.servePage("t-1", "https://example.com", "Example")
	c := newTestClient(t, f, nil)

	tabs, err := c.QueryTabs(context.Background())
	require.NoError(t, err)
	require.Len(t, tabs, 1, "only page targets become tabs")
	assert.Equal(t, "https://example.com", tabs[0].URL)
	assert.Equal(t, "Example", tabs[0].Title)

	calls := f.callsFor("Target.setDiscoverTargets")
	require.Len(t, calls, 1)
	assert.True(t, calls[0].params.Get("discover").Bool())
}

func TestCreateTabMintsLocalIDs(t *testing.T) {
	f := newFakeChrome(t)
	f.mu.Lock()
	f.handlers["Target.createTarget"] = func(gjson.Result) (any, string) {
		return map[string]any{"targetId": "t-new"}, ""
	}
	f.mu.Unlock()
	c := newTestClient(t, f, nil)

	tab, err := c.CreateTab(context.Background(), "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, tab.ID)

	got, err := c.GetTab(context.Background(), tab.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", got.URL)
}

func TestAttachRoutesCommandsThroughPrimarySession(t *testing.T) {
	f := newFakeChrome(t)
	f.servePage("t-1", "https://example.com", "Example")
	c := newTestClient(t, f, nil)
	ctx := context.Background()

	require.NoError(t, c.AttachDebugger(ctx, 1))
	require.NoError(t, c.AttachDebugger(ctx, 1), "reattach is a no-op")
	assert.Len(t, f.callsFor("Target.attachToTarget"), 1)

	_, err := c.SendDebuggerCommand(ctx, 1, "Page.navigate", json.RawMessage(`{"url":"https://other.test"}`), "")
	require.NoError(t, err)
	navs := f.callsFor("Page.navigate")
	require.Len(t, navs, 1)
	assert.Equal(t, "sess-t-1", navs[0].sessionID)
	assert.Equal(t, "https://other.test", navs[0].params.Get("url").String())

	// A caller-supplied child session id passes through untouched.
	_, err = c.SendDebuggerCommand(ctx, 1, "Runtime.evaluate", json.RawMessage(`{"expression":"1"}`), "child-9")
	require.NoError(t, err)
	evals := f.callsFor("Runtime.evaluate")
	require.Len(t, evals, 1)
	assert.Equal(t, "child-9", evals[0].sessionID)
}

func TestSessionEventsRouteToHandler(t *testing.T) {
	f := newFakeChrome(t)
	f.servePage("t-1", "https://example.com", "Example")
	sink := &eventSink{}

	storage := newMemStorage()
	c := New(f.wsURL(), storage, silentLogger())
	c.OnDebuggerEvent(sink.onEvent)
	c.OnDebuggerDetach(sink.onDetach)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Close)

	require.NoError(t, c.AttachDebugger(context.Background(), 1))

	f.sendEvent(t, "Page.loadEventFired", map[string]any{"timestamp": 1.0}, "sess-t-1")
	waitForCondition(t, 3*time.Second, func() bool { return sink.eventCount() == 1 })
	sink.mu.Lock()
	assert.Equal(t, "Page.loadEventFired", sink.events[0].method)
	assert.Empty(t, sink.events[0].sessionID, "primary-session events carry no session id")
	sink.mu.Unlock()

	// A child attached on the primary session keeps its own session id.
	f.sendEvent(t, "Target.attachedToTarget", map[string]any{
		"sessionId":  "child-1",
		"targetInfo": map[string]any{"targetId": "iframe-1", "type": "iframe"},
	}, "sess-t-1")
	waitForCondition(t, 3*time.Second, func() bool { return sink.eventCount() == 2 })
	f.sendEvent(t, "Runtime.consoleAPICalled", map[string]any{"type": "log"}, "child-1")
	waitForCondition(t, 3*time.Second, func() bool { return sink.eventCount() == 3 })
	sink.mu.Lock()
	assert.Equal(t, "Runtime.consoleAPICalled", sink.events[2].method)
	assert.Equal(t, "child-1", sink.events[2].sessionID)
	sink.mu.Unlock()
}

func TestTargetDestroyedEmitsDetach(t *testing.T) {
	f := newFakeChrome(t)
	f.servePage("t-1", "https://example.com", "Example")
	sink := &eventSink{}

	c := New(f.wsURL(), newMemStorage(), silentLogger())
	c.OnDebuggerDetach(sink.onDetach)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Close)
	require.NoError(t, c.AttachDebugger(context.Background(), 1))

	f.sendEvent(t, "Target.targetDestroyed", map[string]any{"targetId": "t-1"}, "")
	waitForCondition(t, 3*time.Second, func() bool { return sink.detachCount() == 1 })
	sink.mu.Lock()
	assert.Equal(t, "target_closed", sink.detach[0])
	assert.Equal(t, 1, sink.detachN[0])
	sink.mu.Unlock()

	waitForCondition(t, 3*time.Second, func() bool {
		tabs, _ := c.QueryTabs(context.Background())
		return len(tabs) == 0
	})
}

func TestGroupEmulationSurvivesReconnect(t *testing.T) {
	f := newFakeChrome(t)
	f.servePage("t-1", "https://example.com", "Example")
	storage := newMemStorage()
	ctx := context.Background()

	c1 := New(f.wsURL(), storage, silentLogger())
	require.NoError(t, c1.Connect(ctx))

	gid, err := c1.GroupTabs(ctx, []int{1}, extension.GroupNone)
	require.NoError(t, err)
	require.NoError(t, c1.UpdateGroupTitle(ctx, gid, "Session 1"))

	groups, err := c1.ListGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "Session 1", groups[0].Title)
	c1.Close()

	// A fresh client over the same storage mints new tab ids but sees the same
	// group, since membership is keyed by target id.
	c2 := New(f.wsURL(), storage, silentLogger())
	require.NoError(t, c2.Connect(ctx))
	t.Cleanup(c2.Close)

	tab, err := c2.GetTab(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, gid, tab.GroupID)

	groups, err = c2.ListGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "Session 1", groups[0].Title)
}
