package extension

import (
	"context"
	"encoding/json"
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
)

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// fakeRelay accepts extension sockets the way the relay does and hands the
// test the live connection.
type fakeRelay struct {
	srv *httptest.Server

	mu          sync.Mutex
	conns       []*websocket.Conn
	probeStatus int
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	fr := &fakeRelay{probeStatus: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fr.mu.Lock()
		status := fr.probeStatus
		fr.mu.Unlock()
		w.WriteHeader(status)
	})
	mux.HandleFunc("/extension", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		fr.mu.Lock()
		fr.conns = append(fr.conns, conn)
		fr.mu.Unlock()
	})
	fr.srv = httptest.NewServer(mux)
	t.Cleanup(fr.srv.Close)
	return fr
}

func (fr *fakeRelay) wsURL() string {
	return "ws" + strings.TrimPrefix(fr.srv.URL, "http") + "/extension"
}

func (fr *fakeRelay) connCount() int {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return len(fr.conns)
}

func (fr *fakeRelay) conn(i int) *websocket.Conn {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.conns[i]
}

func (fr *fakeRelay) setProbeStatus(status int) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.probeStatus = status
}

func newTestConnection(t *testing.T, fr *fakeRelay) *Connection {
	t.Helper()
	browser := newFakeBrowser()
	sessions := NewSessionRegistry(browser, newFakeStorage(), silentLogger())
	require.NoError(t, sessions.Initialize(context.Background()))
	tabs := NewTabManager(browser, silentLogger())
	rt := NewRouter(browser, sessions, tabs, silentLogger())
	c := NewConnection(fr.wsURL(), fr.srv.URL+"/", rt, silentLogger())
	t.Cleanup(c.Disconnect)
	return c
}

func TestConnectionServesRelayCommands(t *testing.T) {
	ctx := context.Background()
	fr := newFakeRelay(t)
	c := newTestConnection(t, fr)

	c.StartMaintaining(ctx)
	waitForCondition(t, 3*time.Second, c.CheckConnection)
	require.Equal(t, 1, fr.connCount())

	conn := fr.conn(0)
	cmd, _ := json.Marshal(map[string]any{"id": 7, "method": "getAvailableTargets"})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, cmd))

	rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(rctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), gjson.GetBytes(data, "id").Int())
	assert.True(t, gjson.GetBytes(data, "result").Exists())
	assert.False(t, gjson.GetBytes(data, "error").Exists())
}

func TestConnectionReportsCommandErrors(t *testing.T) {
	ctx := context.Background()
	fr := newFakeRelay(t)
	c := newTestConnection(t, fr)

	c.StartMaintaining(ctx)
	waitForCondition(t, 3*time.Second, c.CheckConnection)

	conn := fr.conn(0)
	cmd, _ := json.Marshal(map[string]any{"id": 1, "method": "noSuchCommand"})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, cmd))

	rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(rctx)
	require.NoError(t, err)
	assert.Contains(t, gjson.GetBytes(data, "error").String(), "unknown command")
}

func TestReplacedCloseIsTerminalUntilRestarted(t *testing.T) {
	ctx := context.Background()
	fr := newFakeRelay(t)
	c := newTestConnection(t, fr)

	c.StartMaintaining(ctx)
	waitForCondition(t, 3*time.Second, c.CheckConnection)

	require.NoError(t, fr.conn(0).Close(statusReplaced, "Extension Replaced"))
	waitForCondition(t, 3*time.Second, func() bool { return c.State() == StateIdle })

	// Standing down: no reconnect happens on its own.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, fr.connCount())
	assert.False(t, c.CheckConnection())

	// An explicit restart clears the stand-down.
	c.StartMaintaining(ctx)
	waitForCondition(t, 3*time.Second, c.CheckConnection)
	assert.Equal(t, 2, fr.connCount())
}

func TestCheckConnectionClosesHalfOpenSocket(t *testing.T) {
	ctx := context.Background()
	fr := newFakeRelay(t)
	c := newTestConnection(t, fr)

	c.StartMaintaining(ctx)
	waitForCondition(t, 3*time.Second, c.CheckConnection)
	require.Equal(t, 1, fr.connCount())

	// Relay unreachable while the socket still reports open: the probe
	// fails, the socket is closed, and the state leaves open.
	fr.setProbeStatus(http.StatusServiceUnavailable)
	assert.False(t, c.CheckConnection())
	waitForCondition(t, 3*time.Second, func() bool { return c.State() != StateOpen })

	// Once the relay is healthy again the reconnect chain produces a
	// fresh socket.
	fr.setProbeStatus(http.StatusOK)
	waitForCondition(t, 10*time.Second, func() bool { return fr.connCount() == 2 })
	waitForCondition(t, 3*time.Second, c.CheckConnection)
}

func TestStartMaintainingIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fr := newFakeRelay(t)
	c := newTestConnection(t, fr)

	c.StartMaintaining(ctx)
	c.StartMaintaining(ctx)
	c.StartMaintaining(ctx)
	waitForCondition(t, 3*time.Second, c.CheckConnection)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, fr.connCount())
}

func TestDisconnectStopsMaintenance(t *testing.T) {
	ctx := context.Background()
	fr := newFakeRelay(t)
	c := newTestConnection(t, fr)

	c.StartMaintaining(ctx)
	waitForCondition(t, 3*time.Second, c.CheckConnection)

	c.Disconnect()
	assert.Equal(t, StateIdle, c.State())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, fr.connCount())
}
