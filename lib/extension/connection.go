package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// ConnState is the connection manager's lifecycle state.
type ConnState string

const (
	StateIdle       ConnState = "idle"
	StateProbing    ConnState = "probing"
	StateConnecting ConnState = "connecting"
	StateOpen       ConnState = "open"
	StateBackoff    ConnState = "backoff"
)

const (
	probeTimeout      = 1 * time.Second
	dialTimeout       = 5 * time.Second
	reconnectInterval = 3 * time.Second
	keepAliveInterval = 30 * time.Second
)

// statusReplaced mirrors the close code the relay sends when another
// extension instance takes over. Seeing it means stand down, not retry.
const statusReplaced = 4001

// commandResponse answers one relay command over the socket.
type commandResponse struct {
	ID     int64  `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

type relayCommand struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Connection maintains the extension's single websocket to the relay: probe,
// dial, read, and a single-shot reconnect chain. There is never more than one
// pending reconnect timer.
type Connection struct {
	relayURL string
	probeURL string
	router   *Router
	logger   *slog.Logger

	httpClient *http.Client

	mu          sync.Mutex
	state       ConnState
	maintaining bool
	terminal    bool
	gen         uint64
	conn        *websocket.Conn
	writeMu     sync.Mutex
	retryTimer  *time.Timer
}

// NewConnection builds a manager for the given relay endpoints. relayURL is
// the websocket endpoint, probeURL an HTTP URL on the same server used to
// cheaply check liveness before dialing.
func NewConnection(relayURL, probeURL string, router *Router, logger *slog.Logger) *Connection {
	return &Connection{
		relayURL:   relayURL,
		probeURL:   probeURL,
		router:     router,
		logger:     logger,
		httpClient: &http.Client{Timeout: probeTimeout},
		state:      StateIdle,
	}
}

// State reports the current lifecycle state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CheckConnection reports whether the relay is reachable over the open
// socket. A failed HTTP probe while the socket reports open means the socket
// is half dead; it is closed so the reconnect chain takes over.
func (c *Connection) CheckConnection() bool {
	if c.State() != StateOpen {
		return false
	}
	if err := c.probe(context.Background()); err != nil {
		c.logger.Warn("relay unreachable on open socket", "err", err)
		c.dropConn("relay unreachable")
		return false
	}
	return true
}

// dropConn force-closes the current socket so readLoop observes the error
// and handleClosed decides what happens next.
func (c *Connection) dropConn(reason string) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusGoingAway, reason)
	}
}

// StartMaintaining begins (or resumes) keeping the connection alive. It is
// idempotent and clears a terminal stand-down from a replacement close.
func (c *Connection) StartMaintaining(ctx context.Context) {
	c.mu.Lock()
	if c.maintaining && !c.terminal {
		c.mu.Unlock()
		return
	}
	c.maintaining = true
	c.terminal = false
	c.mu.Unlock()
	go c.attempt(ctx)
}

// Disconnect tears the connection down intentionally and stops maintenance.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.maintaining = false
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateIdle
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "extension disconnecting")
	}
}

// attempt runs one probe-then-dial cycle. Failures schedule exactly one
// retry; nothing loops here.
func (c *Connection) attempt(ctx context.Context) {
	c.mu.Lock()
	if !c.maintaining || c.terminal || c.state == StateOpen || c.state == StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateProbing
	c.mu.Unlock()

	if err := c.probe(ctx); err != nil {
		c.logger.Debug("relay probe failed", "err", err)
		c.scheduleRetry(ctx)
		return
	}

	c.mu.Lock()
	c.state = StateConnecting
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, c.relayURL, nil)
	cancel()
	if err != nil {
		c.logger.Debug("relay dial failed", "err", err)
		c.scheduleRetry(ctx)
		return
	}
	conn.SetReadLimit(100 * 1024 * 1024)

	c.mu.Lock()
	if !c.maintaining {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "extension disconnecting")
		return
	}
	c.gen++
	gen := c.gen
	c.conn = conn
	c.state = StateOpen
	c.mu.Unlock()

	c.router.SetSender(func(sctx context.Context, msg any) error {
		return c.write(sctx, conn, msg)
	})
	c.logger.Info("connected to relay", "url", c.relayURL)
	c.router.ReannounceTargets(ctx)

	go c.keepAlive(ctx, conn, gen)
	c.readLoop(ctx, conn, gen)
}

func (c *Connection) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.probeURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("relay probe returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Connection) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.handleClosed(ctx, gen, err)
			return
		}
		var cmd relayCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.logger.Warn("relay sent malformed command", "err", err)
			continue
		}
		go c.serveCommand(ctx, conn, &cmd)
	}
}

// serveCommand runs one relay command and writes the response. Commands run
// concurrently; responses correlate by id so ordering does not matter.
func (c *Connection) serveCommand(ctx context.Context, conn *websocket.Conn, cmd *relayCommand) {
	resp := commandResponse{ID: cmd.ID}
	result, err := c.router.HandleCommand(ctx, cmd.Method, cmd.Params)
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Result = result
	}
	if werr := c.write(ctx, conn, resp); werr != nil {
		c.logger.Debug("response write failed", "id", cmd.ID, "err", werr)
	}
}

func (c *Connection) write(ctx context.Context, conn *websocket.Conn, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal relay message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

func (c *Connection) keepAlive(ctx context.Context, conn *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			stale := c.conn != conn || c.gen != gen
			c.mu.Unlock()
			if stale {
				return
			}
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				// A half-open socket never errors out of Read on its own;
				// closing it here is what unblocks readLoop and re-enters
				// the reconnect chain.
				c.logger.Debug("relay ping failed", "err", err)
				c.dropConn("keep-alive failed")
				return
			}
			c.CheckConnection()
		}
	}
}

// handleClosed reacts to the socket dropping. The generation check keeps an
// old socket's exit from disturbing a newer one, and a replacement close
// parks the manager until StartMaintaining is called again.
func (c *Connection) handleClosed(ctx context.Context, gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if !c.maintaining {
		c.state = StateIdle
		c.mu.Unlock()
		return
	}
	if websocket.CloseStatus(err) == statusReplaced {
		c.terminal = true
		c.maintaining = false
		c.state = StateIdle
		c.mu.Unlock()
		c.logger.Warn("relay replaced this extension; standing down")
		return
	}
	c.state = StateBackoff
	c.mu.Unlock()

	c.logger.Info("relay connection lost", "err", err)
	c.scheduleRetry(ctx)
}

// scheduleRetry arms the single reconnect timer if none is pending.
func (c *Connection) scheduleRetry(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.maintaining || c.terminal || c.retryTimer != nil {
		return
	}
	c.state = StateBackoff
	c.retryTimer = time.AfterFunc(reconnectInterval, func() {
		c.mu.Lock()
		c.retryTimer = nil
		c.mu.Unlock()
		c.attempt(ctx)
	})
}
