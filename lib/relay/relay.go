// Package relay multiplexes one browser-extension debugger connection across
// many concurrent CDP automation clients. Clients are isolated into agent
// sessions; page names map durably to Chrome targets so tabs survive
// extension disconnects and client reconnects.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/samber/lo"

	"github.com/devbrowser/relay/lib/pagestore"
)

// Config carries the relay's tunables. main fills it from cmd/config.
type Config struct {
	// Advertised host:port used when building wsEndpoint URLs.
	Addr string

	MaxTabsPerSession  int
	WarnTabsPerSession int

	ExtensionTimeout time.Duration
	AttachEventWait  time.Duration
	DetachGrace      time.Duration
	RecoveryDelay    time.Duration
	SaveDebounce     time.Duration
}

// Stats are the observability counters behind GET /stats.
type Stats struct {
	Clients            int   `json:"clients"`
	Sessions           int   `json:"sessions"`
	NamedPages         int   `json:"namedPages"`
	ConnectedTargets   int   `json:"connectedTargets"`
	ExtensionConnected bool  `json:"extensionConnected"`
	CommandsForwarded  int64 `json:"commandsForwarded"`
	EventsDelivered    int64 `json:"eventsDelivered"`
	PendingCommands    int   `json:"pendingCommands"`
}

// client is one automation driver connection.
type client struct {
	id      string
	session string
	conn    *websocket.Conn

	// writeMu serializes writes; events and command responses come from
	// different goroutines.
	writeMu sync.Mutex

	// knownTargets suppresses duplicate Target.attachedToTarget deliveries
	// for the lifetime of this websocket.
	knownTargets map[string]struct{}
}

// session groups the clients, page names, and owned CDP sessions of one
// automation tenant.
type session struct {
	clientIDs      map[string]struct{}
	pageNames      map[string]struct{}
	targetSessions map[string]struct{}
}

type pendingCall struct {
	ch chan extResult
}

type extResult struct {
	result json.RawMessage
	err    error
}

// extensionConn wraps the single extension socket. gen distinguishes a stale
// socket's close callback from the currently adopted connection.
type extensionConn struct {
	conn *websocket.Conn
	gen  uint64
}

// Relay owns all shared registries. One mutex guards them; per-command work
// is small enough that contention does not matter.
type Relay struct {
	cfg    Config
	logger *slog.Logger
	store  *pagestore.Store

	mu sync.Mutex

	connectedTargets     map[string]*ConnectedTarget // cdpSessionId -> target
	namedPages           map[string]string           // "<session>:<name>" -> cdpSessionId
	clients              map[string]*client
	sessions             map[string]*session
	targetToAgentSession map[string]string // cdpSessionId -> agent session
	persisted            map[string]pagestore.Entry

	pending map[int64]*pendingCall
	nextID  int64

	ext    *extensionConn
	extGen uint64

	// attachWaiters lets POST /pages wait for the Target.attachedToTarget
	// that follows a createTab, keyed by targetId.
	attachWaiters map[string][]chan ConnectedTarget

	// graceTimers delays page-name removal after a detach so cross-origin
	// navigations (detach + reattach under a new CDP session) keep the name.
	graceTimers  map[string]*time.Timer // targetId -> removal timer
	graceEntries map[string]graceEntry  // targetId -> surviving page name

	recoveryTimer *time.Timer

	commandsForwarded int64
	eventsDelivered   int64

	stopped bool
}

// New creates a relay. store may have prior state; it is loaded immediately.
func New(cfg Config, store *pagestore.Store, logger *slog.Logger) *Relay {
	r := &Relay{
		cfg:                  cfg,
		logger:               logger,
		store:                store,
		connectedTargets:     make(map[string]*ConnectedTarget),
		namedPages:           make(map[string]string),
		clients:              make(map[string]*client),
		sessions:             make(map[string]*session),
		targetToAgentSession: make(map[string]string),
		persisted:            make(map[string]pagestore.Entry),
		pending:              make(map[int64]*pendingCall),
		attachWaiters:        make(map[string][]chan ConnectedTarget),
		graceTimers:          make(map[string]*time.Timer),
		graceEntries:         make(map[string]graceEntry),
	}
	for _, e := range store.Load() {
		r.persisted[e.Key] = e
	}
	return r
}

// Stop tears the relay down: pending extension calls resolve with a transport
// error, sockets close, and the page store is flushed.
func (r *Relay) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true

	for id, p := range r.pending {
		p.ch <- extResult{err: fmt.Errorf("relay stopped")}
		delete(r.pending, id)
	}
	if r.recoveryTimer != nil {
		r.recoveryTimer.Stop()
	}
	for _, t := range r.graceTimers {
		t.Stop()
	}
	ext := r.ext
	r.ext = nil
	clients := lo.Values(r.clients)
	r.clients = make(map[string]*client)
	entries := r.persistedSnapshotLocked()
	r.mu.Unlock()

	if ext != nil {
		_ = ext.conn.Close(websocket.StatusGoingAway, "relay shutting down")
	}
	for _, c := range clients {
		_ = c.conn.Close(websocket.StatusGoingAway, "relay shutting down")
	}
	if err := r.store.Flush(entries); err != nil {
		r.logger.Error("failed to flush page store on stop", "err", err)
	}
}

// ExtensionConnected reports whether an extension socket is currently adopted.
func (r *Relay) ExtensionConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ext != nil
}

// Stats returns a point-in-time snapshot of the counters.
func (r *Relay) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Clients:            len(r.clients),
		Sessions:           len(r.sessions),
		NamedPages:         len(r.namedPages),
		ConnectedTargets:   len(r.connectedTargets),
		ExtensionConnected: r.ext != nil,
		CommandsForwarded:  r.commandsForwarded,
		EventsDelivered:    r.eventsDelivered,
		PendingCommands:    len(r.pending),
	}
}

// WSEndpoint returns the client websocket URL for an agent session.
func (r *Relay) WSEndpoint(agentSession string) string {
	if agentSession == "" || agentSession == DefaultSession {
		return fmt.Sprintf("ws://%s/cdp", r.cfg.Addr)
	}
	return fmt.Sprintf("ws://%s/cdp/%s", r.cfg.Addr, agentSession)
}

// sessionLocked returns the session record, creating it on first reference.
func (r *Relay) sessionLocked(id string) *session {
	s, ok := r.sessions[id]
	if !ok {
		s = &session{
			clientIDs:      make(map[string]struct{}),
			pageNames:      make(map[string]struct{}),
			targetSessions: make(map[string]struct{}),
		}
		r.sessions[id] = s
	}
	return s
}

func (r *Relay) persistedSnapshotLocked() []pagestore.Entry {
	return lo.Values(r.persisted)
}

func (r *Relay) schedulePersistSave() {
	r.store.DebouncedSave(func() []pagestore.Entry {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.persistedSnapshotLocked()
	}, r.cfg.SaveDebounce)
}

// writeToClient marshals and sends one message to a client. Write failures
// are logged, not propagated; the client's read loop notices the dead socket.
func (r *Relay) writeToClient(c *client, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		r.logger.Error("marshal client message", "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		r.logger.Debug("write to client failed", "client", c.id, "err", err)
	}
}

// deliverEvent routes one CDP event to the clients of the owning agent
// session, or to every client when owner is empty (targets not yet claimed by
// any session are broadcast). attachedToTarget deliveries consult and update
// each client's known-targets set atomically under the relay lock.
func (r *Relay) deliverEvent(owner string, evt *cdpEvent, dedupTargetID string) {
	r.mu.Lock()
	recipients := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		if owner != "" && c.session != owner {
			continue
		}
		if dedupTargetID != "" {
			if _, seen := c.knownTargets[dedupTargetID]; seen {
				continue
			}
			c.knownTargets[dedupTargetID] = struct{}{}
		}
		recipients = append(recipients, c)
	}
	r.eventsDelivered += int64(len(recipients))
	r.mu.Unlock()

	for _, c := range recipients {
		r.writeToClient(c, evt)
	}
}
