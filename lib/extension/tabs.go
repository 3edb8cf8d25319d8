package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/nrednav/cuid2"
)

// Attachment is one live debugger attachment to a tab. The CDP session id is
// minted per attach and regenerated on every reattach; only the target id is
// stable.
type Attachment struct {
	TabID        int
	CDPSessionID string
	TargetID     string
	Info         TargetInfo
	Connected    bool
}

// TabManager owns the debugger attachments and the child CDP session index
// (iframes and workers attach under their own session ids but are routed to
// the parent tab).
type TabManager struct {
	browser Browser
	logger  *slog.Logger

	mu        sync.Mutex
	byTab     map[int]*Attachment
	bySession map[string]*Attachment
	byTarget  map[string]*Attachment
	children  map[string]int // child cdpSessionId -> parent tabId
}

func NewTabManager(browser Browser, logger *slog.Logger) *TabManager {
	return &TabManager{
		browser:   browser,
		logger:    logger,
		byTab:     make(map[int]*Attachment),
		bySession: make(map[string]*Attachment),
		byTarget:  make(map[string]*Attachment),
		children:  make(map[string]int),
	}
}

// Attach attaches the debugger to a tab and records the binding. Reattaching
// an already-attached tab returns the existing attachment.
func (tm *TabManager) Attach(ctx context.Context, tabID int) (*Attachment, error) {
	tm.mu.Lock()
	if a, ok := tm.byTab[tabID]; ok && a.Connected {
		tm.mu.Unlock()
		return a, nil
	}
	tm.mu.Unlock()

	if err := tm.browser.AttachDebugger(ctx, tabID); err != nil {
		return nil, fmt.Errorf("attach debugger to tab %d: %w", tabID, err)
	}

	raw, err := tm.browser.SendDebuggerCommand(ctx, tabID, "Target.getTargetInfo", nil, "")
	if err != nil {
		_ = tm.browser.DetachDebugger(ctx, tabID)
		return nil, fmt.Errorf("getTargetInfo for tab %d: %w", tabID, err)
	}
	var result struct {
		TargetInfo TargetInfo `json:"targetInfo"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse targetInfo: %w", err)
	}
	result.TargetInfo.Attached = true

	a := &Attachment{
		TabID:        tabID,
		CDPSessionID: cuid2.Generate(),
		TargetID:     result.TargetInfo.TargetID,
		Info:         result.TargetInfo,
		Connected:    true,
	}

	tm.mu.Lock()
	tm.byTab[tabID] = a
	tm.bySession[a.CDPSessionID] = a
	tm.byTarget[a.TargetID] = a
	tm.mu.Unlock()

	tm.logger.Info("debugger attached", "tab", tabID, "targetId", a.TargetID, "cdpSessionId", a.CDPSessionID)
	return a, nil
}

// AttachWithRetry attaches with backoff; Chrome is not always ready to accept
// a debugger immediately after tab creation.
func (tm *TabManager) AttachWithRetry(ctx context.Context, tabID int) (*Attachment, error) {
	var a *Attachment
	err := retry.New(
		retry.Attempts(5),
		retry.Delay(50*time.Millisecond),
		retry.MaxDelay(400*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		var err error
		a, err = tm.Attach(ctx, tabID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Detach releases the debugger and removes all bindings for the tab.
func (tm *TabManager) Detach(ctx context.Context, tabID int, userInitiated bool) error {
	tm.mu.Lock()
	a, ok := tm.byTab[tabID]
	if ok {
		tm.removeLocked(a)
	}
	tm.mu.Unlock()
	if !ok {
		return nil
	}

	if err := tm.browser.DetachDebugger(ctx, tabID); err != nil {
		if userInitiated {
			return fmt.Errorf("detach debugger from tab %d: %w", tabID, err)
		}
		tm.logger.Debug("detach after debugger already gone", "tab", tabID)
	}
	return nil
}

// HandleDebuggerDetach records a detach Chrome initiated (tab closed,
// infobar dismissed). No automatic reattach.
func (tm *TabManager) HandleDebuggerDetach(tabID int, reason string) *Attachment {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	a, ok := tm.byTab[tabID]
	if !ok {
		return nil
	}
	a.Connected = false
	tm.removeLocked(a)
	tm.logger.Info("debugger detached by browser", "tab", tabID, "reason", reason)
	return a
}

func (tm *TabManager) removeLocked(a *Attachment) {
	delete(tm.byTab, a.TabID)
	delete(tm.bySession, a.CDPSessionID)
	delete(tm.byTarget, a.TargetID)
	for child, parent := range tm.children {
		if parent == a.TabID {
			delete(tm.children, child)
		}
	}
}

func (tm *TabManager) Get(tabID int) (*Attachment, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	a, ok := tm.byTab[tabID]
	return a, ok
}

func (tm *TabManager) GetBySessionID(sid string) (*Attachment, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	a, ok := tm.bySession[sid]
	return a, ok
}

func (tm *TabManager) GetByTargetID(tid string) (*Attachment, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	a, ok := tm.byTarget[tid]
	return a, ok
}

// TrackChildSession indexes a child CDP session (iframe, worker) under its
// parent tab so commands for it reach the right debuggee.
func (tm *TabManager) TrackChildSession(childSid string, parentTabID int) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.children[childSid] = parentTabID
}

func (tm *TabManager) UntrackChildSession(childSid string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	delete(tm.children, childSid)
}

// ParentTabForChild resolves a child CDP session to its parent tab.
func (tm *TabManager) ParentTabForChild(childSid string) (int, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tabID, ok := tm.children[childSid]
	return tabID, ok
}

// Attachments snapshots every live attachment.
func (tm *TabManager) Attachments() []*Attachment {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	out := make([]*Attachment, 0, len(tm.byTab))
	for _, a := range tm.byTab {
		out = append(out, a)
	}
	return out
}
