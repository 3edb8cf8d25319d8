// Package extension implements the browser-extension half of the DevBrowser
// relay: the session registry (agent sessions as tab groups), the tab manager
// (debugger attachments), the CDP router, and the relay connection manager.
//
// Everything is written against the Browser interface so the components run
// unchanged over a real Chrome (lib/chromedebug) or a fake in tests.
package extension

import (
	"context"
	"encoding/json"
)

// GroupNone marks a tab that belongs to no tab group.
const GroupNone = -1

// Tab is the extension's view of one browser tab.
type Tab struct {
	ID      int    `json:"id"`
	URL     string `json:"url"`
	Title   string `json:"title"`
	GroupID int    `json:"groupId"`
	Active  bool   `json:"active"`
}

// TabGroup is a Chrome tab group. Group membership is the ground truth for
// agent-session ownership; in-memory maps are caches over it.
type TabGroup struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
}

// TargetInfo mirrors CDP Target.TargetInfo for the primary page of a tab.
type TargetInfo struct {
	TargetID string `json:"targetId"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Attached bool   `json:"attached"`
}

// DebuggerEventFunc receives spontaneous debugger events for a tab. sessionID
// is the CDP session the event belongs to, empty for the tab's primary
// session.
type DebuggerEventFunc func(tabID int, method string, params json.RawMessage, sessionID string)

// DetachFunc receives debugger-detach notifications (tab closed, user clicked
// the infobar, navigation to a forbidden URL).
type DetachFunc func(tabID int, reason string)

// Browser abstracts the privileged chrome.* surface the extension uses: tab
// lifecycle, tab groups, and the debugger.
type Browser interface {
	// Tabs
	CreateTab(ctx context.Context, url string) (*Tab, error)
	RemoveTab(ctx context.Context, tabID int) error
	ActivateTab(ctx context.Context, tabID int) error
	GetTab(ctx context.Context, tabID int) (*Tab, error)
	QueryTabs(ctx context.Context) ([]Tab, error)

	// Tab groups. GroupTabs adds tabs to groupID, or creates a fresh group
	// when groupID is GroupNone, returning the group's id. Chrome cannot
	// hold an empty group, which is why group creation always starts from a
	// tab.
	GroupTabs(ctx context.Context, tabIDs []int, groupID int) (int, error)
	UpdateGroupTitle(ctx context.Context, groupID int, title string) error
	ListGroups(ctx context.Context) ([]TabGroup, error)

	// Debugger
	AttachDebugger(ctx context.Context, tabID int) error
	DetachDebugger(ctx context.Context, tabID int) error
	SendDebuggerCommand(ctx context.Context, tabID int, method string, params json.RawMessage, sessionID string) (json.RawMessage, error)

	// Event delivery. Handlers must be installed before any attach.
	OnDebuggerEvent(fn DebuggerEventFunc)
	OnDebuggerDetach(fn DetachFunc)
}

// Storage is the durable key-value store backing the session registry across
// extension-worker restarts (chrome.storage.local in the real extension).
type Storage interface {
	Get(key string) (json.RawMessage, bool)
	Set(key string, value any) error
}
