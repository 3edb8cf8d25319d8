package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"
)

const registryStorageKey = "devbrowser.sessions"

// throwawayGrace is how long the placeholder tab that seeds a new group is
// kept before removal; Chrome destroys a group the moment it empties.
const throwawayGrace = 2 * time.Second

var sessionTitleRegexp = regexp.MustCompile(`^Session (\d+)$`)

// GroupBinding ties one agent session to its tab group.
type GroupBinding struct {
	SessionID string `json:"sessionId"`
	GroupID   int    `json:"groupId"`
	GroupName string `json:"groupName"`
}

// SessionRegistry maps agent sessions to Chrome tab groups. The group is the
// durable home of a session's tabs; the registry's maps are caches that are
// re-verified against live groups on initialize.
type SessionRegistry struct {
	browser Browser
	storage Storage
	logger  *slog.Logger

	mu          sync.Mutex
	groups      map[string]GroupBinding // sessionId -> binding
	nextSession int
}

func NewSessionRegistry(browser Browser, storage Storage, logger *slog.Logger) *SessionRegistry {
	return &SessionRegistry{
		browser:     browser,
		storage:     storage,
		logger:      logger,
		groups:      make(map[string]GroupBinding),
		nextSession: 1,
	}
}

// Initialize loads the stored session->group bindings, discards those whose
// group no longer exists, and reseeds the "Session N" counter from the
// surviving titles.
func (sr *SessionRegistry) Initialize(ctx context.Context) error {
	live, err := sr.browser.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("list tab groups: %w", err)
	}
	liveByID := make(map[int]TabGroup, len(live))
	for _, g := range live {
		liveByID[g.ID] = g
	}

	var stored []GroupBinding
	if raw, ok := sr.storage.Get(registryStorageKey); ok {
		if err := json.Unmarshal(raw, &stored); err != nil {
			sr.logger.Warn("corrupt session registry snapshot; starting empty", "err", err)
			stored = nil
		}
	}

	sr.mu.Lock()
	sr.groups = make(map[string]GroupBinding)
	highest := 0
	for _, b := range stored {
		if _, alive := liveByID[b.GroupID]; !alive {
			sr.logger.Info("dropping stale session binding", "session", b.SessionID, "group", b.GroupID)
			continue
		}
		sr.groups[b.SessionID] = b
		if m := sessionTitleRegexp.FindStringSubmatch(b.GroupName); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n > highest {
				highest = n
			}
		}
	}
	// Titles observed in the browser also advance the counter so a new
	// group never collides with a group this registry never owned.
	for _, g := range live {
		if m := sessionTitleRegexp.FindStringSubmatch(g.Title); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n > highest {
				highest = n
			}
		}
	}
	sr.nextSession = highest + 1
	sr.mu.Unlock()

	return sr.persist()
}

// GetOrCreateGroup returns the session's tab group, creating it if needed.
// Group creation seeds the group with a throwaway tab (empty groups cannot
// exist) which is removed after a short grace.
func (sr *SessionRegistry) GetOrCreateGroup(ctx context.Context, sessionID string) (GroupBinding, error) {
	sr.mu.Lock()
	binding, ok := sr.groups[sessionID]
	sr.mu.Unlock()

	if ok {
		if alive, err := sr.groupAlive(ctx, binding.GroupID); err != nil {
			return GroupBinding{}, err
		} else if alive {
			return binding, nil
		}
		sr.mu.Lock()
		delete(sr.groups, sessionID)
		sr.mu.Unlock()
	}

	seed, err := sr.browser.CreateTab(ctx, "about:blank")
	if err != nil {
		return GroupBinding{}, fmt.Errorf("create seed tab: %w", err)
	}
	groupID, err := sr.browser.GroupTabs(ctx, []int{seed.ID}, GroupNone)
	if err != nil {
		_ = sr.browser.RemoveTab(ctx, seed.ID)
		return GroupBinding{}, fmt.Errorf("create tab group: %w", err)
	}

	sr.mu.Lock()
	name := fmt.Sprintf("Session %d", sr.nextSession)
	sr.nextSession++
	binding = GroupBinding{SessionID: sessionID, GroupID: groupID, GroupName: name}
	sr.groups[sessionID] = binding
	sr.mu.Unlock()

	if err := sr.browser.UpdateGroupTitle(ctx, groupID, name); err != nil {
		sr.logger.Warn("failed to title tab group", "group", groupID, "err", err)
	}

	// The seed tab has done its job once a real tab joins the group.
	seedID := seed.ID
	time.AfterFunc(throwawayGrace, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sr.browser.RemoveTab(ctx, seedID); err != nil {
			sr.logger.Debug("seed tab already gone", "tab", seedID)
		}
	})

	if err := sr.persist(); err != nil {
		return GroupBinding{}, err
	}
	sr.logger.Info("created session group", "session", sessionID, "group", groupID, "name", name)
	return binding, nil
}

// AddTabToSession moves a tab into the session's group. The session must
// already have a group.
func (sr *SessionRegistry) AddTabToSession(ctx context.Context, tabID int, sessionID string) error {
	sr.mu.Lock()
	binding, ok := sr.groups[sessionID]
	sr.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown session: %s", sessionID)
	}
	if _, err := sr.browser.GroupTabs(ctx, []int{tabID}, binding.GroupID); err != nil {
		return fmt.Errorf("add tab %d to group %d: %w", tabID, binding.GroupID, err)
	}
	return nil
}

// GetSessionForTab resolves ownership through the live tab -> group -> session
// chain. Returns "" when the tab is in no managed group.
func (sr *SessionRegistry) GetSessionForTab(ctx context.Context, tabID int) (string, error) {
	tab, err := sr.browser.GetTab(ctx, tabID)
	if err != nil {
		return "", err
	}
	if tab.GroupID == GroupNone {
		return "", nil
	}
	sr.mu.Lock()
	defer sr.mu.Unlock()
	for sid, b := range sr.groups {
		if b.GroupID == tab.GroupID {
			return sid, nil
		}
	}
	return "", nil
}

// SessionTabs lists the tabs currently in the session's group.
func (sr *SessionRegistry) SessionTabs(ctx context.Context, sessionID string) ([]Tab, error) {
	sr.mu.Lock()
	binding, ok := sr.groups[sessionID]
	sr.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown session: %s", sessionID)
	}
	all, err := sr.browser.QueryTabs(ctx)
	if err != nil {
		return nil, err
	}
	tabs := make([]Tab, 0, len(all))
	for _, t := range all {
		if t.GroupID == binding.GroupID {
			tabs = append(tabs, t)
		}
	}
	return tabs, nil
}

// CloseSession closes every tab in the session's group and forgets the
// binding. Returns the number of tabs closed.
func (sr *SessionRegistry) CloseSession(ctx context.Context, sessionID string) (int, error) {
	tabs, err := sr.SessionTabs(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, t := range tabs {
		if err := sr.browser.RemoveTab(ctx, t.ID); err != nil {
			sr.logger.Warn("failed to close tab", "tab", t.ID, "err", err)
			continue
		}
		closed++
	}

	sr.mu.Lock()
	delete(sr.groups, sessionID)
	sr.mu.Unlock()

	if err := sr.persist(); err != nil {
		return closed, err
	}
	return closed, nil
}

func (sr *SessionRegistry) groupAlive(ctx context.Context, groupID int) (bool, error) {
	groups, err := sr.browser.ListGroups(ctx)
	if err != nil {
		return false, err
	}
	for _, g := range groups {
		if g.ID == groupID {
			return true, nil
		}
	}
	return false, nil
}

func (sr *SessionRegistry) persist() error {
	sr.mu.Lock()
	bindings := make([]GroupBinding, 0, len(sr.groups))
	for _, b := range sr.groups {
		bindings = append(bindings, b)
	}
	sr.mu.Unlock()
	return sr.storage.Set(registryStorageKey, bindings)
}
