package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBrowser is an in-memory Browser good enough to drive the session
// registry, tab manager, and router in tests. Debugger command results are
// scripted per method.
type fakeBrowser struct {
	mu         sync.Mutex
	nextTabID  int
	nextGroup  int
	tabs       map[int]*Tab
	groups     map[int]*TabGroup
	eventFn    DebuggerEventFunc
	detachFn   DetachFunc
	attached   map[int]bool
	attachErrs map[int]int // tabID -> remaining failures before attach succeeds
	results    map[string]json.RawMessage
	cmdErr     map[string]error
	commands   []fakeCommand
}

type fakeCommand struct {
	TabID     int
	Method    string
	Params    json.RawMessage
	SessionID string
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{
		nextTabID:  100,
		nextGroup:  10,
		tabs:       make(map[int]*Tab),
		groups:     make(map[int]*TabGroup),
		attached:   make(map[int]bool),
		attachErrs: make(map[int]int),
		results:    make(map[string]json.RawMessage),
		cmdErr:     make(map[string]error),
	}
}

func (f *fakeBrowser) addTab(url string, groupID int) *Tab {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTabID++
	t := &Tab{ID: f.nextTabID, URL: url, GroupID: groupID}
	f.tabs[t.ID] = t
	return t
}

func (f *fakeBrowser) setResult(method string, result any) {
	data, _ := json.Marshal(result)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[method] = data
}

func (f *fakeBrowser) sentCommands() []fakeCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeCommand, len(f.commands))
	copy(out, f.commands)
	return out
}

func (f *fakeBrowser) CreateTab(_ context.Context, url string) (*Tab, error) {
	return f.addTab(url, GroupNone), nil
}

func (f *fakeBrowser) RemoveTab(_ context.Context, tabID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tabs[tabID]; !ok {
		return fmt.Errorf("no tab %d", tabID)
	}
	delete(f.tabs, tabID)
	delete(f.attached, tabID)
	return nil
}

func (f *fakeBrowser) ActivateTab(_ context.Context, tabID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tabs[tabID]
	if !ok {
		return fmt.Errorf("no tab %d", tabID)
	}
	t.Active = true
	return nil
}

func (f *fakeBrowser) GetTab(_ context.Context, tabID int) (*Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tabs[tabID]
	if !ok {
		return nil, fmt.Errorf("no tab %d", tabID)
	}
	cp := *t
	return &cp, nil
}

func (f *fakeBrowser) QueryTabs(_ context.Context) ([]Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Tab, 0, len(f.tabs))
	for _, t := range f.tabs {
		out = append(out, *t)
	}
	return out, nil
}

func (f *fakeBrowser) GroupTabs(_ context.Context, tabIDs []int, groupID int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if groupID == GroupNone {
		f.nextGroup++
		groupID = f.nextGroup
		f.groups[groupID] = &TabGroup{ID: groupID}
	}
	if _, ok := f.groups[groupID]; !ok {
		return 0, fmt.Errorf("no group %d", groupID)
	}
	for _, id := range tabIDs {
		t, ok := f.tabs[id]
		if !ok {
			return 0, fmt.Errorf("no tab %d", id)
		}
		t.GroupID = groupID
	}
	return groupID, nil
}

func (f *fakeBrowser) UpdateGroupTitle(_ context.Context, groupID int, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[groupID]
	if !ok {
		return fmt.Errorf("no group %d", groupID)
	}
	g.Title = title
	return nil
}

func (f *fakeBrowser) ListGroups(_ context.Context) ([]TabGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]TabGroup, 0, len(f.groups))
	for id, g := range f.groups {
		// Groups with no member tabs vanish in Chrome.
		alive := false
		for _, t := range f.tabs {
			if t.GroupID == id {
				alive = true
				break
			}
		}
		if alive {
			out = append(out, *g)
		}
	}
	return out, nil
}

func (f *fakeBrowser) AttachDebugger(_ context.Context, tabID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.attachErrs[tabID]; n > 0 {
		f.attachErrs[tabID] = n - 1
		return fmt.Errorf("tab %d not ready", tabID)
	}
	if _, ok := f.tabs[tabID]; !ok {
		return fmt.Errorf("no tab %d", tabID)
	}
	f.attached[tabID] = true
	return nil
}

func (f *fakeBrowser) DetachDebugger(_ context.Context, tabID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.attached[tabID] {
		return fmt.Errorf("not attached to tab %d", tabID)
	}
	delete(f.attached, tabID)
	return nil
}

func (f *fakeBrowser) SendDebuggerCommand(_ context.Context, tabID int, method string, params json.RawMessage, sessionID string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, fakeCommand{TabID: tabID, Method: method, Params: params, SessionID: sessionID})
	if err, ok := f.cmdErr[method]; ok {
		return nil, err
	}
	if res, ok := f.results[method]; ok {
		return res, nil
	}
	if method == "Target.getTargetInfo" {
		t := f.tabs[tabID]
		info := map[string]any{"targetInfo": TargetInfo{
			TargetID: fmt.Sprintf("target-%d", tabID),
			Type:     "page",
			URL:      t.URL,
			Title:    t.Title,
		}}
		data, _ := json.Marshal(info)
		return data, nil
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeBrowser) OnDebuggerEvent(fn DebuggerEventFunc) { f.eventFn = fn }
func (f *fakeBrowser) OnDebuggerDetach(fn DetachFunc)       { f.detachFn = fn }

func (f *fakeBrowser) emitEvent(tabID int, method string, params any, sessionID string) {
	data, _ := json.Marshal(params)
	f.eventFn(tabID, method, data, sessionID)
}

// fakeStorage is an in-memory Storage.
type fakeStorage struct {
	mu   sync.Mutex
	data map[string]json.RawMessage
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{data: make(map[string]json.RawMessage)}
}

func (s *fakeStorage) Get(key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *fakeStorage) Set(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = data
	return nil
}
