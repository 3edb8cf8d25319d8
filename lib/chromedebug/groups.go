package chromedebug

import (
	"encoding/json"
	"sync"

	"github.com/devbrowser/relay/lib/extension"
)

const groupStorageKey = "devbrowser.tabgroups"

// groupStore emulates Chrome tab groups for the headless agent. Membership
// is keyed by target id so it survives a reconnect, where tab ids are minted
// anew.
type groupStore struct {
	storage extension.Storage

	mu      sync.Mutex
	nextID  int
	titles  map[int]string
	members map[string]int // targetID -> groupID
}

type groupSnapshot struct {
	NextID  int            `json:"nextId"`
	Titles  map[int]string `json:"titles"`
	Members map[string]int `json:"members"`
}

func newGroupStore(storage extension.Storage) *groupStore {
	return &groupStore{
		storage: storage,
		nextID:  1,
		titles:  make(map[int]string),
		members: make(map[string]int),
	}
}

func (g *groupStore) load() {
	raw, ok := g.storage.Get(groupStorageKey)
	if !ok {
		return
	}
	var snap groupSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if snap.NextID > 0 {
		g.nextID = snap.NextID
	}
	if snap.Titles != nil {
		g.titles = snap.Titles
	}
	if snap.Members != nil {
		g.members = snap.Members
	}
}

func (g *groupStore) persistLocked() {
	_ = g.storage.Set(groupStorageKey, groupSnapshot{
		NextID:  g.nextID,
		Titles:  g.titles,
		Members: g.members,
	})
}

// assign puts targets into groupID, creating a group when groupID is
// GroupNone, and returns the group id.
func (g *groupStore) assign(targetIDs []string, groupID int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if groupID == extension.GroupNone {
		groupID = g.nextID
		g.nextID++
		g.titles[groupID] = ""
	}
	for _, tid := range targetIDs {
		g.members[tid] = groupID
	}
	g.persistLocked()
	return groupID
}

func (g *groupStore) setTitle(groupID int, title string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.titles[groupID]; !ok {
		return false
	}
	g.titles[groupID] = title
	g.persistLocked()
	return true
}

func (g *groupStore) groupOf(targetID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if id, ok := g.members[targetID]; ok {
		return id
	}
	return extension.GroupNone
}

// list returns the groups that still have members, mirroring Chrome
// destroying a group when it empties.
func (g *groupStore) list() []extension.TabGroup {
	g.mu.Lock()
	defer g.mu.Unlock()
	populated := make(map[int]bool)
	for _, id := range g.members {
		populated[id] = true
	}
	out := make([]extension.TabGroup, 0, len(populated))
	for id, title := range g.titles {
		if populated[id] {
			out = append(out, extension.TabGroup{ID: id, Title: title})
		}
	}
	return out
}

func (g *groupStore) forgetTarget(targetID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.members[targetID]; !ok {
		return
	}
	delete(g.members, targetID)
	g.persistLocked()
}
