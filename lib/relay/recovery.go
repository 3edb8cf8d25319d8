package relay

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

type availableTab struct {
	TabID int    `json:"tabId"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

type attachToTabResult struct {
	TabID        int    `json:"tabId"`
	TargetID     string `json:"targetId"`
	CDPSessionID string `json:"cdpSessionId"`
	URL          string `json:"url"`
	Title        string `json:"title"`
}

// runRecovery re-adopts tabs for persisted page mappings after the extension
// (re)connects: list candidate tabs, match each persisted entry by exact URL,
// re-attach the debugger, and rebuild the in-memory maps. Entries whose tab
// is gone are culled.
func (r *Relay) runRecovery(gen uint64) {
	r.mu.Lock()
	if r.ext == nil || r.ext.gen != gen {
		r.mu.Unlock()
		return
	}
	entries := r.persistedSnapshotLocked()
	r.mu.Unlock()

	if len(entries) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ExtensionTimeout)
	defer cancel()

	raw, err := r.sendToExtension(ctx, "getAvailableTargets", nil)
	if err != nil {
		r.logger.Warn("recovery: getAvailableTargets failed", "err", err)
		return
	}
	var listing struct {
		Targets []availableTab `json:"targets"`
	}
	if err := json.Unmarshal(raw, &listing); err != nil {
		r.logger.Warn("recovery: bad getAvailableTargets payload", "err", err)
		return
	}

	// First candidate with an exactly equal URL wins; a candidate serves at
	// most one entry.
	taken := make(map[int]bool)
	recovered, stale := 0, 0

	for _, entry := range entries {
		var match *availableTab
		for i := range listing.Targets {
			t := &listing.Targets[i]
			if !taken[t.TabID] && t.URL == entry.URL {
				match = t
				break
			}
		}
		if match == nil {
			r.mu.Lock()
			delete(r.persisted, entry.Key)
			r.mu.Unlock()
			stale++
			continue
		}
		taken[match.TabID] = true

		attachRaw, err := r.sendToExtension(ctx, "attachToTab", map[string]int{"tabId": match.TabID})
		if err != nil {
			r.logger.Warn("recovery: attachToTab failed", "key", entry.Key, "tabId", match.TabID, "err", err)
			r.mu.Lock()
			delete(r.persisted, entry.Key)
			r.mu.Unlock()
			stale++
			continue
		}
		var attached attachToTabResult
		if err := json.Unmarshal(attachRaw, &attached); err != nil || attached.CDPSessionID == "" {
			r.logger.Warn("recovery: bad attachToTab payload", "key", entry.Key)
			continue
		}

		agentSession := agentSessionFromKey(entry.Key)

		r.mu.Lock()
		r.connectedTargets[attached.CDPSessionID] = &ConnectedTarget{
			CDPSessionID: attached.CDPSessionID,
			TargetID:     attached.TargetID,
			TabID:        attached.TabID,
			Info: TargetInfo{
				TargetID: attached.TargetID,
				Type:     "page",
				Title:    match.Title,
				URL:      match.URL,
				Attached: true,
			},
		}
		r.namedPages[entry.Key] = attached.CDPSessionID
		s := r.sessionLocked(agentSession)
		s.pageNames[pageNameFromKey(entry.Key)] = struct{}{}
		s.targetSessions[attached.CDPSessionID] = struct{}{}
		r.targetToAgentSession[attached.CDPSessionID] = agentSession

		entry.TargetID = attached.TargetID
		entry.TabID = attached.TabID
		entry.LastSeen = time.Now().UnixMilli()
		r.persisted[entry.Key] = entry
		r.mu.Unlock()
		recovered++
	}

	r.mu.Lock()
	snapshot := r.persistedSnapshotLocked()
	r.mu.Unlock()
	if err := r.store.Save(snapshot); err != nil {
		r.logger.Error("recovery: save failed", "err", err)
	}
	r.logger.Info("recovery complete", "recovered", recovered, "stale", stale)
}

// agentSessionFromKey returns the "<session>" part of a "<session>:<name>" key.
func agentSessionFromKey(key string) string {
	if i := strings.Index(key, ":"); i >= 0 {
		return key[:i]
	}
	return DefaultSession
}
