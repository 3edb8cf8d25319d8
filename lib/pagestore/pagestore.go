// Package pagestore persists the durable page-name to tab mappings that let
// the relay re-adopt tabs after the extension or the relay itself restarts.
package pagestore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const fileVersion = 1

// Entry is one durable page mapping. Key is "<session>:<name>". TargetID is
// stable across reconnects; TabID is the extension-side tab identity from the
// last attach. LastSeen is a unix-millisecond timestamp.
type Entry struct {
	Key      string `json:"key"`
	TargetID string `json:"targetId"`
	TabID    int    `json:"tabId"`
	URL      string `json:"url"`
	LastSeen int64  `json:"lastSeen"`
}

type fileLayout struct {
	Version int     `json:"version"`
	Pages   []Entry `json:"pages"`
}

// Store reads and writes the mapping file. The relay is the sole writer, so
// there is no locking beyond the atomic temp-file rename.
type Store struct {
	path   string
	maxAge time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	timer *time.Timer
}

// New creates a store backed by path. Entries older than maxAge are dropped
// at load time.
func New(path string, maxAge time.Duration, logger *slog.Logger) *Store {
	return &Store{path: path, maxAge: maxAge, logger: logger}
}

// DefaultPath returns the mapping file location under the user config dir.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(dir, "devbrowser", "pages.json"), nil
}

// Load reads the persisted entries. Any read or parse error yields an empty
// list; a missing file is not an error. Stale entries are silently dropped.
func (s *Store) Load() []Entry {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read page store", "path", s.path, "err", err)
		}
		return []Entry{}
	}

	var layout fileLayout
	if err := json.Unmarshal(data, &layout); err != nil {
		s.logger.Warn("failed to parse page store; starting empty", "path", s.path, "err", err)
		return []Entry{}
	}

	cutoff := time.Now().Add(-s.maxAge).UnixMilli()
	kept := make([]Entry, 0, len(layout.Pages))
	for _, e := range layout.Pages {
		if e.LastSeen < cutoff {
			continue
		}
		kept = append(kept, e)
	}
	return kept
}

// Save writes the entries atomically: write to <path>.tmp, then rename over
// the previous file. A crash leaves either the old or the new document intact.
func (s *Store) Save(entries []Entry) error {
	data, err := json.MarshalIndent(fileLayout{Version: fileVersion, Pages: entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal page store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create page store dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp page store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename page store: %w", err)
	}
	return nil
}

// DebouncedSave schedules a Save after delay, coalescing with any save already
// pending. getter is invoked at fire time so the snapshot is current.
func (s *Store) DebouncedSave(getter func() []Entry, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(delay, func() {
		if err := s.Save(getter()); err != nil {
			s.logger.Error("debounced page store save failed", "err", err)
		}
	})
}

// Flush cancels any pending debounced save and writes immediately.
func (s *Store) Flush(entries []Entry) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	return s.Save(entries)
}
