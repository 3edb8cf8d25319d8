package extension

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStorage is a Storage backed by a single JSON file, the headless
// agent's substitute for chrome.storage.local. Writes go through a temp
// file and rename.
type FileStorage struct {
	path string

	mu   sync.Mutex
	data map[string]json.RawMessage
}

// OpenFileStorage loads the file at path, starting empty when it is missing
// or unreadable.
func OpenFileStorage(path string) *FileStorage {
	fs := &FileStorage{path: path, data: make(map[string]json.RawMessage)}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fs
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(raw, &data); err != nil {
		return fs
	}
	fs.data = data
	return fs
}

func (fs *FileStorage) Get(key string) (json.RawMessage, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	v, ok := fs.data[key]
	return v, ok
}

func (fs *FileStorage) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal storage value: %w", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.data[key] = raw

	blob, err := json.MarshalIndent(fs.data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fs.path), 0o755); err != nil {
		return err
	}
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, fs.path)
}
