// Package syncinfo provides functions for working with synchronization information.
package syncinfo

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// SyncInfo represents data about the last synchronization.
type SyncInfo struct {
	// LastSync is the timestamp of the last completed sync cycle.
	LastSync time.Time `json:"last_sync"`
	// Files maps a local file path to the time it was last synchronized.
	Files map[string]time.Time `json:"files"`
}

// Manager manages access to and updates of synchronization data.
// The per-file map is bounded: Evict removes entries for files that no
// longer exist on either side.
type Manager struct {
	mu       sync.RWMutex
	filename string
	info     SyncInfo
}

// NewManager creates a new Manager and initializes the file that stores
// synchronization data.
func NewManager(filename string) (*Manager, error) {
	file, err := os.OpenFile(filename, os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	file.Close()

	m := &Manager{
		filename: filename,
		info:     SyncInfo{Files: make(map[string]time.Time)},
	}
	if err := m.Load(); err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns the last-synchronized time recorded for path.
func (m *Manager) Get(path string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.info.Files[path]
	return t, ok
}

// Set records the last-synchronized time for path.
func (m *Manager) Set(path string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info.Files[path] = t.UTC()
}

// LastSync returns the timestamp of the last completed sync cycle.
func (m *Manager) LastSync() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.info.LastSync
}

// SetLastSync records the completion time of a sync cycle.
func (m *Manager) SetLastSync(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info.LastSync = t.UTC()
}

// Evict drops every per-file entry for which keep returns false.
func (m *Manager) Evict(keep func(path string) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for path := range m.info.Files {
		if !keep(path) {
			delete(m.info.Files, path)
		}
	}
}

// Save persists synchronization data to the file as JSON.
func (m *Manager) Save() error {
	m.mu.RLock()
	data, err := json.MarshalIndent(m.info, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return err
	}
	return os.WriteFile(m.filename, data, 0644)
}

// Load reads synchronization data back from the file. An empty file
// leaves the zero state in place.
func (m *Manager) Load() error {
	content, err := os.ReadFile(m.filename)
	if err != nil {
		return err
	}
	if len(content) == 0 {
		return nil
	}

	var info SyncInfo
	if err := json.Unmarshal(content, &info); err != nil {
		return err
	}
	if info.Files == nil {
		info.Files = make(map[string]time.Time)
	}

	m.mu.Lock()
	m.info = info
	m.mu.Unlock()
	return nil
}

// Now returns the current time in UTC, the only zone watermarks are kept in.
func Now() time.Time {
	return time.Now().UTC()
}
