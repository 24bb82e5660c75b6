// Package snapshot persists point-in-time state machine images. Writes
// are atomic (temp file + rename) so a crash mid-write can never leave a
// half-written snapshot behind.
package snapshot

import (
	"fmt"
	"os"
	"sync"
)

// Manager owns the snapshot file at a fixed path.
type Manager struct {
	mu   sync.Mutex
	path string
}

// NewManager creates a snapshot manager for path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write atomically replaces the snapshot with data.
func (m *Manager) Write(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// Load reads the current snapshot. A missing file is not an error: it
// returns nil data, meaning first boot with empty state.
func (m *Manager) Load() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return data, nil
}

// Exists reports whether a snapshot file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Path returns the snapshot file path.
func (m *Manager) Path() string {
	return m.path
}
