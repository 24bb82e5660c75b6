package raft

import (
	"errors"
	"sync"
)

var (
	ErrLogNotFound = errors.New("log entry not found")
)

// LogStore is the interface for persisting Raft log entries.
type LogStore interface {
	// FirstIndex returns the index of the first entry in the log.
	FirstIndex() (int64, error)

	// LastIndex returns the index of the last entry in the log.
	LastIndex() (int64, error)

	// GetLog returns the log entry at the given index.
	GetLog(index int64) (*LogEntry, error)

	// StoreLog stores a single log entry.
	StoreLog(entry *LogEntry) error

	// StoreLogs stores multiple log entries.
	StoreLogs(entries []*LogEntry) error

	// DeleteRange deletes log entries in the range [min, max] inclusive.
	DeleteRange(min, max int64) error
}

// MemoryLogStore is an in-memory LogStore. Durability comes from the
// command WAL and snapshots, not from this store.
type MemoryLogStore struct {
	mu      sync.RWMutex
	entries []LogEntry
}

// NewMemoryLogStore creates a MemoryLogStore. Raft logs start at index 1;
// index 0 is a dummy entry.
func NewMemoryLogStore() *MemoryLogStore {
	return &MemoryLogStore{
		entries: []LogEntry{{Term: 0, Index: 0}},
	}
}

func (m *MemoryLogStore) FirstIndex() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[0].Index, nil
}

func (m *MemoryLogStore) LastIndex() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[len(m.entries)-1].Index, nil
}

func (m *MemoryLogStore) GetLog(index int64) (*LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	first := m.entries[0].Index
	offset := index - first
	if offset < 0 || offset >= int64(len(m.entries)) {
		return nil, ErrLogNotFound
	}
	return &m.entries[offset], nil
}

func (m *MemoryLogStore) StoreLog(entry *LogEntry) error {
	return m.StoreLogs([]*LogEntry{entry})
}

func (m *MemoryLogStore) StoreLogs(entries []*LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range entries {
		m.entries = append(m.entries, *entry)
	}
	return nil
}

func (m *MemoryLogStore) DeleteRange(min, max int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	newEntries := make([]LogEntry, 0, len(m.entries))
	for _, entry := range m.entries {
		if entry.Index < min || entry.Index > max {
			newEntries = append(newEntries, entry)
		}
	}
	if len(newEntries) == 0 || newEntries[0].Index > max {
		// Compaction removed the base entry. Re-seed a dummy at the
		// truncation boundary so index offsets stay valid.
		newEntries = append([]LogEntry{{Term: 0, Index: max}}, newEntries...)
	}
	m.entries = newEntries
	return nil
}
