// Package state remembers which containers were already seen during a run. Nothing is
// persisted; every run starts empty.
package state

import "sync"

type Tracker interface {
	// MarkSeen records hash and reports whether it was new.
	MarkSeen(hash, messageID string) bool
	Seen(hash string) bool
	// FirstID returns the message that first carried hash.
	FirstID(hash string) string
	Snapshot() Snapshot
}

type Snapshot struct {
	Seen       int
	Duplicates int
}

type MemoryTracker struct {
	mu         sync.RWMutex
	seen       map[string]string
	duplicates int
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{seen: make(map[string]string)}
}

func (m *MemoryTracker) Seen(hash string) bool {
	if hash == "" {
		return false
	}

	m.mu.RLock()
	_, ok := m.seen[hash]
	m.mu.RUnlock()
	return ok
}

// MarkSeen treats an empty hash as always new.
func (m *MemoryTracker) MarkSeen(hash, messageID string) bool {
	if hash == "" {
		return true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[hash]; ok {
		m.duplicates++
		return false
	}
	m.seen[hash] = messageID
	return true
}

func (m *MemoryTracker) FirstID(hash string) string {
	m.mu.RLock()
	id := m.seen[hash]
	m.mu.RUnlock()
	return id
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{Seen: len(m.seen), Duplicates: m.duplicates}
}
