// Package task tracks the background jobs in flight on a node, such as
// swap chains it is taking part in, so they can be listed in stats and
// guarded against running twice.
package task

import (
	"sort"
	"sync"
	"time"
)

// Tracker records live jobs grouped by kind. Implementations must be
// safe for concurrent use. Empty kinds or IDs are ignored.
type Tracker interface {
	TryStart(kind, id string) bool
	End(kind, id string)
	Snapshot() map[string][]Entry
}

// Entry is one live job.
type Entry struct {
	ID      string        `json:"id"`
	Running time.Duration `json:"running"`
}

// InMemoryTracker keeps live jobs for the lifetime of the process.
type InMemoryTracker struct {
	mu  sync.RWMutex
	now func() time.Time
	// kind -> id -> start time
	data map[string]map[string]time.Time
}

// New creates an empty tracker.
func New() *InMemoryTracker {
	return &InMemoryTracker{now: time.Now, data: make(map[string]map[string]time.Time)}
}

// TryStart marks a job as running. It returns false if the same job is
// already running or the input is invalid.
func (t *InMemoryTracker) TryStart(kind, id string) bool {
	if kind == "" || id == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.data[kind]
	if !ok {
		m = make(map[string]time.Time)
		t.data[kind] = m
	}
	if _, exists := m[id]; exists {
		return false
	}
	m[id] = t.now()
	return true
}

// End removes a job. Ending an unknown job is a no-op.
func (t *InMemoryTracker) End(kind, id string) {
	if kind == "" || id == "" {
		return
	}
	t.mu.Lock()
	if m, ok := t.data[kind]; ok {
		delete(m, id)
		if len(m) == 0 {
			delete(t.data, kind)
		}
	}
	t.mu.Unlock()
}

// Count returns how many jobs of kind are running.
func (t *InMemoryTracker) Count(kind string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.data[kind])
}

// Snapshot returns a copy of the live jobs per kind, oldest first.
func (t *InMemoryTracker) Snapshot() map[string][]Entry {
	now := t.now()
	out := make(map[string][]Entry)
	t.mu.RLock()
	for kind, m := range t.data {
		entries := make([]Entry, 0, len(m))
		for id, started := range m {
			entries = append(entries, Entry{ID: id, Running: now.Sub(started)})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Running > entries[j].Running })
		out[kind] = entries
	}
	t.mu.RUnlock()
	return out
}
