package docstore

import (
	"sync"
	"time"
)

// LWWMap is a last-writer-wins map keyed by an opaque string key (a
// property URI, a note/selection/transcription key, ...). Merge is
// commutative, associative and idempotent (I5): applying the same record
// twice, or two records in either order, converges to the same winner.
type LWWMap struct {
	mu      sync.Mutex
	entries map[string]Record
}

// NewLWWMap returns an empty map.
func NewLWWMap() *LWWMap {
	return &LWWMap{entries: make(map[string]Record)}
}

// Merge applies rec at key, keeping whichever of rec and the current entry
// wins under Record.wins. Returns true if the stored value changed.
func (m *LWWMap) Merge(key string, rec Record) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.entries[key]
	if !ok || rec.wins(cur) {
		m.entries[key] = rec
		return true
	}
	return false
}

// Get returns the active (non-tombstoned) record at key.
func (m *LWWMap) Get(key string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.entries[key]
	if !ok || rec.Deleted() {
		return Record{}, false
	}
	return rec, true
}

// GetRaw returns the record at key whether or not it is tombstoned, for
// callers that need the original author (the ownership guard, §3.3).
func (m *LWWMap) GetRaw(key string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.entries[key]
	return rec, ok
}

// Active returns a snapshot of every non-tombstoned entry (I3).
func (m *LWWMap) Active() map[string]Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Record, len(m.entries))
	for k, v := range m.entries {
		if !v.Deleted() {
			out[k] = v
		}
	}
	return out
}

// All returns a snapshot of every entry, tombstones included.
func (m *LWWMap) All() map[string]Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Record, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out
}

// Len reports the total entry count, tombstones included.
func (m *LWWMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// MergeFrom folds every entry of other into m and reports whether anything
// changed. Used both for full-state merge and for delta apply.
func (m *LWWMap) MergeFrom(other *LWWMap) bool {
	other.mu.Lock()
	snapshot := make(map[string]Record, len(other.entries))
	for k, v := range other.entries {
		snapshot[k] = v
	}
	other.mu.Unlock()

	changed := false
	for k, v := range snapshot {
		if m.Merge(k, v) {
			changed = true
		}
	}
	return changed
}

// PurgeTombstonesOlderThan removes tombstones with deletedAt before cutoff
// and reports how many were purged (§3.2 time-GC, P9). Purging a tombstone
// is safe because tombstones are never consulted for conflict resolution
// once GC'd; a write racing the purge simply re-creates the key.
func (m *LWWMap) PurgeTombstonesOlderThan(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for k, v := range m.entries {
		if v.Deleted() && v.DeletedAt.Before(cutoff) {
			delete(m.entries, k)
			purged++
		}
	}
	return purged
}
