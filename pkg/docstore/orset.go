package docstore

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// orAdd is one observed add of an element: a unique token plus the payload
// and authorship that produced it. Unlike an LWWMap entry, the token — not
// the element key — is the unit a remove tombstones, which is what makes
// this an add-wins set (ported from the token/adds/removes shape in
// acorde's ORSet, generalized from a single element set to a per-item-key
// value).
type orAdd struct {
	Token   string
	Author  string
	PushSeq uint64
	Payload map[string]any
}

// ORSetMap is an add-wins OR-Set keyed by element (a tag's lowercase name,
// a list key, ...). A remove only tombstones the tokens it has observed;
// any add token it has not seen — including one racing it concurrently —
// survives, and any add issued after a remove mints a fresh token that is
// unaffected by the earlier remove (§3.3: "a subsequent add after a remove
// re-activates the entry").
type ORSetMap struct {
	mu      sync.Mutex
	adds    map[string]map[string]orAdd      // element key -> token -> add
	removed map[string]map[string]time.Time  // element key -> token -> removedAt
}

// NewORSetMap returns an empty set.
func NewORSetMap() *ORSetMap {
	return &ORSetMap{
		adds:    make(map[string]map[string]orAdd),
		removed: make(map[string]map[string]time.Time),
	}
}

// Add records a new observed add for key with a freshly minted token and
// returns that token (callers needing a deterministic token for replay —
// e.g. applying a remote delta — should use AddWithToken instead).
func (s *ORSetMap) Add(key, author string, pushSeq uint64, payload map[string]any) string {
	token := uuid.NewString()
	s.AddWithToken(key, token, author, pushSeq, payload)
	return token
}

// AddWithToken records an add with an explicit token, idempotently: adding
// the same token twice has no additional effect (I5).
func (s *ORSetMap) AddWithToken(key, token, author string, pushSeq uint64, payload map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.adds[key] == nil {
		s.adds[key] = make(map[string]orAdd)
	}
	s.adds[key][token] = orAdd{Token: token, Author: author, PushSeq: pushSeq, Payload: payload}
}

// Remove tombstones every token currently observed for key that is not
// already removed. It does not affect tokens added after this call.
func (s *ORSetMap) Remove(key string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, ok := s.adds[key]
	if !ok {
		return
	}
	if s.removed[key] == nil {
		s.removed[key] = make(map[string]time.Time)
	}
	for token := range tokens {
		if _, gone := s.removed[key][token]; !gone {
			s.removed[key][token] = at
		}
	}
}

// RemoveToken tombstones a single token, for replaying a remote remove
// whose token is already known (delta apply).
func (s *ORSetMap) RemoveToken(key, token string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed[key] == nil {
		s.removed[key] = make(map[string]time.Time)
	}
	s.removed[key][token] = at
}

// Active reports whether key has at least one surviving (non-removed) add
// token and, if so, returns the payload of the surviving add with the
// highest (pushSeq, author) — membership is OR-set, but the displayed
// payload still needs a deterministic pick among concurrent adds.
func (s *ORSetMap) Active(key string) (orAdd, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked(key)
}

func (s *ORSetMap) activeLocked(key string) (orAdd, bool) {
	tokens := s.adds[key]
	removed := s.removed[key]

	var best orAdd
	found := false
	for token, add := range tokens {
		if removed != nil {
			if _, gone := removed[token]; gone {
				continue
			}
		}
		if !found || Record{Author: add.Author, PushSeq: add.PushSeq}.wins(Record{Author: best.Author, PushSeq: best.PushSeq}) {
			best = add
			found = true
		}
	}
	return best, found
}

// Elements returns every key with at least one surviving add token, mapped
// to its displayed payload.
func (s *ORSetMap) Elements() map[string]orAdd {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]orAdd)
	for key := range s.adds {
		if add, ok := s.activeLocked(key); ok {
			out[key] = add
		}
	}
	return out
}

// Len reports the number of distinct element keys ever added, active or not.
func (s *ORSetMap) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.adds)
}

// MergeFrom unions other's adds and removes into s (standard OR-Set merge:
// union of add-tokens, union of remove-tokens — commutative, associative,
// idempotent by construction).
func (s *ORSetMap) MergeFrom(other *ORSetMap) bool {
	other.mu.Lock()
	addsCopy := make(map[string]map[string]orAdd, len(other.adds))
	for k, toks := range other.adds {
		inner := make(map[string]orAdd, len(toks))
		for t, a := range toks {
			inner[t] = a
		}
		addsCopy[k] = inner
	}
	removedCopy := make(map[string]map[string]time.Time, len(other.removed))
	for k, toks := range other.removed {
		inner := make(map[string]time.Time, len(toks))
		for t, at := range toks {
			inner[t] = at
		}
		removedCopy[k] = inner
	}
	other.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for key, toks := range addsCopy {
		if s.adds[key] == nil {
			s.adds[key] = make(map[string]orAdd)
		}
		for token, add := range toks {
			if _, exists := s.adds[key][token]; !exists {
				s.adds[key][token] = add
				changed = true
			}
		}
	}
	for key, toks := range removedCopy {
		if s.removed[key] == nil {
			s.removed[key] = make(map[string]time.Time)
		}
		for token, at := range toks {
			if _, exists := s.removed[key][token]; !exists {
				s.removed[key][token] = at
				changed = true
			}
		}
	}
	return changed
}

// snapshotAll returns a deep copy of the internal adds/removed maps, for
// encode.go's serialization path.
func (s *ORSetMap) snapshotAll() (map[string]map[string]orAdd, map[string]map[string]time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	adds := make(map[string]map[string]orAdd, len(s.adds))
	for k, toks := range s.adds {
		inner := make(map[string]orAdd, len(toks))
		for t, a := range toks {
			inner[t] = a
		}
		adds[k] = inner
	}
	removed := make(map[string]map[string]time.Time, len(s.removed))
	for k, toks := range s.removed {
		inner := make(map[string]time.Time, len(toks))
		for t, at := range toks {
			inner[t] = at
		}
		removed[k] = inner
	}
	return adds, removed
}

// PurgeRemovedOlderThan drops fully-removed element keys (every observed
// token tombstoned before cutoff) to bound memory growth, mirroring the
// LWWMap tombstone GC (§3.2).
func (s *ORSetMap) PurgeRemovedOlderThan(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for key, toks := range s.adds {
		if _, ok := s.activeLocked(key); ok {
			continue
		}
		allOld := true
		for token := range toks {
			at, gone := s.removed[key][token]
			if !gone || !at.Before(cutoff) {
				allOld = false
				break
			}
		}
		if allOld {
			delete(s.adds, key)
			delete(s.removed, key)
			purged++
		}
	}
	return purged
}
