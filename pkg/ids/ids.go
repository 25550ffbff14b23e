// Package ids computes the stable fingerprints and opaque keys that let
// peers match items and CRDT entries without sharing local database
// identifiers.
package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Entity key prefixes (§3.1).
const (
	NotePrefix          = "n_"
	SelectionPrefix     = "s_"
	TranscriptionPrefix = "t_"
	ListPrefix          = "l_"
)

// ComputeItemIdentity returns the 32-char lowercase hex fingerprint for an
// item's set of photo checksums. Checksums are sorted before hashing so
// identity is independent of input order (P8). An item with no checksums
// is unsyncable and has no identity.
func ComputeItemIdentity(photoChecksums []string) (string, bool) {
	if len(photoChecksums) == 0 {
		return "", false
	}

	sorted := make([]string, len(photoChecksums))
	copy(sorted, photoChecksums)
	sort.Strings(sorted)

	sum := sha256.Sum256([]byte(strings.Join(sorted, ":")))
	return hex.EncodeToString(sum[:16]), true
}

// ComputeSelectionFingerprint hashes a photo checksum and a region rounded
// to integer pixel coordinates. It is used only for apply-side dedup, never
// as a CRDT key, so two selections within the same pixel collide by design.
func ComputeSelectionFingerprint(photoChecksum string, x, y, w, h float64) string {
	payload := fmt.Sprintf("%s|%d|%d|%d|%d", photoChecksum, round(x), round(y), round(w), round(h))
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:16])
}

func round(v float64) int64 {
	if v >= 0 {
		return int64(v + 0.5)
	}
	return int64(v - 0.5)
}

func newKey(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// NewNoteKey mints a new, globally-unique note key.
func NewNoteKey() string { return newKey(NotePrefix) }

// NewSelectionKey mints a new, globally-unique selection key.
func NewSelectionKey() string { return newKey(SelectionPrefix) }

// NewTranscriptionKey mints a new, globally-unique transcription key.
func NewTranscriptionKey() string { return newKey(TranscriptionPrefix) }

// NewListKey mints a new, globally-unique list key.
func NewListKey() string { return newKey(ListPrefix) }

// TagKey normalizes a tag's display name to its CRDT key. Tag identity is
// case-insensitive; the display-case name is preserved in the value payload.
func TagKey(displayName string) string {
	return strings.ToLower(strings.TrimSpace(displayName))
}

// JaccardSimilarity returns |a∩b| / |a∪b| over two checksum sets. Used only
// on apply, to fuzzy-match a remote identity to a local item when no exact
// identity match exists (§3.1). At exactly 0.5 a remote item sharing a
// single checksum with a local two-photo item will match — this is a known,
// documented attack surface (spec Q3), not mitigated here.
func JaccardSimilarity(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}

	setA := toSet(a)
	setB := toSet(b)

	intersection := 0
	for k := range setA {
		if setB[k] {
			intersection++
		}
	}

	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func toSet(vals []string) map[string]bool {
	s := make(map[string]bool, len(vals))
	for _, v := range vals {
		s[v] = true
	}
	return s
}

// FuzzyMatchThreshold is the minimum Jaccard similarity for an apply-side
// fuzzy identity match (§3.1, spec Q3).
const FuzzyMatchThreshold = 0.5

// IsLocalOnlyTag reports whether a tag display name belongs to the
// locally-reconstructed attribution namespace and must never be pushed.
func IsLocalOnlyTag(displayName string) bool {
	return strings.HasPrefix(displayName, "@")
}

// LocalOnlyPropertyPrefixes are the metadata property URI spaces that never
// leave the local peer (§3.3).
var LocalOnlyPropertyPrefixes = []string{
	"troparcel:",
	"https://troparcel.org/ns/",
}

// IsLocalOnlyProperty reports whether a metadata property URI belongs to a
// local-only namespace and must never be pushed.
func IsLocalOnlyProperty(propertyURI string) bool {
	for _, prefix := range LocalOnlyPropertyPrefixes {
		if strings.HasPrefix(propertyURI, prefix) {
			return true
		}
	}
	return false
}
