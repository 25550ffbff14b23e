package syncengine

import (
	"crypto/sha256"
	"encoding/hex"
)

// hashValue fingerprints a field's current content for vault.HasLocalEdit
// comparisons (§4.G push step 2). It is engine-internal bookkeeping, not a
// CRDT identity, so collisions across unrelated fields are harmless — the
// worst case is a spurious re-push, grounded on the same sha256+hex idiom
// as ids.ComputeItemIdentity.
func hashValue(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
