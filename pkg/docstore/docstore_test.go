package docstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMetadataLWWAcrossPeers covers S1: Alice sets title="Foo" at
// pushSeq=1, Bob sets title="Bar" at pushSeq=2; after exchange both
// converge on "Bar".
func TestMetadataLWWAcrossPeers(t *testing.T) {
	alice := New(1)
	bob := New(1)

	alice.Transact(OriginLocal, func(tx *Tx) {
		tx.SetMetadata("item1", "title", Record{Author: "alice", PushSeq: 1, Payload: map[string]any{"text": "Foo"}})
	})
	bob.Transact(OriginLocal, func(tx *Tx) {
		tx.SetMetadata("item1", "title", Record{Author: "bob", PushSeq: 2, Payload: map[string]any{"text": "Bar"}})
	})

	alice.MergeState(bob, OriginRemote)
	bob.MergeState(alice, OriginRemote)

	ab, _ := alice.Bucket("item1")
	bb, _ := bob.Bucket("item1")

	aRec, ok := ab.Metadata.Get("title")
	require.True(t, ok)
	bRec, ok := bb.Metadata.Get("title")
	require.True(t, ok)

	assert.Equal(t, "Bar", aRec.Payload["text"])
	assert.Equal(t, "Bar", bRec.Payload["text"])
}

// TestAddWinsTag covers S2: add(1) -> remove(2) -> add(3) leaves the tag
// active on both peers after exchange.
func TestAddWinsTag(t *testing.T) {
	alice := New(1)
	bob := New(1)

	alice.Transact(OriginLocal, func(tx *Tx) {
		tx.AddTag("item1", "important", "alice", 1, map[string]any{"name": "Important", "color": "red"})
	})
	bob.MergeState(alice, OriginRemote)

	bob.Transact(OriginLocal, func(tx *Tx) {
		tx.RemoveTag("item1", "important", func() time.Time { return time.Now() })
	})
	alice.MergeState(bob, OriginRemote)

	alice.Transact(OriginLocal, func(tx *Tx) {
		tx.AddTag("item1", "important", "alice", 3, map[string]any{"name": "Important", "color": "red"})
	})

	alice.MergeState(bob, OriginRemote)
	bob.MergeState(alice, OriginRemote)

	ab, _ := alice.Bucket("item1")
	bb, _ := bob.Bucket("item1")

	_, aActive := ab.Tags.Active("important")
	_, bActive := bb.Tags.Active("important")
	assert.True(t, aActive)
	assert.True(t, bActive)
}

// TestThreePeerConvergence covers S4: three peers each write a distinct
// metadata field and a distinct tag; after full pairwise exchange all three
// see all three fields and all three tags, and alice's and bob's decoded
// states agree on their active metadata (a semantic form of P1).
func TestThreePeerConvergence(t *testing.T) {
	alice := New(1)
	bob := New(1)
	carol := New(1)

	alice.Transact(OriginLocal, func(tx *Tx) {
		tx.SetMetadata("item1", "title", Record{Author: "alice", PushSeq: 1, Payload: map[string]any{"text": "A"}})
		tx.AddTag("item1", "alice-tag", "alice", 1, map[string]any{"name": "alice-tag"})
	})
	bob.Transact(OriginLocal, func(tx *Tx) {
		tx.SetMetadata("item1", "caption", Record{Author: "bob", PushSeq: 2, Payload: map[string]any{"text": "B"}})
		tx.AddTag("item1", "bob-tag", "bob", 2, map[string]any{"name": "bob-tag"})
	})
	carol.Transact(OriginLocal, func(tx *Tx) {
		tx.SetMetadata("item1", "rights", Record{Author: "carol", PushSeq: 3, Payload: map[string]any{"text": "C"}})
		tx.AddTag("item1", "carol-tag", "carol", 3, map[string]any{"name": "carol-tag"})
	})

	peers := []*Document{alice, bob, carol}
	for _, a := range peers {
		for _, b := range peers {
			if a != b {
				a.MergeState(b, OriginRemote)
			}
		}
	}
	// second round so everyone has everyone's transitively-merged state
	for _, a := range peers {
		for _, b := range peers {
			if a != b {
				a.MergeState(b, OriginRemote)
			}
		}
	}

	for _, p := range peers {
		b, ok := p.Bucket("item1")
		require.True(t, ok)
		assert.Len(t, b.Metadata.Active(), 3)
		assert.Len(t, b.Tags.Elements(), 3)
	}

	aliceEnc, err := EncodeState(alice)
	require.NoError(t, err)
	bobEnc, err := EncodeState(bob)
	require.NoError(t, err)
	assertSameDocument(t, aliceEnc, bobEnc)
}

// assertSameDocument decodes two encoded states and compares their active
// entries rather than raw bytes (msgpack map ordering is not stable), which
// is the semantic form of P1 this implementation guarantees.
func assertSameDocument(t *testing.T, a, b []byte) {
	t.Helper()
	da, err := DecodeState(a)
	require.NoError(t, err)
	db, err := DecodeState(b)
	require.NoError(t, err)

	for _, identity := range da.Identities() {
		ba, _ := da.Bucket(identity)
		bb, ok := db.Bucket(identity)
		require.True(t, ok)
		assert.Equal(t, ba.Metadata.Active(), bb.Metadata.Active())
	}
}

// TestAuthorGuardRejectsMismatchedTombstone covers P5/S3: a tombstone whose
// author differs from the original entry's author has no effect.
func TestAuthorGuardRejectsMismatchedTombstone(t *testing.T) {
	doc := New(1)
	doc.Transact(OriginLocal, func(tx *Tx) {
		tx.SetNote("item1", "n_abc", Record{Author: "alice", PushSeq: 1, Payload: map[string]any{"html": "<p>x</p>"}})
	})

	now := time.Now()
	changed := doc.Transact(OriginRemote, func(tx *Tx) {
		tx.SetNote("item1", "n_abc", Record{Author: "bob", PushSeq: 2, DeletedAt: &now})
	})
	assert.Empty(t, changed.Changes, "mismatched-author tombstone must be rejected")

	b, _ := doc.Bucket("item1")
	rec, ok := b.Notes.Get("n_abc")
	require.True(t, ok, "note must still be active")
	assert.Equal(t, "<p>x</p>", rec.Payload["html"])
}

// TestAuthorGuardAcceptsMatchingTombstone is the positive counterpart: the
// original author's own tombstone is accepted.
func TestAuthorGuardAcceptsMatchingTombstone(t *testing.T) {
	doc := New(1)
	doc.Transact(OriginLocal, func(tx *Tx) {
		tx.SetNote("item1", "n_abc", Record{Author: "alice", PushSeq: 1, Payload: map[string]any{"html": "<p>x</p>"}})
	})

	now := time.Now()
	doc.Transact(OriginLocal, func(tx *Tx) {
		tx.SetNote("item1", "n_abc", Record{Author: "alice", PushSeq: 2, DeletedAt: &now})
	})

	b, _ := doc.Bucket("item1")
	_, ok := b.Notes.Get("n_abc")
	assert.False(t, ok)
}

// TestAuthorGuardRejectsMismatchedTombstoneViaApplyEncoded covers P5/S3 on
// the real remote-merge path: a forged peer's wire state (built by writing
// directly into its LWWMap rather than through the guarded Tx API, the way
// a buggy or malicious client would) carries a mismatched-author tombstone.
// Merging that state in via ApplyEncoded/MergeState — the path
// docstore.ApplyEncoded and relay.Room.ApplyUpdate actually take for
// transport-delivered deltas — must still reject it.
func TestAuthorGuardRejectsMismatchedTombstoneViaApplyEncoded(t *testing.T) {
	alice := New(1)
	alice.Transact(OriginLocal, func(tx *Tx) {
		tx.SetNote("item1", "n_abc", Record{Author: "alice", PushSeq: 1, Payload: map[string]any{"html": "<p>x</p>"}})
	})

	mallory := New(1)
	mallory.MergeState(alice, OriginRemote)

	mb, ok := mallory.Bucket("item1")
	require.True(t, ok)
	now := time.Now()
	mb.Notes.Merge("n_abc", Record{Author: "mallory", PushSeq: 99, DeletedAt: &now})

	data, err := EncodeState(mallory)
	require.NoError(t, err)

	batch, err := ApplyEncoded(alice, data, OriginRemote)
	require.NoError(t, err)
	assert.Empty(t, batch.Changes, "mismatched-author tombstone must be rejected even via ApplyEncoded")

	ab, _ := alice.Bucket("item1")
	rec, ok := ab.Notes.Get("n_abc")
	require.True(t, ok, "note must still be active after a forged remote merge")
	assert.Equal(t, "<p>x</p>", rec.Payload["html"])
}

// TestTagsAcceptAllTombstonesUnconditionally: unlike authored entities, tags
// have no ownership guard — any peer may remove any tag (§3.3).
func TestTagsAcceptAllTombstonesUnconditionally(t *testing.T) {
	doc := New(1)
	doc.Transact(OriginLocal, func(tx *Tx) {
		tx.AddTag("item1", "important", "alice", 1, nil)
	})
	doc.Transact(OriginRemote, func(tx *Tx) {
		tx.RemoveTag("item1", "important", func() time.Time { return time.Now() })
	})

	b, _ := doc.Bucket("item1")
	_, active := b.Tags.Active("important")
	assert.False(t, active)
}

// TestMergeIsIdempotent covers I5: merging the same state twice has no
// further effect beyond the first merge.
func TestMergeIsIdempotent(t *testing.T) {
	alice := New(1)
	alice.Transact(OriginLocal, func(tx *Tx) {
		tx.SetMetadata("item1", "title", Record{Author: "alice", PushSeq: 1, Payload: map[string]any{"text": "Foo"}})
	})

	bob := New(1)
	bob.MergeState(alice, OriginRemote)
	batch := bob.MergeState(alice, OriginRemote)
	assert.Empty(t, batch.Changes, "re-merging identical state must be a no-op")
}

// TestCompactPurgesOldTombstones covers P9.
func TestCompactPurgesOldTombstones(t *testing.T) {
	doc := New(1)
	old := time.Now().Add(-40 * 24 * time.Hour)
	doc.Transact(OriginLocal, func(tx *Tx) {
		tx.SetNote("item1", "n_abc", Record{Author: "alice", PushSeq: 1, Payload: map[string]any{"html": "x"}})
	})
	doc.Transact(OriginLocal, func(tx *Tx) {
		tx.SetNote("item1", "n_abc", Record{Author: "alice", PushSeq: 2, DeletedAt: &old})
	})

	stats := doc.Compact(time.Now(), 30*24*time.Hour)
	assert.GreaterOrEqual(t, stats.TombstonesPurged, 1)

	b, ok := doc.Bucket("item1")
	if ok {
		_, exists := b.Notes.GetRaw("n_abc")
		assert.False(t, exists)
	}
}

func TestIsEmptyAfterAllTombstonedAndCompacted(t *testing.T) {
	doc := New(1)
	old := time.Now().Add(-40 * 24 * time.Hour)
	doc.Transact(OriginLocal, func(tx *Tx) {
		tx.SetNote("item1", "n_abc", Record{Author: "alice", PushSeq: 1, Payload: map[string]any{"html": "x"}})
	})
	doc.Transact(OriginLocal, func(tx *Tx) {
		tx.SetNote("item1", "n_abc", Record{Author: "alice", PushSeq: 2, DeletedAt: &old})
	})

	doc.Compact(time.Now(), 30*24*time.Hour)
	_, ok := doc.Bucket("item1")
	assert.False(t, ok, "bucket with no remaining active entries must be pruned")
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	doc := New(3)
	doc.Transact(OriginLocal, func(tx *Tx) {
		tx.SetMetadata("item1", "title", Record{Author: "alice", PushSeq: 1, Payload: map[string]any{"text": "Foo"}})
		tx.AddTag("item1", "important", "alice", 2, map[string]any{"name": "Important"})
	})

	data, err := EncodeState(doc)
	require.NoError(t, err)

	decoded, err := DecodeState(data)
	require.NoError(t, err)
	assert.Equal(t, 3, decoded.SchemaVersion())

	b, ok := decoded.Bucket("item1")
	require.True(t, ok)
	rec, ok := b.Metadata.Get("title")
	require.True(t, ok)
	assert.Equal(t, "Foo", rec.Payload["text"])
	_, active := b.Tags.Active("important")
	assert.True(t, active)
}

func TestEncodeDeltaOnlyIncludesNewerRecords(t *testing.T) {
	doc := New(1)
	doc.Transact(OriginLocal, func(tx *Tx) {
		tx.SetMetadata("item1", "title", Record{Author: "alice", PushSeq: 1, Payload: map[string]any{"text": "Foo"}})
	})
	sv := doc.StateVector()

	doc.Transact(OriginLocal, func(tx *Tx) {
		tx.SetMetadata("item1", "caption", Record{Author: "alice", PushSeq: 2, Payload: map[string]any{"text": "Bar"}})
	})

	deltaBytes, err := EncodeDelta(doc, sv)
	require.NoError(t, err)

	peer := New(1)
	_, err = ApplyEncoded(peer, deltaBytes, OriginRemote)
	require.NoError(t, err)

	b, ok := peer.Bucket("item1")
	require.True(t, ok)
	_, hasTitle := b.Metadata.Get("title")
	assert.False(t, hasTitle, "delta must not include the field already covered by the state vector")
	caption, hasCaption := b.Metadata.Get("caption")
	require.True(t, hasCaption)
	assert.Equal(t, "Bar", caption.Payload["text"])
}
