package vault

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBidiLRUBasicRoundTrip(t *testing.T) {
	l := NewBidiLRU(10)
	l.Put("crdt1", "local1")

	localID, ok := l.LocalID("crdt1")
	require.True(t, ok)
	assert.Equal(t, "local1", localID)

	crdtKey, ok := l.CrdtKey("local1")
	require.True(t, ok)
	assert.Equal(t, "crdt1", crdtKey)
}

func TestBidiLRURepoint(t *testing.T) {
	l := NewBidiLRU(10)
	l.Put("crdt1", "local1")
	l.Put("crdt1", "local2")

	_, ok := l.CrdtKey("local1")
	assert.False(t, ok, "stale local1 mapping must be gone")

	localID, ok := l.LocalID("crdt1")
	require.True(t, ok)
	assert.Equal(t, "local2", localID)
}

// TestBidiLRUEvictionIsConsistent covers P7: after forced eviction, every
// surviving (crdtKey -> localID) pairing has a matching reverse pairing.
func TestBidiLRUEvictionIsConsistent(t *testing.T) {
	l := NewBidiLRU(100)
	for i := 0; i < 250; i++ {
		l.Put(fmt.Sprintf("crdt%d", i), fmt.Sprintf("local%d", i))
	}

	assert.LessOrEqual(t, l.Len(), 100)

	snapshot := l.Snapshot()
	for crdtKey, localID := range snapshot {
		reverse, ok := l.CrdtKey(localID)
		require.True(t, ok, "missing reverse entry for %s", localID)
		assert.Equal(t, crdtKey, reverse)
	}
}

func TestBidiLRUEvictsOldestFirst(t *testing.T) {
	l := NewBidiLRU(10)
	for i := 0; i < 10; i++ {
		l.Put(fmt.Sprintf("crdt%d", i), fmt.Sprintf("local%d", i))
	}
	// touch crdt0 so it's no longer the least-recently-used
	l.LocalID("crdt0")

	l.Put("crdt10", "local10") // triggers eviction of oldest 20% (2 entries)

	_, stillThere := l.LocalID("crdt0")
	assert.True(t, stillThere, "recently-touched entry must survive eviction")
}

func TestBidiLRUSnapshotRoundTrip(t *testing.T) {
	l := NewBidiLRU(10)
	l.Put("crdt1", "local1")
	l.Put("crdt2", "local2")

	snap := l.Snapshot()

	restored := NewBidiLRU(10)
	restored.LoadSnapshot(snap)

	localID, ok := restored.LocalID("crdt1")
	require.True(t, ok)
	assert.Equal(t, "local1", localID)
}
