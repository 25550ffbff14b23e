package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeItemIdentity(t *testing.T) {
	tests := []struct {
		name       string
		checksums  []string
		wantSynced bool
	}{
		{name: "empty set is unsyncable", checksums: nil, wantSynced: false},
		{name: "single checksum", checksums: []string{"abc123"}, wantSynced: true},
		{name: "multi checksum", checksums: []string{"bbb", "aaa", "ccc"}, wantSynced: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := ComputeItemIdentity(tt.checksums)
			assert.Equal(t, tt.wantSynced, ok)
			if ok {
				assert.Len(t, id, 32)
			} else {
				assert.Empty(t, id)
			}
		})
	}
}

// TestComputeItemIdentityOrderIndependent covers P8: identity is stable
// under reordering of the checksum set.
func TestComputeItemIdentityOrderIndependent(t *testing.T) {
	a, ok := ComputeItemIdentity([]string{"x", "y", "z"})
	require.True(t, ok)

	b, ok := ComputeItemIdentity([]string{"z", "x", "y"})
	require.True(t, ok)

	assert.Equal(t, a, b)
}

func TestComputeItemIdentityDistinctForDistinctSets(t *testing.T) {
	a, _ := ComputeItemIdentity([]string{"x"})
	b, _ := ComputeItemIdentity([]string{"x", "y"})
	assert.NotEqual(t, a, b)
}

func TestComputeSelectionFingerprintRoundsCoordinates(t *testing.T) {
	a := ComputeSelectionFingerprint("chk1", 10.2, 20.4, 100.49, 50.1)
	b := ComputeSelectionFingerprint("chk1", 10.0, 20.0, 100.0, 50.0)
	assert.Equal(t, a, b, "coordinates within one pixel must collide by design")

	c := ComputeSelectionFingerprint("chk1", 11.0, 20.0, 100.0, 50.0)
	assert.NotEqual(t, a, c)
}

func TestNewKeysHavePrefixAndMinLength(t *testing.T) {
	for _, tc := range []struct {
		make   func() string
		prefix string
	}{
		{NewNoteKey, NotePrefix},
		{NewSelectionKey, SelectionPrefix},
		{NewTranscriptionKey, TranscriptionPrefix},
		{NewListKey, ListPrefix},
	} {
		k := tc.make()
		assert.True(t, len(k) >= 10)
		assert.Contains(t, k, tc.prefix)
		assert.NotEqual(t, k, tc.make(), "keys must be unique across calls")
	}
}

func TestTagKeyLowercasesAndTrims(t *testing.T) {
	assert.Equal(t, "important", TagKey("  Important  "))
}

func TestJaccardSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want float64
	}{
		{name: "identical", a: []string{"A", "B"}, b: []string{"A", "B"}, want: 1.0},
		{name: "disjoint", a: []string{"A"}, b: []string{"B"}, want: 0.0},
		{name: "half overlap triggers fuzzy match", a: []string{"A", "B"}, b: []string{"A"}, want: 0.5},
		{name: "both empty", a: nil, b: nil, want: 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, JaccardSimilarity(tt.a, tt.b), 0.0001)
		})
	}
}

// TestFuzzyMatchThresholdAttackSurface documents spec Q3: at exactly 0.5
// similarity a two-photo local item matches a remote single-checksum
// identity sharing just one photo. This is accepted, not mitigated.
func TestFuzzyMatchThresholdAttackSurface(t *testing.T) {
	local := []string{"A", "B"}
	remote := []string{"A"}
	assert.GreaterOrEqual(t, JaccardSimilarity(local, remote), FuzzyMatchThreshold)
}

func TestIsLocalOnlyTag(t *testing.T) {
	assert.True(t, IsLocalOnlyTag("@mine"))
	assert.False(t, IsLocalOnlyTag("important"))
}

func TestIsLocalOnlyProperty(t *testing.T) {
	assert.True(t, IsLocalOnlyProperty("troparcel:attribution"))
	assert.True(t, IsLocalOnlyProperty("https://troparcel.org/ns/author"))
	assert.False(t, IsLocalOnlyProperty("https://example.org/dc/title"))
}
