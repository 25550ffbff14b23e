package backup

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournalWriteAndRotate(t *testing.T) {
	dir := t.TempDir()
	j := NewJournal(dir, 3)

	for i := 0; i < 6; i++ {
		err := j.Write(Snapshot{
			Timestamp: time.Now().Add(time.Duration(i) * time.Second),
			Items:     map[string]json.RawMessage{"item1": json.RawMessage(`{"n":1}`)},
		})
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	var jsonFiles int
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") {
			jsonFiles++
		}
	}
	assert.LessOrEqual(t, jsonFiles, 3)
}

func TestJournalEntryIsReadableJSON(t *testing.T) {
	dir := t.TempDir()
	j := NewJournal(dir, 10)

	require.NoError(t, j.Write(Snapshot{
		Timestamp: time.Now(),
		Items:     map[string]json.RawMessage{"item1": json.RawMessage(`{"n":1}`)},
	}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Contains(t, snap.Items, "item1")
}

func TestValidatorRejectsOversizedNote(t *testing.T) {
	v := NewValidator(Validator{MaxNoteSize: 10})
	assert.NoError(t, v.ValidateNoteSize("short"))
	assert.Error(t, v.ValidateNoteSize("this is definitely longer than ten bytes"))
}

func TestValidatorRejectsOversizedMetadata(t *testing.T) {
	v := NewValidator(Validator{MaxMetadataSize: 5})
	assert.NoError(t, v.ValidateMetadataSize("ok"))
	assert.Error(t, v.ValidateMetadataSize("too long for five bytes"))
}

func TestValidatorDefaults(t *testing.T) {
	v := NewValidator(Validator{})
	assert.Equal(t, DefaultMaxNoteSize, v.MaxNoteSize)
	assert.Equal(t, DefaultMaxMetadataSize, v.MaxMetadataSize)
}

func TestShouldOverwrite(t *testing.T) {
	tests := []struct {
		name                                   string
		localEmpty, remoteDeleted, remoteEmpty bool
		want                                   bool
	}{
		{"remote tombstone always overwrites", false, true, false, true},
		{"non-empty remote overwrites", false, false, false, true},
		{"empty remote onto empty local overwrites", true, false, true, true},
		{"empty remote onto non-empty local keeps local", false, false, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldOverwrite(tt.localEmpty, tt.remoteDeleted, tt.remoteEmpty))
		})
	}
}
