package backup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/troparcel/sync/pkg/log"
)

// DefaultMaxBackups is the rolling journal's file cap per room (§4.E).
const DefaultMaxBackups = 10

// Journal is a room-scoped rolling snapshot journal. Entries are written
// before an apply cycle mutates local data so a bad remote update can be
// diagnosed or manually reverted (§4.E, §6.4:
// "<home>/.troparcel/backups/<sanitised-room>/<iso-timestamp>-NNNN.json").
type Journal struct {
	dir        string
	maxBackups int
	seq        int
}

// NewJournal returns a journal writing into dir, capped at maxBackups
// files (0 uses DefaultMaxBackups).
func NewJournal(dir string, maxBackups int) *Journal {
	if maxBackups <= 0 {
		maxBackups = DefaultMaxBackups
	}
	return &Journal{dir: dir, maxBackups: maxBackups}
}

// Snapshot is one journal entry: the items an apply cycle is about to
// touch, keyed by item identity, with their full pre-apply annotation
// state as an opaque payload (the engine supplies the encoding).
type Snapshot struct {
	Timestamp time.Time                 `json:"timestamp"`
	Items     map[string]json.RawMessage `json:"items"`
}

// Write appends a snapshot to the journal and rotates out the oldest file
// beyond maxBackups. The write itself is atomic (temp file + rename) so a
// crash mid-write never leaves a half-written journal entry readable.
func (j *Journal) Write(snap Snapshot) error {
	if err := os.MkdirAll(j.dir, 0o700); err != nil {
		return fmt.Errorf("backup: mkdir %s: %w", j.dir, err)
	}

	data, err := json.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("backup: marshal snapshot: %w", err)
	}

	j.seq++
	name := fmt.Sprintf("%s-%04d.json", snap.Timestamp.UTC().Format("20060102T150405.000Z"), j.seq%10000)
	dest := filepath.Join(j.dir, name)

	tmp, err := os.CreateTemp(j.dir, ".backup-*.tmp")
	if err != nil {
		return fmt.Errorf("backup: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("backup: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("backup: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("backup: rename into place: %w", err)
	}

	return j.rotate()
}

// rotate removes the oldest files beyond maxBackups, oldest-name-first
// (the ISO-timestamp prefix makes lexicographic order chronological).
func (j *Journal) rotate() error {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return fmt.Errorf("backup: list %s: %w", j.dir, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for len(names) > j.maxBackups {
		if err := os.Remove(filepath.Join(j.dir, names[0])); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("backup: rotate remove %s: %w", names[0], err)
		}
		names = names[1:]
	}
	return nil
}

// Validator enforces the inbound size and overwrite-suitability rules of
// §4.E. Its refusal causes the apply cycle to skip one entry, never the
// whole batch.
type Validator struct {
	MaxNoteSize     int // bytes, default 1 MiB
	MaxMetadataSize int // bytes, default 64 KiB
}

// DefaultMaxNoteSize and DefaultMaxMetadataSize are the §4.E defaults.
const (
	DefaultMaxNoteSize     = 1 << 20  // 1 MiB
	DefaultMaxMetadataSize = 64 << 10 // 64 KiB
)

// NewValidator returns a Validator with the spec defaults; zero fields in
// overrides fall back to the defaults.
func NewValidator(overrides Validator) *Validator {
	v := overrides
	if v.MaxNoteSize <= 0 {
		v.MaxNoteSize = DefaultMaxNoteSize
	}
	if v.MaxMetadataSize <= 0 {
		v.MaxMetadataSize = DefaultMaxMetadataSize
	}
	return &v
}

// ValidateNoteSize rejects notes whose HTML exceeds MaxNoteSize.
func (v *Validator) ValidateNoteSize(html string) error {
	if len(html) > v.MaxNoteSize {
		return fmt.Errorf("backup: note html %d bytes exceeds max %d", len(html), v.MaxNoteSize)
	}
	return nil
}

// ValidateMetadataSize rejects metadata text exceeding MaxMetadataSize.
func (v *Validator) ValidateMetadataSize(text string) error {
	if len(text) > v.MaxMetadataSize {
		return fmt.Errorf("backup: metadata text %d bytes exceeds max %d", len(text), v.MaxMetadataSize)
	}
	return nil
}

// ShouldOverwrite reports whether a remote value should replace a local
// one: true iff the remote is a tombstone, the remote is non-empty, or the
// local value is empty (§4.E).
func ShouldOverwrite(localEmpty, remoteDeleted, remoteEmpty bool) bool {
	if remoteDeleted {
		return true
	}
	if !remoteEmpty {
		return true
	}
	return localEmpty
}

// WarnIfTombstoneFlood logs (but never blocks on) a batch where more than
// half of an item's active keys were tombstoned in one pass — informational
// only, per §4.E.
func WarnIfTombstoneFlood(identity string, activeBefore, tombstonedInBatch int) {
	if activeBefore <= 0 {
		return
	}
	if float64(tombstonedInBatch)/float64(activeBefore) > 0.5 {
		log.WithIdentity(identity).Warn().
			Int("activeBefore", activeBefore).
			Int("tombstonedInBatch", tombstonedInBatch).
			Msg("tombstone flood: more than half of this item's active keys were retracted in one batch")
	}
}
