package vault

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/troparcel/sync/pkg/log"
	"github.com/troparcel/sync/pkg/metrics"
	"github.com/troparcel/sync/pkg/security"
)

// DefaultMaxRetries is the number of failed applies before a key is
// permanently skipped (§4.D).
const DefaultMaxRetries = 3

// file is the on-disk, JSON-serializable shape of a Vault. Every field is
// optional so a legacy vault missing newer fields loads cleanly (§4.D) —
// zero-value maps are initialized by Load after unmarshal.
type file struct {
	PushSeq                  uint64            `json:"pushSeq"`
	PushedFieldHashes        map[string]map[string]string `json:"pushedFieldHashes,omitempty"`
	AppliedNoteKeys          map[string]bool   `json:"appliedNoteKeys,omitempty"`
	AppliedSelectionKeys     map[string]bool   `json:"appliedSelectionKeys,omitempty"`
	AppliedTranscriptionKeys map[string]bool   `json:"appliedTranscriptionKeys,omitempty"`
	FailedNoteKeys           map[string]int    `json:"failedNoteKeys,omitempty"`
	DismissedKeys            map[string]uint64 `json:"dismissedKeys,omitempty"`
	OriginalAuthors          map[string]string `json:"originalAuthors,omitempty"`
	PushedTemplateHashes     map[string]string `json:"pushedTemplateHashes,omitempty"`
	PushedListHashes         map[string]string `json:"pushedListHashes,omitempty"`
	CrdtKeyToLocalID         map[string]string `json:"crdtKeyToLocalId,omitempty"`
}

// Vault is the durable per-(room,user) state described in §4.D. All
// mutation methods are safe for concurrent use, though the sync engine
// only ever touches a Vault from under its single mutex or from Stop's
// final SaveWithRetry.
type Vault struct {
	mu   sync.Mutex
	path string

	pushSeq                  uint64
	pushedFieldHashes        map[string]map[string]string
	appliedNoteKeys          map[string]bool
	appliedSelectionKeys     map[string]bool
	appliedTranscriptionKeys map[string]bool
	failedNoteKeys           map[string]int
	dismissedKeys            map[string]uint64
	originalAuthors          map[string]string
	pushedTemplateHashes     map[string]string
	pushedListHashes         map[string]string

	ids *BidiLRU

	enc *security.SecretsManager
}

// SetEncryption enables encryption-at-rest for this vault's file: every
// subsequent Save encrypts the marshaled JSON with sm before writing, and
// Load (called before SetEncryption, see below) is expected to have been
// given the same manager. Pass nil to store the vault as plain JSON, the
// default.
func (v *Vault) SetEncryption(sm *security.SecretsManager) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.enc = sm
}

// New returns an empty, unpersisted vault. Call Save to write it, or
// construct with Load to read an existing one.
func New(path string) *Vault {
	return &Vault{
		path:                     path,
		pushedFieldHashes:        make(map[string]map[string]string),
		appliedNoteKeys:          make(map[string]bool),
		appliedSelectionKeys:     make(map[string]bool),
		appliedTranscriptionKeys: make(map[string]bool),
		failedNoteKeys:           make(map[string]int),
		dismissedKeys:            make(map[string]uint64),
		originalAuthors:          make(map[string]string),
		pushedTemplateHashes:     make(map[string]string),
		pushedListHashes:         make(map[string]string),
		ids:                      NewBidiLRU(DefaultBidiCapacity),
	}
}

// Load reads path if it exists and returns a populated Vault; a missing
// file returns a fresh empty vault rather than an error, matching the
// teacher's tolerant-first-run pattern (first boot has no state to load).
// sm, if non-nil, decrypts the file's contents before parsing and is kept
// on the returned Vault so subsequent Save calls re-encrypt with it; pass
// nil for a plain-JSON vault file.
func Load(path string, sm *security.SecretsManager) (*Vault, error) {
	v := New(path)
	v.enc = sm

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return v, nil
		}
		return nil, fmt.Errorf("vault: read %s: %w", path, err)
	}

	if sm != nil {
		data, err = sm.DecryptSecret(data)
		if err != nil {
			return nil, fmt.Errorf("vault: decrypt %s: %w", path, err)
		}
	}

	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("vault: corrupt vault file %s: %w", path, err)
	}

	v.pushSeq = f.PushSeq
	if f.PushedFieldHashes != nil {
		v.pushedFieldHashes = f.PushedFieldHashes
	}
	if f.AppliedNoteKeys != nil {
		v.appliedNoteKeys = f.AppliedNoteKeys
	}
	if f.AppliedSelectionKeys != nil {
		v.appliedSelectionKeys = f.AppliedSelectionKeys
	}
	if f.AppliedTranscriptionKeys != nil {
		v.appliedTranscriptionKeys = f.AppliedTranscriptionKeys
	}
	if f.FailedNoteKeys != nil {
		v.failedNoteKeys = f.FailedNoteKeys
	}
	if f.DismissedKeys != nil {
		v.dismissedKeys = f.DismissedKeys
	}
	if f.OriginalAuthors != nil {
		v.originalAuthors = f.OriginalAuthors
	}
	if f.PushedTemplateHashes != nil {
		v.pushedTemplateHashes = f.PushedTemplateHashes
	}
	if f.PushedListHashes != nil {
		v.pushedListHashes = f.PushedListHashes
	}
	if f.CrdtKeyToLocalID != nil {
		v.ids.LoadSnapshot(f.CrdtKeyToLocalID)
	}

	return v, nil
}

// Save persists the vault atomically: write to a temp file in the same
// directory, then rename over the destination (§4.D, §6.4).
func (v *Vault) Save() (err error) {
	defer func() {
		if err != nil {
			metrics.RegisterComponent("vault", false, err.Error())
		} else {
			metrics.RegisterComponent("vault", true, "")
		}
	}()

	v.mu.Lock()
	f := file{
		PushSeq:                  v.pushSeq,
		PushedFieldHashes:        v.pushedFieldHashes,
		AppliedNoteKeys:          v.appliedNoteKeys,
		AppliedSelectionKeys:     v.appliedSelectionKeys,
		AppliedTranscriptionKeys: v.appliedTranscriptionKeys,
		FailedNoteKeys:           v.failedNoteKeys,
		DismissedKeys:            v.dismissedKeys,
		OriginalAuthors:          v.originalAuthors,
		PushedTemplateHashes:     v.pushedTemplateHashes,
		PushedListHashes:         v.pushedListHashes,
		CrdtKeyToLocalID:         v.ids.Snapshot(),
	}
	v.mu.Unlock()

	data, err := json.MarshalIndent(&f, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: marshal: %w", err)
	}

	v.mu.Lock()
	enc := v.enc
	v.mu.Unlock()
	if enc != nil {
		data, err = enc.EncryptSecret(data)
		if err != nil {
			return fmt.Errorf("vault: encrypt: %w", err)
		}
	}

	dir := filepath.Dir(v.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("vault: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".vault-*.tmp")
	if err != nil {
		return fmt.Errorf("vault: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("vault: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("vault: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, v.path); err != nil {
		return fmt.Errorf("vault: rename into place: %w", err)
	}

	v.reportSizeMetrics()
	return nil
}

// reportSizeMetrics samples the bookkeeping map sizes for the
// troparcel_vault_* gauges (§4.D), called after every successful Save so
// the exported values always reflect what was just persisted.
func (v *Vault) reportSizeMetrics() {
	v.mu.Lock()
	defer v.mu.Unlock()

	fieldCount := 0
	for _, fields := range v.pushedFieldHashes {
		fieldCount += len(fields)
	}
	metrics.VaultPushedFieldsTotal.Set(float64(fieldCount))
	metrics.VaultDismissedKeysTotal.Set(float64(len(v.dismissedKeys)))
}

// NextPushSeq returns the next value of this peer's monotonic counter
// (P2). Always increases, never reused across a process session.
func (v *Vault) NextPushSeq() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pushSeq++
	return v.pushSeq
}

// PushSeq returns the counter's current value without advancing it.
func (v *Vault) PushSeq() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pushSeq
}

// HasLocalEdit reports whether currentHash differs from the hash recorded
// for (identity, field) at the last push. With no recorded push, this
// conservatively returns true (§4.D).
func (v *Vault) HasLocalEdit(identity, field, currentHash string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	fields, ok := v.pushedFieldHashes[identity]
	if !ok {
		return true
	}
	last, ok := fields[field]
	if !ok {
		return true
	}
	return last != currentHash
}

// MarkFieldPushed records the hash just pushed for (identity, field).
func (v *Vault) MarkFieldPushed(identity, field, hash string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.pushedFieldHashes[identity] == nil {
		v.pushedFieldHashes[identity] = make(map[string]string)
	}
	v.pushedFieldHashes[identity][field] = hash
}

// PushedFields returns every field name recorded as pushed for identity.
// The sync engine uses this to enumerate what it previously pushed for an
// item — e.g. which tags or list memberships were active last time — so it
// can detect a field that has since disappeared from the host's view and
// push a removal for it.
func (v *Vault) PushedFields(identity string) []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	fields := v.pushedFieldHashes[identity]
	out := make([]string, 0, len(fields))
	for k := range fields {
		out = append(out, k)
	}
	return out
}

// HasTemplateLocalEdit is the templates-map analog of HasLocalEdit.
func (v *Vault) HasTemplateLocalEdit(templateURI, currentHash string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	last, ok := v.pushedTemplateHashes[templateURI]
	return !ok || last != currentHash
}

// MarkTemplatePushed records the hash just pushed for a template.
func (v *Vault) MarkTemplatePushed(templateURI, hash string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pushedTemplateHashes[templateURI] = hash
}

// HasListLocalEdit is the list-hierarchy analog of HasLocalEdit.
func (v *Vault) HasListLocalEdit(listUUID, currentHash string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	last, ok := v.pushedListHashes[listUUID]
	return !ok || last != currentHash
}

// MarkListPushed records the hash just pushed for a list node.
func (v *Vault) MarkListPushed(listUUID, hash string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pushedListHashes[listUUID] = hash
}

// DismissKey records that the local user chose not to see the entry at key
// (a "entityKind:key" compound string) as of pushSeqAtDismissal.
func (v *Vault) DismissKey(key string, pushSeqAtDismissal uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.dismissedKeys[key] = pushSeqAtDismissal
}

// IsDismissed reports whether key is still dismissed given the pushSeq of
// the entry currently under consideration. A later write to the entry
// (entrySeq > the recorded dismissal) auto-expires the dismissal (P6: the
// "muted thread resurrected by new activity" rule) — note this does not
// itself clear the stored dismissal; ClearDismissalIfExpired does that once
// the caller has decided to show the entry again.
func (v *Vault) IsDismissed(key string, entrySeq uint64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	seqAtDismissal, ok := v.dismissedKeys[key]
	if !ok {
		return false
	}
	return entrySeq <= seqAtDismissal
}

// ClearDismissalIfExpired removes the dismissal record for key once an
// entry with entrySeq greater than the recorded dismissal has been shown
// again, so a still-later tombstone/re-dismissal starts from a clean slate.
func (v *Vault) ClearDismissalIfExpired(key string, entrySeq uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if seqAtDismissal, ok := v.dismissedKeys[key]; ok && entrySeq > seqAtDismissal {
		delete(v.dismissedKeys, key)
	}
}

// RecordFailure increments the retry count for key and reports whether it
// has now hit DefaultMaxRetries and should be permanently skipped.
// Callers must check IsDismissed(key, ...) first: dismissed keys shadow
// failedNoteKeys and must never reach RecordFailure (§4.D).
func (v *Vault) RecordFailure(key string) (permanentlyFailed bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failedNoteKeys[key]++
	return v.failedNoteKeys[key] >= DefaultMaxRetries
}

// IsPermanentlyFailed reports whether key has already hit the retry cap.
func (v *Vault) IsPermanentlyFailed(key string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.failedNoteKeys[key] >= DefaultMaxRetries
}

// EntityKind names the three ghost-apply-tracked entity collections.
type EntityKind string

const (
	KindNote           EntityKind = "note"
	KindSelection      EntityKind = "selection"
	KindTranscription  EntityKind = "transcription"
)

// MarkApplied records that key has already been applied for kind, so a
// replayed or duplicate update doesn't re-dispatch it (ghost-apply
// prevention, §4.D/§4.G).
func (v *Vault) MarkApplied(kind EntityKind, key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch kind {
	case KindNote:
		v.appliedNoteKeys[key] = true
	case KindSelection:
		v.appliedSelectionKeys[key] = true
	case KindTranscription:
		v.appliedTranscriptionKeys[key] = true
	default:
		panic("vault: unknown entity kind " + string(kind))
	}
}

// IsApplied reports whether key has already been applied for kind.
func (v *Vault) IsApplied(kind EntityKind, key string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch kind {
	case KindNote:
		return v.appliedNoteKeys[key]
	case KindSelection:
		return v.appliedSelectionKeys[key]
	case KindTranscription:
		return v.appliedTranscriptionKeys[key]
	default:
		panic("vault: unknown entity kind " + string(kind))
	}
}

// RecordOriginalAuthor records the first-seen author of an authored entity
// key, first-write-wins: subsequent calls for the same key are no-ops.
func (v *Vault) RecordOriginalAuthor(key, author string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.originalAuthors[key]; !ok {
		v.originalAuthors[key] = author
	}
}

// OriginalAuthor returns the recorded first author of key, if any.
func (v *Vault) OriginalAuthor(key string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	author, ok := v.originalAuthors[key]
	return author, ok
}

// IDs exposes the bidirectional crdtKey<->localId registry (§4.D, P7).
func (v *Vault) IDs() *BidiLRU { return v.ids }

// SaveWithRetry persists the vault, retrying once in place on failure; if
// the retry also fails it keeps the in-memory state and surfaces a warning
// rather than blocking sync (§7: "Vault I/O ... never block sync").
func (v *Vault) SaveWithRetry() {
	logger := log.WithComponent("vault")

	if err := v.Save(); err != nil {
		logger.Warn().Err(err).Msg("vault save failed, retrying once")
		if err := v.Save(); err != nil {
			logger.Warn().Err(err).Msg("vault save failed again, keeping in-memory state only")
		}
	}
}
