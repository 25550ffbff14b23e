package docstore

import (
	"sync"
	"time"
)

// ItemBucket holds the nine sub-collections of annotation state for one
// item identity (§3.2). Per-checksum and per-selection sub-maps
// (photoMetadata, selectionMeta) are created lazily on first write.
type ItemBucket struct {
	Metadata *LWWMap // property URI -> {text, type, lang}

	photoMu       sync.Mutex
	PhotoMetadata map[string]*LWWMap // checksum -> (property URI -> ...)

	Tags *ORSetMap // lowercase name -> {name, color}

	Notes *LWWMap // n_* -> {html, text, lang, photo, sel?}

	Selections *LWWMap // s_* -> {x, y, w, h, angle, photo}

	selMu         sync.Mutex
	SelectionMeta map[string]*LWWMap // selKey -> (property URI -> ...)

	SelectionNotes *LWWMap // n_* -> {html, text, lang, sel}

	Transcriptions *LWWMap // t_* -> {text, data, photo, sel?}

	Lists *ORSetMap // l_* -> {name, member}

	UUIDs *LWWMap // localScope:localId -> {crdtKey}

	Aliases *LWWMap // old identity -> {newIdentity, createdAt}
}

// NewItemBucket returns an empty bucket. Buckets are created lazily by
// Document.getOrCreateItemBucket on first write for an identity (§3.5) and
// never removed while any active entry remains.
func NewItemBucket() *ItemBucket {
	return &ItemBucket{
		Metadata:       NewLWWMap(),
		PhotoMetadata:  make(map[string]*LWWMap),
		Tags:           NewORSetMap(),
		Notes:          NewLWWMap(),
		Selections:     NewLWWMap(),
		SelectionMeta:  make(map[string]*LWWMap),
		SelectionNotes: NewLWWMap(),
		Transcriptions: NewLWWMap(),
		Lists:          NewORSetMap(),
		UUIDs:          NewLWWMap(),
		Aliases:        NewLWWMap(),
	}
}

// photoMetadata returns (creating if needed) the LWWMap for checksum.
func (b *ItemBucket) photoMetadata(checksum string) *LWWMap {
	b.photoMu.Lock()
	defer b.photoMu.Unlock()
	m, ok := b.PhotoMetadata[checksum]
	if !ok {
		m = NewLWWMap()
		b.PhotoMetadata[checksum] = m
	}
	return m
}

// selectionMeta returns (creating if needed) the LWWMap for selKey.
func (b *ItemBucket) selectionMeta(selKey string) *LWWMap {
	b.selMu.Lock()
	defer b.selMu.Unlock()
	m, ok := b.SelectionMeta[selKey]
	if !ok {
		m = NewLWWMap()
		b.SelectionMeta[selKey] = m
	}
	return m
}

// SetMetadata writes a property on the item itself (per-property LWW).
func (b *ItemBucket) SetMetadata(property string, rec Record) bool {
	return b.Metadata.Merge(property, rec)
}

// SetPhotoMetadata writes a property scoped to one photo checksum.
func (b *ItemBucket) SetPhotoMetadata(checksum, property string, rec Record) bool {
	return b.photoMetadata(checksum).Merge(property, rec)
}

// SetSelectionMeta writes a property scoped to one selection.
func (b *ItemBucket) SetSelectionMeta(selKey, property string, rec Record) bool {
	return b.selectionMeta(selKey).Merge(property, rec)
}

// AuthoredCollection names the four sub-collections whose entries carry an
// ownership guard (§3.3).
type AuthoredCollection int

const (
	CollectionNotes AuthoredCollection = iota
	CollectionSelections
	CollectionSelectionNotes
	CollectionTranscriptions
)

func (b *ItemBucket) authoredMap(c AuthoredCollection) *LWWMap {
	switch c {
	case CollectionNotes:
		return b.Notes
	case CollectionSelections:
		return b.Selections
	case CollectionSelectionNotes:
		return b.SelectionNotes
	case CollectionTranscriptions:
		return b.Transcriptions
	default:
		panic("docstore: unknown authored collection")
	}
}

// MergeAuthored applies rec at key in the given authored sub-collection,
// enforcing the ownership guard on tombstones (§3.3): an incoming tombstone
// is rejected if it does not share the author of the entry it would
// retire. Non-tombstone writes (creates/edits) are never guarded — only
// the original author can have written pushSeq=1 for an authored key in
// the first place, so an edit from a different author is itself an
// invariant violation the caller (sync engine) must not construct.
func (b *ItemBucket) MergeAuthored(c AuthoredCollection, key string, rec Record) bool {
	m := b.authoredMap(c)

	if rec.Deleted() {
		if original, ok := m.GetRaw(key); ok && original.Author != rec.Author {
			return false
		}
	}
	return m.Merge(key, rec)
}

// AuthoredRaw returns the raw record (tombstoned or not) for key in the
// given authored sub-collection, for callers that need to inspect
// authorship or pushSeq directly rather than only active entries.
func (b *ItemBucket) AuthoredRaw(c AuthoredCollection, key string) (Record, bool) {
	return b.authoredMap(c).GetRaw(key)
}

// mergeAuthoredFrom folds every entry of other into the given authored
// sub-collection one key at a time via MergeAuthored, so the ownership
// guard on tombstones (§3.3) applies to every entry instead of only the
// ones written through Tx.SetNote/SetSelection/SetSelectionNote/
// SetTranscription. This is the path a remote transport delta or a
// full-state merge actually takes (MergeFrom below), so the guard must
// live here rather than only on the in-process Tx write path.
func (b *ItemBucket) mergeAuthoredFrom(c AuthoredCollection, other *LWWMap) bool {
	changed := false
	for key, rec := range other.All() {
		if b.MergeAuthored(c, key, rec) {
			changed = true
		}
	}
	return changed
}

// AddTag records an add-wins tag membership (§3.3: subsequent add after a
// remove re-activates the entry).
func (b *ItemBucket) AddTag(tagKey, author string, pushSeq uint64, payload map[string]any) string {
	return b.Tags.Add(tagKey, author, pushSeq, payload)
}

// RemoveTag tombstones every currently-observed add token for tagKey.
// Tags accept all tombstones unconditionally — no ownership guard (§3.3).
func (b *ItemBucket) RemoveTag(tagKey string, at time.Time) {
	b.Tags.Remove(tagKey, at)
}

// AddListMember records an add-wins list-membership entry.
func (b *ItemBucket) AddListMember(listKey, author string, pushSeq uint64, payload map[string]any) string {
	return b.Lists.Add(listKey, author, pushSeq, payload)
}

// RemoveListMember tombstones every currently-observed token for listKey.
func (b *ItemBucket) RemoveListMember(listKey string, at time.Time) {
	b.Lists.Remove(listKey, at)
}

// SetUUID records the advisory local-scope -> CRDT-key registry entry.
func (b *ItemBucket) SetUUID(localScopedKey string, rec Record) bool {
	return b.UUIDs.Merge(localScopedKey, rec)
}

// SetAlias records a re-import redirect from an old identity.
func (b *ItemBucket) SetAlias(oldIdentity string, rec Record) bool {
	return b.Aliases.Merge(oldIdentity, rec)
}

// PhotoChecksums returns every checksum with a photoMetadata sub-map,
// without creating new ones — for callers outside the package (the sync
// engine's apply cycle) that need to enumerate scopes read-only.
func (b *ItemBucket) PhotoChecksums() []string {
	b.photoMu.Lock()
	defer b.photoMu.Unlock()
	out := make([]string, 0, len(b.PhotoMetadata))
	for k := range b.PhotoMetadata {
		out = append(out, k)
	}
	return out
}

// PhotoMetadataActive returns the active records for checksum's sub-map, or
// nil if no sub-map has been created for it yet.
func (b *ItemBucket) PhotoMetadataActive(checksum string) map[string]Record {
	b.photoMu.Lock()
	m, ok := b.PhotoMetadata[checksum]
	b.photoMu.Unlock()
	if !ok {
		return nil
	}
	return m.Active()
}

// SelectionMetaKeys is the selectionMeta analog of PhotoChecksums.
func (b *ItemBucket) SelectionMetaKeys() []string {
	b.selMu.Lock()
	defer b.selMu.Unlock()
	out := make([]string, 0, len(b.SelectionMeta))
	for k := range b.SelectionMeta {
		out = append(out, k)
	}
	return out
}

// SelectionMetaActive is the selectionMeta analog of PhotoMetadataActive.
func (b *ItemBucket) SelectionMetaActive(selKey string) map[string]Record {
	b.selMu.Lock()
	m, ok := b.SelectionMeta[selKey]
	b.selMu.Unlock()
	if !ok {
		return nil
	}
	return m.Active()
}

// IsEmpty reports whether every sub-collection of the bucket is free of
// active entries, making the bucket eligible for pruning at compaction
// (§3.5). Tombstones and orphaned UUID/alias rows don't count as active.
func (b *ItemBucket) IsEmpty() bool {
	if len(b.Metadata.Active()) > 0 {
		return false
	}
	if len(b.Tags.Elements()) > 0 {
		return false
	}
	if len(b.Notes.Active()) > 0 {
		return false
	}
	if len(b.Selections.Active()) > 0 {
		return false
	}
	if len(b.SelectionNotes.Active()) > 0 {
		return false
	}
	if len(b.Transcriptions.Active()) > 0 {
		return false
	}
	if len(b.Lists.Elements()) > 0 {
		return false
	}
	b.photoMu.Lock()
	for _, m := range b.PhotoMetadata {
		if len(m.Active()) > 0 {
			b.photoMu.Unlock()
			return false
		}
	}
	b.photoMu.Unlock()
	b.selMu.Lock()
	for _, m := range b.SelectionMeta {
		if len(m.Active()) > 0 {
			b.selMu.Unlock()
			return false
		}
	}
	b.selMu.Unlock()
	return true
}

// MergeFrom folds every sub-collection of other into b.
func (b *ItemBucket) MergeFrom(other *ItemBucket) bool {
	changed := b.Metadata.MergeFrom(other.Metadata)

	other.photoMu.Lock()
	photoSnapshot := make(map[string]*LWWMap, len(other.PhotoMetadata))
	for k, v := range other.PhotoMetadata {
		photoSnapshot[k] = v
	}
	other.photoMu.Unlock()
	for checksum, m := range photoSnapshot {
		if b.photoMetadata(checksum).MergeFrom(m) {
			changed = true
		}
	}

	if b.Tags.MergeFrom(other.Tags) {
		changed = true
	}
	if b.mergeAuthoredFrom(CollectionNotes, other.Notes) {
		changed = true
	}
	if b.mergeAuthoredFrom(CollectionSelections, other.Selections) {
		changed = true
	}

	other.selMu.Lock()
	selSnapshot := make(map[string]*LWWMap, len(other.SelectionMeta))
	for k, v := range other.SelectionMeta {
		selSnapshot[k] = v
	}
	other.selMu.Unlock()
	for selKey, m := range selSnapshot {
		if b.selectionMeta(selKey).MergeFrom(m) {
			changed = true
		}
	}

	if b.mergeAuthoredFrom(CollectionSelectionNotes, other.SelectionNotes) {
		changed = true
	}
	if b.mergeAuthoredFrom(CollectionTranscriptions, other.Transcriptions) {
		changed = true
	}
	if b.Lists.MergeFrom(other.Lists) {
		changed = true
	}
	if b.UUIDs.MergeFrom(other.UUIDs) {
		changed = true
	}
	if b.Aliases.MergeFrom(other.Aliases) {
		changed = true
	}
	return changed
}
