package docstore

import (
	"sync"
	"time"
)

// Origin tags who produced a change, so observers — chiefly the sync
// engine — can react only to remote-origin updates and ignore their own
// writes (§4.C, §4.G feedback-loop prevention mechanism 3).
type Origin int

const (
	// OriginLocal is a write the local user made through the adapter.
	OriginLocal Origin = iota
	// OriginRemote is a write applied from a transport update.
	OriginRemote
	// OriginAttribution is a locally-synthesized write (e.g. an
	// attribution footer) that must never itself be pushed.
	OriginAttribution
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	case OriginAttribution:
		return "attribution"
	default:
		return "unknown"
	}
}

// Change describes one write inside a transaction.
type Change struct {
	Identity   string
	Collection string
	Key        string
}

// Batch is the set of changes made by one Transact call, delivered to
// observers as a single notification (§4.C: "a transaction API wraps
// related writes so that observers see a single update").
type Batch struct {
	Origin  Origin
	Changes []Change
}

// Observer is called once per Transact batch.
type Observer func(Batch)

// Document is the replicated annotation document for one room (§3.2).
type Document struct {
	mu sync.Mutex

	schemaVersion int
	buckets       map[string]*ItemBucket
	templates     *LWWMap // templateURI -> Template payload
	listHierarchy *LWWMap // listUUID -> ListNode payload

	obsMu     sync.Mutex
	observers []Observer
}

// New returns an empty document at the given schema version.
func New(schemaVersion int) *Document {
	return &Document{
		schemaVersion: schemaVersion,
		buckets:       make(map[string]*ItemBucket),
		templates:     NewLWWMap(),
		listHierarchy: NewLWWMap(),
	}
}

// SchemaVersion returns the document's schema version.
func (d *Document) SchemaVersion() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.schemaVersion
}

// Templates exposes the shared-ontology map for direct read/merge use by
// callers that already hold the tx lock (e.g. during apply).
func (d *Document) Templates() *LWWMap { return d.templates }

// ListHierarchy exposes the shared list-tree map.
func (d *Document) ListHierarchy() *LWWMap { return d.listHierarchy }

// GetOrCreateItemBucket returns the bucket for identity, creating it
// lazily on first access (§3.5). Callers normally reach this only from
// inside Transact.
func (d *Document) GetOrCreateItemBucket(identity string) *ItemBucket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.getOrCreateLocked(identity)
}

func (d *Document) getOrCreateLocked(identity string) *ItemBucket {
	b, ok := d.buckets[identity]
	if !ok {
		b = NewItemBucket()
		d.buckets[identity] = b
	}
	return b
}

// Bucket returns the bucket for identity without creating it.
func (d *Document) Bucket(identity string) (*ItemBucket, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buckets[identity]
	return b, ok
}

// Identities returns a snapshot of every item identity with a bucket,
// regardless of whether the bucket currently holds active entries.
func (d *Document) Identities() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.buckets))
	for id := range d.buckets {
		out = append(out, id)
	}
	return out
}

// RegisterObserver adds fn to the set notified after every Transact call.
// It returns an unsubscribe function.
func (d *Document) RegisterObserver(fn Observer) (unsubscribe func()) {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	d.observers = append(d.observers, fn)
	idx := len(d.observers) - 1
	return func() {
		d.obsMu.Lock()
		defer d.obsMu.Unlock()
		if idx < len(d.observers) {
			d.observers[idx] = nil
		}
	}
}

// Tx is the handle passed to a Transact callback. Every write through Tx is
// recorded into the enclosing batch.
type Tx struct {
	doc     *Document
	changes []Change
}

func (tx *Tx) record(identity, collection, key string) {
	tx.changes = append(tx.changes, Change{Identity: identity, Collection: collection, Key: key})
}

// Bucket returns (creating if needed) the bucket for identity.
func (tx *Tx) Bucket(identity string) *ItemBucket {
	return tx.doc.getOrCreateLocked(identity)
}

// SetMetadata writes an item-level property and records the change.
func (tx *Tx) SetMetadata(identity, property string, rec Record) {
	if tx.Bucket(identity).SetMetadata(property, rec) {
		tx.record(identity, "metadata", property)
	}
}

// SetPhotoMetadata writes a checksum-scoped property and records the change.
func (tx *Tx) SetPhotoMetadata(identity, checksum, property string, rec Record) {
	if tx.Bucket(identity).SetPhotoMetadata(checksum, property, rec) {
		tx.record(identity, "photoMetadata:"+checksum, property)
	}
}

// SetNote writes/tombstones a note, respecting the ownership guard.
func (tx *Tx) SetNote(identity, key string, rec Record) bool {
	changed := tx.Bucket(identity).MergeAuthored(CollectionNotes, key, rec)
	if changed {
		tx.record(identity, "notes", key)
	}
	return changed
}

// SetSelection writes/tombstones a selection, respecting the ownership guard.
func (tx *Tx) SetSelection(identity, key string, rec Record) bool {
	changed := tx.Bucket(identity).MergeAuthored(CollectionSelections, key, rec)
	if changed {
		tx.record(identity, "selections", key)
	}
	return changed
}

// SetSelectionMeta writes a selection-scoped property.
func (tx *Tx) SetSelectionMeta(identity, selKey, property string, rec Record) {
	if tx.Bucket(identity).SetSelectionMeta(selKey, property, rec) {
		tx.record(identity, "selectionMeta:"+selKey, property)
	}
}

// SetSelectionNote writes/tombstones a note attached to a selection.
func (tx *Tx) SetSelectionNote(identity, key string, rec Record) bool {
	changed := tx.Bucket(identity).MergeAuthored(CollectionSelectionNotes, key, rec)
	if changed {
		tx.record(identity, "selectionNotes", key)
	}
	return changed
}

// SetTranscription writes/tombstones a transcription.
func (tx *Tx) SetTranscription(identity, key string, rec Record) bool {
	changed := tx.Bucket(identity).MergeAuthored(CollectionTranscriptions, key, rec)
	if changed {
		tx.record(identity, "transcriptions", key)
	}
	return changed
}

// AddTag records an add-wins tag membership.
func (tx *Tx) AddTag(identity, tagKey, author string, pushSeq uint64, payload map[string]any) {
	tx.Bucket(identity).AddTag(tagKey, author, pushSeq, payload)
	tx.record(identity, "tags", tagKey)
}

// RemoveTag tombstones currently-observed tag add tokens.
func (tx *Tx) RemoveTag(identity, tagKey string, at ClockFn) {
	tx.Bucket(identity).RemoveTag(tagKey, at())
	tx.record(identity, "tags", tagKey)
}

// AddListMember records an add-wins list-membership entry.
func (tx *Tx) AddListMember(identity, listKey, author string, pushSeq uint64, payload map[string]any) {
	tx.Bucket(identity).AddListMember(listKey, author, pushSeq, payload)
	tx.record(identity, "lists", listKey)
}

// RemoveListMember tombstones currently-observed list membership tokens.
func (tx *Tx) RemoveListMember(identity, listKey string, at ClockFn) {
	tx.Bucket(identity).RemoveListMember(listKey, at())
	tx.record(identity, "lists", listKey)
}

// SetUUID writes the advisory local-scope registry entry.
func (tx *Tx) SetUUID(identity, localScopedKey string, rec Record) {
	if tx.Bucket(identity).SetUUID(localScopedKey, rec) {
		tx.record(identity, "uuids", localScopedKey)
	}
}

// SetAlias writes a re-import redirect.
func (tx *Tx) SetAlias(identity, oldIdentity string, rec Record) {
	if tx.Bucket(identity).SetAlias(oldIdentity, rec) {
		tx.record(identity, "aliases", oldIdentity)
	}
}

// SetTemplate writes a shared-ontology template entry.
func (tx *Tx) SetTemplate(templateURI string, rec Record) {
	if tx.doc.templates.Merge(templateURI, rec) {
		tx.record("", "templates", templateURI)
	}
}

// SetListNode writes a shared list-tree node.
func (tx *Tx) SetListNode(listUUID string, rec Record) {
	if tx.doc.listHierarchy.Merge(listUUID, rec) {
		tx.record("", "listHierarchy", listUUID)
	}
}

// ClockFn supplies the wall-clock time used only for tombstone GC
// scheduling — never for conflict resolution (§3.3).
type ClockFn func() time.Time

// Transact runs fn under the document's single mutex and, if it made any
// changes, notifies every registered observer once with the resulting
// Batch (§4.C, §5: all document mutations on a peer serialize behind one
// lock).
func (d *Document) Transact(origin Origin, fn func(tx *Tx)) Batch {
	d.mu.Lock()
	tx := &Tx{doc: d}
	fn(tx)
	d.mu.Unlock()

	batch := Batch{Origin: origin, Changes: tx.changes}
	if len(batch.Changes) > 0 {
		d.notify(batch)
	}
	return batch
}

func (d *Document) notify(batch Batch) {
	d.obsMu.Lock()
	observers := make([]Observer, len(d.observers))
	copy(observers, d.observers)
	d.obsMu.Unlock()

	for _, obs := range observers {
		if obs != nil {
			obs(batch)
		}
	}
}
