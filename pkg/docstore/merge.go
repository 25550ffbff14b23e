package docstore

import "time"

// MergeState folds every bucket, template and list-tree entry of other into
// d under origin, producing one observer batch. Because every underlying
// primitive (LWWMap, ORSetMap) is commutative/associative/idempotent, so is
// MergeState — merging {u1, u2} in either order, or merging u1 twice,
// converges to the same document (P1, I5).
func (d *Document) MergeState(other *Document, origin Origin) Batch {
	d.mu.Lock()
	other.mu.Lock()
	otherBuckets := make(map[string]*ItemBucket, len(other.buckets))
	for id, b := range other.buckets {
		otherBuckets[id] = b
	}
	other.mu.Unlock()

	tx := &Tx{doc: d}
	for identity, ob := range otherBuckets {
		b := tx.doc.getOrCreateLocked(identity)
		before := snapshotKeys(b)
		b.MergeFrom(ob)
		for _, k := range diffKeys(before, snapshotKeys(b)) {
			tx.record(identity, k.collection, k.key)
		}
	}
	if d.templates.MergeFrom(other.templates) {
		tx.record("", "templates", "*")
	}
	if d.listHierarchy.MergeFrom(other.listHierarchy) {
		tx.record("", "listHierarchy", "*")
	}
	d.mu.Unlock()

	batch := Batch{Origin: origin, Changes: tx.changes}
	if len(batch.Changes) > 0 {
		d.notify(batch)
	}
	return batch
}

type bucketKey struct{ collection, key string }

// snapshotKeys is a coarse fingerprint used only to decide whether MergeFrom
// touched a sub-collection worth reporting to observers; exact per-key
// change tracking across a whole-bucket merge isn't needed by any caller
// (the engine re-diffs identities wholesale on apply, §4.G step 3).
func snapshotKeys(b *ItemBucket) map[bucketKey]uint64 {
	out := make(map[bucketKey]uint64)
	for k, r := range b.Metadata.All() {
		out[bucketKey{"metadata", k}] = r.PushSeq
	}
	for k, r := range b.Notes.All() {
		out[bucketKey{"notes", k}] = r.PushSeq
	}
	for k, r := range b.Selections.All() {
		out[bucketKey{"selections", k}] = r.PushSeq
	}
	for k, r := range b.SelectionNotes.All() {
		out[bucketKey{"selectionNotes", k}] = r.PushSeq
	}
	for k, r := range b.Transcriptions.All() {
		out[bucketKey{"transcriptions", k}] = r.PushSeq
	}
	for k := range b.Tags.Elements() {
		out[bucketKey{"tags", k}] = 0
	}
	for k := range b.Lists.Elements() {
		out[bucketKey{"lists", k}] = 0
	}
	b.photoMu.Lock()
	for checksum, m := range b.PhotoMetadata {
		for k, r := range m.All() {
			out[bucketKey{"photoMetadata", checksum + ":" + k}] = r.PushSeq
		}
	}
	b.photoMu.Unlock()
	b.selMu.Lock()
	for selKey, m := range b.SelectionMeta {
		for k, r := range m.All() {
			out[bucketKey{"selectionMeta", selKey + ":" + k}] = r.PushSeq
		}
	}
	b.selMu.Unlock()
	return out
}

func diffKeys(before, after map[bucketKey]uint64) []bucketKey {
	var changed []bucketKey
	for k, v := range after {
		if bv, ok := before[k]; !ok || bv != v {
			changed = append(changed, k)
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			changed = append(changed, k)
		}
	}
	return changed
}

// Compact purges tombstones (aliases included) and tombstoned OR-set
// elements older than tombstoneWindow, and tombstones uuids entries whose
// referents no longer exist (I4, P9). Live alias entries are not purged by
// age; only tombstoned ones older than the window go. It runs under the document
// mutex, matching the relay's "under a doc transaction" requirement
// (§4.I) even though the result isn't delivered through Transact/observers
// — compaction is a maintenance pass, not a replicated write, and must not
// itself generate an outbound update (it would violate P4 on every relay
// restart cycle otherwise).
func (d *Document) Compact(now time.Time, tombstoneWindow time.Duration) CompactionStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := now.Add(-tombstoneWindow)
	var stats CompactionStats

	for identity, b := range d.buckets {
		stats.TombstonesPurged += b.Metadata.PurgeTombstonesOlderThan(cutoff)
		stats.TombstonesPurged += b.Notes.PurgeTombstonesOlderThan(cutoff)
		stats.TombstonesPurged += b.Selections.PurgeTombstonesOlderThan(cutoff)
		stats.TombstonesPurged += b.SelectionNotes.PurgeTombstonesOlderThan(cutoff)
		stats.TombstonesPurged += b.Transcriptions.PurgeTombstonesOlderThan(cutoff)
		stats.TombstonesPurged += b.Tags.PurgeRemovedOlderThan(cutoff)
		stats.TombstonesPurged += b.Lists.PurgeRemovedOlderThan(cutoff)

		b.photoMu.Lock()
		for _, m := range b.PhotoMetadata {
			stats.TombstonesPurged += m.PurgeTombstonesOlderThan(cutoff)
		}
		b.photoMu.Unlock()
		b.selMu.Lock()
		for _, m := range b.SelectionMeta {
			stats.TombstonesPurged += m.PurgeTombstonesOlderThan(cutoff)
		}
		b.selMu.Unlock()

		stats.AliasesPurged += b.Aliases.PurgeTombstonesOlderThan(cutoff)
		stats.OrphansPurged += d.purgeOrphanUUIDs(b)

		if b.IsEmpty() {
			delete(d.buckets, identity)
			stats.BucketsPruned++
		}
	}

	return stats
}

// purgeOrphanUUIDs tombstones uuids entries whose referent key is no longer
// live in any authored or add-wins collection (I4); a later Compact drops
// those tombstones once they are older than the window.
func (d *Document) purgeOrphanUUIDs(b *ItemBucket) int {
	live := make(map[string]bool)
	for k := range b.Notes.Active() {
		live[k] = true
	}
	for k := range b.Selections.Active() {
		live[k] = true
	}
	for k := range b.SelectionNotes.Active() {
		live[k] = true
	}
	for k := range b.Transcriptions.Active() {
		live[k] = true
	}
	for k := range b.Lists.Elements() {
		live[k] = true
	}

	purged := 0
	for localScopedKey, rec := range b.UUIDs.Active() {
		crdtKey, _ := rec.Payload["crdtKey"].(string)
		if crdtKey != "" && !live[crdtKey] {
			b.UUIDs.Merge(localScopedKey, rec.Tombstone(rec.Author, rec.PushSeq+1, time.Now()))
			purged++
		}
	}
	return purged
}

// CompactionStats summarizes one Compact pass for logging/metrics.
type CompactionStats struct {
	TombstonesPurged int
	AliasesPurged    int
	OrphansPurged    int
	BucketsPruned    int
}
