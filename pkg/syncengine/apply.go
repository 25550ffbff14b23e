package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/troparcel/sync/pkg/backup"
	"github.com/troparcel/sync/pkg/docstore"
	"github.com/troparcel/sync/pkg/ids"
	"github.com/troparcel/sync/pkg/metrics"
	"github.com/troparcel/sync/pkg/sanitize"
	"github.com/troparcel/sync/pkg/storeadapter"
	"github.com/troparcel/sync/pkg/vault"
)

// runApplyCycle implements §4.G's apply cycle: merge an inbound transport
// update into the document, then replay every affected identity's active
// entries into the host, guarded by all three feedback-loop-prevention
// mechanisms (applyingRemote, suppress/resume, and OriginRemote tagging).
func (e *Engine) runApplyCycle(ctx context.Context, update []byte) (err error) {
	release, err := e.acquireLock(ctx)
	if err != nil {
		return fmt.Errorf("syncengine: acquire lock for apply: %w", err)
	}
	defer release()

	timer := metrics.NewTimer()
	metrics.ApplyCyclesTotal.Inc()
	defer func() {
		timer.ObserveDuration(metrics.ApplyCycleDuration)
		if err != nil {
			metrics.ApplyCycleFailuresTotal.Inc()
		}
	}()

	e.setState(StateSyncing)
	defer e.setState(StateReady)

	e.applyingRemote.Store(true)
	defer e.applyingRemote.Store(false)

	batch, err := docstore.ApplyEncoded(e.doc, update, docstore.OriginRemote)
	if err != nil {
		return fmt.Errorf("syncengine: merge remote update: %w", err)
	}
	if len(batch.Changes) == 0 {
		return nil
	}

	identities := make(map[string]bool)
	for _, c := range batch.Changes {
		if c.Identity != "" {
			identities[c.Identity] = true
		}
	}
	if len(identities) == 0 {
		return nil
	}

	for identity := range identities {
		if bucket, ok := e.doc.Bucket(identity); ok {
			warnTombstoneFlood(identity, bucket, batch.Changes)
		}
	}

	summaries, err := e.cfg.Adapter.ListItems()
	if err != nil {
		return fmt.Errorf("syncengine: list items: %w", err)
	}
	match := e.matchIdentities(identities, summaries)

	if e.cfg.Journal != nil {
		if err := e.writeJournalSnapshot(identities, match); err != nil {
			e.logger.Warn().Err(err).Msg("syncengine: journal snapshot failed")
		}
	}

	resume := e.cfg.Adapter.SuppressChanges()
	defer resume()

	for identity := range identities {
		localID, ok := match[identity]
		bucket, bucketOK := e.doc.Bucket(identity)
		if !bucketOK {
			continue
		}
		e.applyBucket(identity, localID, ok, bucket)
	}

	return nil
}

// matchIdentities resolves each remote identity to a host local ID: first
// via the vault's remembered crdtKey<->localId pairing, then by an exact
// recomputed identity match, then by Jaccard similarity against the
// checksums already recorded in that identity's bucket (§3.1). Unmatched
// identities describe a brand-new item the host hasn't created locally yet;
// they get no entry in the result, and applyBucket dispatches nothing for them.
func (e *Engine) matchIdentities(identities map[string]bool, summaries []storeadapter.ItemSummary) map[string]string {
	match := make(map[string]string, len(identities))

	bySummaryIdentity := make(map[string]string, len(summaries))
	for _, s := range summaries {
		if id, ok := ids.ComputeItemIdentity(s.PhotoChecksums); ok {
			bySummaryIdentity[id] = s.LocalID
		}
	}

	for identity := range identities {
		if localID, ok := e.cfg.Vault.IDs().LocalID(identity); ok {
			match[identity] = localID
			continue
		}
		if localID, ok := bySummaryIdentity[identity]; ok {
			match[identity] = localID
			e.cfg.Vault.IDs().Put(identity, localID)
			continue
		}

		bucket, ok := e.doc.Bucket(identity)
		if !ok {
			continue
		}
		knownChecksums := bucket.PhotoChecksums()
		if len(knownChecksums) == 0 {
			continue
		}

		bestLocalID := ""
		bestScore := 0.0
		for _, s := range summaries {
			score := ids.JaccardSimilarity(knownChecksums, s.PhotoChecksums)
			if score > bestScore {
				bestScore = score
				bestLocalID = s.LocalID
			}
		}
		if bestScore >= ids.FuzzyMatchThreshold {
			match[identity] = bestLocalID
			e.cfg.Vault.IDs().Put(identity, bestLocalID)
		}
	}
	return match
}

// writeJournalSnapshot captures the host's current view of every matched
// item before it is overwritten, so a bad remote update can be diagnosed or
// reverted (§4.E).
func (e *Engine) writeJournalSnapshot(identities map[string]bool, match map[string]string) error {
	items := make(map[string]json.RawMessage, len(match))
	for identity := range identities {
		localID, ok := match[identity]
		if !ok {
			continue
		}
		item, err := e.cfg.Adapter.ReadItem(localID)
		if err != nil {
			continue
		}
		data, err := json.Marshal(item)
		if err != nil {
			continue
		}
		items[identity] = data
	}
	if len(items) == 0 {
		return nil
	}
	return e.cfg.Journal.Write(backup.Snapshot{Timestamp: time.Now(), Items: items})
}

// applyBucket replays one identity's active CRDT entries into the host,
// skipping dismissed, oversized or unsafe entries per §4.E/§4.G.
func (e *Engine) applyBucket(identity, localID string, hasLocalID bool, bucket *docstore.ItemBucket) {
	var localItem *storeadapter.Item
	if hasLocalID {
		if item, err := e.cfg.Adapter.ReadItem(localID); err == nil {
			localItem = &item
		} else {
			e.logger.Warn().Err(err).Str("localID", localID).Msg("syncengine: read local item failed, overwrite guard skipped for this cycle")
		}
	}

	for property, rec := range bucket.Metadata.Active() {
		e.applyMetadataEntry(identity, localID, hasLocalID, "metadata:"+property, storeadapter.ActionUpsertMetadata, storeadapter.Action{Property: property}, rec, localItem)
	}

	for _, checksum := range bucket.PhotoChecksums() {
		active := bucket.PhotoMetadataActive(checksum)
		for property, rec := range active {
			field := "photoMetadata:" + checksum + ":" + property
			e.applyMetadataEntry(identity, localID, hasLocalID, field, storeadapter.ActionUpsertPhotoMetadata, storeadapter.Action{Property: property, Checksum: checksum}, rec, localItem)
		}
	}

	for _, selKey := range bucket.SelectionMetaKeys() {
		active := bucket.SelectionMetaActive(selKey)
		for property, rec := range active {
			field := "selectionMeta:" + selKey + ":" + property
			e.applyMetadataEntry(identity, localID, hasLocalID, field, storeadapter.ActionUpsertSelectionMeta, storeadapter.Action{Key: selKey, Property: property}, rec, localItem)
		}
	}

	e.applyAuthored(identity, localID, hasLocalID, "note:", docstore.CollectionNotes, bucket, vault.KindNote,
		storeadapter.ActionUpsertNote, storeadapter.ActionDeleteNote, e.decodeNotePayload)
	e.applyAuthored(identity, localID, hasLocalID, "selection:", docstore.CollectionSelections, bucket, vault.KindSelection,
		storeadapter.ActionUpsertSelection, storeadapter.ActionDeleteSelection, e.decodeSelectionPayload)
	e.applyAuthored(identity, localID, hasLocalID, "selectionNote:", docstore.CollectionSelectionNotes, bucket, vault.KindNote,
		storeadapter.ActionUpsertSelectionNote, storeadapter.ActionDeleteSelectionNote, e.decodeNotePayload)
	e.applyAuthored(identity, localID, hasLocalID, "transcription:", docstore.CollectionTranscriptions, bucket, vault.KindTranscription,
		storeadapter.ActionUpsertTranscription, storeadapter.ActionDeleteTranscription, e.decodeTranscriptionPayload)

	e.applyTags(identity, localID, hasLocalID, bucket)
	e.applyListMemberships(identity, localID, hasLocalID, bucket)
}

// applyTags replays add-wins tag membership onto the host, mirroring
// pushTags in reverse: an active CRDT tag the host doesn't have yet gets
// ActionUpsertTag, and a host-side tag whose CRDT entry has gone fully
// removed gets ActionRemoveTag. Applied state is tracked under its own
// "appliedTag:" field namespace so it never collides with the push
// direction's "tag:" bookkeeping for the same tag key.
func (e *Engine) applyTags(identity, localID string, hasLocalID bool, bucket *docstore.ItemBucket) {
	if !hasLocalID {
		return
	}
	current := bucket.Tags.Elements()
	for tagKey, add := range current {
		field := "appliedTag:" + tagKey
		if !e.cfg.Vault.HasLocalEdit(identity, field, boolFieldPresent) {
			continue
		}
		name, _ := add.Payload["name"].(string)
		color, _ := add.Payload["color"].(string)
		action := storeadapter.Action{
			Kind: storeadapter.ActionUpsertTag, LocalID: localID, Key: tagKey,
			Payload: map[string]any{"name": name, "color": color},
		}
		if err := e.cfg.Adapter.DispatchSuppressed(action); err != nil {
			e.cfg.Vault.RecordFailure(field)
			continue
		}
		e.cfg.Vault.MarkFieldPushed(identity, field, boolFieldPresent)
	}

	for _, field := range e.cfg.Vault.PushedFields(identity) {
		tagKey, ok := strings.CutPrefix(field, "appliedTag:")
		if !ok {
			continue
		}
		if _, stillActive := current[tagKey]; stillActive {
			continue
		}
		if !e.cfg.Vault.HasLocalEdit(identity, field, boolFieldAbsent) {
			continue
		}
		action := storeadapter.Action{Kind: storeadapter.ActionRemoveTag, LocalID: localID, Key: tagKey}
		if err := e.cfg.Adapter.DispatchSuppressed(action); err != nil {
			e.cfg.Vault.RecordFailure(field)
			continue
		}
		e.cfg.Vault.MarkFieldPushed(identity, field, boolFieldAbsent)
	}
}

// applyListMemberships is the list-membership analog of applyTags.
func (e *Engine) applyListMemberships(identity, localID string, hasLocalID bool, bucket *docstore.ItemBucket) {
	if !hasLocalID {
		return
	}
	current := bucket.Lists.Elements()
	for listKey := range current {
		field := "appliedList:" + listKey
		if !e.cfg.Vault.HasLocalEdit(identity, field, boolFieldPresent) {
			continue
		}
		action := storeadapter.Action{Kind: storeadapter.ActionUpsertListMembership, LocalID: localID, Key: listKey}
		if err := e.cfg.Adapter.DispatchSuppressed(action); err != nil {
			e.cfg.Vault.RecordFailure(field)
			continue
		}
		e.cfg.Vault.MarkFieldPushed(identity, field, boolFieldPresent)
	}

	for _, field := range e.cfg.Vault.PushedFields(identity) {
		listKey, ok := strings.CutPrefix(field, "appliedList:")
		if !ok {
			continue
		}
		if _, stillActive := current[listKey]; stillActive {
			continue
		}
		if !e.cfg.Vault.HasLocalEdit(identity, field, boolFieldAbsent) {
			continue
		}
		action := storeadapter.Action{Kind: storeadapter.ActionRemoveListMembership, LocalID: localID, Key: listKey}
		if err := e.cfg.Adapter.DispatchSuppressed(action); err != nil {
			e.cfg.Vault.RecordFailure(field)
			continue
		}
		e.cfg.Vault.MarkFieldPushed(identity, field, boolFieldAbsent)
	}
}

func (e *Engine) applyMetadataEntry(identity, localID string, hasLocalID bool, field string, kind storeadapter.ActionKind, tmpl storeadapter.Action, rec docstore.Record, localItem *storeadapter.Item) {
	if !hasLocalID {
		return
	}
	if e.cfg.Vault.IsDismissed(field, rec.PushSeq) {
		return
	}
	if e.cfg.Vault.HasLocalEdit(identity, field, hashValue(fmt.Sprintf("%v", rec.Payload))) {
		return
	}

	text, _ := rec.Payload["text"].(string)
	if err := e.cfg.Validator.ValidateMetadataSize(text); err != nil {
		e.logger.Warn().Err(err).Str("field", field).Msg("syncengine: metadata entry rejected by validator")
		return
	}

	localText, localEmpty := localMetadataText(localItem, tmpl)
	if !backup.ShouldOverwrite(localEmpty, rec.Deleted(), text == "") {
		e.logger.Debug().Str("field", field).Str("localText", localText).Msg("syncengine: remote metadata empty, local value kept")
		return
	}

	action := tmpl
	action.Kind = kind
	action.LocalID = localID
	action.Payload = rec.Payload

	if err := e.cfg.Adapter.DispatchSuppressed(action); err != nil {
		if e.cfg.Vault.RecordFailure(field) {
			metrics.PermanentlyFailedEntriesTotal.Inc()
			e.logger.Warn().Str("field", field).Msg("syncengine: metadata entry permanently failed after max retries")
		}
		return
	}
	e.cfg.Vault.ClearDismissalIfExpired(field, rec.PushSeq)
}

// applyAuthored replays one authored sub-collection's active entries,
// honoring dismissal, ghost-apply dedup and the retry cap, and dispatching
// creation for entries the host doesn't have yet when a local ID is known.
func (e *Engine) applyAuthored(
	identity, localID string, hasLocalID bool,
	fieldPrefix string,
	collection docstore.AuthoredCollection,
	bucket *docstore.ItemBucket,
	kind vault.EntityKind,
	upsertKind, deleteKind storeadapter.ActionKind,
	decode func(key string, rec docstore.Record, localID string) storeadapter.Action,
) {
	if !hasLocalID {
		return
	}

	active := authoredActive(bucket, collection)
	for key, rec := range active {
		field := fieldPrefix + key
		if e.cfg.Vault.IsDismissed(field, rec.PushSeq) {
			continue
		}
		if e.cfg.Vault.IsPermanentlyFailed(field) {
			continue
		}
		alreadyApplied := e.cfg.Vault.IsApplied(kind, key)
		unchangedSinceApply := !e.cfg.Vault.HasLocalEdit(identity, field, rec.Author+fmt.Sprint(rec.PushSeq))
		if alreadyApplied && unchangedSinceApply {
			continue
		}

		html, _ := rec.Payload["html"].(string)
		if html != "" {
			if err := e.cfg.Validator.ValidateNoteSize(html); err != nil {
				e.logger.Warn().Err(err).Str("field", field).Msg("syncengine: authored entry rejected by validator")
				continue
			}
		}

		action := decode(key, rec, localID)
		action.Kind = upsertKind

		if err := e.cfg.Adapter.DispatchSuppressed(action); err != nil {
			if e.cfg.Vault.RecordFailure(field) {
				metrics.PermanentlyFailedEntriesTotal.Inc()
				e.logger.Warn().Str("field", field).Msg("syncengine: authored entry permanently failed after max retries")
			}
			continue
		}
		e.cfg.Vault.MarkApplied(kind, key)
		e.cfg.Vault.MarkFieldPushed(identity, field, rec.Author+fmt.Sprint(rec.PushSeq))
		e.cfg.Vault.ClearDismissalIfExpired(field, rec.PushSeq)
		e.emitNotify(Notification{Kind: NotifyRemoteApplied, Identity: identity, Key: key, Message: "a remote change was applied"})
	}

	// Tombstoned entries the host still has locally get a delete dispatch.
	for _, field := range e.cfg.Vault.PushedFields(identity) {
		key, ok := cutAuthoredPrefix(field, fieldPrefix)
		if !ok {
			continue
		}
		if _, stillActive := active[key]; stillActive {
			continue
		}
		rec, ok := bucket.AuthoredRaw(collection, key)
		if !ok || !rec.Deleted() {
			continue
		}
		if e.cfg.Vault.IsDismissed(field, rec.PushSeq) {
			continue
		}
		action := storeadapter.Action{Kind: deleteKind, LocalID: localID, Key: key}
		if err := e.cfg.Adapter.DispatchSuppressed(action); err != nil {
			if e.cfg.Vault.RecordFailure(field) {
				metrics.PermanentlyFailedEntriesTotal.Inc()
				e.logger.Warn().Str("field", field).Msg("syncengine: delete dispatch permanently failed after max retries")
			}
			continue
		}
		e.emitNotify(Notification{Kind: NotifyRetracted, Identity: identity, Key: key, Message: "a remote peer removed this entry"})
	}
}

// warnTombstoneFlood reports to backup.WarnIfTombstoneFlood when this
// merge batch tombstoned more than half of identity's active authored keys
// (§4.E). activeBefore is reconstructed as activeNow + tombstonedInBatch:
// every key this batch tombstoned was active immediately before the merge
// and is no longer active now.
func warnTombstoneFlood(identity string, bucket *docstore.ItemBucket, changes []docstore.Change) {
	tombstoned := 0
	for _, c := range changes {
		if c.Identity != identity {
			continue
		}
		var collection docstore.AuthoredCollection
		switch c.Collection {
		case "notes":
			collection = docstore.CollectionNotes
		case "selections":
			collection = docstore.CollectionSelections
		case "selectionNotes":
			collection = docstore.CollectionSelectionNotes
		case "transcriptions":
			collection = docstore.CollectionTranscriptions
		default:
			continue
		}
		if rec, ok := bucket.AuthoredRaw(collection, c.Key); ok && rec.Deleted() {
			tombstoned++
		}
	}
	if tombstoned == 0 {
		return
	}

	activeNow := len(bucket.Notes.Active()) + len(bucket.Selections.Active()) +
		len(bucket.SelectionNotes.Active()) + len(bucket.Transcriptions.Active())
	backup.WarnIfTombstoneFlood(identity, activeNow+tombstoned, tombstoned)
}

func authoredActive(bucket *docstore.ItemBucket, c docstore.AuthoredCollection) map[string]docstore.Record {
	switch c {
	case docstore.CollectionNotes:
		return bucket.Notes.Active()
	case docstore.CollectionSelections:
		return bucket.Selections.Active()
	case docstore.CollectionSelectionNotes:
		return bucket.SelectionNotes.Active()
	case docstore.CollectionTranscriptions:
		return bucket.Transcriptions.Active()
	default:
		return nil
	}
}

// localMetadataText finds the host's current value for the property tmpl
// targets, so applyMetadataEntry can decide via backup.ShouldOverwrite
// whether an empty remote value is allowed to clobber a non-empty local one
// (§4.E). A nil item (read failed, or the engine hasn't resolved a local ID)
// is treated as empty so the remote value still applies, matching prior
// behavior when no overwrite guard was in effect.
func localMetadataText(item *storeadapter.Item, tmpl storeadapter.Action) (string, bool) {
	if item == nil {
		return "", true
	}
	switch {
	case tmpl.Checksum != "":
		if m, ok := item.PhotoMetadata[tmpl.Checksum]; ok {
			if v, ok := m[tmpl.Property]; ok {
				return v.Text, v.Text == ""
			}
		}
	case tmpl.Key != "":
		if m, ok := item.SelectionMeta[tmpl.Key]; ok {
			if v, ok := m[tmpl.Property]; ok {
				return v.Text, v.Text == ""
			}
		}
	default:
		if v, ok := item.Metadata[tmpl.Property]; ok {
			return v.Text, v.Text == ""
		}
	}
	return "", true
}

func cutAuthoredPrefix(field, prefix string) (string, bool) {
	if len(field) <= len(prefix) || field[:len(prefix)] != prefix {
		return "", false
	}
	return field[len(prefix):], true
}

func (e *Engine) decodeNotePayload(key string, rec docstore.Record, localID string) storeadapter.Action {
	html, _ := rec.Payload["html"].(string)
	return storeadapter.Action{
		LocalID: localID,
		Key:     key,
		Payload: map[string]any{
			"html": sanitize.SanitizeString(html),
			"text": rec.Payload["text"],
			"lang": rec.Payload["lang"],
			"photo": rec.Payload["photo"],
			"sel":   rec.Payload["sel"],
		},
	}
}

func (e *Engine) decodeSelectionPayload(key string, rec docstore.Record, localID string) storeadapter.Action {
	return storeadapter.Action{
		LocalID: localID,
		Key:     key,
		Payload: rec.Payload,
	}
}

func (e *Engine) decodeTranscriptionPayload(key string, rec docstore.Record, localID string) storeadapter.Action {
	return storeadapter.Action{
		LocalID: localID,
		Key:     key,
		Payload: rec.Payload,
	}
}
