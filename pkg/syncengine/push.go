package syncengine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/troparcel/sync/pkg/docstore"
	"github.com/troparcel/sync/pkg/ids"
	"github.com/troparcel/sync/pkg/metrics"
	"github.com/troparcel/sync/pkg/sanitize"
	"github.com/troparcel/sync/pkg/storeadapter"
)

// runPushCycle implements §4.G's push cycle: read local state, diff it
// against what the vault remembers pushing, write the difference into the
// document, and flush the resulting delta through the transport.
func (e *Engine) runPushCycle(ctx context.Context) (err error) {
	release, err := e.acquireLock(ctx)
	if err != nil {
		return fmt.Errorf("syncengine: acquire lock for push: %w", err)
	}
	defer release()

	timer := metrics.NewTimer()
	metrics.PushCyclesTotal.Inc()
	defer func() {
		timer.ObserveDuration(metrics.PushCycleDuration)
		if err != nil {
			metrics.PushCycleFailuresTotal.Inc()
		}
	}()

	e.setState(StateSyncing)
	defer e.setState(StateReady)

	svBefore := e.doc.StateVector()

	items, err := e.cfg.Adapter.ListItems()
	if err != nil {
		return fmt.Errorf("syncengine: list items: %w", err)
	}

	var pendingDispatches []storeadapter.Action

	e.doc.Transact(docstore.OriginLocal, func(tx *docstore.Tx) {
		for _, summary := range items {
			identity, ok := ids.ComputeItemIdentity(summary.PhotoChecksums)
			if !ok {
				continue
			}
			item, err := e.cfg.Adapter.ReadItem(summary.LocalID)
			if err != nil {
				e.logger.Warn().Err(err).Str("localId", summary.LocalID).Msg("syncengine: read item failed, skipping")
				continue
			}
			pendingDispatches = append(pendingDispatches, e.pushItem(tx, identity, item)...)
		}
	})

	for _, action := range pendingDispatches {
		if err := e.cfg.Adapter.Dispatch(action); err != nil {
			e.logger.Warn().Err(err).Str("kind", string(action.Kind)).Msg("syncengine: dispatch writeback failed")
		}
	}

	return e.flush(svBefore)
}

// flush sends every record newer than svBefore through the transport and
// advances lastSentSV, implementing push step 6 ("flush document updates
// through the transport").
func (e *Engine) flush(svBefore docstore.StateVector) error {
	delta, err := docstore.EncodeDelta(e.doc, svBefore)
	if err != nil {
		return fmt.Errorf("syncengine: encode delta: %w", err)
	}

	sv := e.doc.StateVector()
	e.pushMu.Lock()
	unchanged := sameStateVector(e.lastSentSV, sv)
	if !unchanged {
		e.lastSentSV = sv
	}
	e.pushMu.Unlock()
	if unchanged {
		return nil
	}

	if err := e.cfg.Transport.Send(delta); err != nil {
		return fmt.Errorf("syncengine: send delta: %w", err)
	}
	return nil
}

func sameStateVector(a, b docstore.StateVector) bool {
	if len(a) != len(b) {
		return false
	}
	for author, seq := range a {
		if b[author] != seq {
			return false
		}
	}
	return true
}

// pushItem diffs one item's host-native view against the vault's
// record of what was last pushed, writes the differences into tx, and
// returns any adapter writebacks needed (e.g. a newly minted note key).
func (e *Engine) pushItem(tx *docstore.Tx, identity string, item storeadapter.Item) []storeadapter.Action {
	now := time.Now()
	var dispatches []storeadapter.Action

	e.pushMetadata(tx, identity, item)
	e.pushPhotoMetadata(tx, identity, item)
	e.pushTags(tx, identity, item, now)
	e.pushListMemberships(tx, identity, item, now)
	dispatches = append(dispatches, e.pushNotes(tx, identity, item, now)...)
	dispatches = append(dispatches, e.pushSelections(tx, identity, item, now)...)
	e.pushSelectionMeta(tx, identity, item)
	dispatches = append(dispatches, e.pushSelectionNotes(tx, identity, item, now)...)
	dispatches = append(dispatches, e.pushTranscriptions(tx, identity, item, now)...)

	return dispatches
}

func (e *Engine) pushMetadata(tx *docstore.Tx, identity string, item storeadapter.Item) {
	for property, val := range item.Metadata {
		if ids.IsLocalOnlyProperty(property) {
			continue
		}
		field := "metadata:" + property
		h := hashValue(val.Text, val.Type, val.Lang)
		if !e.cfg.Vault.HasLocalEdit(identity, field, h) {
			continue
		}
		tx.SetMetadata(identity, property, docstore.Record{
			Author:  e.cfg.UserID,
			PushSeq: e.cfg.Vault.NextPushSeq(),
			Payload: map[string]any{"text": val.Text, "type": val.Type, "lang": val.Lang},
		})
		e.cfg.Vault.MarkFieldPushed(identity, field, h)
	}
}

func (e *Engine) pushPhotoMetadata(tx *docstore.Tx, identity string, item storeadapter.Item) {
	for checksum, props := range item.PhotoMetadata {
		for property, val := range props {
			if ids.IsLocalOnlyProperty(property) {
				continue
			}
			field := "photoMetadata:" + checksum + ":" + property
			h := hashValue(val.Text, val.Type, val.Lang)
			if !e.cfg.Vault.HasLocalEdit(identity, field, h) {
				continue
			}
			tx.SetPhotoMetadata(identity, checksum, property, docstore.Record{
				Author:  e.cfg.UserID,
				PushSeq: e.cfg.Vault.NextPushSeq(),
				Payload: map[string]any{"text": val.Text, "type": val.Type, "lang": val.Lang},
			})
			e.cfg.Vault.MarkFieldPushed(identity, field, h)
		}
	}
}

// boolField generalizes an add-wins membership flag (a tag, a list
// membership) as a two-valued field so it can reuse the same
// HasLocalEdit/MarkFieldPushed bookkeeping as every other diffed field
// (§4.G step 2: "diff each field against the replicated doc").
const (
	boolFieldPresent = "1"
	boolFieldAbsent  = "0"
)

func (e *Engine) pushTags(tx *docstore.Tx, identity string, item storeadapter.Item, now time.Time) {
	current := make(map[string]bool)
	for _, tag := range item.Tags {
		if ids.IsLocalOnlyTag(tag.Name) {
			continue
		}
		key := ids.TagKey(tag.Name)
		current[key] = true
		field := "tag:" + key
		if !e.cfg.Vault.HasLocalEdit(identity, field, boolFieldPresent) {
			continue
		}
		tx.AddTag(identity, key, e.cfg.UserID, e.cfg.Vault.NextPushSeq(), map[string]any{"name": tag.Name, "color": tag.Color})
		e.cfg.Vault.MarkFieldPushed(identity, field, boolFieldPresent)
	}

	for _, field := range e.cfg.Vault.PushedFields(identity) {
		key, ok := strings.CutPrefix(field, "tag:")
		if !ok || current[key] {
			continue
		}
		if !e.cfg.Vault.HasLocalEdit(identity, field, boolFieldAbsent) {
			continue
		}
		tx.RemoveTag(identity, key, func() time.Time { return now })
		e.cfg.Vault.MarkFieldPushed(identity, field, boolFieldAbsent)
	}
}

func (e *Engine) pushListMemberships(tx *docstore.Tx, identity string, item storeadapter.Item, now time.Time) {
	current := make(map[string]bool)
	for _, listKey := range item.ListMemberships {
		current[listKey] = true
		field := "list:" + listKey
		if !e.cfg.Vault.HasLocalEdit(identity, field, boolFieldPresent) {
			continue
		}
		tx.AddListMember(identity, listKey, e.cfg.UserID, e.cfg.Vault.NextPushSeq(), nil)
		e.cfg.Vault.MarkFieldPushed(identity, field, boolFieldPresent)
	}

	for _, field := range e.cfg.Vault.PushedFields(identity) {
		key, ok := strings.CutPrefix(field, "list:")
		if !ok || current[key] {
			continue
		}
		if !e.cfg.Vault.HasLocalEdit(identity, field, boolFieldAbsent) {
			continue
		}
		tx.RemoveListMember(identity, key, func() time.Time { return now })
		e.cfg.Vault.MarkFieldPushed(identity, field, boolFieldAbsent)
	}
}

func (e *Engine) pushSelectionMeta(tx *docstore.Tx, identity string, item storeadapter.Item) {
	for selKey, props := range item.SelectionMeta {
		for property, val := range props {
			field := "selectionMeta:" + selKey + ":" + property
			h := hashValue(val.Text, val.Type, val.Lang)
			if !e.cfg.Vault.HasLocalEdit(identity, field, h) {
				continue
			}
			tx.SetSelectionMeta(identity, selKey, property, docstore.Record{
				Author:  e.cfg.UserID,
				PushSeq: e.cfg.Vault.NextPushSeq(),
				Payload: map[string]any{"text": val.Text, "type": val.Type, "lang": val.Lang},
			})
			e.cfg.Vault.MarkFieldPushed(identity, field, h)
		}
	}
}

// authoredLive is one host-native authored entry (a note, selection,
// selection-note, or transcription) normalized enough to drive the shared
// push/deletion logic.
type authoredLive struct {
	key     string
	isNew   bool
	hash    string
	payload map[string]any
}

func (e *Engine) pushNotes(tx *docstore.Tx, identity string, item storeadapter.Item, now time.Time) []storeadapter.Action {
	live := make([]authoredLive, 0, len(item.Notes))
	for _, n := range item.Notes {
		html := sanitize.SanitizeString(n.HTML)
		live = append(live, authoredLive{
			key:   n.Key,
			isNew: n.Key == "",
			hash:  hashValue(html, n.Text, n.Lang, n.PhotoChecksum, n.SelectionKey),
			payload: map[string]any{
				"html": html, "text": n.Text, "lang": n.Lang,
				"photo": n.PhotoChecksum, "sel": n.SelectionKey,
			},
		})
	}
	mint := func() string { return ids.NewNoteKey() }
	newKey := func(tx *docstore.Tx, key string, rec docstore.Record) { tx.SetNote(identity, key, rec) }
	dispatchNew := func(key string, payload map[string]any) storeadapter.Action {
		return storeadapter.Action{Kind: storeadapter.ActionUpsertNote, Key: key, LocalID: item.Summary.LocalID, Payload: payload}
	}
	return e.pushAuthored(tx, identity, "note:", docstore.CollectionNotes, live, mint, newKey, dispatchNew, now)
}

func (e *Engine) pushSelections(tx *docstore.Tx, identity string, item storeadapter.Item, now time.Time) []storeadapter.Action {
	live := make([]authoredLive, 0, len(item.Selections))
	for _, s := range item.Selections {
		live = append(live, authoredLive{
			key:   s.Key,
			isNew: s.Key == "",
			hash:  hashValue(s.PhotoChecksum, f64(s.X), f64(s.Y), f64(s.W), f64(s.H), f64(s.Angle)),
			payload: map[string]any{
				"photo": s.PhotoChecksum, "x": s.X, "y": s.Y, "w": s.W, "h": s.H, "angle": s.Angle,
			},
		})
	}
	mint := func() string { return ids.NewSelectionKey() }
	newKey := func(tx *docstore.Tx, key string, rec docstore.Record) { tx.SetSelection(identity, key, rec) }
	dispatchNew := func(key string, payload map[string]any) storeadapter.Action {
		return storeadapter.Action{Kind: storeadapter.ActionUpsertSelection, Key: key, LocalID: item.Summary.LocalID, Payload: payload}
	}
	return e.pushAuthored(tx, identity, "selection:", docstore.CollectionSelections, live, mint, newKey, dispatchNew, now)
}

func (e *Engine) pushSelectionNotes(tx *docstore.Tx, identity string, item storeadapter.Item, now time.Time) []storeadapter.Action {
	live := make([]authoredLive, 0, len(item.SelectionNotes))
	for _, n := range item.SelectionNotes {
		html := sanitize.SanitizeString(n.HTML)
		live = append(live, authoredLive{
			key:   n.Key,
			isNew: n.Key == "",
			hash:  hashValue(html, n.Text, n.Lang, n.SelectionKey),
			payload: map[string]any{
				"html": html, "text": n.Text, "lang": n.Lang, "sel": n.SelectionKey,
			},
		})
	}
	mint := func() string { return ids.NewNoteKey() }
	newKey := func(tx *docstore.Tx, key string, rec docstore.Record) { tx.SetSelectionNote(identity, key, rec) }
	dispatchNew := func(key string, payload map[string]any) storeadapter.Action {
		return storeadapter.Action{Kind: storeadapter.ActionUpsertSelectionNote, Key: key, LocalID: item.Summary.LocalID, Payload: payload}
	}
	return e.pushAuthored(tx, identity, "selectionNote:", docstore.CollectionSelectionNotes, live, mint, newKey, dispatchNew, now)
}

func (e *Engine) pushTranscriptions(tx *docstore.Tx, identity string, item storeadapter.Item, now time.Time) []storeadapter.Action {
	live := make([]authoredLive, 0, len(item.Transcriptions))
	for _, t := range item.Transcriptions {
		live = append(live, authoredLive{
			key:   t.Key,
			isNew: t.Key == "",
			hash:  hashValue(t.Text, t.Data, t.PhotoChecksum, t.SelectionKey),
			payload: map[string]any{
				"text": t.Text, "data": t.Data, "photo": t.PhotoChecksum, "sel": t.SelectionKey,
			},
		})
	}
	mint := func() string { return ids.NewTranscriptionKey() }
	newKey := func(tx *docstore.Tx, key string, rec docstore.Record) { tx.SetTranscription(identity, key, rec) }
	dispatchNew := func(key string, payload map[string]any) storeadapter.Action {
		return storeadapter.Action{Kind: storeadapter.ActionUpsertTranscription, Key: key, LocalID: item.Summary.LocalID, Payload: payload}
	}
	return e.pushAuthored(tx, identity, "transcription:", docstore.CollectionTranscriptions, live, mint, newKey, dispatchNew, now)
}

// pushAuthored writes creates/edits for the live entries of one authored
// collection, mints keys for brand-new entries, and tombstones-or-dismisses
// entries the host no longer has (§4.G push step 4): own authorship ->
// tombstone, otherwise -> vault.DismissKey so the entry doesn't resurface
// until a later, higher-pushSeq write arrives (P6).
func (e *Engine) pushAuthored(
	tx *docstore.Tx,
	identity, fieldPrefix string,
	collection docstore.AuthoredCollection,
	live []authoredLive,
	mint func() string,
	write func(tx *docstore.Tx, key string, rec docstore.Record),
	dispatchNew func(key string, payload map[string]any) storeadapter.Action,
	now time.Time,
) []storeadapter.Action {
	var dispatches []storeadapter.Action
	stillLive := make(map[string]bool, len(live))

	for _, entry := range live {
		key := entry.key
		if entry.isNew {
			key = mint()
			e.cfg.Vault.RecordOriginalAuthor(key, e.cfg.UserID)
			dispatches = append(dispatches, dispatchNew(key, entry.payload))
		}
		stillLive[key] = true

		field := fieldPrefix + key
		if !entry.isNew && !e.cfg.Vault.HasLocalEdit(identity, field, entry.hash) {
			continue
		}
		write(tx, key, docstore.Record{
			Author:  e.cfg.UserID,
			PushSeq: e.cfg.Vault.NextPushSeq(),
			Payload: entry.payload,
		})
		e.cfg.Vault.MarkFieldPushed(identity, field, entry.hash)
	}

	bucket, ok := e.doc.Bucket(identity)
	if !ok {
		return dispatches
	}
	for _, field := range e.cfg.Vault.PushedFields(identity) {
		key, matched := strings.CutPrefix(field, fieldPrefix)
		if !matched || stillLive[key] {
			continue
		}
		rec, ok := bucket.AuthoredRaw(collection, key)
		if !ok || rec.Deleted() {
			continue
		}
		if rec.Author == e.cfg.UserID {
			write(tx, key, rec.Tombstone(e.cfg.UserID, e.cfg.Vault.NextPushSeq(), now))
		} else {
			e.cfg.Vault.DismissKey(field, rec.PushSeq)
			metrics.DismissedEntriesTotal.Inc()
			e.emitNotify(Notification{Kind: NotifyDismissed, Identity: identity, Key: key, Message: "a remote update was skipped to avoid overwriting another author's entry"})
		}
	}
	return dispatches
}

func f64(v float64) string {
	return fmt.Sprintf("%g", v)
}
