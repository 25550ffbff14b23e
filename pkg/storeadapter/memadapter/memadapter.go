// Package memadapter is an in-memory reference implementation of
// storeadapter.Adapter, used by tests and cmd/troparcel-peer in place of a
// real desktop host application (§4.F).
package memadapter

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/troparcel/sync/pkg/storeadapter"
)

type itemState struct {
	summary         storeadapter.ItemSummary
	metadata        map[string]storeadapter.MetadataValue
	photoMetadata   map[string]map[string]storeadapter.MetadataValue
	tags            map[string]storeadapter.Tag
	notes           map[string]storeadapter.Note
	selections      map[string]storeadapter.Selection
	selectionMeta   map[string]map[string]storeadapter.MetadataValue
	selectionNotes  map[string]storeadapter.Note
	transcriptions  map[string]storeadapter.Transcription
	listMemberships map[string]bool
}

func newItemState(localID string, checksums []string) *itemState {
	return &itemState{
		summary:         storeadapter.ItemSummary{LocalID: localID, PhotoChecksums: checksums},
		metadata:        make(map[string]storeadapter.MetadataValue),
		photoMetadata:   make(map[string]map[string]storeadapter.MetadataValue),
		tags:            make(map[string]storeadapter.Tag),
		notes:           make(map[string]storeadapter.Note),
		selections:      make(map[string]storeadapter.Selection),
		selectionMeta:   make(map[string]map[string]storeadapter.MetadataValue),
		selectionNotes:  make(map[string]storeadapter.Note),
		transcriptions:  make(map[string]storeadapter.Transcription),
		listMemberships: make(map[string]bool),
	}
}

// Adapter is the in-memory Adapter implementation.
type Adapter struct {
	mu    sync.Mutex
	items map[string]*itemState
	lists map[string]*storeadapter.List

	suppressed int32 // refcount, accessed atomically

	subMu       sync.Mutex
	subscribers map[int]storeadapter.ChangeListener
	nextSubID   int
}

// New returns an empty in-memory adapter.
func New() *Adapter {
	return &Adapter{
		items:       make(map[string]*itemState),
		lists:       make(map[string]*storeadapter.List),
		subscribers: make(map[int]storeadapter.ChangeListener),
	}
}

// AddItem seeds an item for tests/demo use, outside of the Action path.
func (a *Adapter) AddItem(localID string, checksums []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.items[localID] = newItemState(localID, checksums)
}

func (a *Adapter) ListItems() ([]storeadapter.ItemSummary, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]storeadapter.ItemSummary, 0, len(a.items))
	for _, it := range a.items {
		out = append(out, it.summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalID < out[j].LocalID })
	return out, nil
}

func (a *Adapter) ReadItem(localID string) (storeadapter.Item, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	it, ok := a.items[localID]
	if !ok {
		return storeadapter.Item{}, fmt.Errorf("memadapter: unknown item %q", localID)
	}

	item := storeadapter.Item{
		Summary:         it.summary,
		Metadata:        cloneMeta(it.metadata),
		PhotoMetadata:   make(map[string]map[string]storeadapter.MetadataValue, len(it.photoMetadata)),
		SelectionMeta:   make(map[string]map[string]storeadapter.MetadataValue, len(it.selectionMeta)),
		ListMemberships: make([]string, 0, len(it.listMemberships)),
	}
	for checksum, m := range it.photoMetadata {
		item.PhotoMetadata[checksum] = cloneMeta(m)
	}
	for selKey, m := range it.selectionMeta {
		item.SelectionMeta[selKey] = cloneMeta(m)
	}
	for _, t := range it.tags {
		item.Tags = append(item.Tags, t)
	}
	for _, n := range it.notes {
		item.Notes = append(item.Notes, n)
	}
	for _, s := range it.selections {
		item.Selections = append(item.Selections, s)
	}
	for _, n := range it.selectionNotes {
		item.SelectionNotes = append(item.SelectionNotes, n)
	}
	for _, tr := range it.transcriptions {
		item.Transcriptions = append(item.Transcriptions, tr)
	}
	for listKey := range it.listMemberships {
		item.ListMemberships = append(item.ListMemberships, listKey)
	}
	return item, nil
}

func cloneMeta(m map[string]storeadapter.MetadataValue) map[string]storeadapter.MetadataValue {
	out := make(map[string]storeadapter.MetadataValue, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (a *Adapter) ListTags() ([]storeadapter.Tag, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	seen := make(map[string]storeadapter.Tag)
	for _, it := range a.items {
		for name, tag := range it.tags {
			seen[name] = tag
		}
	}
	out := make([]storeadapter.Tag, 0, len(seen))
	for _, t := range seen {
		out = append(out, t)
	}
	return out, nil
}

func (a *Adapter) ListLists() ([]storeadapter.List, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]storeadapter.List, 0, len(a.lists))
	for _, l := range a.lists {
		out = append(out, *l)
	}
	return out, nil
}

// Dispatch applies action to the in-memory state and, unless a suppression
// bracket is open, notifies subscribers.
func (a *Adapter) Dispatch(action storeadapter.Action) error {
	if err := a.apply(action); err != nil {
		return err
	}
	if atomic.LoadInt32(&a.suppressed) == 0 {
		a.notify()
	}
	return nil
}

// DispatchSuppressed applies action with change detection gated off for
// the duration of this single call (§4.F).
func (a *Adapter) DispatchSuppressed(action storeadapter.Action) error {
	atomic.AddInt32(&a.suppressed, 1)
	defer atomic.AddInt32(&a.suppressed, -1)
	return a.apply(action)
}

// SuppressChanges opens a refcounted suppression bracket; subscribers are
// not notified of any Dispatch made while any bracket (or DispatchSuppressed
// call) is open, and resuming one bracket does not affect a sibling still
// open (§4.F nesting requirement).
func (a *Adapter) SuppressChanges() (resume func()) {
	atomic.AddInt32(&a.suppressed, 1)
	var resumed int32
	return func() {
		if atomic.CompareAndSwapInt32(&resumed, 0, 1) {
			atomic.AddInt32(&a.suppressed, -1)
		}
	}
}

func (a *Adapter) Subscribe(fn storeadapter.ChangeListener) (unsubscribe func()) {
	a.subMu.Lock()
	id := a.nextSubID
	a.nextSubID++
	a.subscribers[id] = fn
	a.subMu.Unlock()

	return func() {
		a.subMu.Lock()
		delete(a.subscribers, id)
		a.subMu.Unlock()
	}
}

func (a *Adapter) notify() {
	a.subMu.Lock()
	fns := make([]storeadapter.ChangeListener, 0, len(a.subscribers))
	for _, fn := range a.subscribers {
		fns = append(fns, fn)
	}
	a.subMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (a *Adapter) apply(action storeadapter.Action) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	it, ok := a.items[action.LocalID]
	if !ok && action.Kind != storeadapter.ActionUpsertListMembership {
		return fmt.Errorf("memadapter: dispatch to unknown item %q", action.LocalID)
	}

	switch action.Kind {
	case storeadapter.ActionUpsertMetadata:
		it.metadata[action.Property] = metadataFromPayload(action.Payload)
	case storeadapter.ActionUpsertPhotoMetadata:
		if it.photoMetadata[action.Checksum] == nil {
			it.photoMetadata[action.Checksum] = make(map[string]storeadapter.MetadataValue)
		}
		it.photoMetadata[action.Checksum][action.Property] = metadataFromPayload(action.Payload)
	case storeadapter.ActionUpsertTag:
		name, _ := action.Payload["name"].(string)
		color, _ := action.Payload["color"].(string)
		it.tags[action.Key] = storeadapter.Tag{Name: name, Color: color}
	case storeadapter.ActionRemoveTag:
		delete(it.tags, action.Key)
	case storeadapter.ActionUpsertNote:
		it.notes[action.Key] = noteFromPayload(action.Key, action.Payload)
	case storeadapter.ActionDeleteNote:
		delete(it.notes, action.Key)
	case storeadapter.ActionUpsertSelection:
		it.selections[action.Key] = selectionFromPayload(action.Key, action.Payload)
	case storeadapter.ActionDeleteSelection:
		delete(it.selections, action.Key)
	case storeadapter.ActionUpsertSelectionMeta:
		if it.selectionMeta[action.Key] == nil {
			it.selectionMeta[action.Key] = make(map[string]storeadapter.MetadataValue)
		}
		it.selectionMeta[action.Key][action.Property] = metadataFromPayload(action.Payload)
	case storeadapter.ActionUpsertSelectionNote:
		it.selectionNotes[action.Key] = noteFromPayload(action.Key, action.Payload)
	case storeadapter.ActionDeleteSelectionNote:
		delete(it.selectionNotes, action.Key)
	case storeadapter.ActionUpsertTranscription:
		it.transcriptions[action.Key] = transcriptionFromPayload(action.Key, action.Payload)
	case storeadapter.ActionDeleteTranscription:
		delete(it.transcriptions, action.Key)
	case storeadapter.ActionUpsertListMembership:
		if it != nil {
			it.listMemberships[action.Key] = true
		}
		if a.lists[action.Key] == nil {
			a.lists[action.Key] = &storeadapter.List{Key: action.Key}
		}
	case storeadapter.ActionRemoveListMembership:
		if it != nil {
			delete(it.listMemberships, action.Key)
		}
	default:
		return fmt.Errorf("memadapter: unknown action kind %q", action.Kind)
	}
	return nil
}

func metadataFromPayload(p map[string]any) storeadapter.MetadataValue {
	text, _ := p["text"].(string)
	typ, _ := p["type"].(string)
	lang, _ := p["lang"].(string)
	return storeadapter.MetadataValue{Text: text, Type: typ, Lang: lang}
}

func noteFromPayload(key string, p map[string]any) storeadapter.Note {
	html, _ := p["html"].(string)
	text, _ := p["text"].(string)
	lang, _ := p["lang"].(string)
	photo, _ := p["photo"].(string)
	sel, _ := p["sel"].(string)
	return storeadapter.Note{Key: key, HTML: html, Text: text, Lang: lang, PhotoChecksum: photo, SelectionKey: sel}
}

func selectionFromPayload(key string, p map[string]any) storeadapter.Selection {
	f := func(k string) float64 {
		v, _ := p[k].(float64)
		return v
	}
	photo, _ := p["photo"].(string)
	return storeadapter.Selection{
		Key: key, PhotoChecksum: photo,
		X: f("x"), Y: f("y"), W: f("w"), H: f("h"), Angle: f("angle"),
	}
}

func transcriptionFromPayload(key string, p map[string]any) storeadapter.Transcription {
	text, _ := p["text"].(string)
	data, _ := p["data"].(string)
	photo, _ := p["photo"].(string)
	sel, _ := p["sel"].(string)
	return storeadapter.Transcription{Key: key, Text: text, Data: data, PhotoChecksum: photo, SelectionKey: sel}
}

var _ storeadapter.Adapter = (*Adapter)(nil)
