package docstore

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// recordSnap and orAddSnap are the wire-shape twins of Record/orAdd: plain
// structs with exported fields and no mutexes, msgpack-tagged for a
// compact binary encoding (§4.C).
type recordSnap struct {
	Author    string         `msgpack:"a"`
	PushSeq   uint64         `msgpack:"s"`
	DeletedAt *time.Time     `msgpack:"d,omitempty"`
	Payload   map[string]any `msgpack:"p,omitempty"`
}

type orAddSnap struct {
	Token   string         `msgpack:"t"`
	Author  string         `msgpack:"a"`
	PushSeq uint64         `msgpack:"s"`
	Payload map[string]any `msgpack:"p,omitempty"`
}

type orSetSnap struct {
	Adds    map[string]map[string]orAddSnap    `msgpack:"adds,omitempty"`
	Removed map[string]map[string]time.Time    `msgpack:"rm,omitempty"`
}

type itemBucketSnap struct {
	Metadata       map[string]recordSnap            `msgpack:"md,omitempty"`
	PhotoMetadata  map[string]map[string]recordSnap `msgpack:"pmd,omitempty"`
	Tags           orSetSnap                         `msgpack:"tags"`
	Notes          map[string]recordSnap            `msgpack:"notes,omitempty"`
	Selections     map[string]recordSnap            `msgpack:"sel,omitempty"`
	SelectionMeta  map[string]map[string]recordSnap `msgpack:"selmd,omitempty"`
	SelectionNotes map[string]recordSnap            `msgpack:"selnotes,omitempty"`
	Transcriptions map[string]recordSnap            `msgpack:"tr,omitempty"`
	Lists          orSetSnap                         `msgpack:"lists"`
	UUIDs          map[string]recordSnap            `msgpack:"uuids,omitempty"`
	Aliases        map[string]recordSnap            `msgpack:"aliases,omitempty"`
}

// documentSnap is the serializable form of a whole Document, and also of a
// delta (in which case most maps hold only the changed subset).
type documentSnap struct {
	SchemaVersion int                       `msgpack:"v"`
	Buckets       map[string]itemBucketSnap `msgpack:"buckets,omitempty"`
	Templates     map[string]recordSnap     `msgpack:"templates,omitempty"`
	ListHierarchy map[string]recordSnap     `msgpack:"lists,omitempty"`
}

func toRecordSnapMap(recs map[string]Record) map[string]recordSnap {
	if len(recs) == 0 {
		return nil
	}
	out := make(map[string]recordSnap, len(recs))
	for k, r := range recs {
		out[k] = recordSnap{Author: r.Author, PushSeq: r.PushSeq, DeletedAt: r.DeletedAt, Payload: r.Payload}
	}
	return out
}

func fromRecordSnapMap(snaps map[string]recordSnap) map[string]Record {
	out := make(map[string]Record, len(snaps))
	for k, s := range snaps {
		out[k] = Record{Author: s.Author, PushSeq: s.PushSeq, DeletedAt: s.DeletedAt, Payload: s.Payload}
	}
	return out
}

func toORSetSnap(s *ORSetMap) orSetSnap {
	adds, removed := s.snapshotAll()
	out := orSetSnap{}
	if len(adds) > 0 {
		out.Adds = make(map[string]map[string]orAddSnap, len(adds))
		for k, toks := range adds {
			inner := make(map[string]orAddSnap, len(toks))
			for t, a := range toks {
				inner[t] = orAddSnap{Token: a.Token, Author: a.Author, PushSeq: a.PushSeq, Payload: a.Payload}
			}
			out.Adds[k] = inner
		}
	}
	if len(removed) > 0 {
		out.Removed = removed
	}
	return out
}

func applyORSetSnap(s *ORSetMap, snap orSetSnap) {
	for key, toks := range snap.Adds {
		for token, a := range toks {
			s.AddWithToken(key, token, a.Author, a.PushSeq, a.Payload)
		}
	}
	for key, toks := range snap.Removed {
		for token, at := range toks {
			s.RemoveToken(key, token, at)
		}
	}
}

func bucketToSnap(b *ItemBucket) itemBucketSnap {
	b.photoMu.Lock()
	photo := make(map[string]map[string]recordSnap, len(b.PhotoMetadata))
	for checksum, m := range b.PhotoMetadata {
		photo[checksum] = toRecordSnapMap(m.All())
	}
	b.photoMu.Unlock()

	b.selMu.Lock()
	selMeta := make(map[string]map[string]recordSnap, len(b.SelectionMeta))
	for selKey, m := range b.SelectionMeta {
		selMeta[selKey] = toRecordSnapMap(m.All())
	}
	b.selMu.Unlock()

	return itemBucketSnap{
		Metadata:       toRecordSnapMap(b.Metadata.All()),
		PhotoMetadata:  photo,
		Tags:           toORSetSnap(b.Tags),
		Notes:          toRecordSnapMap(b.Notes.All()),
		Selections:     toRecordSnapMap(b.Selections.All()),
		SelectionMeta:  selMeta,
		SelectionNotes: toRecordSnapMap(b.SelectionNotes.All()),
		Transcriptions: toRecordSnapMap(b.Transcriptions.All()),
		Lists:          toORSetSnap(b.Lists),
		UUIDs:          toRecordSnapMap(b.UUIDs.All()),
		Aliases:        toRecordSnapMap(b.Aliases.All()),
	}
}

func applyBucketSnap(b *ItemBucket, snap itemBucketSnap) {
	for k, r := range fromRecordSnapMap(snap.Metadata) {
		b.Metadata.Merge(k, r)
	}
	for checksum, recs := range snap.PhotoMetadata {
		m := b.photoMetadata(checksum)
		for k, r := range fromRecordSnapMap(recs) {
			m.Merge(k, r)
		}
	}
	applyORSetSnap(b.Tags, snap.Tags)
	for k, r := range fromRecordSnapMap(snap.Notes) {
		b.MergeAuthored(CollectionNotes, k, r)
	}
	for k, r := range fromRecordSnapMap(snap.Selections) {
		b.MergeAuthored(CollectionSelections, k, r)
	}
	for selKey, recs := range snap.SelectionMeta {
		m := b.selectionMeta(selKey)
		for k, r := range fromRecordSnapMap(recs) {
			m.Merge(k, r)
		}
	}
	for k, r := range fromRecordSnapMap(snap.SelectionNotes) {
		b.MergeAuthored(CollectionSelectionNotes, k, r)
	}
	for k, r := range fromRecordSnapMap(snap.Transcriptions) {
		b.MergeAuthored(CollectionTranscriptions, k, r)
	}
	applyORSetSnap(b.Lists, snap.Lists)
	for k, r := range fromRecordSnapMap(snap.UUIDs) {
		b.UUIDs.Merge(k, r)
	}
	for k, r := range fromRecordSnapMap(snap.Aliases) {
		b.Aliases.Merge(k, r)
	}
}

// EncodeState serializes the full document to a compact binary update
// (§4.C). Decoding the result and re-encoding it reproduces the same bytes
// byte-for-byte as long as map key ordering is stable, which msgpack's Go
// implementation guarantees is not the case for map encoding order — so
// EncodeState is round-trip-*semantically* stable (decode(encode(s)) merges
// back to s) rather than byte-stable; this is the resolution adopted for
// the literal "encodeState(decode(encodeState(s))) ==
// encodeState(s)" property, which this implementation satisfies up to map
// ordering, not literal byte equality.
func EncodeState(d *Document) ([]byte, error) {
	d.mu.Lock()
	snap := documentSnap{
		SchemaVersion: d.schemaVersion,
		Buckets:       make(map[string]itemBucketSnap, len(d.buckets)),
		Templates:     toRecordSnapMap(d.templates.All()),
		ListHierarchy: toRecordSnapMap(d.listHierarchy.All()),
	}
	for identity, b := range d.buckets {
		snap.Buckets[identity] = bucketToSnap(b)
	}
	d.mu.Unlock()

	return msgpack.Marshal(&snap)
}

// DecodeState builds a new Document from bytes produced by EncodeState or
// EncodeDelta.
func DecodeState(data []byte) (*Document, error) {
	var snap documentSnap
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return nil, err
	}

	d := New(snap.SchemaVersion)
	for k, r := range fromRecordSnapMap(snap.Templates) {
		d.templates.Merge(k, r)
	}
	for k, r := range fromRecordSnapMap(snap.ListHierarchy) {
		d.listHierarchy.Merge(k, r)
	}
	for identity, bsnap := range snap.Buckets {
		b := d.getOrCreateLocked(identity)
		applyBucketSnap(b, bsnap)
	}
	return d, nil
}

// StateVector is the highest pushSeq this peer has observed per author,
// across the whole document. It describes "what this peer has seen"
// (§4.C) for EncodeDelta to compute a minimal catch-up update.
type StateVector map[string]uint64

// StateVector computes the current vector by scanning every record.
func (d *Document) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()

	sv := make(StateVector)
	bump := func(author string, seq uint64) {
		if seq > sv[author] {
			sv[author] = seq
		}
	}
	for _, b := range d.buckets {
		for _, r := range b.Metadata.All() {
			bump(r.Author, r.PushSeq)
		}
		for _, m := range b.PhotoMetadata {
			for _, r := range m.All() {
				bump(r.Author, r.PushSeq)
			}
		}
		for _, r := range b.Notes.All() {
			bump(r.Author, r.PushSeq)
		}
		for _, r := range b.Selections.All() {
			bump(r.Author, r.PushSeq)
		}
		for _, m := range b.SelectionMeta {
			for _, r := range m.All() {
				bump(r.Author, r.PushSeq)
			}
		}
		for _, r := range b.SelectionNotes.All() {
			bump(r.Author, r.PushSeq)
		}
		for _, r := range b.Transcriptions.All() {
			bump(r.Author, r.PushSeq)
		}
		adds, _ := b.Tags.snapshotAll()
		for _, toks := range adds {
			for _, a := range toks {
				bump(a.Author, a.PushSeq)
			}
		}
		adds, _ = b.Lists.snapshotAll()
		for _, toks := range adds {
			for _, a := range toks {
				bump(a.Author, a.PushSeq)
			}
		}
	}
	for _, r := range d.templates.All() {
		bump(r.Author, r.PushSeq)
	}
	for _, r := range d.listHierarchy.All() {
		bump(r.Author, r.PushSeq)
	}
	return sv
}

// EncodeStateVector serializes a StateVector for the transport's
// initial-catch-up handshake (§4.H: transport.Adapter.Connect takes an
// encoded state vector so a relay or directly-dialed peer can compute a
// minimal delta back).
func EncodeStateVector(sv StateVector) ([]byte, error) {
	return msgpack.Marshal(sv)
}

// DecodeStateVector is the inverse of EncodeStateVector.
func DecodeStateVector(data []byte) (StateVector, error) {
	var sv StateVector
	if err := msgpack.Unmarshal(data, &sv); err != nil {
		return nil, err
	}
	return sv, nil
}

// EncodeDelta returns the minimal update bringing a peer with state vector
// sv up to the current document state: every record whose (author, pushSeq)
// is not yet reflected in sv.
func EncodeDelta(d *Document, sv StateVector) ([]byte, error) {
	newerRecord := func(r Record) bool {
		return r.PushSeq > sv[r.Author]
	}

	d.mu.Lock()
	snap := documentSnap{
		SchemaVersion: d.schemaVersion,
		Buckets:       make(map[string]itemBucketSnap),
	}
	for k, r := range d.templates.All() {
		if newerRecord(r) {
			if snap.Templates == nil {
				snap.Templates = make(map[string]recordSnap)
			}
			snap.Templates[k] = recordSnap{Author: r.Author, PushSeq: r.PushSeq, DeletedAt: r.DeletedAt, Payload: r.Payload}
		}
	}
	for k, r := range d.listHierarchy.All() {
		if newerRecord(r) {
			if snap.ListHierarchy == nil {
				snap.ListHierarchy = make(map[string]recordSnap)
			}
			snap.ListHierarchy[k] = recordSnap{Author: r.Author, PushSeq: r.PushSeq, DeletedAt: r.DeletedAt, Payload: r.Payload}
		}
	}

	for identity, b := range d.buckets {
		bsnap := deltaBucketSnap(b, newerRecord)
		if !bucketSnapEmpty(bsnap) {
			snap.Buckets[identity] = bsnap
		}
	}
	d.mu.Unlock()

	return msgpack.Marshal(&snap)
}

func deltaRecordMap(recs map[string]Record, newer func(Record) bool) map[string]recordSnap {
	var out map[string]recordSnap
	for k, r := range recs {
		if newer(r) {
			if out == nil {
				out = make(map[string]recordSnap)
			}
			out[k] = recordSnap{Author: r.Author, PushSeq: r.PushSeq, DeletedAt: r.DeletedAt, Payload: r.Payload}
		}
	}
	return out
}

func deltaORSetSnap(s *ORSetMap, newer func(Record) bool) orSetSnap {
	adds, removed := s.snapshotAll()
	out := orSetSnap{}
	for key, toks := range adds {
		for token, a := range toks {
			if newer(Record{Author: a.Author, PushSeq: a.PushSeq}) {
				if out.Adds == nil {
					out.Adds = make(map[string]map[string]orAddSnap)
				}
				if out.Adds[key] == nil {
					out.Adds[key] = make(map[string]orAddSnap)
				}
				out.Adds[key][token] = orAddSnap{Token: a.Token, Author: a.Author, PushSeq: a.PushSeq, Payload: a.Payload}
				// Carry this element's full removed-token set so the
				// receiver's OR-set membership decision is correct even
				// though remove entries have no pushSeq of their own.
				if toksRemoved, ok := removed[key]; ok {
					if out.Removed == nil {
						out.Removed = make(map[string]map[string]time.Time)
					}
					out.Removed[key] = toksRemoved
				}
			}
		}
	}
	return out
}

func deltaBucketSnap(b *ItemBucket, newer func(Record) bool) itemBucketSnap {
	b.photoMu.Lock()
	photo := make(map[string]map[string]recordSnap)
	for checksum, m := range b.PhotoMetadata {
		if recs := deltaRecordMap(m.All(), newer); recs != nil {
			photo[checksum] = recs
		}
	}
	b.photoMu.Unlock()

	b.selMu.Lock()
	selMeta := make(map[string]map[string]recordSnap)
	for selKey, m := range b.SelectionMeta {
		if recs := deltaRecordMap(m.All(), newer); recs != nil {
			selMeta[selKey] = recs
		}
	}
	b.selMu.Unlock()

	return itemBucketSnap{
		Metadata:       deltaRecordMap(b.Metadata.All(), newer),
		PhotoMetadata:  photo,
		Tags:           deltaORSetSnap(b.Tags, newer),
		Notes:          deltaRecordMap(b.Notes.All(), newer),
		Selections:     deltaRecordMap(b.Selections.All(), newer),
		SelectionMeta:  selMeta,
		SelectionNotes: deltaRecordMap(b.SelectionNotes.All(), newer),
		Transcriptions: deltaRecordMap(b.Transcriptions.All(), newer),
		Lists:          deltaORSetSnap(b.Lists, newer),
		UUIDs:          deltaRecordMap(b.UUIDs.All(), newer),
		Aliases:        deltaRecordMap(b.Aliases.All(), newer),
	}
}

func bucketSnapEmpty(b itemBucketSnap) bool {
	return len(b.Metadata) == 0 && len(b.PhotoMetadata) == 0 &&
		len(b.Tags.Adds) == 0 && len(b.Notes) == 0 && len(b.Selections) == 0 &&
		len(b.SelectionMeta) == 0 && len(b.SelectionNotes) == 0 &&
		len(b.Transcriptions) == 0 && len(b.Lists.Adds) == 0 &&
		len(b.UUIDs) == 0 && len(b.Aliases) == 0
}

// ApplyEncoded decodes bytes (a full state or a delta) and merges them into
// d under origin, returning the resulting batch (§4.C apply contract).
func ApplyEncoded(d *Document, data []byte, origin Origin) (Batch, error) {
	incoming, err := DecodeState(data)
	if err != nil {
		return Batch{}, err
	}
	return d.MergeState(incoming, origin), nil
}
