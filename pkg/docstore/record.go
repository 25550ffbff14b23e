package docstore

import "time"

// Record is the value stored for every LWW-governed key across a bucket's
// sub-collections: a per-author monotonic pushSeq, the writing author, an
// optional tombstone time, and the payload fields for that sub-collection.
type Record struct {
	Author    string         `msgpack:"author"`
	PushSeq   uint64         `msgpack:"push_seq"`
	DeletedAt *time.Time     `msgpack:"deleted_at,omitempty"`
	Payload   map[string]any `msgpack:"payload,omitempty"`
}

// Deleted reports whether this record is a tombstone.
func (r Record) Deleted() bool {
	return r.DeletedAt != nil
}

// wins reports whether r should replace cur under the (pushSeq, author)
// tiebreak: the higher pushSeq wins; ties break on the lexicographically
// greater author so the comparison is deterministic regardless of which
// peer merges first (§3.3, I5).
func (r Record) wins(cur Record) bool {
	if r.PushSeq != cur.PushSeq {
		return r.PushSeq > cur.PushSeq
	}
	return r.Author > cur.Author
}

// Tombstone returns a copy of r marked deleted at t, with its author and
// pushSeq set to the given values (the ownership guard compares that
// author against the original entry's); r's payload is kept.
func (r Record) Tombstone(author string, pushSeq uint64, t time.Time) Record {
	dt := t
	return Record{
		Author:    author,
		PushSeq:   pushSeq,
		DeletedAt: &dt,
		Payload:   r.Payload,
	}
}
