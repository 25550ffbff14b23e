// Package docstore implements the replicated annotation document: a
// per-room CRDT over per-item annotation state (metadata, tags, notes,
// selections, transcriptions, list membership).
//
// Conflicting writes to the same field are resolved by last-writer-wins
// keyed on (pushSeq, author) — never wall-clock (§3.3). Tags and list
// membership use an add-wins OR-set so a concurrent add always survives a
// concurrent remove. Authored entities (notes, selections, transcriptions)
// carry an ownership guard: an incoming tombstone is rejected unless its
// author matches the entry it would retire.
//
// Document.Transact batches related writes so registered observers see one
// change set per logical update, tagged with its Origin, rather than one
// callback per field.
package docstore
