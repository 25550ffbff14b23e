// Package vault implements the per-peer durable state the sync engine uses
// to detect local edits and dedupe remote applies (§4.D): the local
// pushSeq counter, per-field pushed-value hashes, applied/dismissed/failed
// entity key sets, the bidirectional local-id <-> CRDT-key registry, and
// the original-author ledger for authored entities.
//
// A Vault is private to one (room, user) pair and is persisted to a single
// JSON file with an atomic write-to-temp-then-rename, following the
// teacher's durable-state write pattern in pkg/storage/boltdb.go adapted
// from a bbolt transaction to a whole-file rewrite — the vault is small
// (bounded by the LRU caps below) and rewritten far less often than the
// CRDT document itself, so a transactional KV store is unwarranted here.
package vault
