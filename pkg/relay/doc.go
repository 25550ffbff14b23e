// Package relay implements the room registry described in §4.I: it holds
// one docstore.Document per active room, applies inbound updates to it,
// persists the encoded result to pkg/relaystore, fans broadcasts out to
// every other connected peer in the room, and runs the periodic
// compaction pass. The wire-level HTTP/WS surface (§6.2) lives in
// pkg/api, which depends on this package rather than the reverse — a room
// can be exercised directly by tests without going through an HTTP
// handler.
package relay
