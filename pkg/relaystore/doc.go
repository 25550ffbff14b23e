// Package relaystore is the relay's canonical per-room persistence layer:
// a bbolt-backed store keyed by room name holding the latest encoded
// document for that room (§4.I), split out from pkg/relay because it is
// independently testable, mirroring the teacher's pkg/storage vs
// pkg/manager split.
package relaystore
