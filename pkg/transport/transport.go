// Package transport defines the single adapter contract the sync engine
// uses to move opaque CRDT update bytes between peers, regardless of
// carrier (§4.H). Adapters never parse payloads; docstore owns encoding.
package transport

import "context"

// Status reports a transport-level connectivity change, distinct from any
// application-level meaning the bytes it carries might have.
type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusDisconnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Events is the callback set an Adapter drives after Connect. Handlers run
// on the adapter's own goroutine(s); callers needing serialized access to
// shared state must themselves hop back onto their own lock (the sync
// engine does this via its single mutex).
type Events struct {
	// OnUpdate delivers one opaque update payload — a full state or a
	// delta, per docstore.EncodeState/EncodeDelta.
	OnUpdate func(update []byte)
	// OnStatus reports connectivity changes. err carries the cause for
	// StatusError; ws also passes its read error with StatusDisconnected.
	OnStatus func(status Status, err error)
	// OnPeer reports a peer join/leave. None of the shipped adapters (ws,
	// file, snapshot) calls it.
	OnPeer func(peerID string, joined bool)
}

// Adapter is the minimal contract every transport variant implements
// (§4.H). InitialStateVector lets ws-style adapters ask a relay for only
// the catch-up delta instead of the full state on reconnect; file and
// snapshot variants ignore it and always exchange full state.
type Adapter interface {
	// Connect opens the transport and begins delivering events. It
	// returns once the adapter is ready to accept Send calls; full
	// connectivity is reported asynchronously via Events.OnStatus.
	Connect(ctx context.Context, initialStateVector []byte, events Events) error
	// Send transmits one opaque update payload.
	Send(update []byte) error
	// Disconnect closes the transport but leaves the Adapter reusable via
	// a subsequent Connect.
	Disconnect() error
	// Destroy releases all resources; the Adapter must not be reused.
	Destroy() error
}
