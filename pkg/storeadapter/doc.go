// Package storeadapter defines the narrow capability contract (§4.F) the
// sync engine uses to treat the host application as a collaborator: read
// local annotation state, dispatch host-native writes, and subscribe to
// local changes — with an explicit suppression mechanism so writes the
// engine itself applies don't re-enter the change-detection loop.
//
// Package storeadapter/memadapter provides an in-memory reference
// implementation used by tests and cmd/troparcel-peer.
package storeadapter
