/*
Package log provides structured logging shared by the sync engine and the
relay service, built on zerolog.

Init sets the process-wide Logger. Component loggers (WithComponent,
WithRoom, WithPeer, WithIdentity) attach a single field and are cheap to
create per request/per room — create them once and reuse, don't call
With* per log line in hot paths.

IP addresses must never reach this package unmasked; callers in pkg/relay
mask addresses before logging (see relay.MaskIP).
*/
package log
