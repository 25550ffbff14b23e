package syncengine

import (
	"time"

	"github.com/troparcel/sync/pkg/transport"
)

// Status is the short connectivity surface a host UI can poll or subscribe
// to (§7 "a short status surface: connected / syncing / offline / error").
// It is deliberately coarser than State: a host integrating troparcel
// shouldn't need to know about WAITING_FOR_HOST vs CONNECTING, only whether
// things are working.
type Status int

const (
	StatusOffline Status = iota
	StatusConnecting
	StatusConnected
	StatusSyncing
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOffline:
		return "offline"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusSyncing:
		return "syncing"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// NotificationKind classifies a toast-like event the host UI may want to
// surface to the user (§7). The message text is always a short, sanitized
// summary — never a raw error trace, per the same section's explicit
// callout that internal diagnostics must not leak into the UI surface.
type NotificationKind int

const (
	// NotifyRemoteApplied fires after a remote update changed at least one
	// locally-held entry.
	NotifyRemoteApplied NotificationKind = iota
	// NotifyRetracted fires when a remote peer tombstoned an entry the host
	// still has, and the delete was applied locally.
	NotifyRetracted
	// NotifyDismissed fires when a conflicting remote write was dismissed
	// rather than applied (P6), so the host UI can optionally surface "an
	// update to this item was skipped" rather than silently dropping it.
	NotifyDismissed
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyRemoteApplied:
		return "remote_applied"
	case NotifyRetracted:
		return "retracted"
	case NotifyDismissed:
		return "dismissed"
	default:
		return "unknown"
	}
}

// Notification is one toast-like event delivered to Config.OnNotify.
type Notification struct {
	Kind     NotificationKind
	Identity string
	Key      string
	Message  string
	At       time.Time
}

// emitNotify delivers n to the configured listener, if any. OnNotify is
// called synchronously from engine goroutines, so a slow listener delays
// the goroutine that emitted n.
func (e *Engine) emitNotify(n Notification) {
	if e.cfg.OnNotify == nil {
		return
	}
	n.At = time.Now()
	e.cfg.OnNotify(n)
}

// recomputeStatus derives the short status surface from the engine's state
// machine plus the last known transport status, and reports it to
// Config.OnStatus when it changes.
func (e *Engine) recomputeStatus() {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()

	var s Status
	switch {
	case e.lastTransportErr:
		s = StatusError
	case e.lastTransportStatus == transport.StatusDisconnected:
		s = StatusOffline
	case e.lastTransportStatus == transport.StatusConnecting:
		s = StatusConnecting
	case e.state == StateSyncing:
		s = StatusSyncing
	default:
		s = StatusConnected
	}

	if s == e.lastStatus {
		return
	}
	e.lastStatus = s
	if e.cfg.OnStatus != nil {
		e.cfg.OnStatus(s)
	}
}

// Status returns the engine's current short status-surface value.
func (e *Engine) Status() Status {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	return e.lastStatus
}
