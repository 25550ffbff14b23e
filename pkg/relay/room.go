package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/troparcel/sync/pkg/backup"
	"github.com/troparcel/sync/pkg/docstore"
	"github.com/troparcel/sync/pkg/events"
	"github.com/troparcel/sync/pkg/log"
	"github.com/troparcel/sync/pkg/metrics"
	"github.com/troparcel/sync/pkg/relaystore"
)

// Peer is the registry's view of one connected websocket client, enough
// to broadcast to it without this package knowing anything about HTTP or
// the wire framing pkg/api uses.
type Peer interface {
	// ID identifies the peer for awareness/diagnostics; it need not be
	// stable across reconnects.
	ID() string
	// Send delivers one opaque update payload to the peer.
	Send(update []byte) error
}

// Room holds one replicated document plus the set of peers currently
// connected to it (§3.2: "one shared replicated document per room").
type Room struct {
	Name string

	store  *relaystore.Store
	broker *events.Broker

	mu            sync.Mutex
	doc           *docstore.Document
	peers         map[Peer]bool
	lastActivity  time.Time
}

// schemaVersion is the CRDT document schema version a freshly created room
// starts at (§3.2 room.schemaVersion).
const schemaVersion = 1

// newRoom constructs an empty room and loads any persisted state for name
// from store, if present.
func newRoom(name string, store *relaystore.Store, broker *events.Broker) (*Room, error) {
	r := &Room{
		Name:         name,
		store:        store,
		broker:       broker,
		doc:          docstore.New(schemaVersion),
		peers:        make(map[Peer]bool),
		lastActivity: time.Now(),
	}

	data, found, err := store.LoadRoom(name)
	if err != nil {
		return nil, fmt.Errorf("relay: load room %s: %w", name, err)
	}
	if found {
		doc, err := docstore.DecodeState(data)
		if err != nil {
			return nil, fmt.Errorf("relay: decode persisted state for room %s: %w", name, err)
		}
		r.doc = doc
	}
	return r, nil
}

// Join registers p as connected to the room and returns the room's full
// encoded state for the peer's initial catch-up (§4.I: "On new peer
// connect, read the current encoded state, send as the initial update").
func (r *Room) Join(p Peer) ([]byte, error) {
	r.mu.Lock()
	r.peers[p] = true
	r.lastActivity = time.Now()
	count := len(r.peers)
	r.mu.Unlock()

	metrics.RelayConnectionsActive.WithLabelValues(r.Name).Set(float64(count))
	r.broker.Publish(&events.Event{Type: events.EventPeerJoined, Room: r.Name, Message: p.ID()})

	return docstore.EncodeState(r.doc)
}

// Leave removes p from the room's peer set.
func (r *Room) Leave(p Peer) {
	r.mu.Lock()
	delete(r.peers, p)
	r.lastActivity = time.Now()
	count := len(r.peers)
	r.mu.Unlock()

	metrics.RelayConnectionsActive.WithLabelValues(r.Name).Set(float64(count))
	r.broker.Publish(&events.Event{Type: events.EventPeerLeft, Room: r.Name, Message: p.ID()})
}

// PeerCount returns the number of currently connected peers.
func (r *Room) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// LastActivity returns the time of the most recent join/leave/update.
func (r *Room) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

// ApplyUpdate merges an inbound update from sender into the room's
// document, streams the resulting encoded state to the persistent store,
// and broadcasts the same update bytes to every other connected peer
// (§4.I "Persistence": "On each inbound update, apply to the in-memory
// doc, then stream the update to the store").
func (r *Room) ApplyUpdate(sender Peer, update []byte) error {
	batch, err := docstore.ApplyEncoded(r.doc, update, docstore.OriginRemote)
	if err != nil {
		return fmt.Errorf("relay: apply update for room %s: %w", r.Name, err)
	}
	r.warnTombstoneFlood(batch.Changes)

	encoded, err := docstore.EncodeState(r.doc)
	if err != nil {
		return fmt.Errorf("relay: encode state for room %s: %w", r.Name, err)
	}
	if err := r.store.SaveRoom(r.Name, encoded); err != nil {
		log.WithRoom(r.Name).Warn().Err(err).Msg("relay: failed to persist room state")
	}

	r.mu.Lock()
	r.lastActivity = time.Now()
	peers := make([]Peer, 0, len(r.peers))
	for p := range r.peers {
		if p != sender {
			peers = append(peers, p)
		}
	}
	r.mu.Unlock()

	for _, p := range peers {
		if err := p.Send(update); err != nil {
			log.WithRoom(r.Name).Warn().Err(err).Str("peer", p.ID()).Msg("relay: failed to broadcast to peer")
		}
	}

	metrics.RelayBroadcastBytesTotal.WithLabelValues(r.Name).Add(float64(len(update)))
	r.broker.Publish(&events.Event{Type: events.EventUpdateBroadcast, Room: r.Name})
	return nil
}

// warnTombstoneFlood reports via backup.WarnIfTombstoneFlood when an
// inbound update tombstoned more than half of an identity's active
// authored keys (§4.E); informational only, it never rejects the update.
func (r *Room) warnTombstoneFlood(changes []docstore.Change) {
	byIdentity := make(map[string][]docstore.Change)
	for _, c := range changes {
		if c.Identity != "" {
			byIdentity[c.Identity] = append(byIdentity[c.Identity], c)
		}
	}

	for identity, identityChanges := range byIdentity {
		bucket, ok := r.doc.Bucket(identity)
		if !ok {
			continue
		}

		tombstoned := 0
		for _, c := range identityChanges {
			var collection docstore.AuthoredCollection
			switch c.Collection {
			case "notes":
				collection = docstore.CollectionNotes
			case "selections":
				collection = docstore.CollectionSelections
			case "selectionNotes":
				collection = docstore.CollectionSelectionNotes
			case "transcriptions":
				collection = docstore.CollectionTranscriptions
			default:
				continue
			}
			if rec, ok := bucket.AuthoredRaw(collection, c.Key); ok && rec.Deleted() {
				tombstoned++
			}
		}
		if tombstoned == 0 {
			continue
		}

		activeNow := len(bucket.Notes.Active()) + len(bucket.Selections.Active()) +
			len(bucket.SelectionNotes.Active()) + len(bucket.Transcriptions.Active())
		backup.WarnIfTombstoneFlood(identity, activeNow+tombstoned, tombstoned)
	}
}

// Compact runs a §4.I compaction pass over the room's document, persists
// the result, and returns the stats.
func (r *Room) Compact(now time.Time, tombstoneWindow time.Duration) (docstore.CompactionStats, error) {
	stats := r.doc.Compact(now, tombstoneWindow)

	encoded, err := docstore.EncodeState(r.doc)
	if err != nil {
		return stats, fmt.Errorf("relay: encode state after compaction for room %s: %w", r.Name, err)
	}
	if err := r.store.SaveRoom(r.Name, encoded); err != nil {
		return stats, fmt.Errorf("relay: persist after compaction for room %s: %w", r.Name, err)
	}
	return stats, nil
}

// Snapshot returns a point-in-time summary used by the monitoring API.
type Snapshot struct {
	Name         string    `json:"name"`
	PeerCount    int       `json:"peerCount"`
	LastActivity time.Time `json:"lastActivity"`
	Identities   int       `json:"identities"`
}

// Snapshot builds the current Snapshot for this room.
func (r *Room) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		Name:         r.Name,
		PeerCount:    len(r.peers),
		LastActivity: r.lastActivity,
		Identities:   len(r.doc.Identities()),
	}
}
