package relay

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/troparcel/sync/pkg/config"
	"github.com/troparcel/sync/pkg/events"
	"github.com/troparcel/sync/pkg/log"
	"github.com/troparcel/sync/pkg/metrics"
	"github.com/troparcel/sync/pkg/relaystore"
)

// ErrRoomLimitReached is returned by GetOrCreate when MaxRooms is already
// in use and name does not name an already-open room.
var ErrRoomLimitReached = fmt.Errorf("relay: room limit reached")

// ErrRoomNotFound is returned by lookups against a room name that isn't
// currently open.
var ErrRoomNotFound = fmt.Errorf("relay: room not found")

// DefaultIdleGrace is how long an empty room is kept open before being
// evicted from memory (§4.I "destroyed after a configurable idle grace",
// default 60s).
const DefaultIdleGrace = 60 * time.Second

// Registry owns every room the relay process currently holds open, the
// shared persistent store backing them, and the event broker monitoring
// clients subscribe to (§4.I "Rooms").
type Registry struct {
	store  *relaystore.Store
	broker *events.Broker

	maxRooms  int
	idleGrace time.Duration

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRegistry constructs a Registry backed by store, with room creation
// capped at maxRooms. idleGrace <= 0 uses DefaultIdleGrace.
func NewRegistry(store *relaystore.Store, broker *events.Broker, maxRooms int, idleGrace time.Duration) *Registry {
	if idleGrace <= 0 {
		idleGrace = DefaultIdleGrace
	}
	return &Registry{
		store:     store,
		broker:    broker,
		maxRooms:  maxRooms,
		idleGrace: idleGrace,
		rooms:     make(map[string]*Room),
	}
}

// GetOrCreate returns the room named name, creating it (and loading any
// persisted state) on first reference. A brand-new room beyond maxRooms
// is rejected with ErrRoomLimitReached.
func (reg *Registry) GetOrCreate(name string) (*Room, error) {
	name = config.SanitizeRoomName(name)

	reg.mu.Lock()
	if r, ok := reg.rooms[name]; ok {
		reg.mu.Unlock()
		return r, nil
	}
	if reg.maxRooms > 0 && len(reg.rooms) >= reg.maxRooms {
		reg.mu.Unlock()
		return nil, ErrRoomLimitReached
	}
	reg.mu.Unlock()

	r, err := newRoom(name, reg.store, reg.broker)
	if err != nil {
		return nil, err
	}

	reg.mu.Lock()
	if existing, ok := reg.rooms[name]; ok {
		// Lost a creation race: another caller created it first.
		reg.mu.Unlock()
		return existing, nil
	}
	reg.rooms[name] = r
	count := len(reg.rooms)
	reg.mu.Unlock()

	metrics.RelayRoomsActive.Set(float64(count))
	reg.broker.Publish(&events.Event{Type: events.EventRoomOpened, Room: name})
	return r, nil
}

// Get returns the room named name without creating it.
func (reg *Registry) Get(name string) (*Room, bool) {
	name = config.SanitizeRoomName(name)
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[name]
	return r, ok
}

// Names returns every currently open room name, sorted.
func (reg *Registry) Names() []string {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	names := make([]string, 0, len(reg.rooms))
	for name := range reg.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshots returns a Snapshot for every open room, sorted by name.
func (reg *Registry) Snapshots() []Snapshot {
	reg.mu.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.mu.Unlock()

	out := make([]Snapshot, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EvictIdle closes and removes every room with zero connected peers whose
// last activity is older than the registry's idle grace (§4.I "Rooms ...
// destroyed after a configurable idle grace"). Room state already lives in
// the persistent store, so eviction only frees the in-memory Document.
func (reg *Registry) EvictIdle(now time.Time) {
	reg.mu.Lock()
	var evicted []string
	for name, r := range reg.rooms {
		if r.PeerCount() == 0 && now.Sub(r.LastActivity()) >= reg.idleGrace {
			delete(reg.rooms, name)
			evicted = append(evicted, name)
		}
	}
	count := len(reg.rooms)
	reg.mu.Unlock()

	if len(evicted) == 0 {
		return
	}
	metrics.RelayRoomsActive.Set(float64(count))
	logger := log.WithComponent("relay-registry")
	for _, name := range evicted {
		logger.Info().Str("room", name).Msg("evicted idle room")
		reg.broker.Publish(&events.Event{Type: events.EventRoomClosed, Room: name})
	}
}

// RunIdleGC starts a background loop evicting idle rooms every interval
// until stop is closed.
func (reg *Registry) RunIdleGC(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = reg.idleGrace
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			reg.EvictIdle(now)
		case <-stop:
			return
		}
	}
}
