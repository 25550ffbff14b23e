package relay

import (
	"time"

	"github.com/troparcel/sync/pkg/log"
	"github.com/troparcel/sync/pkg/metrics"
)

// DefaultCompactionInterval is how often the relay sweeps every open room
// for tombstone/orphan/alias GC (§4.I "Compaction", default 6 hours).
const DefaultCompactionInterval = 6 * time.Hour

// DefaultTombstoneMaxAge is the default tombstone retention window (§4.I,
// §6.3 TOMBSTONE_MAX_DAYS default 30).
const DefaultTombstoneMaxAge = 30 * 24 * time.Hour

// RunCompactionLoop runs CompactAll every interval until stop is closed.
// Only rooms currently held open in memory are compacted; a room evicted
// by idle GC already flushed its latest encoded state to the store, and is
// recompacted the next time it's rejoined and reaches its own interval —
// compaction of a cold, disconnected room buys nothing no peer will see
// until it reconnects anyway.
func (reg *Registry) RunCompactionLoop(interval, tombstoneMaxAge time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = DefaultCompactionInterval
	}
	if tombstoneMaxAge <= 0 {
		tombstoneMaxAge = DefaultTombstoneMaxAge
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			reg.CompactAll(now, tombstoneMaxAge)
		case <-stop:
			return
		}
	}
}

// CompactAll runs one compaction pass over every currently open room.
func (reg *Registry) CompactAll(now time.Time, tombstoneMaxAge time.Duration) {
	reg.mu.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.mu.Unlock()

	logger := log.WithComponent("relay-compactor")
	for _, r := range rooms {
		timer := metrics.NewTimer()
		stats, err := r.Compact(now, tombstoneMaxAge)
		timer.ObserveDuration(metrics.RelayCompactionDuration)
		if err != nil {
			logger.Warn().Err(err).Str("room", r.Name).Msg("compaction pass failed")
			continue
		}
		metrics.RelayCompactionTombstonesPurgedTotal.Add(float64(stats.TombstonesPurged))
		logger.Info().
			Str("room", r.Name).
			Int("tombstonesPurged", stats.TombstonesPurged).
			Int("aliasesPurged", stats.AliasesPurged).
			Int("orphansPurged", stats.OrphansPurged).
			Int("bucketsPruned", stats.BucketsPruned).
			Msg("compaction pass complete")
	}
}

// CompactRoom triggers an immediate compaction of one named room, used by
// the authenticated manual compaction endpoint (§6.2 POST
// /api/rooms/:name/compact). It reports ErrRoomNotFound if the room isn't
// currently open.
func (reg *Registry) CompactRoom(name string, now time.Time, tombstoneMaxAge time.Duration) (interface{}, error) {
	r, ok := reg.Get(name)
	if !ok {
		return nil, ErrRoomNotFound
	}
	if tombstoneMaxAge <= 0 {
		tombstoneMaxAge = DefaultTombstoneMaxAge
	}
	timer := metrics.NewTimer()
	stats, err := r.Compact(now, tombstoneMaxAge)
	timer.ObserveDuration(metrics.RelayCompactionDuration)
	if err != nil {
		return nil, err
	}
	metrics.RelayCompactionTombstonesPurgedTotal.Add(float64(stats.TombstonesPurged))
	return stats, nil
}
