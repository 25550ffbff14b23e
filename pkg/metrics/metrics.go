package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Sync engine metrics (§4.G): one engine instance per room per peer.
	PushCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "troparcel_push_cycle_duration_seconds",
			Help:    "Time taken by one push cycle: diff local host state, write CRDT, flush transport",
			Buckets: prometheus.DefBuckets,
		},
	)

	ApplyCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "troparcel_apply_cycle_duration_seconds",
			Help:    "Time taken by one apply cycle: merge remote update, replay into host",
			Buckets: prometheus.DefBuckets,
		},
	)

	PushCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "troparcel_push_cycles_total",
			Help: "Total number of push cycles run",
		},
	)

	ApplyCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "troparcel_apply_cycles_total",
			Help: "Total number of apply cycles run",
		},
	)

	PushCycleFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "troparcel_push_cycle_failures_total",
			Help: "Total number of push cycles that returned an error",
		},
	)

	ApplyCycleFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "troparcel_apply_cycle_failures_total",
			Help: "Total number of apply cycles that returned an error",
		},
	)

	DismissedEntriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "troparcel_dismissed_entries_total",
			Help: "Total number of authored entries dismissed rather than tombstoned (non-owner local deletion)",
		},
	)

	PermanentlyFailedEntriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "troparcel_permanently_failed_entries_total",
			Help: "Total number of entries that hit the apply retry cap and stopped being retried",
		},
	)

	TransportStatusTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "troparcel_transport_status_total",
			Help: "Total number of transport status transitions, by status",
		},
		[]string{"status"},
	)

	// Vault metrics: bookkeeping map sizes, sampled on save.
	VaultPushedFieldsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "troparcel_vault_pushed_fields_total",
			Help: "Number of field-hash entries tracked across all identities in the vault",
		},
	)

	VaultDismissedKeysTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "troparcel_vault_dismissed_keys_total",
			Help: "Number of authored keys currently dismissed in the vault",
		},
	)

	// Relay metrics (§4.I): one relay process serves many rooms.
	RelayRoomsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "troparcel_relay_rooms_active",
			Help: "Number of rooms currently held open in memory by the relay",
		},
	)

	RelayConnectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "troparcel_relay_connections_active",
			Help: "Number of open websocket connections, by room",
		},
		[]string{"room"},
	)

	RelayAuthFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "troparcel_relay_auth_failures_total",
			Help: "Total number of rejected connection attempts, by reason",
		},
		[]string{"reason"},
	)

	RelayRateLimitRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "troparcel_relay_rate_limit_rejections_total",
			Help: "Total number of connections rejected by rate limiting, by limit kind",
		},
		[]string{"kind"},
	)

	RelayCompactionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "troparcel_relay_compaction_duration_seconds",
			Help:    "Time taken by one room compaction pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	RelayCompactionTombstonesPurgedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "troparcel_relay_compaction_tombstones_purged_total",
			Help: "Total number of tombstones purged across all compaction passes",
		},
	)

	RelayBroadcastBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "troparcel_relay_broadcast_bytes_total",
			Help: "Total bytes of CRDT update payload broadcast, by room",
		},
		[]string{"room"},
	)
)

func init() {
	prometheus.MustRegister(
		PushCycleDuration,
		ApplyCycleDuration,
		PushCyclesTotal,
		ApplyCyclesTotal,
		PushCycleFailuresTotal,
		ApplyCycleFailuresTotal,
		DismissedEntriesTotal,
		PermanentlyFailedEntriesTotal,
		TransportStatusTotal,
		VaultPushedFieldsTotal,
		VaultDismissedKeysTotal,
		RelayRoomsActive,
		RelayConnectionsActive,
		RelayAuthFailuresTotal,
		RelayRateLimitRejectionsTotal,
		RelayCompactionDuration,
		RelayCompactionTombstonesPurgedTotal,
		RelayBroadcastBytesTotal,
	)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
