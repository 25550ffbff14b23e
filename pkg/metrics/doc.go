/*
Package metrics provides Prometheus metrics collection and exposition for the
troparcel sync engine and relay.

Metrics are defined and registered using the Prometheus client library at
package init, and exposed via an HTTP endpoint for scraping.

# Metrics Catalog

Sync engine (one instance per room per peer):

troparcel_push_cycle_duration_seconds:
  - Histogram. Time taken by one push cycle.

troparcel_apply_cycle_duration_seconds:
  - Histogram. Time taken by one apply cycle.

troparcel_push_cycles_total / troparcel_apply_cycles_total:
  - Counter. Total cycles run.

troparcel_push_cycle_failures_total / troparcel_apply_cycle_failures_total:
  - Counter. Total cycles that returned an error.

troparcel_dismissed_entries_total:
  - Counter. Authored entries dismissed rather than tombstoned (§3.3/§4.D:
    a local delete by a non-owner).

troparcel_permanently_failed_entries_total:
  - Counter. Entries that hit the apply retry cap (§4.F).

troparcel_transport_status_total{status}:
  - Counter. Transport status transitions.

troparcel_vault_pushed_fields_total / troparcel_vault_dismissed_keys_total:
  - Gauge. Bookkeeping map sizes, sampled on vault save.

Relay (§4.I, one process serving many rooms):

troparcel_relay_rooms_active:
  - Gauge. Rooms currently held open in memory.

troparcel_relay_connections_active{room}:
  - Gauge. Open websocket connections per room.

troparcel_relay_auth_failures_total{reason}:
  - Counter. Rejected connection attempts.

troparcel_relay_rate_limit_rejections_total{kind}:
  - Counter. Connections rejected by rate limiting ("per_ip" or "per_room").

troparcel_relay_compaction_duration_seconds:
  - Histogram. Time taken by one compaction pass.

troparcel_relay_compaction_tombstones_purged_total:
  - Counter. Tombstones purged across all compaction passes.

troparcel_relay_broadcast_bytes_total{room}:
  - Counter. Bytes of CRDT update payload broadcast.

# Usage

	timer := metrics.NewTimer()
	err := engine.runPushCycle(ctx)
	timer.ObserveDuration(metrics.PushCycleDuration)
	metrics.PushCyclesTotal.Inc()
	if err != nil {
		metrics.PushCycleFailuresTotal.Inc()
	}

	http.Handle("/metrics", metrics.Handler())

# Health and Readiness

GetHealth/GetReadiness report on components registered via RegisterComponent.
In a peer process the sync engine registers "transport" and pkg/vault's Save
registers "vault"; the relay registers only "relaystore" and makes it its one
critical component. SetCriticalComponents overrides which names gate
readiness, for processes with a different component set.

# Design Patterns

Package-level variables, registered once in init(), same as the metrics are
looked up: no runtime registration, no per-call allocation beyond label
lookups. Label sets are kept low-cardinality (room names, status strings,
reason strings) — never identity hashes or CRDT keys.
*/
package metrics
