// Package backup implements the pre-apply snapshot journal and the inbound
// validator described in §4.E: before any apply cycle mutates local data, a
// snapshot of the affected items is written to a local rolling journal;
// oversized values, and empty remote values that would overwrite a
// non-empty local one, are rejected before they ever reach the adapter.
package backup
