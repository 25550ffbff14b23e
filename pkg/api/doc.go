// Package api implements the relay's HTTP and WebSocket surface (§6.2): the
// monitoring endpoints (/health, /api/status, /api/rooms, /api/rooms/:name,
// the SSE event stream, the manual compaction trigger), a small HTML
// dashboard, and the per-room WebSocket sync endpoint itself.
//
// api depends on pkg/relay for all room/auth/rate-limit business logic; it
// owns nothing but wire framing, routing (gorilla/mux) and connection
// bookkeeping (gorilla/websocket). Handlers never touch a docstore.Document
// directly — every document mutation goes through relay.Room.
package api
