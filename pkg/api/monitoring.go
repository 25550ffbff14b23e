package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/troparcel/sync/pkg/relay"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth serves GET /health: {status:"healthy", timestamp} (§6.2).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// statusResponse is the GET /api/status payload.
type statusResponse struct {
	Status    string    `json:"status"`
	Uptime    string    `json:"uptime"`
	RoomCount int       `json:"roomCount"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:    "healthy",
		Uptime:    time.Since(s.startedAt).String(),
		RoomCount: len(s.registry.Names()),
		Timestamp: time.Now(),
	})
}

func (s *Server) handleRoomsList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Snapshots())
}

func (s *Server) handleRoomDetail(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	room, ok := s.registry.Get(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "room not found"})
		return
	}
	writeJSON(w, http.StatusOK, room.Snapshot())
}

// handleRoomEvents serves GET /api/rooms/:name/events as an SSE stream: a
// burst of "history" isn't retained server-side, so the stream begins with
// the room's current snapshot as a synthetic first frame, then forwards
// live "activity" frames from the broker for as long as the client stays
// connected (§6.2 "SSE stream (history frames then live activity)").
func (s *Server) handleRoomEvents(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if room, ok := s.registry.Get(name); ok {
		writeSSEFrame(w, "history", room.Snapshot())
		flusher.Flush()
	}

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if ev.Room != "" && ev.Room != name {
				continue
			}
			writeSSEFrame(w, "activity", ev)
			flusher.Flush()
		}
	}
}

func writeSSEFrame(w http.ResponseWriter, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}

func (s *Server) handleRoomCompact(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	stats, err := s.registry.CompactRoom(name, time.Now(), s.tombstoneMaxAge)
	if err != nil {
		if err == relay.ErrRoomNotFound {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "room not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "compaction failed"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
