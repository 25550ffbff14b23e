package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/troparcel/sync/pkg/events"
	"github.com/troparcel/sync/pkg/log"
	"github.com/troparcel/sync/pkg/relay"
)

// Server wires pkg/relay's Registry, Authenticator and ConnLimiter to HTTP
// and WebSocket handlers (§6.2).
type Server struct {
	registry *relay.Registry
	auth     *relay.Authenticator
	limiter  *relay.ConnLimiter
	broker   *events.Broker

	monitorToken    string
	tombstoneMaxAge time.Duration

	startedAt time.Time
	router    *mux.Router
}

// Config collects everything Server needs beyond the registry/auth/limiter
// already owned elsewhere.
type Config struct {
	Registry        *relay.Registry
	Auth            *relay.Authenticator
	Limiter         *relay.ConnLimiter
	Broker          *events.Broker
	MonitorToken    string // if set, GET /api/status requires it
	TombstoneMaxAge time.Duration
}

// NewServer builds a Server and its mux.Router. Call Handler to get the
// http.Handler to pass to http.Server.
func NewServer(cfg Config) *Server {
	s := &Server{
		registry:        cfg.Registry,
		auth:            cfg.Auth,
		limiter:         cfg.Limiter,
		broker:          cfg.Broker,
		monitorToken:    cfg.MonitorToken,
		tombstoneMaxAge: cfg.TombstoneMaxAge,
		startedAt:       time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the http.Handler serving the full §6.2 surface.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/", s.handleDashboard).Methods(http.MethodGet)
	r.HandleFunc("/api/status", s.requireMonitorToken(s.handleStatus)).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms", s.handleRoomsList).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{name}", s.handleRoomDetail).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{name}/events", s.handleRoomEvents).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{name}/compact", s.requireMonitorToken(s.handleRoomCompact)).Methods(http.MethodPost)
	r.HandleFunc("/{room}", s.handleWS)

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	logger := log.WithComponent("api")
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, req)
		logger.Debug().
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Str("remote", relay.MaskIP(req.RemoteAddr)).
			Dur("elapsed", time.Since(start)).
			Msg("api: request handled")
	})
}

// requireMonitorToken gates a handler behind the MONITOR_TOKEN bearer
// credential, when one is configured (§6.2 "/api/status ... auth if
// MONITOR_TOKEN set").
func (s *Server) requireMonitorToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.monitorToken == "" {
			next(w, r)
			return
		}
		got := r.Header.Get("Authorization")
		want := "Bearer " + s.monitorToken
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}
