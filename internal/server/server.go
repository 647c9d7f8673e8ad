// Package server is the WebSocket front-end: connection lifecycle, framed
// JSON parsing, and routing into the room layer.
package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"babblefish/internal/config"
	"babblefish/internal/language"
	"babblefish/internal/room"
)

// Server wires the HTTP routes and the WebSocket endpoint.
type Server struct {
	cfg      *config.Config
	registry *language.Registry
	manager  *room.Manager
	upgrader websocket.Upgrader
	logger   *log.Logger

	// newDecoder builds a per-participant Opus session; tests substitute
	// fakes.
	newDecoder func() (room.OpusSession, error)
}

func New(cfg *config.Config, registry *language.Registry, manager *room.Manager, newDecoder func() (room.OpusSession, error), logger *log.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		registry:   registry,
		manager:    manager,
		newDecoder: newDecoder,
		logger:     logger.With("component", "server"),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	return s
}

// checkOrigin allows all origins unless ALLOWED_ORIGINS restricts them.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.AllowedOrigins
	if allowed == "" {
		return true
	}

	origin := r.Header.Get("Origin")
	for _, a := range strings.Split(allowed, ",") {
		if strings.TrimSpace(a) == origin {
			return true
		}
	}
	s.logger.Warn("rejected connection from unauthorized origin", "origin", origin)
	return false
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws/client", s.handleWebSocket)
	r.Get("/health", s.handleHealth)
	r.Post("/rooms", s.handleCreateRoom)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"rooms":        s.manager.RoomCount(),
		"participants": s.manager.ParticipantCount(),
	})
}

// handleCreateRoom mints a fresh room code. The room itself is created
// lazily on the first join.
func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"room_id": room.NewRoomID()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
