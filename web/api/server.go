// Package api serves the status feed: JSON snapshots of runs and series
// plus live updates over SSE and WebSocket. The server only reads the
// working directory; all mutations go through the CLI.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hochfrequenz/hpc-test-orchestrator/internal/status"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/watch"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/workdir"
)

// Event is one feed message, shared by the SSE and WebSocket channels.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Server is the status feed HTTP server
type Server struct {
	root    workdir.Root
	tracker *status.Tracker
	addr    string
	mux     *http.ServeMux
	sseHub  *SSEHub
	wsHub   *WSHub
	log     *slog.Logger
}

// NewServer creates a new feed server
func NewServer(root workdir.Root, tracker *status.Tracker, addr string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		root:    root,
		tracker: tracker,
		addr:    addr,
		mux:     http.NewServeMux(),
		sseHub:  NewSSEHub(),
		wsHub:   NewWSHub(log),
		log:     log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/runs", s.listRunsHandler())
	s.mux.HandleFunc("/api/runs/", s.getRunHandler())
	s.mux.HandleFunc("/api/series", s.listSeriesHandler())
	s.mux.HandleFunc("/api/series/", s.getSeriesHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
	s.mux.HandleFunc("/ws", s.wsHandler())
}

// Handler returns the route handler, for serving and for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start runs the hubs and the HTTP server. Blocks until the listener fails.
func (s *Server) Start() error {
	go s.sseHub.Run()
	go s.wsHub.Run()
	s.log.Info("feed server listening", "addr", s.addr)
	return http.ListenAndServe(s.addr, s.mux)
}

// Broadcast sends an event to all SSE and WebSocket clients
func (s *Server) Broadcast(event Event) {
	s.sseHub.Broadcast(event)
	s.wsHub.Broadcast(event)
}

// BroadcastChanges feeds a batch of watcher changes to all clients.
func (s *Server) BroadcastChanges(changes []watch.Change) {
	for _, change := range changes {
		s.Broadcast(Event{Type: "run_update", Data: s.runResponse(change.RunID)})
	}
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
