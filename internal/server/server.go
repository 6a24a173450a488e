// Package server exposes the sensorlink HTTP surface: the embedded live-plot
// UI, its WebSocket feed, the operator API and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/shaunagostinho/sensorlink/internal/command"
	"github.com/shaunagostinho/sensorlink/internal/config"
	"github.com/shaunagostinho/sensorlink/internal/feed"
	"github.com/shaunagostinho/sensorlink/internal/session"
	"github.com/shaunagostinho/sensorlink/internal/sink"
)

// StatsSource reports sink counters.
type StatsSource interface {
	Stats() sink.Stats
}

// Options wires the HTTP server to the rest of the service. Any field except
// Config and Registry may be nil.
type Options struct {
	Config   *config.Config
	Registry *session.Registry
	Hub      http.Handler
	Stats    StatsSource
	Latest   []feed.Latest // consulted in order
	Metrics  http.Handler
	WebFS    fs.FS
}

// Server serves the UI and operator API.
type Server struct {
	opts Options
	mux  *http.ServeMux
}

// New creates a new Server.
func New(opts Options) *Server {
	s := &Server{opts: opts, mux: http.NewServeMux()}

	if opts.WebFS != nil {
		s.mux.Handle("/", http.FileServer(http.FS(opts.WebFS)))
	}
	if opts.Hub != nil {
		s.mux.Handle("/ws", opts.Hub)
	}
	if opts.Metrics != nil {
		s.mux.Handle("GET /metrics", opts.Metrics)
	}
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /api/config", s.handleConfig)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/sessions", s.handleSessions)
	s.mux.HandleFunc("POST /api/sessions/{id}/command", s.handleSessionCommand)
	s.mux.HandleFunc("POST /api/command", s.handleBroadcast)
	s.mux.HandleFunc("GET /api/latest/{device}", s.handleLatest)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Run listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[http] listening on %s", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.opts.Registry.Len(),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	data, err := s.opts.Config.ToJSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"sessions": s.opts.Registry.Len()}
	if s.opts.Stats != nil {
		out["sink"] = s.opts.Stats.Stats()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Registry.List())
}

type commandRequest struct {
	Command string `json:"command"`
}

// readCommand decodes and validates a {"command": "..."} body.
func readCommand(w http.ResponseWriter, r *http.Request) (command.Command, bool) {
	var req commandRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "bad request body")
		return command.Command{}, false
	}
	cmd := command.Parse(req.Command)
	if cmd.Kind == command.Unknown {
		httpError(w, http.StatusBadRequest, "unknown command "+strconv.Quote(req.Command))
		return cmd, false
	}
	if cmd.Err != nil {
		httpError(w, http.StatusBadRequest, cmd.Err.Error())
		return cmd, false
	}
	return cmd, true
}

func (s *Server) handleSessionCommand(w http.ResponseWriter, r *http.Request) {
	cmd, ok := readCommand(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	err := s.opts.Registry.Send(id, cmd)
	switch {
	case errors.Is(err, session.ErrNotFound):
		httpError(w, http.StatusNotFound, "session "+id+" not found")
	case err != nil:
		log.Printf("[http] command %s to %s failed: %v", cmd, id, err)
		httpError(w, http.StatusConflict, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "command": cmd.String()})
	}
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	cmd, ok := readCommand(w, r)
	if !ok {
		return
	}
	n := s.opts.Registry.Broadcast(cmd)
	writeJSON(w, http.StatusOK, map[string]any{"command": cmd.String(), "sent": n})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("device"), 10, 32)
	if err != nil {
		httpError(w, http.StatusBadRequest, "bad device id")
		return
	}
	for _, src := range s.opts.Latest {
		rd, err := src.Latest(r.Context(), uint32(id))
		if err == nil {
			writeJSON(w, http.StatusOK, feed.Message{Type: "reading", Reading: rd})
			return
		}
		if !errors.Is(err, feed.ErrNoReading) {
			log.Printf("[http] latest lookup for device %d: %v", id, err)
		}
	}
	httpError(w, http.StatusNotFound, "no recent reading")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
