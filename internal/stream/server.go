package stream

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"codeberg.org/mutker/gaitmon/internal/errors"
	"codeberg.org/mutker/gaitmon/internal/logger"
	"codeberg.org/mutker/gaitmon/internal/poller"
)

// DefaultListen keeps the stream local unless configured otherwise.
const DefaultListen = "127.0.0.1:8765"

// Status reports collection state for /healthz. *poller.Poller
// implements it.
type Status interface {
	State() poller.State
	SessionID() string
}

type health struct {
	Status  string `json:"status"`
	State   string `json:"state"`
	Session string `json:"session,omitempty"`
	Clients int    `json:"clients"`
}

// Server exposes a Hub over HTTP.
type Server struct {
	hub    *Hub
	status Status
	log    logger.Logger
	srv    *http.Server
	ln     net.Listener
}

func NewServer(hub *Hub, status Status, log logger.Logger) *Server {
	s := &Server{
		hub:    hub,
		status: status,
		log:    log.With("stream.http"),
	}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Handler routes /ws, /snapshot and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.hub.serveWS)
	mux.HandleFunc("GET /snapshot", s.snapshot)
	mux.HandleFunc("GET /healthz", s.healthz)

	return mux
}

func (s *Server) snapshot(w http.ResponseWriter, _ *http.Request) {
	latest := s.hub.Latest()
	if latest == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(latest)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	h := health{Status: "ok", State: poller.Idle.String(), Clients: s.hub.Clients()}
	if s.status != nil {
		h.State = s.status.State().String()
		h.Session = s.status.SessionID()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h); err != nil {
		s.log.Debug().Err(err).Msg("Failed to write health response")
	}
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.New().Wrap(ErrListenFailed, err)
	}
	s.ln = ln

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("Stream server stopped unexpectedly")
		}
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("Stream server listening")

	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown disconnects clients and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()

	if err := s.srv.Shutdown(ctx); err != nil {
		return errors.New().Wrap(ErrShutdown, err)
	}

	return nil
}
