// Package server implements the HTTP server lifecycle for the relay: it
// composes the store, the token gate, the registry and the relay engine
// behind one http.Server and shuts them down in order.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Tyrowin/whisp/internal/auth"
	"github.com/Tyrowin/whisp/internal/store"
)

// Server is a configured relay process. Construct it with New.
type Server struct {
	cfg      Config
	log      *slog.Logger
	registry *Registry
	relay    *Relay
	http     *http.Server
}

// New wires the HTTP API and the relay around st and gate. The caller keeps
// ownership of st and closes it after Shutdown.
func New(cfg Config, st store.Store, gate *auth.Gate, log *slog.Logger) *Server {
	registry := NewRegistry(log)
	relay := NewRelay(registry, gate, cfg, log)
	api := NewAPI(st, gate, registry, log)

	return &Server{
		cfg:      cfg,
		log:      log,
		registry: registry,
		relay:    relay,
		http:     CreateServer(cfg.Port, NewRouter(api, relay, cfg, log)),
	}
}

// CreateServer creates an http.Server with conservative timeouts. Upgraded
// WebSocket connections are not subject to them.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Registry exposes the presence map.
func (s *Server) Registry() *Registry {
	return s.registry
}

// ListenAndServe blocks until the server stops. A clean Shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.log.Info("Server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen on %s: %w", s.http.Addr, err)
	}
	return nil
}

// Shutdown stops accepting requests, then closes every live session with
// "going away" and waits for them, all within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down HTTP server")
	httpErr := s.http.Shutdown(ctx)
	if httpErr != nil {
		s.log.Error("HTTP server shutdown error", "error", httpErr)
	}

	relayErr := s.relay.Shutdown(ctx)
	return errors.Join(httpErr, relayErr)
}
