// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/noldarim/shipyard/internal/config"
	"github.com/noldarim/shipyard/internal/protocol"

	"github.com/go-chi/chi/v5"
)

// Server serves the status page, the run API and the run event stream.
type Server struct {
	httpServer  *http.Server
	broadcaster *EventBroadcaster
	clients     *ClientRegistry
}

// New wires up the server. It does not listen until Run is called.
func New(cfg *config.ServerConfig, eventChan <-chan protocol.Event, runs RunService) *Server {
	clients := NewClientRegistry()
	broadcaster := NewEventBroadcaster(eventChan, clients)

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Address(),
			Handler:           NewRouter(cfg, runs, clients),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		broadcaster: broadcaster,
		clients:     clients,
	}
}

// NewRouter builds the HTTP handler tree.
func NewRouter(cfg *config.ServerConfig, runs RunService, clients *ClientRegistry) http.Handler {
	handlers := NewHandlers(runs, clients)

	r := chi.NewRouter()
	r.Use(Recovery)
	r.Use(RequestID)
	r.Use(Logger)
	r.Use(CORS(cfg.AllowedOrigins))
	r.Use(MaxBodySize(1 << 20))

	r.Get("/", handlers.Index)
	r.Get("/healthz", handlers.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/events", handlers.SubmitEvent)
		r.Get("/runs", handlers.ListRuns)
		r.Get("/runs/{runId}", handlers.GetRun)
		r.Post("/runs/{runId}/cancel", handlers.CancelRun)
	})

	r.Get("/ws", HandleWebSocket(clients, cfg.AllowedOrigins))
	return r
}

// Handler returns the server's router.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run starts the event broadcaster and the HTTP server. It blocks until the
// server is shut down.
func (s *Server) Run(ctx context.Context) error {
	go s.runBroadcaster(ctx)

	getLog().Info().Str("addr", s.httpServer.Addr).Msg("API server listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// runBroadcaster restarts the broadcaster after a panic, up to three times.
func (s *Server) runBroadcaster(ctx context.Context) {
	const maxRetries = 3
	for attempt := 1; attempt <= maxRetries; attempt++ {
		stopped := false
		func() {
			defer func() {
				if r := recover(); r != nil {
					getLog().Error().Interface("panic", r).Int("attempt", attempt).Msg("Event broadcaster panic")
				}
			}()
			s.broadcaster.Run(ctx)
			stopped = true
		}()
		if stopped || ctx.Err() != nil {
			return
		}
		if attempt < maxRetries {
			getLog().Warn().Int("attempt", attempt).Msg("Restarting event broadcaster after panic")
			time.Sleep(time.Second)
		}
	}
	getLog().Error().Msg("Event broadcaster exhausted retries - events will no longer be dispatched")
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
