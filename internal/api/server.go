// Package api is the control plane: a small HTTP server for run lifecycle
// management plus a websocket stream that tails the audit event log and
// pushes new events to connected clients.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"momentum-trader/internal/config"
	"momentum-trader/internal/store"
)

// Server runs the control-plane HTTP and websocket API.
type Server struct {
	cfg      config.APIConfig
	store    *store.Store
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

func NewServer(cfg config.APIConfig, st *store.Store, exiter Exiter, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(st, exiter, hub, cfg, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /api/runs", handlers.HandleListRuns)
	mux.HandleFunc("POST /api/runs", handlers.HandleCreateRun)
	mux.HandleFunc("GET /api/runs/{id}", handlers.HandleGetRun)
	mux.HandleFunc("DELETE /api/runs/{id}", handlers.HandleDeleteRun)
	mux.HandleFunc("POST /api/runs/{id}/status", handlers.HandleSetStatus)
	mux.HandleFunc("POST /api/runs/{id}/force-exit", handlers.HandleForceExit)
	mux.HandleFunc("GET /api/runs/{id}/results", handlers.HandleResults)
	mux.HandleFunc("GET /api/runs/{id}/equity", handlers.HandleEquity)
	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		store:    st,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Handler exposes the routed mux, mainly for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start serves until the listener fails or Stop is called. The hub and the
// event tail run on their own goroutines tied to ctx.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run()
	go s.tailEvents(ctx)

	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

const (
	tailInterval = time.Second
	tailBatch    = 500
)

// tailEvents polls the audit event log and broadcasts new rows to the hub.
func (s *Server) tailEvents(ctx context.Context) {
	ticker := time.NewTicker(tailInterval)
	defer ticker.Stop()

	last := time.Now().UTC()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			events, err := s.store.EventsAfter(ctx, last, tailBatch)
			if err != nil {
				s.logger.Warn("event tail failed", "error", err)
				continue
			}
			for i := range events {
				evt := &events[i]
				s.hub.BroadcastEvent(StreamEvent{
					Type:  string(evt.EventType),
					RunID: evt.RunID,
					Ts:    evt.Ts,
					Data:  json.RawMessage(evt.Payload),
				})
				if evt.CreatedAt.After(last) {
					last = evt.CreatedAt
				}
			}
		}
	}
}
