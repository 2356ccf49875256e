// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the deliberation engine over HTTP: conversation
// management, message submission (blocking or SSE streaming), a websocket
// feed for title updates, and operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/quorum/pkg/config"
	"github.com/kadirpekel/quorum/pkg/council"
	"github.com/kadirpekel/quorum/pkg/metrics"
	"github.com/kadirpekel/quorum/pkg/push"
	"github.com/kadirpekel/quorum/pkg/store"
)

// Server is the HTTP front of the orchestrator.
type Server struct {
	cfg        *config.Config
	store      *store.FileStore
	controller *council.Controller
	broker     *push.Broker

	httpServer *http.Server
}

// New wires the HTTP server.
func New(cfg *config.Config, st *store.FileStore, controller *council.Controller, broker *push.Broker) *Server {
	return &Server{cfg: cfg, store: st, controller: controller, broker: broker}
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Server.ListenPort)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.routes(),
	}

	slog.Info("HTTP server starting", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop gracefully drains the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	slog.Info("Shutting down HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(loggingMiddleware)
	r.Use(metricsMiddleware)
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/metrics", metrics.Handler().ServeHTTP)

	r.Route("/v1/conversations", func(r chi.Router) {
		r.Post("/", s.handleCreateConversation)
		r.Get("/", s.handleListConversations)
		r.Get("/deleted", s.handleListDeleted)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetConversation)
			r.Delete("/", s.handleSoftDelete)
			r.Post("/restore", s.handleRestore)
			r.Delete("/permanent", s.handleHardDelete)
			r.Post("/messages", s.handleSendMessage)
		})
	})

	r.Get("/v1/titles/ws", s.handleTitleWebSocket)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}
