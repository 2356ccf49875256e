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

package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/quorum/pkg/council"
	"github.com/kadirpekel/quorum/pkg/store"
)

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.Create()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create conversation: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.store.ListActive()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list conversations: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) handleListDeleted(w http.ResponseWriter, r *http.Request) {
	convs, err := s.store.ListDeleted()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list conversations: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleSoftDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.SoftDelete(chi.URLParam(r, "id")); err != nil {
		s.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Restore(chi.URLParam(r, "id")); err != nil {
		s.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHardDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.HardDelete(chi.URLParam(r, "id")); err != nil {
		s.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

// handleSendMessage submits a user message for deliberation. With
// ?stream=true or Accept: text/event-stream the response is an SSE feed
// of deliberation events; otherwise the handler blocks and returns the
// assistant message with its full trace.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	deliberation, err := s.controller.Submit(r.Context(), conversationID, req.Content)
	if err != nil {
		s.storeError(w, err)
		return
	}

	if wantsStream(r) {
		s.streamEvents(w, r, deliberation)
		return
	}

	// Drain the event channel so emitters never block on a consumer
	// that is not streaming.
	go func() {
		for range deliberation.Events() {
		}
	}()

	msg, err := deliberation.Wait()
	if err != nil {
		writeError(w, http.StatusBadGateway, "deliberation failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func wantsStream(r *http.Request) bool {
	if r.URL.Query().Get("stream") == "true" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// streamEvents relays deliberation events as server-sent events, framed
// as "data: {json}\n\n".
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, d *council.Deliberation) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for event := range d.Events() {
		data, err := json.Marshal(event)
		if err != nil {
			slog.Warn("Failed to encode event", "type", event.Type, "error", err)
			continue
		}
		if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
			// Client went away; the request context cancellation stops
			// the deliberation.
			return
		}
		flusher.Flush()
	}
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeError(w, http.StatusInternalServerError, "%v", err)
}
