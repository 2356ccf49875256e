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

package title

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/quorum/pkg/config"
	"github.com/kadirpekel/quorum/pkg/metrics"
	"github.com/kadirpekel/quorum/pkg/model"
	"github.com/kadirpekel/quorum/pkg/push"
	"github.com/kadirpekel/quorum/pkg/store"
)

// Job statuses pushed to subscribers.
const (
	StatusQueued     = "queued"
	StatusGenerating = "generating"
	StatusThinking   = "thinking"
	StatusComplete   = "complete"
	StatusError      = "error"
)

const titlePrompt = `Write a title for a conversation that starts with the ` +
	`message below. At most 5 words. No quotes, no trailing punctuation, no ` +
	`boilerplate like "New Conversation" or "Untitled". Output only the title.

Message:
%s`

// fallbackTitleLimit caps the fallback title taken from the user message.
const fallbackTitleLimit = 40

const retryBaseDelay = 1 * time.Second

// Service drains the title job queue with a small worker pool, generating
// titles on the chairman model and pushing progress through the broker.
type Service struct {
	queue  *queue
	store  *store.FileStore
	client model.Client
	broker *push.Broker
	cfg    *config.Config

	wg sync.WaitGroup
}

// NewService wires a title service. Start must be called before jobs run.
func NewService(st *store.FileStore, client model.Client, broker *push.Broker, cfg *config.Config) *Service {
	return &Service{
		queue:  newQueue(),
		store:  st,
		client: client,
		broker: broker,
		cfg:    cfg,
	}
}

// Start launches the worker pool and the startup rescan. Workers stop
// when ctx is cancelled or Stop is called.
func (s *Service) Start(ctx context.Context) {
	if !s.cfg.Titles.IsEnabled() {
		slog.Info("Title generation disabled")
		return
	}

	for i := 0; i < s.cfg.Titles.MaxConcurrent; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.rescan()
	}()

	go func() {
		<-ctx.Done()
		s.queue.close()
	}()
}

// Stop shuts the queue and waits for in-progress jobs.
func (s *Service) Stop() {
	s.queue.close()
	s.wg.Wait()
}

// RequestImmediate enqueues a high-priority title job, typically right
// after a conversation's first deliberation completes.
func (s *Service) RequestImmediate(conversationID, userMessage string) {
	if !s.cfg.Titles.IsEnabled() {
		return
	}
	s.push(Job{ConversationID: conversationID, UserMessage: userMessage, Priority: PriorityImmediate})
}

// rescan enqueues a background job for every conversation still carrying
// a placeholder title but holding at least one message.
func (s *Service) rescan() {
	convs, err := s.store.ListActive()
	if err != nil {
		slog.Warn("Title rescan failed", "error", err)
		return
	}
	enqueued := 0
	for _, conv := range convs {
		if !store.IsGenericTitle(conv.Title) || len(conv.Messages) == 0 {
			continue
		}
		s.push(Job{
			ConversationID: conv.ID,
			UserMessage:    firstUserMessage(conv),
			Priority:       PriorityBackground,
		})
		enqueued++
	}
	if enqueued > 0 {
		slog.Info("Title rescan enqueued jobs", "count", enqueued)
	}
}

func (s *Service) push(job Job) {
	if s.queue.push(job) {
		s.broker.Publish(push.Envelope{ConversationID: job.ConversationID, Status: StatusQueued})
	}
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		job, ok := s.queue.pop()
		if !ok {
			return
		}
		s.process(ctx, job)
	}
}

func (s *Service) process(ctx context.Context, job Job) {
	requeued := false
	defer func() {
		if !requeued {
			s.queue.finish(job.ConversationID)
		}
	}()

	s.broker.Publish(push.Envelope{ConversationID: job.ConversationID, Status: StatusGenerating})

	title, err := s.generate(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if job.Attempt+1 < s.cfg.Titles.RetryAttempts {
			requeued = s.retry(ctx, job)
			return
		}
		// Terminal failure: the placeholder title stays.
		slog.Warn("Title generation failed", "conversation_id", job.ConversationID, "attempts", job.Attempt+1, "error", err)
		metrics.TitleJobFinished(StatusError)
		s.broker.Publish(push.Envelope{ConversationID: job.ConversationID, Status: StatusError})
		return
	}

	if err := s.store.UpdateTitle(job.ConversationID, title); err != nil {
		slog.Warn("Failed to persist title", "conversation_id", job.ConversationID, "error", err)
		metrics.TitleJobFinished(StatusError)
		s.broker.Publish(push.Envelope{ConversationID: job.ConversationID, Status: StatusError})
		return
	}

	metrics.TitleJobFinished(StatusComplete)
	s.broker.Publish(push.Envelope{ConversationID: job.ConversationID, Status: StatusComplete, Data: title})
	slog.Info("Generated title", "conversation_id", job.ConversationID, "title", title)
}

// retry backs off, then requeues the job. Reports whether the job was
// handed back to the queue.
func (s *Service) retry(ctx context.Context, job Job) bool {
	delay := retryBaseDelay << job.Attempt
	slog.Debug("Retrying title generation", "conversation_id", job.ConversationID, "attempt", job.Attempt+1, "delay", delay)
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		job.Attempt++
		s.queue.requeue(job)
		return true
	}
}

// generate runs one title completion on the chairman. Reasoning models
// stream so thinking progress can be pushed; plain models use a single
// blocking completion.
func (s *Service) generate(ctx context.Context, job Job) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.Titles.TimeoutSeconds)*time.Second)
	defer cancel()

	chairman := s.cfg.Models.Chairman.ID
	messages := []model.Message{
		{Role: model.RoleUser, Content: fmt.Sprintf(titlePrompt, job.UserMessage)},
	}

	var content string
	if s.isReasoningModel(chairman) {
		chunks, err := s.client.CompleteStream(callCtx, chairman, messages, model.Options{})
		if err != nil {
			return "", err
		}
		var contentBuf strings.Builder
		sawThinking := false
		for chunk := range chunks {
			switch chunk.Kind {
			case model.ChunkThinkingDelta:
				if !sawThinking {
					sawThinking = true
					s.broker.Publish(push.Envelope{ConversationID: job.ConversationID, Status: StatusThinking})
				}
			case model.ChunkContentDelta:
				contentBuf.WriteString(chunk.Delta)
			case model.ChunkError:
				return "", chunk.Err
			}
		}
		content = contentBuf.String()
	} else {
		completion, err := s.client.Complete(callCtx, chairman, messages, model.Options{})
		if err != nil {
			return "", err
		}
		content = completion.Content
	}

	return ExtractTitle(content, job.UserMessage), nil
}

// isReasoningModel checks the chairman name against the configured
// reasoning-hint substrings.
func (s *Service) isReasoningModel(name string) bool {
	lower := strings.ToLower(name)
	for _, hint := range s.cfg.Titles.ThinkingHints {
		if strings.Contains(lower, strings.ToLower(hint)) {
			return true
		}
	}
	return false
}

// ExtractTitle cleans a model response into a usable title. An empty or
// still-generic result falls back to a prefix of the user message.
func ExtractTitle(raw, userMessage string) string {
	title := raw
	if idx := strings.Index(title, "<think>"); idx >= 0 {
		if end := strings.Index(title, "</think>"); end >= 0 {
			title = title[:idx] + title[end+len("</think>"):]
		} else {
			title = title[:idx]
		}
	}
	title = strings.TrimSpace(title)
	title = strings.Trim(title, `"'`)
	title = strings.Join(strings.Fields(title), " ")

	if title == "" || store.IsGenericTitle(title) || strings.EqualFold(title, "Untitled") {
		return fallbackTitle(userMessage)
	}
	return title
}

// fallbackTitle takes the first characters of the user message, with an
// ellipsis when truncated.
func fallbackTitle(userMessage string) string {
	msg := strings.Join(strings.Fields(userMessage), " ")
	runes := []rune(msg)
	if len(runes) <= fallbackTitleLimit {
		return msg
	}
	return string(runes[:fallbackTitleLimit]) + "…"
}

func firstUserMessage(conv *store.Conversation) string {
	for _, m := range conv.Messages {
		if m.Role == "user" {
			return m.Content
		}
	}
	return ""
}
