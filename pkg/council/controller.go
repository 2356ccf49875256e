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

package council

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/quorum/pkg/metrics"
	"github.com/kadirpekel/quorum/pkg/model"
	"github.com/kadirpekel/quorum/pkg/store"
)

// TitleRequester is the slice of the title service the controller needs:
// ask for an immediate title once a conversation has real content.
type TitleRequester interface {
	RequestImmediate(conversationID, userMessage string)
}

// Controller owns the deliberation state machine for each request: it
// accepts a user message, drives the three stages, persists the trace,
// and hands the event stream to the caller.
type Controller struct {
	store   *store.FileStore
	runner  *Runner
	tracker *metrics.Tracker
	titles  TitleRequester
}

// NewController wires the deliberation controller.
func NewController(st *store.FileStore, runner *Runner, tracker *metrics.Tracker, titles TitleRequester) *Controller {
	return &Controller{store: st, runner: runner, tracker: tracker, titles: titles}
}

// Deliberation is a running request. Events delivers the live stream;
// Wait blocks until the request finishes and returns the appended
// assistant message.
type Deliberation struct {
	RequestID string

	mux    *Mux
	done   chan struct{}
	result *store.Message
	err    error
}

// Events returns the single-consumer event channel for this request.
func (d *Deliberation) Events() <-chan Event {
	return d.mux.Events()
}

// Wait blocks until the deliberation completes and returns the assistant
// message carrying the full trace, or the fatal error.
func (d *Deliberation) Wait() (*store.Message, error) {
	<-d.done
	return d.result, d.err
}

// Submit appends the user message to the conversation and starts a
// deliberation over it. The request runs until ctx is cancelled or the
// protocol completes.
func (c *Controller) Submit(ctx context.Context, conversationID, content string) (*Deliberation, error) {
	conv, err := c.store.Get(conversationID)
	if err != nil {
		return nil, err
	}

	history := historyOf(conv)
	conv, err = c.store.AppendMessage(conversationID, store.Message{
		Role:    "user",
		Content: content,
	})
	if err != nil {
		return nil, err
	}
	firstMessage := countUserMessages(conv) == 1

	d := &Deliberation{
		RequestID: uuid.NewString(),
		mux:       NewMux(0),
		done:      make(chan struct{}),
	}
	go c.run(ctx, d, conv, history, content, firstMessage)
	return d, nil
}

func (c *Controller) run(ctx context.Context, d *Deliberation, conv *store.Conversation, history []model.Message, query string, firstMessage bool) {
	metrics.DeliberationStarted()
	defer metrics.DeliberationFinished()
	defer close(d.done)
	defer d.mux.Close()
	defer c.tracker.Forget(d.RequestID)

	started := time.Now()
	slog.Info("Deliberation started", "request_id", d.RequestID, "conversation_id", conv.ID)

	record := &store.DeliberationRecord{}

	drafts, err := c.runner.Stage1(ctx, d.RequestID, d.mux, history, query)
	record.Drafts = drafts
	if err != nil {
		c.finish(d, conv, record, "", err)
		return
	}

	s2, err := c.runner.Stage2(ctx, d.RequestID, d.mux, query, drafts)
	record.Rounds = s2.Rounds
	record.Aggregate = s2.Standings
	record.Label = s2.LabelMapping
	if err != nil {
		c.finish(d, conv, record, "", err)
		return
	}

	synthesis, err := c.runner.Stage3(ctx, d.RequestID, d.mux, query, drafts, s2)
	if err != nil {
		c.finish(d, conv, record, "", err)
		return
	}
	record.Synthesis = synthesis

	c.finish(d, conv, record, synthesis.Content, nil)
	slog.Info("Deliberation complete",
		"request_id", d.RequestID,
		"conversation_id", conv.ID,
		"rounds", len(record.Rounds),
		"duration", time.Since(started).Round(time.Millisecond))

	if firstMessage && store.IsGenericTitle(conv.Title) && c.titles != nil {
		c.titles.RequestImmediate(conv.ID, query)
	}
}

// finish persists the outcome and emits the terminal event. Cancellation
// keeps the partial trace with a Cancelled tag and enqueues no title job;
// other fatal errors emit a terminating error event without appending an
// assistant message.
func (c *Controller) finish(d *Deliberation, conv *store.Conversation, record *store.DeliberationRecord, content string, err error) {
	cancelled := err != nil &&
		(errors.Is(err, context.Canceled) || model.KindOf(err) == model.KindCancelled)

	if err != nil && !cancelled {
		d.err = err
		d.mux.Emit(Event{Type: EventError, Data: map[string]any{
			"kind":    string(model.KindOf(err)),
			"message": err.Error(),
		}})
		slog.Error("Deliberation failed", "request_id", d.RequestID, "error", err)
		return
	}

	record.Cancelled = cancelled
	msg := store.Message{
		Role:         "assistant",
		Content:      content,
		Deliberation: record,
	}
	if _, storeErr := c.store.AppendMessage(conv.ID, msg); storeErr != nil {
		slog.Error("Failed to persist deliberation", "conversation_id", conv.ID, "error", storeErr)
		if err == nil {
			err = fmt.Errorf("failed to persist deliberation: %w", storeErr)
		}
	}
	d.result = &msg
	d.err = err
}

func historyOf(conv *store.Conversation) []model.Message {
	var out []model.Message
	for _, m := range conv.Messages {
		out = append(out, model.Message{Role: model.Role(m.Role), Content: m.Content})
	}
	return out
}

func countUserMessages(conv *store.Conversation) int {
	n := 0
	for _, m := range conv.Messages {
		if m.Role == "user" {
			n++
		}
	}
	return n
}
