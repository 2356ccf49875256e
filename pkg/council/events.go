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

// Package council runs the three-stage deliberation protocol: parallel
// drafts, anonymized peer ranking with optional refinement, and chairman
// synthesis.
package council

import (
	"sync"
	"time"
)

// EventType identifies one kind of deliberation event.
type EventType string

const (
	EventStage1Start         EventType = "stage1_start"
	EventStage1Token         EventType = "stage1_token"
	EventStage1ModelComplete EventType = "stage1_model_complete"
	EventStage1Complete      EventType = "stage1_complete"

	EventStage2RoundStart      EventType = "stage2_round_start"
	EventStage2Token           EventType = "stage2_token"
	EventStage2ModelComplete   EventType = "stage2_model_complete"
	EventStage2RefinementStart EventType = "stage2_refinement_start"
	EventStage2RefinementToken EventType = "stage2_refinement_token"
	EventStage2RoundComplete   EventType = "stage2_round_complete"
	EventStage2Complete        EventType = "stage2_complete"

	EventStage3Start    EventType = "stage3_start"
	EventStage3Token    EventType = "stage3_token"
	EventStage3Complete EventType = "stage3_complete"

	// EventError is fatal and terminates the stream.
	EventError EventType = "error"
)

// Event is the envelope delivered to the request's event channel.
type Event struct {
	Type      EventType      `json:"type"`
	Stage     int            `json:"stage,omitempty"`
	Model     string         `json:"model,omitempty"`
	Round     int            `json:"round,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Mux merges concurrent per-model emissions into one ordered, bounded
// event channel with a single consumer. Emission is serialized; when the
// channel is full, emitters block, throttling token production upstream.
type Mux struct {
	mu       sync.Mutex
	ch       chan Event
	done     chan struct{}
	closed   bool
	shutdown sync.Once
	now      func() time.Time
}

// DefaultEventBuffer bounds the per-request event channel.
const DefaultEventBuffer = 256

// NewMux creates a multiplexer with the given buffer size (0 means
// DefaultEventBuffer).
func NewMux(buffer int) *Mux {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	return &Mux{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
		now:  time.Now,
	}
}

// Events returns the single-consumer channel. It closes after the last
// event of the request.
func (m *Mux) Events() <-chan Event {
	return m.ch
}

// Emit delivers one event. Blocks when the channel is full; unblocks and
// drops the event if the mux is closed, so emitters never hang on a
// consumer that went away.
func (m *Mux) Emit(event Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	event.Timestamp = m.now()
	select {
	case m.ch <- event:
	case <-m.done:
	}
}

// Close terminates the stream. Idempotent.
func (m *Mux) Close() {
	m.shutdown.Do(func() {
		close(m.done)
		m.mu.Lock()
		m.closed = true
		close(m.ch)
		m.mu.Unlock()
	})
}
