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

// Package push fans out title-generation progress to subscribers.
package push

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Envelope is one progress update delivered to subscribers.
type Envelope struct {
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
	Data           any    `json:"data,omitempty"`
}

// CloseReason explains why a subscription ended.
type CloseReason string

const (
	// SubscriberLagged: the subscriber's buffer overflowed and it was
	// dropped rather than blocking publishers.
	SubscriberLagged CloseReason = "subscriber_lagged"

	// SubscriberClosed: the subscriber unsubscribed or the broker shut
	// down.
	SubscriberClosed CloseReason = "subscriber_closed"
)

// Subscription is one subscriber's event feed.
type Subscription struct {
	id     string
	ch     chan Envelope
	reason CloseReason
	once   sync.Once
}

// Events delivers envelopes until the subscription closes.
func (s *Subscription) Events() <-chan Envelope {
	return s.ch
}

// Reason reports why the subscription closed. Valid after Events closes.
func (s *Subscription) Reason() CloseReason {
	return s.reason
}

func (s *Subscription) close(reason CloseReason) {
	s.once.Do(func() {
		s.reason = reason
		close(s.ch)
	})
}

// Broker delivers envelopes to all current subscribers, best-effort.
// Publish never blocks: a subscriber whose buffer is full is dropped with
// SubscriberLagged. There is no replay; late subscribers miss earlier
// events.
type Broker struct {
	mu     sync.Mutex
	subs   map[string]*Subscription
	buffer int
	closed bool
}

// DefaultSubscriberBuffer is the per-subscriber queue size.
const DefaultSubscriberBuffer = 64

// NewBroker creates a broker with the given per-subscriber buffer (0
// means DefaultSubscriberBuffer).
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Broker{subs: make(map[string]*Subscription), buffer: buffer}
}

// Subscribe registers a new subscriber.
func (b *Broker) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		id: uuid.NewString(),
		ch: make(chan Envelope, b.buffer),
	}
	if b.closed {
		sub.close(SubscriberClosed)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its feed.
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
	sub.close(SubscriberClosed)
}

// Publish delivers an envelope to every subscriber without blocking.
func (b *Broker) Publish(env Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		select {
		case sub.ch <- env:
		default:
			delete(b.subs, id)
			sub.close(SubscriberLagged)
			slog.Warn("Dropped lagging push subscriber", "subscriber_id", id)
		}
	}
}

// Close drops all subscribers.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.close(SubscriberClosed)
	}
}
