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

package push

import (
	"testing"
	"time"
)

func TestBrokerDeliversToAllSubscribers(t *testing.T) {
	b := NewBroker(0)
	s1 := b.Subscribe()
	s2 := b.Subscribe()

	b.Publish(Envelope{ConversationID: "c1", Status: "queued"})

	for _, sub := range []*Subscription{s1, s2} {
		select {
		case env := <-sub.Events():
			if env.ConversationID != "c1" {
				t.Fatalf("envelope = %+v", env)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber missed envelope")
		}
	}
}

func TestBrokerNoReplay(t *testing.T) {
	b := NewBroker(0)
	b.Publish(Envelope{ConversationID: "early", Status: "complete"})

	sub := b.Subscribe()
	select {
	case env := <-sub.Events():
		t.Fatalf("late subscriber received replayed envelope %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerDropsLaggards(t *testing.T) {
	b := NewBroker(2)
	laggard := b.Subscribe()
	healthy := b.Subscribe()

	// Keep the healthy subscriber drained while the laggard never reads.
	received := make(chan int)
	go func() {
		n := 0
		for range healthy.Events() {
			n++
		}
		received <- n
	}()

	// Fill the laggard's buffer and overflow it; Publish must not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			b.Publish(Envelope{ConversationID: "c", Status: "generating"})
			time.Sleep(time.Millisecond)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	// The laggard's channel closes with the lag reason.
	drained := 0
	for range laggard.Events() {
		drained++
	}
	if laggard.Reason() != SubscriberLagged {
		t.Fatalf("reason = %q, want %q", laggard.Reason(), SubscriberLagged)
	}
	if drained != 2 {
		t.Errorf("laggard drained %d buffered envelopes, want 2", drained)
	}

	b.Close()
	if got := <-received; got != 5 {
		t.Fatalf("healthy subscriber received %d of 5", got)
	}
}

func TestBrokerUnsubscribe(t *testing.T) {
	b := NewBroker(0)
	sub := b.Subscribe()
	b.Unsubscribe(sub)

	if _, ok := <-sub.Events(); ok {
		t.Fatal("events after unsubscribe")
	}
	if sub.Reason() != SubscriberClosed {
		t.Fatalf("reason = %q", sub.Reason())
	}

	// Publishing after unsubscribe is a no-op.
	b.Publish(Envelope{ConversationID: "c", Status: "queued"})
}

func TestBrokerCloseDropsSubscribers(t *testing.T) {
	b := NewBroker(0)
	sub := b.Subscribe()
	b.Close()

	if _, ok := <-sub.Events(); ok {
		t.Fatal("events after broker close")
	}
	late := b.Subscribe()
	if _, ok := <-late.Events(); ok {
		t.Fatal("subscription on a closed broker should be closed")
	}
}
