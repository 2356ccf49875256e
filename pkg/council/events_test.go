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
	"sync"
	"testing"
	"time"
)

func TestMuxPerModelOrdering(t *testing.T) {
	mux := NewMux(0)
	wait := collectEvents(mux)

	var wg sync.WaitGroup
	for _, m := range []string{"m1", "m2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				mux.Emit(Event{Type: EventStage1Token, Model: m, Round: i})
			}
		}()
	}
	wg.Wait()
	mux.Close()

	events := wait()
	last := map[string]int{"m1": -1, "m2": -1}
	for _, e := range events {
		if e.Round <= last[e.Model] {
			t.Fatalf("tokens for %s out of emission order", e.Model)
		}
		last[e.Model] = e.Round
	}
	if last["m1"] != 49 || last["m2"] != 49 {
		t.Fatalf("lost events: %v", last)
	}
}

func TestMuxEmitAfterCloseDoesNotBlock(t *testing.T) {
	mux := NewMux(1)
	mux.Emit(Event{Type: EventStage1Token})

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Buffer is full and there is no consumer; Close must unblock this.
		mux.Emit(Event{Type: EventStage1Token})
		mux.Emit(Event{Type: EventStage1Token})
	}()

	time.Sleep(20 * time.Millisecond)
	mux.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked past Close")
	}
}

func TestMuxCloseIdempotent(t *testing.T) {
	mux := NewMux(0)
	mux.Close()
	mux.Close()
	mux.Emit(Event{Type: EventStage1Token})

	if _, ok := <-mux.Events(); ok {
		t.Fatal("events after close")
	}
}

func TestMuxStampsTimestamps(t *testing.T) {
	mux := NewMux(0)
	mux.Emit(Event{Type: EventStage1Start})
	mux.Close()

	e := <-mux.Events()
	if e.Timestamp.IsZero() {
		t.Fatal("event missing timestamp")
	}
}
