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
	"testing"
	"time"

	"github.com/kadirpekel/quorum/pkg/metrics"
	"github.com/kadirpekel/quorum/pkg/model"
)

func newTestRunner(client *mockClient, council ...string) *Runner {
	return NewRunner(client, metrics.NewTracker(), testConfig(council...))
}

// Happy path: three drafts, parseable unanimous-ish rankings, no
// refinement, one synthesis.
func TestDeliberationSingleRound(t *testing.T) {
	client := newMockClient()
	client.script("m1", text("alpha"))
	client.script("m2", text("beta"))
	client.script("m3", text("gamma"))

	// Every ranker prefers alpha, then beta, then gamma; scores >= 4.
	scores := map[string]float64{"alpha": 5, "beta": 4.5, "gamma": 4}
	for _, m := range []string{"m1", "m2", "m3"} {
		client.script(m, rankByContent([]string{"alpha", "beta", "gamma"}, scores))
	}
	client.script("chairman", text("the synthesized answer"))

	runner := newTestRunner(client, "m1", "m2", "m3")
	mux := NewMux(0)
	wait := collectEvents(mux)

	ctx := context.Background()
	drafts, err := runner.Stage1(ctx, "req-1", mux, nil, "question?")
	if err != nil {
		t.Fatalf("Stage1() error = %v", err)
	}

	s2, err := runner.Stage2(ctx, "req-1", mux, "question?", drafts)
	if err != nil {
		t.Fatalf("Stage2() error = %v", err)
	}
	if len(s2.Rounds) != 1 {
		t.Fatalf("rounds = %d, want 1", len(s2.Rounds))
	}
	if len(s2.Standings) != 3 {
		t.Fatalf("standings = %d, want 3", len(s2.Standings))
	}
	if s2.Standings[0].Model != "m1" {
		t.Errorf("aggregate winner = %s, want m1 (alpha)", s2.Standings[0].Model)
	}

	synthesis, err := runner.Stage3(ctx, "req-1", mux, "question?", drafts, s2)
	if err != nil {
		t.Fatalf("Stage3() error = %v", err)
	}
	if synthesis.Content != "the synthesized answer" {
		t.Errorf("synthesis = %q", synthesis.Content)
	}
	mux.Close()

	events := wait()
	if n := countType(events, EventStage2RoundStart); n != 1 {
		t.Errorf("stage2_round_start count = %d, want 1", n)
	}
	if n := countType(events, EventStage2RefinementStart); n != 0 {
		t.Errorf("refinement ran %d times, want 0", n)
	}

	// Stage boundary ordering.
	types := eventTypes(events)
	order := []EventType{
		EventStage1Start, EventStage1Complete,
		EventStage2RoundStart, EventStage2Complete,
		EventStage3Start, EventStage3Complete,
	}
	last := -1
	for _, et := range order {
		idx := indexOf(types, et)
		if idx < 0 {
			t.Fatalf("missing event %s", et)
		}
		if idx <= last {
			t.Fatalf("event %s out of order: %v", et, types)
		}
		last = idx
	}
}

// A low quality score triggers exactly one refinement sub-round, then a
// second ranking round.
func TestRefinementTriggersOnce(t *testing.T) {
	client := newMockClient()
	client.script("m1", text("alpha"))
	client.script("m2", text("beta"))
	client.script("m3", text("gamma"))

	// Round 1: gamma scores below the 1.5 threshold.
	low := map[string]float64{"alpha": 5, "beta": 4, "gamma": 1}
	for _, m := range []string{"m1", "m2", "m3"} {
		client.script(m, rankByContent([]string{"alpha", "beta", "gamma"}, low))
	}
	// Refinement: every model improves its draft.
	client.script("m1", text("alpha refined"))
	client.script("m2", text("beta refined"))
	client.script("m3", text("gamma refined"))
	// Round 2: all scores healthy, no further refinement.
	high := map[string]float64{"alpha refined": 5, "beta refined": 4.5, "gamma refined": 4}
	for _, m := range []string{"m1", "m2", "m3"} {
		client.script(m, rankByContent([]string{"alpha refined", "beta refined", "gamma refined"}, high))
	}

	cfg := testConfig("m1", "m2", "m3")
	cfg.Deliberation.Rounds = 2
	cfg.Deliberation.EnableCrossReview = true
	runner := NewRunner(client, metrics.NewTracker(), cfg)

	mux := NewMux(0)
	wait := collectEvents(mux)

	ctx := context.Background()
	drafts, err := runner.Stage1(ctx, "req-2", mux, nil, "q")
	if err != nil {
		t.Fatalf("Stage1() error = %v", err)
	}
	s2, err := runner.Stage2(ctx, "req-2", mux, "q", drafts)
	if err != nil {
		t.Fatalf("Stage2() error = %v", err)
	}
	mux.Close()

	if len(s2.Rounds) != 2 {
		t.Fatalf("rounds = %d, want 2", len(s2.Rounds))
	}
	if len(s2.Rounds[0].Refinements) != 3 {
		t.Fatalf("refinements = %d, want 3", len(s2.Rounds[0].Refinements))
	}
	if len(s2.Rounds[1].Refinements) != 0 {
		t.Fatal("no refinement may follow the last round")
	}
	if got := s2.FinalContents["m3"]; got != "gamma refined" {
		t.Errorf("m3 final content = %q, want refined", got)
	}

	events := wait()
	if n := countType(events, EventStage2RefinementStart); n != 1 {
		t.Errorf("refinement sub-rounds = %d, want 1", n)
	}
	if n := countType(events, EventStage2RoundStart); n != 2 {
		t.Errorf("ranking rounds = %d, want 2", n)
	}
}

// Refinement must not run at the last round even when quality is low.
func TestNoRefinementAtLastRound(t *testing.T) {
	client := newMockClient()
	client.script("m1", text("alpha"))
	client.script("m2", text("beta"))

	low := map[string]float64{"alpha": 1, "beta": 1}
	client.script("m1", rankByContent([]string{"alpha", "beta"}, low))
	client.script("m2", rankByContent([]string{"alpha", "beta"}, low))

	cfg := testConfig("m1", "m2")
	cfg.Deliberation.Rounds = 1
	cfg.Deliberation.EnableCrossReview = true
	runner := NewRunner(client, metrics.NewTracker(), cfg)

	mux := NewMux(0)
	wait := collectEvents(mux)

	drafts, _ := runner.Stage1(context.Background(), "req-3", mux, nil, "q")
	s2, err := runner.Stage2(context.Background(), "req-3", mux, "q", drafts)
	mux.Close()
	wait()

	if err != nil {
		t.Fatalf("Stage2() error = %v", err)
	}
	if len(s2.Rounds[0].Refinements) != 0 {
		t.Fatal("refinement ran at the last round")
	}
}

// One model timing out leaves a two-member council that still completes.
func TestPartialStage1Failure(t *testing.T) {
	client := newMockClient()
	client.script("m1", text("alpha"))
	client.script("m2", text("beta"))
	client.script("m3", fail(model.KindTimeout, "m3"))

	scores := map[string]float64{"alpha": 5, "beta": 4}
	client.script("m1", rankByContent([]string{"alpha", "beta"}, scores))
	client.script("m2", rankByContent([]string{"alpha", "beta"}, scores))

	runner := newTestRunner(client, "m1", "m2", "m3")
	mux := NewMux(0)
	wait := collectEvents(mux)

	ctx := context.Background()
	drafts, err := runner.Stage1(ctx, "req-4", mux, nil, "q")
	if err != nil {
		t.Fatalf("Stage1() error = %v", err)
	}

	var failed *int
	for i, d := range drafts {
		if d.Failed {
			failed = &i
		}
	}
	if failed == nil || drafts[*failed].Model != "m3" {
		t.Fatalf("expected m3 recorded as failed, drafts = %+v", drafts)
	}
	if drafts[*failed].Error != string(model.KindTimeout) {
		t.Errorf("failure kind = %q, want timeout", drafts[*failed].Error)
	}

	s2, err := runner.Stage2(ctx, "req-4", mux, "q", drafts)
	mux.Close()
	wait()
	if err != nil {
		t.Fatalf("Stage2() error = %v", err)
	}
	if len(s2.LabelMapping) != 2 {
		t.Fatalf("labels = %d, want 2 (failed model excluded)", len(s2.LabelMapping))
	}
	if _, ok := s2.LabelMapping["m3"]; ok {
		t.Fatal("failed model must not receive a label")
	}
}

// Two failures out of three leave an insufficient council.
func TestInsufficientCouncil(t *testing.T) {
	client := newMockClient()
	client.script("m1", text("alpha"))
	client.script("m2", fail(model.KindUnreachableEndpoint, "m2"))
	client.script("m3", fail(model.KindTimeout, "m3"))

	runner := newTestRunner(client, "m1", "m2", "m3")
	mux := NewMux(0)
	wait := collectEvents(mux)

	_, err := runner.Stage1(context.Background(), "req-5", mux, nil, "q")
	mux.Close()
	wait()

	if !errors.Is(err, ErrInsufficientCouncil) {
		t.Fatalf("Stage1() error = %v, want ErrInsufficientCouncil", err)
	}
}

// Cancellation stops the stream promptly.
func TestStage1Cancellation(t *testing.T) {
	client := newMockClient()
	client.delay = 5 * time.Second
	client.script("m1", text("alpha"))
	client.script("m2", text("beta"))

	runner := newTestRunner(client, "m1", "m2")
	mux := NewMux(0)
	wait := collectEvents(mux)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := runner.Stage1(ctx, "req-6", mux, nil, "q")
	mux.Close()
	wait()

	if err == nil {
		t.Fatal("Stage1() should fail after cancellation")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("cancellation took %v, want < 2s", elapsed)
	}
}
