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

// Package metrics tracks per-model call timing and throughput.
//
// Token counts use whitespace-separated word count as a proxy for real
// tokenizer output. The proxy is intentionally consistent between the live
// per-token snapshots and the final persisted usage, since both are
// user-facing badges.
package metrics

import (
	"strings"
	"sync"
	"time"
)

// Usage reports derived timing for one (request, model) pair.
type Usage struct {
	// ThinkingSeconds is the time from call start to the first content token.
	ThinkingSeconds float64 `json:"thinking_seconds"`

	// ElapsedSeconds is the total wall-clock duration of the call.
	ElapsedSeconds float64 `json:"elapsed_seconds"`

	// TokensPerSecond is content-token throughput, measured from the first
	// content token to the end of the call.
	TokensPerSecond float64 `json:"tokens_per_second"`

	// ContentTokens is the whitespace-word count of the content.
	ContentTokens int `json:"content_tokens"`
}

type sampleKey struct {
	requestID string
	model     string
}

type sample struct {
	start        time.Time
	firstToken   time.Time
	firstContent time.Time
	end          time.Time
	content      strings.Builder
}

// Tracker aggregates per-model timing across concurrent model calls.
// Safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	samples map[sampleKey]*sample
	now     func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		samples: make(map[sampleKey]*sample),
		now:     time.Now,
	}
}

// Start records the call start for a (request, model) pair. Restarting an
// existing pair resets its sample; refinement calls reuse the pair with a
// round-qualified request id.
func (t *Tracker) Start(requestID, model string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples[sampleKey{requestID, model}] = &sample{start: t.now()}
}

// ThinkingDelta records arrival of thinking text.
func (t *Tracker) ThinkingDelta(requestID, model string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.samples[sampleKey{requestID, model}]
	if s == nil {
		return
	}
	if s.firstToken.IsZero() {
		s.firstToken = t.now()
	}
}

// ContentDelta records arrival of content text.
func (t *Tracker) ContentDelta(requestID, model, delta string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.samples[sampleKey{requestID, model}]
	if s == nil {
		return
	}
	now := t.now()
	if s.firstToken.IsZero() {
		s.firstToken = now
	}
	if s.firstContent.IsZero() {
		s.firstContent = now
	}
	s.content.WriteString(delta)
	contentTokensTotal.WithLabelValues(model).Add(float64(len(strings.Fields(delta))))
}

// Finish records the call end.
func (t *Tracker) Finish(requestID, model string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.samples[sampleKey{requestID, model}]
	if s == nil {
		return
	}
	s.end = t.now()
}

// Report returns derived usage for a pair. Before Finish, elapsed time and
// throughput are measured up to now, so it doubles as the live snapshot
// behind the tokens/sec badge.
func (t *Tracker) Report(requestID, model string) Usage {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.samples[sampleKey{requestID, model}]
	if s == nil {
		return Usage{}
	}

	end := s.end
	if end.IsZero() {
		end = t.now()
	}

	usage := Usage{
		ElapsedSeconds: end.Sub(s.start).Seconds(),
		ContentTokens:  len(strings.Fields(s.content.String())),
	}

	if !s.firstContent.IsZero() {
		usage.ThinkingSeconds = s.firstContent.Sub(s.start).Seconds()

		genSeconds := end.Sub(s.firstContent).Seconds()
		const epsilon = 1e-3
		if genSeconds < epsilon {
			genSeconds = epsilon
		}
		usage.TokensPerSecond = float64(usage.ContentTokens) / genSeconds
	}

	return usage
}

// Forget drops all samples belonging to a request, including the
// round-qualified ids ("<id>/r1", "<id>/r1/refine") used by ranking and
// refinement calls.
func (t *Tracker) Forget(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prefix := requestID + "/"
	for key := range t.samples {
		if key.requestID == requestID || strings.HasPrefix(key.requestID, prefix) {
			delete(t.samples, key)
		}
	}
}
