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
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/quorum/pkg/config"
	"github.com/kadirpekel/quorum/pkg/model"
)

// responder produces one scripted completion from the prompt it was sent.
type responder func(messages []model.Message) (string, error)

// mockClient replays scripted responses per model, in order. Safe for the
// concurrent fan-out the runner performs.
type mockClient struct {
	mu      sync.Mutex
	scripts map[string][]responder
	delay   time.Duration
}

func newMockClient() *mockClient {
	return &mockClient{scripts: make(map[string][]responder)}
}

func (c *mockClient) script(modelID string, r responder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[modelID] = append(c.scripts[modelID], r)
}

func (c *mockClient) next(modelID string) responder {
	c.mu.Lock()
	defer c.mu.Unlock()
	queue := c.scripts[modelID]
	if len(queue) == 0 {
		return func([]model.Message) (string, error) {
			return "", fmt.Errorf("no scripted response for %s", modelID)
		}
	}
	r := queue[0]
	c.scripts[modelID] = queue[1:]
	return r
}

func (c *mockClient) Complete(ctx context.Context, modelID string, messages []model.Message, opts model.Options) (*model.Completion, error) {
	content, err := c.next(modelID)(messages)
	if err != nil {
		return nil, err
	}
	return &model.Completion{Content: content}, nil
}

func (c *mockClient) CompleteStream(ctx context.Context, modelID string, messages []model.Message, opts model.Options) (<-chan model.Chunk, error) {
	respond := c.next(modelID)
	chunks := make(chan model.Chunk)
	go func() {
		defer close(chunks)
		if c.delay > 0 {
			select {
			case <-ctx.Done():
				chunks <- model.Chunk{Kind: model.ChunkError, Err: model.NewError(model.KindOf(ctx.Err()), modelID, ctx.Err())}
				return
			case <-time.After(c.delay):
			}
		}
		content, err := respond(messages)
		if err != nil {
			chunks <- model.Chunk{Kind: model.ChunkError, Err: err}
			return
		}
		// Emit word by word to exercise delta accumulation.
		for _, word := range strings.SplitAfter(content, " ") {
			select {
			case <-ctx.Done():
				chunks <- model.Chunk{Kind: model.ChunkError, Err: model.NewError(model.KindOf(ctx.Err()), modelID, ctx.Err())}
				return
			case chunks <- model.Chunk{Kind: model.ChunkContentDelta, Delta: word}:
			}
		}
		chunks <- model.Chunk{Kind: model.ChunkDone, Content: content}
	}()
	return chunks, nil
}

func text(s string) responder {
	return func([]model.Message) (string, error) { return s, nil }
}

func fail(kind model.ErrorKind, modelID string) responder {
	return func([]model.Message) (string, error) {
		return "", model.NewError(kind, modelID, fmt.Errorf("scripted failure"))
	}
}

var promptResponseRe = regexp.MustCompile(`Response ([A-Z]):\n([^\n]*)`)

// rankByContent builds a responder that reads the anonymized prompt and
// ranks the labels by where their content appears in preference (best
// first), scoring each from scoreByContent. This keeps tests independent
// of the shuffled label assignment.
func rankByContent(preference []string, scoreByContent map[string]float64) responder {
	return func(messages []model.Message) (string, error) {
		prompt := messages[len(messages)-1].Content
		labelByContent := make(map[string]string)
		for _, m := range promptResponseRe.FindAllStringSubmatch(prompt, -1) {
			labelByContent[m[2]] = m[1]
		}

		var b strings.Builder
		b.WriteString("FINAL RANKING:\n")
		pos := 1
		for _, content := range preference {
			label, ok := labelByContent[content]
			if !ok {
				continue
			}
			fmt.Fprintf(&b, "%d. Response %s (%g/5)\n", pos, label, scoreByContent[content])
			pos++
		}
		return b.String(), nil
	}
}

func testConfig(council ...string) *config.Config {
	cfg := &config.Config{}
	cfg.Models.Chairman = config.ModelMember{ID: "chairman"}
	for _, id := range council {
		cfg.Models.Council = append(cfg.Models.Council, config.ModelMember{ID: id})
	}
	cfg.SetDefaults()
	return cfg
}

// collectEvents drains a mux channel into a slice from a helper goroutine
// and returns a wait function.
func collectEvents(m *Mux) func() []Event {
	var events []Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range m.Events() {
			events = append(events, e)
		}
	}()
	return func() []Event {
		<-done
		return events
	}
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func countType(events []Event, t EventType) int {
	n := 0
	for _, e := range events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func indexOf(types []EventType, t EventType) int {
	for i, et := range types {
		if et == t {
			return i
		}
	}
	return -1
}
