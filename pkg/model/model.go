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

// Package model defines the chat-completion client contract.
//
// A single Client serves every configured model; per-model endpoint
// resolution is injected at call time rather than baked into provider
// subclasses. Streaming calls deliver typed chunks over a channel until a
// terminal Done (or Error) chunk.
package model

import "context"

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn sent to a model.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChunkKind discriminates streamed chunk variants.
type ChunkKind int

const (
	// ChunkThinkingDelta carries reasoning text produced by thinking models.
	ChunkThinkingDelta ChunkKind = iota

	// ChunkContentDelta carries final-answer text.
	ChunkContentDelta

	// ChunkDone terminates the stream and carries the assembled result.
	ChunkDone

	// ChunkError terminates the stream with an error.
	ChunkError
)

// Chunk is one streamed event from a model call.
type Chunk struct {
	Kind ChunkKind

	// Delta is the incremental text for ThinkingDelta/ContentDelta chunks.
	Delta string

	// Content and Thinking carry the fully assembled output on Done.
	Content  string
	Thinking string

	// Truncated marks a Done chunk assembled from a stream that closed
	// without a terminal frame but after at least one content delta.
	Truncated bool

	// Err is set on Error chunks.
	Err error
}

// Completion is the result of a non-streaming call.
type Completion struct {
	Content  string
	Thinking string
}

// Options tunes a single model call.
type Options struct {
	// Temperature controls randomness. Nil leaves the server default.
	Temperature *float64

	// MaxTokens limits the response length. Zero leaves the server default.
	MaxTokens int
}

// Client issues chat-completion requests against OpenAI-compatible endpoints.
type Client interface {
	// Complete performs a whole-response completion.
	Complete(ctx context.Context, model string, messages []Message, opts Options) (*Completion, error)

	// CompleteStream performs a streaming completion. The returned channel
	// is closed after a terminal ChunkDone or ChunkError.
	CompleteStream(ctx context.Context, model string, messages []Message, opts Options) (<-chan Chunk, error)
}
