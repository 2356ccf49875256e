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

// Package openaicompat implements the model.Client contract against
// OpenAI-compatible chat-completion servers (LM Studio, Ollama, vLLM,
// llama.cpp server).
//
// Thinking output is separated from content either via the provider's
// reasoning_content/reasoning delta fields or, when absent, by matching
// <think>...</think> delimiters in the content stream. Delimiters may span
// chunk boundaries.
package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kadirpekel/quorum/pkg/config"
	"github.com/kadirpekel/quorum/pkg/httpclient"
	"github.com/kadirpekel/quorum/pkg/model"
)

const (
	chatCompletionsPath = "/v1/chat/completions"
	streamPrefix        = "data: "
	streamDoneMarker    = "[DONE]"

	defaultTimeout    = 120 * time.Second
	defaultMaxRetries = 3
)

// Resolver maps a model id to its connection record. Injected so the same
// client serves every configured model.
type Resolver func(modelID string) config.ModelEndpoint

// Config configures the client.
type Config struct {
	// Timeout for non-streaming requests.
	Timeout time.Duration

	// MaxRetries for non-streaming requests.
	MaxRetries int
}

// Option configures the client.
type Option func(*Config)

// WithTimeout sets the non-streaming request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

// WithMaxRetries sets the retry budget for non-streaming requests.
func WithMaxRetries(max int) Option {
	return func(c *Config) {
		c.MaxRetries = max
	}
}

// Client is an OpenAI-compatible chat-completions client.
// Implements model.Client.
type Client struct {
	resolve      Resolver
	httpClient   *httpclient.Client
	streamClient *http.Client
}

// New creates a client with per-model endpoint resolution.
func New(resolve Resolver, opts ...Option) *Client {
	cfg := Config{
		Timeout:    defaultTimeout,
		MaxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Client{
		resolve: resolve,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
		),
		// Streaming requests rely on per-call context deadlines; a client
		// timeout would sever long generations mid-stream.
		streamClient: &http.Client{},
	}
}

// Complete performs a whole-response completion.
func (c *Client) Complete(ctx context.Context, modelID string, messages []model.Message, opts model.Options) (*model.Completion, error) {
	ep := c.resolve(modelID)

	body, err := json.Marshal(c.buildRequest(modelID, messages, opts, false))
	if err != nil {
		return nil, model.NewError(model.KindProtocolError, modelID, fmt.Errorf("failed to marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", ep.BaseURL+chatCompletionsPath, bytes.NewReader(body))
	if err != nil {
		return nil, model.NewError(model.KindProtocolError, modelID, err)
	}
	setHeaders(httpReq, ep.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(modelID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatusError(modelID, resp)
	}

	var apiResp chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, model.NewError(model.KindProtocolError, modelID, fmt.Errorf("failed to decode response: %w", err))
	}

	if len(apiResp.Choices) == 0 {
		return nil, model.NewError(model.KindProtocolError, modelID, fmt.Errorf("no choices in response"))
	}

	msg := apiResp.Choices[0].Message
	thinking := firstNonEmpty(msg.ReasoningContent, msg.Reasoning)
	content := msg.Content

	// Models without a structured reasoning field embed <think> blocks in
	// the content itself.
	if thinking == "" {
		content, thinking = splitThinkBlock(content)
	}

	return &model.Completion{
		Content:  strings.TrimSpace(content),
		Thinking: strings.TrimSpace(thinking),
	}, nil
}

// CompleteStream performs a streaming completion.
func (c *Client) CompleteStream(ctx context.Context, modelID string, messages []model.Message, opts model.Options) (<-chan model.Chunk, error) {
	ep := c.resolve(modelID)

	body, err := json.Marshal(c.buildRequest(modelID, messages, opts, true))
	if err != nil {
		return nil, model.NewError(model.KindProtocolError, modelID, fmt.Errorf("failed to marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", ep.BaseURL+chatCompletionsPath, bytes.NewReader(body))
	if err != nil {
		return nil, model.NewError(model.KindProtocolError, modelID, err)
	}
	setHeaders(httpReq, ep.APIKey)

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(modelID, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, classifyStatusError(modelID, resp)
	}

	chunks := make(chan model.Chunk)
	go c.streamResponse(ctx, modelID, resp.Body, chunks)

	return chunks, nil
}

// streamState accumulates output while parsing the SSE stream.
type streamState struct {
	splitter thinkSplitter
	content  strings.Builder
	thinking strings.Builder
	sawDone  bool
}

func (c *Client) streamResponse(ctx context.Context, modelID string, body io.ReadCloser, chunks chan<- model.Chunk) {
	defer close(chunks)
	defer body.Close()

	emit := func(chunk model.Chunk) bool {
		select {
		case chunks <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	state := &streamState{}
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			emit(model.Chunk{Kind: model.ChunkError, Err: classifyContextError(modelID, ctx.Err())})
			return
		default:
		}

		line := scanner.Text()
		if line == "" || !strings.HasPrefix(line, streamPrefix) {
			continue
		}

		data := strings.TrimPrefix(line, streamPrefix)
		if data == streamDoneMarker {
			state.sawDone = true
			break
		}

		var frame streamChunk
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			continue // Skip malformed frames
		}
		if len(frame.Choices) == 0 {
			continue
		}

		delta := frame.Choices[0].Delta

		if reasoning := firstNonEmpty(delta.ReasoningContent, delta.Reasoning); reasoning != "" {
			state.thinking.WriteString(reasoning)
			if !emit(model.Chunk{Kind: model.ChunkThinkingDelta, Delta: reasoning}) {
				return
			}
		}

		if delta.Content != "" {
			content, thinking := state.splitter.feed(delta.Content)
			if thinking != "" {
				state.thinking.WriteString(thinking)
				if !emit(model.Chunk{Kind: model.ChunkThinkingDelta, Delta: thinking}) {
					return
				}
			}
			if content != "" {
				state.content.WriteString(content)
				if !emit(model.Chunk{Kind: model.ChunkContentDelta, Delta: content}) {
					return
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		emit(model.Chunk{Kind: model.ChunkError, Err: classifyTransportError(modelID, err)})
		return
	}

	// Flush any text the splitter held back as a potential partial tag.
	content, thinking := state.splitter.flush()
	if thinking != "" {
		state.thinking.WriteString(thinking)
	}
	if content != "" {
		state.content.WriteString(content)
		if !emit(model.Chunk{Kind: model.ChunkContentDelta, Delta: content}) {
			return
		}
	}

	// A stream that closes without a terminal frame is an error unless
	// content was received, in which case it is gracefully truncated.
	if !state.sawDone && state.content.Len() == 0 {
		emit(model.Chunk{
			Kind: model.ChunkError,
			Err:  model.NewError(model.KindProtocolError, modelID, fmt.Errorf("stream closed without terminal frame")),
		})
		return
	}

	emit(model.Chunk{
		Kind:      model.ChunkDone,
		Content:   strings.TrimSpace(state.content.String()),
		Thinking:  strings.TrimSpace(state.thinking.String()),
		Truncated: !state.sawDone,
	})
}

func (c *Client) buildRequest(modelID string, messages []model.Message, opts model.Options, stream bool) *chatCompletionRequest {
	req := &chatCompletionRequest{
		Model:    modelID,
		Messages: make([]apiMessage, len(messages)),
		Stream:   stream,
	}
	for i, m := range messages {
		req.Messages[i] = apiMessage{Role: string(m.Role), Content: m.Content}
	}
	if opts.Temperature != nil {
		req.Temperature = opts.Temperature
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = &opts.MaxTokens
	}
	return req
}

func setHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

func classifyTransportError(modelID string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewError(model.KindTimeout, modelID, err)
	}
	if errors.Is(err, context.Canceled) {
		return model.NewError(model.KindCancelled, modelID, err)
	}
	return model.NewError(model.KindUnreachableEndpoint, modelID, err)
}

func classifyContextError(modelID string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewError(model.KindTimeout, modelID, err)
	}
	return model.NewError(model.KindCancelled, modelID, err)
}

func classifyStatusError(modelID string, resp *http.Response) error {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	body := string(bodyBytes)

	if resp.StatusCode == http.StatusNotFound ||
		(strings.Contains(strings.ToLower(body), "model") && strings.Contains(strings.ToLower(body), "not found")) {
		return model.NewError(model.KindModelNotLoaded, modelID,
			fmt.Errorf("server has no model %q (status %d): %s", modelID, resp.StatusCode, body))
	}

	return model.NewError(model.KindProtocolError, modelID,
		fmt.Errorf("API error (status %d): %s", resp.StatusCode, body))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// API types (OpenAI-compatible)

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string       `json:"model"`
	Messages    []apiMessage `json:"messages"`
	Temperature *float64     `json:"temperature,omitempty"`
	MaxTokens   *int         `json:"max_tokens,omitempty"`
	Stream      bool         `json:"stream,omitempty"`
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role             string `json:"role"`
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content,omitempty"`
			Reasoning        string `json:"reasoning,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type streamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role             string `json:"role,omitempty"`
			Content          string `json:"content,omitempty"`
			ReasoningContent string `json:"reasoning_content,omitempty"`
			Reasoning        string `json:"reasoning,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
}

// Ensure Client implements model.Client
var _ model.Client = (*Client)(nil)
