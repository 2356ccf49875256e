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

// Package config defines the Quorum configuration model.
//
// Configuration is loaded from a single YAML document (see Loader). Every
// section carries its own SetDefaults and Validate; the root Config wires
// them together so cmd/quorum can fail fast with a precise message.
package config

import (
	"fmt"
	"strings"
)

const (
	// DefaultPort is the default local inference server port (LM Studio).
	DefaultPort = 1234

	// DefaultQualityThreshold triggers refinement when a response's mean
	// quality score drops below it (30% of the 5-point scale).
	DefaultQualityThreshold = 1.5

	// MaxRounds is the hard upper bound on peer-review rounds.
	MaxRounds = 10
)

// Config is the root configuration document.
type Config struct {
	Server       ServerConfig       `yaml:"server,omitempty" json:"server,omitempty"`
	Models       ModelsConfig       `yaml:"models,omitempty" json:"models,omitempty"`
	Deliberation DeliberationConfig `yaml:"deliberation,omitempty" json:"deliberation,omitempty"`
	Titles       TitleConfig        `yaml:"title_generation,omitempty" json:"title_generation,omitempty"`
	Storage      StorageConfig      `yaml:"storage,omitempty" json:"storage,omitempty"`
	Logging      LoggingConfig      `yaml:"logging,omitempty" json:"logging,omitempty"`
}

// ServerConfig configures the HTTP server and the global model endpoint.
type ServerConfig struct {
	// APIBaseURL is the global inference endpoint (e.g. "http://10.0.0.5:1234").
	// When empty, the URL is built from IPAddress and Port.
	APIBaseURL string `yaml:"api_base_url,omitempty" json:"api_base_url,omitempty"`

	// IPAddress of the inference server. Empty means auto-detect the
	// primary local IPv4, falling back to loopback.
	IPAddress string `yaml:"ip_address,omitempty" json:"ip_address,omitempty"`

	// Port of the inference server.
	Port int `yaml:"port,omitempty" json:"port,omitempty"`

	// APIKey for the inference server. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`

	// ListenPort is the port Quorum itself serves on.
	ListenPort int `yaml:"listen_port,omitempty" json:"listen_port,omitempty"`
}

// ModelMember configures one council member or the chairman.
type ModelMember struct {
	// ID is the model identifier as reported by /v1/models.
	ID string `yaml:"id" json:"id"`

	// BaseURL overrides the global endpoint for this model. Empty inherits.
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`

	// APIKey overrides the global API key for this model. Empty inherits.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
}

// ModelsConfig names the chairman and the council.
type ModelsConfig struct {
	Chairman ModelMember   `yaml:"chairman" json:"chairman"`
	Council  []ModelMember `yaml:"council_members" json:"council_members"`
}

// DeliberationConfig tunes the three-stage protocol.
type DeliberationConfig struct {
	// Rounds is the requested number of Stage-2 peer-review rounds.
	Rounds int `yaml:"rounds,omitempty" json:"rounds,omitempty"`

	// MaxRoundsAllowed caps Rounds. Must be in [1, 10].
	MaxRoundsAllowed int `yaml:"max_rounds,omitempty" json:"max_rounds,omitempty"`

	// EnableCrossReview allows refinement sub-rounds between rounds.
	EnableCrossReview bool `yaml:"enable_cross_review,omitempty" json:"enable_cross_review,omitempty"`

	// QualityThreshold triggers refinement when any response's mean quality
	// score falls below it. Scale of 0-5.
	QualityThreshold float64 `yaml:"quality_threshold,omitempty" json:"quality_threshold,omitempty"`

	// StageTimeout bounds each Stage-1/Stage-2 model call, in seconds.
	StageTimeoutSeconds int `yaml:"stage_timeout_seconds,omitempty" json:"stage_timeout_seconds,omitempty"`

	// SynthesisTimeout bounds the Stage-3 call, in seconds. Larger than the
	// stage timeout because synthesis inputs are longer.
	SynthesisTimeoutSeconds int `yaml:"synthesis_timeout_seconds,omitempty" json:"synthesis_timeout_seconds,omitempty"`
}

// TitleConfig tunes the background title generator.
type TitleConfig struct {
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	MaxConcurrent  int      `yaml:"max_concurrent,omitempty" json:"max_concurrent,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	RetryAttempts  int      `yaml:"retry_attempts,omitempty" json:"retry_attempts,omitempty"`
	ThinkingHints  []string `yaml:"thinking_model_hints,omitempty" json:"thinking_model_hints,omitempty"`
}

// IsEnabled reports whether title generation is on. Defaults to on when
// the key is absent.
func (t TitleConfig) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// StorageConfig locates the conversation store.
type StorageConfig struct {
	DataDir string `yaml:"data_dir,omitempty" json:"data_dir,omitempty"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty" json:"level,omitempty"`
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
	File   string `yaml:"file,omitempty" json:"file,omitempty"`
}

// ModelEndpoint is a resolved connection record for one model.
type ModelEndpoint struct {
	Model   string
	BaseURL string
	APIKey  string
}

// SetDefaults applies defaults across all sections.
func (c *Config) SetDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.ListenPort == 0 {
		c.Server.ListenPort = 8080
	}
	if c.Server.IPAddress == "" {
		c.Server.IPAddress = LocalIP()
	}
	if c.Server.APIBaseURL == "" {
		c.Server.APIBaseURL = fmt.Sprintf("http://%s:%d", c.Server.IPAddress, c.Server.Port)
	}

	if c.Deliberation.MaxRoundsAllowed == 0 {
		c.Deliberation.MaxRoundsAllowed = 3
	}
	if c.Deliberation.Rounds == 0 {
		c.Deliberation.Rounds = 1
	}
	if c.Deliberation.QualityThreshold == 0 {
		c.Deliberation.QualityThreshold = DefaultQualityThreshold
	}
	if c.Deliberation.StageTimeoutSeconds == 0 {
		c.Deliberation.StageTimeoutSeconds = 120
	}
	if c.Deliberation.SynthesisTimeoutSeconds == 0 {
		c.Deliberation.SynthesisTimeoutSeconds = 300
	}

	if c.Titles.Enabled == nil {
		enabled := true
		c.Titles.Enabled = &enabled
	}
	if c.Titles.MaxConcurrent == 0 {
		c.Titles.MaxConcurrent = 2
	}
	if c.Titles.TimeoutSeconds == 0 {
		c.Titles.TimeoutSeconds = 60
	}
	if c.Titles.RetryAttempts == 0 {
		c.Titles.RetryAttempts = 3
	}
	if len(c.Titles.ThinkingHints) == 0 {
		c.Titles.ThinkingHints = []string{"thinking", "reasoning", "o1"}
	}

	if c.Storage.DataDir == "" {
		c.Storage.DataDir = ".quorum/conversations"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}
}

// Validate checks the configuration. The returned error names the failing
// key so startup can print a remediation hint.
func (c *Config) Validate() error {
	if c.Models.Chairman.ID == "" {
		return fmt.Errorf("models.chairman.id: chairman model is required")
	}
	if len(c.Models.Council) < 2 {
		return fmt.Errorf("models.council_members: at least 2 council models are required, got %d", len(c.Models.Council))
	}
	seen := make(map[string]bool, len(c.Models.Council))
	for i, m := range c.Models.Council {
		if m.ID == "" {
			return fmt.Errorf("models.council_members[%d].id: model id is required", i)
		}
		if seen[m.ID] {
			return fmt.Errorf("models.council_members[%d].id: duplicate model %q", i, m.ID)
		}
		seen[m.ID] = true
	}

	d := c.Deliberation
	if d.MaxRoundsAllowed < 1 || d.MaxRoundsAllowed > MaxRounds {
		return fmt.Errorf("deliberation.max_rounds: must be in [1, %d], got %d", MaxRounds, d.MaxRoundsAllowed)
	}
	if d.Rounds < 1 || d.Rounds > d.MaxRoundsAllowed {
		return fmt.Errorf("deliberation.rounds: must be in [1, %d], got %d", d.MaxRoundsAllowed, d.Rounds)
	}
	if d.QualityThreshold <= 0 || d.QualityThreshold > 5 {
		return fmt.Errorf("deliberation.quality_threshold: must be in (0, 5], got %g", d.QualityThreshold)
	}

	if c.Titles.MaxConcurrent < 1 {
		return fmt.Errorf("title_generation.max_concurrent: must be >= 1, got %d", c.Titles.MaxConcurrent)
	}
	if c.Titles.RetryAttempts < 0 {
		return fmt.Errorf("title_generation.retry_attempts: must be >= 0, got %d", c.Titles.RetryAttempts)
	}

	return nil
}

// CouncilIDs returns the configured council model ids, in order.
func (c *Config) CouncilIDs() []string {
	ids := make([]string, len(c.Models.Council))
	for i, m := range c.Models.Council {
		ids[i] = m.ID
	}
	return ids
}

// ResolveEndpoint resolves the connection record for a model id.
//
// Precedence: per-model fields, then global server fields, then builtin
// defaults. Empty string means "inherit".
func (c *Config) ResolveEndpoint(modelID string) ModelEndpoint {
	ep := ModelEndpoint{
		Model:   modelID,
		BaseURL: strings.TrimSuffix(c.Server.APIBaseURL, "/"),
		APIKey:  c.Server.APIKey,
	}

	for _, m := range c.allMembers() {
		if m.ID != modelID {
			continue
		}
		if m.BaseURL != "" {
			ep.BaseURL = strings.TrimSuffix(m.BaseURL, "/")
		}
		if m.APIKey != "" {
			ep.APIKey = m.APIKey
		}
		break
	}

	if ep.BaseURL == "" {
		ep.BaseURL = fmt.Sprintf("http://127.0.0.1:%d", DefaultPort)
	}
	return ep
}

func (c *Config) allMembers() []ModelMember {
	members := make([]ModelMember, 0, len(c.Models.Council)+1)
	members = append(members, c.Models.Council...)
	members = append(members, c.Models.Chairman)
	return members
}
