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

package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() *Config {
	cfg := &Config{}
	cfg.Models.Chairman = ModelMember{ID: "chairman"}
	cfg.Models.Council = []ModelMember{{ID: "m1"}, {ID: "m2"}, {ID: "m3"}}
	cfg.SetDefaults()
	return cfg
}

func TestSetDefaults(t *testing.T) {
	cfg := validConfig()

	if cfg.Server.APIBaseURL == "" {
		t.Error("APIBaseURL should be derived")
	}
	if cfg.Server.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", cfg.Server.Port, DefaultPort)
	}
	if cfg.Deliberation.Rounds != 1 || cfg.Deliberation.MaxRoundsAllowed != 3 {
		t.Errorf("rounds defaults = %d/%d, want 1/3", cfg.Deliberation.Rounds, cfg.Deliberation.MaxRoundsAllowed)
	}
	if cfg.Deliberation.QualityThreshold != DefaultQualityThreshold {
		t.Errorf("threshold = %g", cfg.Deliberation.QualityThreshold)
	}
	if !cfg.Titles.IsEnabled() || cfg.Titles.MaxConcurrent != 2 {
		t.Error("title defaults wrong")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantKey string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no chairman", func(c *Config) { c.Models.Chairman.ID = "" }, "models.chairman"},
		{"one council member", func(c *Config) { c.Models.Council = c.Models.Council[:1] }, "council_members"},
		{"duplicate ids", func(c *Config) { c.Models.Council[1].ID = "m1" }, "council_members"},
		{"rounds above max", func(c *Config) { c.Deliberation.Rounds = 5 }, "deliberation.rounds"},
		{"max above cap", func(c *Config) { c.Deliberation.MaxRoundsAllowed = 99 }, "deliberation.max_rounds"},
		{"threshold out of range", func(c *Config) { c.Deliberation.QualityThreshold = 6 }, "quality_threshold"},
		{"zero workers", func(c *Config) { c.Titles.MaxConcurrent = -1 }, "max_concurrent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantKey == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantKey) {
				t.Errorf("error %q should name key %q", err, tt.wantKey)
			}
		})
	}
}

func TestResolveEndpointPrecedence(t *testing.T) {
	cfg := validConfig()
	cfg.Server.APIBaseURL = "http://global:1234/"
	cfg.Server.APIKey = "global-key"
	cfg.Models.Council[0].BaseURL = "http://special:8000/"
	cfg.Models.Council[0].APIKey = "special-key"

	// Per-model override wins; trailing slash is trimmed.
	ep := cfg.ResolveEndpoint("m1")
	if ep.BaseURL != "http://special:8000" || ep.APIKey != "special-key" {
		t.Errorf("m1 endpoint = %+v", ep)
	}

	// Others inherit the global endpoint.
	ep = cfg.ResolveEndpoint("m2")
	if ep.BaseURL != "http://global:1234" || ep.APIKey != "global-key" {
		t.Errorf("m2 endpoint = %+v", ep)
	}

	// Unknown models (and "") fall back to the global endpoint too.
	ep = cfg.ResolveEndpoint("")
	if ep.BaseURL != "http://global:1234" {
		t.Errorf("global endpoint = %+v", ep)
	}
}

func TestCouncilIDs(t *testing.T) {
	cfg := validConfig()
	ids := cfg.CouncilIDs()
	if len(ids) != 3 || ids[0] != "m1" || ids[2] != "m3" {
		t.Fatalf("CouncilIDs() = %v", ids)
	}
}

func TestLoadFileExpandsEnv(t *testing.T) {
	t.Setenv("QUORUM_TEST_KEY", "sekrit")

	yaml := `
server:
  api_base_url: http://backend:1234
  api_key: ${QUORUM_TEST_KEY}
models:
  chairman:
    id: chairman
  council_members:
    - id: m1
    - id: m2
deliberation:
  rounds: 2
  max_rounds: 3
  enable_cross_review: true
`
	path := filepath.Join(t.TempDir(), "quorum.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, loader, err := LoadFile(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	defer loader.Close()

	if cfg.Server.APIKey != "sekrit" {
		t.Errorf("APIKey = %q, want env-expanded", cfg.Server.APIKey)
	}
	if cfg.Deliberation.Rounds != 2 || !cfg.Deliberation.EnableCrossReview {
		t.Errorf("deliberation = %+v", cfg.Deliberation)
	}
	if len(cfg.Models.Council) != 2 {
		t.Errorf("council = %d members", len(cfg.Models.Council))
	}
}

func TestLoadFileEnvDefault(t *testing.T) {
	yaml := `
server:
  api_base_url: ${QUORUM_UNSET_URL:-http://fallback:1234}
models:
  chairman:
    id: chairman
  council_members:
    - id: m1
    - id: m2
`
	path := filepath.Join(t.TempDir(), "quorum.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, loader, err := LoadFile(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	defer loader.Close()

	if cfg.Server.APIBaseURL != "http://fallback:1234" {
		t.Errorf("APIBaseURL = %q, want default expansion", cfg.Server.APIBaseURL)
	}
}

func TestLoadFileInvalid(t *testing.T) {
	yaml := `
models:
  chairman:
    id: chairman
  council_members:
    - id: m1
`
	path := filepath.Join(t.TempDir(), "quorum.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	_, _, err := LoadFile(context.Background(), path)
	if err == nil {
		t.Fatal("LoadFile() should reject a one-member council")
	}
}
