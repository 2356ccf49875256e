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

package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kadirpekel/quorum/pkg/config"
	"github.com/kadirpekel/quorum/pkg/model"
)

const modelsPath = "/v1/models"

// ListModels fetches the ids of models loaded on a server.
func (c *Client) ListModels(ctx context.Context, baseURL, apiKey string) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", baseURL+modelsPath, nil)
	if err != nil {
		return nil, model.NewError(model.KindProtocolError, "", err)
	}
	setHeaders(httpReq, apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError("", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, model.NewError(model.KindUnreachableEndpoint, "",
			fmt.Errorf("%s returned status %d", baseURL+modelsPath, resp.StatusCode))
	}

	var list modelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, model.NewError(model.KindProtocolError, "", fmt.Errorf("failed to decode model list: %w", err))
	}

	ids := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

// ValidateModels checks that every configured model is loaded on its
// resolved endpoint and that the backend holds enough models for a full
// council plus chairman.
//
// The returned error carries model.KindUnreachableEndpoint when a backend
// cannot be reached and model.KindModelNotLoaded when models are missing,
// so callers can map them to exit codes.
func (c *Client) ValidateModels(ctx context.Context, cfg *config.Config) error {
	required := append(cfg.CouncilIDs(), cfg.Models.Chairman.ID)

	// One /v1/models fetch per distinct endpoint.
	available := make(map[string]map[string]bool)
	for _, id := range required {
		ep := c.resolve(id)
		if _, ok := available[ep.BaseURL]; ok {
			continue
		}
		ids, err := c.ListModels(ctx, ep.BaseURL, ep.APIKey)
		if err != nil {
			return err
		}
		set := make(map[string]bool, len(ids))
		for _, loaded := range ids {
			set[loaded] = true
		}
		available[ep.BaseURL] = set
		slog.Info("Fetched model list", "endpoint", ep.BaseURL, "count", len(ids))
	}

	globalBase := cfg.ResolveEndpoint("").BaseURL
	if set, ok := available[globalBase]; ok && len(set) < len(cfg.Models.Council)+1 {
		return model.NewError(model.KindModelNotLoaded, "",
			fmt.Errorf("backend has %d models loaded, need at least %d (council + chairman)",
				len(set), len(cfg.Models.Council)+1))
	}

	var missing []string
	for _, id := range required {
		ep := c.resolve(id)
		if !available[ep.BaseURL][id] {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return model.NewError(model.KindModelNotLoaded, missing[0],
			fmt.Errorf("configured models not loaded on server: %v", missing))
	}

	slog.Info("All configured models are available", "count", len(required))
	return nil
}

type modelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}
