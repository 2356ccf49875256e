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

// Package store persists conversations as one JSON document per
// conversation on the local filesystem.
package store

import (
	"regexp"
	"strings"
	"time"

	"github.com/kadirpekel/quorum/pkg/metrics"
)

// Conversation is the unit of persistence.
type Conversation struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	CreatedAt time.Time  `json:"created_at"`
	Deleted   bool       `json:"deleted,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	Messages  []Message  `json:"messages"`
}

// Message is a single turn. Assistant messages produced by a deliberation
// carry the full trace alongside the synthesized content.
type Message struct {
	Role         string              `json:"role"`
	Content      string              `json:"content"`
	CreatedAt    time.Time           `json:"created_at"`
	Deliberation *DeliberationRecord `json:"deliberation,omitempty"`
}

// DeliberationRecord is the complete trace of one deliberation: every
// draft, every ranking round, the aggregate, and the synthesis.
type DeliberationRecord struct {
	Drafts    []Draft      `json:"drafts"`
	Rounds    []Round      `json:"rounds,omitempty"`
	Aggregate []Standing   `json:"aggregate,omitempty"`
	Synthesis *Synthesis   `json:"synthesis,omitempty"`
	Cancelled bool         `json:"cancelled,omitempty"`
	Label     LabelMapping `json:"label_mapping,omitempty"`
}

// LabelMapping records which anonymized label each model received.
type LabelMapping map[string]string

// Draft is one council member's initial answer.
type Draft struct {
	Model    string        `json:"model"`
	Content  string        `json:"content"`
	Thinking string        `json:"thinking,omitempty"`
	Failed   bool          `json:"failed,omitempty"`
	Error    string        `json:"error,omitempty"`
	Usage    metrics.Usage `json:"usage"`
}

// Round holds one cross-review pass: each member's raw ranking text, its
// parsed form, and any refinements produced after the round.
type Round struct {
	Number      int          `json:"number"`
	Rankings    []Ranking    `json:"rankings"`
	Refinements []Refinement `json:"refinements,omitempty"`
}

// Ranking is one member's evaluation of its peers.
type Ranking struct {
	Model       string        `json:"model"`
	Raw         string        `json:"raw"`
	Thinking    string        `json:"thinking,omitempty"`
	Parsed      []RankedItem  `json:"parsed,omitempty"`
	Unparseable bool          `json:"unparseable,omitempty"`
	Warning     string        `json:"warning,omitempty"`
	Usage       metrics.Usage `json:"usage"`
}

// RankedItem is one position in a parsed ranking.
type RankedItem struct {
	Label    string   `json:"label"`
	Position int      `json:"position"`
	Score    *float64 `json:"score,omitempty"`
}

// Refinement is a member's revised answer after seeing peer feedback.
type Refinement struct {
	Model   string        `json:"model"`
	Content string        `json:"content"`
	Usage   metrics.Usage `json:"usage"`
}

// Standing is one row of the aggregate leaderboard.
type Standing struct {
	Label        string   `json:"label"`
	Model        string   `json:"model"`
	MeanPosition float64  `json:"mean_position"`
	MeanScore    *float64 `json:"mean_score,omitempty"`
}

// Synthesis is the chairman's final answer.
type Synthesis struct {
	Model    string        `json:"model"`
	Content  string        `json:"content"`
	Thinking string        `json:"thinking,omitempty"`
	Usage    metrics.Usage `json:"usage"`
}

// placeholderTitleRe matches the exact placeholder form: "Conversation "
// followed by the first 8 hex chars of the conversation id. Anchored so
// generated titles that merely start with "Conversation" stay valid.
var placeholderTitleRe = regexp.MustCompile(`^Conversation [0-9a-f]{8}$`)

// NewPlaceholderTitle produces the default title a conversation carries
// until the background title service replaces it: the first 8 chars of
// the conversation's own id.
func NewPlaceholderTitle(conversationID string) string {
	if len(conversationID) > 8 {
		conversationID = conversationID[:8]
	}
	return "Conversation " + conversationID
}

// IsGenericTitle reports whether a title is still a placeholder and
// therefore eligible for background generation.
func IsGenericTitle(title string) bool {
	t := strings.TrimSpace(title)
	if t == "" || t == "New Conversation" {
		return true
	}
	return placeholderTitleRe.MatchString(t)
}
