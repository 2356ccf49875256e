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
	"fmt"
	"strings"
	"testing"
)

func TestParseRankingFinalRankingBlock(t *testing.T) {
	text := `Response A is thorough but verbose. (4/5)
Response B misses the edge cases. (2/5)

FINAL RANKING:
1. Response A (4/5)
2. Response C (3.5/5)
3. Response B (2/5)`

	result := ParseRanking(text, []string{"A", "B", "C"})
	if result.Unparseable {
		t.Fatalf("ParseRanking() unparseable, warnings = %v", result.Warnings)
	}
	if len(result.Items) != 3 {
		t.Fatalf("ParseRanking() items = %d, want 3", len(result.Items))
	}

	wantLabels := []string{"A", "C", "B"}
	wantScores := []float64{4, 3.5, 2}
	for i, item := range result.Items {
		if item.Label != wantLabels[i] {
			t.Errorf("item[%d].Label = %q, want %q", i, item.Label, wantLabels[i])
		}
		if item.Position != i+1 {
			t.Errorf("item[%d].Position = %d, want %d", i, item.Position, i+1)
		}
		if item.Score == nil || *item.Score != wantScores[i] {
			t.Errorf("item[%d].Score = %v, want %g", i, item.Score, wantScores[i])
		}
	}
}

func TestParseRankingRoundTrip(t *testing.T) {
	// Re-rendering a parsed ranking in canonical form and reparsing must
	// produce the identical structure.
	text := "FINAL RANKING:\n1. Response B (5/5)\n2. Response A (3/5)"
	first := ParseRanking(text, []string{"A", "B"})

	var rendered strings.Builder
	rendered.WriteString("FINAL RANKING:\n")
	for _, item := range first.Items {
		fmt.Fprintf(&rendered, "%d. Response %s (%g/5)\n", item.Position, item.Label, *item.Score)
	}

	second := ParseRanking(rendered.String(), []string{"A", "B"})
	if len(second.Items) != len(first.Items) {
		t.Fatalf("reparse items = %d, want %d", len(second.Items), len(first.Items))
	}
	for i := range first.Items {
		if second.Items[i].Label != first.Items[i].Label ||
			second.Items[i].Position != first.Items[i].Position ||
			*second.Items[i].Score != *first.Items[i].Score {
			t.Errorf("reparse item[%d] = %+v, want %+v", i, second.Items[i], first.Items[i])
		}
	}
}

func TestParseRankingOrdinalFallback(t *testing.T) {
	text := `Here are my thoughts on the responses.

1) B was the most rigorous 4/5
2) A had good structure 3/5`

	result := ParseRanking(text, []string{"A", "B"})
	if result.Unparseable {
		t.Fatalf("ParseRanking() unparseable, warnings = %v", result.Warnings)
	}
	if len(result.Items) != 2 || result.Items[0].Label != "B" || result.Items[1].Label != "A" {
		t.Fatalf("ParseRanking() items = %+v, want [B A]", result.Items)
	}
}

func TestParseRankingStripsThinking(t *testing.T) {
	text := "<think>I should put A last.\n1. Response A\n</think>FINAL RANKING:\n1. Response B\n2. Response A"

	result := ParseRanking(text, []string{"A", "B"})
	if len(result.Items) != 2 || result.Items[0].Label != "B" {
		t.Fatalf("ParseRanking() items = %+v, want B first", result.Items)
	}
}

func TestParseRankingDeduplicates(t *testing.T) {
	text := "FINAL RANKING:\n1. Response A (4/5)\n2. Response A (1/5)\n3. Response B (3/5)"

	result := ParseRanking(text, []string{"A", "B"})
	if len(result.Items) != 2 {
		t.Fatalf("ParseRanking() items = %d, want 2", len(result.Items))
	}
	if *result.Items[0].Score != 4 {
		t.Errorf("first occurrence should win, score = %g", *result.Items[0].Score)
	}
}

func TestParseRankingPartial(t *testing.T) {
	text := "FINAL RANKING:\n1. Response C"

	result := ParseRanking(text, []string{"A", "B", "C"})
	if result.Unparseable {
		t.Fatal("partial ranking must not be unparseable")
	}
	if len(result.Items) != 1 {
		t.Fatalf("items = %d, want 1", len(result.Items))
	}
	if len(result.Warnings) == 0 {
		t.Error("partial ranking should carry a warning")
	}
	if result.Items[0].Score != nil {
		t.Errorf("missing score should be nil, got %v", *result.Items[0].Score)
	}
}

func TestParseRankingUnparseable(t *testing.T) {
	result := ParseRanking("I refuse to rank my peers.", []string{"A", "B"})
	if !result.Unparseable {
		t.Fatal("expected Unparseable")
	}
	if len(result.Items) != 0 {
		t.Fatalf("items = %+v, want empty", result.Items)
	}
}

func TestParseRankingIgnoresUnknownLabels(t *testing.T) {
	// "I" in prose must not parse as a label when the expected set is known.
	text := "FINAL RANKING:\n1. I liked Response B best\n2. Response A"

	result := ParseRanking(text, []string{"A", "B"})
	if len(result.Items) != 2 || result.Items[0].Label != "B" || result.Items[1].Label != "A" {
		t.Fatalf("items = %+v, want [B A]", result.Items)
	}
}

func TestParseRankingRejectsOutOfRangeScore(t *testing.T) {
	text := "FINAL RANKING:\n1. Response A (9/5)"

	result := ParseRanking(text, []string{"A"})
	if len(result.Items) != 1 {
		t.Fatalf("items = %d, want 1", len(result.Items))
	}
	if result.Items[0].Score != nil {
		t.Errorf("out-of-range score should be dropped, got %g", *result.Items[0].Score)
	}
}
