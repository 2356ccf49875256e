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
	"testing"

	"github.com/kadirpekel/quorum/pkg/store"
)

func ranking(labels []string, scores []float64) ParsedRanking {
	var r ParsedRanking
	for i, label := range labels {
		item := store.RankedItem{Label: label, Position: i + 1}
		if scores != nil {
			s := scores[i]
			item.Score = &s
		}
		r.Items = append(r.Items, item)
	}
	return r
}

func labelsOf(standings []store.Standing) []string {
	out := make([]string, len(standings))
	for i, s := range standings {
		out[i] = s.Label
	}
	return out
}

func TestAggregateMeanPosition(t *testing.T) {
	anon := NewAnonymizer([]string{"m1", "m2", "m3"}, 42)
	rankings := []ParsedRanking{
		ranking([]string{"A", "B", "C"}, []float64{5, 4, 4}),
		ranking([]string{"A", "C", "B"}, []float64{5, 4, 4}),
		ranking([]string{"B", "A", "C"}, []float64{5, 4, 4}),
	}

	standings := Aggregate(rankings, anon)
	got := labelsOf(standings)
	want := []string{"A", "B", "C"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Aggregate() order = %v, want %v", got, want)
		}
	}
	// A: positions 1,1,2 -> 4/3
	if diff := standings[0].MeanPosition - 4.0/3.0; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("A mean position = %g, want %g", standings[0].MeanPosition, 4.0/3.0)
	}
}

func TestAggregateTieBreakByScore(t *testing.T) {
	anon := NewAnonymizer([]string{"m1", "m2"}, 1)
	rankings := []ParsedRanking{
		ranking([]string{"A", "B"}, []float64{3, 5}),
		ranking([]string{"B", "A"}, []float64{5, 3}),
	}

	// Both at mean position 1.5; B has the higher mean score.
	standings := Aggregate(rankings, anon)
	if standings[0].Label != "B" {
		t.Fatalf("tie should break to higher score, got %v", labelsOf(standings))
	}
}

func TestAggregateTieBreakLexicographic(t *testing.T) {
	anon := NewAnonymizer([]string{"m1", "m2"}, 1)
	rankings := []ParsedRanking{
		ranking([]string{"A", "B"}, nil),
		ranking([]string{"B", "A"}, nil),
	}

	standings := Aggregate(rankings, anon)
	if standings[0].Label != "A" {
		t.Fatalf("tie without scores should break lexicographically, got %v", labelsOf(standings))
	}
}

func TestAggregateIsPure(t *testing.T) {
	anon := NewAnonymizer([]string{"m1", "m2", "m3"}, 7)
	a := []ParsedRanking{
		ranking([]string{"C", "A", "B"}, []float64{4, 3, 2}),
		ranking([]string{"A", "C", "B"}, []float64{5, 4, 1}),
	}
	b := []ParsedRanking{a[1], a[0]}

	first := Aggregate(a, anon)
	second := Aggregate(b, anon)
	if len(first) != len(second) {
		t.Fatal("aggregate length differs by insertion order")
	}
	for i := range first {
		if first[i].Label != second[i].Label || first[i].MeanPosition != second[i].MeanPosition {
			t.Fatalf("aggregate depends on insertion order: %v vs %v", first, second)
		}
	}
}

func TestAggregateSkipsAbstentions(t *testing.T) {
	anon := NewAnonymizer([]string{"m1", "m2"}, 1)
	rankings := []ParsedRanking{
		ranking([]string{"A", "B"}, []float64{5, 2}),
		{Unparseable: true},
	}

	standings := Aggregate(rankings, anon)
	if len(standings) != 2 {
		t.Fatalf("standings = %d, want 2", len(standings))
	}
	if standings[0].MeanPosition != 1 {
		t.Errorf("abstention must not dilute mean, got %g", standings[0].MeanPosition)
	}
}

func TestMinMeanScore(t *testing.T) {
	low := 1.0
	high := 4.5
	standings := []store.Standing{
		{Label: "A", MeanScore: &high},
		{Label: "B", MeanScore: &low},
		{Label: "C"},
	}

	min, ok := minMeanScore(standings)
	if !ok || min != 1.0 {
		t.Fatalf("minMeanScore = %g, %v; want 1.0, true", min, ok)
	}

	_, ok = minMeanScore([]store.Standing{{Label: "A"}})
	if ok {
		t.Fatal("minMeanScore should report no scores")
	}
}
