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
	"sort"

	"github.com/kadirpekel/quorum/pkg/store"
)

// Aggregate merges per-ranker orderings into a leaderboard by mean
// position (1 = best). Labels a ranker omitted are ignored for that
// ranker. Ties break by higher mean score, then lexicographic label. The
// result is a pure function of the inputs.
func Aggregate(rankings []ParsedRanking, anon *Anonymizer) []store.Standing {
	type acc struct {
		positionSum float64
		positions   int
		scoreSum    float64
		scores      int
	}
	byLabel := make(map[string]*acc)

	for _, ranking := range rankings {
		if ranking.Unparseable {
			continue
		}
		for _, item := range ranking.Items {
			a := byLabel[item.Label]
			if a == nil {
				a = &acc{}
				byLabel[item.Label] = a
			}
			a.positionSum += float64(item.Position)
			a.positions++
			if item.Score != nil {
				a.scoreSum += *item.Score
				a.scores++
			}
		}
	}

	standings := make([]store.Standing, 0, len(byLabel))
	for label, a := range byLabel {
		s := store.Standing{
			Label:        label,
			MeanPosition: a.positionSum / float64(a.positions),
		}
		if model, ok := anon.ModelFor(label); ok {
			s.Model = model
		}
		if a.scores > 0 {
			mean := a.scoreSum / float64(a.scores)
			s.MeanScore = &mean
		}
		standings = append(standings, s)
	}

	sort.Slice(standings, func(i, j int) bool {
		a, b := standings[i], standings[j]
		if a.MeanPosition != b.MeanPosition {
			return a.MeanPosition < b.MeanPosition
		}
		as, bs := meanScoreOrZero(a), meanScoreOrZero(b)
		if as != bs {
			return as > bs
		}
		return a.Label < b.Label
	})
	return standings
}

func meanScoreOrZero(s store.Standing) float64 {
	if s.MeanScore == nil {
		return 0
	}
	return *s.MeanScore
}

// minMeanScore returns the lowest mean quality score on the leaderboard.
// The second return is false when no ranker produced any score.
func minMeanScore(standings []store.Standing) (float64, bool) {
	min, found := 0.0, false
	for _, s := range standings {
		if s.MeanScore == nil {
			continue
		}
		if !found || *s.MeanScore < min {
			min, found = *s.MeanScore, true
		}
	}
	return min, found
}
