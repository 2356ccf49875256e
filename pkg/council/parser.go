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
	"regexp"
	"strconv"
	"strings"

	"github.com/kadirpekel/quorum/pkg/store"
)

// ParsedRanking is the result of extracting an ordered label list from a
// ranker's free-form text.
type ParsedRanking struct {
	Items       []store.RankedItem
	Warnings    []string
	Unparseable bool
}

var (
	thinkBlockRe  = regexp.MustCompile(`(?s)<think>.*?(</think>|$)`)
	ordinalLineRe = regexp.MustCompile(`^\s*(?:#?\d+[.):]|\d+\s*[-–])`)
	labelRe       = regexp.MustCompile(`\b(?:Response\s+)?([A-Z])\b`)
	scoreRe       = regexp.MustCompile(`\(?(\d+(?:\.\d+)?)\s*/\s*5\)?`)
)

// ParseRanking extracts an ordered (label, score) list from ranking text.
//
// It prefers an explicit FINAL RANKING block; failing that, it falls back
// to the last contiguous run of ordinal lines that mention a label. Labels
// are deduplicated keeping the first occurrence. A short result produces a
// warning; an empty one is marked Unparseable.
func ParseRanking(text string, expected []string) ParsedRanking {
	text = thinkBlockRe.ReplaceAllString(text, "")
	lines := strings.Split(text, "\n")

	block := finalRankingBlock(lines)
	if block == nil {
		block = lastOrdinalRun(lines)
	}

	var result ParsedRanking
	seen := make(map[string]bool)
	for _, line := range block {
		label, ok := extractLabel(line, expected)
		if !ok || seen[label] {
			continue
		}
		seen[label] = true
		item := store.RankedItem{
			Label:    label,
			Position: len(result.Items) + 1,
		}
		if score, ok := extractScore(line); ok {
			item.Score = &score
		}
		result.Items = append(result.Items, item)
	}

	switch {
	case len(result.Items) == 0:
		result.Unparseable = true
		result.Warnings = append(result.Warnings, "Unparseable: no ranking found")
	case len(result.Items) < len(expected):
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("partial ranking: found %d of %d labels", len(result.Items), len(expected)))
	}
	return result
}

// finalRankingBlock returns the lines after an explicit FINAL RANKING
// marker, or nil when no marker exists.
func finalRankingBlock(lines []string) []string {
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.Contains(strings.ToUpper(lines[i]), "FINAL RANKING") {
			// The marker line itself may carry the list inline.
			if rest := afterMarker(lines[i]); rest != "" {
				return append([]string{rest}, lines[i+1:]...)
			}
			return lines[i+1:]
		}
	}
	return nil
}

func afterMarker(line string) string {
	idx := strings.Index(strings.ToUpper(line), "FINAL RANKING")
	rest := line[idx+len("FINAL RANKING"):]
	return strings.TrimSpace(strings.TrimLeft(rest, ":"))
}

// lastOrdinalRun finds the last contiguous run of lines that each begin
// with an ordinal and mention a label.
func lastOrdinalRun(lines []string) []string {
	end := -1
	for i := len(lines) - 1; i >= 0; i-- {
		isRanked := ordinalLineRe.MatchString(lines[i]) && labelRe.MatchString(lines[i])
		if isRanked && end < 0 {
			end = i
		}
		if !isRanked && end >= 0 {
			if strings.TrimSpace(lines[i]) == "" {
				continue
			}
			return lines[i+1 : end+1]
		}
	}
	if end >= 0 {
		return lines[:end+1]
	}
	return nil
}

// extractLabel pulls the first label mention out of a line. When the
// expected set is known, mentions outside it are skipped so prose like
// "I think" does not read as label I.
func extractLabel(line string, expected []string) (string, bool) {
	for _, match := range labelRe.FindAllStringSubmatch(line, -1) {
		label := match[1]
		if len(expected) == 0 || contains(expected, label) {
			return label, true
		}
	}
	return "", false
}

// extractScore parses a k/5 or (k/5) quality score with k in [0, 5].
func extractScore(line string) (float64, bool) {
	match := scoreRe.FindStringSubmatch(line)
	if match == nil {
		return 0, false
	}
	score, err := strconv.ParseFloat(match[1], 64)
	if err != nil || score < 0 || score > 5 {
		return 0, false
	}
	return score, true
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
