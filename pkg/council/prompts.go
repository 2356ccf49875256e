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

	"github.com/kadirpekel/quorum/pkg/store"
)

const draftSystemPrompt = `You are one member of a council of AI models. ` +
	`Answer the user's question directly and thoroughly. Your answer will be ` +
	`reviewed by your peers, so favor substance over hedging.`

// rankingPrompt asks a ranker to evaluate anonymized peer responses and
// finish with a FINAL RANKING block the parser understands.
func rankingPrompt(query string, view []AnonymizedResponse) string {
	var b strings.Builder
	b.WriteString("The user asked:\n\n")
	b.WriteString(query)
	b.WriteString("\n\nBelow are responses from other council members, identified only by letter.\n\n")
	for _, r := range view {
		fmt.Fprintf(&b, "Response %s:\n%s\n\n", r.Label, r.Content)
	}
	b.WriteString("For each response, give one line of feedback and a quality rating from 1 to 5.\n")
	b.WriteString("Then output a final ranking, best first, in exactly this form:\n\n")
	b.WriteString("FINAL RANKING:\n")
	for i, r := range view {
		fmt.Fprintf(&b, "%d. Response %s (N/5)\n", i+1, r.Label)
	}
	b.WriteString("\nwhere N is your rating. Do not rank your own response; it is not shown.")
	return b.String()
}

// refinementPrompt shows a model its own draft plus the peer feedback
// aimed at it and asks for an improved response.
func refinementPrompt(query, ownContent string, feedback []string) string {
	var b strings.Builder
	b.WriteString("The user asked:\n\n")
	b.WriteString(query)
	b.WriteString("\n\nYour previous response was:\n\n")
	b.WriteString(ownContent)
	b.WriteString("\n\nPeer reviewers gave this feedback on your response:\n\n")
	for _, f := range feedback {
		b.WriteString("- ")
		b.WriteString(f)
		b.WriteString("\n")
	}
	b.WriteString("\nWrite an improved response to the user's question. ")
	b.WriteString("Output only the improved response, no preamble.")
	return b.String()
}

// synthesisPrompt gives the chairman the full deliberation and asks for
// one final answer. Council identities are real here, not anonymized.
func synthesisPrompt(query string, drafts []store.Draft, standings []store.Standing) string {
	var b strings.Builder
	b.WriteString("You are the chairman of a council of AI models. ")
	b.WriteString("The council has deliberated on the user's question:\n\n")
	b.WriteString(query)
	b.WriteString("\n\nCouncil responses, with their aggregate peer review standing:\n\n")

	rank := make(map[string]store.Standing, len(standings))
	for _, s := range standings {
		rank[s.Model] = s
	}
	for _, d := range drafts {
		if d.Failed {
			continue
		}
		fmt.Fprintf(&b, "=== %s", d.Model)
		if s, ok := rank[d.Model]; ok {
			fmt.Fprintf(&b, " (mean peer position %.2f", s.MeanPosition)
			if s.MeanScore != nil {
				fmt.Fprintf(&b, ", mean score %.1f/5", *s.MeanScore)
			}
			b.WriteString(")")
		}
		b.WriteString(" ===\n")
		b.WriteString(d.Content)
		b.WriteString("\n\n")
	}
	b.WriteString("Synthesize the single best possible answer to the user's question, ")
	b.WriteString("drawing on the strongest material above. Answer the user directly; ")
	b.WriteString("do not describe the deliberation process.")
	return b.String()
}

// feedbackFor collects the raw ranking excerpts that mention a model's
// label, de-anonymized for the refinement prompt.
func feedbackFor(label string, rankings []store.Ranking) []string {
	var out []string
	for _, r := range rankings {
		for _, line := range strings.Split(r.Raw, "\n") {
			m := labelRe.FindStringSubmatch(line)
			if m == nil || m[1] != label {
				continue
			}
			if trimmed := strings.TrimSpace(line); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
