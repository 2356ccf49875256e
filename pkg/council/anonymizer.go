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
	"math/rand"
	"sort"
)

// Anonymizer assigns opaque labels (A, B, C, ...) to council models for
// one Stage-2 invocation. The assignment is a deterministic shuffle of the
// model ids for a given seed, so every ranker in the round sees the same
// bijection.
type Anonymizer struct {
	labelToModel map[string]string
	modelToLabel map[string]string
	labels       []string
}

// AnonymizedResponse is one labeled peer response in a ranker's view.
type AnonymizedResponse struct {
	Label   string
	Content string
}

// NewAnonymizer shuffles models into labels using the given seed.
func NewAnonymizer(models []string, seed int64) *Anonymizer {
	shuffled := make([]string, len(models))
	copy(shuffled, models)
	sort.Strings(shuffled)

	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	a := &Anonymizer{
		labelToModel: make(map[string]string, len(shuffled)),
		modelToLabel: make(map[string]string, len(shuffled)),
	}
	for i, model := range shuffled {
		label := string(rune('A' + i))
		a.labels = append(a.labels, label)
		a.labelToModel[label] = model
		a.modelToLabel[model] = label
	}
	return a
}

// Labels returns the assigned labels in stable (A, B, C, ...) order.
func (a *Anonymizer) Labels() []string {
	out := make([]string, len(a.labels))
	copy(out, a.labels)
	return out
}

// LabelFor returns the label assigned to a model.
func (a *Anonymizer) LabelFor(model string) (string, bool) {
	label, ok := a.modelToLabel[model]
	return label, ok
}

// ModelFor de-anonymizes a label back to its model id.
func (a *Anonymizer) ModelFor(label string) (string, bool) {
	model, ok := a.labelToModel[label]
	return model, ok
}

// Mapping returns a copy of the model → label assignment for the trace.
func (a *Anonymizer) Mapping() map[string]string {
	out := make(map[string]string, len(a.modelToLabel))
	for model, label := range a.modelToLabel {
		out[model] = label
	}
	return out
}

// ViewFor builds the labeled peer responses shown to one ranker. The
// ranker's own response is excluded, so the view holds exactly N-1 labels.
func (a *Anonymizer) ViewFor(ranker string, contents map[string]string) []AnonymizedResponse {
	var view []AnonymizedResponse
	for _, label := range a.labels {
		model := a.labelToModel[label]
		if model == ranker {
			continue
		}
		content, ok := contents[model]
		if !ok {
			continue
		}
		view = append(view, AnonymizedResponse{Label: label, Content: content})
	}
	return view
}
