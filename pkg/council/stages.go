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
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/quorum/pkg/config"
	"github.com/kadirpekel/quorum/pkg/metrics"
	"github.com/kadirpekel/quorum/pkg/model"
	"github.com/kadirpekel/quorum/pkg/store"
)

// ErrInsufficientCouncil is returned when fewer than two council models
// produced a Stage-1 draft.
var ErrInsufficientCouncil = errors.New("insufficient council: fewer than 2 models produced a draft")

// ErrInsufficientRankers is returned when fewer than two rankers produced
// a parseable ranking in a Stage-2 round.
var ErrInsufficientRankers = errors.New("insufficient rankers: fewer than 2 parseable rankings")

// minQuorum is the smallest council that can deliberate.
const minQuorum = 2

// Runner executes the three deliberation stages for one request, emitting
// events through the request's mux as tokens arrive.
type Runner struct {
	client  model.Client
	tracker *metrics.Tracker
	cfg     *config.Config
}

// NewRunner wires a stage runner over a model client.
func NewRunner(client model.Client, tracker *metrics.Tracker, cfg *config.Config) *Runner {
	return &Runner{client: client, tracker: tracker, cfg: cfg}
}

// Stage1 fans the query out to every council model in parallel and joins
// the drafts. At least two models must succeed.
func (r *Runner) Stage1(ctx context.Context, requestID string, mux *Mux, history []model.Message, query string) ([]store.Draft, error) {
	started := time.Now()
	mux.Emit(Event{Type: EventStage1Start, Stage: 1, Data: map[string]any{
		"models": r.cfg.CouncilIDs(),
	}})

	messages := make([]model.Message, 0, len(history)+2)
	messages = append(messages, model.Message{Role: model.RoleSystem, Content: draftSystemPrompt})
	messages = append(messages, history...)
	messages = append(messages, model.Message{Role: model.RoleUser, Content: query})

	council := r.cfg.CouncilIDs()
	drafts := make([]store.Draft, len(council))

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range council {
		g.Go(func() error {
			content, thinking, usage, err := r.streamCall(gctx, requestID, id, messages,
				mux, EventStage1Token, 1, 0, r.stageTimeout())
			drafts[i] = store.Draft{Model: id, Content: content, Thinking: thinking, Usage: usage}
			if err != nil {
				// Single-model failures are absorbed into the trace.
				drafts[i].Failed = true
				drafts[i].Error = string(model.KindOf(err))
				slog.Warn("Council model failed in stage 1", "model", id, "kind", model.KindOf(err), "error", err)
			}
			mux.Emit(Event{Type: EventStage1ModelComplete, Stage: 1, Model: id, Data: map[string]any{
				"usage":  usage,
				"failed": drafts[i].Failed,
			}})
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return drafts, err
	}
	if countSucceeded(drafts) < minQuorum {
		return drafts, ErrInsufficientCouncil
	}

	metrics.ObserveStageDuration("stage1", time.Since(started).Seconds())
	mux.Emit(Event{Type: EventStage1Complete, Stage: 1, Data: map[string]any{
		"succeeded": countSucceeded(drafts),
	}})
	return drafts, nil
}

// Stage2Result carries everything Stage 2 produced: the per-round traces,
// the final aggregate, the label assignment, and each surviving model's
// current (possibly refined) content for Stage 3.
type Stage2Result struct {
	Rounds        []store.Round
	Standings     []store.Standing
	LabelMapping  map[string]string
	FinalContents map[string]string
}

// Stage2 runs up to R rounds of anonymized peer ranking, with refinement
// sub-rounds when the quality gate trips. The label assignment is computed
// once and shared by every round of the request.
func (r *Runner) Stage2(ctx context.Context, requestID string, mux *Mux, query string, drafts []store.Draft) (*Stage2Result, error) {
	started := time.Now()

	contents := make(map[string]string)
	var rankers []string
	for _, d := range drafts {
		if d.Failed {
			continue
		}
		rankers = append(rankers, d.Model)
		contents[d.Model] = d.Content
	}

	anon := NewAnonymizer(rankers, anonymizerSeed(requestID))

	maxRounds := r.cfg.Deliberation.Rounds
	result := &Stage2Result{LabelMapping: anon.Mapping()}

	for roundNum := 1; roundNum <= maxRounds; roundNum++ {
		mux.Emit(Event{Type: EventStage2RoundStart, Stage: 2, Round: roundNum, Data: map[string]any{
			"round":      roundNum,
			"max_rounds": maxRounds,
		}})

		round, err := r.rankingRound(ctx, requestID, mux, query, roundNum, rankers, contents, anon)
		if err != nil {
			return result, err
		}

		var parsed []ParsedRanking
		for _, ranking := range round.Rankings {
			parsed = append(parsed, ParsedRanking{
				Items:       ranking.Parsed,
				Unparseable: ranking.Unparseable,
			})
		}
		result.Standings = Aggregate(parsed, anon)

		refine := r.shouldRefine(roundNum, maxRounds, result.Standings)
		if refine {
			refinements, err := r.refinementRound(ctx, requestID, mux, query, roundNum, rankers, contents, anon, round.Rankings)
			if err != nil {
				return result, err
			}
			round.Refinements = refinements
			for _, ref := range refinements {
				contents[ref.Model] = ref.Content
			}
		}

		result.Rounds = append(result.Rounds, round)
		mux.Emit(Event{Type: EventStage2RoundComplete, Stage: 2, Round: roundNum, Data: map[string]any{
			"refinement_triggered": refine,
			"aggregate":            result.Standings,
		}})

		if !refine {
			// Early stop: remaining rounds would re-rank unchanged content.
			break
		}
	}

	result.FinalContents = contents
	metrics.ObserveStageDuration("stage2", time.Since(started).Seconds())
	mux.Emit(Event{Type: EventStage2Complete, Stage: 2, Data: map[string]any{
		"rounds":    len(result.Rounds),
		"aggregate": result.Standings,
	}})
	return result, nil
}

// Stage3 sends the de-anonymized deliberation to the chairman and streams
// the synthesis. Errors here are fatal for the request.
func (r *Runner) Stage3(ctx context.Context, requestID string, mux *Mux, query string, drafts []store.Draft, s2 *Stage2Result) (*store.Synthesis, error) {
	started := time.Now()
	chairman := r.cfg.Models.Chairman.ID
	mux.Emit(Event{Type: EventStage3Start, Stage: 3, Model: chairman, Data: nil})

	messages := []model.Message{
		{Role: model.RoleUser, Content: synthesisPrompt(query, finalDrafts(drafts, s2), s2.Standings)},
	}
	content, thinking, usage, err := r.streamCall(ctx, requestID, chairman, messages,
		mux, EventStage3Token, 3, 0, r.synthesisTimeout())
	if err != nil {
		return nil, fmt.Errorf("synthesis failed: %w", err)
	}

	metrics.ObserveStageDuration("stage3", time.Since(started).Seconds())
	mux.Emit(Event{Type: EventStage3Complete, Stage: 3, Model: chairman, Data: map[string]any{
		"usage": usage,
	}})
	return &store.Synthesis{Model: chairman, Content: content, Thinking: thinking, Usage: usage}, nil
}

// rankingRound issues one concurrent ranking request per ranker and joins
// the parsed results. At least two rankings must parse.
func (r *Runner) rankingRound(ctx context.Context, requestID string, mux *Mux, query string, roundNum int, rankers []string, contents map[string]string, anon *Anonymizer) (store.Round, error) {
	round := store.Round{Number: roundNum}
	rankings := make([]store.Ranking, len(rankers))

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range rankers {
		g.Go(func() error {
			view := anon.ViewFor(id, contents)
			expected := make([]string, 0, len(view))
			for _, v := range view {
				expected = append(expected, v.Label)
			}

			messages := []model.Message{
				{Role: model.RoleUser, Content: rankingPrompt(query, view)},
			}
			callID := fmt.Sprintf("%s/r%d", requestID, roundNum)
			raw, thinking, usage, err := r.streamCall(gctx, callID, id, messages,
				mux, EventStage2Token, 2, roundNum, r.stageTimeout())

			ranking := store.Ranking{Model: id, Raw: raw, Thinking: thinking, Usage: usage}
			if err != nil {
				ranking.Unparseable = true
				ranking.Warning = string(model.KindOf(err))
				slog.Warn("Ranker failed", "model", id, "round", roundNum, "kind", model.KindOf(err))
			} else {
				parsed := ParseRanking(raw, expected)
				ranking.Parsed = parsed.Items
				ranking.Unparseable = parsed.Unparseable
				if len(parsed.Warnings) > 0 {
					ranking.Warning = parsed.Warnings[0]
				}
			}
			rankings[i] = ranking
			mux.Emit(Event{Type: EventStage2ModelComplete, Stage: 2, Model: id, Round: roundNum, Data: map[string]any{
				"usage":       usage,
				"unparseable": ranking.Unparseable,
			}})
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return round, err
	}

	parseable := 0
	for _, ranking := range rankings {
		if !ranking.Unparseable {
			parseable++
		}
	}
	if parseable < minQuorum {
		return round, ErrInsufficientRankers
	}

	round.Rankings = rankings
	return round, nil
}

// refinementRound asks each ranker to improve its draft given the peer
// feedback directed at it.
func (r *Runner) refinementRound(ctx context.Context, requestID string, mux *Mux, query string, roundNum int, rankers []string, contents map[string]string, anon *Anonymizer, rankings []store.Ranking) ([]store.Refinement, error) {
	mux.Emit(Event{Type: EventStage2RefinementStart, Stage: 2, Round: roundNum, Data: nil})

	var mu sync.Mutex
	var refinements []store.Refinement

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range rankers {
		g.Go(func() error {
			label, ok := anon.LabelFor(id)
			if !ok {
				return nil
			}
			feedback := feedbackFor(label, rankings)
			messages := []model.Message{
				{Role: model.RoleUser, Content: refinementPrompt(query, contents[id], feedback)},
			}
			callID := fmt.Sprintf("%s/r%d/refine", requestID, roundNum)
			content, _, usage, err := r.streamCall(gctx, callID, id, messages,
				mux, EventStage2RefinementToken, 2, roundNum, r.stageTimeout())
			if err != nil {
				// Keep the previous content for models that fail to refine.
				slog.Warn("Refinement failed", "model", id, "round", roundNum, "kind", model.KindOf(err))
				return nil
			}
			mu.Lock()
			refinements = append(refinements, store.Refinement{Model: id, Content: content, Usage: usage})
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return refinements, nil
}

// streamCall runs one streaming completion, forwarding deltas as events
// and timing them through the tracker.
func (r *Runner) streamCall(ctx context.Context, requestID, modelID string, messages []model.Message, mux *Mux, tokenEvent EventType, stage, roundNum int, timeout time.Duration) (content, thinking string, usage metrics.Usage, err error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r.tracker.Start(requestID, modelID)
	defer r.tracker.Finish(requestID, modelID)

	chunks, err := r.client.CompleteStream(callCtx, modelID, messages, model.Options{})
	if err != nil {
		return "", "", r.tracker.Report(requestID, modelID), err
	}

	var contentBuf, thinkingBuf []byte
	for chunk := range chunks {
		switch chunk.Kind {
		case model.ChunkThinkingDelta:
			r.tracker.ThinkingDelta(requestID, modelID)
			thinkingBuf = append(thinkingBuf, chunk.Delta...)
			mux.Emit(Event{Type: tokenEvent, Stage: stage, Model: modelID, Round: roundNum, Data: map[string]any{
				"thinking": chunk.Delta,
			}})
		case model.ChunkContentDelta:
			r.tracker.ContentDelta(requestID, modelID, chunk.Delta)
			contentBuf = append(contentBuf, chunk.Delta...)
			mux.Emit(Event{Type: tokenEvent, Stage: stage, Model: modelID, Round: roundNum, Data: map[string]any{
				"delta":             chunk.Delta,
				"tokens_per_second": r.tracker.Report(requestID, modelID).TokensPerSecond,
			}})
		case model.ChunkError:
			return string(contentBuf), string(thinkingBuf), r.tracker.Report(requestID, modelID), chunk.Err
		case model.ChunkDone:
			if chunk.Truncated {
				slog.Warn("Stream ended without DONE frame", "model", modelID)
			}
		}
	}

	r.tracker.Finish(requestID, modelID)
	return string(contentBuf), string(thinkingBuf), r.tracker.Report(requestID, modelID), nil
}

func (r *Runner) shouldRefine(roundNum, maxRounds int, standings []store.Standing) bool {
	if roundNum >= maxRounds || !r.cfg.Deliberation.EnableCrossReview {
		return false
	}
	min, ok := minMeanScore(standings)
	return ok && min < r.cfg.Deliberation.QualityThreshold
}

func (r *Runner) stageTimeout() time.Duration {
	return time.Duration(r.cfg.Deliberation.StageTimeoutSeconds) * time.Second
}

func (r *Runner) synthesisTimeout() time.Duration {
	return time.Duration(r.cfg.Deliberation.SynthesisTimeoutSeconds) * time.Second
}

// finalDrafts returns the surviving drafts with refined content
// substituted, for the synthesis prompt.
func finalDrafts(drafts []store.Draft, s2 *Stage2Result) []store.Draft {
	out := make([]store.Draft, 0, len(drafts))
	for _, d := range drafts {
		if d.Failed {
			continue
		}
		if refined, ok := s2.FinalContents[d.Model]; ok {
			d.Content = refined
		}
		out = append(out, d)
	}
	return out
}

func countSucceeded(drafts []store.Draft) int {
	n := 0
	for _, d := range drafts {
		if !d.Failed {
			n++
		}
	}
	return n
}

// anonymizerSeed derives a stable per-request shuffle seed.
func anonymizerSeed(requestID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(requestID))
	return int64(h.Sum64())
}
