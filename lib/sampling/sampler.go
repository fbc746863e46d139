// Copyright 2026 The llamadyn Authors
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

package sampling

import (
	"context"
	"fmt"
	"math/rand/v2"

	"go.uber.org/zap"

	"github.com/AlienKevin/llamadyn/lib/refresh"
	"github.com/AlienKevin/llamadyn/lib/tokenizer"
	"github.com/AlienKevin/llamadyn/lib/transforms"
)

// ScoreSource provides per-position raw scores from the model.
type ScoreSource interface {
	// Scores returns the logits for sequence position idx. The slice is
	// not retained or mutated.
	Scores(idx int) []float32
	// VocabSize returns the number of token ids the model scores.
	VocabSize() int
}

// TranscriptLog records per-step session text and refresh-service output.
// *refresh.Transcript implements it.
type TranscriptLog interface {
	Append(sessionText, serviceOutput string) error
}

// StopReason says which heuristic ended a session.
type StopReason int

const (
	StopNone StopReason = iota
	// StopSentinel fired: the trailing tokens ended with the configured
	// sentinel marker.
	StopSentinel
	// StopRepetition fired: the generated text ends in degenerate
	// repetition.
	StopRepetition
)

func (r StopReason) String() string {
	switch r {
	case StopSentinel:
		return "sentinel"
	case StopRepetition:
		return "repetition"
	default:
		return "none"
	}
}

// StepOutcome is the result of one sampling step: either a selected token,
// or a stop decision the caller acts on.
type StepOutcome struct {
	Token   int
	Stopped bool
	Reason  StopReason
}

// Sampler runs the per-step selection flow over a session Context: logit
// bias, guidance, penalties, stop heuristics, grammar constraint (with
// optional per-step refresh) and the configured selection rule.
type Sampler struct {
	sctx   *Context
	scores ScoreSource
	dec    tokenizer.TokenDecoder

	guidance   ScoreSource
	refresher  refresh.Refresher
	transcript TranscriptLog

	rng    *rand.Rand
	logger *zap.Logger
}

// Option configures optional Sampler collaborators.
type Option func(*Sampler)

// WithGuidance attaches a second score source whose logits steer the main
// distribution (classifier-free guidance).
func WithGuidance(g ScoreSource) Option {
	return func(s *Sampler) { s.guidance = g }
}

// WithRefresher attaches the grammar refresh service used when
// Params.DynamicGrammar is set.
func WithRefresher(r refresh.Refresher) Option {
	return func(s *Sampler) { s.refresher = r }
}

// WithTranscript attaches a per-step transcript log.
func WithTranscript(t TranscriptLog) Option {
	return func(s *Sampler) { s.transcript = t }
}

// WithLogger attaches a logger. Defaults to a nop logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sampler) { s.logger = l }
}

// NewSampler builds a sampler over fresh session state. A static grammar
// that fails to compile is logged and left inactive rather than failing the
// session.
func NewSampler(params Params, scores ScoreSource, dec tokenizer.TokenDecoder, opts ...Option) (*Sampler, error) {
	s := &Sampler{
		scores: scores,
		dec:    dec,
		rng:    transforms.NewRNG(params.Seed),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	sctx, err := NewContext(params)
	if err != nil {
		s.logger.Warn("static grammar rejected, sampling unconstrained",
			zap.Error(err))
	}
	s.sctx = sctx

	if params.DynamicGrammar != "" && s.refresher == nil {
		return nil, fmt.Errorf("sampling: dynamic grammar %q configured without a refresher", params.DynamicGrammar)
	}
	return s, nil
}

// Context exposes the session state for history and prelude management.
func (s *Sampler) Context() *Context { return s.sctx }

// Sample runs one selection step over the scores at position idx.
func (s *Sampler) Sample(ctx context.Context, idx int) (StepOutcome, error) {
	p := s.sctx.params
	n := s.scores.VocabSize()
	logits := s.scores.Scores(idx)

	cands := s.sctx.scratch
	if cap(cands) < n {
		cands = make([]transforms.Candidate, 0, n)
	}
	cands = cands[:0]
	for id := 0; id < n; id++ {
		logit := logits[id]
		if bias, ok := p.LogitBias[id]; ok {
			logit += bias
		}
		cands = append(cands, transforms.Candidate{ID: id, Logit: logit})
	}
	s.sctx.scratch = cands

	if s.guidance != nil {
		transforms.ApplyGuidance(cands, s.guidance.Scores(idx), p.CFGScale)
	}

	if s.sctx.HistoryLen() > 0 {
		s.penalize(cands)

		if outcome, stopped := s.checkStops(); stopped {
			return outcome, nil
		}
	}

	s.constrain(ctx, cands)

	id, err := s.selectToken(cands, p)
	if err != nil {
		return StepOutcome{}, err
	}
	return StepOutcome{Token: id}, nil
}

// penalize applies the repetition penalties over the recent-token window,
// preserving the newline logit when newline penalization is off. Runs while
// the candidate slice is still in token-id order.
func (s *Sampler) penalize(cands []transforms.Candidate) {
	p := s.sctx.params

	lastN := p.PenaltyLastN
	if lastN < 0 {
		lastN = p.NPrev
	}
	if lastN > s.sctx.HistoryLen() {
		lastN = s.sctx.HistoryLen()
	}

	nlID := s.dec.NewlineID()
	var nlLogit float32
	if nlID >= 0 && nlID < len(cands) {
		nlLogit = cands[nlID].Logit
	}

	applyPenalties(cands, s.sctx.Recent(lastN), p.PenaltyRepeat, p.PenaltyFreq, p.PenaltyPresent)

	if !p.PenalizeNewline && nlID >= 0 && nlID < len(cands) {
		cands[nlID].Logit = nlLogit
	}
}

// checkStops evaluates the sentinel and repetition heuristics over the
// session text.
func (s *Sampler) checkStops() (StepOutcome, bool) {
	sp := s.sctx.params.Stop

	window := sp.SentinelWindow
	if window > s.sctx.HistoryLen() {
		window = s.sctx.HistoryLen()
	}
	if sp.sentinelHit(s.sctx.RecentText(s.dec, window)) {
		s.logger.Info("stop: sentinel reached")
		return StepOutcome{Stopped: true, Reason: StopSentinel}, true
	}

	text, err := s.sctx.GeneratedText(s.dec, 0)
	if err == nil && sp.endsWithRepeatedSubstring(text) {
		s.logger.Info("stop: degenerate repetition",
			zap.Int("generated_tokens", s.sctx.HistoryLen()-s.sctx.PreludeLen()))
		return StepOutcome{Stopped: true, Reason: StopRepetition}, true
	}
	return StepOutcome{}, false
}

// constrain applies the grammar to the candidate set. With a dynamic grammar
// the automaton is first replaced from the refresh service; any service or
// parse failure degrades the step to unconstrained sampling.
func (s *Sampler) constrain(ctx context.Context, cands []transforms.Candidate) {
	p := s.sctx.params

	switch {
	case p.DynamicGrammar != "" && s.sctx.HistoryLen() > 0:
		if s.refreshGrammar(ctx) {
			s.sctx.FilterCandidates(cands, s.dec)
		}
	case s.sctx.GrammarActive():
		s.sctx.FilterCandidates(cands, s.dec)
	default:
		s.logStep("")
	}
}

// refreshGrammar fetches replacement grammar text for the current position
// and installs it. Returns whether a fresh automaton is in place.
func (s *Sampler) refreshGrammar(ctx context.Context) bool {
	preceding, err := s.sctx.GeneratedText(s.dec, 1)
	if err != nil {
		s.logger.Warn("grammar refresh skipped", zap.Error(err))
		return false
	}
	newTok := s.dec.Decode(s.sctx.Last())

	res, rerr := s.refresher.Refresh(ctx, refresh.Request{
		GrammarID:     s.sctx.params.DynamicGrammar,
		PrecedingText: preceding,
		NewTokenText:  newTok,
	})

	// The raw service output goes to the transcript even when the call
	// or the subsequent parse failed.
	s.logStep(res.RawOutput)

	if rerr != nil {
		s.logger.Warn("grammar refresh failed, sampling unconstrained this step",
			zap.Error(rerr))
		return false
	}
	if err := s.sctx.InitGrammar(res.GrammarText); err != nil {
		s.logger.Warn("refreshed grammar rejected, sampling unconstrained this step",
			zap.Error(err))
		return false
	}
	return true
}

// logStep appends the generated-so-far text and optional service output to
// the transcript. Transcript failures are warnings, never step failures.
func (s *Sampler) logStep(serviceOutput string) {
	if s.transcript == nil {
		return
	}
	text, err := s.sctx.GeneratedText(s.dec, 0)
	if err != nil {
		return
	}
	if err := s.transcript.Append(text, serviceOutput); err != nil {
		s.logger.Warn("transcript write failed", zap.Error(err))
	}
}

// selectToken runs the configured selection rule over the prepared
// candidates.
func (s *Sampler) selectToken(cands []transforms.Candidate, p Params) (int, error) {
	switch {
	case p.Temperature < 0:
		// Greedy, but with the probabilities filled in for callers that
		// inspect them.
		cands = transforms.Softmax(cands)
		return cands[0].ID, nil

	case p.Temperature == 0:
		return transforms.Greedy(cands).ID, nil

	case p.Mirostat == 1:
		transforms.Temperature(cands, p.Temperature)
		c, err := transforms.Mirostat(s.rng, cands, p.MirostatTau, p.MirostatEta, transforms.MirostatM, &s.sctx.mirostatMu)
		if err != nil {
			return 0, err
		}
		return c.ID, nil

	case p.Mirostat == 2:
		transforms.Temperature(cands, p.Temperature)
		c, err := transforms.MirostatV2(s.rng, cands, p.MirostatTau, p.MirostatEta, &s.sctx.mirostatMu)
		if err != nil {
			return 0, err
		}
		return c.ID, nil

	default:
		minKeep := max(1, p.NProbs)
		cands = applyPipeline(cands, p, s.scores.VocabSize(), minKeep)
		c, err := transforms.Sample(s.rng, cands)
		if err != nil {
			return 0, err
		}
		return c.ID, nil
	}
}

// Accept records a selected token: it joins the history and, when
// applyGrammar is set, advances the grammar automaton.
func (s *Sampler) Accept(id int, applyGrammar bool) {
	s.sctx.Append(id)
	if applyGrammar {
		s.sctx.AcceptToken(s.dec, id)
	}
}

// Reset clears the session for reuse.
func (s *Sampler) Reset() error {
	return s.sctx.Reset()
}

// Fork returns an independent sampler continuing from this session's state.
// The fork draws from its own RNG stream. The automaton position and the
// retained grammar source come from the copy; the static grammar text is
// never recompiled, so a sampler created with a rejected grammar stays
// forkable.
func (s *Sampler) Fork(seed uint64) (*Sampler, error) {
	dst := &Context{
		params: s.sctx.params,
		recent: make([]int, len(s.sctx.recent)),
	}
	s.sctx.CopyTo(dst)

	return &Sampler{
		sctx:       dst,
		scores:     s.scores,
		dec:        s.dec,
		guidance:   s.guidance,
		refresher:  s.refresher,
		transcript: s.transcript,
		rng:        transforms.NewRNG(seed),
		logger:     s.logger,
	}, nil
}

// Close releases the session state.
func (s *Sampler) Close() {
	s.sctx.Close()
}
