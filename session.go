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

// Package llamadyn is the session-level facade over the sampling engine:
// named generation sessions with metrics, snapshots, forking and a TTL
// registry, plus health endpoints for serving deployments.
package llamadyn

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/AlienKevin/llamadyn/lib/sampling"
	"github.com/AlienKevin/llamadyn/lib/tokenizer"
)

// Session is one named generation in progress. It wraps the sampler with
// prompt management, metrics recording and JSON snapshots.
type Session struct {
	id      string
	sampler *sampling.Sampler
	dec     tokenizer.TokenDecoder
	grammar bool
	created time.Time
	logger  *zap.Logger
}

// NewSession builds a session over fresh sampling state.
func NewSession(id string, params sampling.Params, scores sampling.ScoreSource, dec tokenizer.TokenDecoder, logger *zap.Logger, opts ...sampling.Option) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = append(opts, sampling.WithLogger(logger.Named(id)))

	sampler, err := sampling.NewSampler(params, scores, dec, opts...)
	if err != nil {
		return nil, err
	}
	return &Session{
		id:      id,
		sampler: sampler,
		dec:     dec,
		grammar: params.Grammar != "" || params.DynamicGrammar != "",
		created: time.Now(),
		logger:  logger.Named(id),
	}, nil
}

// ID returns the session name.
func (s *Session) ID() string { return s.id }

// Prime feeds the prompt tokens and marks them as the prelude, excluded from
// generated-text reconstruction and the stop heuristics.
func (s *Session) Prime(tokens []int) error {
	for _, id := range tokens {
		s.sampler.Accept(id, false)
	}
	return s.sampler.Context().SetPreludeLen(s.sampler.Context().HistoryLen())
}

// Step samples one token at position idx, recording step latency and
// outcome metrics.
func (s *Session) Step(ctx context.Context, idx int) (sampling.StepOutcome, error) {
	start := time.Now()
	out, err := s.sampler.Sample(ctx, idx)
	RecordStepDuration(time.Since(start).Seconds())
	if err != nil {
		return out, err
	}

	if out.Stopped {
		RecordSessionStop(out.Reason.String())
		s.logger.Info("session stopped",
			zap.String("reason", out.Reason.String()),
			zap.Int("generated_tokens", s.GeneratedTokens()))
	} else {
		RecordTokenSampled()
	}
	return out, nil
}

// Accept records a sampled token into the session history, advancing the
// grammar automaton when one is configured.
func (s *Session) Accept(id int) {
	s.sampler.Accept(id, s.grammar)
}

// Generated returns the generated-so-far text, prelude excluded.
func (s *Session) Generated() (string, error) {
	return s.sampler.Context().GeneratedText(s.dec, 0)
}

// GeneratedTokens returns how many tokens have been generated past the
// prelude.
func (s *Session) GeneratedTokens() int {
	return s.sampler.Context().HistoryLen() - s.sampler.Context().PreludeLen()
}

// Fork returns an independent session continuing from this one's state,
// drawing from its own RNG stream.
func (s *Session) Fork(id string, seed uint64) (*Session, error) {
	sampler, err := s.sampler.Fork(seed)
	if err != nil {
		return nil, err
	}
	return &Session{
		id:      id,
		sampler: sampler,
		dec:     s.dec,
		grammar: s.grammar,
		created: time.Now(),
		logger:  s.logger.Named(id),
	}, nil
}

// Reset clears the session for reuse, keeping its parameters.
func (s *Session) Reset() error {
	return s.sampler.Reset()
}

// Snapshot is the JSON-serializable view of a session.
type Snapshot struct {
	ID              string    `json:"id"`
	Created         time.Time `json:"created"`
	HistoryTokens   int       `json:"history_tokens"`
	PreludeTokens   int       `json:"prelude_tokens"`
	GeneratedTokens int       `json:"generated_tokens"`
	GrammarActive   bool      `json:"grammar_active"`
	Generated       string    `json:"generated,omitempty"`
}

// Snapshot captures the session state for inspection endpoints.
func (s *Session) Snapshot(includeText bool) Snapshot {
	sctx := s.sampler.Context()
	snap := Snapshot{
		ID:              s.id,
		Created:         s.created,
		HistoryTokens:   sctx.HistoryLen(),
		PreludeTokens:   sctx.PreludeLen(),
		GeneratedTokens: s.GeneratedTokens(),
		GrammarActive:   sctx.GrammarActive(),
	}
	if includeText {
		if text, err := s.Generated(); err == nil {
			snap.Generated = text
		}
	}
	return snap
}

// MarshalSnapshot renders the snapshot as JSON.
func (s *Session) MarshalSnapshot(includeText bool) ([]byte, error) {
	return sonic.Marshal(s.Snapshot(includeText))
}

// Close releases the session's sampling state.
func (s *Session) Close() {
	s.sampler.Close()
}
