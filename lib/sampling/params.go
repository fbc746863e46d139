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

// Package sampling implements the token-selection stage of an
// autoregressive generation loop: rolling and full generation history,
// repetition penalties, an ordered pipeline of distribution transforms,
// grammar-constrained decoding with optional mid-generation grammar
// replacement, and heuristic stop conditions.
package sampling

import (
	"fmt"
	"strings"
)

// Transform codes accepted in Params.Order. Unknown codes are ignored.
const (
	CodeTopK        = 'k'
	CodeTailFree    = 'f'
	CodeTypical     = 'y'
	CodeTopP        = 'p'
	CodeMinP        = 'm'
	CodeTemperature = 't'
)

// Params configures a sampling session. It is immutable once the session is
// created.
type Params struct {
	// NPrev is the capacity of the recent-token ring used for penalties.
	NPrev int
	// NProbs drives the pipeline's min-keep floor (max(1, NProbs)).
	NProbs int

	Temperature float32
	TopK        int
	TopP        float32
	MinP        float32
	TailFreeZ   float32
	TypicalP    float32

	// PenaltyLastN is how many trailing tokens the penalties consider;
	// negative means the full ring capacity.
	PenaltyLastN    int
	PenaltyRepeat   float32
	PenaltyFreq     float32
	PenaltyPresent  float32
	PenalizeNewline bool

	// Mirostat selects adaptive sampling: 0 off, 1 v1, 2 v2.
	Mirostat    int
	MirostatTau float32
	MirostatEta float32

	// Order is the sequence of single-character transform codes defining
	// pipeline order.
	Order string

	// LogitBias is added to the raw score of each listed token id.
	LogitBias map[int]float32

	// Grammar is static GBNF text compiled at session start; empty means
	// unconstrained.
	Grammar string
	// DynamicGrammar names the grammar for the external refresh service;
	// empty disables per-step refresh.
	DynamicGrammar string

	// CFGScale is the classifier-free guidance strength; 1 is a no-op.
	CFGScale float32

	Seed uint64

	Stop StopPolicy
}

// DefaultParams returns the engine defaults.
func DefaultParams() Params {
	return Params{
		NPrev:           64,
		NProbs:          0,
		Temperature:     0.80,
		TopK:            40,
		TopP:            0.95,
		MinP:            0.05,
		TailFreeZ:       1.00,
		TypicalP:        1.00,
		PenaltyLastN:    64,
		PenaltyRepeat:   1.10,
		PenaltyFreq:     0.00,
		PenaltyPresent:  0.00,
		PenalizeNewline: true,
		Mirostat:        0,
		MirostatTau:     5.00,
		MirostatEta:     0.10,
		Order:           "kfypmt",
		CFGScale:        1.0,
		Stop:            DefaultStopPolicy(),
	}
}

// Describe renders the numeric parameters in a compact human-readable form.
func (p Params) Describe() string {
	return fmt.Sprintf(
		"\trepeat_last_n = %d, repeat_penalty = %.3f, frequency_penalty = %.3f, presence_penalty = %.3f\n"+
			"\ttop_k = %d, tfs_z = %.3f, top_p = %.3f, min_p = %.3f, typical_p = %.3f, temp = %.3f\n"+
			"\tmirostat = %d, mirostat_lr = %.3f, mirostat_ent = %.3f",
		p.PenaltyLastN, p.PenaltyRepeat, p.PenaltyFreq, p.PenaltyPresent,
		p.TopK, p.TailFreeZ, p.TopP, p.MinP, p.TypicalP, p.Temperature,
		p.Mirostat, p.MirostatEta, p.MirostatTau)
}

// OrderDescription renders the effective transform order.
func (p Params) OrderDescription() string {
	var b strings.Builder
	b.WriteString("CFG -> Penalties ")
	if p.Mirostat != 0 {
		b.WriteString("-> mirostat ")
		return b.String()
	}
	for _, c := range p.Order {
		switch c {
		case CodeTopK:
			b.WriteString("-> top_k ")
		case CodeTailFree:
			b.WriteString("-> tfs_z ")
		case CodeTypical:
			b.WriteString("-> typical_p ")
		case CodeTopP:
			b.WriteString("-> top_p ")
		case CodeMinP:
			b.WriteString("-> min_p ")
		case CodeTemperature:
			b.WriteString("-> temp ")
		}
	}
	return b.String()
}
