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
	"errors"
	"fmt"
	"strings"

	"github.com/AlienKevin/llamadyn/lib/grammar"
	"github.com/AlienKevin/llamadyn/lib/tokenizer"
	"github.com/AlienKevin/llamadyn/lib/transforms"
)

// ErrRange reports invalid skip or window bounds. It signals a caller bug
// and is the only fatal error in the package.
var ErrRange = errors.New("sampling: range out of bounds")

// Context is the mutable per-session sampling state: the fixed recent-token
// ring, the full session history, the prelude offset, the owned grammar
// automaton and the mirostat accumulator.
type Context struct {
	params Params

	recent     []int // fixed capacity ring, zero-filled at start
	history    []int // append-only full session log
	preludeLen int

	grammarSrc string
	machine    *grammar.Machine

	scratch    []transforms.Candidate
	mirostatMu float32
}

// NewContext creates the session state. If params carries static grammar
// text it is compiled here; a compile failure is returned but leaves the
// context usable with the grammar inactive.
func NewContext(params Params) (*Context, error) {
	if params.NPrev <= 0 {
		params.NPrev = DefaultParams().NPrev
	}
	c := &Context{
		params: params,
		recent: make([]int, params.NPrev),
	}
	if params.Grammar == "" {
		return c, nil
	}
	if err := c.InitGrammar(params.Grammar); err != nil {
		return c, err
	}
	return c, nil
}

// Params returns the session's immutable parameters.
func (c *Context) Params() Params { return c.params }

// Append pushes an accepted token onto the recent ring (evicting the oldest
// entry) and the full history.
func (c *Context) Append(id int) {
	copy(c.recent, c.recent[1:])
	c.recent[len(c.recent)-1] = id
	c.history = append(c.history, id)
}

// Last returns the most recently accepted token.
func (c *Context) Last() int {
	return c.recent[len(c.recent)-1]
}

// HistoryLen returns the number of tokens accepted this session.
func (c *Context) HistoryLen() int { return len(c.history) }

// Recent returns the last n entries of the ring, n clamped to the ring
// length.
func (c *Context) Recent(n int) []int {
	if n > len(c.recent) {
		n = len(c.recent)
	}
	return c.recent[len(c.recent)-n:]
}

// RecentText reconstructs the text of the last n ring entries.
func (c *Context) RecentText(dec tokenizer.TokenDecoder, n int) string {
	var b strings.Builder
	for _, id := range c.Recent(n) {
		b.WriteString(dec.Decode(id))
	}
	return b.String()
}

// HistoryText reconstructs the text of history[startSkip : len-endSkip].
func (c *Context) HistoryText(dec tokenizer.TokenDecoder, startSkip, endSkip int) (string, error) {
	if startSkip < 0 || endSkip < 0 || startSkip+endSkip > len(c.history) {
		return "", fmt.Errorf("%w: skip %d+%d over history of %d", ErrRange, startSkip, endSkip, len(c.history))
	}
	var b strings.Builder
	for _, id := range c.history[startSkip : len(c.history)-endSkip] {
		b.WriteString(dec.Decode(id))
	}
	return b.String(), nil
}

// SetPreludeLen marks the first n history tokens as prompt prelude, excluded
// from generated-so-far reconstruction.
func (c *Context) SetPreludeLen(n int) error {
	if n < 0 || n > len(c.history) {
		return fmt.Errorf("%w: prelude %d over history of %d", ErrRange, n, len(c.history))
	}
	c.preludeLen = n
	return nil
}

// PreludeLen returns the current prelude length.
func (c *Context) PreludeLen() int { return c.preludeLen }

// GeneratedText reconstructs the generated-so-far text: full history minus
// the prelude, minus endSkip trailing tokens.
func (c *Context) GeneratedText(dec tokenizer.TokenDecoder, endSkip int) (string, error) {
	return c.HistoryText(dec, c.preludeLen, endSkip)
}

// InitGrammar compiles text and installs a fresh automaton, destroying any
// previous one first. On failure the previous automaton is kept and the
// returned error says why the replacement was rejected.
func (c *Context) InitGrammar(text string) error {
	g, err := grammar.Compile(text)
	if err != nil {
		return err
	}
	m, err := grammar.NewMachine(g)
	if err != nil {
		return err
	}
	if c.machine != nil {
		c.machine.Close()
	}
	c.machine = m
	c.grammarSrc = text
	return nil
}

// GrammarActive reports whether an automaton is installed.
func (c *Context) GrammarActive() bool { return c.machine != nil }

// FilterCandidates masks candidates that are not legal grammar
// continuations. No-op when the grammar is inactive.
func (c *Context) FilterCandidates(cands []transforms.Candidate, dec tokenizer.TokenDecoder) {
	if c.machine == nil {
		return
	}
	c.machine.Filter(cands, dec.Decode, dec.IsEOG)
}

// AcceptToken advances the automaton past an accepted token. No-op when the
// grammar is inactive.
func (c *Context) AcceptToken(dec tokenizer.TokenDecoder, id int) {
	if c.machine == nil {
		return
	}
	if dec.IsEOG(id) {
		return
	}
	c.machine.AcceptString(dec.Decode(id))
}

// Reset clears history and the prelude, zeroes the mirostat accumulator,
// and reinitializes the grammar from its retained source text with a fresh
// stack. Unlike CopyTo, no in-progress automaton position survives.
func (c *Context) Reset() error {
	for i := range c.recent {
		c.recent[i] = 0
	}
	c.history = c.history[:0]
	c.preludeLen = 0
	c.mirostatMu = 0
	c.scratch = c.scratch[:0]

	if c.machine != nil {
		c.machine.Close()
		c.machine = nil
	}
	if c.grammarSrc != "" {
		return c.InitGrammar(c.grammarSrc)
	}
	return nil
}

// CopyTo deep-copies the session state into dst: history, prelude, mirostat
// accumulator and the automaton's current position, so dst can continue
// acceptance independently.
func (c *Context) CopyTo(dst *Context) {
	if dst.machine != nil {
		dst.machine.Close()
		dst.machine = nil
	}
	if c.machine != nil {
		dst.machine = c.machine.Clone()
	}
	dst.grammarSrc = c.grammarSrc

	dst.recent = append(dst.recent[:0], c.recent...)
	dst.history = append(dst.history[:0], c.history...)
	dst.preludeLen = c.preludeLen
	dst.mirostatMu = c.mirostatMu
}

// Close releases the owned automaton. The context must not be used after.
func (c *Context) Close() {
	if c.machine != nil {
		c.machine.Close()
		c.machine = nil
	}
}
