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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlienKevin/llamadyn/lib/tokenizer"
	"github.com/AlienKevin/llamadyn/lib/transforms"
)

func testDecoder() tokenizer.TokenDecoder {
	return tokenizer.NewStaticDecoder([]string{"a", "b", "c", "\n", ""}, 4)
}

func TestRingStaysFixedSize(t *testing.T) {
	params := DefaultParams()
	params.NPrev = 4
	c, err := NewContext(params)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		c.Append(i)
	}

	assert.Equal(t, 10, c.HistoryLen())
	assert.Equal(t, 9, c.Last())
	assert.Equal(t, []int{6, 7, 8, 9}, c.Recent(4))
	// n larger than the ring clamps.
	assert.Equal(t, []int{6, 7, 8, 9}, c.Recent(100))
}

func TestHistoryTextBounds(t *testing.T) {
	c, err := NewContext(DefaultParams())
	require.NoError(t, err)
	dec := testDecoder()

	c.Append(0)
	c.Append(1)
	c.Append(2)

	text, err := c.HistoryText(dec, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "abc", text)

	text, err = c.HistoryText(dec, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, "b", text)

	_, err = c.HistoryText(dec, 2, 2)
	assert.ErrorIs(t, err, ErrRange)
	_, err = c.HistoryText(dec, -1, 0)
	assert.ErrorIs(t, err, ErrRange)
}

func TestPreludeExcludedFromGeneratedText(t *testing.T) {
	c, err := NewContext(DefaultParams())
	require.NoError(t, err)
	dec := testDecoder()

	c.Append(0)
	c.Append(1)
	require.NoError(t, c.SetPreludeLen(2))

	c.Append(2)
	c.Append(3)

	text, err := c.GeneratedText(dec, 0)
	require.NoError(t, err)
	assert.Equal(t, "c\n", text)

	text, err = c.GeneratedText(dec, 1)
	require.NoError(t, err)
	assert.Equal(t, "c", text)

	assert.Error(t, c.SetPreludeLen(100))
}

func TestGrammarLifecycle(t *testing.T) {
	params := DefaultParams()
	params.Grammar = `root ::= "b"+`
	c, err := NewContext(params)
	require.NoError(t, err)
	defer c.Close()

	require.True(t, c.GrammarActive())

	dec := testDecoder()
	cands := []transforms.Candidate{
		{ID: 0, Logit: 1},
		{ID: 1, Logit: 1},
	}
	c.FilterCandidates(cands, dec)
	assert.True(t, cands[0].Logit < 0)      // "a" masked
	assert.Equal(t, float32(1), cands[1].Logit) // "b" legal

	// A bad replacement keeps the old automaton.
	err = c.InitGrammar("root ::=")
	assert.Error(t, err)
	assert.True(t, c.GrammarActive())
}

func TestInitGrammarRejectsBadText(t *testing.T) {
	params := DefaultParams()
	params.Grammar = "not a grammar :::"
	c, err := NewContext(params)
	require.Error(t, err)
	// The context stays usable, unconstrained.
	require.NotNil(t, c)
	assert.False(t, c.GrammarActive())
}

func TestResetReinitializesGrammar(t *testing.T) {
	params := DefaultParams()
	params.Grammar = `root ::= "ab"`
	c, err := NewContext(params)
	require.NoError(t, err)
	defer c.Close()

	dec := testDecoder()
	c.Append(0)
	c.AcceptToken(dec, 0)
	require.NoError(t, c.SetPreludeLen(1))

	require.NoError(t, c.Reset())

	assert.Equal(t, 0, c.HistoryLen())
	assert.Equal(t, 0, c.PreludeLen())
	assert.True(t, c.GrammarActive())

	// The automaton is back at the start: "a" is legal again.
	cands := []transforms.Candidate{{ID: 0, Logit: 1}, {ID: 1, Logit: 1}}
	c.FilterCandidates(cands, dec)
	assert.Equal(t, float32(1), cands[0].Logit)
	assert.True(t, cands[1].Logit < 0)
}

func TestCopyToIsDeep(t *testing.T) {
	params := DefaultParams()
	params.Grammar = `root ::= "ab"`
	src, err := NewContext(params)
	require.NoError(t, err)
	defer src.Close()

	dec := testDecoder()
	src.Append(0)
	src.AcceptToken(dec, 0)
	src.mirostatMu = 7

	dst, err := NewContext(params)
	require.NoError(t, err)
	defer dst.Close()
	src.CopyTo(dst)

	assert.Equal(t, 1, dst.HistoryLen())
	assert.Equal(t, float32(7), dst.mirostatMu)

	// Diverge the source; the copy must not follow.
	src.Append(1)
	src.AcceptToken(dec, 1)
	assert.Equal(t, 1, dst.HistoryLen())

	// The copied automaton holds the mid-word position: "b" completes it.
	cands := []transforms.Candidate{{ID: 0, Logit: 1}, {ID: 1, Logit: 1}}
	dst.FilterCandidates(cands, dec)
	assert.True(t, cands[0].Logit < 0)
	assert.Equal(t, float32(1), cands[1].Logit)
}
