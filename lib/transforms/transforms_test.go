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

package transforms

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candidatesFromLogits(logits ...float32) []Candidate {
	cands := make([]Candidate, len(logits))
	for i, l := range logits {
		cands[i] = Candidate{ID: i, Logit: l}
	}
	return cands
}

func TestSoftmax(t *testing.T) {
	cands := candidatesFromLogits(1, 3, 2)
	cands = Softmax(cands)

	// Sorted descending by logit.
	assert.Equal(t, 1, cands[0].ID)
	assert.Equal(t, 2, cands[1].ID)
	assert.Equal(t, 0, cands[2].ID)

	var sum float32
	for _, c := range cands {
		sum += c.Prob
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
	assert.Greater(t, cands[0].Prob, cands[1].Prob)
}

func TestTemperature(t *testing.T) {
	cands := candidatesFromLogits(2, -2)
	Temperature(cands, 0.5)
	assert.InDelta(t, 4.0, cands[0].Logit, 1e-6)
	assert.InDelta(t, -4.0, cands[1].Logit, 1e-6)

	// Near-zero temperatures are clipped, not divided by zero.
	cands = candidatesFromLogits(1)
	Temperature(cands, 0)
	assert.False(t, math.IsInf(float64(cands[0].Logit), 1))
}

func TestTopK(t *testing.T) {
	cands := candidatesFromLogits(1, 2, 3, 4, 5)
	kept := TopK(cands, 2, 1)

	require.Len(t, kept, 2)
	assert.Equal(t, 4, kept[0].ID)
	assert.Equal(t, 3, kept[1].ID)

	// k <= 0 keeps everything, sorted.
	cands = candidatesFromLogits(1, 5, 3)
	kept = TopK(cands, 0, 1)
	require.Len(t, kept, 3)
	assert.Equal(t, 1, kept[0].ID)

	// minKeep lifts a too-small k.
	cands = candidatesFromLogits(1, 2, 3, 4)
	kept = TopK(cands, 1, 3)
	assert.Len(t, kept, 3)
}

func TestTopP(t *testing.T) {
	cands := candidatesFromLogits(
		float32(math.Log(0.5)),
		float32(math.Log(0.3)),
		float32(math.Log(0.2)),
	)
	kept := TopP(cands, 0.7, 1)
	require.Len(t, kept, 2)
	assert.Equal(t, 0, kept[0].ID)
	assert.Equal(t, 1, kept[1].ID)

	// p >= 1 is a no-op.
	cands = candidatesFromLogits(1, 2, 3)
	assert.Len(t, TopP(cands, 1.0, 1), 3)
}

func TestMinP(t *testing.T) {
	cands := candidatesFromLogits(4, 3, 0)
	kept := MinP(cands, 0.5, 1)
	require.Len(t, kept, 1)
	assert.Equal(t, 0, kept[0].ID)

	// minKeep floor holds even under an aggressive threshold.
	cands = candidatesFromLogits(4, 3, 0)
	kept = MinP(cands, 0.99, 2)
	assert.GreaterOrEqual(t, len(kept), 2)
}

func TestTailFreeAndTypicalDisabled(t *testing.T) {
	cands := candidatesFromLogits(1, 2, 3)
	assert.Len(t, TailFree(cands, 1.0, 1), 3)

	cands = candidatesFromLogits(1, 2, 3)
	assert.Len(t, Typical(cands, 1.0, 1), 3)
}

func TestTailFreeTruncatesTail(t *testing.T) {
	// One dominant candidate and a long flat tail.
	logits := make([]float32, 12)
	logits[0] = 8
	cands := candidatesFromLogits(logits...)

	kept := TailFree(cands, 0.5, 1)
	assert.Less(t, len(kept), 12)
	assert.Equal(t, 0, kept[0].ID)
}

func TestGreedy(t *testing.T) {
	cands := candidatesFromLogits(0.1, 5.0, 0.2)
	assert.Equal(t, 1, Greedy(cands).ID)
}

func TestSampleDeterministicForSeed(t *testing.T) {
	draw := func() int {
		rng := NewRNG(42)
		cands := candidatesFromLogits(1, 2, 3, 4)
		c, err := Sample(rng, cands)
		require.NoError(t, err)
		return c.ID
	}
	assert.Equal(t, draw(), draw())
}

func TestSampleDrawsFromCandidates(t *testing.T) {
	rng := NewRNG(7)
	for i := 0; i < 100; i++ {
		cands := candidatesFromLogits(1, 2)
		c, err := Sample(rng, cands)
		require.NoError(t, err)
		assert.Contains(t, []int{0, 1}, c.ID)
	}
}

func TestSampleEmpty(t *testing.T) {
	rng := NewRNG(1)
	_, err := Sample(rng, nil)
	assert.Error(t, err)
}

func TestApplyGuidanceNeutralScale(t *testing.T) {
	cands := candidatesFromLogits(3, 1, 2)
	guidance := []float32{0, 5, -1}

	ApplyGuidance(cands, guidance, 1.0)

	// scale = 1 reduces to the main distribution: ranking preserved.
	assert.Greater(t, cands[0].Logit, cands[2].Logit)
	assert.Greater(t, cands[2].Logit, cands[1].Logit)
}

func TestApplyGuidanceSteers(t *testing.T) {
	cands := candidatesFromLogits(1, 1)
	guidance := []float32{5, -5}

	// scale > 1 pushes away from the guidance distribution.
	ApplyGuidance(cands, guidance, 2.0)
	assert.Greater(t, cands[1].Logit, cands[0].Logit)
}

func TestMirostatUpdatesMu(t *testing.T) {
	rng := NewRNG(3)
	cands := candidatesFromLogits(4, 3, 2, 1, 0)
	mu := float32(10)

	c, err := Mirostat(rng, cands, 5.0, 0.1, MirostatM, &mu)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, c.ID, 0)
	assert.NotEqual(t, float32(10), mu)
}

func TestMirostatSinglePairHeadCollapsesK(t *testing.T) {
	// m=1 leaves no adjacent pairs for the s-hat estimate, the dynamic k
	// clamps to 1 and the top candidate always wins.
	for seed := uint64(1); seed <= 20; seed++ {
		rng := NewRNG(seed)
		cands := candidatesFromLogits(0.1, 0.0, -0.1)
		mu := float32(5)

		c, err := Mirostat(rng, cands, 5.0, 0.1, 1, &mu)
		require.NoError(t, err)
		assert.Equal(t, 0, c.ID, "seed %d", seed)
	}
}

func TestMirostatV2TruncatesAboveMu(t *testing.T) {
	rng := NewRNG(3)
	cands := candidatesFromLogits(10, 0, -10)
	mu := float32(0.5)

	// Only the dominant candidate has surprise below mu.
	c, err := MirostatV2(rng, cands, 5.0, 0.1, &mu)
	require.NoError(t, err)
	assert.Equal(t, 0, c.ID)
}
