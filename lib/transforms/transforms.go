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

// Package transforms implements the numeric distribution transforms the
// sampling engine composes: top-k, top-p, min-p, tail-free, locally typical
// and temperature reshaping, plus the final categorical draw and the two
// mirostat procedures.
//
// All transforms operate on a candidate slice in place and return the
// (possibly shortened) slice. Filtering transforms never shrink the slice
// below minKeep.
package transforms

import (
	"container/heap"
	"errors"
	"math"
	"math/rand/v2"
	"slices"
)

// Candidate is one (token id, logit, probability) triple in the working
// candidate set.
type Candidate struct {
	ID    int
	Logit float32
	Prob  float32
}

// NewRNG returns a seeded PCG source for the categorical draw.
// The stream is derived from the sequence with a golden-ratio hash so two
// samplers seeded one apart are statistically independent.
func NewRNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9E3779B9))
}

// Softmax sorts the candidates by descending logit and fills Prob with the
// normalized distribution.
func Softmax(cands []Candidate) []Candidate {
	if len(cands) == 0 {
		return cands
	}

	slices.SortFunc(cands, func(a, b Candidate) int {
		switch {
		case a.Logit > b.Logit:
			return -1
		case a.Logit < b.Logit:
			return 1
		default:
			return 0
		}
	})

	maxLogit := cands[0].Logit
	var sum float32
	for i := range cands {
		cands[i].Prob = float32(math.Exp(float64(cands[i].Logit - maxLogit)))
		sum += cands[i].Prob
	}
	for i := range cands {
		cands[i].Prob /= sum
	}
	return cands
}

// Temperature divides every logit by temp. Values near zero are clipped to
// avoid numerical instability; greedy selection is handled by the caller
// before this transform runs.
func Temperature(cands []Candidate, temp float32) {
	temp = max(temp, 1e-7)
	for i := range cands {
		cands[i].Logit /= temp
	}
}

// candidateHeap is a min-heap by logit used to track the k largest
// candidates.
type candidateHeap []Candidate

func (h candidateHeap) Len() int           { return len(h) }
func (h candidateHeap) Less(i, j int) bool { return h[i].Logit < h[j].Logit }
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *candidateHeap) Push(x any) {
	*h = append(*h, x.(Candidate))
}

func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// TopK keeps the k candidates with the highest logits, sorted in descending
// order. k <= 0 disables the filter (the whole set is kept, sorted).
func TopK(cands []Candidate, k, minKeep int) []Candidate {
	if k > 0 && k < minKeep {
		k = minKeep
	}
	if k <= 0 || k >= len(cands) {
		slices.SortFunc(cands, func(a, b Candidate) int {
			switch {
			case a.Logit > b.Logit:
				return -1
			case a.Logit < b.Logit:
				return 1
			default:
				return 0
			}
		})
		return cands
	}

	h := make(candidateHeap, k)
	copy(h, cands[:k])
	heap.Init(&h)

	for i := k; i < len(cands); i++ {
		if cands[i].Logit > h[0].Logit {
			h[0] = cands[i]
			heap.Fix(&h, 0)
		}
	}

	// Drain the heap back into the candidate slice in descending order.
	for i := k - 1; i >= 0; i-- {
		cands[i] = heap.Pop(&h).(Candidate)
	}
	return cands[:k]
}

// TopP keeps the smallest prefix of candidates whose cumulative probability
// exceeds p (nucleus filtering). p >= 1 disables the filter.
func TopP(cands []Candidate, p float32, minKeep int) []Candidate {
	if p >= 1.0 || len(cands) == 0 {
		return cands
	}

	cands = Softmax(cands)

	var sum float32
	last := len(cands)
	for i := range cands {
		sum += cands[i].Prob
		if sum >= p && i+1 >= minKeep {
			last = i + 1
			break
		}
	}
	return cands[:last]
}

// MinP drops candidates whose probability is below p times the probability
// of the most likely candidate. p <= 0 disables the filter.
func MinP(cands []Candidate, p float32, minKeep int) []Candidate {
	if p <= 0 || len(cands) == 0 {
		return cands
	}

	cands = Softmax(cands)

	threshold := cands[0].Prob * p
	last := len(cands)
	for i := range cands {
		if cands[i].Prob < threshold && i >= minKeep {
			last = i
			break
		}
	}
	return cands[:last]
}

// TailFree filters the distribution tail by the normalized magnitude of the
// second derivative of the sorted probabilities, keeping the head whose
// cumulative weight stays within z. z >= 1 disables the filter.
func TailFree(cands []Candidate, z float32, minKeep int) []Candidate {
	if z >= 1.0 || len(cands) <= 2 {
		return cands
	}

	cands = Softmax(cands)

	first := make([]float32, len(cands)-1)
	for i := range first {
		first[i] = cands[i].Prob - cands[i+1].Prob
	}
	second := make([]float32, len(first)-1)
	var sum float32
	for i := range second {
		second[i] = float32(math.Abs(float64(first[i] - first[i+1])))
		sum += second[i]
	}
	if sum > 0 {
		for i := range second {
			second[i] /= sum
		}
	} else {
		// Degenerate flat distribution: every weight is equal.
		for i := range second {
			second[i] = 1.0 / float32(len(second))
		}
	}

	var cum float32
	last := len(cands)
	for i := range second {
		cum += second[i]
		if cum > z && i+1 >= minKeep {
			last = i + 1
			break
		}
	}
	return cands[:last]
}

// Typical keeps the locally typical candidates: those whose surprisal is
// closest to the entropy of the whole distribution, up to cumulative
// probability p. p >= 1 disables the filter.
func Typical(cands []Candidate, p float32, minKeep int) []Candidate {
	if p >= 1.0 || len(cands) == 0 {
		return cands
	}

	cands = Softmax(cands)

	var entropy float64
	for i := range cands {
		if cands[i].Prob > 0 {
			entropy += -float64(cands[i].Prob) * math.Log(float64(cands[i].Prob))
		}
	}

	type shifted struct {
		idx   int
		score float64
	}
	scores := make([]shifted, len(cands))
	for i := range cands {
		surprisal := -math.Log(float64(cands[i].Prob) + 1e-10)
		scores[i] = shifted{idx: i, score: math.Abs(surprisal - entropy)}
	}
	slices.SortFunc(scores, func(a, b shifted) int {
		switch {
		case a.score < b.score:
			return -1
		case a.score > b.score:
			return 1
		default:
			return 0
		}
	})

	var cum float32
	kept := make([]Candidate, 0, len(cands))
	for i, s := range scores {
		cum += cands[s.idx].Prob
		kept = append(kept, cands[s.idx])
		if cum > p && i+1 >= minKeep {
			break
		}
	}
	copy(cands, kept)
	return cands[:len(kept)]
}

// Greedy returns the candidate with the highest logit.
func Greedy(cands []Candidate) Candidate {
	best := cands[0]
	for i := 1; i < len(cands); i++ {
		if cands[i].Logit > best.Logit {
			best = cands[i]
		}
	}
	return best
}

// Sample normalizes the candidates and draws one from the categorical
// distribution.
func Sample(rng *rand.Rand, cands []Candidate) (Candidate, error) {
	if len(cands) == 0 {
		return Candidate{}, errors.New("transforms: no candidates to sample")
	}

	cands = Softmax(cands)

	var sum float32
	cum := make([]float32, len(cands))
	for i := range cands {
		sum += cands[i].Prob
		cum[i] = sum
	}
	if math.IsNaN(float64(sum)) {
		return Candidate{}, errors.New("transforms: probabilities sum to NaN, check model output")
	}

	r := rng.Float32() * sum
	idx, _ := slices.BinarySearchFunc(cum, r, func(c, target float32) int {
		if c < target {
			return -1
		}
		return 1
	})
	if idx >= len(cands) {
		idx = len(cands) - 1
	}
	return cands[idx], nil
}

// ApplyGuidance blends the candidate logits toward the difference between
// the main and guidance distributions (classifier-free guidance). Both are
// compared in log-probability space; scale = 1 is a no-op.
func ApplyGuidance(cands []Candidate, guidance []float32, scale float32) {
	lseMain := logSumExpCandidates(cands)
	lseGuid := logSumExp(guidance)

	for i := range cands {
		l := float64(cands[i].Logit) - lseMain
		g := float64(guidance[cands[i].ID]) - lseGuid
		cands[i].Logit = float32(g + float64(scale)*(l-g))
	}
}

func logSumExpCandidates(cands []Candidate) float64 {
	maxLogit := float32(math.Inf(-1))
	for i := range cands {
		if cands[i].Logit > maxLogit {
			maxLogit = cands[i].Logit
		}
	}
	var sum float64
	for i := range cands {
		sum += math.Exp(float64(cands[i].Logit - maxLogit))
	}
	return float64(maxLogit) + math.Log(sum)
}

func logSumExp(logits []float32) float64 {
	maxLogit := float32(math.Inf(-1))
	for _, l := range logits {
		if l > maxLogit {
			maxLogit = l
		}
	}
	var sum float64
	for _, l := range logits {
		sum += math.Exp(float64(l - maxLogit))
	}
	return float64(maxLogit) + math.Log(sum)
}
