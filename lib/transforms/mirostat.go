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
	"math/rand/v2"
)

// MirostatM is the number of head candidates used to estimate the Zipf
// exponent in mirostat v1.
const MirostatM = 100

// Mirostat draws a token with the mirostat v1 procedure: estimate the Zipf
// exponent from the head of the distribution, derive a dynamic top-k from
// the current surprise target mu, draw, then move mu toward tau by the
// observed surprise error.
func Mirostat(rng *rand.Rand, cands []Candidate, tau, eta float32, m int, mu *float32) (Candidate, error) {
	cands = Softmax(cands)
	n := float64(len(cands))

	// Estimate s_hat from pairwise probability ratios of the first m
	// candidates (m-1 adjacent pairs).
	var sumTiBi, sumTiSq float64
	for i := 0; i < min(m-1, len(cands)-1); i++ {
		ti := math.Log(float64(i+2) / float64(i+1))
		bi := math.Log(float64(cands[i].Prob+1e-10) / float64(cands[i+1].Prob+1e-10))
		sumTiBi += ti * bi
		sumTiSq += ti * ti
	}
	sHat := sumTiBi / sumTiSq

	epsilonHat := sHat - 1
	k := math.Pow(epsilonHat*math.Pow(2, float64(*mu))/(1-math.Pow(n, -epsilonHat)), 1/sHat)
	if math.IsNaN(k) || k < 1 {
		k = 1
	}
	if k > n {
		k = n
	}

	cands = TopK(cands, int(k), 1)
	chosen, err := Sample(rng, cands)
	if err != nil {
		return Candidate{}, err
	}

	surprise := -float32(math.Log2(float64(chosen.Prob) + 1e-10))
	*mu -= eta * (surprise - tau)
	return chosen, nil
}

// MirostatV2 draws a token with the mirostat v2 procedure: truncate every
// candidate whose surprise exceeds mu, draw from the remainder, then move mu
// toward tau by the observed surprise error.
func MirostatV2(rng *rand.Rand, cands []Candidate, tau, eta float32, mu *float32) (Candidate, error) {
	cands = Softmax(cands)

	last := len(cands)
	for i := range cands {
		if -float32(math.Log2(float64(cands[i].Prob)+1e-10)) > *mu && i >= 1 {
			last = i
			break
		}
	}
	cands = cands[:last]

	chosen, err := Sample(rng, cands)
	if err != nil {
		return Candidate{}, err
	}

	surprise := -float32(math.Log2(float64(chosen.Prob) + 1e-10))
	*mu -= eta * (surprise - tau)
	return chosen, nil
}
