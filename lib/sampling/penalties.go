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

import "github.com/AlienKevin/llamadyn/lib/transforms"

// applyPenalties lowers the scores of tokens present in lastTokens:
// the repeat penalty divides positive logits and multiplies negative ones
// (preserving ordering), the frequency penalty subtracts proportionally to
// the occurrence count, and the presence penalty subtracts once per distinct
// token.
func applyPenalties(cands []transforms.Candidate, lastTokens []int, repeat, freq, present float32) {
	if len(lastTokens) == 0 {
		return
	}
	if repeat == 1.0 && freq == 0 && present == 0 {
		return
	}

	counts := make(map[int]int, len(lastTokens))
	for _, id := range lastTokens {
		counts[id]++
	}

	for i := range cands {
		count, ok := counts[cands[i].ID]
		if !ok {
			continue
		}
		if repeat != 1.0 {
			if cands[i].Logit <= 0 {
				cands[i].Logit *= repeat
			} else {
				cands[i].Logit /= repeat
			}
		}
		cands[i].Logit -= float32(count)*freq + present
	}
}
