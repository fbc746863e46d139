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

// applyPipeline runs the configured transforms over the candidate set in
// Params.Order. Ordering is caller-configurable on purpose: filtering before
// or after temperature scaling produces materially different distributions.
// Unknown codes are ignored; filters never keep fewer than minKeep
// candidates.
func applyPipeline(cands []transforms.Candidate, p Params, vocabSize, minKeep int) []transforms.Candidate {
	topK := p.TopK
	if topK <= 0 {
		topK = vocabSize
	}

	for _, code := range p.Order {
		switch code {
		case CodeTopK:
			cands = transforms.TopK(cands, topK, minKeep)
		case CodeTailFree:
			cands = transforms.TailFree(cands, p.TailFreeZ, minKeep)
		case CodeTypical:
			cands = transforms.Typical(cands, p.TypicalP, minKeep)
		case CodeTopP:
			cands = transforms.TopP(cands, p.TopP, minKeep)
		case CodeMinP:
			cands = transforms.MinP(cands, p.MinP, minKeep)
		case CodeTemperature:
			transforms.Temperature(cands, p.Temperature)
		}
	}
	return cands
}
