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

import "strings"

// StopPolicy configures the heuristic early-termination checks. These are
// workload policy, not engine constants: the defaults reproduce the upstream
// integration (a fixed end-of-function marker and code-repetition limits),
// but callers should tune them for their workload. Zero values disable the
// corresponding check.
type StopPolicy struct {
	// Sentinel ends the session when the last few tokens' decoded text
	// ends with it exactly.
	Sentinel string
	// SentinelWindow is how many trailing tokens are decoded for the
	// sentinel check.
	SentinelWindow int
	// MaxSubstring is the longest trailing substring the repetition
	// detector considers.
	MaxSubstring int
	// MinRepetitions is how many consecutive times a substring must
	// repeat to count as degenerate.
	MinRepetitions int
	// WhitespaceRun is the length of a trailing space/tab run treated as
	// degenerate repetition on its own.
	WhitespaceRun int
}

// DefaultStopPolicy returns the upstream integration's values.
func DefaultStopPolicy() StopPolicy {
	return StopPolicy{
		Sentinel:       "in\n\n",
		SentinelWindow: 3,
		MaxSubstring:   30,
		MinRepetitions: 5,
		WhitespaceRun:  40,
	}
}

// sentinelHit reports whether text ends with the sentinel marker.
func (sp StopPolicy) sentinelHit(text string) bool {
	return sp.Sentinel != "" && strings.HasSuffix(text, sp.Sentinel)
}

// endsWithRepeatedSubstring reports degenerate repetition at the end of
// text: either a trailing space/tab run of WhitespaceRun characters, or some
// substring of length 1..MaxSubstring repeating MinRepetitions times in a
// row up to the current position. Pure-whitespace substrings shorter than
// WhitespaceRun are exempt from the generic check so ordinary spacing does
// not trip it.
func (sp StopPolicy) endsWithRepeatedSubstring(text string) bool {
	if sp.MaxSubstring <= 0 || sp.MinRepetitions <= 0 {
		return false
	}

	if sp.WhitespaceRun > 0 && len(text) >= sp.WhitespaceRun {
		if isSpaceRun(text[len(text)-sp.WhitespaceRun:]) {
			return true
		}
	}

	for length := 1; length <= sp.MaxSubstring; length++ {
		if len(text) < sp.MinRepetitions*length {
			continue
		}

		last := text[len(text)-length:]
		if isSpaceRun(last) {
			continue
		}

		repeating := true
		for rep := 1; rep < sp.MinRepetitions; rep++ {
			start := len(text) - (rep+1)*length
			if text[start:start+length] != last {
				repeating = false
				break
			}
		}
		if repeating {
			return true
		}
	}
	return false
}

func isSpaceRun(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] != ' ' && s[i] != '\t' {
			return false
		}
	}
	return true
}
