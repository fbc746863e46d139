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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelHit(t *testing.T) {
	sp := DefaultStopPolicy()

	assert.True(t, sp.sentinelHit("func main\nin\n\n"))
	assert.False(t, sp.sentinelHit("in\n"))
	assert.False(t, sp.sentinelHit("in\n\nx"))
	assert.False(t, sp.sentinelHit(""))

	disabled := StopPolicy{}
	assert.False(t, disabled.sentinelHit("in\n\n"))
}

func TestRepeatedSubstring(t *testing.T) {
	sp := DefaultStopPolicy()

	assert.True(t, sp.endsWithRepeatedSubstring("abcabcabcabcabc"))
	assert.True(t, sp.endsWithRepeatedSubstring("prefix xyxyxyxyxy"))
	assert.False(t, sp.endsWithRepeatedSubstring("abcabxabc"))
	assert.False(t, sp.endsWithRepeatedSubstring("abcabcabcabc")) // only 4 reps
	assert.False(t, sp.endsWithRepeatedSubstring(""))
}

func TestRepeatedSubstringWhitespace(t *testing.T) {
	sp := DefaultStopPolicy()

	// Short whitespace runs are exempt from the generic detector.
	assert.False(t, sp.endsWithRepeatedSubstring("x"+strings.Repeat(" ", 10)))

	// A run of WhitespaceRun spaces or tabs is degenerate on its own.
	assert.True(t, sp.endsWithRepeatedSubstring("x"+strings.Repeat(" ", 40)))
	assert.True(t, sp.endsWithRepeatedSubstring("x"+strings.Repeat("\t", 40)))

	// Mixed content containing whitespace is still caught.
	assert.True(t, sp.endsWithRepeatedSubstring(strings.Repeat(" a", 10)))
}

func TestRepeatedSubstringDisabled(t *testing.T) {
	sp := StopPolicy{}
	assert.False(t, sp.endsWithRepeatedSubstring("abcabcabcabcabc"))
}
