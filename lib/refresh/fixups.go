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

package refresh

import "regexp"

// Fixup is one textual normalization applied to grammar text emitted by the
// completion service before it is compiled.
type Fixup struct {
	// Name identifies the fixup in logs and tests.
	Name    string
	pattern *regexp.Regexp
	repl    string
}

// Apply rewrites all matches in s.
func (f Fixup) Apply(s string) string {
	return f.pattern.ReplaceAllString(s, f.repl)
}

// DefaultFixups are the known quirks of the completion service's grammar
// emitter, applied in order:
//
//  1. the whitespace rule requires at least one character, which forbids
//     tokens that butt up against the previous one, so "+" becomes "*";
//  2. rule bodies reference whitespace as a quoted literal instead of a
//     rule name;
//  3. rule names use underscores, which the grammar syntax does not allow;
//  4. the new-tokens rule emits whitespace as an alternation branch where
//     it is meant as a prefix of the remaining branches.
var DefaultFixups = []Fixup{
	{
		Name:    "whitespace-optional",
		pattern: regexp.MustCompile(`whitespace ::= \[ \\n\]\+`),
		repl:    `whitespace ::= [ \n]*`,
	},
	{
		Name:    "whitespace-rule-ref",
		pattern: regexp.MustCompile(`::= "whitespace"`),
		repl:    `::= whitespace`,
	},
	{
		Name:    "underscore-rule-name",
		pattern: regexp.MustCompile(`new_tokens`),
		repl:    `new-tokens`,
	},
	{
		Name:    "whitespace-prefix",
		pattern: regexp.MustCompile(`new-tokens ::= whitespace \| (.+)`),
		repl:    `new-tokens ::= whitespace (${1})`,
	},
}

// ApplyFixups runs each fixup over s in order.
func ApplyFixups(s string, fixups []Fixup) string {
	for _, f := range fixups {
		s = f.Apply(s)
	}
	return s
}
