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

package grammar

import (
	"math"
	"strconv"
	"strings"

	"github.com/AlienKevin/llamadyn/lib/transforms"
)

// RootRule is the entry rule every grammar must define.
const RootRule = "root"

// item is one frame of a parse stack: a position inside one alternate of a
// rule. The frame above it (if any) is a rule the alternate descended into;
// the frame's own pos already points past the reference, so popping a
// finished child resumes the parent correctly.
type item struct {
	rule, alt, pos int
}

type stack []item

// Machine is a pushdown automaton over runes tracking every viable position
// in the grammar simultaneously. The zero stack set means no continuation is
// legal; an empty stack among the set means the input so far is a complete
// sentence of the grammar.
type Machine struct {
	g      *Grammar
	stacks []stack
}

// NewMachine instantiates an automaton rooted at the "root" rule.
func NewMachine(g *Grammar) (*Machine, error) {
	rootID, ok := g.names[RootRule]
	if !ok {
		return nil, ErrMissingRoot
	}

	m := &Machine{g: g}
	seen := make(map[string]bool)
	for alt := range g.rules[rootID].alts {
		m.close(stack{item{rule: rootID, alt: alt}}, seen)
	}
	return m, nil
}

// close advances st past finished frames and rule references until its top
// is a character match (or the stack is empty), adding every settled stack
// reached. seen deduplicates stacks across the whole expansion.
func (m *Machine) close(st stack, seen map[string]bool) {
	for {
		if len(st) == 0 {
			m.addStack(st, seen)
			return
		}
		top := st[len(st)-1]
		alt := m.g.rules[top.rule].alts[top.alt]

		if top.pos >= len(alt) {
			st = st[:len(st)-1:len(st)-1]
			continue
		}

		s := alt[top.pos]
		if s.kind == symChars {
			m.addStack(st, seen)
			return
		}

		// Rule reference: advance this frame past the reference, then
		// descend into each alternate of the referenced rule.
		base := append(stack{}, st...)
		base[len(base)-1].pos++
		for childAlt := range m.g.rules[s.rule].alts {
			child := append(append(stack{}, base...), item{rule: s.rule, alt: childAlt})
			m.close(child, seen)
		}
		return
	}
}

func (m *Machine) addStack(st stack, seen map[string]bool) {
	sig := st.signature()
	if seen[sig] {
		return
	}
	seen[sig] = true
	m.stacks = append(m.stacks, st)
}

func (st stack) signature() string {
	var b strings.Builder
	for _, it := range st {
		b.WriteString(strconv.Itoa(it.rule))
		b.WriteByte(',')
		b.WriteString(strconv.Itoa(it.alt))
		b.WriteByte(',')
		b.WriteString(strconv.Itoa(it.pos))
		b.WriteByte(';')
	}
	return b.String()
}

// topSet returns the character set a settled stack is waiting on, or nil for
// an empty (terminable) stack.
func (m *Machine) topSet(st stack) *charSet {
	if len(st) == 0 {
		return nil
	}
	top := st[len(st)-1]
	return m.g.rules[top.rule].alts[top.alt][top.pos].set
}

// AcceptRune advances the automaton by one rune. It reports whether the rune
// was a legal continuation; on rejection the automaton is left unchanged.
func (m *Machine) AcceptRune(r rune) bool {
	next := &Machine{g: m.g}
	seen := make(map[string]bool)
	for _, st := range m.stacks {
		set := m.topSet(st)
		if set == nil || !set.matches(r) {
			continue
		}
		adv := append(stack{}, st...)
		adv[len(adv)-1].pos++
		next.close(adv, seen)
	}
	if len(next.stacks) == 0 {
		return false
	}
	m.stacks = next.stacks
	return true
}

// AcceptString advances the automaton by every rune of the token piece. It
// reports whether the whole piece is legal; on rejection the automaton is
// left unchanged.
func (m *Machine) AcceptString(piece string) bool {
	scratch := m.Clone()
	for _, r := range piece {
		if !scratch.AcceptRune(r) {
			return false
		}
	}
	m.stacks = scratch.stacks
	return true
}

// Allows reports whether the piece would be accepted, without advancing.
func (m *Machine) Allows(piece string) bool {
	return m.Clone().AcceptString(piece)
}

// CanTerminate reports whether the input consumed so far is a complete
// sentence of the grammar, i.e. an end-of-generation token is legal now.
func (m *Machine) CanTerminate() bool {
	for _, st := range m.stacks {
		if len(st) == 0 {
			return true
		}
	}
	return false
}

// Filter masks every candidate whose token piece is not a legal continuation
// to -Inf. End-of-generation tokens survive only when the grammar can
// terminate here.
func (m *Machine) Filter(cands []transforms.Candidate, decode func(int) string, isEOG func(int) bool) {
	neg := float32(math.Inf(-1))
	canEnd := m.CanTerminate()
	for i := range cands {
		if isEOG != nil && isEOG(cands[i].ID) {
			if !canEnd {
				cands[i].Logit = neg
			}
			continue
		}
		piece := decode(cands[i].ID)
		if piece == "" || !m.Allows(piece) {
			cands[i].Logit = neg
		}
	}
}

// Clone deep-copies the automaton's current position so a forked session can
// continue acceptance independently.
func (m *Machine) Clone() *Machine {
	cp := &Machine{g: m.g, stacks: make([]stack, len(m.stacks))}
	for i, st := range m.stacks {
		cp.stacks[i] = append(stack{}, st...)
	}
	return cp
}

// Close releases the automaton's state. The machine rejects everything
// afterwards. Safe to call more than once.
func (m *Machine) Close() {
	m.stacks = nil
}
