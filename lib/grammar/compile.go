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

// Package grammar compiles GBNF grammar text into an executable rule set and
// provides a pushdown automaton that tracks a position within the grammar,
// used to mask which tokens are currently legal continuations.
package grammar

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var (
	// ErrParse reports malformed grammar text or a grammar with no rules.
	ErrParse = errors.New("grammar: parse error")
	// ErrMissingRoot reports a compiled grammar without a "root" rule.
	ErrMissingRoot = errors.New("grammar: missing root rule")
)

type symKind int

const (
	symRef symKind = iota
	symChars
)

type charRange struct {
	lo, hi rune
}

type charSet struct {
	ranges  []charRange
	negated bool
}

func (cs *charSet) matches(r rune) bool {
	in := false
	for _, cr := range cs.ranges {
		if r >= cr.lo && r <= cr.hi {
			in = true
			break
		}
	}
	return in != cs.negated
}

type sym struct {
	kind symKind
	rule int      // rule index for symRef
	set  *charSet // for symChars
}

type alternate []sym

type rule struct {
	name string
	alts []alternate
}

// Grammar is a compiled rule set. It is immutable once compiled and may be
// shared by any number of automatons.
type Grammar struct {
	rules  []rule
	names  map[string]int
	source string
}

// Source returns the grammar text the rule set was compiled from.
func (g *Grammar) Source() string { return g.source }

// RuleCount returns the number of rules, auxiliary rules included.
func (g *Grammar) RuleCount() int { return len(g.rules) }

// Compile parses GBNF grammar text into a rule set. Supported syntax:
// rules ("name ::= ..."), alternation ("|"), sequences, quoted literals,
// character classes with ranges and negation, grouping, the "*", "+" and
// "?" repetition operators, and "#" line comments.
func Compile(text string) (*Grammar, error) {
	p := &parser{
		src: []rune(text),
		g: &Grammar{
			names:  make(map[string]int),
			source: text,
		},
	}

	if err := p.parse(); err != nil {
		return nil, err
	}
	if len(p.g.rules) == 0 {
		return nil, fmt.Errorf("%w: grammar has no rules", ErrParse)
	}
	for _, r := range p.g.rules {
		if len(r.alts) == 0 {
			return nil, fmt.Errorf("%w: rule %q is referenced but never defined", ErrParse, r.name)
		}
	}
	if name := p.g.leftRecursiveRule(); name != "" {
		return nil, fmt.Errorf("%w: rule %q is left-recursive", ErrParse, name)
	}
	return p.g, nil
}

// nullableRules reports, per rule, whether it can derive the empty string.
func (g *Grammar) nullableRules() []bool {
	nullable := make([]bool, len(g.rules))
	for changed := true; changed; {
		changed = false
		for i, r := range g.rules {
			if nullable[i] {
				continue
			}
			for _, alt := range r.alts {
				empty := true
				for _, s := range alt {
					if s.kind == symChars || !nullable[s.rule] {
						empty = false
						break
					}
				}
				if empty {
					nullable[i] = true
					changed = true
					break
				}
			}
		}
	}
	return nullable
}

// leftRecursiveRule returns the name of a rule that can re-enter itself
// without consuming a character, or "" when none exists. The automaton's
// stack expansion does not terminate on such rules, so they are rejected
// at compile time.
func (g *Grammar) leftRecursiveRule() string {
	nullable := g.nullableRules()

	// Left-corner edges: every rule reachable at the start of an
	// alternate before the first character-consuming symbol.
	edges := make([][]int, len(g.rules))
	for i, r := range g.rules {
		for _, alt := range r.alts {
			for _, s := range alt {
				if s.kind == symChars {
					break
				}
				edges[i] = append(edges[i], s.rule)
				if !nullable[s.rule] {
					break
				}
			}
		}
	}

	const (
		unvisited = iota
		onPath
		done
	)
	state := make([]int, len(g.rules))
	cyclic := -1
	var visit func(int) bool
	visit = func(id int) bool {
		state[id] = onPath
		for _, next := range edges[id] {
			switch state[next] {
			case onPath:
				cyclic = next
				return true
			case unvisited:
				if visit(next) {
					return true
				}
			}
		}
		state[id] = done
		return false
	}
	for i := range g.rules {
		if state[i] == unvisited && visit(i) {
			return g.rules[cyclic].name
		}
	}
	return ""
}

type parser struct {
	src []rune
	pos int
	g   *Grammar
	aux int // counter for generated auxiliary rule names
}

func (p *parser) parse() error {
	for {
		p.skipSpace()
		if p.pos >= len(p.src) {
			return nil
		}
		name, ok := p.readIdent()
		if !ok {
			return fmt.Errorf("%w: expected rule name at offset %d", ErrParse, p.pos)
		}
		p.skipSpace()
		if !p.consume("::=") {
			return fmt.Errorf("%w: expected \"::=\" after rule %q", ErrParse, name)
		}
		alts, err := p.parseAlternates(name)
		if err != nil {
			return err
		}
		id := p.ruleID(name)
		if len(p.g.rules[id].alts) > 0 {
			return fmt.Errorf("%w: duplicate definition of rule %q", ErrParse, name)
		}
		p.g.rules[id].alts = alts
	}
}

// ruleID returns the index for name, creating an empty placeholder so
// forward references resolve.
func (p *parser) ruleID(name string) int {
	if id, ok := p.g.names[name]; ok {
		return id
	}
	id := len(p.g.rules)
	p.g.names[name] = id
	p.g.rules = append(p.g.rules, rule{name: name})
	return id
}

// parseAlternates parses "seq | seq | ..." until the start of the next rule
// definition, a closing parenthesis, or end of input.
func (p *parser) parseAlternates(owner string) ([]alternate, error) {
	var alts []alternate
	for {
		seq, err := p.parseSequence(owner)
		if err != nil {
			return nil, err
		}
		alts = append(alts, seq)
		p.skipSpace()
		if !p.consume("|") {
			return alts, nil
		}
	}
}

func (p *parser) parseSequence(owner string) (alternate, error) {
	seq := alternate{}
	for {
		p.skipSpace()
		if p.pos >= len(p.src) {
			return seq, nil
		}
		switch p.src[p.pos] {
		case '|', ')':
			return seq, nil
		}
		if p.atRuleStart() {
			return seq, nil
		}

		elem, err := p.parseElement(owner)
		if err != nil {
			return nil, err
		}

		p.skipSpace()
		if p.pos < len(p.src) {
			switch p.src[p.pos] {
			case '*', '+', '?':
				op := p.src[p.pos]
				p.pos++
				elem = alternate{p.desugarRepeat(owner, elem, op)}
			}
		}
		seq = append(seq, elem...)
	}
}

// atRuleStart reports whether the input at the current position begins a new
// rule definition ("ident ::="), which terminates the alternates of the
// previous rule.
func (p *parser) atRuleStart() bool {
	save := p.pos
	defer func() { p.pos = save }()
	if _, ok := p.readIdent(); !ok {
		return false
	}
	p.skipSpace()
	return strings.HasPrefix(string(p.src[p.pos:min(p.pos+3, len(p.src))]), "::=")
}

func (p *parser) parseElement(owner string) (alternate, error) {
	switch p.src[p.pos] {
	case '"':
		return p.parseLiteral()
	case '[':
		cs, err := p.parseCharClass()
		if err != nil {
			return nil, err
		}
		return alternate{sym{kind: symChars, set: cs}}, nil
	case '(':
		p.pos++
		alts, err := p.parseAlternates(owner)
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if !p.consume(")") {
			return nil, fmt.Errorf("%w: unterminated group in rule %q", ErrParse, owner)
		}
		id := p.newAuxRule(owner, alts)
		return alternate{sym{kind: symRef, rule: id}}, nil
	}
	if name, ok := p.readIdent(); ok {
		return alternate{sym{kind: symRef, rule: p.ruleID(name)}}, nil
	}
	return nil, fmt.Errorf("%w: unexpected character %q in rule %q", ErrParse, p.src[p.pos], owner)
}

func (p *parser) parseLiteral() (alternate, error) {
	p.pos++ // opening quote
	seq := alternate{}
	for p.pos < len(p.src) {
		r := p.src[p.pos]
		switch r {
		case '"':
			p.pos++
			return seq, nil
		case '\\':
			esc, err := p.readEscape()
			if err != nil {
				return nil, err
			}
			seq = append(seq, charSym(esc))
		default:
			p.pos++
			seq = append(seq, charSym(r))
		}
	}
	return nil, fmt.Errorf("%w: unterminated string literal", ErrParse)
}

func charSym(r rune) sym {
	return sym{kind: symChars, set: &charSet{ranges: []charRange{{lo: r, hi: r}}}}
}

func (p *parser) parseCharClass() (*charSet, error) {
	p.pos++ // opening bracket
	cs := &charSet{}
	if p.pos < len(p.src) && p.src[p.pos] == '^' {
		cs.negated = true
		p.pos++
	}
	for p.pos < len(p.src) {
		r := p.src[p.pos]
		if r == ']' {
			p.pos++
			if len(cs.ranges) == 0 {
				return nil, fmt.Errorf("%w: empty character class", ErrParse)
			}
			return cs, nil
		}
		lo, err := p.readClassChar()
		if err != nil {
			return nil, err
		}
		hi := lo
		if p.pos+1 < len(p.src) && p.src[p.pos] == '-' && p.src[p.pos+1] != ']' {
			p.pos++
			hi, err = p.readClassChar()
			if err != nil {
				return nil, err
			}
			if hi < lo {
				return nil, fmt.Errorf("%w: inverted character range %q-%q", ErrParse, lo, hi)
			}
		}
		cs.ranges = append(cs.ranges, charRange{lo: lo, hi: hi})
	}
	return nil, fmt.Errorf("%w: unterminated character class", ErrParse)
}

func (p *parser) readClassChar() (rune, error) {
	if p.src[p.pos] == '\\' {
		return p.readEscape()
	}
	r := p.src[p.pos]
	p.pos++
	return r, nil
}

func (p *parser) readEscape() (rune, error) {
	p.pos++ // backslash
	if p.pos >= len(p.src) {
		return 0, fmt.Errorf("%w: dangling escape", ErrParse)
	}
	r := p.src[p.pos]
	p.pos++
	switch r {
	case 'n':
		return '\n', nil
	case 't':
		return '\t', nil
	case 'r':
		return '\r', nil
	case '\\', '"', '\'', '[', ']', '^', '-':
		return r, nil
	}
	return 0, fmt.Errorf("%w: unsupported escape \\%c", ErrParse, r)
}

// desugarRepeat rewrites "e*", "e+" and "e?" into an auxiliary rule, so the
// automaton only ever sees plain sequences and alternation.
func (p *parser) desugarRepeat(owner string, e alternate, op rune) sym {
	var alts []alternate
	switch op {
	case '?':
		alts = []alternate{e, {}}
	case '*':
		id := p.reserveAuxRule(owner)
		body := append(append(alternate{}, e...), sym{kind: symRef, rule: id})
		p.g.rules[id].alts = []alternate{body, {}}
		return sym{kind: symRef, rule: id}
	case '+':
		id := p.reserveAuxRule(owner)
		body := append(append(alternate{}, e...), sym{kind: symRef, rule: id})
		p.g.rules[id].alts = []alternate{body, append(alternate{}, e...)}
		return sym{kind: symRef, rule: id}
	}
	return sym{kind: symRef, rule: p.newAuxRule(owner, alts)}
}

func (p *parser) newAuxRule(owner string, alts []alternate) int {
	id := p.reserveAuxRule(owner)
	p.g.rules[id].alts = alts
	return id
}

func (p *parser) reserveAuxRule(owner string) int {
	p.aux++
	name := fmt.Sprintf("%s-%d", owner, p.aux)
	id := len(p.g.rules)
	p.g.names[name] = id
	p.g.rules = append(p.g.rules, rule{name: name})
	return id
}

func (p *parser) readIdent() (string, bool) {
	start := p.pos
	for p.pos < len(p.src) {
		r := p.src[p.pos]
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			p.pos++
			continue
		}
		break
	}
	if p.pos == start {
		return "", false
	}
	return string(p.src[start:p.pos]), true
}

func (p *parser) consume(s string) bool {
	if strings.HasPrefix(string(p.src[p.pos:min(p.pos+len(s), len(p.src))]), s) {
		p.pos += len([]rune(s))
		return true
	}
	return false
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) {
		r := p.src[p.pos]
		if r == '#' {
			for p.pos < len(p.src) && p.src[p.pos] != '\n' {
				p.pos++
			}
			continue
		}
		if unicode.IsSpace(r) {
			p.pos++
			continue
		}
		return
	}
}
