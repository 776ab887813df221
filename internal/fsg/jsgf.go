package fsg

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/example/go-pocket-asr/internal/logmath"
)

// ErrRecursion is returned for left or mid recursion in a JSGF rule.
var ErrRecursion = errors.New("only right-recursion is permitted")

// jsgfAtom is one token or rule reference, with an alternation
// weight.
type jsgfAtom struct {
	name   string // rule refs keep their <> brackets
	weight float32
}

func (a *jsgfAtom) isRule() bool {
	return strings.HasPrefix(a.name, "<")
}

// jsgfRHS is a sequence of atoms; alternatives chain through alt.
type jsgfRHS struct {
	atoms []*jsgfAtom
	alt   *jsgfRHS
}

// jsgfRule is a named rule with entry/exit states assigned during
// expansion.
type jsgfRule struct {
	name   string // fully qualified: grammar.rule
	public bool
	rhs    *jsgfRHS
	entry  int32
	exit   int32
}

// jsgfLink is one state transition produced by expansion.
type jsgfLink struct {
	atom     *jsgfAtom
	from, to int32
}

// Grammar is a parsed JSGF grammar plus its imports.
type Grammar struct {
	name       string
	version    string
	rules      map[string]*jsgfRule
	publics    []string
	searchPath []string

	// Expansion state.
	nstate    int32
	links     []*jsgfLink
	rulestack []*jsgfRule
	genCount  int
}

// ParseJSGFFile parses a JSGF grammar file, resolving imports against
// the file's directory plus searchPath.
func ParseJSGFFile(path string, searchPath ...string) (*Grammar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("jsgf: read %s: %w", path, err)
	}
	g, err := ParseJSGF(string(data), append([]string{filepath.Dir(path)}, searchPath...)...)
	if err != nil {
		return nil, fmt.Errorf("jsgf: %s: %w", path, err)
	}
	return g, nil
}

// ParseJSGF parses JSGF text.
func ParseJSGF(text string, searchPath ...string) (*Grammar, error) {
	g := &Grammar{rules: map[string]*jsgfRule{}, searchPath: searchPath}
	p := &jsgfParser{g: g, toks: tokenizeJSGF(text)}
	if err := p.parse(); err != nil {
		return nil, err
	}
	return g, nil
}

// PublicRules lists the grammar's public rule names (fully
// qualified).
func (g *Grammar) PublicRules() []string {
	return append([]string(nil), g.publics...)
}

// BuildFSG compiles a rule into an FSG. An empty ruleName selects the
// first public rule. The null-transitive closure is left to the
// caller.
func (g *Grammar) BuildFSG(ruleName string, lmath *logmath.LogMath, lw float32) (*Model, error) {
	rule, err := g.findRule(ruleName)
	if err != nil {
		return nil, err
	}

	g.nstate = 0
	g.links = nil
	g.rulestack = nil
	if err := g.expandRule(rule); err != nil {
		return nil, err
	}

	m := New(strings.Trim(rule.name, "<>"), lmath, lw, g.nstate)
	m.StartState = rule.entry
	m.FinalState = rule.exit
	for _, l := range g.links {
		switch {
		case l.atom == nil:
			m.NullTransAdd(l.from, l.to, 0)
		case l.atom.isRule():
			logp := int32(float64(lmath.Log(float64(l.atom.weight))) * float64(lw))
			m.NullTransAdd(l.from, l.to, logp)
		default:
			wid := m.WordAdd(l.atom.name)
			logp := int32(float64(lmath.Log(float64(l.atom.weight))) * float64(lw))
			m.TransAdd(l.from, l.to, logp, wid)
		}
	}
	return m, nil
}

func (g *Grammar) findRule(name string) (*jsgfRule, error) {
	if name == "" {
		if len(g.publics) == 0 {
			return nil, fmt.Errorf("jsgf: grammar %s has no public rules", g.name)
		}
		return g.rules[g.publics[0]], nil
	}
	if !strings.HasPrefix(name, "<") {
		name = "<" + name + ">"
	}
	if r, ok := g.rules[g.qualify(name)]; ok {
		return r, nil
	}
	if r, ok := g.rules[name]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("jsgf: no rule %s in grammar %s", name, g.name)
}

// qualify turns a local <rule> into <grammar.rule>.
func (g *Grammar) qualify(ref string) string {
	inner := strings.Trim(ref, "<>")
	if strings.Contains(inner, ".") {
		return "<" + inner + ">"
	}
	return "<" + g.name + "." + inner + ">"
}

// expandRule allocates entry/exit states for the rule, normalizes the
// alternation weights, and expands every alternative.
func (g *Grammar) expandRule(rule *jsgfRule) error {
	g.rulestack = append(g.rulestack, rule)
	defer func() { g.rulestack = g.rulestack[:len(g.rulestack)-1] }()

	var norm float32
	nAlts := 0
	for rhs := rule.rhs; rhs != nil; rhs = rhs.alt {
		nAlts++
		if len(rhs.atoms) > 0 {
			norm += rhs.atoms[0].weight
		}
	}

	rule.entry = g.nstate
	rule.exit = g.nstate + 1
	g.nstate += 2

	for rhs := rule.rhs; rhs != nil; rhs = rhs.alt {
		if len(rhs.atoms) > 0 {
			if norm != 0 {
				rhs.atoms[0].weight /= norm
			} else {
				// All-zero weights share the mass evenly.
				rhs.atoms[0].weight = 1 / float32(nAlts)
			}
		}
		last, err := g.expandRHS(rule, rhs)
		if err != nil {
			return err
		}
		if last != recursionMark {
			g.addLink(nil, last, rule.exit)
		}
	}
	return nil
}

const recursionMark = int32(-2)

// expandRHS chains the atoms of one alternative, recursing into rule
// references. A reference back to a rule on the expansion stack is
// allowed only in tail position (right recursion) and becomes a loop
// edge.
func (g *Grammar) expandRHS(rule *jsgfRule, rhs *jsgfRHS) (int32, error) {
	last := rule.entry
	for i, atom := range rhs.atoms {
		if atom.isRule() {
			switch atom.name {
			case "<NULL>":
				g.addLink(atom, last, g.nstate)
				last = g.nstate
				g.nstate++
				continue
			case "<VOID>":
				// The whole alternative is unspeakable.
				return recursionMark, nil
			}

			fullname := g.qualify(atom.name)
			subrule, ok := g.rules[fullname]
			if !ok {
				// Imported rules keep their own package prefix.
				subrule, ok = g.lookupSuffix(atom.name)
			}
			if !ok {
				return 0, fmt.Errorf("jsgf: undefined rule in RHS: %s", fullname)
			}

			onStack := false
			for _, r := range g.rulestack {
				if r == subrule {
					onStack = true
					break
				}
			}
			if onStack {
				if i != len(rhs.atoms)-1 {
					return 0, fmt.Errorf("jsgf: %w (in %s)", ErrRecursion, rule.name)
				}
				g.addLink(atom, last, subrule.entry)
				return recursionMark, nil
			}

			if err := g.expandRule(subrule); err != nil {
				return 0, err
			}
			g.addLink(atom, last, subrule.entry)
			last = subrule.exit
		} else {
			g.addLink(atom, last, g.nstate)
			last = g.nstate
			g.nstate++
		}
	}
	return last, nil
}

func (g *Grammar) addLink(atom *jsgfAtom, from, to int32) {
	g.links = append(g.links, &jsgfLink{atom: atom, from: from, to: to})
}

// lookupSuffix finds a rule whose unqualified name matches ref,
// whatever grammar it came from.
func (g *Grammar) lookupSuffix(ref string) (*jsgfRule, bool) {
	inner := strings.Trim(ref, "<>")
	if strings.Contains(inner, ".") {
		r, ok := g.rules["<"+inner+">"]
		return r, ok
	}
	for name, r := range g.rules {
		tail := strings.Trim(name, "<>")
		if i := strings.LastIndexByte(tail, '.'); i >= 0 && tail[i+1:] == inner {
			return r, true
		}
	}
	return nil, false
}

// defineRule registers a rule; an empty name generates an internal
// one.
func (g *Grammar) defineRule(name string, rhs *jsgfRHS, public bool) *jsgfRule {
	if name == "" {
		name = fmt.Sprintf("<g%05d>", g.genCount)
		g.genCount++
	}
	full := g.qualify(name)
	r := &jsgfRule{name: full, public: public, rhs: rhs}
	g.rules[full] = r
	if public {
		g.publics = append(g.publics, full)
	}
	return r
}

// kleene rewrites <x>* (or <x>+ when plus) into an internal
// right-recursive rule: (<NULL> | x <gN>) or (x | x <gN>).
func (g *Grammar) kleene(atom *jsgfAtom, plus bool) *jsgfAtom {
	var first *jsgfRHS
	if plus {
		first = &jsgfRHS{atoms: []*jsgfAtom{{name: atom.name, weight: 1}}}
	} else {
		first = &jsgfRHS{atoms: []*jsgfAtom{{name: "<NULL>", weight: 1}}}
	}
	rule := g.defineRule("", first, false)
	selfRef := &jsgfAtom{name: rule.name, weight: 1}
	rule.rhs.alt = &jsgfRHS{atoms: []*jsgfAtom{atom, selfRef}}
	return &jsgfAtom{name: rule.name, weight: 1}
}

// optional rewrites [x] into an internal rule (<NULL> | x).
func (g *Grammar) optional(exp *jsgfRHS) *jsgfAtom {
	rhs := &jsgfRHS{atoms: []*jsgfAtom{{name: "<NULL>", weight: 1}}, alt: exp}
	rule := g.defineRule("", rhs, false)
	return &jsgfAtom{name: rule.name, weight: 1}
}

// --- parser ---

type jsgfToken struct {
	kind string // "word", "rule", "weight", or a punctuation literal
	text string
}

func tokenizeJSGF(text string) []jsgfToken {
	var toks []jsgfToken
	i := 0
	for i < len(text) {
		c := text[i]
		switch {
		case c == '/' && i+1 < len(text) && text[i+1] == '/':
			for i < len(text) && text[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(text) && text[i+1] == '*':
			end := strings.Index(text[i+2:], "*/")
			if end < 0 {
				i = len(text)
			} else {
				i += end + 4
			}
		case c == '/':
			// Weight: /3.5/
			end := strings.IndexByte(text[i+1:], '/')
			if end < 0 {
				i = len(text)
				break
			}
			toks = append(toks, jsgfToken{kind: "weight", text: text[i+1 : i+1+end]})
			i += end + 2
		case c == '<':
			end := strings.IndexByte(text[i:], '>')
			if end < 0 {
				i = len(text)
				break
			}
			toks = append(toks, jsgfToken{kind: "rule", text: text[i : i+end+1]})
			i += end + 1
		case strings.ContainsRune("()[]|;*+=", rune(c)):
			toks = append(toks, jsgfToken{kind: string(c), text: string(c)})
			i++
		case unicode.IsSpace(rune(c)):
			i++
		default:
			j := i
			for j < len(text) && !unicode.IsSpace(rune(text[j])) &&
				!strings.ContainsRune("()[]|;*+=</", rune(text[j])) {
				j++
			}
			toks = append(toks, jsgfToken{kind: "word", text: text[i:j]})
			i = j
		}
	}
	return toks
}

type jsgfParser struct {
	g    *Grammar
	toks []jsgfToken
	pos  int
}

func (p *jsgfParser) peek() *jsgfToken {
	if p.pos >= len(p.toks) {
		return nil
	}
	return &p.toks[p.pos]
}

func (p *jsgfParser) next() *jsgfToken {
	t := p.peek()
	if t != nil {
		p.pos++
	}
	return t
}

func (p *jsgfParser) expect(kind string) (*jsgfToken, error) {
	t := p.next()
	if t == nil || t.kind != kind {
		return nil, fmt.Errorf("jsgf: %w: expected %q", ErrBadFormat, kind)
	}
	return t, nil
}

func (p *jsgfParser) parse() error {
	// Optional "#JSGF V1.0;" header arrives as word tokens.
	if t := p.peek(); t != nil && t.kind == "word" && strings.HasPrefix(t.text, "#JSGF") {
		for {
			t := p.next()
			if t == nil || t.kind == ";" {
				break
			}
		}
	}

	for p.peek() != nil {
		t := p.next()
		switch {
		case t.kind == "word" && t.text == "grammar":
			name, err := p.expect("word")
			if err != nil {
				return err
			}
			p.g.name = name.text
			if _, err := p.expect(";"); err != nil {
				return err
			}
		case t.kind == "word" && t.text == "import":
			ref, err := p.expect("rule")
			if err != nil {
				return err
			}
			if _, err := p.expect(";"); err != nil {
				return err
			}
			if err := p.g.importRule(ref.text); err != nil {
				return err
			}
		case t.kind == "word" && t.text == "public":
			ref, err := p.expect("rule")
			if err != nil {
				return err
			}
			if err := p.parseRuleBody(ref.text, true); err != nil {
				return err
			}
		case t.kind == "rule":
			if err := p.parseRuleBody(t.text, false); err != nil {
				return err
			}
		default:
			return fmt.Errorf("jsgf: %w: unexpected token %q", ErrBadFormat, t.text)
		}
	}
	if p.g.name == "" {
		return fmt.Errorf("jsgf: %w: missing grammar declaration", ErrBadFormat)
	}
	return nil
}

func (p *jsgfParser) parseRuleBody(name string, public bool) error {
	if _, err := p.expect("="); err != nil {
		return err
	}
	rhs, err := p.parseAlternation()
	if err != nil {
		return err
	}
	if _, err := p.expect(";"); err != nil {
		return err
	}
	p.g.defineRule(name, rhs, public)
	return nil
}

// parseAlternation handles "a | b | c" with optional /weights/.
func (p *jsgfParser) parseAlternation() (*jsgfRHS, error) {
	head, err := p.parseSequence()
	if err != nil {
		return nil, err
	}
	tail := head
	for p.peek() != nil && p.peek().kind == "|" {
		p.next()
		alt, err := p.parseSequence()
		if err != nil {
			return nil, err
		}
		tail.alt = alt
		tail = alt
	}
	return head, nil
}

// parseSequence chains terms until an alternation/close/terminator.
func (p *jsgfParser) parseSequence() (*jsgfRHS, error) {
	rhs := &jsgfRHS{}
	weight := float32(1)
	for {
		t := p.peek()
		if t == nil || t.kind == "|" || t.kind == ";" || t.kind == ")" || t.kind == "]" {
			break
		}
		if t.kind == "weight" {
			p.next()
			w, err := strconv.ParseFloat(t.text, 32)
			if err != nil {
				return nil, fmt.Errorf("jsgf: %w: bad weight %q", ErrBadFormat, t.text)
			}
			weight = float32(w)
			continue
		}
		atom, err := p.parseTerm(weight)
		if err != nil {
			return nil, err
		}
		weight = 1
		rhs.atoms = append(rhs.atoms, atom)
	}
	if len(rhs.atoms) == 0 {
		rhs.atoms = append(rhs.atoms, &jsgfAtom{name: "<NULL>", weight: weight})
	}
	return rhs, nil
}

// parseTerm parses an atom (word, rule ref, group, optional) plus any
// trailing Kleene operator.
func (p *jsgfParser) parseTerm(weight float32) (*jsgfAtom, error) {
	t := p.next()
	var atom *jsgfAtom
	switch t.kind {
	case "word":
		atom = &jsgfAtom{name: t.text, weight: weight}
	case "rule":
		atom = &jsgfAtom{name: t.text, weight: weight}
	case "(":
		inner, err := p.parseAlternation()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(")"); err != nil {
			return nil, err
		}
		rule := p.g.defineRule("", inner, false)
		atom = &jsgfAtom{name: rule.name, weight: weight}
	case "[":
		inner, err := p.parseAlternation()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect("]"); err != nil {
			return nil, err
		}
		atom = p.g.optional(inner)
		atom.weight = weight
	default:
		return nil, fmt.Errorf("jsgf: %w: unexpected %q in expansion", ErrBadFormat, t.text)
	}

	for p.peek() != nil {
		switch p.peek().kind {
		case "*":
			p.next()
			atom = p.g.kleene(atom, false)
		case "+":
			p.next()
			atom = p.g.kleene(atom, true)
		default:
			return atom, nil
		}
	}
	return atom, nil
}

// importRule resolves <pkg.rule> or <pkg.*> against the search path,
// parsing pkg.gram and merging its rules.
func (g *Grammar) importRule(ref string) error {
	inner := strings.Trim(ref, "<>")
	dot := strings.LastIndexByte(inner, '.')
	if dot < 0 {
		return fmt.Errorf("jsgf: %w: import %q has no package", ErrBadFormat, ref)
	}
	pkg := inner[:dot]
	want := inner[dot+1:]

	var sub *Grammar
	var err error
	for _, dir := range g.searchPath {
		path := filepath.Join(dir, pkg+".gram")
		if _, statErr := os.Stat(path); statErr == nil {
			sub, err = ParseJSGFFile(path, g.searchPath...)
			break
		}
	}
	if err != nil {
		return err
	}
	if sub == nil {
		return fmt.Errorf("jsgf: import %s: grammar %s.gram not found on search path", ref, pkg)
	}

	for name, r := range sub.rules {
		if !r.public {
			continue
		}
		local := strings.Trim(name, "<>")
		if want != "*" && local != pkg+"."+want {
			continue
		}
		g.rules[name] = r
	}
	return nil
}
