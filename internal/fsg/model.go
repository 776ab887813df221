// Package fsg implements finite-state grammars for recognition:
// the word-level FSG model, the text file format, and the JSGF
// compiler.
package fsg

import (
	"errors"
	"fmt"
	"strings"

	"github.com/example/go-pocket-asr/internal/logmath"
)

// NoWid labels null (epsilon) transitions.
const NoWid = -1

// ErrBadFormat indicates an unparseable grammar file.
var ErrBadFormat = errors.New("bad grammar format")

// Link is one FSG transition. Wid < 0 means a null transition; a tag
// transition sits in the null table but carries a word id.
type Link struct {
	FromState int32
	ToState   int32
	// LogProb is log(transition probability) scaled by the language
	// weight. Always <= 0.
	LogProb int32
	Wid     int32
}

// stateTrans holds the outgoing transitions of one state. There is at
// most one null transition per destination and one emitting
// transition per (destination, wid).
type stateTrans struct {
	null map[int32]*Link
	emit map[int32][]*Link
}

// Model is a word-level finite-state grammar. States are integers
// 0..NState-1.
type Model struct {
	Name       string
	NState     int32
	StartState int32
	FinalState int32

	lmath *logmath.LogMath
	lw    float32

	vocab    []string
	wordIdx  map[string]int32
	silWords []bool
	altWords []bool

	trans []stateTrans

	// closure memoizes the null-transitive closure per start state.
	closure [][]*Link
}

// New creates an empty FSG with nState states.
func New(name string, lmath *logmath.LogMath, lw float32, nState int32) *Model {
	m := &Model{
		Name:    name,
		NState:  nState,
		lmath:   lmath,
		lw:      lw,
		wordIdx: make(map[string]int32),
		trans:   make([]stateTrans, nState),
	}
	return m
}

// LogMath returns the log domain of the transition scores.
func (m *Model) LogMath() *logmath.LogMath { return m.lmath }

// LW returns the language weight folded into transition scores.
func (m *Model) LW() float32 { return m.lw }

// WordAdd inserts a word into the FSG vocabulary and returns its id.
func (m *Model) WordAdd(word string) int32 {
	if id, ok := m.wordIdx[word]; ok {
		return id
	}
	id := int32(len(m.vocab))
	m.vocab = append(m.vocab, word)
	m.wordIdx[word] = id
	m.silWords = append(m.silWords, false)
	m.altWords = append(m.altWords, false)
	return id
}

// WordID looks a word up, returning NoWid when absent.
func (m *Model) WordID(word string) int32 {
	if id, ok := m.wordIdx[word]; ok {
		return id
	}
	return NoWid
}

// WordStr returns the spelling for a word id.
func (m *Model) WordStr(wid int32) string {
	if wid < 0 || int(wid) >= len(m.vocab) {
		return "(NULL)"
	}
	return m.vocab[wid]
}

// NWord returns the vocabulary size.
func (m *Model) NWord() int { return len(m.vocab) }

// IsFiller reports whether wid was added as a silence/filler word.
func (m *Model) IsFiller(wid int32) bool {
	return wid >= 0 && int(wid) < len(m.silWords) && m.silWords[wid]
}

// IsAltWord reports whether wid is a pronunciation alternate.
func (m *Model) IsAltWord(wid int32) bool {
	return wid >= 0 && int(wid) < len(m.altWords) && m.altWords[wid]
}

// checkState returns an error for a state outside [0, NState).
func (m *Model) checkState(s int32) error {
	if s < 0 || s >= m.NState {
		return fmt.Errorf("fsg: state %d out of range [0,%d)", s, m.NState)
	}
	return nil
}

// TransAdd adds an emitting transition. Duplicate (from, to, wid)
// triples keep the best log probability.
func (m *Model) TransAdd(from, to int32, logp int32, wid int32) {
	st := &m.trans[from]
	if st.emit == nil {
		st.emit = make(map[int32][]*Link)
	}
	for _, l := range st.emit[to] {
		if l.Wid == wid {
			if logp > l.LogProb {
				l.LogProb = logp
			}
			return
		}
	}
	st.emit[to] = append(st.emit[to], &Link{FromState: from, ToState: to, LogProb: logp, Wid: wid})
	m.closure = nil
}

// NullTransAdd adds a null transition; at most one exists per state
// pair and the best log probability wins. Returns 1 if added, 0 if an
// existing one was improved, -1 if nothing changed.
func (m *Model) NullTransAdd(from, to int32, logp int32) int32 {
	return m.nullAdd(from, to, logp, NoWid)
}

// TagTransAdd adds an epsilon transition carrying a semantic word id.
func (m *Model) TagTransAdd(from, to int32, logp int32, wid int32) int32 {
	return m.nullAdd(from, to, logp, wid)
}

func (m *Model) nullAdd(from, to int32, logp int32, wid int32) int32 {
	st := &m.trans[from]
	if st.null == nil {
		st.null = make(map[int32]*Link)
	}
	if l, ok := st.null[to]; ok {
		if logp > l.LogProb {
			l.LogProb = logp
			m.closure = nil
			return 0
		}
		return -1
	}
	st.null[to] = &Link{FromState: from, ToState: to, LogProb: logp, Wid: wid}
	m.closure = nil
	return 1
}

// ArcIter iterates all transitions out of a state, nulls included.
func (m *Model) ArcIter(state int32) []*Link {
	if state < 0 || state >= m.NState {
		return nil
	}
	st := &m.trans[state]
	var links []*Link
	for _, ls := range st.emit {
		links = append(links, ls...)
	}
	for _, l := range st.null {
		links = append(links, l)
	}
	return links
}

// TransitionsTo returns the emitting links from one state to another.
func (m *Model) TransitionsTo(from, to int32) []*Link {
	if from < 0 || from >= m.NState || m.trans[from].emit == nil {
		return nil
	}
	return m.trans[from].emit[to]
}

// NullTransTo returns the null link between two states, if any.
func (m *Model) NullTransTo(from, to int32) *Link {
	if from < 0 || from >= m.NState || m.trans[from].null == nil {
		return nil
	}
	return m.trans[from].null[to]
}

// NullClosure computes and memoizes the null-transitive closure from
// state: every state reachable via chains of null/tag transitions,
// with the best accumulated log probability. The state itself is
// included at probability 1.
func (m *Model) NullClosure(state int32) []*Link {
	if m.closure == nil {
		m.closure = make([][]*Link, m.NState)
	}
	if m.closure[state] != nil {
		return m.closure[state]
	}

	best := map[int32]int32{state: 0}
	queue := []int32{state}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		base := best[s]
		for to, l := range m.trans[s].null {
			score := base + l.LogProb
			if old, seen := best[to]; !seen || score > old {
				best[to] = score
				queue = append(queue, to)
			}
		}
	}

	links := make([]*Link, 0, len(best))
	for to, score := range best {
		links = append(links, &Link{FromState: state, ToState: to, LogProb: score, Wid: NoWid})
	}
	m.closure[state] = links
	return links
}

// AddSilence inserts a filler self-loop with the given probability at
// one state, or at every state when state is -1.
func (m *Model) AddSilence(silWord string, state int32, silProb float64) int32 {
	wid := m.WordAdd(silWord)
	m.silWords[wid] = true
	logSilp := int32(float64(m.lmath.Log(silProb)) * float64(m.lw))

	nTrans := int32(0)
	if state == -1 {
		for s := int32(0); s < m.NState; s++ {
			m.TransAdd(s, s, logSilp, wid)
			nTrans++
		}
	} else {
		m.TransAdd(state, state, logSilp, wid)
		nTrans++
	}
	return nTrans
}

// AddAlt mirrors every transition emitting baseWord with a parallel
// transition emitting altWord, used for pronunciation alternates.
func (m *Model) AddAlt(baseWord, altWord string) int32 {
	baseWid := m.WordID(baseWord)
	if baseWid == NoWid {
		return 0
	}
	altWid := m.WordAdd(altWord)
	m.altWords[altWid] = true

	nTrans := int32(0)
	for from := int32(0); from < m.NState; from++ {
		for to, links := range m.trans[from].emit {
			for _, l := range links {
				if l.Wid == baseWid {
					m.TransAdd(from, to, l.LogProb, altWid)
					nTrans++
				}
			}
		}
	}
	return nTrans
}

// Accept reports whether the space-separated sentence spells a path
// from the start state to the final state through emitting
// transitions, nulls free.
func (m *Model) Accept(sentence string) bool {
	words := strings.Fields(sentence)

	active := m.closureSet(map[int32]bool{m.StartState: true})
	for _, w := range words {
		wid := m.WordID(w)
		if wid == NoWid {
			return false
		}
		next := map[int32]bool{}
		for s := range active {
			for _, links := range m.trans[s].emit {
				for _, l := range links {
					if l.Wid == wid {
						next[l.ToState] = true
					}
				}
			}
		}
		if len(next) == 0 {
			return false
		}
		active = m.closureSet(next)
	}
	return active[m.FinalState]
}

func (m *Model) closureSet(states map[int32]bool) map[int32]bool {
	out := map[int32]bool{}
	for s := range states {
		for _, l := range m.NullClosure(s) {
			out[l.ToState] = true
		}
	}
	return out
}
