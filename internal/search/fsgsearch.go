package search

import (
	"log/slog"
	"strings"

	"github.com/example/go-pocket-asr/internal/acoustic"
	"github.com/example/go-pocket-asr/internal/fsg"
	"github.com/example/go-pocket-asr/internal/lexicon"
	"github.com/example/go-pocket-asr/internal/mdef"
)

// fsgChain is one emitting FSG transition instantiated as a linear
// chain of triphone HMMs for the transition's word.
type fsgChain struct {
	link    *fsg.Link
	dictWid int32
	chain   []*HMM
	active  bool
}

// FSGSearch decodes against a finite-state grammar: FSG states carry
// Viterbi scores, emitting transitions run word HMM chains, and null
// transitions propagate for free at frame boundaries.
type FSGSearch struct {
	name   string
	model  *fsg.Model
	mdl    *mdef.Model
	dict   *lexicon.Dictionary
	tmat   *acoustic.TMat
	params Params

	chains []*fsgChain
	// chainsFrom[state] lists chains leaving that state.
	chainsFrom [][]*fsgChain
	scores     []int32

	bp         *BPTable
	stateScore []int32
	stateHist  []int32
	frame      int32
}

// NewFSGSearch instantiates HMM networks for every emitting
// transition whose word the dictionary knows.
func NewFSGSearch(name string, model *fsg.Model, mdl *mdef.Model,
	dict *lexicon.Dictionary, tmat *acoustic.TMat, params Params, scores []int32) (*FSGSearch, error) {
	s := &FSGSearch{
		name:       name,
		model:      model,
		mdl:        mdl,
		dict:       dict,
		tmat:       tmat,
		params:     params,
		scores:     scores,
		bp:         NewBPTable(1024),
		chainsFrom: make([][]*fsgChain, model.NState),
		stateScore: make([]int32, model.NState),
		stateHist:  make([]int32, model.NState),
	}

	for from := int32(0); from < model.NState; from++ {
		for _, l := range model.ArcIter(from) {
			if l.Wid < 0 {
				continue
			}
			if nt := model.NullTransTo(from, l.ToState); nt == l {
				continue
			}
			word := model.WordStr(l.Wid)
			dictWid := dict.WordID(word)
			if dictWid == lexicon.NoWord {
				slog.Warn("grammar word missing from dictionary", "word", word)
				continue
			}
			phones := dict.Pronunciation(dictWid)
			c := &fsgChain{link: l, dictWid: int32(dictWid)}
			for _, pid := range wordTriphones(mdl, phones) {
				c.chain = append(c.chain, NewHMM(mdl.SSeq(pid), mdl.TMatID(pid), mdl.NEmitState))
			}
			s.chains = append(s.chains, c)
			s.chainsFrom[from] = append(s.chainsFrom[from], c)
		}
	}
	slog.Info("compiled FSG search", "grammar", model.Name,
		"states", model.NState, "chains", len(s.chains))
	return s, nil
}

// Name implements Search.
func (s *FSGSearch) Name() string { return s.name }

// BP implements Search.
func (s *FSGSearch) BP() *BPTable { return s.bp }

// StartUtt implements Search.
func (s *FSGSearch) StartUtt() error {
	s.bp.Reset()
	for _, c := range s.chains {
		for _, h := range c.chain {
			h.Clear()
		}
		c.active = false
	}
	for i := range s.stateScore {
		s.stateScore[i] = WorstScore
		s.stateHist[i] = NoBP
	}
	// The start state and everything null-reachable from it.
	for _, l := range s.model.NullClosure(s.model.StartState) {
		if l.LogProb > s.stateScore[l.ToState] {
			s.stateScore[l.ToState] = l.LogProb
		}
	}
	s.frame = 0
	return nil
}

// ActiveSenones implements Search.
func (s *FSGSearch) ActiveSenones(set *SenoneSet) {
	for _, c := range s.chains {
		if c.active {
			for _, h := range c.chain {
				set.AddHMM(h)
			}
		}
		if s.stateScore[c.link.FromState] > WorstScore {
			set.AddHMM(c.chain[0])
		}
	}
}

// Step implements Search.
func (s *FSGSearch) Step(frame int32) (int, error) {
	s.frame = frame

	// Enter chains from live states.
	for state, chains := range s.chainsFrom {
		score := s.stateScore[state]
		if score <= WorstScore {
			continue
		}
		for _, c := range chains {
			c.chain[0].Enter(saturateAdd(score, c.link.LogProb), s.stateHist[state], frame)
			c.active = true
		}
	}

	// Evaluate.
	best := WorstScore
	nEval := 0
	for _, c := range s.chains {
		if !c.active {
			continue
		}
		for _, h := range c.chain {
			if !h.IsActive(frame) {
				continue
			}
			sc := h.Eval(s.tmat, s.scores)
			nEval++
			if sc > best {
				best = sc
			}
		}
	}
	if best <= WorstScore {
		slog.Warn("no active HMMs survive pruning", "frame", frame, "search", s.name)
		s.bp.FrameDone(frame)
		return 0, nil
	}
	th := saturateAdd(best, s.params.Beam)
	wth := saturateAdd(best, s.params.WBeam)

	// Propagate inside chains, collect word arrivals.
	newScore := make([]int32, s.model.NState)
	newHist := make([]int32, s.model.NState)
	for i := range newScore {
		newScore[i] = WorstScore
		newHist[i] = NoBP
	}

	for _, c := range s.chains {
		if !c.active {
			continue
		}
		alive := false
		for i, h := range c.chain {
			if !h.IsActive(frame) {
				continue
			}
			if h.BestScore < th {
				h.Clear()
				continue
			}
			h.Frame = frame + 1
			alive = true
			if h.OutScore <= WorstScore {
				continue
			}
			if i+1 < len(c.chain) {
				c.chain[i+1].Enter(h.OutScore, h.OutHist, frame+1)
				continue
			}
			if h.OutScore < wth {
				continue
			}
			// Word complete: arrive at the destination state.
			start := int32(0)
			prevScore := int32(0)
			if h.OutHist != NoBP {
				prev := s.bp.Entry(h.OutHist)
				start = prev.Frame + 1
				prevScore = prev.Score
			}
			bpIdx, err := s.bp.Enter(BPEntry{
				Frame:      frame,
				WordID:     c.dictWid,
				StartFrame: start,
				Score:      h.OutScore,
				AScore:     h.OutScore - prevScore - c.link.LogProb,
				LScore:     c.link.LogProb,
				Prev:       h.OutHist,
			})
			if err != nil {
				slog.Warn("dropped backpointer", "error", err)
				continue
			}
			to := c.link.ToState
			if h.OutScore > newScore[to] {
				newScore[to] = h.OutScore
				newHist[to] = bpIdx
			}
		}
		c.active = alive
	}
	s.bp.FrameDone(frame)

	// Null closure over the new arrivals.
	for state := int32(0); state < s.model.NState; state++ {
		if newScore[state] <= WorstScore {
			continue
		}
		for _, l := range s.model.NullClosure(state) {
			if l.ToState == state {
				continue
			}
			sc := saturateAdd(newScore[state], l.LogProb)
			if sc > newScore[l.ToState] {
				newScore[l.ToState] = sc
				newHist[l.ToState] = newHist[state]
			}
		}
	}

	s.stateScore = newScore
	s.stateHist = newHist
	return nEval, nil
}

// FinishUtt implements Search.
func (s *FSGSearch) FinishUtt(lastFrame int32) error {
	s.bp.FrameDone(lastFrame)
	return nil
}

// Hyp implements Search: backtrace from the final state when it was
// reached, otherwise from the best word exit anywhere.
func (s *FSGSearch) Hyp() (string, int32) {
	exit := s.stateHist[s.model.FinalState]
	score := s.stateScore[s.model.FinalState]
	if exit == NoBP {
		last := int32(len(s.bp.frameIdx)) - 1
		for f := last; f >= 0 && exit == NoBP; f-- {
			exit = s.bp.BestExit(f, -1)
		}
		if exit == NoBP {
			return "", 0
		}
		score = s.bp.Entry(exit).Score
	}

	var words []string
	for _, bp := range s.bp.Backtrace(exit) {
		e := s.bp.Entry(bp)
		if s.dict.IsFiller(int(e.WordID)) || s.model.IsFiller(s.model.WordID(s.dict.WordName(int(e.WordID)))) {
			continue
		}
		words = append(words, s.dict.WordName(s.dict.BaseID(int(e.WordID))))
	}
	return strings.Join(words, " "), score
}
