// Package search implements the time-synchronous Viterbi beam
// searches: the lexicon-tree first pass, the flat-lexicon second
// pass, FSG decoding, and the phone-loop lookahead.
package search

import (
	"github.com/example/go-pocket-asr/internal/acoustic"
	"github.com/example/go-pocket-asr/internal/logmath"
)

// WorstScore marks unreachable Viterbi states.
const WorstScore = int32(logmath.Zero)

// NoBP marks the absence of a backpointer (utterance start).
const NoBP = int32(-1)

// HMM is one active Viterbi evaluation of a phone: per-state partial
// path scores and backpointer history, plus the best entry/exit
// bookkeeping the searches prune on.
type HMM struct {
	SSeq   []int16 // senone id per emitting state
	TMatID int

	Score []int32 // per emitting state
	Hist  []int32 // BP index per emitting state

	BestScore int32
	OutScore  int32 // exit (non-emitting final) state
	OutHist   int32

	// Frame is the last frame this HMM was active in; stale HMMs are
	// reinitialized instead of cleared eagerly.
	Frame int32
}

// NewHMM allocates an inactive HMM over a senone sequence.
func NewHMM(sseq []int16, tmatID int, nEmit int) *HMM {
	h := &HMM{
		SSeq:   sseq,
		TMatID: tmatID,
		Score:  make([]int32, nEmit),
		Hist:   make([]int32, nEmit),
	}
	h.Clear()
	return h
}

// Clear deactivates the HMM.
func (h *HMM) Clear() {
	for i := range h.Score {
		h.Score[i] = WorstScore
		h.Hist[i] = NoBP
	}
	h.BestScore = WorstScore
	h.OutScore = WorstScore
	h.OutHist = NoBP
	h.Frame = -1
}

// Enter seeds the first state with an incoming path if it beats the
// current one.
func (h *HMM) Enter(score int32, hist int32, frame int32) {
	if score <= h.Score[0] {
		return
	}
	h.Score[0] = score
	h.Hist[0] = hist
	h.Frame = frame
	if score > h.BestScore {
		h.BestScore = score
	}
}

// IsActive reports whether the HMM holds a live path for frame.
func (h *HMM) IsActive(frame int32) bool {
	return h.Frame >= frame
}

// Eval advances the HMM one frame: each state takes the best of its
// self-loop, forward, and skip predecessors through the transition
// matrix, then absorbs its senone score. Returns the new best state
// score.
func (h *HMM) Eval(tmat *acoustic.TMat, senScores []int32) int32 {
	n := len(h.Score)
	t := h.TMatID

	// Emitting states right to left so the update is in place: state
	// j reads only states i <= j, which still hold last frame's
	// scores.
	best := WorstScore
	for j := n - 1; j >= 0; j-- {
		newScore := WorstScore
		newHist := NoBP
		lo := j - 2
		if lo < 0 {
			lo = 0
		}
		for i := j; i >= lo; i-- {
			if h.Score[i] <= WorstScore {
				continue
			}
			s := saturateAdd(h.Score[i], tmat.Prob(t, i, j))
			if s > newScore {
				newScore = s
				newHist = h.Hist[i]
			}
		}
		if newScore > WorstScore {
			newScore = saturateAdd(newScore, senScores[h.SSeq[j]])
		}
		h.Score[j] = newScore
		h.Hist[j] = newHist
		if newScore > best {
			best = newScore
		}
	}
	h.BestScore = best

	// Exit state from the updated emitting scores.
	bestOut := WorstScore
	outHist := NoBP
	for i := n - 1; i >= 0 && i >= n-3; i-- {
		if h.Score[i] <= WorstScore {
			continue
		}
		s := saturateAdd(h.Score[i], tmat.Prob(t, i, n))
		if s > bestOut {
			bestOut = s
			outHist = h.Hist[i]
		}
	}
	h.OutScore = bestOut
	h.OutHist = outHist
	return best
}

func saturateAdd(a, b int32) int32 {
	s := int64(a) + int64(b)
	if s < int64(WorstScore) {
		return WorstScore
	}
	return int32(s)
}

// SenoneSet accumulates the distinct senones the active HMMs need
// scored this frame.
type SenoneSet struct {
	seen []bool
	ids  []int32
}

// NewSenoneSet sizes the set for nSen senones.
func NewSenoneSet(nSen int) *SenoneSet {
	return &SenoneSet{seen: make([]bool, nSen)}
}

// Clear empties the set, keeping capacity.
func (s *SenoneSet) Clear() {
	for _, id := range s.ids {
		s.seen[id] = false
	}
	s.ids = s.ids[:0]
}

// AddHMM marks all senones of an HMM active.
func (s *SenoneSet) AddHMM(h *HMM) {
	for _, sen := range h.SSeq {
		if !s.seen[sen] {
			s.seen[sen] = true
			s.ids = append(s.ids, int32(sen))
		}
	}
}

// IDs lists the active senones.
func (s *SenoneSet) IDs() []int32 { return s.ids }
