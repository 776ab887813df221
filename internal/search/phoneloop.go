package search

import (
	"github.com/example/go-pocket-asr/internal/acoustic"
	"github.com/example/go-pocket-asr/internal/mdef"
)

// PhoneLoop is the lookahead search: an unconstrained loop over
// context-independent phones run one frame ahead of the main pass,
// whose per-phone scores bias the tree search toward acoustically
// plausible phones.
type PhoneLoop struct {
	mdl  *mdef.Model
	tmat *acoustic.TMat
	beam int32

	hmms   []*HMM
	bias   []int32
	scores []int32
	weight float32
}

// NewPhoneLoop builds one looped HMM per CI phone.
func NewPhoneLoop(mdl *mdef.Model, tmat *acoustic.TMat, beam int32, weight float32, scores []int32) *PhoneLoop {
	p := &PhoneLoop{
		mdl:    mdl,
		tmat:   tmat,
		beam:   beam,
		scores: scores,
		weight: weight,
		bias:   make([]int32, mdl.NCIPhone()),
	}
	for ci := 0; ci < mdl.NCIPhone(); ci++ {
		p.hmms = append(p.hmms, NewHMM(mdl.SSeq(ci), mdl.TMatID(ci), mdl.NEmitState))
	}
	return p
}

// StartUtt resets the loop.
func (p *PhoneLoop) StartUtt() {
	for _, h := range p.hmms {
		h.Clear()
		h.Enter(0, NoBP, 0)
	}
	for i := range p.bias {
		p.bias[i] = 0
	}
}

// ActiveSenones adds every CI senone; the loop always evaluates the
// full CI set.
func (p *PhoneLoop) ActiveSenones(set *SenoneSet) {
	for _, h := range p.hmms {
		set.AddHMM(h)
	}
}

// Step advances the loop one frame and refreshes the bias table.
func (p *PhoneLoop) Step(frame int32) {
	best := WorstScore
	for _, h := range p.hmms {
		if sc := h.Eval(p.tmat, p.scores); sc > best {
			best = sc
		}
	}
	if best <= WorstScore {
		return
	}
	th := saturateAdd(best, p.beam)

	// Renormalize and loop: every phone can follow every phone.
	bestOut := WorstScore
	for _, h := range p.hmms {
		if h.OutScore > bestOut {
			bestOut = h.OutScore
		}
	}
	for ci, h := range p.hmms {
		margin := saturateAdd(h.BestScore, -best)
		if h.BestScore <= WorstScore {
			margin = p.beam
		}
		if h.BestScore < th {
			h.Clear()
		} else {
			// Keep scores bounded by rebasing on the frame best.
			for j := range h.Score {
				if h.Score[j] > WorstScore {
					h.Score[j] -= best
				}
			}
			h.BestScore -= best
		}
		h.Enter(saturateAdd(bestOut, -best), NoBP, frame+1)
		h.Frame = frame + 1

		// Bias is the phone's margin below the frame best, scaled.
		p.bias[ci] = int32(float64(margin) * float64(p.weight))
	}
}

// Bias returns the per-CI-phone lookahead scores (all <= 0).
func (p *PhoneLoop) Bias() []int32 { return p.bias }
