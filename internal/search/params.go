package search

import (
	"github.com/example/go-pocket-asr/internal/logmath"
)

// Params carries the beam widths and penalties a search needs, in
// integer log units (all non-positive).
type Params struct {
	Beam       int32
	WBeam      int32
	PBeam      int32
	LPBeam     int32
	LPOnlyBeam int32

	MaxHMMPF int // max active HMMs per frame; <=0 is unlimited
	MaxWPF   int // max distinct word exits per frame; <=0 is unlimited

	LW      float32
	LogWip  int32
	SilPen  int32 // scaled log(silprob) + wip
	FillPen int32 // scaled log(fillprob) + wip

	// Phone-loop lookahead weight; 0 disables the bias.
	PLWeight float32
}

// NewParams converts linear-probability beam settings into log
// domain.
func NewParams(lmath *logmath.LogMath, beam, wbeam, pbeam, lpbeam, lponlybeam float64,
	lw float32, wip, silprob, fillprob float64) Params {
	logWip := lmath.Log(wip)
	return Params{
		Beam:       lmath.Log(beam),
		WBeam:      lmath.Log(wbeam),
		PBeam:      lmath.Log(pbeam),
		LPBeam:     lmath.Log(lpbeam),
		LPOnlyBeam: lmath.Log(lponlybeam),
		LW:         lw,
		LogWip:     logWip,
		SilPen:     int32(float64(lmath.Log(silprob))*float64(lw)) + logWip,
		FillPen:    int32(float64(lmath.Log(fillprob))*float64(lw)) + logWip,
	}
}

// Search is one decoding pass driven frame by frame. The decoder owns
// the acoustic scorer; a search reports which senones it needs, then
// consumes the filled score array.
type Search interface {
	Name() string
	StartUtt() error
	// ActiveSenones collects the senones needed for the coming frame.
	ActiveSenones(set *SenoneSet)
	// Step advances one frame using the shared senone score array.
	// Returns the number of HMMs evaluated.
	Step(frame int32) (int, error)
	// FinishUtt closes out the utterance after the last frame.
	FinishUtt(lastFrame int32) error
	// Hyp returns the current best hypothesis and its path score.
	Hyp() (string, int32)
	// BP exposes the backpointer table for lattice construction.
	BP() *BPTable
}
