package decoder

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/example/go-pocket-asr/internal/feat"
	"github.com/example/go-pocket-asr/internal/lattice"
	"github.com/example/go-pocket-asr/internal/search"
)

// deltaWindow is how many future cepstral frames the stream
// derivation needs before a frame can be scored.
const deltaWindow = 4

// StartUtt begins a new utterance. Pending search selection takes
// effect here.
func (d *Decoder) StartUtt() error {
	if d.state == StateBegun || d.state == StateStopped {
		return fmt.Errorf("decoder: start utt: %w", ErrBadState)
	}
	if d.pending != "" {
		d.active = d.searches[d.pending]
		d.pending = ""
	}

	d.frame = 0
	d.nScored = 0
	d.cepBuf = d.cepBuf[:0]
	d.utteFeat = d.utteFeat[:0]
	d.stopped = nil
	d.flat = nil
	d.res = nil

	d.scorer.StartUtt()
	if d.fe != nil {
		d.fe.Reset()
	}
	if d.pl != nil {
		d.pl.StartUtt()
	}
	if err := d.active.StartUtt(); err != nil {
		return err
	}
	d.state = StateBegun
	d.metrics.UttStarted()
	return nil
}

// ProcessRaw feeds 16-bit PCM samples (as floats) through the
// frontend.
func (d *Decoder) ProcessRaw(samples []float32) error {
	if d.state != StateBegun && d.state != StateStopped {
		return fmt.Errorf("decoder: process raw: %w", ErrBadState)
	}
	if d.fe == nil {
		fe, err := feat.NewFrontEnd(feat.DefaultSampleRate, d.cfg.Acoustic.CepLen, d.cfg.Acoustic.Dither)
		if err != nil {
			return err
		}
		d.fe = fe
	}
	for _, cep := range d.fe.Process(samples) {
		if err := d.ProcessCep(cep); err != nil {
			return err
		}
	}
	return nil
}

// ProcessCep feeds one cepstral frame. While STOPPED, frames are
// buffered and scored after Restart.
func (d *Decoder) ProcessCep(cep []float32) error {
	switch d.state {
	case StateBegun:
	case StateStopped:
		d.stopped = append(d.stopped, cep)
		return nil
	default:
		return fmt.Errorf("decoder: process cep: %w", ErrBadState)
	}
	if len(cep) != d.cfg.Acoustic.CepLen {
		return fmt.Errorf("decoder: cepstral frame length %d, want %d", len(cep), d.cfg.Acoustic.CepLen)
	}

	norm := append([]float32(nil), cep...)
	d.cmn.LiveNormalize(norm)
	d.agc.Normalize(norm)
	d.cepBuf = append(d.cepBuf, norm)
	return d.pump(false)
}

// pump scores every frame whose delta window is satisfied (or all
// remaining frames when flushing).
func (d *Decoder) pump(flush bool) error {
	avail := int32(len(d.cepBuf))
	limit := avail - deltaWindow
	if flush {
		limit = avail
	}
	for d.nScored < limit {
		// Derive the frame's streams against the current buffer; the
		// edges clamp, so flushing reuses the same path.
		fr := feat.S2Frame(d.cepBuf, int(d.nScored))
		d.utteFeat = append(d.utteFeat, fr)

		if err := d.scoreAndStep(fr, d.active, d.nScored); err != nil {
			return err
		}
		d.nScored++
		d.frame = d.nScored
	}
	return nil
}

// scoreAndStep runs the acoustic scorer for a search's active senones
// and advances the search one frame.
func (d *Decoder) scoreAndStep(fr [][]float32, s search.Search, frame int32) error {
	d.senset.Clear()
	s.ActiveSenones(d.senset)
	if d.pl != nil {
		d.pl.ActiveSenones(d.senset)
	}

	err := d.scorer.FrameEval(fr, d.senset.IDs(), d.cfg.Search.CompAllSen, int(frame), d.scores)
	if err != nil {
		return err
	}
	d.metrics.SenonesScored(len(d.senset.IDs()))

	if d.pl != nil {
		d.pl.Step(frame)
		if ts, ok := s.(*search.TreeSearch); ok {
			ts.SetPhoneLoopBias(d.pl.Bias())
		}
	}

	n, err := s.Step(frame)
	if err != nil {
		return err
	}
	d.metrics.FrameProcessed(n)
	return nil
}

// StopUtt pauses decoding; frames received while stopped are buffered
// rather than scored.
func (d *Decoder) StopUtt() error {
	if d.state != StateBegun {
		return fmt.Errorf("decoder: stop utt: %w", ErrBadState)
	}
	d.state = StateStopped
	return nil
}

// RestartUtt resumes a stopped utterance, scoring everything buffered
// in the meantime.
func (d *Decoder) RestartUtt() error {
	if d.state != StateStopped {
		return fmt.Errorf("decoder: restart utt: %w", ErrBadState)
	}
	d.state = StateBegun
	buffered := d.stopped
	d.stopped = nil
	for _, cep := range buffered {
		if err := d.ProcessCep(cep); err != nil {
			return err
		}
	}
	return nil
}

// EndUtt finalizes the utterance: flush remaining frames, close the
// first pass, and run the enabled rescoring passes.
func (d *Decoder) EndUtt() error {
	if d.state == StateStopped {
		d.state = StateBegun
	}
	if d.state != StateBegun {
		return fmt.Errorf("decoder: end utt: %w", ErrBadState)
	}
	started := time.Now()

	if err := d.pump(true); err != nil {
		return err
	}
	lastFrame := d.nScored - 1
	if err := d.active.FinishUtt(lastFrame); err != nil {
		return err
	}
	d.agc.EndUtt()

	d.res = &result{pass: d.active, lastFrame: lastFrame}

	// Second pass: flat-lexicon rescoring over the first-pass words.
	if ts, ok := d.active.(*search.TreeSearch); ok && d.cfg.Search.FwdFlat && lastFrame >= 0 {
		if err := d.runFlatPass(ts, lastFrame); err != nil {
			slog.Warn("flat-lexicon pass failed", "error", err)
		}
	}

	// Third pass: lattice best path.
	if lastFrame >= 0 {
		d.buildLattice(lastFrame)
	}

	d.state = StateEnded
	d.metrics.UttEnded(time.Since(started), int(d.nScored))
	return nil
}

// runFlatPass replays the utterance features through the flat-lexicon
// search.
func (d *Decoder) runFlatPass(ts *search.TreeSearch, lastFrame int32) error {
	lm := d.lmset.Current()
	if lm == nil {
		return nil
	}
	b := d.cfg.Beams
	lmc := d.cfg.LM
	p := search.NewParams(d.lmath, b.FwdFlat, b.FwdFlatW, b.FwdFlat, b.FwdFlat, b.FwdFlatW,
		float32(lmc.FwdFlatLW), lmc.WIP, lmc.SilProb, lmc.FillProb)
	fp := search.FlatParams{
		Params:       p,
		StartWindow:  int32(d.cfg.Search.FwdFlatSFWin),
		MinEndFrames: d.cfg.Search.FwdFlatEFWid,
	}

	lm.ApplyWeights(float32(lmc.FwdFlatLW), lmc.WIP)
	defer lm.ApplyWeights(float32(lmc.LW), lmc.WIP)

	flat := search.NewFlatSearch(ts.Name()+"-flat", d.mdl, d.dict, lm, d.tmat, fp, d.scores, ts.BP())
	if err := flat.StartUtt(); err != nil {
		return err
	}
	d.scorer.StartUtt()
	for f := int32(0); f <= lastFrame; f++ {
		if err := d.scoreAndStep(d.utteFeat[f], flat, f); err != nil {
			return err
		}
	}
	if err := flat.FinishUtt(lastFrame); err != nil {
		return err
	}
	d.flat = flat
	if hyp, _ := flat.Hyp(); hyp != "" {
		d.res = &result{pass: flat, lastFrame: lastFrame}
	}
	return nil
}

// buildLattice constructs the word lattice from the final pass and
// runs best-path and posterior rescoring when enabled.
func (d *Decoder) buildLattice(lastFrame int32) {
	bp := d.res.pass.BP()
	if bp.Len() == 0 {
		return
	}
	lat, err := lattice.Build(bp, d.dict, d.lmath, lastFrame, lattice.Config{
		MinEndFrames: int32(d.cfg.Search.MinEndFr),
	})
	if err != nil {
		slog.Warn("lattice build failed", "error", err)
		return
	}
	d.res.lat = lat

	if d.cfg.Search.BestPath {
		ratio := d.cfg.LM.BestPathLW / d.cfg.LM.LW
		d.res.latRatio = ratio
		if hyp, score := lat.Hyp(ratio); hyp != "" {
			d.res.bestpathHyp = hyp
			d.res.bestpathScore = score
		}
		lat.Posterior(ratio, d.lmath.Log(d.cfg.LM.OutLatBeam))
	}
}

// AbortUtt truncates the utterance to the frames already processed
// and finalizes a hypothesis over that prefix.
func (d *Decoder) AbortUtt() error {
	if d.state != StateBegun && d.state != StateStopped {
		return fmt.Errorf("decoder: abort utt: %w", ErrBadState)
	}
	d.stopped = nil
	lastFrame := d.nScored - 1
	if err := d.active.FinishUtt(lastFrame); err != nil {
		return err
	}
	d.res = &result{pass: d.active, lastFrame: lastFrame}
	if lastFrame >= 0 {
		d.buildLattice(lastFrame)
	}
	d.state = StateIdle
	return nil
}

// ResetCMN drops the live cepstral-mean and gain estimates carried
// across utterances.
func (d *Decoder) ResetCMN() {
	d.cmn.Reset()
	d.agc.Reset()
}

// NFrames returns the number of frames scored in the current or last
// utterance.
func (d *Decoder) NFrames() int32 { return d.nScored }
