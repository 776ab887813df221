package feat

import "log/slog"

// CMNMode selects how cepstral mean normalization is applied.
type CMNMode int

const (
	CMNNone CMNMode = iota
	// CMNBatch computes the mean over a whole utterance before
	// subtracting.
	CMNBatch
	// CMNLive subtracts a running prior mean updated as frames
	// arrive; the estimate carries across utterances until Reset.
	CMNLive
)

// cmnWindow bounds the weight of the live prior so new data keeps
// adapting it.
const cmnWindow = 500

// CMN is the cepstral mean estimator.
type CMN struct {
	mode   CMNMode
	mean   []float32
	sum    []float64
	nFrame int
}

// NewCMN creates an estimator for cepstral vectors of length veclen.
// The initial prior assumes a typical speech c0 of 12.
func NewCMN(mode CMNMode, veclen int) *CMN {
	c := &CMN{mode: mode, mean: make([]float32, veclen), sum: make([]float64, veclen)}
	if veclen > 0 {
		c.mean[0] = 12.0
		c.sum[0] = 12.0 * cmnWindow
		c.nFrame = cmnWindow
	}
	return c
}

// Reset drops the carried estimate back to the initial prior.
func (c *CMN) Reset() {
	for i := range c.sum {
		c.sum[i] = 0
		c.mean[i] = 0
	}
	c.mean[0] = 12.0
	c.sum[0] = 12.0 * cmnWindow
	c.nFrame = cmnWindow
}

// Mean returns the current estimate.
func (c *CMN) Mean() []float32 { return c.mean }

// BatchNormalize subtracts the utterance mean in place. Zero-energy
// frames (negative c0) are excluded from the mean.
func (c *CMN) BatchNormalize(frames [][]float32) {
	if c.mode != CMNBatch || len(frames) == 0 {
		return
	}
	mean := make([]float64, len(c.mean))
	nPos := 0
	for _, f := range frames {
		if f[0] < 0 {
			continue
		}
		for i, v := range f {
			mean[i] += float64(v)
		}
		nPos++
	}
	if nPos == 0 {
		slog.Warn("all frames zero-energy, skipping CMN")
		return
	}
	for i := range mean {
		mean[i] /= float64(nPos)
		c.mean[i] = float32(mean[i])
	}
	for _, f := range frames {
		for i := range f {
			f[i] -= c.mean[i]
		}
	}
}

// LiveNormalize subtracts the prior mean from one frame in place and
// folds the frame into the estimate.
func (c *CMN) LiveNormalize(frame []float32) {
	if c.mode != CMNLive {
		return
	}
	for i, v := range frame {
		frame[i] = v - c.mean[i]
		c.sum[i] += float64(v)
	}
	c.nFrame++
	if c.nFrame >= 2*cmnWindow {
		// Decay the window so the estimate tracks channel drift.
		for i := range c.sum {
			c.sum[i] /= 2
		}
		c.nFrame /= 2
	}
	for i := range c.mean {
		c.mean[i] = float32(c.sum[i] / float64(c.nFrame))
	}
}
