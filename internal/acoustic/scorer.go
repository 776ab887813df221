// Package acoustic evaluates senone output probabilities for feature
// frames. The semi-continuous path shares one Gaussian codebook per
// feature stream and combines 8-bit quantized mixture weights with
// top-N codeword scores; the continuous path evaluates per-senone
// diagonal-covariance mixtures.
package acoustic

import (
	"errors"
)

// WorstDist is the floor for Gaussian distances.
const WorstDist = int32(-0x80000000 >> 1)

// WorstScore is the senone score assigned when nothing is computable.
const WorstScore = int32(-0x38000000)

var (
	// ErrBadFormat indicates a model file failing structure checks.
	ErrBadFormat = errors.New("bad acoustic model format")
	// ErrOutOfRange indicates quantized data outside its declared
	// width; the model is corrupt and decoding cannot continue.
	ErrOutOfRange = errors.New("quantized value out of range")
)

// Scorer computes per-frame senone log likelihoods. Scores are
// non-positive integer logs; scores[s] closer to zero means more
// likely. The continuous scorer shifts each frame so its best senone
// scores zero; the semi-continuous scorer does not.
type Scorer interface {
	// FrameEval fills scores (indexed by senone id) for one feature
	// frame. When compAllSen is false only the senones listed in
	// active are computed.
	FrameEval(frame [][]float32, active []int32, compAllSen bool, frameIdx int, scores []int32) error
	// NSen returns the senone count the scorer was built for.
	NSen() int
	// StartUtt resets per-utterance scorer state (top-N history).
	StartUtt()
}
