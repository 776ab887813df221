package acoustic

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/example/go-pocket-asr/internal/logmath"
)

// ContConfig configures the continuous-density scorer.
type ContConfig struct {
	MeanPath  string
	VarPath   string
	MixwPath  string
	VarFloor  float64
	MixwFloor float64
}

// ContScorer evaluates per-senone diagonal-covariance Gaussian
// mixtures over a single feature stream.
type ContScorer struct {
	lmath    *logmath.LogMath
	nSen     int
	nDensity int
	veclen   int

	// Row-major [senone*nDensity*veclen], variances prescaled like
	// the semi-continuous codebook.
	means []float32
	vars  []float32
	dets  []int32
	// mixwLog[senone*nDensity+comp] is the int log mixture weight.
	mixwLog []int32
}

// NewCont loads a continuous acoustic model. The mean/var files carry
// one codebook per senone.
func NewCont(cfg ContConfig, lmath *logmath.LogMath, nSen int) (*ContScorer, error) {
	if cfg.VarFloor <= 0 {
		cfg.VarFloor = 1e-4
	}
	if cfg.MixwFloor <= 0 {
		cfg.MixwFloor = 1e-7
	}

	means, err := readContParam(cfg.MeanPath, nSen)
	if err != nil {
		return nil, err
	}
	vars, err := readContParam(cfg.VarPath, nSen)
	if err != nil {
		return nil, err
	}
	if means.nDensity != vars.nDensity || means.veclen[0] != vars.veclen[0] {
		return nil, fmt.Errorf("acoustic: %w: continuous mean/var mismatch", ErrBadFormat)
	}

	s := &ContScorer{
		lmath:    lmath,
		nSen:     nSen,
		nDensity: means.nDensity,
		veclen:   means.veclen[0],
		means:    means.data[0],
		vars:     vars.data[0],
	}
	s.precompute(cfg.VarFloor)
	if err := s.loadMixw(cfg.MixwPath, cfg.MixwFloor); err != nil {
		return nil, err
	}

	slog.Info("loaded continuous acoustic model",
		"senones", nSen, "densities", s.nDensity, "veclen", s.veclen)
	return s, nil
}

// readContParam reads a mean or variance file with one codebook per
// senone, flattened into a single stream.
func readContParam(path string, nSen int) (*gauParam, error) {
	f, err := openS3(path)
	if err != nil {
		return nil, err
	}
	r := f.r

	nMgau := int(r.int32())
	nFeat := int(r.int32())
	nDensity := int(r.int32())
	if nMgau != nSen {
		return nil, fmt.Errorf("acoustic: %s: %w: %d codebooks for %d senones", path, ErrBadFormat, nMgau, nSen)
	}
	if nFeat != 1 {
		return nil, fmt.Errorf("acoustic: %s: %w: continuous models use one stream, file has %d",
			path, ErrBadFormat, nFeat)
	}
	veclen := int(r.int32())
	n := int(r.int32())
	if r.err != nil {
		return nil, fmt.Errorf("acoustic: %s: %w: truncated header", path, ErrBadFormat)
	}
	if n != nMgau*nDensity*veclen {
		return nil, fmt.Errorf("acoustic: %s: %w: %d floats, want %d", path, ErrBadFormat, n, nMgau*nDensity*veclen)
	}

	data := r.floats(n)
	if r.err != nil {
		return nil, fmt.Errorf("acoustic: %s: %w: truncated data", path, ErrBadFormat)
	}
	return &gauParam{nFeat: 1, nDensity: nDensity, veclen: []int{veclen}, data: [][]float32{data}}, nil
}

func (s *ContScorer) precompute(varFloor float64) {
	logBase := math.Log(s.lmath.Base())
	s.dets = make([]int32, s.nSen*s.nDensity)
	for g := 0; g < s.nSen*s.nDensity; g++ {
		d := int32(0)
		for j := 0; j < s.veclen; j++ {
			idx := g*s.veclen + j
			fvar := float64(s.vars[idx])
			if fvar < varFloor {
				fvar = varFloor
			}
			d += s.lmath.LnToLog(math.Log(1 / math.Sqrt(fvar*2*math.Pi)))
			s.vars[idx] = float32(1 / (2 * fvar * logBase))
		}
		s.dets[g] = d
	}
}

func (s *ContScorer) loadMixw(path string, floor float64) error {
	f, err := openS3(path)
	if err != nil {
		return err
	}
	r := f.r

	nSen := int(r.int32())
	nFeat := int(r.int32())
	nComp := int(r.int32())
	n := int(r.int32())
	if r.err != nil || nFeat != 1 || nSen != s.nSen || nComp != s.nDensity ||
		n != nSen*nComp {
		return fmt.Errorf("acoustic: %s: %w: mixw dimensions", path, ErrBadFormat)
	}

	s.mixwLog = make([]int32, nSen*nComp)
	pdf := make([]float64, nComp)
	for sen := 0; sen < nSen; sen++ {
		for c := range pdf {
			pdf[c] = float64(r.float32())
		}
		if r.err != nil {
			return fmt.Errorf("acoustic: %s: %w: truncated mixw", path, ErrBadFormat)
		}
		sumNorm(pdf)
		floorVec(pdf, floor)
		sumNorm(pdf)
		for c, p := range pdf {
			s.mixwLog[sen*nComp+c] = s.lmath.Log(p)
		}
	}
	return nil
}

// NSen implements Scorer.
func (s *ContScorer) NSen() int { return s.nSen }

// StartUtt implements Scorer; the continuous path keeps no history.
func (s *ContScorer) StartUtt() {}

// FrameEval implements Scorer: a log-add over mixture components per
// active senone, normalized so the frame best is zero.
func (s *ContScorer) FrameEval(frame [][]float32, active []int32, compAllSen bool, frameIdx int, scores []int32) error {
	if len(frame) != 1 {
		return fmt.Errorf("acoustic: continuous model wants 1 stream, frame has %d", len(frame))
	}
	z := frame[0]
	if len(z) != s.veclen {
		return fmt.Errorf("acoustic: frame length %d, model wants %d", len(z), s.veclen)
	}
	if compAllSen || active == nil {
		active = allSenones(s.nSen)
	}

	best := WorstScore
	for _, sen := range active {
		score := WorstScore
		for c := 0; c < s.nDensity; c++ {
			g := int(sen)*s.nDensity + c
			d := s.dets[g] + s.mixwLog[int(sen)*s.nDensity+c]
			base := g * s.veclen
			for j := 0; j < s.veclen; j++ {
				diff := z[j] - s.means[base+j]
				d = gmmSub(d, int32(diff*diff*s.vars[base+j]))
			}
			score = s.lmath.Add(score, d)
		}
		scores[sen] = score
		if score > best {
			best = score
		}
	}
	for _, sen := range active {
		scores[sen] -= best
	}
	return nil
}
