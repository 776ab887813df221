package acoustic

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/example/go-pocket-asr/internal/logmath"
)

// vqFeature is one top-N codeword with its Gaussian log density (and,
// after normalization, its quantized stream weight).
type vqFeature struct {
	codeword int32
	dist     int32
}

// SemiConfig configures the semi-continuous scorer.
type SemiConfig struct {
	MeanPath    string
	VarPath     string
	MixwPath    string  // float mixture weights (Sphinx-3 format)
	SendumpPath string  // pre-quantized 8-bit dump, preferred when set
	VarFloor    float64 // 1e-4
	MixwFloor   float64 // 1e-7
	TopN        int     // 4
	DSRatio     int     // 1 = no frame skipping
	KDTree      bool    // prune codebook sweeps with an in-memory kd-tree
	KDMaxDepth  int
	MMap        bool // map the sendump weights read-only when possible
}

// SemiScorer is the shared-codebook top-N senone evaluator.
type SemiScorer struct {
	lmath *logmath.LogMath

	nFeat    int
	nDensity int
	nSen     int
	veclen   []int
	topN     int
	dsRatio  int

	// Prescaled parameters: vars hold 1/(2*sigma^2*ln(base)) so a
	// squared difference multiplies straight into log-base units;
	// dets hold the log Gaussian normalizers.
	means [][]float32
	vars  [][]float32
	dets  [][]int32

	// mixw[feat][codeword][senone], 8-bit quantized negated logs.
	mixw [][][]uint8

	kdtrees []*kdTree

	// Per-utterance top-N state, warm-started from the previous
	// frame.
	f, lastf [][]vqFeature

	// logadd[d] is the quantized log-add correction for an 8-bit
	// score difference d.
	logadd [256]uint8
}

// NewSemi loads and precomputes a semi-continuous acoustic model.
func NewSemi(cfg SemiConfig, lmath *logmath.LogMath, nSen int) (*SemiScorer, error) {
	if cfg.TopN <= 0 {
		cfg.TopN = 4
	}
	if cfg.DSRatio <= 0 {
		cfg.DSRatio = 1
	}
	if cfg.VarFloor <= 0 {
		cfg.VarFloor = 1e-4
	}
	if cfg.MixwFloor <= 0 {
		cfg.MixwFloor = 1e-7
	}

	means, err := readGauParam(cfg.MeanPath)
	if err != nil {
		return nil, err
	}
	vars, err := readGauParam(cfg.VarPath)
	if err != nil {
		return nil, err
	}
	if means.nFeat != vars.nFeat || means.nDensity != vars.nDensity {
		return nil, fmt.Errorf("acoustic: %w: mean/var dimension mismatch", ErrBadFormat)
	}

	s := &SemiScorer{
		lmath:    lmath,
		nFeat:    means.nFeat,
		nDensity: means.nDensity,
		nSen:     nSen,
		veclen:   means.veclen,
		topN:     cfg.TopN,
		dsRatio:  cfg.DSRatio,
		means:    means.data,
		vars:     vars.data,
	}
	if s.topN > s.nDensity {
		s.topN = s.nDensity
	}
	s.precompute(cfg.VarFloor)
	s.buildLogAdd()

	if cfg.SendumpPath != "" {
		if err := s.loadSendump(cfg.SendumpPath, cfg.MMap); err != nil {
			return nil, err
		}
	} else {
		if err := s.loadMixw(cfg.MixwPath, cfg.MixwFloor); err != nil {
			return nil, err
		}
	}

	if cfg.KDTree {
		maxDepth := cfg.KDMaxDepth
		if maxDepth <= 0 {
			maxDepth = 10
		}
		s.kdtrees = make([]*kdTree, s.nFeat)
		for feat := 0; feat < s.nFeat; feat++ {
			s.kdtrees[feat] = buildKDTree(s.means[feat], s.veclen[feat], s.nDensity, maxDepth)
		}
	}

	s.f = make([][]vqFeature, s.nFeat)
	s.lastf = make([][]vqFeature, s.nFeat)
	for i := range s.f {
		s.f[i] = make([]vqFeature, s.topN)
		s.lastf[i] = make([]vqFeature, s.topN)
	}
	s.StartUtt()

	slog.Info("loaded semi-continuous acoustic model",
		"features", s.nFeat, "densities", s.nDensity, "senones", s.nSen, "topn", s.topN)
	return s, nil
}

// NSen implements Scorer.
func (s *SemiScorer) NSen() int { return s.nSen }

// StartUtt seeds the top-N history with the first codewords.
func (s *SemiScorer) StartUtt() {
	for feat := range s.lastf {
		for i := range s.lastf[feat] {
			s.lastf[feat][i] = vqFeature{codeword: int32(i), dist: WorstDist}
		}
	}
}

// precompute folds the variance floor, the log-base scale and the
// Gaussian determinant into the stored parameters.
func (s *SemiScorer) precompute(varFloor float64) {
	logBase := math.Log(s.lmath.Base())
	s.dets = make([][]int32, s.nFeat)
	for feat := 0; feat < s.nFeat; feat++ {
		vl := s.veclen[feat]
		s.dets[feat] = make([]int32, s.nDensity)
		for den := 0; den < s.nDensity; den++ {
			d := int32(0)
			for j := 0; j < vl; j++ {
				idx := den*vl + j
				fvar := float64(s.vars[feat][idx])
				if fvar < varFloor {
					fvar = varFloor
				}
				d += s.lmath.LnToLog(math.Log(1 / math.Sqrt(fvar*2*math.Pi)))
				s.vars[feat][idx] = float32(1 / (2 * fvar * logBase))
			}
			s.dets[feat][den] = d
		}
	}
}

// buildLogAdd fills the 8-bit log-add correction table used by the
// quantized mixture loops.
func (s *SemiScorer) buildLogAdd() {
	logBase := math.Log(s.lmath.Base())
	for d := 0; d < 256; d++ {
		corr := math.Log1p(math.Pow(s.lmath.Base(), -float64(d<<10))) / logBase / 1024
		q := math.Round(corr)
		if q > 255 {
			q = 255
		}
		s.logadd[d] = uint8(q)
	}
}

// logAdd8 combines two quantized negated logs (smaller is more
// likely).
func (s *SemiScorer) logAdd8(p1, p2 int32) int32 {
	if p1 > p2 {
		p1, p2 = p2, p1
	}
	d := p2 - p1
	if d > 255 {
		return p1
	}
	r := p1 - int32(s.logadd[d])
	if r < 0 {
		return 0
	}
	return r
}

// FrameEval implements Scorer for the semi-continuous model.
func (s *SemiScorer) FrameEval(frame [][]float32, active []int32, compAllSen bool, frameIdx int, scores []int32) error {
	if len(frame) != s.nFeat {
		return fmt.Errorf("acoustic: frame has %d streams, model wants %d", len(frame), s.nFeat)
	}

	for feat := 0; feat < s.nFeat; feat++ {
		s.mgauDist(frameIdx, feat, frame[feat])
	}
	s.normalizeTopN()

	for i := range scores {
		scores[i] = 0
	}
	if compAllSen || active == nil {
		active = allSenones(s.nSen)
	}
	switch s.topN {
	case 4:
		s.scoreTopN(scores, active, 4)
	case 2:
		s.scoreTopN(scores, active, 2)
	case 1:
		s.scoreTop1(scores, active)
	default:
		s.scoreTopN(scores, active, s.topN)
	}
	return nil
}

func allSenones(n int) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(i)
	}
	return out
}

// mgauDist refreshes the top-N codewords for one stream: re-evaluate
// the previous frame's winners against the current observation, then
// (unless the frame is skipped by the downsampling ratio) sweep the
// rest of the codebook.
func (s *SemiScorer) mgauDist(frameIdx, feat int, z []float32) {
	copy(s.f[feat], s.lastf[feat])
	s.evalTopN(feat, z)

	if s.dsRatio > 1 && frameIdx%s.dsRatio != 0 {
		return
	}

	if s.kdtrees != nil {
		cands := s.kdtrees[feat].leafCodewords(z)
		s.evalCandidates(feat, z, cands)
	} else {
		s.evalCB(feat, z)
	}

	copy(s.lastf[feat], s.f[feat])
}

// evalTopN recomputes densities for the carried-over codewords and
// keeps them sorted best first.
func (s *SemiScorer) evalTopN(feat int, z []float32) {
	topn := s.f[feat]
	vl := s.veclen[feat]
	for i := 0; i < s.topN; i++ {
		cw := topn[i].codeword
		mean := s.means[feat][int(cw)*vl:]
		varr := s.vars[feat][int(cw)*vl:]
		d := s.dets[feat][cw]
		for j := 0; j < vl; j++ {
			diff := z[j] - mean[j]
			d = gmmSub(d, int32(diff*diff*varr[j]))
		}
		topn[i].dist = d
		v := topn[i]
		j := i - 1
		for ; j >= 0 && d > topn[j].dist; j-- {
			topn[j+1] = topn[j]
		}
		topn[j+1] = v
	}
}

// evalCB sweeps the whole codebook with early termination against the
// current worst top-N score.
func (s *SemiScorer) evalCB(feat int, z []float32) {
	topn := s.f[feat]
	worst := &topn[s.topN-1]
	vl := s.veclen[feat]

	for cw := int32(0); cw < int32(s.nDensity); cw++ {
		mean := s.means[feat][int(cw)*vl:]
		varr := s.vars[feat][int(cw)*vl:]
		d := s.dets[feat][cw]
		j := 0
		for ; j < vl && d >= worst.dist; j++ {
			diff := z[j] - mean[j]
			d = gmmSub(d, int32(diff*diff*varr[j]))
		}
		if j < vl || d < worst.dist {
			continue
		}
		s.insertTopN(feat, cw, d)
	}
}

// evalCandidates scores only the kd-tree leaf's codewords.
func (s *SemiScorer) evalCandidates(feat int, z []float32, cands []int32) {
	topn := s.f[feat]
	worst := &topn[s.topN-1]
	vl := s.veclen[feat]

	for _, cw := range cands {
		mean := s.means[feat][int(cw)*vl:]
		varr := s.vars[feat][int(cw)*vl:]
		d := s.dets[feat][cw]
		j := 0
		for ; j < vl && d >= worst.dist; j++ {
			diff := z[j] - mean[j]
			d = gmmSub(d, int32(diff*diff*varr[j]))
		}
		if j < vl || d < worst.dist {
			continue
		}
		s.insertTopN(feat, cw, d)
	}
}

func (s *SemiScorer) insertTopN(feat int, cw, d int32) {
	topn := s.f[feat]
	for i := 0; i < s.topN; i++ {
		if topn[i].codeword == cw {
			return
		}
	}
	i := s.topN - 2
	for ; i >= 0 && d >= topn[i].dist; i-- {
		topn[i+1] = topn[i]
	}
	topn[i+1] = vqFeature{codeword: cw, dist: d}
}

// normalizeTopN converts densities to 10-bit quantized weights by
// subtracting the per-stream log sum.
func (s *SemiScorer) normalizeTopN() {
	for feat := 0; feat < s.nFeat; feat++ {
		topn := s.f[feat]
		sum := topn[0].dist
		for i := 1; i < s.topN; i++ {
			sum = s.lmath.Add(sum, topn[i].dist)
		}
		for i := 0; i < s.topN; i++ {
			topn[i].dist -= sum
			if topn[i].dist > 0 {
				topn[i].dist = math.MinInt32
			}
		}
	}
}

// quantWeight converts a normalized stream weight to the 8-bit
// negated domain of the mixture tables.
func quantWeight(w int32) int32 {
	if w < -99000 {
		w = -99000
	}
	return (511 - w) >> 10
}

// scoreTopN accumulates the mixture likelihood over n codewords per
// stream for every active senone.
func (s *SemiScorer) scoreTopN(scores []int32, active []int32, n int) {
	for feat := 0; feat < s.nFeat; feat++ {
		topn := s.f[feat]
		pids := make([][]uint8, n)
		ws := make([]int32, n)
		for i := 0; i < n; i++ {
			pids[i] = s.mixw[feat][topn[i].codeword]
			ws[i] = quantWeight(topn[i].dist)
		}
		for _, sen := range active {
			tmp := int32(pids[0][sen]) + ws[0]
			for i := 1; i < n; i++ {
				tmp = s.logAdd8(tmp, int32(pids[i][sen])+ws[i])
			}
			scores[sen] -= tmp << 10
		}
	}
}

// scoreTop1 is the degenerate single-codeword loop.
func (s *SemiScorer) scoreTop1(scores []int32, active []int32) {
	for feat := 0; feat < s.nFeat; feat++ {
		pid := s.mixw[feat][s.f[feat][0].codeword]
		w := quantWeight(s.f[feat][0].dist)
		for _, sen := range active {
			scores[sen] -= (int32(pid[sen]) + w) << 10
		}
	}
}

// gmmSub subtracts a positive component contribution with saturation.
func gmmSub(a, b int32) int32 {
	r := a - b
	if r > a {
		return math.MinInt32
	}
	return r
}
