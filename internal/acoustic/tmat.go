package acoustic

import (
	"fmt"
	"log/slog"

	"github.com/example/go-pocket-asr/internal/logmath"
)

// TMat holds HMM transition matrices in the integer log domain.
// Entry [t][from][to] is the log probability of moving from emitting
// state from to state to (to == nEmit means the exit state).
type TMat struct {
	NTMat  int
	NEmit  int
	NState int // NEmit + 1
	probs  [][][]int32
}

// ReadTMat loads a Sphinx-3 transition matrix file, floors the
// probabilities, renormalizes rows, and converts to logs.
func ReadTMat(path string, floor float64, lmath *logmath.LogMath) (*TMat, error) {
	if floor <= 0 {
		floor = 1e-4
	}
	f, err := openS3(path)
	if err != nil {
		return nil, err
	}
	r := f.r

	nTMat := int(r.int32())
	nEmit := int(r.int32())
	nState := int(r.int32())
	n := int(r.int32())
	if r.err != nil {
		return nil, fmt.Errorf("acoustic: %s: %w: truncated tmat header", path, ErrBadFormat)
	}
	if nState != nEmit+1 {
		return nil, fmt.Errorf("acoustic: %s: %w: %d columns for %d emitting states",
			path, ErrBadFormat, nState, nEmit)
	}
	if n != nTMat*nEmit*nState {
		return nil, fmt.Errorf("acoustic: %s: %w: %d floats, want %d", path, ErrBadFormat, n, nTMat*nEmit*nState)
	}

	t := &TMat{NTMat: nTMat, NEmit: nEmit, NState: nState}
	t.probs = make([][][]int32, nTMat)
	row := make([]float64, nState)
	for m := 0; m < nTMat; m++ {
		t.probs[m] = make([][]int32, nEmit)
		for from := 0; from < nEmit; from++ {
			for j := range row {
				row[j] = float64(r.float32())
			}
			if r.err != nil {
				return nil, fmt.Errorf("acoustic: %s: %w: truncated tmat data", path, ErrBadFormat)
			}
			// Upper-triangular Bakis topology: transitions never go
			// backwards; zero rows are left at log-zero.
			floorVec(row[from:], floor)
			for j := 0; j < from; j++ {
				row[j] = 0
			}
			sumNorm(row)
			t.probs[m][from] = make([]int32, nState)
			for j, p := range row {
				t.probs[m][from][j] = lmath.Log(p)
			}
		}
	}

	slog.Info("loaded transition matrices", "count", nTMat, "states", nEmit)
	return t, nil
}

// NewUniformTMat builds matrices with equal self/next/skip
// probabilities, used by tests.
func NewUniformTMat(nTMat, nEmit int, lmath *logmath.LogMath) *TMat {
	t := &TMat{NTMat: nTMat, NEmit: nEmit, NState: nEmit + 1}
	t.probs = make([][][]int32, nTMat)
	for m := range t.probs {
		t.probs[m] = make([][]int32, nEmit)
		for from := 0; from < nEmit; from++ {
			row := make([]int32, nEmit+1)
			for j := range row {
				row[j] = logmath.Zero
			}
			// Self loop, advance, and (when possible) skip.
			targets := []int{from, from + 1}
			if from+2 <= nEmit {
				targets = append(targets, from+2)
			}
			p := 1.0 / float64(len(targets))
			for _, to := range targets {
				row[to] = lmath.Log(p)
			}
			t.probs[m][from] = row
		}
	}
	return t
}

// Prob returns the log transition probability.
func (t *TMat) Prob(tmatID, from, to int) int32 {
	return t.probs[tmatID][from][to]
}
