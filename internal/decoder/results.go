package decoder

import (
	"bufio"
	"fmt"
	"io"

	"github.com/example/go-pocket-asr/internal/lattice"
	"github.com/example/go-pocket-asr/internal/logmath"
	"github.com/example/go-pocket-asr/internal/search"
)

// frameSeconds is the frame shift used when converting frames to
// time.
const frameSeconds = 0.01

// result snapshots the pass whose output the result accessors read.
type result struct {
	pass      search.Search
	lastFrame int32

	lat           *lattice.Lattice
	latRatio      float64
	bestpathHyp   string
	bestpathScore int32
}

// Segment is one word of the segmentation.
type Segment struct {
	Word       string
	StartFrame int32
	EndFrame   int32
	AScore     int32
	LScore     int32
	// Posterior is the lattice posterior when a lattice was built,
	// logmath.Zero otherwise.
	Posterior int32
}

// Hyp returns the best hypothesis and its score. Partial results are
// legal while an utterance is in progress and may change with further
// frames. The best-path pass wins when it ran; the hypothesis is
// best-effort and empty only when no word was ever recognized.
func (d *Decoder) Hyp() (string, int32) {
	if d.res != nil {
		if d.res.bestpathHyp != "" {
			return d.res.bestpathHyp, d.res.bestpathScore
		}
		return d.res.pass.Hyp()
	}
	if d.state == StateBegun || d.state == StateStopped {
		return d.active.Hyp()
	}
	return "", 0
}

// Seg returns the word segmentation of the current hypothesis. It is
// empty when the hypothesis is empty and does not mutate decoder
// state.
func (d *Decoder) Seg() []Segment {
	pass := d.activeResultPass()
	if pass == nil {
		return nil
	}
	bp := pass.BP()
	exit := d.finalExit(pass)
	if exit == search.NoBP {
		return nil
	}

	var segs []Segment
	for _, idx := range bp.Backtrace(exit) {
		e := bp.Entry(idx)
		seg := Segment{
			Word:       d.dict.WordName(int(e.WordID)),
			StartFrame: e.StartFrame,
			EndFrame:   e.Frame,
			AScore:     e.AScore,
			LScore:     e.LScore,
			Posterior:  logmath.Zero,
		}
		if d.res != nil && d.res.lat != nil {
			seg.Posterior = d.latPosterior(e.WordID, e.StartFrame)
		}
		segs = append(segs, seg)
	}
	return segs
}

func (d *Decoder) activeResultPass() search.Search {
	if d.res != nil {
		return d.res.pass
	}
	if d.state == StateBegun || d.state == StateStopped {
		return d.active
	}
	return nil
}

func (d *Decoder) finalExit(pass search.Search) int32 {
	bp := pass.BP()
	finish := int32(d.dict.WordID("</s>"))
	for f := d.nScored - 1; f >= 0; f-- {
		if exit := bp.BestExit(f, finish); exit != search.NoBP {
			return exit
		}
	}
	return search.NoBP
}

// latPosterior finds the posterior of the lattice edge entering the
// node matching a segment.
func (d *Decoder) latPosterior(wid, sf int32) int32 {
	lat := d.res.lat
	for _, e := range lat.Edges {
		to := lat.Nodes[e.To]
		if to.WordID == wid && to.StartFrame == sf {
			return e.Posterior
		}
	}
	return logmath.Zero
}

// NBest returns up to n alternative hypotheses from the lattice.
// Fewer are returned when the lattice is too sparse; nil when no
// lattice exists yet.
func (d *Decoder) NBest(n int) []string {
	if d.res == nil || d.res.lat == nil {
		return nil
	}
	ratio := d.res.latRatio
	if ratio == 0 {
		ratio = 1
	}
	paths := d.res.lat.NBest(n, ratio)
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, p.Words(d.res.lat))
	}
	return out
}

// Lattice returns the word lattice of the finished utterance, or nil.
func (d *Decoder) Lattice() *lattice.Lattice {
	if d.res == nil {
		return nil
	}
	return d.res.lat
}

// WriteHypseg emits the hypothesis with segmentation in the Sphinx
// hypseg line format: utt S scale T total A ascr L lscr {sf word}*
// ef.
func (d *Decoder) WriteHypseg(w io.Writer, uttID string) error {
	bw := bufio.NewWriter(w)
	segs := d.Seg()
	_, total := d.Hyp()

	var ascr, lscr int32
	for _, s := range segs {
		ascr += s.AScore
		lscr += s.LScore
	}
	fmt.Fprintf(bw, "%s S 0 T %d A %d L %d", uttID, total, ascr, lscr)
	for _, s := range segs {
		fmt.Fprintf(bw, " %d %s", s.StartFrame, s.Word)
	}
	fmt.Fprintf(bw, " %d\n", d.nScored)
	return bw.Flush()
}

// WriteCTM emits time-marked words: utt channel start duration word
// [confidence].
func (d *Decoder) WriteCTM(w io.Writer, uttID string) error {
	bw := bufio.NewWriter(w)
	for _, s := range d.Seg() {
		if d.dict.IsFiller(d.dict.WordID(s.Word)) {
			continue
		}
		start := float64(s.StartFrame) * frameSeconds
		dur := float64(s.EndFrame-s.StartFrame+1) * frameSeconds
		if s.Posterior > logmath.Zero {
			fmt.Fprintf(bw, "%s 1 %.2f %.2f %s %.3f\n",
				uttID, start, dur, s.Word, d.lmath.Exp(s.Posterior))
		} else {
			fmt.Fprintf(bw, "%s 1 %.2f %.2f %s\n", uttID, start, dur, s.Word)
		}
	}
	return bw.Flush()
}
