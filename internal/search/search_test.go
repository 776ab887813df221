package search

import (
	"strings"
	"testing"

	"github.com/example/go-pocket-asr/internal/acoustic"
	"github.com/example/go-pocket-asr/internal/fsg"
	"github.com/example/go-pocket-asr/internal/lexicon"
	"github.com/example/go-pocket-asr/internal/logmath"
	"github.com/example/go-pocket-asr/internal/mdef"
	"github.com/example/go-pocket-asr/internal/ngram"
)

const offTarget = int32(-100000)

type fixture struct {
	lmath  *logmath.LogMath
	mdl    *mdef.Model
	dict   *lexicon.Dictionary
	lm     *ngram.Model
	tmat   *acoustic.TMat
	scores []int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	lmath, err := logmath.New(1.0001)
	if err != nil {
		t.Fatal(err)
	}

	b := mdef.NewBuilder([]string{
		"SIL", "G", "OW", "F", "AO", "R", "D", "T", "EH", "N", "M", "IY", "ER", "Z",
	}, 3)
	b.SetFiller("SIL")
	mdl, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	dict := lexicon.New(mdl, lexicon.Options{})
	mustAdd := func(word string, phones ...string) {
		t.Helper()
		if _, err := dict.AddWord(word, phones); err != nil {
			t.Fatal(err)
		}
	}
	mustAdd("GO", "G", "OW")
	mustAdd("FORWARD", "F", "AO", "R", "D")
	mustAdd("TEN", "T", "EH", "N")
	mustAdd("METERS", "M", "IY", "T", "ER", "Z")
	mustAdd("GONE", "G", "AO", "N")

	const arpa = `
\data\
ngram 1=6
ngram 2=6

\1-grams:
-1.0 <s> -0.3
-0.9 GO -0.3
-0.9 FORWARD -0.3
-0.9 TEN -0.3
-0.9 METERS -0.3
-1.0 </s> 0.0

\2-grams:
-0.2 <s> GO
-0.2 GO FORWARD
-0.2 FORWARD TEN
-0.2 TEN METERS
-0.2 METERS </s>
-1.5 GO GO

\end\
`
	lm, err := ngram.ReadARPA(strings.NewReader(arpa), lmath)
	if err != nil {
		t.Fatal(err)
	}
	lm.ApplyWeights(6.5, 0.65)

	return &fixture{
		lmath:  lmath,
		mdl:    mdl,
		dict:   dict,
		lm:     lm,
		tmat:   acoustic.NewUniformTMat(mdl.NCIPhone(), 3, lmath),
		scores: make([]int32, mdl.NSen),
	}
}

func (f *fixture) params() Params {
	return NewParams(f.lmath, 1e-80, 1e-60, 1e-80, 1e-70, 1e-60,
		6.5, 0.65, 0.005, 1e-8)
}

// setFrame fills the shared score array favoring one CI phone's
// senones.
func (f *fixture) setFrame(phoneName string) {
	ci := f.mdl.CIPhoneID(phoneName)
	target := map[int16]bool{}
	for _, s := range f.mdl.SSeq(ci) {
		target[s] = true
	}
	for i := range f.scores {
		if target[int16(i)] {
			f.scores[i] = 0
		} else {
			f.scores[i] = offTarget
		}
	}
}

// phoneFrames expands a phone sequence into per-frame labels.
func phoneFrames(framesPerPhone int, phones ...string) []string {
	var out []string
	for _, p := range phones {
		for i := 0; i < framesPerPhone; i++ {
			out = append(out, p)
		}
	}
	return out
}

func runSearch(t *testing.T, f *fixture, s Search, frames []string) {
	t.Helper()
	if err := s.StartUtt(); err != nil {
		t.Fatal(err)
	}
	set := NewSenoneSet(f.mdl.NSen)
	for i, ph := range frames {
		set.Clear()
		s.ActiveSenones(set)
		f.setFrame(ph)
		if _, err := s.Step(int32(i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.FinishUtt(int32(len(frames) - 1)); err != nil {
		t.Fatal(err)
	}
}

// triphoneFixture builds a model definition that actually defines the
// triphones of GO (G OW), so resolution must come back with CD ids.
func triphoneFixture(t *testing.T) *fixture {
	t.Helper()

	lmath, err := logmath.New(1.0001)
	if err != nil {
		t.Fatal(err)
	}

	b := mdef.NewBuilder([]string{"SIL", "G", "OW"}, 3)
	b.SetFiller("SIL")
	b.AddTriphone("G", "SIL", "OW", mdef.WPosBegin)
	b.AddTriphone("OW", "G", "SIL", mdef.WPosEnd)
	mdl, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	dict := lexicon.New(mdl, lexicon.Options{})
	if _, err := dict.AddWord("GO", []string{"G", "OW"}); err != nil {
		t.Fatal(err)
	}

	const arpa = `
\data\
ngram 1=3

\1-grams:
-1.0 <s> 0.0
-0.5 GO 0.0
-1.0 </s> 0.0

\end\
`
	lm, err := ngram.ReadARPA(strings.NewReader(arpa), lmath)
	if err != nil {
		t.Fatal(err)
	}
	lm.ApplyWeights(6.5, 0.65)

	return &fixture{
		lmath:  lmath,
		mdl:    mdl,
		dict:   dict,
		lm:     lm,
		tmat:   acoustic.NewUniformTMat(mdl.NCIPhone(), 3, lmath),
		scores: make([]int32, mdl.NSen),
	}
}

// setFramePid fills the shared score array favoring one phone id's
// senone sequence (CI or CD).
func (f *fixture) setFramePid(pid int) {
	target := map[int16]bool{}
	for _, s := range f.mdl.SSeq(pid) {
		target[s] = true
	}
	for i := range f.scores {
		if target[int16(i)] {
			f.scores[i] = 0
		} else {
			f.scores[i] = offTarget
		}
	}
}

func TestWordTriphones(t *testing.T) {
	f := triphoneFixture(t)
	mdl := f.mdl

	g := mdl.CIPhoneID("G")
	ow := mdl.CIPhoneID("OW")

	t.Run("resolves defined triphones", func(t *testing.T) {
		pids := wordTriphones(mdl, []int{g, ow})
		wantG := mdl.PhoneID(g, mdl.Sil, ow, mdef.WPosBegin)
		wantOW := mdl.PhoneID(ow, g, mdl.Sil, mdef.WPosEnd)
		if wantG == mdef.NoPhone || wantOW == mdef.NoPhone {
			t.Fatal("fixture triphones missing from model")
		}
		if pids[0] != wantG || pids[1] != wantOW {
			t.Errorf("pids = %v, want [%d %d]", pids, wantG, wantOW)
		}
		for _, pid := range pids {
			if mdl.IsCIPhone(pid) {
				t.Errorf("phone %d resolved to a CI phone despite a defined triphone", pid)
			}
		}
	})

	t.Run("backs off to CI when undefined", func(t *testing.T) {
		sil := mdl.CIPhoneID("SIL")
		pids := wordTriphones(mdl, []int{sil})
		if pids[0] != sil {
			t.Errorf("single SIL resolved to %d, want CI %d", pids[0], sil)
		}
	})
}

// The tree search must score the CD senones, not the base phones':
// frames favoring the triphone senones decode GO, frames favoring the
// CI senones do not reach them.
func TestTreeSearchUsesTriphoneSenones(t *testing.T) {
	f := triphoneFixture(t)
	s, err := NewTreeSearch("lm", f.mdl, f.dict, f.lm, f.tmat, f.params(), f.scores)
	if err != nil {
		t.Fatal(err)
	}

	g := f.mdl.CIPhoneID("G")
	ow := f.mdl.CIPhoneID("OW")
	pidG := f.mdl.PhoneID(g, f.mdl.Sil, ow, mdef.WPosBegin)
	pidOW := f.mdl.PhoneID(ow, g, f.mdl.Sil, mdef.WPosEnd)

	if err := s.StartUtt(); err != nil {
		t.Fatal(err)
	}
	frames := []int{pidG, pidG, pidG, pidG, pidG, pidOW, pidOW, pidOW, pidOW, pidOW}
	for i, pid := range frames {
		f.setFramePid(pid)
		if _, err := s.Step(int32(i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.FinishUtt(int32(len(frames) - 1)); err != nil {
		t.Fatal(err)
	}
	hyp, _ := s.Hyp()
	if hyp != "GO" {
		t.Fatalf("hyp = %q, want \"GO\"", hyp)
	}
	// The GO exit in the last frame spans all frames and collected the
	// (zero) triphone senone scores, not the off-target CI ones. Hyp's
	// own score is that of the </s> exit, which adds filler penalties.
	goWid := int32(f.dict.WordID("GO"))
	score := WorstScore
	lo, hi := s.bp.FrameEntries(int32(len(frames) - 1))
	for i := lo; i < hi; i++ {
		if e := s.bp.Entry(i); e.WordID == goWid && e.Score > score {
			score = e.Score
		}
	}
	if score < int32(len(frames))*offTarget/2 {
		t.Errorf("path score %d looks like CI senones were charged", score)
	}
}

func TestHMMEval(t *testing.T) {
	lmath, _ := logmath.New(1.0001)
	tmat := acoustic.NewUniformTMat(1, 3, lmath)

	h := NewHMM([]int16{0, 1, 2}, 0, 3)
	scores := []int32{0, -100, -200}

	h.Enter(0, NoBP, 0)
	best := h.Eval(tmat, scores)
	if best <= WorstScore {
		t.Fatal("no path after first eval")
	}
	if h.Score[0] <= WorstScore {
		t.Error("state 0 inactive after entry")
	}
	// After one frame only states reachable from 0 are active.
	if h.Score[1] <= WorstScore || h.Score[2] <= WorstScore {
		t.Error("skip transitions did not propagate")
	}
	if h.OutScore <= WorstScore {
		t.Error("exit unreachable despite skip path")
	}

	h2 := NewHMM([]int16{0, 1, 2}, 0, 3)
	if h2.Eval(tmat, scores); h2.BestScore > WorstScore {
		t.Error("inactive HMM produced a score")
	}
}

func TestBPTableInvariant(t *testing.T) {
	bp := NewBPTable(16)

	first, err := bp.Enter(BPEntry{Frame: 5, WordID: 1, StartFrame: 0, Score: -100, Prev: NoBP})
	if err != nil {
		t.Fatal(err)
	}
	bp.FrameDone(5)

	if _, err := bp.Enter(BPEntry{Frame: 9, WordID: 2, StartFrame: 6, Score: -200, Prev: first}); err != nil {
		t.Fatalf("valid entry rejected: %v", err)
	}
	// predecessor.frame must be <= start_frame
	if _, err := bp.Enter(BPEntry{Frame: 9, WordID: 2, StartFrame: 3, Score: -200, Prev: first}); err == nil {
		t.Error("entry violating BP invariant accepted")
	}
	if _, err := bp.Enter(BPEntry{Frame: 9, WordID: 2, StartFrame: 6, Score: -1, Prev: 42}); err == nil {
		t.Error("dangling predecessor accepted")
	}
}

func TestTreeSearchDecodesSequence(t *testing.T) {
	f := newFixture(t)
	s, err := NewTreeSearch("lm", f.mdl, f.dict, f.lm, f.tmat, f.params(), f.scores)
	if err != nil {
		t.Fatal(err)
	}

	frames := phoneFrames(5, "G", "OW", "F", "AO", "R", "D")
	runSearch(t, f, s, frames)

	hyp, score := s.Hyp()
	if hyp != "GO FORWARD" {
		t.Errorf("hyp = %q, want \"GO FORWARD\"", hyp)
	}
	if score == 0 {
		t.Error("zero path score")
	}
}

func TestTreeSearchLongerSequence(t *testing.T) {
	f := newFixture(t)
	s, err := NewTreeSearch("lm", f.mdl, f.dict, f.lm, f.tmat, f.params(), f.scores)
	if err != nil {
		t.Fatal(err)
	}

	frames := phoneFrames(5,
		"G", "OW", "F", "AO", "R", "D", "T", "EH", "N", "M", "IY", "T", "ER", "Z")
	runSearch(t, f, s, frames)

	hyp, _ := s.Hyp()
	if hyp != "GO FORWARD TEN METERS" {
		t.Errorf("hyp = %q, want \"GO FORWARD TEN METERS\"", hyp)
	}
}

func TestTreeSearchBPInvariant(t *testing.T) {
	f := newFixture(t)
	s, err := NewTreeSearch("lm", f.mdl, f.dict, f.lm, f.tmat, f.params(), f.scores)
	if err != nil {
		t.Fatal(err)
	}
	runSearch(t, f, s, phoneFrames(5, "G", "OW", "F", "AO", "R", "D"))

	bp := s.BP()
	for i := 0; i < bp.Len(); i++ {
		e := bp.Entry(int32(i))
		if e.Prev == NoBP {
			continue
		}
		p := bp.Entry(e.Prev)
		if !(p.Frame <= e.StartFrame && e.StartFrame < e.Frame+1) {
			t.Errorf("bp %d violates invariant: prev.frame=%d start=%d frame=%d",
				i, p.Frame, e.StartFrame, e.Frame)
		}
	}
}

func TestTreeSearchEmptyOnSilence(t *testing.T) {
	f := newFixture(t)
	s, err := NewTreeSearch("lm", f.mdl, f.dict, f.lm, f.tmat, f.params(), f.scores)
	if err != nil {
		t.Fatal(err)
	}
	runSearch(t, f, s, phoneFrames(6, "SIL"))

	hyp, _ := s.Hyp()
	if hyp != "" {
		t.Errorf("hyp = %q, want empty (fillers stripped)", hyp)
	}
}

func TestFlatSearchRescoresFirstPass(t *testing.T) {
	f := newFixture(t)
	tree, err := NewTreeSearch("lm", f.mdl, f.dict, f.lm, f.tmat, f.params(), f.scores)
	if err != nil {
		t.Fatal(err)
	}
	frames := phoneFrames(5, "G", "OW", "F", "AO", "R", "D")
	runSearch(t, f, tree, frames)

	flat := NewFlatSearch("lm-flat", f.mdl, f.dict, f.lm, f.tmat, FlatParams{
		Params:      f.params(),
		StartWindow: 25,
	}, f.scores, tree.BP())
	runSearch(t, f, flat, frames)

	hyp, _ := flat.Hyp()
	if hyp != "GO FORWARD" {
		t.Errorf("flat hyp = %q, want \"GO FORWARD\"", hyp)
	}
}

func TestFSGSearchDecodes(t *testing.T) {
	f := newFixture(t)

	g := fsg.New("goforward", f.lmath, 7.5, 3)
	gWid := g.WordAdd("GO")
	fWid := g.WordAdd("FORWARD")
	g.TransAdd(0, 1, f.lmath.Log(1.0), gWid)
	g.TransAdd(1, 2, f.lmath.Log(1.0), fWid)
	g.StartState = 0
	g.FinalState = 2

	s, err := NewFSGSearch("grammar", g, f.mdl, f.dict, f.tmat, f.params(), f.scores)
	if err != nil {
		t.Fatal(err)
	}
	runSearch(t, f, s, phoneFrames(5, "G", "OW", "F", "AO", "R", "D"))

	hyp, _ := s.Hyp()
	if hyp != "GO FORWARD" {
		t.Errorf("fsg hyp = %q, want \"GO FORWARD\"", hyp)
	}
}

func TestFSGSearchNullTransitions(t *testing.T) {
	f := newFixture(t)

	// GO (FORWARD optional via null edge) — grammar accepts GO alone.
	g := fsg.New("opt", f.lmath, 7.5, 3)
	gWid := g.WordAdd("GO")
	fWid := g.WordAdd("FORWARD")
	g.TransAdd(0, 1, f.lmath.Log(1.0), gWid)
	g.TransAdd(1, 2, f.lmath.Log(0.5), fWid)
	g.NullTransAdd(1, 2, f.lmath.Log(0.5))
	g.StartState = 0
	g.FinalState = 2

	s, err := NewFSGSearch("grammar", g, f.mdl, f.dict, f.tmat, f.params(), f.scores)
	if err != nil {
		t.Fatal(err)
	}
	runSearch(t, f, s, phoneFrames(5, "G", "OW"))

	hyp, _ := s.Hyp()
	if hyp != "GO" {
		t.Errorf("fsg hyp = %q, want \"GO\"", hyp)
	}
}

func TestPruningMonotonicity(t *testing.T) {
	f := newFixture(t)
	frames := phoneFrames(5, "G", "OW", "F", "AO", "R", "D")

	evalWithBeam := func(beam float64) int {
		lmathParams := NewParams(f.lmath, beam, 1e-60, beam, beam, 1e-60,
			6.5, 0.65, 0.005, 1e-8)
		s, err := NewTreeSearch("lm", f.mdl, f.dict, f.lm, f.tmat, lmathParams, f.scores)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.StartUtt(); err != nil {
			t.Fatal(err)
		}
		total := 0
		for i, ph := range frames {
			f.setFrame(ph)
			n, err := s.Step(int32(i))
			if err != nil {
				t.Fatal(err)
			}
			total += n
		}
		return total
	}

	tight := evalWithBeam(1e-20)
	wide := evalWithBeam(1e-120)
	if tight > wide {
		t.Errorf("tighter beam evaluated more HMMs (%d) than wider beam (%d)", tight, wide)
	}
}

func TestSenoneSet(t *testing.T) {
	set := NewSenoneSet(10)
	h := NewHMM([]int16{1, 3, 3}, 0, 3)
	set.AddHMM(h)
	if got := len(set.IDs()); got != 2 {
		t.Errorf("set has %d ids, want 2 (deduplicated)", got)
	}
	set.Clear()
	if len(set.IDs()) != 0 {
		t.Error("Clear left ids behind")
	}
}

func TestPhoneLoopBias(t *testing.T) {
	f := newFixture(t)
	pl := NewPhoneLoop(f.mdl, f.tmat, f.lmath.Log(1e-20), 3.0, f.scores)
	pl.StartUtt()

	f.setFrame("G")
	pl.Step(0)

	bias := pl.Bias()
	g := f.mdl.CIPhoneID("G")
	for ci, b := range bias {
		if b > 0 {
			t.Errorf("bias[%d] = %d > 0", ci, b)
		}
		if ci != g && b > bias[g] {
			t.Errorf("off-target phone %d bias %d beats target %d", ci, b, bias[g])
		}
	}
}
