package lattice

import (
	"bytes"
	"strings"
	"testing"

	"github.com/example/go-pocket-asr/internal/lexicon"
	"github.com/example/go-pocket-asr/internal/logmath"
	"github.com/example/go-pocket-asr/internal/mdef"
	"github.com/example/go-pocket-asr/internal/search"
)

// buildFixture fabricates a BP table describing two competing
// two-word paths: "GO FORWARD" (better) and "GO FOUR" (worse).
func buildFixture(t *testing.T) (*search.BPTable, *lexicon.Dictionary, *logmath.LogMath) {
	t.Helper()

	lmath, err := logmath.New(1.0001)
	if err != nil {
		t.Fatal(err)
	}
	b := mdef.NewBuilder([]string{"SIL", "G", "OW", "F", "AO", "R", "D"}, 3)
	b.SetFiller("SIL")
	mdl, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	dict := lexicon.New(mdl, lexicon.Options{})
	add := func(w string, ph ...string) int32 {
		id, err := dict.AddWord(w, ph)
		if err != nil {
			t.Fatal(err)
		}
		return int32(id)
	}
	goW := add("GO", "G", "OW")
	fwd := add("FORWARD", "F", "AO", "R", "D")
	four := add("FOUR", "F", "AO", "R")

	bp := search.NewBPTable(16)
	enter := func(e search.BPEntry) int32 {
		idx, err := bp.Enter(e)
		if err != nil {
			t.Fatal(err)
		}
		return idx
	}

	// GO ends at frames 9 and 10.
	go9 := enter(search.BPEntry{Frame: 9, WordID: goW, StartFrame: 0, Score: -900, AScore: -900, LScore: -10, Prev: search.NoBP})
	bp.FrameDone(9)
	enter(search.BPEntry{Frame: 10, WordID: goW, StartFrame: 0, Score: -1000, AScore: -1000, LScore: -10, Prev: search.NoBP})
	bp.FrameDone(10)
	for f := int32(11); f < 19; f++ {
		bp.FrameDone(f)
	}
	// Both successors end at frame 19.
	enter(search.BPEntry{Frame: 19, WordID: four, StartFrame: 10, Score: -102400, AScore: -101450, LScore: -50, Prev: go9})
	enter(search.BPEntry{Frame: 19, WordID: fwd, StartFrame: 10, Score: -2000, AScore: -1080, LScore: -20, Prev: go9})
	bp.FrameDone(19)

	return bp, dict, lmath
}

func TestBuild(t *testing.T) {
	bp, dict, lmath := buildFixture(t)

	l, err := Build(bp, dict, lmath, 19, Config{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	// Nodes: start, GO@0, FOUR@10, FORWARD@10.
	if len(l.Nodes) != 4 {
		t.Errorf("%d nodes, want 4", len(l.Nodes))
	}
	goNode := l.Nodes[1]
	if goNode.FirstEnd != 9 || goNode.LastEnd != 10 {
		t.Errorf("GO end span [%d,%d], want [9,10]", goNode.FirstEnd, goNode.LastEnd)
	}
	if goNode.BestEnd != 9 {
		t.Errorf("GO best end %d, want 9", goNode.BestEnd)
	}
	// Edges: start->GO (deduplicated), GO->FOUR, GO->FORWARD.
	if len(l.Edges) != 3 {
		t.Errorf("%d edges, want 3 after dedup", len(l.Edges))
	}
	for _, e := range l.Edges {
		if e.From == l.Start && l.Nodes[e.To].WordID == goNode.WordID {
			if e.AScore != -900 {
				t.Errorf("dedup kept ascr %d, want best -900", e.AScore)
			}
		}
	}
}

func TestBestPath(t *testing.T) {
	bp, dict, lmath := buildFixture(t)
	l, err := Build(bp, dict, lmath, 19, Config{})
	if err != nil {
		t.Fatal(err)
	}

	hyp, score := l.Hyp(1.0)
	if hyp != "GO FORWARD" {
		t.Errorf("best path = %q, want \"GO FORWARD\"", hyp)
	}
	if score >= 0 {
		t.Errorf("score = %d, want negative", score)
	}
}

func TestPosteriorPruning(t *testing.T) {
	bp, dict, lmath := buildFixture(t)
	l, err := Build(bp, dict, lmath, 19, Config{})
	if err != nil {
		t.Fatal(err)
	}

	norm := l.Posterior(1.0, 0)
	if norm <= logmath.Zero {
		t.Fatal("posterior normalizer is log-zero")
	}
	// All posteriors are <= 0 and the best edge dominates.
	for _, e := range l.Edges {
		if e.Posterior > 0 {
			t.Errorf("edge %d->%d posterior %d > 0", e.From, e.To, e.Posterior)
		}
	}

	// A tight beam prunes the losing FOUR edge but not FORWARD.
	l2, _ := Build(bp, dict, lmath, 19, Config{})
	l2.Posterior(1.0, -100)
	var fourPruned, fwdPruned bool
	for _, e := range l2.Edges {
		name := l2.WordName(l2.Nodes[e.To])
		switch name {
		case "FOUR":
			fourPruned = e.pruned
		case "FORWARD":
			fwdPruned = e.pruned
		}
	}
	if !fourPruned {
		t.Error("losing edge survived a tight posterior beam")
	}
	if fwdPruned {
		t.Error("winning edge pruned")
	}
}

func TestNBest(t *testing.T) {
	bp, dict, lmath := buildFixture(t)
	// N-best paths end at the single final node, so close both
	// competing words (FOUR is entry 2, FORWARD entry 3) with </s>.
	end := int32(dict.WordID(lexicon.EndWord))
	bp.FrameDone(20)
	for _, e := range []search.BPEntry{
		{Frame: 21, WordID: end, StartFrame: 20, Score: -102520, AScore: -100, LScore: -20, Prev: 2},
		{Frame: 21, WordID: end, StartFrame: 20, Score: -2120, AScore: -100, LScore: -20, Prev: 3},
	} {
		if _, err := bp.Enter(e); err != nil {
			t.Fatal(err)
		}
	}
	bp.FrameDone(21)
	l, err := Build(bp, dict, lmath, 21, Config{})
	if err != nil {
		t.Fatal(err)
	}

	paths := l.NBest(5, 1.0)
	if len(paths) != 2 {
		t.Fatalf("%d paths, want 2 (sparse lattice returns fewer than requested)", len(paths))
	}
	if got := paths[0].Words(l); got != "GO FORWARD" {
		t.Errorf("1-best = %q", got)
	}
	if got := paths[1].Words(l); got != "GO FOUR" {
		t.Errorf("2-best = %q", got)
	}
	if paths[0].Score < paths[1].Score {
		t.Error("n-best not sorted by score")
	}
}

func TestMinEndFramesKeepsEndpoints(t *testing.T) {
	bp, dict, lmath := buildFixture(t)

	// A threshold larger than any span drops interior nodes but the
	// lattice still connects start to end... the final node must
	// survive even though it persisted one frame.
	l, err := Build(bp, dict, lmath, 19, Config{MinEndFrames: 5})
	if err != nil {
		t.Fatal(err)
	}
	if l.End < 0 || l.End >= len(l.Nodes) {
		t.Error("final node dropped by MinEndFrames")
	}
	if l.Nodes[l.End].WordID < 0 {
		t.Error("final node is not a word node")
	}
}

func TestWriteFormat(t *testing.T) {
	bp, dict, lmath := buildFixture(t)
	l, err := Build(bp, dict, lmath, 19, Config{})
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := l.Write(&buf, "utt1"); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"Frames 20", "Nodes 4", "Initial ", "Final ", "Edges", "End"} {
		if !strings.Contains(out, want) {
			t.Errorf("lattice output missing %q", want)
		}
	}
}
