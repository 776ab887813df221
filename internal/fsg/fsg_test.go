package fsg

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/example/go-pocket-asr/internal/logmath"
)

const goforwardFSG = `# Simple command-and-control grammar.
FSG_BEGIN goforward
NUM_STATES 5
START_STATE 0
FINAL_STATE 4
TRANSITION 0 1 1.0 GO
TRANSITION 1 2 1.0 FORWARD
TRANSITION 2 3 0.5 TEN
TRANSITION 2 3 0.5 TWENTY
TRANSITION 3 4 0.5 METERS
TRANSITION 3 4 0.5 METER
FSG_END
`

func testLogMath(t *testing.T) *logmath.LogMath {
	t.Helper()
	lm, err := logmath.New(1.0001)
	if err != nil {
		t.Fatal(err)
	}
	return lm
}

func loadGoforward(t *testing.T) *Model {
	t.Helper()
	m, err := Read(strings.NewReader(goforwardFSG), testLogMath(t), 7.5)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	return m
}

func TestReadGoforward(t *testing.T) {
	m := loadGoforward(t)

	if m.Name != "goforward" {
		t.Errorf("Name = %q", m.Name)
	}
	if m.NState != 5 || m.StartState != 0 || m.FinalState != 4 {
		t.Errorf("states = (%d,%d,%d)", m.NState, m.StartState, m.FinalState)
	}
	if m.NWord() != 6 {
		t.Errorf("NWord = %d, want 6", m.NWord())
	}
	for _, l := range m.ArcIter(0) {
		if l.LogProb > 0 {
			t.Errorf("transition logprob %d > 0", l.LogProb)
		}
	}
}

func TestAccept(t *testing.T) {
	m := loadGoforward(t)

	tests := []struct {
		sentence string
		want     bool
	}{
		{sentence: "GO FORWARD TEN METERS", want: true},
		{sentence: "GO FORWARD TWENTY METER", want: true},
		{sentence: "GO FORWARD TEN", want: false},
		{sentence: "GO FORWARD YOURSELF", want: false},
		{sentence: "", want: false},
		{sentence: "FORWARD TEN METERS", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.sentence, func(t *testing.T) {
			if got := m.Accept(tt.sentence); got != tt.want {
				t.Errorf("Accept(%q) = %v, want %v", tt.sentence, got, tt.want)
			}
		})
	}
}

func TestDuplicateTransitionKeepsBest(t *testing.T) {
	lm := testLogMath(t)
	m := New("dup", lm, 1.0, 2)
	wid := m.WordAdd("X")

	m.TransAdd(0, 1, lm.Log(0.2), wid)
	m.TransAdd(0, 1, lm.Log(0.8), wid)
	links := m.TransitionsTo(0, 1)
	if len(links) != 1 {
		t.Fatalf("%d links, want 1", len(links))
	}
	if links[0].LogProb != lm.Log(0.8) {
		t.Errorf("kept logprob %d, want %d", links[0].LogProb, lm.Log(0.8))
	}

	if got := m.NullTransAdd(0, 1, lm.Log(0.5)); got != 1 {
		t.Errorf("first null add = %d, want 1", got)
	}
	if got := m.NullTransAdd(0, 1, lm.Log(0.9)); got != 0 {
		t.Errorf("upgrade null add = %d, want 0", got)
	}
	if got := m.NullTransAdd(0, 1, lm.Log(0.1)); got != -1 {
		t.Errorf("worse null add = %d, want -1", got)
	}
}

func TestNullClosure(t *testing.T) {
	lm := testLogMath(t)
	m := New("nulls", lm, 1.0, 4)
	m.NullTransAdd(0, 1, lm.Log(0.5))
	m.NullTransAdd(1, 2, lm.Log(0.5))

	closure := m.NullClosure(0)
	found := map[int32]int32{}
	for _, l := range closure {
		found[l.ToState] = l.LogProb
	}
	if _, ok := found[0]; !ok {
		t.Error("closure misses the state itself")
	}
	if _, ok := found[2]; !ok {
		t.Fatal("closure misses chained state 2")
	}
	want := lm.Log(0.5) + lm.Log(0.5)
	if found[2] != want {
		t.Errorf("closure score to 2 = %d, want %d", found[2], want)
	}
	if _, ok := found[3]; ok {
		t.Error("closure reaches unreachable state")
	}
}

func TestAddSilence(t *testing.T) {
	m := loadGoforward(t)

	n := m.AddSilence("<sil>", -1, 0.005)
	if n != m.NState {
		t.Errorf("AddSilence added %d loops, want %d", n, m.NState)
	}
	sil := m.WordID("<sil>")
	if sil == NoWid || !m.IsFiller(sil) {
		t.Fatalf("<sil> not registered as filler")
	}
	if len(m.TransitionsTo(2, 2)) == 0 {
		t.Error("no self loop at state 2")
	}
	// Fillers are transparent to acceptance only when the decoder
	// strips them; raw Accept sees them as ordinary words.
	if !m.Accept("GO FORWARD <sil> TEN METERS") {
		t.Error("self-loop filler not accepted in place")
	}
}

func TestAddAlt(t *testing.T) {
	m := loadGoforward(t)

	if n := m.AddAlt("METERS", "METERS(2)"); n != 1 {
		t.Fatalf("AddAlt = %d, want 1", n)
	}
	alt := m.WordID("METERS(2)")
	if alt == NoWid || !m.IsAltWord(alt) {
		t.Fatal("alternate not registered")
	}
	if !m.Accept("GO FORWARD TEN METERS(2)") {
		t.Error("alternate pronunciation path missing")
	}
	if n := m.AddAlt("NOPE", "NOPE(2)"); n != 0 {
		t.Errorf("AddAlt for missing word = %d, want 0", n)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	m := loadGoforward(t)

	var buf bytes.Buffer
	if err := m.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	m2, err := Read(bytes.NewReader(buf.Bytes()), testLogMath(t), 7.5)
	if err != nil {
		t.Fatalf("re-Read: %v", err)
	}
	for _, s := range []string{"GO FORWARD TEN METERS", "GO FORWARD TEN"} {
		if m.Accept(s) != m2.Accept(s) {
			t.Errorf("round trip changed Accept(%q)", s)
		}
	}
}

func TestReadErrors(t *testing.T) {
	lm := testLogMath(t)

	tests := []struct {
		name string
		text string
	}{
		{name: "no begin", text: "NUM_STATES 2\nFSG_END\n"},
		{name: "bad state", text: "FSG_BEGIN x\nNUM_STATES 2\nSTART_STATE 0\nFINAL_STATE 5\nFSG_END\n"},
		{name: "bad prob", text: "FSG_BEGIN x\nNUM_STATES 2\nSTART_STATE 0\nFINAL_STATE 1\nTRANSITION 0 1 2.5 X\nFSG_END\n"},
		{name: "unknown keyword", text: "FSG_BEGIN x\nWHAT 1\nFSG_END\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Read(strings.NewReader(tt.text), lm, 1.0); err == nil {
				t.Error("bad input accepted")
			}
		})
	}
}

const kleeneJSGF = `#JSGF V1.0;
grammar test;

public <sentence> = please* [ oh mighty computer ] [ kindly ] don't crash;
`

func TestJSGFKleene(t *testing.T) {
	g, err := ParseJSGF(kleeneJSGF)
	if err != nil {
		t.Fatalf("ParseJSGF: %v", err)
	}
	m, err := g.BuildFSG("", testLogMath(t), 7.5)
	if err != nil {
		t.Fatalf("BuildFSG: %v", err)
	}

	tests := []struct {
		sentence string
		want     bool
	}{
		{sentence: "please oh mighty computer kindly don't crash", want: true},
		{sentence: "please please please don't crash", want: true},
		{sentence: "please don't crash", want: true},
		{sentence: "kindly don't crash", want: true},
		{sentence: "don't crash", want: true},
		{sentence: "kindly oh mighty computer", want: false},
		{sentence: "", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.sentence, func(t *testing.T) {
			if got := m.Accept(tt.sentence); got != tt.want {
				t.Errorf("Accept(%q) = %v, want %v", tt.sentence, got, tt.want)
			}
		})
	}
}

func TestJSGFRightRecursion(t *testing.T) {
	g, err := ParseJSGF(`#JSGF V1.0;
grammar cmd;
public <commands> = (start | stop) [ and <commands> ];
`)
	if err != nil {
		t.Fatal(err)
	}
	m, err := g.BuildFSG("", testLogMath(t), 7.5)
	if err != nil {
		t.Fatalf("BuildFSG: %v", err)
	}

	for _, s := range []string{"stop", "start", "stop and start", "start and start and start"} {
		if !m.Accept(s) {
			t.Errorf("Accept(%q) = false, want true", s)
		}
	}
	for _, s := range []string{"", "and stop", "stop and", "stop stop"} {
		if m.Accept(s) {
			t.Errorf("Accept(%q) = true, want false", s)
		}
	}
}

func TestJSGFLeftRecursionRejected(t *testing.T) {
	g, err := ParseJSGF(`#JSGF V1.0;
grammar bad;
public <a> = <a> again | stop;
`)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.BuildFSG("", testLogMath(t), 1.0); !errors.Is(err, ErrRecursion) {
		t.Errorf("err = %v, want ErrRecursion", err)
	}
}

func TestJSGFMidRecursionRejected(t *testing.T) {
	g, err := ParseJSGF(`#JSGF V1.0;
grammar bad;
public <a> = go <a> go | stop;
`)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.BuildFSG("", testLogMath(t), 1.0); !errors.Is(err, ErrRecursion) {
		t.Errorf("err = %v, want ErrRecursion", err)
	}
}

func TestJSGFWeights(t *testing.T) {
	g, err := ParseJSGF(`#JSGF V1.0;
grammar w;
public <choice> = /3/ left | /1/ right;
`)
	if err != nil {
		t.Fatal(err)
	}
	lm := testLogMath(t)
	m, err := g.BuildFSG("", lm, 1.0)
	if err != nil {
		t.Fatal(err)
	}

	var left, right *Link
	for s := int32(0); s < m.NState; s++ {
		for _, l := range m.ArcIter(s) {
			switch m.WordStr(l.Wid) {
			case "left":
				left = l
			case "right":
				right = l
			}
		}
	}
	if left == nil || right == nil {
		t.Fatal("missing alternative transitions")
	}
	if left.LogProb != lm.Log(0.75) || right.LogProb != lm.Log(0.25) {
		t.Errorf("weights (%d,%d), want (%d,%d)",
			left.LogProb, right.LogProb, lm.Log(0.75), lm.Log(0.25))
	}
}

func TestJSGFZeroWeightsFallBackToUniform(t *testing.T) {
	g, err := ParseJSGF(`#JSGF V1.0;
grammar z;
public <choice> = /0/ one | /0/ two;
`)
	if err != nil {
		t.Fatal(err)
	}
	lm := testLogMath(t)
	m, err := g.BuildFSG("", lm, 1.0)
	if err != nil {
		t.Fatal(err)
	}
	for s := int32(0); s < m.NState; s++ {
		for _, l := range m.ArcIter(s) {
			if l.Wid >= 0 && l.LogProb != lm.Log(0.5) {
				t.Errorf("zero-weight alternative got %d, want %d", l.LogProb, lm.Log(0.5))
			}
		}
	}
}

func TestJSGFUndefinedRule(t *testing.T) {
	g, err := ParseJSGF(`#JSGF V1.0;
grammar u;
public <a> = <missing>;
`)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.BuildFSG("", testLogMath(t), 1.0); err == nil {
		t.Error("undefined rule accepted")
	}
}
