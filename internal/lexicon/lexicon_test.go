package lexicon

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/example/go-pocket-asr/internal/mdef"
)

func testMdef(t *testing.T) *mdef.Model {
	t.Helper()

	b := mdef.NewBuilder([]string{"SIL", "G", "OW", "F", "R", "AO", "D"}, 3)
	b.SetFiller("SIL")
	m, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func writeDict(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	m := testMdef(t)
	dict := writeDict(t, "test.dict", `## comment
GO G OW
FORWARD F AO R D
FORWARD(2) F R OW D
`)

	d, err := Load(m, dict, "", Options{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	go_ := d.WordID("GO")
	if go_ == NoWord {
		t.Fatal("GO not found")
	}
	if got := len(d.Pronunciation(go_)); got != 2 {
		t.Errorf("GO pronunciation length = %d, want 2", got)
	}

	fwd := d.WordID("FORWARD")
	alts := d.Alternates(fwd)
	if len(alts) != 2 {
		t.Fatalf("FORWARD alternates = %d, want 2", len(alts))
	}
	for _, id := range alts {
		if d.BaseID(id) != fwd {
			t.Errorf("alternate %d base = %d, want %d", id, d.BaseID(id), fwd)
		}
		if d.WordName(id) != "FORWARD" {
			t.Errorf("alternate %d name = %q", id, d.WordName(id))
		}
	}
}

func TestLoadRejectsUnknownPhone(t *testing.T) {
	m := testMdef(t)
	dict := writeDict(t, "bad.dict", "HELLO HH AH L OW\n")

	_, err := Load(m, dict, "", Options{})
	if !errors.Is(err, ErrUnknownSymbol) {
		t.Errorf("err = %v, want ErrUnknownSymbol", err)
	}
}

func TestFillerDictionary(t *testing.T) {
	m := testMdef(t)
	dict := writeDict(t, "test.dict", "GO G OW\n")
	fdict := writeDict(t, "filler.dict", "<noise> SIL\n")

	d, err := Load(m, dict, fdict, Options{})
	if err != nil {
		t.Fatal(err)
	}

	noise := d.WordID("<noise>")
	if noise == NoWord {
		t.Fatal("<noise> not found")
	}
	if !d.IsFiller(noise) {
		t.Error("<noise> not marked filler")
	}
	if d.IsFiller(d.WordID("GO")) {
		t.Error("GO wrongly marked filler")
	}
}

func TestBuiltinSilenceWords(t *testing.T) {
	d := New(testMdef(t), Options{})

	for _, w := range []string{SilenceWord, StartWord, EndWord} {
		id := d.WordID(w)
		if id == NoWord {
			t.Fatalf("%s missing", w)
		}
		if !d.IsFiller(id) {
			t.Errorf("%s not a filler", w)
		}
	}
}

func TestAddWord(t *testing.T) {
	m := testMdef(t)
	d := New(m, Options{})

	id, err := d.AddWord("FOG", []string{"F", "AO", "G"})
	if err != nil {
		t.Fatalf("AddWord: %v", err)
	}
	if d.WordID("FOG") != id {
		t.Errorf("WordID(FOG) = %d, want %d", d.WordID("FOG"), id)
	}

	alt, err := d.AddWord("FOG", []string{"F", "OW", "G"})
	if err != nil {
		t.Fatalf("AddWord alternate: %v", err)
	}
	if d.BaseID(alt) != id {
		t.Errorf("alternate base = %d, want %d", d.BaseID(alt), id)
	}

	if _, err := d.AddWord("XYZZY", []string{"ZH"}); !errors.Is(err, ErrUnknownSymbol) {
		t.Errorf("bad phone err = %v, want ErrUnknownSymbol", err)
	}
}

func TestCaseFolding(t *testing.T) {
	m := testMdef(t)
	dict := writeDict(t, "test.dict", "Go G OW\n")

	d, err := Load(m, dict, "", Options{FoldCase: true})
	if err != nil {
		t.Fatal(err)
	}
	if d.WordID("GO") == NoWord || d.WordID("go") == NoWord {
		t.Error("case-folded lookup failed")
	}

	exact, err := Load(m, dict, "", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if exact.WordID("GO") != NoWord {
		t.Error("exact-case dictionary matched wrong case")
	}
	if exact.WordID("Go") == NoWord {
		t.Error("exact-case lookup failed")
	}
}
