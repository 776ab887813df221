// Package lexicon maps words to phone-sequence pronunciations. It
// merges a main dictionary and a filler dictionary, groups alternate
// pronunciations under their base form, and supports runtime word
// addition.
package lexicon

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/example/go-pocket-asr/internal/mdef"
)

// NoWord is returned for unknown words.
const NoWord = -1

// Reserved word strings present in every dictionary.
const (
	StartWord   = "<s>"
	EndWord     = "</s>"
	SilenceWord = "<sil>"
)

// ErrUnknownSymbol indicates a word or phone missing from the model.
var ErrUnknownSymbol = errors.New("unknown symbol")

// Word is a single dictionary entry. Alternate pronunciations are
// separate entries sharing BaseID.
type Word struct {
	Name   string
	ID     int
	BaseID int
	// Phones is the pronunciation as CI phone ids.
	Phones []int
	Filler bool
}

// Dictionary is the pronunciation lexicon. Words keep insertion
// order; alternate pronunciations chain off their base entry.
type Dictionary struct {
	mdef     *mdef.Model
	words    []Word
	index    map[string]int
	nextAlt  map[int]int // word id -> next alternate id, chain from base
	foldCase bool
}

// Options configures dictionary loading.
type Options struct {
	// FoldCase makes word lookup case-insensitive; stored spellings
	// keep their case.
	FoldCase bool
}

// New creates an empty dictionary bound to a model definition. The
// silence word is always defined.
func New(m *mdef.Model, opts Options) *Dictionary {
	d := &Dictionary{
		mdef:     m,
		index:    make(map[string]int),
		nextAlt:  make(map[int]int),
		foldCase: opts.FoldCase,
	}
	if m.Sil >= 0 {
		_, _ = d.addEntry(SilenceWord, []int{m.Sil}, true)
		_, _ = d.addEntry(StartWord, []int{m.Sil}, true)
		_, _ = d.addEntry(EndWord, []int{m.Sil}, true)
	}
	return d
}

// Load reads the main and (optional) filler dictionaries.
func Load(m *mdef.Model, dictPath, fdictPath string, opts Options) (*Dictionary, error) {
	d := New(m, opts)

	f, err := os.Open(dictPath)
	if err != nil {
		return nil, fmt.Errorf("lexicon: open %s: %w", dictPath, err)
	}
	defer f.Close()
	if err := d.read(f, false); err != nil {
		return nil, fmt.Errorf("lexicon: %s: %w", dictPath, err)
	}

	if fdictPath != "" {
		ff, err := os.Open(fdictPath)
		if err != nil {
			return nil, fmt.Errorf("lexicon: open %s: %w", fdictPath, err)
		}
		defer ff.Close()
		if err := d.read(ff, true); err != nil {
			return nil, fmt.Errorf("lexicon: %s: %w", fdictPath, err)
		}
	}
	return d, nil
}

// read parses dictionary lines: "WORD PH PH ...". Alternate
// pronunciations use the "WORD(2)" convention. Lines starting with
// "##" or ";;" are comments.
func (d *Dictionary) read(r io.Reader, filler bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "##") || strings.HasPrefix(line, ";;") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return fmt.Errorf("line %d: no pronunciation for %q", lineno, fields[0])
		}
		name := stripAltSuffix(fields[0])
		phones, err := d.phoneSeq(fields[1:])
		if err != nil {
			return fmt.Errorf("line %d: %w", lineno, err)
		}
		if _, err := d.addEntry(name, phones, filler); err != nil {
			return fmt.Errorf("line %d: %w", lineno, err)
		}
	}
	return sc.Err()
}

// stripAltSuffix removes a trailing "(n)" alternate marker.
func stripAltSuffix(w string) string {
	if i := strings.LastIndexByte(w, '('); i > 0 && strings.HasSuffix(w, ")") {
		return w[:i]
	}
	return w
}

func (d *Dictionary) phoneSeq(names []string) ([]int, error) {
	phones := make([]int, len(names))
	for i, n := range names {
		ci := d.mdef.CIPhoneID(n)
		if ci == mdef.NoPhone {
			return nil, fmt.Errorf("phone %q: %w", n, ErrUnknownSymbol)
		}
		phones[i] = ci
	}
	return phones, nil
}

func (d *Dictionary) fold(name string) string {
	if d.foldCase {
		return strings.ToLower(name)
	}
	return name
}

func (d *Dictionary) addEntry(name string, phones []int, filler bool) (int, error) {
	if len(phones) == 0 {
		return NoWord, fmt.Errorf("word %q: empty pronunciation", name)
	}
	// Only the lookup key is folded; the stored spelling is kept for
	// output and language model mapping.
	key := d.fold(name)
	id := len(d.words)
	w := Word{Name: name, ID: id, BaseID: id, Phones: phones, Filler: filler}

	if base, ok := d.index[key]; ok {
		// Alternate pronunciation: link in right after the base.
		w.BaseID = base
		if next, ok := d.nextAlt[base]; ok {
			d.nextAlt[id] = next
		}
		d.nextAlt[base] = id
	} else {
		d.index[key] = id
	}
	d.words = append(d.words, w)
	return id, nil
}

// AddWord appends a word with the given phone names at runtime.
// Adding a new pronunciation for an existing word creates an
// alternate.
func (d *Dictionary) AddWord(name string, phoneNames []string) (int, error) {
	phones, err := d.phoneSeq(phoneNames)
	if err != nil {
		return NoWord, fmt.Errorf("lexicon: add %q: %w", name, err)
	}
	id, err := d.addEntry(stripAltSuffix(name), phones, false)
	if err != nil {
		return NoWord, fmt.Errorf("lexicon: add %q: %w", name, err)
	}
	return id, nil
}

// WordID returns the base entry id for a word name, or NoWord.
func (d *Dictionary) WordID(name string) int {
	if id, ok := d.index[d.fold(name)]; ok {
		return id
	}
	return NoWord
}

// NWords returns the number of entries, alternates included.
func (d *Dictionary) NWords() int { return len(d.words) }

// Word returns the entry for an id.
func (d *Dictionary) Word(id int) *Word {
	if id < 0 || id >= len(d.words) {
		return nil
	}
	return &d.words[id]
}

// BaseID maps any entry (alternate or not) to its base entry.
func (d *Dictionary) BaseID(id int) int {
	if id < 0 || id >= len(d.words) {
		return NoWord
	}
	return d.words[id].BaseID
}

// NextAlt returns the next alternate pronunciation id after id, or
// NoWord when id is the last one.
func (d *Dictionary) NextAlt(id int) int {
	if alt, ok := d.nextAlt[id]; ok {
		return alt
	}
	return NoWord
}

// Alternates returns all entry ids sharing a base, the base first.
func (d *Dictionary) Alternates(base int) []int {
	ids := []int{base}
	for alt := d.NextAlt(base); alt != NoWord; alt = d.NextAlt(alt) {
		ids = append(ids, alt)
	}
	return ids
}

// Pronunciation returns the phone id sequence for an entry.
func (d *Dictionary) Pronunciation(id int) []int {
	if id < 0 || id >= len(d.words) {
		return nil
	}
	return d.words[id].Phones
}

// IsFiller reports whether an entry came from the filler dictionary
// (or is one of the built-in silence words).
func (d *Dictionary) IsFiller(id int) bool {
	if id < 0 || id >= len(d.words) {
		return false
	}
	return d.words[id].Filler
}

// WordName returns the spelling of an entry.
func (d *Dictionary) WordName(id int) string {
	if id < 0 || id >= len(d.words) {
		return ""
	}
	return d.words[id].Name
}
