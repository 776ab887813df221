package ngram

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/example/go-pocket-asr/internal/logmath"
)

// Set holds named language models and tracks which one is current,
// supporting lmctl-style multi-LM decoding.
type Set struct {
	models  map[string]*Model
	order   []string
	current string
}

// NewSet creates a set with an optional initial model named name.
func NewSet(name string, m *Model) *Set {
	s := &Set{models: map[string]*Model{}}
	if m != nil {
		s.Add(name, m)
		s.current = name
	}
	return s
}

// Add registers a model under name, replacing any previous one.
func (s *Set) Add(name string, m *Model) {
	if _, exists := s.models[name]; !exists {
		s.order = append(s.order, name)
	}
	s.models[name] = m
	if s.current == "" {
		s.current = name
	}
}

// Select makes name the current model.
func (s *Set) Select(name string) error {
	if _, ok := s.models[name]; !ok {
		return fmt.Errorf("ngram: no model named %q", name)
	}
	s.current = name
	return nil
}

// Current returns the selected model, or nil for an empty set.
func (s *Set) Current() *Model {
	return s.models[s.current]
}

// Get returns a model by name, or nil.
func (s *Set) Get(name string) *Model {
	return s.models[name]
}

// CurrentName returns the selected model's name.
func (s *Set) CurrentName() string { return s.current }

// Names lists model names in registration order.
func (s *Set) Names() []string {
	return append([]string(nil), s.order...)
}

// ReadSet loads an lmctl descriptor: each non-comment line is
// "name lmfile", paths resolved relative to the descriptor.
func ReadSet(path string, lm *logmath.LogMath) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ngram: open %s: %w", path, err)
	}
	defer f.Close()

	s := NewSet("", nil)
	dir := filepath.Dir(path)
	sc := bufio.NewScanner(f)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("ngram: %s:%d: want \"name lmfile\"", path, lineno)
		}
		lmPath := fields[1]
		if !filepath.IsAbs(lmPath) {
			lmPath = filepath.Join(dir, lmPath)
		}
		m, err := Read(lmPath, lm)
		if err != nil {
			return nil, err
		}
		s.Add(fields[0], m)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("ngram: read %s: %w", path, err)
	}
	return s, nil
}
