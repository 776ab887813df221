// Package decoder owns the loaded models and drives the multi-pass
// recognition of utterances: frame scoring, the active search, the
// rescoring passes, and result extraction.
package decoder

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/go-pocket-asr/internal/acoustic"
	"github.com/example/go-pocket-asr/internal/config"
	"github.com/example/go-pocket-asr/internal/feat"
	"github.com/example/go-pocket-asr/internal/fsg"
	"github.com/example/go-pocket-asr/internal/lexicon"
	"github.com/example/go-pocket-asr/internal/logmath"
	"github.com/example/go-pocket-asr/internal/mdef"
	"github.com/example/go-pocket-asr/internal/ngram"
	"github.com/example/go-pocket-asr/internal/search"
)

// UttState is the utterance lifecycle phase.
type UttState int

const (
	StateIdle UttState = iota
	StateBegun
	StateEnded
	StateStopped
)

// ErrBadState is returned when an operation is called in the wrong
// utterance phase; the decoder state is unchanged.
var ErrBadState = errors.New("operation not allowed in this utterance state")

// Decoder is a single-threaded recognizer instance. Loaded models are
// shared and immutable; per-utterance state lives in the searches and
// is reset at StartUtt.
type Decoder struct {
	cfg   config.Config
	lmath *logmath.LogMath
	mdl   *mdef.Model
	dict  *lexicon.Dictionary
	tmat  *acoustic.TMat

	scorer acoustic.Scorer
	scores []int32
	senset *search.SenoneSet

	lmset    *ngram.Set
	searches map[string]search.Search
	active   search.Search
	pending  string // search to activate at the next StartUtt

	pl *search.PhoneLoop

	fe  *feat.FrontEnd
	cmn *feat.CMN
	agc *feat.AGC

	state    UttState
	frame    int32
	cepBuf   [][]float32   // raw cepstra of the current utterance
	utteFeat [][][]float32 // derived streams, kept for rescoring
	nScored  int32         // frames already pushed through the search
	stopped  [][]float32   // cepstra buffered while STOPPED

	metrics *Metrics

	flat *search.FlatSearch
	res  *result
}

// New loads every model the configuration names and prepares the
// search set. The default search is "lm" when a language model is
// configured, "fsg"/"jsgf" when a grammar is.
func New(cfg config.Config) (*Decoder, error) {
	cfg.ResolvePaths()
	if cfg.Acoustic.HMMDir == "" {
		return nil, fmt.Errorf("decoder: no acoustic model directory configured")
	}

	lmath, err := logmath.New(cfg.Acoustic.LogBase)
	if err != nil {
		return nil, err
	}

	mdl, err := mdef.Read(cfg.Acoustic.MDef)
	if err != nil {
		return nil, err
	}

	tmat, err := acoustic.ReadTMat(cfg.Acoustic.TMat, cfg.Acoustic.TMatFloor, lmath)
	if err != nil {
		return nil, err
	}

	scorer, err := acoustic.NewSemi(acoustic.SemiConfig{
		MeanPath:    cfg.Acoustic.Mean,
		VarPath:     cfg.Acoustic.Var,
		MixwPath:    cfg.Acoustic.Mixw,
		SendumpPath: cfg.Acoustic.Sendump,
		VarFloor:    cfg.Acoustic.VarFloor,
		MixwFloor:   cfg.Acoustic.MixwFloor,
		TopN:        cfg.Acoustic.TopN,
		DSRatio:     cfg.Acoustic.DS,
		MMap:        cfg.Acoustic.MMap,
	}, lmath, mdl.NSen)
	if err != nil {
		return nil, err
	}

	dict, err := lexicon.Load(mdl, cfg.Dict.Dict, cfg.Dict.FDict, lexicon.Options{
		FoldCase: !cfg.Dict.DictCase,
	})
	if err != nil {
		return nil, err
	}

	d := &Decoder{
		cfg:      cfg,
		lmath:    lmath,
		mdl:      mdl,
		dict:     dict,
		tmat:     tmat,
		scorer:   scorer,
		scores:   make([]int32, mdl.NSen),
		senset:   search.NewSenoneSet(mdl.NSen),
		lmset:    ngram.NewSet("", nil),
		searches: map[string]search.Search{},
		metrics:  NewMetrics(),
	}

	cmnMode := feat.CMNNone
	switch cfg.Acoustic.CMN {
	case "live", "prior":
		cmnMode = feat.CMNLive
	case "batch", "current":
		cmnMode = feat.CMNBatch
	}
	d.cmn = feat.NewCMN(cmnMode, cfg.Acoustic.CepLen)
	d.agc = feat.NewAGC(cfg.Acoustic.AGC)

	if err := d.loadSearches(); err != nil {
		return nil, err
	}

	if cfg.Beams.PLWeight > 0 {
		d.pl = search.NewPhoneLoop(mdl, tmat,
			lmath.Log(cfg.Beams.PL), float32(cfg.Beams.PLWeight), d.scores)
	}
	return d, nil
}

// loadSearches builds the initial search set from the configured LM
// and grammar files.
func (d *Decoder) loadSearches() error {
	if d.cfg.LM.Ctl != "" {
		set, err := ngram.ReadSet(d.cfg.LM.Ctl, d.lmath)
		if err != nil {
			return err
		}
		d.lmset = set
		for _, name := range set.Names() {
			if err := d.addLMSearch(name, set.Get(name)); err != nil {
				return err
			}
		}
		if d.cfg.LM.Name != "" {
			if err := set.Select(d.cfg.LM.Name); err != nil {
				return err
			}
			d.pending = d.cfg.LM.Name
		}
	} else if d.cfg.LM.Path != "" {
		lm, err := ngram.Read(d.cfg.LM.Path, d.lmath)
		if err != nil {
			return err
		}
		d.lmset.Add("lm", lm)
		if err := d.addLMSearch("lm", lm); err != nil {
			return err
		}
	}

	if d.cfg.FSG.Path != "" {
		m, err := fsg.ReadFile(d.cfg.FSG.Path, d.lmath, float32(d.cfg.LM.LW))
		if err != nil {
			return err
		}
		if err := d.AddFSGSearch("fsg", m); err != nil {
			return err
		}
	}
	if d.cfg.FSG.JSGF != "" {
		g, err := fsg.ParseJSGFFile(d.cfg.FSG.JSGF)
		if err != nil {
			return err
		}
		m, err := g.BuildFSG(d.cfg.FSG.TopRule, d.lmath, float32(d.cfg.LM.LW))
		if err != nil {
			return err
		}
		if err := d.AddFSGSearch("jsgf", m); err != nil {
			return err
		}
	}

	if d.active == nil {
		return fmt.Errorf("decoder: no language model or grammar configured")
	}
	return nil
}

func (d *Decoder) params() search.Params {
	b := d.cfg.Beams
	lm := d.cfg.LM
	p := search.NewParams(d.lmath, b.Beam, b.WBeam, b.PBeam, b.LPBeam, b.LPOnlyBeam,
		float32(lm.LW), lm.WIP, lm.SilProb, lm.FillProb)
	p.MaxHMMPF = d.cfg.Search.MaxHMMPF
	p.MaxWPF = d.cfg.Search.MaxWPF
	p.PLWeight = float32(b.PLWeight)
	return p
}

// addLMSearch registers a lexicon-tree search over an n-gram model.
func (d *Decoder) addLMSearch(name string, lm *ngram.Model) error {
	lm.ApplyWeights(float32(d.cfg.LM.LW), d.cfg.LM.WIP)
	s, err := search.NewTreeSearch(name, d.mdl, d.dict, lm, d.tmat, d.params(), d.scores)
	if err != nil {
		return err
	}
	d.addSearch(name, s)
	return nil
}

// AddLMSearch registers a named n-gram search; it becomes selectable
// with SetSearch.
func (d *Decoder) AddLMSearch(name string, lm *ngram.Model) error {
	if d.state == StateBegun {
		return fmt.Errorf("decoder: add search: %w", ErrBadState)
	}
	d.lmset.Add(name, lm)
	return d.addLMSearch(name, lm)
}

// AddFSGSearch registers a named grammar search, expanding fillers
// and pronunciation alternates per configuration.
func (d *Decoder) AddFSGSearch(name string, m *fsg.Model) error {
	if d.state == StateBegun {
		return fmt.Errorf("decoder: add search: %w", ErrBadState)
	}
	if d.cfg.FSG.UseFiller {
		m.AddSilence(lexicon.SilenceWord, -1, d.cfg.LM.SilProb)
	}
	if d.cfg.FSG.UseAltPron {
		for wid := int32(0); int(wid) < m.NWord(); wid++ {
			dictWid := d.dict.WordID(m.WordStr(wid))
			if dictWid == lexicon.NoWord {
				continue
			}
			for _, alt := range d.dict.Alternates(dictWid)[1:] {
				m.AddAlt(m.WordStr(wid), d.dict.WordName(alt))
			}
		}
	}
	s, err := search.NewFSGSearch(name, m, d.mdl, d.dict, d.tmat, d.params(), d.scores)
	if err != nil {
		return err
	}
	d.addSearch(name, s)
	return nil
}

func (d *Decoder) addSearch(name string, s search.Search) {
	d.searches[name] = s
	if d.active == nil {
		d.active = s
	}
}

// SetSearch selects the search used from the next utterance on. The
// current utterance, if any, finishes under the previous search.
func (d *Decoder) SetSearch(name string) error {
	if _, ok := d.searches[name]; !ok {
		return fmt.Errorf("decoder: no search named %q", name)
	}
	if d.state == StateBegun || d.state == StateStopped {
		d.pending = name
		return nil
	}
	d.active = d.searches[name]
	d.pending = ""
	return nil
}

// ActiveSearch returns the name of the search that will decode the
// next utterance.
func (d *Decoder) ActiveSearch() string {
	if d.pending != "" {
		return d.pending
	}
	if d.active == nil {
		return ""
	}
	return d.active.Name()
}

// Searches lists the registered search names.
func (d *Decoder) Searches() []string {
	names := make([]string, 0, len(d.searches))
	for n := range d.searches {
		names = append(names, n)
	}
	return names
}

// AddWord adds a word to the dictionary, the current LM (so it can be
// hypothesized), and rebuilds the tree searches to include the new
// pronunciation. Takes effect at the next utterance start.
func (d *Decoder) AddWord(word string, phones []string, weight float64) error {
	if d.state == StateBegun || d.state == StateStopped {
		return fmt.Errorf("decoder: add word: %w", ErrBadState)
	}
	if _, err := d.dict.AddWord(word, phones); err != nil {
		return err
	}
	if lm := d.lmset.Current(); lm != nil {
		if _, err := lm.AddWord(word, weight); err != nil {
			slog.Warn("word not added to language model", "word", word, "error", err)
		}
	}
	// Tree structures embed the lexicon; rebuild them.
	for name, s := range d.searches {
		if _, ok := s.(*search.TreeSearch); !ok {
			continue
		}
		lm := d.lmset.Current()
		ns, err := search.NewTreeSearch(name, d.mdl, d.dict, lm, d.tmat, d.params(), d.scores)
		if err != nil {
			return err
		}
		if d.active == s {
			d.active = ns
		}
		d.searches[name] = ns
	}
	return nil
}

// Dict exposes the lexicon.
func (d *Decoder) Dict() *lexicon.Dictionary { return d.dict }

// LogMath exposes the decoder's log domain.
func (d *Decoder) LogMath() *logmath.LogMath { return d.lmath }

// Metrics exposes the decoder's performance counters.
func (d *Decoder) Metrics() *Metrics { return d.metrics }

// State returns the utterance phase.
func (d *Decoder) State() UttState { return d.state }
