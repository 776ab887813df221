package search

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/example/go-pocket-asr/internal/acoustic"
	"github.com/example/go-pocket-asr/internal/lexicon"
	"github.com/example/go-pocket-asr/internal/mdef"
	"github.com/example/go-pocket-asr/internal/ngram"
)

// FlatParams restrict the second pass to words the first pass saw.
type FlatParams struct {
	Params
	// StartWindow allows a word to start within this many frames of a
	// first-pass start of the same word.
	StartWindow int32
	// MinEndFrames drops words that exited in fewer first-pass
	// frames.
	MinEndFrames int
}

// flatWord is one rescored word: a dedicated linear chain of
// triphone HMMs.
type flatWord struct {
	wid    int32
	chain  []*HMM
	active bool
	// starts are the first-pass start frames of this word.
	starts []int32
}

// FlatSearch is the second-pass flat-lexicon Viterbi rescoring over
// the words the lexicon-tree pass kept, run with tighter beams and
// its own (usually higher) language weight.
type FlatSearch struct {
	name   string
	mdl    *mdef.Model
	dict   *lexicon.Dictionary
	lm     *ngram.Model
	tmat   *acoustic.TMat
	params FlatParams

	words  []*flatWord
	byWid  map[int32]*flatWord
	scores []int32

	bp        *BPTable
	nextEnter map[*flatWord]entryScore
	lmWids    []int32
	startLmW  int32
	finishWid int32
}

// NewFlatSearch prepares a rescoring pass from the first-pass
// backpointer table.
func NewFlatSearch(name string, mdl *mdef.Model, dict *lexicon.Dictionary,
	lm *ngram.Model, tmat *acoustic.TMat, params FlatParams, scores []int32,
	firstPass *BPTable) *FlatSearch {
	s := &FlatSearch{
		name:   name,
		mdl:    mdl,
		dict:   dict,
		lm:     lm,
		tmat:   tmat,
		params: params,
		scores: scores,
		bp:     NewBPTable(1024),
		byWid:  map[int32]*flatWord{},
	}
	s.buildWordList(firstPass)
	s.mapLMWids()
	return s
}

// buildWordList keeps words that persisted across enough first-pass
// frames, remembering where they started.
func (s *FlatSearch) buildWordList(firstPass *BPTable) {
	counts := map[int32]int{}
	starts := map[int32][]int32{}
	for i := range firstPass.Ents {
		e := &firstPass.Ents[i]
		counts[e.WordID]++
		starts[e.WordID] = append(starts[e.WordID], e.StartFrame)
	}

	for wid, n := range counts {
		if n < s.params.MinEndFrames && !s.dict.IsFiller(int(wid)) {
			continue
		}
		phones := s.dict.Pronunciation(int(wid))
		if len(phones) == 0 {
			continue
		}
		w := &flatWord{wid: wid, starts: starts[wid]}
		for _, pid := range wordTriphones(s.mdl, phones) {
			w.chain = append(w.chain, NewHMM(s.mdl.SSeq(pid), s.mdl.TMatID(pid), s.mdl.NEmitState))
		}
		sort.Slice(w.starts, func(i, j int) bool { return w.starts[i] < w.starts[j] })
		s.words = append(s.words, w)
		s.byWid[wid] = w
	}
	slog.Info("flat-lexicon pass word list", "words", len(s.words))
}

func (s *FlatSearch) mapLMWids() {
	s.lmWids = make([]int32, s.dict.NWords())
	for wid := range s.lmWids {
		s.lmWids[wid] = s.lm.WordID(s.dict.WordName(s.dict.BaseID(wid)))
	}
	s.startLmW = s.lm.WordID(lexicon.StartWord)
	s.finishWid = int32(s.dict.WordID(lexicon.EndWord))
}

// Name implements Search.
func (s *FlatSearch) Name() string { return s.name }

// BP implements Search.
func (s *FlatSearch) BP() *BPTable { return s.bp }

// StartUtt implements Search.
func (s *FlatSearch) StartUtt() error {
	s.bp.Reset()
	s.lm.FlushCache()
	s.nextEnter = map[*flatWord]entryScore{}
	for _, w := range s.words {
		for _, h := range w.chain {
			h.Clear()
		}
		w.active = false
		if w.canStartAt(0, s.params.StartWindow) {
			s.nextEnter[w] = entryScore{score: 0, hist: NoBP}
		}
	}
	return nil
}

// canStartAt checks the first-pass window restriction.
func (w *flatWord) canStartAt(frame, window int32) bool {
	i := sort.Search(len(w.starts), func(i int) bool { return w.starts[i] >= frame-window })
	return i < len(w.starts) && w.starts[i] <= frame+window
}

// ActiveSenones implements Search.
func (s *FlatSearch) ActiveSenones(set *SenoneSet) {
	for _, w := range s.words {
		if w.active {
			for _, h := range w.chain {
				set.AddHMM(h)
			}
		}
	}
	for w := range s.nextEnter {
		set.AddHMM(w.chain[0])
	}
}

// Step implements Search.
func (s *FlatSearch) Step(frame int32) (int, error) {
	for w, e := range s.nextEnter {
		w.chain[0].Enter(e.score, e.hist, frame)
		w.active = true
	}
	s.nextEnter = map[*flatWord]entryScore{}

	// Evaluate active chains.
	best := WorstScore
	nEval := 0
	for _, w := range s.words {
		if !w.active {
			continue
		}
		for _, h := range w.chain {
			if !h.IsActive(frame) {
				continue
			}
			sc := h.Eval(s.tmat, s.scores)
			nEval++
			if sc > best {
				best = sc
			}
		}
	}
	if best <= WorstScore {
		s.bp.FrameDone(frame)
		return 0, nil
	}

	th := saturateAdd(best, s.params.Beam)
	wth := saturateAdd(best, s.params.WBeam)

	type exitCand struct {
		w     *flatWord
		score int32
		hist  int32
	}
	var exits []exitCand
	for _, w := range s.words {
		if !w.active {
			continue
		}
		alive := false
		for i, h := range w.chain {
			if !h.IsActive(frame) {
				continue
			}
			if h.BestScore < th {
				h.Clear()
				continue
			}
			h.Frame = frame + 1
			alive = true
			if h.OutScore <= WorstScore {
				continue
			}
			if i+1 < len(w.chain) {
				w.chain[i+1].Enter(h.OutScore, h.OutHist, frame+1)
			} else if h.OutScore >= wth {
				exits = append(exits, exitCand{w: w, score: h.OutScore, hist: h.OutHist})
			}
		}
		w.active = alive
	}

	for _, e := range exits {
		lscr, nUsed := s.langScore(e.w.wid, e.hist)
		start := int32(0)
		prevScore := int32(0)
		if e.hist != NoBP {
			prev := s.bp.Entry(e.hist)
			start = prev.Frame + 1
			prevScore = prev.Score
		}
		if _, err := s.bp.Enter(BPEntry{
			Frame:      frame,
			WordID:     e.w.wid,
			StartFrame: start,
			Score:      saturateAdd(e.score, lscr),
			AScore:     e.score - prevScore,
			LScore:     lscr,
			Prev:       e.hist,
			NUsed:      nUsed,
		}); err != nil {
			slog.Warn("dropped backpointer", "error", err)
		}
	}
	s.bp.FrameDone(frame)

	// Word-to-word transitions, window-restricted.
	lo, hi := s.bp.FrameEntries(frame)
	for i := lo; i < hi; i++ {
		e := s.bp.Entry(i)
		for _, w := range s.words {
			if !w.canStartAt(frame+1, s.params.StartWindow) {
				continue
			}
			cur, ok := s.nextEnter[w]
			if !ok || e.Score > cur.score {
				s.nextEnter[w] = entryScore{score: e.Score, hist: i}
			}
		}
	}
	return nEval, nil
}

func (s *FlatSearch) langScore(wid int32, hist int32) (int32, int32) {
	w := s.dict.Word(int(wid))
	if w.Filler {
		if s.dict.BaseID(int(wid)) == s.dict.WordID(lexicon.SilenceWord) {
			return s.params.SilPen, 0
		}
		return s.params.FillPen, 0
	}
	lmWid := s.lmWids[wid]
	if lmWid == ngram.NoWord {
		return s.params.FillPen, 0
	}
	hist2 := s.lmHistory(hist)
	return s.lm.Score(lmWid, hist2)
}

func (s *FlatSearch) lmHistory(bp int32) []int32 {
	maxHist := s.lm.Order() - 1
	hist := make([]int32, 0, maxHist)
	for cur := bp; cur != NoBP && len(hist) < maxHist; {
		e := s.bp.Entry(cur)
		if !s.dict.IsFiller(int(e.WordID)) {
			if lw := s.lmWids[e.WordID]; lw != ngram.NoWord {
				hist = append(hist, lw)
			}
		}
		cur = e.Prev
	}
	if len(hist) < maxHist && s.startLmW != ngram.NoWord {
		hist = append(hist, s.startLmW)
	}
	return hist
}

// FinishUtt implements Search.
func (s *FlatSearch) FinishUtt(lastFrame int32) error {
	s.bp.FrameDone(lastFrame)
	return nil
}

// Hyp implements Search.
func (s *FlatSearch) Hyp() (string, int32) {
	last := int32(len(s.bp.frameIdx)) - 1
	var exit int32 = NoBP
	for f := last; f >= 0 && exit == NoBP; f-- {
		exit = s.bp.BestExit(f, s.finishWid)
	}
	if exit == NoBP {
		return "", 0
	}
	var words []string
	for _, bp := range s.bp.Backtrace(exit) {
		e := s.bp.Entry(bp)
		if s.dict.IsFiller(int(e.WordID)) {
			continue
		}
		words = append(words, s.dict.WordName(s.dict.BaseID(int(e.WordID))))
	}
	return strings.Join(words, " "), s.bp.Entry(exit).Score
}
