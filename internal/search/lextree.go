package search

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/example/go-pocket-asr/internal/acoustic"
	"github.com/example/go-pocket-asr/internal/lexicon"
	"github.com/example/go-pocket-asr/internal/mdef"
	"github.com/example/go-pocket-asr/internal/ngram"
)

// treeChan is one node of the lexicon tree: an HMM for a
// context-dependent phone, shared by every word whose pronunciation
// passes through it. Nodes are keyed by the resolved CD phone, so
// prefixes sharing a phone but diverging in right context get
// separate channels. Last phones are word-specific leaves so the
// exiting word is known.
type treeChan struct {
	hmm      *HMM
	pid      int // CD phone id the HMM was built from
	phone    int // base CI phone, for the phone-loop bias
	children []*treeChan
	wid      int32 // exiting word for leaves, -1 otherwise
	isLeaf   bool
	isRoot   bool
	queued   bool
}

// TreeSearch is the first-pass lexicon-tree Viterbi search with
// N-gram language scoring at word exits.
type TreeSearch struct {
	name   string
	mdl    *mdef.Model
	dict   *lexicon.Dictionary
	lm     *ngram.Model
	tmat   *acoustic.TMat
	params Params

	roots []*treeChan
	nodes []*treeChan // every allocated channel

	scores []int32 // shared senone score array, filled by the decoder

	bp        *BPTable
	active    []*treeChan
	nextIn    map[*treeChan]entryScore // pending entries for next frame
	frame     int32
	lmWids    []int32 // dict word id -> LM word id
	startLmW  int32
	finishWid int32

	// Phone-loop lookahead bias per CI phone, refreshed by the
	// decoder when lookahead is enabled.
	plBias []int32
}

type entryScore struct {
	score int32
	hist  int32
	nUsed int32
}

// NewTreeSearch compiles the dictionary into a shared-prefix tree of
// HMM channels.
func NewTreeSearch(name string, mdl *mdef.Model, dict *lexicon.Dictionary,
	lm *ngram.Model, tmat *acoustic.TMat, params Params, scores []int32) (*TreeSearch, error) {
	s := &TreeSearch{
		name:   name,
		mdl:    mdl,
		dict:   dict,
		lm:     lm,
		tmat:   tmat,
		params: params,
		scores: scores,
		bp:     NewBPTable(4096),
	}
	if err := s.compile(); err != nil {
		return nil, err
	}
	s.mapLMWids()
	return s, nil
}

// Name implements Search.
func (s *TreeSearch) Name() string { return s.name }

// BP implements Search.
func (s *TreeSearch) BP() *BPTable { return s.bp }

// Dict exposes the lexicon for result extraction.
func (s *TreeSearch) Dict() *lexicon.Dictionary { return s.dict }

// SetPhoneLoopBias installs per-CI-phone lookahead scores.
func (s *TreeSearch) SetPhoneLoopBias(bias []int32) { s.plBias = bias }

// compile builds the tree: interior phones shared by prefix, last
// phones word-specific. Pronunciations are resolved to triphones via
// the CD tree before any HMM is built.
func (s *TreeSearch) compile() error {
	nEmit := s.mdl.NEmitState
	if s.tmat.NEmit != nEmit {
		return fmt.Errorf("search: tmat has %d states, mdef has %d", s.tmat.NEmit, nEmit)
	}

	newChan := func(pid int, wid int32, leaf, root bool) *treeChan {
		c := &treeChan{
			hmm:    NewHMM(s.mdl.SSeq(pid), s.mdl.TMatID(pid), nEmit),
			pid:    pid,
			phone:  s.mdl.PidToCI(pid),
			wid:    wid,
			isLeaf: leaf,
			isRoot: root,
		}
		s.nodes = append(s.nodes, c)
		return c
	}

	for wid := 0; wid < s.dict.NWords(); wid++ {
		w := s.dict.Word(wid)
		if w.Name == lexicon.StartWord {
			continue
		}
		phones := w.Phones
		if len(phones) == 0 {
			continue
		}
		pids := wordTriphones(s.mdl, phones)

		if len(pids) == 1 {
			// Single-phone word: its own root leaf.
			c := newChan(pids[0], int32(wid), true, true)
			s.roots = append(s.roots, c)
			continue
		}

		// Shared interior path over pids[0 : len-1]. Sharing is by CD
		// phone, so the same base phone with a different right context
		// stays a distinct channel.
		var cur *treeChan
		for i, pid := range pids[:len(pids)-1] {
			var siblings *[]*treeChan
			if i == 0 {
				siblings = &s.roots
			} else {
				siblings = &cur.children
			}
			var found *treeChan
			for _, c := range *siblings {
				if !c.isLeaf && c.pid == pid {
					found = c
					break
				}
			}
			if found == nil {
				found = newChan(pid, -1, false, i == 0)
				*siblings = append(*siblings, found)
			}
			cur = found
		}
		// Dedicated leaf for the last phone.
		leaf := newChan(pids[len(pids)-1], int32(wid), true, false)
		cur.children = append(cur.children, leaf)
	}
	slog.Info("compiled lexicon tree", "words", s.dict.NWords(), "channels", len(s.nodes))
	return nil
}

// mapLMWids caches the dictionary-to-LM word id mapping.
func (s *TreeSearch) mapLMWids() {
	s.lmWids = make([]int32, s.dict.NWords())
	for wid := range s.lmWids {
		base := s.dict.BaseID(wid)
		s.lmWids[wid] = s.lm.WordID(s.dict.WordName(base))
	}
	s.startLmW = s.lm.WordID(lexicon.StartWord)
	s.finishWid = int32(s.dict.WordID(lexicon.EndWord))
}

// StartUtt implements Search.
func (s *TreeSearch) StartUtt() error {
	s.bp.Reset()
	s.lm.FlushCache()
	for _, c := range s.nodes {
		c.hmm.Clear()
	}
	for _, c := range s.active {
		c.queued = false
	}
	s.active = s.active[:0]
	s.frame = 0
	s.nextIn = map[*treeChan]entryScore{}
	for _, r := range s.roots {
		s.nextIn[r] = entryScore{score: 0, hist: NoBP}
	}
	return nil
}

// ActiveSenones implements Search.
func (s *TreeSearch) ActiveSenones(set *SenoneSet) {
	for _, c := range s.active {
		set.AddHMM(c.hmm)
	}
	for c := range s.nextIn {
		set.AddHMM(c.hmm)
	}
}

// Step implements Search: evaluate, prune, cross phones, exit words,
// and re-enter roots.
func (s *TreeSearch) Step(frame int32) (int, error) {
	s.frame = frame

	// Apply pending entries from the previous frame.
	for c, e := range s.nextIn {
		c.hmm.Enter(e.score, e.hist, frame)
		if !c.queued {
			c.queued = true
			s.active = append(s.active, c)
		}
	}
	s.nextIn = map[*treeChan]entryScore{}

	// Evaluate.
	best := WorstScore
	nEval := 0
	for _, c := range s.active {
		if !c.hmm.IsActive(frame) {
			continue
		}
		sc := c.hmm.Eval(s.tmat, s.scores)
		if s.plBias != nil {
			sc = saturateAdd(sc, s.plBias[c.phone])
		}
		nEval++
		if sc > best {
			best = sc
		}
	}
	if best <= WorstScore {
		slog.Warn("no active HMMs survive pruning", "frame", frame, "search", s.name)
		s.bp.FrameDone(frame)
		s.active = s.active[:0]
		return 0, nil
	}

	th := saturateAdd(best, s.params.Beam)
	pth := saturateAdd(best, s.params.PBeam)
	wth := saturateAdd(best, s.params.WBeam)
	lpth := saturateAdd(best, s.params.LPBeam)
	lponlyth := saturateAdd(best, s.params.LPOnlyBeam)

	// Absolute rank pruning.
	if s.params.MaxHMMPF > 0 && nEval > s.params.MaxHMMPF {
		th = maxInt32(th, s.rankThreshold(s.params.MaxHMMPF))
	}

	var exits []*treeChan
	var survivors []*treeChan
	for _, c := range s.active {
		if !c.hmm.IsActive(frame) || c.hmm.BestScore < th {
			c.hmm.Clear()
			c.queued = false
			continue
		}
		c.hmm.Frame = frame + 1
		survivors = append(survivors, c)

		if c.hmm.OutScore <= WorstScore {
			continue
		}
		if c.isLeaf {
			// Word exit, gated by the word beam. Single-phone words
			// use the tighter last-phone-only beam.
			exitTh := wth
			if c.isRoot {
				exitTh = maxInt32(wth, lponlyth)
			}
			if c.hmm.OutScore >= exitTh {
				exits = append(exits, c)
			}
			continue
		}
		// Cross-phone transition into children; entries into leaf
		// (last-phone) channels use the last-phone beam.
		if c.hmm.OutScore >= pth {
			for _, child := range c.children {
				if child.isLeaf && c.hmm.OutScore < lpth {
					continue
				}
				s.enter(child, c.hmm.OutScore, c.hmm.OutHist, frame)
			}
		}
	}
	s.active = survivors

	s.exitWords(exits, frame)
	s.bp.FrameDone(frame)
	s.reenterRoots(frame)
	return nEval, nil
}

// rankThreshold finds the score of the n-th best active HMM.
func (s *TreeSearch) rankThreshold(n int) int32 {
	scores := make([]int32, 0, len(s.active))
	for _, c := range s.active {
		if c.hmm.BestScore > WorstScore {
			scores = append(scores, c.hmm.BestScore)
		}
	}
	if len(scores) <= n {
		return WorstScore
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i] > scores[j] })
	return scores[n-1]
}

func (s *TreeSearch) enter(c *treeChan, score, hist, frame int32) {
	e, ok := s.nextIn[c]
	if !ok || score > e.score {
		s.nextIn[c] = entryScore{score: score, hist: hist}
	}
}

// exitWords applies language scores and records BP entries for the
// surviving word exits, bounded by maxwpf.
func (s *TreeSearch) exitWords(exits []*treeChan, frame int32) {
	type exit struct {
		c     *treeChan
		total int32
		lscr  int32
		nUsed int32
	}
	cands := make([]exit, 0, len(exits))
	for _, c := range exits {
		lscr, nUsed := s.langScore(c.wid, c.hmm.OutHist)
		cands = append(cands, exit{
			c:     c,
			total: saturateAdd(c.hmm.OutScore, lscr),
			lscr:  lscr,
			nUsed: nUsed,
		})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].total != cands[j].total {
			return cands[i].total > cands[j].total
		}
		// Equal scores prefer the deeper language model history.
		return cands[i].nUsed > cands[j].nUsed
	})
	if s.params.MaxWPF > 0 && len(cands) > s.params.MaxWPF {
		cands = cands[:s.params.MaxWPF]
	}

	for _, e := range cands {
		start := int32(0)
		prevScore := int32(0)
		if e.c.hmm.OutHist != NoBP {
			prev := s.bp.Entry(e.c.hmm.OutHist)
			start = prev.Frame + 1
			prevScore = prev.Score
		}
		_, err := s.bp.Enter(BPEntry{
			Frame:      frame,
			WordID:     e.c.wid,
			StartFrame: start,
			Score:      e.total,
			AScore:     e.c.hmm.OutScore - prevScore,
			LScore:     e.lscr,
			Prev:       e.c.hmm.OutHist,
			NUsed:      e.nUsed,
		})
		if err != nil {
			slog.Warn("dropped backpointer", "error", err)
		}
	}
}

// langScore computes the scaled LM score of a word given the history
// reachable through a BP index. Fillers pay fixed penalties.
func (s *TreeSearch) langScore(wid int32, hist int32) (int32, int32) {
	w := s.dict.Word(int(wid))
	if w.Filler {
		if w.Name == lexicon.SilenceWord || s.dict.BaseID(int(wid)) == s.dict.WordID(lexicon.SilenceWord) {
			return s.params.SilPen, 0
		}
		return s.params.FillPen, 0
	}

	lmWid := s.lmWids[wid]
	if lmWid == ngram.NoWord {
		return s.params.FillPen, 0
	}
	histWids := s.lmHistory(hist)
	score, nUsed := s.lm.Score(lmWid, histWids)
	return score, nUsed
}

// lmHistory collects LM word ids by walking the BP chain, most recent
// first, skipping fillers and padding with <s>.
func (s *TreeSearch) lmHistory(bp int32) []int32 {
	maxHist := s.lm.Order() - 1
	hist := make([]int32, 0, maxHist)
	for cur := bp; cur != NoBP && len(hist) < maxHist; {
		e := s.bp.Entry(cur)
		if !s.dict.IsFiller(int(e.WordID)) {
			lmWid := s.lmWids[e.WordID]
			if lmWid != ngram.NoWord {
				hist = append(hist, lmWid)
			}
		}
		cur = e.Prev
	}
	if len(hist) < maxHist && s.startLmW != ngram.NoWord {
		hist = append(hist, s.startLmW)
	}
	return hist
}

// reenterRoots seeds the tree roots from this frame's word exits.
func (s *TreeSearch) reenterRoots(frame int32) {
	lo, hi := s.bp.FrameEntries(frame)
	for i := lo; i < hi; i++ {
		e := s.bp.Entry(i)
		for _, r := range s.roots {
			cur, ok := s.nextIn[r]
			if !ok || e.Score > cur.score ||
				(e.Score == cur.score && e.NUsed > cur.nUsed) {
				s.nextIn[r] = entryScore{score: e.Score, hist: i, nUsed: e.NUsed}
			}
		}
	}
}

// FinishUtt implements Search.
func (s *TreeSearch) FinishUtt(lastFrame int32) error {
	s.bp.FrameDone(lastFrame)
	return nil
}

// Hyp implements Search: backtrace the last recorded frame's </s> exit
// when it has one, else its best exit, skipping fillers. The returned
// score is that exit's.
func (s *TreeSearch) Hyp() (string, int32) {
	last := int32(len(s.bp.frameIdx)) - 1
	var exit int32 = NoBP
	for f := last; f >= 0 && exit == NoBP; f-- {
		exit = s.bp.BestExit(f, s.finishWid)
	}
	if exit == NoBP {
		return "", 0
	}
	return s.hypFromBP(exit)
}

func (s *TreeSearch) hypFromBP(exit int32) (string, int32) {
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

func maxInt32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}
