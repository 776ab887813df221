package search

import "fmt"

// BPEntry is one word arrival in the backpointer table.
type BPEntry struct {
	Frame      int32 // frame the word ends in
	WordID     int32
	StartFrame int32
	Score      int32 // total path score at the exit
	AScore     int32 // acoustic part of this word's segment
	LScore     int32 // language score applied at the exit
	Prev       int32 // predecessor BP index or NoBP
	NUsed      int32 // LM history length used, for tie-breaking

	// RCScores maps right-context CI phones to exit scores so a
	// following word can pick the matching cross-word path. Nil when
	// the search does not distinguish right contexts.
	RCScores []int32
}

// BPTable is the append-only per-frame log of word exits; every
// hypothesis, segmentation, and lattice is reconstructed from it.
type BPTable struct {
	Ents []BPEntry
	// frameIdx[f] is the index of the first entry of frame f+1 (so
	// entries of frame f are [frameIdx[f-1], frameIdx[f])).
	frameIdx []int32
}

// NewBPTable creates a table with initial capacity.
func NewBPTable(capacity int) *BPTable {
	return &BPTable{Ents: make([]BPEntry, 0, capacity)}
}

// Reset clears the table for a new utterance, keeping capacity.
func (t *BPTable) Reset() {
	t.Ents = t.Ents[:0]
	t.frameIdx = t.frameIdx[:0]
}

// Enter appends an entry; the predecessor must be earlier and the
// entry's frame must not precede already-recorded frames.
func (t *BPTable) Enter(e BPEntry) (int32, error) {
	if e.Prev != NoBP {
		if e.Prev < 0 || int(e.Prev) >= len(t.Ents) {
			return NoBP, fmt.Errorf("search: bp predecessor %d out of range", e.Prev)
		}
		p := &t.Ents[e.Prev]
		if p.Frame > e.StartFrame {
			return NoBP, fmt.Errorf("search: bp predecessor frame %d after start frame %d",
				p.Frame, e.StartFrame)
		}
	}
	idx := int32(len(t.Ents))
	t.Ents = append(t.Ents, e)
	return idx, nil
}

// FrameDone records the end of a frame's entries. Must be called once
// per frame, in order.
func (t *BPTable) FrameDone(frame int32) {
	for int32(len(t.frameIdx)) <= frame {
		t.frameIdx = append(t.frameIdx, int32(len(t.Ents)))
	}
}

// FrameEntries returns the BP index range [lo, hi) for a frame.
func (t *BPTable) FrameEntries(frame int32) (int32, int32) {
	if frame < 0 || int(frame) >= len(t.frameIdx) {
		return 0, 0
	}
	lo := int32(0)
	if frame > 0 {
		lo = t.frameIdx[frame-1]
	}
	return lo, t.frameIdx[frame]
}

// Entry returns a table entry by index.
func (t *BPTable) Entry(idx int32) *BPEntry {
	if idx < 0 || int(idx) >= len(t.Ents) {
		return nil
	}
	return &t.Ents[idx]
}

// Len returns the number of entries.
func (t *BPTable) Len() int { return len(t.Ents) }

// BestExit finds the best-scoring entry ending at frame, preferring
// finalWid when it is present (the sentence-end word).
func (t *BPTable) BestExit(frame int32, finalWid int32) int32 {
	lo, hi := t.FrameEntries(frame)
	best, bestFinal := NoBP, NoBP
	for i := lo; i < hi; i++ {
		e := &t.Ents[i]
		if best == NoBP || e.Score > t.Ents[best].Score {
			best = i
		}
		if e.WordID == finalWid &&
			(bestFinal == NoBP || e.Score > t.Ents[bestFinal].Score) {
			bestFinal = i
		}
	}
	if bestFinal != NoBP {
		return bestFinal
	}
	return best
}

// Backtrace returns the BP indices from the utterance start to exit,
// in time order.
func (t *BPTable) Backtrace(exit int32) []int32 {
	var rev []int32
	for bp := exit; bp != NoBP; bp = t.Ents[bp].Prev {
		rev = append(rev, bp)
	}
	for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
		rev[i], rev[j] = rev[j], rev[i]
	}
	return rev
}
