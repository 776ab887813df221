package ngram

import (
	"fmt"
	"sort"
)

// MaxOrder bounds the n-gram order the trie supports.
const MaxOrder = 8

// RawNgram is one n-gram before packing. Words are stored reversed:
// Words[0] is the predicted word, Words[1..] the history from most
// recent to oldest. Prob and Backoff are in log-domain float units.
type RawNgram struct {
	Words   []uint32
	Prob    float32
	Backoff float32
}

// compareRaw orders raw n-grams lexicographically over their reversed
// word sequences; shorter prefixes sort first.
func compareRaw(a, b RawNgram) int {
	n := len(a.Words)
	if len(b.Words) < n {
		n = len(b.Words)
	}
	for i := 0; i < n; i++ {
		if a.Words[i] != b.Words[i] {
			if a.Words[i] < b.Words[i] {
				return -1
			}
			return 1
		}
	}
	return len(a.Words) - len(b.Words)
}

func sortRaw(grams []RawNgram) {
	sort.Slice(grams, func(i, j int) bool { return compareRaw(grams[i], grams[j]) < 0 })
}

// unigram is one entry of the flat first-order array. Next delimits
// the child range in the bigram level; a sentinel entry closes the
// last range.
type unigram struct {
	Prob float32
	Bo   float32
	Next uint32
}

// middleLevel is a packed level for orders 2..order-1. Entry layout:
// word key, backoff bin, prob bin, first-child index.
type middleLevel struct {
	arr       bitArr
	wordBits  uint8
	wordMask  uint32
	totalBits uint8
	maxVocab  uint32
	nextMask  bitMask
	insertIdx uint32
}

// longestLevel is the highest-order packed level: word key and prob
// bin only.
type longestLevel struct {
	arr       bitArr
	wordBits  uint8
	wordMask  uint32
	totalBits uint8
	maxVocab  uint32
	insertIdx uint32
}

// nodeRange is a half-open child range within a level.
type nodeRange struct {
	begin, end uint32
}

// trie is the packed reverse n-gram trie.
type trie struct {
	order    int
	counts   []uint32
	unigrams []unigram
	quant    *quantizer
	middles  []middleLevel
	longest  longestLevel

	backoffCache [MaxOrder]float32
	histCache    [MaxOrder - 1]int32
}

func newTrie(unigramCount uint32, order int) *trie {
	t := &trie{
		order:    order,
		counts:   make([]uint32, order),
		unigrams: make([]unigram, unigramCount+1),
	}
	t.counts[0] = unigramCount
	if order > 1 {
		t.quant = newQuantizer(order)
	}
	t.flushCache()
	return t
}

func (t *trie) flushCache() {
	for i := range t.histCache {
		t.histCache[i] = -1
	}
	for i := range t.backoffCache {
		t.backoffCache[i] = 0
	}
}

// allocLevels sizes the packed levels from per-order counts.
func (t *trie) allocLevels(counts []uint32) {
	t.middles = make([]middleLevel, t.order-2)
	for i := range t.middles {
		m := &t.middles[i]
		m.wordBits = requiredBits(counts[0])
		m.wordMask = uint32(1)<<m.wordBits - 1
		m.maxVocab = counts[0]
		m.nextMask = maskFromMax(counts[i+2])
		m.totalBits = m.wordBits + t.quant.middleBits() + m.nextMask.bits
		m.arr = newBitArr(int(counts[i+1])+1, m.totalBits)
	}
	l := &t.longest
	l.wordBits = requiredBits(counts[0])
	l.wordMask = uint32(1)<<l.wordBits - 1
	l.maxVocab = counts[0]
	l.totalBits = l.wordBits + t.quant.longestBits()
	l.arr = newBitArr(int(counts[t.order-1])+1, l.totalBits)
}

// build packs sorted raw n-grams per order (raw[0] = bigrams). The
// raw slices must already satisfy prefix closure; addMissingParents
// establishes it.
func (t *trie) build(raw [][]RawNgram) error {
	counts := make([]uint32, t.order)
	counts[0] = t.counts[0]
	for i, grams := range raw {
		counts[i+1] = uint32(len(grams))
		if counts[i+1] >= 1<<25 {
			return fmt.Errorf("ngram: too many %d-grams (%d)", i+2, counts[i+1])
		}
	}
	copy(t.counts, counts)

	for i := 0; i < t.order-2; i++ {
		t.quant.trainMiddle(i, raw[i])
	}
	t.quant.trainLongest(raw[t.order-2])
	t.allocLevels(counts)

	ptrs := make([]int, t.order-1)

	// insert packs one entry at level k (0 = bigrams) and then its
	// children, which are contiguous in the next level because every
	// level shares the same sort order.
	var insert func(k int, g RawNgram)
	insert = func(k int, g RawNgram) {
		if k == t.order-2 {
			l := &t.longest
			off := l.insertIdx * uint32(l.totalBits)
			l.arr.write25(off, g.Words[k+1])
			t.quant.writeLongest(l.arr, off+uint32(l.wordBits), g.Prob)
			l.insertIdx++
			return
		}
		m := &t.middles[k]
		off := m.insertIdx * uint32(m.totalBits)
		m.arr.write25(off, g.Words[k+1])
		t.quant.writeMiddle(m.arr, off+uint32(m.wordBits), k, g.Prob, g.Backoff)
		next := t.childInsertIdx(k + 1)
		m.arr.write25(off+uint32(m.wordBits)+uint32(t.quant.middleBits()), next)
		m.insertIdx++

		children := raw[k+1]
		for ptrs[k+1] < len(children) && prefixEqual(children[ptrs[k+1]].Words, g.Words, k+2) {
			insert(k+1, children[ptrs[k+1]])
			ptrs[k+1]++
		}
	}

	for u := uint32(0); u <= counts[0]; u++ {
		t.unigrams[u].Next = t.childInsertIdx(0)
		if u == counts[0] {
			break
		}
		bigrams := raw[0]
		for ptrs[0] < len(bigrams) && bigrams[ptrs[0]].Words[0] == u {
			insert(0, bigrams[ptrs[0]])
			ptrs[0]++
		}
	}

	// Sentinel entries close the final child range of each middle
	// level.
	for k := range t.middles {
		m := &t.middles[k]
		off := m.insertIdx*uint32(m.totalBits) + uint32(m.wordBits) + uint32(t.quant.middleBits())
		m.arr.write25(off, t.childInsertIdx(k+1))
	}
	return nil
}

// childInsertIdx is the current insertion index of the level below k.
func (t *trie) childInsertIdx(k int) uint32 {
	if k == t.order-1 {
		return 0
	}
	if k == t.order-2 {
		return t.longest.insertIdx
	}
	return t.middles[k].insertIdx
}

func prefixEqual(a, b []uint32, n int) bool {
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// addMissingParents synthesizes unit-probability prefixes for any
// n-gram whose parent is absent, so child ranges stay well formed.
func addMissingParents(raw [][]RawNgram) {
	for k := len(raw) - 1; k >= 1; k-- {
		present := make(map[string]bool, len(raw[k-1]))
		keyOf := func(words []uint32, n int) string {
			b := make([]byte, 0, n*4)
			for i := 0; i < n; i++ {
				w := words[i]
				b = append(b, byte(w), byte(w>>8), byte(w>>16), byte(w>>24))
			}
			return string(b)
		}
		for _, g := range raw[k-1] {
			present[keyOf(g.Words, k+1)] = true
		}
		for _, g := range raw[k] {
			key := keyOf(g.Words, k+1)
			if !present[key] {
				present[key] = true
				raw[k-1] = append(raw[k-1], RawNgram{
					Words: append([]uint32(nil), g.Words[:k+1]...),
				})
			}
		}
		sortRaw(raw[k-1])
	}
}

// unigramFind returns the unigram entry and its child range.
func (t *trie) unigramFind(word uint32) (*unigram, nodeRange) {
	u := &t.unigrams[word]
	return u, nodeRange{begin: u.Next, end: t.unigrams[word+1].Next}
}

// uniformFind is an interpolation search for key inside a packed
// level between known (index, value) bounds.
func uniformFind(arr bitArr, totalBits, keyBits uint8, keyMask uint32,
	beforeIt int64, beforeV uint32, afterIt int64, afterV uint32, key uint32) (uint32, bool) {
	if key > afterV {
		return 0, false
	}
	for afterIt-beforeIt > 1 {
		width := afterIt - beforeIt - 1
		pivot := beforeIt + 1 +
			int64(uint64(key-beforeV)*uint64(width)/uint64(afterV-beforeV+1))
		mid := arr.read25(uint32(pivot)*uint32(totalBits), keyMask)
		switch {
		case mid < key:
			beforeIt, beforeV = pivot, mid
		case mid > key:
			afterIt, afterV = pivot, mid
		default:
			return uint32(pivot), true
		}
	}
	return 0, false
}

// middleFind locates word within the child range and narrows the
// range to that entry's children. Returns the bit offset of the
// entry's weight fields, or found=false.
func (t *trie) middleFind(k int, word uint32, rng *nodeRange) (uint32, bool) {
	m := &t.middles[k]
	at, ok := uniformFind(m.arr, m.totalBits, m.wordBits, m.wordMask,
		int64(rng.begin)-1, 0, int64(rng.end), m.maxVocab, word)
	if !ok {
		return 0, false
	}
	base := at*uint32(m.totalBits) + uint32(m.wordBits)
	next := base + uint32(t.quant.middleBits())
	rng.begin = m.arr.read25(next, m.nextMask.mask)
	rng.end = m.arr.read25(next+uint32(m.totalBits), m.nextMask.mask)
	return base, true
}

// longestFind locates word in the highest-order level and returns the
// bit offset of its probability field.
func (t *trie) longestFind(word uint32, rng *nodeRange) (uint32, bool) {
	l := &t.longest
	at, ok := uniformFind(l.arr, l.totalBits, l.wordBits, l.wordMask,
		int64(rng.begin)-1, 0, int64(rng.end), l.maxVocab, word)
	if !ok {
		return 0, false
	}
	return at*uint32(l.totalBits) + uint32(l.wordBits), true
}

// availableProb returns the probability of the longest matching
// suffix n-gram and how many words (predicted included) it spans.
func (t *trie) availableProb(wid uint32, hist []int32, nUsed *int32) float32 {
	*nUsed = 1
	u, node := t.unigramFind(wid)
	prob := u.Prob
	if len(hist) == 0 {
		return prob
	}

	independentLeft := node.begin == node.end
	for i := 0; ; i++ {
		if i == len(hist) || independentLeft {
			return prob
		}
		if i == t.order-2 {
			break
		}
		off, ok := t.middleFind(i, uint32(hist[i]), &node)
		if !ok {
			return prob
		}
		independentLeft = node.begin == node.end
		prob = t.quant.readMiddleProb(t.middles[i].arr, off, i)
		*nUsed = int32(i) + 2
	}

	if off, ok := t.longestFind(uint32(hist[t.order-2]), &node); ok {
		prob = t.quant.readLongestProb(t.longest.arr, off)
		*nUsed = int32(t.order)
	}
	return prob
}

// availableBackoff accumulates backoff weights of every history
// prefix from order start upward.
func (t *trie) availableBackoff(start int32, hist []int32) float32 {
	var backoff float32
	u, node := t.unigramFind(uint32(hist[0]))
	if start <= 1 {
		backoff += u.Bo
		start = 2
	}
	for i := int(start) - 2; i+1 < len(hist) && i < t.order-2; i++ {
		off, ok := t.middleFind(i, uint32(hist[i+1]), &node)
		if !ok {
			break
		}
		backoff += t.quant.readMiddleBackoff(t.middles[i].arr, off, i)
	}
	return backoff
}

// noboScore is the slow path for histories shorter than order-1.
func (t *trie) noboScore(wid uint32, hist []int32, nUsed *int32) float32 {
	prob := t.availableProb(wid, hist, nUsed)
	if int32(len(hist)) < *nUsed {
		return prob
	}
	return prob + t.availableBackoff(*nUsed, hist)
}

// histScore is the cached fast path for full-length histories.
func (t *trie) histScore(wid uint32, hist []int32, nUsed *int32) float32 {
	*nUsed = 1
	u, node := t.unigramFind(wid)
	prob := u.Prob
	if len(hist) == 0 {
		return prob
	}
	for i := 0; i < len(hist)-1; i++ {
		off, ok := t.middleFind(i, uint32(hist[i]), &node)
		if !ok {
			for j := i; j < len(hist); j++ {
				prob += t.backoffCache[j]
			}
			return prob
		}
		*nUsed++
		prob = t.quant.readMiddleProb(t.middles[i].arr, off, i)
	}
	off, ok := t.longestFind(uint32(hist[len(hist)-1]), &node)
	if !ok {
		return prob + t.backoffCache[len(hist)-1]
	}
	*nUsed++
	return t.quant.readLongestProb(t.longest.arr, off)
}

func (t *trie) updateBackoffCache(hist []int32) {
	for i := range t.backoffCache {
		t.backoffCache[i] = 0
	}
	_, node := t.unigramFind(uint32(hist[0]))
	t.backoffCache[0] = t.unigrams[hist[0]].Bo
	for i := 1; i < len(hist); i++ {
		off, ok := t.middleFind(i-1, uint32(hist[i]), &node)
		if !ok {
			break
		}
		t.backoffCache[i] = t.quant.readMiddleBackoff(t.middles[i-1].arr, off, i-1)
	}
	copy(t.histCache[:], hist)
}

func (t *trie) histMatches(hist []int32) bool {
	for i, h := range hist {
		if t.histCache[i] != h {
			return false
		}
	}
	return true
}

// middleEntry decodes one record of a middle level: key word, both
// weights, and the child range in the next level.
func (t *trie) middleEntry(k int, idx uint32) (word uint32, prob, bo float32, child nodeRange) {
	m := &t.middles[k]
	off := idx * uint32(m.totalBits)
	word = m.arr.read25(off, m.wordMask)
	base := off + uint32(m.wordBits)
	prob = t.quant.readMiddleProb(m.arr, base, k)
	bo = t.quant.readMiddleBackoff(m.arr, base, k)
	next := base + uint32(t.quant.middleBits())
	child.begin = m.arr.read25(next, m.nextMask.mask)
	child.end = m.arr.read25(next+uint32(m.totalBits), m.nextMask.mask)
	return word, prob, bo, child
}

// longestEntry decodes one record of the highest-order level.
func (t *trie) longestEntry(idx uint32) (word uint32, prob float32) {
	l := &t.longest
	off := idx * uint32(l.totalBits)
	word = l.arr.read25(off, l.wordMask)
	prob = t.quant.readLongestProb(l.arr, off+uint32(l.wordBits))
	return word, prob
}

// extractRaw walks the packed levels and reconstructs the raw n-grams
// of one order, reversed words included.
func (t *trie) extractRaw(order int) []RawNgram {
	target := order - 2
	var out []RawNgram

	var rec func(level int, rng nodeRange, hist []uint32)
	rec = func(level int, rng nodeRange, hist []uint32) {
		if level == target {
			for i := rng.begin; i < rng.end; i++ {
				g := RawNgram{Words: make([]uint32, 0, order)}
				g.Words = append(g.Words, hist...)
				if order == t.order {
					word, prob := t.longestEntry(i)
					g.Words = append(g.Words, word)
					g.Prob = prob
				} else {
					word, prob, bo, _ := t.middleEntry(level, i)
					g.Words = append(g.Words, word)
					g.Prob = prob
					g.Backoff = bo
				}
				out = append(out, g)
			}
			return
		}
		for i := rng.begin; i < rng.end; i++ {
			word, _, _, child := t.middleEntry(level, i)
			sub := make([]uint32, 0, order)
			sub = append(sub, hist...)
			sub = append(sub, word)
			rec(level+1, child, sub)
		}
	}

	for u := uint32(0); u < t.counts[0]; u++ {
		_, node := t.unigramFind(u)
		rec(0, node, []uint32{u})
	}
	return out
}

// score returns the backoff-smoothed log probability of wid given a
// most-recent-first history, and how many words were used.
func (t *trie) score(wid uint32, hist []int32, nUsed *int32) float32 {
	if t.order == 1 || len(hist) == 0 {
		*nUsed = 1
		return t.unigrams[wid].Prob
	}
	if len(hist) < t.order-1 {
		return t.noboScore(wid, hist, nUsed)
	}
	hist = hist[:t.order-1]
	if !t.histMatches(hist) {
		t.updateBackoffCache(hist)
	}
	return t.histScore(wid, hist, nUsed)
}
