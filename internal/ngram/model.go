package ngram

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-pocket-asr/internal/logmath"
)

// NoWord is returned when a word is not in the LM vocabulary and no
// <UNK> entry exists.
const NoWord = -1

const unkWord = "<UNK>"

var (
	// ErrBadFormat indicates a file failing magic/structure checks.
	ErrBadFormat = errors.New("bad language model format")
	// ErrOutOfRange indicates a packed value exceeding its declared
	// width; the model is corrupt.
	ErrOutOfRange = errors.New("quantized value out of range")
)

// Model is a trie-backed backoff n-gram language model.
type Model struct {
	lmath  *logmath.LogMath
	trie   *trie
	words  []string
	wid    map[string]int32
	lw     float32
	logWip int32
}

// Order returns the model order.
func (m *Model) Order() int { return m.trie.order }

// Counts returns the per-order n-gram counts.
func (m *Model) Counts() []uint32 { return m.trie.counts }

// NWords returns the unigram count.
func (m *Model) NWords() int { return int(m.trie.counts[0]) }

// LogMath exposes the log domain the scores live in.
func (m *Model) LogMath() *logmath.LogMath { return m.lmath }

func newModel(lm *logmath.LogMath, t *trie, words []string) (*Model, error) {
	if len(words) != int(t.counts[0]) {
		return nil, fmt.Errorf("ngram: %w: %d word strings for %d unigrams",
			ErrBadFormat, len(words), t.counts[0])
	}
	m := &Model{lmath: lm, trie: t, words: words, wid: make(map[string]int32, len(words)), lw: 1}
	for i, w := range words {
		if _, dup := m.wid[w]; dup {
			continue
		}
		m.wid[w] = int32(i)
	}
	return m, nil
}

// ApplyWeights sets the language weight and word insertion penalty
// folded into Score.
func (m *Model) ApplyWeights(lw float32, wip float64) {
	m.lw = lw
	m.logWip = m.lmath.Log(wip)
}

// WordID maps a word string to its LM id, substituting <UNK> when the
// model defines it.
func (m *Model) WordID(word string) int32 {
	if id, ok := m.wid[word]; ok {
		return id
	}
	if id, ok := m.wid[unkWord]; ok {
		return id
	}
	return NoWord
}

// WordStr returns the spelling of an LM word id.
func (m *Model) WordStr(wid int32) string {
	if wid < 0 || int(wid) >= len(m.words) {
		return ""
	}
	return m.words[wid]
}

// RawScore returns the unweighted backoff log probability of wid
// given a most-recent-first history, and the number of words used.
func (m *Model) RawScore(wid int32, hist []int32) (int32, int32) {
	if wid < 0 || int(wid) >= int(m.trie.counts[0]) {
		return logmath.Zero, 0
	}
	if len(hist) > m.trie.order-1 {
		hist = hist[:m.trie.order-1]
	}
	for i, h := range hist {
		if h < 0 {
			hist = hist[:i]
			break
		}
	}
	var nUsed int32
	score := m.trie.score(uint32(wid), hist, &nUsed)
	return int32(score), nUsed
}

// Score is RawScore scaled by the language weight plus the insertion
// penalty.
func (m *Model) Score(wid int32, hist []int32) (int32, int32) {
	raw, nUsed := m.RawScore(wid, hist)
	if raw <= logmath.Zero {
		return logmath.Zero, nUsed
	}
	return int32(float64(raw)*float64(m.lw)) + m.logWip, nUsed
}

// FlushCache drops the per-model backoff history cache; call between
// utterances.
func (m *Model) FlushCache() {
	m.trie.flushCache()
}

// AddWord appends a unigram for word with the given linear
// probability weight. The new word takes part in no higher-order
// n-grams. Returns the new word id.
func (m *Model) AddWord(word string, weight float64) (int32, error) {
	if _, exists := m.wid[word]; exists {
		return NoWord, fmt.Errorf("ngram: word %q already present", word)
	}
	t := m.trie
	n := t.counts[0]

	lweight := float32(math.Log(weight)/math.Log(m.lmath.Base())) +
		float32(m.lmath.Log(1.0/float64(n+1)))

	sentinel := t.unigrams[n]
	t.unigrams = append(t.unigrams, sentinel)
	t.unigrams[n] = unigram{Prob: lweight, Bo: 0, Next: sentinel.Next}
	t.counts[0] = n + 1

	m.words = append(m.words, word)
	m.wid[word] = int32(n)
	return int32(n), nil
}
