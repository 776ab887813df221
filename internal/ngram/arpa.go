package ngram

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/example/go-pocket-asr/internal/logmath"
)

// ReadARPA parses an ARPA text language model and packs it into a
// trie model. Probabilities are converted from base-10 logs to the
// given log domain.
func ReadARPA(r io.Reader, lm *logmath.LogMath) (*Model, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	// Skip preamble up to \data\.
	found := false
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == `\data\` {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf(`ngram: %w: no \data\ section`, ErrBadFormat)
	}

	// "ngram k=N" count lines.
	var counts []uint32
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			break
		}
		var k int
		var n uint32
		if _, err := fmt.Sscanf(line, "ngram %d=%d", &k, &n); err != nil {
			return nil, fmt.Errorf("ngram: %w: bad count line %q", ErrBadFormat, line)
		}
		if k != len(counts)+1 || k > MaxOrder {
			return nil, fmt.Errorf("ngram: %w: unexpected order %d", ErrBadFormat, k)
		}
		counts = append(counts, n)
	}
	if len(counts) == 0 {
		return nil, fmt.Errorf("ngram: %w: no ngram counts", ErrBadFormat)
	}
	order := len(counts)

	t := newTrie(counts[0], order)
	words := make([]string, 0, counts[0])
	wid := make(map[string]int32, counts[0])
	raw := make([][]RawNgram, order-1)

	for k := 1; k <= order; k++ {
		header := fmt.Sprintf(`\%d-grams:`, k)
		if err := seekSection(sc, header); err != nil {
			return nil, err
		}
		want := int(counts[k-1])
		if k > 1 {
			raw[k-2] = make([]RawNgram, 0, want)
		}
		got := 0
		for got < want && sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) < k+1 {
				return nil, fmt.Errorf("ngram: %w: short %d-gram line %q", ErrBadFormat, k, line)
			}
			prob, err := strconv.ParseFloat(fields[0], 32)
			if err != nil {
				return nil, fmt.Errorf("ngram: %w: bad prob in %q", ErrBadFormat, line)
			}
			if prob > 0 {
				prob = 0
			}
			var backoff float64
			hasBackoff := len(fields) > k+1 && k < order
			if hasBackoff {
				backoff, err = strconv.ParseFloat(fields[k+1], 32)
				if err != nil {
					return nil, fmt.Errorf("ngram: %w: bad backoff in %q", ErrBadFormat, line)
				}
			}

			if k == 1 {
				w := fields[1]
				if _, dup := wid[w]; !dup {
					wid[w] = int32(len(words))
				}
				t.unigrams[len(words)] = unigram{
					Prob: lm.Log10ToLogFloat(prob),
					Bo:   lm.Log10ToLogFloat(backoff),
				}
				words = append(words, w)
			} else {
				g := RawNgram{
					Words:   make([]uint32, k),
					Prob:    lm.Log10ToLogFloat(prob),
					Backoff: lm.Log10ToLogFloat(backoff),
				}
				ok := true
				for i := 0; i < k; i++ {
					// Reversed storage: last textual word first.
					id, exists := wid[fields[k-i]]
					if !exists {
						ok = false
						break
					}
					g.Words[i] = uint32(id)
				}
				if ok {
					raw[k-2] = append(raw[k-2], g)
				}
			}
			got++
		}
		if got < want {
			return nil, fmt.Errorf("ngram: %w: %d-gram section truncated (%d of %d)",
				ErrBadFormat, k, got, want)
		}
	}
	if err := seekSection(sc, `\end\`); err != nil {
		return nil, err
	}

	if order > 1 {
		for i := range raw {
			sortRaw(raw[i])
		}
		addMissingParents(raw)
		if err := t.build(raw); err != nil {
			return nil, err
		}
	}
	return newModel(lm, t, words)
}

func seekSection(sc *bufio.Scanner, header string) error {
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == header {
			return nil
		}
	}
	return fmt.Errorf("ngram: %w: missing %s section", ErrBadFormat, header)
}

// WriteARPA emits the model in ARPA text form. Quantized weights are
// written at the quantizer's resolution.
func (m *Model) WriteARPA(w io.Writer) error {
	bw := bufio.NewWriter(w)
	t := m.trie

	fmt.Fprintf(bw, "\\data\\\n")
	for k := 0; k < t.order; k++ {
		fmt.Fprintf(bw, "ngram %d=%d\n", k+1, t.counts[k])
	}

	fmt.Fprintf(bw, "\n\\1-grams:\n")
	for i := uint32(0); i < t.counts[0]; i++ {
		u := t.unigrams[i]
		fmt.Fprintf(bw, "%.4f %s %.4f\n",
			m.lmath.LogFloatToLog10(u.Prob), m.words[i], m.lmath.LogFloatToLog10(u.Bo))
	}

	for k := 2; k <= t.order; k++ {
		grams := t.extractRaw(k)
		fmt.Fprintf(bw, "\n\\%d-grams:\n", k)
		for _, g := range grams {
			fmt.Fprintf(bw, "%.4f", m.lmath.LogFloatToLog10(g.Prob))
			for i := k - 1; i >= 0; i-- {
				fmt.Fprintf(bw, " %s", m.words[g.Words[i]])
			}
			if k < t.order {
				fmt.Fprintf(bw, " %.4f", m.lmath.LogFloatToLog10(g.Backoff))
			}
			fmt.Fprintf(bw, "\n")
		}
	}

	fmt.Fprintf(bw, "\n\\end\\\n")
	return bw.Flush()
}
