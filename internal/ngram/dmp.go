package ngram

import (
	"fmt"

	"github.com/example/go-pocket-asr/internal/logmath"
)

// bigramSegmentSize is the log2 of the bigram segment width used by
// the DMP trigram index.
const bigramSegmentSize = 9

// readDMP parses the legacy "Darpa Trigram LM" dump format and packs
// it into the trie. Kept for back-compat; the native trie binary is
// the preferred format.
func readDMP(data []byte, lm *logmath.LogMath) (*Model, error) {
	r := &leReader{data: data}

	k := r.int32()
	if int(k) != len(dmpHeader)+1 {
		r.swap = true
		r.pos = 0
		k = r.int32()
		if int(k) != len(dmpHeader)+1 {
			return nil, fmt.Errorf("ngram: %w: bad DMP magic size %d", ErrBadFormat, k)
		}
	}
	hdr := r.take(int(k))
	if r.err != nil || string(hdr[:len(dmpHeader)]) != dmpHeader {
		return nil, fmt.Errorf("ngram: %w: bad DMP header", ErrBadFormat)
	}

	// Original LM filename.
	k = r.int32()
	r.take(int(k))

	var counts [3]uint32
	vn := r.int32()
	if vn <= 0 {
		r.int32() // timestamp
		// Format description strings, zero-length terminated.
		for {
			k = r.int32()
			if r.err != nil {
				return nil, fmt.Errorf("ngram: %w: truncated DMP description", ErrBadFormat)
			}
			if k == 0 {
				break
			}
			r.take(int(k))
		}
		counts[0] = r.uint32()
	} else {
		counts[0] = uint32(vn)
	}
	counts[1] = r.uint32()
	counts[2] = r.uint32()
	if r.err != nil {
		return nil, fmt.Errorf("ngram: %w: truncated DMP counts", ErrBadFormat)
	}

	order := 1
	if counts[2] > 0 {
		order = 3
	} else if counts[1] > 0 {
		order = 2
	}

	t := newTrie(counts[0], order)

	// Unigram records: mapping id, prob, backoff, first-bigram index.
	unigramNext := make([]uint32, counts[0]+1)
	for j := uint32(0); j <= counts[0]; j++ {
		r.int32() // mapping id
		prob := r.float32()
		bo := r.float32()
		bigrams := r.uint32()
		t.unigrams[j].Prob = lm.Log10ToLogFloat(float64(prob))
		t.unigrams[j].Bo = lm.Log10ToLogFloat(float64(bo))
		t.unigrams[j].Next = bigrams
		unigramNext[j] = bigrams
	}

	if order > 1 {
		raw, err := readDMPNgrams(r, lm, counts, order, unigramNext)
		if err != nil {
			return nil, err
		}
		for i := range raw {
			sortRaw(raw[i])
		}
		addMissingParents(raw)
		if err := t.build(raw); err != nil {
			return nil, err
		}
	}

	words, err := readWordBlob(r, counts[0])
	if err != nil {
		return nil, err
	}
	if r.err != nil {
		return nil, fmt.Errorf("ngram: %w: truncated DMP file", ErrBadFormat)
	}
	return newModel(lm, t, words)
}

// readDMPNgrams reads the bigram and trigram records. Weights are
// stored as indexes into shared quantized float tables that follow
// the records.
func readDMPNgrams(r *leReader, lm *logmath.LogMath, counts [3]uint32, order int, unigramNext []uint32) ([][]RawNgram, error) {
	raw := make([][]RawNgram, order-1)

	type pending struct {
		probIdx, boIdx uint16
	}

	bigrams := make([]RawNgram, counts[1])
	bigramIdx := make([]pending, counts[1])
	bigramsNext := make([]uint16, counts[1]+1)
	ngramIdx := uint32(1)
	for j := uint32(0); j <= counts[1]; j++ {
		wid := r.uint16()
		for ngramIdx < counts[0] && j == unigramNext[ngramIdx] {
			ngramIdx++
		}
		probIdx := r.uint16()
		boIdx := r.uint16()
		bigramsNext[j] = r.uint16()
		if j != counts[1] {
			bigrams[j] = RawNgram{Words: []uint32{uint32(wid), ngramIdx - 1}}
			bigramIdx[j] = pending{probIdx: probIdx, boIdx: boIdx}
		}
	}
	if ngramIdx < counts[0] {
		return nil, fmt.Errorf("ngram: %w: DMP bigram index covers %d of %d unigrams",
			ErrBadFormat, ngramIdx, counts[0])
	}

	var trigrams []RawNgram
	var trigramProbIdx []uint16
	if order > 2 {
		trigrams = make([]RawNgram, counts[2])
		trigramProbIdx = make([]uint16, counts[2])
		for j := uint32(0); j < counts[2]; j++ {
			wid := r.uint16()
			trigramProbIdx[j] = r.uint16()
			trigrams[j] = RawNgram{Words: []uint32{uint32(wid), 0, 0}}
		}
	}

	readTable := func() ([]float32, error) {
		n := int(r.int32())
		if r.err != nil || n < 0 {
			return nil, fmt.Errorf("ngram: %w: truncated DMP weight table", ErrBadFormat)
		}
		tbl := make([]float32, n)
		for i := range tbl {
			tbl[i] = lm.Log10ToLogFloat(float64(r.float32()))
		}
		return tbl, nil
	}

	prob2, err := readTable()
	if err != nil {
		return nil, err
	}
	lookup := func(tbl []float32, idx uint16, what string) (float32, error) {
		if int(idx) >= len(tbl) {
			return 0, fmt.Errorf("ngram: %w: DMP %s index %d exceeds table size %d",
				ErrOutOfRange, what, idx, len(tbl))
		}
		return tbl[idx], nil
	}
	for j := range bigrams {
		if bigrams[j].Prob, err = lookup(prob2, bigramIdx[j].probIdx, "bigram prob"); err != nil {
			return nil, err
		}
	}

	if order > 2 {
		bo2, err := readTable()
		if err != nil {
			return nil, err
		}
		for j := range bigrams {
			if bigrams[j].Backoff, err = lookup(bo2, bigramIdx[j].boIdx, "bigram backoff"); err != nil {
				return nil, err
			}
		}
		prob3, err := readTable()
		if err != nil {
			return nil, err
		}
		for j := range trigrams {
			if trigrams[j].Prob, err = lookup(prob3, trigramProbIdx[j], "trigram prob"); err != nil {
				return nil, err
			}
		}

		// tseg_base segments map bigram positions to trigram starts.
		k := int(r.int32())
		tsegBase := make([]int32, k)
		for i := range tsegBase {
			tsegBase[i] = r.int32()
		}
		ngramIdx = 0
		for j := uint32(1); j <= counts[1]; j++ {
			next := uint32(tsegBase[j>>bigramSegmentSize]) + uint32(bigramsNext[j])
			for ngramIdx < next && ngramIdx < counts[2] {
				trigrams[ngramIdx].Words[1] = bigrams[j-1].Words[0]
				trigrams[ngramIdx].Words[2] = bigrams[j-1].Words[1]
				ngramIdx++
			}
		}
		if ngramIdx < counts[2] {
			return nil, fmt.Errorf("ngram: %w: DMP trigrams without a parent bigram", ErrBadFormat)
		}
	}

	raw[0] = bigrams
	if order > 2 {
		raw[1] = trigrams
	}
	return raw, nil
}
