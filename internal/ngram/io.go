package ngram

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/example/go-pocket-asr/internal/logmath"
)

const (
	trieHeader = "Trie Language Model"
	dmpHeader  = "Darpa Trigram LM"
)

// Read loads a language model file, auto-detecting native trie
// binary, legacy DMP binary, or ARPA text by the leading bytes.
func Read(path string, lm *logmath.LogMath) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ngram: read %s: %w", path, err)
	}
	m, err := ReadBytes(data, lm)
	if err != nil {
		return nil, fmt.Errorf("ngram: %s: %w", path, err)
	}
	return m, nil
}

// ReadBytes is Read over an in-memory file image.
func ReadBytes(data []byte, lm *logmath.LogMath) (*Model, error) {
	if bytes.HasPrefix(data, []byte(trieHeader)) {
		return readTrieBin(data, lm)
	}
	if len(data) >= 4 {
		k := binary.LittleEndian.Uint32(data)
		kswap := binary.BigEndian.Uint32(data)
		if int(k) == len(dmpHeader)+1 || int(kswap) == len(dmpHeader)+1 {
			return readDMP(data, lm)
		}
	}
	return ReadARPA(bytes.NewReader(data), lm)
}

// readTrieBin parses the native binary: header text, uint8 order,
// per-order uint32 counts, quantizer tables, unigram array, packed
// levels, and the word-string blob.
func readTrieBin(data []byte, lm *logmath.LogMath) (*Model, error) {
	r := &leReader{data: data, pos: len(trieHeader)}

	order := int(r.uint8())
	if order < 1 || order > MaxOrder {
		return nil, fmt.Errorf("ngram: %w: order %d", ErrBadFormat, order)
	}
	counts := make([]uint32, order)
	for i := range counts {
		counts[i] = r.uint32()
	}
	if r.err != nil {
		return nil, fmt.Errorf("ngram: %w: truncated trie header", ErrBadFormat)
	}

	t := newTrie(counts[0], order)
	copy(t.counts, counts)

	if order > 1 {
		r.uint32() // quantizer table size marker
		for i := 0; i < order-2; i++ {
			r.floats(t.quant.tables[i][0].centers)
			r.floats(t.quant.tables[i][1].centers)
		}
		r.floats(t.quant.longest().centers)
	}

	for i := range t.unigrams {
		t.unigrams[i].Prob = r.float32()
		t.unigrams[i].Bo = r.float32()
		t.unigrams[i].Next = r.uint32()
	}

	if order > 1 {
		t.allocLevels(counts)
		for i := range t.middles {
			r.fill(t.middles[i].arr.mem)
			t.middles[i].insertIdx = counts[i+1]
		}
		r.fill(t.longest.arr.mem)
		t.longest.insertIdx = counts[order-1]
	}

	words, err := readWordBlob(r, counts[0])
	if err != nil {
		return nil, err
	}
	if r.err != nil {
		return nil, fmt.Errorf("ngram: %w: truncated trie file", ErrBadFormat)
	}
	return newModel(lm, t, words)
}

// WriteBin writes the model in the native trie binary format.
func (m *Model) WriteBin(w io.Writer) error {
	bw := bufio.NewWriter(w)
	t := m.trie

	bw.WriteString(trieHeader)
	bw.WriteByte(uint8(t.order))
	var b4 [4]byte
	put32 := func(v uint32) {
		binary.LittleEndian.PutUint32(b4[:], v)
		bw.Write(b4[:])
	}
	for _, c := range t.counts {
		put32(c)
	}

	if t.order > 1 {
		put32(uint32(t.quant.memSize()))
		writeFloats := func(fs []float32) {
			for _, f := range fs {
				put32(math.Float32bits(f))
			}
		}
		for i := 0; i < t.order-2; i++ {
			writeFloats(t.quant.tables[i][0].centers)
			writeFloats(t.quant.tables[i][1].centers)
		}
		writeFloats(t.quant.longest().centers)
	}

	for _, u := range t.unigrams {
		put32(math.Float32bits(u.Prob))
		put32(math.Float32bits(u.Bo))
		put32(u.Next)
	}
	if t.order > 1 {
		for i := range t.middles {
			bw.Write(t.middles[i].arr.mem)
		}
		bw.Write(t.longest.arr.mem)
	}

	var blob bytes.Buffer
	for _, w := range m.words {
		blob.WriteString(w)
		blob.WriteByte(0)
	}
	put32(uint32(blob.Len()))
	bw.Write(blob.Bytes())
	return bw.Flush()
}

// WriteBinFile writes the native trie binary to a path.
func (m *Model) WriteBinFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("ngram: create %s: %w", path, err)
	}
	defer f.Close()
	if err := m.WriteBin(f); err != nil {
		return fmt.Errorf("ngram: write %s: %w", path, err)
	}
	return nil
}

func readWordBlob(r *leReader, nWords uint32) ([]string, error) {
	blobLen := int(r.uint32())
	blob := r.take(blobLen)
	if r.err != nil {
		return nil, fmt.Errorf("ngram: %w: truncated word strings", ErrBadFormat)
	}
	words := make([]string, 0, nWords)
	for len(blob) > 0 {
		i := bytes.IndexByte(blob, 0)
		if i < 0 {
			return nil, fmt.Errorf("ngram: %w: unterminated word string", ErrBadFormat)
		}
		words = append(words, string(blob[:i]))
		blob = blob[i+1:]
	}
	if uint32(len(words)) != nWords {
		return nil, fmt.Errorf("ngram: %w: %d word strings, want %d",
			ErrBadFormat, len(words), nWords)
	}
	return words, nil
}

type leReader struct {
	data []byte
	pos  int
	err  error
	swap bool
}

func (r *leReader) take(n int) []byte {
	if r.err != nil || r.pos+n > len(r.data) || n < 0 {
		r.err = ErrBadFormat
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *leReader) uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *leReader) uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	if r.swap {
		return binary.BigEndian.Uint16(b)
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *leReader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	if r.swap {
		return binary.BigEndian.Uint32(b)
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *leReader) int32() int32 { return int32(r.uint32()) }

func (r *leReader) float32() float32 {
	return math.Float32frombits(r.uint32())
}

func (r *leReader) floats(dst []float32) {
	for i := range dst {
		dst[i] = r.float32()
	}
}

func (r *leReader) fill(dst []byte) {
	b := r.take(len(dst))
	if b != nil {
		copy(dst, b)
	}
}
