package acoustic

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
)

// sendumpTitle labels dump files we write.
const sendumpTitle = "V6 Senone Probs, Smoothed, Normalized"

// loadMixw reads Sphinx-3 float mixture weights and quantizes them to
// the 8-bit negated-log domain on the fly.
func (s *SemiScorer) loadMixw(path string, floor float64) error {
	f, err := openS3(path)
	if err != nil {
		return err
	}
	r := f.r

	nSen := int(r.int32())
	nFeat := int(r.int32())
	nComp := int(r.int32())
	n := int(r.int32())
	if r.err != nil {
		return fmt.Errorf("acoustic: %s: %w: truncated mixw header", path, ErrBadFormat)
	}
	if nFeat != s.nFeat {
		return fmt.Errorf("acoustic: %s: %w: %d streams, model wants %d", path, ErrBadFormat, nFeat, s.nFeat)
	}
	if nComp != s.nDensity {
		return fmt.Errorf("acoustic: %s: %w: %d components, codebook has %d", path, ErrBadFormat, nComp, s.nDensity)
	}
	if nSen != s.nSen {
		return fmt.Errorf("acoustic: %s: %w: %d senones, model definition has %d", path, ErrBadFormat, nSen, s.nSen)
	}
	if n != nSen*nFeat*nComp {
		return fmt.Errorf("acoustic: %s: %w: %d floats, want %d", path, ErrBadFormat, n, nSen*nFeat*nComp)
	}

	s.mixw = alloc3d(s.nFeat, s.nDensity, nSen)

	nErr := 0
	pdf := make([]float64, nComp)
	for sen := 0; sen < nSen; sen++ {
		for feat := 0; feat < nFeat; feat++ {
			for c := range pdf {
				pdf[c] = float64(r.float32())
			}
			if r.err != nil {
				return fmt.Errorf("acoustic: %s: %w: truncated mixw data", path, ErrBadFormat)
			}
			if sumNorm(pdf) <= 0 {
				nErr++
			}
			floorVec(pdf, floor)
			sumNorm(pdf)
			for c, p := range pdf {
				qscr := s.lmath.Log(p)
				if qscr < -161900 {
					return fmt.Errorf("acoustic: %s: %w: senone pdf value %d too low",
						path, ErrOutOfRange, qscr)
				}
				q := (511 - qscr) >> 10
				if q > 255 || q < 0 {
					return fmt.Errorf("acoustic: %s: %w: quantized weight %d", path, ErrOutOfRange, q)
				}
				s.mixw[feat][c][sen] = uint8(q)
			}
		}
	}
	if nErr > 0 {
		slog.Warn("mixture weight normalization failed", "senones", nErr)
	}
	return nil
}

func alloc3d(a, b, c int) [][][]uint8 {
	flat := make([]uint8, a*b*c)
	out := make([][][]uint8, a)
	for i := range out {
		out[i] = make([][]uint8, b)
		for j := range out[i] {
			out[i][j] = flat[(i*b+j)*c : (i*b+j+1)*c]
		}
	}
	return out
}

func sumNorm(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x
	}
	if sum > 0 {
		for i := range v {
			v[i] /= sum
		}
	}
	return sum
}

func floorVec(v []float64, floor float64) {
	for i := range v {
		if v[i] < floor {
			v[i] = floor
		}
	}
}

// loadSendump reads a pre-quantized 8-bit senone dump. When useMMap
// is set and the file needs no byte swap and its weight rows are
// 4-byte aligned, the table is memory-mapped read-only instead of
// copied.
func (s *SemiScorer) loadSendump(path string, useMMap bool) error {
	data, mapped, err := readOrMap(path, useMMap)
	if err != nil {
		return err
	}

	r := &binReader{data: data}
	n := int(r.int32())
	if n < 1 || n > 999 {
		r.swap = true
		r.pos = 0
		n = int(r.int32())
		if n < 1 || n > 999 {
			return fmt.Errorf("acoustic: %s: %w: title length %d", path, ErrBadFormat, n)
		}
	}
	if r.swap && mapped {
		// Swapped files cannot be used in place.
		unmap(data)
		data, _, err = readOrMap(path, false)
		if err != nil {
			return err
		}
		mapped = false
		r = &binReader{data: data, swap: true}
		r.int32()
	}

	title := r.take(n)
	if r.err != nil || n == 0 || title[n-1] != 0 {
		return fmt.Errorf("acoustic: %s: %w: bad title", path, ErrBadFormat)
	}

	n = int(r.int32())
	hdr := r.take(n)
	if r.err != nil || n == 0 || hdr[n-1] != 0 {
		return fmt.Errorf("acoustic: %s: %w: bad header", path, ErrBadFormat)
	}

	// Remaining header strings; a cluster_count other than zero
	// marks the incompatible clustered format.
	nClust := 0
	for {
		n = int(r.int32())
		if r.err != nil {
			return fmt.Errorf("acoustic: %s: %w: truncated header strings", path, ErrBadFormat)
		}
		if n == 0 {
			break
		}
		line := r.take(n)
		var c int
		if _, err := fmt.Sscanf(string(trimNul(line)), "cluster_count %d", &c); err == nil {
			nClust = c
		}
	}
	if nClust != 0 {
		return fmt.Errorf("acoustic: %s: %w: clustered dump files are not supported", path, ErrBadFormat)
	}

	rows := int(r.int32()) // codewords
	cols := int(r.int32()) // senones (may be padded)
	if r.err != nil {
		return fmt.Errorf("acoustic: %s: %w: truncated dimensions", path, ErrBadFormat)
	}
	if rows != s.nDensity {
		return fmt.Errorf("acoustic: %s: %w: %d codewords, codebook has %d", path, ErrBadFormat, rows, s.nDensity)
	}
	if cols < s.nSen {
		return fmt.Errorf("acoustic: %s: %w: %d pdfs for %d senones", path, ErrBadFormat, cols, s.nSen)
	}

	offset := r.pos
	need := s.nFeat * rows * cols
	if len(data)-offset < need {
		return fmt.Errorf("acoustic: %s: %w: %d weight bytes, want %d", path, ErrBadFormat, len(data)-offset, need)
	}

	canMap := mapped && cols%4 == 0 && offset%4 == 0
	if mapped && !canMap {
		slog.Warn("senone dump not aligned for mmap, copying", "path", path)
	}

	s.mixw = make([][][]uint8, s.nFeat)
	for feat := 0; feat < s.nFeat; feat++ {
		s.mixw[feat] = make([][]uint8, rows)
		for cw := 0; cw < rows; cw++ {
			row := data[offset : offset+cols]
			if !canMap {
				row = append([]uint8(nil), row...)
			}
			s.mixw[feat][cw] = row
			offset += cols
		}
	}
	if mapped && !canMap {
		// Rows were copied; release the mapping.
		defer unmap(data)
	}
	return nil
}

func trimNul(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}

func (r *binReader) take(n int) []byte {
	if r.err != nil || n < 0 || r.pos+n > len(r.data) {
		r.err = ErrBadFormat
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

// WriteSendump dumps the quantized weights so later runs skip the
// float conversion (and can memory-map the table).
func (s *SemiScorer) WriteSendump(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("acoustic: create %s: %w", path, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	var b4 [4]byte
	put := func(v int32) {
		binary.LittleEndian.PutUint32(b4[:], uint32(v))
		w.Write(b4[:])
	}
	writeStr := func(str string) {
		put(int32(len(str) + 1))
		w.WriteString(str)
		w.WriteByte(0)
	}

	writeStr(sendumpTitle)
	writeStr("semi-continuous")
	writeStr("cluster_count 0")
	put(0) // end of header strings

	cols := len(s.mixw[0][0])
	put(int32(s.nDensity))
	put(int32(cols))
	for feat := 0; feat < s.nFeat; feat++ {
		for cw := 0; cw < s.nDensity; cw++ {
			w.Write(s.mixw[feat][cw])
		}
	}
	return w.Flush()
}
