package acoustic

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strings"
)

// byteOrderMagic terminates the text header of Sphinx-3 parameter
// files and reveals whether byte-swapping is needed.
const byteOrderMagic = 0x11223344

// s3File is a Sphinx-3 binary parameter file: a text header of
// "name value" lines ending at "endhdr", a byte-order magic, then
// binary payload.
type s3File struct {
	args map[string]string
	r    *binReader
}

func openS3(path string) (*s3File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("acoustic: read %s: %w", path, err)
	}

	if !bytes.HasPrefix(data, []byte("s3\n")) {
		return nil, fmt.Errorf("acoustic: %s: %w: missing s3 header", path, ErrBadFormat)
	}
	end := bytes.Index(data, []byte("endhdr\n"))
	if end < 0 {
		return nil, fmt.Errorf("acoustic: %s: %w: unterminated header", path, ErrBadFormat)
	}

	args := map[string]string{}
	for _, line := range strings.Split(string(data[3:end]), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			args[fields[0]] = fields[1]
		}
	}

	r := &binReader{data: data, pos: end + len("endhdr\n")}
	magic := binary.LittleEndian.Uint32(data[r.pos:])
	switch magic {
	case byteOrderMagic:
	case swap32(byteOrderMagic):
		r.swap = true
	default:
		return nil, fmt.Errorf("acoustic: %s: %w: bad byte-order magic %#x", path, ErrBadFormat, magic)
	}
	r.pos += 4

	return &s3File{args: args, r: r}, nil
}

func swap32(v uint32) uint32 {
	return v<<24 | (v&0xff00)<<8 | (v>>8)&0xff00 | v>>24
}

type binReader struct {
	data []byte
	pos  int
	swap bool
	err  error
}

func (r *binReader) uint32() uint32 {
	if r.err != nil || r.pos+4 > len(r.data) {
		r.err = ErrBadFormat
		return 0
	}
	var v uint32
	if r.swap {
		v = binary.BigEndian.Uint32(r.data[r.pos:])
	} else {
		v = binary.LittleEndian.Uint32(r.data[r.pos:])
	}
	r.pos += 4
	return v
}

func (r *binReader) int32() int32 { return int32(r.uint32()) }

func (r *binReader) float32() float32 {
	return math.Float32frombits(r.uint32())
}

func (r *binReader) floats(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = r.float32()
	}
	return out
}

func (r *binReader) remaining() int { return len(r.data) - r.pos }

// gauParam is the contents of a mean or variance file: one shared
// codebook split by feature stream.
type gauParam struct {
	nFeat    int
	nDensity int
	veclen   []int
	// data[feat] holds nDensity x veclen[feat] values, row-major.
	data [][]float32
}

// readGauParam loads a Sphinx-3 mean or variance file with a single
// codebook.
func readGauParam(path string) (*gauParam, error) {
	f, err := openS3(path)
	if err != nil {
		return nil, err
	}
	r := f.r

	nMgau := int(r.int32())
	nFeat := int(r.int32())
	nDensity := int(r.int32())
	if r.err == nil && nMgau != 1 {
		return nil, fmt.Errorf("acoustic: %s: %w: %d codebooks, want 1", path, ErrBadFormat, nMgau)
	}
	if nFeat <= 0 || nFeat > 16 || nDensity <= 0 {
		return nil, fmt.Errorf("acoustic: %s: %w: implausible dimensions", path, ErrBadFormat)
	}

	veclen := make([]int, nFeat)
	blk := 0
	for i := range veclen {
		veclen[i] = int(r.int32())
		blk += veclen[i]
	}
	n := int(r.int32())
	if r.err != nil {
		return nil, fmt.Errorf("acoustic: %s: %w: truncated header", path, ErrBadFormat)
	}
	if n != nMgau*nDensity*blk {
		return nil, fmt.Errorf("acoustic: %s: %w: %d floats, want %d", path, ErrBadFormat, n, nMgau*nDensity*blk)
	}

	p := &gauParam{nFeat: nFeat, nDensity: nDensity, veclen: veclen}
	p.data = make([][]float32, nFeat)
	for i := range p.data {
		p.data[i] = r.floats(nDensity * veclen[i])
	}
	if r.err != nil {
		return nil, fmt.Errorf("acoustic: %s: %w: truncated data", path, ErrBadFormat)
	}
	return p, nil
}
