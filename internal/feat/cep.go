// Package feat turns audio into the feature frames the decoder
// consumes: MFCC extraction, Sphinx cepstra file I/O, multi-stream
// derivation with deltas, and the live cepstral-mean / gain
// estimators that carry across utterances.
package feat

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
)

// DefaultCepLen is the standard cepstral vector length.
const DefaultCepLen = 13

// ErrBadFormat indicates a feature file failing structure checks.
var ErrBadFormat = errors.New("bad feature file format")

// ReadCepFile loads a Sphinx .mfc cepstra file: an int32 float count
// followed by float32 frames. Byte-reversed files are detected from
// the count/size relation and swapped.
func ReadCepFile(path string, cepLen int) ([][]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("feat: read %s: %w", path, err)
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("feat: %s: %w: too short", path, ErrBadFormat)
	}

	count := binary.LittleEndian.Uint32(data)
	body := len(data) - 4
	order := binary.ByteOrder(binary.LittleEndian)
	if int(count)*4 != body && int(count) != body {
		count = binary.BigEndian.Uint32(data)
		order = binary.BigEndian
		if int(count)*4 != body && int(count) != body {
			return nil, fmt.Errorf("feat: %s: %w: float count %d does not match size %d",
				path, ErrBadFormat, count, body)
		}
	}
	nFloats := int(count)
	if nFloats == body {
		// Some files store a byte count instead.
		nFloats = body / 4
	}
	if cepLen <= 0 {
		cepLen = DefaultCepLen
	}
	if nFloats%cepLen != 0 {
		return nil, fmt.Errorf("feat: %s: %w: %d floats not a multiple of cepstral length %d",
			path, ErrBadFormat, nFloats, cepLen)
	}

	nFrames := nFloats / cepLen
	frames := make([][]float32, nFrames)
	off := 4
	for f := range frames {
		frames[f] = make([]float32, cepLen)
		for i := range frames[f] {
			frames[f][i] = math.Float32frombits(order.Uint32(data[off:]))
			off += 4
		}
	}
	return frames, nil
}

// WriteCepFile writes cepstra in the format ReadCepFile accepts.
func WriteCepFile(path string, frames [][]float32) error {
	var n int
	for _, f := range frames {
		n += len(f)
	}
	buf := make([]byte, 4+4*n)
	binary.LittleEndian.PutUint32(buf, uint32(n))
	off := 4
	for _, f := range frames {
		for _, v := range f {
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(v))
			off += 4
		}
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("feat: write %s: %w", path, err)
	}
	return nil
}
