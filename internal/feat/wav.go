package feat

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/cwbudde/wav"
	goaudio "github.com/go-audio/audio"
)

// Expected input audio format.
const (
	ExpectedSampleRate = DefaultSampleRate
	ExpectedChannels   = 1
	ExpectedBitDepth   = 16
)

// ErrFormatMismatch is returned when input audio does not match the
// model's expected format.
var ErrFormatMismatch = errors.New("audio format mismatch")

// DecodeWAV decodes WAV bytes and returns float32 PCM samples,
// validating 16000 Hz mono 16-bit.
func DecodeWAV(data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, errors.New("feat: empty WAV input")
	}

	r := bytes.NewReader(data)
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, errors.New("feat: invalid WAV file")
	}
	if dec.SampleRate != ExpectedSampleRate {
		return nil, fmt.Errorf("feat: %w: sample rate %d, want %d", ErrFormatMismatch, dec.SampleRate, ExpectedSampleRate)
	}
	if dec.NumChans != ExpectedChannels {
		return nil, fmt.Errorf("feat: %w: channels %d, want %d", ErrFormatMismatch, dec.NumChans, ExpectedChannels)
	}
	if dec.BitDepth != ExpectedBitDepth {
		return nil, fmt.Errorf("feat: %w: bit depth %d, want %d", ErrFormatMismatch, dec.BitDepth, ExpectedBitDepth)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("feat: reading PCM data: %w", err)
	}
	return scalePCM(buf), nil
}

// scalePCM converts decoded samples to the 16-bit integer range the
// acoustic models were trained on.
func scalePCM(buf *goaudio.Float32Buffer) []float32 {
	out := make([]float32, len(buf.Data))
	for i, s := range buf.Data {
		out[i] = s * 32768.0
	}
	return out
}

// ReadRaw loads headerless 16-bit little-endian PCM.
func ReadRaw(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("feat: read %s: %w", path, err)
	}
	return DecodeRaw(data), nil
}

// DecodeRaw converts 16-bit little-endian PCM bytes to samples.
func DecodeRaw(data []byte) []float32 {
	n := len(data) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = float32(int16(binary.LittleEndian.Uint16(data[i*2:])))
	}
	return out
}
