package feat

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// Frontend configuration defaults for 16 kHz models.
const (
	DefaultSampleRate = 16000
	frameLength       = 410 // 25.625 ms at 16 kHz
	frameShift        = 160 // 10 ms
	fftSize           = 512
	numFilters        = 40
	lowerFreq         = 133.33334
	upperFreq         = 6855.4976
	preEmphAlpha      = 0.97
)

// processRand is the process-wide dither generator; SetPerFrontEndRNG
// gives each frontend its own stream instead.
var (
	processRand   = rand.New(rand.NewSource(0x58616d))
	processRandMu sync.Mutex
)

// FrontEnd converts 16-bit PCM samples into MFCC frames.
type FrontEnd struct {
	sampleRate int
	cepLen     int
	dither     bool
	rng        *rand.Rand // nil = process-wide

	hamming  []float64
	filters  [][]float64 // mel filterbank over fftSize/2+1 bins
	dct      [][]float64 // cepLen x numFilters
	residual []float32   // carry between Process calls
	prior    float32     // pre-emphasis memory
}

// NewFrontEnd builds an MFCC extractor.
func NewFrontEnd(sampleRate, cepLen int, dither bool) (*FrontEnd, error) {
	if sampleRate != DefaultSampleRate {
		return nil, fmt.Errorf("feat: sample rate %d not supported, want %d", sampleRate, DefaultSampleRate)
	}
	if cepLen <= 0 {
		cepLen = DefaultCepLen
	}
	fe := &FrontEnd{sampleRate: sampleRate, cepLen: cepLen, dither: dither}
	fe.hamming = make([]float64, frameLength)
	for i := range fe.hamming {
		fe.hamming[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(frameLength-1))
	}
	fe.buildFilterbank()
	fe.buildDCT()
	return fe, nil
}

// SetPerFrontEndRNG switches dithering from the process-wide
// generator to a private one.
func (fe *FrontEnd) SetPerFrontEndRNG(seed int64) {
	fe.rng = rand.New(rand.NewSource(seed))
}

func melOf(hz float64) float64 { return 2595 * math.Log10(1+hz/700) }

func hzOf(mel float64) float64 { return 700 * (math.Pow(10, mel/2595) - 1) }

func (fe *FrontEnd) buildFilterbank() {
	nBins := fftSize/2 + 1
	binHz := float64(fe.sampleRate) / fftSize

	loMel, hiMel := melOf(lowerFreq), melOf(upperFreq)
	centers := make([]float64, numFilters+2)
	for i := range centers {
		centers[i] = hzOf(loMel + (hiMel-loMel)*float64(i)/float64(numFilters+1))
	}

	fe.filters = make([][]float64, numFilters)
	for m := 0; m < numFilters; m++ {
		fe.filters[m] = make([]float64, nBins)
		lo, mid, hi := centers[m], centers[m+1], centers[m+2]
		for b := 0; b < nBins; b++ {
			hz := float64(b) * binHz
			switch {
			case hz <= lo || hz >= hi:
			case hz <= mid:
				fe.filters[m][b] = (hz - lo) / (mid - lo)
			default:
				fe.filters[m][b] = (hi - hz) / (hi - mid)
			}
		}
	}
}

func (fe *FrontEnd) buildDCT() {
	fe.dct = make([][]float64, fe.cepLen)
	for i := range fe.dct {
		fe.dct[i] = make([]float64, numFilters)
		for j := range fe.dct[i] {
			fe.dct[i][j] = math.Cos(math.Pi * float64(i) * (float64(j) + 0.5) / numFilters)
		}
	}
}

// Reset drops buffered samples between utterances.
func (fe *FrontEnd) Reset() {
	fe.residual = fe.residual[:0]
	fe.prior = 0
}

// Process converts a block of samples into zero or more cepstral
// frames. Partial frames are buffered for the next call.
func (fe *FrontEnd) Process(samples []float32) [][]float32 {
	buf := append(fe.residual, samples...)

	var frames [][]float32
	pos := 0
	for pos+frameLength <= len(buf) {
		frames = append(frames, fe.frame(buf[pos:pos+frameLength]))
		pos += frameShift
	}
	fe.residual = append(fe.residual[:0], buf[pos:]...)
	return frames
}

func (fe *FrontEnd) frame(window []float32) []float32 {
	re := make([]float64, fftSize)
	im := make([]float64, fftSize)

	prior := float64(fe.prior)
	for i := 0; i < frameLength; i++ {
		s := float64(window[i])
		if fe.dither {
			s += fe.randBit()
		}
		re[i] = (s - preEmphAlpha*prior) * fe.hamming[i]
		prior = float64(window[i])
	}
	fe.prior = window[frameShift-1]

	fft(re, im)

	nBins := fftSize/2 + 1
	power := make([]float64, nBins)
	for b := 0; b < nBins; b++ {
		power[b] = re[b]*re[b] + im[b]*im[b]
	}

	cep := make([]float32, fe.cepLen)
	logSpec := make([]float64, numFilters)
	for m := 0; m < numFilters; m++ {
		var sum float64
		for b, w := range fe.filters[m] {
			sum += w * power[b]
		}
		if sum < 1e-10 {
			sum = 1e-10
		}
		logSpec[m] = math.Log(sum)
	}
	for i := 0; i < fe.cepLen; i++ {
		var sum float64
		for j := 0; j < numFilters; j++ {
			sum += fe.dct[i][j] * logSpec[j]
		}
		cep[i] = float32(sum / numFilters)
	}
	return cep
}

func (fe *FrontEnd) randBit() float64 {
	if fe.rng != nil {
		return float64(fe.rng.Intn(2))
	}
	processRandMu.Lock()
	defer processRandMu.Unlock()
	return float64(processRand.Intn(2))
}

// fft is an in-place radix-2 Cooley-Tukey transform.
func fft(re, im []float64) {
	n := len(re)
	// Bit reversal permutation.
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			re[i], re[j] = re[j], re[i]
			im[i], im[j] = im[j], im[i]
		}
	}
	for length := 2; length <= n; length <<= 1 {
		ang := -2 * math.Pi / float64(length)
		wRe, wIm := math.Cos(ang), math.Sin(ang)
		for start := 0; start < n; start += length {
			curRe, curIm := 1.0, 0.0
			for k := 0; k < length/2; k++ {
				i, j := start+k, start+k+length/2
				tRe := re[j]*curRe - im[j]*curIm
				tIm := re[j]*curIm + im[j]*curRe
				re[j], im[j] = re[i]-tRe, im[i]-tIm
				re[i], im[i] = re[i]+tRe, im[i]+tIm
				curRe, curIm = curRe*wRe-curIm*wIm, curRe*wIm+curIm*wRe
			}
		}
	}
}
