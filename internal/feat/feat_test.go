package feat

import (
	"math"
	"path/filepath"
	"testing"
)

func TestCepFileRoundTrip(t *testing.T) {
	frames := [][]float32{
		{1, 2, 3},
		{4, 5, 6},
		{-1, 0.5, -0.25},
	}
	path := filepath.Join(t.TempDir(), "test.mfc")
	if err := WriteCepFile(path, frames); err != nil {
		t.Fatalf("WriteCepFile: %v", err)
	}
	got, err := ReadCepFile(path, 3)
	if err != nil {
		t.Fatalf("ReadCepFile: %v", err)
	}
	if len(got) != len(frames) {
		t.Fatalf("%d frames, want %d", len(got), len(frames))
	}
	for f := range frames {
		for i := range frames[f] {
			if got[f][i] != frames[f][i] {
				t.Errorf("frame %d[%d] = %g, want %g", f, i, got[f][i], frames[f][i])
			}
		}
	}
}

func TestReadCepFileBadLength(t *testing.T) {
	frames := [][]float32{{1, 2, 3}}
	path := filepath.Join(t.TempDir(), "test.mfc")
	if err := WriteCepFile(path, frames); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadCepFile(path, 2); err == nil {
		t.Error("mismatched cepstral length accepted")
	}
}

func TestS2StreamShapes(t *testing.T) {
	cep := make([][]float32, 10)
	for f := range cep {
		cep[f] = make([]float32, 13)
		for i := range cep[f] {
			cep[f][i] = float32(f) + float32(i)*0.1
		}
	}
	feats := S2Streams(cep)
	if len(feats) != 10 {
		t.Fatalf("%d frames, want 10", len(feats))
	}
	lens := StreamLens(13)
	for f, streams := range feats {
		if len(streams) != NumStreams {
			t.Fatalf("frame %d has %d streams", f, len(streams))
		}
		for s, vec := range streams {
			if len(vec) != lens[s] {
				t.Errorf("frame %d stream %d length %d, want %d", f, s, len(vec), lens[s])
			}
		}
	}
}

func TestCMNLiveCarriesAcrossFrames(t *testing.T) {
	c := NewCMN(CMNLive, 3)

	before := c.Mean()[0]
	for i := 0; i < 1000; i++ {
		frame := []float32{20, 1, -1}
		c.LiveNormalize(frame)
	}
	if c.Mean()[0] <= before {
		t.Errorf("live mean did not move toward the data: %g -> %g", before, c.Mean()[0])
	}

	c.Reset()
	if got := c.Mean()[0]; got != 12.0 {
		t.Errorf("Reset mean c0 = %g, want 12.0", got)
	}
}

func TestCMNBatch(t *testing.T) {
	c := NewCMN(CMNBatch, 2)
	frames := [][]float32{{2, 4}, {4, 8}}
	c.BatchNormalize(frames)

	if frames[0][0] != -1 || frames[1][0] != 1 {
		t.Errorf("c0 after batch CMN = %g, %g; want -1, 1", frames[0][0], frames[1][0])
	}
	if frames[0][1] != -2 || frames[1][1] != 2 {
		t.Errorf("c1 after batch CMN = %g, %g; want -2, 2", frames[0][1], frames[1][1])
	}
}

func TestAGC(t *testing.T) {
	a := NewAGC(true)

	f1 := []float32{5, 0}
	a.Normalize(f1)
	if f1[0] != 5 {
		t.Errorf("first utterance frame altered before an estimate exists: %g", f1[0])
	}
	a.EndUtt()

	f2 := []float32{5, 0}
	a.Normalize(f2)
	if f2[0] != 0 {
		t.Errorf("second utterance c0 = %g, want 0 after AGC", f2[0])
	}

	a.Reset()
	f3 := []float32{5, 0}
	a.Normalize(f3)
	if f3[0] != 5 {
		t.Errorf("Reset did not drop the estimate: %g", f3[0])
	}
}

func TestFrontEndProducesFrames(t *testing.T) {
	fe, err := NewFrontEnd(16000, 13, false)
	if err != nil {
		t.Fatal(err)
	}

	// 0.5 s of a 440 Hz tone.
	samples := make([]float32, 8000)
	for i := range samples {
		samples[i] = float32(10000 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	frames := fe.Process(samples)

	// (8000 - 410) / 160 + 1 full frames.
	want := (len(samples)-frameLength)/frameShift + 1
	if len(frames) != want {
		t.Errorf("%d frames, want %d", len(frames), want)
	}
	for i, f := range frames {
		if len(f) != 13 {
			t.Fatalf("frame %d has %d coefficients", i, len(f))
		}
	}

	// A tone has more energy than silence.
	silence := make([]float32, 8000)
	fe.Reset()
	silFrames := fe.Process(silence)
	if frames[5][0] <= silFrames[5][0] {
		t.Errorf("tone c0 %g not above silence c0 %g", frames[5][0], silFrames[5][0])
	}
}

func TestFrontEndRejectsOtherRates(t *testing.T) {
	if _, err := NewFrontEnd(8000, 13, false); err == nil {
		t.Error("8 kHz accepted")
	}
}

func TestDecodeRaw(t *testing.T) {
	data := []byte{0x00, 0x00, 0xff, 0x7f, 0x00, 0x80}
	got := DecodeRaw(data)
	want := []float32{0, 32767, -32768}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %g, want %g", i, got[i], want[i])
		}
	}
}
