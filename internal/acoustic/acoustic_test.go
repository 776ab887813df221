package acoustic

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/example/go-pocket-asr/internal/logmath"
)

func testLogMath(t *testing.T) *logmath.LogMath {
	t.Helper()
	lm, err := logmath.New(1.0001)
	if err != nil {
		t.Fatal(err)
	}
	return lm
}

// writeS3 builds a Sphinx-3 parameter file: header, byte-order magic,
// int32 fields, float payload.
func writeS3(t *testing.T, dir, name string, ints []int32, floats []float32) string {
	t.Helper()

	var buf bytes.Buffer
	buf.WriteString("s3\nversion 1.0\nendhdr\n")
	var b4 [4]byte
	binary.LittleEndian.PutUint32(b4[:], byteOrderMagic)
	buf.Write(b4[:])
	for _, v := range ints {
		binary.LittleEndian.PutUint32(b4[:], uint32(v))
		buf.Write(b4[:])
	}
	for _, v := range floats {
		binary.LittleEndian.PutUint32(b4[:], math.Float32bits(v))
		buf.Write(b4[:])
	}

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// testSemiModel builds a 2-stream, 2-dimension, 4-codeword model with
// 3 senones. Senone 0 likes codeword 0, senone 1 likes codeword 1,
// senone 2 likes codeword 2.
func testSemiModel(t *testing.T) *SemiScorer {
	t.Helper()
	dir := t.TempDir()

	const (
		nFeat    = 2
		nDensity = 4
		veclen   = 2
		nSen     = 3
	)
	// Codeword means at distinct corners; unit variances.
	var means, vars []float32
	corners := [][]float32{{0, 0}, {10, 0}, {0, 10}, {10, 10}}
	for feat := 0; feat < nFeat; feat++ {
		for cw := 0; cw < nDensity; cw++ {
			means = append(means, corners[cw]...)
			vars = append(vars, 1, 1)
		}
	}
	meanPath := writeS3(t, dir, "means",
		[]int32{1, nFeat, nDensity, veclen, veclen, int32(1 * nDensity * (veclen + veclen))}, means)
	varPath := writeS3(t, dir, "variances",
		[]int32{1, nFeat, nDensity, veclen, veclen, int32(1 * nDensity * (veclen + veclen))}, vars)

	// Mixture weights: senone s puts almost all mass on codeword s.
	var mixw []float32
	for sen := 0; sen < nSen; sen++ {
		for feat := 0; feat < nFeat; feat++ {
			for cw := 0; cw < nDensity; cw++ {
				if cw == sen {
					mixw = append(mixw, 0.91)
				} else {
					mixw = append(mixw, 0.03)
				}
			}
		}
	}
	mixwPath := writeS3(t, dir, "mixture_weights",
		[]int32{nSen, nFeat, nDensity, int32(nSen * nFeat * nDensity)}, mixw)

	s, err := NewSemi(SemiConfig{
		MeanPath: meanPath,
		VarPath:  varPath,
		MixwPath: mixwPath,
		TopN:     4,
	}, testLogMath(t), nSen)
	if err != nil {
		t.Fatalf("NewSemi: %v", err)
	}
	return s
}

func frameAt(x, y float32) [][]float32 {
	return [][]float32{{x, y}, {x, y}}
}

func bestSenone(scores []int32) int {
	best := 0
	for i, s := range scores {
		if s > scores[best] {
			best = i
		}
	}
	return best
}

func TestSemiFrameEvalPicksMatchingSenone(t *testing.T) {
	s := testSemiModel(t)

	tests := []struct {
		name string
		x, y float32
		want int
	}{
		{name: "near codeword 0", x: 0, y: 0, want: 0},
		{name: "near codeword 1", x: 10, y: 0, want: 1},
		{name: "near codeword 2", x: 0, y: 10, want: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s.StartUtt()
			scores := make([]int32, s.NSen())
			if err := s.FrameEval(frameAt(tt.x, tt.y), nil, true, 0, scores); err != nil {
				t.Fatal(err)
			}
			if got := bestSenone(scores); got != tt.want {
				t.Errorf("best senone = %d (scores %v), want %d", got, scores, tt.want)
			}
			for i, sc := range scores {
				if sc > 0 {
					t.Errorf("score[%d] = %d > 0", i, sc)
				}
			}
		})
	}
}

func TestSemiActiveSubset(t *testing.T) {
	s := testSemiModel(t)
	s.StartUtt()

	scores := make([]int32, s.NSen())
	if err := s.FrameEval(frameAt(0, 0), []int32{1, 2}, false, 0, scores); err != nil {
		t.Fatal(err)
	}
	if scores[1] == 0 && scores[2] == 0 {
		t.Error("active senones not scored")
	}
}

func TestSemiTopNWarmStart(t *testing.T) {
	s := testSemiModel(t)
	s.StartUtt()

	scores := make([]int32, s.NSen())
	// Two identical frames must yield identical scores even when the
	// second reuses the previous top-N as its starting candidates.
	if err := s.FrameEval(frameAt(10, 0), nil, true, 0, scores); err != nil {
		t.Fatal(err)
	}
	first := append([]int32(nil), scores...)
	if err := s.FrameEval(frameAt(10, 0), nil, true, 1, scores); err != nil {
		t.Fatal(err)
	}
	for i := range scores {
		if scores[i] != first[i] {
			t.Errorf("score[%d] changed across identical frames: %d != %d", i, scores[i], first[i])
		}
	}
}

func TestSendumpRoundTrip(t *testing.T) {
	s := testSemiModel(t)
	dir := t.TempDir()
	dump := filepath.Join(dir, "sendump")
	if err := s.WriteSendump(dump); err != nil {
		t.Fatalf("WriteSendump: %v", err)
	}

	s2 := testSemiModel(t)
	s2.mixw = nil
	if err := s2.loadSendump(dump, false); err != nil {
		t.Fatalf("loadSendump: %v", err)
	}

	for feat := range s.mixw {
		for cw := range s.mixw[feat] {
			if !bytes.Equal(s.mixw[feat][cw], s2.mixw[feat][cw]) {
				t.Fatalf("mixw[%d][%d] differs after dump round trip", feat, cw)
			}
		}
	}
}

func TestSemiKDTree(t *testing.T) {
	s := testSemiModel(t)
	s.kdtrees = make([]*kdTree, s.nFeat)
	for feat := 0; feat < s.nFeat; feat++ {
		s.kdtrees[feat] = buildKDTree(s.means[feat], s.veclen[feat], s.nDensity, 8)
	}
	s.StartUtt()

	scores := make([]int32, s.NSen())
	if err := s.FrameEval(frameAt(0, 10), nil, true, 0, scores); err != nil {
		t.Fatal(err)
	}
	if got := bestSenone(scores); got != 2 {
		t.Errorf("kd-tree pruned eval picked %d, want 2", got)
	}
}

func TestContScorer(t *testing.T) {
	dir := t.TempDir()
	const (
		nSen     = 2
		nDensity = 2
		veclen   = 3
	)
	// Senone 0 centered at 0, senone 1 centered at 5.
	var means, vars, mixw []float32
	for sen := 0; sen < nSen; sen++ {
		for c := 0; c < nDensity; c++ {
			for j := 0; j < veclen; j++ {
				means = append(means, float32(sen*5))
				vars = append(vars, 1)
			}
		}
		mixw = append(mixw, 0.5, 0.5)
	}
	meanPath := writeS3(t, dir, "means",
		[]int32{nSen, 1, nDensity, veclen, nSen * nDensity * veclen}, means)
	varPath := writeS3(t, dir, "variances",
		[]int32{nSen, 1, nDensity, veclen, nSen * nDensity * veclen}, vars)
	mixwPath := writeS3(t, dir, "mixture_weights",
		[]int32{nSen, 1, nDensity, nSen * nDensity}, mixw)

	s, err := NewCont(ContConfig{
		MeanPath: meanPath, VarPath: varPath, MixwPath: mixwPath,
	}, testLogMath(t), nSen)
	if err != nil {
		t.Fatalf("NewCont: %v", err)
	}

	scores := make([]int32, nSen)
	if err := s.FrameEval([][]float32{{5, 5, 5}}, nil, true, 0, scores); err != nil {
		t.Fatal(err)
	}
	if scores[1] != 0 || scores[0] >= scores[1] {
		t.Errorf("scores = %v, want senone 1 best at 0", scores)
	}
}

func TestOpenS3RejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad")
	if err := os.WriteFile(path, []byte("not an s3 file"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := openS3(path); err == nil {
		t.Error("garbage accepted")
	}
}
