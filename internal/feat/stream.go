package feat

// Four-stream feature layout for semi-continuous models: the cepstra
// minus energy, long/short span deltas, the power triple, and the
// double deltas.
const (
	streamCep   = 0
	streamDelta = 1
	streamPow   = 2
	streamDDel  = 3
	NumStreams  = 4
)

// StreamLens returns the per-stream vector lengths for a cepstral
// length (12, 24, 3, 12 for the standard 13).
func StreamLens(cepLen int) []int {
	c := cepLen - 1
	return []int{c, 2 * c, 3, c}
}

// S2Streams derives the four-stream features for every frame of an
// utterance: deltas span +/-2 frames, long-span deltas +/-4, double
// deltas the difference of +/-3 short deltas. Edge frames clamp.
func S2Streams(cep [][]float32) [][][]float32 {
	out := make([][][]float32, len(cep))
	for f := range cep {
		out[f] = S2Frame(cep, f)
	}
	return out
}

// S2Frame derives the four streams of a single frame.
func S2Frame(cep [][]float32, f int) [][]float32 {
	n := len(cep)
	cepLen := len(cep[0])
	c := cepLen - 1

	at := func(g int) []float32 {
		if g < 0 {
			g = 0
		}
		if g >= n {
			g = n - 1
		}
		return cep[g]
	}

	cur := cep[f]
	m2, p2 := at(f-2), at(f+2)
	m3, p3 := at(f-3), at(f+3)
	m4, p4 := at(f-4), at(f+4)

	feat := make([][]float32, NumStreams)
	feat[streamCep] = cur[1:cepLen]

	// Short (+/-2) and long (+/-4) span deltas, concatenated.
	d := make([]float32, 2*c)
	for i := 1; i < cepLen; i++ {
		d[i-1] = p2[i] - m2[i]
		d[c+i-1] = p4[i] - m4[i]
	}
	feat[streamDelta] = d

	feat[streamPow] = []float32{cur[0], p2[0] - m2[0], (p3[0] - cur[0]) - (cur[0] - m3[0])}

	dd := make([]float32, c)
	for i := 1; i < cepLen; i++ {
		dd[i-1] = (p3[i] - at(f-1)[i]) - (at(f+1)[i] - m3[i])
	}
	feat[streamDDel] = dd

	return feat
}

// SingleStream wraps whole cepstral frames for continuous models
// using a 1s_c_d_dd layout computed externally, or plain cepstra.
func SingleStream(cep [][]float32) [][][]float32 {
	out := make([][][]float32, len(cep))
	for f := range cep {
		out[f] = [][]float32{cep[f]}
	}
	return out
}
