package acoustic

import "sort"

// kdTree partitions a Gaussian codebook by mean vectors so the top-N
// sweep can start from the codewords nearest the observation instead
// of the whole codebook.
type kdTree struct {
	veclen int
	root   *kdNode
}

type kdNode struct {
	splitDim   int
	splitVal   float32
	left       *kdNode
	right      *kdNode
	codewords  []int32 // leaf only
}

// buildKDTree constructs a depth-limited tree over nDensity mean
// vectors stored row-major in means.
func buildKDTree(means []float32, veclen, nDensity, maxDepth int) *kdTree {
	cws := make([]int32, nDensity)
	for i := range cws {
		cws[i] = int32(i)
	}
	t := &kdTree{veclen: veclen}
	t.root = t.build(means, cws, 0, maxDepth)
	return t
}

func (t *kdTree) build(means []float32, cws []int32, depth, maxDepth int) *kdNode {
	if depth >= maxDepth || len(cws) <= 4 {
		return &kdNode{codewords: cws}
	}

	// Split on the dimension with the widest spread at its median.
	dim := 0
	var bestSpread float32 = -1
	for d := 0; d < t.veclen; d++ {
		lo, hi := means[int(cws[0])*t.veclen+d], means[int(cws[0])*t.veclen+d]
		for _, cw := range cws[1:] {
			v := means[int(cw)*t.veclen+d]
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		if hi-lo > bestSpread {
			bestSpread = hi - lo
			dim = d
		}
	}

	sorted := append([]int32(nil), cws...)
	sort.Slice(sorted, func(i, j int) bool {
		return means[int(sorted[i])*t.veclen+dim] < means[int(sorted[j])*t.veclen+dim]
	})
	mid := len(sorted) / 2
	splitVal := means[int(sorted[mid])*t.veclen+dim]

	return &kdNode{
		splitDim: dim,
		splitVal: splitVal,
		left:     t.build(means, sorted[:mid], depth+1, maxDepth),
		right:    t.build(means, sorted[mid:], depth+1, maxDepth),
	}
}

// leafCodewords descends to the leaf containing the observation and
// returns its codewords.
func (t *kdTree) leafCodewords(z []float32) []int32 {
	n := t.root
	for n.codewords == nil {
		if z[n.splitDim] < n.splitVal {
			n = n.left
		} else {
			n = n.right
		}
	}
	return n.codewords
}
