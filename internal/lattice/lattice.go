// Package lattice builds word lattices from backpointer tables and
// runs the rescoring passes over them: best-path search, posterior
// pruning, and A* N-best extraction.
package lattice

import (
	"bufio"
	"container/heap"
	"fmt"
	"io"
	"sort"

	"github.com/example/go-pocket-asr/internal/lexicon"
	"github.com/example/go-pocket-asr/internal/logmath"
	"github.com/example/go-pocket-asr/internal/search"
)

// Node is one word hypothesis: a word starting at a frame, with the
// range of end frames the search observed.
type Node struct {
	ID         int
	WordID     int32
	StartFrame int32
	FirstEnd   int32
	LastEnd    int32
	BestEnd    int32 // end frame of the best-scoring exit
}

// Edge connects two nodes with acoustic and language scores. Edges
// are deduplicated by (From, To), keeping the best acoustic score.
type Edge struct {
	From, To int
	AScore   int32
	LScore   int32
	// Posterior is filled by Posterior(); logmath.Zero until then.
	Posterior int32
	pruned    bool
}

// Lattice is the word DAG.
type Lattice struct {
	lmath *logmath.LogMath
	dict  *lexicon.Dictionary

	Nodes []*Node
	Edges []*Edge
	Start int // node id
	End   int // node id

	// outgoing[node] / incoming[node] are edge indices.
	outgoing [][]int
	incoming [][]int

	NFrames int32
}

// Config controls lattice construction.
type Config struct {
	// MinEndFrames drops nodes whose exits persisted fewer frames.
	MinEndFrames int32
}

// startWordID labels the synthetic utterance-start node.
const startWordID = int32(-2)

// Build assembles the lattice from a finished backpointer table.
// Nodes are created per (word, start frame); an edge joins a node to
// each successor recorded in the table. Too-short nodes are dropped,
// but never the start or final node, so short utterances still yield
// a lattice.
func Build(bp *search.BPTable, dict *lexicon.Dictionary, lmath *logmath.LogMath,
	lastFrame int32, cfg Config) (*Lattice, error) {
	if bp.Len() == 0 {
		return nil, fmt.Errorf("lattice: empty backpointer table")
	}

	l := &Lattice{lmath: lmath, dict: dict, NFrames: lastFrame + 1}

	type nodeKey struct {
		wid int32
		sf  int32
	}
	nodeOf := map[nodeKey]*Node{}
	getNode := func(wid, sf int32) *Node {
		k := nodeKey{wid, sf}
		if n, ok := nodeOf[k]; ok {
			return n
		}
		n := &Node{ID: len(l.Nodes), WordID: wid, StartFrame: sf, FirstEnd: -1, LastEnd: -1, BestEnd: -1}
		l.Nodes = append(l.Nodes, n)
		nodeOf[k] = n
		return n
	}

	// Synthetic start node covering frame -1.
	start := getNode(startWordID, -1)
	l.Start = start.ID

	// One node per distinct (word, start), tracking end-frame spans.
	bpNode := make([]*Node, bp.Len())
	bestScore := map[*Node]int32{}
	for i := 0; i < bp.Len(); i++ {
		e := bp.Entry(int32(i))
		n := getNode(e.WordID, e.StartFrame)
		bpNode[i] = n
		if n.FirstEnd < 0 || e.Frame < n.FirstEnd {
			n.FirstEnd = e.Frame
		}
		if e.Frame > n.LastEnd {
			n.LastEnd = e.Frame
		}
		if cur, ok := bestScore[n]; !ok || e.Score > cur {
			bestScore[n] = e.Score
			n.BestEnd = e.Frame
		}
	}

	// Final node: the last frame's </s> exit, else its best exit.
	exit := bp.BestExit(lastFrame, int32(dict.WordID(lexicon.EndWord)))
	if exit == search.NoBP {
		// Fall back to the latest exit anywhere.
		for f := lastFrame; f >= 0 && exit == search.NoBP; f-- {
			exit = bp.BestExit(f, -1)
		}
	}
	if exit == search.NoBP {
		return nil, fmt.Errorf("lattice: no word exits")
	}
	final := bpNode[exit]
	l.End = final.ID

	// Edges follow the recorded predecessor chains.
	type edgeKey struct{ from, to int }
	edgeOf := map[edgeKey]*Edge{}
	for i := 0; i < bp.Len(); i++ {
		e := bp.Entry(int32(i))
		to := bpNode[i]
		var from *Node
		if e.Prev == search.NoBP {
			from = start
		} else {
			from = bpNode[e.Prev]
		}
		k := edgeKey{from.ID, to.ID}
		if ex, ok := edgeOf[k]; ok {
			if e.AScore > ex.AScore {
				ex.AScore = e.AScore
				ex.LScore = e.LScore
			}
			continue
		}
		edge := &Edge{From: from.ID, To: to.ID, AScore: e.AScore, LScore: e.LScore, Posterior: logmath.Zero}
		edgeOf[k] = edge
		l.Edges = append(l.Edges, edge)
	}

	l.pruneShortNodes(cfg.MinEndFrames)
	l.index()
	return l, nil
}

// pruneShortNodes removes nodes that did not persist, except the
// start and final nodes.
func (l *Lattice) pruneShortNodes(minEndFr int32) {
	if minEndFr <= 1 {
		return
	}
	drop := map[int]bool{}
	for _, n := range l.Nodes {
		if n.ID == l.Start || n.ID == l.End {
			continue
		}
		if n.LastEnd-n.FirstEnd+1 < minEndFr {
			drop[n.ID] = true
		}
	}
	if len(drop) == 0 {
		return
	}
	var edges []*Edge
	for _, e := range l.Edges {
		if !drop[e.From] && !drop[e.To] {
			edges = append(edges, e)
		}
	}
	l.Edges = edges
}

func (l *Lattice) index() {
	l.outgoing = make([][]int, len(l.Nodes))
	l.incoming = make([][]int, len(l.Nodes))
	for i, e := range l.Edges {
		l.outgoing[e.From] = append(l.outgoing[e.From], i)
		l.incoming[e.To] = append(l.incoming[e.To], i)
	}
}

// WordName returns the spelling for a node, "<s>" for the synthetic
// start.
func (l *Lattice) WordName(n *Node) string {
	if n.WordID == startWordID {
		return "<s>"
	}
	return l.dict.WordName(l.dict.BaseID(int(n.WordID)))
}

// edgeCost is the non-negative Dijkstra weight of an edge under a
// rescoring language weight ratio.
func edgeCost(e *Edge, lwRatio float64) int64 {
	return -(int64(e.AScore) + int64(float64(e.LScore)*lwRatio))
}

// BestPath runs Dijkstra from the start node using rescaled language
// scores and returns the node sequence of the best path and its
// score.
func (l *Lattice) BestPath(lwRatio float64) ([]*Node, int32) {
	dist, prevEdge := l.dijkstra(true, lwRatio)
	if dist[l.End] == int64(1)<<62 {
		return nil, 0
	}

	var rev []*Node
	for n := l.End; ; {
		rev = append(rev, l.Nodes[n])
		ei := prevEdge[n]
		if ei < 0 {
			break
		}
		n = l.Edges[ei].From
	}
	for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
		rev[i], rev[j] = rev[j], rev[i]
	}
	return rev, int32(-dist[l.End])
}

// dijkstra computes shortest distances from the start (forward) or to
// the end (backward).
func (l *Lattice) dijkstra(forward bool, lwRatio float64) ([]int64, []int) {
	const inf = int64(1) << 62
	dist := make([]int64, len(l.Nodes))
	prevEdge := make([]int, len(l.Nodes))
	for i := range dist {
		dist[i] = inf
		prevEdge[i] = -1
	}
	src := l.Start
	if !forward {
		src = l.End
	}
	dist[src] = 0

	pq := &nodeHeap{{node: src, cost: 0}}
	for pq.Len() > 0 {
		it := heap.Pop(pq).(nodeItem)
		if it.cost > dist[it.node] {
			continue
		}
		edges := l.outgoing[it.node]
		if !forward {
			edges = l.incoming[it.node]
		}
		for _, ei := range edges {
			e := l.Edges[ei]
			if e.pruned {
				continue
			}
			next := e.To
			if !forward {
				next = e.From
			}
			nd := it.cost + edgeCost(e, lwRatio)
			if nd < dist[next] {
				dist[next] = nd
				prevEdge[next] = ei
				heap.Push(pq, nodeItem{node: next, cost: nd})
			}
		}
	}
	return dist, prevEdge
}

type nodeItem struct {
	node int
	cost int64
}

type nodeHeap []nodeItem

func (h nodeHeap) Len() int            { return len(h) }
func (h nodeHeap) Less(i, j int) bool  { return h[i].cost < h[j].cost }
func (h nodeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *nodeHeap) Push(x interface{}) { *h = append(*h, x.(nodeItem)) }
func (h *nodeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Posterior runs the forward-backward recursion over the lattice and
// prunes edges whose posterior falls below beam (a non-positive log
// value). Returns the normalizer (total path likelihood).
func (l *Lattice) Posterior(lwRatio float64, beam int32) int32 {
	topo := l.topoOrder()

	alpha := make([]int32, len(l.Nodes))
	beta := make([]int32, len(l.Nodes))
	for i := range alpha {
		alpha[i] = logmath.Zero
		beta[i] = logmath.Zero
	}
	alpha[l.Start] = 0
	for _, n := range topo {
		if alpha[n] <= logmath.Zero {
			continue
		}
		for _, ei := range l.outgoing[n] {
			e := l.Edges[ei]
			if e.pruned {
				continue
			}
			w := int32(edgeScore(e, lwRatio))
			alpha[e.To] = l.lmath.Add(alpha[e.To], alpha[n]+w)
		}
	}

	beta[l.End] = 0
	for i := len(topo) - 1; i >= 0; i-- {
		n := topo[i]
		if beta[n] <= logmath.Zero {
			continue
		}
		for _, ei := range l.incoming[n] {
			e := l.Edges[ei]
			if e.pruned {
				continue
			}
			w := int32(edgeScore(e, lwRatio))
			beta[e.From] = l.lmath.Add(beta[e.From], beta[n]+w)
		}
	}

	norm := alpha[l.End]
	for _, e := range l.Edges {
		if e.pruned {
			continue
		}
		if alpha[e.From] <= logmath.Zero || beta[e.To] <= logmath.Zero {
			e.Posterior = logmath.Zero
			e.pruned = true
			continue
		}
		e.Posterior = alpha[e.From] + int32(edgeScore(e, lwRatio)) + beta[e.To] - norm
		if beam < 0 && e.Posterior < beam {
			e.pruned = true
		}
	}
	return norm
}

func edgeScore(e *Edge, lwRatio float64) int64 {
	return int64(e.AScore) + int64(float64(e.LScore)*lwRatio)
}

// topoOrder returns the nodes in a topological order (by start frame,
// which edges always advance).
func (l *Lattice) topoOrder() []int {
	order := make([]int, len(l.Nodes))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		return l.Nodes[order[i]].StartFrame < l.Nodes[order[j]].StartFrame
	})
	return order
}

// Hyp returns the best-path word string, fillers stripped.
func (l *Lattice) Hyp(lwRatio float64) (string, int32) {
	nodes, score := l.BestPath(lwRatio)
	out := ""
	for _, n := range nodes {
		if n.WordID == startWordID || l.dict.IsFiller(int(n.WordID)) {
			continue
		}
		if out != "" {
			out += " "
		}
		out += l.WordName(n)
	}
	return out, score
}

// Write emits the lattice in the Sphinx text lattice format.
func (l *Lattice) Write(w io.Writer, utt string) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# getcwd: /\n")
	fmt.Fprintf(bw, "# -logbase %g\n", l.lmath.Base())
	fmt.Fprintf(bw, "Frames %d\n", l.NFrames)
	fmt.Fprintf(bw, "#\n")
	fmt.Fprintf(bw, "Nodes %d (NODEID WORD STARTFRAME FIRST-ENDFRAME LAST-ENDFRAME)\n", len(l.Nodes))
	for _, n := range l.Nodes {
		fmt.Fprintf(bw, "%d %s %d %d %d\n", n.ID, l.WordName(n), n.StartFrame, n.FirstEnd, n.LastEnd)
	}
	fmt.Fprintf(bw, "#\n")
	fmt.Fprintf(bw, "Initial %d\nFinal %d\n", l.Start, l.End)
	fmt.Fprintf(bw, "#\n")
	nLive := 0
	for _, e := range l.Edges {
		if !e.pruned {
			nLive++
		}
	}
	fmt.Fprintf(bw, "Edges (FROM-NODEID TO-NODEID ASCORE)\n")
	for _, e := range l.Edges {
		if e.pruned {
			continue
		}
		fmt.Fprintf(bw, "%d %d %d\n", e.From, e.To, e.AScore)
	}
	fmt.Fprintf(bw, "End\n")
	return bw.Flush()
}
