package lattice

import (
	"container/heap"
)

// Path is one N-best entry: the node sequence and its total score.
type Path struct {
	Nodes []*Node
	Score int32
}

// Words renders the path as a word string, fillers stripped.
func (p *Path) Words(l *Lattice) string {
	out := ""
	for _, n := range p.Nodes {
		if n.WordID == startWordID || l.dict.IsFiller(int(n.WordID)) {
			continue
		}
		if out != "" {
			out += " "
		}
		out += l.WordName(n)
	}
	return out
}

// partial is an A* search node: a path prefix with its exact cost and
// optimistic completion estimate.
type partial struct {
	node  int
	cost  int64 // accumulated cost from start
	est   int64 // cost + heuristic
	trail []int // node ids from start
}

type partialHeap []partial

func (h partialHeap) Len() int           { return len(h) }
func (h partialHeap) Less(i, j int) bool { return h[i].est < h[j].est }
func (h partialHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *partialHeap) Push(x interface{}) {
	*h = append(*h, x.(partial))
}
func (h *partialHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// NBest extracts up to n distinct paths by A* over the lattice, using
// the backward best-path distance as the admissible heuristic. Fewer
// than n paths are returned when the lattice is too sparse.
func (l *Lattice) NBest(n int, lwRatio float64) []*Path {
	if n <= 0 {
		return nil
	}
	// Heuristic: exact remaining cost to the final node.
	hDist, _ := l.dijkstra(false, lwRatio)
	const inf = int64(1) << 62
	if hDist[l.Start] == inf {
		return nil
	}

	pq := &partialHeap{{node: l.Start, est: hDist[l.Start], trail: []int{l.Start}}}

	var out []*Path
	// Bound expansions so degenerate lattices terminate.
	const maxExpansions = 100000
	expansions := 0

	for pq.Len() > 0 && len(out) < n && expansions < maxExpansions {
		p := heap.Pop(pq).(partial)
		expansions++
		if p.node == l.End {
			nodes := make([]*Node, len(p.trail))
			for i, id := range p.trail {
				nodes[i] = l.Nodes[id]
			}
			out = append(out, &Path{Nodes: nodes, Score: int32(-p.cost)})
			continue
		}
		for _, ei := range l.outgoing[p.node] {
			e := l.Edges[ei]
			if e.pruned || hDist[e.To] == inf {
				continue
			}
			cost := p.cost + edgeCost(e, lwRatio)
			trail := append(append([]int(nil), p.trail...), e.To)
			heap.Push(pq, partial{
				node:  e.To,
				cost:  cost,
				est:   cost + hDist[e.To],
				trail: trail,
			})
		}
	}
	return out
}
