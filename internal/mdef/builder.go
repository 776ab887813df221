package mdef

import (
	"fmt"
	"sort"
)

// Triphone describes one context-dependent phone for the builder.
type Triphone struct {
	CI, LC, RC string
	WPos       int
}

// Builder assembles a Model from phone lists, the way the text model
// definition compiler does, producing the same array-encoded CD tree
// as the binary format.
type Builder struct {
	nEmitState int
	ciNames    []string
	fillers    map[string]bool
	triphones  []Triphone
}

// NewBuilder starts a model definition with the given CI phones.
// Names must include SIL; they are sorted internally.
func NewBuilder(ciNames []string, nEmitState int) *Builder {
	sorted := append([]string(nil), ciNames...)
	sort.Strings(sorted)
	return &Builder{
		nEmitState: nEmitState,
		ciNames:    sorted,
		fillers:    map[string]bool{},
	}
}

// SetFiller marks a CI phone as a filler (non-speech) phone.
func (b *Builder) SetFiller(name string) *Builder {
	b.fillers[name] = true
	return b
}

// AddTriphone registers one context-dependent phone.
func (b *Builder) AddTriphone(ci, lc, rc string, wpos int) *Builder {
	b.triphones = append(b.triphones, Triphone{CI: ci, LC: lc, RC: rc, WPos: wpos})
	return b
}

// Build constructs the Model. Each phone gets its own senone sequence
// with sequentially assigned senone ids: CI senones first, then CD.
func (b *Builder) Build() (*Model, error) {
	nCI := len(b.ciNames)
	index := make(map[string]int, nCI)
	for i, n := range b.ciNames {
		index[n] = i
	}
	if _, ok := index[SilenceCIPhone]; !ok {
		return nil, fmt.Errorf("mdef: builder: no %s phone", SilenceCIPhone)
	}

	m := &Model{
		NEmitState: b.nEmitState,
		NCISen:     nCI * b.nEmitState,
		ciNames:    b.ciNames,
	}

	m.phones = make([]Phone, 0, nCI+len(b.triphones))
	nextSen := 0
	addPhone := func(p Phone) {
		seq := make([]int16, b.nEmitState)
		for j := range seq {
			seq[j] = int16(nextSen)
			nextSen++
		}
		p.SSID = int32(len(m.sseq))
		m.sseq = append(m.sseq, seq)
		m.phones = append(m.phones, p)
	}

	for _, name := range b.ciNames {
		addPhone(Phone{TMat: int32(index[name]), Filler: b.fillers[name]})
	}

	// Group triphones by (wpos, ci, lc) so the tree levels come out
	// contiguous, the same shape the binary writer produces.
	seen := map[triKey]bool{}
	var tri []triKey
	for _, t := range b.triphones {
		ci, ok1 := index[t.CI]
		lc, ok2 := index[t.LC]
		rc, ok3 := index[t.RC]
		if !ok1 || !ok2 || !ok3 {
			return nil, fmt.Errorf("mdef: builder: unknown phone in triphone %v", t)
		}
		if t.WPos < 0 || t.WPos >= NWordPos {
			return nil, fmt.Errorf("mdef: builder: bad word position %d", t.WPos)
		}
		k := triKey{t.WPos, ci, lc, rc}
		if seen[k] {
			continue
		}
		seen[k] = true
		tri = append(tri, k)
	}
	sort.Slice(tri, func(i, j int) bool {
		a, c := tri[i], tri[j]
		if a.wpos != c.wpos {
			return a.wpos < c.wpos
		}
		if a.ci != c.ci {
			return a.ci < c.ci
		}
		if a.lc != c.lc {
			return a.lc < c.lc
		}
		return a.rc < c.rc
	})

	pidOf := map[triKey]int32{}
	for _, k := range tri {
		pidOf[k] = int32(len(m.phones))
		addPhone(Phone{
			TMat: int32(k.ci),
			WPos: int8(k.wpos),
			CI:   int16(k.ci),
			LC:   int16(k.lc),
			RC:   int16(k.rc),
		})
	}
	m.NSen = nextSen
	m.NTMat = nCI

	m.cdTree = buildCDTree(nCI, tri, pidOf)

	if err := m.finish(); err != nil {
		return nil, err
	}
	return m, nil
}

type triKey struct{ wpos, ci, lc, rc int }

type lcKey struct{ wpos, ci, lc int }

// buildCDTree lays out the four-level lookup tree level by level:
// word positions, then CI phones, then left contexts, then right
// contexts, with each node's children stored contiguously.
func buildCDTree(nCI int, tri []triKey, pid map[triKey]int32) []CDTreeNode {
	// Count nodes per level first so child start offsets are known.
	lcChildren := map[lcKey][]triKey{}
	ciLCs := map[[2]int][]int{}
	for _, t := range tri {
		k := lcKey{t.wpos, t.ci, t.lc}
		if len(lcChildren[k]) == 0 {
			ciLCs[[2]int{t.wpos, t.ci}] = append(ciLCs[[2]int{t.wpos, t.ci}], t.lc)
		}
		lcChildren[k] = append(lcChildren[k], t)
	}

	nNodes := NWordPos + NWordPos*nCI
	for _, lcs := range ciLCs {
		nNodes += len(lcs)
	}
	for _, rcs := range lcChildren {
		nNodes += len(rcs)
	}

	nodes := make([]CDTreeNode, nNodes)
	ciStart := NWordPos
	lcStart := ciStart + NWordPos*nCI
	rcStart := lcStart
	for _, lcs := range ciLCs {
		rcStart += len(lcs)
	}

	lcIdx, rcIdx := int32(lcStart), int32(rcStart)
	for w := 0; w < NWordPos; w++ {
		nodes[w] = CDTreeNode{Ctx: int16(w), NDown: int16(nCI), Down: int32(ciStart + w*nCI)}
		for ci := 0; ci < nCI; ci++ {
			ciNode := &nodes[ciStart+w*nCI+ci]
			ciNode.Ctx = int16(ci)
			lcs := ciLCs[[2]int{w, ci}]
			if len(lcs) == 0 {
				// No triphones for this (wpos, ci): leaf with no pid.
				ciNode.Down = NoPhone
				continue
			}
			ciNode.NDown = int16(len(lcs))
			ciNode.Down = lcIdx
			for _, lc := range lcs {
				lcNode := &nodes[lcIdx]
				lcIdx++
				lcNode.Ctx = int16(lc)
				rcs := lcChildren[lcKey{w, ci, lc}]
				lcNode.NDown = int16(len(rcs))
				lcNode.Down = rcIdx
				for _, t := range rcs {
					nodes[rcIdx] = CDTreeNode{Ctx: int16(t.rc), NDown: 0, Down: pid[t]}
					rcIdx++
				}
			}
		}
	}
	return nodes
}
