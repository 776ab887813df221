package mdef

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
)

const (
	magic         = "BMDF"
	formatVersion = 1
)

// formatDesc documents the file layout; it is stored, padded to a
// 4-byte boundary, right after the version field.
const formatDesc = "BMDF (binary model definition file) format\n" +
	"int32 n_ciphone, n_phone, n_emit_state, n_ci_sen, n_sen, n_tmat, n_sseq, n_ctx, n_cd_tree, sil\n" +
	"char ciphones[][] (null-separated, 4-byte padded)\n" +
	"struct { int16 ctx; int16 n_down; int32 down_or_pid } cd_tree[];\n" +
	"struct { int32 ssid; int32 tmat; int8 attr[4] } phones[];\n" +
	"int32 sseq_size; int16 sseq[];\n"

// Read loads a binary model definition file.
func Read(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mdef: read %s: %w", path, err)
	}
	m, err := ReadBytes(data)
	if err != nil {
		return nil, fmt.Errorf("mdef: %s: %w", path, err)
	}
	return m, nil
}

// ReadBytes parses a binary model definition from memory. Files
// written on the opposite byte order are recovered by swapping.
func ReadBytes(data []byte) (*Model, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("mdef: %w: file too short (%d bytes)", ErrBadFormat, len(data))
	}

	var order binary.ByteOrder = binary.LittleEndian
	switch {
	case bytes.Equal(data[:4], []byte(magic)):
	case bytes.Equal(data[:4], []byte("FDMB")):
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("mdef: %w: bad magic %q", ErrBadFormat, data[:4])
	}

	r := &byteReader{data: data, order: order, pos: 4}

	version := r.int32()
	if version > formatVersion {
		return nil, fmt.Errorf("mdef: %w: file version %d, library supports %d",
			ErrVersionMismatch, version, formatVersion)
	}
	descLen := r.int32()
	r.skip(int(descLen))

	nCIPhone := int(r.int32())
	nPhone := int(r.int32())
	nEmitState := int(r.int32())
	nCISen := int(r.int32())
	nSen := int(r.int32())
	nTMat := int(r.int32())
	nSSeq := int(r.int32())
	nCtx := int(r.int32())
	nCDTree := int(r.int32())
	r.int32() // stored silence id; recomputed from the name table
	if r.err != nil {
		return nil, fmt.Errorf("mdef: %w: truncated header", ErrBadFormat)
	}
	if nCIPhone <= 0 || nPhone < nCIPhone || nEmitState < 0 || nSen < nCISen ||
		nSSeq <= 0 || nCDTree < 0 || nCtx != 3 {
		return nil, fmt.Errorf("mdef: %w: implausible header counts", ErrBadFormat)
	}
	if nEmitState == 0 {
		return nil, fmt.Errorf("mdef: %w: heterogeneous topologies are not supported", ErrBadFormat)
	}

	m := &Model{
		NEmitState: nEmitState,
		NCISen:     nCISen,
		NSen:       nSen,
		NTMat:      nTMat,
	}

	m.ciNames = make([]string, nCIPhone)
	for i := 0; i < nCIPhone; i++ {
		m.ciNames[i] = r.cstring()
	}
	// Name blob is padded to a 4-byte boundary from the file start.
	r.pos = (r.pos + 3) &^ 3

	m.cdTree = make([]CDTreeNode, nCDTree)
	for i := range m.cdTree {
		m.cdTree[i].Ctx = r.int16()
		m.cdTree[i].NDown = r.int16()
		m.cdTree[i].Down = r.int32()
	}

	m.phones = make([]Phone, nPhone)
	for i := range m.phones {
		m.phones[i].SSID = r.int32()
		m.phones[i].TMat = r.int32()
		attr := r.bytes(4)
		if r.err != nil {
			break
		}
		if i < nCIPhone {
			m.phones[i].Filler = attr[0] != 0
		} else {
			m.phones[i].WPos = int8(attr[0])
			m.phones[i].CI = int16(attr[1])
			m.phones[i].LC = int16(attr[2])
			m.phones[i].RC = int16(attr[3])
		}
	}

	sseqSize := int(r.int32())
	if r.err == nil && sseqSize != nSSeq*nEmitState {
		return nil, fmt.Errorf("mdef: %w: sseq size %d != %d sequences x %d states",
			ErrBadFormat, sseqSize, nSSeq, nEmitState)
	}
	m.sseq = make([][]int16, nSSeq)
	flat := make([]int16, sseqSize)
	for i := range flat {
		flat[i] = r.int16()
	}
	for i := range m.sseq {
		m.sseq[i] = flat[i*nEmitState : (i+1)*nEmitState]
	}

	if r.err != nil {
		return nil, fmt.Errorf("mdef: %w: truncated file", ErrBadFormat)
	}
	if err := m.finish(); err != nil {
		return nil, err
	}
	return m, nil
}

// WriteFile writes the model definition in native (little-endian)
// byte order. Read(WriteFile(m)) reproduces the same file.
func (m *Model) WriteFile(path string) error {
	data := m.MarshalBinary()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("mdef: write %s: %w", path, err)
	}
	return nil
}

// MarshalBinary serializes the model definition.
func (m *Model) MarshalBinary() []byte {
	var buf bytes.Buffer
	w := func(v int32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(v))
		buf.Write(b[:])
	}
	w16 := func(v int16) {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(v))
		buf.Write(b[:])
	}

	buf.WriteString(magic)
	w(formatVersion)
	descLen := (len(formatDesc) + 1 + 3) &^ 3
	w(int32(descLen))
	buf.WriteString(formatDesc)
	for i := len(formatDesc); i < descLen; i++ {
		buf.WriteByte(0)
	}

	w(int32(len(m.ciNames)))
	w(int32(len(m.phones)))
	w(int32(m.NEmitState))
	w(int32(m.NCISen))
	w(int32(m.NSen))
	w(int32(m.NTMat))
	w(int32(len(m.sseq)))
	w(3)
	w(int32(len(m.cdTree)))
	w(int32(m.Sil))

	for _, name := range m.ciNames {
		buf.WriteString(name)
		buf.WriteByte(0)
	}
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}

	for _, n := range m.cdTree {
		w16(n.Ctx)
		w16(n.NDown)
		w(n.Down)
	}
	for i, p := range m.phones {
		w(p.SSID)
		w(p.TMat)
		var attr [4]byte
		if i < len(m.ciNames) {
			if p.Filler {
				attr[0] = 1
			}
		} else {
			attr[0] = byte(p.WPos)
			attr[1] = byte(p.CI)
			attr[2] = byte(p.LC)
			attr[3] = byte(p.RC)
		}
		buf.Write(attr[:])
	}

	w(int32(len(m.sseq) * m.NEmitState))
	for _, seq := range m.sseq {
		for _, s := range seq {
			w16(s)
		}
	}
	return buf.Bytes()
}

type byteReader struct {
	data  []byte
	order binary.ByteOrder
	pos   int
	err   error
}

func (r *byteReader) skip(n int) {
	if r.pos+n > len(r.data) {
		r.err = ErrBadFormat
		r.pos = len(r.data)
		return
	}
	r.pos += n
}

func (r *byteReader) bytes(n int) []byte {
	if r.err != nil || r.pos+n > len(r.data) {
		r.err = ErrBadFormat
		return make([]byte, n)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *byteReader) int32() int32 {
	return int32(r.order.Uint32(r.bytes(4)))
}

func (r *byteReader) int16() int16 {
	return int16(r.order.Uint16(r.bytes(2)))
}

func (r *byteReader) cstring() string {
	if r.err != nil {
		return ""
	}
	end := bytes.IndexByte(r.data[r.pos:], 0)
	if end < 0 {
		r.err = ErrBadFormat
		return ""
	}
	s := string(r.data[r.pos : r.pos+end])
	r.pos += end + 1
	return s
}
