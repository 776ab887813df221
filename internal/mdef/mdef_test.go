package mdef

import (
	"bytes"
	"errors"
	"testing"
)

func testModel(t *testing.T) *Model {
	t.Helper()

	b := NewBuilder([]string{"SIL", "AE", "K", "T", "+NOISE+"}, 3)
	b.SetFiller("SIL").SetFiller("+NOISE+")
	b.AddTriphone("AE", "K", "T", WPosInternal)
	b.AddTriphone("AE", "SIL", "T", WPosBegin)
	b.AddTriphone("K", "AE", "T", WPosInternal)
	b.AddTriphone("K", "SIL", "AE", WPosBegin)
	b.AddTriphone("T", "AE", "SIL", WPosEnd)

	m, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return m
}

func TestCIPhoneID(t *testing.T) {
	m := testModel(t)

	tests := []struct {
		name  string
		phone string
		want  bool
	}{
		{name: "silence", phone: "SIL", want: true},
		{name: "vowel", phone: "AE", want: true},
		{name: "missing", phone: "ZH", want: false},
		{name: "case sensitive", phone: "sil", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := m.CIPhoneID(tt.phone)
			if got := id != NoPhone; got != tt.want {
				t.Errorf("CIPhoneID(%q) = %d, want found=%v", tt.phone, id, tt.want)
			}
			if id != NoPhone && m.CIPhoneName(id) != tt.phone {
				t.Errorf("CIPhoneName(%d) = %q, want %q", id, m.CIPhoneName(id), tt.phone)
			}
		})
	}
}

func TestPhoneIDRoundTrip(t *testing.T) {
	m := testModel(t)

	// Every CD phone must be findable from its own contexts.
	for pid := m.NCIPhone(); pid < m.NPhone(); pid++ {
		ci := m.PidToCI(pid)
		lc := m.PhoneLC(pid)
		rc := m.PhoneRC(pid)
		wpos := m.PhoneWPos(pid)
		if got := m.PhoneID(ci, lc, rc, wpos); got != pid {
			t.Errorf("PhoneID(%d,%d,%d,%d) = %d, want %d", ci, lc, rc, wpos, got, pid)
		}
	}
}

func TestPhoneIDFillerMapsToSilence(t *testing.T) {
	m := testModel(t)

	ae := m.CIPhoneID("AE")
	sil := m.CIPhoneID("SIL")
	tt := m.CIPhoneID("T")
	noise := m.CIPhoneID("+NOISE+")

	want := m.PhoneID(ae, sil, tt, WPosBegin)
	if want == NoPhone {
		t.Fatal("AE(SIL,T)b missing from test model")
	}
	if got := m.PhoneID(ae, noise, tt, WPosBegin); got != want {
		t.Errorf("filler left context: got %d, want %d", got, want)
	}
}

func TestPhoneIDMissing(t *testing.T) {
	m := testModel(t)

	k := m.CIPhoneID("K")
	if got := m.PhoneID(k, k, k, WPosSingle); got != NoPhone {
		t.Errorf("PhoneID for undefined triphone = %d, want NoPhone", got)
	}
}

func TestPhoneIDNearestFallsBackToCI(t *testing.T) {
	m := testModel(t)

	k := m.CIPhoneID("K")
	if got := m.PhoneIDNearest(k, k, k, WPosSingle); got != k {
		t.Errorf("PhoneIDNearest = %d, want CI %d", got, k)
	}
}

func TestSSeqDistinctSenones(t *testing.T) {
	m := testModel(t)

	if m.NSen != m.NPhone()*m.NEmitState {
		t.Fatalf("NSen = %d, want %d", m.NSen, m.NPhone()*m.NEmitState)
	}
	seen := map[int16]bool{}
	for pid := 0; pid < m.NPhone(); pid++ {
		for _, s := range m.SSeq(pid) {
			if seen[s] {
				t.Fatalf("senone %d reused", s)
			}
			seen[s] = true
		}
	}
}

func TestCDToCISen(t *testing.T) {
	m := testModel(t)

	for pid := m.NCIPhone(); pid < m.NPhone(); pid++ {
		ci := m.PidToCI(pid)
		ciSeq := m.SSeq(ci)
		for j, s := range m.SSeq(pid) {
			if got := m.CDToCISen(int(s)); got != int(ciSeq[j]) {
				t.Errorf("CDToCISen(%d) = %d, want %d", s, got, ciSeq[j])
			}
			if got := m.SenToCIPhone(int(s)); got != ci {
				t.Errorf("SenToCIPhone(%d) = %d, want %d", s, got, ci)
			}
		}
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	m := testModel(t)

	data := m.MarshalBinary()
	m2, err := ReadBytes(data)
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}

	if m2.NCIPhone() != m.NCIPhone() || m2.NPhone() != m.NPhone() ||
		m2.NSen != m.NSen || m2.NEmitState != m.NEmitState || m2.Sil != m.Sil {
		t.Fatalf("header mismatch after round trip")
	}
	for pid := m.NCIPhone(); pid < m.NPhone(); pid++ {
		ci, lc, rc, w := m.PidToCI(pid), m.PhoneLC(pid), m.PhoneRC(pid), m.PhoneWPos(pid)
		if got := m2.PhoneID(ci, lc, rc, w); got != pid {
			t.Errorf("reloaded PhoneID(%d,%d,%d,%d) = %d, want %d", ci, lc, rc, w, got, pid)
		}
	}
	for pid := 0; pid < m.NPhone(); pid++ {
		a, b := m.SSeq(pid), m2.SSeq(pid)
		for j := range a {
			if a[j] != b[j] {
				t.Errorf("phone %d sseq mismatch", pid)
			}
		}
	}

	// Byte-for-byte stability.
	if !bytes.Equal(m2.MarshalBinary(), data) {
		t.Error("MarshalBinary not byte-for-byte stable across a reload")
	}
}

func TestReadBytesRejectsBadMagic(t *testing.T) {
	_, err := ReadBytes([]byte("NOPE00000000000000000000"))
	if !errors.Is(err, ErrBadFormat) {
		t.Errorf("err = %v, want ErrBadFormat", err)
	}
}

func TestReadBytesRejectsNewVersion(t *testing.T) {
	m := testModel(t)
	data := m.MarshalBinary()
	data[4] = 99 // version field

	_, err := ReadBytes(data)
	if !errors.Is(err, ErrVersionMismatch) {
		t.Errorf("err = %v, want ErrVersionMismatch", err)
	}
}
