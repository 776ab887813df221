package logmath

import (
	"math"
	"testing"
)

func TestNewRejectsBadBase(t *testing.T) {
	tests := []struct {
		name string
		base float64
	}{
		{name: "one", base: 1.0},
		{name: "below one", base: 0.5},
		{name: "zero", base: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.base); err == nil {
				t.Fatalf("New(%g) succeeded, want error", tt.base)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	lm, err := New(1.0001)
	if err != nil {
		t.Fatal(err)
	}

	for _, p := range []float64{1.0, 0.5, 0.1, 1e-4, 1e-20} {
		l := lm.Log(p)
		got := lm.Exp(l)
		if math.Abs(got-p)/p > 1e-3 {
			t.Errorf("Exp(Log(%g)) = %g, relative error too large", p, got)
		}
	}
}

func TestZeroProbability(t *testing.T) {
	lm, err := New(1.0001)
	if err != nil {
		t.Fatal(err)
	}

	if got := lm.Log(0); got != Zero {
		t.Errorf("Log(0) = %d, want Zero", got)
	}
	if got := lm.Exp(Zero); got != 0 {
		t.Errorf("Exp(Zero) = %g, want 0", got)
	}
}

func TestAdd(t *testing.T) {
	lm, err := New(1.0001)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		a, b float64
	}{
		{name: "equal halves", a: 0.5, b: 0.5},
		{name: "dominant term", a: 0.9, b: 1e-6},
		{name: "small values", a: 1e-8, b: 1e-9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := lm.Exp(lm.Add(lm.Log(tt.a), lm.Log(tt.b)))
			want := tt.a + tt.b
			if math.Abs(got-want)/want > 1e-3 {
				t.Errorf("Add: got %g, want %g", got, want)
			}
		})
	}
}

func TestAddWithZero(t *testing.T) {
	lm, err := New(1.0001)
	if err != nil {
		t.Fatal(err)
	}

	l := lm.Log(0.25)
	if got := lm.Add(l, Zero); got != l {
		t.Errorf("Add(l, Zero) = %d, want %d", got, l)
	}
	if got := lm.Add(Zero, l); got != l {
		t.Errorf("Add(Zero, l) = %d, want %d", got, l)
	}
}

func TestAddCommutative(t *testing.T) {
	lm, err := New(1.0001)
	if err != nil {
		t.Fatal(err)
	}

	a, b := lm.Log(0.3), lm.Log(0.004)
	if lm.Add(a, b) != lm.Add(b, a) {
		t.Error("Add is not commutative")
	}
}
