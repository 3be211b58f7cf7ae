package fixedpoint

import (
	"errors"
	"math"
	"math/big"
	"testing"

	"pgregory.net/rapid"
)

func TestAdd_Overflow(t *testing.T) {
	if _, err := Add(math.MaxUint64, 1); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
	got, err := Add(math.MaxUint64-1, 1)
	if err != nil || got != math.MaxUint64 {
		t.Errorf("expected MaxUint64, got %d (%v)", got, err)
	}
}

func TestSub_Underflow(t *testing.T) {
	if _, err := Sub(1, 2); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected ErrOverflow on underflow, got %v", err)
	}
	got, err := Sub(2, 2)
	if err != nil || got != 0 {
		t.Errorf("expected 0, got %d (%v)", got, err)
	}
}

func TestMul_Overflow(t *testing.T) {
	if _, err := Mul(1<<32, 1<<32); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
	got, err := Mul(1_000_000, 1_000_000)
	if err != nil || got != 1_000_000_000_000 {
		t.Errorf("expected 10^12, got %d (%v)", got, err)
	}
}

func TestDivisionByZero(t *testing.T) {
	if _, err := Div(1, 0); !errors.Is(err, ErrDivisionByZero) {
		t.Errorf("Div: expected ErrDivisionByZero, got %v", err)
	}
	if _, err := Mod(1, 0); !errors.Is(err, ErrOverflow) {
		t.Errorf("Mod: division by zero should match ErrOverflow, got %v", err)
	}
	if _, err := CeilDiv(1, 0); !errors.Is(err, ErrDivisionByZero) {
		t.Errorf("CeilDiv: expected ErrDivisionByZero, got %v", err)
	}
}

func TestCeilDiv(t *testing.T) {
	tests := []struct {
		a, b, want uint64
	}{
		{0, 7, 0},
		{20000, 10000, 2},
		{20001, 10000, 3},
		{1, 10000, 1},
		{9999, 10000, 1},
	}
	for _, tt := range tests {
		got, err := CeilDiv(tt.a, tt.b)
		if err != nil {
			t.Fatalf("CeilDiv(%d,%d): %v", tt.a, tt.b, err)
		}
		if got != tt.want {
			t.Errorf("CeilDiv(%d,%d) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestMulDiv(t *testing.T) {
	got, err := MulDiv(980, 2000, 1960)
	if err != nil || got != 1000 {
		t.Errorf("expected 1000, got %d (%v)", got, err)
	}
	if _, err := MulDiv(math.MaxUint64, 4, 2); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected ErrOverflow for oversized quotient, got %v", err)
	}
	if _, err := MulDiv(1, 1, 0); !errors.Is(err, ErrDivisionByZero) {
		t.Errorf("expected ErrDivisionByZero, got %v", err)
	}
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// 4_900_999_796 * 10_000_000_000 exceeds 2^64; the quotient does not.
	got, err := MulDiv(4_900_999_796, 10_000_000_000, 4_900_999_796)
	if err != nil || got != 10_000_000_000 {
		t.Errorf("expected 10000000000, got %d (%v)", got, err)
	}
	got, err = MulDiv(math.MaxUint64, 2, 4)
	if err != nil || got != math.MaxUint64/2 {
		t.Errorf("expected %d, got %d (%v)", uint64(math.MaxUint64/2), got, err)
	}
}

func TestMulDiv_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.Uint64().Draw(t, "a")
		b := rapid.Uint64().Draw(t, "b")
		c := rapid.Uint64Range(1, math.MaxUint64).Draw(t, "c")

		want := new(big.Int).Mul(new(big.Int).SetUint64(a), new(big.Int).SetUint64(b))
		want.Quo(want, new(big.Int).SetUint64(c))

		got, err := MulDiv(a, b, c)
		if !want.IsUint64() {
			if !errors.Is(err, ErrOverflow) {
				t.Fatalf("MulDiv(%d, %d, %d): expected overflow, got %d (%v)", a, b, c, got, err)
			}
			return
		}
		if err != nil || got != want.Uint64() {
			t.Fatalf("MulDiv(%d, %d, %d) = %d (%v), want %s", a, b, c, got, err, want)
		}
	})
}

func TestCeilDiv_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.Uint64().Draw(t, "a")
		b := rapid.Uint64Range(1, math.MaxUint64).Draw(t, "b")

		floor, _ := Div(a, b)
		ceil, err := CeilDiv(a, b)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if a%b == 0 && ceil != floor {
			t.Fatalf("exact division: ceil %d != floor %d", ceil, floor)
		}
		if a%b != 0 && ceil != floor+1 {
			t.Fatalf("inexact division: ceil %d != floor+1 %d", ceil, floor+1)
		}
	})
}
