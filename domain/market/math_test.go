package market

import (
	"math"
	"testing"
)

func TestScalePrice(t *testing.T) {
	// 5 tokens at price 100 with factor 1 cost 500
	got, err := ScalePrice(5, 100, 1)
	if err != nil || got != 500 {
		t.Fatalf("ScalePrice = %d, %v, want 500", got, err)
	}
	// fractional quantities round down
	got, err = ScalePrice(15, 100, 10)
	if err != nil || got != 150 {
		t.Fatalf("ScalePrice = %d, %v, want 150", got, err)
	}
	got, err = ScalePrice(1, 99, 100)
	if err != nil || got != 0 {
		t.Fatalf("ScalePrice = %d, %v, want 0", got, err)
	}
	// 128-bit intermediate keeps large products exact
	got, err = ScalePrice(math.MaxUint64, 1_000_000, 1_000_000)
	if err != nil || got != math.MaxUint64 {
		t.Fatalf("ScalePrice = %d, %v, want MaxUint64", got, err)
	}
	if _, err := ScalePrice(math.MaxUint64, 2, 1); err != ErrOverflow {
		t.Fatalf("err = %v, want ErrOverflow", err)
	}
	if _, err := ScalePrice(1, 1, 0); err != ErrOverflow {
		t.Fatalf("zero factor err = %v, want ErrOverflow", err)
	}
}

func TestFillQuantity(t *testing.T) {
	got, err := FillQuantity(450, 90, 1)
	if err != nil || got != 5 {
		t.Fatalf("FillQuantity = %d, %v, want 5", got, err)
	}
	got, err = FillQuantity(449, 90, 1)
	if err != nil || got != 4 {
		t.Fatalf("FillQuantity = %d, %v, want 4", got, err)
	}
}

func TestFee(t *testing.T) {
	// 0.5% of 1000
	got, err := Fee(50_000, 1000)
	if err != nil || got != 5 {
		t.Fatalf("Fee = %d, %v, want 5", got, err)
	}
	if got, _ := Fee(0, 1000); got != 0 {
		t.Fatalf("zero rate fee = %d", got)
	}
	// fees round down
	if got, _ := Fee(1, 100); got != 0 {
		t.Fatalf("tiny fee = %d, want 0", got)
	}
}

func TestSafeArithmetic(t *testing.T) {
	if _, err := SafeAdd(math.MaxUint64, 1); err != ErrOverflow {
		t.Fatalf("add err = %v, want ErrOverflow", err)
	}
	if got, err := SafeAdd(2, 3); err != nil || got != 5 {
		t.Fatalf("add = %d, %v", got, err)
	}
	if _, err := SafeSub(2, 3); err != ErrOverflow {
		t.Fatalf("sub err = %v, want ErrOverflow", err)
	}
	if got, err := SafeSub(3, 2); err != nil || got != 1 {
		t.Fatalf("sub = %d, %v", got, err)
	}
}

func TestDecimalFactor(t *testing.T) {
	m := Market{MktDecimals: 6}
	if got := m.DecimalFactor(); got != 1_000_000 {
		t.Fatalf("factor = %d, want 1e6", got)
	}
	m.MktDecimals = 0
	if got := m.DecimalFactor(); got != 1 {
		t.Fatalf("factor = %d, want 1", got)
	}
}
