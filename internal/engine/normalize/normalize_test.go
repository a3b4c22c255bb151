package normalize

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestEstimateDaysSupply(t *testing.T) {
	tests := []struct {
		name       string
		daysSupply int
		quantity   float64
		want       int
	}{
		{"reported days supply wins", 45, 90, 45},
		{"large quantity implies 90 days", 0, 90, 90},
		{"boundary 61 implies 90 days", 0, 61, 90},
		{"medium quantity implies 60 days", 0, 60, 60},
		{"boundary 35 implies 60 days", 0, 35, 60},
		{"small quantity implies 30 days", 0, 30, 30},
		{"zero quantity implies 30 days", 0, 0, 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateDaysSupply(tt.daysSupply, tt.quantity); got != tt.want {
				t.Errorf("EstimateDaysSupply(%d, %v) = %d, want %d", tt.daysSupply, tt.quantity, got, tt.want)
			}
		})
	}
}

func TestPerFillExpectedQty(t *testing.T) {
	h := Hints{ExpectedQty: 30}

	// qty 30 at $60 and qty 90 at $180 are the same drug economics and must
	// normalize to the same per-expected-fill value.
	got1, ok := PerFill(dec("60"), 30, 30, h)
	if !ok {
		t.Fatal("qty-30 claim excluded")
	}
	got2, ok := PerFill(dec("180"), 90, 90, h)
	if !ok {
		t.Fatal("qty-90 claim excluded")
	}
	if !got1.Equal(dec("60")) {
		t.Errorf("qty-30 normalized to %s, want 60", got1)
	}
	if !got1.Equal(got2) {
		t.Errorf("normalized values differ: %s vs %s", got1, got2)
	}
}

func TestPerFillZeroQuantityClamped(t *testing.T) {
	h := Hints{ExpectedQty: 30}
	got, ok := PerFill(dec("10"), 0, 30, h)
	if !ok {
		t.Fatal("claim excluded")
	}
	// actualQty clamps to 1, so the fill scales by 30x.
	if !got.Equal(dec("300")) {
		t.Errorf("normalized = %s, want 300", got)
	}
}

func TestPerFillShortFillExcluded(t *testing.T) {
	// Expected 30-day fills: a 14-day fill is under the 80% floor.
	h := Hints{ExpectedQty: 30, ExpectedDaysSupply: 30}
	if _, ok := PerFill(dec("25"), 14, 14, h); ok {
		t.Error("14-day fill should be excluded under a 30-day expectation")
	}
	// 24 days is exactly 80% and passes.
	if _, ok := PerFill(dec("25"), 24, 24, h); !ok {
		t.Error("24-day fill should pass the 80% floor")
	}
	// No expected days supply: floor is 20 days.
	h = Hints{ExpectedQty: 30}
	if _, ok := PerFill(dec("25"), 19, 19, h); ok {
		t.Error("19-day fill should be excluded under the default 20-day floor")
	}
	if _, ok := PerFill(dec("25"), 20, 20, h); !ok {
		t.Error("20-day fill should pass the default floor")
	}
}

func TestPerFillExpectedDaysSupply(t *testing.T) {
	h := Hints{ExpectedDaysSupply: 30}

	// A 90-day fill at $90 is $30 per 30 days.
	got, ok := PerFill(dec("90"), 90, 90, h)
	if !ok {
		t.Fatal("claim excluded")
	}
	if !got.Equal(dec("30")) {
		t.Errorf("normalized = %s, want 30", got)
	}

	// A 30-day fill passes through unchanged.
	got, ok = PerFill(dec("42.50"), 30, 30, h)
	if !ok {
		t.Fatal("claim excluded")
	}
	if !got.Equal(dec("42.50")) {
		t.Errorf("normalized = %s, want 42.50", got)
	}
}

func TestPerFillDefaultPer30Days(t *testing.T) {
	var h Hints

	// 90 days ceil to 3 months.
	got, ok := PerFill(dec("90"), 90, 90, h)
	if !ok {
		t.Fatal("claim excluded")
	}
	if !got.Equal(dec("30")) {
		t.Errorf("normalized = %s, want 30", got)
	}

	// 31 days still ceils to 2 months.
	got, ok = PerFill(dec("60"), 31, 31, h)
	if !ok {
		t.Fatal("claim excluded")
	}
	if !got.Equal(dec("30")) {
		t.Errorf("normalized = %s, want 30", got)
	}

	// Default mode requires at least 28 days supply.
	if _, ok := PerFill(dec("60"), 27, 27, h); ok {
		t.Error("27-day fill should be excluded in per-30-day mode")
	}
	if _, ok := PerFill(dec("60"), 28, 28, h); !ok {
		t.Error("28-day fill should be accepted in per-30-day mode")
	}
}

func TestPerFillHeuristicDaysFeedFilter(t *testing.T) {
	// No reported days supply: quantity 90 estimates 90 days, so the claim
	// survives the default-mode floor and divides by 3.
	got, ok := PerFill(dec("90"), 90, 0, Hints{})
	if !ok {
		t.Fatal("claim excluded")
	}
	if !got.Equal(dec("30")) {
		t.Errorf("normalized = %s, want 30", got)
	}
}
