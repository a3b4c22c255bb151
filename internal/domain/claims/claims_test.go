package claims

import (
	"testing"

	"github.com/shopspring/decimal"
)

func money(s string) *decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return &d
}

func TestProfitFallbackChain(t *testing.T) {
	tests := []struct {
		name string
		rx   Prescription
		want string
	}{
		{
			"explicit gross profit wins",
			Prescription{GrossProfit: money("12.50"), NetProfit: money("9"), Price: money("100"), Cost: money("80")},
			"12.5",
		},
		{
			"net profit next",
			Prescription{NetProfit: money("9.25"), AdjustedProfit: money("7")},
			"9.25",
		},
		{
			"adjusted profit next",
			Prescription{AdjustedProfit: money("7.10")},
			"7.1",
		},
		{
			"price minus cost",
			Prescription{Price: money("100"), Cost: money("82.40")},
			"17.6",
		},
		{
			"price without cost yields zero",
			Prescription{Price: money("100")},
			"0",
		},
		{
			"nothing yields zero",
			Prescription{},
			"0",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rx.Profit().String(); got != tt.want {
				t.Errorf("Profit() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestProfitZeroGrossIsNotSkipped(t *testing.T) {
	// An explicit zero gross profit is a real value, not an absent field.
	rx := Prescription{GrossProfit: money("0"), Price: money("50"), Cost: money("10")}
	if got := rx.Profit(); !got.IsZero() {
		t.Errorf("Profit() = %s, want 0", got)
	}
}
