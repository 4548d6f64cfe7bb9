package money

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"500", "500.00", false},
		{"500.00", "500.00", false},
		{"  10.5 ", "10.50", false},
		{"0.005", "0.01", false}, // rounds to two places
		{"0", "0.00", false},
		{"-1.00", "", true},
		{"", "", true},
		{"abc", "", true},
		{"1.2.3", "", true},
	}

	for _, tt := range tests {
		got, err := Parse(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Parse(%q) expected error, got %s", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if Format(got) != tt.want {
			t.Errorf("Parse(%q) = %s, want %s", tt.in, Format(got), tt.want)
		}
	}
}

func TestMinorUnits(t *testing.T) {
	if got := ToMinorUnits(MustParse("150.25")); got != 15025 {
		t.Errorf("ToMinorUnits(150.25) = %d, want 15025", got)
	}
	if got := Format(FromMinorUnits(15025)); got != "150.25" {
		t.Errorf("FromMinorUnits(15025) = %s, want 150.25", got)
	}
}

func TestSplitConserves(t *testing.T) {
	feeRate := decimal.NewFromFloat(0.20)

	amounts := []string{"50.00", "0.01", "33.33", "100.00", "0.03"}
	for _, a := range amounts {
		amount := MustParse(a)
		payout, fee := Split(amount, feeRate)
		if !payout.Add(fee).Equal(amount) {
			t.Errorf("Split(%s) lost money: payout=%s fee=%s", a, Format(payout), Format(fee))
		}
		if fee.IsNegative() || payout.IsNegative() {
			t.Errorf("Split(%s) produced negative part: payout=%s fee=%s", a, Format(payout), Format(fee))
		}
	}

	payout, fee := Split(MustParse("50.00"), feeRate)
	if Format(payout) != "40.00" || Format(fee) != "10.00" {
		t.Errorf("Split(50.00, 0.20) = %s/%s, want 40.00/10.00", Format(payout), Format(fee))
	}
}

func TestCommission(t *testing.T) {
	got := Commission(MustParse("100.00"), decimal.NewFromInt(10))
	if Format(got) != "10.00" {
		t.Errorf("Commission(100, 10%%) = %s, want 10.00", Format(got))
	}
	got = Commission(MustParse("100.00"), decimal.NewFromInt(5))
	if Format(got) != "5.00" {
		t.Errorf("Commission(100, 5%%) = %s, want 5.00", Format(got))
	}
}
