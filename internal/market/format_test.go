package market

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestFormatUSD(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"large price grouped", "107065.16", "$107,065.16"},
		{"sub dollar keeps four decimals", "0.1234", "$0.1234"},
		{"sub dollar pads decimals", "0.5", "$0.5000"},
		{"exactly one dollar", "1", "$1.00"},
		{"rounds to grouped boundary", "999.995", "$1,000.00"},
		{"millions", "1234567.891", "$1,234,567.89"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := decimal.NewFromString(tt.value)
			if err != nil {
				t.Fatalf("bad test value %q: %v", tt.value, err)
			}
			assert.Equal(t, tt.want, FormatUSD(v))
		})
	}
}

func TestFormatKRW(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"large price grouped whole won", "149891224", "₩149,891,224"},
		{"under thousand keeps decimals", "999.99", "₩999.99"},
		{"rounds to whole won", "1417.2", "₩1,417"},
		{"exactly one thousand", "1000", "₩1,000"},
		{"small value", "0.5", "₩0.50"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := decimal.NewFromString(tt.value)
			if err != nil {
				t.Fatalf("bad test value %q: %v", tt.value, err)
			}
			assert.Equal(t, tt.want, FormatKRW(v))
		})
	}
}

func TestKRWDerivedFromUSD(t *testing.T) {
	// Dispatch derives KRW as price_usd * fx and renders whole won.
	usd := decimal.NewFromFloat(107065.16)
	fx := decimal.NewFromFloat(1400.0)

	assert.Equal(t, "₩149,891,224", FormatKRW(usd.Mul(fx)))
	assert.Equal(t, "$107,065.16", FormatUSD(usd))
}

func TestGroupThousands(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"123", "123"},
		{"1234", "1,234"},
		{"1234.56", "1,234.56"},
		{"1000", "1,000"},
		{"-1234567", "-1,234,567"},
		{"999", "999"},
	}

	for _, tt := range tests {
		if got := groupThousands(tt.in); got != tt.want {
			t.Errorf("groupThousands(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
