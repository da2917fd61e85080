package market

import (
	"strings"

	"github.com/shopspring/decimal"
)

var (
	one      = decimal.NewFromInt(1)
	thousand = decimal.NewFromInt(1000)
)

// FormatUSD renders a dollar price for display. Sub-dollar prices keep four
// decimals so small-cap quotes stay meaningful; larger prices get grouped
// thousands with two decimals, e.g. "$107,065.16".
func FormatUSD(v decimal.Decimal) string {
	if v.Abs().LessThan(one) {
		return "$" + v.StringFixed(4)
	}
	return "$" + groupThousands(v.StringFixed(2))
}

// FormatKRW renders a won price for display. Prices under 1000 keep two
// decimals; larger prices are rounded to whole won with grouped thousands,
// e.g. "₩149,891,224".
func FormatKRW(v decimal.Decimal) string {
	if v.Abs().LessThan(thousand) {
		return "₩" + v.StringFixed(2)
	}
	return "₩" + groupThousands(v.StringFixed(0))
}

// groupThousands inserts comma separators into the integer part of a
// fixed-point decimal string.
func groupThousands(s string) string {
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	intPart, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, frac = s[:i], s[i:]
	}
	if len(intPart) <= 3 {
		return sign + intPart + frac
	}
	var b strings.Builder
	lead := len(intPart) % 3
	if lead > 0 {
		b.WriteString(intPart[:lead])
	}
	for i := lead; i < len(intPart); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(intPart[i : i+3])
	}
	return sign + b.String() + frac
}
