package ingest

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/opsledger/intake-engine/pkg/models"
)

// CleanAmount applies a cleaning rule to a raw amount cell and parses the
// result. The rule is executed in a fixed order: sign conventions first,
// then symbol stripping, then separator normalization.
func CleanAmount(raw string, rule models.CleaningRule, scale decimal.Decimal) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}

	negative := false
	if rule.ParenthesesNegative && strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	if rule.TrailingSignNegative {
		switch {
		case strings.HasSuffix(s, "-"):
			negative = true
			s = strings.TrimSpace(strings.TrimSuffix(s, "-"))
		case strings.HasSuffix(s, "+"):
			s = strings.TrimSpace(strings.TrimSuffix(s, "+"))
		}
	}

	if rule.StripCurrencySymbols {
		s = stripCurrency(s)
	}
	if rule.ThousandsSeparator != "" {
		s = strings.ReplaceAll(s, rule.ThousandsSeparator, "")
	}
	if rule.DecimalSeparator != "" && rule.DecimalSeparator != "." {
		s = strings.Replace(s, rule.DecimalSeparator, ".", 1)
	}
	s = strings.TrimSpace(s)

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("unparseable amount %q: %w", raw, err)
	}
	if negative {
		d = d.Neg()
	}
	if !scale.IsZero() && !scale.Equal(decimal.New(1, 0)) {
		d = d.Mul(scale)
	}
	return d, nil
}

// stripCurrency drops currency symbols, letters and interior spaces, keeping
// digits, signs and separators. Handles both "€1.234,56" and "1 234,56 EUR".
func stripCurrency(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == ',' || r == '-' || r == '+' || r == '\'':
			b.WriteRune(r)
		case unicode.IsSpace(r), unicode.IsLetter(r), unicode.Is(unicode.Sc, r):
			// dropped
		}
	}
	return b.String()
}

// ParseDate tries the plan's layouts in order. Layouts are Go reference
// times; the first that parses wins.
func ParseDate(raw string, layouts []string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("date %q matches none of %d formats", raw, len(layouts))
}

// CleanText normalizes whitespace runs to single spaces, preserving case.
func CleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
