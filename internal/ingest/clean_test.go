package ingest

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/opsledger/intake-engine/pkg/models"
)

func TestCleanAmount(t *testing.T) {
	euro := models.CleaningRule{
		StripCurrencySymbols: true,
		ThousandsSeparator:   ".",
		DecimalSeparator:     ",",
		TrailingSignNegative: true,
	}
	us := models.CleaningRule{
		StripCurrencySymbols: true,
		ThousandsSeparator:   ",",
		ParenthesesNegative:  true,
	}

	cases := []struct {
		name  string
		raw   string
		rule  models.CleaningRule
		scale decimal.Decimal
		want  string
		fails bool
	}{
		{name: "plain", raw: "-42.50", want: "-42.5"},
		{name: "euro thousands", raw: "1.250,00", rule: euro, want: "1250"},
		{name: "euro trailing minus", raw: "1.250,00-", rule: euro, want: "-1250"},
		{name: "euro symbol", raw: "€ 1.234,56", rule: euro, want: "1234.56"},
		{name: "euro currency code", raw: "1.234,56 EUR", rule: euro, want: "1234.56"},
		{name: "us parentheses", raw: "(1,234.56)", rule: us, want: "-1234.56"},
		{name: "us dollar sign", raw: "$1,234.56", rule: us, want: "1234.56"},
		{name: "trailing plus", raw: "99,00+", rule: euro, want: "99"},
		{name: "cent scale", raw: "12345", scale: decimal.RequireFromString("0.01"), want: "123.45"},
		{name: "empty", raw: "   ", fails: true},
		{name: "garbage", raw: "n/a", fails: true},
		{name: "letters without strip", raw: "12 EUR", fails: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := CleanAmount(tc.raw, tc.rule, tc.scale)
			if tc.fails {
				if err == nil {
					t.Fatalf("expected error, got %s", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("CleanAmount(%q): %v", tc.raw, err)
			}
			if got.String() != tc.want {
				t.Fatalf("CleanAmount(%q) = %s, want %s", tc.raw, got, tc.want)
			}
		})
	}
}

func TestParseDateOrder(t *testing.T) {
	layouts := []string{"2006-01-02", "02.01.2006", "01/02/2006"}

	got, err := ParseDate("05.03.2024", layouts)
	if err != nil {
		t.Fatalf("ParseDate: %v", err)
	}
	if got.Day() != 5 || got.Month() != 3 {
		t.Fatalf("expected 5 March, got %v", got)
	}

	// Ambiguous numeric dates resolve by layout order.
	got, err = ParseDate("2024-12-01", layouts)
	if err != nil {
		t.Fatalf("ParseDate: %v", err)
	}
	if got.Month() != 12 || got.Day() != 1 {
		t.Fatalf("expected Dec 1, got %v", got)
	}

	if _, err := ParseDate("yesterday", layouts); err == nil {
		t.Fatal("expected error for unparseable date")
	}
}

func TestCleanText(t *testing.T) {
	if got := CleanText("  REWE   Markt\tKoeln "); got != "REWE Markt Koeln" {
		t.Fatalf("CleanText: got %q", got)
	}
	if got := CleanText(""); got != "" {
		t.Fatalf("CleanText empty: got %q", got)
	}
}
