package reinforce

import (
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/opsledger/intake-engine/internal/patterns"
)

// longestCommonTokens returns the longest ordered token sequence shared by
// every description after normalization: lowercase, digits dropped,
// whitespace collapsed. Empty when the descriptions share nothing.
func longestCommonTokens(descs []string) []string {
	if len(descs) == 0 {
		return nil
	}
	seq := normalizeTokens(descs[0])
	for _, d := range descs[1:] {
		seq = lcsTokens(seq, normalizeTokens(d))
		if len(seq) == 0 {
			return nil
		}
	}
	return seq
}

func normalizeTokens(s string) []string {
	stripped := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return -1
		}
		return r
	}, s)
	toks := patterns.Tokenize(stripped)
	out := toks[:0]
	for _, t := range toks {
		// single letters are digit-stripping residue, not markers
		if len(t) >= 2 {
			out = append(out, t)
		}
	}
	return out
}

// lcsTokens computes the longest common subsequence of two token slices.
// Supporter sets are small, so the quadratic table is fine.
func lcsTokens(a, b []string) []string {
	dp := make([][]int, len(a)+1)
	for i := range dp {
		dp[i] = make([]int, len(b)+1)
	}
	for i := len(a) - 1; i >= 0; i-- {
		for j := len(b) - 1; j >= 0; j-- {
			if a[i] == b[j] {
				dp[i][j] = dp[i+1][j+1] + 1
			} else if dp[i+1][j] >= dp[i][j+1] {
				dp[i][j] = dp[i+1][j]
			} else {
				dp[i][j] = dp[i][j+1]
			}
		}
	}

	out := make([]string, 0, dp[0][0])
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case dp[i+1][j] >= dp[i][j+1]:
			i++
		default:
			j++
		}
	}
	return out
}

// frequencyClass buckets the median gap in days between consecutive
// occurrences of the supporter transactions.
func frequencyClass(dates []time.Time) string {
	if len(dates) < 3 {
		return "irregular"
	}
	sorted := append([]time.Time{}, dates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	gaps := make([]float64, 0, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		gaps = append(gaps, sorted[i].Sub(sorted[i-1]).Hours()/24)
	}
	sort.Float64s(gaps)
	median := gaps[len(gaps)/2]
	if len(gaps)%2 == 0 {
		median = (gaps[len(gaps)/2-1] + gaps[len(gaps)/2]) / 2
	}

	switch {
	case median <= 1.5:
		return "daily"
	case median >= 5 && median <= 9:
		return "weekly"
	case median >= 26 && median <= 35:
		return "monthly"
	default:
		return "irregular"
	}
}

// amountStats returns the mean and the coefficient of variation. A zero mean
// reports maximal variation so it never qualifies as a stable recurrence.
func amountStats(vals []float64) (decimal.Decimal, decimal.Decimal) {
	if len(vals) == 0 {
		return decimal.Zero, decimal.NewFromInt(1)
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(len(vals))

	var sq float64
	for _, v := range vals {
		d := v - mean
		sq += d * d
	}
	std := math.Sqrt(sq / float64(len(vals)))

	cv := 1.0
	if mean != 0 {
		cv = std / math.Abs(mean)
	}
	return decimalFromFloat(mean), decimalFromFloat(cv)
}

func decimalFromFloat(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(6)
}
