package reinforce

import (
	"fmt"
	"strings"

	"github.com/opsledger/intake-engine/pkg/models"
)

const reviewSystemPrompt = `You review proposed classification rules for a financial transaction pipeline.
A rule that fires on transactions it should not touch silently miscategorizes money, so reject anything overbroad, ambiguous or built on generic words.
Respond with a single JSON object and nothing else: {"verdict": "approve" or "reject", "reason": "one short sentence"}.`

const extractSystemPrompt = `You extract identifying markers from bank transaction descriptions.
Respond with a single JSON object and nothing else, using these keys: companyNames, keywords, bankIdentifiers.
Each value is an array of short lowercase strings that appear in (or clearly derive from) the descriptions. Omit numbers, dates and generic banking words.`

func buildPassOnePrompt(sg *models.PatternSuggestion, matching, nonMatching []sample, report *PreviewReport) string {
	var b strings.Builder
	b.WriteString("Evaluate this proposed rule.\n\nRule:\n")
	writeSuggestion(&b, sg)

	b.WriteString("\nTransactions the rule is meant to match:\n")
	for _, s := range matching {
		fmt.Fprintf(&b, "  - %q\n", s.description)
	}

	if len(nonMatching) > 0 {
		b.WriteString("\nSimilar transactions the team classified differently. The rule must NOT match these:\n")
		for _, s := range nonMatching {
			fmt.Fprintf(&b, "  - %q (currently %s / %s)\n", s.description, s.entity, s.category)
		}
	}

	if report != nil && report.WindowSize > 0 {
		fmt.Fprintf(&b, "\nDry run over the last %d transactions: the rule hit %d (%.1f%%)", report.WindowSize, report.Hits, report.HitRate*100)
		if report.Divergences > 0 {
			fmt.Fprintf(&b, ", of which %d were already classified differently by users", report.Divergences)
		}
		b.WriteString(".\n")
	}

	b.WriteString("\nApprove only if the rule reliably identifies the intended transactions without hitting the others.\n")
	return b.String()
}

func buildPassTwoPrompt(sg *models.PatternSuggestion, matching []sample) string {
	var b strings.Builder
	b.WriteString("A reviewer rejected this rule, but operational evidence suggests it may still be right. Reconsider.\n\nRule:\n")
	writeSuggestion(&b, sg)

	fmt.Fprintf(&b, "\nFirst rejection reason: %s\n", sg.PassOneReason)
	fmt.Fprintf(&b, "\nEvidence:\n")
	fmt.Fprintf(&b, "  - recurrence: %s\n", sg.FrequencyClass)
	fmt.Fprintf(&b, "  - mean amount: %s (coefficient of variation %s)\n", sg.AmountMean.String(), sg.AmountCV.String())
	fmt.Fprintf(&b, "  - users manually applied this classification %d times\n", sg.ConvictionCount)
	fmt.Fprintf(&b, "  - %d corrections support the rule\n", sg.SupportCount)

	if len(matching) > 0 {
		b.WriteString("\nSample matching transactions:\n")
		for _, s := range matching {
			fmt.Fprintf(&b, "  - %q\n", s.description)
		}
	}

	b.WriteString("\nApprove only if the evidence outweighs the first rejection.\n")
	return b.String()
}

func buildExtractPrompt(descs []string, entityCode, category string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Users classified all of these transactions as entity %s, category %s.\n", entityCode, category)
	b.WriteString("Extract the markers that identify this counterparty.\n\nDescriptions:\n")
	for _, d := range descs {
		fmt.Fprintf(&b, "  - %q\n", d)
	}
	return b.String()
}

func writeSuggestion(b *strings.Builder, sg *models.PatternSuggestion) {
	fmt.Fprintf(b, "  target: entity %s, category %s", sg.EntityCode, sg.Category)
	if sg.Subcategory != "" {
		fmt.Fprintf(b, " / %s", sg.Subcategory)
	}
	b.WriteString("\n")

	switch sg.Kind {
	case models.KindDescription:
		fmt.Fprintf(b, "  match: description %s %q\n", sg.MatchType, sg.Expression)
	case models.KindEntitySignature:
		if sg.Signature != nil {
			if len(sg.Signature.CompanyNames) > 0 {
				fmt.Fprintf(b, "  company names: %s\n", strings.Join(sg.Signature.CompanyNames, ", "))
			}
			if len(sg.Signature.Keywords) > 0 {
				fmt.Fprintf(b, "  keywords: %s\n", strings.Join(sg.Signature.Keywords, ", "))
			}
			if len(sg.Signature.BankIdentifiers) > 0 {
				fmt.Fprintf(b, "  bank identifiers: %s\n", strings.Join(sg.Signature.BankIdentifiers, ", "))
			}
		}
	default:
		fmt.Fprintf(b, "  match: account %q\n", sg.Expression)
	}
	fmt.Fprintf(b, "  proposed confidence: %.2f\n", sg.Confidence)
}
