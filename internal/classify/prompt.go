package classify

import (
	"context"
	"fmt"
	"strings"

	"github.com/opsledger/intake-engine/internal/ingest"
)

const classifySystemPrompt = `You are a transaction classifier for a multi-entity finance team.
Assign the transaction to one of the tenant's legal entities and one category from its chart of accounts.
Respond with a single JSON object and nothing else.
Use only the entity codes and category names listed in the request. Never invent codes. If nothing fits well, pick the closest category, lower your confidence and explain in the justification.`

func (c *Classifier) buildClassifyPrompt(ctx context.Context, job *Job, row ingest.EnrichedRow) string {
	var b strings.Builder
	b.WriteString("Classify this transaction.\n\nTransaction:\n")
	writeRow(&b, row)

	b.WriteString("\nEntity codes:\n")
	for _, code := range job.Enums.entityList {
		fmt.Fprintf(&b, "  - %s\n", code)
	}

	b.WriteString("\nCategories:\n")
	writeCategories(&b, job.Enums)

	if recent := c.recentPatterns(ctx, job); recent != "" {
		b.WriteString("\nRules the team already confirmed for this tenant:\n")
		b.WriteString(recent)
	}

	b.WriteString("\nRespond with JSON:\n")
	b.WriteString(`{"entity_code": "...", "business_line_code": "", "category": "...", "subcategory": "", "justification": "one short sentence", "confidence": 0.0}`)
	b.WriteString("\n")
	return b.String()
}

func buildCategoryPrompt(row ingest.EnrichedRow, entityCode string, enums Enums) string {
	var b strings.Builder
	fmt.Fprintf(&b, "This transaction belongs to entity %s. Pick its category.\n\nTransaction:\n", entityCode)
	writeRow(&b, row)

	b.WriteString("\nCategories:\n")
	writeCategories(&b, enums)

	b.WriteString("\nRespond with JSON:\n")
	b.WriteString(`{"category": "...", "subcategory": "", "justification": "one short sentence", "confidence": 0.0}`)
	b.WriteString("\n")
	return b.String()
}

func writeRow(b *strings.Builder, row ingest.EnrichedRow) {
	fmt.Fprintf(b, "  description: %s\n", row.Row.Description)
	fmt.Fprintf(b, "  amount: %s %s\n", row.Row.Amount.String(), row.Row.Currency)
	fmt.Fprintf(b, "  posted: %s\n", row.Row.PostedDate.Format("2006-01-02"))
	if row.Row.AccountIdentifier != "" {
		fmt.Fprintf(b, "  account: %s\n", row.Row.AccountIdentifier)
	}
	if row.Account != nil && row.Account.DisplayName != "" {
		fmt.Fprintf(b, "  account name: %s\n", row.Account.DisplayName)
	}
	if row.Row.Origin != "" {
		fmt.Fprintf(b, "  origin: %s\n", row.Row.Origin)
	}
	if row.Row.Destination != "" {
		fmt.Fprintf(b, "  destination: %s\n", row.Row.Destination)
	}
	if row.Row.TransactionType != "" {
		fmt.Fprintf(b, "  type: %s\n", row.Row.TransactionType)
	}
	if row.Row.Network != "" {
		fmt.Fprintf(b, "  network: %s\n", row.Row.Network)
	}
}

func writeCategories(b *strings.Builder, enums Enums) {
	for _, cat := range enums.categoryList {
		if subs := enums.categories[cat]; len(subs) > 0 {
			fmt.Fprintf(b, "  - %s (subcategories: %s)\n", cat, strings.Join(subs, ", "))
		} else {
			fmt.Fprintf(b, "  - %s\n", cat)
		}
	}
}
