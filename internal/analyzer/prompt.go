package analyzer

import (
	"fmt"
	"strings"
)

const analyzeSystemPrompt = `You are a data engineer describing the layout of financial export files (bank statements, exchange histories, payment processor reports). You answer with a single JSON object and nothing else. You describe structure only; you never guess which company produced the file.`

const analyzeSchema = `{
  "delimiter": "," | ";" | "tab" | "|",
  "skip_rows": [int],              // 0-based line numbers of preamble/footer junk (never the header)
  "header_row_index": int,         // 0-based line number of the column header row
  "column_mapping": {              // canonical field -> exact header text of the source column
    "posted_date": "...",          // required
    "description": "...",          // required
    "amount": "...",               // required, signed or made signed by cleaning rules
    "currency": "...",             // optional
    "account_identifier": "...",   // optional if the whole file is one account
    "origin": "...",               // optional
    "destination": "...",          // optional
    "reference": "...",            // optional
    "transaction_type": "...",     // optional
    "network": "..."               // optional, crypto exports only
  },
  "cleaning_rules": {              // canonical field -> rule, usually only "amount"
    "amount": {
      "strip_currency_symbols": bool,
      "thousands_separator": "" | "," | "." | "'" | " ",
      "decimal_separator": "" | "." | ",",
      "parentheses_negative": bool,
      "trailing_sign_negative": bool
    }
  },
  "date_formats": ["..."],         // Go reference-time layouts, most specific first,
                                   // e.g. "2006-01-02", "02.01.2006", "01/02/2006 15:04"
  "has_multiple_accounts": bool,
  "implicit_account": "...",       // identifier when no account column exists, else ""
  "default_currency": "...",       // ISO 4217 when no currency column exists, else ""
  "amount_scale": ""               // decimal multiplier like "0.01" for cent amounts, else ""
}`

// buildAnalyzePrompt renders the numbered sample plus, on retry, the
// validation failures of the previous attempt.
func buildAnalyzePrompt(sample []byte, feedback string) string {
	var b strings.Builder
	b.WriteString("Describe how to parse this file. Line numbers below are 0-based; use them for skip_rows and header_row_index.\n\n")
	b.WriteString("Respond with JSON matching exactly this schema:\n")
	b.WriteString(analyzeSchema)
	b.WriteString("\n\nRules:\n")
	b.WriteString("- Map only columns that exist in the header; use the exact header text.\n")
	b.WriteString("- Every date format that appears in the data must be covered by date_formats.\n")
	b.WriteString("- If amounts carry symbols, separators, parentheses or trailing signs, express that in cleaning_rules so the cleaned value parses as a plain decimal.\n")
	b.WriteString("- skip_rows lists junk lines only. Blank lines are handled automatically.\n")

	if feedback != "" {
		b.WriteString("\nA previous plan for this file failed validation. Fix these problems:\n")
		b.WriteString(feedback)
		b.WriteString("\n")
	}

	b.WriteString("\nFile sample:\n")
	for i, line := range strings.Split(string(sample), "\n") {
		fmt.Fprintf(&b, "%3d| %s\n", i, line)
	}
	return b.String()
}
