package models

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RawFile lifecycle states.
type RawFileStatus string

const (
	FileReceived          RawFileStatus = "received"
	FileAnalyzed          RawFileStatus = "analyzed"
	FileIngested          RawFileStatus = "ingested"
	FilePartiallyIngested RawFileStatus = "partially_ingested"
	FileFailed            RawFileStatus = "failed"
)

// RawFile records an uploaded export. Bytes live in the blob store; the
// content hash deduplicates whole-file re-uploads per tenant.
type RawFile struct {
	ID          uuid.UUID     `json:"id"`
	TenantID    string        `json:"tenantId"`
	Filename    string        `json:"filename"`
	BlobRef     string        `json:"blobRef"` // opaque handle into the blob store
	ContentHash string        `json:"contentHash"`
	SizeBytes   int64         `json:"sizeBytes"`
	Status      RawFileStatus `json:"status"`
	PlanID      *uuid.UUID    `json:"planId,omitempty"` // set once analysis succeeds
	UploadedAt  time.Time     `json:"uploadedAt"`
}

// Canonical field names a parse plan can map source columns onto.
const (
	FieldPostedDate        = "posted_date"
	FieldDescription       = "description"
	FieldAmount            = "amount"
	FieldCurrency          = "currency"
	FieldAccountIdentifier = "account_identifier"
	FieldOrigin            = "origin"
	FieldDestination       = "destination"
	FieldReference         = "reference"
	FieldTransactionType   = "transaction_type"
	FieldNetwork           = "network"
)

// RequiredFields must be mapped by every valid parse plan. account_identifier
// is required unless the file declares a single implicit account.
var RequiredFields = []string{FieldPostedDate, FieldDescription, FieldAmount}

// CleaningRule describes per-column value normalization. The zero value
// performs whitespace trimming only.
type CleaningRule struct {
	StripCurrencySymbols bool   `json:"stripCurrencySymbols,omitempty"`
	ThousandsSeparator   string `json:"thousandsSeparator,omitempty"` // e.g. "," or "."
	DecimalSeparator     string `json:"decimalSeparator,omitempty"`   // defaults to "."
	ParenthesesNegative  bool   `json:"parenthesesNegative,omitempty"`
	TrailingSignNegative bool   `json:"trailingSignNegative,omitempty"` // "100.00-" style exports
}

// ParsePlan is the executable description of one file format, produced by the
// format analyzer and cached per (tenant, header region).
type ParsePlan struct {
	ID                  uuid.UUID               `json:"id"`
	TenantID            string                  `json:"tenantId"`
	HeaderHash          string                  `json:"headerHash"` // sha256 of the header region
	Delimiter           string                  `json:"delimiter"`  // "," ";" "\t" ...
	SkipRows            []int                   `json:"skipRows"`   // physical row indexes to discard
	HeaderRowIndex      int                     `json:"headerRowIndex"`
	ColumnMapping       map[string]string       `json:"columnMapping"` // canonical field -> source header
	CleaningRules       map[string]CleaningRule `json:"cleaningRules"` // canonical field -> rule
	DateFormats         []string                `json:"dateFormats"`   // Go reference layouts, tried in order
	HasMultipleAccounts bool                    `json:"hasMultipleAccounts"`
	ImplicitAccount     string                  `json:"implicitAccount,omitempty"` // identifier when the file has no account column
	DefaultCurrency     string                  `json:"defaultCurrency,omitempty"` // applied when no currency column is mapped
	AmountScale         decimal.Decimal         `json:"amountScale"`               // multiplier, e.g. 0.01 for cent-denominated exports
	CreatedAt           time.Time               `json:"createdAt"`
}

// MappedFields returns the canonical fields the plan maps, sorted.
func (p *ParsePlan) MappedFields() []string {
	fields := make([]string, 0, len(p.ColumnMapping))
	for f := range p.ColumnMapping {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// Validate checks structural integrity without touching file bytes. Parse
// correctness is established separately by the dry run.
func (p *ParsePlan) Validate() []string {
	var problems []string
	for _, f := range RequiredFields {
		if _, ok := p.ColumnMapping[f]; !ok {
			problems = append(problems, "missing required column mapping: "+f)
		}
	}
	if _, ok := p.ColumnMapping[FieldAccountIdentifier]; !ok {
		if p.HasMultipleAccounts {
			problems = append(problems, "has_multiple_accounts set but no account_identifier column mapped")
		} else if strings.TrimSpace(p.ImplicitAccount) == "" {
			problems = append(problems, "no account_identifier column and no implicit account")
		}
	}
	if len(p.DateFormats) == 0 {
		problems = append(problems, "date_formats is empty")
	}
	if p.HeaderRowIndex < 0 {
		problems = append(problems, "header_row_index is negative")
	}
	for _, idx := range p.SkipRows {
		if idx == p.HeaderRowIndex {
			problems = append(problems, "skip_rows contains the header row")
			break
		}
	}
	for field := range p.CleaningRules {
		if _, ok := p.ColumnMapping[field]; !ok {
			problems = append(problems, "cleaning rule for unmapped field: "+field)
		}
	}
	if p.AmountScale.IsNegative() {
		problems = append(problems, "amount_scale is negative")
	}
	return problems
}
