package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ClassificationSource identifies which layer produced a classification.
// User-sourced classifications are protected: the pipeline never overwrites them.
type ClassificationSource string

const (
	SourceAccountMap    ClassificationSource = "account_map"
	SourceTenantPattern ClassificationSource = "tenant_pattern"
	SourceLLM           ClassificationSource = "llm"
	SourceDefault       ClassificationSource = "default"
	SourceUser          ClassificationSource = "user"
)

// CanonicalRow is the normalized form every parsed source row is reduced to
// before deduplication and classification.
type CanonicalRow struct {
	RawFileID         uuid.UUID       `json:"rawFileId"`
	RowIndex          int             `json:"rowIndex"` // 0-based physical row index in the source file
	PostedDate        time.Time       `json:"postedDate"`
	Description       string          `json:"description"` // whitespace-normalized, case preserved
	Amount            decimal.Decimal `json:"amount"`      // signed
	Currency          string          `json:"currency"`    // ISO 4217 or network ticker
	AccountIdentifier string          `json:"accountIdentifier"`
	Origin            string          `json:"origin,omitempty"`
	Destination       string          `json:"destination,omitempty"`
	Reference         string          `json:"reference,omitempty"`
	TransactionType   string          `json:"transactionType,omitempty"`
	Network           string          `json:"network,omitempty"` // set only when the parse plan mapped a network column
	ContentHash       string          `json:"contentHash"`
}

// ComputeContentHash derives the per-tenant idempotency key for a row.
// The hash covers the fields that identify a movement of money; presentation
// fields (origin/destination display, transaction type) are excluded so
// re-exports with cosmetic differences still deduplicate.
func (r *CanonicalRow) ComputeContentHash(tenantID string) string {
	h := sha256.New()
	for _, part := range []string{
		tenantID,
		r.PostedDate.UTC().Format("2006-01-02"),
		r.Description,
		r.Amount.StringFixed(8),
		strings.ToUpper(r.Currency),
		strings.ToLower(r.AccountIdentifier),
		r.Reference,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0x1f}) // unit separator, keeps "ab"+"c" distinct from "a"+"bc"
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Classification is the business assignment attached to a transaction.
type Classification struct {
	EntityCode       string               `json:"entityCode"`
	BusinessLineCode string               `json:"businessLineCode,omitempty"`
	Category         string               `json:"category"`
	Subcategory      string               `json:"subcategory,omitempty"`
	Justification    string               `json:"justification,omitempty"` // human-readable reason for the assignment
	Confidence       float64              `json:"confidence"`              // 0.0 - 1.0
	Source           ClassificationSource `json:"source"`
}

// Transaction is a persisted, classified canonical row.
type Transaction struct {
	ID                 uuid.UUID       `json:"id"`
	TenantID           string          `json:"tenantId"`
	RawFileID          uuid.UUID       `json:"rawFileId"`
	RowIndex           int             `json:"rowIndex"`
	PostedDate         time.Time       `json:"postedDate"`
	Description        string          `json:"description"`
	Amount             decimal.Decimal `json:"amount"`
	Currency           string          `json:"currency"`
	AccountIdentifier  string          `json:"accountIdentifier"`
	Origin             string          `json:"origin,omitempty"`
	Destination        string          `json:"destination,omitempty"`
	OriginDisplay      string          `json:"originDisplay,omitempty"`      // resolved account display name
	DestinationDisplay string          `json:"destinationDisplay,omitempty"` // resolved account display name
	Reference          string          `json:"reference,omitempty"`
	TransactionType    string          `json:"transactionType,omitempty"`
	Network            string          `json:"network,omitempty"`
	ContentHash        string          `json:"contentHash"`
	Classification
	NeedsReview bool      `json:"needsReview"`
	Archived    bool      `json:"archived"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// TransactionFilter narrows list queries. Zero values mean "no constraint".
type TransactionFilter struct {
	EntityCode  string     `json:"entityCode,omitempty"`
	Category    string     `json:"category,omitempty"`
	AccountID   string     `json:"accountId,omitempty"` // matches account_identifier
	Source      string     `json:"source,omitempty"`
	NeedsReview *bool      `json:"needsReview,omitempty"`
	Archived    *bool      `json:"archived,omitempty"`
	DateFrom    *time.Time `json:"dateFrom,omitempty"`
	DateTo      *time.Time `json:"dateTo,omitempty"`
	Search      string     `json:"search,omitempty"` // description substring
}
