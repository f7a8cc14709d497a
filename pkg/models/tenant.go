package models

import "time"

// Tenant is the top-level isolation boundary. Every row of persisted state
// carries a tenant id; no read or write crosses tenants.
type Tenant struct {
	ID              string    `json:"id"` // opaque short identifier, e.g. "acme"
	Name            string    `json:"name"`
	Industry        string    `json:"industry,omitempty"`
	DefaultCurrency string    `json:"defaultCurrency"`         // ISO 4217
	FiscalYearEnd   string    `json:"fiscalYearEnd,omitempty"` // MM-DD
	CreatedAt       time.Time `json:"createdAt"`
}

// TenantSettings holds the per-tenant tuning knobs of the pipeline.
// Defaults apply when a tenant has no explicit row.
type TenantSettings struct {
	TenantID              string  `json:"tenantId"`
	ReviewThreshold       float64 `json:"reviewThreshold"`       // below this, needs_review is set
	PatternThreshold      float64 `json:"patternThreshold"`      // min confidence for a description match to win
	SignatureThreshold    float64 `json:"signatureThreshold"`    // min score for a signature match to win
	SignatureMargin       float64 `json:"signatureMargin"`       // required lead over the runner-up
	SignatureCeiling      int     `json:"signatureCeiling"`      // score denominator (max creditable weight)
	RejectRatioLimit      float64 `json:"rejectRatioLimit"`      // job fails above this fraction of rejected rows
	CorrectionMinCount    int     `json:"correctionMinCount"`    // similar corrections before a suggestion forms
	ConvictionMinCount    int     `json:"convictionMinCount"`    // user corrections that justify a second validation pass
	LLMCallBudgetPerJob   int     `json:"llmCallBudgetPerJob"`   // classifier demotes to default once spent
	LLMConcurrencyCeiling int     `json:"llmConcurrencyCeiling"` // max in-flight LLM calls for the tenant
}

// DefaultTenantSettings returns the baseline knobs applied to tenants
// without an explicit settings row.
func DefaultTenantSettings(tenantID string) TenantSettings {
	return TenantSettings{
		TenantID:              tenantID,
		ReviewThreshold:       0.80,
		PatternThreshold:      0.80,
		SignatureThreshold:    0.60,
		SignatureMargin:       0.05,
		SignatureCeiling:      10,
		RejectRatioLimit:      0.25,
		CorrectionMinCount:    3,
		ConvictionMinCount:    15,
		LLMCallBudgetPerJob:   500,
		LLMConcurrencyCeiling: 4,
	}
}

// LegalEntity is one company within a tenant. Every classification resolves
// to exactly one legal entity.
type LegalEntity struct {
	TenantID     string    `json:"tenantId"`
	Code         string    `json:"code"` // stable short code, unique per tenant
	Name         string    `json:"name"`
	LegalName    string    `json:"legalName,omitempty"`
	EntityType   string    `json:"entityType,omitempty"` // e.g. "gmbh", "llc", "holding"
	BaseCurrency string    `json:"baseCurrency"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"createdAt"`
}

// BusinessLine is an optional sub-entity dimension (cost center, product
// line). At most one default per entity.
type BusinessLine struct {
	TenantID   string `json:"tenantId"`
	EntityCode string `json:"entityCode"`
	Code       string `json:"code"`
	Name       string `json:"name"`
	IsDefault  bool   `json:"isDefault"`
	Active     bool   `json:"active"`
}

// Category is one entry of a tenant's accounting chart, with its allowed
// subcategories. The classifier and the LLM validation both enumerate from
// this set; values outside it are rejected.
type Category struct {
	TenantID      string   `json:"tenantId"`
	Name          string   `json:"name"`
	Subcategories []string `json:"subcategories,omitempty"`
}
