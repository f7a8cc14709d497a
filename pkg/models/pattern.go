package models

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PatternKind selects the match strategy a pattern participates in.
type PatternKind string

const (
	// KindAccountMap maps an account identifier directly to a classification.
	KindAccountMap PatternKind = "account_map"
	// KindDescription matches against the normalized row description.
	KindDescription PatternKind = "description"
	// KindEntitySignature scores weighted token sets against the row text.
	KindEntitySignature PatternKind = "entity_signature"
)

// Description match types.
type MatchType string

const (
	MatchSubstring MatchType = "substring"
	MatchRegex     MatchType = "regex"
	MatchTokenSeq  MatchType = "token_seq" // all tokens present, in order
)

// PatternSource records provenance.
type PatternSource string

const (
	PatternSeed           PatternSource = "seed"
	PatternUserCorrection PatternSource = "user_correction"
	PatternLLMExtraction  PatternSource = "llm_extraction"
)

// SignatureBody holds the weighted token sets of an entity-signature pattern.
// Company names score 2 per hit, all other sets 1.
type SignatureBody struct {
	CompanyNames       []string `json:"companyNames,omitempty"`
	Keywords           []string `json:"keywords,omitempty"`
	BankIdentifiers    []string `json:"bankIdentifiers,omitempty"`
	OriginatorHints    []string `json:"originatorHints,omitempty"`
	PaymentMethodTypes []string `json:"paymentMethodTypes,omitempty"`
}

// Tokens returns every signature token with its weight.
func (s *SignatureBody) Tokens() map[string]int {
	out := make(map[string]int)
	add := func(vals []string, weight int) {
		for _, v := range vals {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "" {
				continue
			}
			if weight > out[v] {
				out[v] = weight
			}
		}
	}
	add(s.CompanyNames, 2)
	add(s.Keywords, 1)
	add(s.BankIdentifiers, 1)
	add(s.OriginatorHints, 1)
	add(s.PaymentMethodTypes, 1)
	return out
}

// Pattern is one learned or seeded classification rule, scoped to a tenant.
type Pattern struct {
	ID               uuid.UUID      `json:"id"`
	TenantID         string         `json:"tenantId"`
	Kind             PatternKind    `json:"kind"`
	MatchType        MatchType      `json:"matchType,omitempty"`  // description kind only
	Expression       string         `json:"expression,omitempty"` // normalized body / account identifier
	Signature        *SignatureBody `json:"signature,omitempty"`  // entity_signature kind only
	EntityCode       string         `json:"entityCode"`
	BusinessLineCode string         `json:"businessLineCode,omitempty"`
	Category         string         `json:"category"`
	Subcategory      string         `json:"subcategory,omitempty"`
	Confidence       float64        `json:"confidence"`
	OccurrenceCount  int64          `json:"occurrenceCount"`
	LastSeenAt       time.Time      `json:"lastSeenAt"`
	Source           PatternSource  `json:"source"`
	Active           bool           `json:"active"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// BodyNorm is the canonical matching body used for idempotent upserts:
// re-learning the same rule updates confidence and occurrence count instead
// of inserting a twin.
func (p *Pattern) BodyNorm() string {
	switch p.Kind {
	case KindEntitySignature:
		if p.Signature == nil {
			return "sig:"
		}
		tokens := p.Signature.Tokens()
		keys := make([]string, 0, len(tokens))
		for t := range tokens {
			keys = append(keys, t)
		}
		sort.Strings(keys)
		return "sig:" + strings.Join(keys, ",")
	case KindDescription:
		return string(p.MatchType) + ":" + strings.ToLower(strings.TrimSpace(p.Expression))
	default:
		return strings.ToLower(strings.TrimSpace(p.Expression))
	}
}

// Correction is an immutable record of a user reclassification.
type Correction struct {
	ID            uuid.UUID         `json:"id"`
	TenantID      string            `json:"tenantId"`
	TransactionID uuid.UUID         `json:"transactionId"`
	OldValues     map[string]string `json:"oldValues"` // field -> previous value
	NewValues     map[string]string `json:"newValues"` // field -> corrected value
	UserID        string            `json:"userId"`
	Reason        string            `json:"reason,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// Suggestion lifecycle states. Rejected is terminal; pending suggestions are
// re-examined when further qualifying corrections arrive. The validated_*
// states record which pass cleared the suggestion before promotion.
type SuggestionStatus string

const (
	SuggestionPending          SuggestionStatus = "pending"
	SuggestionValidatedPassOne SuggestionStatus = "validated_pass_one"
	SuggestionValidatedPassTwo SuggestionStatus = "validated_pass_two"
	SuggestionApproved         SuggestionStatus = "approved"
	SuggestionRejected         SuggestionStatus = "rejected"
)

// PatternSuggestion is a candidate pattern derived from repeated corrections,
// awaiting validation before promotion into the pattern store.
type PatternSuggestion struct {
	ID               uuid.UUID        `json:"id"`
	TenantID         string           `json:"tenantId"`
	Status           SuggestionStatus `json:"status"`
	Kind             PatternKind      `json:"kind"`
	MatchType        MatchType        `json:"matchType,omitempty"`
	Expression       string           `json:"expression,omitempty"`
	Signature        *SignatureBody   `json:"signature,omitempty"`
	EntityCode       string           `json:"entityCode"`
	BusinessLineCode string           `json:"businessLineCode,omitempty"`
	Category         string           `json:"category"`
	Subcategory      string           `json:"subcategory,omitempty"`
	Confidence       float64          `json:"confidence"` // proposed, capped at 0.85 on approval
	SupportCount     int              `json:"supportCount"`
	ConvictionCount  int              `json:"convictionCount"` // user classifications targeting the same value
	FrequencyClass   string           `json:"frequencyClass,omitempty"` // "daily"/"weekly"/"monthly"/"irregular"
	AmountMean       decimal.Decimal  `json:"amountMean"`
	AmountCV         decimal.Decimal  `json:"amountCv"` // coefficient of variation, 0-1
	PassOneVerdict   string           `json:"passOneVerdict,omitempty"` // "approve"/"reject"
	PassOneReason    string           `json:"passOneReason,omitempty"`
	PassTwoVerdict   string           `json:"passTwoVerdict,omitempty"`
	PassTwoReason    string           `json:"passTwoReason,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
	DecidedAt        *time.Time       `json:"decidedAt,omitempty"`
}

// ToPattern converts an approved suggestion into the pattern it promotes.
func (s *PatternSuggestion) ToPattern() Pattern {
	return Pattern{
		TenantID:         s.TenantID,
		Kind:             s.Kind,
		MatchType:        s.MatchType,
		Expression:       s.Expression,
		Signature:        s.Signature,
		EntityCode:       s.EntityCode,
		BusinessLineCode: s.BusinessLineCode,
		Category:         s.Category,
		Subcategory:      s.Subcategory,
		Confidence:       s.Confidence,
		Source:           PatternUserCorrection,
		Active:           true,
	}
}
