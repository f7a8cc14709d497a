package models

import (
	"time"

	"github.com/google/uuid"
)

// AccountKind distinguishes fiat bank accounts from crypto wallets. Both are
// matched by identifier only; the pipeline never talks to banks or chains.
type AccountKind string

const (
	AccountBank   AccountKind = "bank"
	AccountWallet AccountKind = "wallet"
)

// Account role tags. A wallet tagged as mining/receiving makes inbound
// network rows classify as revenue for the mapped entity.
const (
	RoleMining    = "mining"
	RoleReceiving = "receiving"
)

// Account is a registered bank account or wallet. The identifier match is
// case-insensitive; mappings registered here are authoritative and beat
// every learned pattern.
type Account struct {
	ID               uuid.UUID   `json:"id"`
	TenantID         string      `json:"tenantId"`
	Kind             AccountKind `json:"kind"`
	Identifier       string      `json:"identifier"` // IBAN, account number or wallet address
	DisplayName      string      `json:"displayName"`
	EntityCode       string      `json:"entityCode,omitempty"` // owning legal entity
	BusinessLineCode string      `json:"businessLineCode,omitempty"`
	DefaultCategory  string      `json:"defaultCategory,omitempty"`
	DefaultSubcat    string      `json:"defaultSubcategory,omitempty"`
	RoleTag          string      `json:"roleTag,omitempty"` // "", "mining", "receiving"
	Currency         string      `json:"currency,omitempty"`
	Active           bool        `json:"active"`
	CreatedAt        time.Time   `json:"createdAt"`
}

// Mapped reports whether the account carries an explicit classification
// mapping (entity plus default category).
func (a *Account) Mapped() bool {
	return a.EntityCode != "" && a.DefaultCategory != ""
}
