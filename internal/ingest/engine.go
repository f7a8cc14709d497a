package ingest

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opsledger/intake-engine/pkg/models"
)

// Store is the slice of the database the engine needs for deduplication.
type Store interface {
	ExistingHashes(ctx context.Context, tenantID string, hashes []string) (map[string]struct{}, error)
}

// Engine builds canonical rows from parsed records and filters duplicates
// against the transaction store.
type Engine struct {
	store Store
	log   zerolog.Logger
}

func NewEngine(store Store, log zerolog.Logger) *Engine {
	return &Engine{store: store, log: log}
}

// BuildContext carries the per-job lookups row building needs. Accounts are
// preloaded once per job and keyed by lowercased identifier.
type BuildContext struct {
	TenantID        string
	FileID          uuid.UUID
	Plan            *models.ParsePlan
	Accounts        map[string]*models.Account
	DefaultCurrency string // tenant default, the last step of the currency chain
}

// EnrichedRow couples a canonical row with the accounts it resolved to.
// Account is the row's own account; Origin/Destination resolve counterparty
// identifiers when those columns are mapped.
type EnrichedRow struct {
	Row         models.CanonicalRow
	Account     *models.Account
	Origin      *models.Account
	Destination *models.Account
}

// BuildRows cleans and validates every parsed row. Rows that fail yield a
// rejection carrying the row index and offending field; one bad cell never
// aborts the batch.
func (e *Engine) BuildRows(bc BuildContext, rows []Row) ([]EnrichedRow, []models.RowRejectedError) {
	plan := bc.Plan
	var out []EnrichedRow
	var rejects []models.RowRejectedError

	reject := func(idx int, field, reason string) {
		rejects = append(rejects, models.RowRejectedError{
			RowIndex: idx,
			Field:    field,
			Reason:   reason,
		})
	}

	for _, row := range rows {
		posted, err := ParseDate(row.Values[models.FieldPostedDate], plan.DateFormats)
		if err != nil {
			reject(row.Index, models.FieldPostedDate, err.Error())
			continue
		}

		description := CleanText(row.Values[models.FieldDescription])
		if description == "" {
			reject(row.Index, models.FieldDescription, "empty description")
			continue
		}

		amount, err := CleanAmount(
			row.Values[models.FieldAmount],
			plan.CleaningRules[models.FieldAmount],
			plan.AmountScale,
		)
		if err != nil {
			reject(row.Index, models.FieldAmount, err.Error())
			continue
		}

		identifier := CleanText(row.Values[models.FieldAccountIdentifier])
		if identifier == "" {
			identifier = strings.TrimSpace(plan.ImplicitAccount)
		}
		if identifier == "" {
			reject(row.Index, models.FieldAccountIdentifier, "no account identifier in row or plan")
			continue
		}
		account := bc.Accounts[strings.ToLower(identifier)]

		currency := resolveCurrency(row.Values[models.FieldCurrency], account, plan, bc.DefaultCurrency)
		if currency == "" {
			reject(row.Index, models.FieldCurrency, "no currency in row, account or tenant defaults")
			continue
		}

		canonical := models.CanonicalRow{
			RawFileID:         bc.FileID,
			RowIndex:          row.Index,
			PostedDate:        posted,
			Description:       description,
			Amount:            amount,
			Currency:          currency,
			AccountIdentifier: identifier,
			Origin:            CleanText(row.Values[models.FieldOrigin]),
			Destination:       CleanText(row.Values[models.FieldDestination]),
			Reference:         CleanText(row.Values[models.FieldReference]),
			TransactionType:   CleanText(row.Values[models.FieldTransactionType]),
			Network:           CleanText(row.Values[models.FieldNetwork]),
		}
		canonical.ContentHash = canonical.ComputeContentHash(bc.TenantID)

		out = append(out, EnrichedRow{
			Row:         canonical,
			Account:     account,
			Origin:      lookupAccount(bc.Accounts, canonical.Origin),
			Destination: lookupAccount(bc.Accounts, canonical.Destination),
		})
	}
	return out, rejects
}

// FilterNew drops rows already present in the store or already seen in this
// job. seen accumulates across chunks so an in-file duplicate in a later
// chunk is caught without a second store read.
func (e *Engine) FilterNew(ctx context.Context, tenantID string, rows []EnrichedRow, seen map[string]struct{}) ([]EnrichedRow, int, error) {
	if len(rows) == 0 {
		return nil, 0, nil
	}

	var lookup []string
	for _, r := range rows {
		if _, dup := seen[r.Row.ContentHash]; dup {
			continue
		}
		lookup = append(lookup, r.Row.ContentHash)
	}

	existing := map[string]struct{}{}
	if len(lookup) > 0 {
		var err error
		existing, err = e.store.ExistingHashes(ctx, tenantID, lookup)
		if err != nil {
			return nil, 0, err
		}
	}

	fresh := make([]EnrichedRow, 0, len(rows))
	duplicates := 0
	for _, r := range rows {
		hash := r.Row.ContentHash
		if _, dup := seen[hash]; dup {
			duplicates++
			continue
		}
		seen[hash] = struct{}{}
		if _, dup := existing[hash]; dup {
			duplicates++
			continue
		}
		fresh = append(fresh, r)
	}
	return fresh, duplicates, nil
}

// resolveCurrency walks the fallback chain: row cell, account currency, plan
// default, tenant default.
func resolveCurrency(cell string, account *models.Account, plan *models.ParsePlan, tenantDefault string) string {
	if c := strings.ToUpper(strings.TrimSpace(cell)); c != "" {
		return c
	}
	if account != nil && account.Currency != "" {
		return strings.ToUpper(account.Currency)
	}
	if plan.DefaultCurrency != "" {
		return strings.ToUpper(plan.DefaultCurrency)
	}
	return strings.ToUpper(strings.TrimSpace(tenantDefault))
}

func lookupAccount(accounts map[string]*models.Account, identifier string) *models.Account {
	if identifier == "" {
		return nil
	}
	return accounts[strings.ToLower(identifier)]
}
