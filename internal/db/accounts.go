package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/opsledger/intake-engine/pkg/models"
)

const accountColumns = `
	id, tenant_id, kind, identifier, display_name, entity_code,
	business_line_code, default_category, default_subcategory, role_tag,
	currency, active, created_at`

func scanAccount(row pgx.Row) (models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.TenantID, &a.Kind, &a.Identifier, &a.DisplayName,
		&a.EntityCode, &a.BusinessLineCode, &a.DefaultCategory, &a.DefaultSubcat,
		&a.RoleTag, &a.Currency, &a.Active, &a.CreatedAt)
	return a, err
}

// UpsertAccount registers a bank account or wallet. Identifiers are unique
// per tenant, case-insensitively; re-registering updates the mapping.
func (s *Store) UpsertAccount(ctx context.Context, a models.Account) (models.Account, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	sql := `
		INSERT INTO accounts
			(id, tenant_id, kind, identifier, display_name, entity_code,
			 business_line_code, default_category, default_subcategory, role_tag,
			 currency, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (tenant_id, LOWER(identifier)) DO UPDATE SET
			kind = EXCLUDED.kind,
			display_name = EXCLUDED.display_name,
			entity_code = EXCLUDED.entity_code,
			business_line_code = EXCLUDED.business_line_code,
			default_category = EXCLUDED.default_category,
			default_subcategory = EXCLUDED.default_subcategory,
			role_tag = EXCLUDED.role_tag,
			currency = EXCLUDED.currency,
			active = EXCLUDED.active
		RETURNING ` + accountColumns + `;`

	row := s.pool.QueryRow(ctx, sql,
		a.ID, a.TenantID, a.Kind, a.Identifier, a.DisplayName, a.EntityCode,
		a.BusinessLineCode, a.DefaultCategory, a.DefaultSubcat, a.RoleTag,
		a.Currency, a.Active)
	saved, err := scanAccount(row)
	if err != nil {
		return saved, fmt.Errorf("upsert account: %w", err)
	}
	return saved, nil
}

// ListAccounts returns every account of the tenant. Ingest jobs load this
// once per job and match identifiers in memory.
func (s *Store) ListAccounts(ctx context.Context, tenantID string) ([]models.Account, error) {
	sql := `SELECT ` + accountColumns + ` FROM accounts WHERE tenant_id = $1 ORDER BY created_at;`
	rows, err := s.pool.Query(ctx, sql, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	accounts := make([]models.Account, 0)
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// GetAccountByIdentifier resolves one identifier, case-insensitively.
func (s *Store) GetAccountByIdentifier(ctx context.Context, tenantID, identifier string) (models.Account, error) {
	sql := `SELECT ` + accountColumns + `
		FROM accounts WHERE tenant_id = $1 AND LOWER(identifier) = LOWER($2);`
	a, err := scanAccount(s.pool.QueryRow(ctx, sql, tenantID, identifier))
	if err == pgx.ErrNoRows {
		return a, models.ErrNotFound
	}
	if err != nil {
		return a, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}
