package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/opsledger/intake-engine/pkg/models"
)

// UpsertTenant registers or updates a tenant.
func (s *Store) UpsertTenant(ctx context.Context, t models.Tenant) error {
	sql := `
		INSERT INTO tenants (id, name, industry, default_currency, fiscal_year_end)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			industry = EXCLUDED.industry,
			default_currency = EXCLUDED.default_currency,
			fiscal_year_end = EXCLUDED.fiscal_year_end;
	`
	_, err := s.pool.Exec(ctx, sql, t.ID, t.Name, t.Industry, t.DefaultCurrency, t.FiscalYearEnd)
	if err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

// GetTenant loads one tenant by id.
func (s *Store) GetTenant(ctx context.Context, tenantID string) (models.Tenant, error) {
	sql := `
		SELECT id, name, industry, default_currency, fiscal_year_end, created_at
		FROM tenants WHERE id = $1;
	`
	var t models.Tenant
	err := s.pool.QueryRow(ctx, sql, tenantID).Scan(
		&t.ID, &t.Name, &t.Industry, &t.DefaultCurrency, &t.FiscalYearEnd, &t.CreatedAt)
	if err == pgx.ErrNoRows {
		return t, fmt.Errorf("tenant %s: %w", tenantID, models.ErrNotFound)
	}
	if err != nil {
		return t, fmt.Errorf("get tenant: %w", err)
	}
	return t, nil
}

// GetTenantSettings returns the tenant's tuning knobs, falling back to the
// documented defaults when the tenant has no explicit row. This is the only
// defaulting in the tenant path; the tenant id itself is never defaulted.
func (s *Store) GetTenantSettings(ctx context.Context, tenantID string) (models.TenantSettings, error) {
	sql := `
		SELECT tenant_id, review_threshold, pattern_threshold, signature_threshold,
		       signature_margin, signature_ceiling, reject_ratio_limit,
		       correction_min_count, conviction_min_count, llm_call_budget_per_job,
		       llm_concurrency_ceiling
		FROM tenant_settings WHERE tenant_id = $1;
	`
	var ts models.TenantSettings
	err := s.pool.QueryRow(ctx, sql, tenantID).Scan(
		&ts.TenantID, &ts.ReviewThreshold, &ts.PatternThreshold, &ts.SignatureThreshold,
		&ts.SignatureMargin, &ts.SignatureCeiling, &ts.RejectRatioLimit,
		&ts.CorrectionMinCount, &ts.ConvictionMinCount, &ts.LLMCallBudgetPerJob,
		&ts.LLMConcurrencyCeiling)
	if err == pgx.ErrNoRows {
		return models.DefaultTenantSettings(tenantID), nil
	}
	if err != nil {
		return ts, fmt.Errorf("get tenant settings: %w", err)
	}
	return ts, nil
}

// UpsertTenantSettings writes explicit tuning knobs for a tenant.
func (s *Store) UpsertTenantSettings(ctx context.Context, ts models.TenantSettings) error {
	sql := `
		INSERT INTO tenant_settings
			(tenant_id, review_threshold, pattern_threshold, signature_threshold,
			 signature_margin, signature_ceiling, reject_ratio_limit,
			 correction_min_count, conviction_min_count, llm_call_budget_per_job,
			 llm_concurrency_ceiling)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tenant_id) DO UPDATE SET
			review_threshold = EXCLUDED.review_threshold,
			pattern_threshold = EXCLUDED.pattern_threshold,
			signature_threshold = EXCLUDED.signature_threshold,
			signature_margin = EXCLUDED.signature_margin,
			signature_ceiling = EXCLUDED.signature_ceiling,
			reject_ratio_limit = EXCLUDED.reject_ratio_limit,
			correction_min_count = EXCLUDED.correction_min_count,
			conviction_min_count = EXCLUDED.conviction_min_count,
			llm_call_budget_per_job = EXCLUDED.llm_call_budget_per_job,
			llm_concurrency_ceiling = EXCLUDED.llm_concurrency_ceiling;
	`
	_, err := s.pool.Exec(ctx, sql,
		ts.TenantID, ts.ReviewThreshold, ts.PatternThreshold, ts.SignatureThreshold,
		ts.SignatureMargin, ts.SignatureCeiling, ts.RejectRatioLimit,
		ts.CorrectionMinCount, ts.ConvictionMinCount, ts.LLMCallBudgetPerJob,
		ts.LLMConcurrencyCeiling)
	if err != nil {
		return fmt.Errorf("upsert tenant settings: %w", err)
	}
	return nil
}

// UpsertLegalEntity registers or updates a legal entity.
func (s *Store) UpsertLegalEntity(ctx context.Context, e models.LegalEntity) error {
	sql := `
		INSERT INTO legal_entities (tenant_id, code, name, legal_name, entity_type, base_currency, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, code) DO UPDATE SET
			name = EXCLUDED.name,
			legal_name = EXCLUDED.legal_name,
			entity_type = EXCLUDED.entity_type,
			base_currency = EXCLUDED.base_currency,
			active = EXCLUDED.active;
	`
	_, err := s.pool.Exec(ctx, sql,
		e.TenantID, e.Code, e.Name, e.LegalName, e.EntityType, e.BaseCurrency, e.Active)
	if err != nil {
		return fmt.Errorf("upsert legal entity: %w", err)
	}
	return nil
}

// ListLegalEntities returns the tenant's entities, active first.
func (s *Store) ListLegalEntities(ctx context.Context, tenantID string) ([]models.LegalEntity, error) {
	sql := `
		SELECT tenant_id, code, name, legal_name, entity_type, base_currency, active, created_at
		FROM legal_entities WHERE tenant_id = $1
		ORDER BY active DESC, code;
	`
	rows, err := s.pool.Query(ctx, sql, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list legal entities: %w", err)
	}
	defer rows.Close()

	entities := make([]models.LegalEntity, 0)
	for rows.Next() {
		var e models.LegalEntity
		if err := rows.Scan(&e.TenantID, &e.Code, &e.Name, &e.LegalName,
			&e.EntityType, &e.BaseCurrency, &e.Active, &e.CreatedAt); err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// UpsertBusinessLine registers or updates a business line.
func (s *Store) UpsertBusinessLine(ctx context.Context, b models.BusinessLine) error {
	sql := `
		INSERT INTO business_lines (tenant_id, entity_code, code, name, is_default, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, code) DO UPDATE SET
			entity_code = EXCLUDED.entity_code,
			name = EXCLUDED.name,
			is_default = EXCLUDED.is_default,
			active = EXCLUDED.active;
	`
	_, err := s.pool.Exec(ctx, sql, b.TenantID, b.EntityCode, b.Code, b.Name, b.IsDefault, b.Active)
	if err != nil {
		return fmt.Errorf("upsert business line: %w", err)
	}
	return nil
}

// ListBusinessLines returns the tenant's business lines.
func (s *Store) ListBusinessLines(ctx context.Context, tenantID string) ([]models.BusinessLine, error) {
	sql := `
		SELECT tenant_id, entity_code, code, name, is_default, active
		FROM business_lines WHERE tenant_id = $1
		ORDER BY entity_code, code;
	`
	rows, err := s.pool.Query(ctx, sql, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list business lines: %w", err)
	}
	defer rows.Close()

	lines := make([]models.BusinessLine, 0)
	for rows.Next() {
		var b models.BusinessLine
		if err := rows.Scan(&b.TenantID, &b.EntityCode, &b.Code, &b.Name, &b.IsDefault, &b.Active); err != nil {
			return nil, err
		}
		lines = append(lines, b)
	}
	return lines, rows.Err()
}

// UpsertCategory writes one entry of the tenant's accounting chart.
func (s *Store) UpsertCategory(ctx context.Context, c models.Category) error {
	sql := `
		INSERT INTO accounting_categories (tenant_id, name, subcategories)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, name) DO UPDATE SET
			subcategories = EXCLUDED.subcategories;
	`
	_, err := s.pool.Exec(ctx, sql, c.TenantID, c.Name, c.Subcategories)
	if err != nil {
		return fmt.Errorf("upsert category: %w", err)
	}
	return nil
}

// ListCategories returns the tenant's accounting chart.
func (s *Store) ListCategories(ctx context.Context, tenantID string) ([]models.Category, error) {
	sql := `
		SELECT tenant_id, name, subcategories
		FROM accounting_categories WHERE tenant_id = $1
		ORDER BY name;
	`
	rows, err := s.pool.Query(ctx, sql, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	cats := make([]models.Category, 0)
	for rows.Next() {
		var c models.Category
		if err := rows.Scan(&c.TenantID, &c.Name, &c.Subcategories); err != nil {
			return nil, err
		}
		cats = append(cats, c)
	}
	return cats, rows.Err()
}
