package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/opsledger/intake-engine/pkg/models"
)

// CreateRawFile records an uploaded file. If the tenant already has a file
// with the same content hash the existing record is returned and created is
// false: identical bytes never produce two file records.
func (s *Store) CreateRawFile(ctx context.Context, f models.RawFile) (models.RawFile, bool, error) {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.Status == "" {
		f.Status = models.FileReceived
	}
	insert := `
		INSERT INTO raw_files (id, tenant_id, filename, blob_ref, content_hash, size_bytes, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, content_hash) DO NOTHING
		RETURNING id, tenant_id, filename, blob_ref, content_hash, size_bytes, status, plan_id, uploaded_at;
	`
	row := s.pool.QueryRow(ctx, insert,
		f.ID, f.TenantID, f.Filename, f.BlobRef, f.ContentHash, f.SizeBytes, f.Status)

	var saved models.RawFile
	err := row.Scan(&saved.ID, &saved.TenantID, &saved.Filename, &saved.BlobRef,
		&saved.ContentHash, &saved.SizeBytes, &saved.Status, &saved.PlanID, &saved.UploadedAt)
	if err == nil {
		return saved, true, nil
	}
	if err != pgx.ErrNoRows {
		return saved, false, fmt.Errorf("create raw file: %w", err)
	}

	// Conflict path: hand back the existing record.
	existing, err := s.getRawFileByHash(ctx, f.TenantID, f.ContentHash)
	if err != nil {
		return existing, false, err
	}
	return existing, false, nil
}

func (s *Store) getRawFileByHash(ctx context.Context, tenantID, contentHash string) (models.RawFile, error) {
	sql := `
		SELECT id, tenant_id, filename, blob_ref, content_hash, size_bytes, status, plan_id, uploaded_at
		FROM raw_files WHERE tenant_id = $1 AND content_hash = $2;
	`
	var f models.RawFile
	err := s.pool.QueryRow(ctx, sql, tenantID, contentHash).Scan(
		&f.ID, &f.TenantID, &f.Filename, &f.BlobRef, &f.ContentHash,
		&f.SizeBytes, &f.Status, &f.PlanID, &f.UploadedAt)
	if err == pgx.ErrNoRows {
		return f, models.ErrNotFound
	}
	if err != nil {
		return f, fmt.Errorf("get raw file by hash: %w", err)
	}
	return f, nil
}

// GetRawFile loads one file record, tenant-checked.
func (s *Store) GetRawFile(ctx context.Context, tenantID string, id uuid.UUID) (models.RawFile, error) {
	sql := `
		SELECT id, tenant_id, filename, blob_ref, content_hash, size_bytes, status, plan_id, uploaded_at
		FROM raw_files WHERE tenant_id = $1 AND id = $2;
	`
	var f models.RawFile
	err := s.pool.QueryRow(ctx, sql, tenantID, id).Scan(
		&f.ID, &f.TenantID, &f.Filename, &f.BlobRef, &f.ContentHash,
		&f.SizeBytes, &f.Status, &f.PlanID, &f.UploadedAt)
	if err == pgx.ErrNoRows {
		return f, fmt.Errorf("raw file %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return f, fmt.Errorf("get raw file: %w", err)
	}
	return f, nil
}

// SetRawFileStatus transitions the file's lifecycle state.
func (s *Store) SetRawFileStatus(ctx context.Context, tenantID string, id uuid.UUID, status models.RawFileStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE raw_files SET status = $3 WHERE tenant_id = $1 AND id = $2;`,
		tenantID, id, status)
	if err != nil {
		return fmt.Errorf("set raw file status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("raw file %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// SetRawFilePlan links the file to its inferred parse plan.
func (s *Store) SetRawFilePlan(ctx context.Context, tenantID string, id, planID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE raw_files SET plan_id = $3, status = $4 WHERE tenant_id = $1 AND id = $2;`,
		tenantID, id, planID, models.FileAnalyzed)
	if err != nil {
		return fmt.Errorf("set raw file plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("raw file %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// UpsertParsePlan stores a plan keyed by (tenant, header hash). Concurrent
// analyses of the same format converge on one row.
func (s *Store) UpsertParsePlan(ctx context.Context, p models.ParsePlan) (models.ParsePlan, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	mapping, err := json.Marshal(p.ColumnMapping)
	if err != nil {
		return p, fmt.Errorf("marshal column mapping: %w", err)
	}
	rules, err := json.Marshal(p.CleaningRules)
	if err != nil {
		return p, fmt.Errorf("marshal cleaning rules: %w", err)
	}
	skip := make([]int32, len(p.SkipRows))
	for i, v := range p.SkipRows {
		skip[i] = int32(v)
	}

	sql := `
		INSERT INTO parse_plans
			(id, tenant_id, header_hash, delimiter, skip_rows, header_row_index,
			 column_mapping, cleaning_rules, date_formats, has_multiple_accounts,
			 implicit_account, default_currency, amount_scale)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (tenant_id, header_hash) DO UPDATE SET
			delimiter = EXCLUDED.delimiter,
			skip_rows = EXCLUDED.skip_rows,
			header_row_index = EXCLUDED.header_row_index,
			column_mapping = EXCLUDED.column_mapping,
			cleaning_rules = EXCLUDED.cleaning_rules,
			date_formats = EXCLUDED.date_formats,
			has_multiple_accounts = EXCLUDED.has_multiple_accounts,
			implicit_account = EXCLUDED.implicit_account,
			default_currency = EXCLUDED.default_currency,
			amount_scale = EXCLUDED.amount_scale
		RETURNING id, created_at;
	`
	err = s.pool.QueryRow(ctx, sql,
		p.ID, p.TenantID, p.HeaderHash, p.Delimiter, skip, p.HeaderRowIndex,
		mapping, rules, p.DateFormats, p.HasMultipleAccounts,
		p.ImplicitAccount, p.DefaultCurrency, p.AmountScale).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return p, fmt.Errorf("upsert parse plan: %w", err)
	}
	return p, nil
}

const parsePlanColumns = `
	id, tenant_id, header_hash, delimiter, skip_rows, header_row_index,
	column_mapping, cleaning_rules, date_formats, has_multiple_accounts,
	implicit_account, default_currency, amount_scale, created_at`

func scanParsePlan(row pgx.Row) (models.ParsePlan, error) {
	var (
		p       models.ParsePlan
		skip    []int32
		mapping []byte
		rules   []byte
	)
	err := row.Scan(&p.ID, &p.TenantID, &p.HeaderHash, &p.Delimiter, &skip,
		&p.HeaderRowIndex, &mapping, &rules, &p.DateFormats,
		&p.HasMultipleAccounts, &p.ImplicitAccount, &p.DefaultCurrency,
		&p.AmountScale, &p.CreatedAt)
	if err != nil {
		return p, err
	}
	p.SkipRows = make([]int, len(skip))
	for i, v := range skip {
		p.SkipRows[i] = int(v)
	}
	if err := json.Unmarshal(mapping, &p.ColumnMapping); err != nil {
		return p, fmt.Errorf("unmarshal column mapping: %w", err)
	}
	if len(rules) > 0 {
		if err := json.Unmarshal(rules, &p.CleaningRules); err != nil {
			return p, fmt.Errorf("unmarshal cleaning rules: %w", err)
		}
	}
	return p, nil
}

// GetParsePlan loads one plan by id, tenant-checked.
func (s *Store) GetParsePlan(ctx context.Context, tenantID string, id uuid.UUID) (models.ParsePlan, error) {
	sql := `SELECT ` + parsePlanColumns + ` FROM parse_plans WHERE tenant_id = $1 AND id = $2;`
	p, err := scanParsePlan(s.pool.QueryRow(ctx, sql, tenantID, id))
	if err == pgx.ErrNoRows {
		return p, fmt.Errorf("parse plan %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return p, fmt.Errorf("get parse plan: %w", err)
	}
	return p, nil
}

// GetParsePlanByHeader looks a plan up by header-region hash. Used by the
// plan cache on a miss before any LLM call is considered.
func (s *Store) GetParsePlanByHeader(ctx context.Context, tenantID, headerHash string) (models.ParsePlan, error) {
	sql := `SELECT ` + parsePlanColumns + ` FROM parse_plans WHERE tenant_id = $1 AND header_hash = $2;`
	p, err := scanParsePlan(s.pool.QueryRow(ctx, sql, tenantID, headerHash))
	if err == pgx.ErrNoRows {
		return p, models.ErrNotFound
	}
	if err != nil {
		return p, fmt.Errorf("get parse plan by header: %w", err)
	}
	return p, nil
}
