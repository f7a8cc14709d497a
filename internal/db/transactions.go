package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/opsledger/intake-engine/pkg/models"
)

const transactionColumns = `
	id, tenant_id, raw_file_id, row_index, posted_date, description, amount,
	currency, account_identifier, origin, destination, origin_display,
	destination_display, reference, transaction_type, network, content_hash,
	entity_code, business_line_code, category, subcategory, justification,
	confidence, source, needs_review, archived, created_at, updated_at`

func scanTransaction(row pgx.Row) (models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(&t.ID, &t.TenantID, &t.RawFileID, &t.RowIndex, &t.PostedDate,
		&t.Description, &t.Amount, &t.Currency, &t.AccountIdentifier, &t.Origin,
		&t.Destination, &t.OriginDisplay, &t.DestinationDisplay, &t.Reference,
		&t.TransactionType, &t.Network, &t.ContentHash, &t.EntityCode,
		&t.BusinessLineCode, &t.Category, &t.Subcategory, &t.Justification,
		&t.Confidence, &t.Source, &t.NeedsReview, &t.Archived, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

// ExistingHashes returns which of the given content hashes already exist for
// the tenant. One round trip per chunk; the ingestion engine never probes
// row by row.
func (s *Store) ExistingHashes(ctx context.Context, tenantID string, hashes []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{}, len(hashes))
	if len(hashes) == 0 {
		return existing, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT content_hash FROM transactions WHERE tenant_id = $1 AND content_hash = ANY($2);`,
		tenantID, hashes)
	if err != nil {
		return nil, txnErr("existing hashes", err)
	}
	defer rows.Close()

	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, txnErr("existing hashes", err)
		}
		existing[h] = struct{}{}
	}
	return existing, txnErr("existing hashes", rows.Err())
}

// InsertTransactions commits one classified chunk in a single database
// transaction. Rows whose content hash raced in since the dedupe lookup are
// silently skipped; the returned count is the number actually inserted.
func (s *Store) InsertTransactions(ctx context.Context, tenantID string, txs []models.Transaction) (int, error) {
	if len(txs) == 0 {
		return 0, nil
	}

	dbtx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, txnErr("insert transactions", err)
	}
	defer func() { _ = dbtx.Rollback(ctx) }()

	sql := `
		INSERT INTO transactions
			(id, tenant_id, raw_file_id, row_index, posted_date, description,
			 amount, currency, account_identifier, origin, destination,
			 origin_display, destination_display, reference, transaction_type,
			 network, content_hash, entity_code, business_line_code, category,
			 subcategory, justification, confidence, source, needs_review)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
		ON CONFLICT (tenant_id, content_hash) DO NOTHING;
	`
	batch := &pgx.Batch{}
	for _, t := range txs {
		id := t.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		batch.Queue(sql, id, tenantID, t.RawFileID, t.RowIndex, t.PostedDate,
			t.Description, t.Amount, t.Currency, t.AccountIdentifier, t.Origin,
			t.Destination, t.OriginDisplay, t.DestinationDisplay, t.Reference,
			t.TransactionType, t.Network, t.ContentHash, t.EntityCode,
			t.BusinessLineCode, t.Category, t.Subcategory, t.Justification,
			t.Confidence, t.Source, t.NeedsReview)
	}

	results := dbtx.SendBatch(ctx, batch)
	inserted := 0
	for range txs {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return 0, txnErr("insert transactions", err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := results.Close(); err != nil {
		return 0, txnErr("insert transactions", err)
	}
	if err := dbtx.Commit(ctx); err != nil {
		return 0, txnErr("insert transactions", err)
	}
	return inserted, nil
}

// GetTransaction loads one transaction, tenant-checked.
func (s *Store) GetTransaction(ctx context.Context, tenantID string, id uuid.UUID) (models.Transaction, error) {
	sql := `SELECT ` + transactionColumns + ` FROM transactions WHERE tenant_id = $1 AND id = $2;`
	t, err := scanTransaction(s.pool.QueryRow(ctx, sql, tenantID, id))
	if err == pgx.ErrNoRows {
		return t, fmt.Errorf("transaction %s: %w", id, models.ErrNotFound)
	}
	return t, txnErr("get transaction", err)
}

// ListTransactions returns a filtered, paginated slice plus the total count.
func (s *Store) ListTransactions(ctx context.Context, tenantID string, f models.TransactionFilter, page, limit int) ([]models.Transaction, int, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	where := []string{"tenant_id = $1"}
	args := []any{tenantID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.EntityCode != "" {
		where = append(where, "entity_code = "+arg(f.EntityCode))
	}
	if f.Category != "" {
		where = append(where, "category = "+arg(f.Category))
	}
	if f.AccountID != "" {
		where = append(where, "LOWER(account_identifier) = LOWER("+arg(f.AccountID)+")")
	}
	if f.Source != "" {
		where = append(where, "source = "+arg(f.Source))
	}
	if f.NeedsReview != nil {
		where = append(where, "needs_review = "+arg(*f.NeedsReview))
	}
	if f.Archived != nil {
		where = append(where, "archived = "+arg(*f.Archived))
	}
	if f.DateFrom != nil {
		where = append(where, "posted_date >= "+arg(*f.DateFrom))
	}
	if f.DateTo != nil {
		where = append(where, "posted_date <= "+arg(*f.DateTo))
	}
	if f.Search != "" {
		where = append(where, "description ILIKE "+arg("%"+f.Search+"%"))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM transactions WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, txnErr("count transactions", err)
	}

	dataSQL := `SELECT ` + transactionColumns + ` FROM transactions WHERE ` + cond +
		` ORDER BY posted_date DESC, row_index DESC LIMIT ` + arg(limit) + ` OFFSET ` + arg(offset)
	rows, err := s.pool.Query(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, txnErr("list transactions", err)
	}
	defer rows.Close()

	txs := make([]models.Transaction, 0, limit)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, txnErr("list transactions", err)
		}
		txs = append(txs, t)
	}
	return txs, total, txnErr("list transactions", rows.Err())
}

// UpdateClassification rewrites a transaction's classification. A row whose
// current source is "user" only accepts further user-sourced updates; the
// pipeline can never overwrite a human decision.
func (s *Store) UpdateClassification(ctx context.Context, tenantID string, id uuid.UUID, c models.Classification, needsReview bool) error {
	sql := `
		UPDATE transactions SET
			entity_code = $3, business_line_code = $4, category = $5,
			subcategory = $6, justification = $7, confidence = $8, source = $9,
			needs_review = $10, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
		  AND (source <> 'user' OR $9 = 'user');
	`
	tag, err := s.pool.Exec(ctx, sql, tenantID, id,
		c.EntityCode, c.BusinessLineCode, c.Category, c.Subcategory,
		c.Justification, c.Confidence, string(c.Source), needsReview)
	if err != nil {
		return txnErr("update classification", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Nothing updated: protected row or missing row. Tell them apart.
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM transactions WHERE tenant_id = $1 AND id = $2);`,
		tenantID, id).Scan(&exists); err != nil {
		return txnErr("update classification", err)
	}
	if exists {
		return fmt.Errorf("transaction %s: %w", id, models.ErrUserEditProtected)
	}
	return fmt.Errorf("transaction %s: %w", id, models.ErrNotFound)
}

// BulkUpdateClassification applies one classification to many rows, chunked,
// honoring user protection per row. Returns updated and skipped counts.
func (s *Store) BulkUpdateClassification(ctx context.Context, tenantID string, ids []uuid.UUID, c models.Classification, needsReview bool) (int, int, error) {
	const chunkSize = 500

	updated := 0
	for start := 0; start < len(ids); start += chunkSize {
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		sql := `
			UPDATE transactions SET
				entity_code = $3, business_line_code = $4, category = $5,
				subcategory = $6, justification = $7, confidence = $8, source = $9,
				needs_review = $10, updated_at = NOW()
			WHERE tenant_id = $1 AND id = ANY($2)
			  AND (source <> 'user' OR $9 = 'user');
		`
		tag, err := s.pool.Exec(ctx, sql, tenantID, ids[start:end],
			c.EntityCode, c.BusinessLineCode, c.Category, c.Subcategory,
			c.Justification, c.Confidence, string(c.Source), needsReview)
		if err != nil {
			return updated, 0, txnErr("bulk update classification", err)
		}
		updated += int(tag.RowsAffected())
	}
	return updated, len(ids) - updated, nil
}

// FindSimilar returns recent transactions whose descriptions resemble the
// given one, using trigram similarity so cost stays bounded by the GIN index.
func (s *Store) FindSimilar(ctx context.Context, tenantID, description string, minSimilarity float64, limit int) ([]models.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	sql := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE tenant_id = $1
		  AND description % $2
		  AND similarity(description, $2) >= $3
		ORDER BY similarity(description, $2) DESC, posted_date DESC
		LIMIT $4;`
	rows, err := s.pool.Query(ctx, sql, tenantID, description, minSimilarity, limit)
	if err != nil {
		return nil, txnErr("find similar", err)
	}
	defer rows.Close()

	txs := make([]models.Transaction, 0, limit)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, txnErr("find similar", err)
		}
		txs = append(txs, t)
	}
	return txs, txnErr("find similar", rows.Err())
}

// MaxRowIndex returns the highest committed source row index for a file,
// letting a resumed job skip everything at or below it.
func (s *Store) MaxRowIndex(ctx context.Context, tenantID string, rawFileID uuid.UUID) (int, bool, error) {
	var max *int
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(row_index) FROM transactions WHERE tenant_id = $1 AND raw_file_id = $2;`,
		tenantID, rawFileID).Scan(&max)
	if err != nil {
		return 0, false, txnErr("max row index", err)
	}
	if max == nil {
		return 0, false, nil
	}
	return *max, true, nil
}

// ConvictionCount counts user-sourced rows already carrying the given
// classification target. High conviction justifies a second validation pass
// for a suggestion the first pass rejected.
func (s *Store) ConvictionCount(ctx context.Context, tenantID, entityCode, category, subcategory string) (int, error) {
	sql := `
		SELECT COUNT(*) FROM transactions
		WHERE tenant_id = $1 AND source = 'user'
		  AND entity_code = $2 AND category = $3
		  AND ($4 = '' OR subcategory = $4);
	`
	var n int
	if err := s.pool.QueryRow(ctx, sql, tenantID, entityCode, category, subcategory).Scan(&n); err != nil {
		return 0, txnErr("conviction count", err)
	}
	return n, nil
}
