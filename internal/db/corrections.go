package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/opsledger/intake-engine/pkg/models"
)

// InsertCorrection records one immutable user reclassification.
func (s *Store) InsertCorrection(ctx context.Context, c models.Correction) (models.Correction, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	oldVals, err := json.Marshal(c.OldValues)
	if err != nil {
		return c, fmt.Errorf("marshal old values: %w", err)
	}
	newVals, err := json.Marshal(c.NewValues)
	if err != nil {
		return c, fmt.Errorf("marshal new values: %w", err)
	}

	sql := `
		INSERT INTO corrections (id, tenant_id, transaction_id, old_values, new_values, user_id, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at;
	`
	err = s.pool.QueryRow(ctx, sql,
		c.ID, c.TenantID, c.TransactionID, oldVals, newVals, c.UserID, c.Reason).Scan(&c.CreatedAt)
	if err != nil {
		return c, txnErr("insert correction", err)
	}
	return c, nil
}

// ListCorrectionsForTransactions fetches corrections attached to any of the
// given transactions, newest first.
func (s *Store) ListCorrectionsForTransactions(ctx context.Context, tenantID string, txIDs []uuid.UUID) ([]models.Correction, error) {
	if len(txIDs) == 0 {
		return []models.Correction{}, nil
	}
	sql := `
		SELECT id, tenant_id, transaction_id, old_values, new_values, user_id, reason, created_at
		FROM corrections
		WHERE tenant_id = $1 AND transaction_id = ANY($2)
		ORDER BY created_at DESC;
	`
	rows, err := s.pool.Query(ctx, sql, tenantID, txIDs)
	if err != nil {
		return nil, txnErr("list corrections", err)
	}
	defer rows.Close()

	out := make([]models.Correction, 0)
	for rows.Next() {
		var (
			c        models.Correction
			oldVals  []byte
			newVals  []byte
		)
		if err := rows.Scan(&c.ID, &c.TenantID, &c.TransactionID, &oldVals,
			&newVals, &c.UserID, &c.Reason, &c.CreatedAt); err != nil {
			return nil, txnErr("list corrections", err)
		}
		if err := json.Unmarshal(oldVals, &c.OldValues); err != nil {
			return nil, fmt.Errorf("unmarshal old values: %w", err)
		}
		if err := json.Unmarshal(newVals, &c.NewValues); err != nil {
			return nil, fmt.Errorf("unmarshal new values: %w", err)
		}
		out = append(out, c)
	}
	return out, txnErr("list corrections", rows.Err())
}

const suggestionColumns = `
	id, tenant_id, status, kind, match_type, expression, signature, body_norm,
	entity_code, business_line_code, category, subcategory, confidence,
	support_count, conviction_count, frequency_class, amount_mean, amount_cv,
	pass_one_verdict, pass_one_reason, pass_two_verdict, pass_two_reason,
	created_at, updated_at, decided_at`

func scanSuggestion(row pgx.Row) (models.PatternSuggestion, error) {
	var (
		sg       models.PatternSuggestion
		sig      []byte
		bodyNorm string
	)
	err := row.Scan(&sg.ID, &sg.TenantID, &sg.Status, &sg.Kind, &sg.MatchType,
		&sg.Expression, &sig, &bodyNorm, &sg.EntityCode, &sg.BusinessLineCode,
		&sg.Category, &sg.Subcategory, &sg.Confidence, &sg.SupportCount,
		&sg.ConvictionCount, &sg.FrequencyClass, &sg.AmountMean, &sg.AmountCV,
		&sg.PassOneVerdict, &sg.PassOneReason, &sg.PassTwoVerdict,
		&sg.PassTwoReason, &sg.CreatedAt, &sg.UpdatedAt, &sg.DecidedAt)
	if err != nil {
		return sg, err
	}
	if len(sig) > 0 {
		sg.Signature = &models.SignatureBody{}
		if err := json.Unmarshal(sig, sg.Signature); err != nil {
			return sg, fmt.Errorf("unmarshal suggestion signature: %w", err)
		}
	}
	return sg, nil
}

func suggestionBodyNorm(sg *models.PatternSuggestion) string {
	p := models.Pattern{Kind: sg.Kind, MatchType: sg.MatchType, Expression: sg.Expression, Signature: sg.Signature}
	return p.BodyNorm()
}

// CreateSuggestion inserts a candidate unless one with the same normalized
// body already exists (pending or decided). Returns the stored suggestion
// and whether this call created it. A previously rejected body therefore
// never silently re-enters validation.
func (s *Store) CreateSuggestion(ctx context.Context, sg models.PatternSuggestion) (models.PatternSuggestion, bool, error) {
	if sg.ID == uuid.Nil {
		sg.ID = uuid.New()
	}
	if sg.Status == "" {
		sg.Status = models.SuggestionPending
	}
	var sig []byte
	if sg.Signature != nil {
		var err error
		if sig, err = json.Marshal(sg.Signature); err != nil {
			return sg, false, fmt.Errorf("marshal suggestion signature: %w", err)
		}
	}

	insert := `
		INSERT INTO pattern_suggestions
			(id, tenant_id, status, kind, match_type, expression, signature,
			 body_norm, entity_code, business_line_code, category, subcategory,
			 confidence, support_count, conviction_count, frequency_class,
			 amount_mean, amount_cv)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18)
		ON CONFLICT (tenant_id, kind, body_norm) DO NOTHING
		RETURNING ` + suggestionColumns + `;`

	row := s.pool.QueryRow(ctx, insert,
		sg.ID, sg.TenantID, sg.Status, sg.Kind, sg.MatchType, sg.Expression,
		sig, suggestionBodyNorm(&sg), sg.EntityCode, sg.BusinessLineCode,
		sg.Category, sg.Subcategory, sg.Confidence, sg.SupportCount,
		sg.ConvictionCount, sg.FrequencyClass, sg.AmountMean, sg.AmountCV)
	saved, err := scanSuggestion(row)
	if err == nil {
		return saved, true, nil
	}
	if err != pgx.ErrNoRows {
		return saved, false, txnErr("create suggestion", err)
	}

	existing, err := s.getSuggestionByBody(ctx, sg.TenantID, sg.Kind, suggestionBodyNorm(&sg))
	if err != nil {
		return existing, false, err
	}
	return existing, false, nil
}

func (s *Store) getSuggestionByBody(ctx context.Context, tenantID string, kind models.PatternKind, bodyNorm string) (models.PatternSuggestion, error) {
	sql := `SELECT ` + suggestionColumns + `
		FROM pattern_suggestions WHERE tenant_id = $1 AND kind = $2 AND body_norm = $3;`
	sg, err := scanSuggestion(s.pool.QueryRow(ctx, sql, tenantID, string(kind), bodyNorm))
	if err == pgx.ErrNoRows {
		return sg, models.ErrNotFound
	}
	if err != nil {
		return sg, txnErr("get suggestion by body", err)
	}
	return sg, nil
}

// GetSuggestion loads one suggestion, tenant-checked.
func (s *Store) GetSuggestion(ctx context.Context, tenantID string, id uuid.UUID) (models.PatternSuggestion, error) {
	sql := `SELECT ` + suggestionColumns + `
		FROM pattern_suggestions WHERE tenant_id = $1 AND id = $2;`
	sg, err := scanSuggestion(s.pool.QueryRow(ctx, sql, tenantID, id))
	if err == pgx.ErrNoRows {
		return sg, fmt.Errorf("suggestion %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return sg, txnErr("get suggestion", err)
	}
	return sg, nil
}

// UpdateSuggestion persists validation progress and the final verdict.
func (s *Store) UpdateSuggestion(ctx context.Context, sg models.PatternSuggestion) error {
	sql := `
		UPDATE pattern_suggestions SET
			status = $3, confidence = $4, support_count = $5,
			conviction_count = $6, frequency_class = $7, amount_mean = $8,
			amount_cv = $9, pass_one_verdict = $10, pass_one_reason = $11,
			pass_two_verdict = $12, pass_two_reason = $13, decided_at = $14,
			updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2;
	`
	tag, err := s.pool.Exec(ctx, sql, sg.TenantID, sg.ID,
		sg.Status, sg.Confidence, sg.SupportCount, sg.ConvictionCount,
		sg.FrequencyClass, sg.AmountMean, sg.AmountCV,
		sg.PassOneVerdict, sg.PassOneReason, sg.PassTwoVerdict,
		sg.PassTwoReason, sg.DecidedAt)
	if err != nil {
		return txnErr("update suggestion", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("suggestion %s: %w", sg.ID, models.ErrNotFound)
	}
	return nil
}

// ListSuggestions returns a paginated view, optionally filtered by status.
func (s *Store) ListSuggestions(ctx context.Context, tenantID string, status models.SuggestionStatus, page, limit int) ([]models.PatternSuggestion, int, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	var total int
	countSQL := `SELECT COUNT(*) FROM pattern_suggestions WHERE tenant_id = $1 AND ($2 = '' OR status = $2);`
	if err := s.pool.QueryRow(ctx, countSQL, tenantID, string(status)).Scan(&total); err != nil {
		return nil, 0, txnErr("count suggestions", err)
	}

	dataSQL := `SELECT ` + suggestionColumns + `
		FROM pattern_suggestions
		WHERE tenant_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY updated_at DESC
		LIMIT $3 OFFSET $4;`
	rows, err := s.pool.Query(ctx, dataSQL, tenantID, string(status), limit, offset)
	if err != nil {
		return nil, 0, txnErr("list suggestions", err)
	}
	defer rows.Close()

	out := make([]models.PatternSuggestion, 0, limit)
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, 0, txnErr("list suggestions", err)
		}
		out = append(out, sg)
	}
	return out, total, txnErr("list suggestions", rows.Err())
}
