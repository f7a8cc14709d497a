package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/opsledger/intake-engine/pkg/models"
)

const patternColumns = `
	id, tenant_id, kind, match_type, expression, signature, body_norm,
	entity_code, business_line_code, category, subcategory, confidence,
	occurrence_count, last_seen_at, source, active, created_at, updated_at`

func scanPattern(row pgx.Row) (models.Pattern, error) {
	var (
		p        models.Pattern
		sig      []byte
		bodyNorm string
	)
	err := row.Scan(&p.ID, &p.TenantID, &p.Kind, &p.MatchType, &p.Expression,
		&sig, &bodyNorm, &p.EntityCode, &p.BusinessLineCode, &p.Category,
		&p.Subcategory, &p.Confidence, &p.OccurrenceCount, &p.LastSeenAt,
		&p.Source, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}
	if len(sig) > 0 {
		p.Signature = &models.SignatureBody{}
		if err := json.Unmarshal(sig, p.Signature); err != nil {
			return p, fmt.Errorf("unmarshal signature: %w", err)
		}
	}
	return p, nil
}

// UpsertPattern writes a pattern idempotently on its normalized body. A
// conflicting upsert refreshes the classification target and confidence (the
// newest learning wins) and reactivates the pattern; occurrence history is
// preserved.
func (s *Store) UpsertPattern(ctx context.Context, p models.Pattern) (models.Pattern, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	var sig []byte
	if p.Signature != nil {
		var err error
		if sig, err = json.Marshal(p.Signature); err != nil {
			return p, fmt.Errorf("marshal signature: %w", err)
		}
	}

	sql := `
		INSERT INTO patterns
			(id, tenant_id, kind, match_type, expression, signature, body_norm,
			 entity_code, business_line_code, category, subcategory, confidence,
			 occurrence_count, source, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (tenant_id, kind, body_norm) DO UPDATE SET
			match_type = EXCLUDED.match_type,
			expression = EXCLUDED.expression,
			signature = EXCLUDED.signature,
			entity_code = EXCLUDED.entity_code,
			business_line_code = EXCLUDED.business_line_code,
			category = EXCLUDED.category,
			subcategory = EXCLUDED.subcategory,
			confidence = EXCLUDED.confidence,
			source = EXCLUDED.source,
			active = EXCLUDED.active,
			updated_at = NOW()
		RETURNING ` + patternColumns + `;`

	row := s.pool.QueryRow(ctx, sql,
		p.ID, p.TenantID, p.Kind, p.MatchType, p.Expression, sig, p.BodyNorm(),
		p.EntityCode, p.BusinessLineCode, p.Category, p.Subcategory,
		p.Confidence, p.OccurrenceCount, p.Source, p.Active)
	saved, err := scanPattern(row)
	if err != nil {
		return saved, patternErr("upsert pattern", err)
	}
	return saved, nil
}

// ListActivePatterns loads every active pattern of a tenant. The matcher
// builds its in-memory token index from this snapshot.
func (s *Store) ListActivePatterns(ctx context.Context, tenantID string) ([]models.Pattern, error) {
	sql := `SELECT ` + patternColumns + `
		FROM patterns WHERE tenant_id = $1 AND active
		ORDER BY confidence DESC, occurrence_count DESC, last_seen_at DESC;`
	rows, err := s.pool.Query(ctx, sql, tenantID)
	if err != nil {
		return nil, patternErr("list active patterns", err)
	}
	defer rows.Close()

	patterns := make([]models.Pattern, 0)
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, patternErr("list active patterns", err)
		}
		patterns = append(patterns, p)
	}
	return patterns, patternErr("list active patterns", rows.Err())
}

// ListPatterns returns a paginated view for the API, optionally by kind.
func (s *Store) ListPatterns(ctx context.Context, tenantID string, kind models.PatternKind, page, limit int) ([]models.Pattern, int, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	var total int
	countSQL := `SELECT COUNT(*) FROM patterns WHERE tenant_id = $1 AND ($2 = '' OR kind = $2);`
	if err := s.pool.QueryRow(ctx, countSQL, tenantID, string(kind)).Scan(&total); err != nil {
		return nil, 0, patternErr("count patterns", err)
	}

	dataSQL := `SELECT ` + patternColumns + `
		FROM patterns
		WHERE tenant_id = $1 AND ($2 = '' OR kind = $2)
		ORDER BY updated_at DESC
		LIMIT $3 OFFSET $4;`
	rows, err := s.pool.Query(ctx, dataSQL, tenantID, string(kind), limit, offset)
	if err != nil {
		return nil, 0, patternErr("list patterns", err)
	}
	defer rows.Close()

	patterns := make([]models.Pattern, 0, limit)
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, 0, patternErr("list patterns", err)
		}
		patterns = append(patterns, p)
	}
	return patterns, total, patternErr("list patterns", rows.Err())
}

// GetPattern loads one pattern, tenant-checked.
func (s *Store) GetPattern(ctx context.Context, tenantID string, id uuid.UUID) (models.Pattern, error) {
	sql := `SELECT ` + patternColumns + ` FROM patterns WHERE tenant_id = $1 AND id = $2;`
	p, err := scanPattern(s.pool.QueryRow(ctx, sql, tenantID, id))
	if err != nil {
		return p, patternErr("get pattern", err)
	}
	return p, nil
}

// RecordOccurrences bumps match bookkeeping for the patterns that fired in a
// chunk. Batched: one statement per pattern inside a single round trip.
func (s *Store) RecordOccurrences(ctx context.Context, tenantID string, counts map[uuid.UUID]int) error {
	if len(counts) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for id, n := range counts {
		if n <= 0 {
			continue
		}
		batch.Queue(`
			UPDATE patterns
			SET occurrence_count = occurrence_count + $3, last_seen_at = NOW()
			WHERE tenant_id = $1 AND id = $2;`,
			tenantID, id, n)
	}
	if batch.Len() == 0 {
		return nil
	}
	err := s.pool.SendBatch(ctx, batch).Close()
	return patternErr("record occurrences", err)
}

// DeactivatePattern retires a pattern without deleting its history.
func (s *Store) DeactivatePattern(ctx context.Context, tenantID string, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE patterns SET active = FALSE, updated_at = NOW() WHERE tenant_id = $1 AND id = $2;`,
		tenantID, id)
	if err != nil {
		return patternErr("deactivate pattern", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pattern %s: %w", id, models.ErrNotFound)
	}
	return nil
}
