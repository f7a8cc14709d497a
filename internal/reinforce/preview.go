package reinforce

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opsledger/intake-engine/internal/patterns"
	"github.com/opsledger/intake-engine/pkg/models"
)

// previewWindow is how many recent transactions a candidate dry run covers.
const previewWindow = 500

// PreviewStore is the read surface the dry run needs. *db.Store satisfies it.
type PreviewStore interface {
	ListTransactions(ctx context.Context, tenantID string, f models.TransactionFilter, page, limit int) ([]models.Transaction, int, error)
	ListActivePatterns(ctx context.Context, tenantID string) ([]models.Pattern, error)
}

// Previewer runs candidate rules against recent production history without
// letting them touch a single classification. A candidate that would
// contradict rows users already confirmed shows up here before any validation
// pass, and the same machinery reports drift for rules that are already live.
type Previewer struct {
	store PreviewStore
	log   zerolog.Logger
}

func NewPreviewer(store PreviewStore, log zerolog.Logger) *Previewer {
	return &Previewer{
		store: store,
		log:   log.With().Str("component", "preview").Logger(),
	}
}

// PreviewSample is one transaction a dry run surfaced.
type PreviewSample struct {
	Description string `json:"description"`
	EntityCode  string `json:"entityCode"`
	Category    string `json:"category"`
	Source      string `json:"source"`
}

// PreviewReport summarizes a candidate dry run. A divergence is a hit on a
// row a user already classified toward a different target.
type PreviewReport struct {
	WindowSize     int             `json:"windowSize"`
	Hits           int             `json:"hits"`
	HitRate        float64         `json:"hitRate"`
	Divergences    int             `json:"divergences"`
	DivergenceRate float64         `json:"divergenceRate"`
	Matching       []PreviewSample `json:"matching"`
	Conflicting    []PreviewSample `json:"conflicting"`
}

// Evaluate dry-runs one pattern over the tenant's recent transactions.
func (pv *Previewer) Evaluate(ctx context.Context, tenantID string, p models.Pattern) (PreviewReport, error) {
	if tenantID == "" {
		return PreviewReport{}, models.ErrMissingTenant
	}
	window, _, err := pv.store.ListTransactions(ctx, tenantID, models.TransactionFilter{}, 1, previewWindow)
	if err != nil {
		return PreviewReport{}, err
	}
	report := pv.run(&p, window)

	pv.log.Debug().
		Str("tenant_id", tenantID).
		Str("kind", string(p.Kind)).
		Int("window", report.WindowSize).
		Int("hits", report.Hits).
		Int("divergences", report.Divergences).
		Msg("candidate dry run")
	return report, nil
}

// run applies one pattern to a window of transactions. Account maps are
// matched on the account identifier, everything else on the description.
func (pv *Previewer) run(p *models.Pattern, window []models.Transaction) PreviewReport {
	report := PreviewReport{WindowSize: len(window)}
	for i := range window {
		tx := &window[i]
		var hit bool
		if p.Kind == models.KindAccountMap {
			hit = patterns.MatchesAccount(p, tx.AccountIdentifier)
		} else {
			hit = patterns.Matches(p, tx.Description)
		}
		if !hit {
			continue
		}
		report.Hits++

		s := PreviewSample{
			Description: tx.Description,
			EntityCode:  tx.EntityCode,
			Category:    tx.Category,
			Source:      string(tx.Source),
		}
		if tx.Source == models.SourceUser && (tx.EntityCode != p.EntityCode || tx.Category != p.Category) {
			report.Divergences++
			if len(report.Conflicting) < maxSamples {
				report.Conflicting = append(report.Conflicting, s)
			}
			continue
		}
		if len(report.Matching) < maxSamples {
			report.Matching = append(report.Matching, s)
		}
	}
	if report.WindowSize > 0 {
		report.HitRate = float64(report.Hits) / float64(report.WindowSize)
	}
	if report.Hits > 0 {
		report.DivergenceRate = float64(report.Divergences) / float64(report.Hits)
	}
	return report
}

// PatternDrift is one live rule measured against recent history.
type PatternDrift struct {
	PatternID       uuid.UUID          `json:"patternId"`
	Kind            models.PatternKind `json:"kind"`
	Body            string             `json:"body"`
	EntityCode      string             `json:"entityCode"`
	Category        string             `json:"category"`
	Hits            int                `json:"hits"`
	Divergences     int                `json:"divergences"`
	DivergenceRate  float64            `json:"divergenceRate"`
	OccurrenceCount int64              `json:"occurrenceCount"`
}

// DriftReport ranks a tenant's live rules by how often they contradict what
// users have since confirmed.
type DriftReport struct {
	EntityCode  string         `json:"entityCode,omitempty"`
	WindowSize  int            `json:"windowSize"`
	Divergences int            `json:"divergences"`
	Patterns    []PatternDrift `json:"patterns"`
}

// Drift dry-runs every active rule (optionally one entity's) over a shared
// window of recent transactions. Rules whose divergence rate climbs are the
// ones a reviewer should deactivate or reseed.
func (pv *Previewer) Drift(ctx context.Context, tenantID, entityCode string) (DriftReport, error) {
	if tenantID == "" {
		return DriftReport{}, models.ErrMissingTenant
	}
	pats, err := pv.store.ListActivePatterns(ctx, tenantID)
	if err != nil {
		return DriftReport{}, err
	}
	window, _, err := pv.store.ListTransactions(ctx, tenantID, models.TransactionFilter{}, 1, previewWindow)
	if err != nil {
		return DriftReport{}, err
	}

	out := DriftReport{EntityCode: entityCode, WindowSize: len(window)}
	for i := range pats {
		p := &pats[i]
		if entityCode != "" && p.EntityCode != entityCode {
			continue
		}
		r := pv.run(p, window)
		if r.Hits == 0 {
			continue
		}
		out.Divergences += r.Divergences
		out.Patterns = append(out.Patterns, PatternDrift{
			PatternID:       p.ID,
			Kind:            p.Kind,
			Body:            p.BodyNorm(),
			EntityCode:      p.EntityCode,
			Category:        p.Category,
			Hits:            r.Hits,
			Divergences:     r.Divergences,
			DivergenceRate:  r.DivergenceRate,
			OccurrenceCount: p.OccurrenceCount,
		})
	}
	sort.Slice(out.Patterns, func(i, j int) bool {
		a, b := out.Patterns[i], out.Patterns[j]
		if a.DivergenceRate != b.DivergenceRate {
			return a.DivergenceRate > b.DivergenceRate
		}
		return a.Hits > b.Hits
	})
	return out, nil
}
