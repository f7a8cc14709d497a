// Package analyzer produces parse plans for uploaded files. A plan comes
// from, in order: the in-process cache, the plan table, or an LLM analysis
// of a bounded sample. Analysis never branches on who exported the file;
// the plan is the only format knowledge the pipeline has.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/opsledger/intake-engine/internal/config"
	"github.com/opsledger/intake-engine/internal/ingest"
	"github.com/opsledger/intake-engine/internal/llm"
	"github.com/opsledger/intake-engine/internal/metrics"
	"github.com/opsledger/intake-engine/pkg/models"
)

// PlanStore persists analyzed plans keyed by (tenant, header hash).
type PlanStore interface {
	GetParsePlanByHeader(ctx context.Context, tenantID, headerHash string) (models.ParsePlan, error)
	UpsertParsePlan(ctx context.Context, p models.ParsePlan) (models.ParsePlan, error)
}

// maxDryRunProblems bounds the validation feedback echoed into the retry
// prompt and the final error.
const maxDryRunProblems = 6

type Analyzer struct {
	store       PlanStore
	client      llm.Client
	cache       *lru.Cache[string, models.ParsePlan]
	group       singleflight.Group
	sampleBytes int
	sampleRows  int
	log         zerolog.Logger
}

func New(store PlanStore, client llm.Client, cfg config.PipelineConfig, log zerolog.Logger) (*Analyzer, error) {
	size := cfg.PlanCacheSize
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, models.ParsePlan](size)
	if err != nil {
		return nil, fmt.Errorf("create plan cache: %w", err)
	}
	return &Analyzer{
		store:       store,
		client:      client,
		cache:       cache,
		sampleBytes: cfg.SampleBytes,
		sampleRows:  cfg.SampleRows,
		log:         log,
	}, nil
}

// Analyze resolves the parse plan for a file's bytes. Concurrent calls for
// the same layout collapse into a single store read or LLM analysis.
func (a *Analyzer) Analyze(ctx context.Context, tenantID string, data []byte) (models.ParsePlan, error) {
	if tenantID == "" {
		return models.ParsePlan{}, models.ErrMissingTenant
	}

	headerHash := ingest.HeaderHash(tenantID, data)
	if plan, ok := a.cache.Get(headerHash); ok {
		metrics.PlanCache.WithLabelValues("hit").Inc()
		return plan, nil
	}

	v, err, _ := a.group.Do(headerHash, func() (any, error) {
		if plan, ok := a.cache.Get(headerHash); ok {
			metrics.PlanCache.WithLabelValues("hit").Inc()
			return plan, nil
		}

		plan, err := a.store.GetParsePlanByHeader(ctx, tenantID, headerHash)
		if err == nil {
			metrics.PlanCache.WithLabelValues("store_hit").Inc()
			a.cache.Add(headerHash, plan)
			return plan, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return models.ParsePlan{}, err
		}

		metrics.PlanCache.WithLabelValues("miss").Inc()
		plan, err = a.analyzeWithLLM(ctx, tenantID, headerHash, data)
		if err != nil {
			return models.ParsePlan{}, err
		}
		a.cache.Add(headerHash, plan)
		return plan, nil
	})
	if err != nil {
		return models.ParsePlan{}, err
	}
	return v.(models.ParsePlan), nil
}

// Invalidate drops a cached plan so the next analysis re-reads the store.
func (a *Analyzer) Invalidate(tenantID string, data []byte) {
	a.cache.Remove(ingest.HeaderHash(tenantID, data))
}

// analyzeWithLLM asks the model for a plan, validates it structurally, dry
// runs it against the sample, and retries once with the failures quoted back.
func (a *Analyzer) analyzeWithLLM(ctx context.Context, tenantID, headerHash string, data []byte) (models.ParsePlan, error) {
	if !a.client.Enabled() {
		return models.ParsePlan{}, fmt.Errorf("format analysis needs the llm collaborator: %w", models.ErrLLMUnavailable)
	}

	sample := ingest.Sample(data, a.sampleBytes, a.sampleRows)
	var allProblems []string

	for attempt := 0; attempt < 2; attempt++ {
		var feedback string
		if attempt > 0 {
			feedback = strings.Join(allProblems, "; ")
		}

		raw, err := a.client.Complete(ctx, llm.Request{
			TenantID: tenantID,
			Site:     llm.SiteFormatAnalysis,
			System:   analyzeSystemPrompt,
			User:     buildAnalyzePrompt(sample, feedback),
		})
		if err != nil {
			return models.ParsePlan{}, fmt.Errorf("format analysis call: %w", err)
		}

		plan, problems := a.planFromResponse(tenantID, headerHash, raw, sample)
		if len(problems) == 0 {
			stored, err := a.store.UpsertParsePlan(ctx, plan)
			if err != nil {
				return models.ParsePlan{}, err
			}
			a.log.Info().
				Str("tenant_id", tenantID).
				Str("header_hash", headerHash).
				Int("attempt", attempt+1).
				Strs("mapped_fields", stored.MappedFields()).
				Msg("parse plan analyzed")
			return stored, nil
		}

		a.log.Warn().
			Str("tenant_id", tenantID).
			Int("attempt", attempt+1).
			Strs("problems", problems).
			Msg("parse plan rejected")
		allProblems = append(allProblems, problems...)
		if len(allProblems) > maxDryRunProblems {
			allProblems = allProblems[:maxDryRunProblems]
		}
	}

	return models.ParsePlan{}, fmt.Errorf("%w: %s",
		models.ErrUnparseableFormat, strings.Join(allProblems, "; "))
}

// planFromResponse decodes, validates and dry-runs one model answer. The
// returned problems are empty exactly when the plan is usable.
func (a *Analyzer) planFromResponse(tenantID, headerHash, raw string, sample []byte) (models.ParsePlan, []string) {
	payload, ok := llm.ExtractJSON(raw)
	if !ok {
		return models.ParsePlan{}, []string{"response carries no JSON object"}
	}

	var pj planJSON
	if err := json.Unmarshal([]byte(payload), &pj); err != nil {
		return models.ParsePlan{}, []string{"plan JSON malformed: " + err.Error()}
	}

	plan, err := pj.toPlan(tenantID, headerHash)
	if err != nil {
		return models.ParsePlan{}, []string{err.Error()}
	}

	if problems := plan.Validate(); len(problems) > 0 {
		return models.ParsePlan{}, problems
	}
	if problems := dryRun(sample, &plan); len(problems) > 0 {
		return models.ParsePlan{}, problems
	}
	return plan, nil
}

// dryRun parses the sample with the candidate plan. Every sampled row must
// yield a valid date and amount.
func dryRun(sample []byte, plan *models.ParsePlan) []string {
	rows, err := ingest.ParseRows(bytes.NewReader(sample), plan)
	if err != nil {
		return []string{"sample parse failed: " + err.Error()}
	}
	if len(rows) == 0 {
		return []string{"plan yields no data rows on the sample"}
	}

	var problems []string
	for _, row := range rows {
		if _, err := ingest.ParseDate(row.Values[models.FieldPostedDate], plan.DateFormats); err != nil {
			problems = append(problems, fmt.Sprintf("row %d: %v", row.Index, err))
		} else if _, err := ingest.CleanAmount(
			row.Values[models.FieldAmount],
			plan.CleaningRules[models.FieldAmount],
			plan.AmountScale,
		); err != nil {
			problems = append(problems, fmt.Sprintf("row %d: %v", row.Index, err))
		}
		if len(problems) >= maxDryRunProblems {
			break
		}
	}
	return problems
}

// planJSON mirrors the response schema the prompt demands.
type planJSON struct {
	Delimiter           string                      `json:"delimiter"`
	SkipRows            []int                       `json:"skip_rows"`
	HeaderRowIndex      int                         `json:"header_row_index"`
	ColumnMapping       map[string]string           `json:"column_mapping"`
	CleaningRules       map[string]cleaningRuleJSON `json:"cleaning_rules"`
	DateFormats         []string                    `json:"date_formats"`
	HasMultipleAccounts bool                        `json:"has_multiple_accounts"`
	ImplicitAccount     string                      `json:"implicit_account"`
	DefaultCurrency     string                      `json:"default_currency"`
	AmountScale         string                      `json:"amount_scale"`
}

type cleaningRuleJSON struct {
	StripCurrencySymbols bool   `json:"strip_currency_symbols"`
	ThousandsSeparator   string `json:"thousands_separator"`
	DecimalSeparator     string `json:"decimal_separator"`
	ParenthesesNegative  bool   `json:"parentheses_negative"`
	TrailingSignNegative bool   `json:"trailing_sign_negative"`
}

func (pj *planJSON) toPlan(tenantID, headerHash string) (models.ParsePlan, error) {
	scale := decimal.Zero
	if s := strings.TrimSpace(pj.AmountScale); s != "" {
		var err error
		scale, err = decimal.NewFromString(s)
		if err != nil {
			return models.ParsePlan{}, fmt.Errorf("amount_scale %q is not a decimal", pj.AmountScale)
		}
	}

	rules := make(map[string]models.CleaningRule, len(pj.CleaningRules))
	for field, r := range pj.CleaningRules {
		rules[field] = models.CleaningRule{
			StripCurrencySymbols: r.StripCurrencySymbols,
			ThousandsSeparator:   r.ThousandsSeparator,
			DecimalSeparator:     r.DecimalSeparator,
			ParenthesesNegative:  r.ParenthesesNegative,
			TrailingSignNegative: r.TrailingSignNegative,
		}
	}

	return models.ParsePlan{
		TenantID:            tenantID,
		HeaderHash:          headerHash,
		Delimiter:           pj.Delimiter,
		SkipRows:            pj.SkipRows,
		HeaderRowIndex:      pj.HeaderRowIndex,
		ColumnMapping:       pj.ColumnMapping,
		CleaningRules:       rules,
		DateFormats:         pj.DateFormats,
		HasMultipleAccounts: pj.HasMultipleAccounts,
		ImplicitAccount:     pj.ImplicitAccount,
		DefaultCurrency:     pj.DefaultCurrency,
		AmountScale:         scale,
	}, nil
}
