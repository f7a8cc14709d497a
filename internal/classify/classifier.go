package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/opsledger/intake-engine/internal/ingest"
	"github.com/opsledger/intake-engine/internal/llm"
	"github.com/opsledger/intake-engine/internal/metrics"
	"github.com/opsledger/intake-engine/internal/patterns"
	"github.com/opsledger/intake-engine/pkg/models"
)

const (
	defaultCategory = "Uncategorized"
	revenueCategory = "Revenue"

	accountMapConfidence = 0.99
	llmConfidenceCap     = 0.90

	// disagreementWindow cancels the pattern layers when a description match
	// and a signature match name different entities this close in confidence.
	disagreementWindow = 0.05

	memoSize          = 4096
	recentPatternsMax = 12
	classifyMaxTokens = 400
	categoryMaxTokens = 200
)

// Classifier assigns entity, business line and category to canonical rows
// through a fixed ladder: registered accounts, learned description patterns,
// entity signatures, LLM fallback, default. Safe for concurrent use; all
// per-job state lives in Job.
type Classifier struct {
	matcher *patterns.Matcher
	client  llm.Client
	log     zerolog.Logger
}

func New(matcher *patterns.Matcher, client llm.Client, log zerolog.Logger) *Classifier {
	return &Classifier{
		matcher: matcher,
		client:  client,
		log:     log.With().Str("component", "classifier").Logger(),
	}
}

// Enums is the tenant's classification vocabulary. LLM answers naming values
// outside it are rejected, never stored.
type Enums struct {
	entities     map[string]struct{}
	categories   map[string][]string // name -> allowed subcategories
	entityList   []string
	categoryList []string
}

// NewEnums builds the vocabulary from the tenant's active entities and its
// category chart.
func NewEnums(entities []models.LegalEntity, categories []models.Category) Enums {
	e := Enums{
		entities:   make(map[string]struct{}, len(entities)),
		categories: make(map[string][]string, len(categories)),
	}
	for _, ent := range entities {
		if !ent.Active {
			continue
		}
		e.entities[ent.Code] = struct{}{}
		e.entityList = append(e.entityList, ent.Code)
	}
	for _, cat := range categories {
		e.categories[cat.Name] = cat.Subcategories
		e.categoryList = append(e.categoryList, cat.Name)
	}
	sort.Strings(e.entityList)
	sort.Strings(e.categoryList)
	return e
}

func (e Enums) ValidEntity(code string) bool {
	_, ok := e.entities[code]
	return ok
}

func (e Enums) ValidCategory(name string) bool {
	_, ok := e.categories[name]
	return ok
}

func (e Enums) ValidSubcategory(category, sub string) bool {
	for _, s := range e.categories[category] {
		if s == sub {
			return true
		}
	}
	return false
}

// Job holds per-ingest-job classifier state: the result memo, the LLM call
// budget and the pattern occurrence buffer the coordinator drains after each
// chunk commit.
type Job struct {
	TenantID string
	Settings models.TenantSettings
	Enums    Enums

	budget  *llm.Budget
	memo    *lru.Cache[string, memoEntry]
	demoted atomic.Bool

	mu          sync.Mutex
	occurrences map[uuid.UUID]int

	recentOnce sync.Once
	recent     string
}

// NewJob prepares per-job state for one ingestion run.
func (c *Classifier) NewJob(tenantID string, settings models.TenantSettings, enums Enums) (*Job, error) {
	if tenantID == "" {
		return nil, models.ErrMissingTenant
	}
	memo, err := lru.New[string, memoEntry](memoSize)
	if err != nil {
		return nil, err
	}
	return &Job{
		TenantID:    tenantID,
		Settings:    settings,
		Enums:       enums,
		budget:      llm.NewBudget(settings.LLMCallBudgetPerJob),
		memo:        memo,
		occurrences: make(map[uuid.UUID]int),
	}, nil
}

// LLMRemaining reports the unspent per-job model call budget.
func (j *Job) LLMRemaining() int64 { return j.budget.Remaining() }

// DrainOccurrences swaps out the accumulated per-pattern match counts so the
// caller can flush them to the store in one batch.
func (j *Job) DrainOccurrences() map[uuid.UUID]int {
	j.mu.Lock()
	out := j.occurrences
	j.occurrences = make(map[uuid.UUID]int)
	j.mu.Unlock()
	if len(out) == 0 {
		return nil
	}
	return out
}

func (j *Job) recordOccurrence(id uuid.UUID) {
	j.mu.Lock()
	j.occurrences[id]++
	j.mu.Unlock()
}

func (j *Job) takeBudget() bool {
	if j.budget.Take() {
		return true
	}
	if j.demoted.CompareAndSwap(false, true) {
		metrics.LLMBudgetExhausted.Inc()
	}
	return false
}

// Result is the classification decision for one row.
type Result struct {
	Classification models.Classification
	NeedsReview    bool
}

type memoEntry struct {
	res       Result
	patternID *uuid.UUID
}

// Classify runs one row through the ladder. Pattern store failures abort the
// job; LLM failures degrade to the default classification instead.
func (c *Classifier) Classify(ctx context.Context, job *Job, row ingest.EnrichedRow) (Result, error) {
	key := memoKey(&row.Row)
	if ent, ok := job.memo.Get(key); ok {
		if ent.patternID != nil {
			job.recordOccurrence(*ent.patternID)
		}
		metrics.Classifications.WithLabelValues(string(ent.res.Classification.Source)).Inc()
		return ent.res, nil
	}

	ent, err := c.decide(ctx, job, row)
	if err != nil {
		return Result{}, err
	}
	ent.res.NeedsReview = needsReview(job.Settings, &row.Row, ent.res.Classification)
	if ent.patternID != nil {
		job.recordOccurrence(*ent.patternID)
	}
	job.memo.Add(key, ent)
	metrics.Classifications.WithLabelValues(string(ent.res.Classification.Source)).Inc()
	return ent.res, nil
}

func (c *Classifier) decide(ctx context.Context, job *Job, row ingest.EnrichedRow) (memoEntry, error) {
	if cl, ok := fromAccounts(row); ok {
		return memoEntry{res: Result{Classification: cl}}, nil
	}

	// account-map patterns extend the registry when no Account row carries
	// the mapping
	pat, err := c.matcher.MatchAccount(ctx, job.TenantID, row.Row.AccountIdentifier)
	if err != nil {
		return memoEntry{}, err
	}
	if pat != nil {
		id := pat.ID
		return memoEntry{
			res:       Result{Classification: fromPattern(pat, accountMapConfidence, models.SourceAccountMap)},
			patternID: &id,
		}, nil
	}

	descs, err := c.matcher.MatchDescription(ctx, job.TenantID, row.Row.Description)
	if err != nil {
		return memoEntry{}, err
	}
	sigs, err := c.matcher.MatchEntitySignature(ctx, job.TenantID, row.Row.Description, job.Settings.SignatureCeiling)
	if err != nil {
		return memoEntry{}, err
	}

	var topDesc *models.Pattern
	if len(descs) > 0 {
		topDesc = descs[0]
	}
	sigPick, sigScore := pickSignature(sigs, job.Settings)

	// conflicting entity evidence from the two pattern layers cancels both
	if topDesc != nil && sigPick != nil && topDesc.EntityCode != sigPick.EntityCode &&
		math.Abs(topDesc.Confidence-sigScore) <= disagreementWindow {
		c.log.Debug().
			Str("tenant_id", job.TenantID).
			Str("description_entity", topDesc.EntityCode).
			Str("signature_entity", sigPick.EntityCode).
			Msg("pattern layers disagree on entity")
		return memoEntry{res: Result{
			Classification: defaultClassification("description pattern and entity signature disagree"),
		}}, nil
	}

	if topDesc != nil && topDesc.Confidence >= job.Settings.PatternThreshold {
		id := topDesc.ID
		return memoEntry{
			res:       Result{Classification: fromPattern(topDesc, topDesc.Confidence, models.SourceTenantPattern)},
			patternID: &id,
		}, nil
	}

	if sigPick != nil {
		cl := models.Classification{
			EntityCode:    sigPick.EntityCode,
			Category:      defaultCategory,
			Justification: fmt.Sprintf("entity signature matched %d markers", sigPick.MatchCount),
			Confidence:    sigScore,
			Source:        models.SourceTenantPattern,
		}
		// the signature names the entity only; the category is the model's
		// call, or stays uncategorized
		if cat, sub, ok := c.categoryFromLLM(ctx, job, row, sigPick.EntityCode); ok {
			cl.Category, cl.Subcategory = cat, sub
		}
		var pid *uuid.UUID
		if id, perr := uuid.Parse(sigPick.PatternID); perr == nil {
			pid = &id
		}
		return memoEntry{res: Result{Classification: cl}, patternID: pid}, nil
	}

	if cl, ok := c.fromLLM(ctx, job, row); ok {
		return memoEntry{res: Result{Classification: cl}}, nil
	}

	return memoEntry{res: Result{Classification: defaultClassification("")}}, nil
}

// fromAccounts applies registered account mappings. Inbound network rows
// landing on a wallet tagged mining/receiving are revenue for the wallet's
// entity; otherwise the first mapped account among the row's own account,
// origin and destination wins.
func fromAccounts(row ingest.EnrichedRow) (models.Classification, bool) {
	if row.Row.Network != "" && row.Row.Amount.Sign() > 0 {
		for _, acct := range []*models.Account{row.Destination, row.Account} {
			if acct == nil || acct.EntityCode == "" {
				continue
			}
			if acct.RoleTag != models.RoleMining && acct.RoleTag != models.RoleReceiving {
				continue
			}
			return models.Classification{
				EntityCode:       acct.EntityCode,
				BusinessLineCode: acct.BusinessLineCode,
				Category:         revenueCategory,
				Subcategory:      acct.DefaultSubcat,
				Justification:    "inbound network transfer to " + acct.DisplayName,
				Confidence:       accountMapConfidence,
				Source:           models.SourceAccountMap,
			}, true
		}
	}
	for _, acct := range []*models.Account{row.Account, row.Origin, row.Destination} {
		if acct == nil || !acct.Mapped() {
			continue
		}
		return models.Classification{
			EntityCode:       acct.EntityCode,
			BusinessLineCode: acct.BusinessLineCode,
			Category:         acct.DefaultCategory,
			Subcategory:      acct.DefaultSubcat,
			Justification:    "registered account " + acct.DisplayName,
			Confidence:       accountMapConfidence,
			Source:           models.SourceAccountMap,
		}, true
	}
	return models.Classification{}, false
}

// pickSignature applies the tenant threshold and runner-up margin to the
// scored candidates. Scores are TotalWeight normalized by the ceiling.
func pickSignature(sigs []patterns.SignatureScore, st models.TenantSettings) (*patterns.SignatureScore, float64) {
	if len(sigs) == 0 {
		return nil, 0
	}
	ceiling := st.SignatureCeiling
	if ceiling <= 0 {
		ceiling = models.DefaultTenantSettings(st.TenantID).SignatureCeiling
	}
	top := sigs[0]
	score := float64(top.TotalWeight) / float64(ceiling)
	if score < st.SignatureThreshold {
		return nil, 0
	}
	if len(sigs) > 1 {
		second := float64(sigs[1].TotalWeight) / float64(ceiling)
		if score-second < st.SignatureMargin {
			return nil, 0
		}
	}
	return &top, score
}

// fromLLM asks the model for a full assignment. A spent budget, transport
// failure or out-of-vocabulary answer falls through to the default layer.
func (c *Classifier) fromLLM(ctx context.Context, job *Job, row ingest.EnrichedRow) (models.Classification, bool) {
	if !c.client.Enabled() {
		return models.Classification{}, false
	}
	if !job.takeBudget() {
		c.log.Debug().Str("tenant_id", job.TenantID).Msg("llm budget spent, demoting to default")
		return models.Classification{}, false
	}

	raw, err := c.client.Complete(ctx, llm.Request{
		TenantID:    job.TenantID,
		Site:        llm.SiteClassification,
		System:      classifySystemPrompt,
		User:        c.buildClassifyPrompt(ctx, job, row),
		MaxTokens:   classifyMaxTokens,
		Concurrency: job.Settings.LLMConcurrencyCeiling,
	})
	if err != nil {
		c.log.Warn().Err(err).Str("tenant_id", job.TenantID).Msg("classification call failed")
		return models.Classification{}, false
	}

	body, ok := llm.ExtractJSON(raw)
	if !ok {
		c.log.Warn().Str("tenant_id", job.TenantID).Msg("classification response carries no json")
		return models.Classification{}, false
	}
	var resp classifyResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		c.log.Warn().Err(err).Str("tenant_id", job.TenantID).Msg("classification response is not valid json")
		return models.Classification{}, false
	}
	cl, err := resp.toClassification(job.Enums)
	if err != nil {
		c.log.Warn().Err(err).
			Str("tenant_id", job.TenantID).
			Str("entity", resp.EntityCode).
			Str("category", resp.Category).
			Msg("classification response rejected")
		return models.Classification{}, false
	}
	return cl, true
}

// categoryFromLLM fills in category/subcategory when the signature layer has
// already fixed the entity.
func (c *Classifier) categoryFromLLM(ctx context.Context, job *Job, row ingest.EnrichedRow, entityCode string) (string, string, bool) {
	if !c.client.Enabled() || !job.takeBudget() {
		return "", "", false
	}
	raw, err := c.client.Complete(ctx, llm.Request{
		TenantID:    job.TenantID,
		Site:        llm.SiteClassification,
		System:      classifySystemPrompt,
		User:        buildCategoryPrompt(row, entityCode, job.Enums),
		MaxTokens:   categoryMaxTokens,
		Concurrency: job.Settings.LLMConcurrencyCeiling,
	})
	if err != nil {
		c.log.Warn().Err(err).Str("tenant_id", job.TenantID).Msg("category call failed")
		return "", "", false
	}
	body, ok := llm.ExtractJSON(raw)
	if !ok {
		return "", "", false
	}
	var resp classifyResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return "", "", false
	}
	if !job.Enums.ValidCategory(resp.Category) {
		c.log.Warn().
			Str("tenant_id", job.TenantID).
			Str("category", resp.Category).
			Msg("category response rejected")
		return "", "", false
	}
	sub := resp.Subcategory
	if sub != "" && !job.Enums.ValidSubcategory(resp.Category, sub) {
		sub = ""
	}
	return resp.Category, sub, true
}

// recentPatterns renders the tenant's most-applied rules once per job for
// prompt context. Best effort; an empty string just shortens the prompt.
func (c *Classifier) recentPatterns(ctx context.Context, job *Job) string {
	job.recentOnce.Do(func() {
		pats, err := c.matcher.TopPatterns(ctx, job.TenantID, recentPatternsMax)
		if err != nil || len(pats) == 0 {
			return
		}
		var b strings.Builder
		for _, p := range pats {
			fmt.Fprintf(&b, "- %q -> entity %s, category %s\n", p.Expression, p.EntityCode, p.Category)
		}
		job.recent = b.String()
	})
	return job.recent
}

type classifyResponse struct {
	EntityCode       string  `json:"entity_code"`
	BusinessLineCode string  `json:"business_line_code"`
	Category         string  `json:"category"`
	Subcategory      string  `json:"subcategory"`
	Justification    string  `json:"justification"`
	Confidence       float64 `json:"confidence"`
}

func (r *classifyResponse) toClassification(enums Enums) (models.Classification, error) {
	if !enums.ValidEntity(r.EntityCode) {
		return models.Classification{}, fmt.Errorf("entity %q not in tenant vocabulary: %w",
			r.EntityCode, models.ErrLLMInvalidResponse)
	}
	if !enums.ValidCategory(r.Category) {
		return models.Classification{}, fmt.Errorf("category %q not in tenant vocabulary: %w",
			r.Category, models.ErrLLMInvalidResponse)
	}
	sub := r.Subcategory
	if sub != "" && !enums.ValidSubcategory(r.Category, sub) {
		sub = ""
	}
	conf := r.Confidence
	if conf < 0 {
		conf = 0
	}
	if conf > llmConfidenceCap {
		conf = llmConfidenceCap
	}
	return models.Classification{
		EntityCode:       r.EntityCode,
		BusinessLineCode: r.BusinessLineCode,
		Category:         r.Category,
		Subcategory:      sub,
		Justification:    r.Justification,
		Confidence:       conf,
		Source:           models.SourceLLM,
	}, nil
}

func fromPattern(p *models.Pattern, confidence float64, source models.ClassificationSource) models.Classification {
	just := "account map " + p.Expression
	if p.Kind == models.KindDescription {
		just = fmt.Sprintf("%s pattern %q", p.MatchType, p.Expression)
	}
	return models.Classification{
		EntityCode:       p.EntityCode,
		BusinessLineCode: p.BusinessLineCode,
		Category:         p.Category,
		Subcategory:      p.Subcategory,
		Justification:    just,
		Confidence:       confidence,
		Source:           source,
	}
}

func defaultClassification(reason string) models.Classification {
	return models.Classification{
		Category:      defaultCategory,
		Justification: reason,
		Confidence:    0,
		Source:        models.SourceDefault,
	}
}

// needsReview flags rows a human should look at: default classifications,
// zero amounts, and anything under the tenant's review threshold.
func needsReview(st models.TenantSettings, row *models.CanonicalRow, cl models.Classification) bool {
	if cl.Source == models.SourceDefault {
		return true
	}
	if row.Amount.IsZero() {
		return true
	}
	return cl.Confidence < st.ReviewThreshold
}

// memoKey collapses rows the ladder cannot tell apart. The amount's sign
// stands in for its value so recurring charges of varying size share an entry.
func memoKey(row *models.CanonicalRow) string {
	return strings.Join([]string{
		patterns.Normalize(row.Description),
		strconv.Itoa(row.Amount.Sign()),
		strings.ToUpper(row.Currency),
		strings.ToLower(row.AccountIdentifier),
	}, "\x1f")
}
