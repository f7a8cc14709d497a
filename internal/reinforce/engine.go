package reinforce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opsledger/intake-engine/internal/llm"
	"github.com/opsledger/intake-engine/internal/metrics"
	"github.com/opsledger/intake-engine/internal/patterns"
	"github.com/opsledger/intake-engine/pkg/models"
)

const (
	minSimilarity = 0.4
	similarLimit  = 50
	maxSamples    = 5

	// passTwoCVLimit is the amount coefficient-of-variation under which a
	// recurring charge qualifies for the second validation pass.
	passTwoCVLimit = 0.15

	// suggestionConfidenceCap bounds what a pass-two approval may hand the
	// pattern store.
	suggestionConfidenceCap = 0.85

	tokenConfidence     = 0.85
	signatureConfidence = 0.80

	validateMaxTokens = 300
	extractMaxTokens  = 300
)

// ErrNoChange rejects corrections that touch no classification field.
var ErrNoChange = errors.New("correction changes no classification field")

// Correction field keys shared between old/new value maps and supporter
// matching.
const (
	fieldEntity        = "entity_code"
	fieldBusinessLine  = "business_line_code"
	fieldCategory      = "category"
	fieldSubcategory   = "subcategory"
	fieldJustification = "justification"
)

// Store is the persistence surface the reinforcement loop needs. *db.Store
// satisfies it.
type Store interface {
	GetTransaction(ctx context.Context, tenantID string, id uuid.UUID) (models.Transaction, error)
	UpdateClassification(ctx context.Context, tenantID string, id uuid.UUID, c models.Classification, needsReview bool) error
	InsertCorrection(ctx context.Context, c models.Correction) (models.Correction, error)
	FindSimilar(ctx context.Context, tenantID, description string, minSimilarity float64, limit int) ([]models.Transaction, error)
	ListCorrectionsForTransactions(ctx context.Context, tenantID string, txIDs []uuid.UUID) ([]models.Correction, error)
	ConvictionCount(ctx context.Context, tenantID, entityCode, category, subcategory string) (int, error)
	CreateSuggestion(ctx context.Context, sg models.PatternSuggestion) (models.PatternSuggestion, bool, error)
	UpdateSuggestion(ctx context.Context, sg models.PatternSuggestion) error
	GetSuggestion(ctx context.Context, tenantID string, id uuid.UUID) (models.PatternSuggestion, error)
	UpsertPattern(ctx context.Context, p models.Pattern) (models.Pattern, error)
	GetTenantSettings(ctx context.Context, tenantID string) (models.TenantSettings, error)
}

// Engine turns user corrections into validated, promoted patterns. One edit
// flows through: record correction, rewrite the transaction as user-sourced,
// look for enough similar corrections to form a suggestion, validate it in up
// to two LLM passes, and promote approvals into the pattern store.
type Engine struct {
	store     Store
	client    llm.Client
	matcher   *patterns.Matcher
	previewer *Previewer
	log       zerolog.Logger
}

func New(store Store, client llm.Client, matcher *patterns.Matcher, log zerolog.Logger) *Engine {
	e := &Engine{
		store:   store,
		client:  client,
		matcher: matcher,
		log:     log.With().Str("component", "reinforce").Logger(),
	}
	// stores that can list history unlock the candidate dry run
	if ps, ok := store.(PreviewStore); ok {
		e.previewer = NewPreviewer(ps, log)
	}
	return e
}

// Previewer exposes the dry-run evaluator, nil when the store cannot list
// transaction history.
func (e *Engine) Previewer() *Previewer { return e.previewer }

// CorrectionRequest is one user edit. Nil fields stay untouched.
type CorrectionRequest struct {
	TransactionID    uuid.UUID
	EntityCode       *string
	BusinessLineCode *string
	Category         *string
	Subcategory      *string
	Justification    *string
	UserID           string
	Reason           string
}

// ApplyCorrection records the edit, rewrites the transaction as user-sourced
// and feeds the learning loop. The returned suggestion is non-nil only when
// this edit pushed a pattern candidate over the support threshold.
// Reinforcement failures never fail the user's edit.
func (e *Engine) ApplyCorrection(ctx context.Context, tenantID string, req CorrectionRequest) (models.Transaction, *models.PatternSuggestion, error) {
	if tenantID == "" {
		return models.Transaction{}, nil, models.ErrMissingTenant
	}
	prior, err := e.store.GetTransaction(ctx, tenantID, req.TransactionID)
	if err != nil {
		return models.Transaction{}, nil, err
	}

	next, oldVals, newVals := applyFields(prior.Classification, req)
	if len(newVals) == 0 {
		return prior, nil, ErrNoChange
	}
	next.Source = models.SourceUser
	next.Confidence = 1.0

	if _, err := e.store.InsertCorrection(ctx, models.Correction{
		TenantID:      tenantID,
		TransactionID: prior.ID,
		OldValues:     oldVals,
		NewValues:     newVals,
		UserID:        req.UserID,
		Reason:        req.Reason,
	}); err != nil {
		return models.Transaction{}, nil, err
	}

	// a reviewed row is reviewed, whatever its confidence was before
	if err := e.store.UpdateClassification(ctx, tenantID, prior.ID, next, false); err != nil {
		return models.Transaction{}, nil, err
	}

	updated := prior
	updated.Classification = next
	updated.NeedsReview = false

	sg, err := e.learn(ctx, tenantID, updated)
	if err != nil {
		e.log.Warn().Err(err).
			Str("tenant_id", tenantID).
			Str("transaction_id", prior.ID.String()).
			Msg("reinforcement pass failed, correction kept")
		return updated, nil, nil
	}
	return updated, sg, nil
}

func applyFields(prior models.Classification, req CorrectionRequest) (models.Classification, map[string]string, map[string]string) {
	next := prior
	oldVals := make(map[string]string)
	newVals := make(map[string]string)
	set := func(field string, target *string, ptr *string) {
		if ptr == nil || *ptr == *target {
			return
		}
		oldVals[field] = *target
		newVals[field] = *ptr
		*target = *ptr
	}
	set(fieldEntity, &next.EntityCode, req.EntityCode)
	set(fieldBusinessLine, &next.BusinessLineCode, req.BusinessLineCode)
	set(fieldCategory, &next.Category, req.Category)
	set(fieldSubcategory, &next.Subcategory, req.Subcategory)
	set(fieldJustification, &next.Justification, req.Justification)
	return next, oldVals, newVals
}

// learn checks whether the corrected transaction, together with similar
// history, justifies a pattern suggestion, and validates it if so.
func (e *Engine) learn(ctx context.Context, tenantID string, tx models.Transaction) (*models.PatternSuggestion, error) {
	settings, err := e.store.GetTenantSettings(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	similar, err := e.store.FindSimilar(ctx, tenantID, tx.Description, minSimilarity, similarLimit)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]models.Transaction, len(similar))
	ids := make([]uuid.UUID, 0, len(similar))
	for _, t := range similar {
		byID[t.ID] = t
		ids = append(ids, t.ID)
	}

	corrections, err := e.store.ListCorrectionsForTransactions(ctx, tenantID, ids)
	if err != nil {
		return nil, err
	}

	supporters := pickSupporters(corrections, byID, tx.EntityCode, tx.Category)
	if len(supporters) < settings.CorrectionMinCount {
		return nil, nil
	}

	sg, err := e.buildSuggestion(ctx, tenantID, tx, supporters)
	if err != nil {
		return nil, err
	}
	if sg == nil {
		return nil, nil
	}

	conviction, err := e.store.ConvictionCount(ctx, tenantID, tx.EntityCode, tx.Category, tx.Subcategory)
	if err != nil {
		return nil, err
	}
	sg.SupportCount = len(supporters)
	sg.ConvictionCount = conviction
	sg.FrequencyClass = frequencyClass(postedDates(supporters))
	sg.AmountMean, sg.AmountCV = amountStats(amounts(supporters))

	stored, created, err := e.store.CreateSuggestion(ctx, *sg)
	if err != nil {
		return nil, err
	}
	if !created {
		if stored.Status != models.SuggestionPending {
			// rejected bodies are terminal, approved ones already promoted
			return &stored, nil
		}
		// refresh the evidence before revalidating the pending candidate
		stored.SupportCount = sg.SupportCount
		stored.ConvictionCount = sg.ConvictionCount
		stored.FrequencyClass = sg.FrequencyClass
		stored.AmountMean = sg.AmountMean
		stored.AmountCV = sg.AmountCV
	}

	report := e.dryRun(ctx, tenantID, &stored)
	if err := e.validate(ctx, &stored, settings, sampleDescriptions(supporters), nonMatchingSimilar(similar, tx.EntityCode, tx.Category), report); err != nil {
		return nil, err
	}
	return &stored, nil
}

// dryRun previews the candidate against recent history. Preview trouble never
// blocks validation, the reviewer just works without the numbers.
func (e *Engine) dryRun(ctx context.Context, tenantID string, sg *models.PatternSuggestion) *PreviewReport {
	if e.previewer == nil {
		return nil
	}
	report, err := e.previewer.Evaluate(ctx, tenantID, sg.ToPattern())
	if err != nil {
		e.log.Debug().Err(err).
			Str("tenant_id", tenantID).
			Msg("candidate dry run unavailable")
		return nil
	}
	return &report
}

// buildSuggestion extracts a pattern body from the supporter descriptions.
// The deterministic token extraction covers the simple cases; when it finds
// no usable common sequence the LLM proposes an entity signature instead.
func (e *Engine) buildSuggestion(ctx context.Context, tenantID string, tx models.Transaction, supporters []supporter) (*models.PatternSuggestion, error) {
	descs := make([]string, 0, len(supporters))
	for _, s := range supporters {
		descs = append(descs, s.tx.Description)
	}

	if seq := longestCommonTokens(descs); len(seq) >= 2 {
		return &models.PatternSuggestion{
			TenantID:         tenantID,
			Kind:             models.KindDescription,
			MatchType:        models.MatchTokenSeq,
			Expression:       strings.Join(seq, " "),
			EntityCode:       tx.EntityCode,
			BusinessLineCode: tx.BusinessLineCode,
			Category:         tx.Category,
			Subcategory:      tx.Subcategory,
			Confidence:       tokenConfidence,
		}, nil
	}

	sig, err := e.extractSignature(ctx, tenantID, descs, tx)
	if err != nil {
		return nil, err
	}
	if sig == nil {
		return nil, nil
	}
	return &models.PatternSuggestion{
		TenantID:         tenantID,
		Kind:             models.KindEntitySignature,
		Signature:        sig,
		EntityCode:       tx.EntityCode,
		BusinessLineCode: tx.BusinessLineCode,
		Category:         tx.Category,
		Subcategory:      tx.Subcategory,
		Confidence:       signatureConfidence,
	}, nil
}

// extractSignature asks the model for the weighted token sets shared by the
// descriptions. Nil without error means extraction found nothing usable.
func (e *Engine) extractSignature(ctx context.Context, tenantID string, descs []string, tx models.Transaction) (*models.SignatureBody, error) {
	if !e.client.Enabled() {
		return nil, nil
	}
	raw, err := e.client.Complete(ctx, llm.Request{
		TenantID:  tenantID,
		Site:      llm.SiteSignatureExtraction,
		System:    extractSystemPrompt,
		User:      buildExtractPrompt(descs, tx.EntityCode, tx.Category),
		MaxTokens: extractMaxTokens,
	})
	if err != nil {
		return nil, err
	}
	body, ok := llm.ExtractJSON(raw)
	if !ok {
		return nil, fmt.Errorf("signature extraction: %w", models.ErrLLMInvalidResponse)
	}
	var sig models.SignatureBody
	if err := json.Unmarshal([]byte(body), &sig); err != nil {
		return nil, fmt.Errorf("signature extraction: %w", models.ErrLLMInvalidResponse)
	}
	if len(sig.Tokens()) == 0 {
		return nil, nil
	}
	return &sig, nil
}

// validate runs the two-pass check and persists every state it moves through.
// An LLM outage leaves the suggestion pending for a later retry.
func (e *Engine) validate(ctx context.Context, sg *models.PatternSuggestion, settings models.TenantSettings, matching, nonMatching []sample, report *PreviewReport) error {
	if report != nil {
		nonMatching = mergeConflicting(nonMatching, report.Conflicting)
	}
	verdict, reason, err := e.reviewCall(ctx, sg, buildPassOnePrompt(sg, matching, nonMatching, report))
	if err != nil {
		e.log.Warn().Err(err).
			Str("tenant_id", sg.TenantID).
			Str("suggestion_id", sg.ID.String()).
			Msg("pass one unavailable, suggestion stays pending")
		metrics.Suggestions.WithLabelValues(string(models.SuggestionPending)).Inc()
		return e.store.UpdateSuggestion(ctx, *sg)
	}
	sg.PassOneVerdict, sg.PassOneReason = verdict, reason

	if verdict == "approve" {
		sg.Status = models.SuggestionValidatedPassOne
		if err := e.store.UpdateSuggestion(ctx, *sg); err != nil {
			return err
		}
		return e.promote(ctx, sg)
	}

	if !e.passTwoJustified(sg, settings) {
		return e.reject(ctx, sg)
	}

	verdict, reason, err = e.reviewCall(ctx, sg, buildPassTwoPrompt(sg, matching))
	if err != nil {
		e.log.Warn().Err(err).
			Str("tenant_id", sg.TenantID).
			Str("suggestion_id", sg.ID.String()).
			Msg("pass two unavailable, suggestion stays pending")
		metrics.Suggestions.WithLabelValues(string(models.SuggestionPending)).Inc()
		return e.store.UpdateSuggestion(ctx, *sg)
	}
	sg.PassTwoVerdict, sg.PassTwoReason = verdict, reason

	if verdict != "approve" {
		return e.reject(ctx, sg)
	}
	sg.Status = models.SuggestionValidatedPassTwo
	if sg.Confidence > suggestionConfidenceCap {
		sg.Confidence = suggestionConfidenceCap
	}
	if err := e.store.UpdateSuggestion(ctx, *sg); err != nil {
		return err
	}
	return e.promote(ctx, sg)
}

// passTwoJustified gates the second pass on operational evidence: a stable
// recurring charge, or enough manual classifications toward the same target.
func (e *Engine) passTwoJustified(sg *models.PatternSuggestion, settings models.TenantSettings) bool {
	recurring := sg.FrequencyClass == "daily" || sg.FrequencyClass == "weekly" || sg.FrequencyClass == "monthly"
	if recurring && sg.AmountCV.LessThan(decimalFromFloat(passTwoCVLimit)) {
		return true
	}
	return sg.ConvictionCount >= settings.ConvictionMinCount
}

func (e *Engine) reject(ctx context.Context, sg *models.PatternSuggestion) error {
	now := time.Now().UTC()
	sg.Status = models.SuggestionRejected
	sg.DecidedAt = &now
	metrics.Suggestions.WithLabelValues(string(models.SuggestionRejected)).Inc()
	e.log.Info().
		Str("tenant_id", sg.TenantID).
		Str("suggestion_id", sg.ID.String()).
		Str("reason", lastReason(sg)).
		Msg("suggestion rejected")
	return e.store.UpdateSuggestion(ctx, *sg)
}

// promote upserts the validated pattern and drops the tenant's match index.
func (e *Engine) promote(ctx context.Context, sg *models.PatternSuggestion) error {
	p := sg.ToPattern()
	if p.Kind == models.KindEntitySignature {
		p.Source = models.PatternLLMExtraction
	}
	stored, err := e.store.UpsertPattern(ctx, p)
	if err != nil {
		return err
	}
	e.matcher.Invalidate(sg.TenantID)

	now := time.Now().UTC()
	sg.Status = models.SuggestionApproved
	sg.DecidedAt = &now
	if err := e.store.UpdateSuggestion(ctx, *sg); err != nil {
		return err
	}
	metrics.Suggestions.WithLabelValues(string(models.SuggestionApproved)).Inc()
	e.log.Info().
		Str("tenant_id", sg.TenantID).
		Str("suggestion_id", sg.ID.String()).
		Str("pattern_id", stored.ID.String()).
		Str("kind", string(stored.Kind)).
		Float64("confidence", stored.Confidence).
		Msg("suggestion promoted to pattern")
	return nil
}

// reviewCall runs one safety-review completion and parses the verdict.
func (e *Engine) reviewCall(ctx context.Context, sg *models.PatternSuggestion, prompt string) (string, string, error) {
	if !e.client.Enabled() {
		return "", "", fmt.Errorf("llm disabled: %w", models.ErrLLMUnavailable)
	}
	raw, err := e.client.Complete(ctx, llm.Request{
		TenantID:  sg.TenantID,
		Site:      llm.SiteSafetyReview,
		System:    reviewSystemPrompt,
		User:      prompt,
		MaxTokens: validateMaxTokens,
	})
	if err != nil {
		return "", "", err
	}
	body, ok := llm.ExtractJSON(raw)
	if !ok {
		return "", "", fmt.Errorf("safety review: %w", models.ErrLLMInvalidResponse)
	}
	var resp struct {
		Verdict string `json:"verdict"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return "", "", fmt.Errorf("safety review: %w", models.ErrLLMInvalidResponse)
	}
	if resp.Verdict != "approve" && resp.Verdict != "reject" {
		return "", "", fmt.Errorf("safety review verdict %q: %w", resp.Verdict, models.ErrLLMInvalidResponse)
	}
	return resp.Verdict, resp.Reason, nil
}

// ApproveSuggestion is the manual override: a reviewer accepts a pending or
// rejected suggestion and it promotes immediately, capped like a pass-two
// approval.
func (e *Engine) ApproveSuggestion(ctx context.Context, tenantID string, id uuid.UUID) (models.PatternSuggestion, error) {
	sg, err := e.store.GetSuggestion(ctx, tenantID, id)
	if err != nil {
		return sg, err
	}
	if sg.Status == models.SuggestionApproved {
		return sg, nil
	}
	if sg.Confidence > suggestionConfidenceCap {
		sg.Confidence = suggestionConfidenceCap
	}
	if err := e.promote(ctx, &sg); err != nil {
		return sg, err
	}
	return sg, nil
}

// RejectSuggestion is the manual override in the other direction. Terminal.
func (e *Engine) RejectSuggestion(ctx context.Context, tenantID string, id uuid.UUID, reason string) (models.PatternSuggestion, error) {
	sg, err := e.store.GetSuggestion(ctx, tenantID, id)
	if err != nil {
		return sg, err
	}
	if sg.Status == models.SuggestionRejected {
		return sg, nil
	}
	if reason != "" {
		sg.PassTwoReason = reason
	}
	if err := e.reject(ctx, &sg); err != nil {
		return sg, err
	}
	return sg, nil
}

// RevalidateSuggestion re-runs validation for a pending suggestion, e.g.
// after an LLM outage left it parked.
func (e *Engine) RevalidateSuggestion(ctx context.Context, tenantID string, id uuid.UUID) (models.PatternSuggestion, error) {
	sg, err := e.store.GetSuggestion(ctx, tenantID, id)
	if err != nil {
		return sg, err
	}
	if sg.Status != models.SuggestionPending {
		return sg, nil
	}
	settings, err := e.store.GetTenantSettings(ctx, tenantID)
	if err != nil {
		return sg, err
	}

	similar, err := e.store.FindSimilar(ctx, tenantID, suggestionQuery(&sg), minSimilarity, similarLimit)
	if err != nil {
		return sg, err
	}
	matching := make([]sample, 0, maxSamples)
	nonMatching := make([]sample, 0, maxSamples)
	for _, t := range similar {
		s := sample{description: t.Description, entity: t.EntityCode, category: t.Category}
		if t.EntityCode == sg.EntityCode && t.Category == sg.Category {
			if len(matching) < maxSamples {
				matching = append(matching, s)
			}
		} else if t.Source == models.SourceUser && len(nonMatching) < maxSamples {
			nonMatching = append(nonMatching, s)
		}
	}

	if err := e.validate(ctx, &sg, settings, matching, nonMatching, e.dryRun(ctx, tenantID, &sg)); err != nil {
		return sg, err
	}
	return sg, nil
}

// suggestionQuery renders a similarity probe for a suggestion body.
func suggestionQuery(sg *models.PatternSuggestion) string {
	if sg.Kind == models.KindDescription {
		return sg.Expression
	}
	if sg.Signature == nil {
		return sg.Expression
	}
	parts := append([]string{}, sg.Signature.CompanyNames...)
	parts = append(parts, sg.Signature.Keywords...)
	return strings.Join(parts, " ")
}

func lastReason(sg *models.PatternSuggestion) string {
	if sg.PassTwoReason != "" {
		return sg.PassTwoReason
	}
	return sg.PassOneReason
}

// supporter pairs a correction with the transaction it edited.
type supporter struct {
	corr models.Correction
	tx   models.Transaction
}

type sample struct {
	description string
	entity      string
	category    string
}

// pickSupporters keeps the corrections targeting the same (entity, category)
// as the current edit, one per transaction, newest correction winning. A
// correction that left a field untouched inherits the transaction's value.
func pickSupporters(corrections []models.Correction, byID map[uuid.UUID]models.Transaction, entity, category string) []supporter {
	seen := make(map[uuid.UUID]struct{})
	var supporters []supporter
	for _, corr := range corrections {
		tx, ok := byID[corr.TransactionID]
		if !ok {
			continue
		}
		if _, dup := seen[corr.TransactionID]; dup {
			continue
		}
		seen[corr.TransactionID] = struct{}{}

		gotEntity := corr.NewValues[fieldEntity]
		if gotEntity == "" {
			gotEntity = tx.EntityCode
		}
		gotCategory := corr.NewValues[fieldCategory]
		if gotCategory == "" {
			gotCategory = tx.Category
		}
		if gotEntity == entity && gotCategory == category {
			supporters = append(supporters, supporter{corr: corr, tx: tx})
		}
	}
	return supporters
}

func sampleDescriptions(supporters []supporter) []sample {
	out := make([]sample, 0, maxSamples)
	for _, s := range supporters {
		if len(out) == maxSamples {
			break
		}
		out = append(out, sample{description: s.tx.Description, entity: s.tx.EntityCode, category: s.tx.Category})
	}
	return out
}

// nonMatchingSimilar picks user-confirmed transactions that resemble the
// corrected one but carry a different target. These are the mis-hits the
// safety pass must guard against.
func nonMatchingSimilar(similar []models.Transaction, entity, category string) []sample {
	out := make([]sample, 0, maxSamples)
	for _, t := range similar {
		if len(out) == maxSamples {
			break
		}
		if t.Source != models.SourceUser {
			continue
		}
		if t.EntityCode == entity && t.Category == category {
			continue
		}
		out = append(out, sample{description: t.Description, entity: t.EntityCode, category: t.Category})
	}
	return out
}

// mergeConflicting folds dry-run mis-hits into the non-matching samples the
// reviewer sees. These carry the same cap as the rest, doubled because both
// sources feed it.
func mergeConflicting(nonMatching []sample, conflicting []PreviewSample) []sample {
	seen := make(map[string]struct{}, len(nonMatching))
	for _, s := range nonMatching {
		seen[s.description] = struct{}{}
	}
	for _, c := range conflicting {
		if len(nonMatching) >= maxSamples*2 {
			break
		}
		if _, dup := seen[c.Description]; dup {
			continue
		}
		seen[c.Description] = struct{}{}
		nonMatching = append(nonMatching, sample{description: c.Description, entity: c.EntityCode, category: c.Category})
	}
	return nonMatching
}

func postedDates(supporters []supporter) []time.Time {
	out := make([]time.Time, 0, len(supporters))
	for _, s := range supporters {
		out = append(out, s.tx.PostedDate)
	}
	return out
}

func amounts(supporters []supporter) []float64 {
	out := make([]float64, 0, len(supporters))
	for _, s := range supporters {
		out = append(out, s.tx.Amount.InexactFloat64())
	}
	return out
}
