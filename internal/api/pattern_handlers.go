package api

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"

	"github.com/opsledger/intake-engine/pkg/models"
)

// seedConfidence applies when a seeded pattern does not name its own.
const seedConfidence = 0.85

func (h *Handler) handleListPatterns(c *gin.Context) {
	page, limit := pageParams(c)
	kind := models.PatternKind(c.Query("kind"))

	pats, total, err := h.store.ListPatterns(c.Request.Context(), tenantOf(c), kind, page, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":       pats,
		"totalCount": total,
		"page":       page,
		"limit":      limit,
	})
}

type patternRequest struct {
	Kind             models.PatternKind    `json:"kind" binding:"required"`
	MatchType        models.MatchType      `json:"matchType"`
	Expression       string                `json:"expression"`
	Signature        *models.SignatureBody `json:"signature"`
	EntityCode       string                `json:"entityCode" binding:"required"`
	BusinessLineCode string                `json:"businessLineCode"`
	Category         string                `json:"category" binding:"required"`
	Subcategory      string                `json:"subcategory"`
	Confidence       float64               `json:"confidence"`
}

// toPattern validates the request body and shapes it into a pattern. The
// reason string is empty when the body is usable.
func (r *patternRequest) toPattern(tenantID string) (models.Pattern, string) {
	p := models.Pattern{
		TenantID:         tenantID,
		Kind:             r.Kind,
		MatchType:        r.MatchType,
		Expression:       r.Expression,
		Signature:        r.Signature,
		EntityCode:       r.EntityCode,
		BusinessLineCode: r.BusinessLineCode,
		Category:         r.Category,
		Subcategory:      r.Subcategory,
		Confidence:       r.Confidence,
	}
	if p.Confidence == 0 {
		p.Confidence = seedConfidence
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return p, "confidence must be within (0, 1]"
	}

	switch p.Kind {
	case models.KindAccountMap:
		if p.Expression == "" {
			return p, "account_map patterns need an account identifier in expression"
		}
	case models.KindDescription:
		if p.Expression == "" {
			return p, "description patterns need an expression"
		}
		switch p.MatchType {
		case models.MatchSubstring, models.MatchTokenSeq:
		case models.MatchRegex:
			if _, err := regexp.Compile("(?i)" + p.Expression); err != nil {
				return p, "invalid regex: " + err.Error()
			}
		default:
			return p, "matchType must be substring, regex or token_seq"
		}
	case models.KindEntitySignature:
		if p.Signature == nil || len(p.Signature.Tokens()) == 0 {
			return p, "entity_signature patterns need a signature with at least one token"
		}
	default:
		return p, "kind must be account_map, description or entity_signature"
	}
	return p, ""
}

// handleSeedPattern upserts a curated rule. Seeding the same body again
// refreshes target and confidence instead of inserting a twin.
func (h *Handler) handleSeedPattern(c *gin.Context) {
	var req patternRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error(), "code": "bad_request"})
		return
	}
	tenantID := tenantOf(c)

	p, reason := req.toPattern(tenantID)
	if reason != "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": reason, "code": "invalid_pattern"})
		return
	}
	p.Source = models.PatternSeed
	p.Active = true

	saved, err := h.store.UpsertPattern(c.Request.Context(), p)
	if err != nil {
		respondError(c, err)
		return
	}
	h.matcher.Invalidate(tenantID)
	if h.hub != nil {
		h.hub.Broadcast(tenantID, EventPatternChanged, gin.H{"patternId": saved.ID, "kind": saved.Kind})
	}
	c.JSON(http.StatusCreated, gin.H{"pattern": saved})
}

// handleDeactivatePattern retires a rule without deleting its history.
func (h *Handler) handleDeactivatePattern(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	tenantID := tenantOf(c)
	if err := h.store.DeactivatePattern(c.Request.Context(), tenantID, id); err != nil {
		respondError(c, err)
		return
	}
	h.matcher.Invalidate(tenantID)
	if h.hub != nil {
		h.hub.Broadcast(tenantID, EventPatternChanged, gin.H{"patternId": id, "active": false})
	}
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}

// handlePreviewPattern dry-runs a candidate body against recent history
// without persisting anything.
func (h *Handler) handlePreviewPattern(c *gin.Context) {
	var req patternRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error(), "code": "bad_request"})
		return
	}
	tenantID := tenantOf(c)

	p, reason := req.toPattern(tenantID)
	if reason != "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": reason, "code": "invalid_pattern"})
		return
	}

	report, err := h.preview.Evaluate(c.Request.Context(), tenantID, p)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"preview": report})
}

// handlePatternDrift reports which live rules contradict what users have
// since confirmed. ?entity= narrows to one legal entity's rules.
func (h *Handler) handlePatternDrift(c *gin.Context) {
	report, err := h.preview.Drift(c.Request.Context(), tenantOf(c), c.Query("entity"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"drift": report})
}

func (h *Handler) handleListSuggestions(c *gin.Context) {
	page, limit := pageParams(c)
	status := models.SuggestionStatus(c.Query("status"))

	sgs, total, err := h.store.ListSuggestions(c.Request.Context(), tenantOf(c), status, page, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":       sgs,
		"totalCount": total,
		"page":       page,
		"limit":      limit,
	})
}

// handleApproveSuggestion is the reviewer override: promote regardless of
// the validation verdicts, capped like a machine approval.
func (h *Handler) handleApproveSuggestion(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	tenantID := tenantOf(c)
	sg, err := h.reinforce.ApproveSuggestion(c.Request.Context(), tenantID, id)
	if err != nil {
		respondError(c, err)
		return
	}
	if h.hub != nil {
		h.hub.Broadcast(tenantID, EventPatternChanged, gin.H{"suggestionId": sg.ID, "kind": sg.Kind})
	}
	c.JSON(http.StatusOK, gin.H{"suggestion": sg})
}

func (h *Handler) handleRejectSuggestion(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	// body is optional
	_ = c.ShouldBindJSON(&req)

	sg, err := h.reinforce.RejectSuggestion(c.Request.Context(), tenantOf(c), id, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"suggestion": sg})
}

// handleRevalidateSuggestion re-runs validation for a suggestion an LLM
// outage left pending.
func (h *Handler) handleRevalidateSuggestion(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	tenantID := tenantOf(c)
	sg, err := h.reinforce.RevalidateSuggestion(c.Request.Context(), tenantID, id)
	if err != nil {
		respondError(c, err)
		return
	}
	if sg.Status == models.SuggestionApproved && h.hub != nil {
		h.hub.Broadcast(tenantID, EventPatternChanged, gin.H{"suggestionId": sg.ID, "kind": sg.Kind})
	}
	c.JSON(http.StatusOK, gin.H{"suggestion": sg})
}
