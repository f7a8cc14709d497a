package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/opsledger/intake-engine/internal/reinforce"
	"github.com/opsledger/intake-engine/pkg/models"
)

func (h *Handler) handleListTransactions(c *gin.Context) {
	tenantID := tenantOf(c)
	page, limit := pageParams(c)

	f := models.TransactionFilter{
		EntityCode: c.Query("entity"),
		Category:   c.Query("category"),
		AccountID:  c.Query("account"),
		Source:     c.Query("source"),
		Search:     c.Query("q"),
	}
	if v, ok := boolQuery(c, "needsReview"); ok {
		f.NeedsReview = &v
	}
	if v, ok := boolQuery(c, "archived"); ok {
		f.Archived = &v
	}
	if t, ok := timeQuery(c, "from"); ok {
		f.DateFrom = &t
	}
	if t, ok := timeQuery(c, "to"); ok {
		f.DateTo = &t
	}

	txs, total, err := h.store.ListTransactions(c.Request.Context(), tenantID, f, page, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":       txs,
		"totalCount": total,
		"page":       page,
		"limit":      limit,
	})
}

func (h *Handler) handleGetTransaction(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	tx, err := h.store.GetTransaction(c.Request.Context(), tenantOf(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// handleCorrectClassification is the user edit entry point. The edit always
// wins over machine classification and feeds the reinforcement loop; a
// suggestion comes back when this edit pushed a candidate over the support
// threshold.
func (h *Handler) handleCorrectClassification(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req struct {
		EntityCode       *string `json:"entityCode"`
		BusinessLineCode *string `json:"businessLineCode"`
		Category         *string `json:"category"`
		Subcategory      *string `json:"subcategory"`
		Justification    *string `json:"justification"`
		UserID           string  `json:"userId" binding:"required"`
		Reason           string  `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error(), "code": "bad_request"})
		return
	}

	tenantID := tenantOf(c)
	tx, sg, err := h.reinforce.ApplyCorrection(c.Request.Context(), tenantID, reinforce.CorrectionRequest{
		TransactionID:    id,
		EntityCode:       req.EntityCode,
		BusinessLineCode: req.BusinessLineCode,
		Category:         req.Category,
		Subcategory:      req.Subcategory,
		Justification:    req.Justification,
		UserID:           req.UserID,
		Reason:           req.Reason,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	if sg != nil && h.hub != nil {
		h.hub.Broadcast(tenantID, EventSuggestion, sg)
		if sg.Status == models.SuggestionApproved {
			h.hub.Broadcast(tenantID, EventPatternChanged, gin.H{"suggestionId": sg.ID, "kind": sg.Kind})
		}
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx, "suggestion": sg})
}

// handleBulkClassify applies one classification to a set of rows as a user
// action. Rows already user-classified count as skipped only when the write
// would demote them; user writes pass the guard.
func (h *Handler) handleBulkClassify(c *gin.Context) {
	var req struct {
		IDs              []uuid.UUID `json:"ids" binding:"required"`
		EntityCode       string      `json:"entityCode" binding:"required"`
		BusinessLineCode string      `json:"businessLineCode"`
		Category         string      `json:"category" binding:"required"`
		Subcategory      string      `json:"subcategory"`
		Justification    string      `json:"justification"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error(), "code": "bad_request"})
		return
	}
	if len(req.IDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ids must not be empty", "code": "bad_request"})
		return
	}

	cl := models.Classification{
		EntityCode:       req.EntityCode,
		BusinessLineCode: req.BusinessLineCode,
		Category:         req.Category,
		Subcategory:      req.Subcategory,
		Justification:    req.Justification,
		Confidence:       1.0,
		Source:           models.SourceUser,
	}
	updated, skipped, err := h.store.BulkUpdateClassification(c.Request.Context(), tenantOf(c), req.IDs, cl, false)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated, "skipped": skipped})
}

func boolQuery(c *gin.Context, key string) (bool, bool) {
	raw, present := c.GetQuery(key)
	if !present {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

// timeQuery accepts RFC 3339 or a plain date.
func timeQuery(c *gin.Context, key string) (time.Time, bool) {
	raw, present := c.GetQuery(key)
	if !present {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, true
	}
	return time.Time{}, false
}
