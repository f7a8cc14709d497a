package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opsledger/intake-engine/pkg/models"
)

// Administrative surface: the seedable state the classifier ladder builds
// on. Everything is an upsert keyed on tenant-scoped natural keys so config
// replays are harmless.

func (h *Handler) handleListAccounts(c *gin.Context) {
	accounts, err := h.store.ListAccounts(c.Request.Context(), tenantOf(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": accounts, "totalCount": len(accounts)})
}

// handleRegisterAccount registers a bank account or wallet. A mapped account
// (entity plus default category) classifies its rows at top confidence, so
// the mapping fields are validated together.
func (h *Handler) handleRegisterAccount(c *gin.Context) {
	var req struct {
		Kind             models.AccountKind `json:"kind" binding:"required"`
		Identifier       string             `json:"identifier" binding:"required"`
		DisplayName      string             `json:"displayName" binding:"required"`
		EntityCode       string             `json:"entityCode"`
		BusinessLineCode string             `json:"businessLineCode"`
		DefaultCategory  string             `json:"defaultCategory"`
		DefaultSubcat    string             `json:"defaultSubcategory"`
		RoleTag          string             `json:"roleTag"`
		Currency         string             `json:"currency"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error(), "code": "bad_request"})
		return
	}
	if req.Kind != models.AccountBank && req.Kind != models.AccountWallet {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "kind must be bank or wallet", "code": "invalid_account"})
		return
	}
	switch req.RoleTag {
	case "", models.RoleMining, models.RoleReceiving:
	default:
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "roleTag must be empty, mining or receiving", "code": "invalid_account"})
		return
	}
	if req.DefaultCategory != "" && req.EntityCode == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "a default category needs an owning entity", "code": "invalid_account"})
		return
	}

	saved, err := h.store.UpsertAccount(c.Request.Context(), models.Account{
		TenantID:         tenantOf(c),
		Kind:             req.Kind,
		Identifier:       req.Identifier,
		DisplayName:      req.DisplayName,
		EntityCode:       req.EntityCode,
		BusinessLineCode: req.BusinessLineCode,
		DefaultCategory:  req.DefaultCategory,
		DefaultSubcat:    req.DefaultSubcat,
		RoleTag:          req.RoleTag,
		Currency:         req.Currency,
		Active:           true,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"account": saved})
}

func (h *Handler) handleListEntities(c *gin.Context) {
	entities, err := h.store.ListLegalEntities(c.Request.Context(), tenantOf(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entities, "totalCount": len(entities)})
}

func (h *Handler) handleRegisterEntity(c *gin.Context) {
	var req struct {
		Code         string `json:"code" binding:"required"`
		Name         string `json:"name" binding:"required"`
		LegalName    string `json:"legalName"`
		EntityType   string `json:"entityType"`
		BaseCurrency string `json:"baseCurrency" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error(), "code": "bad_request"})
		return
	}

	e := models.LegalEntity{
		TenantID:     tenantOf(c),
		Code:         req.Code,
		Name:         req.Name,
		LegalName:    req.LegalName,
		EntityType:   req.EntityType,
		BaseCurrency: req.BaseCurrency,
		Active:       true,
	}
	if err := h.store.UpsertLegalEntity(c.Request.Context(), e); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entity": e})
}

func (h *Handler) handleListBusinessLines(c *gin.Context) {
	lines, err := h.store.ListBusinessLines(c.Request.Context(), tenantOf(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": lines, "totalCount": len(lines)})
}

func (h *Handler) handleRegisterBusinessLine(c *gin.Context) {
	var req struct {
		EntityCode string `json:"entityCode" binding:"required"`
		Code       string `json:"code" binding:"required"`
		Name       string `json:"name" binding:"required"`
		IsDefault  bool   `json:"isDefault"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error(), "code": "bad_request"})
		return
	}

	b := models.BusinessLine{
		TenantID:   tenantOf(c),
		EntityCode: req.EntityCode,
		Code:       req.Code,
		Name:       req.Name,
		IsDefault:  req.IsDefault,
		Active:     true,
	}
	if err := h.store.UpsertBusinessLine(c.Request.Context(), b); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"businessLine": b})
}

func (h *Handler) handleListCategories(c *gin.Context) {
	cats, err := h.store.ListCategories(c.Request.Context(), tenantOf(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": cats, "totalCount": len(cats)})
}

// handleRegisterCategory upserts one chart entry. The classifier and the
// validation prompts enumerate from this set; rows outside it never commit.
func (h *Handler) handleRegisterCategory(c *gin.Context) {
	var req struct {
		Name          string   `json:"name" binding:"required"`
		Subcategories []string `json:"subcategories"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error(), "code": "bad_request"})
		return
	}

	cat := models.Category{
		TenantID:      tenantOf(c),
		Name:          req.Name,
		Subcategories: req.Subcategories,
	}
	if err := h.store.UpsertCategory(c.Request.Context(), cat); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"category": cat})
}

func (h *Handler) handleGetSettings(c *gin.Context) {
	settings, err := h.store.GetTenantSettings(c.Request.Context(), tenantOf(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": settings})
}

// handlePutSettings replaces the tenant's tuning knobs. Zero-valued fields
// in the body fall back to the defaults, so partial bodies cannot silently
// disable thresholds.
func (h *Handler) handlePutSettings(c *gin.Context) {
	tenantID := tenantOf(c)
	settings := models.DefaultTenantSettings(tenantID)
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error(), "code": "bad_request"})
		return
	}
	settings.TenantID = tenantID

	if settings.ReviewThreshold < 0 || settings.ReviewThreshold > 1 ||
		settings.PatternThreshold < 0 || settings.PatternThreshold > 1 ||
		settings.SignatureThreshold < 0 || settings.SignatureThreshold > 1 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "thresholds must be within [0, 1]", "code": "invalid_settings"})
		return
	}

	if err := h.store.UpsertTenantSettings(c.Request.Context(), settings); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": settings})
}

// handleRegisterTenant records the tenant the request is bound to. The body
// names it; the binding header owns the id.
func (h *Handler) handleRegisterTenant(c *gin.Context) {
	var req struct {
		Name            string `json:"name" binding:"required"`
		Industry        string `json:"industry"`
		DefaultCurrency string `json:"defaultCurrency" binding:"required"`
		FiscalYearEnd   string `json:"fiscalYearEnd"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error(), "code": "bad_request"})
		return
	}

	t := models.Tenant{
		ID:              tenantOf(c),
		Name:            req.Name,
		Industry:        req.Industry,
		DefaultCurrency: req.DefaultCurrency,
		FiscalYearEnd:   req.FiscalYearEnd,
	}
	if err := h.store.UpsertTenant(c.Request.Context(), t); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"tenant": t})
}
