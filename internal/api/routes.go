package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opsledger/intake-engine/internal/blob"
	"github.com/opsledger/intake-engine/internal/config"
	"github.com/opsledger/intake-engine/internal/logging"
	"github.com/opsledger/intake-engine/internal/metrics"
	"github.com/opsledger/intake-engine/internal/pipeline"
	"github.com/opsledger/intake-engine/internal/reinforce"
	"github.com/opsledger/intake-engine/internal/tenant"
	"github.com/opsledger/intake-engine/pkg/models"
)

// DataStore is the slice of the persistence layer the handlers touch.
// *db.Store satisfies it.
type DataStore interface {
	Ping(ctx context.Context) error

	CreateRawFile(ctx context.Context, f models.RawFile) (models.RawFile, bool, error)
	GetRawFile(ctx context.Context, tenantID string, id uuid.UUID) (models.RawFile, error)

	GetTransaction(ctx context.Context, tenantID string, id uuid.UUID) (models.Transaction, error)
	ListTransactions(ctx context.Context, tenantID string, f models.TransactionFilter, page, limit int) ([]models.Transaction, int, error)
	BulkUpdateClassification(ctx context.Context, tenantID string, ids []uuid.UUID, cl models.Classification, needsReview bool) (int, int, error)

	ListPatterns(ctx context.Context, tenantID string, kind models.PatternKind, page, limit int) ([]models.Pattern, int, error)
	GetPattern(ctx context.Context, tenantID string, id uuid.UUID) (models.Pattern, error)
	UpsertPattern(ctx context.Context, p models.Pattern) (models.Pattern, error)
	DeactivatePattern(ctx context.Context, tenantID string, id uuid.UUID) error
	ListSuggestions(ctx context.Context, tenantID string, status models.SuggestionStatus, page, limit int) ([]models.PatternSuggestion, int, error)

	UpsertAccount(ctx context.Context, a models.Account) (models.Account, error)
	ListAccounts(ctx context.Context, tenantID string) ([]models.Account, error)

	UpsertTenant(ctx context.Context, t models.Tenant) error
	UpsertLegalEntity(ctx context.Context, e models.LegalEntity) error
	ListLegalEntities(ctx context.Context, tenantID string) ([]models.LegalEntity, error)
	UpsertBusinessLine(ctx context.Context, b models.BusinessLine) error
	ListBusinessLines(ctx context.Context, tenantID string) ([]models.BusinessLine, error)
	UpsertCategory(ctx context.Context, cat models.Category) error
	ListCategories(ctx context.Context, tenantID string) ([]models.Category, error)
	GetTenantSettings(ctx context.Context, tenantID string) (models.TenantSettings, error)
	UpsertTenantSettings(ctx context.Context, ts models.TenantSettings) error
}

// Ingestor runs and tracks ingest jobs. *pipeline.Coordinator satisfies it.
type Ingestor interface {
	Start(ctx context.Context, tenantID string, rawFileID uuid.UUID) (*pipeline.Job, error)
	Resume(ctx context.Context, tenantID string, rawFileID uuid.UUID) (*pipeline.Job, error)
	Job(tenantID string, jobID uuid.UUID) (*pipeline.Job, error)
	Cancel(tenantID string, jobID uuid.UUID) error
}

// Reinforcer feeds user corrections back into the learned-pattern store.
// *reinforce.Engine satisfies it.
type Reinforcer interface {
	ApplyCorrection(ctx context.Context, tenantID string, req reinforce.CorrectionRequest) (models.Transaction, *models.PatternSuggestion, error)
	ApproveSuggestion(ctx context.Context, tenantID string, id uuid.UUID) (models.PatternSuggestion, error)
	RejectSuggestion(ctx context.Context, tenantID string, id uuid.UUID, reason string) (models.PatternSuggestion, error)
	RevalidateSuggestion(ctx context.Context, tenantID string, id uuid.UUID) (models.PatternSuggestion, error)
}

// PreviewRunner dry-runs rules against recent history. *reinforce.Previewer
// satisfies it.
type PreviewRunner interface {
	Evaluate(ctx context.Context, tenantID string, p models.Pattern) (reinforce.PreviewReport, error)
	Drift(ctx context.Context, tenantID, entityCode string) (reinforce.DriftReport, error)
}

// MatchIndex drops cached tenant match indexes after pattern mutations.
// *patterns.Matcher satisfies it.
type MatchIndex interface {
	Invalidate(tenantID string)
}

// Deps wires the handlers. Hub may be nil in tests that never touch /stream.
type Deps struct {
	Store      DataStore
	Blobs      blob.Store
	Jobs       Ingestor
	Reinforce  Reinforcer
	Preview    PreviewRunner
	Matcher    MatchIndex
	Hub        *Hub
	Server     config.ServerConfig
	LLMEnabled bool
	Log        zerolog.Logger
}

type Handler struct {
	store      DataStore
	blobs      blob.Store
	jobs       Ingestor
	reinforce  Reinforcer
	preview    PreviewRunner
	matcher    MatchIndex
	hub        *Hub
	llmEnabled bool
	log        zerolog.Logger
}

// SetupRouter builds the engine's HTTP surface: health and metrics at the
// root, everything tenant-scoped under /api/v1 behind the rate limiter and
// the tenant binding middleware.
func SetupRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware(d.Server.AllowedOrigins))

	h := &Handler{
		store:      d.Store,
		blobs:      d.Blobs,
		jobs:       d.Jobs,
		reinforce:  d.Reinforce,
		preview:    d.Preview,
		matcher:    d.Matcher,
		hub:        d.Hub,
		llmEnabled: d.LLMEnabled,
		log:        logging.Component(d.Log, "api"),
	}

	r.GET("/health", h.handleHealth)
	r.GET("/metrics", metrics.Handler())

	limiter := NewRateLimiter(d.Server.RateLimitPerMinute, d.Server.RateLimitBurst)

	api := r.Group("/api/v1")
	api.Use(limiter.Middleware(), tenant.Middleware(logging.Security(d.Log)))
	{
		api.POST("/files", h.handleUploadFile)
		api.GET("/files/:id", h.handleGetFile)
		api.POST("/files/:id/ingest", h.handleIngestFile)
		api.POST("/files/:id/resume", h.handleResumeFile)
		api.GET("/jobs/:id", h.handleJobStatus)
		api.POST("/jobs/:id/cancel", h.handleCancelJob)

		api.GET("/transactions", h.handleListTransactions)
		api.GET("/transactions/:id", h.handleGetTransaction)
		api.PATCH("/transactions/:id/classification", h.handleCorrectClassification)
		api.POST("/transactions/bulk", h.handleBulkClassify)

		api.GET("/patterns", h.handleListPatterns)
		api.POST("/patterns", h.handleSeedPattern)
		api.POST("/patterns/preview", h.handlePreviewPattern)
		api.GET("/patterns/drift", h.handlePatternDrift)
		api.POST("/patterns/:id/deactivate", h.handleDeactivatePattern)

		api.GET("/suggestions", h.handleListSuggestions)
		api.POST("/suggestions/:id/approve", h.handleApproveSuggestion)
		api.POST("/suggestions/:id/reject", h.handleRejectSuggestion)
		api.POST("/suggestions/:id/revalidate", h.handleRevalidateSuggestion)

		api.GET("/accounts", h.handleListAccounts)
		api.POST("/accounts", h.handleRegisterAccount)
		api.GET("/entities", h.handleListEntities)
		api.POST("/entities", h.handleRegisterEntity)
		api.GET("/business-lines", h.handleListBusinessLines)
		api.POST("/business-lines", h.handleRegisterBusinessLine)
		api.GET("/categories", h.handleListCategories)
		api.POST("/categories", h.handleRegisterCategory)
		api.GET("/settings", h.handleGetSettings)
		api.PUT("/settings", h.handlePutSettings)
		api.POST("/tenants", h.handleRegisterTenant)

		if d.Hub != nil {
			api.GET("/stream", d.Hub.Subscribe)
		}
	}

	return r
}

// corsMiddleware allows the configured origins. Empty or "*" allows all.
func corsMiddleware(allowedOrigins string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, Accept, Origin, Cache-Control, X-Requested-With, "+tenant.Header)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// handleHealth reports engine status and capabilities for service discovery.
func (h *Handler) handleHealth(c *gin.Context) {
	dbUp := h.store.Ping(c.Request.Context()) == nil
	status := "operational"
	if !dbUp {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status": status,
		"engine": "opsledger intake engine",
		"capabilities": gin.H{
			"format_analysis":    h.llmEnabled,
			"llm_classification": h.llmEnabled,
			"pattern_learning":   true,
			"resume":             true,
			"stream":             h.hub != nil,
		},
		"dbConnected": dbUp,
	})
}

func tenantOf(c *gin.Context) string {
	return tenant.MustFromContext(c.Request.Context())
}

func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 500 {
		limit = 50
	}
	return page, limit
}

func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id, expected a UUID", "code": "invalid_id"})
		return uuid.Nil, false
	}
	return id, true
}
