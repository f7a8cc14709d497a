package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opsledger/intake-engine/internal/pipeline"
	"github.com/opsledger/intake-engine/internal/reinforce"
	"github.com/opsledger/intake-engine/pkg/models"
)

// respondError maps the error taxonomy onto HTTP statuses and stable codes.
// Anything unmapped is an internal error; handlers log those before calling
// here when they have context worth keeping.
func respondError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, models.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, models.ErrMissingTenant):
		status, code = http.StatusBadRequest, "missing_tenant"
	case errors.Is(err, models.ErrUserEditProtected):
		status, code = http.StatusConflict, "user_edit_protected"
	case errors.Is(err, models.ErrDuplicateRow):
		status, code = http.StatusConflict, "duplicate"
	case errors.Is(err, models.ErrUnparseableFormat):
		status, code = http.StatusUnprocessableEntity, "unparseable_format"
	case errors.Is(err, reinforce.ErrNoChange):
		status, code = http.StatusBadRequest, "no_change"
	case errors.Is(err, pipeline.ErrJobRunning):
		status, code = http.StatusConflict, "job_running"
	case errors.Is(err, models.ErrLLMUnavailable):
		status, code = http.StatusServiceUnavailable, "llm_unavailable"
	case errors.Is(err, models.ErrLLMInvalidResponse):
		status, code = http.StatusBadGateway, "llm_invalid_response"
	case errors.Is(err, models.ErrPatternStoreUnavailable),
		errors.Is(err, models.ErrTransactionStoreUnavailable):
		status, code = http.StatusServiceUnavailable, "store_unavailable"
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		// internals stay in the logs
		msg = "internal error"
	}
	c.JSON(status, gin.H{"error": msg, "code": code})
}
