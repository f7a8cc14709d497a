package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the pipeline. Callers match with errors.Is;
// store and client layers wrap underlying causes with %w so the chain stays
// inspectable.
var (
	// ErrMissingTenant is returned whenever an operation reaches the core
	// without an explicit tenant binding. There is no fallback tenant, ever.
	ErrMissingTenant = errors.New("missing tenant context")

	// ErrUnparseableFormat marks a file whose structure could not be inferred
	// after schema validation, dry-run and one retry.
	ErrUnparseableFormat = errors.New("unparseable file format")

	// ErrDuplicateRow marks a row whose content hash already exists for the
	// tenant. Duplicates are counted, not failed.
	ErrDuplicateRow = errors.New("duplicate row")

	// ErrPatternStoreUnavailable is fatal to an ingest job: classifying
	// without tenant patterns would silently degrade every assignment.
	ErrPatternStoreUnavailable = errors.New("pattern store unavailable")

	// ErrTransactionStoreUnavailable is fatal to the operation that hit it.
	ErrTransactionStoreUnavailable = errors.New("transaction store unavailable")

	// ErrLLMUnavailable covers timeouts and transport failures after retries.
	// Recoverable: affected rows fall through to the default classification.
	ErrLLMUnavailable = errors.New("llm service unavailable")

	// ErrLLMInvalidResponse covers responses that fail schema validation or
	// name entities/categories outside the tenant's configured sets.
	ErrLLMInvalidResponse = errors.New("llm response failed validation")

	// ErrUserEditProtected rejects pipeline writes that would overwrite a
	// user-sourced classification.
	ErrUserEditProtected = errors.New("classification protected by user edit")

	ErrNotFound = errors.New("not found")
)

// RowRejectedError carries the source row index and reason for a row the
// ingestion engine dropped. Rejections surface in job progress, they do not
// abort the job unless the reject ratio limit is crossed.
type RowRejectedError struct {
	RowIndex int    `json:"rowIndex"`
	Field    string `json:"field,omitempty"`
	Reason   string `json:"reason"`
}

func (e *RowRejectedError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("row %d rejected: %s (%s)", e.RowIndex, e.Reason, e.Field)
	}
	return fmt.Sprintf("row %d rejected: %s", e.RowIndex, e.Reason)
}
