package api

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opsledger/intake-engine/pkg/models"
)

// maxUploadBytes caps one uploaded export. Bank and processor exports run to
// a few hundred MB only in pathological cases; those should be split anyway.
const maxUploadBytes = 64 << 20

// handleUploadFile stores the raw bytes and registers the file. Uploading
// the same bytes twice hands back the first record instead of a twin.
// Accepts multipart ("file" field) or a raw body with ?filename=.
func (h *Handler) handleUploadFile(c *gin.Context) {
	tenantID := tenantOf(c)

	data, filename, err := readUpload(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read upload: " + err.Error(), "code": "bad_upload"})
		return
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty upload", "code": "bad_upload"})
		return
	}
	if len(data) > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload exceeds the size limit", "code": "upload_too_large"})
		return
	}

	ref, err := h.blobs.Put(c.Request.Context(), data)
	if err != nil {
		h.log.Error().Err(err).Str("tenant_id", tenantID).Msg("blob write failed")
		respondError(c, err)
		return
	}

	sum := sha256.Sum256(data)
	file, created, err := h.store.CreateRawFile(c.Request.Context(), models.RawFile{
		TenantID:    tenantID,
		Filename:    filename,
		BlobRef:     ref,
		ContentHash: hex.EncodeToString(sum[:]),
		SizeBytes:   int64(len(data)),
		Status:      models.FileReceived,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
		h.log.Info().
			Str("tenant_id", tenantID).
			Str("file_id", file.ID.String()).
			Str("filename", filename).
			Msg("duplicate upload, existing file returned")
	}
	c.JSON(status, gin.H{"file": file, "duplicate": !created})
}

// readUpload pulls the bytes out of a multipart form or the raw body. The
// extra byte past the cap lets the handler tell "at the limit" from "over".
func readUpload(c *gin.Context) ([]byte, string, error) {
	if fh, err := c.FormFile("file"); err == nil {
		f, err := fh.Open()
		if err != nil {
			return nil, "", err
		}
		defer f.Close()
		data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes+1))
		return data, fh.Filename, err
	}

	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxUploadBytes+1))
	filename := c.Query("filename")
	if filename == "" {
		filename = "upload"
	}
	return data, filename, err
}

func (h *Handler) handleGetFile(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	file, err := h.store.GetRawFile(c.Request.Context(), tenantOf(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"file": file})
}

// handleIngestFile launches an ingest job for an uploaded file.
func (h *Handler) handleIngestFile(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	job, err := h.jobs.Start(c.Request.Context(), tenantOf(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job.Progress()})
}

// handleResumeFile continues a partially ingested file, skipping everything
// already committed.
func (h *Handler) handleResumeFile(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	job, err := h.jobs.Resume(c.Request.Context(), tenantOf(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job.Progress()})
}

// handleJobStatus returns the live progress snapshot plus the sampled row
// rejections.
func (h *Handler) handleJobStatus(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	job, err := h.jobs.Job(tenantOf(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job":        job.Progress(),
		"rejections": job.Rejections(),
	})
}

// handleCancelJob requests cooperative cancellation: the in-flight chunk
// still commits, nothing committed rolls back.
func (h *Handler) handleCancelJob(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.jobs.Cancel(tenantOf(c), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}
