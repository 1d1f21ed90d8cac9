package handlers

import (
	"context"
	"net/http"
	"path"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/basetenlabs/avatar-generation-app-tutorial/apierr"
	"github.com/basetenlabs/avatar-generation-app-tutorial/logger"
	"github.com/basetenlabs/avatar-generation-app-tutorial/models"
	"github.com/basetenlabs/avatar-generation-app-tutorial/storage"
)

const requestTimeout = 30 * time.Second

// Service is the orchestrator surface the HTTP layer consumes.
type Service interface {
	Reset(ctx context.Context, userID string) (*models.UserData, error)
	GetUserData(ctx context.Context, userID string) (*models.UserData, error)
	GetModelHealth(ctx context.Context, userID string) (*models.ModelHealth, error)
	SubmitRun(ctx context.Context, userID, prompt, datasetURL string) (string, error)
	InvokeModel(ctx context.Context, runID, prompt string) (string, error)
}

// Handler handles HTTP requests
type Handler struct {
	svc      Service
	datasets *storage.DatasetStore
	log      *logger.Logger
}

// NewHandler creates a new handler instance. datasets may be nil when no
// object store is configured; the upload route then reports 503.
func NewHandler(svc Service, datasets *storage.DatasetStore, baseLog *logger.Logger) *Handler {
	return &Handler{
		svc:      svc,
		datasets: datasets,
		log:      baseLog.With("component", "Handler"),
	}
}

// ResetUser handles POST /api/v1/users/:user_id/reset
func (h *Handler) ResetUser(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	data, err := h.svc.Reset(ctx, c.Param("user_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, data)
}

// GetUserData handles GET /api/v1/users/:user_id
func (h *Handler) GetUserData(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	data, err := h.svc.GetUserData(ctx, c.Param("user_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, data)
}

// GetModelHealth handles GET /api/v1/users/:user_id/model/health
func (h *Handler) GetModelHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	health, err := h.svc.GetModelHealth(ctx, c.Param("user_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, health)
}

// SubmitRun handles POST /api/v1/users/:user_id/runs
func (h *Handler) SubmitRun(c *gin.Context) {
	var req models.SubmitRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request payload",
			"code":  apierr.CodeValidation,
		})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	runID, err := h.svc.SubmitRun(ctx, c.Param("user_id"), req.Prompt, req.DatasetURL)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.SubmitRunResponse{RunID: runID})
}

// InvokeModel handles POST /api/v1/runs/:run_id/invoke
func (h *Handler) InvokeModel(c *gin.Context) {
	var req models.InvokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request payload",
			"code":  apierr.CodeValidation,
		})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	outputRef, err := h.svc.InvokeModel(ctx, c.Param("run_id"), req.Prompt)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.InvokeResponse{OutputRef: outputRef})
}

// UploadDataset handles POST /api/v1/datasets. The returned dataset_url is
// what callers pass to SubmitRun.
func (h *Handler) UploadDataset(c *gin.Context) {
	if h.datasets == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dataset storage is not configured"})
		return
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "File is required",
			"code":  apierr.CodeValidation,
		})
		return
	}
	defer file.Close()

	objectKey := c.PostForm("objectKey")
	if objectKey == "" {
		// Prefix with a random id so concurrent uploads of same-named
		// files don't clobber each other.
		objectKey = uuid.New().String()[:8] + "-" + path.Base(header.Filename)
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 60*time.Second)
	defer cancel()

	datasetURL, err := h.datasets.Upload(ctx, objectKey, file, header.Size, header.Header.Get("Content-Type"))
	if err != nil {
		h.log.Error("Failed to upload dataset", "object", objectKey, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to upload dataset"})
		return
	}

	c.JSON(http.StatusOK, models.UploadResponse{
		Bucket:     h.datasets.Bucket(),
		ObjectKey:  objectKey,
		DatasetURL: datasetURL,
		Size:       header.Size,
	})
}

// writeError maps orchestrator errors onto HTTP responses. Conflict and
// not-ready responses carry the derived state so callers can decide
// whether to reset first.
func (h *Handler) writeError(c *gin.Context, err error) {
	if e := apierr.From(err); e != nil {
		body := gin.H{"error": e.Error(), "code": e.Code}
		if e.State != "" {
			body["state"] = e.State
		}
		c.JSON(e.Status, body)
		return
	}
	h.log.Error("Unhandled error", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
