package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"synthtune/internal/models"
	"synthtune/internal/service/history"
	"synthtune/internal/service/pipeline"
)

const (
	// multipart parts above this size spill to temp files
	multipartMemory = 32 << 20
	// room for the non-file form fields on top of the upload limit
	multipartOverhead = 1 << 20

	runIDHeader = "X-Run-ID"
)

// Pipeline runs one fine-tune-and-generate request.
type Pipeline interface {
	Run(ctx context.Context, req pipeline.Request, deliver pipeline.DeliverFunc) (*models.Run, error)
}

// RunHistory reads recorded runs.
type RunHistory interface {
	Get(ctx context.Context, id string) (*models.Run, error)
	List(ctx context.Context, limit int) ([]*models.Run, error)
}

// Handler wires HTTP routes to the pipeline. The model type is fixed for the
// life of the handler.
type Handler struct {
	modelType      string
	pipeline       Pipeline
	history        RunHistory
	maxUploadBytes int64
}

type HandlerOptions struct {
	History RunHistory
	// MaxUploadBytes caps the dataset upload; 0 means unlimited.
	MaxUploadBytes int64
}

// NewHandler constructs a Handler instance.
func NewHandler(modelType string, p Pipeline, opts HandlerOptions) *Handler {
	return &Handler{
		modelType:      modelType,
		pipeline:       p,
		history:        opts.History,
		maxUploadBytes: opts.MaxUploadBytes,
	}
}

// RegisterRoutes attaches the pipeline, run and health routes to the router.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.POST("/fine-tune-and-generate", h.fineTuneAndGenerate)
	router.GET("/runs", h.listRuns)
	router.GET("/runs/:id", h.getRun)
	router.GET("/healthz", h.healthz)
}

func (h *Handler) fineTuneAndGenerate(c *gin.Context) {
	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+multipartOverhead)
	}
	if err := c.Request.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "dataset too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}

	modelType := c.PostForm("model_type")
	if modelType != h.modelType {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Model type %s not supported by this container", modelType),
		})
		return
	}
	epochs, ok := positiveFormInt(c, "epochs", pipeline.DefaultEpochs)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "epochs must be a positive integer"})
		return
	}
	batchSize, ok := positiveFormInt(c, "batch_size", pipeline.DefaultBatchSize)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch_size must be a positive integer"})
		return
	}

	file, err := c.FormFile("dataset")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "dataset file is required"})
		return
	}
	if h.maxUploadBytes > 0 && file.Size > h.maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "dataset too large"})
		return
	}
	dataset, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "open dataset failed"})
		return
	}
	defer dataset.Close()

	runID := pipeline.NewRunID()
	c.Header(runIDHeader, runID)

	_, err = h.pipeline.Run(c.Request.Context(), pipeline.Request{
		RunID:     runID,
		Dataset:   dataset,
		ModelType: modelType,
		Epochs:    epochs,
		BatchSize: batchSize,
	}, func(archivePath string) error {
		c.FileAttachment(archivePath, pipeline.OutputArchiveName)
		return nil
	})
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": pipeline.ClientMessage(err), "run_id": runID})
	}
}

// positiveFormInt reads an optional positive integer form field.
func positiveFormInt(c *gin.Context, key string, def int) (int, bool) {
	raw, ok := c.GetPostForm(key)
	if !ok || raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrInvalidArchive),
		errors.Is(err, pipeline.ErrUnsafeArchive),
		errors.Is(err, pipeline.ErrInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrArchiveTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, pipeline.ErrNoTrainingData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pipeline.ErrBusy):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) getRun(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": history.ErrDisabled.Error()})
		return
	}
	run, err := h.history.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, history.ErrNotFound), errors.Is(err, history.ErrDisabled):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			slog.ErrorContext(c.Request.Context(), "get run", "run_id", c.Param("id"), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "get run failed"})
		}
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *Handler) listRuns(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": history.ErrDisabled.Error()})
		return
	}
	limit := history.DefaultListLimit
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 || v > history.MaxListLimit {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("limit must be between 1 and %d", history.MaxListLimit),
			})
			return
		}
		limit = v
	}
	runs, err := h.history.List(c.Request.Context(), limit)
	if err != nil {
		if errors.Is(err, history.ErrDisabled) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		slog.ErrorContext(c.Request.Context(), "list runs", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list runs failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (h *Handler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "model_type": h.modelType})
}
