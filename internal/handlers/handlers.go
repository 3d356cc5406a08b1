package handlers

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/image-classifier/internal/auth"
	"github.com/example/image-classifier/internal/errdefs"
	"github.com/example/image-classifier/internal/pipeline"
	"github.com/example/image-classifier/internal/usecase"
)

// DefaultMaxUploadSize caps an uploaded photo at 10 MiB.
const DefaultMaxUploadSize = 10 << 20

// multipartSlack covers multipart boundaries and headers around the photo.
const multipartSlack = 64 << 10

// Service is the use case surface the handlers need.
type Service interface {
	Classify(ctx context.Context, requester string, data []byte, mimetype string, k int) (*usecase.Outcome, error)
	GetResult(ctx context.Context, requester, requestID string) (*usecase.Outcome, error)
	ListRecent(ctx context.Context, requester string, limit int) ([]*usecase.Outcome, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
	ModelSummary(ctx context.Context) (*usecase.ModelInfo, error)
	ReloadModel(ctx context.Context) (*usecase.ModelInfo, error)
	ModelLoaded() bool
}

// Options configures the routes.
type Options struct {
	MaxUploadSize int64
	Logger        *zap.Logger
}

type handler struct {
	svc     Service
	maxSize int64
	logger  *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router. Every route but
// /health runs behind the given middleware.
func RegisterRoutes(router *gin.Engine, svc Service, opts Options, middleware ...gin.HandlerFunc) {
	h := &handler{svc: svc, maxSize: opts.MaxUploadSize, logger: opts.Logger}
	if h.maxSize <= 0 {
		h.maxSize = DefaultMaxUploadSize
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	router.MaxMultipartMemory = h.maxSize + multipartSlack

	router.GET("/health", h.health)

	api := router.Group("/", middleware...)
	api.POST("/upload", h.upload)
	api.GET("/predictions", h.listPredictions)
	api.GET("/predictions/:id", h.getPrediction)
	api.GET("/metrics/summary", h.metricsSummary)
	api.GET("/model", h.modelSummary)
	api.POST("/model/reload", h.reloadModel)
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"model_loaded": h.svc.ModelLoaded(),
	})
}

func (h *handler) upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxSize+multipartSlack)

	file, err := c.FormFile("photo")
	if err != nil {
		if isTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "photo exceeds upload limit"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "photo file is required"})
		return
	}
	if file.Size > h.maxSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "photo exceeds upload limit"})
		return
	}

	k := 0
	if raw := c.Query("k"); raw != "" {
		k, err = strconv.Atoi(raw)
		if err != nil || k <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "k must be a positive integer"})
			return
		}
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open photo"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read photo"})
		return
	}

	mt := declaredMimetype(file.Header.Get("Content-Type"), data)
	if !strings.HasPrefix(mt, "image/") {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported content type " + mt})
		return
	}

	requester, _ := auth.GetSubject(c.Request.Context())
	outcome, err := h.svc.Classify(c.Request.Context(), requester, data, mt, k)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (h *handler) listPredictions(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 100 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 100"})
			return
		}
		limit = n
	}
	requester, _ := auth.GetSubject(c.Request.Context())
	outcomes, err := h.svc.ListRecent(c.Request.Context(), requester, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"predictions": outcomes})
}

func (h *handler) getPrediction(c *gin.Context) {
	requestID := c.Param("id")
	requester, _ := auth.GetSubject(c.Request.Context())
	outcome, err := h.svc.GetResult(c.Request.Context(), requester, requestID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (h *handler) metricsSummary(c *gin.Context) {
	summary, err := h.svc.GetMetricsSummary(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *handler) modelSummary(c *gin.Context) {
	info, err := h.svc.ModelSummary(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *handler) reloadModel(c *gin.Context) {
	info, err := h.svc.ReloadModel(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}

	var stageErr *pipeline.StageError
	if errors.As(err, &stageErr) {
		body["stage"] = stageErr.Stage
		if stageErr.RequestID != "" {
			body["request_id"] = stageErr.RequestID
		}
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Int("status", status), zap.Error(err))
	}
	c.JSON(status, body)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, errdefs.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, errdefs.ErrDecode), errors.Is(err, errdefs.ErrShapeMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errdefs.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, errdefs.ErrModelLoad):
		return http.StatusServiceUnavailable
	case errors.Is(err, usecase.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, usecase.ErrPersistenceDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, context.Canceled):
		// Client went away; the status is never read.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// declaredMimetype returns the media type from the part header, sniffing
// the payload when the header is missing or generic.
func declaredMimetype(header string, data []byte) string {
	if header != "" {
		if mt, _, err := mime.ParseMediaType(header); err == nil && mt != "application/octet-stream" {
			return strings.ToLower(mt)
		}
	}
	mt, _, _ := mime.ParseMediaType(mimetype.Detect(data).String())
	return mt
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}
