// Package handlers exposes the classification pipeline as a JSON API.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/example/mri-check/internal/logging"
	"github.com/example/mri-check/internal/preprocess"
	"github.com/example/mri-check/internal/upload"
	"github.com/example/mri-check/internal/usecase"
)

// MaxUploadSize is the default request body limit for /predict.
const MaxUploadSize = 10 << 20

// Pipeline is the part of the classification use case the API needs.
type Pipeline interface {
	Classify(ctx context.Context, up usecase.Upload) (*usecase.Prediction, error)
	Ready(ctx context.Context) (int, error)
	GetMetricsSummary() usecase.MetricsSummary
}

// Options tune route registration.
type Options struct {
	MaxUploadBytes int64
	// Auth guards /predict and /metrics/summary when set.
	Auth gin.HandlerFunc
}

// PredictionResponse is the success body of /predict.
type PredictionResponse struct {
	RequestID      string             `json:"request_id" msgpack:"request_id"`
	PredictedClass string             `json:"predicted_class" msgpack:"predicted_class"`
	Probabilities  map[string]float32 `json:"probabilities" msgpack:"probabilities"`
}

// ErrorResponse is the failure body of every API route.
type ErrorResponse struct {
	Error     string `json:"error" msgpack:"error"`
	Code      string `json:"code" msgpack:"code"`
	RequestID string `json:"request_id,omitempty" msgpack:"request_id,omitempty"`
}

// Error codes.
const (
	CodeNoFile   = "NO_FILE"
	CodeNotMRI   = "NOT_MRI"
	CodeTooLarge = "TOO_LARGE"
	CodeInternal = "INTERNAL_ERROR"
)

// Messages for client errors that carry no detail of their own.
const (
	NoFileMessage         = "No image file provided"
	NoSelectedFileMessage = "No selected file"
	TooLargeMessage       = "Image exceeds the upload size limit"
	TooManyPixelsMessage  = "Image dimensions exceed the pixel limit"
)

// RegisterRoutes wires the API handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, pipeline Pipeline, opts Options) {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = MaxUploadSize
	}
	guarded := func(h gin.HandlerFunc) []gin.HandlerFunc {
		if opts.Auth == nil {
			return []gin.HandlerFunc{h}
		}
		return []gin.HandlerFunc{opts.Auth, h}
	}

	router.GET("/health", func(c *gin.Context) {
		references, err := pipeline.Ready(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "references": references})
	})

	router.POST("/predict", guarded(func(c *gin.Context) {
		requestID := logging.RequestIDFromContext(c.Request.Context())

		up, err := upload.FromRequest(c, opts.MaxUploadBytes)
		if err != nil {
			respondError(c, requestID, err)
			return
		}

		pred, err := pipeline.Classify(c.Request.Context(), up)
		if err != nil {
			respondError(c, requestID, err)
			return
		}

		respond(c, http.StatusOK, PredictionResponse{
			RequestID:      pred.RequestID,
			PredictedClass: pred.Class.Name,
			Probabilities:  pred.ByName(),
		})
	})...)

	router.GET("/metrics/summary", guarded(func(c *gin.Context) {
		respond(c, http.StatusOK, pipeline.GetMetricsSummary())
	})...)
}

// StatusFor maps a pipeline error to its HTTP status, code and caller-facing message.
func StatusFor(err error) (int, string, string) {
	switch {
	case errors.Is(err, usecase.ErrNoSelectedFile):
		return http.StatusBadRequest, CodeNoFile, NoSelectedFileMessage
	case errors.Is(err, usecase.ErrNoFile):
		return http.StatusBadRequest, CodeNoFile, NoFileMessage
	case errors.Is(err, upload.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, CodeTooLarge, TooLargeMessage
	case errors.Is(err, preprocess.ErrTooManyPixels):
		return http.StatusRequestEntityTooLarge, CodeTooLarge, TooManyPixelsMessage
	case errors.Is(err, usecase.ErrNotMRI):
		return http.StatusBadRequest, CodeNotMRI, usecase.RejectionMessage
	default:
		return http.StatusInternalServerError, CodeInternal, logging.Cause(err)
	}
}

func respondError(c *gin.Context, requestID string, err error) {
	status, code, message := StatusFor(err)
	respond(c, status, ErrorResponse{Error: message, Code: code, RequestID: requestID})
}

func respond(c *gin.Context, status int, payload interface{}) {
	if c.NegotiateFormat(binding.MIMEJSON, binding.MIMEMSGPACK) == binding.MIMEMSGPACK {
		body, err := msgpack.Marshal(payload)
		if err == nil {
			c.Data(status, binding.MIMEMSGPACK, body)
			return
		}
		_ = c.Error(err)
	}
	c.JSON(status, payload)
}
