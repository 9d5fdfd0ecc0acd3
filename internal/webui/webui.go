// Package webui serves the interactive upload form. It shares the
// classification pipeline with the JSON API.
package webui

import (
	"context"
	"embed"
	"encoding/base64"
	"errors"
	"fmt"
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/mri-check/internal/logging"
	"github.com/example/mri-check/internal/preprocess"
	"github.com/example/mri-check/internal/upload"
	"github.com/example/mri-check/internal/usecase"
)

//go:embed templates/*.html
var templateFS embed.FS

// Messages shown in the form.
const (
	RejectionMessage = "Uploaded image does not appear to be a valid MRI scan."
	NoFileMessage    = "Please select an image file to upload."
	TooLargeMessage  = "The selected image is too large."

	TooManyPixelsMessage = "The selected image has too many pixels."
)

// Classifier is the part of the classification use case the form needs.
type Classifier interface {
	Classify(ctx context.Context, up usecase.Upload) (*usecase.Prediction, error)
}

// Bar is one row of the probability chart.
type Bar struct {
	Label   string
	Width   string
	Percent string
}

// Result is a rendered prediction.
type Result struct {
	Label string
	Bars  []Bar
}

// Page is the template model of index.html.
type Page struct {
	Preview template.URL
	Error   string
	Result  *Result
}

// Templates parses the embedded form templates.
func Templates() (*template.Template, error) {
	return template.ParseFS(templateFS, "templates/*.html")
}

// Options tune the form routes.
type Options struct {
	MaxUploadBytes int64
	// Auth guards POST /classify when set. The form page itself stays public.
	Auth gin.HandlerFunc
}

// RegisterRoutes installs the form routes and the engine's HTML templates.
func RegisterRoutes(router *gin.Engine, classifier Classifier, opts Options, logger *zap.Logger) error {
	tmpl, err := Templates()
	if err != nil {
		return fmt.Errorf("parse templates: %w", err)
	}
	router.SetHTMLTemplate(tmpl)
	logger = logger.Named("webui")
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}

	router.GET("/", func(c *gin.Context) {
		c.HTML(http.StatusOK, "index.html", Page{})
	})

	classify := func(c *gin.Context) {
		up, err := upload.FromRequest(c, opts.MaxUploadBytes)
		if err != nil {
			status, page := errorPage(err)
			c.HTML(status, "index.html", page)
			return
		}

		page := Page{Preview: preview(up.Data)}
		pred, err := classifier.Classify(c.Request.Context(), up)
		if err != nil {
			status, errPage := errorPage(err)
			errPage.Preview = page.Preview
			if status == http.StatusInternalServerError {
				requestID := logging.RequestIDFromContext(c.Request.Context())
				logging.WithOperation(logger, "webui.classify", requestID).Warn("classification failed", zap.Error(err))
			}
			c.HTML(status, "index.html", errPage)
			return
		}

		page.Result = NewResult(pred)
		c.HTML(http.StatusOK, "index.html", page)
	}
	if opts.Auth != nil {
		router.POST("/classify", opts.Auth, classify)
	} else {
		router.POST("/classify", classify)
	}
	return nil
}

// NewResult formats a prediction for display, in class index order.
func NewResult(pred *usecase.Prediction) *Result {
	res := &Result{Label: pred.Class.DisplayName, Bars: make([]Bar, 0, len(pred.Probabilities))}
	for _, cp := range pred.Probabilities {
		pct := float64(cp.Probability) * 100
		res.Bars = append(res.Bars, Bar{
			Label:   cp.Class.DisplayName,
			Width:   fmt.Sprintf("%.1f", pct),
			Percent: fmt.Sprintf("%.2f%%", pct),
		})
	}
	return res
}

func errorPage(err error) (int, Page) {
	switch {
	case errors.Is(err, usecase.ErrNoFile):
		return http.StatusBadRequest, Page{Error: NoFileMessage}
	case errors.Is(err, upload.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, Page{Error: TooLargeMessage}
	case errors.Is(err, preprocess.ErrTooManyPixels):
		return http.StatusRequestEntityTooLarge, Page{Error: TooManyPixelsMessage}
	case errors.Is(err, usecase.ErrNotMRI):
		return http.StatusBadRequest, Page{Error: RejectionMessage}
	default:
		return http.StatusInternalServerError, Page{Error: "Classification failed: " + logging.Cause(err)}
	}
}

func preview(data []byte) template.URL {
	mime := http.DetectContentType(data)
	switch mime {
	case "image/png", "image/jpeg", "image/bmp", "image/webp", "image/gif":
	default:
		return ""
	}
	return template.URL("data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data))
}
