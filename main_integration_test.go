package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/mri-check/internal/auth"
	"github.com/example/mri-check/internal/config"
	"github.com/example/mri-check/internal/gate"
	"github.com/example/mri-check/internal/handlers"
	"github.com/example/mri-check/internal/model"
	"github.com/example/mri-check/internal/usecase"
	"github.com/example/mri-check/internal/webui"
)

func TestServerGracefulShutdown(t *testing.T) {
	logger := zap.NewNop()

	requestStarted := make(chan struct{})
	releaseRequest := make(chan struct{})
	defer func() {
		select {
		case <-releaseRequest:
		default:
			close(releaseRequest)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/predict", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-requestStarted:
		default:
			close(requestStarted)
		}
		<-releaseRequest
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	t.Log("creating listener")
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	server := &http.Server{Handler: mux}

	signalCh := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServerWithOptions(server, 2*time.Second, logger, listener, signalCh)
	}()

	addr := listener.Addr().String()
	t.Logf("listening on %s", addr)
	waitForServer(t, addr)

	client := &http.Client{Timeout: 2 * time.Second}
	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		t.Log("sending request")
		resp, err := client.Get("http://" + addr + "/predict")
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case <-requestStarted:
		t.Log("request started")
	case <-time.After(2 * time.Second):
		t.Fatal("request did not start in time")
	}

	t.Log("sending signal")
	signalCh <- syscall.SIGTERM

	time.Sleep(50 * time.Millisecond)
	close(releaseRequest)
	t.Log("released request")

	select {
	case resp := <-respCh:
		t.Cleanup(func() { resp.Body.Close() })
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			t.Fatalf("unexpected status: %d body: %s", resp.StatusCode, string(body))
		}
	case err := <-errCh:
		t.Fatalf("request failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server did not shutdown cleanly: %v", err)
		}
		t.Log("server shutdown complete")
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %s did not become ready", addr)
}

type fixedClassifier struct{ probs []float32 }

func (f fixedClassifier) Classify(context.Context, model.Tensor) ([]float32, error) {
	return f.probs, nil
}

func brainScan() image.Image {
	img := image.NewGray(image.Rect(0, 0, 96, 96))
	for y := 0; y < 96; y++ {
		for x := 0; x < 96; x++ {
			dx, dy := x-48, y-48
			if dx*dx+dy*dy < 30*30 {
				img.SetGray(x, y, color.Gray{Y: uint8(120 + (x*y)%100)})
			}
		}
	}
	return img
}

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func uploadRequest(t *testing.T, path string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("image", "scan.png")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func newTestRouter(t *testing.T, refDir string) *gin.Engine {
	return newConfiguredRouter(t, refDir, func(*config.Config) {})
}

func newConfiguredRouter(t *testing.T, refDir string, configure func(*config.Config)) *gin.Engine {
	t.Helper()
	router, _ := newCountingRouter(t, refDir, configure)
	return router
}

type countingClassifier struct {
	fixedClassifier
	calls atomic.Int64
}

func (c *countingClassifier) Classify(ctx context.Context, input model.Tensor) ([]float32, error) {
	c.calls.Add(1)
	return c.fixedClassifier.Classify(ctx, input)
}

func newCountingRouter(t *testing.T, refDir string, configure func(*config.Config)) (*gin.Engine, *countingClassifier) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	cfg := config.Default()
	cfg.Gate.ReferenceDir = refDir
	configure(cfg)

	classifier := &countingClassifier{fixedClassifier: fixedClassifier{probs: []float32{0.1, 0.05, 0.7, 0.15}}}
	loader := gate.NewLoader(refDir, nil, logger)
	g := gate.New(loader, cfg.Gate.Threshold, logger)
	uc := usecase.NewClassificationUseCase(g, classifier, cfg.Gate.FailClosed, logger).
		WithMaxImagePixels(cfg.Server.MaxImagePixels)

	router, err := newRouter(cfg, uc, logger)
	require.NoError(t, err)
	return router, classifier
}

func TestRouterPredictEndToEnd(t *testing.T) {
	scan := pngBytes(t, brainScan())
	refDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(refDir, "ref_01.png"), scan, 0o644))
	router := newTestRouter(t, refDir)

	t.Run("scan is classified", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, uploadRequest(t, "/predict", scan))

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp handlers.PredictionResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "NonDemented", resp.PredictedClass)
		assert.Len(t, resp.Probabilities, 4)
		assert.Equal(t, resp.RequestID, rec.Header().Get(handlers.RequestIDHeader))
	})

	t.Run("blank image is rejected", func(t *testing.T) {
		blank := pngBytes(t, image.NewGray(image.Rect(0, 0, 64, 64)))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, uploadRequest(t, "/predict", blank))

		require.Equal(t, http.StatusBadRequest, rec.Code)
		var resp handlers.ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, handlers.CodeNotMRI, resp.Code)
		assert.Equal(t, usecase.RejectionMessage, resp.Error)
	})

	t.Run("form renders the display label", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, uploadRequest(t, "/classify", scan))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "Non Demented")
		assert.Contains(t, rec.Body.String(), "70.00%")
	})

	t.Run("health reports references", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ok","references":1}`, rec.Body.String())
	})
}

func TestRouterEmptyReferenceFolderRejectsEverything(t *testing.T) {
	router := newTestRouter(t, t.TempDir())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "/classify", pngBytes(t, brainScan())))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), webui.RejectionMessage))
}

func TestRouterAuthGuardsBothFrontEnds(t *testing.T) {
	scan := pngBytes(t, brainScan())
	refDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(refDir, "ref_01.png"), scan, 0o644))
	router, classifier := newCountingRouter(t, refDir, func(cfg *config.Config) {
		cfg.Auth.JWTSecret = "s3cret"
	})

	for _, path := range []string{"/predict", "/classify"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, uploadRequest(t, path, scan))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
	assert.Zero(t, classifier.calls.Load())

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "radiologist"}).
		SignedString([]byte("s3cret"))
	require.NoError(t, err)

	req := uploadRequest(t, "/classify", scan)
	req.AddCookie(&http.Cookie{Name: auth.TokenCookie, Value: signed})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = uploadRequest(t, "/predict", scan)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(2), classifier.calls.Load())

	form := httptest.NewRecorder()
	router.ServeHTTP(form, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, form.Code)
}

func TestRouterRejectsHugeCanvasBeforeDecoding(t *testing.T) {
	scan := pngBytes(t, brainScan())
	refDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(refDir, "ref_01.png"), scan, 0o644))
	router, classifier := newCountingRouter(t, refDir, func(cfg *config.Config) {
		cfg.Server.MaxImagePixels = 64 * 64
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "/predict", scan))

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	var resp handlers.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, handlers.CodeTooLarge, resp.Code)
	assert.Equal(t, handlers.TooManyPixelsMessage, resp.Error)
	assert.Zero(t, classifier.calls.Load())
}

func TestRouterEmptyUploadFailsToDecode(t *testing.T) {
	router := newTestRouter(t, t.TempDir())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "/predict", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp handlers.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, handlers.CodeInternal, resp.Code)
}

func TestReadinessCheckFollowsReferenceFolder(t *testing.T) {
	logger := zap.NewNop()
	refDir := filepath.Join(t.TempDir(), "reference_mri")
	loader := gate.NewLoader(refDir, nil, logger)
	uc := usecase.NewClassificationUseCase(gate.New(loader, gate.DefaultThreshold, logger), fixedClassifier{}, true, logger)
	check := readinessCheck(uc)

	assert.Error(t, check(context.Background()))

	require.NoError(t, os.Mkdir(refDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(refDir, "ref_01.png"), pngBytes(t, brainScan()), 0o644))
	assert.NoError(t, check(context.Background()))
}
