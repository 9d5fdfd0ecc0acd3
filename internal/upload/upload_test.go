package upload

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/mri-check/internal/usecase"
)

func multipartRequest(t *testing.T, field, filename string, payload []byte) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func contextFor(req *http.Request) *gin.Context {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = req
	return c
}

func TestFromRequestReadsImageField(t *testing.T) {
	c := contextFor(multipartRequest(t, "image", "scan.png", []byte("png bytes")))
	up, err := FromRequest(c, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, usecase.Upload{Filename: "scan.png", Data: []byte("png bytes")}, up)
}

func TestFromRequestMissingField(t *testing.T) {
	c := contextFor(multipartRequest(t, "file", "scan.png", []byte("png bytes")))
	_, err := FromRequest(c, 1<<20)
	assert.ErrorIs(t, err, usecase.ErrNoFile)
}

func TestFromRequestEmptyFilePassesThrough(t *testing.T) {
	c := contextFor(multipartRequest(t, "image", "scan.png", nil))
	up, err := FromRequest(c, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, "scan.png", up.Filename)
	assert.Empty(t, up.Data)
}

func TestFromRequestNoSelectedFile(t *testing.T) {
	c := contextFor(multipartRequest(t, "image", "", nil))
	_, err := FromRequest(c, 1<<20)
	assert.ErrorIs(t, err, usecase.ErrNoSelectedFile)
	assert.ErrorIs(t, err, usecase.ErrNoFile)
}

func TestFromRequestTooLarge(t *testing.T) {
	c := contextFor(multipartRequest(t, "image", "scan.png", bytes.Repeat([]byte("a"), 2048)))
	_, err := FromRequest(c, 1024)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestFromRequestNotMultipart(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewBufferString(`{"image":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	_, err := FromRequest(contextFor(req), 1<<20)
	assert.ErrorIs(t, err, usecase.ErrNoFile)
}
