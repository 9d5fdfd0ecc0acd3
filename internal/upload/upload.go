// Package upload reads image uploads from multipart requests.
package upload

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/mri-check/internal/usecase"
)

// FieldName is the multipart field both front ends read the image from.
const FieldName = "image"

// ErrTooLarge is returned when the request body exceeds the configured limit.
var ErrTooLarge = errors.New("upload exceeds size limit")

// FromRequest reads the image field of a multipart request. It returns
// usecase.ErrNoFile when the field is absent, usecase.ErrNoSelectedFile when
// it carries no file name and ErrTooLarge when the body exceeds maxBytes.
// Zero-byte files are passed on as they are.
func FromRequest(c *gin.Context, maxBytes int64) (usecase.Upload, error) {
	if c.Request.ContentLength > maxBytes {
		return usecase.Upload{}, ErrTooLarge
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)

	header, err := c.FormFile(FieldName)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return usecase.Upload{}, ErrTooLarge
		}
		if form := c.Request.MultipartForm; form != nil {
			if _, ok := form.Value[FieldName]; ok {
				return usecase.Upload{}, usecase.ErrNoSelectedFile
			}
		}
		return usecase.Upload{}, usecase.ErrNoFile
	}
	if header.Filename == "" {
		return usecase.Upload{}, usecase.ErrNoSelectedFile
	}

	src, err := header.Open()
	if err != nil {
		return usecase.Upload{}, fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return usecase.Upload{}, fmt.Errorf("read upload: %w", err)
	}
	return usecase.Upload{Filename: header.Filename, Data: data}, nil
}
