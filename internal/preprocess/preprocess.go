// Package preprocess turns uploaded images into classifier input tensors.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/example/mri-check/internal/model"
)

// Interpolation is fixed so identical uploads always produce identical tensors.
const Interpolation = resize.Bilinear

// DefaultMaxPixels matches the decompression bomb limit of common imaging
// libraries: about a quarter gigabyte of 24-bit pixels.
const DefaultMaxPixels = 89478485

// ErrTooManyPixels is returned for images whose declared canvas exceeds the pixel limit.
var ErrTooManyPixels = errors.New("image dimensions exceed the pixel limit")

var errNilImage = errors.New("image is nil")

// Decode reads a PNG, JPEG, BMP or WebP image of at most DefaultMaxPixels pixels.
func Decode(r io.Reader) (image.Image, string, error) {
	return DecodeLimited(r, DefaultMaxPixels)
}

// DecodeLimited reads the image header first and refuses to decode canvases
// larger than maxPixels. A non-positive maxPixels means DefaultMaxPixels.
func DecodeLimited(r io.Reader, maxPixels int64) (image.Image, string, error) {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > maxPixels {
		return nil, format, fmt.Errorf("%w: %dx%d %s", ErrTooManyPixels, cfg.Width, cfg.Height, format)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, format, nil
}

// Grayscale converts img to 8-bit luma using the ITU-R 601 weights. The result
// origin is (0, 0).
func Grayscale(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Rect.Min == (image.Point{}) {
		return g
	}
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	return gray
}

// Prepare converts img to grayscale, resizes it to the model resolution,
// scales intensities to [0, 1] and lays them out with model.InputShape.
func Prepare(img image.Image) (model.Tensor, error) {
	if img == nil {
		return model.Tensor{}, errNilImage
	}
	gray := Grayscale(img)
	if gray.Bounds().Empty() {
		return model.Tensor{}, fmt.Errorf("image has no pixels")
	}

	resized := resize.Resize(model.ImageSize, model.ImageSize, gray, Interpolation)
	resizedGray := Grayscale(resized)

	tensor := model.NewInputTensor()
	for y := 0; y < model.ImageSize; y++ {
		row := resizedGray.Pix[y*resizedGray.Stride : y*resizedGray.Stride+model.ImageSize]
		for x, v := range row {
			tensor.Data[y*model.ImageSize+x] = float32(v) / 255.0
		}
	}
	return tensor, nil
}
