package model

import "fmt"

// ImageSize is the spatial resolution the classifier was trained on.
const ImageSize = 128

// InputShape is the batch tensor layout expected by the classifier: NHWC with a
// single sample and a single channel.
var InputShape = []int64{1, ImageSize, ImageSize, 1}

// Tensor is a dense float32 tensor in row-major order.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// NewInputTensor allocates a zeroed tensor with InputShape.
func NewInputTensor() Tensor {
	shape := append([]int64(nil), InputShape...)
	return Tensor{Shape: shape, Data: make([]float32, ImageSize*ImageSize)}
}

// CheckInput reports whether t matches InputShape and carries the matching number of values.
func CheckInput(t Tensor) error {
	if len(t.Shape) != len(InputShape) {
		return fmt.Errorf("tensor rank %d, want %d", len(t.Shape), len(InputShape))
	}
	size := int64(1)
	for i, dim := range t.Shape {
		if dim != InputShape[i] {
			return fmt.Errorf("tensor shape %v, want %v", t.Shape, InputShape)
		}
		size *= dim
	}
	if int64(len(t.Data)) != size {
		return fmt.Errorf("tensor has %d values, want %d", len(t.Data), size)
	}
	return nil
}
