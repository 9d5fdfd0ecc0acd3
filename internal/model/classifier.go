// Package model holds the classifier abstraction, the class table and the
// ONNX Runtime backed implementation.
package model

import "context"

// Classifier produces a probability for every class from a prepared tensor.
// Implementations must be safe for concurrent use.
type Classifier interface {
	Classify(ctx context.Context, input Tensor) ([]float32, error)
}
