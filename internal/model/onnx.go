package model

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// ONNXOptions describes the serialized model and its runtime.
type ONNXOptions struct {
	ModelPath string
	// RuntimeLibrary overrides the onnxruntime shared library location.
	RuntimeLibrary string
	InputName      string
	OutputName     string
}

// ONNXClassifier runs a serialized model through ONNX Runtime. The session is
// bound to fixed input and output tensors, so calls are serialized.
type ONNXClassifier struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	logger       *zap.Logger
}

// NewONNXClassifier initializes the runtime and loads the model once.
func NewONNXClassifier(opts ONNXOptions, logger *zap.Logger) (*ONNXClassifier, error) {
	if opts.RuntimeLibrary != "" {
		ort.SetSharedLibraryPath(opts.RuntimeLibrary)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(len(Classes))))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(opts.ModelPath,
		[]string{opts.InputName}, []string{opts.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session for %s: %w", opts.ModelPath, err)
	}

	logger.Info("classifier loaded",
		zap.String("model_path", opts.ModelPath),
		zap.Int64s("input_shape", InputShape),
		zap.Int("classes", len(Classes)))

	return &ONNXClassifier{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		logger:       logger.Named("onnx_classifier"),
	}, nil
}

// Classify runs one forward pass and returns a copy of the output scores.
func (c *ONNXClassifier) Classify(ctx context.Context, input Tensor) ([]float32, error) {
	if err := CheckInput(input); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	copy(c.inputTensor.GetData(), input.Data)
	if err := c.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	out := make([]float32, len(Classes))
	copy(out, c.outputTensor.GetData())
	return out, nil
}

// Close releases the session, its tensors and the runtime environment.
func (c *ONNXClassifier) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inputTensor != nil {
		c.inputTensor.Destroy()
	}
	if c.outputTensor != nil {
		c.outputTensor.Destroy()
	}
	if c.session != nil {
		c.session.Destroy()
	}
	if err := ort.DestroyEnvironment(); err != nil {
		c.logger.Warn("failed to destroy ONNX environment", zap.Error(err))
	}
}
