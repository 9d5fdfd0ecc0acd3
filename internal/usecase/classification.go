// Package usecase holds the classification pipeline shared by every front end.
package usecase

import (
	"bytes"
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/example/mri-check/internal/gate"
	"github.com/example/mri-check/internal/logging"
	"github.com/example/mri-check/internal/model"
	"github.com/example/mri-check/internal/preprocess"
)

// Stage is a pipeline state. A call ends in exactly one of StageRejected,
// StageResolved or, on unexpected errors, the stage that failed.
type Stage string

const (
	StageReceived Stage = "received"
	StageGated    Stage = "gated"
	StageRejected Stage = "rejected"
	StagePrepared Stage = "prepared"
	StageInferred Stage = "inferred"
	StageResolved Stage = "resolved"
)

// Upload is an image received from a caller.
type Upload struct {
	Filename string
	Data     []byte
}

// Prediction is a successful classification.
type Prediction struct {
	model.Prediction
	RequestID string
	Verdict   gate.Verdict
	Latency   time.Duration
}

// ClassificationUseCase runs uploads through the gate, preprocessing and the classifier.
type ClassificationUseCase struct {
	gate       *gate.Gate
	classifier model.Classifier
	failClosed bool
	maxPixels  int64
	logger     *zap.Logger
	counters   outcomeCounters
}

// NewClassificationUseCase constructs the pipeline. With failClosed set, a
// gate that cannot load its references rejects uploads instead of failing them.
func NewClassificationUseCase(g *gate.Gate, classifier model.Classifier, failClosed bool, logger *zap.Logger) *ClassificationUseCase {
	return &ClassificationUseCase{
		gate:       g,
		classifier: classifier,
		failClosed: failClosed,
		maxPixels:  preprocess.DefaultMaxPixels,
		logger:     logger.Named("classification_usecase"),
	}
}

// WithMaxImagePixels sets the largest decoded canvas (width*height) accepted.
func (uc *ClassificationUseCase) WithMaxImagePixels(n int64) *ClassificationUseCase {
	if n > 0 {
		uc.maxPixels = n
	}
	return uc
}

// Classify runs one upload through the pipeline. It returns a prediction, or
// ErrNoFile, a *RejectionError, or an *logging.OperationError. A named but
// empty upload is not ErrNoFile; it fails to decode.
func (uc *ClassificationUseCase) Classify(ctx context.Context, upload Upload) (*Prediction, error) {
	if upload.Filename == "" && len(upload.Data) == 0 {
		return nil, ErrNoFile
	}

	requestID := logging.RequestIDFromContext(ctx)
	opLogger := logging.WithOperation(uc.logger, "usecase.classify", requestID).With(zap.String("filename", upload.Filename))
	start := time.Now()

	stage := StageReceived
	finish := func(final Stage) {
		stage = final
		uc.counters.record(final, time.Since(start))
	}
	transition := func(next Stage) {
		stage = next
		opLogger.Debug("pipeline stage", zap.String("stage", string(next)))
	}
	fail := func(operation string, err error) error {
		wrapped := logging.NewOperationError(operation, requestID, err)
		opLogger.Error("classification failed", zap.String("stage", string(stage)), zap.Error(wrapped))
		finish(stage)
		return wrapped
	}
	transition(StageReceived)

	img, format, err := preprocess.DecodeLimited(bytes.NewReader(upload.Data), uc.maxPixels)
	if err != nil {
		return nil, fail("pipeline.decode", err)
	}
	opLogger.Debug("image decoded",
		zap.String("format", format),
		zap.Int("width", img.Bounds().Dx()),
		zap.Int("height", img.Bounds().Dy()))

	verdict := uc.gate.Check(ctx, img)
	transition(StageGated)
	gateFields := []zap.Field{
		zap.String("outcome", verdict.Outcome.String()),
		zap.Stringer("fingerprint", verdict.Fingerprint),
		zap.String("reference", verdict.Reference),
		zap.Int("distance", verdict.Distance),
		zap.Int("references", verdict.References),
	}
	switch verdict.Outcome {
	case gate.OutcomeMatch:
	case gate.OutcomeError:
		if !uc.failClosed {
			return nil, fail("pipeline.gate", verdict.Err)
		}
		opLogger.Error("gate check failed, rejecting upload", append(gateFields, zap.Error(verdict.Err))...)
		finish(StageRejected)
		return nil, &RejectionError{RequestID: requestID, Verdict: verdict}
	default:
		opLogger.Info("upload rejected by gate", gateFields...)
		finish(StageRejected)
		return nil, &RejectionError{RequestID: requestID, Verdict: verdict}
	}

	tensor, err := preprocess.Prepare(img)
	if err != nil {
		return nil, fail("pipeline.prepare", err)
	}
	transition(StagePrepared)

	probs, err := uc.classifier.Classify(ctx, tensor)
	if err != nil {
		return nil, fail("pipeline.infer", err)
	}
	transition(StageInferred)

	resolved, err := model.Resolve(probs)
	if err != nil {
		return nil, fail("pipeline.resolve", err)
	}
	finish(StageResolved)

	latency := time.Since(start)
	opLogger.Info("image classified",
		zap.String("predicted_class", resolved.Class.Name),
		zap.Float32("confidence", resolved.Confidence),
		zap.String("reference", verdict.Reference),
		zap.Int("distance", verdict.Distance),
		zap.Duration("latency", latency))

	return &Prediction{
		Prediction: *resolved,
		RequestID:  requestID,
		Verdict:    verdict,
		Latency:    latency,
	}, nil
}

// Ready loads the reference set and reports how many references it holds.
func (uc *ClassificationUseCase) Ready(ctx context.Context) (int, error) {
	set, err := uc.gate.References(ctx)
	if err != nil {
		return 0, err
	}
	return set.Len(), nil
}
