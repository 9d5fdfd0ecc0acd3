package usecase

import (
	"errors"
	"fmt"

	"github.com/example/mri-check/internal/gate"
)

// RejectionMessage is reported when an upload does not look like an MRI scan.
const RejectionMessage = "Uploaded image doesn't appear to be an MRI scan."

var (
	// ErrNoFile means the caller did not provide an image.
	ErrNoFile = errors.New("no image file provided")
	// ErrNoSelectedFile means the image field was sent without a file name,
	// which is what browsers do when nothing was selected. It matches ErrNoFile.
	ErrNoSelectedFile = fmt.Errorf("%w: no selected file", ErrNoFile)
	// ErrNotMRI matches every *RejectionError.
	ErrNotMRI = errors.New("image does not appear to be an MRI scan")
)

// RejectionError is returned when the plausibility gate stops an upload.
// Verdict.Outcome is OutcomeError when a broken reference set was reported as a
// rejection because the gate fails closed.
type RejectionError struct {
	RequestID string
	Verdict   gate.Verdict
}

func (e *RejectionError) Error() string {
	return RejectionMessage
}

// Is makes errors.Is(err, ErrNotMRI) hold.
func (e *RejectionError) Is(target error) bool {
	return target == ErrNotMRI
}

// Unwrap exposes the gate failure, if any.
func (e *RejectionError) Unwrap() error {
	return e.Verdict.Err
}
