// Package gate decides whether an uploaded image plausibly is a brain MRI by
// comparing its average hash with a folder of known MRI images.
package gate

import (
	"context"
	"image"

	"go.uber.org/zap"

	"github.com/example/mri-check/internal/fingerprint"
)

// DefaultThreshold is the Hamming distance a match must stay strictly below.
const DefaultThreshold = 10

// Outcome classifies a gate verdict.
type Outcome int

const (
	// OutcomeMatch means some reference is closer than the threshold.
	OutcomeMatch Outcome = iota
	// OutcomeNoMatch means every reference was compared and none was close enough.
	OutcomeNoMatch
	// OutcomeError means the check could not run, see Verdict.Err.
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMatch:
		return "match"
	case OutcomeNoMatch:
		return "no_match"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// Verdict is the result of one gate check. For OutcomeMatch, Reference and
// Distance describe the matching reference; for OutcomeNoMatch they describe
// the closest one (Distance is -1 when the set is empty).
type Verdict struct {
	Outcome     Outcome
	Fingerprint fingerprint.Fingerprint
	Reference   string
	Distance    int
	References  int
	Err         error
}

// Plausible reports whether the verdict lets the upload through.
func (v Verdict) Plausible() bool {
	return v.Outcome == OutcomeMatch
}

// ReferenceSource provides the current reference set.
type ReferenceSource interface {
	Load(ctx context.Context) (*ReferenceSet, error)
}

// Match scans refs in order and returns the first reference whose distance to
// fp is strictly less than threshold. Without a match it returns the closest
// reference and false.
func Match(fp fingerprint.Fingerprint, refs []Reference, threshold int) (Reference, int, bool) {
	closest, best := Reference{}, -1
	for _, ref := range refs {
		d := fingerprint.Distance(fp, ref.Fingerprint)
		if d < threshold {
			return ref, d, true
		}
		if best < 0 || d < best {
			closest, best = ref, d
		}
	}
	return closest, best, false
}

// IsPlausible is Match reduced to its boolean answer.
func IsPlausible(fp fingerprint.Fingerprint, set *ReferenceSet, threshold int) bool {
	if set == nil {
		return false
	}
	_, _, ok := Match(fp, set.References, threshold)
	return ok
}

// Gate checks uploads against a reference source.
type Gate struct {
	refs      ReferenceSource
	threshold int
	logger    *zap.Logger
}

// New creates a gate. Distances must be strictly below threshold to match.
func New(refs ReferenceSource, threshold int, logger *zap.Logger) *Gate {
	return &Gate{refs: refs, threshold: threshold, logger: logger.Named("mri_gate")}
}

// Threshold returns the configured distance threshold.
func (g *Gate) Threshold() int {
	return g.threshold
}

// References loads the current reference set.
func (g *Gate) References(ctx context.Context) (*ReferenceSet, error) {
	return g.refs.Load(ctx)
}

// Check fingerprints img and compares it with every reference.
func (g *Gate) Check(ctx context.Context, img image.Image) Verdict {
	fp, err := fingerprint.Compute(img)
	if err != nil {
		return Verdict{Outcome: OutcomeError, Distance: -1, Err: err}
	}
	return g.CheckFingerprint(ctx, fp)
}

// CheckFingerprint compares an already computed fingerprint with every reference.
func (g *Gate) CheckFingerprint(ctx context.Context, fp fingerprint.Fingerprint) Verdict {
	set, err := g.refs.Load(ctx)
	if err != nil {
		g.logger.Error("reference set unavailable", zap.Error(err))
		return Verdict{Outcome: OutcomeError, Fingerprint: fp, Distance: -1, Err: err}
	}

	ref, d, ok := Match(fp, set.References, g.threshold)
	v := Verdict{
		Outcome:     OutcomeNoMatch,
		Fingerprint: fp,
		Reference:   ref.Name,
		Distance:    d,
		References:  set.Len(),
	}
	if ok {
		v.Outcome = OutcomeMatch
	}
	return v
}
