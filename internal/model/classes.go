package model

import (
	"errors"
	"fmt"
)

// Class is one of the fixed dementia severity categories the model predicts.
type Class struct {
	Index       int
	Name        string
	DisplayName string
}

// Classes is ordered by model output index.
var Classes = []Class{
	{Index: 0, Name: "MildDemented", DisplayName: "Mild Demented"},
	{Index: 1, Name: "ModerateDemented", DisplayName: "Moderate Demented"},
	{Index: 2, Name: "NonDemented", DisplayName: "Non Demented"},
	{Index: 3, Name: "VeryMildDemented", DisplayName: "Very Mild Demented"},
}

// ErrUnknownClass is returned for indexes or names outside the class table.
var ErrUnknownClass = errors.New("unknown class")

// ClassByIndex maps a model output index to its class.
func ClassByIndex(i int) (Class, error) {
	if i < 0 || i >= len(Classes) {
		return Class{}, fmt.Errorf("%w: index %d", ErrUnknownClass, i)
	}
	return Classes[i], nil
}

// ClassByName maps a class label back to its class.
func ClassByName(name string) (Class, error) {
	for _, c := range Classes {
		if c.Name == name {
			return c, nil
		}
	}
	return Class{}, fmt.Errorf("%w: %q", ErrUnknownClass, name)
}

// ArgMax returns the index of the largest value. Exact ties go to the lowest
// index. It returns -1 for an empty slice.
func ArgMax(values []float32) int {
	if len(values) == 0 {
		return -1
	}
	maxIdx := 0
	maxVal := values[0]
	for i, val := range values {
		if val > maxVal {
			maxVal = val
			maxIdx = i
		}
	}
	return maxIdx
}

// ClassProbability is one entry of a resolved probability distribution.
type ClassProbability struct {
	Class       Class
	Probability float32
}

// Prediction is the resolved classifier output.
type Prediction struct {
	Class         Class
	Confidence    float32
	Probabilities []ClassProbability
}

// ByName returns the probabilities keyed by class label.
func (p *Prediction) ByName() map[string]float32 {
	out := make(map[string]float32, len(p.Probabilities))
	for _, cp := range p.Probabilities {
		out[cp.Class.Name] = cp.Probability
	}
	return out
}

// Resolve turns a raw probability vector into a prediction. The values are
// kept as produced by the model.
func Resolve(probs []float32) (*Prediction, error) {
	if len(probs) != len(Classes) {
		return nil, fmt.Errorf("model returned %d scores, want %d", len(probs), len(Classes))
	}

	idx := ArgMax(probs)
	entries := make([]ClassProbability, len(probs))
	for i, p := range probs {
		entries[i] = ClassProbability{Class: Classes[i], Probability: p}
	}

	return &Prediction{
		Class:         Classes[idx],
		Confidence:    probs[idx],
		Probabilities: entries,
	}, nil
}
