// Package recognition defines the contract of the external face
// recognition capability: detection with embedding extraction, distance,
// and the tolerance based match decision.
package recognition

import (
	"context"
	"errors"
	"image"
	"math"
)

// DefaultTolerance is the largest distance at which two embeddings are
// considered the same person.
const DefaultTolerance = 0.6

// ErrDimensionMismatch is returned when two embeddings differ in length.
var ErrDimensionMismatch = errors.New("embedding dimensions differ")

// Embedding is the numeric descriptor of one detected face.
type Embedding []float32

// Detector finds faces in an image and returns one embedding per face, in
// the detector's own order. An empty slice means no face was found.
type Detector interface {
	DetectAndEncode(ctx context.Context, img image.Image) ([]Embedding, error)
}

// First returns the first embedding the detector produced. The order is the
// detector's; no attempt is made to pick the largest or most central face.
func First(embeddings []Embedding) (Embedding, bool) {
	if len(embeddings) == 0 {
		return nil, false
	}
	return embeddings[0], true
}

// Distance is the Euclidean distance between a and b.
func Distance(a, b Embedding) (float64, error) {
	if len(a) != len(b) {
		return 0, ErrDimensionMismatch
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum), nil
}

// Compare reports whether candidate matches known within tolerance, along
// with their distance.
func Compare(known, candidate Embedding, tolerance float64) (bool, float64, error) {
	distance, err := Distance(known, candidate)
	if err != nil {
		return false, 0, err
	}
	return distance <= tolerance, distance, nil
}

// Confidence is 1 - distance. It is not a probability and is not clamped:
// distances above 1 give a negative value.
func Confidence(distance float64) float64 {
	return 1.0 - distance
}
