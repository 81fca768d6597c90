// Package classify defines the digit-classifier engine interface. Engines
// are loaded once per pipeline run and reused for every digit; the pipeline
// fails fast if the engine cannot be constructed.
package classify

import "context"

// NumClasses is the size of every probability vector: digits 0..9.
const NumClasses = 10

// Classifier scores one canonical digit bitmap (row-major floats in [0,1],
// CanonicalSize square) against the ten digit classes. Implementations must
// be safe for concurrent read-only use across pipeline workers.
type Classifier interface {
	Name() string
	PredictProba(ctx context.Context, bitmap []float32) ([]float64, error)
	Close() error
}
