// Package inference compiles model artifacts into runnable models.
package inference

import (
	"context"
	"errors"
)

var (
	ErrModelClosed    = errors.New("inference: model is closed")
	ErrInvalidModel   = errors.New("inference: invalid model artifact")
	ErrInputSize      = errors.New("inference: input size mismatch")
	ErrAcquireTimeout = errors.New("inference: timeout waiting for available session")
)

// Model is a compiled, ready-to-run classifier. Run is safe for concurrent
// use; once Close is called Run fails with ErrModelClosed.
type Model interface {
	// InputShape is the concrete NHWC input shape, batch first.
	InputShape() []int64
	Run(ctx context.Context, input []float32) ([]float32, error)
	Close() error
}

// Engine turns an opaque artifact into a Model, failing cleanly when the
// artifact does not deserialize.
type Engine interface {
	Compile(artifact []byte) (Model, error)
}

// ImageSize returns the square spatial edge of m's input.
func ImageSize(m Model) int {
	shape := m.InputShape()
	if len(shape) < 3 {
		return 0
	}
	return int(shape[1])
}

// InputLen is the number of float32 values one Run expects.
func InputLen(m Model) int {
	n := 1
	for _, d := range m.InputShape() {
		n *= int(d)
	}
	return n
}
