package inference

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
)

// Session is one single-threaded inference context. It is never used by two
// goroutines at once.
type Session interface {
	Run(input []float32) ([]float32, error)
	Destroy()
}

// ModelSession binds an ONNX session to its pre-allocated tensors.
type ModelSession struct {
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Output  *ort.Tensor[float32]
}

var _ Session = (*ModelSession)(nil)

func (m *ModelSession) Run(input []float32) ([]float32, error) {
	dst := m.Input.GetData()
	if len(input) != len(dst) {
		return nil, fmt.Errorf("%w: got %d values, want %d", ErrInputSize, len(input), len(dst))
	}
	copy(dst, input)

	if err := m.Session.Run(); err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}

	out := m.Output.GetData()
	result := make([]float32, len(out))
	copy(result, out)
	return result, nil
}

func (m *ModelSession) Destroy() {
	if m.Session != nil {
		m.Session.Destroy()
	}
	if m.Input != nil {
		m.Input.Destroy()
	}
	if m.Output != nil {
		m.Output.Destroy()
	}
}
