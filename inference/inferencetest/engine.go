// Package inferencetest provides an in-memory inference.Engine for tests.
package inferencetest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/develbox-ro/ad-cognition/inference"
)

const artifactPrefix = "fake-model:"

// Artifact builds a serialized fake model with the given square input size
// and fixed output scores.
func Artifact(size int, scores ...float32) []byte {
	parts := make([]string, len(scores))
	for i, s := range scores {
		parts[i] = strconv.FormatFloat(float64(s), 'g', -1, 32)
	}
	return []byte(fmt.Sprintf("%s%d:%s", artifactPrefix, size, strings.Join(parts, ",")))
}

// Engine compiles artifacts produced by Artifact and rejects anything else.
type Engine struct {
	mu       sync.Mutex
	compiled []*Model
}

var _ inference.Engine = (*Engine)(nil)

func (e *Engine) Compile(artifact []byte) (inference.Model, error) {
	m, err := parse(artifact)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", inference.ErrInvalidModel, err)
	}

	e.mu.Lock()
	e.compiled = append(e.compiled, m)
	e.mu.Unlock()
	return m, nil
}

// Models returns every model compiled so far, oldest first.
func (e *Engine) Models() []*Model {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Model(nil), e.compiled...)
}

func parse(artifact []byte) (*Model, error) {
	s := string(artifact)
	if !strings.HasPrefix(s, artifactPrefix) {
		return nil, errors.New("not a fake model")
	}
	fields := strings.SplitN(strings.TrimPrefix(s, artifactPrefix), ":", 2)
	if len(fields) != 2 {
		return nil, errors.New("malformed fake model")
	}

	size, err := strconv.Atoi(fields[0])
	if err != nil || size <= 0 {
		return nil, fmt.Errorf("bad size %q", fields[0])
	}

	var scores []float32
	for _, part := range strings.Split(fields[1], ",") {
		if part == "" {
			continue
		}
		v, err := strconv.ParseFloat(part, 32)
		if err != nil {
			return nil, fmt.Errorf("bad score %q", part)
		}
		scores = append(scores, float32(v))
	}
	if len(scores) == 0 {
		return nil, errors.New("no scores")
	}

	return &Model{Artifact: append([]byte(nil), artifact...), size: size, scores: scores}, nil
}

// Model returns fixed scores for any correctly sized input.
type Model struct {
	Artifact []byte

	size   int
	scores []float32

	closed atomic.Bool
	runs   atomic.Int64

	mu     sync.Mutex
	runErr error
}

var _ inference.Model = (*Model)(nil)

func (m *Model) InputShape() []int64 {
	return []int64{1, int64(m.size), int64(m.size), 3}
}

func (m *Model) Run(ctx context.Context, input []float32) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.closed.Load() {
		return nil, inference.ErrModelClosed
	}
	if want := m.size * m.size * 3; len(input) != want {
		return nil, fmt.Errorf("%w: got %d values, want %d", inference.ErrInputSize, len(input), want)
	}

	m.mu.Lock()
	err := m.runErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	m.runs.Add(1)
	return append([]float32(nil), m.scores...), nil
}

// FailRuns makes every later Run return err; nil restores normal behaviour.
func (m *Model) FailRuns(err error) {
	m.mu.Lock()
	m.runErr = err
	m.mu.Unlock()
}

func (m *Model) Runs() int64 {
	return m.runs.Load()
}

func (m *Model) Closed() bool {
	return m.closed.Load()
}

func (m *Model) Close() error {
	m.closed.Store(true)
	return nil
}
