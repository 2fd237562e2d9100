package classifier

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/develbox-ro/ad-cognition/inference"
	"github.com/develbox-ro/ad-cognition/metrics"
	"github.com/develbox-ro/ad-cognition/models"
	"github.com/develbox-ro/ad-cognition/preprocess"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type LocalConfig struct {
	TopK   int
	Labels []string
}

// modelState is published once and never mutated afterwards.
type modelState struct {
	model        inference.Model
	preprocessor *preprocess.Preprocessor
	version      string
	loadedAt     time.Time
}

// ModelInfo describes the published model.
type ModelInfo struct {
	Version   string    `json:"version"`
	ImageSize int       `json:"image_size"`
	LoadedAt  time.Time `json:"loaded_at"`
}

// Local runs inference in-process. Analyze uses whichever model was published
// when the call started and never waits for a swap.
type Local struct {
	state  atomic.Pointer[modelState]
	topK   int
	labels []string
}

var _ Backend = (*Local)(nil)

func NewLocal(cfg LocalConfig) *Local {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	return &Local{topK: cfg.TopK, labels: cfg.Labels}
}

func (l *Local) Name() string {
	return BackendLocal
}

// IsAvailable reports whether a model is loaded; it does not touch the network.
func (l *Local) IsAvailable(context.Context) bool {
	return l.state.Load() != nil
}

// Swap publishes m and returns the model it replaced, which the caller owns.
// A nil model is ignored so the state can never be emptied.
func (l *Local) Swap(m inference.Model, version string) inference.Model {
	if m == nil {
		return nil
	}
	next := &modelState{
		model:        m,
		preprocessor: preprocess.NewPreprocessor(inference.ImageSize(m)),
		version:      version,
		loadedAt:     time.Now(),
	}
	prev := l.state.Swap(next)
	if prev == nil {
		return nil
	}
	return prev.model
}

// Model returns the published model or nil.
func (l *Local) Model() inference.Model {
	st := l.state.Load()
	if st == nil {
		return nil
	}
	return st.model
}

func (l *Local) Info() (ModelInfo, bool) {
	st := l.state.Load()
	if st == nil {
		return ModelInfo{}, false
	}
	return ModelInfo{
		Version:   st.version,
		ImageSize: st.preprocessor.Size(),
		LoadedAt:  st.loadedAt,
	}, true
}

func (l *Local) Analyze(ctx context.Context, img models.RawImage) (*models.Prediction, error) {
	st := l.state.Load()
	if st == nil {
		return nil, ErrModelNotLoaded
	}

	pred, err := l.analyze(ctx, st, img)
	for errors.Is(err, inference.ErrModelClosed) {
		// The model was retired by a swap while this call was in flight.
		next := l.state.Load()
		if next == nil || next == st {
			break
		}
		st = next
		pred, err = l.analyze(ctx, st, img)
	}
	return pred, err
}

func (l *Local) analyze(ctx context.Context, st *modelState, img models.RawImage) (*models.Prediction, error) {
	startTotal := time.Now()
	timings := &models.ProcessingTimings{RequestID: uuid.NewString()}

	prepStart := time.Now()
	tensor, err := st.preprocessor.Preprocess(img)
	if err != nil {
		return nil, err
	}
	defer tensor.Release()
	timings.Preprocess = time.Since(prepStart)

	inferStart := time.Now()
	scores, err := st.model.Run(ctx, tensor.Data)
	if err != nil {
		metrics.Incr("classify.errors", "backend:"+BackendLocal)
		return nil, fmt.Errorf("local inference: %w", err)
	}
	timings.Inference = time.Since(inferStart)
	if len(scores) == 0 {
		return nil, fmt.Errorf("local inference: model returned no scores")
	}

	postStart := time.Now()
	prediction := &models.Prediction{
		Source:  img.Source,
		Score:   scores[0],
		TopK:    TopK(scores, l.labels, l.topK),
		Backend: BackendLocal,
	}
	timings.Postprocess = time.Since(postStart)
	timings.Total = time.Since(startTotal)

	metrics.Timing("classify.latency", timings.Total, "backend:"+BackendLocal)
	log.Debug().
		Str("request_id", timings.RequestID).
		Str("source", img.Source).
		Dur("preprocess", timings.Preprocess).
		Dur("inference", timings.Inference).
		Dur("postprocess", timings.Postprocess).
		Dur("total", timings.Total).
		Float32("score", prediction.Score).
		Msg("local classification")

	return prediction, nil
}
