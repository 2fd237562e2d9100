// Package service is the caller-facing entry point: it picks a backend,
// classifies images and forwards model updates to the loader.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/develbox-ro/ad-cognition/classifier"
	"github.com/develbox-ro/ad-cognition/loader"
	"github.com/develbox-ro/ad-cognition/models"
	"github.com/develbox-ro/ad-cognition/preprocess"
	"github.com/rs/zerolog/log"
)

const (
	ModeLocal  = "local"
	ModeRemote = "remote"
	ModeAuto   = "auto"
)

var ErrNoLoader = errors.New("service: model management is disabled")

// SourceFetcher downloads images referenced by URL.
type SourceFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

type Options struct {
	// Mode is ModeLocal, ModeRemote or ModeAuto. Auto prefers the local
	// model and falls back to the remote backend.
	Mode         string
	ProbeTimeout time.Duration
}

type Service struct {
	mode    string
	local   *classifier.Local
	remote  *classifier.Remote
	loader  *loader.Loader
	fetcher SourceFetcher
	probe   *classifier.Probe
}

// New wires the backends. local and ld may be nil in remote mode, remote may
// be nil in local mode.
func New(opts Options, local *classifier.Local, remote *classifier.Remote, ld *loader.Loader, fetcher SourceFetcher) *Service {
	if opts.Mode == "" {
		opts.Mode = ModeAuto
	}
	return &Service{
		mode:    opts.Mode,
		local:   local,
		remote:  remote,
		loader:  ld,
		fetcher: fetcher,
		probe:   classifier.NewProbe(opts.ProbeTimeout),
	}
}

func (s *Service) Mode() string {
	return s.mode
}

// backends lists the candidates in preference order.
func (s *Service) backends() []classifier.Backend {
	var out []classifier.Backend
	if s.local != nil && s.mode != ModeRemote {
		out = append(out, s.local)
	}
	if s.remote != nil && s.mode != ModeLocal {
		out = append(out, s.remote)
	}
	return out
}

// IsAvailable reports whether any configured backend can serve a request.
func (s *Service) IsAvailable(ctx context.Context) bool {
	_, err := s.probe.Select(ctx, s.backends()...)
	return err == nil
}

// Availability probes every configured backend.
func (s *Service) Availability(ctx context.Context) map[string]bool {
	return s.probe.Status(ctx, s.backends()...)
}

func (s *Service) pick(ctx context.Context) (classifier.Backend, error) {
	candidates := s.backends()
	switch len(candidates) {
	case 0:
		return nil, classifier.ErrNoBackend
	case 1:
		// A single backend reports its own errors.
		return candidates[0], nil
	}
	return s.probe.Select(ctx, candidates...)
}

// Analyze classifies img with the selected backend.
func (s *Service) Analyze(ctx context.Context, img models.RawImage) (*models.Prediction, error) {
	backend, err := s.pick(ctx)
	if err != nil {
		return nil, err
	}
	return backend.Analyze(ctx, img)
}

// AnalyzeImage is the lenient form of Analyze: failures are logged and
// reported as a nil prediction.
func (s *Service) AnalyzeImage(ctx context.Context, pixels []byte, width, height int, sourceID string) *models.Prediction {
	if len(pixels) == 0 {
		log.Error().Str("source", sourceID).Msg("failed to get image, it might be too small or failed to load")
		return nil
	}

	pred, err := s.Analyze(ctx, models.RawImage{
		Pixels: pixels,
		Width:  width,
		Height: height,
		Source: sourceID,
	})
	if err != nil {
		log.Warn().Err(err).Str("source", sourceID).Msg("image classification failed")
		return nil
	}
	return pred
}

// AnalyzeSource classifies the image at url. The remote backend receives the
// original bytes; the local backend decodes them first.
func (s *Service) AnalyzeSource(ctx context.Context, url string) (*models.Prediction, error) {
	backend, err := s.pick(ctx)
	if err != nil {
		return nil, err
	}
	if remote, ok := backend.(*classifier.Remote); ok {
		return remote.AnalyzeSource(ctx, url)
	}

	if s.fetcher == nil {
		return nil, fmt.Errorf("%w: no image fetcher configured", classifier.ErrNoBackend)
	}
	data, err := s.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetch image %s: %w", url, err)
	}
	img, err := preprocess.Decode(bytes.NewReader(data), url)
	if err != nil {
		return nil, err
	}
	return backend.Analyze(ctx, img)
}

// UpdateModel replaces the local model with the one at url.
func (s *Service) UpdateModel(ctx context.Context, url string) models.UpdateOutcome {
	if s.loader == nil {
		return models.UpdateOutcome{Type: models.OutcomeError, Message: loader.MsgUpdateFailed}
	}
	return s.loader.Update(ctx, url)
}

// LoadModel performs the initial model load.
func (s *Service) LoadModel(ctx context.Context) error {
	if s.loader == nil {
		return ErrNoLoader
	}
	return s.loader.Load(ctx)
}

// ModelState describes the local model for reporting.
type ModelState struct {
	Mode   string                `json:"mode"`
	Loader *loader.Status        `json:"loader,omitempty"`
	Model  *classifier.ModelInfo `json:"model,omitempty"`
}

func (s *Service) ModelState() ModelState {
	state := ModelState{Mode: s.mode}
	if s.loader != nil {
		status := s.loader.Status()
		state.Loader = &status
	}
	if s.local != nil {
		if info, ok := s.local.Info(); ok {
			state.Model = &info
		}
	}
	return state
}
