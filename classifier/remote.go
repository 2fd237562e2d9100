package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/develbox-ro/ad-cognition/fetch"
	"github.com/develbox-ro/ad-cognition/metrics"
	"github.com/develbox-ro/ad-cognition/models"
	"github.com/develbox-ro/ad-cognition/preprocess"
	"github.com/rs/zerolog/log"
)

const (
	DefaultProbeTimeout   = 5 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultHealthPath     = "/health"
	DefaultPredictPath    = "/predict"

	uploadField     = "file"
	uploadFileName  = "image.jpg"
	maxResponseBody = 1 << 20
	maxErrorBody    = 256
)

var ErrBadRemoteResponse = errors.New("classifier: unparseable remote prediction")

type RemoteConfig struct {
	BaseURL        string
	HealthPath     string
	PredictPath    string
	ProbeTimeout   time.Duration
	RequestTimeout time.Duration
	JPEGQuality    int
}

// Remote delegates classification to an HTTP prediction service. It holds no
// state beyond its configuration.
type Remote struct {
	cfg     RemoteConfig
	client  *http.Client
	fetcher *fetch.Fetcher
}

var _ Backend = (*Remote)(nil)

// NewRemote returns a Remote. A nil client uses http.DefaultClient; timeouts
// are applied per call through the context.
func NewRemote(cfg RemoteConfig, client *http.Client) *Remote {
	if cfg.HealthPath == "" {
		cfg.HealthPath = DefaultHealthPath
	}
	if cfg.PredictPath == "" {
		cfg.PredictPath = DefaultPredictPath
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if client == nil {
		client = http.DefaultClient
	}
	return &Remote{
		cfg:     cfg,
		client:  client,
		fetcher: fetch.New(fetch.Config{Timeout: cfg.RequestTimeout, RetryAttempts: 1, MaxBytes: 32 << 20}, client),
	}
}

func (r *Remote) Name() string {
	return BackendRemote
}

func (r *Remote) IsAvailable(ctx context.Context) bool {
	return r.Probe(ctx)
}

// Probe issues GET {base}/health. Any 2xx answer within the probe timeout
// means available; everything else, including panics in the transport, means
// unavailable.
func (r *Remote) Probe(ctx context.Context) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Warn().Interface("panic", rec).Msg("remote probe panicked")
			ok = false
		}
	}()

	if r.cfg.BaseURL == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.BaseURL+r.cfg.HealthPath, nil)
	if err != nil {
		return false
	}

	resp, err := r.client.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("url", r.cfg.BaseURL).Msg("remote backend unreachable")
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}

// Analyze uploads img as a JPEG file and parses the returned score.
func (r *Remote) Analyze(ctx context.Context, img models.RawImage) (*models.Prediction, error) {
	var encoded bytes.Buffer
	if err := preprocess.EncodeJPEG(&encoded, img, r.cfg.JPEGQuality); err != nil {
		return nil, err
	}
	return r.upload(ctx, encoded.Bytes(), img.Source)
}

// AnalyzeSource downloads the image at src and uploads the bytes unchanged.
func (r *Remote) AnalyzeSource(ctx context.Context, src string) (*models.Prediction, error) {
	data, err := r.fetcher.Fetch(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("fetch image %s: %w", src, err)
	}
	return r.upload(ctx, data, src)
}

func (r *Remote) upload(ctx context.Context, image []byte, source string) (*models.Prediction, error) {
	if r.cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: no server configured", ErrRemoteUnavailable)
	}

	body, contentType, err := multipartBody(image)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+r.cfg.PredictPath, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	req.Header.Set("Content-Type", contentType)

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		metrics.Incr("classify.errors", "backend:"+BackendRemote)
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrRemoteUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.Incr("classify.errors", "backend:"+BackendRemote)
		return nil, &RemoteClassificationError{
			Status: resp.StatusCode,
			Body:   truncate(strings.TrimSpace(string(payload)), maxErrorBody),
		}
	}

	score, topK, err := parseRemotePrediction(payload)
	if err != nil {
		return nil, err
	}

	metrics.Timing("classify.latency", time.Since(start), "backend:"+BackendRemote)
	log.Debug().Str("source", source).Float32("score", score).Dur("took", time.Since(start)).Msg("remote classification")

	return &models.Prediction{
		Source:  source,
		Score:   score,
		TopK:    topK,
		Backend: BackendRemote,
	}, nil
}

func multipartBody(image []byte) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, uploadField, uploadFileName))
	header.Set("Content-Type", "image/jpeg")

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create multipart part: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, "", fmt.Errorf("write multipart part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return &body, writer.FormDataContentType(), nil
}

// parseRemotePrediction accepts a bare number, an array whose first element
// is a number, or an object carrying "score" or "prediction". An optional
// "top_k" array of {label, score} is passed through.
func parseRemotePrediction(payload []byte) (float32, []models.LabelScore, error) {
	var raw interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrBadRemoteResponse, err)
	}

	score, ok := extractScore(raw)
	if !ok {
		return 0, nil, fmt.Errorf("%w: %s", ErrBadRemoteResponse, truncate(string(payload), maxErrorBody))
	}

	var extra struct {
		TopK []models.LabelScore `json:"top_k"`
	}
	if obj, isObj := raw.(map[string]interface{}); isObj {
		if _, has := obj["top_k"]; has {
			if err := json.Unmarshal(payload, &extra); err != nil {
				log.Debug().Err(err).Msg("ignoring malformed top_k in remote prediction")
				extra.TopK = nil
			}
		}
	}
	return score, extra.TopK, nil
}

func extractScore(v interface{}) (float32, bool) {
	switch t := v.(type) {
	case float64:
		return float32(t), true
	case []interface{}:
		if len(t) == 0 {
			return 0, false
		}
		return extractScore(t[0])
	case map[string]interface{}:
		for _, key := range []string{"score", "prediction"} {
			if inner, ok := t[key]; ok {
				return extractScore(inner)
			}
		}
	}
	return 0, false
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
