package classifier

import (
	"context"
	"errors"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/develbox-ro/ad-cognition/preprocess"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteProbe(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   bool
	}{
		{"ok", http.StatusOK, true},
		{"no content", http.StatusNoContent, true},
		{"server error", http.StatusInternalServerError, false},
		{"not found", http.StatusNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				assert.Equal(t, DefaultHealthPath, r.URL.Path)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			r := NewRemote(RemoteConfig{BaseURL: srv.URL + "/"}, srv.Client())
			assert.Equal(t, tt.want, r.Probe(context.Background()))
			assert.Equal(t, tt.want, r.IsAvailable(context.Background()))
		})
	}
}

func TestRemoteProbeUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	r := NewRemote(RemoteConfig{BaseURL: url}, nil)
	assert.False(t, r.Probe(context.Background()))
}

func TestRemoteProbeNoBaseURL(t *testing.T) {
	assert.False(t, NewRemote(RemoteConfig{}, nil).Probe(context.Background()))
}

func TestRemoteProbeTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	r := NewRemote(RemoteConfig{BaseURL: srv.URL, ProbeTimeout: 50 * time.Millisecond}, srv.Client())

	start := time.Now()
	assert.False(t, r.Probe(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)
}

type panickingTransport struct{}

func (panickingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	panic("transport exploded")
}

func TestRemoteProbeRecoversPanic(t *testing.T) {
	r := NewRemote(RemoteConfig{BaseURL: "http://remote.invalid"}, &http.Client{Transport: panickingTransport{}})
	assert.False(t, r.Probe(context.Background()))
}

func TestRemoteAnalyzeUploadsJPEG(t *testing.T) {
	var uploads atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, DefaultPredictPath, r.URL.Path)

		file, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		assert.Equal(t, "image.jpg", header.Filename)
		assert.Equal(t, "image/jpeg", header.Header.Get("Content-Type"))

		decoded, err := jpeg.Decode(file)
		if assert.NoError(t, err) {
			assert.Equal(t, 12, decoded.Bounds().Dx())
			assert.Equal(t, 8, decoded.Bounds().Dy())
		}

		uploads.Add(1)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"prediction": 0.83, "top_k": [{"label": "unsafe", "score": 0.83}]}`)
	}))
	defer srv.Close()

	r := NewRemote(RemoteConfig{BaseURL: srv.URL}, srv.Client())
	img := rgbaImage(12, 8)

	pred, err := r.Analyze(context.Background(), img)
	require.NoError(t, err)
	assert.EqualValues(t, 1, uploads.Load())
	assert.InDelta(t, 0.83, pred.Score, 1e-6)
	assert.Equal(t, BackendRemote, pred.Backend)
	assert.Equal(t, img.Source, pred.Source)
	require.Len(t, pred.TopK, 1)
	assert.Equal(t, "unsafe", pred.TopK[0].Label)
}

func TestRemoteAnalyzeErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewRemote(RemoteConfig{BaseURL: srv.URL}, srv.Client())
	_, err := r.Analyze(context.Background(), rgbaImage(4, 4))

	var rce *RemoteClassificationError
	require.True(t, errors.As(err, &rce))
	assert.Equal(t, http.StatusInternalServerError, rce.Status)
	assert.Equal(t, "model exploded", rce.Body)
}

func TestRemoteAnalyzeUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	r := NewRemote(RemoteConfig{BaseURL: url}, nil)
	_, err := r.Analyze(context.Background(), rgbaImage(4, 4))
	assert.ErrorIs(t, err, ErrRemoteUnavailable)
}

func TestRemoteAnalyzeInvalidImage(t *testing.T) {
	r := NewRemote(RemoteConfig{BaseURL: "http://remote.invalid"}, nil)
	_, err := r.Analyze(context.Background(), rgbaImage(0, 4))
	assert.ErrorIs(t, err, preprocess.ErrInvalidImage)
}

func TestRemoteAnalyzeSource(t *testing.T) {
	imageBytes := []byte("\xff\xd8raw-jpeg-bytes")

	mux := http.NewServeMux()
	mux.HandleFunc("/img/banner.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.Write(imageBytes)
	})
	mux.HandleFunc("/predict", func(w http.ResponseWriter, r *http.Request) {
		file, _, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		got, _ := io.ReadAll(file)
		assert.Equal(t, imageBytes, got)
		io.WriteString(w, `[0.12]`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r := NewRemote(RemoteConfig{BaseURL: srv.URL}, srv.Client())
	src := srv.URL + "/img/banner.jpg"

	pred, err := r.AnalyzeSource(context.Background(), src)
	require.NoError(t, err)
	assert.InDelta(t, 0.12, pred.Score, 1e-6)
	assert.Equal(t, src, pred.Source)
}

func TestParseRemotePrediction(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    float32
		wantErr bool
	}{
		{"bare number", `0.4`, 0.4, false},
		{"array", `[0.9, 0.1]`, 0.9, false},
		{"nested array", `[[0.7, 0.3]]`, 0.7, false},
		{"score field", `{"score": 0.2}`, 0.2, false},
		{"prediction field", `{"prediction": [0.6]}`, 0.6, false},
		{"empty array", `[]`, 0, true},
		{"string", `"safe"`, 0, true},
		{"object without score", `{"label": "safe"}`, 0, true},
		{"not json", `<html>`, 0, true},
		{"malformed top_k keeps score", `{"score": 0.3, "top_k": "unsafe"}`, 0.3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := parseRemotePrediction([]byte(tt.payload))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBadRemoteResponse)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-6)
		})
	}
}

func TestParseRemotePredictionDropsMalformedTopK(t *testing.T) {
	score, topK, err := parseRemotePrediction([]byte(`{"score": 0.3, "top_k": [{"label": 7}]}`))
	require.NoError(t, err)
	assert.InDelta(t, 0.3, score, 1e-6)
	assert.Nil(t, topK)
}
