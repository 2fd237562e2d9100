package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/develbox-ro/ad-cognition/classifier"
	"github.com/develbox-ro/ad-cognition/inference"
	"github.com/develbox-ro/ad-cognition/loader"
	"github.com/develbox-ro/ad-cognition/models"
	"github.com/develbox-ro/ad-cognition/preprocess"
	"github.com/develbox-ro/ad-cognition/service"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

const defaultMaxUploadBytes = 10 << 20

type AppState struct {
	Service        *service.Service
	Local          *classifier.Local
	Loader         *loader.Loader
	MaxUploadBytes int64
}

// AnalyzeRequest carries raw pixels as base64, or a URL to fetch.
type AnalyzeRequest struct {
	Pixels   string `json:"pixels"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Channels int    `json:"channels"`
	Source   string `json:"source"`
	URL      string `json:"url"`
}

type AnalyzeResponse struct {
	RequestID string `json:"request_id"`
	*models.Prediction
}

type UpdateRequest struct {
	URL string `json:"url"`
}

type AvailabilityResponse struct {
	Available bool            `json:"available"`
	Backends  map[string]bool `json:"backends"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func newRouter(state *AppState) *mux.Router {
	r := mux.NewRouter()
	r.Use(requestLogger)

	r.HandleFunc("/health", handleHealth).Methods("GET")
	r.HandleFunc("/available", state.handleAvailable).Methods("GET")
	r.HandleFunc("/analyze", state.handleAnalyze).Methods("POST")
	r.HandleFunc("/model/update", state.handleUpdate).Methods("POST")
	r.HandleFunc("/model/state", state.handleModelState).Methods("GET")
	state.addMonitoringRoutes(r)
	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *AppState) handleAvailable(w http.ResponseWriter, r *http.Request) {
	backends := s.Service.Availability(r.Context())
	available := false
	for _, ok := range backends {
		available = available || ok
	}
	writeJSON(w, http.StatusOK, AvailabilityResponse{Available: available, Backends: backends})
}

func (s *AppState) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r.Context())
	ctx := r.Context()

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var (
		pred *models.Prediction
		err  error
	)
	switch mediaType {
	case "application/json":
		var req AnalyzeRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, s.maxUpload())).Decode(&req); err != nil {
			sendErrorResponse(w, "invalid_request", MsgInvalidRequest, err.Error(), http.StatusBadRequest)
			return
		}
		pred, err = s.analyzeJSON(ctx, req)
	case "multipart/form-data":
		var img models.RawImage
		img, err = s.readMultipart(r)
		if err != nil {
			sendErrorResponse(w, "invalid_request", MsgInvalidRequest, err.Error(), http.StatusBadRequest)
			return
		}
		pred, err = s.Service.Analyze(ctx, img)
	default:
		var img models.RawImage
		img, err = preprocess.Decode(io.LimitReader(r.Body, s.maxUpload()), "")
		if err != nil {
			sendErrorResponse(w, "invalid_image", MsgInvalidImage, err.Error(), http.StatusBadRequest)
			return
		}
		pred, err = s.Service.Analyze(ctx, img)
	}

	if err != nil {
		s.sendAnalyzeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AnalyzeResponse{RequestID: requestID, Prediction: pred})
}

func (s *AppState) analyzeJSON(ctx context.Context, req AnalyzeRequest) (*models.Prediction, error) {
	if req.Pixels == "" && req.URL != "" {
		return s.Service.AnalyzeSource(ctx, req.URL)
	}
	pixels, err := base64.StdEncoding.DecodeString(req.Pixels)
	if err != nil {
		return nil, errors.Join(preprocess.ErrInvalidImage, err)
	}
	return s.Service.Analyze(ctx, models.RawImage{
		Pixels:   pixels,
		Width:    req.Width,
		Height:   req.Height,
		Channels: req.Channels,
		Source:   req.Source,
	})
}

func (s *AppState) readMultipart(r *http.Request) (models.RawImage, error) {
	if err := r.ParseMultipartForm(s.maxUpload()); err != nil {
		return models.RawImage{}, err
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return models.RawImage{}, err
	}
	defer file.Close()

	source := r.FormValue("source")
	if source == "" {
		source = header.Filename
	}
	return preprocess.Decode(file, source)
}

func (s *AppState) sendAnalyzeError(w http.ResponseWriter, err error) {
	var remoteErr *classifier.RemoteClassificationError
	switch {
	case errors.Is(err, preprocess.ErrInvalidImage):
		sendErrorResponse(w, "invalid_image", MsgInvalidImage, err.Error(), http.StatusBadRequest)
	case errors.Is(err, classifier.ErrModelNotLoaded),
		errors.Is(err, classifier.ErrNoBackend),
		errors.Is(err, classifier.ErrRemoteUnavailable),
		errors.Is(err, inference.ErrAcquireTimeout):
		sendErrorResponse(w, "unavailable", MsgUnavailable, err.Error(), http.StatusServiceUnavailable)
	case errors.As(err, &remoteErr):
		sendErrorResponse(w, "remote_error", MsgClassifyFailed, err.Error(), http.StatusBadGateway)
	case errors.Is(err, context.DeadlineExceeded):
		sendErrorResponse(w, "timeout", MsgClassifyFailed, err.Error(), http.StatusGatewayTimeout)
	default:
		sendErrorResponse(w, "processing_error", MsgClassifyFailed, err.Error(), http.StatusInternalServerError)
	}
}

func (s *AppState) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil || req.URL == "" {
		sendErrorResponse(w, "invalid_request", "A model url is required.", "", http.StatusBadRequest)
		return
	}

	outcome := s.Service.UpdateModel(r.Context(), req.URL)
	status := http.StatusOK
	if !outcome.OK() {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, outcome)
}

func (s *AppState) handleModelState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Service.ModelState())
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	response := map[string]interface{}{"pool": nil}
	if s.Local != nil {
		if pooled, ok := s.Local.Model().(*inference.PooledModel); ok {
			response["pool"] = pooled.Metrics()
		}
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *AppState) maxUpload() int64 {
	if s.MaxUploadBytes > 0 {
		return s.MaxUploadBytes
	}
	return defaultMaxUploadBytes
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to write response")
	}
}

func sendErrorResponse(w http.ResponseWriter, code, message, details string, status int) {
	writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
		Details: details,
	})
}

type ctxKey struct{}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok {
		return id
	}
	return ""
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// requestLogger tags each request with an ID and logs its outcome.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))

		log.Debug().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}
