// Package httpapi exposes a Session over HTTP: NDJSON prediction streams,
// status and lifecycle endpoints, context snapshots and model listing.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"sessiond/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Ready() bool
	Status() types.StatusResponse
	Load()
	// Predict starts a prediction. The channel yields its events and is
	// closed after the terminal one. Cancelling ctx cancels the prediction.
	Predict(ctx context.Context, prompt string) (id string, events <-chan types.PredictionEvent)
	Cancel(id string) bool
	Context(ctx context.Context) (types.SessionContext, error)
	ListModels() ([]types.Model, error)
	ListSnapshots(ctx context.Context) ([]types.Snapshot, error)
	SaveSnapshot(ctx context.Context, name string) (types.Snapshot, error)
	GetSnapshot(ctx context.Context, name string) (types.SnapshotDetail, error)
	DeleteSnapshot(ctx context.Context, name string) error
	ExportSnapshot(ctx context.Context, name, file string) (types.ExportResponse, error)
}

// Options configure the HTTP layer.
type Options struct {
	Logger zerolog.Logger
	// MaxBodyBytes limits JSON request bodies; 0 means 1 MiB.
	MaxBodyBytes int64
	// CORSOrigins enables CORS for the listed origins when non-empty.
	CORSOrigins []string
	// BaseContext is canceled on shutdown; in-flight predictions are
	// cancelled with it. Defaults to Background.
	BaseContext context.Context
}

type server struct {
	svc     Service
	log     zerolog.Logger
	maxBody int64
	base    context.Context
}

// NewMux returns the router for svc.
func NewMux(svc Service, opts Options) http.Handler {
	s := &server{svc: svc, log: opts.Logger, maxBody: opts.MaxBodyBytes, base: opts.BaseContext}
	if s.maxBody <= 0 {
		s.maxBody = 1 << 20
	}
	if s.base == nil {
		s.base = context.Background()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(requestLogger(s.log))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "X-Log-Level", "X-Request-Id"},
			ExposedHeaders: []string{"X-Prediction-ID"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	})
	r.Post("/load", func(w http.ResponseWriter, r *http.Request) {
		svc.Load()
		writeJSON(w, http.StatusAccepted, map[string]string{"state": svc.Status().State})
	})
	r.Post("/predict", s.handlePredict)
	r.Delete("/predictions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !svc.Cancel(chi.URLParam(r, "id")) {
			writeJSONError(w, http.StatusNotFound, "no such prediction")
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	r.Get("/context", func(w http.ResponseWriter, r *http.Request) {
		c, err := svc.Context(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	})
	r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
		models, err := svc.ListModels()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, types.ModelsResponse{Models: models})
	})

	r.Route("/snapshots", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			list, err := svc.ListSnapshots(r.Context())
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, types.SnapshotsResponse{Snapshots: list})
		})
		r.Post("/", func(w http.ResponseWriter, r *http.Request) {
			var req types.SnapshotRequest
			if !s.decode(w, r, &req) {
				return
			}
			snap, err := svc.SaveSnapshot(r.Context(), req.Name)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, snap)
		})
		r.Get("/{name}", func(w http.ResponseWriter, r *http.Request) {
			snap, err := svc.GetSnapshot(r.Context(), chi.URLParam(r, "name"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, snap)
		})
		r.Delete("/{name}", func(w http.ResponseWriter, r *http.Request) {
			if err := svc.DeleteSnapshot(r.Context(), chi.URLParam(r, "name")); err != nil {
				writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
		r.Post("/{name}/export", func(w http.ResponseWriter, r *http.Request) {
			var req types.ExportRequest
			if !s.decode(w, r, &req) {
				return
			}
			res, err := svc.ExportSnapshot(r.Context(), chi.URLParam(r, "name"), req.File)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, res)
		})
	})
	return r
}

// decode reads a JSON body into v, writing the error response itself when
// it fails.
func (s *server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// handlePredict streams one NDJSON line per prediction event. A client
// disconnect or server shutdown cancels the prediction.
func (s *server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req types.PredictRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	lg := zerolog.Ctx(r.Context())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.base, cancel)
	defer stop()
	id, events := s.svc.Predict(ctx, req.Prompt)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Prediction-ID", id)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	start := time.Now()
	lg.Info().Str("prediction", id).Msg("predict start")

	outcome := ""
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			// client gone
			cancel()
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
		if ev.Event == "token" {
			lg.Trace().Str("prediction", id).Str("text", ev.Text).Msg("token")
		}
		switch ev.Event {
		case "completed", "cancelled", "failed":
			outcome = ev.Event
		}
	}
	if outcome != "" {
		predictStreamsTotal.WithLabelValues(outcome).Inc()
	}
	lg.Info().Str("prediction", id).Str("outcome", outcome).Dur("dur", time.Since(start)).Msg("predict end")
}
