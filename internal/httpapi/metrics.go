package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var labels = []string{"route", "method", "status"}

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sessiond",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route pattern, method and status",
	}, labels)

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sessiond",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency; prediction streams last until their terminal event",
		Buckets:   []float64{.005, .025, .1, .5, 1, 5, 15, 60, 300},
	}, labels)

	httpResponseBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sessiond",
		Subsystem: "http",
		Name:      "response_bytes_total",
		Help:      "Response body bytes written",
	}, []string{"route"})

	httpInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sessiond",
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Requests being served, including open prediction streams",
	})

	predictStreamsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sessiond",
		Subsystem: "http",
		Name:      "predict_streams_total",
		Help:      "Prediction streams by terminal event",
	}, []string{"outcome"})
)

// meteredWriter records the status and body size. Flush is forwarded so
// NDJSON lines reach the client as they are written.
type meteredWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (m *meteredWriter) WriteHeader(code int) {
	m.status = code
	m.ResponseWriter.WriteHeader(code)
}

func (m *meteredWriter) Write(b []byte) (int, error) {
	n, err := m.ResponseWriter.Write(b)
	m.bytes += n
	return n, err
}

func (m *meteredWriter) Flush() {
	if f, ok := m.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// MetricsMiddleware instruments requests for Prometheus. Requests are
// labelled by chi route pattern so path parameters do not explode the
// label space.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mw := &meteredWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		httpInflight.Inc()
		defer httpInflight.Dec()
		next.ServeHTTP(mw, r)

		route := routeOf(r)
		lv := prometheus.Labels{"route": route, "method": r.Method, "status": strconv.Itoa(mw.status)}
		httpRequestsTotal.With(lv).Inc()
		httpRequestDuration.With(lv).Observe(time.Since(start).Seconds())
		httpResponseBytes.WithLabelValues(route).Add(float64(mw.bytes))
	})
}

// routeOf is only meaningful after routing; unmatched requests share one label.
func routeOf(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
