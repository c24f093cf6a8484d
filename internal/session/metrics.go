package session

import "github.com/prometheus/client_golang/prometheus"

var (
	predictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessiond",
			Subsystem: "session",
			Name:      "predictions_total",
			Help:      "Predictions by outcome (completed, cancelled, failed)",
		},
		[]string{"outcome"},
	)

	tokensGenerated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sessiond",
		Subsystem: "session",
		Name:      "tokens_generated_total",
		Help:      "Tokens sampled from the model",
	})

	tokensDecoded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sessiond",
		Subsystem: "session",
		Name:      "tokens_decoded_total",
		Help:      "Tokens passed through a decode call",
	})

	tokensReused = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sessiond",
		Subsystem: "session",
		Name:      "tokens_reused_total",
		Help:      "Tokens taken from the session cache instead of decoded",
	})

	modelLoadSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sessiond",
			Subsystem: "session",
			Name:      "model_load_seconds",
			Help:      "Model load duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(predictionsTotal, tokensGenerated, tokensDecoded, tokensReused, modelLoadSeconds)
}
