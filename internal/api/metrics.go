package api

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the server's prometheus collectors
type Metrics struct {
	requestCount    *prometheus.CounterVec
	extractionCount *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests processed.",
			},
			[]string{"method", "path", "status"},
		),
		extractionCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "invoice_extractions_total",
				Help: "Total number of extraction attempts by model and outcome.",
			},
			[]string{"model", "outcome"},
		),
	}

	for _, c := range []prometheus.Collector{m.requestCount, m.extractionCount} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Middleware counts every request except scrapes of /metrics
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		// The mux records the matched pattern, e.g. "GET /api/invoices/{id}"
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}

		m.requestCount.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
	})
}

// ObserveExtraction records the outcome of one extraction request
func (m *Metrics) ObserveExtraction(model, outcome string) {
	m.extractionCount.WithLabelValues(model, outcome).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
