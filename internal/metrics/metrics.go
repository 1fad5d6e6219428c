// Package metrics holds the Prometheus collectors for the monitor.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"solar-microgrid-monitor/internal/models"
)

var (
	RecordsScored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "microgrid_records_scored_total",
		Help: "Total number of sensor records scored",
	})

	Anomalies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "microgrid_anomalies_total",
		Help: "Total number of anomalies detected, by severity",
	}, []string{"severity"})

	RecordErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "microgrid_record_errors_total",
		Help: "Total number of records that could not be scored",
	})

	ReconstructionError = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "microgrid_reconstruction_error",
		Help:    "Autoencoder reconstruction error per scored record",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "microgrid_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "route", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "microgrid_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// ObserveVerdicts records scoring outcomes.
func ObserveVerdicts(verdicts []models.Verdict) {
	for _, v := range verdicts {
		if v.Err != "" {
			RecordErrors.Inc()
			continue
		}
		RecordsScored.Inc()
		ReconstructionError.Observe(v.Score)
		if v.IsAnomaly {
			Anomalies.WithLabelValues(string(v.Severity)).Inc()
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware counts requests and their latency per mux route template.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
	})
}
