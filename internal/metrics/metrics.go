package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Inbound envelopes by result: processed, duplicate, invalid, error, claim_unavailable
	InboundProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_inbound_messages_total",
			Help: "Inbound queue envelopes handled, partitioned by result",
		},
		[]string{"result"},
	)

	// Outbound send jobs by result: sent, failed, rejected, skipped, error
	OutboundProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_outbound_jobs_total",
			Help: "Outbound send jobs handled, partitioned by result",
		},
		[]string{"result"},
	)

	// Send latency against the provider
	SendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_provider_send_duration_seconds",
			Help:    "Provider send call latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Status notifications by status and reconcile outcome
	StatusNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_status_notifications_total",
			Help: "Delivery status notifications reconciled, partitioned by status and outcome",
		},
		[]string{"status", "outcome"},
	)

	// Recipients selected per dispatch run
	DispatchSelected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_dispatch_selected_total",
			Help: "Recipients selected by the dispatch scheduler, partitioned by kind",
		},
		[]string{"kind"},
	)

	// Dispatch runs by result
	DispatchRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_dispatch_runs_total",
			Help: "Dispatch scheduler runs per campaign, partitioned by result",
		},
		[]string{"result"},
	)

	// Ready depth of each work queue
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_queue_depth",
			Help: "Envelopes waiting in each work queue",
		},
		[]string{"queue"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// Handler serves the default Prometheus registry
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latencies labelled by the matched
// chi route pattern
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		labels := prometheus.Labels{
			"method": r.Method,
			"route":  route,
			"status": strconv.Itoa(rec.status),
		}
		httpRequestsTotal.With(labels).Inc()
		httpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	})
}
