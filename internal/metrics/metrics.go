// Package metrics registers the Prometheus collectors exposed on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operation outcomes.
const (
	OutcomeOK           = "ok"
	OutcomeRejected     = "rejected"
	OutcomeNotFound     = "not_found"
	OutcomeInconsistent = "inconsistent"
	OutcomeError        = "error"
)

var (
	ReservationOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reservation_operations_total",
			Help: "Reservation engine operations by outcome",
		},
		[]string{"operation", "outcome"},
	)
	ReservationSeats = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reservation_seats_total",
			Help: "Seats allocated and released by committed operations",
		},
		[]string{"direction"},
	)
	RequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// ObserveOperation counts one engine operation.
func ObserveOperation(op, outcome string) {
	ReservationOperations.WithLabelValues(op, outcome).Inc()
}

// SeatsAllocated counts seats taken by a committed reservation.
func SeatsAllocated(n int) {
	ReservationSeats.WithLabelValues("allocated").Add(float64(n))
}

// SeatsReleased counts seats returned by a committed cancellation or delete.
func SeatsReleased(n int) {
	ReservationSeats.WithLabelValues("released").Add(float64(n))
}

// Middleware records request counts and latencies labelled by the chi route
// pattern, keeping label cardinality independent of ids in the path.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		RequestTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
