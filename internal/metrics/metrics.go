// Package metrics holds the Prometheus collectors for the order platform.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fooddash"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	orderTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "transitions_total",
			Help:      "Order status transitions applied.",
		},
		[]string{"from", "to"},
	)

	rejectedTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "rejected_transitions_total",
			Help:      "Order status transitions rejected by the state machine.",
		},
		[]string{"from", "to"},
	)

	ordersCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "created_total",
			Help:      "Orders created by payment method.",
		},
		[]string{"payment_method"},
	)

	driverAssignments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "drivers",
			Name:      "assignments_total",
			Help:      "Driver accept attempts by outcome.",
		},
		[]string{"result"},
	)

	paymentVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "verifications_total",
			Help:      "Payment signature verifications by outcome.",
		},
		[]string{"result"},
	)

	refunds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "refunds_total",
			Help:      "Refund attempts by outcome.",
		},
		[]string{"result"},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		},
		[]string{"name"},
	)

	realtimeEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "events_total",
			Help:      "Realtime events by type and whether any connection received them.",
		},
		[]string{"event", "delivered"},
	)

	realtimeClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "connected_clients",
			Help:      "Currently connected realtime clients.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)
)

func init() {
	Registry.MustRegister(
		orderTransitions,
		rejectedTransitions,
		ordersCreated,
		driverAssignments,
		paymentVerifications,
		refunds,
		breakerState,
		realtimeEvents,
		realtimeClients,
		httpRequests,
		httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

func RecordOrderCreated(paymentMethod string) {
	ordersCreated.WithLabelValues(paymentMethod).Inc()
}

func RecordTransition(from, to string) {
	orderTransitions.WithLabelValues(from, to).Inc()
}

func RecordRejectedTransition(from, to string) {
	rejectedTransitions.WithLabelValues(from, to).Inc()
}

func RecordAssignment(result string) {
	driverAssignments.WithLabelValues(result).Inc()
}

func RecordPaymentVerification(ok bool) {
	paymentVerifications.WithLabelValues(outcome(ok)).Inc()
}

func RecordRefund(ok bool) {
	refunds.WithLabelValues(outcome(ok)).Inc()
}

func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

func RecordRealtimeEvent(event string, delivered bool) {
	realtimeEvents.WithLabelValues(event, strconv.FormatBool(delivered)).Inc()
}

func SetRealtimeClients(n int) {
	realtimeClients.Set(float64(n))
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and durations keyed by route template.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}
		httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
