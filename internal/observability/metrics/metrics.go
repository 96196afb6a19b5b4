// Package metrics exposes the control plane's Prometheus collectors. The
// collectors live in a private registry so tests and embedders never clash
// with the global default registry.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "swarm"

var (
	registry = prometheus.NewRegistry()

	admissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admissions_total",
		Help:      "Admission attempts by archetype and outcome.",
	}, []string{"archetype", "outcome"})

	reservations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "replication_reservations_total",
		Help:      "Replication limiter reservations by archetype and result.",
	}, []string{"archetype", "result"})

	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lifecycle_transitions_total",
		Help:      "Lifecycle transitions applied by the registry.",
	}, []string{"from", "to"})

	liveInstances = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "live_instances",
		Help:      "Instances currently registered, by archetype and state.",
	}, []string{"archetype", "state"})

	executions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "executions_total",
		Help:      "Task dispatches to instances by archetype and result.",
	}, []string{"archetype", "result"})

	executionLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "execution_duration_seconds",
		Help:      "Duration of a single instance dispatch.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"archetype"})

	decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mutation_decisions_total",
		Help:      "Mutation evaluator decisions by archetype and action.",
	}, []string{"archetype", "action"})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		admissions, reservations, transitions, liveInstances,
		executions, executionLatency, decisions,
		httpRequests, httpLatency,
	)
}

// ObserveAdmission records an admission attempt.
func ObserveAdmission(archetype, outcome string) {
	admissions.WithLabelValues(archetype, outcome).Inc()
}

// ObserveReservation records a limiter reservation attempt.
func ObserveReservation(archetype string, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "rate_limited"
	}
	reservations.WithLabelValues(archetype, result).Inc()
}

// ObserveTransition records a lifecycle transition and keeps the live gauge in sync.
func ObserveTransition(archetype, from, to string) {
	transitions.WithLabelValues(from, to).Inc()
	if from != "" {
		liveInstances.WithLabelValues(archetype, from).Dec()
	}
	if to != "" && to != "retired" {
		liveInstances.WithLabelValues(archetype, to).Inc()
	}
}

// ObserveExecution records one instance dispatch.
func ObserveExecution(archetype, result string, duration time.Duration) {
	executions.WithLabelValues(archetype, result).Inc()
	executionLatency.WithLabelValues(archetype).Observe(duration.Seconds())
}

// ObserveDecision records a mutation evaluator decision.
func ObserveDecision(archetype, action string) {
	decisions.WithLabelValues(archetype, action).Inc()
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Registry returns the registry backing the collectors.
func Registry() *prometheus.Registry {
	return registry
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
