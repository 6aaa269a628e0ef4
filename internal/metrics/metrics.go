// Package metrics exposes the Prometheus counters shared by the transport,
// the reconciliation loop and the action dispatcher. A nil *Metrics is valid
// and records nothing.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vmdeck"

// Metrics owns a private registry so tests and multiple sessions never
// collide on the global one.
type Metrics struct {
	registry          *prometheus.Registry
	transportAttempts *prometheus.CounterVec
	reconcileCycles   *prometheus.CounterVec
	fleetSize         prometheus.Gauge
	actions           *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transportAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "attempts_total",
			Help:      "Backend connection attempts by candidate endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		reconcileCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "cycles_total",
			Help:      "Reconciliation cycles by result.",
		}, []string{"result"}),
		fleetSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "fleet_vms",
			Help:      "Number of VMs in the last applied snapshot.",
		}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "actions_total",
			Help:      "Lifecycle actions by verb and result.",
		}, []string{"verb", "result"}),
	}
	m.registry.MustRegister(m.transportAttempts, m.reconcileCycles, m.fleetSize, m.actions)
	return m
}

// Registry exposes the underlying registry for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveAttempt counts one transport attempt against endpoint.
func (m *Metrics) ObserveAttempt(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.transportAttempts.WithLabelValues(endpoint, outcome).Inc()
}

// ObserveReconcile counts a reconciliation cycle. vms is only recorded for
// applied cycles.
func (m *Metrics) ObserveReconcile(result string, vms int) {
	if m == nil {
		return
	}
	m.reconcileCycles.WithLabelValues(result).Inc()
	if result == "applied" {
		m.fleetSize.Set(float64(vms))
	}
}

// ObserveAction counts a dispatched action outcome.
func (m *Metrics) ObserveAction(verb, result string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(verb, result).Inc()
}

// Handler serves /metrics and /healthz.
func (m *Metrics) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if m != nil {
		r.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	}
	return r
}

// Serve runs the metrics endpoint on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics shutdown", "error", err)
		}
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
