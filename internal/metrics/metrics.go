// Package metrics exposes the core's Prometheus collectors on a private registry.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"sphinx-onion/go-core/internal/contracts"
	"sphinx-onion/go-core/pkg/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "onion"

type Metrics struct {
	registry *prometheus.Registry

	routed      *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	handshakes  *prometheus.CounterVec
	ingested    *prometheus.CounterVec
	errors      *prometheus.CounterVec
	brokerState prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "router", Name: "routed_total",
			Help: "Inbound envelopes dispatched, by topic verb.",
		}, []string{"verb"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "router", Name: "dropped_total",
			Help: "Inbound envelopes dropped, by reason.",
		}, []string{"reason"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "handshakes_total",
			Help: "Key exchange transitions, by stage.",
		}, []string{"stage"}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_ingested_total",
			Help: "Chat messages seen by the ingestor, by outcome.",
		}, []string{"outcome"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "errors_total",
			Help: "Errors by category.",
		}, []string{"category"}),
		brokerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "broker_state",
			Help: "0 disconnected, 1 connecting, 2 connected.",
		}),
	}
	m.registry.MustRegister(m.routed, m.dropped, m.handshakes, m.ingested, m.errors, m.brokerState)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Routed(verb string) {
	if m == nil {
		return
	}
	m.routed.WithLabelValues(verb).Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Handshake(stage string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(stage).Inc()
}

func (m *Metrics) Ingested(outcome string) {
	if m == nil {
		return
	}
	m.ingested.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordError(err error) {
	if m == nil || err == nil {
		return
	}
	m.errors.WithLabelValues(contracts.ErrorCategory(err)).Inc()
}

func (m *Metrics) BrokerState(state models.BrokerState) {
	if m == nil {
		return
	}
	switch state {
	case models.BrokerStateConnecting:
		m.brokerState.Set(1)
	case models.BrokerStateConnected:
		m.brokerState.Set(2)
	default:
		m.brokerState.Set(0)
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
