// Package metrics holds the Prometheus collectors of a client. A nil
// *Metrics is valid and records nothing, so callers never need to check
// whether metrics were enabled.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cloakfetch"

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Probe result labels.
const (
	ProbeSupported   = "supported"
	ProbeUnsupported = "unsupported"
	ProbeError       = "error"
)

// Metrics groups the collectors registered for one client.
type Metrics struct {
	dispatches *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	fallbacks  *prometheus.CounterVec
	probes     *prometheus.CounterVec
	altSvc     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. Collectors that
// are already registered (a second client on the same registry) are reused.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests sent, by protocol and outcome.",
		}, []string{"protocol", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from dispatch to response headers, by protocol.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"protocol"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Requests reissued through the vanilla client, by outcome.",
		}, []string{"outcome"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "h3_probes_total",
			Help:      "HTTPS record probes, by result.",
		}, []string{"result"}),
		altSvc: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alt_svc_observations_total",
			Help:      "Alt-Svc headers observed, by whether they advertised h3.",
		}, []string{"h3"}),
	}

	var err error
	m.dispatches, err = register(reg, m.dispatches)
	if err != nil {
		return nil, err
	}
	m.duration, err = register(reg, m.duration)
	if err != nil {
		return nil, err
	}
	m.fallbacks, err = register(reg, m.fallbacks)
	if err != nil {
		return nil, err
	}
	m.probes, err = register(reg, m.probes)
	if err != nil {
		return nil, err
	}
	m.altSvc, err = register(reg, m.altSvc)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// ObserveRequest records one send over protocol ("h1", "h2" or "h3", or
// "tcp" for a TCP-tier send that failed before a protocol was known).
func (m *Metrics) ObserveRequest(protocol string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(protocol, outcome(err)).Inc()
	m.duration.WithLabelValues(protocol).Observe(d.Seconds())
}

// ObserveFallback records one vanilla reissue.
func (m *Metrics) ObserveFallback(err error) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(outcome(err)).Inc()
}

// ObserveProbe records the result of one HTTPS record probe.
func (m *Metrics) ObserveProbe(supported bool, err error) {
	if m == nil {
		return
	}
	result := ProbeUnsupported
	switch {
	case err != nil:
		result = ProbeError
	case supported:
		result = ProbeSupported
	}
	m.probes.WithLabelValues(result).Inc()
}

// ObserveAltSvc records one Alt-Svc header.
func (m *Metrics) ObserveAltSvc(h3 bool) {
	if m == nil {
		return
	}
	label := "false"
	if h3 {
		label = "true"
	}
	m.altSvc.WithLabelValues(label).Inc()
}

func outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeSuccess
}
