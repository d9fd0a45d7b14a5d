package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch outcomes.
const (
	OutcomeHit         = "hit"
	OutcomeMissStored  = "miss_stored"
	OutcomeMiss        = "miss"
	OutcomeNetwork     = "network"
	OutcomeFallbackHit = "fallback_hit"
	OutcomeNoResponse  = "no_response"
	OutcomeBypass      = "bypass"
)

// Lifecycle states, in the order a worker moves through them.
var LifecycleStates = []string{"parsed", "installing", "installed", "activating", "activated", "redundant"}

// Metrics holds the collectors of one worker instance.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry           *prometheus.Registry
	fetches            *prometheus.CounterVec
	installAssets      *prometheus.CounterVec
	generationsDeleted prometheus.Counter
	lifecycle          *prometheus.GaugeVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	fetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cacheworker_fetch_total",
		Help: "Fetch events by request class and outcome",
	}, []string{"class", "outcome"})

	installAssets := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cacheworker_install_assets_total",
		Help: "Static assets handled during install, by result",
	}, []string{"result"})

	generationsDeleted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cacheworker_generations_deleted_total",
		Help: "Stale cache generations deleted on activation",
	})

	lifecycle := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cacheworker_lifecycle_state",
		Help: "Current lifecycle state of the worker (1 for the active state)",
	}, []string{"state"})

	registry.MustRegister(fetches, installAssets, generationsDeleted, lifecycle)

	return &Metrics{
		registry:           registry,
		fetches:            fetches,
		installAssets:      installAssets,
		generationsDeleted: generationsDeleted,
		lifecycle:          lifecycle,
	}
}

func (m *Metrics) Fetch(class, outcome string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(class, outcome).Inc()
}

func (m *Metrics) InstallAsset(ok bool) {
	if m == nil {
		return
	}
	result := "stored"
	if !ok {
		result = "failed"
	}
	m.installAssets.WithLabelValues(result).Inc()
}

func (m *Metrics) GenerationDeleted() {
	if m == nil {
		return
	}
	m.generationsDeleted.Inc()
}

func (m *Metrics) Lifecycle(state string) {
	if m == nil {
		return
	}
	for _, s := range LifecycleStates {
		value := 0.0
		if s == state {
			value = 1
		}
		m.lifecycle.WithLabelValues(s).Set(value)
	}
}

// Registry exposes the underlying registry, e.g. for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
