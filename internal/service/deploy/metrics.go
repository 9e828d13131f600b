package deploy

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	deploys  *prometheus.CounterVec
	rollouts *prometheus.CounterVec
	removals *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) metrics {
	m := metrics{
		deploys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exoframe",
			Subsystem: "deploy",
			Name:      "pipeline_results_total",
			Help:      "Deploy pipeline outcomes by request kind",
		}, []string{"kind", "outcome"}),
		rollouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exoframe",
			Subsystem: "deploy",
			Name:      "rollouts_total",
			Help:      "Finished rollouts by final state",
		}, []string{"state"}),
		removals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exoframe",
			Subsystem: "deploy",
			Name:      "container_removals_total",
			Help:      "Old generation container removals by outcome",
		}, []string{"outcome"}),
	}
	if reg == nil {
		return m
	}
	m.deploys = register(reg, m.deploys)
	m.rollouts = register(reg, m.rollouts)
	m.removals = register(reg, m.removals)
	return m
}

func register(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}
