package entitlement

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments engine commands and sync activity.
type Metrics struct {
	Activations   prometheus.Counter
	Deactivations prometheus.Counter
	Rollbacks     prometheus.Counter
	Syncs         prometheus.Counter
	SyncFailures  prometheus.Counter
	ActiveModules prometheus.Gauge
}

// NewMetrics registers engine metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Activations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "storekit", Subsystem: "entitlement",
			Name: "activations_total",
			Help: "Successful module activations, duplicates included.",
		}),
		Deactivations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "storekit", Subsystem: "entitlement",
			Name: "deactivations_total",
			Help: "Successful module deactivations.",
		}),
		Rollbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "storekit", Subsystem: "entitlement",
			Name: "rollbacks_total",
			Help: "Optimistic updates rolled back after a failed write.",
		}),
		Syncs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "storekit", Subsystem: "entitlement",
			Name: "syncs_total",
			Help: "Full re-syncs applied from the remote store.",
		}),
		SyncFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "storekit", Subsystem: "entitlement",
			Name: "sync_failures_total",
			Help: "Fetches that failed and left the last-known set in place.",
		}),
		ActiveModules: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "storekit", Subsystem: "entitlement",
			Name: "paid_modules_active",
			Help: "Locally-known paid modules for the current store.",
		}),
	}
}
