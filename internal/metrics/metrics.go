package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

const metricsNamespace = "pvcwatch"

// Metrics holds Prometheus metrics for the claim aggregate.
type Metrics struct {
	TotalBytes     *prometheus.GaugeVec
	ThresholdBytes *prometheus.GaugeVec
	Utilization    *prometheus.GaugeVec
	OverThreshold  *prometheus.GaugeVec
	LiveClaims     *prometheus.GaugeVec
	Outcomes       *prometheus.CounterVec
	Reconnects     *prometheus.CounterVec
}

// NewMetrics initializes and registers the metrics with reg, or with the
// controller-runtime registry when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TotalBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:      "claims_total_bytes",
				Namespace: metricsNamespace,
				Help:      "Sum of requested storage over the live claims.",
			},
			[]string{"namespace"},
		),
		ThresholdBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:      "threshold_bytes",
				Namespace: metricsNamespace,
				Help:      "Configured ceiling for requested storage.",
			},
			[]string{"namespace"},
		),
		Utilization: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:      "utilization_ratio",
				Namespace: metricsNamespace,
				Help:      "Requested storage divided by the threshold.",
			},
			[]string{"namespace"},
		),
		OverThreshold: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:      "over_threshold",
				Namespace: metricsNamespace,
				Help:      "1 while requested storage is at or above the threshold.",
			},
			[]string{"namespace"},
		),
		LiveClaims: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:      "live_claims",
				Namespace: metricsNamespace,
				Help:      "Number of claims currently counted in the total.",
			},
			[]string{"namespace"},
		),
		Outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:      "outcomes_total",
				Namespace: metricsNamespace,
				Help:      "Outcomes reported by the aggregator, by kind.",
			},
			[]string{"namespace", "kind"},
		),
		Reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:      "reconnects_total",
				Namespace: metricsNamespace,
				Help:      "Watch resubscriptions, by reason.",
			},
			[]string{"namespace", "reason"},
		),
	}

	if reg == nil {
		reg = ctrlmetrics.Registry
	}
	reg.MustRegister(
		m.TotalBytes,
		m.ThresholdBytes,
		m.Utilization,
		m.OverThreshold,
		m.LiveClaims,
		m.Outcomes,
		m.Reconnects,
	)

	return m
}
