package sink

import (
	"context"

	"github.com/devzero-inc/pvcwatch/internal/aggregator"
	"github.com/devzero-inc/pvcwatch/internal/metrics"
)

// MetricsSink mirrors the aggregate state into Prometheus gauges
type MetricsSink struct {
	namespace string
	metrics   *metrics.Metrics
	status    func() aggregator.Status
}

// NewMetricsSink creates a MetricsSink. status is optional and feeds the live claims gauge.
func NewMetricsSink(namespace string, m *metrics.Metrics, status func() aggregator.Status) *MetricsSink {
	m.OverThreshold.WithLabelValues(namespace).Set(0)
	return &MetricsSink{
		namespace: namespace,
		metrics:   m,
		status:    status,
	}
}

// Handle implements aggregator.Sink
func (s *MetricsSink) Handle(_ context.Context, o aggregator.Outcome) error {
	s.metrics.Outcomes.WithLabelValues(s.namespace, string(o.Kind)).Inc()

	switch o.Kind {
	case aggregator.KindOverThreshold:
		s.metrics.OverThreshold.WithLabelValues(s.namespace).Set(1)
	case aggregator.KindBackToNormal:
		s.metrics.OverThreshold.WithLabelValues(s.namespace).Set(0)
	case aggregator.KindUtilization:
		s.metrics.TotalBytes.WithLabelValues(s.namespace).Set(o.Total.AsApproximateFloat64())
		s.metrics.ThresholdBytes.WithLabelValues(s.namespace).Set(o.Threshold.AsApproximateFloat64())
		s.metrics.Utilization.WithLabelValues(s.namespace).Set(o.Ratio)
		s.metrics.OverThreshold.WithLabelValues(s.namespace).Set(boolToFloat(o.Total.Cmp(o.Threshold) >= 0))
		if s.status != nil {
			s.metrics.LiveClaims.WithLabelValues(s.namespace).Set(float64(s.status().LiveClaims))
		}
	}
	return nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
