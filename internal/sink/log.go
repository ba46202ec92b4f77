package sink

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/devzero-inc/pvcwatch/internal/aggregator"
)

// LogSink writes one structured log line per outcome
type LogSink struct {
	logger logr.Logger
}

// NewLogSink creates a LogSink
func NewLogSink(logger logr.Logger) *LogSink {
	return &LogSink{logger: logger.WithName("outcomes")}
}

// Handle implements aggregator.Sink
func (s *LogSink) Handle(_ context.Context, o aggregator.Outcome) error {
	total := o.Total.String()
	threshold := o.Threshold.String()

	switch o.Kind {
	case aggregator.KindAdded:
		size := o.Claim.RequestedSize.String()
		s.logger.Info("PVC added", "claim", o.Claim.Key(), "size", size, "total", total)
	case aggregator.KindModified:
		s.logger.Info("PVC modified", "claim", o.Claim.Key(), "volume", o.Claim.VolumeName)
	case aggregator.KindRemoved:
		size := o.Claim.RequestedSize.String()
		s.logger.Info("PVC removed", "claim", o.Claim.Key(), "size", size, "total", total)
	case aggregator.KindOverThreshold:
		s.logger.Info("Claim overage reached, triggering over capacity action",
			"max", threshold, "at", total)
	case aggregator.KindBackToNormal:
		s.logger.Info("Claim usage back to normal", "max", threshold, "at", total)
	case aggregator.KindUtilization:
		s.logger.V(1).Info("Claim capacity utilization",
			"percent", fmt.Sprintf("%.1f", o.Ratio*100),
			"total", total,
			"max", threshold)
	case aggregator.KindConsistencyWarning:
		s.logger.Info("Inconsistent claim state", "claim", claimKey(o), "reason", o.Reason, "total", total)
	case aggregator.KindRejected:
		s.logger.Error(o.Err, "PVC event rejected", "claim", claimKey(o))
	default:
		return fmt.Errorf("unknown outcome kind %q", o.Kind)
	}
	return nil
}

func claimKey(o aggregator.Outcome) string {
	if o.Claim == nil {
		return ""
	}
	return o.Claim.Key()
}
