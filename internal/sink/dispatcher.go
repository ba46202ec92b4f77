// Package sink holds the downstream consumers of aggregator outcomes.
package sink

import (
	"context"

	"go.uber.org/multierr"

	"github.com/devzero-inc/pvcwatch/internal/aggregator"
)

// Dispatcher fans every outcome out to a list of sinks in order.
type Dispatcher struct {
	sinks []aggregator.Sink
}

// NewDispatcher creates a Dispatcher, nil sinks are skipped
func NewDispatcher(sinks ...aggregator.Sink) *Dispatcher {
	d := &Dispatcher{}
	for _, s := range sinks {
		if s != nil {
			d.sinks = append(d.sinks, s)
		}
	}
	return d
}

// Handle passes the outcome to every sink. A failing sink does not keep the
// others from seeing the outcome; all errors are returned together.
func (d *Dispatcher) Handle(ctx context.Context, outcome aggregator.Outcome) error {
	var errs error
	for _, s := range d.sinks {
		errs = multierr.Append(errs, s.Handle(ctx, outcome))
	}
	return errs
}

// HandleAll dispatches a batch of outcomes, such as the result of Seed or Resync
func (d *Dispatcher) HandleAll(ctx context.Context, outcomes []aggregator.Outcome) error {
	var errs error
	for _, o := range outcomes {
		errs = multierr.Append(errs, d.Handle(ctx, o))
	}
	return errs
}
