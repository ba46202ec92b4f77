package aggregator

import (
	"context"

	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/devzero-inc/pvcwatch/internal/claim"
)

// Kind identifies an Outcome
type Kind string

const (
	KindAdded              Kind = "ADDED"
	KindModified           Kind = "MODIFIED"
	KindRemoved            Kind = "REMOVED"
	KindOverThreshold      Kind = "OVER_THRESHOLD"
	KindBackToNormal       Kind = "BACK_TO_NORMAL"
	KindUtilization        Kind = "UTILIZATION"
	KindConsistencyWarning Kind = "CONSISTENCY_WARNING"
	KindRejected           Kind = "REJECTED"
)

// AllKinds returns every outcome kind
func AllKinds() []Kind {
	return []Kind{
		KindAdded, KindModified, KindRemoved, KindOverThreshold,
		KindBackToNormal, KindUtilization, KindConsistencyWarning, KindRejected,
	}
}

// EventType is a claim lifecycle transition
type EventType string

const (
	EventAdd    EventType = "ADD"
	EventModify EventType = "MODIFY"
	EventRemove EventType = "REMOVE"
)

// Event is one lifecycle transition for a claim, as delivered by the stream
type Event struct {
	Type            EventType
	Claim           claim.Claim
	ResourceVersion string
}

// Outcome is what the aggregator reports after applying an event.
// Total and Threshold are always set; Claim is set for claim-scoped kinds.
type Outcome struct {
	Kind      Kind
	Claim     *claim.Claim
	Total     resource.Quantity
	Threshold resource.Quantity

	// Ratio is Total/Threshold, set on UTILIZATION
	Ratio float64

	// Reason explains CONSISTENCY_WARNING and REJECTED outcomes
	Reason string
	Err    error
}

// Sink consumes outcomes. A sink error is logged and never stops the loop.
type Sink interface {
	Handle(ctx context.Context, outcome Outcome) error
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(ctx context.Context, outcome Outcome) error

// Handle implements Sink
func (f SinkFunc) Handle(ctx context.Context, outcome Outcome) error {
	return f(ctx, outcome)
}

// Phase is the coarse lifecycle of an Aggregator
type Phase string

const (
	PhaseInitializing Phase = "INITIALIZING"
	PhaseStreaming    Phase = "STREAMING"
	PhaseClosed       Phase = "CLOSED"
)

// Status is a point-in-time copy of the aggregate state, safe to read from any goroutine
type Status struct {
	Phase         Phase
	Total         resource.Quantity
	Threshold     resource.Quantity
	OverThreshold bool
	Checkpoint    string
	LiveClaims    int
}
