// Package aggregator keeps the running total of requested storage over the live
// claims of one namespace and reports threshold crossings as they happen.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/devzero-inc/pvcwatch/internal/claim"
)

// Config holds the fixed parameters of an Aggregator
type Config struct {
	// Threshold is the capacity ceiling; its format is the unit system of the aggregate
	Threshold resource.Quantity

	// StrictUnits rejects claims whose size is not in the threshold's unit system
	StrictUnits bool
}

// Aggregator owns the aggregate state. Seed, Apply, Resync and Run must be
// called from a single goroutine; Status may be called from anywhere.
type Aggregator struct {
	threshold   resource.Quantity
	strictUnits bool

	total      resource.Quantity
	over       bool
	checkpoint string
	live       map[types.NamespacedName]resource.Quantity
	phase      Phase

	mu     sync.RWMutex
	status Status

	logger logr.Logger
}

// New creates an Aggregator with a zero total
func New(cfg Config, logger logr.Logger) (*Aggregator, error) {
	if cfg.Threshold.Sign() <= 0 {
		return nil, fmt.Errorf("threshold must be positive, got %s", cfg.Threshold.String())
	}

	a := &Aggregator{
		threshold:   cfg.Threshold.DeepCopy(),
		strictUnits: cfg.StrictUnits,
		total:       *resource.NewQuantity(0, cfg.Threshold.Format),
		live:        make(map[types.NamespacedName]resource.Quantity),
		phase:       PhaseInitializing,
		logger:      logger.WithName("aggregator"),
	}
	a.publish()
	return a, nil
}

// Seed applies the baseline claims of a snapshot and sets the checkpoint to the
// snapshot's resource version. Per-claim outcomes are not reported, only a
// rising edge when the baseline is already over the threshold, a rejection for
// each claim that could not be counted and the resulting utilization.
func (a *Aggregator) Seed(claims []claim.Claim, resourceVersion string) []Outcome {
	var outcomes []Outcome
	for i := range claims {
		c := claims[i]
		if err := a.checkUnits(c); err != nil {
			outcomes = append(outcomes, a.rejected(&c, err))
			continue
		}
		if _, ok := a.live[c.ID]; ok {
			outcomes = append(outcomes, a.warning(&c, "claim listed twice in snapshot, counted once"))
			continue
		}
		a.live[c.ID] = c.RequestedSize.DeepCopy()
		a.addToTotal(c.RequestedSize)
	}

	if a.crossedUp() {
		outcomes = append(outcomes, a.edge(KindOverThreshold))
	}
	outcomes = append(outcomes, a.utilization())

	a.checkpoint = resourceVersion
	a.publish()

	a.logger.Info("Seeded aggregate from snapshot",
		"claims", len(a.live),
		"total", a.total.String(),
		"threshold", a.threshold.String(),
		"checkpoint", resourceVersion)
	return outcomes
}

// Apply applies one event and returns its outcomes. A rejected event returns a
// single REJECTED outcome together with the error and leaves the state,
// including the checkpoint, untouched.
func (a *Aggregator) Apply(ev Event) ([]Outcome, error) {
	var (
		outcomes []Outcome
		err      error
	)

	switch ev.Type {
	case EventAdd:
		outcomes, err = a.applyAdd(ev.Claim)
	case EventModify:
		c := ev.Claim
		outcomes = []Outcome{a.claimOutcome(KindModified, &c)}
	case EventRemove:
		outcomes, err = a.applyRemove(ev.Claim)
	default:
		err = fmt.Errorf("unknown event type %q", ev.Type)
	}
	if err != nil {
		c := ev.Claim
		return []Outcome{a.rejected(&c, err)}, err
	}

	outcomes = append(outcomes, a.utilization())
	if ev.ResourceVersion != "" {
		a.checkpoint = ev.ResourceVersion
	}
	a.publish()
	return outcomes, nil
}

func (a *Aggregator) applyAdd(c claim.Claim) ([]Outcome, error) {
	if err := a.checkUnits(c); err != nil {
		return nil, err
	}
	if _, ok := a.live[c.ID]; ok {
		return []Outcome{a.warning(&c, "claim is already counted, duplicate add ignored")}, nil
	}

	a.live[c.ID] = c.RequestedSize.DeepCopy()
	a.addToTotal(c.RequestedSize)

	if a.crossedUp() {
		return []Outcome{a.edge(KindOverThreshold)}, nil
	}
	return []Outcome{a.claimOutcome(KindAdded, &c)}, nil
}

func (a *Aggregator) applyRemove(c claim.Claim) ([]Outcome, error) {
	// the size counted at add time wins over the size on the deleted object
	size, known := a.live[c.ID]
	if !known {
		if err := a.checkUnits(c); err != nil {
			return nil, err
		}
		size = c.RequestedSize
	}

	delete(a.live, c.ID)
	a.total.Sub(size)
	a.total.Format = a.threshold.Format

	var outcomes []Outcome
	switch {
	case !known && a.total.Sign() < 0:
		outcomes = append(outcomes, a.warning(&c, "removed claim was never counted, running total is negative"))
	case !known:
		outcomes = append(outcomes, a.warning(&c, "removed claim was never counted"))
	case a.total.Sign() < 0:
		outcomes = append(outcomes, a.warning(&c, "running total is negative"))
	}

	switch {
	case a.crossedDown():
		outcomes = append(outcomes, a.edge(KindBackToNormal))
	case a.total.Sign() >= 0:
		outcomes = append(outcomes, a.claimOutcome(KindRemoved, &c))
	}
	return outcomes, nil
}

// Resync converges the live set onto a fresh snapshot after the checkpoint
// expired. Claims that disappeared are removed and new claims are added through
// Apply, so the total moves by deltas and edges are reported as usual.
func (a *Aggregator) Resync(claims []claim.Claim, resourceVersion string) []Outcome {
	fresh := make(map[types.NamespacedName]claim.Claim, len(claims))
	for _, c := range claims {
		fresh[c.ID] = c
	}

	var outcomes []Outcome
	for _, id := range a.liveIDs() {
		if _, ok := fresh[id]; ok {
			continue
		}
		gone := claim.Claim{ID: id, RequestedSize: a.live[id].DeepCopy()}
		out, _ := a.Apply(Event{Type: EventRemove, Claim: gone})
		outcomes = append(outcomes, out...)
	}

	sorted := append([]claim.Claim(nil), claims...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Key() < sorted[j].Key()
	})
	for _, c := range sorted {
		if _, ok := a.live[c.ID]; ok {
			continue
		}
		out, err := a.Apply(Event{Type: EventAdd, Claim: c})
		if err != nil {
			a.logger.Error(err, "Claim rejected during resync", "claim", c.Key())
		}
		outcomes = append(outcomes, out...)
	}

	a.checkpoint = resourceVersion
	a.publish()

	a.logger.Info("Resynced aggregate from snapshot",
		"claims", len(a.live),
		"total", a.total.String(),
		"checkpoint", resourceVersion)
	return outcomes
}

// Run consumes the stream until it fails or ctx is cancelled, passing every
// outcome to sink. It returns ctx.Err() on cancellation and a
// *ReconnectNeededError when the stream closes or reports an error.
func (a *Aggregator) Run(ctx context.Context, stream watch.Interface, sink Sink) error {
	defer stream.Stop()

	a.phase = PhaseStreaming
	a.publish()
	defer func() {
		a.phase = PhaseClosed
		a.publish()
	}()

	a.logger.Info("Watching claims", "checkpoint", a.checkpoint)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case we, ok := <-stream.ResultChan():
			if !ok {
				return &ReconnectNeededError{
					Checkpoint: a.checkpoint,
					Cause:      &StreamClosedError{},
				}
			}
			if err := a.handle(ctx, we, sink); err != nil {
				return err
			}
		}
	}
}

// handle applies one watch event. Only stream failures are returned.
func (a *Aggregator) handle(ctx context.Context, we watch.Event, sink Sink) error {
	switch we.Type {
	case watch.Bookmark:
		if rv := resourceVersionOf(we.Object); rv != "" {
			a.checkpoint = rv
			a.publish()
			a.logger.V(1).Info("Bookmark received", "checkpoint", rv)
		}
		return nil

	case watch.Error:
		err := apierrors.FromObject(we.Object)
		return &ReconnectNeededError{
			Checkpoint: a.checkpoint,
			Expired:    apierrors.IsResourceExpired(err) || apierrors.IsGone(err),
			Cause:      &StreamClosedError{Err: err},
		}
	}

	ev, err := a.convert(we)
	var outcomes []Outcome
	if err != nil {
		outcomes = []Outcome{a.rejected(&ev.Claim, err)}
	} else {
		outcomes, err = a.Apply(ev)
	}
	if err != nil {
		a.logger.Error(err, "Event rejected",
			"eventType", string(we.Type),
			"claim", ev.Claim.Key(),
			"checkpoint", a.checkpoint)
	}

	for _, o := range outcomes {
		if sink == nil {
			break
		}
		if err := sink.Handle(ctx, o); err != nil {
			a.logger.Error(err, "Sink failed to handle outcome", "kind", string(o.Kind))
		}
	}
	return nil
}

// convert turns a watch event into an Event. A missing size only matters for
// events that move the total; a removal of a counted claim uses the counted size.
func (a *Aggregator) convert(we watch.Event) (Event, error) {
	ev := Event{ResourceVersion: resourceVersionOf(we.Object)}
	switch we.Type {
	case watch.Added:
		ev.Type = EventAdd
	case watch.Modified:
		ev.Type = EventModify
	case watch.Deleted:
		ev.Type = EventRemove
	default:
		return ev, fmt.Errorf("unsupported watch event type %q", we.Type)
	}

	pvc, ok := we.Object.(*corev1.PersistentVolumeClaim)
	if !ok {
		return ev, fmt.Errorf("unexpected object %T in %s event", we.Object, we.Type)
	}

	c, err := claim.FromPVC(pvc)
	ev.Claim = c

	var missing *claim.MissingSizeError
	if errors.As(err, &missing) {
		if ev.Type == EventModify {
			return ev, nil
		}
		if _, counted := a.live[c.ID]; ev.Type == EventRemove && counted {
			return ev, nil
		}
	}
	return ev, err
}

// Checkpoint returns the resource version of the last applied event
func (a *Aggregator) Checkpoint() string {
	return a.checkpoint
}

// Status returns a copy of the aggregate state
func (a *Aggregator) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s := a.status
	s.Total = a.status.Total.DeepCopy()
	s.Threshold = a.status.Threshold.DeepCopy()
	return s
}

func (a *Aggregator) publish() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.status = Status{
		Phase:         a.phase,
		Total:         a.total.DeepCopy(),
		Threshold:     a.threshold.DeepCopy(),
		OverThreshold: a.over,
		Checkpoint:    a.checkpoint,
		LiveClaims:    len(a.live),
	}
}

func (a *Aggregator) checkUnits(c claim.Claim) error {
	if !a.strictUnits {
		return nil
	}
	return claim.CheckFormat(c, a.threshold.Format)
}

// addToTotal keeps the aggregate in the threshold's format; Quantity.Add adopts
// the operand's format when the receiver is zero.
func (a *Aggregator) addToTotal(size resource.Quantity) {
	a.total.Add(size)
	a.total.Format = a.threshold.Format
}

func (a *Aggregator) crossedUp() bool {
	if a.over || a.total.Cmp(a.threshold) < 0 {
		return false
	}
	a.over = true
	return true
}

func (a *Aggregator) crossedDown() bool {
	if !a.over || a.total.Cmp(a.threshold) >= 0 {
		return false
	}
	a.over = false
	return true
}

func (a *Aggregator) liveIDs() []types.NamespacedName {
	ids := make([]types.NamespacedName, 0, len(a.live))
	for id := range a.live {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
	return ids
}

func (a *Aggregator) base(kind Kind) Outcome {
	return Outcome{
		Kind:      kind,
		Total:     a.total.DeepCopy(),
		Threshold: a.threshold.DeepCopy(),
	}
}

func (a *Aggregator) edge(kind Kind) Outcome {
	return a.base(kind)
}

func (a *Aggregator) claimOutcome(kind Kind, c *claim.Claim) Outcome {
	o := a.base(kind)
	o.Claim = c
	return o
}

func (a *Aggregator) warning(c *claim.Claim, reason string) Outcome {
	o := a.claimOutcome(KindConsistencyWarning, c)
	o.Reason = reason
	return o
}

func (a *Aggregator) rejected(c *claim.Claim, err error) Outcome {
	o := a.claimOutcome(KindRejected, c)
	o.Reason = err.Error()
	o.Err = err
	return o
}

func (a *Aggregator) utilization() Outcome {
	o := a.base(KindUtilization)
	o.Ratio = Ratio(a.total, a.threshold)
	return o
}

// Ratio returns total/threshold as a float for display and metrics
func Ratio(total, threshold resource.Quantity) float64 {
	t := threshold.AsApproximateFloat64()
	if t == 0 {
		return 0
	}
	return total.AsApproximateFloat64() / t
}

func resourceVersionOf(obj interface{}) string {
	if obj == nil {
		return ""
	}
	accessor, err := meta.Accessor(obj)
	if err != nil {
		return ""
	}
	return accessor.GetResourceVersion()
}
