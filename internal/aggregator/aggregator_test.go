package aggregator

import (
	"context"
	"errors"
	"testing"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/devzero-inc/pvcwatch/internal/claim"
)

func newAggregator(t *testing.T, threshold string) *Aggregator {
	t.Helper()
	a, err := New(Config{
		Threshold:   resource.MustParse(threshold),
		StrictUnits: true,
	}, zapr.NewLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	return a
}

func newClaim(name, size string) claim.Claim {
	return claim.Claim{
		ID:            types.NamespacedName{Namespace: "default", Name: name},
		RequestedSize: resource.MustParse(size),
		VolumeName:    "pv-" + name,
	}
}

func event(t EventType, name, size, rv string) Event {
	return Event{Type: t, Claim: newClaim(name, size), ResourceVersion: rv}
}

func totalOf(a *Aggregator) *resource.Quantity {
	st := a.Status()
	return &st.Total
}

func kinds(outcomes []Outcome) []Kind {
	out := make([]Kind, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, o.Kind)
	}
	return out
}

func mustApply(t *testing.T, a *Aggregator, ev Event) []Outcome {
	t.Helper()
	outcomes, err := a.Apply(ev)
	require.NoError(t, err)
	return outcomes
}

func TestNewRejectsNonPositiveThreshold(t *testing.T) {
	_, err := New(Config{Threshold: resource.MustParse("0")}, logr.Discard())
	assert.Error(t, err)

	_, err = New(Config{Threshold: resource.MustParse("-1Gi")}, logr.Discard())
	assert.Error(t, err)
}

func TestThresholdScenario(t *testing.T) {
	a := newAggregator(t, "2Gi")
	a.Seed(nil, "1")

	out := mustApply(t, a, event(EventAdd, "a", "1Gi", "2"))
	assert.Equal(t, []Kind{KindAdded, KindUtilization}, kinds(out))
	assert.Equal(t, "1Gi", out[0].Total.String())
	assert.InDelta(t, 0.5, out[1].Ratio, 1e-9)

	out = mustApply(t, a, event(EventAdd, "b", "1536Mi", "3"))
	assert.Equal(t, []Kind{KindOverThreshold, KindUtilization}, kinds(out))
	assert.Equal(t, 0, out[0].Total.Cmp(resource.MustParse("2560Mi")))
	assert.Equal(t, "2Gi", out[0].Threshold.String())
	assert.InDelta(t, 1.25, out[1].Ratio, 1e-9)

	out = mustApply(t, a, event(EventRemove, "b", "1536Mi", "4"))
	assert.Equal(t, []Kind{KindBackToNormal, KindUtilization}, kinds(out))
	assert.Equal(t, "1Gi", out[0].Total.String())

	out = mustApply(t, a, event(EventRemove, "a", "1Gi", "5"))
	assert.Equal(t, []Kind{KindRemoved, KindUtilization}, kinds(out))
	assert.True(t, out[0].Total.IsZero())
	assert.InDelta(t, 0.0, out[1].Ratio, 1e-9)

	st := a.Status()
	assert.False(t, st.OverThreshold)
	assert.Equal(t, "5", st.Checkpoint)
	assert.Equal(t, 0, st.LiveClaims)
}

func TestThresholdIsInclusive(t *testing.T) {
	a := newAggregator(t, "2Gi")

	out := mustApply(t, a, event(EventAdd, "a", "2Gi", "2"))
	assert.Equal(t, KindOverThreshold, out[0].Kind)
}

func TestConservationWithLargeMagnitudes(t *testing.T) {
	a := newAggregator(t, "1Ki")

	sizes := map[string]string{
		"a": "8Ei",
		"b": "8Ei",
		"c": "1",
		"d": "1023Pi",
	}
	// "1" is DecimalSI, so it only passes with strict units off
	a.strictUnits = false

	for name, size := range sizes {
		mustApply(t, a, event(EventAdd, name, size, ""))
	}

	want := resource.MustParse("0")
	for _, size := range sizes {
		want.Add(resource.MustParse(size))
	}
	st := a.Status()
	assert.Equal(t, 0, st.Total.Cmp(want), "total %s want %s", st.Total.String(), want.String())
	assert.Equal(t, resource.BinarySI, st.Total.Format)

	mustApply(t, a, event(EventRemove, "a", "8Ei", ""))
	mustApply(t, a, event(EventRemove, "c", "1", ""))
	want = resource.MustParse("8Ei")
	want.Add(resource.MustParse("1023Pi"))
	assert.Equal(t, 0, totalOf(a).Cmp(want))

	mustApply(t, a, event(EventRemove, "b", "8Ei", ""))
	mustApply(t, a, event(EventRemove, "d", "1023Pi", ""))
	assert.True(t, totalOf(a).IsZero())
}

func TestEdgeTriggerIdempotence(t *testing.T) {
	a := newAggregator(t, "2Gi")

	var overCount int
	for i, name := range []string{"a", "b", "c", "d", "e"} {
		out := mustApply(t, a, event(EventAdd, name, "1Gi", ""))
		for _, o := range out {
			if o.Kind == KindOverThreshold {
				overCount++
				assert.Equal(t, 1, i, "crossing happens on the second claim")
			}
		}
	}
	assert.Equal(t, 1, overCount)
	assert.True(t, a.Status().OverThreshold)

	// removals that stay above the threshold are plain removals
	out := mustApply(t, a, event(EventRemove, "e", "1Gi", ""))
	assert.Equal(t, KindRemoved, out[0].Kind)
}

func TestSymmetry(t *testing.T) {
	a := newAggregator(t, "10Gi")
	mustApply(t, a, event(EventAdd, "base", "6Gi", ""))
	before := *totalOf(a)

	forward := []Event{
		event(EventAdd, "x", "3Gi", ""),
		event(EventAdd, "y", "2Gi", ""),
	}
	var seen []Kind
	for _, ev := range forward {
		seen = append(seen, kinds(mustApply(t, a, ev))...)
	}
	assert.Contains(t, seen, KindOverThreshold)

	seen = nil
	for i := len(forward) - 1; i >= 0; i-- {
		ev := forward[i]
		ev.Type = EventRemove
		seen = append(seen, kinds(mustApply(t, a, ev))...)
	}

	var back int
	for _, k := range seen {
		if k == KindBackToNormal {
			back++
		}
	}
	assert.Equal(t, 1, back)
	assert.Equal(t, 0, totalOf(a).Cmp(before))
}

func TestModifiedNeutrality(t *testing.T) {
	a := newAggregator(t, "2Gi")
	mustApply(t, a, event(EventAdd, "a", "1Gi", "2"))

	for _, size := range []string{"1Gi", "100Gi", "1Mi"} {
		out := mustApply(t, a, event(EventModify, "a", size, "3"))
		assert.Equal(t, []Kind{KindModified, KindUtilization}, kinds(out))
		assert.Equal(t, "1Gi", totalOf(a).String())
	}

	// a modification of a claim we never saw is neutral too
	out := mustApply(t, a, event(EventModify, "ghost", "50Gi", "4"))
	assert.Equal(t, KindModified, out[0].Kind)
	assert.Equal(t, "1Gi", totalOf(a).String())
	assert.Equal(t, "4", a.Status().Checkpoint)
}

func TestUnitMismatchRejected(t *testing.T) {
	a := newAggregator(t, "2Gi")
	mustApply(t, a, event(EventAdd, "a", "1Gi", "7"))

	out, err := a.Apply(event(EventAdd, "decimal", "1G", "8"))
	var mismatch *claim.UnitMismatchError
	require.True(t, errors.As(err, &mismatch))
	require.Len(t, out, 1)
	assert.Equal(t, KindRejected, out[0].Kind)
	assert.Equal(t, "default/decimal", out[0].Claim.Key())

	st := a.Status()
	assert.Equal(t, "7", st.Checkpoint, "rejected event must not advance the checkpoint")
	assert.Equal(t, "1Gi", st.Total.String())
	assert.Equal(t, 1, st.LiveClaims)
}

func TestCheckpointMonotonicity(t *testing.T) {
	a := newAggregator(t, "2Gi")
	a.Seed(nil, "10")

	mustApply(t, a, event(EventAdd, "a", "1Gi", "11"))
	assert.Equal(t, "11", a.Checkpoint())

	_, err := a.Apply(Event{Type: "BOGUS", Claim: newClaim("a", "1Gi"), ResourceVersion: "12"})
	assert.Error(t, err)
	assert.Equal(t, "11", a.Checkpoint())

	// events without a resource version keep the last checkpoint
	mustApply(t, a, event(EventModify, "a", "1Gi", ""))
	assert.Equal(t, "11", a.Checkpoint())
}

func TestRemoveUnknownClaimIsConsistencyWarning(t *testing.T) {
	a := newAggregator(t, "2Gi")

	out := mustApply(t, a, event(EventRemove, "ghost", "1Gi", "3"))
	assert.Equal(t, []Kind{KindConsistencyWarning, KindUtilization}, kinds(out))
	assert.Contains(t, out[0].Reason, "negative")

	// arithmetic is preserved, not clamped
	st := a.Status()
	assert.Equal(t, "-1Gi", st.Total.String())
	assert.Equal(t, "3", st.Checkpoint)
}

func TestRemoveUncountedClaimStillReportsRemoval(t *testing.T) {
	a := newAggregator(t, "5Gi")
	mustApply(t, a, event(EventAdd, "a", "2Gi", "2"))

	out := mustApply(t, a, event(EventRemove, "ghost", "1Gi", "3"))
	assert.Equal(t, []Kind{KindConsistencyWarning, KindRemoved, KindUtilization}, kinds(out))
	assert.Equal(t, "ghost", out[1].Claim.ID.Name)
	assert.NotContains(t, out[0].Reason, "negative")
	assert.Equal(t, "1Gi", totalOf(a).String())
	assert.Equal(t, 1, a.Status().LiveClaims)
}

func TestRemoveUsesCountedSize(t *testing.T) {
	a := newAggregator(t, "10Gi")
	mustApply(t, a, event(EventAdd, "a", "1Gi", ""))
	mustApply(t, a, event(EventAdd, "b", "2Gi", ""))

	// the claim was expanded after it was counted, the counted size is removed
	out := mustApply(t, a, event(EventRemove, "a", "5Gi", ""))
	assert.Equal(t, KindRemoved, out[0].Kind)
	assert.Equal(t, "2Gi", totalOf(a).String())
}

func TestDuplicateAddNotDoubleCounted(t *testing.T) {
	a := newAggregator(t, "2Gi")
	mustApply(t, a, event(EventAdd, "a", "1Gi", "2"))

	out := mustApply(t, a, event(EventAdd, "a", "1Gi", "3"))
	assert.Equal(t, []Kind{KindConsistencyWarning, KindUtilization}, kinds(out))
	assert.Equal(t, "1Gi", totalOf(a).String())
	assert.Equal(t, "3", a.Checkpoint())
}

func TestSeed(t *testing.T) {
	t.Run("under threshold", func(t *testing.T) {
		a := newAggregator(t, "2Gi")
		assert.Equal(t, PhaseInitializing, a.Status().Phase)

		out := a.Seed([]claim.Claim{newClaim("a", "512Mi"), newClaim("b", "512Mi")}, "100")
		assert.Equal(t, []Kind{KindUtilization}, kinds(out))
		assert.InDelta(t, 0.5, out[0].Ratio, 1e-9)

		st := a.Status()
		assert.Equal(t, "1Gi", st.Total.String())
		assert.Equal(t, "100", st.Checkpoint)
		assert.Equal(t, 2, st.LiveClaims)
	})

	t.Run("already over threshold", func(t *testing.T) {
		a := newAggregator(t, "2Gi")
		out := a.Seed([]claim.Claim{newClaim("a", "3Gi")}, "100")
		assert.Equal(t, []Kind{KindOverThreshold, KindUtilization}, kinds(out))

		// the next add above the threshold is not a new crossing
		out = mustApply(t, a, event(EventAdd, "b", "1Gi", "101"))
		assert.Equal(t, KindAdded, out[0].Kind)
	})

	t.Run("rejects mismatched claims", func(t *testing.T) {
		a := newAggregator(t, "2Gi")
		out := a.Seed([]claim.Claim{newClaim("a", "1Gi"), newClaim("b", "1G")}, "100")
		assert.Equal(t, []Kind{KindRejected, KindUtilization}, kinds(out))
		assert.Equal(t, "1Gi", totalOf(a).String())
	})
}

func TestResync(t *testing.T) {
	a := newAggregator(t, "2Gi")
	a.Seed([]claim.Claim{newClaim("a", "1Gi"), newClaim("b", "1536Mi")}, "100")
	require.True(t, a.Status().OverThreshold)

	// b went away and c appeared while we were disconnected
	out := a.Resync([]claim.Claim{newClaim("a", "1Gi"), newClaim("c", "256Mi")}, "200")
	assert.Equal(t, []Kind{KindBackToNormal, KindUtilization, KindAdded, KindUtilization}, kinds(out))

	st := a.Status()
	assert.Equal(t, "1280Mi", st.Total.String())
	assert.Equal(t, "200", st.Checkpoint)
	assert.Equal(t, 2, st.LiveClaims)
	assert.False(t, st.OverThreshold)
}

func newPVC(name, size, rv string) *corev1.PersistentVolumeClaim {
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default", ResourceVersion: rv},
	}
	if size != "" {
		pvc.Spec.Resources.Requests = corev1.ResourceList{
			corev1.ResourceStorage: resource.MustParse(size),
		}
	}
	return pvc
}

type collector struct {
	outcomes []Outcome
}

func (c *collector) Handle(_ context.Context, o Outcome) error {
	c.outcomes = append(c.outcomes, o)
	return nil
}

func TestRunConsumesStream(t *testing.T) {
	a := newAggregator(t, "2Gi")
	a.Seed(nil, "1")

	fw := watch.NewFakeWithChanSize(10, false)
	fw.Add(newPVC("a", "1Gi", "2"))
	fw.Add(newPVC("b", "1536Mi", "3"))
	fw.Modify(newPVC("b", "1536Mi", "4"))
	fw.Action(watch.Bookmark, &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{ResourceVersion: "5"},
	})
	fw.Delete(newPVC("b", "1536Mi", "6"))
	fw.Stop()

	sink := &collector{}
	err := a.Run(context.Background(), fw, sink)

	var reconnect *ReconnectNeededError
	require.True(t, errors.As(err, &reconnect))
	assert.Equal(t, "6", reconnect.Checkpoint)
	assert.False(t, reconnect.Expired)
	var closed *StreamClosedError
	assert.True(t, errors.As(err, &closed))

	assert.Equal(t, []Kind{
		KindAdded, KindUtilization,
		KindOverThreshold, KindUtilization,
		KindModified, KindUtilization,
		KindBackToNormal, KindUtilization,
	}, kinds(sink.outcomes))
	assert.Equal(t, PhaseClosed, a.Status().Phase)
	assert.Equal(t, "1Gi", totalOf(a).String())
}

func TestRunRejectsMalformedClaimAndContinues(t *testing.T) {
	a := newAggregator(t, "2Gi")
	a.Seed(nil, "1")

	fw := watch.NewFakeWithChanSize(10, false)
	fw.Add(newPVC("nosize", "", "2"))
	fw.Add(newPVC("decimal", "1G", "3"))
	fw.Add(newPVC("ok", "1Gi", "4"))
	fw.Stop()

	sink := &collector{}
	err := a.Run(context.Background(), fw, sink)
	require.Error(t, err)

	assert.Equal(t, []Kind{KindRejected, KindRejected, KindAdded, KindUtilization}, kinds(sink.outcomes))
	var missing *claim.MissingSizeError
	assert.True(t, errors.As(sink.outcomes[0].Err, &missing))
	assert.Equal(t, "4", a.Checkpoint())
}

func TestRunRemovesCountedClaimWithoutSize(t *testing.T) {
	a := newAggregator(t, "2Gi")
	a.Seed([]claim.Claim{newClaim("a", "1Gi")}, "1")

	fw := watch.NewFakeWithChanSize(10, false)
	fw.Delete(newPVC("a", "", "2"))
	fw.Stop()

	sink := &collector{}
	_ = a.Run(context.Background(), fw, sink)

	assert.Equal(t, []Kind{KindRemoved, KindUtilization}, kinds(sink.outcomes))
	assert.True(t, totalOf(a).IsZero())
}

func TestRunWatchErrorKeepsCheckpoint(t *testing.T) {
	tests := []struct {
		name        string
		status      *metav1.Status
		wantExpired bool
	}{
		{
			name: "expired",
			status: &metav1.Status{
				Status:  metav1.StatusFailure,
				Code:    410,
				Reason:  metav1.StatusReasonExpired,
				Message: "too old resource version",
			},
			wantExpired: true,
		},
		{
			name: "gone",
			status: &metav1.Status{
				Status: metav1.StatusFailure,
				Code:   410,
				Reason: metav1.StatusReasonGone,
			},
			wantExpired: true,
		},
		{
			name: "internal error",
			status: &metav1.Status{
				Status: metav1.StatusFailure,
				Code:   500,
				Reason: metav1.StatusReasonInternalError,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAggregator(t, "2Gi")
			a.Seed(nil, "1")

			fw := watch.NewFakeWithChanSize(10, false)
			fw.Add(newPVC("a", "1Gi", "2"))
			fw.Error(tt.status)
			fw.Add(newPVC("b", "1Gi", "3"))

			err := a.Run(context.Background(), fw, &collector{})

			var reconnect *ReconnectNeededError
			require.True(t, errors.As(err, &reconnect))
			assert.Equal(t, "2", reconnect.Checkpoint)
			assert.Equal(t, tt.wantExpired, reconnect.Expired)
			// the total survives the disconnect
			assert.Equal(t, "1Gi", totalOf(a).String())
		})
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	a := newAggregator(t, "2Gi")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fw := watch.NewFakeWithChanSize(1, false)
	err := a.Run(ctx, fw, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, PhaseClosed, a.Status().Phase)
}

func TestRunSinkErrorsDoNotStopLoop(t *testing.T) {
	a := newAggregator(t, "2Gi")

	fw := watch.NewFakeWithChanSize(10, false)
	fw.Add(newPVC("a", "1Gi", "2"))
	fw.Add(newPVC("b", "1Gi", "3"))
	fw.Stop()

	var calls int
	failing := SinkFunc(func(context.Context, Outcome) error {
		calls++
		return errors.New("sink down")
	})

	err := a.Run(context.Background(), fw, failing)
	var reconnect *ReconnectNeededError
	require.True(t, errors.As(err, &reconnect))
	assert.Equal(t, 4, calls)
	assert.Equal(t, "3", reconnect.Checkpoint)
}
