// Package supervisor keeps the aggregator subscribed to claim changes. It
// resubscribes from the last checkpoint whenever the stream ends and re-lists
// the namespace when the server no longer holds that checkpoint.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"

	"github.com/devzero-inc/pvcwatch/internal/aggregator"
	"github.com/devzero-inc/pvcwatch/internal/metrics"
	"github.com/devzero-inc/pvcwatch/internal/snapshot"
)

const (
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultMaxInterval     = 30 * time.Second
	DefaultMaxElapsedTime  = 5 * time.Minute
	DefaultWatchTimeout    = 10 * time.Minute
)

// Reconnect reasons reported on the reconnects counter
const (
	ReasonStreamClosed = "stream_closed"
	ReasonExpired      = "expired"
)

// Config configures a Supervisor
type Config struct {
	Namespace string

	// InitialInterval and MaxInterval bound the exponential backoff between attempts
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// MaxElapsedTime is how long one reconnect may keep retrying before giving up.
	// It also bounds a run of subscriptions that close without any progress.
	MaxElapsedTime time.Duration

	// MaxTries caps attempts per reconnect and per run of idle subscriptions, 0 means no cap
	MaxTries uint

	// WatchTimeout is the server side timeout of a single subscription
	WatchTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.InitialInterval <= 0 {
		c.InitialInterval = DefaultInitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultMaxInterval
	}
	if c.MaxElapsedTime <= 0 {
		c.MaxElapsedTime = DefaultMaxElapsedTime
	}
	if c.WatchTimeout <= 0 {
		c.WatchTimeout = DefaultWatchTimeout
	}
}

// checkpointExpiredError marks a subscribe attempt refused because the
// checkpoint is older than the history kept by the server
type checkpointExpiredError struct {
	err error
}

func (e *checkpointExpiredError) Error() string {
	return fmt.Sprintf("checkpoint expired: %v", e.err)
}

func (e *checkpointExpiredError) Unwrap() error {
	return e.err
}

// Supervisor drives an Aggregator over successive watch subscriptions
type Supervisor struct {
	client  kubernetes.Interface
	loader  *snapshot.Loader
	agg     *aggregator.Aggregator
	sink    aggregator.Sink
	metrics *metrics.Metrics
	cfg     Config
	logger  logr.Logger
}

// New creates a Supervisor. m may be nil.
func New(
	client kubernetes.Interface,
	loader *snapshot.Loader,
	agg *aggregator.Aggregator,
	sink aggregator.Sink,
	m *metrics.Metrics,
	cfg Config,
	logger logr.Logger,
) *Supervisor {
	cfg.setDefaults()
	return &Supervisor{
		client:  client,
		loader:  loader,
		agg:     agg,
		sink:    sink,
		metrics: m,
		cfg:     cfg,
		logger:  logger.WithName("supervisor").WithValues("namespace", cfg.Namespace),
	}
}

// Run streams claim changes into the aggregator until ctx is cancelled, in
// which case it returns nil. Subscriptions that close quickly without
// advancing the checkpoint are retried with exponential backoff. It returns a
// *snapshot.ConnectivityError once a reconnect has exhausted its retries.
func (s *Supervisor) Run(ctx context.Context) error {
	expired := false

	// idle paces consecutive subscriptions that ended without progress
	idle := s.newBackOff()
	var (
		idleSince time.Time
		idleTries uint
	)

	for {
		if ctx.Err() != nil {
			return nil
		}

		if expired {
			if err := s.resync(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			expired = false
		}

		stream, err := s.subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var exp *checkpointExpiredError
			if errors.As(err, &exp) {
				s.logger.Info("Checkpoint no longer available, re-listing", "checkpoint", s.agg.Checkpoint())
				s.recordReconnect(ReasonExpired)
				expired = true
				continue
			}
			return err
		}

		before, started := s.agg.Checkpoint(), time.Now()
		err = s.agg.Run(ctx, stream, s.sink)
		if ctx.Err() != nil {
			return nil
		}

		var rn *aggregator.ReconnectNeededError
		if !errors.As(err, &rn) {
			return err
		}

		if rn.Expired {
			s.logger.Info("Watch reported an expired checkpoint, re-listing", "checkpoint", rn.Checkpoint)
			s.recordReconnect(ReasonExpired)
			expired = true
			continue
		}

		s.recordReconnect(ReasonStreamClosed)

		// a quiet namespace may hold a stream open until the server timeout without any event
		if s.agg.Checkpoint() != before || time.Since(started) >= s.cfg.MaxInterval {
			idle.Reset()
			idleSince = time.Time{}
			idleTries = 0
			s.logger.V(1).Info("Watch ended, resubscribing", "checkpoint", rn.Checkpoint, "cause", rn.Cause.Error())
			continue
		}

		if idleSince.IsZero() {
			idleSince = time.Now()
		}
		idleTries++
		if time.Since(idleSince) >= s.cfg.MaxElapsedTime || (s.cfg.MaxTries > 0 && idleTries >= s.cfg.MaxTries) {
			return &snapshot.ConnectivityError{Namespace: s.cfg.Namespace, Err: rn}
		}

		wait := idle.NextBackOff()
		s.logger.Info("Watch ended without progress, resubscribing after backoff",
			"checkpoint", rn.Checkpoint,
			"cause", rn.Cause.Error(),
			"retryIn", wait.String())
		if !sleep(ctx, wait) {
			return nil
		}
	}
}

// sleep waits for d and reports false when ctx ended first
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// subscribe opens a watch at the current checkpoint, retrying with backoff
func (s *Supervisor) subscribe(ctx context.Context) (watch.Interface, error) {
	pvcs := s.client.CoreV1().PersistentVolumeClaims(s.cfg.Namespace)

	op := func() (watch.Interface, error) {
		checkpoint := s.agg.Checkpoint()
		w, err := pvcs.Watch(ctx, metav1.ListOptions{
			ResourceVersion:     checkpoint,
			AllowWatchBookmarks: true,
			TimeoutSeconds:      ptr.To(int64(s.cfg.WatchTimeout.Seconds())),
		})
		if err != nil {
			if apierrors.IsResourceExpired(err) || apierrors.IsGone(err) {
				return nil, backoff.Permanent(&checkpointExpiredError{err: err})
			}
			return nil, err
		}
		return w, nil
	}

	w, err := backoff.Retry(ctx, op, s.retryOptions("subscribe")...)
	if err != nil {
		var exp *checkpointExpiredError
		if errors.As(err, &exp) || ctx.Err() != nil {
			return nil, err
		}
		return nil, &snapshot.ConnectivityError{Namespace: s.cfg.Namespace, Err: err}
	}
	return w, nil
}

// resync re-lists the namespace and converges the aggregate onto it
func (s *Supervisor) resync(ctx context.Context) error {
	op := func() (*snapshot.Snapshot, error) {
		return s.loader.Load(ctx, s.cfg.Namespace)
	}

	snap, err := backoff.Retry(ctx, op, s.retryOptions("resync")...)
	if err != nil {
		var connErr *snapshot.ConnectivityError
		if errors.As(err, &connErr) {
			return connErr
		}
		return &snapshot.ConnectivityError{Namespace: s.cfg.Namespace, Err: err}
	}

	for _, r := range snap.Rejected {
		s.logger.Info("Claim without a readable size ignored during resync", "claim", r.Claim.Key(), "error", r.Err.Error())
	}

	outcomes := s.agg.Resync(snap.Claims, snap.ResourceVersion)
	if s.sink == nil {
		return nil
	}
	for _, o := range outcomes {
		if err := s.sink.Handle(ctx, o); err != nil {
			s.logger.Error(err, "Sink failed", "kind", string(o.Kind))
		}
	}
	return nil
}

func (s *Supervisor) newBackOff() *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.cfg.InitialInterval
	eb.MaxInterval = s.cfg.MaxInterval
	eb.Reset()
	return eb
}

func (s *Supervisor) retryOptions(op string) []backoff.RetryOption {
	opts := []backoff.RetryOption{
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxElapsedTime(s.cfg.MaxElapsedTime),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Info("Retrying after failure", "operation", op, "error", err.Error(), "retryIn", next.String())
		}),
	}
	if s.cfg.MaxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(s.cfg.MaxTries))
	}
	return opts
}

func (s *Supervisor) recordReconnect(reason string) {
	if s.metrics == nil {
		return
	}
	s.metrics.Reconnects.WithLabelValues(s.cfg.Namespace, reason).Inc()
}
