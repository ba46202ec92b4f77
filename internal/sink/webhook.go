package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/devzero-inc/pvcwatch/internal/aggregator"
)

const (
	defaultWebhookTimeout   = 10 * time.Second
	defaultWebhookQueueSize = 16
	webhookSchemaVersion    = "1"
	webhookUserAgent        = "pvcwatch/v1"
)

// ErrWebhookQueueFull is returned when a threshold signal cannot be queued
var ErrWebhookQueueFull = errors.New("webhook queue is full, signal dropped")

// WebhookEnvelope is the JSON body POSTed for threshold crossings
type WebhookEnvelope struct {
	Type          string  `json:"type"`
	SchemaVersion string  `json:"schemaVersion"`
	Timestamp     string  `json:"timestamp"`
	Namespace     string  `json:"namespace"`
	Total         string  `json:"total"`
	Threshold     string  `json:"threshold"`
	Ratio         float64 `json:"ratio"`
}

// WebhookConfig configures a WebhookAction
type WebhookConfig struct {
	URL       string
	Namespace string
	Timeout   time.Duration
	QueueSize int

	// AuthToken is sent as a bearer token when set
	AuthToken string
}

// WebhookAction posts OVER_THRESHOLD and BACK_TO_NORMAL signals to an HTTP
// endpoint from a background worker, so a slow receiver never blocks the loop.
type WebhookAction struct {
	httpClient *http.Client
	url        string
	namespace  string
	authToken  string
	queue      chan WebhookEnvelope
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	logger     logr.Logger
	now        func() time.Time
}

// NewWebhookAction validates the config and creates a WebhookAction
func NewWebhookAction(cfg WebhookConfig, logger logr.Logger) (*WebhookAction, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("webhook URL must use http or https scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("webhook URL must include a host")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultWebhookQueueSize
	}

	return &WebhookAction{
		httpClient: &http.Client{Timeout: timeout},
		url:        cfg.URL,
		namespace:  cfg.Namespace,
		authToken:  cfg.AuthToken,
		queue:      make(chan WebhookEnvelope, queueSize),
		stopCh:     make(chan struct{}),
		logger:     logger.WithName("webhook-action").WithValues("host", u.Host),
		now:        time.Now,
	}, nil
}

// Start launches the delivery worker
func (w *WebhookAction) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				w.drain(ctx)
				return
			case env := <-w.queue:
				w.deliver(ctx, env)
			}
		}
	}()
}

// Stop delivers what is already queued and waits for the worker to exit
func (w *WebhookAction) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	w.wg.Wait()
}

// Handle implements aggregator.Sink. Only threshold crossings are sent.
func (w *WebhookAction) Handle(_ context.Context, o aggregator.Outcome) error {
	if o.Kind != aggregator.KindOverThreshold && o.Kind != aggregator.KindBackToNormal {
		return nil
	}

	env := WebhookEnvelope{
		Type:          string(o.Kind),
		SchemaVersion: webhookSchemaVersion,
		Timestamp:     w.now().UTC().Format(time.RFC3339),
		Namespace:     w.namespace,
		Total:         o.Total.String(),
		Threshold:     o.Threshold.String(),
		Ratio:         aggregator.Ratio(o.Total, o.Threshold),
	}

	select {
	case w.queue <- env:
		return nil
	default:
		return ErrWebhookQueueFull
	}
}

func (w *WebhookAction) drain(ctx context.Context) {
	for {
		select {
		case env := <-w.queue:
			w.deliver(ctx, env)
		default:
			return
		}
	}
}

func (w *WebhookAction) deliver(ctx context.Context, env WebhookEnvelope) {
	if err := w.post(ctx, env); err != nil {
		w.logger.Error(err, "Failed to deliver threshold signal", "type", env.Type)
		return
	}
	w.logger.Info("Delivered threshold signal", "type", env.Type, "total", env.Total)
}

func (w *WebhookAction) post(ctx context.Context, env WebhookEnvelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", webhookUserAgent)
	if w.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+w.authToken)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
