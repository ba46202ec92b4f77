// Package config holds the runtime settings of pvcwatch
package config

import (
	"fmt"
	"net/url"
	"time"

	"k8s.io/apimachinery/pkg/api/resource"
)

const (
	DefaultNamespace   = "default"
	DefaultThreshold   = "2Gi"
	DefaultMetricsAddr = ":8080"
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "json"

	DefaultReconnectInitial    = 500 * time.Millisecond
	DefaultReconnectMax        = 30 * time.Second
	DefaultReconnectMaxElapsed = 5 * time.Minute
	DefaultWatchTimeout        = 10 * time.Minute
	DefaultWebhookTimeout      = 10 * time.Second
)

// Config holds everything needed to run the monitor
type Config struct {
	// Namespace whose claims are summed
	Namespace string

	// Threshold is the capacity ceiling as a Kubernetes quantity string, e.g. "2Gi"
	Threshold string

	// StrictUnits rejects claims sized in a different unit system than Threshold
	StrictUnits bool

	// Kubeconfig path, empty means in-cluster then ~/.kube/config
	Kubeconfig string

	// PageSize is the list page size used for snapshots
	PageSize int64

	// MetricsAddr is where /metrics, /healthz and /readyz are served, "0" disables it
	MetricsAddr string

	LogLevel  string
	LogFormat string

	// NoColor disables terminal colors on the console output
	NoColor bool

	// Quiet suppresses the console output, logs and metrics still work
	Quiet bool

	// WebhookURL receives over capacity signals when set
	WebhookURL     string
	WebhookToken   string
	WebhookTimeout time.Duration

	ReconnectInitial    time.Duration
	ReconnectMax        time.Duration
	ReconnectMaxElapsed time.Duration
	WatchTimeout        time.Duration
}

// Default returns a Config with every default applied
func Default() *Config {
	return &Config{
		Namespace:           DefaultNamespace,
		Threshold:           DefaultThreshold,
		StrictUnits:         true,
		MetricsAddr:         DefaultMetricsAddr,
		LogLevel:            DefaultLogLevel,
		LogFormat:           DefaultLogFormat,
		WebhookTimeout:      DefaultWebhookTimeout,
		ReconnectInitial:    DefaultReconnectInitial,
		ReconnectMax:        DefaultReconnectMax,
		ReconnectMaxElapsed: DefaultReconnectMaxElapsed,
		WatchTimeout:        DefaultWatchTimeout,
	}
}

// ThresholdQuantity parses Threshold
func (c *Config) ThresholdQuantity() (resource.Quantity, error) {
	q, err := resource.ParseQuantity(c.Threshold)
	if err != nil {
		return resource.Quantity{}, fmt.Errorf("invalid threshold %q: %w", c.Threshold, err)
	}
	if q.Sign() <= 0 {
		return resource.Quantity{}, fmt.Errorf("threshold must be positive, got %q", c.Threshold)
	}
	return q, nil
}

// MetricsEnabled reports whether the HTTP endpoint should be served
func (c *Config) MetricsEnabled() bool {
	return c.MetricsAddr != "" && c.MetricsAddr != "0"
}

// Validate checks the config for values the monitor cannot run with
func (c *Config) Validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("namespace is required")
	}
	if _, err := c.ThresholdQuantity(); err != nil {
		return err
	}
	if c.PageSize < 0 {
		return fmt.Errorf("page size must not be negative, got %d", c.PageSize)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}

	if c.WebhookURL != "" {
		u, err := url.Parse(c.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid webhook URL %q", c.WebhookURL)
		}
	}

	if c.ReconnectInitial <= 0 || c.ReconnectMax <= 0 || c.ReconnectMaxElapsed <= 0 {
		return fmt.Errorf("reconnect intervals must be positive")
	}
	if c.ReconnectInitial > c.ReconnectMax {
		return fmt.Errorf("initial reconnect interval %s exceeds the maximum %s", c.ReconnectInitial, c.ReconnectMax)
	}
	return nil
}
