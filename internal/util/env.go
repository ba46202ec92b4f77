// internal/util/env.go
package util

import (
	"os"
	"strconv"
	"time"

	"github.com/go-logr/logr"

	"github.com/devzero-inc/pvcwatch/internal/config"
)

// EnvConfig holds configuration that can be set via environment variables
type EnvConfig struct {
	// Namespace is the namespace to watch
	Namespace string

	// Threshold is the capacity ceiling, e.g. "2Gi"
	Threshold string

	// StrictUnits is nil when STRICT_UNITS is unset
	StrictUnits *bool

	// MetricsAddr is the bind address of the metrics endpoint
	MetricsAddr string

	// WebhookURL receives over capacity signals
	WebhookURL string

	// WebhookToken is the bearer token sent to WebhookURL
	WebhookToken string

	// ReconnectMaxElapsed bounds how long a reconnect keeps retrying
	ReconnectMaxElapsed time.Duration

	// LogLevel overrides --log-level
	LogLevel string
}

// LoadEnvConfig loads configuration from environment variables
func LoadEnvConfig(logger logr.Logger) *EnvConfig {
	env := &EnvConfig{}

	// Load namespace
	if ns := os.Getenv("K8S_NAMESPACE"); ns != "" {
		env.Namespace = ns
		logger.Info("Loaded namespace from environment", "namespace", ns)
	}

	// Load threshold
	if threshold := os.Getenv("PVC_THRESHOLD"); threshold != "" {
		env.Threshold = threshold
		logger.Info("Loaded threshold from environment", "threshold", threshold)
	}

	// Load unit strictness
	if strictStr := os.Getenv("STRICT_UNITS"); strictStr != "" {
		if strict, err := strconv.ParseBool(strictStr); err == nil {
			env.StrictUnits = &strict
			logger.Info("Loaded strict units from environment", "strictUnits", strict)
		} else {
			logger.Error(err, "Failed to parse STRICT_UNITS environment variable", "value", strictStr)
		}
	}

	// Load metrics address
	if addr := os.Getenv("METRICS_BIND_ADDRESS"); addr != "" {
		env.MetricsAddr = addr
		logger.Info("Loaded metrics bind address from environment", "address", addr)
	}

	// Load webhook settings
	if url := os.Getenv("OVER_CAPACITY_WEBHOOK_URL"); url != "" {
		env.WebhookURL = url
		logger.Info("Loaded over capacity webhook from environment", "url", url)
	}
	if token := os.Getenv("OVER_CAPACITY_WEBHOOK_TOKEN"); token != "" {
		env.WebhookToken = token
		logger.Info("Loaded over capacity webhook token from environment")
	}

	// Load reconnect bound
	if elapsedStr := os.Getenv("RECONNECT_MAX_ELAPSED"); elapsedStr != "" {
		if elapsed, err := time.ParseDuration(elapsedStr); err == nil {
			env.ReconnectMaxElapsed = elapsed
			logger.Info("Loaded reconnect max elapsed time from environment", "maxElapsed", elapsed)
		} else {
			logger.Error(err, "Failed to parse RECONNECT_MAX_ELAPSED environment variable", "value", elapsedStr)
		}
	}

	// Load log level
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		env.LogLevel = level
		logger.Info("Loaded log level from environment", "level", level)
	}

	return env
}

// MergeWithFlags merges environment config into cfg, with environment taking precedence
func (e *EnvConfig) MergeWithFlags(cfg *config.Config) {
	if e.Namespace != "" {
		cfg.Namespace = e.Namespace
	}

	if e.Threshold != "" {
		cfg.Threshold = e.Threshold
	}

	if e.StrictUnits != nil {
		cfg.StrictUnits = *e.StrictUnits
	}

	if e.MetricsAddr != "" {
		cfg.MetricsAddr = e.MetricsAddr
	}

	if e.WebhookURL != "" {
		cfg.WebhookURL = e.WebhookURL
	}

	if e.WebhookToken != "" {
		cfg.WebhookToken = e.WebhookToken
	}

	if e.ReconnectMaxElapsed > 0 {
		cfg.ReconnectMaxElapsed = e.ReconnectMaxElapsed
	}

	if e.LogLevel != "" {
		cfg.LogLevel = e.LogLevel
	}
}
