package util

import (
	"testing"
	"time"

	"github.com/go-logr/zapr"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/devzero-inc/pvcwatch/internal/config"
)

func TestLoadEnvConfig(t *testing.T) {
	t.Setenv("K8S_NAMESPACE", "team-a")
	t.Setenv("PVC_THRESHOLD", "10Gi")
	t.Setenv("STRICT_UNITS", "false")
	t.Setenv("METRICS_BIND_ADDRESS", ":9090")
	t.Setenv("OVER_CAPACITY_WEBHOOK_URL", "https://hooks.example.com/pvc")
	t.Setenv("RECONNECT_MAX_ELAPSED", "2m")

	env := LoadEnvConfig(zapr.NewLogger(zaptest.NewLogger(t)))

	assert.Equal(t, "team-a", env.Namespace)
	assert.Equal(t, "10Gi", env.Threshold)
	if assert.NotNil(t, env.StrictUnits) {
		assert.False(t, *env.StrictUnits)
	}
	assert.Equal(t, ":9090", env.MetricsAddr)
	assert.Equal(t, "https://hooks.example.com/pvc", env.WebhookURL)
	assert.Equal(t, 2*time.Minute, env.ReconnectMaxElapsed)
}

func TestLoadEnvConfigIgnoresUnparsableValues(t *testing.T) {
	t.Setenv("STRICT_UNITS", "maybe")
	t.Setenv("RECONNECT_MAX_ELAPSED", "soon")

	env := LoadEnvConfig(zapr.NewLogger(zaptest.NewLogger(t)))

	assert.Nil(t, env.StrictUnits)
	assert.Zero(t, env.ReconnectMaxElapsed)
}

func TestMergeWithFlags(t *testing.T) {
	cfg := config.Default()
	cfg.Namespace = "from-flag"
	cfg.Threshold = "5Gi"

	strict := false
	env := &EnvConfig{
		Namespace:   "from-env",
		StrictUnits: &strict,
	}
	env.MergeWithFlags(cfg)

	assert.Equal(t, "from-env", cfg.Namespace)
	assert.Equal(t, "5Gi", cfg.Threshold)
	assert.False(t, cfg.StrictUnits)
	assert.Equal(t, config.DefaultMetricsAddr, cfg.MetricsAddr)
}
