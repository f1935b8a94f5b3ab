package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grace-platform/grace/pkg/config"
	"github.com/grace-platform/grace/pkg/governance"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults
// when no environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "LOG_LEVEL", "DATABASE_URL", "REDIS_URL", "DATA_DIR",
		"PORT_RANGE_START", "PORT_RANGE_END", "HEARTBEAT_INTERVAL",
		"OBSERVATION_CADENCE", "HANDSHAKE_QUORUM",
	} {
		t.Setenv(key, "")
	}

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, 8000, cfg.PortRangeStart)
	assert.Equal(t, 8100, cfg.PortRangeEnd)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 2*time.Minute, cfg.ObservationCadence)
	assert.Len(t, cfg.QuorumSet, 5)
}

// TestLoad_Overrides verifies standard 12-factor env overrides.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "postgres://production:5432/grace")
	t.Setenv("PORT_RANGE_START", "9000")
	t.Setenv("PORT_RANGE_END", "9050")
	t.Setenv("HEARTBEAT_INTERVAL", "10s")
	t.Setenv("HANDSHAKE_QUORUM", "memory_core, governance")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://production:5432/grace", cfg.DatabaseURL)
	assert.Equal(t, 9000, cfg.PortRangeStart)
	assert.Equal(t, 9050, cfg.PortRangeEnd)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, []string{"memory_core", "governance"}, cfg.QuorumSet)
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadRoutes(t *testing.T) {
	path := writeFile(t, "routes.yaml", `
routes:
  - event_pattern: "component.*"
    subscribers: ["manifest", "metrics_collector"]
    audit_required: true
  - event_pattern: "unified_logic.rollback"
    priority_override: critical
    alert_required: true
`)
	routes, err := config.LoadRoutes(path)
	require.NoError(t, err)
	require.Len(t, routes, 2)
	assert.Equal(t, "component.*", routes[0].EventPattern)
	assert.True(t, routes[0].AuditRequired)
	assert.Equal(t, "critical", string(routes[1].PriorityOverride))

	_, err = config.LoadRoutes(writeFile(t, "bad.yaml", "routes:\n  - subscribers: [x]\n"))
	assert.Error(t, err)
}

func TestLoadPolicies(t *testing.T) {
	path := writeFile(t, "policies.yaml", `
policies:
  - name: memory.allow_knowledge
    action_pattern: fetch_memory
    decision: allow
    conditions:
      - 'context.domain == "knowledge"'
    priority: 50
`)
	policies, err := config.LoadPolicies(path)
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.Equal(t, governance.DecisionAllow, policies[0].Decision)
	assert.Equal(t, 50, policies[0].Priority)
}

func TestLoadConfigWhitelistAndMetrics(t *testing.T) {
	wl, err := config.LoadConfigWhitelist(writeFile(t, "whitelist.yaml", `
keys:
  aggregation_interval:
    min: 1
    max: 3600
  log_level:
    allowed: [debug, info, warn, error]
`))
	require.NoError(t, err)
	require.Contains(t, wl, "aggregation_interval")
	assert.Equal(t, 1.0, *wl["aggregation_interval"].Min)
	assert.Equal(t, []string{"debug", "info", "warn", "error"}, wl["log_level"].Allowed)

	known, err := config.LoadMetricsCatalog(writeFile(t, "metrics.yaml", `
metrics:
  - name: error_rate
    type: gauge
  - name: p95_latency
    type: histogram
`))
	require.NoError(t, err)
	assert.True(t, known["error_rate"])
	assert.True(t, known["p95_latency"])
	assert.False(t, known["unknown"])
}

func TestLoadObservationWindows(t *testing.T) {
	windows, err := config.LoadObservationWindows(writeFile(t, "windows.yaml", `
windows:
  low: 30m
  critical: 48h
`))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, windows.For("low"))
	assert.Equal(t, 48*time.Hour, windows.For("critical"))
	// Unset levels keep their defaults.
	assert.Equal(t, 6*time.Hour, windows.For("medium"))

	_, err = config.LoadObservationWindows(writeFile(t, "bad.yaml", "windows:\n  low: soon\n"))
	assert.Error(t, err)
}
