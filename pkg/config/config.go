// Package config loads runtime configuration: 12-factor env vars for
// the server process plus the declarative YAML files (event routes,
// governance policies, config whitelist, metrics catalog, observation
// windows). Hot changes to any of these flow through logic-hub updates,
// never through file edits.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	DataDir        string
	PortRangeStart int
	PortRangeEnd   int

	HeartbeatInterval  time.Duration
	WatchdogInterval   time.Duration
	ObservationCadence time.Duration
	HandshakeTimeout   time.Duration

	RoutesPath    string
	PoliciesPath  string
	WhitelistPath string
	MetricsPath   string
	WindowsPath   string
	QuorumSet     []string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:               envOr("PORT", "8080"),
		LogLevel:           envOr("LOG_LEVEL", "INFO"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		DataDir:            envOr("DATA_DIR", "./data"),
		PortRangeStart:     envInt("PORT_RANGE_START", 8000),
		PortRangeEnd:       envInt("PORT_RANGE_END", 8100),
		HeartbeatInterval:  envDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		WatchdogInterval:   envDuration("WATCHDOG_INTERVAL", 30*time.Second),
		ObservationCadence: envDuration("OBSERVATION_CADENCE", 2*time.Minute),
		HandshakeTimeout:   envDuration("HANDSHAKE_ACK_TIMEOUT", 30*time.Second),
		RoutesPath:         envOr("ROUTES_PATH", "./config/routes.yaml"),
		PoliciesPath:       envOr("POLICIES_PATH", "./config/policies.yaml"),
		WhitelistPath:      envOr("CONFIG_WHITELIST_PATH", "./config/whitelist.yaml"),
		MetricsPath:        envOr("METRICS_CATALOG_PATH", "./config/metrics.yaml"),
		WindowsPath:        envOr("OBSERVATION_WINDOWS_PATH", "./config/windows.yaml"),
	}
	cfg.QuorumSet = splitList(envOr("HANDSHAKE_QUORUM",
		"memory_core,governance,metrics_collector,self_heal,agent_context"))
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
