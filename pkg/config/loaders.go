package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/grace-platform/grace/pkg/governance"
	"github.com/grace-platform/grace/pkg/hub"
	"github.com/grace-platform/grace/pkg/mesh"
	"github.com/grace-platform/grace/pkg/mission"
)

// LoadRoutes reads the declarative event mesh routing table.
func LoadRoutes(path string) ([]mesh.RouteRule, error) {
	var doc struct {
		Routes []mesh.RouteRule `yaml:"routes"`
	}
	if err := readYAML(path, &doc); err != nil {
		return nil, err
	}
	for i, r := range doc.Routes {
		if r.EventPattern == "" {
			return nil, fmt.Errorf("route %d: event pattern required", i)
		}
	}
	return doc.Routes, nil
}

// LoadPolicies reads the governance policy set.
func LoadPolicies(path string) ([]governance.Policy, error) {
	var doc struct {
		Policies []governance.Policy `yaml:"policies"`
	}
	if err := readYAML(path, &doc); err != nil {
		return nil, err
	}
	return doc.Policies, nil
}

// LoadConfigWhitelist reads the key whitelist for config updates.
func LoadConfigWhitelist(path string) (map[string]hub.ConfigRule, error) {
	var doc struct {
		Keys map[string]hub.ConfigRule `yaml:"keys"`
	}
	if err := readYAML(path, &doc); err != nil {
		return nil, err
	}
	return doc.Keys, nil
}

// MetricDef is one catalog entry.
type MetricDef struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Description string `yaml:"description,omitempty"`
}

// LoadMetricsCatalog reads the known-metric set used to reject duplicate
// metric definitions.
func LoadMetricsCatalog(path string) (map[string]bool, error) {
	var doc struct {
		Metrics []MetricDef `yaml:"metrics"`
	}
	if err := readYAML(path, &doc); err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(doc.Metrics))
	for _, m := range doc.Metrics {
		if m.Name == "" {
			return nil, fmt.Errorf("metrics catalog: entry without a name")
		}
		known[m.Name] = true
	}
	return known, nil
}

// LoadObservationWindows reads the per-risk observation windows,
// falling back to defaults for absent levels.
func LoadObservationWindows(path string) (mission.Windows, error) {
	var doc struct {
		Windows map[string]string `yaml:"windows"`
	}
	if err := readYAML(path, &doc); err != nil {
		return nil, err
	}
	windows := mission.DefaultWindows()
	for risk, raw := range doc.Windows {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("observation window %q: %w", risk, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("observation window %q must be positive", risk)
		}
		windows[risk] = d
	}
	return windows, nil
}

func readYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
