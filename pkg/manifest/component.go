// Package manifest implements the component framework: a uniform
// lifecycle, status and trust-level registry, and heartbeat monitoring
// for every subsystem in the platform.
package manifest

import (
	"context"
	"fmt"
	"time"
)

// Status is a component lifecycle state.
type Status string

const (
	StatusCreated      Status = "CREATED"
	StatusActivating   Status = "ACTIVATING"
	StatusActive       Status = "ACTIVE"
	StatusPaused       Status = "PAUSED"
	StatusDeactivating Status = "DEACTIVATING"
	StatusStopped      Status = "STOPPED"
	StatusError        Status = "ERROR"
)

// legalTransitions encodes the lifecycle graph. Any state may move to
// ERROR on failure; ERROR may re-activate after remediation.
var legalTransitions = map[Status][]Status{
	StatusCreated:      {StatusActivating},
	StatusActivating:   {StatusActive},
	StatusActive:       {StatusPaused, StatusDeactivating},
	StatusPaused:       {StatusActive, StatusDeactivating},
	StatusDeactivating: {StatusStopped},
	StatusStopped:      {},
	StatusError:        {StatusActivating},
}

func transitionLegal(from, to Status) bool {
	if to == StatusError {
		return true
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StateError reports an illegal lifecycle transition. Programmer error;
// surfaced and logged, never swallowed.
type StateError struct {
	ComponentID string
	From, To    Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s for component %s", e.From, e.To, e.ComponentID)
}

// TrustLevel gates hub actions. Levels are monotonic by earning: only
// VERIFIED-level governance can promote; any component can be demoted by
// policy.
type TrustLevel int

const (
	TrustUntrusted TrustLevel = 0
	TrustLow       TrustLevel = 1
	TrustMedium    TrustLevel = 2
	TrustHigh      TrustLevel = 3
	TrustVerified  TrustLevel = 4
)

func (t TrustLevel) String() string {
	switch t {
	case TrustVerified:
		return "VERIFIED"
	case TrustHigh:
		return "HIGH"
	case TrustMedium:
		return "MEDIUM"
	case TrustLow:
		return "LOW"
	default:
		return "UNTRUSTED"
	}
}

// StatusReport is a component's self-description at a point in time.
type StatusReport struct {
	ComponentID string         `json:"component_id"`
	Status      Status         `json:"status"`
	Detail      map[string]any `json:"detail,omitempty"`
	ReportedAt  time.Time      `json:"reported_at"`
}

// Component is the capability surface every subsystem implements.
// Activate must be idempotent: activating an ACTIVE component succeeds
// without side effects.
type Component interface {
	ComponentID() string
	Activate(ctx context.Context) error
	Deactivate(ctx context.Context) error
	Status() StatusReport
}

// Record is the manifest's view of a registered component.
type Record struct {
	ComponentID     string             `json:"component_id"`
	ComponentType   string             `json:"component_type"`
	Version         string             `json:"version"`
	Status          Status             `json:"status"`
	TrustLevel      TrustLevel         `json:"trust_level"`
	RoleTags        []string           `json:"role_tags,omitempty"`
	LastHeartbeat   time.Time          `json:"last_heartbeat"`
	Capabilities    []string           `json:"capabilities,omitempty"`
	ExpectedMetrics map[string]float64 `json:"expected_metrics,omitempty"`
	RegisteredAt    time.Time          `json:"registered_at"`
}
