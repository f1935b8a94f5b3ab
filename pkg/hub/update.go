// Package hub is the unified logic hub: the single entry point for any
// change to system logic. Every update traverses the eight-stage
// pipeline (ingest, govern, sign, audit, validate, package, distribute,
// observe); each stage either advances the update or halts it with a
// typed reason.
package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// UpdateType dispatches stage-5 validation.
type UpdateType string

const (
	TypeSchema             UpdateType = "schema"
	TypeCodeModule         UpdateType = "code_module"
	TypePlaybook           UpdateType = "playbook"
	TypeConfig             UpdateType = "config"
	TypeMetricDefinition   UpdateType = "metric_definition"
	TypeComponentHandshake UpdateType = "component_handshake"
)

func (t UpdateType) valid() bool {
	switch t {
	case TypeSchema, TypeCodeModule, TypePlaybook, TypeConfig, TypeMetricDefinition, TypeComponentHandshake:
		return true
	}
	return false
}

// Status of a logic update.
type Status string

const (
	StatusProposed    Status = "proposed"
	StatusParked      Status = "parked"
	StatusGoverned    Status = "governed"
	StatusSigned      Status = "signed"
	StatusValidated   Status = "validated"
	StatusPackaged    Status = "packaged"
	StatusDistributed Status = "distributed"
	StatusObserving   Status = "observing"
	StatusStable      Status = "stable"
	StatusUnstable    Status = "unstable"
	StatusRolledBack  Status = "rolled_back"
	StatusFailed      Status = "failed"
)

// Terminal reports whether the status releases the per-target locks.
func (s Status) Terminal() bool {
	switch s {
	case StatusStable, StatusUnstable, StatusRolledBack, StatusFailed:
		return true
	}
	return false
}

// Priority of pipeline processing. Rollbacks always run at critical.
type Priority string

const (
	PriorityNormal   Priority = "normal"
	PriorityCritical Priority = "critical"
)

// StageRecord is one pipeline stage outcome in the update history.
type StageRecord struct {
	Stage      string    `json:"stage"`
	Status     Status    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Attempts   int       `json:"attempts"`
	Detail     string    `json:"detail,omitempty"`
}

// Package is the immutable distribution artifact built at stage 6.
type Package struct {
	UpdateID             string          `json:"update_id"`
	Checksum             string          `json:"checksum"`
	Signature            string          `json:"signature"`
	RollbackInstructions json.RawMessage `json:"rollback_instructions"`
}

// LogicUpdate is the full record of one change to system logic.
type LogicUpdate struct {
	UpdateID         string          `json:"update_id"`
	UpdateType       UpdateType      `json:"update_type"`
	ComponentTargets []string        `json:"component_targets"`
	Content          json.RawMessage `json:"content"`
	CreatedBy        string          `json:"created_by"`
	RiskLevel        string          `json:"risk_level"`
	Priority         Priority        `json:"priority"`
	Status           Status          `json:"status"`

	GovernanceDecision string   `json:"governance_decision,omitempty"`
	CryptoSignature    string   `json:"crypto_signature,omitempty"`
	Checksum           string   `json:"checksum,omitempty"`
	AuditRefs          []string `json:"audit_refs,omitempty"`

	Package     *Package        `json:"package,omitempty"`
	Diagnostics []string        `json:"diagnostics,omitempty"`
	Stages      []StageRecord   `json:"stages"`
	ExpectedMetrics []string    `json:"expected_metrics,omitempty"`

	// RollbackOf points at the original when this update is a rollback;
	// RolledBackBy points the other way.
	RollbackOf   string `json:"rollback_of,omitempty"`
	RolledBackBy string `json:"rolled_back_by,omitempty"`

	MissionID string    `json:"mission_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Submission is the external input to the pipeline.
type Submission struct {
	UpdateType       UpdateType      `json:"update_type"`
	ComponentTargets []string        `json:"component_targets"`
	Content          json.RawMessage `json:"content"`
	CreatedBy        string          `json:"created_by"`
	RiskLevel        string          `json:"risk_level"`
	ExpectedMetrics  []string        `json:"expected_metrics,omitempty"`
}

// MaxContentBytes bounds a submission payload at the ingestion gate.
const MaxContentBytes = 1 << 20

// ErrUpdateNotFound is returned for unknown update ids.
var ErrUpdateNotFound = errors.New("logic update not found")

// ErrDistributionPaused is returned while the hub is paused after a
// detected audit-chain break.
var ErrDistributionPaused = errors.New("distribution paused: audit chain integrity broken")

// IngestionError rejects a submission at the gate.
type IngestionError struct {
	Reason string
}

func (e *IngestionError) Error() string { return "ingestion rejected: " + e.Reason }

// GovernanceDeniedError halts an update at stage 2.
type GovernanceDeniedError struct {
	UpdateID string
	PolicyID string
	Reason   string
}

func (e *GovernanceDeniedError) Error() string {
	return fmt.Sprintf("update %s denied by governance: %s (policy %s)", e.UpdateID, e.Reason, e.PolicyID)
}

// ValidationError halts an update at stage 5 with diagnostics.
type ValidationError struct {
	UpdateID    string
	Diagnostics []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("update %s failed validation: %v", e.UpdateID, e.Diagnostics)
}

// Stats summarizes the registry for operators.
type Stats struct {
	Total      int            `json:"total"`
	Active     int            `json:"active"`
	ByStatus   map[Status]int `json:"by_status"`
	StableRate float64        `json:"stable_rate"`
	RollbackRate float64      `json:"rollback_rate"`
}
