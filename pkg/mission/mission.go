// Package mission runs the observation loop: every distributed logic
// update becomes a mission that is health-checked for a risk-sized
// window, scored, and closed with a verdict. Unstable verdicts signal
// rollback to the hub over a channel; the loop never calls the hub.
package mission

import (
	"time"
)

// Kind distinguishes update missions from handshake validation missions.
type Kind string

const (
	KindLogicUpdate Kind = "logic_update"
	KindHandshake   Kind = "handshake"
)

// Phase of a mission, in order.
type Phase string

const (
	PhaseProposed  Phase = "proposed"
	PhaseDeployed  Phase = "deployed"
	PhaseObserving Phase = "observing"
	PhaseStable    Phase = "stable"
	PhaseUnstable  Phase = "unstable"
	PhaseLearned   Phase = "learned"
)

// Verdict of a completed observation window.
type Verdict string

const (
	VerdictStable     Verdict = "stable"
	VerdictAcceptable Verdict = "acceptable"
	VerdictUnstable   Verdict = "unstable"
)

// Verdict thresholds.
const (
	stableThreshold     = 0.95
	acceptableThreshold = 0.80
)

// Severity of an anomaly.
type Severity string

const (
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Anomaly is one observed deviation during the window.
type Anomaly struct {
	Metric      string    `json:"metric"`
	Severity    Severity  `json:"severity"`
	Description string    `json:"description,omitempty"`
	ObservedAt  time.Time `json:"observed_at"`
}

// HealthCheck is one sampling pass over the mission's metrics.
type HealthCheck struct {
	SampledAt time.Time `json:"sampled_at"`
	Total     int       `json:"total"`
	Failed    int       `json:"failed"`
}

// Retrospective summarizes a closed mission.
type Retrospective struct {
	Duration        time.Duration `json:"duration"`
	Lessons         []string      `json:"lessons,omitempty"`
	Recommendations []string      `json:"recommendations,omitempty"`
}

// Mission tracks one update through deployment and observation.
type Mission struct {
	ID              string         `json:"id"`
	Kind            Kind           `json:"kind"`
	UpdateID        string         `json:"update_id"`
	ComponentTarget []string       `json:"component_targets,omitempty"`
	ExpectedMetrics []string       `json:"expected_metrics,omitempty"`
	RiskLevel       string         `json:"risk_level"`
	Phases          []Phase        `json:"phases"`
	Window          time.Duration  `json:"observation_window"`
	WindowStart     time.Time      `json:"window_start"`
	HealthChecks    []HealthCheck  `json:"health_checks"`
	Anomalies       []Anomaly      `json:"anomalies"`
	StabilityScore  float64        `json:"stability_score"`
	Verdict         Verdict        `json:"verdict,omitempty"`
	Retrospective   *Retrospective `json:"retrospective,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	ClosedAt        time.Time      `json:"closed_at,omitempty"`
}

// CurrentPhase returns the last recorded phase.
func (m *Mission) CurrentPhase() Phase {
	if len(m.Phases) == 0 {
		return PhaseProposed
	}
	return m.Phases[len(m.Phases)-1]
}

// Closed reports whether the mission has reached a verdict.
func (m *Mission) Closed() bool { return m.Verdict != "" }

// severityFactor maps anomaly severities to score multipliers.
var severityFactor = map[Severity]float64{
	SeverityCritical: 0.5,
	SeverityHigh:     0.8,
	SeverityMedium:   0.9,
}

// verdictFor maps a final score to a verdict.
func verdictFor(score float64) Verdict {
	switch {
	case score >= stableThreshold:
		return VerdictStable
	case score >= acceptableThreshold:
		return VerdictAcceptable
	default:
		return VerdictUnstable
	}
}
