// Package mesh implements the declarative event mesh: typed in-process
// pub/sub with dotted-glob routes, priority lanes, bounded subscriber
// queues, a history ring, and audit/alert flag handling.
package mesh

import (
	"time"
)

// Priority orders delivery urgency.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// Max returns the higher-urgency of two priorities.
func (p Priority) Max(other Priority) Priority {
	if other.rank() > p.rank() {
		return other
	}
	return p
}

// Event is the immutable unit of signal between components.
type Event struct {
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
	Priority  Priority       `json:"priority"`
	Audit     bool           `json:"audit,omitempty"`
	Alert     bool           `json:"alert,omitempty"`
}

// Canonical event names. The route configuration is the superset.
const (
	EventComponentActivated   = "component.activated"
	EventComponentDeactivated = "component.deactivated"
	EventComponentError       = "component.error"
	EventComponentHeartbeat   = "component.heartbeat"

	EventSystemBootStarted   = "system.boot.started"
	EventSystemBootCompleted = "system.boot.completed"
	EventSystemBootFailed    = "system.boot.failed"

	EventLoopStarted   = "loop.started"
	EventLoopCompleted = "loop.completed"
	EventLoopFailed    = "loop.failed"

	EventMemoryStored       = "memory.stored"
	EventMemoryFetched      = "memory.fetched"
	EventMemoryTrustUpdated = "memory.trust_updated"

	EventLogicProposed          = "unified_logic.proposed"
	EventLogicRejected          = "unified_logic.rejected"
	EventLogicValidated         = "unified_logic.validated"
	EventLogicValidationFailed  = "unified_logic.validation_failed"
	EventLogicUpdate            = "unified_logic.update"
	EventLogicRollback          = "unified_logic.rollback"
	EventLogicHandshakeAnnounce = "unified_logic.handshake_announce"
	EventLogicHandshakeAck      = "unified_logic.handshake_ack"
	EventLogicHandshakeComplete = "unified_logic.handshake_complete"

	EventMissionPhaseTransition = "mission.phase_transition"

	EventGovernanceDecision       = "governance.decision"
	EventGovernanceReviewRequired = "governance.review_required"

	EventHealthDegraded = "health.degraded"
	EventHealthCritical = "health.critical"

	EventPortReleasedDead = "port.released_dead"
	EventHandlerFailure   = "handler.failure"
	EventDropped          = "event.dropped"
)
