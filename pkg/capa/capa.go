// Package capa records corrective/preventive actions and learning records
// for completed missions. Downstream ML consumers read through the
// read-only interfaces; the sink never calls them synchronously.
package capa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grace-platform/grace/pkg/audit"
)

var (
	ErrRecordNotFound    = errors.New("capa record not found")
	ErrIllegalTransition = errors.New("illegal capa state transition")
)

// Classification of a CAPA record.
type Classification string

const (
	Corrective Classification = "corrective"
	Preventive Classification = "preventive"
)

// State machine: open → analyzing → planned → implementing → verifying → closed.
type State string

const (
	StateOpen         State = "open"
	StateAnalyzing    State = "analyzing"
	StatePlanned      State = "planned"
	StateImplementing State = "implementing"
	StateVerifying    State = "verifying"
	StateClosed       State = "closed"
)

var nextState = map[State]State{
	StateOpen:         StateAnalyzing,
	StateAnalyzing:    StatePlanned,
	StatePlanned:      StateImplementing,
	StateImplementing: StateVerifying,
	StateVerifying:    StateClosed,
}

// Record is one corrective/preventive action follow-up.
type Record struct {
	ID              string         `json:"id"`
	SourceMissionID string         `json:"source_mission_id"`
	SourceUpdateID  string         `json:"source_update_id"`
	Classification  Classification `json:"classification"`
	RootCauseTags   []string       `json:"root_cause_tags,omitempty"`
	PlannedActions  []string       `json:"planned_actions,omitempty"`
	Verification    string         `json:"verification,omitempty"`
	State           State          `json:"state"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// LearningRecord is one training example emitted for a completed mission.
// Features carry update metadata plus governance/crypto context plus
// observation anomalies; labels are the verdict and stability score.
type LearningRecord struct {
	ID             string         `json:"id"`
	MissionID      string         `json:"mission_id"`
	UpdateID       string         `json:"update_id"`
	Features       map[string]any `json:"features"`
	Verdict        string         `json:"verdict"`
	StabilityScore float64        `json:"stability_score"`
	Lessons        []string       `json:"lessons,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Reader is the read-only consumer surface.
type Reader interface {
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context, limit int) ([]*Record, error)
	LearningRecords(ctx context.Context, limit int) ([]*LearningRecord, error)
}

// Sink accepts new records and state transitions.
type Sink interface {
	Reader
	Open(ctx context.Context, rec Record) (*Record, error)
	Transition(ctx context.Context, id string, to State) (*Record, error)
	RecordLearning(ctx context.Context, lr LearningRecord) (*LearningRecord, error)
}

// MemorySink is the in-process Sink, auditing every transition.
type MemorySink struct {
	mu       sync.RWMutex
	records  map[string]*Record
	order    []string
	learning []*LearningRecord
	audit    audit.Log
}

// NewMemorySink creates a sink writing transitions to the audit log.
func NewMemorySink(auditLog audit.Log) *MemorySink {
	return &MemorySink{
		records: make(map[string]*Record),
		audit:   auditLog,
	}
}

// Open creates a record in state open.
func (s *MemorySink) Open(ctx context.Context, rec Record) (*Record, error) {
	if rec.ID == "" {
		rec.ID = "capa_" + uuid.New().String()
	}
	if rec.Classification == "" {
		rec.Classification = Corrective
	}
	rec.State = StateOpen
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	s.mu.Lock()
	s.records[rec.ID] = &rec
	s.order = append(s.order, rec.ID)
	s.mu.Unlock()

	if err := s.auditTransition(ctx, &rec, "", StateOpen); err != nil {
		return nil, err
	}
	out := rec
	return &out, nil
}

// Transition advances a record along the state machine. Each transition
// is audited.
func (s *MemorySink) Transition(ctx context.Context, id string, to State) (*Record, error) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	from := rec.State
	if nextState[from] != to {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	rec.State = to
	rec.UpdatedAt = time.Now().UTC()
	out := *rec
	s.mu.Unlock()

	if err := s.auditTransition(ctx, &out, from, to); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *MemorySink) auditTransition(ctx context.Context, rec *Record, from, to State) error {
	if s.audit == nil {
		return nil
	}
	_, err := s.audit.Append(ctx, audit.Record{
		Actor:     "capa_sink",
		Action:    "capa_transition",
		Subsystem: "capa",
		Resource:  rec.ID,
		Payload: map[string]any{
			"from":       string(from),
			"to":         string(to),
			"mission_id": rec.SourceMissionID,
			"update_id":  rec.SourceUpdateID,
		},
		Result: "ok",
	})
	if err != nil {
		return fmt.Errorf("audit capa transition: %w", err)
	}
	return nil
}

// RecordLearning appends a learning record.
func (s *MemorySink) RecordLearning(_ context.Context, lr LearningRecord) (*LearningRecord, error) {
	if lr.ID == "" {
		lr.ID = "learn_" + uuid.New().String()
	}
	lr.CreatedAt = time.Now().UTC()

	s.mu.Lock()
	s.learning = append(s.learning, &lr)
	s.mu.Unlock()
	out := lr
	return &out, nil
}

func (s *MemorySink) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	out := *rec
	return &out, nil
}

func (s *MemorySink) List(_ context.Context, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		rec := *s.records[s.order[i]]
		out = append(out, &rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemorySink) LearningRecords(_ context.Context, limit int) ([]*LearningRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*LearningRecord, 0, len(s.learning))
	for i := len(s.learning) - 1; i >= 0; i-- {
		lr := *s.learning[i]
		out = append(out, &lr)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
