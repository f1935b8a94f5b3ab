package manifest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/grace-platform/grace/pkg/mesh"
)

var (
	ErrAlreadyRegistered = errors.New("component already registered")
	ErrNotRegistered     = errors.New("component not registered")
	ErrPromotionDenied   = errors.New("trust promotion requires VERIFIED governance")
)

// Registration carries the metadata supplied when a component joins.
type Registration struct {
	ComponentType   string
	Version         string
	TrustLevel      TrustLevel
	RoleTags        []string
	Capabilities    []string
	ExpectedMetrics map[string]float64
}

// Filter selects manifest records.
type Filter struct {
	MinTrust      *TrustLevel
	Tags          []string
	ComponentType string
	Status        Status
}

// Stats summarizes the manifest.
type Stats struct {
	Total    int                `json:"total"`
	ByStatus map[Status]int     `json:"by_status"`
	ByTrust  map[TrustLevel]int `json:"by_trust"`
}

// Manifest exclusively owns component records: exactly one entry per
// component id while registered.
type Manifest struct {
	mu         sync.RWMutex
	records    map[string]*Record
	components map[string]Component
	bus        *mesh.Bus
	logger     *slog.Logger
}

// New creates an empty manifest publishing lifecycle events to bus.
func New(bus *mesh.Bus, logger *slog.Logger) *Manifest {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manifest{
		records:    make(map[string]*Record),
		components: make(map[string]Component),
		bus:        bus,
		logger:     logger,
	}
}

// Register adds a component. Version must be valid semver when set.
func (m *Manifest) Register(c Component, reg Registration) (*Record, error) {
	id := c.ComponentID()
	if id == "" {
		return nil, fmt.Errorf("component without an id")
	}
	if reg.Version != "" {
		if _, err := semver.NewVersion(reg.Version); err != nil {
			return nil, fmt.Errorf("component %s version %q: %w", id, reg.Version, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}

	rec := &Record{
		ComponentID:     id,
		ComponentType:   reg.ComponentType,
		Version:         reg.Version,
		Status:          StatusCreated,
		TrustLevel:      reg.TrustLevel,
		RoleTags:        reg.RoleTags,
		Capabilities:    reg.Capabilities,
		ExpectedMetrics: reg.ExpectedMetrics,
		RegisteredAt:    time.Now().UTC(),
	}
	m.records[id] = rec
	m.components[id] = c
	return cloneRecord(rec), nil
}

// Unregister removes a component record.
func (m *Manifest) Unregister(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	delete(m.records, id)
	delete(m.components, id)
	return nil
}

// Activate drives a component through ACTIVATING to ACTIVE. Activating an
// already-ACTIVE component is a no-op returning success.
func (m *Manifest) Activate(ctx context.Context, id string) error {
	m.mu.RLock()
	rec, ok := m.records[id]
	var status Status
	if ok {
		status = rec.Status
	}
	c := m.components[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	if status == StatusActive {
		return nil
	}

	if err := m.Transition(id, StatusActivating); err != nil {
		return err
	}
	if err := c.Activate(ctx); err != nil {
		_ = m.Transition(id, StatusError)
		return fmt.Errorf("activate %s: %w", id, err)
	}
	if err := m.Transition(id, StatusActive); err != nil {
		return err
	}
	m.publish(mesh.EventComponentActivated, id, nil)
	return nil
}

// Deactivate drives a component to STOPPED.
func (m *Manifest) Deactivate(ctx context.Context, id string) error {
	m.mu.RLock()
	c, ok := m.components[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}

	if err := m.Transition(id, StatusDeactivating); err != nil {
		return err
	}
	if err := c.Deactivate(ctx); err != nil {
		_ = m.Transition(id, StatusError)
		return fmt.Errorf("deactivate %s: %w", id, err)
	}
	if err := m.Transition(id, StatusStopped); err != nil {
		return err
	}
	m.publish(mesh.EventComponentDeactivated, id, nil)
	return nil
}

// Transition moves a component between lifecycle states, enforcing the
// legal transition graph.
func (m *Manifest) Transition(id string, to Status) error {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	from := rec.Status
	if !transitionLegal(from, to) {
		m.mu.Unlock()
		return &StateError{ComponentID: id, From: from, To: to}
	}
	rec.Status = to
	m.mu.Unlock()

	if to == StatusError {
		m.publish(mesh.EventComponentError, id, map[string]any{"previous_status": string(from)})
	}
	return nil
}

// Heartbeat records liveness for a component.
func (m *Manifest) Heartbeat(id string) error {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	rec.LastHeartbeat = time.Now().UTC()
	m.mu.Unlock()
	return nil
}

// Promote raises a component's trust level. Only VERIFIED-level governance
// actors may promote.
func (m *Manifest) Promote(id string, to TrustLevel, actorTrust TrustLevel) error {
	if actorTrust < TrustVerified {
		return ErrPromotionDenied
	}
	return m.setTrust(id, to, true)
}

// Demote lowers a component's trust level; any policy may demote.
func (m *Manifest) Demote(id string, to TrustLevel) error {
	return m.setTrust(id, to, false)
}

func (m *Manifest) setTrust(id string, to TrustLevel, raise bool) error {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	from := rec.TrustLevel
	if raise && to < from {
		m.mu.Unlock()
		return fmt.Errorf("promotion cannot lower trust of %s", id)
	}
	if !raise && to > from {
		m.mu.Unlock()
		return fmt.Errorf("demotion cannot raise trust of %s", id)
	}
	rec.TrustLevel = to
	m.mu.Unlock()

	m.publish(mesh.EventMemoryTrustUpdated, id, map[string]any{
		"from": from.String(), "to": to.String(),
	})
	return nil
}

// Get returns a copy of the record for id.
func (m *Manifest) Get(id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	return cloneRecord(rec), nil
}

// Query returns copy-on-read snapshots matching the filter.
func (m *Manifest) Query(f Filter) []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Record, 0)
	for _, rec := range m.records {
		if f.MinTrust != nil && rec.TrustLevel < *f.MinTrust {
			continue
		}
		if f.ComponentType != "" && rec.ComponentType != f.ComponentType {
			continue
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		if len(f.Tags) > 0 && !hasAllTags(rec.RoleTags, f.Tags) {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	return out
}

// Stats summarizes the manifest contents.
func (m *Manifest) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{
		Total:    len(m.records),
		ByStatus: make(map[Status]int),
		ByTrust:  make(map[TrustLevel]int),
	}
	for _, rec := range m.records {
		s.ByStatus[rec.Status]++
		s.ByTrust[rec.TrustLevel]++
	}
	return s
}

func (m *Manifest) publish(eventType, componentID string, payload map[string]any) {
	if m.bus == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["component_id"] = componentID
	_ = m.bus.Publish(context.Background(), mesh.Event{
		EventType: eventType,
		Source:    "manifest",
		Payload:   payload,
	})
}

func hasAllTags(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

func cloneRecord(r *Record) *Record {
	c := *r
	c.RoleTags = append([]string(nil), r.RoleTags...)
	c.Capabilities = append([]string(nil), r.Capabilities...)
	if r.ExpectedMetrics != nil {
		c.ExpectedMetrics = make(map[string]float64, len(r.ExpectedMetrics))
		for k, v := range r.ExpectedMetrics {
			c.ExpectedMetrics[k] = v
		}
	}
	return &c
}
