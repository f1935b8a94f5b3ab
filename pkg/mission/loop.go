package mission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/grace-platform/grace/pkg/capa"
	"github.com/grace-platform/grace/pkg/mesh"
)

// DefaultCadence is the interval between health-check samples.
const DefaultCadence = 2 * time.Minute

// ErrMissionNotFound is returned for unknown mission ids.
var ErrMissionNotFound = errors.New("mission not found")

// Windows maps risk levels to observation-window durations.
type Windows map[string]time.Duration

// DefaultWindows are the risk-sized observation windows.
func DefaultWindows() Windows {
	return Windows{
		"low":      time.Hour,
		"medium":   6 * time.Hour,
		"high":     24 * time.Hour,
		"critical": 72 * time.Hour,
	}
}

// For returns the window for a risk level, defaulting to the high window
// for unknown levels.
func (w Windows) For(risk string) time.Duration {
	if d, ok := w[risk]; ok {
		return d
	}
	return w["high"]
}

// Sampler provides one health-check pass for a mission: the mission's
// expected metrics plus the global baseline (error rate, p95 latency).
type Sampler interface {
	Sample(ctx context.Context, m *Mission) (HealthCheck, []Anomaly, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context, m *Mission) (HealthCheck, []Anomaly, error)

func (f SamplerFunc) Sample(ctx context.Context, m *Mission) (HealthCheck, []Anomaly, error) {
	return f(ctx, m)
}

// RollbackSignal is sent on the verdict channel when a mission closes
// unstable or a regression is attributed to it.
type RollbackSignal struct {
	MissionID string
	UpdateID  string
	Reason    string
	Score     float64
}

// Options configures a Loop.
type Options struct {
	Windows Windows
	Cadence time.Duration
	Sampler Sampler
	Logger  *slog.Logger
	// Now overrides the clock (tests).
	Now func() time.Time
}

// Loop is the observation loop over all open missions.
type Loop struct {
	mu       sync.Mutex
	missions map[string]*Mission
	order    []string

	windows  Windows
	cadence  time.Duration
	sampler  Sampler
	bus      *mesh.Bus
	sink     capa.Sink
	logger   *slog.Logger
	now      func() time.Time
	verdicts chan RollbackSignal
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewLoop creates an observation loop publishing phase transitions to bus
// and feeding closed missions into the CAPA sink.
func NewLoop(bus *mesh.Bus, sink capa.Sink, opts Options) *Loop {
	if opts.Windows == nil {
		opts.Windows = DefaultWindows()
	}
	if opts.Cadence <= 0 {
		opts.Cadence = DefaultCadence
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Loop{
		missions: make(map[string]*Mission),
		windows:  opts.Windows,
		cadence:  opts.Cadence,
		sampler:  opts.Sampler,
		bus:      bus,
		sink:     sink,
		logger:   opts.Logger,
		now:      opts.Now,
		verdicts: make(chan RollbackSignal, 16),
	}
}

// Verdicts is the rollback signal channel consumed by the hub.
func (l *Loop) Verdicts() <-chan RollbackSignal { return l.verdicts }

// StartSpec describes a mission to open.
type StartSpec struct {
	Kind            Kind
	UpdateID        string
	RiskLevel       string
	ComponentTarget []string
	ExpectedMetrics []string
	// Window overrides the risk-sized default when > 0.
	Window time.Duration
}

// Start opens a mission in phases [proposed, deployed] and immediately
// moves it to observing.
func (l *Loop) Start(ctx context.Context, spec StartSpec) (*Mission, error) {
	if spec.UpdateID == "" {
		return nil, errors.New("mission requires an update id")
	}
	if spec.Kind == "" {
		spec.Kind = KindLogicUpdate
	}
	window := spec.Window
	if window <= 0 {
		window = l.windows.For(spec.RiskLevel)
	}
	now := l.now().UTC()
	m := &Mission{
		ID:              missionID(spec.Kind, spec.UpdateID),
		Kind:            spec.Kind,
		UpdateID:        spec.UpdateID,
		ComponentTarget: spec.ComponentTarget,
		ExpectedMetrics: spec.ExpectedMetrics,
		RiskLevel:       spec.RiskLevel,
		Phases:          []Phase{PhaseProposed, PhaseDeployed},
		Window:          window,
		WindowStart:     now,
		StabilityScore:  1.0,
		CreatedAt:       now,
	}

	l.mu.Lock()
	if _, exists := l.missions[m.ID]; exists {
		l.mu.Unlock()
		return nil, fmt.Errorf("mission %s already exists", m.ID)
	}
	l.missions[m.ID] = m
	l.order = append(l.order, m.ID)
	l.mu.Unlock()

	l.transition(ctx, m, PhaseObserving)
	out := l.snapshot(m.ID)
	return out, nil
}

func missionID(kind Kind, updateID string) string {
	if kind == KindHandshake {
		return "mission_handshake_" + updateID
	}
	return "mission_update_" + updateID
}

// Get returns a mission copy.
func (l *Loop) Get(id string) (*Mission, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.missions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissionNotFound, id)
	}
	c := l.copyLocked(m)
	return c, nil
}

// Filter selects missions for List.
type Filter struct {
	Kind    Kind
	Phase   Phase
	Verdict Verdict
}

// List returns mission copies matching the filter, newest first.
func (l *Loop) List(f Filter) []*Mission {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Mission, 0, len(l.order))
	for i := len(l.order) - 1; i >= 0; i-- {
		m := l.missions[l.order[i]]
		if f.Kind != "" && m.Kind != f.Kind {
			continue
		}
		if f.Phase != "" && m.CurrentPhase() != f.Phase {
			continue
		}
		if f.Verdict != "" && m.Verdict != f.Verdict {
			continue
		}
		out = append(out, l.copyLocked(m))
	}
	return out
}

// Run ticks the loop at the configured cadence until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		ticker := time.NewTicker(l.cadence)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Tick(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop.
func (l *Loop) Stop() {
	if l.cancel != nil {
		l.cancel()
		<-l.done
	}
}

// Tick runs one health-check pass over all open missions. Windows that
// have elapsed are closed with a verdict; a critical anomaly closes the
// mission immediately.
func (l *Loop) Tick(ctx context.Context) {
	l.mu.Lock()
	open := make([]*Mission, 0, len(l.missions))
	for _, m := range l.missions {
		if !m.Closed() {
			open = append(open, m)
		}
	}
	l.mu.Unlock()

	for _, m := range open {
		l.observe(ctx, m)
	}
}

func (l *Loop) observe(ctx context.Context, m *Mission) {
	if l.sampler != nil {
		snapshot := l.snapshot(m.ID)
		check, anomalies, err := l.sampler.Sample(ctx, snapshot)
		if err != nil {
			l.logger.Warn("health check failed", "mission_id", m.ID, "error", err)
		} else {
			l.apply(ctx, m, check, anomalies)
		}
	}

	l.mu.Lock()
	elapsed := !m.Closed() && l.now().UTC().Sub(m.WindowStart) >= m.Window
	l.mu.Unlock()
	if elapsed {
		l.close(ctx, m, "window elapsed")
	}
}

// apply folds one health check into the mission score. The score only
// decreases. A critical anomaly forces an immediate verdict.
func (l *Loop) apply(ctx context.Context, m *Mission, check HealthCheck, anomalies []Anomaly) {
	l.mu.Lock()
	if m.Closed() {
		l.mu.Unlock()
		return
	}
	if check.SampledAt.IsZero() {
		check.SampledAt = l.now().UTC()
	}
	m.HealthChecks = append(m.HealthChecks, check)

	critical := false
	for _, a := range anomalies {
		if a.ObservedAt.IsZero() {
			a.ObservedAt = check.SampledAt
		}
		m.Anomalies = append(m.Anomalies, a)
		if f, ok := severityFactor[a.Severity]; ok {
			m.StabilityScore *= f
		}
		if a.Severity == SeverityCritical {
			critical = true
		}
	}
	if check.Total > 0 && check.Failed > 0 {
		m.StabilityScore *= 1 - float64(check.Failed)/float64(check.Total)
	}
	l.mu.Unlock()

	if critical {
		l.close(ctx, m, "critical anomaly")
	}
}

// RecordCheck feeds an externally produced health check into a mission.
// The hub uses this for samples pushed by subsystems rather than pulled
// by the sampler.
func (l *Loop) RecordCheck(ctx context.Context, missionID string, check HealthCheck, anomalies []Anomaly) error {
	l.mu.Lock()
	m, ok := l.missions[missionID]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissionNotFound, missionID)
	}
	l.apply(ctx, m, check, anomalies)
	return nil
}

// close computes the verdict once, writes the retrospective, feeds the
// learning sink, and signals rollback for unstable missions.
func (l *Loop) close(ctx context.Context, m *Mission, reason string) {
	l.mu.Lock()
	if m.Closed() {
		l.mu.Unlock()
		return
	}
	now := l.now().UTC()
	m.Verdict = verdictFor(m.StabilityScore)
	m.ClosedAt = now
	m.Retrospective = l.buildRetrospective(m, now)
	verdict := m.Verdict
	score := m.StabilityScore
	l.mu.Unlock()

	phase := PhaseStable
	if verdict == VerdictUnstable {
		phase = PhaseUnstable
	}
	l.transition(ctx, m, phase)

	l.logger.Info("mission closed",
		"mission_id", m.ID, "verdict", string(verdict), "score", score, "reason", reason)

	l.feedLearning(ctx, m)
	l.transition(ctx, m, PhaseLearned)

	if verdict == VerdictUnstable {
		select {
		case l.verdicts <- RollbackSignal{
			MissionID: m.ID,
			UpdateID:  m.UpdateID,
			Reason:    reason,
			Score:     score,
		}:
		default:
			l.logger.Error("rollback signal dropped, verdict channel full", "mission_id", m.ID)
		}
	}
}

func (l *Loop) buildRetrospective(m *Mission, now time.Time) *Retrospective {
	r := &Retrospective{Duration: now.Sub(m.CreatedAt)}
	switch m.Verdict {
	case VerdictStable:
		r.Lessons = append(r.Lessons, "update observed clean for full window")
	case VerdictAcceptable:
		r.Lessons = append(r.Lessons, fmt.Sprintf("%d anomalies absorbed without rollback", len(m.Anomalies)))
		r.Recommendations = append(r.Recommendations, "review anomaly sources before next update to same targets")
	case VerdictUnstable:
		r.Lessons = append(r.Lessons, fmt.Sprintf("stability degraded to %.2f", m.StabilityScore))
		r.Recommendations = append(r.Recommendations, "tighten validation for this update type")
	}
	return r
}

func (l *Loop) feedLearning(ctx context.Context, m *Mission) {
	if l.sink == nil {
		return
	}
	snapshot := l.snapshot(m.ID)
	_, err := l.sink.RecordLearning(ctx, capa.LearningRecord{
		MissionID: snapshot.ID,
		UpdateID:  snapshot.UpdateID,
		Features: map[string]any{
			"kind":          string(snapshot.Kind),
			"risk_level":    snapshot.RiskLevel,
			"targets":       snapshot.ComponentTarget,
			"anomaly_count": len(snapshot.Anomalies),
			"check_count":   len(snapshot.HealthChecks),
		},
		Verdict:        string(snapshot.Verdict),
		StabilityScore: snapshot.StabilityScore,
		Lessons:        snapshot.Retrospective.Lessons,
	})
	if err != nil {
		l.logger.Error("learning record write failed", "mission_id", m.ID, "error", err)
	}

	if snapshot.Verdict == VerdictUnstable {
		_, err := l.sink.Open(ctx, capa.Record{
			SourceMissionID: snapshot.ID,
			SourceUpdateID:  snapshot.UpdateID,
			Classification:  capa.Corrective,
			RootCauseTags:   rootCauseTags(snapshot),
			PlannedActions:  snapshot.Retrospective.Recommendations,
		})
		if err != nil {
			l.logger.Error("capa record creation failed", "mission_id", m.ID, "error", err)
		}
	}
}

func rootCauseTags(m *Mission) []string {
	seen := make(map[string]bool)
	tags := make([]string, 0, 4)
	for _, a := range m.Anomalies {
		tag := string(a.Severity) + "_anomaly:" + a.Metric
		if !seen[tag] {
			seen[tag] = true
			tags = append(tags, tag)
		}
	}
	return tags
}

func (l *Loop) transition(ctx context.Context, m *Mission, to Phase) {
	l.mu.Lock()
	m.Phases = append(m.Phases, to)
	updateID := m.UpdateID
	l.mu.Unlock()

	if l.bus == nil {
		return
	}
	_ = l.bus.Publish(ctx, mesh.Event{
		EventType: mesh.EventMissionPhaseTransition,
		Source:    "mission_loop",
		Payload: map[string]any{
			"mission_id": m.ID,
			"update_id":  updateID,
			"phase":      string(to),
		},
	})
}

func (l *Loop) snapshot(id string) *Mission {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.missions[id]
	if !ok {
		return nil
	}
	return l.copyLocked(m)
}

func (l *Loop) copyLocked(m *Mission) *Mission {
	c := *m
	c.Phases = append([]Phase(nil), m.Phases...)
	c.HealthChecks = append([]HealthCheck(nil), m.HealthChecks...)
	c.Anomalies = append([]Anomaly(nil), m.Anomalies...)
	if m.Retrospective != nil {
		r := *m.Retrospective
		c.Retrospective = &r
	}
	return &c
}
