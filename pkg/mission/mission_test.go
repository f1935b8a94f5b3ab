package mission_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grace-platform/grace/pkg/capa"
	"github.com/grace-platform/grace/pkg/mission"
)

// fakeClock lets tests move through observation windows instantly.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLoop(t *testing.T, clock *fakeClock) (*mission.Loop, *capa.MemorySink) {
	t.Helper()
	sink := capa.NewMemorySink(nil)
	loop := mission.NewLoop(nil, sink, mission.Options{Now: clock.Now})
	return loop, sink
}

func TestCleanWindowClosesStable(t *testing.T) {
	clock := newFakeClock()
	loop, sink := newLoop(t, clock)
	ctx := context.Background()

	m, err := loop.Start(ctx, mission.StartSpec{UpdateID: "u1", RiskLevel: "low"})
	require.NoError(t, err)
	assert.Equal(t, "mission_update_u1", m.ID)
	assert.Equal(t, time.Hour, m.Window)
	assert.Equal(t, mission.PhaseObserving, m.CurrentPhase())
	assert.Equal(t, 1.0, m.StabilityScore)

	clock.Advance(time.Hour + time.Minute)
	loop.Tick(ctx)

	m, err = loop.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, mission.VerdictStable, m.Verdict)
	assert.Equal(t, mission.PhaseLearned, m.CurrentPhase())
	require.NotNil(t, m.Retrospective)

	records, err := sink.LearningRecords(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "stable", records[0].Verdict)

	// Stable verdicts never signal rollback.
	select {
	case sig := <-loop.Verdicts():
		t.Fatalf("unexpected rollback signal: %+v", sig)
	default:
	}
}

func TestCriticalAnomalyClosesImmediately(t *testing.T) {
	clock := newFakeClock()
	loop, sink := newLoop(t, clock)
	ctx := context.Background()

	m, err := loop.Start(ctx, mission.StartSpec{UpdateID: "u5", RiskLevel: "critical"})
	require.NoError(t, err)

	// Two criticals drop the score to 0.25 before the multiplicative
	// failed-check penalty.
	err = loop.RecordCheck(ctx, m.ID, mission.HealthCheck{Total: 4, Failed: 0}, []mission.Anomaly{
		{Metric: "error_rate", Severity: mission.SeverityCritical},
		{Metric: "p95_latency", Severity: mission.SeverityCritical},
	})
	require.NoError(t, err)

	m, err = loop.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, mission.VerdictUnstable, m.Verdict)
	assert.LessOrEqual(t, m.StabilityScore, 0.25)

	select {
	case sig := <-loop.Verdicts():
		assert.Equal(t, "u5", sig.UpdateID)
		assert.Equal(t, "critical anomaly", sig.Reason)
	case <-time.After(time.Second):
		t.Fatal("expected rollback signal")
	}

	// Unstable missions auto-open a CAPA record.
	capas, err := sink.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, capas, 1)
	assert.Equal(t, m.ID, capas[0].SourceMissionID)
	assert.Equal(t, capa.StateOpen, capas[0].State)
}

func TestScoreOnlyDecreasesAndAcceptableBand(t *testing.T) {
	clock := newFakeClock()
	loop, _ := newLoop(t, clock)
	ctx := context.Background()

	m, err := loop.Start(ctx, mission.StartSpec{UpdateID: "u2", RiskLevel: "medium"})
	require.NoError(t, err)

	require.NoError(t, loop.RecordCheck(ctx, m.ID, mission.HealthCheck{Total: 10, Failed: 0},
		[]mission.Anomaly{{Metric: "queue_depth", Severity: mission.SeverityMedium}}))

	m, _ = loop.Get(m.ID)
	first := m.StabilityScore
	assert.InDelta(t, 0.9, first, 1e-9)

	// Clean checks never raise the score back up.
	require.NoError(t, loop.RecordCheck(ctx, m.ID, mission.HealthCheck{Total: 10, Failed: 0}, nil))
	m, _ = loop.Get(m.ID)
	assert.Equal(t, first, m.StabilityScore)

	clock.Advance(6*time.Hour + time.Minute)
	loop.Tick(ctx)

	m, _ = loop.Get(m.ID)
	assert.Equal(t, mission.VerdictAcceptable, m.Verdict)
}

func TestFailedCheckFractionPenalty(t *testing.T) {
	clock := newFakeClock()
	loop, _ := newLoop(t, clock)
	ctx := context.Background()

	m, err := loop.Start(ctx, mission.StartSpec{UpdateID: "u3", RiskLevel: "low"})
	require.NoError(t, err)

	require.NoError(t, loop.RecordCheck(ctx, m.ID, mission.HealthCheck{Total: 4, Failed: 1}, nil))
	m, _ = loop.Get(m.ID)
	assert.InDelta(t, 0.75, m.StabilityScore, 1e-9)
}

func TestRegressionAttribution(t *testing.T) {
	clock := newFakeClock()
	loop, _ := newLoop(t, clock)
	ctx := context.Background()

	m, err := loop.Start(ctx, mission.StartSpec{
		UpdateID:        "u7",
		RiskLevel:       "high",
		ComponentTarget: []string{"memory_core", "coder"},
		ExpectedMetrics: []string{"error_rate", "p95_latency"},
	})
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)

	// Full component and metric overlap shortly after deployment.
	attr := loop.ReportRegression(ctx, mission.Regression{
		Components: []string{"memory_core"},
		Metrics:    []string{"error_rate"},
		ReportedBy: "watchdog",
	}, 0)
	require.True(t, attr.Attributed)
	assert.Equal(t, m.ID, attr.MissionID)
	assert.GreaterOrEqual(t, attr.CorrelationScore, 0.5)

	// Attribution on an open mission forces an unstable verdict.
	got, _ := loop.Get(m.ID)
	assert.Equal(t, mission.VerdictUnstable, got.Verdict)

	select {
	case sig := <-loop.Verdicts():
		assert.Equal(t, "u7", sig.UpdateID)
	case <-time.After(time.Second):
		t.Fatal("expected rollback signal")
	}
}

func TestRegressionBelowThresholdNotAttributed(t *testing.T) {
	clock := newFakeClock()
	loop, _ := newLoop(t, clock)
	ctx := context.Background()

	_, err := loop.Start(ctx, mission.StartSpec{
		UpdateID:        "u8",
		RiskLevel:       "low",
		ComponentTarget: []string{"memory_core"},
		ExpectedMetrics: []string{"error_rate"},
	})
	require.NoError(t, err)

	// Far in time, no component or metric overlap.
	clock.Advance(23 * time.Hour)
	attr := loop.ReportRegression(ctx, mission.Regression{
		Components: []string{"unrelated"},
		Metrics:    []string{"disk_io"},
		ReportedBy: "ops",
	}, 24*time.Hour)
	assert.False(t, attr.Attributed)
	assert.Less(t, attr.CorrelationScore, 0.5)
}
