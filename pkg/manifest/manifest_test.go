package manifest_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grace-platform/grace/pkg/manifest"
	"github.com/grace-platform/grace/pkg/mesh"
)

// fakeComponent implements manifest.Component for tests.
type fakeComponent struct {
	id          string
	activations atomic.Int64
	failNext    bool
}

func (f *fakeComponent) ComponentID() string { return f.id }

func (f *fakeComponent) Activate(_ context.Context) error {
	f.activations.Add(1)
	if f.failNext {
		f.failNext = false
		return assert.AnError
	}
	return nil
}

func (f *fakeComponent) Deactivate(_ context.Context) error { return nil }

func (f *fakeComponent) Status() manifest.StatusReport {
	return manifest.StatusReport{ComponentID: f.id, ReportedAt: time.Now()}
}

func register(t *testing.T, m *manifest.Manifest, id string, trust manifest.TrustLevel) *fakeComponent {
	t.Helper()
	c := &fakeComponent{id: id}
	_, err := m.Register(c, manifest.Registration{
		ComponentType: "worker",
		Version:       "1.2.3",
		TrustLevel:    trust,
	})
	require.NoError(t, err)
	return c
}

func TestRegister_UniquePerComponentID(t *testing.T) {
	m := manifest.New(nil, nil)
	register(t, m, "memory_core", manifest.TrustMedium)

	_, err := m.Register(&fakeComponent{id: "memory_core"}, manifest.Registration{})
	assert.ErrorIs(t, err, manifest.ErrAlreadyRegistered)

	require.NoError(t, m.Unregister("memory_core"))
	register(t, m, "memory_core", manifest.TrustMedium)
}

func TestRegister_RejectsBadSemver(t *testing.T) {
	m := manifest.New(nil, nil)
	_, err := m.Register(&fakeComponent{id: "x"}, manifest.Registration{Version: "not-a-version"})
	assert.Error(t, err)
}

func TestActivate_IdempotentOnActive(t *testing.T) {
	m := manifest.New(nil, nil)
	c := register(t, m, "coder", manifest.TrustHigh)
	ctx := context.Background()

	require.NoError(t, m.Activate(ctx, "coder"))
	rec, err := m.Get("coder")
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusActive, rec.Status)

	// Double activate: no-op, success, no second component call.
	require.NoError(t, m.Activate(ctx, "coder"))
	assert.Equal(t, int64(1), c.activations.Load())
}

func TestActivate_FailureMovesToError(t *testing.T) {
	m := manifest.New(nil, nil)
	c := register(t, m, "flaky", manifest.TrustLow)
	c.failNext = true

	err := m.Activate(context.Background(), "flaky")
	require.Error(t, err)

	rec, err := m.Get("flaky")
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusError, rec.Status)

	// ERROR re-activates after remediation.
	require.NoError(t, m.Activate(context.Background(), "flaky"))
	rec, _ = m.Get("flaky")
	assert.Equal(t, manifest.StatusActive, rec.Status)
}

func TestTransition_IllegalIsStateError(t *testing.T) {
	m := manifest.New(nil, nil)
	register(t, m, "c", manifest.TrustLow)

	err := m.Transition("c", manifest.StatusStopped)
	var stateErr *manifest.StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, manifest.StatusCreated, stateErr.From)
}

func TestTrust_PromoteRequiresVerified(t *testing.T) {
	m := manifest.New(nil, nil)
	register(t, m, "c", manifest.TrustLow)

	err := m.Promote("c", manifest.TrustHigh, manifest.TrustHigh)
	assert.ErrorIs(t, err, manifest.ErrPromotionDenied)

	require.NoError(t, m.Promote("c", manifest.TrustHigh, manifest.TrustVerified))
	rec, _ := m.Get("c")
	assert.Equal(t, manifest.TrustHigh, rec.TrustLevel)

	// Any policy may demote.
	require.NoError(t, m.Demote("c", manifest.TrustUntrusted))
	rec, _ = m.Get("c")
	assert.Equal(t, manifest.TrustUntrusted, rec.TrustLevel)
}

func TestQueryAndStats(t *testing.T) {
	m := manifest.New(nil, nil)
	register(t, m, "a", manifest.TrustHigh)
	register(t, m, "b", manifest.TrustLow)
	require.NoError(t, m.Activate(context.Background(), "a"))

	minTrust := manifest.TrustMedium
	trusted := m.Query(manifest.Filter{MinTrust: &minTrust})
	require.Len(t, trusted, 1)
	assert.Equal(t, "a", trusted[0].ComponentID)

	active := m.Query(manifest.Filter{Status: manifest.StatusActive})
	assert.Len(t, active, 1)

	stats := m.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[manifest.StatusActive])
}

func TestHeartbeatMonitor_MarksSilentComponentsError(t *testing.T) {
	bus := mesh.NewBus(mesh.Options{})
	defer bus.Close()

	var errorEvents atomic.Int64
	bus.Subscribe("watch", mesh.EventComponentError, func(_ context.Context, _ mesh.Event) error {
		errorEvents.Add(1)
		return nil
	})

	m := manifest.New(bus, nil)
	register(t, m, "silent", manifest.TrustLow)
	register(t, m, "chatty", manifest.TrustLow)
	require.NoError(t, m.Activate(context.Background(), "silent"))
	require.NoError(t, m.Activate(context.Background(), "chatty"))

	mon := manifest.NewHeartbeatMonitor(m, 10*time.Millisecond, nil)

	// Let 3 intervals pass without beats for "silent"; keep "chatty" alive.
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.NoError(t, m.Heartbeat("chatty"))
		time.Sleep(5 * time.Millisecond)
	}
	mon.Sweep()

	rec, err := m.Get("silent")
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusError, rec.Status)

	rec, err = m.Get("chatty")
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusActive, rec.Status)

	// component.error published.
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) && errorEvents.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, int64(1), errorEvents.Load())
}
