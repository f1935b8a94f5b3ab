package handshake_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grace-platform/grace/pkg/audit"
	"github.com/grace-platform/grace/pkg/handshake"
	"github.com/grace-platform/grace/pkg/hub"
	"github.com/grace-platform/grace/pkg/manifest"
	"github.com/grace-platform/grace/pkg/mesh"
)

func ack(bus *mesh.Bus, updateID, responder string) {
	_ = bus.Publish(context.Background(), mesh.Event{
		EventType: mesh.EventLogicHandshakeAck,
		Source:    responder,
		Payload: map[string]any{
			"update_id": updateID,
			"responder": responder,
			"adjustments": map[string]any{
				"schema_reloaded": true,
			},
		},
	})
}

func newCoordinator(t *testing.T, opts handshake.Options) (*handshake.Coordinator, *mesh.Bus, *manifest.Manifest, audit.Log) {
	t.Helper()
	bus := mesh.NewBus(mesh.Options{})
	t.Cleanup(bus.Close)
	reg := manifest.New(bus, nil)
	log := audit.NewMemoryLog(nil)
	c := handshake.NewCoordinator(bus, reg, log, opts)
	return c, bus, reg, log
}

func content(id string) hub.HandshakeContent {
	return hub.HandshakeContent{
		ComponentID:     id,
		Type:            "memory_backend",
		Capabilities:    []string{"store", "fetch"},
		ExpectedMetrics: []string{"error_rate"},
		Version:         "2.1.0",
		TrustLevel:      2,
	}
}

func TestQuorumReachedRegistersComponent(t *testing.T) {
	c, bus, reg, _ := newCoordinator(t, handshake.Options{
		Quorum:     []string{"memory_core", "governance", "metrics"},
		AckTimeout: 2 * time.Second,
	})

	complete := make(chan mesh.Event, 1)
	bus.Subscribe("probe", mesh.EventLogicHandshakeComplete, func(_ context.Context, ev mesh.Event) error {
		select {
		case complete <- ev:
		default:
		}
		return nil
	})
	// Acknowledgers respond to the announce.
	bus.Subscribe("memory_core", mesh.EventLogicHandshakeAnnounce, func(_ context.Context, ev mesh.Event) error {
		ack(bus, ev.Payload["update_id"].(string), "memory_core")
		return nil
	})
	bus.Subscribe("governance", mesh.EventLogicHandshakeAnnounce, func(_ context.Context, ev mesh.Event) error {
		ack(bus, ev.Payload["update_id"].(string), "governance")
		return nil
	})
	bus.Subscribe("metrics", mesh.EventLogicHandshakeAnnounce, func(_ context.Context, ev mesh.Event) error {
		ack(bus, ev.Payload["update_id"].(string), "metrics")
		return nil
	})

	err := c.RunHandshake(context.Background(), "upd_hs1", content("vector_store"))
	require.NoError(t, err)

	rec, err := reg.Get("vector_store")
	require.NoError(t, err)
	assert.Equal(t, manifest.TrustLevel(2), rec.TrustLevel)
	assert.Equal(t, "memory_backend", rec.ComponentType)

	select {
	case ev := <-complete:
		assert.Equal(t, "vector_store", ev.Payload["component_id"])
	case <-time.After(time.Second):
		t.Fatal("expected handshake_complete event")
	}
}

func TestQuorumTimeoutNamesMissingResponders(t *testing.T) {
	c, bus, reg, log := newCoordinator(t, handshake.Options{
		Quorum:     []string{"memory_core", "silent_subsystem"},
		AckTimeout: 100 * time.Millisecond,
	})
	bus.Subscribe("memory_core", mesh.EventLogicHandshakeAnnounce, func(_ context.Context, ev mesh.Event) error {
		ack(bus, ev.Payload["update_id"].(string), "memory_core")
		return nil
	})

	err := c.RunHandshake(context.Background(), "upd_hs2", content("slow_store"))
	var timeout *handshake.QuorumTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, []string{"silent_subsystem"}, timeout.Missing)

	_, err = reg.Get("slow_store")
	assert.Error(t, err)

	entries, err := log.Query(context.Background(), audit.Filter{Result: "quorum_timeout"})
	require.NoError(t, err)
	require.NotEmpty(t, entries)
}

func TestRequiredAcksOverrideQuorum(t *testing.T) {
	c, bus, reg, _ := newCoordinator(t, handshake.Options{
		Quorum:     []string{"a", "b", "c", "d", "e"},
		AckTimeout: 2 * time.Second,
	})
	bus.Subscribe("solo", mesh.EventLogicHandshakeAnnounce, func(_ context.Context, ev mesh.Event) error {
		ack(bus, ev.Payload["update_id"].(string), "solo")
		return nil
	})

	ct := content("niche_component")
	ct.RequiredAcks = []string{"solo"}
	require.NoError(t, c.RunHandshake(context.Background(), "upd_hs3", ct))

	_, err := reg.Get("niche_component")
	assert.NoError(t, err)
}

func TestUnsolicitedAndDuplicateAcksIgnored(t *testing.T) {
	c, bus, _, _ := newCoordinator(t, handshake.Options{
		Quorum:     []string{"memory_core", "governance"},
		AckTimeout: 300 * time.Millisecond,
	})
	bus.Subscribe("memory_core", mesh.EventLogicHandshakeAnnounce, func(_ context.Context, ev mesh.Event) error {
		id := ev.Payload["update_id"].(string)
		ack(bus, id, "memory_core")
		ack(bus, id, "memory_core")   // duplicate
		ack(bus, id, "uninvited")     // not in the quorum set
		return nil
	})

	err := c.RunHandshake(context.Background(), "upd_hs4", content("x_store"))
	var timeout *handshake.QuorumTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, []string{"governance"}, timeout.Missing)
}
