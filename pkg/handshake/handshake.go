// Package handshake coordinates component admission: announce on the
// mesh, collect acknowledgements from the required quorum set, then
// register the component in the manifest. The hub invokes it when a
// component_handshake update distributes.
package handshake

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/grace-platform/grace/pkg/audit"
	"github.com/grace-platform/grace/pkg/hub"
	"github.com/grace-platform/grace/pkg/manifest"
	"github.com/grace-platform/grace/pkg/mesh"
)

// DefaultAckTimeout bounds the wait for quorum.
const DefaultAckTimeout = 30 * time.Second

// QuorumTimeoutError fails the handshake when required acknowledgers
// stay silent.
type QuorumTimeoutError struct {
	UpdateID string
	Missing  []string
}

func (e *QuorumTimeoutError) Error() string {
	return fmt.Sprintf("handshake %s timed out waiting for acks from %v", e.UpdateID, e.Missing)
}

// Ack is one acknowledger's response, carrying whatever internal
// adjustments it performed (schema reloads, ACL updates, metric
// registration).
type Ack struct {
	UpdateID    string         `json:"update_id"`
	Responder   string         `json:"responder"`
	Adjustments map[string]any `json:"adjustments,omitempty"`
	ReceivedAt  time.Time      `json:"received_at"`
}

type pending struct {
	required map[string]bool
	acks     map[string]Ack
	done     chan struct{}
}

// Options configures a Coordinator.
type Options struct {
	// Quorum is the default required-acknowledger set. A handshake may
	// override it with required_acks in its content.
	Quorum     []string
	AckTimeout time.Duration
	Logger     *slog.Logger
}

// Coordinator implements the hub's HandshakeRunner.
type Coordinator struct {
	bus      *mesh.Bus
	reg      *manifest.Manifest
	auditLog audit.Log
	quorum   []string
	timeout  time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*pending
}

// NewCoordinator creates a coordinator and subscribes it to ack events.
func NewCoordinator(bus *mesh.Bus, reg *manifest.Manifest, auditLog audit.Log, opts Options) *Coordinator {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Coordinator{
		bus:      bus,
		reg:      reg,
		auditLog: auditLog,
		quorum:   opts.Quorum,
		timeout:  opts.AckTimeout,
		logger:   opts.Logger,
		pending:  make(map[string]*pending),
	}
	bus.Subscribe("handshake_coordinator", mesh.EventLogicHandshakeAck, c.onAck)
	return c
}

// RunHandshake announces the component, waits for quorum, and registers
// it in the manifest. Timeout returns a QuorumTimeoutError and the hub
// fails the update.
func (c *Coordinator) RunHandshake(ctx context.Context, updateID string, content hub.HandshakeContent) error {
	required := c.quorum
	if len(content.RequiredAcks) > 0 {
		required = content.RequiredAcks
	}

	p := &pending{
		required: make(map[string]bool, len(required)),
		acks:     make(map[string]Ack),
		done:     make(chan struct{}),
	}
	for _, r := range required {
		p.required[r] = true
	}

	c.mu.Lock()
	c.pending[updateID] = p
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, updateID)
		c.mu.Unlock()
	}()

	_ = c.bus.Publish(ctx, mesh.Event{
		EventType: mesh.EventLogicHandshakeAnnounce,
		Source:    "handshake_coordinator",
		Priority:  mesh.PriorityHigh,
		Payload: map[string]any{
			"update_id":        updateID,
			"component_id":     content.ComponentID,
			"component_type":   content.Type,
			"capabilities":     content.Capabilities,
			"expected_metrics": content.ExpectedMetrics,
			"version":          content.Version,
			"required_acks":    required,
		},
	})

	if len(required) > 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		select {
		case <-p.done:
		case <-timer.C:
			missing := c.missing(p)
			c.audit(ctx, updateID, content.ComponentID, "quorum_timeout", map[string]any{"missing": missing})
			return &QuorumTimeoutError{UpdateID: updateID, Missing: missing}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	trust := manifest.TrustLevel(content.TrustLevel)
	if _, err := c.reg.Register(&remoteComponent{id: content.ComponentID}, manifest.Registration{
		ComponentType: content.Type,
		Version:       content.Version,
		TrustLevel:    trust,
		Capabilities:  content.Capabilities,
	}); err != nil {
		return fmt.Errorf("register component %s: %w", content.ComponentID, err)
	}

	c.audit(ctx, updateID, content.ComponentID, "ok", map[string]any{
		"acks":  c.ackNames(p),
		"trust": trust.String(),
	})
	_ = c.bus.Publish(ctx, mesh.Event{
		EventType: mesh.EventLogicHandshakeComplete,
		Source:    "handshake_coordinator",
		Payload: map[string]any{
			"update_id":    updateID,
			"component_id": content.ComponentID,
			"acks":         c.ackNames(p),
		},
	})
	c.logger.Info("handshake complete",
		"update_id", updateID, "component_id", content.ComponentID, "acks", len(p.acks))
	return nil
}

// onAck records one acknowledger response and closes the wait when the
// required set is complete.
func (c *Coordinator) onAck(_ context.Context, ev mesh.Event) error {
	updateID, _ := ev.Payload["update_id"].(string)
	responder, _ := ev.Payload["responder"].(string)
	if updateID == "" || responder == "" {
		return fmt.Errorf("handshake ack missing update_id or responder")
	}
	adjustments, _ := ev.Payload["adjustments"].(map[string]any)

	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[updateID]
	if !ok {
		// Late or unsolicited ack; nothing to do.
		return nil
	}
	if !p.required[responder] {
		return nil
	}
	if _, dup := p.acks[responder]; dup {
		return nil
	}
	p.acks[responder] = Ack{
		UpdateID:    updateID,
		Responder:   responder,
		Adjustments: adjustments,
		ReceivedAt:  time.Now().UTC(),
	}
	if len(p.acks) == len(p.required) {
		close(p.done)
	}
	return nil
}

func (c *Coordinator) missing(p *pending) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for r := range p.required {
		if _, ok := p.acks[r]; !ok {
			out = append(out, r)
		}
	}
	return out
}

func (c *Coordinator) ackNames(p *pending) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(p.acks))
	for r := range p.acks {
		out = append(out, r)
	}
	return out
}

func (c *Coordinator) audit(ctx context.Context, updateID, componentID, result string, payload map[string]any) {
	if c.auditLog == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["component_id"] = componentID
	if _, err := c.auditLog.Append(ctx, audit.Record{
		Actor:     "handshake_coordinator",
		Action:    "component_handshake",
		Subsystem: "handshake",
		Resource:  updateID,
		Payload:   payload,
		Result:    result,
	}); err != nil {
		c.logger.Error("handshake audit failed", "update_id", updateID, "error", err)
	}
}

// remoteComponent stands in for components that live out of process.
// Lifecycle calls are acknowledged locally; the component reacts to mesh
// events.
type remoteComponent struct {
	id string
}

func (r *remoteComponent) ComponentID() string                { return r.id }
func (r *remoteComponent) Activate(context.Context) error     { return nil }
func (r *remoteComponent) Deactivate(context.Context) error   { return nil }
func (r *remoteComponent) Status() manifest.StatusReport {
	return manifest.StatusReport{ComponentID: r.id, ReportedAt: time.Now().UTC()}
}
