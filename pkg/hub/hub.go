package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grace-platform/grace/pkg/audit"
	"github.com/grace-platform/grace/pkg/crypto"
	"github.com/grace-platform/grace/pkg/governance"
	"github.com/grace-platform/grace/pkg/mesh"
	"github.com/grace-platform/grace/pkg/mission"
)

// Stage timeouts. Each stage gets one automatic retry on transient
// errors before the update fails.
type StageTimeouts struct {
	Ingestion  time.Duration
	Governance time.Duration
	Validation time.Duration
	Default    time.Duration
}

// DefaultStageTimeouts per the platform SLOs.
func DefaultStageTimeouts() StageTimeouts {
	return StageTimeouts{
		Ingestion:  time.Second,
		Governance: 5 * time.Second,
		Validation: 60 * time.Second,
		Default:    10 * time.Second,
	}
}

// HandshakeRunner executes the component handshake protocol when a
// component_handshake update distributes. Implemented by the handshake
// package; the hub never imports it.
type HandshakeRunner interface {
	RunHandshake(ctx context.Context, updateID string, content HandshakeContent) error
}

// errReviewParked stops the pipeline without failing the update.
var errReviewParked = errors.New("parked for review")

// Options configures a Hub.
type Options struct {
	Registry   Registry
	Engine     *governance.Engine
	Signer     crypto.Signer
	AuditLog   audit.Log
	Bus        *mesh.Bus
	Missions   *mission.Loop
	Validators *Validators
	Handshake  HandshakeRunner
	Timeouts   StageTimeouts
	Logger     *slog.Logger
}

// Hub drives logic updates through the eight-stage pipeline.
type Hub struct {
	registry   Registry
	engine     *governance.Engine
	signer     crypto.Signer
	auditLog   audit.Log
	bus        *mesh.Bus
	missions   *mission.Loop
	validators *Validators
	handshake  HandshakeRunner
	timeouts   StageTimeouts
	logger     *slog.Logger
	hasher     crypto.Hasher

	mu          sync.Mutex
	targetLocks map[string]chan struct{}
	parked      map[string]json.RawMessage // update_id -> original content
	paused      bool
	resumeCh    chan struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a Hub.
func New(opts Options) (*Hub, error) {
	if opts.Registry == nil || opts.Engine == nil || opts.Signer == nil || opts.AuditLog == nil {
		return nil, errors.New("hub requires registry, governance engine, signer, and audit log")
	}
	if opts.Validators == nil {
		opts.Validators = &Validators{}
	}
	if opts.Timeouts == (StageTimeouts{}) {
		opts.Timeouts = DefaultStageTimeouts()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		registry:    opts.Registry,
		engine:      opts.Engine,
		signer:      opts.Signer,
		auditLog:    opts.AuditLog,
		bus:         opts.Bus,
		missions:    opts.Missions,
		validators:  opts.Validators,
		handshake:   opts.Handshake,
		timeouts:    opts.Timeouts,
		logger:      opts.Logger,
		hasher:      crypto.NewCanonicalHasher(),
		targetLocks: make(map[string]chan struct{}),
		parked:      make(map[string]json.RawMessage),
	}, nil
}

// Run starts the verdict consumers: the rollback signal channel from the
// observation loop and stable phase transitions from the mesh.
func (h *Hub) Run(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	if h.bus != nil {
		h.bus.Subscribe("logic_hub", mesh.EventMissionPhaseTransition, h.onPhaseTransition)
	}
	if h.missions == nil {
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case sig := <-h.missions.Verdicts():
				if err := h.Rollback(ctx, sig.UpdateID, "observation", sig.Reason); err != nil {
					h.logger.Error("rollback failed", "update_id", sig.UpdateID, "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels background work and waits for in-flight pipelines.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

// Submit runs the ingestion gate synchronously and processes the rest of
// the pipeline in the background. The returned update has status
// proposed.
func (h *Hub) Submit(ctx context.Context, sub Submission) (*LogicUpdate, error) {
	ingestCtx, cancel := context.WithTimeout(ctx, h.timeouts.Ingestion)
	defer cancel()

	u, err := h.ingest(ingestCtx, sub)
	if err != nil {
		return nil, err
	}

	out := copyUpdate(u)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.process(context.WithoutCancel(ctx), u, true)
	}()
	return out, nil
}

// ingest is stage 1: reject malformed or oversized payloads, assign the
// id, persist the proposed record.
func (h *Hub) ingest(ctx context.Context, sub Submission) (*LogicUpdate, error) {
	if !sub.UpdateType.valid() {
		return nil, &IngestionError{Reason: fmt.Sprintf("unknown update type %q", sub.UpdateType)}
	}
	if len(sub.Content) == 0 || !json.Valid(sub.Content) {
		return nil, &IngestionError{Reason: "content must be valid JSON"}
	}
	if len(sub.Content) > MaxContentBytes {
		return nil, &IngestionError{Reason: fmt.Sprintf("content exceeds %d bytes", MaxContentBytes)}
	}
	if len(sub.ComponentTargets) == 0 {
		return nil, &IngestionError{Reason: "at least one component target required"}
	}
	if sub.CreatedBy == "" {
		return nil, &IngestionError{Reason: "created_by required"}
	}
	if sub.RiskLevel == "" {
		sub.RiskLevel = "medium"
	}

	now := time.Now().UTC()
	u := &LogicUpdate{
		UpdateID:         "upd_" + uuid.New().String(),
		UpdateType:       sub.UpdateType,
		ComponentTargets: sub.ComponentTargets,
		Content:          sub.Content,
		CreatedBy:        sub.CreatedBy,
		RiskLevel:        sub.RiskLevel,
		Priority:         PriorityNormal,
		Status:           StatusProposed,
		ExpectedMetrics:  sub.ExpectedMetrics,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	u.recordStage("ingestion", StatusProposed, now, 1, "")
	if err := h.registry.Save(ctx, u); err != nil {
		return nil, fmt.Errorf("persist proposed update: %w", err)
	}
	if _, err := h.auditUpdate(ctx, u, "logic_update_submitted", "ok", map[string]any{
		"update_type": string(u.UpdateType),
		"created_by":  u.CreatedBy,
	}); err != nil {
		u.Status = StatusFailed
		u.Diagnostics = append(u.Diagnostics, err.Error())
		h.save(ctx, u)
		return nil, err
	}
	h.publish(ctx, mesh.EventLogicProposed, map[string]any{
		"update_id":   u.UpdateID,
		"update_type": string(u.UpdateType),
		"targets":     u.ComponentTargets,
	})
	return u, nil
}

// process runs stages 2 through 8. acquireLocks is false for rollback
// siblings, which run under the original's locks.
func (h *Hub) process(ctx context.Context, u *LogicUpdate, acquireLocks bool) {
	if acquireLocks {
		if err := h.acquireTargets(ctx, u.ComponentTargets); err != nil {
			h.fail(ctx, u, "target_lock", err.Error())
			return
		}
	}
	h.runPipeline(ctx, u, acquireLocks)
}

// runPipeline executes stages 2..8. It owns the target locks and
// releases them when the update reaches a terminal status. Parked and
// observing updates keep their locks.
func (h *Hub) runPipeline(ctx context.Context, u *LogicUpdate, ownsLocks bool) {
	err := h.runStages(ctx, u)
	switch {
	case err == nil:
		// Observing (or distributed rollback); locks stay held until the
		// verdict arrives.
		if u.Status.Terminal() && ownsLocks {
			h.releaseTargets(u.ComponentTargets)
		}
	case errors.Is(err, errReviewParked):
		// Locks stay held; ResolveReview continues or fails the update.
	default:
		if ownsLocks {
			h.releaseTargets(u.ComponentTargets)
		}
	}
}

func (h *Hub) runStages(ctx context.Context, u *LogicUpdate) error {
	if err := h.stageGovernance(ctx, u); err != nil {
		return err
	}
	return h.runFromSigning(ctx, u)
}

// runFromSigning covers stages 3..8, shared by first runs and resumed
// reviews.
func (h *Hub) runFromSigning(ctx context.Context, u *LogicUpdate) error {
	for _, stage := range []struct {
		name    string
		timeout time.Duration
		fn      func(context.Context, *LogicUpdate) error
	}{
		{"crypto_sign", h.timeouts.Default, h.stageSign},
		{"audit_proposal", h.timeouts.Default, h.stageAuditProposal},
		{"validation", h.timeouts.Validation, h.stageValidate},
		{"package_build", h.timeouts.Default, h.stagePackage},
		{"distribution", h.timeouts.Default, h.stageDistribute},
		{"observation_handoff", h.timeouts.Default, h.stageObserve},
	} {
		if u.RollbackOf != "" && stage.name == "observation_handoff" {
			// Rollbacks re-enter stages 2..7 only.
			return nil
		}
		if err := h.runStage(ctx, u, stage.name, stage.timeout, stage.fn); err != nil {
			return err
		}
	}
	return nil
}

// runStage applies the timeout and one automatic retry for transient
// errors. Typed halts (governance, validation, parking) never retry.
func (h *Hub) runStage(ctx context.Context, u *LogicUpdate, name string, timeout time.Duration, fn func(context.Context, *LogicUpdate) error) error {
	started := time.Now().UTC()
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		stageCtx, cancel := context.WithTimeout(ctx, timeout)
		err := fn(stageCtx, u)
		cancel()
		if err == nil {
			u.recordStage(name, u.Status, started, attempt, "")
			h.save(ctx, u)
			return nil
		}
		lastErr = err
		var govErr *GovernanceDeniedError
		var valErr *ValidationError
		if errors.As(err, &govErr) || errors.As(err, &valErr) ||
			errors.Is(err, errReviewParked) || u.Status == StatusFailed {
			u.recordStage(name, u.Status, started, attempt, err.Error())
			h.save(ctx, u)
			return err
		}
		h.logger.Warn("stage failed, retrying once",
			"update_id", u.UpdateID, "stage", name, "attempt", attempt, "error", err)
	}
	u.recordStage(name, StatusFailed, started, 2, lastErr.Error())
	h.fail(ctx, u, name, lastErr.Error())
	return lastErr
}

// stageGovernance is stage 2.
func (h *Hub) stageGovernance(ctx context.Context, u *LogicUpdate) error {
	return h.runStage(ctx, u, "governance", h.timeouts.Governance, func(ctx context.Context, u *LogicUpdate) error {
		decision, err := h.engine.Check(ctx, "apply_update", u.CreatedBy, string(u.UpdateType), map[string]any{
			"update_type": string(u.UpdateType),
			"targets":     u.ComponentTargets,
			"risk_level":  u.RiskLevel,
			"priority":    string(u.Priority),
			"rollback_of": u.RollbackOf,
		})
		if err != nil {
			return err
		}
		u.GovernanceDecision = string(decision.Decision)
		switch decision.Decision {
		case governance.DecisionDeny:
			h.auditUpdate(ctx, u, "logic_update_rejected", "denied", map[string]any{
				"policy_id": decision.PolicyID,
				"reason":    decision.Reason,
			})
			u.Status = StatusFailed
			u.Diagnostics = append(u.Diagnostics, decision.Reason)
			h.save(ctx, u)
			h.publish(ctx, mesh.EventLogicRejected, map[string]any{
				"update_id": u.UpdateID,
				"policy_id": decision.PolicyID,
				"reason":    decision.Reason,
			})
			return &GovernanceDeniedError{UpdateID: u.UpdateID, PolicyID: decision.PolicyID, Reason: decision.Reason}
		case governance.DecisionReview:
			u.Status = StatusParked
			h.mu.Lock()
			h.parked[u.UpdateID] = u.Content
			h.mu.Unlock()
			h.save(ctx, u)
			h.auditUpdate(ctx, u, "logic_update_parked", "review", map[string]any{
				"policy_id": decision.PolicyID,
				"reason":    decision.Reason,
			})
			h.publish(ctx, mesh.EventGovernanceReviewRequired, map[string]any{
				"update_id": u.UpdateID,
				"policy_id": decision.PolicyID,
				"reason":    decision.Reason,
			})
			return errReviewParked
		}
		u.Status = StatusGoverned
		return nil
	})
}

// stageSign is stage 3: checksum and signature over the content.
func (h *Hub) stageSign(_ context.Context, u *LogicUpdate) error {
	u.Checksum = h.hasher.HashBytes(u.Content)
	binding, err := crypto.CanonicalMarshal(map[string]any{
		"update_id": u.UpdateID,
		"checksum":  u.Checksum,
		"type":      string(u.UpdateType),
	})
	if err != nil {
		return fmt.Errorf("bind update signature: %w", err)
	}
	sig, err := h.signer.Sign(binding)
	if err != nil {
		return fmt.Errorf("sign update: %w", err)
	}
	u.CryptoSignature = sig
	u.Status = StatusSigned
	return nil
}

// stageAuditProposal is stage 4: the full proposal lands in the chain.
func (h *Hub) stageAuditProposal(ctx context.Context, u *LogicUpdate) error {
	_, err := h.auditUpdate(ctx, u, "logic_update_proposed", "ok", map[string]any{
		"update_type": string(u.UpdateType),
		"targets":     u.ComponentTargets,
		"risk_level":  u.RiskLevel,
		"checksum":    u.Checksum,
		"signature":   u.CryptoSignature,
		"created_by":  u.CreatedBy,
		"governance":  u.GovernanceDecision,
	})
	return err
}

// stageValidate is stage 5. Rollback siblings skip content dispatch:
// their content is derived from an already-validated package.
func (h *Hub) stageValidate(ctx context.Context, u *LogicUpdate) error {
	if u.RollbackOf != "" {
		u.Status = StatusValidated
		_, err := h.auditUpdate(ctx, u, "logic_update_validated", "ok", map[string]any{
			"rollback_of": u.RollbackOf,
		})
		return err
	}
	var previous json.RawMessage
	if u.UpdateType == TypeSchema {
		previous = h.lastDistributedSchema(ctx, u)
	}
	diags := h.validators.Validate(ctx, u, previous)
	if len(diags) > 0 {
		u.Diagnostics = append(u.Diagnostics, diags...)
		u.Status = StatusFailed
		h.save(ctx, u)
		h.auditUpdate(ctx, u, "logic_update_validation_failed", "failed", map[string]any{
			"diagnostics": diags,
		})
		h.publish(ctx, mesh.EventLogicValidationFailed, map[string]any{
			"update_id":   u.UpdateID,
			"diagnostics": diags,
		})
		return &ValidationError{UpdateID: u.UpdateID, Diagnostics: diags}
	}
	u.Status = StatusValidated
	if _, err := h.auditUpdate(ctx, u, "logic_update_validated", "ok", nil); err != nil {
		return err
	}
	h.publish(ctx, mesh.EventLogicValidated, map[string]any{"update_id": u.UpdateID})
	return nil
}

// lastDistributedSchema finds the newest schema update that reached
// distribution for an overlapping target.
func (h *Hub) lastDistributedSchema(ctx context.Context, u *LogicUpdate) json.RawMessage {
	updates, err := h.registry.List(ctx, 0)
	if err != nil {
		h.logger.Warn("schema history lookup failed", "error", err)
		return nil
	}
	targets := make(map[string]bool, len(u.ComponentTargets))
	for _, t := range u.ComponentTargets {
		targets[t] = true
	}
	for _, prev := range updates {
		if prev.UpdateType != TypeSchema || prev.UpdateID == u.UpdateID {
			continue
		}
		switch prev.Status {
		case StatusDistributed, StatusObserving, StatusStable:
		default:
			continue
		}
		for _, t := range prev.ComponentTargets {
			if targets[t] {
				return prev.Content
			}
		}
	}
	return nil
}

// stagePackage is stage 6: the immutable distribution artifact.
func (h *Hub) stagePackage(ctx context.Context, u *LogicUpdate) error {
	instructions, err := h.rollbackInstructions(ctx, u)
	if err != nil {
		return err
	}
	u.Package = &Package{
		UpdateID:             u.UpdateID,
		Checksum:             u.Checksum,
		Signature:            u.CryptoSignature,
		RollbackInstructions: instructions,
	}
	u.Status = StatusPackaged
	return nil
}

// rollbackInstructions capture the inverse action: a reference to the
// previous distributed version when one exists, or the explicit content
// to restore.
func (h *Hub) rollbackInstructions(ctx context.Context, u *LogicUpdate) (json.RawMessage, error) {
	if u.RollbackOf != "" {
		// A rollback of a rollback restores the rollback's own content.
		return json.RawMessage(`{"action":"none","note":"rollback package"}`), nil
	}
	updates, err := h.registry.List(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("rollback history lookup: %w", err)
	}
	targets := make(map[string]bool, len(u.ComponentTargets))
	for _, t := range u.ComponentTargets {
		targets[t] = true
	}
	for _, prev := range updates {
		if prev.UpdateType != u.UpdateType || prev.UpdateID == u.UpdateID {
			continue
		}
		switch prev.Status {
		case StatusDistributed, StatusObserving, StatusStable:
		default:
			continue
		}
		overlap := false
		for _, t := range prev.ComponentTargets {
			if targets[t] {
				overlap = true
				break
			}
		}
		if !overlap {
			continue
		}
		doc, err := json.Marshal(map[string]any{
			"action":             "restore_previous",
			"previous_update_id": prev.UpdateID,
			"previous_checksum":  prev.Checksum,
			"content":            prev.Content,
		})
		if err != nil {
			return nil, err
		}
		return doc, nil
	}
	return json.RawMessage(`{"action":"remove","note":"no previous version"}`), nil
}

// stageDistribute is stage 7. Distribution pauses while the audit chain
// is broken and resumes only after an operator call.
func (h *Hub) stageDistribute(ctx context.Context, u *LogicUpdate) error {
	// The pause wait is deliberately not bounded by the stage timeout:
	// updates park until the operator resumes.
	pauseCtx := context.WithoutCancel(ctx)
	if err := h.waitUntilResumed(pauseCtx); err != nil {
		return err
	}
	report, err := h.auditLog.VerifyIntegrity(ctx)
	if err != nil {
		return fmt.Errorf("verify audit chain: %w", err)
	}
	if !report.Valid {
		h.pauseDistribution(ctx, report)
		if err := h.waitUntilResumed(pauseCtx); err != nil {
			return err
		}
	}

	h.publish(ctx, mesh.EventLogicUpdate, map[string]any{
		"update_id":   u.UpdateID,
		"update_type": string(u.UpdateType),
		"targets":     u.ComponentTargets,
		"package":     u.Package,
		"priority":    string(u.Priority),
	})

	if u.UpdateType == TypeComponentHandshake && h.handshake != nil {
		var content HandshakeContent
		if err := json.Unmarshal(u.Content, &content); err != nil {
			return fmt.Errorf("decode handshake content: %w", err)
		}
		if err := h.handshake.RunHandshake(ctx, u.UpdateID, content); err != nil {
			u.Status = StatusFailed
			u.Diagnostics = append(u.Diagnostics, err.Error())
			h.save(ctx, u)
			h.auditUpdate(ctx, u, "handshake_failed", "failed", map[string]any{"error": err.Error()})
			// Typed handshake errors (quorum timeout) must survive to
			// the caller.
			return fmt.Errorf("handshake for %s: %w", u.UpdateID, err)
		}
	}

	u.Status = StatusDistributed
	if _, err := h.auditUpdate(ctx, u, "logic_update_distributed", "ok", map[string]any{
		"checksum": u.Checksum,
		"priority": string(u.Priority),
	}); err != nil {
		return err
	}
	return nil
}

// stageObserve is stage 8: hand off to the observation loop.
func (h *Hub) stageObserve(ctx context.Context, u *LogicUpdate) error {
	if h.missions == nil {
		// No observation loop wired (tooling mode): distributed is final.
		return nil
	}
	kind := mission.KindLogicUpdate
	window := time.Duration(0)
	if u.UpdateType == TypeComponentHandshake {
		kind = mission.KindHandshake
		window = time.Hour
	}
	m, err := h.missions.Start(ctx, mission.StartSpec{
		Kind:            kind,
		UpdateID:        u.UpdateID,
		RiskLevel:       u.RiskLevel,
		ComponentTarget: u.ComponentTargets,
		ExpectedMetrics: u.ExpectedMetrics,
		Window:          window,
	})
	if err != nil {
		return fmt.Errorf("start observation mission: %w", err)
	}
	u.MissionID = m.ID
	u.Status = StatusObserving
	return nil
}

// ResolveReview continues or fails a parked update. The operator action
// is audited either way.
func (h *Hub) ResolveReview(ctx context.Context, updateID, operator string, approve bool) error {
	h.mu.Lock()
	_, isParked := h.parked[updateID]
	if isParked {
		delete(h.parked, updateID)
	}
	h.mu.Unlock()
	if !isParked {
		return fmt.Errorf("update %s is not parked for review", updateID)
	}

	u, err := h.registry.Get(ctx, updateID)
	if err != nil {
		return err
	}
	result := "rejected"
	if approve {
		result = "approved"
	}
	if _, err := h.auditUpdate(ctx, u, "review_resolved", result, map[string]any{"operator": operator}); err != nil {
		// Re-park so the operator can retry once the chain accepts
		// writes again.
		h.mu.Lock()
		h.parked[updateID] = u.Content
		h.mu.Unlock()
		return err
	}

	if !approve {
		u.Status = StatusFailed
		u.Diagnostics = append(u.Diagnostics, "review rejected by "+operator)
		h.save(ctx, u)
		h.releaseTargets(u.ComponentTargets)
		h.publish(ctx, mesh.EventLogicRejected, map[string]any{
			"update_id": u.UpdateID,
			"reason":    "review rejected",
		})
		return nil
	}

	u.Status = StatusGoverned
	u.GovernanceDecision = "allow"
	h.save(ctx, u)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		bg := context.WithoutCancel(ctx)
		if err := h.runFromSigning(bg, u); err == nil {
			if u.Status.Terminal() {
				h.releaseTargets(u.ComponentTargets)
			}
		} else if !errors.Is(err, errReviewParked) {
			h.releaseTargets(u.ComponentTargets)
		}
	}()
	return nil
}

// Rollback creates the sibling update from the original's rollback
// instructions and runs it through stages 2..7 at critical priority.
// The original is marked rolled_back once the sibling distributes.
func (h *Hub) Rollback(ctx context.Context, updateID, triggeredBy, reason string) error {
	u, err := h.registry.Get(ctx, updateID)
	if err != nil {
		return err
	}
	if u.Status == StatusRolledBack || u.RolledBackBy != "" {
		return nil
	}
	if u.Package == nil {
		return fmt.Errorf("update %s has no package to roll back", updateID)
	}

	u.Status = StatusUnstable
	h.save(ctx, u)

	now := time.Now().UTC()
	rb := &LogicUpdate{
		UpdateID:         u.UpdateID + "_rb",
		UpdateType:       u.UpdateType,
		ComponentTargets: append([]string(nil), u.ComponentTargets...),
		Content:          rollbackContent(u),
		CreatedBy:        triggeredBy,
		RiskLevel:        "critical",
		Priority:         PriorityCritical,
		Status:           StatusProposed,
		RollbackOf:       u.UpdateID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	rb.recordStage("ingestion", StatusProposed, now, 1, "rollback of "+u.UpdateID)
	if err := h.registry.Save(ctx, rb); err != nil {
		return fmt.Errorf("persist rollback update: %w", err)
	}
	if _, err := h.auditUpdate(ctx, rb, "logic_update_rollback", "ok", map[string]any{
		"rollback_of":  u.UpdateID,
		"triggered_by": triggeredBy,
		"reason":       reason,
	}); err != nil {
		return err
	}
	h.publish(ctx, mesh.EventLogicRollback, map[string]any{
		"update_id":   rb.UpdateID,
		"rollback_of": u.UpdateID,
		"reason":      reason,
	})

	// Runs under the original's locks; stages 2..7 only.
	if err := h.runStages(context.WithoutCancel(ctx), rb); err != nil {
		return fmt.Errorf("rollback pipeline: %w", err)
	}

	u, err = h.registry.Get(ctx, updateID)
	if err != nil {
		return err
	}
	u.Status = StatusRolledBack
	u.RolledBackBy = rb.UpdateID
	h.save(ctx, u)
	h.releaseTargets(u.ComponentTargets)
	return nil
}

// rollbackContent extracts the content the sibling re-applies. A
// restore_previous instruction carries the previous content; anything
// else distributes the instruction itself for subscribers to interpret.
func rollbackContent(u *LogicUpdate) json.RawMessage {
	var doc struct {
		Action  string          `json:"action"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(u.Package.RollbackInstructions, &doc); err == nil &&
		doc.Action == "restore_previous" && len(doc.Content) > 0 {
		return doc.Content
	}
	return u.Package.RollbackInstructions
}

// onPhaseTransition finalizes observing updates when their mission
// closes stable.
func (h *Hub) onPhaseTransition(ctx context.Context, ev mesh.Event) error {
	phase, _ := ev.Payload["phase"].(string)
	updateID, _ := ev.Payload["update_id"].(string)
	if phase != string(mission.PhaseStable) || updateID == "" {
		return nil
	}
	u, err := h.registry.Get(ctx, updateID)
	if err != nil {
		return nil
	}
	if u.Status != StatusObserving {
		return nil
	}
	u.Status = StatusStable
	h.save(ctx, u)
	_, auditErr := h.auditUpdate(ctx, u, "logic_update_stable", "ok", nil)
	h.releaseTargets(u.ComponentTargets)
	return auditErr
}

// Resume lifts the distribution pause after an operator has repaired or
// accepted the audit chain state.
func (h *Hub) Resume(ctx context.Context, operator string) {
	h.mu.Lock()
	wasPaused := h.paused
	h.paused = false
	ch := h.resumeCh
	h.resumeCh = nil
	h.mu.Unlock()
	if !wasPaused {
		return
	}
	if ch != nil {
		close(ch)
	}
	if _, err := h.auditLog.Append(ctx, audit.Record{
		Actor:     operator,
		Action:    "distribution_resumed",
		Subsystem: "logic_hub",
		Resource:  "distribution",
		Result:    "ok",
	}); err != nil {
		h.logger.Error("audit resume failed", "error", err)
	}
	h.logger.Info("distribution resumed", "operator", operator)
}

// Paused reports whether distribution is held.
func (h *Hub) Paused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paused
}

func (h *Hub) pauseDistribution(ctx context.Context, report *audit.IntegrityReport) {
	h.mu.Lock()
	if h.paused {
		h.mu.Unlock()
		return
	}
	h.paused = true
	h.resumeCh = make(chan struct{})
	h.mu.Unlock()

	h.logger.Error("audit chain integrity broken, pausing distribution",
		"broken_at", report.BrokenAt, "detail", report.Detail)
	h.publish(ctx, mesh.EventHealthCritical, map[string]any{
		"reason":    "audit_chain_broken",
		"broken_at": report.BrokenAt,
	})
}

func (h *Hub) waitUntilResumed(ctx context.Context) error {
	h.mu.Lock()
	paused := h.paused
	ch := h.resumeCh
	h.mu.Unlock()
	if !paused {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrDistributionPaused, ctx.Err())
	}
}

// Get returns an update from the registry.
func (h *Hub) Get(ctx context.Context, id string) (*LogicUpdate, error) {
	return h.registry.Get(ctx, id)
}

// List returns recent updates.
func (h *Hub) List(ctx context.Context, limit int) ([]*LogicUpdate, error) {
	return h.registry.List(ctx, limit)
}

// Stats summarizes the registry.
func (h *Hub) Stats(ctx context.Context) (*Stats, error) {
	updates, err := h.registry.List(ctx, 0)
	if err != nil {
		return nil, err
	}
	s := &Stats{ByStatus: make(map[Status]int)}
	terminal := 0
	stable := 0
	rolledBack := 0
	for _, u := range updates {
		s.Total++
		s.ByStatus[u.Status]++
		if u.Status.Terminal() {
			terminal++
			if u.Status == StatusStable {
				stable++
			}
			if u.Status == StatusRolledBack {
				rolledBack++
			}
		} else {
			s.Active++
		}
	}
	if terminal > 0 {
		s.StableRate = float64(stable) / float64(terminal)
	}
	if s.Total > 0 {
		s.RollbackRate = float64(rolledBack) / float64(s.Total)
	}
	return s, nil
}

// acquireTargets takes the per-component locks in sorted order so
// concurrent updates with overlapping targets cannot deadlock.
func (h *Hub) acquireTargets(ctx context.Context, targets []string) error {
	sorted := append([]string(nil), targets...)
	sort.Strings(sorted)
	acquired := make([]string, 0, len(sorted))
	for _, t := range sorted {
		select {
		case h.lockFor(t) <- struct{}{}:
			acquired = append(acquired, t)
		case <-ctx.Done():
			h.releaseTargets(acquired)
			return fmt.Errorf("waiting for target %s: %w", t, ctx.Err())
		}
	}
	return nil
}

func (h *Hub) releaseTargets(targets []string) {
	for _, t := range targets {
		select {
		case <-h.lockFor(t):
		default:
		}
	}
}

func (h *Hub) lockFor(target string) chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.targetLocks[target]
	if !ok {
		ch = make(chan struct{}, 1)
		h.targetLocks[target] = ch
	}
	return ch
}

func (h *Hub) save(ctx context.Context, u *LogicUpdate) {
	u.UpdatedAt = time.Now().UTC()
	if err := h.registry.Save(context.WithoutCancel(ctx), u); err != nil {
		h.logger.Error("registry save failed", "update_id", u.UpdateID, "error", err)
	}
}

func (h *Hub) fail(ctx context.Context, u *LogicUpdate, stage, detail string) {
	u.Status = StatusFailed
	u.Diagnostics = append(u.Diagnostics, fmt.Sprintf("%s: %s", stage, detail))
	h.save(ctx, u)
	h.auditUpdate(ctx, u, "logic_update_failed", "failed", map[string]any{
		"stage":  stage,
		"detail": detail,
	})
}

// auditUpdate appends one pipeline entry. A write failure is fatal to
// the stage that required the entry; callers on already-failing paths
// may discard the error, which is logged here either way.
func (h *Hub) auditUpdate(ctx context.Context, u *LogicUpdate, action, result string, payload map[string]any) (*audit.Entry, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["update_id"] = u.UpdateID
	entry, err := h.auditLog.Append(context.WithoutCancel(ctx), audit.Record{
		Actor:     u.CreatedBy,
		Action:    action,
		Subsystem: "logic_hub",
		Resource:  u.UpdateID,
		Payload:   payload,
		Result:    result,
	})
	if err != nil {
		h.logger.Error("audit append failed", "action", action, "error", err)
		return nil, fmt.Errorf("audit %s: %w", action, err)
	}
	u.AuditRefs = append(u.AuditRefs, entry.EntryID)
	return entry, nil
}

func (h *Hub) publish(ctx context.Context, eventType string, payload map[string]any) {
	if h.bus == nil {
		return
	}
	_ = h.bus.Publish(context.WithoutCancel(ctx), mesh.Event{
		EventType: eventType,
		Source:    "logic_hub",
		Payload:   payload,
	})
}

func (u *LogicUpdate) recordStage(stage string, status Status, started time.Time, attempts int, detail string) {
	u.Stages = append(u.Stages, StageRecord{
		Stage:      stage,
		Status:     status,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
		Attempts:   attempts,
		Detail:     detail,
	})
}
