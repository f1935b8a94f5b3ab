package governance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Engine evaluates policies in priority order. At the highest priority
// level with any match, deny beats review beats allow. A required action
// with no matching policy defaults to review (safe escalation), never a
// silent allow.
type Engine struct {
	mu        sync.RWMutex
	policies  []Policy
	evaluator *CELEvaluator
	logger    *slog.Logger
}

// NewEngine creates an engine with the given policy set.
func NewEngine(policies []Policy, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	eval, err := NewCELEvaluator()
	if err != nil {
		return nil, err
	}
	e := &Engine{evaluator: eval, logger: logger}
	if err := e.SetPolicies(policies); err != nil {
		return nil, err
	}
	return e, nil
}

// SetPolicies replaces the active policy set. The Hub calls this when a
// governance policy update distributes.
func (e *Engine) SetPolicies(policies []Policy) error {
	for _, p := range policies {
		if err := p.validate(); err != nil {
			return err
		}
		for _, cond := range p.Conditions {
			if err := e.evaluator.Compile(cond); err != nil {
				return fmt.Errorf("policy %q condition: %w", p.Name, err)
			}
		}
	}
	sorted := append([]Policy(nil), policies...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })

	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies = sorted
	return nil
}

// Policies returns the active set in evaluation order.
func (e *Engine) Policies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Policy(nil), e.policies...)
}

// Check evaluates action/actor/resource against the policy set.
// reqContext is exposed to CEL conditions as `context`, alongside `action`,
// `actor`, and `resource`.
func (e *Engine) Check(ctx context.Context, action, actor, resource string, reqContext map[string]any) (*Decision, error) {
	if err := ctx.Err(); err != nil {
		// Fail closed on cancellation.
		return &Decision{
			Decision: DecisionDeny,
			PolicyID: "system.cancelled",
			Reason:   "request context cancelled",
		}, err
	}

	input := map[string]any{
		"action":   action,
		"actor":    actor,
		"resource": resource,
		"context":  nonNil(reqContext),
	}

	e.mu.RLock()
	policies := e.policies
	e.mu.RUnlock()

	var winner *Policy
	for i := range policies {
		p := &policies[i]
		if winner != nil && p.Priority < winner.Priority {
			// Lower priority level: the decided level stands.
			break
		}
		if !matchGlob(p.ActionPattern, action) || !matchGlob(p.ResourcePattern, resource) {
			continue
		}
		matched, err := e.conditionsHold(p, input)
		if err != nil {
			// A broken condition escalates rather than silently allowing.
			e.logger.Warn("policy condition error", "policy", p.Name, "error", err)
			return &Decision{
				Decision: DecisionReview,
				PolicyID: p.Name,
				Reason:   fmt.Sprintf("condition evaluation failed: %v", err),
			}, nil
		}
		if !matched {
			continue
		}
		if winner == nil || p.Decision.severity() > winner.Decision.severity() {
			winner = p
		}
	}

	if winner == nil {
		return &Decision{
			Decision: DecisionReview,
			PolicyID: "system.default",
			Reason:   fmt.Sprintf("no policy matched action %q on %q", action, resource),
		}, nil
	}

	return &Decision{
		Decision:   winner.Decision,
		PolicyID:   winner.Name,
		Reason:     reasonFor(winner),
		Conditions: winner.Conditions,
	}, nil
}

func (e *Engine) conditionsHold(p *Policy, input map[string]any) (bool, error) {
	for _, cond := range p.Conditions {
		ok, err := e.evaluator.Evaluate(cond, input)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func reasonFor(p *Policy) string {
	if p.Description != "" {
		return p.Description
	}
	return fmt.Sprintf("policy %s matched", p.Name)
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
