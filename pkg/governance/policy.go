// Package governance evaluates data-driven policies into
// {allow, review, deny} decisions with reasons. Policies are data, not
// code; updating them is itself a Hub update.
package governance

import (
	"fmt"
	"path"
)

// DecisionKind is the policy outcome.
type DecisionKind string

const (
	DecisionAllow  DecisionKind = "allow"
	DecisionReview DecisionKind = "review"
	DecisionDeny   DecisionKind = "deny"
)

// severity orders deny > review > allow for same-priority conflicts.
func (d DecisionKind) severity() int {
	switch d {
	case DecisionDeny:
		return 2
	case DecisionReview:
		return 1
	default:
		return 0
	}
}

// Policy is one declarative governance rule. Conditions are CEL predicates
// over the request context; all listed conditions must hold for the policy
// to match.
type Policy struct {
	Name            string   `json:"name" yaml:"name"`
	ResourcePattern string   `json:"resource_pattern" yaml:"resource_pattern"`
	ActionPattern   string   `json:"action_pattern" yaml:"action_pattern"`
	Decision        DecisionKind `json:"decision" yaml:"decision"`
	Conditions      []string `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Priority        int      `json:"priority" yaml:"priority"`
	Description     string   `json:"description,omitempty" yaml:"description,omitempty"`
}

func (p Policy) validate() error {
	switch p.Decision {
	case DecisionAllow, DecisionReview, DecisionDeny:
	default:
		return fmt.Errorf("policy %q: unknown decision %q", p.Name, p.Decision)
	}
	if p.Name == "" {
		return fmt.Errorf("policy without a name")
	}
	return nil
}

// matchGlob treats patterns as path globs; empty and "*" match everything.
func matchGlob(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, value)
	return err == nil && ok
}

// Decision is the evaluated outcome returned to callers.
type Decision struct {
	Decision   DecisionKind   `json:"decision"`
	PolicyID   string         `json:"policy_id"`
	Reason     string         `json:"reason"`
	Conditions []string       `json:"conditions,omitempty"`
	Context    map[string]any `json:"-"`
}

// Allowed is a convenience accessor.
func (d *Decision) Allowed() bool { return d.Decision == DecisionAllow }

// DeniedError is the typed error surfaced when governance refuses an
// action. It carries the policy id and reason and is audited by callers.
type DeniedError struct {
	Action   string
	PolicyID string
	Reason   string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("governance denied %s: %s (policy %s)", e.Action, e.Reason, e.PolicyID)
}
