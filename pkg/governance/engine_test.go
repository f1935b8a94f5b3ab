package governance_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grace-platform/grace/pkg/governance"
)

func newEngine(t *testing.T, policies []governance.Policy) *governance.Engine {
	t.Helper()
	e, err := governance.NewEngine(policies, nil)
	require.NoError(t, err)
	return e
}

func TestCheck_NoPolicyDefaultsToReview(t *testing.T) {
	e := newEngine(t, nil)

	d, err := e.Check(context.Background(), "apply_update", "alice", "hub/updates", nil)
	require.NoError(t, err)
	assert.Equal(t, governance.DecisionReview, d.Decision)
	assert.Equal(t, "system.default", d.PolicyID)
	assert.NotEmpty(t, d.Reason)
}

func TestCheck_DenyBeatsReviewBeatsAllowAtSamePriority(t *testing.T) {
	e := newEngine(t, []governance.Policy{
		{Name: "allow-all", ActionPattern: "*", ResourcePattern: "*", Decision: governance.DecisionAllow, Priority: 10},
		{Name: "review-writes", ActionPattern: "store_memory", ResourcePattern: "*", Decision: governance.DecisionReview, Priority: 10},
		{Name: "deny-secrets", ActionPattern: "store_memory", ResourcePattern: "secrets", Decision: governance.DecisionDeny, Priority: 10},
	})

	d, err := e.Check(context.Background(), "store_memory", "bob", "secrets", nil)
	require.NoError(t, err)
	assert.Equal(t, governance.DecisionDeny, d.Decision)
	assert.Equal(t, "deny-secrets", d.PolicyID)

	d, err = e.Check(context.Background(), "store_memory", "bob", "knowledge", nil)
	require.NoError(t, err)
	assert.Equal(t, governance.DecisionReview, d.Decision)

	d, err = e.Check(context.Background(), "fetch_memory", "bob", "knowledge", nil)
	require.NoError(t, err)
	assert.Equal(t, governance.DecisionAllow, d.Decision)
}

func TestCheck_HigherPriorityWins(t *testing.T) {
	e := newEngine(t, []governance.Policy{
		{Name: "deny-low", ActionPattern: "*", ResourcePattern: "*", Decision: governance.DecisionDeny, Priority: 1},
		{Name: "allow-high", ActionPattern: "fetch_memory", ResourcePattern: "*", Decision: governance.DecisionAllow, Priority: 100},
	})

	d, err := e.Check(context.Background(), "fetch_memory", "alice", "knowledge", nil)
	require.NoError(t, err)
	assert.Equal(t, governance.DecisionAllow, d.Decision)
	assert.Equal(t, "allow-high", d.PolicyID)
}

func TestCheck_CELConditions(t *testing.T) {
	e := newEngine(t, []governance.Policy{
		{
			Name:            "alice-reads-knowledge",
			ActionPattern:   "fetch_memory",
			ResourcePattern: "knowledge",
			Decision:        governance.DecisionAllow,
			Priority:        10,
			Conditions:      []string{`actor == "alice"`, `context.limit <= 10`},
		},
		{
			Name:            "deny-everyone-else",
			ActionPattern:   "fetch_memory",
			ResourcePattern: "*",
			Decision:        governance.DecisionDeny,
			Priority:        1,
			Description:     "memory reads require an explicit grant",
		},
	})

	d, err := e.Check(context.Background(), "fetch_memory", "alice", "knowledge", map[string]any{"limit": 5})
	require.NoError(t, err)
	assert.Equal(t, governance.DecisionAllow, d.Decision)

	d, err = e.Check(context.Background(), "fetch_memory", "mallory", "knowledge", map[string]any{"limit": 5})
	require.NoError(t, err)
	assert.Equal(t, governance.DecisionDeny, d.Decision)
	assert.Equal(t, "memory reads require an explicit grant", d.Reason)
}

func TestCheck_RiskLevelCondition(t *testing.T) {
	e := newEngine(t, []governance.Policy{
		{
			Name:            "auto-approve-low-risk",
			ActionPattern:   "apply_update",
			ResourcePattern: "*",
			Decision:        governance.DecisionAllow,
			Priority:        10,
			Conditions:      []string{`context.risk_level in ["low", "medium"]`},
		},
		{
			Name:            "review-high-risk",
			ActionPattern:   "apply_update",
			ResourcePattern: "*",
			Decision:        governance.DecisionReview,
			Priority:        5,
		},
	})

	d, err := e.Check(context.Background(), "apply_update", "ops", "hub", map[string]any{"risk_level": "low"})
	require.NoError(t, err)
	assert.Equal(t, governance.DecisionAllow, d.Decision)

	d, err = e.Check(context.Background(), "apply_update", "ops", "hub", map[string]any{"risk_level": "critical"})
	require.NoError(t, err)
	assert.Equal(t, governance.DecisionReview, d.Decision)
}

func TestSetPolicies_RejectsInvalid(t *testing.T) {
	e := newEngine(t, nil)
	err := e.SetPolicies([]governance.Policy{{Name: "bad", Decision: "maybe"}})
	assert.Error(t, err)

	err = e.SetPolicies([]governance.Policy{{
		Name: "broken-cel", Decision: governance.DecisionAllow,
		Conditions: []string{"this is not CEL ((("},
	}})
	assert.Error(t, err)
}

func TestCheck_CancelledContextFailsClosed(t *testing.T) {
	e := newEngine(t, []governance.Policy{
		{Name: "allow-all", ActionPattern: "*", ResourcePattern: "*", Decision: governance.DecisionAllow, Priority: 1},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d, err := e.Check(ctx, "fetch_memory", "alice", "knowledge", nil)
	assert.Error(t, err)
	assert.Equal(t, governance.DecisionDeny, d.Decision)
}
