package memory_test

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grace-platform/grace/pkg/audit"
	"github.com/grace-platform/grace/pkg/crypto"
	"github.com/grace-platform/grace/pkg/governance"
	"github.com/grace-platform/grace/pkg/memory"
	"github.com/grace-platform/grace/pkg/mesh"
)

func testPolicies(t *testing.T) *governance.Engine {
	t.Helper()
	engine, err := governance.NewEngine([]governance.Policy{
		{
			Name:          "memory.deny_restricted",
			ActionPattern: "fetch_memory",
			Decision:      governance.DecisionDeny,
			Conditions:    []string{`context.domain == "restricted"`},
			Priority:      100,
		},
		{
			Name:          "memory.allow_all",
			ActionPattern: "*_memory",
			Decision:      governance.DecisionAllow,
			Priority:      10,
		},
	}, nil)
	require.NoError(t, err)
	return engine
}

func newGateway(t *testing.T, backends ...memory.Backend) (*memory.Gateway, audit.Log, *mesh.Bus) {
	t.Helper()
	signer, err := crypto.NewEd25519Signer("memory-test")
	require.NoError(t, err)
	log := audit.NewMemoryLog(nil)
	bus := mesh.NewBus(mesh.Options{})
	t.Cleanup(bus.Close)
	if len(backends) == 0 {
		backends = []memory.Backend{memory.NewSemanticBackend()}
	}
	return memory.NewGateway(testPolicies(t), signer, log, bus, nil, backends...), log, bus
}

func TestStoreThenFetch_SignatureValid(t *testing.T) {
	g, _, _ := newGateway(t)
	ctx := context.Background()

	stored, err := g.Store(ctx, memory.StoreRequest{
		Backend: "semantic",
		Key:     "note-1",
		Domain:  "sales",
		UserID:  "user_a",
		Content: []byte(`{"text":"quarterly numbers"}`),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, stored.CryptoID)
	assert.NotEmpty(t, stored.AuditRef)

	res, err := g.Fetch(ctx, memory.FetchRequest{Domain: "sales", UserID: "user_a", Query: "quarterly"})
	require.NoError(t, err)
	assert.True(t, res.GovernanceApproved)
	assert.Equal(t, 1, res.TotalResults)
	require.Len(t, res.Data, 1)

	item := res.Data[0]
	assert.True(t, item.SignatureValid)
	assert.Equal(t, "note-1", item.Key)
	assert.Equal(t, res.FetchSessionID, item.FetchSessionID)
	assert.Equal(t, res.CryptoID, item.FetchCryptoID)
	assert.False(t, item.FetchedAt.IsZero())

	// The caller can prove the fetch later.
	require.NoError(t, g.VerifyFetchIntegrity(ctx, res.FetchSessionID, res.Signature))
	assert.Error(t, g.VerifyFetchIntegrity(ctx, res.FetchSessionID, "deadbeef"))
	assert.Error(t, g.VerifyFetchIntegrity(ctx, "fetch_unknown", res.Signature))
}

func TestFetch_GovernanceDeny(t *testing.T) {
	g, log, bus := newGateway(t)
	ctx := context.Background()

	var fetched atomic.Int64
	bus.Subscribe("probe", mesh.EventMemoryFetched, func(_ context.Context, _ mesh.Event) error {
		fetched.Add(1)
		return nil
	})

	_, err := g.Fetch(ctx, memory.FetchRequest{Domain: "restricted", UserID: "user_a"})
	var denied *memory.AccessDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "fetch_memory", denied.Action)
	assert.Equal(t, "memory.deny_restricted", denied.PolicyID)

	// Denied fetches are audited but never published.
	entries, qerr := log.Query(ctx, audit.Filter{Subsystem: "memory"})
	require.NoError(t, qerr)
	require.Len(t, entries, 1)
	assert.Equal(t, "denied", entries[0].Result)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), fetched.Load())
}

func TestFetch_RoutesPastFailedBackend(t *testing.T) {
	failing := &failingBackend{name: "redis"}
	durable := memory.NewSemanticBackend()
	g, _, _ := newGateway(t, failing, durable)
	ctx := context.Background()

	_, err := g.Store(ctx, memory.StoreRequest{
		Backend: "semantic",
		Key:     "k",
		Domain:  "ops",
		UserID:  "user_a",
		Content: []byte(`{"v":1}`),
	})
	require.NoError(t, err)

	res, err := g.Fetch(ctx, memory.FetchRequest{Domain: "ops", UserID: "user_a"})
	require.NoError(t, err)
	assert.Equal(t, "semantic", res.Backend)
	assert.Equal(t, 1, res.TotalResults)
}

func TestFetch_AllBackendsUnavailable(t *testing.T) {
	g, log, _ := newGateway(t, &failingBackend{name: "redis"}, &failingBackend{name: "sqlite"})

	_, err := g.Fetch(context.Background(), memory.FetchRequest{Domain: "ops", UserID: "user_a"})
	var unavailable *memory.UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.ErrorIs(t, err, memory.ErrBackendUnavailable)
	assert.Equal(t, []string{"redis", "sqlite"}, unavailable.Attempted)

	entries, qerr := log.Query(context.Background(), audit.Filter{Subsystem: "memory"})
	require.NoError(t, qerr)
	require.Len(t, entries, 1)
	assert.Equal(t, "error", entries[0].Result)
}

func TestFetch_TamperedItemFlaggedNotDropped(t *testing.T) {
	backend := memory.NewSemanticBackend()
	g, _, _ := newGateway(t, backend)
	ctx := context.Background()

	_, err := g.Store(ctx, memory.StoreRequest{
		Backend: "semantic",
		Key:     "k",
		Domain:  "ops",
		UserID:  "user_a",
		Content: []byte(`{"v":1}`),
	})
	require.NoError(t, err)

	// Tamper with the stored content behind the gateway's back.
	res, err := backend.Fetch(ctx, memory.Query{Key: "k"})
	require.NoError(t, err)
	tampered := res.Items[0]
	tampered.Content = []byte(`{"v":2}`)
	require.NoError(t, backend.Store(ctx, tampered))

	out, err := g.Fetch(ctx, memory.FetchRequest{Domain: "ops", UserID: "user_a"})
	require.NoError(t, err)
	require.Len(t, out.Data, 1)
	assert.False(t, out.Data[0].SignatureValid)
}

func TestFetch_CancelledIsAudited(t *testing.T) {
	g, log, _ := newGateway(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Fetch(ctx, memory.FetchRequest{Domain: "ops", UserID: "user_a"})
	require.Error(t, err)

	entries, qerr := log.Query(context.Background(), audit.Filter{Subsystem: "memory"})
	require.NoError(t, qerr)
	require.Len(t, entries, 1)
	assert.Equal(t, "cancelled", entries[0].Result)
}

func TestSQLiteBackend_RoundTrip(t *testing.T) {
	backend, err := memory.OpenSQLiteBackend(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	defer backend.Close()

	g, _, _ := newGateway(t, backend)
	ctx := context.Background()

	_, err = g.Store(ctx, memory.StoreRequest{
		Backend:  "sqlite",
		Key:      "durable-1",
		Domain:   "ops",
		UserID:   "user_a",
		Content:  []byte(`{"text":"runbook step"}`),
		Metadata: map[string]string{"source": "playbook"},
	})
	require.NoError(t, err)

	res, err := g.Fetch(ctx, memory.FetchRequest{Domain: "ops", UserID: "user_a", Query: "runbook"})
	require.NoError(t, err)
	require.Equal(t, 1, res.TotalResults)
	assert.True(t, res.Data[0].SignatureValid)
	assert.Equal(t, "playbook", res.Data[0].Metadata["source"])
}

// failingBackend always reports unavailable.
type failingBackend struct{ name string }

func (f *failingBackend) Name() string { return f.name }

func (f *failingBackend) Store(context.Context, memory.Item) error {
	return memory.ErrBackendUnavailable
}

func (f *failingBackend) Fetch(context.Context, memory.Query) (*memory.Result, error) {
	return nil, memory.ErrBackendUnavailable
}

// unwritableLog refuses every append, as a full or offline chain store
// would.
type unwritableLog struct {
	audit.Log
}

func (l *unwritableLog) Append(context.Context, audit.Record) (*audit.Entry, error) {
	return nil, &audit.WriteError{Err: assert.AnError}
}

func TestStoreAndFetch_AuditWriteFailureIsFatal(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("memory-test")
	require.NoError(t, err)
	log := &unwritableLog{Log: audit.NewMemoryLog(nil)}
	g := memory.NewGateway(testPolicies(t), signer, log, nil, nil, memory.NewSemanticBackend())
	ctx := context.Background()

	var werr *audit.WriteError
	_, err = g.Store(ctx, memory.StoreRequest{
		Backend: "semantic",
		Key:     "note-1",
		Domain:  "sales",
		UserID:  "user_a",
		Content: []byte(`{"text":"numbers"}`),
	})
	require.ErrorAs(t, err, &werr)

	_, err = g.Fetch(ctx, memory.FetchRequest{Domain: "sales", UserID: "user_a"})
	require.ErrorAs(t, err, &werr)
}

func TestVerifyFetch_ReportsAuditTrail(t *testing.T) {
	g, _, _ := newGateway(t)
	ctx := context.Background()

	_, err := g.Store(ctx, memory.StoreRequest{
		Backend: "semantic",
		Key:     "note-1",
		Domain:  "sales",
		UserID:  "user_a",
		Content: []byte(`{"text":"quarterly numbers"}`),
	})
	require.NoError(t, err)
	res, err := g.Fetch(ctx, memory.FetchRequest{Domain: "sales", UserID: "user_a", Query: "quarterly"})
	require.NoError(t, err)

	v, err := g.VerifyFetch(ctx, res.FetchSessionID, res.Signature)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.True(t, v.AuditTrailFound)

	forged, err := g.VerifyFetch(ctx, res.FetchSessionID, "deadbeef")
	require.NoError(t, err)
	assert.False(t, forged.Valid)
	assert.True(t, forged.AuditTrailFound)
	assert.NotEmpty(t, forged.Detail)

	unknown, err := g.VerifyFetch(ctx, "fetch_unknown", res.Signature)
	require.NoError(t, err)
	assert.False(t, unknown.Valid)
	assert.False(t, unknown.AuditTrailFound)
}

func TestSessionAuditTrail_ScopedToSession(t *testing.T) {
	g, _, _ := newGateway(t)
	ctx := context.Background()

	stored, err := g.Store(ctx, memory.StoreRequest{
		Backend: "semantic",
		Key:     "note-1",
		Domain:  "sales",
		UserID:  "user_a",
		Content: []byte(`{"text":"one"}`),
	})
	require.NoError(t, err)
	other, err := g.Store(ctx, memory.StoreRequest{
		Backend: "semantic",
		Key:     "note-2",
		Domain:  "sales",
		UserID:  "user_a",
		Content: []byte(`{"text":"two"}`),
	})
	require.NoError(t, err)

	entries, err := g.SessionAuditTrail(ctx, stored.StoreSessionID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "memory_store", entries[0].Action)
	assert.NotEqual(t, other.StoreSessionID, stored.StoreSessionID)

	none, err := g.SessionAuditTrail(ctx, "store_missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}
