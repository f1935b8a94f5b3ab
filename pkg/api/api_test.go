package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grace-platform/grace/pkg/api"
	"github.com/grace-platform/grace/pkg/audit"
	"github.com/grace-platform/grace/pkg/capa"
	"github.com/grace-platform/grace/pkg/crypto"
	"github.com/grace-platform/grace/pkg/governance"
	"github.com/grace-platform/grace/pkg/hub"
	"github.com/grace-platform/grace/pkg/manifest"
	"github.com/grace-platform/grace/pkg/memory"
	"github.com/grace-platform/grace/pkg/mesh"
	"github.com/grace-platform/grace/pkg/mission"
	"github.com/grace-platform/grace/pkg/ports"
)

type fixture struct {
	server   *httptest.Server
	bus      *mesh.Bus
	ports    *ports.Manager
	missions *mission.Loop
}

func testEngine(t *testing.T) *governance.Engine {
	t.Helper()
	engine, err := governance.NewEngine([]governance.Policy{
		{
			Name:          "memory.deny_restricted",
			ActionPattern: "*_memory",
			Decision:      governance.DecisionDeny,
			Conditions:    []string{`context.domain == "restricted"`},
			Priority:      100,
		},
		{
			Name:          "memory.allow",
			ActionPattern: "*_memory",
			Decision:      governance.DecisionAllow,
			Priority:      10,
		},
		{
			Name:          "hub.allow",
			ActionPattern: "apply_update",
			Decision:      governance.DecisionAllow,
			Priority:      10,
		},
	}, nil)
	require.NoError(t, err)
	return engine
}

func newFixture(t *testing.T, rateRPS float64) *fixture {
	t.Helper()
	signer, err := crypto.NewEd25519Signer("api_test_key")
	require.NoError(t, err)

	log := audit.NewMemoryLog(signer)
	bus := mesh.NewBus(mesh.Options{})
	t.Cleanup(bus.Close)
	engine := testEngine(t)

	sink := capa.NewMemorySink(log)
	loop := mission.NewLoop(bus, sink, mission.Options{})

	minInterval, maxInterval := 1.0, 3600.0
	h, err := hub.New(hub.Options{
		Registry: hub.NewMemoryRegistry(),
		Engine:   engine,
		Signer:   signer,
		AuditLog: log,
		Bus:      bus,
		Missions: loop,
		Validators: &hub.Validators{
			ConfigWhitelist: map[string]hub.ConfigRule{
				"aggregation_interval": {Min: &minInterval, Max: &maxInterval},
			},
		},
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.Run(ctx)
	t.Cleanup(h.Stop)

	gateway := memory.NewGateway(engine, signer, log, bus, nil, memory.NewSemanticBackend())

	pm, err := ports.NewManager(ports.Options{
		RangeStart: 8000,
		RangeEnd:   8005,
		Probe:      func(int) bool { return true },
	})
	require.NoError(t, err)
	watchdog := ports.NewWatchdog(pm, bus, ports.WatchdogOptions{
		PIDAlive: func(int) bool { return false },
	})

	reg := manifest.New(bus, nil)

	srv := api.NewServer(api.Options{
		Hub:      h,
		Memory:   gateway,
		Bus:      bus,
		Manifest: reg,
		Ports:    pm,
		Watchdog: watchdog,
		Missions: loop,
		CAPA:     sink,
		Audit:    log,
		RateRPS:  rateRPS,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{server: ts, bus: bus, ports: pm, missions: loop}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestSubmitAndTrackUpdate(t *testing.T) {
	f := newFixture(t, 0)

	resp := postJSON(t, f.server.URL+"/logic-hub/updates", map[string]any{
		"update_type":       "config",
		"component_targets": []string{"metrics_collector"},
		"content":           map[string]any{"aggregation_interval": 60},
		"created_by":        "ops_team",
		"risk_level":        "low",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var submitted struct {
		UpdateID string `json:"update_id"`
		Status   string `json:"status"`
	}
	decode(t, resp, &submitted)
	assert.Equal(t, "submitted", submitted.Status)
	require.NotEmpty(t, submitted.UpdateID)

	// The pipeline is asynchronous; poll until the update reaches
	// observation.
	deadline := time.Now().Add(2 * time.Second)
	var current hub.LogicUpdate
	for {
		getResp, err := http.Get(f.server.URL + "/logic-hub/updates/" + submitted.UpdateID)
		require.NoError(t, err)
		decode(t, getResp, &current)
		if current.Status == hub.StatusObserving || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, hub.StatusObserving, current.Status)
	assert.NotEmpty(t, current.Package.Checksum)
	assert.NotEmpty(t, current.AuditRefs)

	statsResp, err := http.Get(f.server.URL + "/logic-hub/stats")
	require.NoError(t, err)
	var stats hub.Stats
	decode(t, statsResp, &stats)
	assert.Equal(t, 1, stats.Total)
}

func TestProblemDetailShape(t *testing.T) {
	f := newFixture(t, 0)

	resp, err := http.Get(f.server.URL + "/logic-hub/updates/upd_missing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))

	var problem api.ProblemDetail
	decode(t, resp, &problem)
	assert.Equal(t, "https://grace-platform.dev/errors/404", problem.Type)
	assert.Equal(t, api.KindNotFound, problem.Kind)
	assert.Equal(t, "/logic-hub/updates/upd_missing", problem.Instance)
	assert.NotEmpty(t, problem.TraceID)
}

func TestMemoryStoreFetchVerify(t *testing.T) {
	f := newFixture(t, 0)

	storeResp := postJSON(t, f.server.URL+"/memory/store", map[string]any{
		"key":     "greeting",
		"domain":  "knowledge",
		"user":    "user_1",
		"content": map[string]any{"text": "hello grace"},
	})
	require.Equal(t, http.StatusCreated, storeResp.StatusCode)
	var stored memory.StoreResult
	decode(t, storeResp, &stored)
	assert.NotEmpty(t, stored.Signature)
	assert.NotEmpty(t, stored.CryptoID)

	fetchResp := postJSON(t, f.server.URL+"/memory/fetch", map[string]any{
		"domain": "knowledge",
		"user":   "user_1",
		"query":  "hello",
	})
	require.Equal(t, http.StatusOK, fetchResp.StatusCode)
	var fetched memory.FetchResult
	decode(t, fetchResp, &fetched)
	require.Len(t, fetched.Data, 1)
	assert.True(t, fetched.Data[0].SignatureValid)
	assert.True(t, fetched.GovernanceApproved)

	verifyResp := postJSON(t, f.server.URL+"/memory/verify-fetch", map[string]any{
		"session_id": fetched.FetchSessionID,
		"signature":  fetched.Signature,
	})
	var verdict memory.FetchVerification
	decode(t, verifyResp, &verdict)
	assert.True(t, verdict.Valid)
	assert.True(t, verdict.AuditTrailFound)

	tamperedResp := postJSON(t, f.server.URL+"/memory/verify-fetch", map[string]any{
		"session_id": fetched.FetchSessionID,
		"signature":  "forged",
	})
	decode(t, tamperedResp, &verdict)
	assert.False(t, verdict.Valid)
	assert.True(t, verdict.AuditTrailFound)

	trailResp, err := http.Get(f.server.URL + "/memory/audit-trail/" + fetched.FetchSessionID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, trailResp.StatusCode)
	var trail struct {
		Count int `json:"count"`
	}
	decode(t, trailResp, &trail)
	assert.Equal(t, 1, trail.Count)

	missingResp, err := http.Get(f.server.URL + "/memory/audit-trail/fetch_missing")
	require.NoError(t, err)
	missingResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, missingResp.StatusCode)
}

func TestFetchDeniedCarriesGovernanceKind(t *testing.T) {
	f := newFixture(t, 0)

	resp := postJSON(t, f.server.URL+"/memory/fetch", map[string]any{
		"domain": "restricted",
		"user":   "user_1",
		"query":  "secrets",
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	var problem api.ProblemDetail
	decode(t, resp, &problem)
	assert.Equal(t, api.KindGovernanceDenied, problem.Kind)
	assert.NotEmpty(t, problem.Detail)
}

func TestRateLimiterRejectsBurst(t *testing.T) {
	f := newFixture(t, 1)

	first, err := http.Get(f.server.URL + "/healthz")
	require.NoError(t, err)
	first.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode)

	var limited *http.Response
	for i := 0; i < 5; i++ {
		resp, err := http.Get(f.server.URL + "/healthz")
		require.NoError(t, err)
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = resp
			break
		}
		resp.Body.Close()
	}
	require.NotNil(t, limited, "expected a 429 within the burst")
	assert.Equal(t, "1", limited.Header.Get("Retry-After"))
	var problem api.ProblemDetail
	decode(t, limited, &problem)
	assert.Equal(t, api.KindRateLimited, problem.Kind)
}

func TestPortEndpointsAndWatchdogSweep(t *testing.T) {
	f := newFixture(t, 0)

	port, err := f.ports.Allocate("stale_service", "ops", "test", 99999)
	require.NoError(t, err)

	listResp, err := http.Get(f.server.URL + "/ports/allocations")
	require.NoError(t, err)
	var listing struct {
		Count int `json:"count"`
	}
	decode(t, listResp, &listing)
	assert.Equal(t, 1, listing.Count)

	// The fixture watchdog sees every PID as dead, so one sweep
	// reclaims the port.
	sweepResp := postJSON(t, f.server.URL+"/ports/health-check", map[string]any{})
	var sweep struct {
		ReleasedPorts []int `json:"released_ports"`
	}
	decode(t, sweepResp, &sweep)
	assert.Equal(t, []int{port}, sweep.ReleasedPorts)

	statusResp, err := http.Get(f.server.URL + "/ports/status")
	require.NoError(t, err)
	var snap ports.Snapshot
	decode(t, statusResp, &snap)
	assert.Equal(t, 0, snap.Allocated)
}

func TestClarityAndAuditEndpoints(t *testing.T) {
	f := newFixture(t, 0)

	storeResp := postJSON(t, f.server.URL+"/memory/store", map[string]any{
		"key":     "k1",
		"domain":  "knowledge",
		"user":    "user_1",
		"content": map[string]any{"v": 1},
	})
	require.Equal(t, http.StatusCreated, storeResp.StatusCode)
	storeResp.Body.Close()

	eventsResp, err := http.Get(f.server.URL + "/clarity/events?type=" + mesh.EventMemoryStored)
	require.NoError(t, err)
	var events struct {
		Count int `json:"count"`
	}
	decode(t, eventsResp, &events)
	assert.GreaterOrEqual(t, events.Count, 1)

	integrityResp, err := http.Get(f.server.URL + "/audit/integrity")
	require.NoError(t, err)
	var report audit.IntegrityReport
	decode(t, integrityResp, &report)
	assert.True(t, report.Valid)
	assert.Greater(t, report.Entries, 0)

	entriesResp, err := http.Get(fmt.Sprintf("%s/audit/entries?subsystem=memory&limit=10", f.server.URL))
	require.NoError(t, err)
	var entries struct {
		Count int `json:"count"`
	}
	decode(t, entriesResp, &entries)
	assert.GreaterOrEqual(t, entries.Count, 1)

	exportResp, err := http.Get(f.server.URL + "/audit/export?subsystem=memory")
	require.NoError(t, err)
	var bundle audit.EvidenceBundle
	decode(t, exportResp, &bundle)
	require.NotEmpty(t, bundle.Entries)
	assert.NoError(t, audit.VerifyBundle(&bundle))
}

func TestCAPAEndpoints(t *testing.T) {
	f := newFixture(t, 0)

	// Drive a regression through an unattributed path first: with no
	// missions the attribution comes back negative.
	regResp := postJSON(t, f.server.URL+"/missions/regression", map[string]any{
		"components": []string{"metrics_collector"},
		"metrics":    []string{"error_rate"},
	})
	require.Equal(t, http.StatusOK, regResp.StatusCode)
	var attribution mission.Attribution
	decode(t, regResp, &attribution)
	assert.False(t, attribution.Attributed)

	listResp, err := http.Get(f.server.URL + "/capa")
	require.NoError(t, err)
	var listing struct {
		Count int `json:"count"`
	}
	decode(t, listResp, &listing)
	assert.Equal(t, 0, listing.Count)
}

func TestTypedSubmitRoutes(t *testing.T) {
	f := newFixture(t, 0)

	// The typed route fixes update_type from the path.
	resp := postJSON(t, f.server.URL+"/logic-hub/updates/config", map[string]any{
		"component_targets": []string{"metrics_collector"},
		"risk_level":        "low",
		"content":           map[string]any{"aggregation_interval": 60},
		"created_by":        "ops_team",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var submitted struct {
		UpdateID string `json:"update_id"`
		Status   string `json:"status"`
	}
	decode(t, resp, &submitted)
	assert.Equal(t, "submitted", submitted.Status)
	require.NotEmpty(t, submitted.UpdateID)

	deadline := time.Now().Add(2 * time.Second)
	var current hub.LogicUpdate
	for {
		getResp, err := http.Get(f.server.URL + "/logic-hub/updates/" + submitted.UpdateID)
		require.NoError(t, err)
		decode(t, getResp, &current)
		if current.Status == hub.StatusObserving || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, hub.StatusObserving, current.Status)
	assert.Equal(t, hub.TypeConfig, current.UpdateType)

	// The documented mission filter is "status".
	observing, err := http.Get(f.server.URL + "/missions?status=observing")
	require.NoError(t, err)
	var listing struct {
		Count int `json:"count"`
	}
	decode(t, observing, &listing)
	assert.Equal(t, 1, listing.Count)

	stable, err := http.Get(f.server.URL + "/missions?status=stable")
	require.NoError(t, err)
	decode(t, stable, &listing)
	assert.Equal(t, 0, listing.Count)

	bad := postJSON(t, f.server.URL+"/logic-hub/updates/firmware", map[string]any{
		"component_targets": []string{"metrics_collector"},
		"content":           map[string]any{},
	})
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestFetchBindsUserField(t *testing.T) {
	f := newFixture(t, 0)

	resp := postJSON(t, f.server.URL+"/memory/fetch", map[string]any{
		"user":   "alice",
		"domain": "knowledge",
		"query":  "meeting notes",
		"limit":  5,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fetched memory.FetchResult
	decode(t, resp, &fetched)
	assert.True(t, fetched.GovernanceApproved)

	entriesResp, err := http.Get(f.server.URL + "/audit/entries?action=memory_fetch_gateway")
	require.NoError(t, err)
	var entries struct {
		Entries []audit.Entry `json:"entries"`
	}
	decode(t, entriesResp, &entries)
	require.NotEmpty(t, entries.Entries)
	assert.Equal(t, "alice", entries.Entries[len(entries.Entries)-1].Actor)
}

func TestCAPACreateEndpoint(t *testing.T) {
	f := newFixture(t, 0)

	resp := postJSON(t, f.server.URL+"/capa/create", map[string]any{
		"source_update_id": "upd_manual",
		"classification":   "corrective",
		"root_cause_tags":  []string{"regression"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var rec capa.Record
	decode(t, resp, &rec)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, capa.StateOpen, rec.State)

	listResp, err := http.Get(f.server.URL + "/capa")
	require.NoError(t, err)
	var listing struct {
		Count int `json:"count"`
	}
	decode(t, listResp, &listing)
	assert.Equal(t, 1, listing.Count)

	empty := postJSON(t, f.server.URL+"/capa/create", map[string]any{})
	defer empty.Body.Close()
	assert.Equal(t, http.StatusBadRequest, empty.StatusCode)
}
