package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grace-platform/grace/pkg/handshake"
	"github.com/grace-platform/grace/pkg/observability"
)

func TestDomainErrorMapsQuorumTimeout(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/logic-hub/updates/upd_1/rollback", nil)

	err := fmt.Errorf("rollback pipeline: %w", &handshake.QuorumTimeoutError{
		UpdateID: "upd_1",
		Missing:  []string{"governance"},
	})
	writeDomainError(rec, req, err)

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, KindQuorumTimeout, problem.Kind)
	assert.Contains(t, problem.Detail, "governance")
}

func TestTelemetryMiddlewareWrapsHandler(t *testing.T) {
	cfg := observability.DefaultConfig()
	cfg.Enabled = false
	provider, err := observability.New(context.Background(), cfg)
	require.NoError(t, err)

	var sawRequest bool
	handler := Telemetry(provider)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawRequest = true
		require.NotNil(t, r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.True(t, sawRequest)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
