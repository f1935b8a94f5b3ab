package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/grace-platform/grace/pkg/audit"
	"github.com/grace-platform/grace/pkg/capa"
	"github.com/grace-platform/grace/pkg/handshake"
	"github.com/grace-platform/grace/pkg/hub"
	"github.com/grace-platform/grace/pkg/manifest"
	"github.com/grace-platform/grace/pkg/memory"
	"github.com/grace-platform/grace/pkg/mesh"
	"github.com/grace-platform/grace/pkg/mission"
	"github.com/grace-platform/grace/pkg/observability"
	"github.com/grace-platform/grace/pkg/ports"
)

// Server exposes the control plane over HTTP.
type Server struct {
	hub       *hub.Hub
	memory    *memory.Gateway
	bus       *mesh.Bus
	registry  *manifest.Manifest
	ports     *ports.Manager
	watchdog  *ports.Watchdog
	missions  *mission.Loop
	capa      capa.Sink
	auditLog  audit.Log
	logger    *slog.Logger
	limiter   *RateLimiter
	telemetry *observability.Provider
}

// Options wires the server to the subsystems it fronts. Nil subsystems
// leave their endpoints returning 404.
type Options struct {
	Hub       *hub.Hub
	Memory    *memory.Gateway
	Bus       *mesh.Bus
	Manifest  *manifest.Manifest
	Ports     *ports.Manager
	Watchdog  *ports.Watchdog
	Missions  *mission.Loop
	CAPA      capa.Sink
	Audit     audit.Log
	Logger    *slog.Logger
	Telemetry *observability.Provider
	// RateRPS and RateBurst bound per-IP request rates; zero disables.
	RateRPS   float64
	RateBurst int
}

// NewServer creates the HTTP front for the control plane.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		hub:       opts.Hub,
		memory:    opts.Memory,
		bus:       opts.Bus,
		registry:  opts.Manifest,
		ports:     opts.Ports,
		watchdog:  opts.Watchdog,
		missions:  opts.Missions,
		capa:      opts.CAPA,
		auditLog:  opts.Audit,
		logger:    opts.Logger,
		telemetry: opts.Telemetry,
	}
	if opts.RateRPS > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = int(opts.RateRPS)
		}
		s.limiter = NewRateLimiter(opts.RateRPS, burst)
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)

	if s.hub != nil {
		mux.HandleFunc("POST /logic-hub/updates", s.handleSubmitUpdate)
		mux.HandleFunc("POST /logic-hub/updates/{type}", s.handleSubmitTypedUpdate)
		mux.HandleFunc("GET /logic-hub/updates", s.handleListUpdates)
		mux.HandleFunc("GET /logic-hub/updates/{id}", s.handleGetUpdate)
		mux.HandleFunc("POST /logic-hub/updates/{id}/rollback", s.handleRollback)
		mux.HandleFunc("POST /logic-hub/updates/{id}/review", s.handleReview)
		mux.HandleFunc("POST /logic-hub/resume", s.handleResume)
		mux.HandleFunc("GET /logic-hub/stats", s.handleHubStats)
	}
	if s.memory != nil {
		mux.HandleFunc("POST /memory/store", s.handleMemoryStore)
		mux.HandleFunc("POST /memory/fetch", s.handleMemoryFetch)
		mux.HandleFunc("POST /memory/verify-fetch", s.handleMemoryVerify)
		mux.HandleFunc("GET /memory/audit-trail", s.handleMemoryAuditTrail)
		mux.HandleFunc("GET /memory/audit-trail/{session_id}", s.handleSessionAuditTrail)
	}
	if s.registry != nil {
		mux.HandleFunc("GET /clarity/components", s.handleComponents)
		mux.HandleFunc("GET /clarity/components/{id}", s.handleComponent)
	}
	if s.bus != nil {
		mux.HandleFunc("GET /clarity/events", s.handleEvents)
		mux.HandleFunc("GET /clarity/mesh", s.handleMeshRoutes)
	}
	if s.ports != nil {
		mux.HandleFunc("GET /ports/status", s.handlePortStatus)
		mux.HandleFunc("GET /ports/allocations", s.handlePortAllocations)
	}
	if s.watchdog != nil {
		mux.HandleFunc("POST /ports/health-check", s.handlePortSweep)
	}
	if s.missions != nil {
		mux.HandleFunc("GET /missions", s.handleListMissions)
		mux.HandleFunc("GET /missions/{id}", s.handleGetMission)
		mux.HandleFunc("GET /missions/{id}/retrospective", s.handleRetrospective)
		mux.HandleFunc("POST /missions/regression", s.handleRegression)
	}
	if s.capa != nil {
		mux.HandleFunc("GET /capa", s.handleListCAPA)
		mux.HandleFunc("POST /capa/create", s.handleCreateCAPA)
		mux.HandleFunc("GET /capa/learning", s.handleLearningRecords)
		mux.HandleFunc("GET /capa/{id}", s.handleGetCAPA)
		mux.HandleFunc("POST /capa/{id}/transition", s.handleCAPATransition)
	}
	if s.auditLog != nil {
		mux.HandleFunc("GET /audit/entries", s.handleAuditEntries)
		mux.HandleFunc("GET /audit/export", s.handleAuditExport)
		mux.HandleFunc("GET /audit/integrity", s.handleAuditIntegrity)
	}

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	if s.telemetry != nil {
		h = Telemetry(s.telemetry)(h)
	}
	h = RequestLogger(s.logger)(h)
	h = RequestID(h)
	return h
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz verifies the audit chain head is reachable before
// declaring the plane ready.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.auditLog != nil {
		if _, err := s.auditLog.Query(r.Context(), audit.Filter{MaxResults: 1}); err != nil {
			WriteProblem(w, r, http.StatusServiceUnavailable, KindInternal,
				"Not Ready", "audit log unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteBadRequest(w, r, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// writeDomainError maps subsystem errors to RFC 7807 responses.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ingest     *hub.IngestionError
		govDenied  *hub.GovernanceDeniedError
		validation *hub.ValidationError
		memDenied  *memory.AccessDeniedError
		memUnavail *memory.UnavailableError
		quorum     *handshake.QuorumTimeoutError
	)
	switch {
	case errors.As(err, &ingest):
		WriteBadRequest(w, r, ingest.Reason)
	case errors.As(err, &quorum):
		WriteProblem(w, r, http.StatusGatewayTimeout, KindQuorumTimeout,
			"Quorum Timeout", quorum.Error())
	case errors.As(err, &govDenied):
		WriteGovernanceDenied(w, r, govDenied.Reason)
	case errors.As(err, &validation):
		WriteProblem(w, r, http.StatusUnprocessableEntity, KindValidationFailed,
			"Validation Failed", validation.Error())
	case errors.As(err, &memDenied):
		WriteGovernanceDenied(w, r, memDenied.Reason)
	case errors.As(err, &memUnavail):
		WriteProblem(w, r, http.StatusServiceUnavailable, KindBackendUnavailable,
			"Memory Backends Unavailable", memUnavail.Error())
	case errors.Is(err, hub.ErrUpdateNotFound),
		errors.Is(err, mission.ErrMissionNotFound),
		errors.Is(err, capa.ErrRecordNotFound),
		errors.Is(err, memory.ErrNotFound),
		errors.Is(err, audit.ErrNoEntries):
		WriteNotFound(w, r, err.Error())
	case errors.Is(err, capa.ErrIllegalTransition):
		WriteProblem(w, r, http.StatusConflict, KindBadRequest,
			"Illegal Transition", err.Error())
	case errors.Is(err, ports.ErrNoPortAvailable):
		WriteProblem(w, r, http.StatusServiceUnavailable, KindNoPortAvailable,
			"No Port Available", err.Error())
	case errors.Is(err, hub.ErrDistributionPaused):
		WriteProblem(w, r, http.StatusConflict, KindInternal,
			"Distribution Paused", err.Error())
	default:
		WriteInternal(w, r, err)
	}
}
