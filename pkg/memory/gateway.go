package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grace-platform/grace/pkg/audit"
	"github.com/grace-platform/grace/pkg/crypto"
	"github.com/grace-platform/grace/pkg/governance"
	"github.com/grace-platform/grace/pkg/mesh"
)

// AccessDeniedError is returned when governance refuses a store or
// fetch. It never carries backend detail.
type AccessDeniedError struct {
	Action   string
	PolicyID string
	Reason   string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("memory access denied for %s: %s (policy %s)", e.Action, e.Reason, e.PolicyID)
}

// UnavailableError is returned when every routed backend failed. It is
// retriable.
type UnavailableError struct {
	Attempted []string
	Err       error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("all memory backends unavailable (%v): %v", e.Attempted, e.Err)
}
func (e *UnavailableError) Unwrap() error { return e.Err }

// StoreRequest is a signed write through the gateway.
type StoreRequest struct {
	Backend  string            `json:"backend"`
	Key      string            `json:"key"`
	Domain   string            `json:"domain"`
	UserID   string            `json:"user"`
	Content  []byte            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// StoreResult reports a completed store.
type StoreResult struct {
	Key            string `json:"key"`
	Backend        string `json:"backend"`
	CryptoID       string `json:"crypto_id"`
	Signature      string `json:"signature"`
	AuditRef       string `json:"audit_ref"`
	StoreSessionID string `json:"store_session_id"`
}

// FetchRequest is a gated read.
type FetchRequest struct {
	Domain string `json:"domain"`
	UserID string `json:"user"`
	Query  string `json:"query,omitempty"`
	Key    string `json:"key,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// FetchedItem is one enriched result.
type FetchedItem struct {
	Item
	SignatureValid bool      `json:"signature_valid"`
	FetchCryptoID  string    `json:"fetch_crypto_id"`
	FetchedAt      time.Time `json:"fetched_at"`
	FetchSessionID string    `json:"fetch_session_id"`
}

// FetchResult is the final stage of the fetch pipeline.
type FetchResult struct {
	Data               []FetchedItem `json:"data"`
	CryptoID           string        `json:"crypto_id"`
	LogicUpdateID      string        `json:"logic_update_id,omitempty"`
	Signature          string        `json:"signature"`
	AuditRef           string        `json:"audit_ref"`
	FetchSessionID     string        `json:"fetch_session_id"`
	GovernanceApproved bool          `json:"governance_approved"`
	TotalResults       int           `json:"total_results"`
	Backend            string        `json:"backend,omitempty"`
}

// sessionBinding keeps the canonical request bytes a fetch signature was
// created over, so callers can later prove the fetch was legitimate.
type sessionBinding struct {
	canonical []byte
	auditRef  string
}

const maxSessionHistory = 4096

// Gateway routes memory operations through governance, crypto, backends,
// and audit.
type Gateway struct {
	engine   *governance.Engine
	signer   crypto.Signer
	auditLog audit.Log
	bus      *mesh.Bus
	logger   *slog.Logger

	// backends in declared preference order.
	backends []Backend
	byName   map[string]Backend

	mu       sync.Mutex
	sessions map[string]sessionBinding
	sessIDs  []string
}

// NewGateway creates a gateway routing fetches over backends in the
// given preference order.
func NewGateway(engine *governance.Engine, signer crypto.Signer, auditLog audit.Log, bus *mesh.Bus, logger *slog.Logger, backends ...Backend) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]Backend, len(backends))
	for _, b := range backends {
		byName[b.Name()] = b
	}
	return &Gateway{
		engine:   engine,
		signer:   signer,
		auditLog: auditLog,
		bus:      bus,
		logger:   logger,
		backends: backends,
		byName:   byName,
		sessions: make(map[string]sessionBinding),
	}
}

// Store runs the signed write pipeline: governance, crypto identity,
// backend dispatch, audit, event.
func (g *Gateway) Store(ctx context.Context, req StoreRequest) (*StoreResult, error) {
	sessionID := "store_" + uuid.New().String()

	decision, err := g.engine.Check(ctx, "store_memory", req.UserID, req.Domain, map[string]any{
		"domain":  req.Domain,
		"user_id": req.UserID,
		"backend": req.Backend,
	})
	if err != nil {
		// Only cancellation errors here; the attempt is still audited.
		g.auditOutcome(ctx, "memory_store", req.UserID, req.Key, sessionID, "cancelled", map[string]any{
			"error": err.Error(),
		})
		return nil, fmt.Errorf("governance check: %w", err)
	}
	if !decision.Allowed() {
		g.auditOutcome(ctx, "memory_store", req.UserID, req.Key, sessionID, "denied", map[string]any{
			"policy_id": decision.PolicyID,
			"reason":    decision.Reason,
		})
		return nil, &AccessDeniedError{Action: "store_memory", PolicyID: decision.PolicyID, Reason: decision.Reason}
	}

	backend, ok := g.byName[req.Backend]
	if !ok {
		return nil, fmt.Errorf("unknown memory backend %q", req.Backend)
	}

	// Crypto identity binds user, domain, and payload digest. The
	// binding is re-derivable from the stored item, so any later fetch
	// can verify the signature without session state.
	digest := crypto.NewCanonicalHasher().HashBytes(req.Content)
	canonical, err := itemBinding(req.Key, req.Domain, req.UserID, digest)
	if err != nil {
		return nil, fmt.Errorf("bind store session: %w", err)
	}
	signature, err := g.signer.Sign(canonical)
	if err != nil {
		return nil, fmt.Errorf("sign store session: %w", err)
	}
	cryptoID := "mem_" + digest

	item := Item{
		Key:       req.Key,
		Domain:    req.Domain,
		UserID:    req.UserID,
		Content:   req.Content,
		Metadata:  req.Metadata,
		Signature: signature,
		StoredAt:  time.Now().UTC(),
	}
	if err := backend.Store(ctx, item); err != nil {
		g.auditOutcome(ctx, "memory_store", req.UserID, req.Key, sessionID, "error", map[string]any{
			"backend": req.Backend,
			"error":   err.Error(),
		})
		return nil, fmt.Errorf("backend %s store: %w", req.Backend, err)
	}

	entry, auditErr := g.auditOutcome(ctx, "memory_store", req.UserID, req.Key, sessionID, "ok", map[string]any{
		"backend":   req.Backend,
		"crypto_id": cryptoID,
		"digest":    digest,
	})
	if auditErr != nil {
		return nil, auditErr
	}
	auditRef := ""
	if entry != nil {
		auditRef = entry.EntryID
	}
	g.remember(sessionID, canonical, auditRef)

	g.publish(ctx, mesh.EventMemoryStored, map[string]any{
		"key":       req.Key,
		"domain":    req.Domain,
		"backend":   req.Backend,
		"crypto_id": cryptoID,
	})

	return &StoreResult{
		Key:            req.Key,
		Backend:        req.Backend,
		CryptoID:       cryptoID,
		Signature:      signature,
		AuditRef:       auditRef,
		StoreSessionID: sessionID,
	}, nil
}

// Fetch runs the seven mandatory stages: authenticate, governance,
// crypto sign, route, enrich, audit, return.
func (g *Gateway) Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	// Stage 1: authenticate.
	sessionID := "fetch_" + uuid.New().String()

	// Stage 2: governance.
	decision, err := g.engine.Check(ctx, "fetch_memory", req.UserID, req.Domain, map[string]any{
		"domain":  req.Domain,
		"user_id": req.UserID,
		"query":   req.Query,
	})
	if err != nil {
		// Only cancellation errors here; the attempt is still audited.
		g.auditOutcome(ctx, "memory_fetch_gateway", req.UserID, req.Domain, sessionID, "cancelled", map[string]any{
			"error": err.Error(),
		})
		return nil, fmt.Errorf("governance check: %w", err)
	}
	if !decision.Allowed() {
		g.auditOutcome(ctx, "memory_fetch_gateway", req.UserID, req.Domain, sessionID, "denied", map[string]any{
			"policy_id": decision.PolicyID,
			"reason":    decision.Reason,
		})
		return nil, &AccessDeniedError{Action: "fetch_memory", PolicyID: decision.PolicyID, Reason: decision.Reason}
	}

	// Stage 3: crypto sign the request binding.
	binding := map[string]any{
		"session_id": sessionID,
		"user_id":    req.UserID,
		"domain":     req.Domain,
		"query":      req.Query,
	}
	canonical, err := crypto.CanonicalMarshal(binding)
	if err != nil {
		return nil, fmt.Errorf("bind fetch session: %w", err)
	}
	signature, err := g.signer.Sign(canonical)
	if err != nil {
		return nil, fmt.Errorf("sign fetch session: %w", err)
	}
	cryptoID := "fetch_" + crypto.NewCanonicalHasher().HashBytes(canonical)

	// Stage 4: route over backends in preference order.
	result, backendName, routeErr := g.route(ctx, Query{
		Domain: req.Domain,
		UserID: req.UserID,
		Text:   req.Query,
		Key:    req.Key,
		Limit:  req.Limit,
	})
	if routeErr != nil {
		outcome := "error"
		if errors.Is(routeErr, context.Canceled) || errors.Is(routeErr, context.DeadlineExceeded) {
			outcome = "cancelled"
		}
		g.auditOutcome(ctx, "memory_fetch_gateway", req.UserID, req.Domain, sessionID, outcome, map[string]any{
			"error": routeErr.Error(),
		})
		return nil, routeErr
	}

	// Stage 5: enrich.
	now := time.Now().UTC()
	data := make([]FetchedItem, 0, len(result.Items))
	for _, item := range result.Items {
		fi := FetchedItem{
			Item:           item,
			SignatureValid: true,
			FetchCryptoID:  cryptoID,
			FetchedAt:      now,
			FetchSessionID: sessionID,
		}
		if item.LogicUpdateID == "" {
			fi.LogicUpdateID = result.LogicUpdateID
		}
		if !g.itemSignatureValid(item) {
			// Returned anyway; the caller decides what to trust.
			fi.SignatureValid = false
			g.logger.Warn("memory item failed signature verification",
				"key", item.Key, "domain", item.Domain, "backend", backendName)
		}
		data = append(data, fi)
	}

	// Stage 6: audit and publish.
	entry, auditErr := g.auditOutcome(ctx, "memory_fetch_gateway", req.UserID, req.Domain, sessionID, "ok", map[string]any{
		"backend":       backendName,
		"crypto_id":     cryptoID,
		"total_results": len(data),
	})
	if auditErr != nil {
		return nil, auditErr
	}
	auditRef := ""
	if entry != nil {
		auditRef = entry.EntryID
	}
	g.remember(sessionID, canonical, auditRef)
	g.publish(ctx, mesh.EventMemoryFetched, map[string]any{
		"domain":        req.Domain,
		"backend":       backendName,
		"session_id":    sessionID,
		"total_results": len(data),
	})

	// Stage 7: return.
	return &FetchResult{
		Data:               data,
		CryptoID:           cryptoID,
		LogicUpdateID:      result.LogicUpdateID,
		Signature:          signature,
		AuditRef:           auditRef,
		FetchSessionID:     sessionID,
		GovernanceApproved: true,
		TotalResults:       len(data),
		Backend:            backendName,
	}, nil
}

// route tries backends in preference order. The first backend that
// answers wins, even with zero items; backend errors fall through.
func (g *Gateway) route(ctx context.Context, q Query) (*Result, string, error) {
	if len(g.backends) == 0 {
		return nil, "", &UnavailableError{Err: ErrBackendUnavailable}
	}
	attempted := make([]string, 0, len(g.backends))
	var lastErr error
	for _, b := range g.backends {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		attempted = append(attempted, b.Name())
		res, err := b.Fetch(ctx, q)
		if err != nil {
			lastErr = err
			g.logger.Warn("memory backend fetch failed, trying next",
				"backend", b.Name(), "error", err)
			continue
		}
		return res, b.Name(), nil
	}
	if lastErr == nil {
		lastErr = ErrBackendUnavailable
	}
	return nil, "", &UnavailableError{Attempted: attempted, Err: lastErr}
}

// itemBinding is the canonical byte form a store signature covers.
func itemBinding(key, domain, userID, digest string) ([]byte, error) {
	return crypto.CanonicalMarshal(map[string]any{
		"key":     key,
		"domain":  domain,
		"user_id": userID,
		"digest":  digest,
	})
}

// itemSignatureValid re-derives the store binding from the item and
// checks the signature written at store time. Unsigned items are
// treated as invalid.
func (g *Gateway) itemSignatureValid(item Item) bool {
	if item.Signature == "" {
		return false
	}
	digest := crypto.NewCanonicalHasher().HashBytes(item.Content)
	canonical, err := itemBinding(item.Key, item.Domain, item.UserID, digest)
	if err != nil {
		return false
	}
	return g.signer.Verify(canonical, item.Signature) == nil
}

// FetchVerification reports both halves of a fetch integrity check: the
// signature against the recorded request binding, and the presence of
// the session's audit entry.
type FetchVerification struct {
	SessionID       string `json:"session_id"`
	Valid           bool   `json:"valid"`
	AuditTrailFound bool   `json:"audit_trail_found"`
	Detail          string `json:"detail,omitempty"`
}

// VerifyFetch proves that a fetch session was produced by this gateway.
// An invalid session is reported, not returned as an error; the error
// path is reserved for audit lookup failures.
func (g *Gateway) VerifyFetch(ctx context.Context, sessionID, signature string) (*FetchVerification, error) {
	v := &FetchVerification{SessionID: sessionID}
	g.mu.Lock()
	s, ok := g.sessions[sessionID]
	g.mu.Unlock()
	if !ok {
		v.Detail = fmt.Sprintf("unknown fetch session %s", sessionID)
		return v, nil
	}

	auditChecked := false
	if g.auditLog != nil && s.auditRef != "" {
		auditChecked = true
		entries, err := g.auditLog.Query(ctx, audit.Filter{Subsystem: "memory"})
		if err != nil {
			return nil, fmt.Errorf("audit lookup: %w", err)
		}
		for _, e := range entries {
			if e.EntryID == s.auditRef {
				v.AuditTrailFound = true
				break
			}
		}
	}

	if err := g.signer.Verify(s.canonical, signature); err != nil {
		v.Detail = fmt.Sprintf("fetch session %s: %v", sessionID, err)
		return v, nil
	}
	if auditChecked && !v.AuditTrailFound {
		v.Detail = fmt.Sprintf("fetch session %s has no audit entry", sessionID)
		return v, nil
	}
	v.Valid = true
	return v, nil
}

// VerifyFetchIntegrity is the error-form of VerifyFetch.
func (g *Gateway) VerifyFetchIntegrity(ctx context.Context, sessionID, signature string) error {
	v, err := g.VerifyFetch(ctx, sessionID, signature)
	if err != nil {
		return err
	}
	if !v.Valid {
		return errors.New(v.Detail)
	}
	return nil
}

// SessionAuditTrail returns the audit entries recorded for one store or
// fetch session.
func (g *Gateway) SessionAuditTrail(ctx context.Context, sessionID string) ([]*audit.Entry, error) {
	if g.auditLog == nil {
		return nil, nil
	}
	entries, err := g.auditLog.Query(ctx, audit.Filter{Subsystem: "memory"})
	if err != nil {
		return nil, err
	}
	var matched []*audit.Entry
	for _, e := range entries {
		var payload struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			continue
		}
		if payload.SessionID == sessionID {
			matched = append(matched, e)
		}
	}
	return matched, nil
}

// AuditTrail returns the memory subsystem's audit entries, newest last.
func (g *Gateway) AuditTrail(ctx context.Context, limit int) ([]*audit.Entry, error) {
	if g.auditLog == nil {
		return nil, nil
	}
	entries, err := g.auditLog.Query(ctx, audit.Filter{Subsystem: "memory"})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// auditOutcome appends one entry for the operation. A write failure is
// fatal to the originating operation, so success paths must propagate
// the returned error.
func (g *Gateway) auditOutcome(ctx context.Context, action, actor, resource, sessionID, result string, payload map[string]any) (*audit.Entry, error) {
	if g.auditLog == nil {
		return nil, nil
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["session_id"] = sessionID
	// Audit must survive caller cancellation.
	entry, err := g.auditLog.Append(context.WithoutCancel(ctx), audit.Record{
		Actor:     actor,
		Action:    action,
		Subsystem: "memory",
		Resource:  resource,
		Payload:   payload,
		Result:    result,
	})
	if err != nil {
		g.logger.Error("memory audit append failed", "action", action, "error", err)
		return nil, fmt.Errorf("audit %s: %w", action, err)
	}
	return entry, nil
}

func (g *Gateway) publish(ctx context.Context, eventType string, payload map[string]any) {
	if g.bus == nil {
		return
	}
	_ = g.bus.Publish(ctx, mesh.Event{
		EventType: eventType,
		Source:    "memory_gateway",
		Payload:   payload,
	})
}

func (g *Gateway) remember(sessionID string, canonical []byte, auditRef string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[sessionID] = sessionBinding{canonical: canonical, auditRef: auditRef}
	g.sessIDs = append(g.sessIDs, sessionID)
	for len(g.sessIDs) > maxSessionHistory {
		delete(g.sessions, g.sessIDs[0])
		g.sessIDs = g.sessIDs[1:]
	}
}
