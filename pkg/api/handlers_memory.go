package api

import (
	"net/http"

	"github.com/grace-platform/grace/pkg/memory"
)

func (s *Server) handleMemoryStore(w http.ResponseWriter, r *http.Request) {
	var req memory.StoreRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Key == "" || req.Domain == "" {
		WriteBadRequest(w, r, "key and domain are required")
		return
	}
	res, err := s.memory.Store(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleMemoryFetch(w http.ResponseWriter, r *http.Request) {
	var req memory.FetchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Domain == "" {
		WriteBadRequest(w, r, "domain is required")
		return
	}
	res, err := s.memory.Fetch(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleMemoryVerify checks that a previously issued fetch signature
// matches its recorded session binding and that the session's audit
// entry exists.
func (s *Server) handleMemoryVerify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"session_id"`
		Signature string `json:"signature"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.SessionID == "" || body.Signature == "" {
		WriteBadRequest(w, r, "session_id and signature are required")
		return
	}
	verification, err := s.memory.VerifyFetch(r.Context(), body.SessionID, body.Signature)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, verification)
}

// handleSessionAuditTrail scopes the trail to one store or fetch
// session.
func (s *Server) handleSessionAuditTrail(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	entries, err := s.memory.SessionAuditTrail(r.Context(), sessionID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if len(entries) == 0 {
		WriteNotFound(w, r, "no audit entries for session "+sessionID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"entries":    entries,
		"count":      len(entries),
	})
}

func (s *Server) handleMemoryAuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := s.memory.AuditTrail(r.Context(), queryLimit(r, 100))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}
