package api

import (
	"net/http"

	"github.com/grace-platform/grace/pkg/hub"
)

// handleSubmitUpdate accepts a logic update proposal. The pipeline runs
// asynchronously; the response confirms ingestion only.
func (s *Server) handleSubmitUpdate(w http.ResponseWriter, r *http.Request) {
	var sub hub.Submission
	if !decodeJSON(w, r, &sub) {
		return
	}
	s.submitUpdate(w, r, sub)
}

// handleSubmitTypedUpdate is the per-type submit route. The path segment
// fixes the update type; "generic" defers to the body's update_type.
func (s *Server) handleSubmitTypedUpdate(w http.ResponseWriter, r *http.Request) {
	seg := r.PathValue("type")
	updateType, ok := pathUpdateType(seg)
	if !ok {
		WriteBadRequest(w, r, "unknown update type "+seg)
		return
	}
	var sub hub.Submission
	if !decodeJSON(w, r, &sub) {
		return
	}
	if updateType != "" {
		sub.UpdateType = updateType
	}
	s.submitUpdate(w, r, sub)
}

func pathUpdateType(seg string) (hub.UpdateType, bool) {
	switch seg {
	case "generic":
		return "", true
	case "schema", "playbook", "config":
		return hub.UpdateType(seg), true
	case "code-module":
		return hub.TypeCodeModule, true
	case "metric-definition":
		return hub.TypeMetricDefinition, true
	case "component-handshake":
		return hub.TypeComponentHandshake, true
	}
	return "", false
}

func (s *Server) submitUpdate(w http.ResponseWriter, r *http.Request, sub hub.Submission) {
	u, err := s.hub.Submit(r.Context(), sub)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"update_id": u.UpdateID,
		"status":    "submitted",
	})
}

func (s *Server) handleGetUpdate(w http.ResponseWriter, r *http.Request) {
	u, err := s.hub.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleListUpdates(w http.ResponseWriter, r *http.Request) {
	updates, err := s.hub.List(r.Context(), queryLimit(r, 50))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"updates": updates,
		"count":   len(updates),
	})
}

func (s *Server) handleHubStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.hub.Stats(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TriggeredBy string `json:"triggered_by"`
		Reason      string `json:"reason"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.TriggeredBy == "" {
		WriteBadRequest(w, r, "triggered_by is required")
		return
	}
	id := r.PathValue("id")
	if err := s.hub.Rollback(r.Context(), id, body.TriggeredBy, body.Reason); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"update_id": id,
		"status":    "rollback_initiated",
	})
}

// handleReview resolves a parked update awaiting human review.
func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Operator string `json:"operator"`
		Approve  bool   `json:"approve"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Operator == "" {
		WriteBadRequest(w, r, "operator is required")
		return
	}
	id := r.PathValue("id")
	if err := s.hub.ResolveReview(r.Context(), id, body.Operator, body.Approve); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"update_id": id,
		"approved":  body.Approve,
	})
}

// handleResume lifts the distribution pause installed after an audit
// chain break.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Operator string `json:"operator"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Operator == "" {
		WriteBadRequest(w, r, "operator is required")
		return
	}
	s.hub.Resume(r.Context(), body.Operator)
	writeJSON(w, http.StatusOK, map[string]any{"paused": s.hub.Paused()})
}
