package api

import (
	"net/http"
	"time"

	"github.com/grace-platform/grace/pkg/capa"
	"github.com/grace-platform/grace/pkg/mission"
)

func (s *Server) handleListMissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	// The documented filter is "status"; "phase" is accepted as an alias.
	phase := q.Get("status")
	if phase == "" {
		phase = q.Get("phase")
	}
	missions := s.missions.List(mission.Filter{
		Kind:    mission.Kind(q.Get("type")),
		Phase:   mission.Phase(phase),
		Verdict: mission.Verdict(q.Get("verdict")),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"missions": missions,
		"count":    len(missions),
	})
}

func (s *Server) handleGetMission(w http.ResponseWriter, r *http.Request) {
	m, err := s.missions.Get(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleRetrospective(w http.ResponseWriter, r *http.Request) {
	m, err := s.missions.Get(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if m.Retrospective == nil {
		WriteNotFound(w, r, "mission has no retrospective yet")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mission_id":    m.ID,
		"verdict":       m.Verdict,
		"score":         m.StabilityScore,
		"retrospective": m.Retrospective,
	})
}

// handleRegression correlates an externally detected regression against
// recent missions and, when attributed, drives the rollback path.
func (s *Server) handleRegression(w http.ResponseWriter, r *http.Request) {
	var body struct {
		mission.Regression
		Lookback string `json:"lookback,omitempty"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if len(body.Components) == 0 && len(body.Metrics) == 0 {
		WriteBadRequest(w, r, "at least one affected component or metric is required")
		return
	}
	lookback := 24 * time.Hour
	if body.Lookback != "" {
		d, err := time.ParseDuration(body.Lookback)
		if err != nil || d <= 0 {
			WriteBadRequest(w, r, "lookback must be a positive duration")
			return
		}
		lookback = d
	}
	if body.DetectedAt.IsZero() {
		body.DetectedAt = time.Now().UTC()
	}
	attribution := s.missions.ReportRegression(r.Context(), body.Regression, lookback)
	writeJSON(w, http.StatusOK, attribution)
}

func (s *Server) handleListCAPA(w http.ResponseWriter, r *http.Request) {
	records, err := s.capa.List(r.Context(), queryLimit(r, 50))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
	})
}

// handleCreateCAPA opens a record directly, for issues found outside
// the mission loop.
func (s *Server) handleCreateCAPA(w http.ResponseWriter, r *http.Request) {
	var rec capa.Record
	if !decodeJSON(w, r, &rec) {
		return
	}
	if rec.SourceMissionID == "" && rec.SourceUpdateID == "" && len(rec.RootCauseTags) == 0 {
		WriteBadRequest(w, r, "a source mission, source update, or root cause tag is required")
		return
	}
	created, err := s.capa.Open(r.Context(), rec)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetCAPA(w http.ResponseWriter, r *http.Request) {
	rec, err := s.capa.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCAPATransition(w http.ResponseWriter, r *http.Request) {
	var body struct {
		To string `json:"to"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.To == "" {
		WriteBadRequest(w, r, "target state is required")
		return
	}
	rec, err := s.capa.Transition(r.Context(), r.PathValue("id"), capa.State(body.To))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleLearningRecords(w http.ResponseWriter, r *http.Request) {
	records, err := s.capa.LearningRecords(r.Context(), queryLimit(r, 50))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
	})
}
