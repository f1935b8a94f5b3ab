package api

import (
	"net/http"

	"github.com/grace-platform/grace/pkg/audit"
	"github.com/grace-platform/grace/pkg/manifest"
	"github.com/grace-platform/grace/pkg/mesh"
)

// Clarity endpoints give operators a live view of the plane: registered
// components, recent mesh traffic, and the routing table.

func (s *Server) handleComponents(w http.ResponseWriter, r *http.Request) {
	f := manifest.Filter{
		ComponentType: r.URL.Query().Get("type"),
		Status:        manifest.Status(r.URL.Query().Get("status")),
	}
	records := s.registry.Query(f)
	writeJSON(w, http.StatusOK, map[string]any{
		"components": records,
		"stats":      s.registry.Stats(),
	})
}

func (s *Server) handleComponent(w http.ResponseWriter, r *http.Request) {
	rec, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		WriteNotFound(w, r, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	eventType := r.URL.Query().Get("type")
	var filter func(mesh.Event) bool
	if eventType != "" {
		filter = func(ev mesh.Event) bool { return ev.EventType == eventType }
	}
	events := s.bus.Recent(queryLimit(r, 100), filter)
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleMeshRoutes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"routes": s.bus.Routes()})
}

func (s *Server) handlePortStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ports.Status())
}

func (s *Server) handlePortAllocations(w http.ResponseWriter, _ *http.Request) {
	allocs := s.ports.Allocations()
	writeJSON(w, http.StatusOK, map[string]any{
		"allocations": allocs,
		"count":       len(allocs),
	})
}

// handlePortSweep triggers one watchdog pass on demand.
func (s *Server) handlePortSweep(w http.ResponseWriter, r *http.Request) {
	released := s.watchdog.Sweep(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"released_ports": released,
	})
}

func (s *Server) handleAuditEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := s.auditLog.Query(r.Context(), audit.Filter{
		Action:     q.Get("action"),
		Subsystem:  q.Get("subsystem"),
		Resource:   q.Get("resource"),
		Result:     q.Get("result"),
		MaxResults: queryLimit(r, 100),
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// handleAuditExport produces a self-verifying evidence bundle for the
// filtered entries.
func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	bundle, err := audit.ExportBundle(r.Context(), s.auditLog, audit.Filter{
		Action:     q.Get("action"),
		Subsystem:  q.Get("subsystem"),
		Resource:   q.Get("resource"),
		MaxResults: queryLimit(r, 0),
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleAuditIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.auditLog.VerifyIntegrity(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	status := http.StatusOK
	if !report.Valid {
		// Surface a broken chain loudly without hiding the report.
		status = http.StatusConflict
	}
	writeJSON(w, status, report)
}
