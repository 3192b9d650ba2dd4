package server

import (
	"net/http"
	"strconv"
	"strings"
)

// The security endpoints are wired behind RequireRole(RoleSuper) in
// routes.go; they expose the tracker and the audit chain to operators.

func (s *Server) handleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	admin := strings.TrimSpace(r.URL.Query().Get("admin"))
	if admin == "" {
		http.Error(w, "admin parameter required", http.StatusBadRequest)
		return
	}
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	events := s.tracker.EventsFor(admin, limit)
	writeJSON(w, map[string]any{
		"admin":  admin,
		"events": events,
	})
}

func (s *Server) handleSecurityStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.tracker.Stats())
}

// handleAuditVerify re-walks the hash chain. A broken chain still answers
// 200; intact=false is the signal, not the status code.
func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := map[string]any{
		"entries": len(s.auditor.Entries()),
		"head":    s.auditor.Head(),
		"intact":  true,
	}
	if err := s.auditor.Verify(); err != nil {
		resp["intact"] = false
		resp["error"] = err.Error()
		s.logger.Printf("audit verify: %v", err)
	}
	writeJSON(w, resp)
}
