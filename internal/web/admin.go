package web

import (
	"net/http"
	"strconv"

	"github.com/c3po-dev/c3po/internal/apierr"
	"github.com/c3po-dev/c3po/internal/audit"
	"github.com/c3po-dev/c3po/internal/auth"
	"github.com/c3po-dev/c3po/internal/registry"
)

func (s *Server) adminListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.deps.Registry.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	type entry struct {
		registry.Agent
		Pending int `json:"pending"`
	}
	out := make([]entry, 0, len(agents))
	for _, a := range agents {
		n, err := s.deps.Engine.PendingCount(r.Context(), a.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		out = append(out, entry{Agent: a, Pending: n})
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

// adminRemoveAgents deletes every agent matching the pattern query parameter
// along with their queues.
func (s *Server) adminRemoveAgents(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		writeError(w, apierr.InvalidRequest("pattern", "must not be empty"))
		return
	}
	removed, err := s.deps.Registry.RemoveByPattern(r.Context(), pattern, auth.Match)
	if err != nil {
		writeError(w, err)
		return
	}
	for _, id := range removed {
		s.deps.Audit.Record(r.Context(), audit.EventAgentUnregister, id, map[string]string{"by": "admin", "pattern": pattern})
	}
	s.refreshOnlineGauge(r)
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *Server) adminCreateKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Pattern     string `json:"pattern"`
		Description string `json:"description"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if !s.allowRate(w, r, "register_key", s.principalIdentity(r)) {
		return
	}

	created, err := s.deps.Auth.CreateKey(r.Context(), body.Pattern, body.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	s.deps.Audit.Record(r.Context(), audit.EventAdminKeyCreate, created.KeyID, map[string]string{"pattern": created.Pattern})
	writeJSON(w, http.StatusOK, created)
}

func (s *Server) adminListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.deps.Auth.ListKeys(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) adminRevokeKey(w http.ResponseWriter, r *http.Request) {
	keyID := r.PathValue("id")
	if err := s.deps.Auth.RevokeKey(r.Context(), keyID); err != nil {
		writeError(w, err)
		return
	}
	s.deps.Audit.Record(r.Context(), audit.EventAdminKeyRevoke, keyID, nil)
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked", "key_id": keyID})
}

func (s *Server) adminAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, apierr.InvalidRequest("limit", "must be a positive integer"))
			return
		}
		limit = n
	}
	entries, err := s.deps.Audit.Recent(r.Context(), limit, r.URL.Query().Get("event"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
