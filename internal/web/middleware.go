package web

import (
	"context"
	"net/http"
	"strconv"

	"github.com/c3po-dev/c3po/internal/apierr"
	"github.com/c3po-dev/c3po/internal/audit"
	"github.com/c3po-dev/c3po/internal/auth"
	"github.com/c3po-dev/c3po/internal/metrics"
)

type contextKey string

const principalKey contextKey = "principal"

// securityHeaders sets response headers shared by every route.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// authed wraps a handler with bearer authentication for the route's trust
// domain and stashes the resulting principal in the request context.
func (s *Server) authed(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		domain := auth.DomainForPath(r.URL.Path)
		principal, err := s.deps.Auth.Authenticate(r.Context(), domain, bearerToken(r))
		if err != nil {
			metrics.AuthFailures.WithLabelValues(domain.String()).Inc()
			s.deps.Audit.Record(r.Context(), audit.EventAuthFailure, clientAddr(r, s.deps.Config.BehindProxy), map[string]string{
				"domain": domain.String(),
				"path":   r.URL.Path,
			})
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), principalKey, principal)
		next(w, r.WithContext(ctx))
	})
}

func principalFrom(r *http.Request) auth.Principal {
	p, _ := r.Context().Value(principalKey).(auth.Principal)
	return p
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// clientAddr extracts the caller's address, honouring X-Forwarded-For and
// X-Real-IP only when the coordinator is deployed behind a trusted proxy.
func clientAddr(r *http.Request, behindProxy bool) string {
	if behindProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			for i := 0; i < len(fwd); i++ {
				if fwd[i] == ',' {
					return fwd[:i]
				}
			}
			return fwd
		}
		if real := r.Header.Get("X-Real-IP"); real != "" {
			return real
		}
	}
	return clientIP(r)
}

// principalIdentity keys rate limits for non-agent operations: admin and
// proxy principals get one budget each, anonymous callers fall back to the
// source address.
func (s *Server) principalIdentity(r *http.Request) string {
	p := principalFrom(r)
	switch p.Kind {
	case auth.KindAdmin, auth.KindProxy:
		return string(p.Kind)
	}
	return clientAddr(r, s.deps.Config.BehindProxy)
}

// identity resolves which agent the caller is acting as: an explicit id in
// the request wins, then the proxy-asserted machine and project headers.
func (s *Server) identity(r *http.Request, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	machine := r.Header.Get("X-Machine-Name")
	project := r.Header.Get("X-Project-Name")
	if machine != "" && project != "" {
		return machine + "/" + project, nil
	}
	return "", apierr.InvalidRequest("agent_id", "missing: pass agent_id or the X-Machine-Name and X-Project-Name headers")
}

// requireScope verifies the principal may act as the identity.
func (s *Server) requireScope(r *http.Request, identity string) error {
	p := principalFrom(r)
	if p.Allows(identity) {
		return nil
	}
	s.deps.Audit.Record(r.Context(), audit.EventAuthzDenied, identity, map[string]string{
		"pattern": p.Pattern,
		"key_id":  p.KeyID,
	})
	return apierr.ForbiddenScope(identity, p.Pattern)
}

// allowRate applies the sliding window for one operation. On rejection the
// 429 response has already been written.
func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, op, identity string) bool {
	ok, policy := s.deps.Limiter.Allow(r.Context(), op, identity)
	if ok {
		return true
	}
	metrics.RateLimited.WithLabelValues(op).Inc()
	s.deps.Audit.Record(r.Context(), audit.EventRateLimitExceeded, identity, map[string]string{"op": op})
	w.Header().Set("Retry-After", strconv.Itoa(policy.Window))
	writeError(w, apierr.RateLimited(identity, policy.Limit, policy.Window))
	return false
}
