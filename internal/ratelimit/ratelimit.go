// Package ratelimit enforces per-identity sliding windows over store sorted
// sets. A store outage fails open: coordination should degrade, not halt,
// when the backing store hiccups.
package ratelimit

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/c3po-dev/c3po/internal/clock"
	"github.com/c3po-dev/c3po/internal/logging"
	"github.com/c3po-dev/c3po/internal/store"
)

// Policy is one operation's window budget.
type Policy struct {
	Limit  int `yaml:"limit"`
	Window int `yaml:"window_seconds"`
}

// defaultPolicies covers every rate-limited operation. Unknown operations
// fall back to the "default" entry.
var defaultPolicies = map[string]Policy{
	"send_message":     {Limit: 10, Window: 60},
	"reply":            {Limit: 10, Window: 60},
	"list_agents":      {Limit: 30, Window: 60},
	"get_messages":     {Limit: 30, Window: 60},
	"wait_for_message": {Limit: 30, Window: 60},
	"ack_messages":     {Limit: 30, Window: 60},
	"rest_pending":     {Limit: 30, Window: 60},
	"fetch_blob":       {Limit: 30, Window: 60},
	"upload_blob":      {Limit: 10, Window: 60},
	"rest_register":    {Limit: 5, Window: 60},
	"rest_unregister":  {Limit: 5, Window: 60},
	"register_key":     {Limit: 5, Window: 60},
	"default":          {Limit: 60, Window: 60},
}

// Limiter tracks request timestamps per operation and identity.
type Limiter struct {
	store    store.Store
	log      *logging.Logger
	clk      clock.Clock
	policies map[string]Policy
}

func New(st store.Store, log *logging.Logger, clk clock.Clock) *Limiter {
	policies := make(map[string]Policy, len(defaultPolicies))
	for op, p := range defaultPolicies {
		policies[op] = p
	}
	return &Limiter{store: st, log: log, clk: clk, policies: policies}
}

// LoadOverrides merges per-operation policies from a YAML file over the
// defaults. Entries with a non-positive limit or window are rejected.
func (l *Limiter) LoadOverrides(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read rate limit file: %w", err)
	}
	var overrides map[string]Policy
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return fmt.Errorf("parse rate limit file: %w", err)
	}
	for op, p := range overrides {
		if p.Limit <= 0 || p.Window <= 0 {
			return fmt.Errorf("rate limit %q: limit and window_seconds must be positive", op)
		}
		l.policies[op] = p
	}
	return nil
}

// PolicyFor returns the effective policy for an operation.
func (l *Limiter) PolicyFor(op string) Policy {
	if p, ok := l.policies[op]; ok {
		return p
	}
	return l.policies["default"]
}

// Allow records one attempt and reports whether it fits the window. The
// returned policy lets callers build the rejection response. Store errors
// allow the request through after a warning.
func (l *Limiter) Allow(ctx context.Context, op, identity string) (bool, Policy) {
	policy := l.PolicyFor(op)
	key := "c3po:rate:" + op + ":" + identity
	now := l.clk.Now()
	window := time.Duration(policy.Window) * time.Second

	if err := l.store.ZRemRangeByScore(ctx, key, float64(now.Add(-window).UnixNano())); err != nil {
		l.log.Warn("rate limit prune failed, allowing request", "op", op, "identity", identity, "error", err)
		return true, policy
	}
	count, err := l.store.ZCard(ctx, key)
	if err != nil {
		l.log.Warn("rate limit count failed, allowing request", "op", op, "identity", identity, "error", err)
		return true, policy
	}
	if count >= policy.Limit {
		return false, policy
	}

	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString()
	if err := l.store.ZAdd(ctx, key, member, float64(now.UnixNano()), 2*window); err != nil {
		l.log.Warn("rate limit record failed", "op", op, "identity", identity, "error", err)
	}
	return true, policy
}
