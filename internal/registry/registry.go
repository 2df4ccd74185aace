// Package registry tracks agent identities, liveness, and registration
// collision handling.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/c3po-dev/c3po/internal/apierr"
	"github.com/c3po-dev/c3po/internal/clock"
	"github.com/c3po-dev/c3po/internal/logging"
	"github.com/c3po-dev/c3po/internal/store"
)

const (
	agentsKey = "c3po:agents"

	// maxSuffix bounds collision probing: "name-2" through "name-99".
	maxSuffix = 99

	maxIDLen = 128
)

// Registration outcomes.
const (
	StatusCreated     = "created"
	StatusReconnected = "reconnected"
	StatusTookOver    = "took_over"
	StatusSuffixed    = "suffixed"
)

// Agent is one registered identity. Status is derived from last_seen at read
// time and never persisted with a meaningful value.
type Agent struct {
	ID            string   `json:"id"`
	DisplayName   string   `json:"display_name,omitempty"`
	Description   string   `json:"description,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
	RegisteredAt  string   `json:"registered_at"`
	LastSeen      string   `json:"last_seen"`
	SessionID     string   `json:"session_id,omitempty"`
	WebhookURL    string   `json:"webhook_url,omitempty"`
	WebhookSecret string   `json:"webhook_secret,omitempty"`
	Status        string   `json:"status,omitempty"`
}

// Placeholder reports whether the record was created for offline delivery
// rather than by an agent registering itself.
func (a Agent) Placeholder() bool {
	return a.SessionID == "" && a.LastSeen == epoch
}

var epoch = time.Unix(0, 0).UTC().Format(time.RFC3339)

// RegisterRequest carries the fields an agent presents when registering.
type RegisterRequest struct {
	ID           string
	DisplayName  string
	Description  string
	Capabilities []string
	SessionID    string
}

// Registry manages agent records in the store.
type Registry struct {
	store        store.Store
	log          *logging.Logger
	clk          clock.Clock
	heartbeatTTL time.Duration
}

func New(st store.Store, log *logging.Logger, clk clock.Clock, heartbeatTTL time.Duration) *Registry {
	return &Registry{store: st, log: log, clk: clk, heartbeatTTL: heartbeatTTL}
}

// ValidateID checks an agent identity for shape: "machine/project" with
// non-empty segments and no reserved separators.
func ValidateID(id string) error {
	if id == "" {
		return apierr.InvalidRequest("agent_id", "must not be empty")
	}
	if len(id) > maxIDLen {
		return apierr.InvalidRequest("agent_id", fmt.Sprintf("must be at most %d characters", maxIDLen))
	}
	i := strings.IndexByte(id, '/')
	if i <= 0 || i == len(id)-1 {
		return apierr.InvalidRequest("agent_id", "must be of the form machine/project")
	}
	if strings.Contains(id, "::") {
		return apierr.InvalidRequest("agent_id", "must not contain '::'")
	}
	if strings.ContainsAny(id, " \t\n") {
		return apierr.InvalidRequest("agent_id", "must not contain whitespace")
	}
	return nil
}

// Register claims an identity. An offline or placeholder record is replaced,
// a record with the same session reconnects, a sessionless call against a
// live record heartbeats it, and a live record held by a different session
// pushes the caller onto a numbered suffix. Returns the final agent record
// and the outcome.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (Agent, string, error) {
	if err := ValidateID(req.ID); err != nil {
		return Agent{}, "", err
	}

	now := r.clk.Now()
	existing, err := r.load(ctx, req.ID)
	if err != nil {
		return Agent{}, "", err
	}

	switch {
	case existing == nil, existing.Placeholder():
		agent := r.newAgent(req, now)
		if err := r.save(ctx, agent); err != nil {
			return Agent{}, "", err
		}
		return r.withStatus(agent, now), StatusCreated, nil

	case req.SessionID != "" && existing.SessionID == req.SessionID:
		existing.DisplayName = req.DisplayName
		existing.Description = req.Description
		existing.Capabilities = req.Capabilities
		existing.LastSeen = now.UTC().Format(time.RFC3339)
		if err := r.save(ctx, *existing); err != nil {
			return Agent{}, "", err
		}
		return r.withStatus(*existing, now), StatusReconnected, nil

	case req.SessionID == "" && r.online(*existing, now):
		// A sessionless register of a live record is the same agent calling
		// from a client config that cannot carry a session id. Treat it as a
		// heartbeat rather than a collision.
		existing.LastSeen = now.UTC().Format(time.RFC3339)
		if req.Capabilities != nil {
			existing.Capabilities = req.Capabilities
		}
		if err := r.save(ctx, *existing); err != nil {
			return Agent{}, "", err
		}
		return r.withStatus(*existing, now), StatusReconnected, nil

	case !r.online(*existing, now):
		agent := r.newAgent(req, now)
		if err := r.save(ctx, agent); err != nil {
			return Agent{}, "", err
		}
		return r.withStatus(agent, now), StatusTookOver, nil
	}

	// Live collision. Probe numbered suffixes for a free or offline slot.
	for n := 2; n <= maxSuffix; n++ {
		candidate := fmt.Sprintf("%s-%d", req.ID, n)
		slot, err := r.load(ctx, candidate)
		if err != nil {
			return Agent{}, "", err
		}
		if slot != nil && r.online(*slot, now) && !slot.Placeholder() {
			continue
		}
		suffixed := req
		suffixed.ID = candidate
		agent := r.newAgent(suffixed, now)
		if err := r.save(ctx, agent); err != nil {
			return Agent{}, "", err
		}
		r.log.Info("registration collision resolved", "requested", req.ID, "assigned", candidate)
		return r.withStatus(agent, now), StatusSuffixed, nil
	}
	return Agent{}, "", apierr.RegistrationExhausted(req.ID, maxSuffix)
}

// Heartbeat refreshes the agent's last_seen.
func (r *Registry) Heartbeat(ctx context.Context, id string) error {
	agent, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	if agent == nil {
		return r.notFound(ctx, id)
	}
	agent.LastSeen = r.clk.Now().UTC().Format(time.RFC3339)
	return r.save(ctx, *agent)
}

// Get returns one agent with its derived status.
func (r *Registry) Get(ctx context.Context, id string) (Agent, error) {
	agent, err := r.load(ctx, id)
	if err != nil {
		return Agent{}, err
	}
	if agent == nil {
		return Agent{}, r.notFound(ctx, id)
	}
	return r.withStatus(*agent, r.clk.Now()), nil
}

// List returns every agent sorted by id, each with its derived status.
func (r *Registry) List(ctx context.Context) ([]Agent, error) {
	all, err := r.store.HGetAll(ctx, agentsKey)
	if err != nil {
		return nil, apierr.StoreUnavailable(err)
	}
	now := r.clk.Now()
	out := make([]Agent, 0, len(all))
	for _, raw := range all {
		var a Agent
		if err := json.Unmarshal(raw, &a); err != nil {
			continue
		}
		out = append(out, r.withStatus(a, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetDescription updates the agent's description.
func (r *Registry) SetDescription(ctx context.Context, id, description string) error {
	agent, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	if agent == nil {
		return r.notFound(ctx, id)
	}
	agent.Description = description
	return r.save(ctx, *agent)
}

// SetWebhook attaches a delivery webhook to the agent. An empty url clears it.
func (r *Registry) SetWebhook(ctx context.Context, id, url, secret string) error {
	agent, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	if agent == nil {
		return r.notFound(ctx, id)
	}
	agent.WebhookURL = url
	agent.WebhookSecret = secret
	return r.save(ctx, *agent)
}

// Webhook returns the agent's webhook endpoint and signing secret. Unlike
// Get, the secret is included; only the delivery path may call this.
func (r *Registry) Webhook(ctx context.Context, id string) (url, secret string, err error) {
	agent, err := r.load(ctx, id)
	if err != nil {
		return "", "", err
	}
	if agent == nil {
		return "", "", nil
	}
	return agent.WebhookURL, agent.WebhookSecret, nil
}

// EnsurePlaceholder creates an offline placeholder record so messages can be
// queued for an agent that has never registered. Existing records are left
// untouched.
func (r *Registry) EnsurePlaceholder(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	agent, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	if agent != nil {
		return nil
	}
	placeholder := Agent{
		ID:           id,
		RegisteredAt: r.clk.Now().UTC().Format(time.RFC3339),
		LastSeen:     epoch,
	}
	return r.save(ctx, placeholder)
}

// Unregister removes an agent. With keep set, or when undelivered messages
// sit in the inbox, the record is marked offline and the queue survives so a
// later registration inherits it; otherwise the record and the agent's inbox
// and notify keys are deleted.
func (r *Registry) Unregister(ctx context.Context, id string, keep bool) error {
	agent, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	if agent == nil {
		return r.notFound(ctx, id)
	}

	if !keep {
		pending, err := r.store.LLen(ctx, "c3po:inbox:"+id)
		if err != nil {
			return apierr.StoreUnavailable(err)
		}
		keep = pending > 0
	}

	if keep {
		agent.LastSeen = epoch
		agent.SessionID = ""
		return r.save(ctx, *agent)
	}
	return r.purge(ctx, id)
}

// purge deletes the agent record and its queues unconditionally.
func (r *Registry) purge(ctx context.Context, id string) error {
	if _, err := r.store.HDel(ctx, agentsKey, id); err != nil {
		return apierr.StoreUnavailable(err)
	}
	if err := r.store.Del(ctx, "c3po:inbox:"+id, "c3po:notify:"+id); err != nil {
		return apierr.StoreUnavailable(err)
	}
	return nil
}

// RemoveByPattern deletes every agent whose id matches the glob pattern,
// purging their queues. Returns the removed ids.
func (r *Registry) RemoveByPattern(ctx context.Context, pattern string, match func(pattern, name string) bool) ([]string, error) {
	agents, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, a := range agents {
		if !match(pattern, a.ID) {
			continue
		}
		if err := r.purge(ctx, a.ID); err != nil {
			return removed, err
		}
		removed = append(removed, a.ID)
	}
	return removed, nil
}

// SweepStale purges agents unseen for longer than maxAge whose inboxes are
// empty. Records with queued messages survive until the queue drains or its
// entries expire, so offline-delivery placeholders keep their mail. Returns
// the purged ids.
func (r *Registry) SweepStale(ctx context.Context, maxAge time.Duration) ([]string, error) {
	agents, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	now := r.clk.Now()
	var purged []string
	for _, a := range agents {
		seen, err := time.Parse(time.RFC3339, a.LastSeen)
		if err != nil || now.Sub(seen) < maxAge {
			continue
		}
		pending, err := r.store.LLen(ctx, "c3po:inbox:"+a.ID)
		if err != nil {
			return purged, apierr.StoreUnavailable(err)
		}
		if pending > 0 {
			continue
		}
		if err := r.purge(ctx, a.ID); err != nil {
			return purged, err
		}
		r.log.Info("stale agent purged", "agent", a.ID, "last_seen", a.LastSeen)
		purged = append(purged, a.ID)
	}
	return purged, nil
}

// CountOnline returns how many agents are currently live.
func (r *Registry) CountOnline(ctx context.Context) (int, error) {
	agents, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range agents {
		if a.Status == "online" {
			n++
		}
	}
	return n, nil
}

func (r *Registry) newAgent(req RegisterRequest, now time.Time) Agent {
	ts := now.UTC().Format(time.RFC3339)
	return Agent{
		ID:           req.ID,
		DisplayName:  req.DisplayName,
		Description:  req.Description,
		Capabilities: req.Capabilities,
		RegisteredAt: ts,
		LastSeen:     ts,
		SessionID:    req.SessionID,
	}
}

func (r *Registry) online(a Agent, now time.Time) bool {
	seen, err := time.Parse(time.RFC3339, a.LastSeen)
	if err != nil {
		return false
	}
	return now.Sub(seen) < r.heartbeatTTL
}

// withStatus derives the status field and strips the webhook secret; every
// agent leaving the registry goes through here, so webhook configuration is
// never visible to callers.
func (r *Registry) withStatus(a Agent, now time.Time) Agent {
	if r.online(a, now) {
		a.Status = "online"
	} else {
		a.Status = "offline"
	}
	a.WebhookSecret = ""
	return a
}

func (r *Registry) load(ctx context.Context, id string) (*Agent, error) {
	raw, err := r.store.HGet(ctx, agentsKey, id)
	if err != nil {
		return nil, apierr.StoreUnavailable(err)
	}
	if raw == nil {
		return nil, nil
	}
	var a Agent
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, apierr.StoreUnavailable(err)
	}
	return &a, nil
}

func (r *Registry) save(ctx context.Context, a Agent) error {
	a.Status = ""
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal agent: %w", err)
	}
	if err := r.store.HSet(ctx, agentsKey, a.ID, raw); err != nil {
		return apierr.StoreUnavailable(err)
	}
	return nil
}

// notFound builds an AGENT_NOT_FOUND error listing a few known agents.
func (r *Registry) notFound(ctx context.Context, id string) error {
	agents, err := r.List(ctx)
	if err != nil {
		return apierr.AgentNotFound(id, nil)
	}
	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		ids = append(ids, a.ID)
	}
	return apierr.AgentNotFound(id, ids)
}
