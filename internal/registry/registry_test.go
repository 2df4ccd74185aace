package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/c3po-dev/c3po/internal/apierr"
	"github.com/c3po-dev/c3po/internal/auth"
	"github.com/c3po-dev/c3po/internal/logging"
	"github.com/c3po-dev/c3po/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (c *fakeClock) Since(t time.Time) time.Duration        { return c.Now().Sub(t) }

func testRegistry(t *testing.T) (*Registry, *store.Bolt, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	st, err := store.OpenBolt(filepath.Join(t.TempDir(), "reg.db"), clk)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, logging.New(false), clk, 15*time.Minute), st, clk
}

func TestValidateID(t *testing.T) {
	cases := []struct {
		id string
		ok bool
	}{
		{"lab/alpha", true},
		{"m/p", true},
		{"", false},
		{"noslash", false},
		{"/project", false},
		{"machine/", false},
		{"lab/a::b", false},
		{"lab/a b", false},
	}
	for _, c := range cases {
		err := ValidateID(c.id)
		if (err == nil) != c.ok {
			t.Errorf("ValidateID(%q) err=%v, want ok=%v", c.id, err, c.ok)
		}
	}
}

func TestRegisterCreated(t *testing.T) {
	r, _, _ := testRegistry(t)
	ctx := context.Background()

	agent, status, err := r.Register(ctx, RegisterRequest{
		ID:          "lab/alpha",
		DisplayName: "Alpha",
		SessionID:   "s1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusCreated {
		t.Errorf("status %q, want created", status)
	}
	if agent.ID != "lab/alpha" || agent.Status != "online" {
		t.Errorf("unexpected agent %+v", agent)
	}
}

func TestRegisterReconnected(t *testing.T) {
	r, _, _ := testRegistry(t)
	ctx := context.Background()

	r.Register(ctx, RegisterRequest{ID: "lab/alpha", SessionID: "s1"})
	agent, status, err := r.Register(ctx, RegisterRequest{ID: "lab/alpha", SessionID: "s1", Description: "updated"})
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusReconnected {
		t.Errorf("status %q, want reconnected", status)
	}
	if agent.Description != "updated" {
		t.Errorf("description not refreshed: %+v", agent)
	}
}

func TestRegisterSessionlessHeartbeatsOnline(t *testing.T) {
	r, _, clk := testRegistry(t)
	ctx := context.Background()

	r.Register(ctx, RegisterRequest{ID: "lab/alpha", SessionID: "abc"})
	clk.Advance(10 * time.Minute)

	// Client configs cannot carry a dynamic session id, so a sessionless
	// re-register of a live agent is the original caller checking in, not a
	// new identity claiming the slot.
	agent, status, err := r.Register(ctx, RegisterRequest{ID: "lab/alpha", Capabilities: []string{"build"}})
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusReconnected || agent.ID != "lab/alpha" {
		t.Fatalf("got %q/%q, want reconnected/lab/alpha", status, agent.ID)
	}
	if agent.SessionID != "abc" {
		t.Errorf("session lost: %+v", agent)
	}
	if len(agent.Capabilities) != 1 || agent.Capabilities[0] != "build" {
		t.Errorf("capabilities not refreshed: %+v", agent)
	}

	// The call doubled as a heartbeat.
	clk.Advance(10 * time.Minute)
	got, err := r.Get(ctx, "lab/alpha")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "online" {
		t.Error("sessionless register did not refresh last_seen")
	}
}

func TestRegisterTakeOverOffline(t *testing.T) {
	r, _, clk := testRegistry(t)
	ctx := context.Background()

	r.Register(ctx, RegisterRequest{ID: "lab/alpha", SessionID: "s1"})
	clk.Advance(20 * time.Minute) // past the heartbeat TTL

	agent, status, err := r.Register(ctx, RegisterRequest{ID: "lab/alpha", SessionID: "s2"})
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusTookOver {
		t.Errorf("status %q, want took_over", status)
	}
	if agent.SessionID != "s2" {
		t.Errorf("old session survived: %+v", agent)
	}
}

func TestRegisterCollisionSuffix(t *testing.T) {
	r, _, _ := testRegistry(t)
	ctx := context.Background()

	r.Register(ctx, RegisterRequest{ID: "lab/alpha", SessionID: "s1"})
	agent, status, err := r.Register(ctx, RegisterRequest{ID: "lab/alpha", SessionID: "s2"})
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusSuffixed {
		t.Errorf("status %q, want suffixed", status)
	}
	if agent.ID != "lab/alpha-2" {
		t.Errorf("assigned id %q, want lab/alpha-2", agent.ID)
	}

	// A third live session gets the next free slot.
	agent, _, err = r.Register(ctx, RegisterRequest{ID: "lab/alpha", SessionID: "s3"})
	if err != nil {
		t.Fatal(err)
	}
	if agent.ID != "lab/alpha-3" {
		t.Errorf("assigned id %q, want lab/alpha-3", agent.ID)
	}
}

func TestRegisterSuffixReusesOfflineSlot(t *testing.T) {
	r, _, clk := testRegistry(t)
	ctx := context.Background()

	r.Register(ctx, RegisterRequest{ID: "lab/alpha", SessionID: "s1"})
	r.Register(ctx, RegisterRequest{ID: "lab/alpha", SessionID: "s2"}) // lab/alpha-2
	clk.Advance(20 * time.Minute)

	// Base slot is offline now, so a new session takes it over rather than
	// probing suffixes.
	agent, status, _ := r.Register(ctx, RegisterRequest{ID: "lab/alpha", SessionID: "s3"})
	if status != StatusTookOver || agent.ID != "lab/alpha" {
		t.Errorf("got %q/%q, want took_over/lab/alpha", status, agent.ID)
	}

	// With the base live again, the offline -2 slot is reused.
	agent, status, _ = r.Register(ctx, RegisterRequest{ID: "lab/alpha", SessionID: "s4"})
	if status != StatusSuffixed || agent.ID != "lab/alpha-2" {
		t.Errorf("got %q/%q, want suffixed/lab/alpha-2", status, agent.ID)
	}
}

func TestRegisterExhausted(t *testing.T) {
	r, _, _ := testRegistry(t)
	ctx := context.Background()

	for i := 1; i <= 99; i++ {
		_, _, err := r.Register(ctx, RegisterRequest{ID: "lab/alpha", SessionID: fmt.Sprintf("s%d", i)})
		if err != nil {
			t.Fatalf("registration %d failed: %v", i, err)
		}
	}

	_, _, err := r.Register(ctx, RegisterRequest{ID: "lab/alpha", SessionID: "s100"})
	ae, ok := err.(*apierr.Error)
	if !ok || ae.Code != apierr.CodeRegistrationExhausted {
		t.Errorf("error %v, want REGISTRATION_EXHAUSTED", err)
	}
}

func TestHeartbeatKeepsOnline(t *testing.T) {
	r, _, clk := testRegistry(t)
	ctx := context.Background()

	r.Register(ctx, RegisterRequest{ID: "lab/alpha", SessionID: "s1"})
	clk.Advance(10 * time.Minute)
	if err := r.Heartbeat(ctx, "lab/alpha"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(10 * time.Minute)

	agent, err := r.Get(ctx, "lab/alpha")
	if err != nil {
		t.Fatal(err)
	}
	if agent.Status != "online" {
		t.Error("heartbeat did not extend liveness")
	}
}

func TestGetUnknownAgent(t *testing.T) {
	r, _, _ := testRegistry(t)
	ctx := context.Background()

	r.Register(ctx, RegisterRequest{ID: "lab/alpha", SessionID: "s1"})
	_, err := r.Get(ctx, "lab/ghost")
	ae, ok := err.(*apierr.Error)
	if !ok || ae.Code != apierr.CodeAgentNotFound {
		t.Fatalf("error %v, want AGENT_NOT_FOUND", err)
	}
}

func TestPlaceholder(t *testing.T) {
	r, _, _ := testRegistry(t)
	ctx := context.Background()

	if err := r.EnsurePlaceholder(ctx, "lab/future"); err != nil {
		t.Fatal(err)
	}
	agent, err := r.Get(ctx, "lab/future")
	if err != nil {
		t.Fatal(err)
	}
	if agent.Status != "offline" || !agent.Placeholder() {
		t.Errorf("placeholder %+v", agent)
	}

	// A real registration over the placeholder counts as a fresh create.
	_, status, err := r.Register(ctx, RegisterRequest{ID: "lab/future", SessionID: "s1"})
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusCreated {
		t.Errorf("status %q, want created over placeholder", status)
	}
}

func TestUnregisterKeep(t *testing.T) {
	r, st, _ := testRegistry(t)
	ctx := context.Background()

	r.Register(ctx, RegisterRequest{ID: "lab/alpha", SessionID: "s1"})
	st.RPush(ctx, "c3po:inbox:lab/alpha", []byte("msg"), 0)

	if err := r.Unregister(ctx, "lab/alpha", true); err != nil {
		t.Fatal(err)
	}
	agent, err := r.Get(ctx, "lab/alpha")
	if err != nil {
		t.Fatal(err)
	}
	if agent.Status != "offline" {
		t.Error("kept agent still online")
	}
	if n, _ := st.LLen(ctx, "c3po:inbox:lab/alpha"); n != 1 {
		t.Error("kept agent's inbox purged")
	}
}

func TestUnregisterPurge(t *testing.T) {
	r, st, _ := testRegistry(t)
	ctx := context.Background()

	r.Register(ctx, RegisterRequest{ID: "lab/alpha", SessionID: "s1"})
	st.RPush(ctx, "c3po:notify:lab/alpha", []byte("1"), 0)

	if err := r.Unregister(ctx, "lab/alpha", false); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Get(ctx, "lab/alpha"); err == nil {
		t.Error("purged agent still resolvable")
	}
	if n, _ := st.LLen(ctx, "c3po:notify:lab/alpha"); n != 0 {
		t.Error("notify list survived purge")
	}
}

func TestUnregisterRetainsPendingInbox(t *testing.T) {
	r, st, _ := testRegistry(t)
	ctx := context.Background()

	r.Register(ctx, RegisterRequest{ID: "lab/alpha", SessionID: "s1"})
	st.RPush(ctx, "c3po:inbox:lab/alpha", []byte("msg"), 0)

	// Undelivered messages pin the record even without keep.
	if err := r.Unregister(ctx, "lab/alpha", false); err != nil {
		t.Fatal(err)
	}
	agent, err := r.Get(ctx, "lab/alpha")
	if err != nil {
		t.Fatal(err)
	}
	if agent.Status != "offline" {
		t.Error("retained agent still online")
	}
	if n, _ := st.LLen(ctx, "c3po:inbox:lab/alpha"); n != 1 {
		t.Error("pending inbox purged")
	}

	// A fresh session reclaims the identity and inherits the queue.
	agent, _, err = r.Register(ctx, RegisterRequest{ID: "lab/alpha", SessionID: "s2"})
	if err != nil {
		t.Fatal(err)
	}
	if agent.ID != "lab/alpha" {
		t.Errorf("reclaimed id %q", agent.ID)
	}
	if n, _ := st.LLen(ctx, "c3po:inbox:lab/alpha"); n != 1 {
		t.Error("queue lost on re-registration")
	}
}

func TestWebhookSecretNotExposed(t *testing.T) {
	r, _, _ := testRegistry(t)
	ctx := context.Background()

	r.Register(ctx, RegisterRequest{ID: "lab/alpha", SessionID: "s1"})
	if err := r.SetWebhook(ctx, "lab/alpha", "http://example.com/hook", "topsecret"); err != nil {
		t.Fatal(err)
	}

	agent, err := r.Get(ctx, "lab/alpha")
	if err != nil {
		t.Fatal(err)
	}
	if agent.WebhookSecret != "" {
		t.Errorf("Get exposed webhook secret: %+v", agent)
	}
	if agent.WebhookURL != "http://example.com/hook" {
		t.Errorf("webhook url lost: %+v", agent)
	}

	agents, err := r.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range agents {
		if a.WebhookSecret != "" {
			t.Errorf("List exposed webhook secret for %s", a.ID)
		}
	}

	// The delivery path still sees the full configuration.
	url, secret, err := r.Webhook(ctx, "lab/alpha")
	if err != nil {
		t.Fatal(err)
	}
	if url != "http://example.com/hook" || secret != "topsecret" {
		t.Errorf("Webhook() = %q/%q", url, secret)
	}
}

func TestSweepStale(t *testing.T) {
	r, st, clk := testRegistry(t)
	ctx := context.Background()

	r.Register(ctx, RegisterRequest{ID: "lab/idle", SessionID: "s1"})
	r.Register(ctx, RegisterRequest{ID: "lab/mail", SessionID: "s2"})
	st.RPush(ctx, "c3po:inbox:lab/mail", []byte("msg"), 0)
	clk.Advance(25 * time.Hour)
	r.Register(ctx, RegisterRequest{ID: "lab/live", SessionID: "s3"})

	purged, err := r.SweepStale(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(purged) != 1 || purged[0] != "lab/idle" {
		t.Fatalf("purged %v, want only lab/idle", purged)
	}

	if _, err := r.Get(ctx, "lab/idle"); err == nil {
		t.Error("stale agent survived the sweep")
	}
	if _, err := r.Get(ctx, "lab/mail"); err != nil {
		t.Error("agent with queued mail was swept")
	}
	if _, err := r.Get(ctx, "lab/live"); err != nil {
		t.Error("live agent was swept")
	}
}

func TestRemoveByPattern(t *testing.T) {
	r, _, _ := testRegistry(t)
	ctx := context.Background()

	for _, id := range []string{"lab/a", "lab/b", "prod/a"} {
		r.Register(ctx, RegisterRequest{ID: id, SessionID: "s-" + id})
	}

	removed, err := r.RemoveByPattern(ctx, "lab/*", auth.Match)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 2 {
		t.Fatalf("removed %v, want two lab agents", removed)
	}

	agents, _ := r.List(ctx)
	if len(agents) != 1 || agents[0].ID != "prod/a" {
		t.Errorf("survivors %+v", agents)
	}
}

func TestListSortedWithStatus(t *testing.T) {
	r, _, clk := testRegistry(t)
	ctx := context.Background()

	r.Register(ctx, RegisterRequest{ID: "lab/b", SessionID: "s1"})
	clk.Advance(20 * time.Minute)
	r.Register(ctx, RegisterRequest{ID: "lab/a", SessionID: "s2"})

	agents, err := r.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(agents) != 2 || agents[0].ID != "lab/a" || agents[1].ID != "lab/b" {
		t.Fatalf("unexpected order: %+v", agents)
	}
	if agents[0].Status != "online" || agents[1].Status != "offline" {
		t.Errorf("statuses %q/%q", agents[0].Status, agents[1].Status)
	}

	n, err := r.CountOnline(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("CountOnline = %d, want 1", n)
	}
}
