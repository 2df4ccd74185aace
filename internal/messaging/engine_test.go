package messaging

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c3po-dev/c3po/internal/apierr"
	"github.com/c3po-dev/c3po/internal/clock"
	"github.com/c3po-dev/c3po/internal/logging"
	"github.com/c3po-dev/c3po/internal/registry"
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

func testEngine(t *testing.T, clk clock.Clock) (*Engine, *registry.Registry, *store.Bolt) {
	t.Helper()
	st, err := store.OpenBolt(filepath.Join(t.TempDir(), "msg.db"), clk)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	log := logging.New(false)
	reg := registry.New(st, log, clk, 15*time.Minute)
	return New(st, reg, log, clk, 24*time.Hour), reg, st
}

func register(t *testing.T, reg *registry.Registry, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, _, err := reg.Register(context.Background(), registry.RegisterRequest{ID: id, SessionID: "s-" + id}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
}

func TestSendAndGet(t *testing.T) {
	e, reg, _ := testEngine(t, clock.Real{})
	ctx := context.Background()
	register(t, reg, "lab/alpha", "lab/beta")

	res, err := e.Send(ctx, "lab/alpha", "lab/beta", "greeting", "hello", "ctx-data", false)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(res.MessageID, "lab/alpha::lab/beta::") {
		t.Errorf("message id %q", res.MessageID)
	}
	if res.Note != "" {
		t.Errorf("unexpected note for online recipient: %q", res.Note)
	}

	msgs, err := e.Get(ctx, "lab/beta")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	m := msgs[0]
	if m.From != "lab/alpha" || m.To != "lab/beta" || m.Body != "hello" || m.Type != TypeMessage {
		t.Errorf("unexpected message %+v", m)
	}
	if m.Subject != "greeting" || m.Context != "ctx-data" {
		t.Errorf("subject or context lost: %+v", m)
	}

	// Get peeks without consuming.
	msgs, _ = e.Get(ctx, "lab/beta")
	if len(msgs) != 1 {
		t.Error("peek consumed the message")
	}
}

func TestSendValidation(t *testing.T) {
	e, reg, _ := testEngine(t, clock.Real{})
	ctx := context.Background()
	register(t, reg, "lab/alpha", "lab/beta")

	cases := []struct {
		name       string
		to, body   string
		msgContext string
	}{
		{"no slash in target", "nobody", "hi", ""},
		{"empty body", "lab/beta", "", ""},
		{"oversized body", "lab/beta", strings.Repeat("x", maxFieldLen+1), ""},
		{"oversized context", "lab/beta", "hi", strings.Repeat("x", maxFieldLen+1)},
	}
	for _, c := range cases {
		_, err := e.Send(ctx, "lab/alpha", c.to, "", c.body, c.msgContext, false)
		ae, ok := err.(*apierr.Error)
		if !ok || ae.Code != apierr.CodeInvalidRequest {
			t.Errorf("%s: error %v, want INVALID_REQUEST", c.name, err)
		}
	}
}

func TestSendUnknownTarget(t *testing.T) {
	e, reg, _ := testEngine(t, clock.Real{})
	ctx := context.Background()
	register(t, reg, "lab/alpha")

	_, err := e.Send(ctx, "lab/alpha", "lab/ghost", "", "hi", "", false)
	ae, ok := err.(*apierr.Error)
	if !ok || ae.Code != apierr.CodeAgentNotFound {
		t.Fatalf("error %v, want AGENT_NOT_FOUND", err)
	}
}

func TestSendDeliverOffline(t *testing.T) {
	e, reg, _ := testEngine(t, clock.Real{})
	ctx := context.Background()
	register(t, reg, "lab/alpha")

	res, err := e.Send(ctx, "lab/alpha", "lab/ghost", "", "hi", "", true)
	if err != nil {
		t.Fatal(err)
	}
	if !res.OfflineDelivery || res.Note == "" {
		t.Error("missing offline delivery flag or note")
	}

	// The placeholder holds the queue until the agent registers.
	agent, err := reg.Get(ctx, "lab/ghost")
	if err != nil {
		t.Fatal(err)
	}
	if !agent.Placeholder() {
		t.Errorf("expected placeholder, got %+v", agent)
	}
	msgs, _ := e.Get(ctx, "lab/ghost")
	if len(msgs) != 1 {
		t.Fatalf("queued %d messages, want 1", len(msgs))
	}
}

func TestReply(t *testing.T) {
	e, reg, _ := testEngine(t, clock.Real{})
	ctx := context.Background()
	register(t, reg, "lab/alpha", "lab/beta")

	sent, err := e.Send(ctx, "lab/alpha", "lab/beta", "", "question", "", false)
	if err != nil {
		t.Fatal(err)
	}

	res, err := e.Reply(ctx, "lab/beta", sent.MessageID, "answer")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(res.MessageID, "lab/beta::lab/alpha::") {
		t.Errorf("reply id %q", res.MessageID)
	}

	msgs, _ := e.Get(ctx, "lab/alpha")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Type != TypeReply || msgs[0].ReplyTo != sent.MessageID || msgs[0].Body != "answer" {
		t.Errorf("unexpected reply %+v", msgs[0])
	}
}

func TestReplyOnlyByRecipient(t *testing.T) {
	e, reg, _ := testEngine(t, clock.Real{})
	ctx := context.Background()
	register(t, reg, "lab/alpha", "lab/beta", "lab/gamma")

	sent, _ := e.Send(ctx, "lab/alpha", "lab/beta", "", "question", "", false)

	if _, err := e.Reply(ctx, "lab/gamma", sent.MessageID, "intrusion"); err == nil {
		t.Error("third party allowed to reply")
	}
	if _, err := e.Reply(ctx, "lab/beta", "not-a-message-id", "x"); err == nil {
		t.Error("malformed message id accepted")
	}
}

func TestAck(t *testing.T) {
	e, reg, _ := testEngine(t, clock.Real{})
	ctx := context.Background()
	register(t, reg, "lab/alpha", "lab/beta")

	first, _ := e.Send(ctx, "lab/alpha", "lab/beta", "", "one", "", false)
	second, _ := e.Send(ctx, "lab/alpha", "lab/beta", "", "two", "", false)

	acked, err := e.Ack(ctx, "lab/beta", []string{first.MessageID, "lab/x::lab/beta::deadbeef"})
	if err != nil {
		t.Fatal(err)
	}
	if len(acked) != 1 || acked[0] != first.MessageID {
		t.Errorf("acked %v", acked)
	}

	msgs, _ := e.Get(ctx, "lab/beta")
	if len(msgs) != 1 || msgs[0].ID != second.MessageID {
		t.Errorf("remaining %+v", msgs)
	}

	// Re-acking is a no-op, not an error.
	acked, err = e.Ack(ctx, "lab/beta", []string{first.MessageID})
	if err != nil {
		t.Fatal(err)
	}
	if len(acked) != 0 {
		t.Errorf("re-ack removed %v", acked)
	}
}

func TestAckValidation(t *testing.T) {
	e, _, _ := testEngine(t, clock.Real{})
	ctx := context.Background()

	if _, err := e.Ack(ctx, "lab/beta", nil); err == nil {
		t.Error("empty id list accepted")
	}
	if _, err := e.Ack(ctx, "lab/beta", []string{"garbage"}); err == nil {
		t.Error("malformed id accepted")
	}
}

func TestGetFiltersExpired(t *testing.T) {
	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	e, reg, _ := testEngine(t, clk)
	ctx := context.Background()
	register(t, reg, "lab/alpha", "lab/beta")

	e.Send(ctx, "lab/alpha", "lab/beta", "", "stale", "", false)
	clk.Advance(25 * time.Hour)

	msgs, err := e.Get(ctx, "lab/beta")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("expired messages returned: %+v", msgs)
	}
}

func TestWaitAnyImmediate(t *testing.T) {
	e, reg, _ := testEngine(t, clock.Real{})
	ctx := context.Background()
	register(t, reg, "lab/alpha", "lab/beta")

	e.Send(ctx, "lab/alpha", "lab/beta", "", "hello", "", false)

	res, err := e.WaitAny(ctx, "lab/beta", time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusDelivered || len(res.Messages) != 1 {
		t.Errorf("result %+v", res)
	}
}

func TestWaitAnyTimeout(t *testing.T) {
	e, reg, _ := testEngine(t, clock.Real{})
	ctx := context.Background()
	register(t, reg, "lab/beta")

	start := time.Now()
	res, err := e.WaitAny(ctx, "lab/beta", 100*time.Millisecond, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusTimeout {
		t.Errorf("status %q, want timeout", res.Status)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout did not observe the deadline")
	}
}

func TestWaitAnyWokenBySend(t *testing.T) {
	e, reg, _ := testEngine(t, clock.Real{})
	ctx := context.Background()
	register(t, reg, "lab/alpha", "lab/beta")

	done := make(chan WaitResult, 1)
	go func() {
		res, _ := e.WaitAny(ctx, "lab/beta", 10*time.Second, nil)
		done <- res
	}()

	time.Sleep(50 * time.Millisecond)
	if _, err := e.Send(ctx, "lab/alpha", "lab/beta", "", "wake up", "", false); err != nil {
		t.Fatal(err)
	}

	select {
	case res := <-done:
		if res.Status != StatusDelivered || len(res.Messages) != 1 {
			t.Errorf("result %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestWaitForMatchingReply(t *testing.T) {
	e, reg, _ := testEngine(t, clock.Real{})
	ctx := context.Background()
	register(t, reg, "lab/alpha", "lab/beta")

	sent, _ := e.Send(ctx, "lab/alpha", "lab/beta", "", "question", "", false)
	// Unrelated traffic must not satisfy the wait.
	e.Send(ctx, "lab/beta", "lab/alpha", "", "noise", "", false)

	done := make(chan WaitResult, 1)
	go func() {
		res, _ := e.WaitFor(ctx, "lab/alpha", sent.MessageID, 10*time.Second, nil)
		done <- res
	}()

	time.Sleep(50 * time.Millisecond)
	if _, err := e.Reply(ctx, "lab/beta", sent.MessageID, "answer"); err != nil {
		t.Fatal(err)
	}

	select {
	case res := <-done:
		if res.Status != StatusDelivered || len(res.Messages) != 1 {
			t.Fatalf("result %+v", res)
		}
		if res.Messages[0].ReplyTo != sent.MessageID {
			t.Errorf("wrong reply %+v", res.Messages[0])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never woke")
	}

	// The unrelated message is still queued.
	msgs, _ := e.Get(ctx, "lab/alpha")
	found := false
	for _, m := range msgs {
		if m.Body == "noise" {
			found = true
		}
	}
	if !found {
		t.Error("unrelated message consumed by WaitFor")
	}
}

func TestWaitHeartbeat(t *testing.T) {
	e, reg, _ := testEngine(t, clock.Real{})
	ctx := context.Background()
	register(t, reg, "lab/beta")

	var beats atomic.Int64
	res, err := e.WaitAny(ctx, "lab/beta", 50*time.Millisecond, func() { beats.Add(1) })
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusTimeout {
		t.Fatalf("status %q", res.Status)
	}
	if beats.Load() == 0 {
		t.Error("heartbeat never fired")
	}
}

func TestShutdownWakesWaiters(t *testing.T) {
	e, reg, _ := testEngine(t, clock.Real{})
	ctx := context.Background()
	register(t, reg, "lab/beta")

	done := make(chan WaitResult, 1)
	go func() {
		res, _ := e.WaitAny(ctx, "lab/beta", 30*time.Second, nil)
		done <- res
	}()

	time.Sleep(50 * time.Millisecond)
	e.Shutdown(ctx)

	select {
	case res := <-done:
		if res.Status != StatusRetry || res.RetryAfter != 15 {
			t.Errorf("result %+v, want retry after 15", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not wake the waiter")
	}
}

func TestWebhookFires(t *testing.T) {
	e, reg, _ := testEngine(t, clock.Real{})
	ctx := context.Background()
	register(t, reg, "lab/alpha", "lab/beta")

	type delivery struct {
		body    []byte
		headers http.Header
	}
	received := make(chan delivery, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- delivery{body: body, headers: r.Header.Clone()}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := reg.SetWebhook(ctx, "lab/beta", srv.URL, "hook-secret"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Send(ctx, "lab/alpha", "lab/beta", "", "top secret payload", "", false); err != nil {
		t.Fatal(err)
	}

	select {
	case d := <-received:
		// Only the recipient id goes over the wire, never message content.
		if string(d.body) != `{"agent_id":"lab/beta"}` {
			t.Errorf("payload %q", d.body)
		}
		mac := hmac.New(sha256.New, []byte("hook-secret"))
		mac.Write(d.body)
		if got, want := d.headers.Get("X-C3PO-Signature"), hex.EncodeToString(mac.Sum(nil)); got != want {
			t.Errorf("signature %q, want %q", got, want)
		}
		for name := range d.headers {
			if strings.Contains(strings.ToLower(name), "secret") {
				t.Errorf("secret leaked in header %q", name)
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("webhook never fired")
	}
}
