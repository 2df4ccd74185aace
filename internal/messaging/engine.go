// Package messaging implements the coordinator's inbox model: sends queue a
// message and a wakeup token, reads peek without consuming, and an explicit
// ack removes entries. Long polls block on the wakeup token list.
package messaging

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c3po-dev/c3po/internal/apierr"
	"github.com/c3po-dev/c3po/internal/clock"
	"github.com/c3po-dev/c3po/internal/logging"
	"github.com/c3po-dev/c3po/internal/registry"
	"github.com/c3po-dev/c3po/internal/store"
)

const (
	// maxFieldLen caps the body and context fields of one message.
	maxFieldLen = 50000

	// waitSlice bounds one blocking pop so long polls can heartbeat and
	// notice shutdown.
	waitSlice = 10 * time.Second

	// retryAfterSeconds is returned to waiters woken by shutdown.
	retryAfterSeconds = 15

	shutdownToken = "shutdown"
	notifyToken   = "1"

	webhookTimeout = 5 * time.Second
)

// Message types.
const (
	TypeMessage = "message"
	TypeReply   = "reply"
)

// Wait statuses.
const (
	StatusDelivered = "delivered"
	StatusTimeout   = "timeout"
	StatusRetry     = "retry"
)

// Message is one inbox entry. Replies are ordinary entries with type "reply"
// and ReplyTo set to the message they answer.
type Message struct {
	ID        string `json:"id"`
	From      string `json:"from_agent"`
	To        string `json:"to_agent"`
	Type      string `json:"type"`
	Subject   string `json:"subject,omitempty"`
	Body      string `json:"message"`
	Context   string `json:"context,omitempty"`
	ReplyTo   string `json:"reply_to,omitempty"`
	Timestamp string `json:"timestamp"`
	ExpiresAt string `json:"expires_at"`
}

// SendResult reports a queued message.
type SendResult struct {
	MessageID       string `json:"message_id"`
	OfflineDelivery bool   `json:"offline_delivery,omitempty"`
	Note            string `json:"note,omitempty"`
}

// WaitResult is the outcome of a long poll.
type WaitResult struct {
	Status     string    `json:"status"`
	Messages   []Message `json:"messages,omitempty"`
	RetryAfter int       `json:"retry_after,omitempty"`
}

// Engine brokers messages between agents through the store.
type Engine struct {
	store      store.Store
	registry   *registry.Registry
	log        *logging.Logger
	clk        clock.Clock
	messageTTL time.Duration
	client     *http.Client

	// waiting tracks agents with an active long poll so shutdown can wake
	// them.
	mu      sync.Mutex
	waiting map[string]int
}

func New(st store.Store, reg *registry.Registry, log *logging.Logger, clk clock.Clock, messageTTL time.Duration) *Engine {
	return &Engine{
		store:      st,
		registry:   reg,
		log:        log,
		clk:        clk,
		messageTTL: messageTTL,
		client:     &http.Client{Timeout: webhookTimeout},
		waiting:    make(map[string]int),
	}
}

func inboxKey(id string) string  { return "c3po:inbox:" + id }
func notifyKey(id string) string { return "c3po:notify:" + id }

// Send queues a message for the target agent and wakes one waiter. Unknown
// targets fail unless deliverOffline is set, which creates a placeholder so
// the message waits for the agent's first registration.
func (e *Engine) Send(ctx context.Context, from, to, subject, body, msgContext string, deliverOffline bool) (SendResult, error) {
	if err := registry.ValidateID(to); err != nil {
		return SendResult{}, apierr.InvalidRequest("target", "must be of the form machine/project")
	}
	if body == "" {
		return SendResult{}, apierr.InvalidRequest("message", "must not be empty")
	}
	if len(body) > maxFieldLen {
		return SendResult{}, apierr.InvalidRequest("message", fmt.Sprintf("exceeds %d bytes; upload large payloads as a blob and send the blob id instead", maxFieldLen))
	}
	if len(msgContext) > maxFieldLen {
		return SendResult{}, apierr.InvalidRequest("context", fmt.Sprintf("exceeds %d bytes", maxFieldLen))
	}

	target, err := e.registry.Get(ctx, to)
	if err != nil {
		if !deliverOffline {
			return SendResult{}, err
		}
		if err := e.registry.EnsurePlaceholder(ctx, to); err != nil {
			return SendResult{}, err
		}
		target, err = e.registry.Get(ctx, to)
		if err != nil {
			return SendResult{}, err
		}
	}

	msg := e.newMessage(from, to, TypeMessage, subject, body, msgContext, "")
	if err := e.deliver(ctx, msg); err != nil {
		return SendResult{}, err
	}

	result := SendResult{MessageID: msg.ID}
	if target.Status != "online" {
		result.OfflineDelivery = true
		result.Note = "recipient is offline; the message is queued for delivery when it reconnects"
	}
	e.fireWebhook(target.ID)
	return result, nil
}

// Reply queues an answer into the original sender's inbox. Only the
// recipient named in the message id may reply.
func (e *Engine) Reply(ctx context.Context, from, messageID, body string) (SendResult, error) {
	sender, recipient, err := parseMessageID(messageID)
	if err != nil {
		return SendResult{}, err
	}
	if recipient != from {
		return SendResult{}, apierr.InvalidRequest("message_id", "only the message recipient may reply")
	}
	if body == "" {
		return SendResult{}, apierr.InvalidRequest("message", "must not be empty")
	}
	if len(body) > maxFieldLen {
		return SendResult{}, apierr.InvalidRequest("message", fmt.Sprintf("exceeds %d bytes", maxFieldLen))
	}

	target, err := e.registry.Get(ctx, sender)
	if err != nil {
		return SendResult{}, err
	}

	msg := e.newMessage(from, sender, TypeReply, "", body, "", messageID)
	if err := e.deliver(ctx, msg); err != nil {
		return SendResult{}, err
	}
	e.fireWebhook(target.ID)
	return SendResult{MessageID: msg.ID}, nil
}

// Get returns the agent's pending messages without consuming them. Entries
// past their expiry are filtered out.
func (e *Engine) Get(ctx context.Context, agentID string) ([]Message, error) {
	raws, err := e.store.LRange(ctx, inboxKey(agentID))
	if err != nil {
		return nil, apierr.StoreUnavailable(err)
	}
	now := e.clk.Now()
	out := make([]Message, 0, len(raws))
	for _, raw := range raws {
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		if expired(m, now) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// PendingCount reports how many entries sit in the agent's inbox, including
// any that have expired but not yet been scavenged.
func (e *Engine) PendingCount(ctx context.Context, agentID string) (int, error) {
	n, err := e.store.LLen(ctx, inboxKey(agentID))
	if err != nil {
		return 0, apierr.StoreUnavailable(err)
	}
	return n, nil
}

// Ack removes the named messages from the agent's inbox. Ids that are absent
// are skipped, so retrying an ack is safe. Returns the ids actually removed.
func (e *Engine) Ack(ctx context.Context, agentID string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, apierr.InvalidRequest("ids", "must not be empty")
	}
	for _, id := range ids {
		if _, _, err := parseMessageID(id); err != nil {
			return nil, err
		}
	}

	raws, err := e.store.LRange(ctx, inboxKey(agentID))
	if err != nil {
		return nil, apierr.StoreUnavailable(err)
	}

	acked := make([]string, 0, len(ids))
	for _, id := range ids {
		raw := findByID(raws, id)
		if raw == nil {
			continue
		}
		n, err := e.store.LRem(ctx, inboxKey(agentID), raw)
		if err != nil {
			return acked, apierr.StoreUnavailable(err)
		}
		if n > 0 {
			acked = append(acked, id)
		}
	}
	return acked, nil
}

// WaitAny blocks until the agent has at least one pending message, the
// timeout lapses, or the coordinator begins shutting down. The heartbeat
// callback, when non-nil, runs after each blocking slice.
func (e *Engine) WaitAny(ctx context.Context, agentID string, timeout time.Duration, heartbeat func()) (WaitResult, error) {
	return e.wait(ctx, agentID, timeout, heartbeat, func(msgs []Message) []Message { return msgs })
}

// WaitFor blocks like WaitAny but returns only replies to the given message
// id. Other pending messages stay queued untouched.
func (e *Engine) WaitFor(ctx context.Context, agentID, replyTo string, timeout time.Duration, heartbeat func()) (WaitResult, error) {
	if _, _, err := parseMessageID(replyTo); err != nil {
		return WaitResult{}, err
	}
	return e.wait(ctx, agentID, timeout, heartbeat, func(msgs []Message) []Message {
		var out []Message
		for _, m := range msgs {
			if m.Type == TypeReply && m.ReplyTo == replyTo {
				out = append(out, m)
			}
		}
		return out
	})
}

func (e *Engine) wait(ctx context.Context, agentID string, timeout time.Duration, heartbeat func(), filter func([]Message) []Message) (WaitResult, error) {
	e.addWaiter(agentID)
	defer e.removeWaiter(agentID)

	deadline := e.clk.Now().Add(timeout)
	for {
		msgs, err := e.Get(ctx, agentID)
		if err != nil {
			return WaitResult{}, err
		}
		if matched := filter(msgs); len(matched) > 0 {
			// Absorb one wakeup token so the next wait doesn't return
			// stale-woken.
			e.store.LPop(ctx, notifyKey(agentID))
			return WaitResult{Status: StatusDelivered, Messages: matched}, nil
		}

		remaining := deadline.Sub(e.clk.Now())
		if remaining <= 0 {
			return WaitResult{Status: StatusTimeout}, nil
		}
		slice := remaining
		if slice > waitSlice {
			slice = waitSlice
		}

		token, err := e.store.BLPop(ctx, notifyKey(agentID), slice)
		if err != nil {
			if ctx.Err() != nil {
				return WaitResult{}, ctx.Err()
			}
			return WaitResult{}, apierr.StoreUnavailable(err)
		}
		if string(token) == shutdownToken {
			return WaitResult{Status: StatusRetry, RetryAfter: retryAfterSeconds}, nil
		}
		if heartbeat != nil {
			heartbeat()
		}
	}
}

// Shutdown wakes every active long poll with a retry token so clients
// reconnect after the restart.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	keys := make([]string, 0, len(e.waiting))
	for id, n := range e.waiting {
		for i := 0; i < n; i++ {
			keys = append(keys, notifyKey(id))
		}
	}
	e.mu.Unlock()

	for _, key := range keys {
		if err := e.store.RPush(ctx, key, []byte(shutdownToken), time.Minute); err != nil {
			e.log.Warn("shutdown wake failed", "key", key, "error", err)
		}
	}
}

func (e *Engine) addWaiter(id string) {
	e.mu.Lock()
	e.waiting[id]++
	e.mu.Unlock()
}

func (e *Engine) removeWaiter(id string) {
	e.mu.Lock()
	e.waiting[id]--
	if e.waiting[id] <= 0 {
		delete(e.waiting, id)
	}
	e.mu.Unlock()
}

func (e *Engine) newMessage(from, to, msgType, subject, body, msgContext, replyTo string) Message {
	now := e.clk.Now().UTC()
	return Message{
		ID:        fmt.Sprintf("%s::%s::%s", from, to, strings.ReplaceAll(uuid.NewString(), "-", "")[:8]),
		From:      from,
		To:        to,
		Type:      msgType,
		Subject:   subject,
		Body:      body,
		Context:   msgContext,
		ReplyTo:   replyTo,
		Timestamp: now.Format(time.RFC3339),
		ExpiresAt: now.Add(e.messageTTL).Format(time.RFC3339),
	}
}

// deliver appends the message and a wakeup token, both bounded by the
// message TTL.
func (e *Engine) deliver(ctx context.Context, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := e.store.RPush(ctx, inboxKey(msg.To), raw, e.messageTTL); err != nil {
		return apierr.StoreUnavailable(err)
	}
	if err := e.store.RPush(ctx, notifyKey(msg.To), []byte(notifyToken), e.messageTTL); err != nil {
		return apierr.StoreUnavailable(err)
	}
	return nil
}

// fireWebhook notifies the recipient's webhook that a message is waiting.
// The payload carries only the recipient id, signed with HMAC-SHA256 in the
// X-C3PO-Signature header; message content and the secret itself never leave
// the coordinator. Delivery is fire-and-forget.
func (e *Engine) fireWebhook(agentID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
		defer cancel()

		url, secret, err := e.registry.Webhook(ctx, agentID)
		if err != nil || url == "" {
			return
		}

		body, err := json.Marshal(map[string]string{"agent_id": agentID})
		if err != nil {
			return
		}
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			e.log.Warn("webhook request build failed", "agent", agentID, "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-C3PO-Signature", hex.EncodeToString(mac.Sum(nil)))
		resp, err := e.client.Do(req)
		if err != nil {
			e.log.Warn("webhook delivery failed", "agent", agentID, "error", err)
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			e.log.Warn("webhook rejected", "agent", agentID, "status", resp.StatusCode)
		}
	}()
}

// parseMessageID splits "{from}::{to}::{nonce}" and returns the endpoints.
func parseMessageID(id string) (from, to string, err error) {
	parts := strings.Split(id, "::")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", apierr.InvalidRequest("message_id", "must be of the form sender::recipient::nonce")
	}
	return parts[0], parts[1], nil
}

func expired(m Message, now time.Time) bool {
	exp, err := time.Parse(time.RFC3339, m.ExpiresAt)
	if err != nil {
		return false
	}
	return !now.Before(exp)
}

func findByID(raws [][]byte, id string) []byte {
	for _, raw := range raws {
		var m struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		if m.ID == id {
			return raw
		}
	}
	return nil
}
