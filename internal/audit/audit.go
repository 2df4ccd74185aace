// Package audit maintains a bounded ring of security-relevant events in the
// store. Writes are best-effort: a failed append is logged and dropped rather
// than failing the operation that produced it.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/c3po-dev/c3po/internal/clock"
	"github.com/c3po-dev/c3po/internal/logging"
	"github.com/c3po-dev/c3po/internal/store"
)

const (
	logKey     = "c3po:audit"
	maxEntries = 1000
	retention  = 7 * 24 * time.Hour
)

// Event names recorded by the coordinator.
const (
	EventAuthSuccess       = "auth_success"
	EventAuthFailure       = "auth_failure"
	EventAgentRegister     = "agent_register"
	EventAgentUnregister   = "agent_unregister"
	EventMessageSend       = "message_send"
	EventMessageRespond    = "message_respond"
	EventMessageReceive    = "message_receive"
	EventAdminKeyCreate    = "admin_key_create"
	EventAdminKeyRevoke    = "admin_key_revoke"
	EventAuthzDenied       = "authorization_denied"
	EventRateLimitExceeded = "rate_limit_exceeded"
	EventBlobUpload        = "blob_upload"
	EventBlobDownload      = "blob_download"
)

// Entry is one recorded audit event.
type Entry struct {
	Timestamp string            `json:"timestamp"`
	Event     string            `json:"event"`
	Identity  string            `json:"identity"`
	Details   map[string]string `json:"details,omitempty"`
}

// Logger appends audit entries to the store ring.
type Logger struct {
	store store.Store
	log   *logging.Logger
	clk   clock.Clock
}

func New(st store.Store, log *logging.Logger, clk clock.Clock) *Logger {
	return &Logger{store: st, log: log, clk: clk}
}

// Record appends an event to the ring. Failures are logged, never returned.
func (l *Logger) Record(ctx context.Context, event, identity string, details map[string]string) {
	entry := Entry{
		Timestamp: l.clk.Now().UTC().Format(time.RFC3339),
		Event:     event,
		Identity:  identity,
		Details:   details,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		l.log.Warn("audit marshal failed", "event", event, "error", err)
		return
	}
	if err := l.store.LPushTrim(ctx, logKey, raw, maxEntries, retention); err != nil {
		l.log.Warn("audit write failed", "event", event, "error", err)
	}
}

// Recent returns up to limit entries, newest first. A non-empty eventFilter
// keeps only entries with that event name; filtering happens after retrieval
// so the result may hold fewer than limit matches.
func (l *Logger) Recent(ctx context.Context, limit int, eventFilter string) ([]Entry, error) {
	if limit <= 0 || limit > maxEntries {
		limit = maxEntries
	}
	raws, err := l.store.LRange(ctx, logKey)
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, limit)
	for _, raw := range raws {
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			continue
		}
		if eventFilter != "" && e.Event != eventFilter {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
