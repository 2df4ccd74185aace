package audit

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/c3po-dev/c3po/internal/clock"
	"github.com/c3po-dev/c3po/internal/logging"
	"github.com/c3po-dev/c3po/internal/store"
)

func testLogger(t *testing.T) *Logger {
	t.Helper()
	st, err := store.OpenBolt(filepath.Join(t.TempDir(), "audit.db"), clock.Real{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, logging.New(false), clock.Real{})
}

func TestRecordAndRecent(t *testing.T) {
	l := testLogger(t)
	ctx := context.Background()

	l.Record(ctx, EventAgentRegister, "lab/alpha", map[string]string{"status": "created"})
	l.Record(ctx, EventMessageSend, "lab/alpha", map[string]string{"to": "lab/beta"})
	l.Record(ctx, EventAuthFailure, "unknown", nil)

	entries, err := l.Recent(ctx, 10, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	// Newest first.
	if entries[0].Event != EventAuthFailure {
		t.Errorf("first entry %q, want %q", entries[0].Event, EventAuthFailure)
	}
	if entries[2].Event != EventAgentRegister {
		t.Errorf("last entry %q, want %q", entries[2].Event, EventAgentRegister)
	}
	if entries[1].Details["to"] != "lab/beta" {
		t.Errorf("details not preserved: %v", entries[1].Details)
	}
	if entries[0].Timestamp == "" {
		t.Error("timestamp missing")
	}
}

func TestRecentEventFilter(t *testing.T) {
	l := testLogger(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.Record(ctx, EventAuthSuccess, "lab/a", nil)
		l.Record(ctx, EventAuthFailure, "lab/b", nil)
	}

	entries, err := l.Recent(ctx, 100, EventAuthFailure)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d filtered entries, want 3", len(entries))
	}
	for _, e := range entries {
		if e.Event != EventAuthFailure {
			t.Errorf("filter leaked event %q", e.Event)
		}
	}
}

func TestRecentLimit(t *testing.T) {
	l := testLogger(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		l.Record(ctx, EventMessageSend, "lab/a", map[string]string{"n": strconv.Itoa(i)})
	}

	entries, err := l.Recent(ctx, 5, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 5 {
		t.Fatalf("got %d entries, want 5", len(entries))
	}
	if entries[0].Details["n"] != "19" {
		t.Errorf("newest entry n=%q, want 19", entries[0].Details["n"])
	}
}
