package blob

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/c3po-dev/c3po/internal/apierr"
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

func testService(t *testing.T) (*Service, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	st, err := store.OpenBolt(filepath.Join(t.TempDir(), "blob.db"), clk)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, clk), clk
}

func TestUploadAndFetch(t *testing.T) {
	s, _ := testService(t)
	ctx := context.Background()

	content := []byte("large payload here")
	id, err := s.Upload(ctx, "lab/alpha", content, `{"filename":"data.bin"}`)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(id, "blob-") || len(id) != len("blob-")+16 {
		t.Errorf("blob id %q", id)
	}

	b, err := s.Fetch(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b.Content, content) {
		t.Errorf("content %q", b.Content)
	}
	if b.Owner != "lab/alpha" || b.Metadata != `{"filename":"data.bin"}` {
		t.Errorf("fields lost: %+v", b)
	}
}

func TestUploadLimits(t *testing.T) {
	s, _ := testService(t)
	ctx := context.Background()

	if _, err := s.Upload(ctx, "lab/alpha", nil, ""); err == nil {
		t.Error("empty content accepted")
	}

	_, err := s.Upload(ctx, "lab/alpha", make([]byte, MaxSize+1), "")
	ae, ok := err.(*apierr.Error)
	if !ok || ae.Code != apierr.CodeBlobTooLarge {
		t.Errorf("error %v, want BLOB_TOO_LARGE", err)
	}
}

func TestFetchUnknown(t *testing.T) {
	s, _ := testService(t)
	ctx := context.Background()

	_, err := s.Fetch(ctx, "blob-0123456789abcdef")
	ae, ok := err.(*apierr.Error)
	if !ok || ae.Code != apierr.CodeBlobNotFound {
		t.Errorf("error %v, want BLOB_NOT_FOUND", err)
	}

	if _, err := s.Fetch(ctx, "not-a-blob-id"); err == nil {
		t.Error("malformed id accepted")
	}
}

func TestBlobExpires(t *testing.T) {
	s, clk := testService(t)
	ctx := context.Background()

	id, err := s.Upload(ctx, "lab/alpha", []byte("data"), "")
	if err != nil {
		t.Fatal(err)
	}

	clk.Advance(25 * time.Hour)
	_, err = s.Fetch(ctx, id)
	ae, ok := err.(*apierr.Error)
	if !ok || ae.Code != apierr.CodeBlobNotFound {
		t.Errorf("error %v, want BLOB_NOT_FOUND after expiry", err)
	}
}
