// Package blob stores large payloads out of band so messages can carry a
// small reference instead of the content itself.
package blob

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c3po-dev/c3po/internal/apierr"
	"github.com/c3po-dev/c3po/internal/clock"
	"github.com/c3po-dev/c3po/internal/store"
)

const (
	// MaxSize caps one blob's content.
	MaxSize = 5 * 1024 * 1024

	retention = 24 * time.Hour

	keyPrefix = "c3po:blob:"
)

// Blob is one stored payload.
type Blob struct {
	ID        string `json:"id"`
	Content   []byte `json:"content"`
	Metadata  string `json:"metadata,omitempty"`
	Owner     string `json:"owner"`
	CreatedAt string `json:"created_at"`
}

// Service stores and fetches blobs with a bounded lifetime.
type Service struct {
	store store.Store
	clk   clock.Clock
}

func New(st store.Store, clk clock.Clock) *Service {
	return &Service{store: st, clk: clk}
}

// Upload stores content under a fresh blob id valid for 24 hours.
func (s *Service) Upload(ctx context.Context, owner string, content []byte, metadata string) (string, error) {
	if len(content) == 0 {
		return "", apierr.InvalidRequest("content", "must not be empty")
	}
	if len(content) > MaxSize {
		return "", apierr.BlobTooLarge(len(content), MaxSize)
	}

	id := "blob-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	key := keyPrefix + id

	fields := map[string][]byte{
		"content":    content,
		"metadata":   []byte(metadata),
		"owner":      []byte(owner),
		"created_at": []byte(s.clk.Now().UTC().Format(time.RFC3339)),
	}
	for f, v := range fields {
		if err := s.store.HSet(ctx, key, f, v); err != nil {
			return "", apierr.StoreUnavailable(err)
		}
	}
	if err := s.store.Expire(ctx, key, retention); err != nil {
		return "", apierr.StoreUnavailable(err)
	}
	return id, nil
}

// Fetch returns a stored blob. Expired or unknown ids report BLOB_NOT_FOUND.
func (s *Service) Fetch(ctx context.Context, id string) (Blob, error) {
	if !strings.HasPrefix(id, "blob-") {
		return Blob{}, apierr.InvalidRequest("blob_id", "must start with 'blob-'")
	}
	all, err := s.store.HGetAll(ctx, keyPrefix+id)
	if err != nil {
		return Blob{}, apierr.StoreUnavailable(err)
	}
	if len(all) == 0 {
		return Blob{}, apierr.BlobNotFound(id)
	}
	return Blob{
		ID:        id,
		Content:   all["content"],
		Metadata:  string(all["metadata"]),
		Owner:     string(all["owner"]),
		CreatedAt: string(all["created_at"]),
	}, nil
}
