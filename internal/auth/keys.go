package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/c3po-dev/c3po/internal/apierr"
)

const (
	keysKey   = "c3po:api_keys"
	keyIDsKey = "c3po:key_ids"
)

// KeyRecord is the stored form of an API key. Hash is a bcrypt digest of the
// raw key; the raw key itself is never persisted.
type KeyRecord struct {
	KeyID       string `json:"key_id"`
	Pattern     string `json:"pattern"`
	Description string `json:"description,omitempty"`
	Hash        string `json:"hash,omitempty"`
	CreatedAt   string `json:"created_at"`
	RevokedAt   string `json:"revoked_at,omitempty"`
}

// CreatedKey is the one-time response to key creation. Token is the full
// composite bearer and cannot be recovered later.
type CreatedKey struct {
	KeyID   string `json:"key_id"`
	Token   string `json:"token"`
	Pattern string `json:"pattern"`
}

// CreateKey mints a new API key scoped to the given identity pattern and
// returns the composite bearer token.
func (a *Authenticator) CreateKey(ctx context.Context, pattern, description string) (CreatedKey, error) {
	if pattern == "" {
		return CreatedKey{}, apierr.InvalidRequest("pattern", "must not be empty")
	}

	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return CreatedKey{}, fmt.Errorf("generate key: %w", err)
	}
	rawKey := base64.RawURLEncoding.EncodeToString(buf[:])

	var idBuf [8]byte
	if _, err := rand.Read(idBuf[:]); err != nil {
		return CreatedKey{}, fmt.Errorf("generate key id: %w", err)
	}
	keyID := hex.EncodeToString(idBuf[:])

	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
	if err != nil {
		return CreatedKey{}, fmt.Errorf("hash key: %w", err)
	}

	rec := KeyRecord{
		KeyID:       keyID,
		Pattern:     pattern,
		Description: description,
		Hash:        string(hash),
		CreatedAt:   a.clk.Now().UTC().Format(time.RFC3339),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return CreatedKey{}, fmt.Errorf("marshal key record: %w", err)
	}

	sum := sha256.Sum256([]byte(rawKey))
	index := hex.EncodeToString(sum[:])
	if err := a.store.HSet(ctx, keysKey, index, raw); err != nil {
		return CreatedKey{}, apierr.StoreUnavailable(err)
	}
	if err := a.store.HSet(ctx, keyIDsKey, keyID, []byte(index)); err != nil {
		return CreatedKey{}, apierr.StoreUnavailable(err)
	}

	token := rawKey
	if a.cfg.ServerSecret != "" {
		token = a.cfg.ServerSecret + "." + rawKey
	}
	return CreatedKey{KeyID: keyID, Token: token, Pattern: pattern}, nil
}

// RevokeKey marks a key revoked. The record stays visible in listings but no
// longer authenticates. Revoking twice is an error.
func (a *Authenticator) RevokeKey(ctx context.Context, keyID string) error {
	index, err := a.store.HGet(ctx, keyIDsKey, keyID)
	if err != nil {
		return apierr.StoreUnavailable(err)
	}
	if index == nil {
		return apierr.InvalidRequest("key_id", "no such key")
	}
	rec, err := a.lookupKey(ctx, string(index))
	if err != nil {
		return err
	}
	if rec == nil {
		return apierr.InvalidRequest("key_id", "no such key")
	}
	if rec.RevokedAt != "" {
		return apierr.InvalidRequest("key_id", "key is already revoked")
	}

	rec.RevokedAt = a.clk.Now().UTC().Format(time.RFC3339)
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal key record: %w", err)
	}
	if err := a.store.HSet(ctx, keysKey, string(index), raw); err != nil {
		return apierr.StoreUnavailable(err)
	}
	return nil
}

// ListKeys returns all key records with their hashes stripped.
func (a *Authenticator) ListKeys(ctx context.Context) ([]KeyRecord, error) {
	all, err := a.store.HGetAll(ctx, keysKey)
	if err != nil {
		return nil, apierr.StoreUnavailable(err)
	}
	out := make([]KeyRecord, 0, len(all))
	for _, raw := range all {
		var rec KeyRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		rec.Hash = ""
		out = append(out, rec)
	}
	return out, nil
}
