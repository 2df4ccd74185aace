// Package store provides the persistence substrate for the coordinator:
// hashed records, FIFO lists with a blocking pop, sorted sets, and per-key
// TTLs. Two backends implement it: an embedded BoltDB store (default) and
// Redis (selected by C3PO_STORE_URL).
package store

import (
	"context"
	"time"
)

// Store is the single source of truth shared by all coordinator components.
// Every mutation is single-key atomic; lookups of absent keys return
// (nil, nil) rather than an error so callers can distinguish "missing"
// from "store down".
type Store interface {
	// Hash operations back the agent registry and the API key indices.
	HSet(ctx context.Context, key, field string, value []byte) error
	HGet(ctx context.Context, key, field string) ([]byte, error)
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)
	HDel(ctx context.Context, key string, fields ...string) (int, error)

	// List operations back inboxes, notify channels, and the audit ring.
	// A non-zero ttl refreshes the key's expiry on every write.
	RPush(ctx context.Context, key string, value []byte, ttl time.Duration) error
	LPop(ctx context.Context, key string) ([]byte, error)
	// BLPop blocks until an element is available or the timeout elapses,
	// returning (nil, nil) on timeout. The blocked caller consumes no CPU
	// while idle. Cancelling ctx aborts the wait.
	BLPop(ctx context.Context, key string, timeout time.Duration) ([]byte, error)
	LRange(ctx context.Context, key string) ([][]byte, error)
	// LRem removes the first element equal to value, returning the number
	// of elements removed (0 or 1).
	LRem(ctx context.Context, key string, value []byte) (int, error)
	LLen(ctx context.Context, key string) (int, error)
	// LPushTrim prepends value and trims the list to maxLen entries,
	// keeping the newest. Used for the capped audit ring.
	LPushTrim(ctx context.Context, key string, value []byte, maxLen int, ttl time.Duration) error

	// Sorted-set operations back the sliding-window rate limiter.
	ZAdd(ctx context.Context, key, member string, score float64, ttl time.Duration) error
	// ZRemRangeByScore removes members with score <= max.
	ZRemRangeByScore(ctx context.Context, key string, max float64) error
	ZCard(ctx context.Context, key string) (int, error)

	// Expire sets or refreshes a key's TTL independently of writes.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	Del(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
	Close() error
}

// Scavenger is implemented by backends that need a periodic sweep to
// physically remove expired keys (the Bolt backend; Redis expires keys
// natively). The cron job in cmd/c3po drives it.
type Scavenger interface {
	Scavenge(ctx context.Context, now time.Time) (removed int, err error)
}
