package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/c3po-dev/c3po/internal/clock"
)

var (
	bucketHashes = []byte("hashes")
	bucketLists  = []byte("lists")
	bucketZSets  = []byte("zsets")
	bucketTTL    = []byte("ttl")
)

// Bolt is the embedded BoltDB backend. Logical keys map to nested buckets
// inside a per-kind top-level bucket. TTLs are recorded as deadlines in a
// separate bucket; expired keys read as absent and are physically removed
// by Scavenge.
type Bolt struct {
	db  *bolt.DB
	clk clock.Clock

	// waiters holds one wakeup channel per blocked BLPop call, keyed by
	// list key. Each RPush wakes at most one waiter.
	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

// OpenBolt creates or opens a BoltDB store at the given path.
func OpenBolt(path string, clk clock.Clock) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketHashes, bucketLists, bucketZSets, bucketTTL} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Bolt{db: db, clk: clk, waiters: make(map[string][]chan struct{})}, nil
}

// Close closes the underlying BoltDB.
func (s *Bolt) Close() error {
	return s.db.Close()
}

// Ping verifies the database is readable.
func (s *Bolt) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error { return nil })
}

// expired reports whether the logical key has a lapsed deadline.
func (s *Bolt) expired(tx *bolt.Tx, key string) bool {
	v := tx.Bucket(bucketTTL).Get([]byte(key))
	if v == nil || len(v) != 8 {
		return false
	}
	deadline := int64(binary.BigEndian.Uint64(v))
	return deadline <= s.clk.Now().UnixNano()
}

// setTTL records or refreshes the key's deadline. A zero ttl clears it.
func (s *Bolt) setTTL(tx *bolt.Tx, key string, ttl time.Duration) error {
	b := tx.Bucket(bucketTTL)
	if ttl <= 0 {
		return b.Delete([]byte(key))
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(s.clk.Now().Add(ttl).UnixNano()))
	return b.Put([]byte(key), buf[:])
}

// liveBucket returns the nested bucket for key inside kind, or nil if the
// key is absent or expired.
func (s *Bolt) liveBucket(tx *bolt.Tx, kind []byte, key string) *bolt.Bucket {
	if s.expired(tx, key) {
		return nil
	}
	return tx.Bucket(kind).Bucket([]byte(key))
}

// writeBucket returns the nested bucket for key inside kind, creating it
// and dropping any expired leftovers first.
func (s *Bolt) writeBucket(tx *bolt.Tx, kind []byte, key string) (*bolt.Bucket, error) {
	parent := tx.Bucket(kind)
	if s.expired(tx, key) {
		if parent.Bucket([]byte(key)) != nil {
			if err := parent.DeleteBucket([]byte(key)); err != nil {
				return nil, err
			}
		}
		if err := tx.Bucket(bucketTTL).Delete([]byte(key)); err != nil {
			return nil, err
		}
	}
	return parent.CreateBucketIfNotExists([]byte(key))
}

func (s *Bolt) HSet(ctx context.Context, key, field string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.writeBucket(tx, bucketHashes, key)
		if err != nil {
			return err
		}
		return b.Put([]byte(field), value)
	})
}

func (s *Bolt) HGet(ctx context.Context, key, field string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := s.liveBucket(tx, bucketHashes, key)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(field)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

func (s *Bolt) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := s.liveBucket(tx, bucketHashes, key)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			out[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	return out, err
}

func (s *Bolt) HDel(ctx context.Context, key string, fields ...string) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := s.liveBucket(tx, bucketHashes, key)
		if b == nil {
			return nil
		}
		for _, f := range fields {
			if b.Get([]byte(f)) != nil {
				if err := b.Delete([]byte(f)); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, err
}

// seqKey encodes a list sequence number so that byte order matches insert
// order for RPush lists.
func seqKey(seq uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return buf[:]
}

func (s *Bolt) RPush(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.writeBucket(tx, bucketLists, key)
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(seq), value); err != nil {
			return err
		}
		return s.setTTL(tx, key, ttl)
	})
	if err != nil {
		return err
	}
	s.wakeOne(key)
	return nil
}

func (s *Bolt) LPushTrim(ctx context.Context, key string, value []byte, maxLen int, ttl time.Duration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.writeBucket(tx, bucketLists, key)
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		// Inverted sequence keys make byte order newest-first.
		if err := b.Put(seqKey(^seq), value); err != nil {
			return err
		}
		// Trim the oldest entries past maxLen.
		c := b.Cursor()
		n := 0
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			n++
			if n > maxLen {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return s.setTTL(tx, key, ttl)
	})
}

func (s *Bolt) LPop(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := s.liveBucket(tx, bucketLists, key)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		k, v := c.First()
		if k == nil {
			return nil
		}
		out = append([]byte(nil), v...)
		return c.Delete()
	})
	return out, err
}

func (s *Bolt) LRange(ctx context.Context, key string) ([][]byte, error) {
	var out [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := s.liveBucket(tx, bucketLists, key)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			out = append(out, append([]byte(nil), v...))
			return nil
		})
	})
	return out, err
}

func (s *Bolt) LRem(ctx context.Context, key string, value []byte) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := s.liveBucket(tx, bucketLists, key)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if bytes.Equal(v, value) {
				if err := c.Delete(); err != nil {
					return err
				}
				removed = 1
				return nil
			}
		}
		return nil
	})
	return removed, err
}

func (s *Bolt) LLen(ctx context.Context, key string) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b := s.liveBucket(tx, bucketLists, key)
		if b == nil {
			return nil
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}

// BLPop blocks until the list has an element or the timeout elapses.
// Spurious wakeups are absorbed internally: a woken waiter that loses the
// race to another popper goes back to sleep for the remaining time.
func (s *Bolt) BLPop(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	deadline := s.clk.Now().Add(timeout)
	for {
		v, err := s.LPop(ctx, key)
		if err != nil || v != nil {
			return v, err
		}

		remaining := deadline.Sub(s.clk.Now())
		if remaining <= 0 {
			return nil, nil
		}

		ch := s.subscribe(key)
		// Re-check after subscribing so a push between the pop above and
		// the subscribe cannot be missed.
		v, err = s.LPop(ctx, key)
		if err != nil || v != nil {
			s.unsubscribe(key, ch)
			return v, err
		}

		select {
		case <-ch:
			s.unsubscribe(key, ch)
		case <-s.clk.After(remaining):
			s.unsubscribe(key, ch)
			return s.LPop(ctx, key)
		case <-ctx.Done():
			s.unsubscribe(key, ch)
			return nil, ctx.Err()
		}
	}
}

func (s *Bolt) subscribe(key string) chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.waiters[key] = append(s.waiters[key], ch)
	s.mu.Unlock()
	return ch
}

func (s *Bolt) unsubscribe(key string, ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := s.waiters[key]
	for i, w := range ws {
		if w == ch {
			s.waiters[key] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(s.waiters[key]) == 0 {
		delete(s.waiters, key)
	}
}

// wakeOne signals a single blocked BLPop waiter for the key, if any.
func (s *Bolt) wakeOne(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := s.waiters[key]
	if len(ws) == 0 {
		return
	}
	ch := ws[0]
	s.waiters[key] = ws[1:]
	select {
	case ch <- struct{}{}:
	default:
	}
}

// scoreBytes encodes a sorted-set score for storage.
func scoreBytes(score float64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(score))
	return buf[:]
}

func (s *Bolt) ZAdd(ctx context.Context, key, member string, score float64, ttl time.Duration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.writeBucket(tx, bucketZSets, key)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(member), scoreBytes(score)); err != nil {
			return err
		}
		return s.setTTL(tx, key, ttl)
	})
}

func (s *Bolt) ZRemRangeByScore(ctx context.Context, key string, max float64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := s.liveBucket(tx, bucketZSets, key)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) == 8 && math.Float64frombits(binary.BigEndian.Uint64(v)) <= max {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *Bolt) ZCard(ctx context.Context, key string) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b := s.liveBucket(tx, bucketZSets, key)
		if b == nil {
			return nil
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}

func (s *Bolt) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.setTTL(tx, key, ttl)
	})
}

func (s *Bolt) Del(ctx context.Context, keys ...string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, key := range keys {
			for _, kind := range [][]byte{bucketHashes, bucketLists, bucketZSets} {
				parent := tx.Bucket(kind)
				if parent.Bucket([]byte(key)) != nil {
					if err := parent.DeleteBucket([]byte(key)); err != nil {
						return err
					}
				}
			}
			if err := tx.Bucket(bucketTTL).Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Scavenge physically removes keys whose TTL deadline has lapsed. Driven
// by the periodic cron job; reads treat expired keys as absent regardless.
func (s *Bolt) Scavenge(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		ttl := tx.Bucket(bucketTTL)
		var dead []string
		err := ttl.ForEach(func(k, v []byte) error {
			if len(v) == 8 && int64(binary.BigEndian.Uint64(v)) <= now.UnixNano() {
				dead = append(dead, string(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, key := range dead {
			for _, kind := range [][]byte{bucketHashes, bucketLists, bucketZSets} {
				parent := tx.Bucket(kind)
				if parent.Bucket([]byte(key)) != nil {
					if err := parent.DeleteBucket([]byte(key)); err != nil {
						return err
					}
				}
			}
			if err := ttl.Delete([]byte(key)); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
