package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the go-redis backend. The mapping onto Redis commands is
// direct: lists use RPUSH/LPOP/BLPOP, rate windows use sorted sets, and
// TTLs use native EXPIRE.
type Redis struct {
	rdb *redis.Client
}

// OpenRedis connects to the Redis instance named by url (redis:// or
// rediss://). caCertPath, when non-empty, supplies a root CA bundle for
// TLS connections.
func OpenRedis(url, caCertPath string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}

	if caCertPath != "" {
		pem, err := os.ReadFile(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("read ca cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", caCertPath)
		}
		if opt.TLSConfig == nil {
			opt.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		opt.TLSConfig.RootCAs = pool
	}

	return &Redis{rdb: redis.NewClient(opt)}, nil
}

func (s *Redis) Close() error {
	return s.rdb.Close()
}

func (s *Redis) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Redis) HSet(ctx context.Context, key, field string, value []byte) error {
	return s.rdb.HSet(ctx, key, field, value).Err()
}

func (s *Redis) HGet(ctx context.Context, key, field string) ([]byte, error) {
	v, err := s.rdb.HGet(ctx, key, field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return v, err
}

func (s *Redis) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(m))
	for k, v := range m {
		out[k] = []byte(v)
	}
	return out, nil
}

func (s *Redis) HDel(ctx context.Context, key string, fields ...string) (int, error) {
	n, err := s.rdb.HDel(ctx, key, fields...).Result()
	return int(n), err
}

func (s *Redis) RPush(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, key, value)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Redis) LPop(ctx context.Context, key string) ([]byte, error) {
	v, err := s.rdb.LPop(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return v, err
}

func (s *Redis) BLPop(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	res, err := s.rdb.BLPop(ctx, timeout, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BLPOP returns [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected blpop reply of %d elements", len(res))
	}
	return []byte(res[1]), nil
}

func (s *Redis) LRange(ctx context.Context, key string) ([][]byte, error) {
	vals, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (s *Redis) LRem(ctx context.Context, key string, value []byte) (int, error) {
	n, err := s.rdb.LRem(ctx, key, 1, value).Result()
	return int(n), err
}

func (s *Redis) LLen(ctx context.Context, key string) (int, error) {
	n, err := s.rdb.LLen(ctx, key).Result()
	return int(n), err
}

func (s *Redis) LPushTrim(ctx context.Context, key string, value []byte, maxLen int, ttl time.Duration) error {
	pipe := s.rdb.Pipeline()
	pipe.LPush(ctx, key, value)
	pipe.LTrim(ctx, key, 0, int64(maxLen)-1)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Redis) ZAdd(ctx context.Context, key, member string, score float64, ttl time.Duration) error {
	pipe := s.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Redis) ZRemRangeByScore(ctx context.Context, key string, max float64) error {
	return s.rdb.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatFloat(max, 'f', -1, 64)).Err()
}

func (s *Redis) ZCard(ctx context.Context, key string) (int, error) {
	n, err := s.rdb.ZCard(ctx, key).Result()
	return int(n), err
}

func (s *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return s.rdb.Persist(ctx, key).Err()
	}
	return s.rdb.Expire(ctx, key, ttl).Err()
}

func (s *Redis) Del(ctx context.Context, keys ...string) error {
	return s.rdb.Del(ctx, keys...).Err()
}
