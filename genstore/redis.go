package genstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisGenStore shares generations across processes that write the same keys.
// With a TTL, counters of idle keys expire and read as 0 again.
type RedisGenStore struct {
	rdb         redis.UniversalClient
	ns          string
	ttl         time.Duration
	closeClient bool
}

var _ GenStore = (*RedisGenStore)(nil)

type RedisConfig struct {
	Client    redis.UniversalClient
	Namespace string
	// TTL is refreshed on every bump; 0 keeps counters forever.
	TTL         time.Duration
	CloseClient bool
}

func NewRedisGenStore(cfg RedisConfig) (*RedisGenStore, error) {
	if cfg.Client == nil {
		return nil, errors.New("genstore: nil redis client")
	}
	return &RedisGenStore{rdb: cfg.Client, ns: cfg.Namespace, ttl: cfg.TTL, closeClient: cfg.CloseClient}, nil
}

func (s *RedisGenStore) key(k string) string { return "tiergen:" + s.ns + ":" + k }

func parseGen(key string, v any) (uint64, error) {
	var raw string
	switch vv := v.(type) {
	case nil:
		return 0, nil
	case string:
		raw = vv
	case []byte:
		raw = string(vv)
	default:
		raw = fmt.Sprint(vv)
	}
	u, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("genstore: parse %q: %w", key, err)
	}
	return u, nil
}

func (s *RedisGenStore) Snapshot(ctx context.Context, k string) (uint64, error) {
	res, err := s.rdb.Get(ctx, s.key(k)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return parseGen(k, res)
}

func (s *RedisGenStore) SnapshotMany(ctx context.Context, ks []string) (map[string]uint64, error) {
	if len(ks) == 0 {
		return map[string]uint64{}, nil
	}
	full := make([]string, len(ks))
	for i, k := range ks {
		full[i] = s.key(k)
	}
	vals, err := s.rdb.MGet(ctx, full...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint64, len(ks))
	for i, v := range vals {
		g, err := parseGen(ks[i], v)
		if err != nil {
			return nil, err
		}
		out[ks[i]] = g
	}
	return out, nil
}

// Bump increments the counter; with a TTL, INCR and PEXPIRE share one
// MULTI/EXEC round-trip.
func (s *RedisGenStore) Bump(ctx context.Context, k string) (uint64, error) {
	key := s.key(k)
	if s.ttl <= 0 {
		v, err := s.rdb.Incr(ctx, key).Result()
		return uint64(v), err
	}
	var incr *redis.IntCmd
	if _, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		p.PExpire(ctx, key, s.ttl)
		return nil
	}); err != nil {
		return 0, err
	}
	return uint64(incr.Val()), nil
}

// Cleanup is a no-op: Redis expires counters itself when a TTL is set.
func (s *RedisGenStore) Cleanup(time.Duration) {}

func (s *RedisGenStore) Close(context.Context) error {
	if s.closeClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			return err
		}
	}
	return nil
}
