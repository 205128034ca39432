package store

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

var ErrNilClient = errors.New("store: nil redis client")

var _ Store = (*Redis)(nil)

// Redis persists entries as plain string keys. An entry's Expiry becomes
// the key's TTL.
type Redis struct {
	rdb    goredis.UniversalClient
	prefix string
	now    func() time.Time
}

type RedisConfig struct {
	Client goredis.UniversalClient
	Prefix string
}

func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &Redis{rdb: cfg.Client, prefix: cfg.Prefix, now: time.Now}, nil
}

func (r *Redis) k(key string) string { return r.prefix + key }

func (r *Redis) Load(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.rdb.Get(ctx, r.k(key)).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *Redis) LoadAll(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.k(k)
	}
	vals, err := r.rdb.MGet(ctx, full...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[keys[i]] = []byte(s)
		}
	}
	return out, nil
}

func (r *Redis) ttl(e Entry) time.Duration {
	if e.Expiry.IsZero() {
		return 0
	}
	d := e.Expiry.Sub(r.now())
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

func (r *Redis) Store(ctx context.Context, e Entry) error {
	return r.rdb.Set(ctx, r.k(e.Key), e.Value, r.ttl(e)).Err()
}

// StoreAll pipelines one SET per entry and reports the ones that failed.
func (r *Redis) StoreAll(ctx context.Context, es []Entry) error {
	if len(es) == 0 {
		return nil
	}
	pipe := r.rdb.Pipeline()
	cmds := make([]*goredis.StatusCmd, len(es))
	for i, e := range es {
		cmds[i] = pipe.Set(ctx, r.k(e.Key), e.Value, r.ttl(e))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		var failed []string
		for i, c := range cmds {
			if c.Err() != nil {
				failed = append(failed, es[i].Key)
			}
		}
		if len(failed) == 0 {
			failed = keysOf(es)
		}
		return &BatchError{Failed: failed, Err: err}
	}
	return nil
}

func (r *Redis) Erase(ctx context.Context, e Entry) error {
	return r.rdb.Del(ctx, r.k(e.Key)).Err()
}

func (r *Redis) EraseAll(ctx context.Context, es []Entry) error {
	if len(es) == 0 {
		return nil
	}
	full := make([]string, len(es))
	for i, e := range es {
		full[i] = r.k(e.Key)
	}
	if err := r.rdb.Del(ctx, full...).Err(); err != nil {
		return &BatchError{Failed: keysOf(es), Err: err}
	}
	return nil
}
