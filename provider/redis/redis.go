package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	pr "github.com/unkn0wn-root/tiercache/provider"
)

var ErrNilClient = errors.New("redis provider: nil client")

const scanCount = 512

// Redis is a remote tier. It reports changes made through it; expiry and
// evictions on the server are not observed.
type Redis struct {
	pr.Emitter
	rdb         goredis.UniversalClient
	prefix      string
	closeClient bool
}

var (
	_ pr.Tier       = (*Redis)(nil)
	_ pr.Observable = (*Redis)(nil)
	_ pr.Expiring   = (*Redis)(nil)
)

type Config struct {
	Client goredis.UniversalClient
	// Prefix namespaces every key. Clear requires one.
	Prefix      string
	CloseClient bool // set true only if this provider exclusively owns the client
}

func New(cfg Config) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &Redis{rdb: cfg.Client, prefix: cfg.Prefix, closeClient: cfg.CloseClient}, nil
}

func (p *Redis) k(key string) string { return p.prefix + key }

func (p *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := p.rdb.Get(ctx, p.k(key)).Bytes()
	if err == goredis.Nil {
		return nil, false, nil // miss
	}
	if err != nil {
		return nil, false, err // transport/server error
	}
	return b, true, nil
}

func (p *Redis) Has(ctx context.Context, key string) (bool, error) {
	n, err := p.rdb.Exists(ctx, p.k(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Set uses SET ... GET so the previous value is reported atomically.
func (p *Redis) Set(ctx context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0 // treat non-positive TTLs as "no expiry" per provider contract
	}
	old, err := p.rdb.SetArgs(ctx, p.k(key), value, goredis.SetArgs{TTL: ttl, Get: true}).Result()
	switch {
	case err == goredis.Nil:
		p.Emit(ctx, pr.Event{Kind: pr.Inserted, Key: key, New: value})
	case err != nil:
		return false, err
	default:
		p.Emit(ctx, pr.Event{Kind: pr.Updated, Key: key, Old: []byte(old), New: value})
	}
	return true, nil
}

func (p *Redis) Del(ctx context.Context, key string) error {
	old, err := p.rdb.GetDel(ctx, p.k(key)).Bytes()
	if err == goredis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	p.Emit(ctx, pr.Event{Kind: pr.Deleted, Key: key, Old: old})
	return nil
}

// Clear deletes every key under the prefix. Nothing is reported.
func (p *Redis) Clear(ctx context.Context) error {
	if p.prefix == "" {
		return pr.ErrClearUnsupported
	}
	iter := p.rdb.Scan(ctx, 0, p.prefix+"*", scanCount).Iterator()
	batch := make([]string, 0, scanCount)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanCount {
			if err := p.rdb.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return p.rdb.Del(ctx, batch...).Err()
	}
	return nil
}

func (p *Redis) ExpiresAt(ctx context.Context, key string) (time.Time, bool, error) {
	d, err := p.rdb.PTTL(ctx, p.k(key)).Result()
	if err != nil {
		return time.Time{}, false, err
	}
	if d <= 0 {
		// -1: no expiry, -2: missing
		return time.Time{}, false, nil
	}
	return time.Now().Add(d), true, nil
}

// Close releases the underlying redis client only when this provider owns it.
// Safe to call multiple times; repeated calls become no-ops.
func (p *Redis) Close(context.Context) error {
	if p.closeClient {
		if err := p.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
