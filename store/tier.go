package store

import (
	"context"
	"time"

	"go.uber.org/multierr"

	pr "github.com/unkn0wn-root/tiercache/provider"
)

// FromProvider persists into any provider, typically a slower remote tier.
func FromProvider(p pr.Provider) Store { return &providerStore{p: p, now: time.Now} }

type providerStore struct {
	p   pr.Provider
	now func() time.Time
}

func (s *providerStore) Load(ctx context.Context, key string) ([]byte, bool, error) {
	return s.p.Get(ctx, key)
}

func (s *providerStore) LoadAll(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	var errs error
	for _, k := range keys {
		v, ok, err := s.p.Get(ctx, k)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if ok {
			out[k] = v
		}
	}
	return out, errs
}

func (s *providerStore) Store(ctx context.Context, e Entry) error {
	var ttl time.Duration
	if !e.Expiry.IsZero() {
		if ttl = e.Expiry.Sub(s.now()); ttl <= 0 {
			// already expired: nothing worth keeping
			return s.p.Del(ctx, e.Key)
		}
	}
	_, err := s.p.Set(ctx, e.Key, e.Value, int64(len(e.Value)), ttl)
	return err
}

func (s *providerStore) StoreAll(ctx context.Context, es []Entry) error {
	return eachEntry(es, func(e Entry) error { return s.Store(ctx, e) })
}

func (s *providerStore) Erase(ctx context.Context, e Entry) error {
	return s.p.Del(ctx, e.Key)
}

func (s *providerStore) EraseAll(ctx context.Context, es []Entry) error {
	return eachEntry(es, func(e Entry) error { return s.Erase(ctx, e) })
}

// eachEntry applies fn to every entry and collects the failures into a
// *BatchError.
func eachEntry(es []Entry, fn func(Entry) error) error {
	var (
		failed []string
		errs   error
	)
	for _, e := range es {
		if err := fn(e); err != nil {
			failed = append(failed, e.Key)
			errs = multierr.Append(errs, err)
		}
	}
	if errs == nil {
		return nil
	}
	return &BatchError{Failed: failed, Err: errs}
}
