package genstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type localGen struct {
	gen     atomic.Uint64
	touched atomic.Int64 // unix nanos of the last bump
}

// LocalGenStore keeps generations in-process.
// An optional cleanup loop prunes long-inactive counters.
type LocalGenStore struct {
	gens *xsync.MapOf[string, *localGen]
	now  func() time.Time

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ GenStore = (*LocalGenStore)(nil)

func NewLocalGenStore(cleanupInterval, retention time.Duration) *LocalGenStore {
	s := &LocalGenStore{
		gens: xsync.NewMapOf[string, *localGen](),
		now:  time.Now,
	}
	if cleanupInterval > 0 && retention > 0 {
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			t := time.NewTicker(cleanupInterval)
			defer t.Stop()
			for {
				select {
				case <-t.C:
					s.Cleanup(retention)
				case <-s.stopCh:
					return
				}
			}
		}()
	}
	return s
}

func (s *LocalGenStore) Snapshot(_ context.Context, k string) (uint64, error) {
	if g, ok := s.gens.Load(k); ok {
		return g.gen.Load(), nil
	}
	return 0, nil
}

func (s *LocalGenStore) SnapshotMany(ctx context.Context, ks []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(ks))
	for _, k := range ks {
		out[k], _ = s.Snapshot(ctx, k)
	}
	return out, nil
}

func (s *LocalGenStore) Bump(_ context.Context, k string) (uint64, error) {
	g, _ := s.gens.LoadOrCompute(k, func() *localGen { return &localGen{} })
	g.touched.Store(s.now().UnixNano())
	return g.gen.Add(1), nil
}

// Cleanup drops counters not bumped within retention. A dropped key reads as
// generation 0 again, so retention must outlast any in-flight refresh.
func (s *LocalGenStore) Cleanup(retention time.Duration) {
	if retention <= 0 {
		return
	}
	cutoff := s.now().Add(-retention).UnixNano()
	s.gens.Range(func(k string, g *localGen) bool {
		if g.touched.Load() < cutoff {
			s.gens.Compute(k, func(cur *localGen, loaded bool) (*localGen, bool) {
				return cur, !loaded || cur.touched.Load() < cutoff
			})
		}
		return true
	})
}

func (s *LocalGenStore) Close(_ context.Context) error {
	s.closeOnce.Do(func() {
		if s.stopCh != nil {
			close(s.stopCh)
			s.wg.Wait()
		}
	})
	return nil
}
