package tiercache

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// missCache remembers keys the store reported absent.
type missCache struct {
	m     *xsync.MapOf[string, time.Time]
	ttl   time.Duration
	clock Clock
}

func newMissCache(ttl time.Duration, clock Clock) *missCache {
	if ttl <= 0 {
		return nil
	}
	return &missCache{m: xsync.NewMapOf[string, time.Time](), ttl: ttl, clock: clock}
}

func (c *missCache) add(key string) {
	if c == nil {
		return
	}
	c.m.Store(key, c.clock.Now().Add(c.ttl))
}

func (c *missCache) has(key string) bool {
	if c == nil {
		return false
	}
	exp, ok := c.m.Load(key)
	if !ok {
		return false
	}
	if !c.clock.Now().Before(exp) {
		c.m.Compute(key, func(cur time.Time, loaded bool) (time.Time, bool) {
			return cur, !loaded || cur.Equal(exp)
		})
		return false
	}
	return true
}

func (c *missCache) drop(key string) {
	if c == nil {
		return
	}
	c.m.Delete(key)
}

func (c *missCache) clear() {
	if c == nil {
		return
	}
	c.m.Clear()
}
