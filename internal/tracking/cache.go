package tracking

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/eleven-am/engagement-backend/internal/session"
)

const DefaultVisitCacheTTL = 30 * time.Minute

// VisitCache remembers the last visit each session touched so the common
// case of a batch continuing the current visit skips the range query.
type VisitCache struct {
	cache *ristretto.Cache[uint64, session.Visit]
	ttl   time.Duration
}

func NewVisitCache(ttl time.Duration) (*VisitCache, error) {
	if ttl <= 0 {
		ttl = DefaultVisitCacheTTL
	}
	cache, err := ristretto.NewCache(&ristretto.Config[uint64, session.Visit]{
		NumCounters: 1_000_000,
		MaxCost:     100_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &VisitCache{cache: cache, ttl: ttl}, nil
}

// Get returns a copy of the cached visit for a session.
func (c *VisitCache) Get(sessionID uint64) (*session.Visit, bool) {
	v, ok := c.cache.Get(sessionID)
	if !ok {
		return nil, false
	}
	return &v, true
}

func (c *VisitCache) Put(v *session.Visit) {
	c.cache.SetWithTTL(v.SessionID, *v, 1, c.ttl)
}

func (c *VisitCache) Forget(sessionID uint64) {
	c.cache.Del(sessionID)
}

// Wait blocks until buffered writes are visible to Get.
func (c *VisitCache) Wait() {
	c.cache.Wait()
}

func (c *VisitCache) Close() {
	c.cache.Close()
}
