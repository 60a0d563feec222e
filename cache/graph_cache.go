package cache

import (
	"fmt"
	"time"

	"github.com/felcoslop/tizap-sub000/flow"
	c "github.com/patrickmn/go-cache"
)

// GraphCache keeps compiled graphs per flow or automation version. Saving a
// flow bumps its version, so stale entries are never read again and simply
// expire.
type GraphCache struct {
	cache *c.Cache
}

func NewGraphCache(ttl time.Duration) *GraphCache {
	return &GraphCache{
		cache: c.New(ttl, 10*time.Minute),
	}
}

func graphKey(key string, version int) string {
	return fmt.Sprintf("%s@%d", key, version)
}

func (ch *GraphCache) SaveGraph(key string, version int, g *flow.Graph) {
	ch.cache.SetDefault(graphKey(key, version), g)
}

func (ch *GraphCache) GetGraph(key string, version int) (*flow.Graph, bool) {
	g, found := ch.cache.Get(graphKey(key, version))
	if !found {
		return nil, false
	}
	return g.(*flow.Graph), true
}
