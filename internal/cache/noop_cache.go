package cache

import "buspositions/internal/tile"

// NoopCache never holds anything; every tile request loads the feed.
type NoopCache struct{}

func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (c *NoopCache) Get() (*tile.Index, bool) {
	return nil, false
}

func (c *NoopCache) Put(idx *tile.Index) {
}

func (c *NoopCache) Clear() {
}
