package cache

import "buspositions/internal/tile"

// Cache holds at most one indexed feed document. There is a single upstream
// feed, so there is no key space.
type Cache interface {
	Get() (*tile.Index, bool)
	Put(idx *tile.Index)
	Clear()
}
