package cache

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// NewCache creates a cache instance based on the cache type
func NewCache(cacheType string, ttl time.Duration, log *zap.Logger) (Cache, error) {
	switch cacheType {
	case "memory":
		if ttl <= 0 {
			return nil, fmt.Errorf("memory cache needs a positive ttl, got %s", ttl)
		}
		log.Info("Using memory cache", zap.Duration("ttl", ttl))
		return NewMemoryCache(ttl), nil
	case "disabled":
		log.Info("Cache disabled")
		return NewNoopCache(), nil
	default:
		return nil, fmt.Errorf("unknown cache type: %s (supported: memory, disabled)", cacheType)
	}
}
