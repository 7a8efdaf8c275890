package buspositions

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"buspositions/internal/cache"
	"buspositions/internal/tilesource"
)

// RegisterProtocols makes the source available as "buspositions://" on reg.
// A url query parameter overrides base.FeedURL. Sources opened from one
// registration share base's loader and renderer. Each distinct feed URL gets
// its own cache slot: base.Cache serves base.FeedURL, any other URL gets one
// from base.NewCache.
func RegisterProtocols(reg *tilesource.Registry, base Options, logger *zap.Logger) error {
	baseURL := resolveFeedURL(base.FeedURL)

	var mu sync.Mutex
	caches := map[string]cache.Cache{}
	if base.Cache != nil {
		caches[baseURL] = base.Cache
	}

	return reg.Register(Scheme, func(ctx context.Context, uri *url.URL) (tilesource.Source, error) {
		opts := base
		opts.FeedURL = baseURL
		if feedURL := uri.Query().Get("url"); feedURL != "" {
			opts.FeedURL = feedURL
		}

		mu.Lock()
		c, ok := caches[opts.FeedURL]
		if !ok {
			var err error
			if c, err = newCache(base); err != nil {
				mu.Unlock()
				return nil, fmt.Errorf("cache for %s: %w", opts.FeedURL, err)
			}
			caches[opts.FeedURL] = c
		}
		mu.Unlock()

		opts.Cache = c
		return New(opts, logger)
	})
}

func newCache(opts Options) (cache.Cache, error) {
	if opts.NewCache != nil {
		return opts.NewCache()
	}
	return cache.NewMemoryCache(DefaultCacheTTL), nil
}

func resolveFeedURL(feedURL string) string {
	if feedURL == "" {
		return DefaultFeedURL
	}
	return feedURL
}
