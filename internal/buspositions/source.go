// Package buspositions serves a live GeoJSON feed of bus positions as vector
// tiles. The feed is fetched on demand, indexed once and kept for a short TTL;
// every tile request within that window reuses the same index.
package buspositions

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/paulmach/orb/geojson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"buspositions/internal/cache"
	"buspositions/internal/feed"
	"buspositions/internal/metrics"
	"buspositions/internal/tile"
	"buspositions/internal/tilesource"
)

const (
	DefaultFeedURL   = "https://raw.githubusercontent.com/stadtnavi/tilelive-bus-positions/main/geojson/bus-positions.geojson"
	DefaultCacheTTL  = 15 * time.Second
	Scheme           = "buspositions"
	LayerDescription = "Bus position data retrieved from a GeoJSON source"
)

// Loader returns the normalized feed document found at url.
type Loader interface {
	Load(ctx context.Context, url string) (*geojson.FeatureCollection, error)
}

// Options configure a Source. Zero values select the defaults: the public
// feed, a retrying fetcher, a 15s memory cache and geojson-vt style tiling.
// NewCache is only used by RegisterProtocols, for feed URLs other than FeedURL.
type Options struct {
	FeedURL  string
	Loader   Loader
	Cache    cache.Cache
	NewCache func() (cache.Cache, error)
	Renderer *tile.Renderer
	Index    tile.IndexOptions
}

type Source struct {
	feedURL  string
	loader   Loader
	cache    cache.Cache
	renderer *tile.Renderer
	index    tile.IndexOptions
	loads    singleflight.Group
	logger   *zap.Logger
	tracer   trace.Tracer
}

var _ tilesource.Source = (*Source)(nil)

func New(opts Options, logger *zap.Logger) (*Source, error) {
	opts.FeedURL = resolveFeedURL(opts.FeedURL)
	u, err := url.Parse(opts.FeedURL)
	if err != nil {
		return nil, fmt.Errorf("invalid feed url %q: %w", opts.FeedURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid feed url %q: scheme must be http or https", opts.FeedURL)
	}

	if opts.Loader == nil {
		opts.Loader = feed.NewFetcher(logger)
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewMemoryCache(DefaultCacheTTL)
	}
	if opts.Renderer == nil {
		ro := tile.DefaultRenderOptions()
		if c, ok := opts.Cache.(interface{ TTL() time.Duration }); ok {
			ro.CacheMaxAge = c.TTL()
		}
		opts.Renderer = tile.NewRenderer(ro, logger)
	}
	if opts.Index == (tile.IndexOptions{}) {
		opts.Index = tile.DefaultIndexOptions()
	}

	return &Source{
		feedURL:  opts.FeedURL,
		loader:   opts.Loader,
		cache:    opts.Cache,
		renderer: opts.Renderer,
		index:    opts.Index,
		logger:   logger.With(zap.String("feed_url", opts.FeedURL)),
		tracer:   otel.Tracer("buspositions/internal/buspositions"),
	}, nil
}

// GetTile returns the gzipped vector tile at z/x/y. A cache miss loads the
// feed, indexes it and stores it before the tile is rendered.
func (s *Source) GetTile(ctx context.Context, z, x, y int) (*tile.Result, error) {
	c := tile.Coordinate{Z: z, X: x, Y: y}

	ctx, span := s.tracer.Start(ctx, "buspositions.GetTile", trace.WithAttributes(
		attribute.String("tile", c.String()),
	))
	defer span.End()

	if err := c.Validate(s.index.MaxZoom); err != nil {
		metrics.TileErrors.WithLabelValues("coordinate").Inc()
		return nil, fail(span, err)
	}

	idx, err := s.currentIndex(ctx)
	if err != nil {
		metrics.TileErrors.WithLabelValues("feed").Inc()
		return nil, fail(span, err)
	}

	res, err := s.renderer.Render(idx, c)
	if err != nil {
		metrics.TileErrors.WithLabelValues("render").Inc()
		s.logger.Error("Failed to render tile", zap.String("tile", c.String()), zap.Error(err))
		return nil, fail(span, err)
	}

	span.SetAttributes(
		attribute.Int("tile.features", res.Features),
		attribute.Int("tile.bytes", res.Size),
	)
	return res, nil
}

// GetInfo describes the source. It performs no I/O.
func (s *Source) GetInfo() tilesource.Info {
	return tilesource.Info{
		Format:  "pbf",
		MaxZoom: s.index.MaxZoom,
		VectorLayers: []tilesource.VectorLayer{
			{
				ID:          tile.DefaultLayerName,
				Description: LayerDescription,
			},
		},
	}
}

// Warm loads the feed into the cache ahead of the first tile request.
func (s *Source) Warm(ctx context.Context) error {
	_, err := s.load(ctx)
	return err
}

func (s *Source) currentIndex(ctx context.Context) (*tile.Index, error) {
	if idx, ok := s.cache.Get(); ok {
		metrics.CacheHits.Inc()
		return idx, nil
	}
	metrics.CacheMisses.Inc()
	return s.load(ctx)
}

// load runs at most one refresh at a time. The refresh itself is detached
// from the caller's cancellation so that other waiters still get the result;
// a cancelled caller stops waiting.
func (s *Source) load(ctx context.Context) (*tile.Index, error) {
	ch := s.loads.DoChan(s.feedURL, func() (interface{}, error) {
		if idx, ok := s.cache.Get(); ok {
			return idx, nil
		}
		return s.refresh(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			s.logger.Debug("Shared in-flight feed load")
		}
		return res.Val.(*tile.Index), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", feed.ErrFetch, context.Cause(ctx))
	}
}

func (s *Source) refresh(ctx context.Context) (*tile.Index, error) {
	ctx, span := s.tracer.Start(ctx, "buspositions.refresh")
	defer span.End()

	start := time.Now()
	fc, err := s.loader.Load(ctx, s.feedURL)
	metrics.FeedLoadDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.FeedFetchFailures.Inc()
		return nil, fail(span, err)
	}

	idx, err := tile.NewIndex(fc, s.index)
	if err != nil {
		metrics.FeedFetchFailures.Inc()
		return nil, fail(span, fmt.Errorf("%w: %w", feed.ErrParse, err))
	}
	s.cache.Put(idx)

	metrics.FeedFeatures.Set(float64(idx.Size()))
	span.SetAttributes(attribute.Int("feed.features", idx.Size()))
	s.logger.Info("Loaded bus positions",
		zap.Int("features", idx.Size()),
		zap.Int("skipped", idx.Skipped()),
		zap.Duration("duration", time.Since(start)),
	)
	return idx, nil
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// IsUpstreamError reports whether err came from fetching or parsing the feed.
func IsUpstreamError(err error) bool {
	return errors.Is(err, feed.ErrFetch) || errors.Is(err, feed.ErrParse)
}
