package buspositions

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb/encoding/mvt"
	"go.uber.org/zap"

	"buspositions/internal/cache"
	"buspositions/internal/feed"
	"buspositions/internal/tile"
	"buspositions/internal/tilesource"
)

// One bus in the middle of tile 17/68763/45237 (Herrenberg), one in Stuttgart.
const herrenbergFeed = `{
  "type": "FeatureCollection",
  "features": [
    {
      "type": "Feature",
      "geometry": {"type": "Point", "coordinates": [8.864593505859375, 48.59386747325062]},
      "properties": {"line": "782", "trip": "782-12", "stops": ["Bahnhof", "Markt", "Nufringer Tor"]}
    },
    {
      "type": "Feature",
      "geometry": {"type": "Point", "coordinates": [9.18, 48.7784]},
      "properties": {"line": "42"}
    }
  ]
}`

type feedServer struct {
	*httptest.Server
	hits   atomic.Int32
	status atomic.Int32
	delay  time.Duration
}

func newFeedServer(t *testing.T, delay time.Duration) *feedServer {
	t.Helper()
	fs := &feedServer{delay: delay}
	fs.status.Store(http.StatusOK)
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.hits.Add(1)
		if fs.delay > 0 {
			time.Sleep(fs.delay)
		}
		if status := int(fs.status.Load()); status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		_, _ = w.Write([]byte(herrenbergFeed))
	}))
	t.Cleanup(fs.Close)
	return fs
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestSource(t *testing.T, feedURL string, c cache.Cache) *Source {
	t.Helper()
	log := zap.NewNop()
	src, err := New(Options{
		FeedURL: feedURL,
		Loader:  feed.NewFetcher(log, feed.WithRetry(2, time.Millisecond)),
		Cache:   c,
	}, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return src
}

func TestGetTileHerrenberg(t *testing.T) {
	fs := newFeedServer(t, 0)
	src := newTestSource(t, fs.URL, nil)

	res, err := src.GetTile(context.Background(), 17, 68763, 45237)
	if err != nil {
		t.Fatalf("GetTile: %v", err)
	}

	headers := res.Headers()
	if headers["content-encoding"] != "gzip" || headers["cache-control"] != "public,max-age=15" {
		t.Errorf("headers = %v", headers)
	}

	layers, err := mvt.UnmarshalGzipped(res.Data)
	if err != nil {
		t.Fatalf("UnmarshalGzipped: %v", err)
	}
	if len(layers) != 1 || layers[0].Name != "buspositions" {
		t.Fatalf("layers = %v", layers)
	}
	if len(layers[0].Features) != 1 {
		t.Fatalf("features = %d, want 1", len(layers[0].Features))
	}
	if got := layers[0].Features[0].Properties["stops"]; got != "Bahnhof,Markt,Nufringer Tor" {
		t.Errorf("stops = %#v", got)
	}
}

func TestGetTileServesEmptyTiles(t *testing.T) {
	fs := newFeedServer(t, 0)
	src := newTestSource(t, fs.URL, nil)

	res, err := src.GetTile(context.Background(), 20, 0, 0)
	if err != nil {
		t.Fatalf("GetTile: %v", err)
	}
	if len(res.Data) == 0 || res.Features != 0 {
		t.Errorf("empty tile: %d bytes, %d features", len(res.Data), res.Features)
	}
}

func TestGetTileCachesWithinTTL(t *testing.T) {
	fs := newFeedServer(t, 0)
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	src := newTestSource(t, fs.URL, cache.NewMemoryCache(15*time.Second).WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := src.GetTile(ctx, 17, 68763, 45237); err != nil {
			t.Fatalf("GetTile #%d: %v", i, err)
		}
	}
	if got := fs.hits.Load(); got != 1 {
		t.Fatalf("fetches within ttl = %d, want 1", got)
	}

	clock.Advance(15 * time.Second)
	for i := 0; i < 3; i++ {
		if _, err := src.GetTile(ctx, 17, 68763, 45237); err != nil {
			t.Fatalf("GetTile after expiry #%d: %v", i, err)
		}
	}
	if got := fs.hits.Load(); got != 2 {
		t.Fatalf("fetches after expiry = %d, want 2", got)
	}
}

func TestGetTileConcurrentMissesShareOneFetch(t *testing.T) {
	fs := newFeedServer(t, 50*time.Millisecond)
	src := newTestSource(t, fs.URL, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := src.GetTile(context.Background(), 17, 68763, 45237); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("GetTile: %v", err)
	}
	if got := fs.hits.Load(); got != 1 {
		t.Errorf("fetches = %d, want 1", got)
	}
}

func TestGetTileDoesNotServeStaleData(t *testing.T) {
	fs := newFeedServer(t, 0)
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	src := newTestSource(t, fs.URL, cache.NewMemoryCache(15*time.Second).WithClock(clock.Now))
	ctx := context.Background()

	if _, err := src.GetTile(ctx, 0, 0, 0); err != nil {
		t.Fatalf("GetTile: %v", err)
	}

	fs.status.Store(http.StatusServiceUnavailable)
	clock.Advance(time.Minute)

	_, err := src.GetTile(ctx, 0, 0, 0)
	if !errors.Is(err, feed.ErrFetch) {
		t.Fatalf("err = %v, want ErrFetch", err)
	}
	if !IsUpstreamError(err) {
		t.Error("IsUpstreamError should report fetch failures")
	}
}

func TestGetTileParseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"type": "FeatureCollection", "features": 12}`))
	}))
	defer srv.Close()

	src := newTestSource(t, srv.URL, nil)
	_, err := src.GetTile(context.Background(), 0, 0, 0)
	if !errors.Is(err, feed.ErrParse) {
		t.Fatalf("err = %v, want ErrParse", err)
	}
}

func TestGetTileInvalidCoordinateSkipsFetch(t *testing.T) {
	fs := newFeedServer(t, 0)
	src := newTestSource(t, fs.URL, nil)

	_, err := src.GetTile(context.Background(), 21, 0, 0)
	if !errors.Is(err, tile.ErrInvalidCoordinate) {
		t.Fatalf("err = %v, want ErrInvalidCoordinate", err)
	}
	if fs.hits.Load() != 0 {
		t.Error("invalid coordinate should not reach the feed")
	}
}

func TestGetTileCancelledCallerStopsWaiting(t *testing.T) {
	fs := newFeedServer(t, 200*time.Millisecond)
	src := newTestSource(t, fs.URL, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := src.GetTile(ctx, 0, 0, 0)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestGetInfo(t *testing.T) {
	src, err := New(Options{FeedURL: "http://127.0.0.1:1/unreachable"}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	want := tilesource.Info{
		Format:  "pbf",
		MaxZoom: 20,
		VectorLayers: []tilesource.VectorLayer{
			{ID: "buspositions", Description: "Bus position data retrieved from a GeoJSON source"},
		},
	}
	for i := 0; i < 2; i++ {
		got := src.GetInfo()
		if got.Format != want.Format || got.MaxZoom != want.MaxZoom || len(got.VectorLayers) != 1 || got.VectorLayers[0] != want.VectorLayers[0] {
			t.Fatalf("GetInfo = %+v, want %+v", got, want)
		}
	}
}

func TestWarm(t *testing.T) {
	fs := newFeedServer(t, 0)
	src := newTestSource(t, fs.URL, nil)

	if err := src.Warm(context.Background()); err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if _, err := src.GetTile(context.Background(), 17, 68763, 45237); err != nil {
		t.Fatalf("GetTile: %v", err)
	}
	if got := fs.hits.Load(); got != 1 {
		t.Errorf("fetches = %d, want 1", got)
	}
}

func TestNewDefaultsAndValidation(t *testing.T) {
	src, err := New(Options{}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if src.feedURL != DefaultFeedURL {
		t.Errorf("feedURL = %q, want default", src.feedURL)
	}

	if _, err := New(Options{FeedURL: "ftp://example.com/feed"}, zap.NewNop()); err == nil {
		t.Error("expected error for non-http feed url")
	}
}

func TestRegisterProtocols(t *testing.T) {
	fs := newFeedServer(t, 0)
	reg := tilesource.NewRegistry()
	base := Options{Loader: feed.NewFetcher(zap.NewNop(), feed.WithRetry(1, 0))}

	if err := RegisterProtocols(reg, base, zap.NewNop()); err != nil {
		t.Fatalf("RegisterProtocols: %v", err)
	}

	src, err := reg.Open(context.Background(), "buspositions://?url="+url.QueryEscape(fs.URL))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := src.GetTile(context.Background(), 17, 68763, 45237); err != nil {
		t.Fatalf("GetTile: %v", err)
	}
	if fs.hits.Load() != 1 {
		t.Errorf("feed url override was not used")
	}

	def, err := reg.Open(context.Background(), "buspositions:")
	if err != nil {
		t.Fatalf("Open default: %v", err)
	}
	if got := def.(*Source).feedURL; got != DefaultFeedURL {
		t.Errorf("feedURL = %q, want default", got)
	}
}

func TestRegisterProtocolsKeepsFeedsApart(t *testing.T) {
	buses := newFeedServer(t, 0)
	var emptyHits atomic.Int32
	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		emptyHits.Add(1)
		_, _ = w.Write([]byte(`{"type": "FeatureCollection", "features": []}`))
	}))
	defer empty.Close()

	shared := cache.NewMemoryCache(time.Minute)
	reg := tilesource.NewRegistry()
	base := Options{
		FeedURL: buses.URL,
		Loader:  feed.NewFetcher(zap.NewNop(), feed.WithRetry(1, 0)),
		Cache:   shared,
	}
	if err := RegisterProtocols(reg, base, zap.NewNop()); err != nil {
		t.Fatalf("RegisterProtocols: %v", err)
	}

	open := func(uri string) tilesource.Source {
		t.Helper()
		src, err := reg.Open(context.Background(), uri)
		if err != nil {
			t.Fatalf("Open %s: %v", uri, err)
		}
		return src
	}
	features := func(src tilesource.Source) int {
		t.Helper()
		res, err := src.GetTile(context.Background(), 17, 68763, 45237)
		if err != nil {
			t.Fatalf("GetTile: %v", err)
		}
		return res.Features
	}

	if got := features(open("buspositions://")); got != 1 {
		t.Fatalf("base feed features = %d, want 1", got)
	}
	if got := features(open("buspositions://?url=" + url.QueryEscape(empty.URL))); got != 0 {
		t.Errorf("empty feed features = %d, want 0", got)
	}
	if emptyHits.Load() != 1 {
		t.Errorf("empty feed fetches = %d, want 1", emptyHits.Load())
	}

	idx, ok := shared.Get()
	if !ok || idx.Size() != 2 {
		t.Errorf("base cache no longer holds the base feed")
	}

	// Same url again reuses the slot of its first opening.
	if got := features(open("buspositions://?url=" + url.QueryEscape(buses.URL))); got != 1 {
		t.Errorf("reopened base feed features = %d, want 1", got)
	}
	if got := features(open("buspositions://?url=" + url.QueryEscape(empty.URL))); got != 0 {
		t.Errorf("reopened empty feed features = %d, want 0", got)
	}
	if buses.hits.Load() != 1 || emptyHits.Load() != 1 {
		t.Errorf("fetches = %d/%d, want 1/1", buses.hits.Load(), emptyHits.Load())
	}
}
