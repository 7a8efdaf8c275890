package tile

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/simplify"
	"go.uber.org/zap"

	"buspositions/internal/metrics"
)

var ErrCompute = errors.New("tile computation failed")

const (
	DefaultLayerName = "buspositions"
	DefaultTolerance = 3.0
)

type RenderOptions struct {
	LayerName string
	// Tolerance is the Douglas-Peucker tolerance in extent units; zero disables simplification.
	Tolerance        float64
	CacheMaxAge      time.Duration
	CompressionLevel int
}

func DefaultRenderOptions() RenderOptions {
	return RenderOptions{
		LayerName:        DefaultLayerName,
		Tolerance:        DefaultTolerance,
		CacheMaxAge:      15 * time.Second,
		CompressionLevel: gzip.DefaultCompression,
	}
}

type Renderer struct {
	options RenderOptions
	logger  *zap.Logger
}

type Result struct {
	Data            []byte
	Size            int
	Features        int
	ContentEncoding string
	CacheControl    string
}

// Headers returns the response metadata of the tile.
func (r *Result) Headers() map[string]string {
	return map[string]string{
		"content-encoding": r.ContentEncoding,
		"cache-control":    r.CacheControl,
	}
}

func NewRenderer(opts RenderOptions, logger *zap.Logger) *Renderer {
	if opts.LayerName == "" {
		opts.LayerName = DefaultLayerName
	}
	return &Renderer{
		options: opts,
		logger:  logger,
	}
}

func (r *Renderer) CacheControl() string {
	return fmt.Sprintf("public,max-age=%d", int(r.options.CacheMaxAge/time.Second))
}

// Render extracts the tile at c from idx, encodes it as a single-layer
// Mapbox Vector Tile and gzips it. A tile without features is still a valid,
// non-empty payload.
func (r *Renderer) Render(idx *Index, c Coordinate) (result *Result, err error) {
	opts := idx.Options()
	if err := c.Validate(opts.MaxZoom); err != nil {
		return nil, err
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = fmt.Errorf("%w: tile %s: %v", ErrCompute, c, rec)
		}
	}()

	start := time.Now()

	layer := mvt.NewLayer(r.options.LayerName, tileCollection(idx.Query(c)))
	layer.Extent = uint32(opts.Extent)

	layers := mvt.Layers{layer}
	layers.ProjectToTile(c.Tile())
	layers.Clip(clipBound(opts))
	if r.options.Tolerance > 0 {
		layers.Simplify(simplify.DouglasPeucker(r.options.Tolerance))
	}
	layers.RemoveEmpty(1.0, 1.0)

	encoded, err := mvt.Marshal(layers)
	if err != nil {
		return nil, fmt.Errorf("%w: encode tile %s: %w", ErrCompute, c, err)
	}

	data, err := r.compress(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: compress tile %s: %w", ErrCompute, c, err)
	}

	metrics.TileRenderDuration.Observe(time.Since(start).Seconds())
	metrics.TileSize.Observe(float64(len(data)))

	r.logger.Debug("Rendered tile",
		zap.String("tile", c.String()),
		zap.Int("features", len(layer.Features)),
		zap.Int("bytes", len(data)),
		zap.Duration("duration", time.Since(start)),
	)

	return &Result{
		Data:            data,
		Size:            len(data),
		Features:        len(layer.Features),
		ContentEncoding: "gzip",
		CacheControl:    r.CacheControl(),
	}, nil
}

func (r *Renderer) compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, r.options.CompressionLevel)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		_ = zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// tileCollection copies the matched features so that projecting and clipping
// never touch the cached document. Null attributes have no MVT encoding and
// are dropped.
func tileCollection(features []*geojson.Feature) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, f := range features {
		nf := geojson.NewFeature(orb.Clone(f.Geometry))
		nf.ID = f.ID
		for key, value := range f.Properties {
			if value != nil {
				nf.Properties[key] = value
			}
		}
		fc.Append(nf)
	}
	return fc
}

func clipBound(opts IndexOptions) orb.Bound {
	b := float64(opts.Buffer)
	e := float64(opts.Extent)
	return orb.Bound{
		Min: orb.Point{-b, -b},
		Max: orb.Point{e + b, e + b},
	}
}
