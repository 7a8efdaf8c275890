package tile

import (
	"errors"
	"fmt"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/quadtree"
)

const (
	DefaultMaxZoom = 20
	DefaultBuffer  = 512
	DefaultExtent  = 4096
)

var worldBound = orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}}

// IndexOptions mirror the geojson-vt knobs: Buffer is measured in Extent
// units around each tile edge.
type IndexOptions struct {
	MaxZoom int
	Buffer  int
	Extent  int
}

func DefaultIndexOptions() IndexOptions {
	return IndexOptions{
		MaxZoom: DefaultMaxZoom,
		Buffer:  DefaultBuffer,
		Extent:  DefaultExtent,
	}
}

type indexedPoint struct {
	point orb.Point
	pos   int
}

func (p indexedPoint) Point() orb.Point {
	return p.point
}

type indexedShape struct {
	bound orb.Bound
	pos   int
}

// Index is a read-only spatial index over one feed document. Points live in a
// quadtree, everything else is matched by its bounding box.
type Index struct {
	collection *geojson.FeatureCollection
	options    IndexOptions
	points     *quadtree.Quadtree
	shapes     []indexedShape
	size       int
	skipped    int
}

func NewIndex(fc *geojson.FeatureCollection, opts IndexOptions) (*Index, error) {
	if fc == nil {
		return nil, errors.New("index: nil feature collection")
	}
	if opts.Extent <= 0 {
		return nil, fmt.Errorf("index: extent must be positive, got %d", opts.Extent)
	}
	if opts.Buffer < 0 {
		return nil, fmt.Errorf("index: buffer must not be negative, got %d", opts.Buffer)
	}
	if opts.MaxZoom < 0 || opts.MaxZoom > 24 {
		return nil, fmt.Errorf("index: max zoom %d outside [0, 24]", opts.MaxZoom)
	}

	idx := &Index{
		collection: fc,
		options:    opts,
		points:     quadtree.New(worldBound),
	}

	for i, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			idx.skipped++
			continue
		}

		if p, ok := f.Geometry.(orb.Point); ok {
			if err := idx.points.Add(indexedPoint{point: p, pos: i}); err != nil {
				idx.skipped++
				continue
			}
			idx.size++
			continue
		}

		bound := f.Geometry.Bound()
		if !bound.Intersects(worldBound) {
			idx.skipped++
			continue
		}
		idx.shapes = append(idx.shapes, indexedShape{bound: bound, pos: i})
		idx.size++
	}

	return idx, nil
}

// Query returns the features touching the buffered tile, in document order.
func (idx *Index) Query(c Coordinate) []*geojson.Feature {
	bound := c.Tile().Bound(float64(idx.options.Buffer) / float64(idx.options.Extent))

	var positions []int
	for _, p := range idx.points.InBound(nil, bound) {
		positions = append(positions, p.(indexedPoint).pos)
	}
	for _, s := range idx.shapes {
		if s.bound.Intersects(bound) {
			positions = append(positions, s.pos)
		}
	}
	sort.Ints(positions)

	features := make([]*geojson.Feature, len(positions))
	for i, pos := range positions {
		features[i] = idx.collection.Features[pos]
	}
	return features
}

func (idx *Index) Options() IndexOptions {
	return idx.options
}

// Size is the number of indexed features.
func (idx *Index) Size() int {
	return idx.size
}

// Skipped counts features without geometry or outside the lon/lat world.
func (idx *Index) Skipped() int {
	return idx.skipped
}

func (idx *Index) Collection() *geojson.FeatureCollection {
	return idx.collection
}
