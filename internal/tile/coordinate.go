package tile

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb/maptile"
)

var ErrInvalidCoordinate = errors.New("invalid tile coordinate")

// Coordinate addresses a tile in the slippy-map scheme.
type Coordinate struct {
	Z int
	X int
	Y int
}

func (c Coordinate) Validate(maxZoom int) error {
	if c.Z < 0 || c.Z > maxZoom {
		return fmt.Errorf("%w: zoom %d outside [0, %d]", ErrInvalidCoordinate, c.Z, maxZoom)
	}
	n := 1 << c.Z
	if c.X < 0 || c.X >= n || c.Y < 0 || c.Y >= n {
		return fmt.Errorf("%w: %s outside the %dx%d grid", ErrInvalidCoordinate, c, n, n)
	}
	return nil
}

func (c Coordinate) Tile() maptile.Tile {
	return maptile.New(uint32(c.X), uint32(c.Y), maptile.Zoom(c.Z))
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%d/%d/%d", c.Z, c.X, c.Y)
}
