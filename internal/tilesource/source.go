// Package tilesource defines the contract a tile host uses to talk to a tile
// source, and a registry that maps URI schemes to source constructors.
package tilesource

import (
	"context"

	"buspositions/internal/tile"
)

type Source interface {
	GetTile(ctx context.Context, z, x, y int) (*tile.Result, error)
	GetInfo() Info
}

// Info is the TileJSON-style descriptor of a source.
type Info struct {
	Format       string        `json:"format"`
	MaxZoom      int           `json:"maxzoom"`
	VectorLayers []VectorLayer `json:"vector_layers"`
}

type VectorLayer struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}
