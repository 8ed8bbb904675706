// Package tilestore is the client side of the external tile store: pyramid
// metadata, preview rasters, and batched tiles for content-addressed
// images. The store generates and durably caches pyramids; this package
// only requests and consumes them.
package tilestore

import (
	"context"
	"errors"
	"fmt"

	"microtile/internal/geometry"
)

// DefaultTileSize is the tile edge length the store serves unless the
// pyramid metadata says otherwise.
const DefaultTileSize = 256

// TileCoord addresses one tile within a pyramid level.
type TileCoord struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Tile is one raster unit of a pyramid: its coordinate and encoded pixels.
type Tile struct {
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Pixels []byte `json:"data"`
}

// Coord returns the tile's coordinate.
func (t Tile) Coord() TileCoord {
	return TileCoord{X: t.X, Y: t.Y}
}

// PyramidHandle identifies a tiled decomposition of one source image. The
// store creates it on first metadata request for a path; the content hash
// makes repeated requests for the same bytes idempotent. Immutable once
// returned.
type PyramidHandle struct {
	ContentHash string `json:"contentHash"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	TileSize    int    `json:"tileSize"`
	TilesX      int    `json:"tilesX"`
	TilesY      int    `json:"tilesY"`
	FromCache   bool   `json:"fromCache"`
}

// GridFor returns the tile grid dimensions for an image, by ceiling
// division of the pixel dimensions.
func GridFor(width, height, tileSize int) (tilesX, tilesY int) {
	if tileSize <= 0 {
		tileSize = DefaultTileSize
	}
	tilesX = (width + tileSize - 1) / tileSize
	tilesY = (height + tileSize - 1) / tileSize
	return tilesX, tilesY
}

// Store is the tile store contract. GetTilesBatch may return fewer tiles
// than requested; absent coordinates mean "not yet available", not
// failure. GenerateAffineTiles is the only mutating call and is idempotent
// per (contentHash, matrix). Retry policy belongs to callers, not here.
type Store interface {
	GetPyramid(ctx context.Context, imagePath string) (PyramidHandle, error)
	GetThumbnail(ctx context.Context, contentHash string) ([]byte, error)
	GetMedium(ctx context.Context, contentHash string) ([]byte, error)
	GetTilesBatch(ctx context.Context, contentHash string, coords []TileCoord) ([]Tile, error)
	GenerateAffineTiles(ctx context.Context, imagePath, contentHash string, m geometry.AffineMatrix) error
}

// IOError reports an unreachable store or an unreadable source path.
// Transient by assumption; callers may retry.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("tile store %s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("tile store %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// IsIO reports whether err is an IOError.
func IsIO(err error) bool {
	var ioErr *IOError
	return errors.As(err, &ioErr)
}

// NotFoundError reports a raster requested before its pyramid metadata.
type NotFoundError struct {
	Hash string
	What string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no %s for hash %s: pyramid metadata never requested", e.What, e.Hash)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// TileGenerationError reports a store-side failure to materialize a
// transformed tile set. Message carries the store's own description and is
// shown to the user verbatim.
type TileGenerationError struct {
	Hash    string
	Message string
}

func (e *TileGenerationError) Error() string {
	return fmt.Sprintf("tile generation failed for %s: %s", e.Hash, e.Message)
}

// IsTileGeneration reports whether err is a TileGenerationError.
func IsTileGeneration(err error) bool {
	var tg *TileGenerationError
	return errors.As(err, &tg)
}
