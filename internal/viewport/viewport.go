// Package viewport maps pan/zoom state to image space and computes which
// tiles of a pyramid must be resident for the current view.
package viewport

import (
	"math"

	"microtile/internal/geometry"
	"microtile/internal/tilestore"
)

// DefaultPadding is the pre-fetch margin, in tiles, added around the
// visible rectangle so panning does not immediately expose unloaded tiles.
const DefaultPadding = 1

// Viewport is the current view: pan offset and size in screen pixels, and
// the zoom scalar mapping image-space length to screen-space length.
type Viewport struct {
	PanX   float64 `json:"panX"`
	PanY   float64 `json:"panY"`
	Zoom   float64 `json:"zoom"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ScreenToImage converts a screen point to image coordinates. Used to hand
// click and hover positions to annotation tools.
func (v Viewport) ScreenToImage(p geometry.Point) geometry.Point {
	if v.Zoom == 0 {
		return geometry.Point{}
	}
	return geometry.Pt((p.X-v.PanX)/v.Zoom, (p.Y-v.PanY)/v.Zoom)
}

// ImageToScreen converts an image point to screen coordinates.
func (v Viewport) ImageToScreen(p geometry.Point) geometry.Point {
	return geometry.Pt(p.X*v.Zoom+v.PanX, p.Y*v.Zoom+v.PanY)
}

// ImageBounds returns the image-space rectangle currently covered by the
// viewport.
func (v Viewport) ImageBounds() geometry.Rect {
	if v.Zoom <= 0 {
		return geometry.Rect{}
	}
	return geometry.NewRect(-v.PanX/v.Zoom, -v.PanY/v.Zoom, v.Width/v.Zoom, v.Height/v.Zoom)
}

// VisibleTiles returns every tile coordinate whose image-space rectangle
// intersects the viewport, expanded by padding tiles on each side and
// clamped to the pyramid grid. Order is unspecified; callers treat the
// result as a set.
func VisibleTiles(v Viewport, pyr tilestore.PyramidHandle, padding int) []tilestore.TileCoord {
	if v.Zoom <= 0 || pyr.TilesX <= 0 || pyr.TilesY <= 0 {
		return nil
	}
	tileSize := float64(pyr.TileSize)
	if tileSize <= 0 {
		tileSize = tilestore.DefaultTileSize
	}
	bounds := v.ImageBounds()

	startX := int(math.Floor(bounds.MinX/tileSize)) - padding
	endX := int(math.Floor(bounds.MaxX()/tileSize)) + padding
	startY := int(math.Floor(bounds.MinY/tileSize)) - padding
	endY := int(math.Floor(bounds.MaxY()/tileSize)) + padding

	startX = max(startX, 0)
	startY = max(startY, 0)
	endX = min(endX, pyr.TilesX-1)
	endY = min(endY, pyr.TilesY-1)
	if startX > endX || startY > endY {
		return nil
	}

	coords := make([]tilestore.TileCoord, 0, (endX-startX+1)*(endY-startY+1))
	for y := startY; y <= endY; y++ {
		for x := startX; x <= endX; x++ {
			coords = append(coords, tilestore.TileCoord{X: x, Y: y})
		}
	}
	return coords
}
