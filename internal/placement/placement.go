// Package placement maps a child image's native pixel space into its
// parent's coordinate space: uniform physical scale, rotation about the
// child's center, and translation to an anchor. The same transform is used
// for the child's pixels and for re-projecting its annotations, so the two
// can never drift apart on screen.
package placement

import (
	"math"

	"microtile/internal/geometry"
	"microtile/internal/viewport"
)

// DefaultViewportMargin is the screen-pixel margin added around the
// viewport by visibility tests, so images do not pop in at the edge while
// panning.
const DefaultViewportMargin = 100

// Transform is the canonical placement of a child image in its parent's
// space: the parent-space position of the scaled child's top-left corner,
// the uniform scale, the rotation, and the child's native dimensions.
// Built once per image by Resolve.
type Transform struct {
	AnchorX         float64 `json:"anchorX"`
	AnchorY         float64 `json:"anchorY"`
	ScaleX          float64 `json:"scaleX"`
	ScaleY          float64 `json:"scaleY"`
	RotationDegrees float64 `json:"rotationDegrees"`
	ChildWidth      float64 `json:"childWidth"`
	ChildHeight     float64 `json:"childHeight"`
}

// Position is the placement position as recorded in image metadata. The
// three kinds reflect the metadata generations that exist in the wild;
// Resolve collapses them into a Transform once, so precedence logic never
// reappears at call sites.
type Position interface {
	anchor(scaledW, scaledH float64) geometry.Point
}

// Anchored places the child by the parent-space position of its top-left
// corner.
type Anchored struct {
	TopLeft geometry.Point
}

func (a Anchored) anchor(scaledW, scaledH float64) geometry.Point {
	return a.TopLeft
}

// Centered places the child by the parent-space position of its center.
type Centered struct {
	Center geometry.Point
}

func (c Centered) anchor(scaledW, scaledH float64) geometry.Point {
	return geometry.Pt(c.Center.X-scaledW/2, c.Center.Y-scaledH/2)
}

// LegacyTopLeft places the child by the top-left offset fields older
// project files carry.
type LegacyTopLeft struct {
	Offset geometry.Point
}

func (l LegacyTopLeft) anchor(scaledW, scaledH float64) geometry.Point {
	return l.Offset
}

// PositionFromFields picks the position from raw metadata fields: explicit
// top-left offset wins over an explicit center point, which wins over the
// legacy offset pair. At most one kind is expected to be populated; absent
// everything, the child sits at the parent origin.
func PositionFromFields(offsetInParent, pointInParent *geometry.Point, legacyXOffset, legacyYOffset *float64) Position {
	switch {
	case offsetInParent != nil:
		return Anchored{TopLeft: *offsetInParent}
	case pointInParent != nil:
		return Centered{Center: *pointInParent}
	case legacyXOffset != nil || legacyYOffset != nil:
		var off geometry.Point
		if legacyXOffset != nil {
			off.X = *legacyXOffset
		}
		if legacyYOffset != nil {
			off.Y = *legacyYOffset
		}
		return LegacyTopLeft{Offset: off}
	default:
		return Anchored{}
	}
}

// ScaleFactor derives the child-to-parent pixel scale from the two images'
// physical resolutions. An unknown resolution on either side yields 1.
func ScaleFactor(parentPixelsPerCM, childPixelsPerCM float64) float64 {
	if parentPixelsPerCM <= 0 || childPixelsPerCM <= 0 {
		return 1
	}
	return parentPixelsPerCM / childPixelsPerCM
}

// Resolve builds the canonical Transform for a child image. scaleFactor is
// uniform; childWidth/childHeight are the child's native pixel dimensions.
func Resolve(pos Position, scaleFactor, rotationDegrees, childWidth, childHeight float64) Transform {
	if scaleFactor <= 0 {
		scaleFactor = 1
	}
	if pos == nil {
		pos = Anchored{}
	}
	a := pos.anchor(childWidth*scaleFactor, childHeight*scaleFactor)
	return Transform{
		AnchorX:         a.X,
		AnchorY:         a.Y,
		ScaleX:          scaleFactor,
		ScaleY:          scaleFactor,
		RotationDegrees: rotationDegrees,
		ChildWidth:      childWidth,
		ChildHeight:     childHeight,
	}
}

// ToParentSpace maps a point in the child's native pixel space to parent
// coordinates: scale first, then rotation about the scaled child's center,
// then translation to the anchor.
func ToParentSpace(p geometry.Point, t Transform) geometry.Point {
	cx := t.ChildWidth * t.ScaleX / 2
	cy := t.ChildHeight * t.ScaleY / 2
	theta := t.RotationDegrees * math.Pi / 180
	sin, cos := math.Sincos(theta)

	x := p.X*t.ScaleX - cx
	y := p.Y*t.ScaleY - cy
	rx := x*cos - y*sin
	ry := x*sin + y*cos
	return geometry.Pt(rx+cx+t.AnchorX, ry+cy+t.AnchorY)
}

// AsMatrix returns the transform as a single affine matrix equivalent to
// ToParentSpace.
func (t Transform) AsMatrix() geometry.AffineMatrix {
	cx := t.ChildWidth * t.ScaleX / 2
	cy := t.ChildHeight * t.ScaleY / 2
	theta := t.RotationDegrees * math.Pi / 180
	return geometry.Translation(t.AnchorX+cx, t.AnchorY+cy).
		Compose(geometry.Rotation(theta)).
		Compose(geometry.Translation(-cx, -cy)).
		Compose(geometry.Scaling(t.ScaleX, t.ScaleY))
}

// ParentBounds returns the rotation-inclusive axis-aligned bounding box of
// the child in parent space.
func ParentBounds(t Transform) geometry.Rect {
	return t.AsMatrix().TransformRect(geometry.NewRect(0, 0, t.ChildWidth, t.ChildHeight))
}

// ComputeScreenCoverage returns the fraction of the viewport covered by
// the child's on-screen area, after placement scale and stage zoom,
// clamped to [0,1]. Rotation does not change area and is ignored.
func ComputeScreenCoverage(t Transform, vp viewport.Viewport) float64 {
	viewArea := vp.Width * vp.Height
	if viewArea <= 0 || vp.Zoom <= 0 {
		return 0
	}
	w := t.ChildWidth * t.ScaleX * vp.Zoom
	h := t.ChildHeight * t.ScaleY * vp.Zoom
	coverage := (w * h) / viewArea
	if coverage > 1 {
		return 1
	}
	if coverage < 0 {
		return 0
	}
	return coverage
}

// IsWithinViewport reports whether any part of the child's
// rotation-inclusive screen bounding box intersects the viewport expanded
// by margin screen pixels.
func IsWithinViewport(t Transform, vp viewport.Viewport, margin float64) bool {
	if vp.Zoom <= 0 {
		return false
	}
	box := ParentBounds(t)
	screen := geometry.NewRect(
		box.MinX*vp.Zoom+vp.PanX,
		box.MinY*vp.Zoom+vp.PanY,
		box.Width*vp.Zoom,
		box.Height*vp.Zoom,
	)
	view := geometry.NewRect(0, 0, vp.Width, vp.Height).Expand(margin)
	return screen.Intersects(view)
}
