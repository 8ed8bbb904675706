// Package geometry provides the 2D primitives shared by the registration
// solver, placement math, and viewport culling: points, axis-aligned
// rectangles, and 2x3 affine matrices.
package geometry

import "math"

// Point is a 2D point in image or screen pixel coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Pt is shorthand for constructing a Point.
func Pt(x, y float64) Point {
	return Point{X: x, Y: y}
}

// Distance returns the Euclidean distance to another point.
func (p Point) Distance(other Point) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Add returns the sum of two points.
func (p Point) Add(other Point) Point {
	return Point{X: p.X + other.X, Y: p.Y + other.Y}
}

// Sub returns the difference of two points.
func (p Point) Sub(other Point) Point {
	return Point{X: p.X - other.X, Y: p.Y - other.Y}
}

// Scale returns the point scaled by a factor.
func (p Point) Scale(factor float64) Point {
	return Point{X: p.X * factor, Y: p.Y * factor}
}

// Rect is an axis-aligned rectangle anchored at its minimum corner.
type Rect struct {
	MinX   float64 `json:"minX"`
	MinY   float64 `json:"minY"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// NewRect creates a Rect from its minimum corner and size.
func NewRect(minX, minY, width, height float64) Rect {
	return Rect{MinX: minX, MinY: minY, Width: width, Height: height}
}

// MaxX returns the maximum X coordinate.
func (r Rect) MaxX() float64 { return r.MinX + r.Width }

// MaxY returns the maximum Y coordinate.
func (r Rect) MaxY() float64 { return r.MinY + r.Height }

// Center returns the center point of the rectangle.
func (r Rect) Center() Point {
	return Point{X: r.MinX + r.Width/2, Y: r.MinY + r.Height/2}
}

// Contains reports whether the point lies inside the rectangle.
func (r Rect) Contains(p Point) bool {
	return p.X >= r.MinX && p.X <= r.MaxX() &&
		p.Y >= r.MinY && p.Y <= r.MaxY()
}

// Intersects reports whether this rectangle overlaps another.
func (r Rect) Intersects(other Rect) bool {
	return r.MinX < other.MaxX() && r.MaxX() > other.MinX &&
		r.MinY < other.MaxY() && r.MaxY() > other.MinY
}

// Expand grows the rectangle by margin on every side. A negative margin
// shrinks it.
func (r Rect) Expand(margin float64) Rect {
	return Rect{
		MinX:   r.MinX - margin,
		MinY:   r.MinY - margin,
		Width:  r.Width + 2*margin,
		Height: r.Height + 2*margin,
	}
}

// Union returns the smallest rectangle containing both rectangles.
func (r Rect) Union(other Rect) Rect {
	minX := math.Min(r.MinX, other.MinX)
	minY := math.Min(r.MinY, other.MinY)
	maxX := math.Max(r.MaxX(), other.MaxX())
	maxY := math.Max(r.MaxY(), other.MaxY())
	return Rect{MinX: minX, MinY: minY, Width: maxX - minX, Height: maxY - minY}
}

// BoundingBoxOf returns the smallest axis-aligned rectangle containing all
// of the given points. The zero Rect is returned for an empty slice.
func BoundingBoxOf(points []Point) Rect {
	if len(points) == 0 {
		return Rect{}
	}
	minX, minY := points[0].X, points[0].Y
	maxX, maxY := minX, minY
	for _, p := range points[1:] {
		minX = math.Min(minX, p.X)
		minY = math.Min(minY, p.Y)
		maxX = math.Max(maxX, p.X)
		maxY = math.Max(maxY, p.Y)
	}
	return Rect{MinX: minX, MinY: minY, Width: maxX - minX, Height: maxY - minY}
}

// AffineMatrix is a 2x3 affine transformation
//
//	[a b tx]
//	[c d ty]
//
// mapping (x, y) to (a*x + b*y + tx, c*x + d*y + ty).
type AffineMatrix struct {
	A  float64 `json:"a"`
	B  float64 `json:"b"`
	TX float64 `json:"tx"`
	C  float64 `json:"c"`
	D  float64 `json:"d"`
	TY float64 `json:"ty"`
}

// Identity returns the identity matrix.
func Identity() AffineMatrix {
	return AffineMatrix{A: 1, D: 1}
}

// Translation returns a pure translation matrix.
func Translation(tx, ty float64) AffineMatrix {
	return AffineMatrix{A: 1, D: 1, TX: tx, TY: ty}
}

// Rotation returns a rotation about the origin by the given angle in
// radians.
func Rotation(radians float64) AffineMatrix {
	cos := math.Cos(radians)
	sin := math.Sin(radians)
	return AffineMatrix{A: cos, B: -sin, C: sin, D: cos}
}

// Scaling returns a scaling matrix.
func Scaling(sx, sy float64) AffineMatrix {
	return AffineMatrix{A: sx, D: sy}
}

// Apply transforms a point by the matrix.
func (m AffineMatrix) Apply(p Point) Point {
	return Point{
		X: m.A*p.X + m.B*p.Y + m.TX,
		Y: m.C*p.X + m.D*p.Y + m.TY,
	}
}

// Compose returns the matrix equivalent to applying other first, then m.
func (m AffineMatrix) Compose(other AffineMatrix) AffineMatrix {
	return AffineMatrix{
		A:  m.A*other.A + m.B*other.C,
		B:  m.A*other.B + m.B*other.D,
		TX: m.A*other.TX + m.B*other.TY + m.TX,
		C:  m.C*other.A + m.D*other.C,
		D:  m.C*other.B + m.D*other.D,
		TY: m.C*other.TX + m.D*other.TY + m.TY,
	}
}

// Determinant returns the determinant of the linear part.
func (m AffineMatrix) Determinant() float64 {
	return m.A*m.D - m.B*m.C
}

// Inverse returns the inverse matrix. ok is false when the matrix is
// singular.
func (m AffineMatrix) Inverse() (inv AffineMatrix, ok bool) {
	det := m.Determinant()
	if math.Abs(det) < 1e-10 {
		return AffineMatrix{}, false
	}
	invDet := 1.0 / det
	return AffineMatrix{
		A:  m.D * invDet,
		B:  -m.B * invDet,
		TX: (m.B*m.TY - m.D*m.TX) * invDet,
		C:  -m.C * invDet,
		D:  m.A * invDet,
		TY: (m.C*m.TX - m.A*m.TY) * invDet,
	}, true
}

// IsIdentity reports whether the matrix is the identity within tolerance.
func (m AffineMatrix) IsIdentity() bool {
	const eps = 1e-12
	return math.Abs(m.A-1) < eps && math.Abs(m.B) < eps && math.Abs(m.TX) < eps &&
		math.Abs(m.C) < eps && math.Abs(m.D-1) < eps && math.Abs(m.TY) < eps
}

// TransformRect applies the matrix to the four corners of r and returns
// the axis-aligned bounding box of the result.
func (m AffineMatrix) TransformRect(r Rect) Rect {
	corners := []Point{
		{X: r.MinX, Y: r.MinY},
		{X: r.MaxX(), Y: r.MinY},
		{X: r.MaxX(), Y: r.MaxY()},
		{X: r.MinX, Y: r.MaxY()},
	}
	for i, c := range corners {
		corners[i] = m.Apply(c)
	}
	return BoundingBoxOf(corners)
}
