// Package registration computes affine transforms from user-picked control
// point pairs and drives the overlay registration workflow.
package registration

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"microtile/internal/geometry"
)

// Default thresholds for the point quality checks. Both are overridable
// through SolverConfig.
const (
	// DefaultCollinearAreaRatio is the relative triangle area below which
	// three source points count as collinear. The area is normalized by the
	// squared longest pairwise distance so the check is scale-invariant.
	DefaultCollinearAreaRatio = 1e-4

	// DefaultClusterFraction is the fraction of the image box under which a
	// point set's bounding box triggers the distribution warning.
	DefaultClusterFraction = 0.15
)

// PointPair is one control point correspondence: a click on the overlay
// (Source) paired with the matching click on the base image (Target), both
// in that image's native pixel coordinates.
type PointPair struct {
	Source geometry.Point `json:"source"`
	Target geometry.Point `json:"target"`
}

// DegenerateInputError reports control points that cannot produce a usable
// transform (collinear or coincident). It is never corrected silently.
type DegenerateInputError struct {
	Reason string
}

func (e *DegenerateInputError) Error() string {
	return "degenerate control points: " + e.Reason
}

// IsDegenerate reports whether err is a DegenerateInputError.
func IsDegenerate(err error) bool {
	var de *DegenerateInputError
	return errors.As(err, &de)
}

// Solver computes affine matrices from control point pairs and validates
// point quality.
type Solver struct {
	CollinearAreaRatio float64
	ClusterFraction    float64
}

// NewSolver returns a Solver with default thresholds.
func NewSolver() *Solver {
	return &Solver{
		CollinearAreaRatio: DefaultCollinearAreaRatio,
		ClusterFraction:    DefaultClusterFraction,
	}
}

// ComputeAffineMatrix solves for the affine transform mapping each source
// point onto its target. The fit is exact through the first 3 pairs: the
// 3x3 homogeneous source-point system is solved directly, not regressed.
// Pairs beyond the first 3 are accepted but do not influence the result.
// Returns a DegenerateInputError when the first 3 source points are
// collinear.
func (s *Solver) ComputeAffineMatrix(pairs []PointPair) (geometry.AffineMatrix, error) {
	if len(pairs) < 3 {
		return geometry.AffineMatrix{}, fmt.Errorf("need at least 3 point pairs, got %d", len(pairs))
	}
	first := pairs[:3]
	if s.ArePointsCollinear(first) {
		return geometry.AffineMatrix{}, &DegenerateInputError{Reason: "source points are collinear"}
	}

	// Six unknowns (a, b, tx, c, d, ty), two equations per pair:
	//   x' = a*x + b*y + tx
	//   y' = c*x + d*y + ty
	A := mat.NewDense(6, 6, nil)
	B := mat.NewVecDense(6, nil)
	for i, pair := range first {
		x, y := pair.Source.X, pair.Source.Y
		A.Set(i*2, 0, x)
		A.Set(i*2, 1, y)
		A.Set(i*2, 2, 1)
		B.SetVec(i*2, pair.Target.X)

		A.Set(i*2+1, 3, x)
		A.Set(i*2+1, 4, y)
		A.Set(i*2+1, 5, 1)
		B.SetVec(i*2+1, pair.Target.Y)
	}

	var params mat.VecDense
	if err := params.SolveVec(A, B); err != nil {
		return geometry.AffineMatrix{}, &DegenerateInputError{Reason: "source point system is singular: " + err.Error()}
	}

	return geometry.AffineMatrix{
		A:  params.AtVec(0),
		B:  params.AtVec(1),
		TX: params.AtVec(2),
		C:  params.AtVec(3),
		D:  params.AtVec(4),
		TY: params.AtVec(5),
	}, nil
}

// ArePointsCollinear reports whether the source points of the given pairs
// fail to span a triangle of meaningful area. With more than 3 pairs every
// point is tested against the line through the first two. Used as a
// pre-flight warning before ComputeAffineMatrix fails hard.
func (s *Solver) ArePointsCollinear(pairs []PointPair) bool {
	if len(pairs) < 3 {
		return true
	}
	pts := sourcePoints(pairs)

	maxDistSq := 0.0
	for i := range pts {
		for j := i + 1; j < len(pts); j++ {
			dx := pts[i].X - pts[j].X
			dy := pts[i].Y - pts[j].Y
			if d := dx*dx + dy*dy; d > maxDistSq {
				maxDistSq = d
			}
		}
	}
	if maxDistSq == 0 {
		// All points coincide.
		return true
	}

	p0, p1 := pts[0], pts[1]
	for _, p := range pts[2:] {
		cross := (p1.X-p0.X)*(p.Y-p0.Y) - (p.X-p0.X)*(p1.Y-p0.Y)
		if math.Abs(cross)/maxDistSq > s.CollinearAreaRatio {
			return false
		}
	}
	return true
}

// CheckPointDistribution returns a non-empty warning when all source points
// cluster within a small fraction of the image box. Clustered points still
// solve, but the matrix extrapolates poorly outside the cluster.
func (s *Solver) CheckPointDistribution(pairs []PointPair, imageWidth, imageHeight float64) string {
	if len(pairs) == 0 || imageWidth <= 0 || imageHeight <= 0 {
		return ""
	}
	box := geometry.BoundingBoxOf(sourcePoints(pairs))
	if box.Width < imageWidth*s.ClusterFraction && box.Height < imageHeight*s.ClusterFraction {
		return fmt.Sprintf("control points cluster in a %.0fx%.0f region of a %.0fx%.0f image; alignment may drift away from them",
			box.Width, box.Height, imageWidth, imageHeight)
	}
	return ""
}

// ComputeTransformedBounds transforms the corners of a width x height image
// box and returns the axis-aligned bounding box of the result. The bounds
// size the registered overlay's tile pyramid and place it relative to the
// base image.
func ComputeTransformedBounds(width, height float64, m geometry.AffineMatrix) geometry.Rect {
	return m.TransformRect(geometry.NewRect(0, 0, width, height))
}

func sourcePoints(pairs []PointPair) []geometry.Point {
	pts := make([]geometry.Point, len(pairs))
	for i, pair := range pairs {
		pts[i] = pair.Source
	}
	return pts
}
