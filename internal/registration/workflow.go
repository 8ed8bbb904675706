package registration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"microtile/internal/geometry"
)

// State enumerates the registration workflow states.
type State string

const (
	StateAwaitingSource State = "awaiting_source"
	StateAwaitingTarget State = "awaiting_target"
	StateReady          State = "ready"
	StateApplying       State = "applying"
	StateApplied        State = "applied"
	StateFailed         State = "failed"
)

// tileGenerator is the slice of the tile store the workflow needs: the
// single mutating call that materializes a registered overlay's tiles.
type tileGenerator interface {
	GenerateAffineTiles(ctx context.Context, imagePath, contentHash string, m geometry.AffineMatrix) error
}

// Workflow tracks one overlay registration from the first source click
// through Apply. Point pairs are collected alternately (source click, then
// target click); once three complete pairs exist and solve cleanly the
// workflow is Ready and Apply may be triggered.
type Workflow struct {
	mu sync.Mutex

	solver      *Solver
	store       tileGenerator
	log         *slog.Logger
	overlayPath string
	contentHash string
	imageW      float64
	imageH      float64

	state         State
	pairs         []PointPair
	pendingSource *geometry.Point
	matrix        geometry.AffineMatrix
	bounds        geometry.Rect
	warning       string
	lastError     string
}

// Snapshot is a point-in-time copy of the workflow state for callers that
// render or persist it.
type Snapshot struct {
	OverlayPath string                `json:"overlayPath"`
	ContentHash string                `json:"contentHash"`
	State       State                 `json:"state"`
	Pairs       []PointPair           `json:"pairs"`
	Matrix      geometry.AffineMatrix `json:"matrix"`
	Bounds      geometry.Rect         `json:"bounds"`
	Warning     string                `json:"warning,omitempty"`
	LastError   string                `json:"lastError,omitempty"`
}

// NewWorkflow creates a workflow for one overlay image. imageW/imageH are
// the overlay's native pixel dimensions, used by the distribution check.
func NewWorkflow(overlayPath, contentHash string, imageW, imageH float64, solver *Solver, store tileGenerator, logger *slog.Logger) *Workflow {
	if solver == nil {
		solver = NewSolver()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{
		solver:      solver,
		store:       store,
		log:         logger,
		overlayPath: overlayPath,
		contentHash: contentHash,
		imageW:      imageW,
		imageH:      imageH,
		state:       StateAwaitingSource,
	}
}

// AddSourcePoint records a click on the overlay image and moves the
// workflow to awaiting the matching target click. Legal from
// AwaitingSource and from Ready (additional pairs may be collected for
// operator confidence; they do not change the fit).
func (w *Workflow) AddSourcePoint(p geometry.Point) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case StateAwaitingSource, StateReady:
		w.pendingSource = &p
		w.state = StateAwaitingTarget
		return nil
	default:
		return fmt.Errorf("cannot add source point in state %q", w.state)
	}
}

// AddTargetPoint records the base-image click completing the current pair.
// Once at least three pairs exist the matrix is recomputed; a degenerate
// point set keeps the workflow collecting with the failure surfaced as the
// current warning.
func (w *Workflow) AddTargetPoint(p geometry.Point) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateAwaitingTarget {
		return fmt.Errorf("cannot add target point in state %q", w.state)
	}
	w.pairs = append(w.pairs, PointPair{Source: *w.pendingSource, Target: p})
	w.pendingSource = nil
	w.recomputeLocked()
	return nil
}

// RemovePair deletes the pair at index i and recomputes. Dropping below
// three pairs returns the workflow to collecting.
func (w *Workflow) RemovePair(i int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case StateApplying, StateApplied:
		return fmt.Errorf("cannot remove pair in state %q", w.state)
	}
	if i < 0 || i >= len(w.pairs) {
		return fmt.Errorf("pair index %d out of range", i)
	}
	w.pairs = append(w.pairs[:i], w.pairs[i+1:]...)
	if w.pendingSource != nil {
		w.state = StateAwaitingTarget
		return nil
	}
	w.recomputeLocked()
	return nil
}

// recomputeLocked re-derives matrix, bounds, state, and warning from the
// current pair set. Caller holds w.mu.
func (w *Workflow) recomputeLocked() {
	if len(w.pairs) < 3 {
		w.state = StateAwaitingSource
		w.matrix = geometry.AffineMatrix{}
		w.bounds = geometry.Rect{}
		w.warning = ""
		return
	}

	m, err := w.solver.ComputeAffineMatrix(w.pairs)
	if err != nil {
		w.state = StateAwaitingSource
		w.matrix = geometry.AffineMatrix{}
		w.bounds = geometry.Rect{}
		w.warning = err.Error()
		return
	}
	w.matrix = m
	w.bounds = ComputeTransformedBounds(w.imageW, w.imageH, m)
	w.warning = w.solver.CheckPointDistribution(w.pairs, w.imageW, w.imageH)
	w.state = StateReady
}

// Apply asks the tile store to materialize the transformed tile set. On a
// store failure the workflow returns to Ready with the store's message so
// the operator can retry without re-picking points; only degenerate input
// discovered here is terminal.
func (w *Workflow) Apply(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateReady {
		state := w.state
		w.mu.Unlock()
		return fmt.Errorf("cannot apply in state %q", state)
	}
	w.state = StateApplying
	matrix := w.matrix
	path, hash := w.overlayPath, w.contentHash
	w.mu.Unlock()

	err := w.store.GenerateAffineTiles(ctx, path, hash, matrix)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		if IsDegenerate(err) {
			w.state = StateFailed
		} else {
			w.state = StateReady
		}
		w.lastError = err.Error()
		w.log.Error("affine tile generation failed", slog.String("hash", hash), slog.String("error", err.Error()))
		return fmt.Errorf("apply registration: %w", err)
	}
	w.state = StateApplied
	w.lastError = ""
	w.log.Info("registration applied", slog.String("hash", hash), slog.Int("pairs", len(w.pairs)))
	return nil
}

// Snapshot returns a copy of the current workflow state.
func (w *Workflow) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	pairs := make([]PointPair, len(w.pairs))
	copy(pairs, w.pairs)
	return Snapshot{
		OverlayPath: w.overlayPath,
		ContentHash: w.contentHash,
		State:       w.state,
		Pairs:       pairs,
		Matrix:      w.matrix,
		Bounds:      w.bounds,
		Warning:     w.warning,
		LastError:   w.lastError,
	}
}

// State returns the current workflow state.
func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Matrix returns the computed transform. ok is false before Ready.
func (w *Workflow) Matrix() (m geometry.AffineMatrix, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.state {
	case StateReady, StateApplying, StateApplied:
		return w.matrix, true
	}
	return geometry.AffineMatrix{}, false
}

// Bounds returns the transformed overlay bounds. ok is false before Ready.
func (w *Workflow) Bounds() (r geometry.Rect, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.state {
	case StateReady, StateApplying, StateApplied:
		return w.bounds, true
	}
	return geometry.Rect{}, false
}
