// Package lod picks the resolution tier an image should be displayed at,
// from viewport geometry and the image's placement. The decision is a pure
// function of its inputs and is evaluated per image per frame.
package lod

import (
	"encoding/json"
	"fmt"

	"microtile/internal/placement"
	"microtile/internal/viewport"
)

// RenderMode is a resolution tier. Tiers are ordered: Thumbnail < Medium <
// Tiled.
type RenderMode int

const (
	ModeThumbnail RenderMode = iota
	ModeMedium
	ModeTiled
)

func (m RenderMode) String() string {
	switch m {
	case ModeThumbnail:
		return "thumbnail"
	case ModeMedium:
		return "medium"
	case ModeTiled:
		return "tiled"
	}
	return fmt.Sprintf("renderMode(%d)", int(m))
}

// MarshalJSON encodes the mode as its lowercase name.
func (m RenderMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// Thresholds are the hand-tuned decision constants. All are overridable
// through configuration; zero values fall back to the defaults.
type Thresholds struct {
	// TiledZoom is the zoom at or above which the base viewer requests
	// full tiles.
	TiledZoom float64 `json:"tiledZoom"`
	// MediumZoom is the zoom at or above which medium resolution is
	// requested.
	MediumZoom float64 `json:"mediumZoom"`
	// CoverageMedium is the screen-coverage fraction at or above which a
	// low-zoom image is still worth medium resolution.
	CoverageMedium float64 `json:"coverageMedium"`
	// ViewportMargin is the off-screen margin, in screen pixels, inside
	// which an image still counts as visible.
	ViewportMargin float64 `json:"viewportMargin"`
}

// DefaultThresholds returns the tuned defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TiledZoom:      1.0,
		MediumZoom:     0.5,
		CoverageMedium: 0.3,
		ViewportMargin: placement.DefaultViewportMargin,
	}
}

// Inputs is everything a mode decision depends on.
type Inputs struct {
	Placement placement.Transform
	Viewport  viewport.Viewport
	// Overlay caps the tier at Medium: overlays never request full tiles,
	// which bounds concurrent tile generation when a project carries many
	// of them.
	Overlay bool
}

// Selector decides render modes with a fixed set of thresholds.
type Selector struct {
	t Thresholds
}

// NewSelector builds a Selector, filling unset threshold fields from the
// defaults.
func NewSelector(t Thresholds) *Selector {
	def := DefaultThresholds()
	if t.TiledZoom <= 0 {
		t.TiledZoom = def.TiledZoom
	}
	if t.MediumZoom <= 0 {
		t.MediumZoom = def.MediumZoom
	}
	if t.CoverageMedium <= 0 {
		t.CoverageMedium = def.CoverageMedium
	}
	if t.ViewportMargin <= 0 {
		t.ViewportMargin = def.ViewportMargin
	}
	return &Selector{t: t}
}

// Thresholds returns the selector's effective thresholds.
func (s *Selector) Thresholds() Thresholds {
	return s.t
}

// DetermineRenderMode picks the tier for one image. Zoom is consulted
// before coverage: zoom expresses that the user wants detail and wins even
// for an image that is small on screen; coverage only upgrades low-zoom
// images that dominate the viewport. Off-screen images always drop to
// Thumbnail.
func (s *Selector) DetermineRenderMode(in Inputs) RenderMode {
	if !placement.IsWithinViewport(in.Placement, in.Viewport, s.t.ViewportMargin) {
		return ModeThumbnail
	}

	zoom := in.Viewport.Zoom
	if in.Overlay {
		if zoom >= s.t.MediumZoom {
			return ModeMedium
		}
	} else {
		if zoom >= s.t.TiledZoom {
			return ModeTiled
		}
		if zoom >= s.t.MediumZoom {
			return ModeMedium
		}
	}

	if placement.ComputeScreenCoverage(in.Placement, in.Viewport) >= s.t.CoverageMedium {
		return ModeMedium
	}
	return ModeThumbnail
}
