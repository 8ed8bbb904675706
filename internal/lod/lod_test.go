package lod

import (
	"testing"

	"microtile/internal/geometry"
	"microtile/internal/placement"
	"microtile/internal/viewport"
)

// fullScreenPlacement returns a placement that stays visible and keeps
// high coverage across the zoom sweep used by the tests.
func fullScreenPlacement() placement.Transform {
	return placement.Resolve(placement.Anchored{}, 1, 0, 4000, 3000)
}

func vpAt(zoom float64) viewport.Viewport {
	return viewport.Viewport{Zoom: zoom, Width: 800, Height: 600}
}

func TestBaseViewerZoomLadder(t *testing.T) {
	s := NewSelector(Thresholds{})
	pl := fullScreenPlacement()

	cases := []struct {
		zoom float64
		want RenderMode
	}{
		{2.0, ModeTiled},
		{1.0, ModeTiled},
		{0.99, ModeMedium},
		{0.5, ModeMedium},
	}
	for _, tc := range cases {
		got := s.DetermineRenderMode(Inputs{Placement: pl, Viewport: vpAt(tc.zoom)})
		if got != tc.want {
			t.Errorf("zoom %g: got %v, want %v", tc.zoom, got, tc.want)
		}
	}
}

func TestLowZoomCoverageCheck(t *testing.T) {
	s := NewSelector(Thresholds{})

	// Below MediumZoom a dominant image still earns Medium through
	// coverage: 4000x3000 at zoom 0.2 covers the whole 800x600 viewport.
	big := fullScreenPlacement()
	if got := s.DetermineRenderMode(Inputs{Placement: big, Viewport: vpAt(0.2)}); got != ModeMedium {
		t.Errorf("dominant low-zoom image: got %v, want medium", got)
	}

	// A small image at the same zoom covers almost nothing and stays on
	// its thumbnail.
	small := placement.Resolve(placement.Anchored{TopLeft: geometry.Pt(100, 100)}, 1, 0, 200, 200)
	if got := s.DetermineRenderMode(Inputs{Placement: small, Viewport: vpAt(0.2)}); got != ModeThumbnail {
		t.Errorf("small low-zoom image: got %v, want thumbnail", got)
	}
}

func TestOffViewportAlwaysThumbnail(t *testing.T) {
	s := NewSelector(Thresholds{})
	// Anchored far outside the expanded viewport at every zoom tested.
	off := placement.Resolve(placement.Anchored{TopLeft: geometry.Pt(100000, 100000)}, 1, 0, 200, 200)
	for _, zoom := range []float64{0.1, 0.5, 1, 3} {
		if got := s.DetermineRenderMode(Inputs{Placement: off, Viewport: vpAt(zoom)}); got != ModeThumbnail {
			t.Errorf("off-viewport at zoom %g: got %v, want thumbnail", zoom, got)
		}
	}
}

func TestOverlayCappedAtMedium(t *testing.T) {
	s := NewSelector(Thresholds{})
	pl := fullScreenPlacement()
	for _, zoom := range []float64{0.5, 1.0, 2.0, 8.0} {
		got := s.DetermineRenderMode(Inputs{Placement: pl, Viewport: vpAt(zoom), Overlay: true})
		if got != ModeMedium {
			t.Errorf("overlay at zoom %g: got %v, want medium cap", zoom, got)
		}
	}

	// Overlays fall through to the coverage check below MediumZoom too.
	if got := s.DetermineRenderMode(Inputs{Placement: pl, Viewport: vpAt(0.2), Overlay: true}); got != ModeMedium {
		t.Errorf("dominant low-zoom overlay: got %v, want medium", got)
	}
	small := placement.Resolve(placement.Anchored{TopLeft: geometry.Pt(10, 10)}, 1, 0, 200, 200)
	if got := s.DetermineRenderMode(Inputs{Placement: small, Viewport: vpAt(0.2), Overlay: true}); got != ModeThumbnail {
		t.Errorf("small low-zoom overlay: got %v, want thumbnail", got)
	}
}

func TestMonotonicInZoom(t *testing.T) {
	s := NewSelector(Thresholds{})
	pl := fullScreenPlacement()

	for _, overlay := range []bool{false, true} {
		prev := ModeThumbnail
		for zoom := 0.05; zoom <= 3.0; zoom += 0.05 {
			got := s.DetermineRenderMode(Inputs{Placement: pl, Viewport: vpAt(zoom), Overlay: overlay})
			if got < prev {
				t.Fatalf("overlay=%v: tier dropped from %v to %v at zoom %g", overlay, prev, got, zoom)
			}
			if overlay && got > ModeMedium {
				t.Fatalf("overlay exceeded medium at zoom %g", zoom)
			}
			prev = got
		}
	}
}

func TestThresholdOverrides(t *testing.T) {
	s := NewSelector(Thresholds{TiledZoom: 2.0, MediumZoom: 1.0})
	pl := fullScreenPlacement()

	if got := s.DetermineRenderMode(Inputs{Placement: pl, Viewport: vpAt(1.5)}); got != ModeMedium {
		t.Errorf("custom thresholds at zoom 1.5: got %v, want medium", got)
	}
	if got := s.DetermineRenderMode(Inputs{Placement: pl, Viewport: vpAt(2.0)}); got != ModeTiled {
		t.Errorf("custom thresholds at zoom 2: got %v, want tiled", got)
	}
	// Unset fields fall back to defaults rather than zero.
	if s.Thresholds().CoverageMedium != 0.3 {
		t.Errorf("unset coverage threshold = %g, want default 0.3", s.Thresholds().CoverageMedium)
	}
}

func TestRenderModeNames(t *testing.T) {
	if ModeThumbnail.String() != "thumbnail" || ModeMedium.String() != "medium" || ModeTiled.String() != "tiled" {
		t.Error("mode names changed; viewer protocol depends on them")
	}
	data, err := ModeTiled.MarshalJSON()
	if err != nil || string(data) != `"tiled"` {
		t.Errorf("MarshalJSON = %s, %v", data, err)
	}
}
