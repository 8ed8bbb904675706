package tilestore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"microtile/internal/geometry"
)

func TestClientGetPyramid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/pyramids" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req pyramidRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Path != "scans/base.tif" {
			t.Errorf("path = %q", req.Path)
		}
		json.NewEncoder(w).Encode(pyramidResponse{
			Hash:      "cafe01",
			Metadata:  pyramidMetadata{Width: 10000, Height: 8000, TilesX: 40, TilesY: 32, TileSize: 256},
			FromCache: true,
		})
	}))
	defer srv.Close()

	h, err := NewClient(srv.URL, nil).GetPyramid(context.Background(), "scans/base.tif")
	if err != nil {
		t.Fatalf("GetPyramid: %v", err)
	}
	if h.ContentHash != "cafe01" || h.TilesX != 40 || h.TilesY != 32 || !h.FromCache {
		t.Fatalf("handle %+v", h)
	}
}

func TestClientGetPyramidStoreError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "disk on fire", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, nil).GetPyramid(context.Background(), "scans/base.tif")
	if err == nil {
		t.Fatal("no error from failing store")
	}
	if !IsIO(err) {
		t.Fatalf("want IOError, got %T: %v", err, err)
	}
}

func TestClientUnreachableStore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	_, err := NewClient(srv.URL, nil).GetPyramid(context.Background(), "scans/base.tif")
	if !IsIO(err) {
		t.Fatalf("want IOError for unreachable store, got %v", err)
	}
}

func TestClientThumbnailNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, nil).GetThumbnail(context.Background(), "nope")
	if !IsNotFound(err) {
		t.Fatalf("want NotFoundError, got %v", err)
	}
}

func TestClientThumbnailBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/pyramids/cafe01/thumbnail" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte{0x89, 0x50, 0x4e, 0x47})
	}))
	defer srv.Close()

	data, err := NewClient(srv.URL, nil).GetThumbnail(context.Background(), "cafe01")
	if err != nil {
		t.Fatalf("GetThumbnail: %v", err)
	}
	if len(data) != 4 || data[1] != 0x50 {
		t.Fatalf("raster bytes %v", data)
	}
}

func TestClientGetTilesBatchPartial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req tilesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Coords) != 3 {
			t.Errorf("got %d coords", len(req.Coords))
		}
		// Serve only two of the three requested tiles.
		json.NewEncoder(w).Encode(tilesResponse{Tiles: []Tile{
			{X: 0, Y: 0, Pixels: []byte{1}},
			{X: 1, Y: 0, Pixels: []byte{2}},
		}})
	}))
	defer srv.Close()

	coords := []TileCoord{{0, 0}, {1, 0}, {2, 0}}
	tiles, err := NewClient(srv.URL, nil).GetTilesBatch(context.Background(), "cafe01", coords)
	if err != nil {
		t.Fatalf("GetTilesBatch: %v", err)
	}
	if len(tiles) != 2 {
		t.Fatalf("got %d tiles, want partial batch of 2", len(tiles))
	}
}

func TestClientGetTilesBatchEmptyRequest(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", nil)
	tiles, err := c.GetTilesBatch(context.Background(), "cafe01", nil)
	if err != nil || tiles != nil {
		t.Fatalf("empty batch: tiles=%v err=%v", tiles, err)
	}
}

func TestClientGenerateAffineTiles(t *testing.T) {
	var gotMatrix geometry.AffineMatrix
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req affineRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotMatrix = req.Matrix
		json.NewEncoder(w).Encode(affineResponse{Success: true})
	}))
	defer srv.Close()

	m := geometry.Translation(10, 10)
	if err := NewClient(srv.URL, nil).GenerateAffineTiles(context.Background(), "overlay.tif", "cafe01", m); err != nil {
		t.Fatalf("GenerateAffineTiles: %v", err)
	}
	if gotMatrix != m {
		t.Fatalf("store saw matrix %+v, want %+v", gotMatrix, m)
	}
}

func TestClientGenerateAffineTilesStoreFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(affineResponse{Success: false, Error: "warp exceeds pyramid budget"})
	}))
	defer srv.Close()

	err := NewClient(srv.URL, nil).GenerateAffineTiles(context.Background(), "overlay.tif", "cafe01", geometry.Identity())
	if err == nil {
		t.Fatal("no error from failed generation")
	}
	var tg *TileGenerationError
	if !errors.As(err, &tg) {
		t.Fatalf("want TileGenerationError, got %T: %v", err, err)
	}
	if tg.Message != "warp exceeds pyramid budget" {
		t.Fatalf("store message lost: %q", tg.Message)
	}
}
