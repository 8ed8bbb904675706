package tilestore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"

	"microtile/internal/geometry"
)

// Mock is an in-memory Store for tests and for the CLI's offline mode. It
// fabricates deterministic pyramids and PNG rasters so the full decode
// path runs without a store process.
type Mock struct {
	mu        sync.Mutex
	images    map[string]PyramidHandle
	byHash    map[string]PyramidHandle
	served    map[string]bool
	generated map[string]geometry.AffineMatrix

	// AutoCreate makes GetPyramid invent a pyramid for unknown paths, the
	// way the real store tiles any readable file on first request.
	AutoCreate bool
	// AutoWidth and AutoHeight size auto-created pyramids.
	AutoWidth, AutoHeight int
	TileSize              int

	// Error injection, returned verbatim by the matching call.
	PyramidErr   error
	ThumbnailErr error
	MediumErr    error
	TilesErr     error
	GenerateErr  error

	GenerateCalls int
}

// NewMock returns a Mock that auto-creates 2048x1536 pyramids.
func NewMock() *Mock {
	return &Mock{
		images:     make(map[string]PyramidHandle),
		byHash:     make(map[string]PyramidHandle),
		served:     make(map[string]bool),
		generated:  make(map[string]geometry.AffineMatrix),
		AutoCreate: true,
		AutoWidth:  2048,
		AutoHeight: 1536,
		TileSize:   DefaultTileSize,
	}
}

// AddImage registers an image with explicit dimensions and returns the
// handle GetPyramid will serve for its path.
func (m *Mock) AddImage(path string, width, height int) PyramidHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLocked(path, width, height)
}

func (m *Mock) addLocked(path string, width, height int) PyramidHandle {
	tilesX, tilesY := GridFor(width, height, m.TileSize)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%dx%d", path, width, height)))
	h := PyramidHandle{
		ContentHash: hex.EncodeToString(sum[:8]),
		Width:       width,
		Height:      height,
		TileSize:    m.TileSize,
		TilesX:      tilesX,
		TilesY:      tilesY,
	}
	m.images[path] = h
	m.byHash[h.ContentHash] = h
	return h
}

// GetPyramid serves the registered handle, creating one when AutoCreate is
// set. The first request for a path reports FromCache=false, later ones
// true, mirroring the store's provenance flag.
func (m *Mock) GetPyramid(ctx context.Context, imagePath string) (PyramidHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PyramidErr != nil {
		return PyramidHandle{}, m.PyramidErr
	}
	h, ok := m.images[imagePath]
	if !ok {
		if !m.AutoCreate {
			return PyramidHandle{}, &IOError{Op: "load pyramid", Path: imagePath, Err: fmt.Errorf("unknown image")}
		}
		h = m.addLocked(imagePath, m.AutoWidth, m.AutoHeight)
	}
	h.FromCache = m.served[imagePath]
	m.served[imagePath] = true
	return h, nil
}

// GetThumbnail serves a small solid PNG derived from the hash.
func (m *Mock) GetThumbnail(ctx context.Context, contentHash string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ThumbnailErr != nil {
		return nil, m.ThumbnailErr
	}
	if _, ok := m.byHash[contentHash]; !ok {
		return nil, &NotFoundError{Hash: contentHash, What: "thumbnail"}
	}
	return solidPNG(96, 72, hashShade(contentHash)), nil
}

// GetMedium serves a medium solid PNG derived from the hash.
func (m *Mock) GetMedium(ctx context.Context, contentHash string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MediumErr != nil {
		return nil, m.MediumErr
	}
	if _, ok := m.byHash[contentHash]; !ok {
		return nil, &NotFoundError{Hash: contentHash, What: "medium"}
	}
	return solidPNG(768, 576, hashShade(contentHash)), nil
}

// GetTilesBatch serves PNG tiles for every in-range coordinate and omits
// the rest, matching the store's partial-result behavior.
func (m *Mock) GetTilesBatch(ctx context.Context, contentHash string, coords []TileCoord) ([]Tile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TilesErr != nil {
		return nil, m.TilesErr
	}
	h, ok := m.byHash[contentHash]
	if !ok {
		return nil, &NotFoundError{Hash: contentHash, What: "tiles"}
	}
	var tiles []Tile
	for _, c := range coords {
		if c.X < 0 || c.X >= h.TilesX || c.Y < 0 || c.Y >= h.TilesY {
			continue
		}
		shade := uint8((int(hashShade(contentHash)) + 7*(c.X+c.Y)) % 256)
		tiles = append(tiles, Tile{X: c.X, Y: c.Y, Pixels: solidPNG(h.TileSize, h.TileSize, shade)})
	}
	return tiles, nil
}

// GenerateAffineTiles records the applied matrix per hash.
func (m *Mock) GenerateAffineTiles(ctx context.Context, imagePath, contentHash string, mat geometry.AffineMatrix) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GenerateCalls++
	if m.GenerateErr != nil {
		return m.GenerateErr
	}
	if _, ok := m.byHash[contentHash]; !ok {
		return &TileGenerationError{Hash: contentHash, Message: "unknown pyramid"}
	}
	m.generated[contentHash] = mat
	return nil
}

// AppliedMatrix returns the matrix last applied for a hash.
func (m *Mock) AppliedMatrix(contentHash string) (geometry.AffineMatrix, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mat, ok := m.generated[contentHash]
	return mat, ok
}

func hashShade(contentHash string) uint8 {
	if contentHash == "" {
		return 128
	}
	return uint8(contentHash[0])
}

func solidPNG(w, h int, shade uint8) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	c := color.RGBA{R: shade, G: shade, B: shade, A: 255}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil
	}
	return buf.Bytes()
}
