package session

import (
	"image"
	"sync"

	"microtile/internal/tilestore"
)

type tileKey struct {
	hash string
	x, y int
}

// TileCache holds decoded tiles for the image a viewer is looking at,
// keyed by (contentHash, x, y). It is an explicit object owned by the
// Manager; eviction drops everything that does not belong to the pyramid
// passed to Evict.
type TileCache struct {
	mu    sync.Mutex
	tiles map[tileKey]image.Image
}

// NewTileCache creates an empty cache.
func NewTileCache() *TileCache {
	return &TileCache{tiles: make(map[tileKey]image.Image)}
}

// Put stores a decoded tile.
func (c *TileCache) Put(hash string, x, y int, img image.Image) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tiles[tileKey{hash: hash, x: x, y: y}] = img
}

// Get returns a decoded tile if present.
func (c *TileCache) Get(hash string, x, y int) (image.Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	img, ok := c.tiles[tileKey{hash: hash, x: x, y: y}]
	return img, ok
}

// Has reports whether a tile is resident.
func (c *TileCache) Has(hash string, x, y int) bool {
	_, ok := c.Get(hash, x, y)
	return ok
}

// Len returns the number of resident tiles.
func (c *TileCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tiles)
}

// Evict drops every tile that does not belong to keepHash and returns how
// many were dropped. Called when the viewed image changes.
func (c *TileCache) Evict(keepHash string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := 0
	for k := range c.tiles {
		if k.hash != keepHash {
			delete(c.tiles, k)
			dropped++
		}
	}
	return dropped
}

// MissingFrom filters coords down to those not resident for hash.
func (c *TileCache) MissingFrom(hash string, coords []tilestore.TileCoord) []tilestore.TileCoord {
	c.mu.Lock()
	defer c.mu.Unlock()
	var missing []tilestore.TileCoord
	for _, coord := range coords {
		if _, ok := c.tiles[tileKey{hash: hash, x: coord.X, y: coord.Y}]; !ok {
			missing = append(missing, coord)
		}
	}
	return missing
}
