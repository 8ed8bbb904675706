package tilestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"microtile/internal/geometry"
)

// Client talks to the tile store's REST API. It performs no retries and
// holds no state beyond the connection pool; provenance and caching live
// in the store itself.
type Client struct {
	baseURL string
	httpc   *http.Client
	log     *slog.Logger
}

// NewClient creates a client for the store at baseURL, e.g.
// "http://localhost:9190".
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{},
		log:     logger,
	}
}

type pyramidRequest struct {
	Path string `json:"path"`
}

type pyramidMetadata struct {
	Width    int `json:"width"`
	Height   int `json:"height"`
	TilesX   int `json:"tilesX"`
	TilesY   int `json:"tilesY"`
	TileSize int `json:"tileSize"`
}

type pyramidResponse struct {
	Hash      string          `json:"hash"`
	Metadata  pyramidMetadata `json:"metadata"`
	FromCache bool            `json:"fromCache"`
}

type tilesRequest struct {
	Coords []TileCoord `json:"coords"`
}

type tilesResponse struct {
	Tiles []Tile `json:"tiles"`
}

type affineRequest struct {
	Path   string                `json:"path"`
	Matrix geometry.AffineMatrix `json:"matrix"`
}

type affineResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// GetPyramid asks the store for (or to create) the tile pyramid of the
// image at imagePath. The path is opaque to this client; the store
// resolves it against its images folder.
func (c *Client) GetPyramid(ctx context.Context, imagePath string) (PyramidHandle, error) {
	var resp pyramidResponse
	err := c.postJSON(ctx, c.baseURL+"/api/v1/pyramids", pyramidRequest{Path: imagePath}, &resp)
	if err != nil {
		return PyramidHandle{}, &IOError{Op: "load pyramid", Path: imagePath, Err: err}
	}
	h := PyramidHandle{
		ContentHash: resp.Hash,
		Width:       resp.Metadata.Width,
		Height:      resp.Metadata.Height,
		TileSize:    resp.Metadata.TileSize,
		TilesX:      resp.Metadata.TilesX,
		TilesY:      resp.Metadata.TilesY,
		FromCache:   resp.FromCache,
	}
	if h.TileSize == 0 {
		h.TileSize = DefaultTileSize
	}
	return h, nil
}

// GetThumbnail fetches the pyramid's thumbnail raster.
func (c *Client) GetThumbnail(ctx context.Context, contentHash string) ([]byte, error) {
	return c.getRaster(ctx, contentHash, "thumbnail")
}

// GetMedium fetches the pyramid's medium-resolution raster.
func (c *Client) GetMedium(ctx context.Context, contentHash string) ([]byte, error) {
	return c.getRaster(ctx, contentHash, "medium")
}

func (c *Client) getRaster(ctx context.Context, contentHash, kind string) ([]byte, error) {
	url := fmt.Sprintf("%s/api/v1/pyramids/%s/%s", c.baseURL, contentHash, kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &IOError{Op: "load " + kind, Err: err}
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, &IOError{Op: "load " + kind, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, &NotFoundError{Hash: contentHash, What: kind}
	default:
		return nil, &IOError{Op: "load " + kind, Err: fmt.Errorf("store returned %s", resp.Status)}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &IOError{Op: "load " + kind, Err: err}
	}
	return data, nil
}

// GetTilesBatch fetches the requested tiles. The store may omit tiles that
// are not yet materialized; callers treat the result as a partial set.
func (c *Client) GetTilesBatch(ctx context.Context, contentHash string, coords []TileCoord) ([]Tile, error) {
	if len(coords) == 0 {
		return nil, nil
	}
	url := fmt.Sprintf("%s/api/v1/pyramids/%s/tiles", c.baseURL, contentHash)
	var resp tilesResponse
	if err := c.postJSON(ctx, url, tilesRequest{Coords: coords}, &resp); err != nil {
		return nil, &IOError{Op: "load tiles", Err: err}
	}
	if len(resp.Tiles) < len(coords) {
		c.log.Debug("partial tile batch",
			slog.String("hash", contentHash),
			slog.Int("requested", len(coords)),
			slog.Int("received", len(resp.Tiles)))
	}
	return resp.Tiles, nil
}

// GenerateAffineTiles asks the store to materialize the transformed tile
// set for a registered overlay. Idempotent per (contentHash, matrix).
func (c *Client) GenerateAffineTiles(ctx context.Context, imagePath, contentHash string, m geometry.AffineMatrix) error {
	url := fmt.Sprintf("%s/api/v1/pyramids/%s/affine", c.baseURL, contentHash)
	var resp affineResponse
	if err := c.postJSON(ctx, url, affineRequest{Path: imagePath, Matrix: m}, &resp); err != nil {
		return &IOError{Op: "generate affine tiles", Path: imagePath, Err: err}
	}
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "store reported failure without detail"
		}
		return &TileGenerationError{Hash: contentHash, Message: msg}
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("store returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
