// Package session orchestrates progressive loading for one viewer: pyramid
// metadata first, then the thumbnail, then medium or full tiles in the
// background. Changing the viewed image supersedes all in-flight work via a
// monotonically increasing session epoch; store requests are allowed to
// finish so the store's durable cache still warms, but their results are
// discarded locally.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"microtile/internal/logging"
	"microtile/internal/lod"
	"microtile/internal/metrics"
	"microtile/internal/placement"
	"microtile/internal/raster"
	"microtile/internal/tilestore"
	"microtile/internal/viewport"
)

// State enumerates the per-viewer load states.
type State string

const (
	StateIdle             State = "idle"
	StateMetadataLoading  State = "metadata_loading"
	StateThumbnailLoading State = "thumbnail_loading"
	StateThumbnailReady   State = "thumbnail_ready"
	StateTilesLoading     State = "tiles_loading"
	StateTilesReady       State = "tiles_ready"
)

// EventKind distinguishes the payloads published to subscribers.
type EventKind string

const (
	EventState     EventKind = "state"
	EventThumbnail EventKind = "thumbnail"
	EventMedium    EventKind = "medium"
	EventTiles     EventKind = "tiles"
	EventError     EventKind = "error"
)

// Event is one notification from the load engine. Raster carries the
// encoded thumbnail or medium payload; Tiles carries the fetched batch
// with encoded pixels so transports can forward it without re-encoding.
type Event struct {
	Kind      EventKind        `json:"kind"`
	SessionID uint64           `json:"sessionId"`
	State     State            `json:"state"`
	Mode      lod.RenderMode   `json:"mode"`
	ImagePath string           `json:"imagePath,omitempty"`
	Hash      string           `json:"hash,omitempty"`
	Raster    []byte           `json:"-"`
	Tiles     []tilestore.Tile `json:"-"`
	TileSize  int              `json:"tileSize,omitempty"`
	TileCount int              `json:"tileCount,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// Config tunes the load engine. Zero values fall back to the defaults.
type Config struct {
	RetryCount      int
	RetryDelay      time.Duration
	DecodeChunkSize int
	TilePadding     int
	Thresholds      lod.Thresholds
}

func (c Config) withDefaults() Config {
	if c.RetryCount <= 0 {
		c.RetryCount = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.DecodeChunkSize <= 0 {
		c.DecodeChunkSize = 20
	}
	if c.TilePadding < 0 {
		c.TilePadding = viewport.DefaultPadding
	}
	return c
}

// Manager runs the progressive load state machine for one viewer
// instance. At most one session is current at any time; every
// continuation re-checks the epoch before touching visible state.
type Manager struct {
	mu sync.Mutex

	store    tilestore.Store
	cache    *TileCache
	selector *lod.Selector
	log      *slog.Logger
	engine   *metrics.Engine
	cfg      Config

	// baseCtx, not a per-session context: in-flight store requests are
	// allowed to complete so the durable cache warms even when the local
	// continuation is stale.
	baseCtx context.Context

	epoch     uint64
	state     State
	imagePath string
	overlay   bool
	pyramid   tilestore.PyramidHandle
	place     placement.Transform
	vp        viewport.Viewport
	loaded    lod.RenderMode
	upgrading bool

	subs      map[int]chan Event
	nextSubID int
}

// NewManager creates a Manager over the given tile store. eng may be nil
// to run unmetered.
func NewManager(ctx context.Context, store tilestore.Store, cfg Config, logger *slog.Logger, eng *metrics.Engine) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Manager{
		store:    store,
		cache:    NewTileCache(),
		selector: lod.NewSelector(cfg.Thresholds),
		log:      logger,
		engine:   eng,
		cfg:      cfg,
		baseCtx:  ctx,
		state:    StateIdle,
		subs:     make(map[int]chan Event),
	}
}

// Subscribe returns a channel of load events and an unsubscribe function.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	ch := make(chan Event, 32)
	m.subs[id] = ch
	unsub := func() {
		m.mu.Lock()
		if c, ok := m.subs[id]; ok {
			close(c)
			delete(m.subs, id)
		}
		m.mu.Unlock()
	}
	return ch, unsub
}

func (m *Manager) publish(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishLocked(ev)
}

func (m *Manager) publishLocked(ev Event) {
	for id, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.log.Warn("event channel full", "subscriber", id, "kind", string(ev.Kind))
		}
	}
}

// View starts a new load session for imagePath, superseding any in-flight
// session. Returns the new session id.
func (m *Manager) View(imagePath string, overlay bool) uint64 {
	m.mu.Lock()
	m.epoch++
	epoch := m.epoch
	m.imagePath = imagePath
	m.overlay = overlay
	m.pyramid = tilestore.PyramidHandle{}
	m.place = placement.Transform{}
	m.loaded = lod.ModeThumbnail
	m.upgrading = false
	m.setStateLocked(epoch, StateMetadataLoading)
	m.mu.Unlock()

	m.engine.SessionStarted()
	logging.LogSessionStart(m.log, epoch, imagePath, overlay)
	go m.runLoad(epoch, imagePath)
	return epoch
}

// SetPlacement overrides the placement used for mode decisions. Overlay
// viewers call this with the overlay's resolved transform; without it the
// image is assumed to sit at the parent origin at scale 1.
func (m *Manager) SetPlacement(t placement.Transform) {
	m.mu.Lock()
	m.place = t
	epoch := m.epoch
	m.mu.Unlock()
	go m.ensure(epoch)
}

// SetViewport updates the pan/zoom state and kicks a mode/tile
// re-evaluation for the current session.
func (m *Manager) SetViewport(vp viewport.Viewport) {
	m.mu.Lock()
	m.vp = vp
	epoch := m.epoch
	m.mu.Unlock()
	go m.ensure(epoch)
}

// Invalidate restarts the session when the named source file changed on
// disk. A no-op for paths the viewer is not looking at.
func (m *Manager) Invalidate(imagePath string) {
	m.mu.Lock()
	match := m.imagePath == imagePath && m.state != StateIdle
	overlay := m.overlay
	m.mu.Unlock()
	if match {
		m.log.Info("viewed image changed on disk, reloading", "image", imagePath)
		m.View(imagePath, overlay)
	}
}

// Snapshot is a point-in-time copy of the manager state.
type Snapshot struct {
	SessionID      uint64                  `json:"sessionId"`
	State          State                   `json:"state"`
	ImagePath      string                  `json:"imagePath"`
	Overlay        bool                    `json:"overlay"`
	Pyramid        tilestore.PyramidHandle `json:"pyramid"`
	LoadedMode     lod.RenderMode          `json:"loadedMode"`
	DeterminedMode lod.RenderMode          `json:"determinedMode"`
	TilesResident  int                     `json:"tilesResident"`
}

// Snapshot returns the current state for rendering or persistence.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		SessionID:      m.epoch,
		State:          m.state,
		ImagePath:      m.imagePath,
		Overlay:        m.overlay,
		Pyramid:        m.pyramid,
		LoadedMode:     m.loaded,
		DeterminedMode: m.determineModeLocked(),
		TilesResident:  m.cache.Len(),
	}
}

// VisibleTiles returns the tile coordinates the current viewport needs
// resident, for collaborators that render the grid.
func (m *Manager) VisibleTiles() []tilestore.TileCoord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return viewport.VisibleTiles(m.vp, m.pyramid, m.cfg.TilePadding)
}

// Cache returns the manager-owned tile cache.
func (m *Manager) Cache() *TileCache {
	return m.cache
}

func (m *Manager) setStateLocked(epoch uint64, s State) {
	m.state = s
	m.publishLocked(Event{
		Kind:      EventState,
		SessionID: epoch,
		State:     s,
		Mode:      m.loaded,
		ImagePath: m.imagePath,
		Hash:      m.pyramid.ContentHash,
	})
}

// stillCurrent reports whether epoch is the live session, counting a
// stale-result discard otherwise.
func (m *Manager) stillCurrent(epoch uint64, stage string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stillCurrentLocked(epoch, stage)
}

func (m *Manager) stillCurrentLocked(epoch uint64, stage string) bool {
	if epoch == m.epoch {
		return true
	}
	m.engine.StaleDiscarded()
	logging.LogSessionStale(m.log, epoch, m.epoch, stage)
	return false
}

// withRetry runs a store call, retrying transient I/O failures with a
// fixed delay. Every other failure returns immediately.
func (m *Manager) withRetry(op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= m.cfg.RetryCount; attempt++ {
		err = fn()
		if err == nil || !tilestore.IsIO(err) {
			return err
		}
		if attempt < m.cfg.RetryCount {
			logging.LogStoreRetry(m.log, op, attempt, err)
			m.engine.StoreRetry()
			time.Sleep(m.cfg.RetryDelay)
		}
	}
	logging.LogStoreGiveUp(m.log, op, m.cfg.RetryCount, err)
	return err
}

func (m *Manager) determineModeLocked() lod.RenderMode {
	place := m.place
	if place.ChildWidth == 0 && place.ChildHeight == 0 {
		place = placement.Resolve(placement.Anchored{}, 1, 0, float64(m.pyramid.Width), float64(m.pyramid.Height))
	}
	return m.selector.DetermineRenderMode(lod.Inputs{
		Placement: place,
		Viewport:  m.vp,
		Overlay:   m.overlay,
	})
}

// runLoad is the body of one session: metadata, thumbnail, then the
// background medium/tile pass. Failures inside this path are recovered
// locally and never thrown to a caller.
func (m *Manager) runLoad(epoch uint64, imagePath string) {
	var pyr tilestore.PyramidHandle
	err := m.withRetry("pyramid", func() error {
		var err error
		pyr, err = m.store.GetPyramid(m.baseCtx, imagePath)
		return err
	})
	if err != nil {
		m.failSession(epoch, fmt.Errorf("load pyramid metadata: %w", err))
		return
	}

	m.mu.Lock()
	if !m.stillCurrentLocked(epoch, "metadata") {
		m.mu.Unlock()
		return
	}
	m.pyramid = pyr
	m.setStateLocked(epoch, StateThumbnailLoading)
	m.mu.Unlock()

	// Tiles of the previous image are dead weight now that the new handle
	// is known.
	m.cache.Evict(pyr.ContentHash)
	logging.LogSessionStage(m.log, epoch, pyr.ContentHash, "metadata", map[string]any{
		"tilesX": pyr.TilesX, "tilesY": pyr.TilesY, "fromCache": pyr.FromCache,
	})

	var thumb []byte
	err = m.withRetry("thumbnail", func() error {
		var err error
		thumb, err = m.store.GetThumbnail(m.baseCtx, pyr.ContentHash)
		return err
	})
	if err != nil {
		m.failSession(epoch, fmt.Errorf("load thumbnail: %w", err))
		return
	}

	m.mu.Lock()
	if !m.stillCurrentLocked(epoch, "thumbnail") {
		m.mu.Unlock()
		return
	}
	m.loaded = lod.ModeThumbnail
	m.setStateLocked(epoch, StateThumbnailReady)
	m.publishLocked(Event{
		Kind:      EventThumbnail,
		SessionID: epoch,
		State:     StateThumbnailReady,
		Mode:      lod.ModeThumbnail,
		Hash:      pyr.ContentHash,
		Raster:    thumb,
	})
	mode := m.determineModeLocked()
	m.setStateLocked(epoch, StateTilesLoading)
	m.mu.Unlock()

	switch mode {
	case lod.ModeMedium:
		m.loadMedium(epoch, pyr)
	case lod.ModeTiled:
		m.loadMedium(epoch, pyr)
		m.loadAllTiles(epoch, pyr)
	}

	m.mu.Lock()
	if m.stillCurrentLocked(epoch, "finish") {
		m.setStateLocked(epoch, StateTilesReady)
	}
	m.mu.Unlock()
}

func (m *Manager) failSession(epoch uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stillCurrentLocked(epoch, "failure") {
		return
	}
	m.state = StateIdle
	m.publishLocked(Event{
		Kind:      EventError,
		SessionID: epoch,
		State:     StateIdle,
		ImagePath: m.imagePath,
		Error:     err.Error(),
	})
}

func (m *Manager) loadMedium(epoch uint64, pyr tilestore.PyramidHandle) {
	var data []byte
	err := m.withRetry("medium", func() error {
		var err error
		data, err = m.store.GetMedium(m.baseCtx, pyr.ContentHash)
		return err
	})
	if err != nil {
		// Recovered locally: the thumbnail keeps the viewer usable.
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stillCurrentLocked(epoch, "medium") {
		return
	}
	if m.loaded < lod.ModeMedium {
		m.loaded = lod.ModeMedium
	}
	m.publishLocked(Event{
		Kind:      EventMedium,
		SessionID: epoch,
		State:     m.state,
		Mode:      lod.ModeMedium,
		Hash:      pyr.ContentHash,
		Raster:    data,
	})
}

// loadAllTiles prefetches the full pyramid level in bounded chunks with a
// cooperative yield between chunks, re-checking the epoch per chunk.
func (m *Manager) loadAllTiles(epoch uint64, pyr tilestore.PyramidHandle) {
	coords := make([]tilestore.TileCoord, 0, pyr.TilesX*pyr.TilesY)
	for y := 0; y < pyr.TilesY; y++ {
		for x := 0; x < pyr.TilesX; x++ {
			coords = append(coords, tilestore.TileCoord{X: x, Y: y})
		}
	}

	chunk := m.cfg.DecodeChunkSize
	for start := 0; start < len(coords); start += chunk {
		if !m.stillCurrent(epoch, "tile chunk") {
			return
		}
		end := min(start+chunk, len(coords))
		m.fetchTiles(epoch, pyr, coords[start:end])
		runtime.Gosched()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stillCurrentLocked(epoch, "tiles") {
		return
	}
	if m.loaded < lod.ModeTiled {
		m.loaded = lod.ModeTiled
	}
}

// fetchTiles requests one batch, decodes the results into the cache, and
// publishes the batch. Partial results are fine; absent tiles are simply
// not yet available.
func (m *Manager) fetchTiles(epoch uint64, pyr tilestore.PyramidHandle, coords []tilestore.TileCoord) {
	var tiles []tilestore.Tile
	err := m.withRetry("tiles", func() error {
		var err error
		tiles, err = m.store.GetTilesBatch(m.baseCtx, pyr.ContentHash, coords)
		return err
	})
	if err != nil || len(tiles) == 0 {
		return
	}

	if !m.stillCurrent(epoch, "tile batch") {
		return
	}

	decoded := 0
	for _, t := range tiles {
		img, err := raster.Decode(t.Pixels)
		if err != nil {
			m.engine.TileDecodeFailed()
			m.log.Warn("tile decode failed", "hash", pyr.ContentHash, "x", t.X, "y", t.Y, "error", err)
			continue
		}
		// Re-check per tile: a new session may have started mid-decode and
		// the cache must never see the stale image's tiles as current.
		if !m.stillCurrent(epoch, "tile decode") {
			return
		}
		m.cache.Put(pyr.ContentHash, t.X, t.Y, img)
		decoded++
	}
	m.engine.TilesDecoded(decoded)

	m.publish(Event{
		Kind:      EventTiles,
		SessionID: epoch,
		State:     StateTilesLoading,
		Mode:      lod.ModeTiled,
		Hash:      pyr.ContentHash,
		Tiles:     tiles,
		TileSize:  pyr.TileSize,
		TileCount: decoded,
	})
}

// ensure reconciles loaded data with what the current viewport needs:
// upgrades the mode when the selector asks for more, and fills visible
// tile gaps in tiled mode. Already-loaded modes are never re-fetched.
func (m *Manager) ensure(epoch uint64) {
	m.mu.Lock()
	if !m.stillCurrentLocked(epoch, "ensure") || m.state != StateTilesReady || m.upgrading {
		m.mu.Unlock()
		return
	}
	pyr := m.pyramid
	determined := m.determineModeLocked()
	loaded := m.loaded
	if determined <= loaded {
		// Nothing to load; in tiled mode top up visible gaps.
		var missing []tilestore.TileCoord
		if loaded == lod.ModeTiled {
			coords := viewport.VisibleTiles(m.vp, pyr, m.cfg.TilePadding)
			missing = m.cache.MissingFrom(pyr.ContentHash, coords)
		}
		m.mu.Unlock()
		if len(missing) > 0 {
			m.fetchTiles(epoch, pyr, missing)
		}
		return
	}
	m.upgrading = true
	m.mu.Unlock()

	if determined >= lod.ModeMedium && loaded < lod.ModeMedium {
		m.loadMedium(epoch, pyr)
	}
	if determined == lod.ModeTiled {
		m.loadAllTiles(epoch, pyr)
	}

	m.mu.Lock()
	if m.stillCurrentLocked(epoch, "upgrade") {
		m.upgrading = false
	}
	m.mu.Unlock()
}
