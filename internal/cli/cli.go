// Package cli wires the microtile commands to the daemon, the tile store
// client, and the metadata store. Commands go through a Root struct whose
// collaborators are injectable, so tests run against the in-memory store
// mock without a network.
package cli

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"microtile/internal/config"
	"microtile/internal/lod"
	"microtile/internal/registration"
	"microtile/internal/session"
	"microtile/internal/storage"
	"microtile/internal/tilestore"
)

type storeFactory func(cfg *config.Config, log *slog.Logger) tilestore.Store

// Root carries the collaborators every command needs.
type Root struct {
	cfg       *config.Config
	log       *slog.Logger
	db        *storage.Store
	stores    storeFactory
	mockStore bool
}

// NewRoot constructs the command root. db may be nil; commands that only
// talk to the tile store still work.
func NewRoot(cfg *config.Config, logger *slog.Logger, db *storage.Store) *Root {
	if logger == nil {
		logger = slog.Default()
	}
	return &Root{
		cfg: cfg,
		log: logger,
		db:  db,
		stores: func(cfg *config.Config, log *slog.Logger) tilestore.Store {
			return tilestore.NewClient(storeURL(cfg), log)
		},
	}
}

// storeURL resolves the tile store base URL, letting the environment (and
// therefore a .env file) override the config file.
func storeURL(cfg *config.Config) string {
	if v := os.Getenv("MICROTILE_STORE_URL"); v != "" {
		return v
	}
	return cfg.Store.BaseURL
}

func (r *Root) tileStore() tilestore.Store {
	if r.mockStore {
		return tilestore.NewMock()
	}
	return r.stores(r.cfg, r.log)
}

// sessionConfig translates the config file's session and LOD sections into
// engine tuning. Zero values fall through to the packages' own defaults.
func (r *Root) sessionConfig() session.Config {
	return session.Config{
		RetryCount:      r.cfg.Sessions.RetryCount,
		RetryDelay:      time.Duration(r.cfg.Sessions.RetryDelayMS) * time.Millisecond,
		DecodeChunkSize: r.cfg.Sessions.DecodeChunkSize,
		TilePadding:     r.cfg.Sessions.TilePadding,
		Thresholds: lod.Thresholds{
			TiledZoom:      r.cfg.LOD.TiledZoom,
			MediumZoom:     r.cfg.LOD.MediumZoom,
			CoverageMedium: r.cfg.LOD.CoverageMedium,
			ViewportMargin: r.cfg.LOD.ViewportMargin,
		},
	}
}

// solver builds a registration solver with any configured threshold
// overrides applied.
func (r *Root) solver() *registration.Solver {
	s := registration.NewSolver()
	if r.cfg.Solver.CollinearAreaRatio > 0 {
		s.CollinearAreaRatio = r.cfg.Solver.CollinearAreaRatio
	}
	if r.cfg.Solver.ClusterFraction > 0 {
		s.ClusterFraction = r.cfg.Solver.ClusterFraction
	}
	return s
}

// Execute runs the command tree against os.Args.
func Execute(cfg *config.Config, logger *slog.Logger, db *storage.Store) error {
	return NewRootCmd(NewRoot(cfg, logger, db)).Execute()
}

func newID(prefix string) string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("%s-%s-%04d", prefix, ts, rand.Intn(10000))
}
