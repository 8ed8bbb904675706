package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"microtile/internal/fsutil"
	"microtile/internal/registration"
	"microtile/internal/server"
	"microtile/internal/storage"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root cobra command.
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "microtile",
		Short: "Microtile serves gigapixel microscopy imagery as progressive tile pyramids",
		Long: `Microtile is the tile delivery and registration engine for gigapixel
microscopy viewers. It fetches pyramid metadata and rasters from a tile
store, drives progressive load sessions over a websocket channel, and
solves affine registrations that align overlay scans onto a base image.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// A .env next to the binary feeds the same env overrides the
			// config and store lookups read.
			if err := godotenv.Load(); err == nil {
				root.log.Debug("loaded environment from .env")
			}
		},
	}

	rootCmd.PersistentFlags().BoolVar(&root.mockStore, "mock-store", false,
		"run against the in-memory tile store mock instead of a live store")

	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newPyramidCmd(root))
	rootCmd.AddCommand(newImagesCmd(root))
	rootCmd.AddCommand(newRegisterCmd(root))
	rootCmd.AddCommand(newStatusCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr       string
		watchPaths []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the microtile daemon",
		Long: `Start the daemon: REST API for pyramids and registrations, the viewer
websocket channel, Prometheus metrics, and an image directory watcher.

Examples:
  # Defaults from the config file
  microtile serve

  # Explicit listen address and watched directories
  microtile serve --addr :8080 --watch /data/scans --watch /data/overlays

  # Offline, against the in-memory store mock
  microtile serve --mock-store`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = root.cfg.Server.BindAddr
			}
			if len(watchPaths) == 0 && root.cfg.Paths.ImagesDir != "" {
				watchPaths = []string{root.cfg.Paths.ImagesDir}
			}

			root.log.Info("starting daemon", "addr", addr, "watch_paths", watchPaths, "mock_store", root.mockStore)

			srv, err := server.NewServer(addr, root.tileStore(), root.db, root.sessionConfig(), watchPaths, root.log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringArrayVar(&watchPaths, "watch", nil, "image directory to watch for changes (repeatable)")
	return cmd
}

func newPyramidCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pyramid <image_path>",
		Short: "Fetch pyramid metadata for an image",
		Long: `Ask the tile store for the pyramid handle of an image path. The store
tiles the image on first request; repeated requests for the same bytes hit
its cache. The handle is recorded in the local metadata store when one is
configured.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			store := root.tileStore()

			h, err := store.GetPyramid(cmd.Context(), path)
			if err != nil {
				return fmt.Errorf("fetch pyramid for %s: %w", path, err)
			}

			if err := root.db.RecordPyramid(storage.PyramidRecord{
				ImagePath:   path,
				ContentHash: h.ContentHash,
				Width:       h.Width,
				Height:      h.Height,
				TileSize:    h.TileSize,
				TilesX:      h.TilesX,
				TilesY:      h.TilesY,
				FromCache:   h.FromCache,
			}); err != nil {
				root.log.Warn("failed to record pyramid", "path", path, "error", err)
			}

			fmt.Printf("Pyramid for %s\n", path)
			fmt.Printf("  Content hash: %s\n", h.ContentHash)
			fmt.Printf("  Dimensions:   %dx%d\n", h.Width, h.Height)
			fmt.Printf("  Tile grid:    %dx%d at %dpx\n", h.TilesX, h.TilesY, h.TileSize)
			fmt.Printf("  From cache:   %t\n", h.FromCache)
			return nil
		},
	}
	return cmd
}

func newImagesCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "images [directory]",
		Short: "List viewable images under a directory",
		Long: `Walk a directory for image files the tile store can pyramid, including
microscopy formats (svs, ndpi, czi). Defaults to the configured images
directory.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var dir string
			if len(args) == 1 {
				dir = args[0]
			} else {
				dir = fsutil.FirstExisting(root.cfg.Paths.ImagesDir, ".")
			}
			if dir == "" {
				return fmt.Errorf("no images directory: configure paths.images_dir or pass one")
			}

			files, err := fsutil.ListImages(dir)
			if err != nil {
				return fmt.Errorf("list images in %s: %w", dir, err)
			}
			for _, f := range files {
				fmt.Println(f)
			}
			fmt.Printf("%d image(s) under %s\n", len(files), dir)
			return nil
		},
	}
	return cmd
}

func newRegisterCmd(root *Root) *cobra.Command {
	var (
		pairsJSON string
		pairsFile string
		overlay   string
		hash      string
		width     float64
		height    float64
		apply     bool
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Solve an affine registration from control point pairs",
		Long: `Compute the affine transform that maps overlay control points onto their
base image counterparts, and report the transformed overlay bounds.

Pairs are JSON: [{"source":{"x":0,"y":0},"target":{"x":10,"y":10}}, ...].
At least 3 non-collinear pairs are required.

Examples:
  microtile register --pairs '[...]' --width 512 --height 512
  microtile register --pairs-file pairs.json --overlay scans/ov.tif --apply`,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := pairsJSON
			if pairsFile != "" {
				data, err := os.ReadFile(pairsFile)
				if err != nil {
					return fmt.Errorf("read pairs file: %w", err)
				}
				raw = string(data)
			}
			if strings.TrimSpace(raw) == "" {
				return fmt.Errorf("control point pairs required: use --pairs or --pairs-file")
			}

			var pairs []registration.PointPair
			if err := json.Unmarshal([]byte(raw), &pairs); err != nil {
				return fmt.Errorf("parse pairs: %w", err)
			}

			solver := root.solver()
			m, err := solver.ComputeAffineMatrix(pairs)
			if err != nil {
				return err
			}
			bounds := registration.ComputeTransformedBounds(width, height, m)

			fmt.Printf("Affine matrix:\n")
			fmt.Printf("  [ %9.4f %9.4f %9.4f ]\n", m.A, m.B, m.TX)
			fmt.Printf("  [ %9.4f %9.4f %9.4f ]\n", m.C, m.D, m.TY)
			fmt.Printf("Transformed bounds: origin (%.2f, %.2f) size %.2fx%.2f\n",
				bounds.MinX, bounds.MinY, bounds.Width, bounds.Height)
			if warning := solver.CheckPointDistribution(pairs, width, height); warning != "" {
				fmt.Printf("Warning: %s\n", warning)
			}

			rec := storage.RegistrationRecord{
				ID:          newID("reg"),
				OverlayPath: overlay,
				ContentHash: hash,
				Matrix:      m,
				Bounds:      bounds,
				Status:      "computed",
			}
			if err := root.db.RecordRegistration(rec); err != nil {
				root.log.Warn("failed to record registration", "id", rec.ID, "error", err)
			}

			if apply {
				if overlay == "" || hash == "" {
					return fmt.Errorf("--apply requires --overlay and --hash")
				}
				store := root.tileStore()
				if err := store.GenerateAffineTiles(cmd.Context(), overlay, hash, m); err != nil {
					root.db.MarkRegistrationFailed(rec.ID, err.Error())
					return fmt.Errorf("apply registration: %w", err)
				}
				root.db.MarkRegistrationApplied(rec.ID)
				fmt.Printf("Applied: store generated transformed tiles for %s\n", overlay)
			}

			fmt.Printf("Registration ID: %s\n", rec.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&pairsJSON, "pairs", "", "control point pairs as inline JSON")
	cmd.Flags().StringVar(&pairsFile, "pairs-file", "", "file containing control point pairs JSON")
	cmd.Flags().StringVar(&overlay, "overlay", "", "overlay image path")
	cmd.Flags().StringVar(&hash, "hash", "", "overlay content hash")
	cmd.Flags().Float64Var(&width, "width", 0, "overlay pixel width, for transformed bounds")
	cmd.Flags().Float64Var(&height, "height", 0, "overlay pixel height, for transformed bounds")
	cmd.Flags().BoolVar(&apply, "apply", false, "ask the store to materialize the transformed tiles")
	return cmd
}

func newStatusCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check whether a microtile daemon is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := strings.TrimRight(addr, "/") + "/api/v1/health"
			client := &http.Client{Timeout: 2 * time.Second}

			resp, err := client.Get(url)
			if err != nil {
				fmt.Printf("Daemon unreachable at %s: %v\n", addr, err)
				return nil
			}
			defer resp.Body.Close()

			if resp.StatusCode == http.StatusOK {
				fmt.Printf("Daemon running at %s\n", addr)
			} else {
				fmt.Printf("Daemon at %s answered %d\n", addr, resp.StatusCode)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "daemon base URL")
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("microtile v1.0.0-dev\n")
			fmt.Printf("Built with Go %s\n", runtime.Version())
		},
	}
}
