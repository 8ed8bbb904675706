package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

const (
	defaultConfigPath = "~/.config/microtile/config.json"
	defaultStoreURL   = "http://localhost:9090"
)

// Config holds user-editable settings for the daemon and CLI.
type Config struct {
	Server   Server   `json:"server"`
	Store    Store    `json:"store"`
	Paths    Paths    `json:"paths"`
	Logging  Logging  `json:"logging"`
	LOD      LOD      `json:"lod"`
	Solver   Solver   `json:"solver"`
	Sessions Sessions `json:"sessions"`
}

// Server configures the daemon's HTTP surface.
type Server struct {
	BindAddr string `json:"bind_addr"`
}

// Store points at the external tile store.
type Store struct {
	BaseURL string `json:"base_url"`
}

// Paths configures on-disk locations.
type Paths struct {
	ImagesDir    string `json:"images_dir"`
	DatabasePath string `json:"database_path"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// LOD overrides the render-mode decision thresholds. Zero values keep the
// tuned defaults.
type LOD struct {
	TiledZoom      float64 `json:"tiled_zoom"`
	MediumZoom     float64 `json:"medium_zoom"`
	CoverageMedium float64 `json:"coverage_medium"`
	ViewportMargin float64 `json:"viewport_margin"`
}

// Solver overrides the registration degeneracy thresholds. Zero values
// keep the tuned defaults.
type Solver struct {
	CollinearAreaRatio float64 `json:"collinear_area_ratio"`
	ClusterFraction    float64 `json:"cluster_fraction"`
}

// Sessions tunes the progressive load engine.
type Sessions struct {
	RetryCount      int `json:"retry_count"`
	RetryDelayMS    int `json:"retry_delay_ms"`
	DecodeChunkSize int `json:"decode_chunk_size"`
	TilePadding     int `json:"tile_padding"`
}

// Load reads configuration from disk, falling back to sensible defaults.
// MICROTILE_CONFIG overrides the default path.
func Load() (*Config, error) {
	cfg := Default()

	configPath := os.Getenv("MICROTILE_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration to path, creating parent directories as
// needed. An empty path writes the default location.
func (c *Config) Save(path string) error {
	if path == "" {
		path = defaultConfigPath
	}
	expanded, err := expandUser(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(expanded, append(data, '\n'), 0644)
}

// Default returns the built-in configuration. LOD and Solver are left
// zeroed so their packages' tuned defaults apply unless a config file pins
// them.
func Default() *Config {
	return &Config{
		Server: Server{
			BindAddr: ":8080",
		},
		Store: Store{
			BaseURL: defaultStoreURL,
		},
		Paths: Paths{
			ImagesDir:    "./images",
			DatabasePath: filepath.Join(os.TempDir(), "microtile.db"),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "./logs",
		},
		Sessions: Sessions{
			RetryCount:      3,
			RetryDelayMS:    500,
			DecodeChunkSize: 20,
			TilePadding:     1,
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
