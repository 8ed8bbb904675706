package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFallsBackToDefaults(t *testing.T) {
	t.Setenv("MICROTILE_CONFIG", filepath.Join(t.TempDir(), "missing.json"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.BindAddr != ":8080" {
		t.Errorf("bind addr = %q", cfg.Server.BindAddr)
	}
	if cfg.Sessions.RetryCount != 3 || cfg.Sessions.DecodeChunkSize != 20 {
		t.Errorf("session defaults = %+v", cfg.Sessions)
	}
	if cfg.LOD.TiledZoom != 0 {
		t.Errorf("expected LOD thresholds unset, got %+v", cfg.LOD)
	}
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	t.Setenv("MICROTILE_CONFIG", path)

	cfg := Default()
	cfg.Store.BaseURL = "http://store.local:9191"
	cfg.LOD.TiledZoom = 2.0
	cfg.Sessions.RetryCount = 5
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Store.BaseURL != "http://store.local:9191" {
		t.Errorf("store url = %q", loaded.Store.BaseURL)
	}
	if loaded.LOD.TiledZoom != 2.0 {
		t.Errorf("tiled zoom = %v", loaded.LOD.TiledZoom)
	}
	if loaded.Sessions.RetryCount != 5 {
		t.Errorf("retry count = %d", loaded.Sessions.RetryCount)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MICROTILE_CONFIG", path)

	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed config")
	}
}

func TestExpandUser(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}
	got, err := expandUser("~/.config/microtile/config.json")
	if err != nil {
		t.Fatalf("expandUser: %v", err)
	}
	want := filepath.Join(home, ".config/microtile/config.json")
	if got != want {
		t.Errorf("expandUser = %q, want %q", got, want)
	}
	if got, _ := expandUser("/abs/path"); got != "/abs/path" {
		t.Errorf("absolute path changed: %q", got)
	}
}
