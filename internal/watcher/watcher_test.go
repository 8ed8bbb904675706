package watcher

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"microtile/internal/storage"
)

func waitInvalidation(t *testing.T, events <-chan Invalidation, path string) Invalidation {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case inv := <-events:
			if inv.Path == path {
				return inv
			}
		case <-deadline:
			t.Fatalf("no invalidation for %s", path)
		}
	}
}

func TestImageChangeDropsPyramidRow(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.New(filepath.Join(t.TempDir(), "microtile.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	imgPath := filepath.Join(dir, "base.tif")
	rec := storage.PyramidRecord{ImagePath: imgPath, ContentHash: "cafe01", Width: 100, Height: 100, TileSize: 256, TilesX: 1, TilesY: 1}
	if err := store.RecordPyramid(rec); err != nil {
		t.Fatal(err)
	}

	w, err := New([]string{dir}, store, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := os.WriteFile(imgPath, []byte("new bytes"), 0644); err != nil {
		t.Fatal(err)
	}

	inv := waitInvalidation(t, w.Events, imgPath)
	if inv.Operation != "created" && inv.Operation != "modified" {
		t.Errorf("operation = %q", inv.Operation)
	}

	if _, err := store.PyramidByPath(imgPath); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("pyramid row survived invalidation: %v", err)
	}
}

func TestNonImageFilesAreIgnored(t *testing.T) {
	dir := t.TempDir()

	w, err := New([]string{dir}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case inv := <-w.Events:
		t.Fatalf("unexpected invalidation for %s", inv.Path)
	case <-time.After(300 * time.Millisecond):
	}
}
