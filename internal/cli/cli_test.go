package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"microtile/internal/config"
	"microtile/internal/storage"
	"microtile/internal/tilestore"
)

func newTestRoot(t *testing.T) (*Root, *tilestore.Mock, *storage.Store) {
	t.Helper()
	db, err := storage.New(filepath.Join(t.TempDir(), "microtile.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mock := tilestore.NewMock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	root := NewRoot(config.Default(), logger, db)
	root.stores = func(_ *config.Config, _ *slog.Logger) tilestore.Store {
		return mock
	}
	return root, mock, db
}

func run(t *testing.T, root *Root, args ...string) error {
	t.Helper()
	cmd := NewRootCmd(root)
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	return cmd.Execute()
}

func TestPyramidCommandRecordsHandle(t *testing.T) {
	root, mock, db := newTestRoot(t)
	h := mock.AddImage("scans/slide-01.tif", 1024, 768)

	output := captureOutput(t, func() {
		if err := run(t, root, "pyramid", "scans/slide-01.tif"); err != nil {
			t.Fatalf("pyramid command failed: %v", err)
		}
	})

	if !strings.Contains(output, h.ContentHash) {
		t.Errorf("output missing content hash: %q", output)
	}
	if !strings.Contains(output, "1024x768") {
		t.Errorf("output missing dimensions: %q", output)
	}

	rec, err := db.PyramidByPath("scans/slide-01.tif")
	if err != nil {
		t.Fatalf("handle not recorded: %v", err)
	}
	if rec.ContentHash != h.ContentHash {
		t.Errorf("recorded hash = %q, want %q", rec.ContentHash, h.ContentHash)
	}
}

func TestRegisterCommandSolvesTranslation(t *testing.T) {
	root, _, db := newTestRoot(t)

	pairs := `[{"source":{"x":0,"y":0},"target":{"x":10,"y":10}},
	           {"source":{"x":10,"y":0},"target":{"x":20,"y":10}},
	           {"source":{"x":0,"y":10},"target":{"x":10,"y":20}}]`

	output := captureOutput(t, func() {
		if err := run(t, root, "register", "--pairs", pairs, "--width", "512", "--height", "512"); err != nil {
			t.Fatalf("register command failed: %v", err)
		}
	})

	if !strings.Contains(output, "10.0000") {
		t.Errorf("output missing translation terms: %q", output)
	}

	recs, err := db.RecentRegistrations(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Status != "computed" {
		t.Fatalf("registrations = %+v", recs)
	}
	if recs[0].Matrix.TX != 10 || recs[0].Matrix.TY != 10 {
		t.Errorf("recorded matrix = %+v", recs[0].Matrix)
	}
}

func TestRegisterCommandPairsFile(t *testing.T) {
	root, _, _ := newTestRoot(t)

	pairsPath := filepath.Join(t.TempDir(), "pairs.json")
	pairs := `[{"source":{"x":0,"y":0},"target":{"x":5,"y":0}},
	           {"source":{"x":10,"y":0},"target":{"x":15,"y":0}},
	           {"source":{"x":0,"y":10},"target":{"x":5,"y":10}}]`
	if err := os.WriteFile(pairsPath, []byte(pairs), 0o644); err != nil {
		t.Fatal(err)
	}

	captureOutput(t, func() {
		if err := run(t, root, "register", "--pairs-file", pairsPath, "--width", "100", "--height", "100"); err != nil {
			t.Fatalf("register with pairs file failed: %v", err)
		}
	})
}

func TestRegisterCommandRejectsCollinear(t *testing.T) {
	root, _, _ := newTestRoot(t)

	pairs := `[{"source":{"x":0,"y":0},"target":{"x":0,"y":0}},
	           {"source":{"x":10,"y":10},"target":{"x":10,"y":10}},
	           {"source":{"x":20,"y":20},"target":{"x":20,"y":20}}]`

	if err := run(t, root, "register", "--pairs", pairs, "--width", "100", "--height", "100"); err == nil {
		t.Fatal("expected error for collinear control points")
	}
}

func TestRegisterCommandApply(t *testing.T) {
	root, mock, db := newTestRoot(t)
	h := mock.AddImage("scans/overlay.tif", 512, 512)

	pairs := `[{"source":{"x":0,"y":0},"target":{"x":10,"y":10}},
	           {"source":{"x":10,"y":0},"target":{"x":20,"y":10}},
	           {"source":{"x":0,"y":10},"target":{"x":10,"y":20}}]`

	captureOutput(t, func() {
		if err := run(t, root, "register", "--pairs", pairs,
			"--width", "512", "--height", "512",
			"--overlay", "scans/overlay.tif", "--hash", h.ContentHash, "--apply"); err != nil {
			t.Fatalf("register --apply failed: %v", err)
		}
	})

	if mock.GenerateCalls != 1 {
		t.Errorf("GenerateAffineTiles calls = %d, want 1", mock.GenerateCalls)
	}
	recs, err := db.RecentRegistrations(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Status != "applied" {
		t.Errorf("registrations = %+v", recs)
	}
}

func TestRegisterCommandRequiresPairs(t *testing.T) {
	root, _, _ := newTestRoot(t)
	if err := run(t, root, "register"); err == nil {
		t.Fatal("expected error when no pairs given")
	}
}

func TestMockStoreFlag(t *testing.T) {
	root, _, _ := newTestRoot(t)
	// The mock auto-creates pyramids for any path, so the command succeeds
	// without the injected store.
	captureOutput(t, func() {
		if err := run(t, root, "--mock-store", "pyramid", "anything.tif"); err != nil {
			t.Fatalf("pyramid with --mock-store failed: %v", err)
		}
	})
}

func TestImagesCommandListsImageFiles(t *testing.T) {
	root, _, _ := newTestRoot(t)

	dir := t.TempDir()
	for _, name := range []string{"a.tif", "b.svs", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	output := captureOutput(t, func() {
		if err := run(t, root, "images", dir); err != nil {
			t.Fatalf("images command failed: %v", err)
		}
	})

	if !strings.Contains(output, "a.tif") || !strings.Contains(output, "b.svs") {
		t.Errorf("output missing image files: %q", output)
	}
	if strings.Contains(output, "notes.txt") {
		t.Errorf("non-image listed: %q", output)
	}
	if !strings.Contains(output, "2 image(s)") {
		t.Errorf("output missing count: %q", output)
	}
}

func TestConfigShow(t *testing.T) {
	root, _, _ := newTestRoot(t)

	output := captureOutput(t, func() {
		if err := run(t, root, "config", "show"); err != nil {
			t.Fatalf("config show failed: %v", err)
		}
	})
	if !strings.Contains(output, root.cfg.Server.BindAddr) {
		t.Errorf("output missing bind address: %q", output)
	}
}

func TestConfigInit(t *testing.T) {
	root, _, _ := newTestRoot(t)
	dest := filepath.Join(t.TempDir(), "config.json")

	captureOutput(t, func() {
		if err := run(t, root, "config", "init", "--path", dest); err != nil {
			t.Fatalf("config init failed: %v", err)
		}
	})

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("config not written: %v", err)
	}
	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config not valid JSON: %v", err)
	}
	if cfg.Sessions.RetryCount != 3 {
		t.Errorf("written retry count = %d", cfg.Sessions.RetryCount)
	}
}

func TestNewIDFormat(t *testing.T) {
	id := newID("reg")
	if !strings.HasPrefix(id, "reg-") {
		t.Errorf("id = %q", id)
	}
	// prefix + 15 char timestamp + 4 digit suffix, dash separated
	if len(strings.Split(id, "-")) != 3 {
		t.Errorf("id = %q", id)
	}
}

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	fn()

	_ = w.Close()
	os.Stdout = oldStdout
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	return buf.String()
}
