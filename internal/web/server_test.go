package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"microtile/internal/session"
	"microtile/internal/tilestore"
	"microtile/internal/tilewire"
	"microtile/internal/watcher"
)

func newTestChannel(t *testing.T, store tilestore.Store) (*Channel, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	factory := func() *session.Manager {
		return session.NewManager(ctx, store, session.Config{RetryDelay: time.Millisecond}, nil, nil)
	}
	ch := NewChannel(factory, nil)
	go ch.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(ch.HandleViewer))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return ch, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestViewerChannelStreamsSession(t *testing.T) {
	store := tilestore.NewMock()
	h := store.AddImage("scans/base.tif", 512, 512)

	_, srv := newTestChannel(t, store)
	conn := dial(t, srv)

	if err := conn.WriteJSON(Command{Type: "viewport", Zoom: 1, Width: 800, Height: 600}); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(Command{Type: "view", Path: "scans/base.tif"}); err != nil {
		t.Fatal(err)
	}

	var sawThumbnail, sawBatch, sawReady bool
	deadline := time.Now().Add(5 * time.Second)
	for !(sawThumbnail && sawBatch && sawReady) {
		conn.SetReadDeadline(deadline)
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read (thumbnail=%v batch=%v ready=%v): %v", sawThumbnail, sawBatch, sawReady, err)
		}
		switch msgType {
		case websocket.TextMessage:
			var ev session.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				t.Fatalf("bad event JSON: %v", err)
			}
			if ev.Kind == session.EventState && ev.State == session.StateTilesReady {
				sawReady = true
			}
		case websocket.BinaryMessage:
			kind, payload, err := tilewire.SplitFrame(data)
			if err != nil {
				t.Fatalf("bad frame: %v", err)
			}
			switch kind {
			case tilewire.FramePreview:
				p, err := tilewire.DecodePreview(payload)
				if err != nil {
					t.Fatalf("decode preview: %v", err)
				}
				if p.ContentHash != h.ContentHash {
					t.Errorf("preview hash = %q", p.ContentHash)
				}
				if p.Tier == "thumbnail" {
					if len(p.Pixels) == 0 {
						t.Error("thumbnail frame empty")
					}
					sawThumbnail = true
				}
			case tilewire.FrameBatch:
				b, err := tilewire.DecodeBatch(payload)
				if err != nil {
					t.Fatalf("decode batch: %v", err)
				}
				if b.ContentHash != h.ContentHash || len(b.Tiles) == 0 {
					t.Errorf("batch = %q with %d tiles", b.ContentHash, len(b.Tiles))
				}
				if b.TileSize != h.TileSize {
					t.Errorf("tile size = %d, want %d", b.TileSize, h.TileSize)
				}
				sawBatch = true
			}
		}
	}
}

func TestInvalidationReachesAllViewers(t *testing.T) {
	store := tilestore.NewMock()
	ch, srv := newTestChannel(t, store)

	conns := []*websocket.Conn{dial(t, srv), dial(t, srv)}

	// Registration races the broadcast without a handshake; give the hub a
	// moment to see both clients.
	time.Sleep(100 * time.Millisecond)

	ch.BroadcastInvalidation(watcher.Invalidation{Path: "scans/base.tif", Operation: "modified"})

	for i, conn := range conns {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("viewer %d read: %v", i, err)
		}
		var n Notice
		if err := json.Unmarshal(data, &n); err != nil {
			t.Fatalf("viewer %d: bad notice: %v", i, err)
		}
		if n.Type != "invalidated" || n.Path != "scans/base.tif" {
			t.Errorf("viewer %d notice = %+v", i, n)
		}
	}
}

func TestBadCommandsAreIgnored(t *testing.T) {
	store := tilestore.NewMock()
	_, srv := newTestChannel(t, store)
	conn := dial(t, srv)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(Command{Type: "warp"}); err != nil {
		t.Fatal(err)
	}

	// The connection must survive both.
	if err := conn.WriteJSON(Command{Type: "viewport", Zoom: 1, Width: 10, Height: 10}); err != nil {
		t.Fatal(err)
	}
}
