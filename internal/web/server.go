// Package web is the websocket viewer channel: each connection drives one
// progressive load session, receiving state events as JSON and tile or
// preview payloads as binary frames. A hub broadcasts engine-wide notices
// (source invalidations) to every connected viewer.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"microtile/internal/session"
	"microtile/internal/tilewire"
	"microtile/internal/viewport"
	"microtile/internal/watcher"
)

// ManagerFactory builds the per-connection session manager.
type ManagerFactory func() *session.Manager

// Command is a client request on the viewer channel.
type Command struct {
	Type    string  `json:"type"` // "view" or "viewport"
	Path    string  `json:"path,omitempty"`
	Overlay bool    `json:"overlay,omitempty"`
	PanX    float64 `json:"panX,omitempty"`
	PanY    float64 `json:"panY,omitempty"`
	Zoom    float64 `json:"zoom,omitempty"`
	Width   float64 `json:"width,omitempty"`
	Height  float64 `json:"height,omitempty"`
}

// Notice is a server push unrelated to a single session.
type Notice struct {
	Type      string `json:"type"` // "invalidated"
	Path      string `json:"path,omitempty"`
	Operation string `json:"operation,omitempty"`
}

type outMessage struct {
	kind int // websocket.TextMessage or websocket.BinaryMessage
	data []byte
}

type client struct {
	conn *websocket.Conn
	mgr  *session.Manager
	send chan outMessage
	done chan struct{}
}

// Hub tracks connected viewers and fans broadcasts out to them.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan outMessage
	invalidate chan string
	register   chan *client
	unregister chan *client
}

func newHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan outMessage, 16),
		invalidate: make(chan string, 16),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

func (h *Hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				delete(h.clients, c)
			}
			return
		case c := <-h.register:
			h.clients[c] = true
		case c := <-h.unregister:
			delete(h.clients, c)
		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// A viewer that cannot keep up loses broadcasts, not
					// its session traffic.
				}
			}
		case path := <-h.invalidate:
			for c := range h.clients {
				c.mgr.Invalidate(path)
			}
		}
	}
}

// Channel serves the viewer websocket endpoint.
type Channel struct {
	upgrader   websocket.Upgrader
	hub        *Hub
	newManager ManagerFactory
	log        *slog.Logger
}

// NewChannel creates a viewer channel. factory is called once per
// connection.
func NewChannel(factory ManagerFactory, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // viewers connect from the app shell, not browsers at large
			},
		},
		hub:        newHub(),
		newManager: factory,
		log:        logger,
	}
}

// Run drives the hub until ctx is cancelled.
func (c *Channel) Run(ctx context.Context) {
	c.hub.run(ctx)
}

// BroadcastInvalidation tells every connected viewer a source image
// changed on disk and restarts any session currently showing it.
func (c *Channel) BroadcastInvalidation(inv watcher.Invalidation) {
	payload, err := json.Marshal(Notice{Type: "invalidated", Path: inv.Path, Operation: inv.Operation})
	if err != nil {
		return
	}
	select {
	case c.hub.broadcast <- outMessage{kind: websocket.TextMessage, data: payload}:
	default:
		c.log.Warn("broadcast queue full, dropping invalidation", "path", inv.Path)
	}
	select {
	case c.hub.invalidate <- inv.Path:
	default:
	}
}

// HandleViewer upgrades the connection and runs its session until the
// client disconnects.
func (c *Channel) HandleViewer(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.log.Error("websocket upgrade failed", "error", err)
		return
	}

	mgr := c.newManager()
	cl := &client{conn: conn, mgr: mgr, send: make(chan outMessage, 64), done: make(chan struct{})}
	c.hub.register <- cl

	events, unsub := mgr.Subscribe()

	// Single writer per connection; events and hub broadcasts both funnel
	// through cl.send.
	go c.pumpEvents(cl, events)
	go c.writeLoop(cl)

	c.readLoop(cl, mgr)

	unsub()
	c.hub.unregister <- cl
	close(cl.done)
	conn.Close()
}

// pumpEvents translates session events into channel messages: one JSON
// envelope per event, plus a binary frame when the event carries pixels.
func (c *Channel) pumpEvents(cl *client, events <-chan session.Event) {
	for ev := range events {
		envelope, err := json.Marshal(ev)
		if err != nil {
			c.log.Error("marshal event", "error", err)
			continue
		}
		c.trySend(cl, outMessage{kind: websocket.TextMessage, data: envelope})

		switch ev.Kind {
		case session.EventThumbnail, session.EventMedium:
			frame := tilewire.EncodePreview(tilewire.Preview{
				ContentHash: ev.Hash,
				Tier:        string(ev.Kind),
				Pixels:      ev.Raster,
			})
			c.trySend(cl, outMessage{kind: websocket.BinaryMessage, data: tilewire.WrapFrame(tilewire.FramePreview, frame)})
		case session.EventTiles:
			frame := tilewire.EncodeBatch(tilewire.Batch{
				ContentHash: ev.Hash,
				TileSize:    ev.TileSize,
				Tiles:       ev.Tiles,
			})
			c.trySend(cl, outMessage{kind: websocket.BinaryMessage, data: tilewire.WrapFrame(tilewire.FrameBatch, frame)})
		}
	}
}

func (c *Channel) trySend(cl *client, msg outMessage) {
	select {
	case cl.send <- msg:
	case <-cl.done:
	default:
		c.log.Warn("viewer send buffer full, dropping message")
	}
}

func (c *Channel) writeLoop(cl *client) {
	for {
		select {
		case msg := <-cl.send:
			if err := cl.conn.WriteMessage(msg.kind, msg.data); err != nil {
				return
			}
		case <-cl.done:
			return
		}
	}
}

func (c *Channel) readLoop(cl *client, mgr *session.Manager) {
	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.log.Warn("bad viewer command", "error", err)
			continue
		}
		switch cmd.Type {
		case "view":
			if cmd.Path == "" {
				continue
			}
			mgr.View(cmd.Path, cmd.Overlay)
		case "viewport":
			mgr.SetViewport(viewport.Viewport{
				PanX:   cmd.PanX,
				PanY:   cmd.PanY,
				Zoom:   cmd.Zoom,
				Width:  cmd.Width,
				Height: cmd.Height,
			})
		default:
			c.log.Warn("unknown viewer command", "type", cmd.Type)
		}
	}
}
