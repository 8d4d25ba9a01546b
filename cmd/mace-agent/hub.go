package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"mace/client"
	"mace/protocol"
)

// Tab is one connected UI page.
type Tab struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans the shared buffer out to every open UI tab. Tabs send records,
// which are applied to the buffer; the buffer's state goes back to all tabs
// as a snapshot record after each change.
type Hub struct {
	buffer *client.Buffer
	log    *logrus.Logger

	tabs       map[*Tab]bool
	broadcast  chan []byte
	register   chan *Tab
	unregister chan *Tab
	// done is closed when run returns.
	done       chan struct{}
}

func newHub(buffer *client.Buffer, log *logrus.Logger) *Hub {
	return &Hub{
		buffer:     buffer,
		log:        log,
		tabs:       make(map[*Tab]bool),
		broadcast:  make(chan []byte, 16),
		register:   make(chan *Tab),
		unregister: make(chan *Tab),
		done:       make(chan struct{}),
	}
}

func (h *Hub) run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for tab := range h.tabs {
				close(tab.send)
				delete(h.tabs, tab)
			}
			return nil
		case tab := <-h.register:
			h.tabs[tab] = true
			if data, err := h.snapshot(); err == nil {
				tab.send <- data
			}
			h.log.WithField("tabs", len(h.tabs)).Info("tab registered")
		case tab := <-h.unregister:
			if _, ok := h.tabs[tab]; ok {
				delete(h.tabs, tab)
				close(tab.send)
				h.log.WithField("tabs", len(h.tabs)).Info("tab unregistered")
			}
		case message := <-h.broadcast:
			for tab := range h.tabs {
				select {
				case tab.send <- message:
				default:
					close(tab.send)
					delete(h.tabs, tab)
				}
			}
		}
	}
}

func (h *Hub) snapshot() ([]byte, error) {
	b := h.buffer
	r := protocol.NewSnapshot(b.Value(), b.Cursor(), b.Selection(), b.Focused(), time.Now())
	return json.Marshal(r)
}

// changed is registered as a buffer listener.
func (h *Hub) changed(protocol.Record) {
	data, err := h.snapshot()
	if err != nil {
		h.log.WithError(err).Warn("encode snapshot")
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.log.Debug("broadcast backlog full, dropping snapshot")
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (h *Hub) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("upgrade tab")
		return
	}
	tab := &Tab{conn: conn, send: make(chan []byte, 256)}
	select {
	case h.register <- tab:
	case <-h.done:
		conn.Close()
		return
	}
	go tab.writePump()
	go tab.readPump(h)
}

func (t *Tab) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- t:
		case <-h.done:
		}
		t.conn.Close()
	}()
	for {
		_, message, err := t.conn.ReadMessage()
		if err != nil {
			break
		}
		var r protocol.Record
		if err := json.Unmarshal(message, &r); err != nil {
			h.log.WithError(err).Warn("decode record from tab")
			continue
		}
		if err := r.Validate(); err != nil {
			h.log.WithError(err).Warn("invalid record from tab")
			continue
		}
		if r.IsSnapshot() {
			h.buffer.SetFocused(r.Focused)
		}
		if err := h.buffer.Apply(r); err != nil {
			h.log.WithError(err).Warn("apply record from tab")
		}
	}
}

func (t *Tab) writePump() {
	defer t.conn.Close()
	for {
		message, ok := <-t.send
		if !ok {
			t.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
		if err := t.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}
