package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"fieldsense/internal/model"
)

const (
	TypeHistory = "history"
	TypeEvent   = "event"

	sendBuffer      = 256
	broadcastBuffer = 1024
)

// Message is the envelope written to websocket clients.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans accepted events out to websocket clients. New clients first get the
// buffered history, then every event published after they registered.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan model.TelemetryEvent
	register   chan *Client
	unregister chan *Client
	history    *History
	logger     *slog.Logger
	done       chan struct{}
}

func NewHub(history int, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan model.TelemetryEvent, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		history:    NewHistory(history),
		logger:     logger,
		done:       make(chan struct{}),
	}
}

func (h *Hub) History() *History { return h.history }

// Publish queues ev for broadcast without blocking; when the queue is full the event
// is dropped from the live feed only.
func (h *Hub) Publish(ev model.TelemetryEvent) {
	select {
	case h.broadcast <- ev:
	default:
		if h.logger != nil {
			h.logger.Warn("feed queue full, dropping live event", "device_id", ev.DeviceID, "id", ev.ID)
		}
	}
}

func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			return nil
		case c := <-h.register:
			events := h.history.List(0)
			if !c.since.IsZero() {
				events = h.history.Since(c.since)
			}
			if msg, err := json.Marshal(Message{Type: TypeHistory, Payload: events}); err == nil {
				c.send <- msg
			}
			h.clients[c] = true
			if h.logger != nil {
				h.logger.Debug("feed client registered", "remote", c.remote, "clients", len(h.clients))
			}
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		case ev := <-h.broadcast:
			h.history.Add(ev)
			msg, err := json.Marshal(Message{Type: TypeEvent, Payload: ev})
			if err != nil {
				if h.logger != nil {
					h.logger.Warn("feed marshal error", "id", ev.ID, "err", err)
				}
				continue
			}
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					if h.logger != nil {
						h.logger.Warn("feed client too slow, disconnecting", "remote", c.remote)
					}
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

// ServeWS upgrades the request and attaches the client. An optional since
// query parameter (RFC 3339) narrows the initial history.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		since = t
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("websocket upgrade error", "err", err)
		}
		return
	}
	c := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer), since: since, remote: conn.RemoteAddr().String()}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	case <-r.Context().Done():
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}
