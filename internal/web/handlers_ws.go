package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"zigbee-tuya-bridge/internal/converter"
	"zigbee-tuya-bridge/internal/coordinator"
)

// WSHub fans coordinator events out to websocket clients. Each client may
// narrow its stream to some event types and one device.
type WSHub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan coordinator.Event

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	filter wsFilter
}

// wsFilter is parsed from ?types=a,b&ieee=x. Zero value passes everything.
type wsFilter struct {
	types map[string]bool
	ieee  string
}

func parseWSFilter(r *http.Request) (wsFilter, error) {
	var f wsFilter
	q := r.URL.Query()
	if raw := q.Get("types"); raw != "" {
		f.types = make(map[string]bool)
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.types[t] = true
			}
		}
	}
	if raw := q.Get("ieee"); raw != "" {
		ieee, err := coordinator.NormalizeIEEE(raw)
		if err != nil {
			return f, err
		}
		f.ieee = ieee
	}
	return f, nil
}

func (f wsFilter) wants(ev coordinator.Event) bool {
	if f.types != nil && !f.types[ev.Type] {
		return false
	}
	if f.ieee == "" {
		return true
	}
	return eventDevice(ev) == f.ieee
}

// eventDevice is the IEEE address an event is about, or "".
func eventDevice(ev coordinator.Event) string {
	switch d := ev.Data.(type) {
	case map[string]interface{}:
		s, _ := d["ieee"].(string)
		return s
	case converter.Diagnostic:
		return d.Device
	}
	return ""
}

func (f wsFilter) typeList() []string {
	out := make([]string, 0, len(f.types))
	for t := range f.types {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// wsHello is the first message on every connection.
type wsHello struct {
	Type string `json:"type"`
	Data struct {
		ClientID string   `json:"client_id"`
		Version  string   `json:"version,omitempty"`
		Types    []string `json:"types,omitempty"`
		IEEE     string   `json:"ieee,omitempty"`
	} `json:"data"`
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan coordinator.Event, 256),
		done:       make(chan struct{}),
	}
}

// Run starts the hub event loop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "client", client.id, "ieee", client.filter.ieee, "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", "client", client.id, "total", total)

		case ev := <-h.broadcast:
			h.fanOut(ev)
		}
	}
}

// fanOut marshals ev once and queues it on every interested client. A
// client whose buffer is full is dropped; it reconnects and sees the gap
// in event seq.
func (h *WSHub) fanOut(ev coordinator.Event) {
	var data []byte
	h.mu.Lock()
	defer h.mu.Unlock()
	var slow []*wsClient
	for client := range h.clients {
		if !client.filter.wants(ev) {
			continue
		}
		if data == nil {
			var err error
			if data, err = json.Marshal(ev); err != nil {
				h.logger.Error("ws marshal", "type", ev.Type, "err", err)
				return
			}
		}
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	for _, client := range slow {
		delete(h.clients, client)
		close(client.send)
		h.logger.Warn("ws client evicted (too slow)", "client", client.id, "seq", ev.Seq)
	}
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast queues an event for delivery without blocking the emitter.
func (h *WSHub) Broadcast(ev coordinator.Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn("ws broadcast channel full, dropping event", "type", ev.Type, "seq", ev.Seq)
	}
}

// Len returns the number of connected clients.
func (h *WSHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func newWSClient(conn *websocket.Conn, filter wsFilter) *wsClient {
	return &wsClient{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, 64),
		filter: filter,
	}
}

// handleWS streams events as JSON text messages. The first message is a
// hello carrying the client id and the accepted filter.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	filter, err := parseWSFilter(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	client := newWSClient(conn, filter)
	var hello wsHello
	hello.Type = "hello"
	hello.Data.ClientID = client.id
	hello.Data.Version = s.version
	hello.Data.Types = filter.typeList()
	hello.Data.IEEE = filter.ieee
	if data, err := json.Marshal(hello); err == nil {
		client.send <- data
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	client.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) wsReadPump(client *wsClient) {
	defer func() {
		select {
		case s.wsHub.unregister <- client:
		case <-s.wsHub.done:
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	// The stream is one-way; reads only detect the close.
	for {
		if _, _, err := client.conn.Read(ctx); err != nil {
			return
		}
	}
}
