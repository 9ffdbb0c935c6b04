package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	gosync "sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/exp/slog"

	"possync/internal/app/server/api/http/middleware/auth"
	"possync/internal/domain/sync"
)

var ErrNotConnected = errors.New("terminal is not connected")

// Observer наблюдатель за соединениями (метрики)
type Observer interface {
	ConnectionOpened()
	ConnectionClosed()
	AckReceived()
}

type noopObserver struct{}

func (noopObserver) ConnectionOpened() {}
func (noopObserver) ConnectionClosed() {}
func (noopObserver) AckReceived()      {}

type Config struct {
	// BufferSize очередь исходящих сообщений на соединение
	BufferSize   int
	PingInterval time.Duration
	WriteTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		BufferSize:   16,
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

type client struct {
	room string
	conn *websocket.Conn
	send chan []byte
	once gosync.Once
	done chan struct{}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub комнаты WebSocket по терминалам: terminal:<id>
type Hub struct {
	config   Config
	upgrader websocket.Upgrader
	observer Observer
	log      *slog.Logger

	mu    gosync.RWMutex
	rooms map[string]map[*client]struct{}
}

var _ sync.Notifier = (*Hub)(nil)

func NewHub(cfg Config, observer Observer, log *slog.Logger) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultConfig().PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if observer == nil {
		observer = noopObserver{}
	}

	return &Hub{
		config: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		observer: observer,
		log:      log.With(slog.String("component", "notify_hub")),
		rooms:    make(map[string]map[*client]struct{}),
	}
}

// ServeHTTP подключает терминал к его комнате. Ожидает claims от auth.HTTPMiddleware.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetClaims(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if claims.TerminalID == "" {
		http.Error(w, "terminal token required", http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "terminal_id", claims.TerminalID, "error", err)
		return
	}

	c := &client{
		room: sync.TerminalRoom(claims.TerminalID),
		conn: conn,
		send: make(chan []byte, h.config.BufferSize),
		done: make(chan struct{}),
	}
	h.join(c)
	h.log.Info("Terminal connected", "room", c.room, "remote_addr", r.RemoteAddr)

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) join(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[c.room] == nil {
		h.rooms[c.room] = make(map[*client]struct{})
	}
	h.rooms[c.room][c] = struct{}{}
	h.observer.ConnectionOpened()
}

func (h *Hub) leave(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[c.room]
	if !ok {
		return
	}
	if _, ok := members[c]; !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, c.room)
	}
	c.close()
	h.observer.ConnectionClosed()
}

func (h *Hub) readLoop(c *client) {
	defer func() {
		h.leave(c)
		_ = c.conn.Close()
		h.log.Info("Terminal disconnected", "room", c.room)
	}()

	readTimeout := 2 * h.config.PingInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))

		var msg sync.Notification
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.log.Debug("malformed message", "room", c.room, "error", err)
			continue
		}
		if msg.Event == sync.EventAck {
			h.observer.AckReceived()
			h.log.Info("Sync trigger acknowledged", "room", c.room, "type", msg.Payload.Type)
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.config.WriteTimeout))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.log.Warn("websocket write failed", "room", c.room, "error", err)
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.config.WriteTimeout)); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

// NotifyTerminal отправляет событие во все соединения терминала.
// ErrNotConnected, если терминал сейчас не на связи.
func (h *Hub) NotifyTerminal(_ context.Context, terminalID string, ev sync.TriggerEvent) error {
	room := sync.TerminalRoom(terminalID)
	raw, err := json.Marshal(sync.Notification{Event: sync.EventTrigger, Room: room, Payload: ev})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	h.mu.RLock()
	members := make([]*client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	if len(members) == 0 {
		return ErrNotConnected
	}

	delivered := 0
	for _, c := range members {
		select {
		case c.send <- raw:
			delivered++
		default:
			h.log.Warn("dropping slow websocket client", "room", room)
			h.leave(c)
		}
	}
	if delivered == 0 {
		return ErrNotConnected
	}

	return nil
}

// Connections число соединений терминала
func (h *Hub) Connections(terminalID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sync.TerminalRoom(terminalID)])
}

// Close закрывает все соединения
func (h *Hub) Close() {
	h.mu.RLock()
	var all []*client
	for _, members := range h.rooms {
		for c := range members {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range all {
		h.leave(c)
	}
}
