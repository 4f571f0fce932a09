package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConfig configures the WebSocket publisher.
type WebSocketConfig struct {
	URL          string        `yaml:"url"`
	Token        string        `yaml:"token"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// WebSocketPublisher writes each note as a JSON text frame to a collector.
// It redials lazily after an error.
type WebSocketPublisher struct {
	cfg    WebSocketConfig
	dialer *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewWebSocketPublisher creates a publisher without dialing.
func NewWebSocketPublisher(cfg WebSocketConfig) *WebSocketPublisher {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &WebSocketPublisher{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Publish sends one note.
func (p *WebSocketPublisher) Publish(ctx context.Context, n Note) error {
	msg, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode note: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.conn == nil {
		header := http.Header{}
		if p.cfg.Token != "" {
			header.Set("Authorization", "Bearer "+p.cfg.Token)
		}
		conn, _, err := p.dialer.DialContext(ctx, p.cfg.URL, header)
		if err != nil {
			return fmt.Errorf("websocket dial: %w", err)
		}
		p.conn = conn
	}

	_ = p.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
	if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		_ = p.conn.Close()
		p.conn = nil
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Close closes the connection with a normal closure frame.
func (p *WebSocketPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.conn == nil {
		return nil
	}
	_ = p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := p.conn.Close()
	p.conn = nil
	return err
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub serves a live feed of notes to WebSocket subscribers, typically
// operator dashboards. Slow subscribers miss notes rather than block the
// publisher.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*hubClient]struct{}
	closed  bool
}

type hubClient struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func (c *hubClient) stop() { c.once.Do(func() { close(c.done) }) }

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, clients: make(map[*hubClient]struct{})}
}

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish fans a note out to every subscriber.
func (h *Hub) Publish(_ context.Context, n Note) error {
	msg, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode note: %w", err)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}
	for c := range h.clients {
		select {
		case c.ch <- msg:
		default:
		}
	}
	return nil
}

// ServeHTTP upgrades the request and streams notes until the client goes
// away or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer func() { _ = conn.Close() }()

	c := &hubClient{ch: make(chan []byte, 64), done: make(chan struct{})}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
	}()

	// The read loop only detects disconnects.
	go func() {
		defer c.stop()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-c.done:
			return
		case <-r.Context().Done():
			return
		case msg := <-c.ch:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		c.stop()
	}
	return nil
}
