// Package websocket is the hot-reload transport. A Hub accepts browser
// connections and fans rebuild notifications out to every connected client.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/conneroisu/pagecache/internal/logging"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Send pings to peer with this period.
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 512

	sendBuffer      = 64
	broadcastBuffer = 256
)

// Message types understood by the reload client.
const (
	MessageRebuild = "rebuild"
	MessageReload  = "reload"
)

var (
	// ErrShutdown is returned by Broadcast after Shutdown.
	ErrShutdown = errors.New("websocket hub is shut down")
	// ErrBusy is returned when the broadcast queue is full.
	ErrBusy = errors.New("websocket broadcast queue is full")
)

// Message is sent to browsers as JSON.
type Message struct {
	Type  string `json:"type"`
	Entry string `json:"entry,omitempty"`
	// Paths are the request paths serving Entry. Clients on other pages
	// ignore the message.
	Paths     []string  `json:"paths,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// OriginValidator decides whether a browser origin may connect.
type OriginValidator interface {
	IsAllowedOrigin(origin string) bool
}

// Client is one connected browser.
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	remote string
}

func (c *Client) close(code websocket.StatusCode, reason string) {
	if c.conn != nil {
		_ = c.conn.Close(code, reason)
	}
}

// Hub owns the set of connected clients. Registration, removal and
// broadcasting all run on the hub goroutine.
type Hub struct {
	clients      map[*Client]struct{}
	clientsMutex sync.RWMutex

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	origins OriginValidator
	logger  logging.Logger

	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
	shutdownOnce sync.Once
	isShutdown   atomic.Bool
}

// NewHub creates a hub and starts its goroutine.
func NewHub(origins OriginValidator, logger logging.Logger) *Hub {
	if origins == nil {
		origins = AllowedOrigins(nil)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan []byte, broadcastBuffer),
		register:   make(chan *Client, 32),
		unregister: make(chan *Client, 32),
		origins:    origins,
		logger:     logger.WithComponent("websocket"),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

// HandleWebSocket upgrades the request and serves the client until it
// disconnects.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.isShutdown.Load() {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	origin := r.Header.Get("Origin")
	if !h.origins.IsAllowedOrigin(origin) {
		h.logger.Warn(r.Context(), nil, "WebSocket connection rejected", "origin", origin, "remote", r.RemoteAddr)
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origins were validated above.
		OriginPatterns:  []string{"*"},
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		h.logger.Warn(r.Context(), err, "WebSocket upgrade failed", "remote", r.RemoteAddr)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	client := &Client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		remote: r.RemoteAddr,
	}

	select {
	case h.register <- client:
	case <-h.done:
		client.close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	go h.writePump(client)
	h.readPump(client)
}

// Broadcast queues msg for every connected client without blocking.
func (h *Hub) Broadcast(msg Message) error {
	if h.isShutdown.Load() {
		return ErrShutdown
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	select {
	case h.broadcast <- data:
		return nil
	default:
		return ErrBusy
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMutex.RLock()
	defer h.clientsMutex.RUnlock()
	return len(h.clients)
}

// Shutdown disconnects every client and stops the hub.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.shutdownOnce.Do(func() {
		h.isShutdown.Store(true)
		h.cancel()
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.clientsMutex.Lock()
			h.clients[client] = struct{}{}
			count := len(h.clients)
			h.clientsMutex.Unlock()
			h.logger.Debug(h.ctx, "Client connected", "remote", client.remote, "clients", count)

		case client := <-h.unregister:
			h.remove(client)

		case message := <-h.broadcast:
			h.clientsMutex.RLock()
			var slow []*Client
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					slow = append(slow, client)
				}
			}
			h.clientsMutex.RUnlock()

			for _, client := range slow {
				h.logger.Warn(h.ctx, nil, "Dropping slow client", "remote", client.remote)
				if h.remove(client) {
					go client.close(websocket.StatusPolicyViolation, "client too slow")
				}
			}

		case <-h.ctx.Done():
			h.clientsMutex.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.clientsMutex.Unlock()
			return
		}
	}
}

// remove drops client and closes its send channel, reporting whether it
// was still registered.
func (h *Hub) remove(client *Client) bool {
	h.clientsMutex.Lock()
	defer h.clientsMutex.Unlock()
	if _, ok := h.clients[client]; !ok {
		return false
	}
	delete(h.clients, client)
	close(client.send)
	h.logger.Debug(h.ctx, "Client disconnected", "remote", client.remote, "clients", len(h.clients))
	return true
}

// readPump discards client messages and unregisters the client once the
// connection fails.
func (h *Hub) readPump(client *Client) {
	defer func() {
		select {
		case h.unregister <- client:
		case <-h.done:
		}
	}()

	for {
		// The write pump closes the connection, which ends this read.
		_, _, err := client.conn.Read(context.Background())
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				h.logger.Debug(h.ctx, "WebSocket read ended", "remote", client.remote, "error", err.Error())
			}
			return
		}
	}
}

func (h *Hub) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-client.send:
			if !ok {
				if h.isShutdown.Load() {
					client.close(websocket.StatusGoingAway, "server shutting down")
				} else {
					client.close(websocket.StatusNormalClosure, "")
				}
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := client.conn.Write(ctx, websocket.MessageText, message)
			cancel()
			if err != nil {
				h.logger.Debug(h.ctx, "WebSocket write failed", "remote", client.remote, "error", err.Error())
				client.close(websocket.StatusInternalError, "write failed")
				return
			}

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := client.conn.Ping(ctx)
			cancel()
			if err != nil {
				client.close(websocket.StatusGoingAway, "ping failed")
				return
			}
		}
	}
}

// AllowedOrigins accepts origins whose host (or full scheme://host) is
// listed. An entry without a port matches that host on any port. "*" allows
// every http(s) origin. Requests without an Origin header are rejected.
type AllowedOrigins []string

// IsAllowedOrigin implements OriginValidator.
func (ao AllowedOrigins) IsAllowedOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return false
	}
	for _, allowed := range ao {
		switch {
		case allowed == "*":
			return true
		case strings.Contains(allowed, "://"):
			if strings.EqualFold(strings.TrimSuffix(allowed, "/"), u.Scheme+"://"+u.Host) {
				return true
			}
		case strings.EqualFold(allowed, u.Host):
			return true
		case !strings.Contains(allowed, ":") && strings.EqualFold(allowed, u.Hostname()):
			return true
		}
	}
	return false
}
