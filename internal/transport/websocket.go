package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gateway-fm/dbload/pkg/types"
)

const (
	defaultBroadcastInterval = 500 * time.Millisecond
	writeWait                = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // same-origin or non-browser client
		}

		originURL, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if originURL.Host == r.Host {
			return true
		}
		return originURL.Hostname() == "localhost" || originURL.Hostname() == "127.0.0.1"
	},
}

// WebSocketServer streams the live run status to connected clients.
type WebSocketServer struct {
	ctrl     RunController
	logger   *slog.Logger
	interval time.Duration

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	done     chan struct{}
	stopOnce sync.Once
}

// NewWebSocketServer creates a new WebSocket server.
func NewWebSocketServer(ctrl RunController, logger *slog.Logger, interval time.Duration) *WebSocketServer {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = defaultBroadcastInterval
	}
	return &WebSocketServer{
		ctrl:     ctrl,
		logger:   logger,
		interval: interval,
		clients:  make(map[*websocket.Conn]bool),
		done:     make(chan struct{}),
	}
}

// Handler returns the WebSocket HTTP handler.
func (ws *WebSocketServer) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			ws.logger.Error("WebSocket upgrade failed", slog.String("error", err.Error()))
			return
		}

		ws.clientsMu.Lock()
		ws.clients[conn] = true
		n := len(ws.clients)
		ws.clientsMu.Unlock()
		ws.logger.Debug("WebSocket client connected", slog.Int("total_clients", n))

		defer func() {
			ws.clientsMu.Lock()
			delete(ws.clients, conn)
			n := len(ws.clients)
			ws.clientsMu.Unlock()
			conn.Close()
			ws.logger.Debug("WebSocket client disconnected", slog.Int("total_clients", n))
		}()

		// Reads only detect disconnects; clients send nothing meaningful.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					ws.logger.Debug("WebSocket read error", slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}

// Start begins the status broadcasting goroutine.
func (ws *WebSocketServer) Start() {
	go ws.broadcastLoop()
}

// Stop stops broadcasting and closes all client connections. It is safe to
// call more than once.
func (ws *WebSocketServer) Stop() {
	ws.stopOnce.Do(func() {
		close(ws.done)

		ws.clientsMu.Lock()
		for conn := range ws.clients {
			conn.Close()
		}
		ws.clients = make(map[*websocket.Conn]bool)
		ws.clientsMu.Unlock()
	})
}

func (ws *WebSocketServer) broadcastLoop() {
	ticker := time.NewTicker(ws.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ws.done:
			return
		case <-ticker.C:
			status := ws.ctrl.Status()
			if status.Status != types.StatusIdle {
				ws.broadcastStatus(status)
			}
		}
	}
}

// broadcastStatus sends the status to all connected clients. The loop is the
// only writer, so connections see no concurrent writes.
func (ws *WebSocketServer) broadcastStatus(status types.LiveStatus) {
	data, err := json.Marshal(status)
	if err != nil {
		ws.logger.Error("Failed to marshal status", slog.String("error", err.Error()))
		return
	}

	ws.clientsMu.RLock()
	defer ws.clientsMu.RUnlock()

	for conn := range ws.clients {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			// The read loop removes the client.
			ws.logger.Debug("Failed to write to WebSocket", slog.String("error", err.Error()))
		}
	}
}

// ClientCount returns the number of connected clients.
func (ws *WebSocketServer) ClientCount() int {
	ws.clientsMu.RLock()
	defer ws.clientsMu.RUnlock()
	return len(ws.clients)
}
