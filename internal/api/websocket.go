package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/BTreeMap/Dermis/internal/navigation"
)

// Push message types.
const (
	MessageNavigation = "navigation"
	MessageAlert      = "alert"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientQueueLen = 16
)

// Message is one frame pushed to a device.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type wsClient struct {
	id     string
	conn   *websocket.Conn
	send   chan Message
	cancel context.CancelFunc
}

// Hub tracks the websocket connections of every device.
type Hub struct {
	mu      sync.Mutex
	clients map[string]map[*wsClient]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[*wsClient]struct{})}
}

func (h *Hub) register(deviceID string, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[deviceID] == nil {
		h.clients[deviceID] = make(map[*wsClient]struct{})
	}
	h.clients[deviceID][c] = struct{}{}
}

func (h *Hub) unregister(deviceID string, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients[deviceID], c)
	if len(h.clients[deviceID]) == 0 {
		delete(h.clients, deviceID)
	}
}

// Push queues msg on every connection of the device and returns how many
// accepted it. A connection whose queue is full drops the message.
func (h *Hub) Push(deviceID string, msg Message) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for c := range h.clients[deviceID] {
		select {
		case c.send <- msg:
			n++
		default:
			slog.Warn("Hub.Push: client queue full, dropping message", "device", deviceID, "client", c.id, "type", msg.Type)
		}
	}
	return n
}

// Alert implements capture.Alerter. The alert is also recorded on the
// request that raised it, so the HTTP response can carry it.
func (h *Hub) Alert(ctx context.Context, deviceID, message string) {
	recordAlert(ctx, message)
	n := h.Push(deviceID, Message{Type: MessageAlert, Data: map[string]string{"message": message}})
	slog.Debug("Hub.Alert: alert pushed", "device", deviceID, "clients", n)
}

// Close ends every connection and returns how many were open.
func (h *Hub) Close() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.clients {
		for c := range set {
			c.cancel()
			n++
		}
	}
	return n
}

// wsHandler upgrades the connection and streams navigation changes and
// alerts for the device until either side goes away.
func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	device := deviceID(r.Context())
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Server.wsHandler: upgrade failed", "device", device, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	changes, err := s.svc.Navigation.Watch(ctx, device)
	if err != nil {
		slog.Error("Server.wsHandler: failed to watch navigation", "device", device, "error", err)
		cancel()
		conn.Close()
		return
	}

	c := &wsClient{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan Message, clientQueueLen),
		cancel: cancel,
	}
	s.hub.register(device, c)
	slog.Info("Server.wsHandler: client connected", "device", device, "client", c.id)

	go c.readPump()
	c.writePump(ctx, changes)

	s.hub.unregister(device, c)
	cancel()
	conn.Close()
	slog.Info("Server.wsHandler: client disconnected", "device", device, "client", c.id)
}

// readPump discards client frames and cancels the connection on error.
func (c *wsClient) readPump() {
	defer c.cancel()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("wsClient.readPump: unexpected close", "client", c.id, "error", err)
			}
			return
		}
	}
}

// writePump is the only writer on the connection.
func (c *wsClient) writePump(ctx context.Context, changes <-chan navigation.Change) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			if !c.write(Message{Type: MessageNavigation, Data: change}) {
				return
			}
		case msg := <-c.send:
			if !c.write(msg) {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) write(msg Message) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		slog.Debug("wsClient.write: write failed", "client", c.id, "type", msg.Type, "error", err)
		return false
	}
	return true
}

type alertSinkKey struct{}

// alertSink collects the alerts raised while serving one request.
type alertSink struct {
	mu     sync.Mutex
	alerts []string
}

func withAlertSink(ctx context.Context) (context.Context, *alertSink) {
	sink := &alertSink{}
	return context.WithValue(ctx, alertSinkKey{}, sink), sink
}

func recordAlert(ctx context.Context, message string) {
	if sink, ok := ctx.Value(alertSinkKey{}).(*alertSink); ok {
		sink.mu.Lock()
		sink.alerts = append(sink.alerts, message)
		sink.mu.Unlock()
	}
}

// last returns the most recent alert or "".
func (s *alertSink) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.alerts) == 0 {
		return ""
	}
	return s.alerts[len(s.alerts)-1]
}
