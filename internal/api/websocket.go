package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"zk-attendance-bridge/internal/devsync"
	"zk-attendance-bridge/internal/events"
)

// Message types pushed to websocket clients besides the published events.
const (
	MessageProgress  = "progress"
	MessageRunResult = "run_result"
)

// HubMessage is one frame sent to websocket clients.
type HubMessage struct {
	Type      string      `json:"type"`
	DeviceID  int         `json:"device_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

type hubClient struct {
	id         string
	conn       *websocket.Conn
	send       chan HubMessage
	remoteAddr string

	mu       sync.Mutex
	deviceID int // 0 means every device
}

func (c *hubClient) wants(msg HubMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID == 0 || msg.DeviceID == 0 || msg.DeviceID == c.deviceID
}

// ProgressHub streams sync progress and published events to websocket
// clients. It satisfies events.Publisher so it can sit in an events.Fanout.
type ProgressHub struct {
	clients  map[string]*hubClient
	mutex    sync.RWMutex
	upgrader websocket.Upgrader
	logger   *logrus.Logger

	broadcast  chan HubMessage
	register   chan *hubClient
	unregister chan *hubClient
	done       chan struct{}
	stopOnce   sync.Once

	pingInterval   time.Duration
	pongTimeout    time.Duration
	writeTimeout   time.Duration
	maxMessageSize int64
}

// NewProgressHub creates a hub. Call Start before serving connections.
func NewProgressHub(logger *logrus.Logger) *ProgressHub {
	return &ProgressHub{
		clients: make(map[string]*hubClient),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:         logger,
		broadcast:      make(chan HubMessage, 256),
		register:       make(chan *hubClient),
		unregister:     make(chan *hubClient),
		done:           make(chan struct{}),
		pingInterval:   30 * time.Second,
		pongTimeout:    60 * time.Second,
		writeTimeout:   10 * time.Second,
		maxMessageSize: 512,
	}
}

// Start runs the hub loop until ctx is cancelled or Stop is called.
func (h *ProgressHub) Start(ctx context.Context) {
	h.logger.Debug("Starting progress hub")
	go h.run(ctx)
}

// Stop closes every client connection. It is safe to call more than once.
func (h *ProgressHub) Stop() {
	h.stopOnce.Do(func() {
		h.logger.Debug("Stopping progress hub")
		close(h.done)
	})
}

func (h *ProgressHub) run(ctx context.Context) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			h.Stop()
			return
		case <-h.done:
			return
		case c := <-h.register:
			h.mutex.Lock()
			h.clients[c.id] = c
			h.mutex.Unlock()
			h.logger.WithFields(logrus.Fields{
				"connection_id": c.id,
				"remote_addr":   c.remoteAddr,
			}).Debug("Websocket client connected")
		case c := <-h.unregister:
			h.remove(c)
		case msg := <-h.broadcast:
			h.deliver(msg)
		case <-ticker.C:
			h.ping()
		}
	}
}

func (h *ProgressHub) remove(c *hubClient) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	close(c.send)
	h.logger.WithField("connection_id", c.id).Debug("Websocket client disconnected")
}

func (h *ProgressHub) closeAll() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
}

func (h *ProgressHub) deliver(msg HubMessage) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	for _, c := range h.clients {
		if !c.wants(msg) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			h.logger.WithField("connection_id", c.id).Warn("Websocket client too slow, dropping message")
		}
	}
}

func (h *ProgressHub) ping() {
	h.mutex.RLock()
	clients := make([]*hubClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mutex.RUnlock()

	deadline := time.Now().Add(h.writeTimeout)
	for _, c := range clients {
		if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			h.logger.WithError(err).WithField("connection_id", c.id).Debug("Ping failed")
			h.remove(c)
		}
	}
}

// Broadcast queues a message for every interested client. It never blocks.
func (h *ProgressHub) Broadcast(msgType string, deviceID int, data interface{}) {
	msg := HubMessage{
		Type:      msgType,
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.WithField("type", msgType).Warn("Broadcast channel full, dropping message")
	}
}

// Progress forwards a sync progress update. It has the devsync.ProgressFunc
// signature.
func (h *ProgressHub) Progress(p devsync.Progress) {
	h.Broadcast(MessageProgress, p.DeviceID, p)
}

// Publish implements events.Publisher.
func (h *ProgressHub) Publish(_ context.Context, event *events.Event) error {
	h.Broadcast(event.Type, event.DeviceID, event)
	return nil
}

// Close implements events.Publisher.
func (h *ProgressHub) Close() error {
	h.Stop()
	return nil
}

// ConnectionCount returns the number of connected clients.
func (h *ProgressHub) ConnectionCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and attaches the client to the hub.
func (h *ProgressHub) ServeWS(w http.ResponseWriter, r *http.Request) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &hubClient{
		id:         uuid.NewString(),
		conn:       conn,
		send:       make(chan HubMessage, 64),
		remoteAddr: r.RemoteAddr,
	}

	conn.SetReadLimit(h.maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(h.pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongTimeout))
	})

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return nil
	}

	go h.writePump(c)
	go h.readPump(c)
	return nil
}

func (h *ProgressHub) writePump(c *hubClient) {
	defer c.conn.Close()

	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		if err := c.conn.WriteJSON(msg); err != nil {
			h.logger.WithError(err).WithField("connection_id", c.id).Debug("Websocket write failed")
			h.drop(c)
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readPump handles subscribe requests: {"type":"subscribe","device_id":3}.
// A device_id of 0 subscribes to every device.
func (h *ProgressHub) readPump(c *hubClient) {
	defer func() {
		h.drop(c)
		c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithError(err).WithField("connection_id", c.id).Debug("Websocket read failed")
			}
			return
		}

		var req struct {
			Type     string `json:"type"`
			DeviceID int    `json:"device_id"`
		}
		if err := json.Unmarshal(data, &req); err != nil || req.Type != "subscribe" {
			continue
		}
		c.mu.Lock()
		c.deviceID = req.DeviceID
		c.mu.Unlock()
		c.conn.SetReadDeadline(time.Now().Add(h.pongTimeout))
	}
}

func (h *ProgressHub) drop(c *hubClient) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
