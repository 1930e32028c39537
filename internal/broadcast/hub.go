package broadcast

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breeze-home/sync-server/internal/logger"
	"github.com/breeze-home/sync-server/internal/metrics"
	"github.com/breeze-home/sync-server/pkg/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second

	maxInboundSize = 1024 // viewers only send small control events
)

// StatusFunc looks up the current activity status of a device so it can be
// delivered to a viewer immediately on subscribe.
type StatusFunc func(deviceID string) (active bool, info *types.DeviceInfo)

// Hub maps device ids to rooms of subscribed viewer connections and
// forwards every synced frame to the room. Delivery is fire-and-forget: a
// slow viewer skips frames, a failed viewer is logged and dropped, other
// viewers are unaffected.
type Hub struct {
	queueSize int
	statusFn  StatusFunc
	m         *metrics.Metrics
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	rooms   map[string]map[*client]struct{}
	clients map[*client]struct{}
	nextID  int
	closed  bool
}

type client struct {
	id   int
	conn *websocket.Conn
	send chan []byte

	mu   sync.Mutex
	subs map[string]struct{}
}

// NewHub creates a hub. statusFn may be nil when no device registry is
// attached (status events are then skipped on subscribe).
func NewHub(queueSize int, statusFn StatusFunc, m *metrics.Metrics) *Hub {
	if queueSize <= 0 {
		queueSize = 8
	}
	return &Hub{
		queueSize: queueSize,
		statusFn:  statusFn,
		m:         m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		rooms:   make(map[string]map[*client]struct{}),
		clients: make(map[*client]struct{}),
	}
}

// inboundEvent is what viewers send: a subscription change for one device.
type inboundEvent struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
}

type statusEvent struct {
	Type     string            `json:"type"`
	DeviceID string            `json:"deviceId"`
	Active   bool              `json:"active"`
	Device   *types.DeviceInfo `json:"device,omitempty"`
}

type frameEvent struct {
	Type      string     `json:"type"`
	DeviceID  string     `json:"deviceId"`
	Timestamp int64      `json:"timestamp"`
	HasAudio  bool       `json:"hasAudio"`
	HasVideo  bool       `json:"hasVideo"`
	Audio     *wireAudio `json:"audio,omitempty"`
	Video     *wireVideo `json:"video,omitempty"`
}

// wireAudio carries only what playback needs, not the internal packet.
type wireAudio struct {
	Data          []byte `json:"data"` // base64 on the wire
	SampleRate    int    `json:"sampleRate"`
	Channels      int    `json:"channels"`
	BitsPerSample int    `json:"bitsPerSample"`
	Format        string `json:"format"`
}

type wireVideo struct {
	Data   []byte `json:"data"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
}

// ServeWS upgrades an HTTP request to a viewer connection and runs its
// read loop until the viewer disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Broadcast", "Websocket upgrade failed: %v", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, h.queueSize),
		subs: make(map[string]struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.nextID++
	c.id = h.nextID
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()

	if h.m != nil {
		h.m.TotalViewers.Add(1)
		h.m.ActiveViewers.Store(uint64(total))
	}
	logger.Debug("Broadcast", "Viewer #%d connected (total: %d)", c.id, total)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer h.removeClient(c)

	c.conn.SetReadLimit(maxInboundSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var ev inboundEvent
		if err := c.conn.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("Broadcast", "Viewer #%d read error: %v", c.id, err)
			}
			return
		}

		switch ev.Type {
		case "subscribe", "subscribeToDevice":
			if ev.DeviceID != "" {
				h.subscribe(c, ev.DeviceID)
			}
		case "unsubscribe", "unsubscribeFromDevice":
			if ev.DeviceID != "" {
				h.unsubscribe(c, ev.DeviceID)
			}
		default:
			logger.Debug("Broadcast", "Viewer #%d sent unknown event %q", c.id, ev.Type)
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// subscribe joins a viewer to a device room and immediately delivers the
// device's current status when known.
func (h *Hub) subscribe(c *client, deviceID string) {
	h.mu.Lock()
	room, ok := h.rooms[deviceID]
	if !ok {
		room = make(map[*client]struct{})
		h.rooms[deviceID] = room
	}
	room[c] = struct{}{}
	h.mu.Unlock()

	c.mu.Lock()
	c.subs[deviceID] = struct{}{}
	c.mu.Unlock()

	logger.Debug("Broadcast", "Viewer #%d subscribed to %s", c.id, deviceID)

	if h.statusFn != nil {
		active, info := h.statusFn(deviceID)
		data, err := json.Marshal(statusEvent{
			Type:     "deviceStatus",
			DeviceID: deviceID,
			Active:   active,
			Device:   info,
		})
		if err != nil {
			return
		}
		h.trySend(c, data)
	}
}

func (h *Hub) unsubscribe(c *client, deviceID string) {
	h.mu.Lock()
	if room, ok := h.rooms[deviceID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, deviceID)
		}
	}
	h.mu.Unlock()

	c.mu.Lock()
	delete(c.subs, deviceID)
	c.mu.Unlock()

	logger.Debug("Broadcast", "Viewer #%d unsubscribed from %s", c.id, deviceID)
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	c.mu.Lock()
	for deviceID := range c.subs {
		if room, ok := h.rooms[deviceID]; ok {
			delete(room, c)
			if len(room) == 0 {
				delete(h.rooms, deviceID)
			}
		}
	}
	c.mu.Unlock()
	close(c.send)
	total := len(h.clients)
	h.mu.Unlock()

	c.conn.Close()
	if h.m != nil {
		h.m.ActiveViewers.Store(uint64(total))
	}
	logger.Debug("Broadcast", "Viewer #%d disconnected (remaining: %d)", c.id, total)
}

// BroadcastFrame projects a synced frame into its wire form and delivers
// it to every viewer in the device's room. Serialized once per frame.
func (h *Hub) BroadcastFrame(frame types.SyncedFrame) {
	ev := frameEvent{
		Type:      "syncedFrame",
		DeviceID:  frame.DeviceID,
		Timestamp: frame.Timestamp,
		HasAudio:  frame.Audio != nil,
		HasVideo:  frame.Video != nil,
	}
	if frame.Audio != nil {
		ev.Audio = &wireAudio{
			Data:          frame.Audio.Payload,
			SampleRate:    frame.Audio.SampleRate,
			Channels:      frame.Audio.Channels,
			BitsPerSample: frame.Audio.BitsPerSample,
			Format:        frame.Audio.Format,
		}
	}
	if frame.Video != nil {
		ev.Video = &wireVideo{
			Data:   frame.Video.Payload,
			Width:  frame.Video.Width,
			Height: frame.Video.Height,
			Format: frame.Video.Format,
		}
	}

	data, err := json.Marshal(ev)
	if err != nil {
		logger.Error("Broadcast", "Frame marshal error: %v", err)
		return
	}
	h.broadcastToRoom(frame.DeviceID, data)
	if h.m != nil {
		h.m.FramesBroadcast.Add(1)
	}
}

// BroadcastStatus notifies a device's room of an activity change.
func (h *Hub) BroadcastStatus(deviceID string, active bool, info *types.DeviceInfo) {
	data, err := json.Marshal(statusEvent{
		Type:     "deviceStatus",
		DeviceID: deviceID,
		Active:   active,
		Device:   info,
	})
	if err != nil {
		logger.Error("Broadcast", "Status marshal error: %v", err)
		return
	}
	h.broadcastToRoom(deviceID, data)
}

func (h *Hub) broadcastToRoom(deviceID string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.rooms[deviceID] {
		h.trySendLocked(c, data)
	}
}

func (h *Hub) trySend(c *client, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trySendLocked(c, data)
}

func (h *Hub) trySendLocked(c *client, data []byte) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		// Viewer too slow, skip this frame for this viewer
		if h.m != nil {
			h.m.FramesSkipped.Add(1)
		}
	}
}

// RoomSize reports the number of viewers subscribed to a device.
func (h *Hub) RoomSize(deviceID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[deviceID])
}

// Close disconnects every viewer and rejects new connections.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.removeClient(c)
	}
	logger.Info("Broadcast", "Hub closed (%d viewer(s) disconnected)", len(clients))
}
