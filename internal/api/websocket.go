package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MessageType defines WebSocket message types.
type MessageType string

const (
	// Server -> Client messages
	MsgTypeJobQueued    MessageType = "job_queued"
	MsgTypeJobStarted   MessageType = "job_started"
	MsgTypeJobProgress  MessageType = "job_progress"
	MsgTypeJobCompleted MessageType = "job_completed"
	MsgTypeJobFailed    MessageType = "job_failed"
	MsgTypeSubscribed   MessageType = "subscribed"
	MsgTypeUnsubscribed MessageType = "unsubscribed"
	MsgTypePong         MessageType = "pong"
	MsgTypeError        MessageType = "error"
	MsgTypeHeartbeat    MessageType = "heartbeat"

	// Client -> Server messages
	MsgTypeSubscribe   MessageType = "subscribe"
	MsgTypeUnsubscribe MessageType = "unsubscribe"
	MsgTypePing        MessageType = "ping"
)

// ChannelJobs carries events for every job; ChannelJobs+":"+id for one job.
const ChannelJobs = "jobs"

// JobChannel returns the channel carrying events for job id.
func JobChannel(id string) string {
	return ChannelJobs + ":" + id
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	heartbeatEvery = 30 * time.Second
	maxMessageSize = 65536
)

// WSMessage is a WebSocket message.
type WSMessage struct {
	Type      MessageType     `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Client is a WebSocket client connection.
type Client struct {
	id            string
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]bool
}

// Hub tracks connected clients and their channel subscriptions.
type Hub struct {
	logger   *zap.Logger
	mu       sync.RWMutex
	clients  map[*Client]bool
	channels map[string]map[*Client]bool
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:   logger.Named("hub"),
		clients:  make(map[*Client]bool),
		channels: make(map[string]map[*Client]bool),
	}
}

// Run sends heartbeats until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Broadcast(MsgTypeHeartbeat, nil)
		}
	}
}

// NewClient creates a client and registers it with the hub.
func (h *Hub) NewClient(id string, conn *websocket.Conn) *Client {
	c := &Client{
		id:            id,
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
	}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	h.logger.Debug("Client registered", zap.String("id", id))
	return c
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(c)
}

// remove drops c from every channel and closes its send queue. Caller holds mu.
func (h *Hub) remove(c *Client) {
	if !h.clients[c] {
		return
	}
	delete(h.clients, c)
	close(c.send)
	for channel := range c.subscriptions {
		if clients, ok := h.channels[channel]; ok {
			delete(clients, c)
			if len(clients) == 0 {
				delete(h.channels, channel)
			}
		}
	}
	h.logger.Debug("Client unregistered", zap.String("id", c.id))
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.remove(c)
	}
}

// Subscribe subscribes a client to a channel.
func (h *Hub) Subscribe(c *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[c] {
		return
	}
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*Client]bool)
	}
	h.channels[channel][c] = true
	c.subscriptions[channel] = true

	h.logger.Debug("Client subscribed to channel",
		zap.String("client", c.id),
		zap.String("channel", channel))
}

// Unsubscribe unsubscribes a client from a channel.
func (h *Hub) Unsubscribe(c *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.channels[channel]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.channels, channel)
		}
	}
	delete(c.subscriptions, channel)
}

// PublishToChannel publishes a message to a channel's subscribers. Clients
// whose queue is full miss the message.
func (h *Hub) PublishToChannel(channel string, msgType MessageType, data interface{}) {
	msg, ok := h.encode(msgType, channel, data)
	if !ok {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.channels[channel] {
		select {
		case c.send <- msg:
		default:
		}
	}
}

// Broadcast sends a message to all clients.
func (h *Hub) Broadcast(msgType MessageType, data interface{}) {
	msg, ok := h.encode(msgType, "", data)
	if !ok {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}

// PublishJob sends a job event to the all-jobs channel and the job's own channel.
func (h *Hub) PublishJob(msgType MessageType, job Job) {
	h.PublishToChannel(ChannelJobs, msgType, job)
	h.PublishToChannel(JobChannel(job.ID), msgType, job)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) reply(c *Client, msgType MessageType, channel string, data interface{}) {
	msg, ok := h.encode(msgType, channel, data)
	if !ok {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[c] {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (h *Hub) encode(msgType MessageType, channel string, data interface{}) ([]byte, bool) {
	msg := WSMessage{
		Type:      msgType,
		Channel:   channel,
		Timestamp: time.Now().UnixMilli(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			h.logger.Error("Failed to marshal message data", zap.Error(err))
			return nil, false
		}
		msg.Data = raw
	}
	out, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal message", zap.Error(err))
		return nil, false
	}
	return out, true
}

// ReadPump handles client requests until the connection fails.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.logger.Warn("Invalid WebSocket message", zap.Error(err))
			c.hub.reply(c, MsgTypeError, "", map[string]string{"error": "invalid message"})
			continue
		}

		switch msg.Type {
		case MsgTypeSubscribe:
			c.hub.Subscribe(c, msg.Channel)
			c.hub.reply(c, MsgTypeSubscribed, msg.Channel, nil)
		case MsgTypeUnsubscribe:
			c.hub.Unsubscribe(c, msg.Channel)
			c.hub.reply(c, MsgTypeUnsubscribed, msg.Channel, nil)
		case MsgTypePing:
			c.hub.reply(c, MsgTypePong, "", nil)
		default:
			c.hub.reply(c, MsgTypeError, msg.Channel, map[string]string{"error": "unknown message type " + string(msg.Type)})
		}
	}
}

// WritePump writes queued messages, one per frame, and pings the peer.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
