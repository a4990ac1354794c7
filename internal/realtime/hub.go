// README: Connection groups keyed by user id, fanned out across instances through Redis pub/sub.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"rideflow/internal/types"
)

// Frame is the wire envelope for every server to client event.
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// fanout is what instances exchange over the Redis channel.
type fanout struct {
	Origin string          `json:"origin"`
	UserID types.ID        `json:"user_id"`
	Frame  json.RawMessage `json:"frame"`
}

// Conn is one websocket connection inside a user's group.
type Conn struct {
	ID     string
	UserID types.ID
	Role   string
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func newConn(userID types.ID, role string, ws *websocket.Conn, buffer int) *Conn {
	if buffer <= 0 {
		buffer = 1
	}
	return &Conn{
		ID:     uuid.NewString(),
		UserID: userID,
		Role:   role,
		ws:     ws,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

// enqueue drops the frame when the connection is slow or closed.
func (c *Conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Conn) close() {
	c.once.Do(func() { close(c.done) })
}

type Hub struct {
	mu       sync.RWMutex
	groups   map[types.ID]map[string]*Conn
	redis    *redis.Client
	channel  string
	instance string
	logger   *slog.Logger
}

// NewHub builds the registry. With a nil redis client delivery stays within this process.
func NewHub(redis *redis.Client, channel string, logger *slog.Logger) *Hub {
	return &Hub{
		groups:   make(map[types.ID]map[string]*Conn),
		redis:    redis,
		channel:  channel,
		instance: uuid.NewString(),
		logger:   logger,
	}
}

func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	group, ok := h.groups[c.UserID]
	if !ok {
		group = make(map[string]*Conn)
		h.groups[c.UserID] = group
	}
	group[c.ID] = c
	h.logger.Debug("ws registered", "user_id", c.UserID, "conn_id", c.ID, "group_size", len(group))
}

func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if group, ok := h.groups[c.UserID]; ok {
		delete(group, c.ID)
		if len(group) == 0 {
			delete(h.groups, c.UserID)
		}
	}
	c.close()
	h.logger.Debug("ws removed", "user_id", c.UserID, "conn_id", c.ID)
}

// Connected returns how many local connections the user has.
func (h *Hub) Connected(userID types.ID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[userID])
}

// Send delivers the event to every connection of userID, at most once and best effort.
func (h *Hub) Send(ctx context.Context, userID types.ID, event string, payload any) {
	frame, err := json.Marshal(Frame{Type: event, Data: payload})
	if err != nil {
		h.logger.ErrorContext(ctx, "encode realtime frame failed", "event", event, "error", err)
		return
	}
	h.deliverLocal(userID, frame)
	if h.redis == nil {
		return
	}
	msg, err := json.Marshal(fanout{Origin: h.instance, UserID: userID, Frame: frame})
	if err != nil {
		return
	}
	if err := h.redis.Publish(ctx, h.channel, msg).Err(); err != nil {
		h.logger.WarnContext(ctx, "realtime fan-out publish failed", "event", event, "user_id", userID, "error", err)
	}
}

// Run relays frames published by other instances to local connections until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	if h.redis == nil {
		return
	}
	sub := h.redis.Subscribe(ctx, h.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.handleFanout([]byte(msg.Payload))
		}
	}
}

func (h *Hub) handleFanout(payload []byte) {
	var f fanout
	if err := json.Unmarshal(payload, &f); err != nil {
		h.logger.Warn("bad realtime fan-out message", "error", err)
		return
	}
	if f.Origin == h.instance {
		return
	}
	h.deliverLocal(f.UserID, f.Frame)
}

func (h *Hub) deliverLocal(userID types.ID, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.groups[userID] {
		if !c.enqueue(frame) {
			h.logger.Warn("realtime frame dropped", "user_id", userID, "conn_id", c.ID)
		}
	}
}
