package channel

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Hub tracks authenticated connections, their device and user rooms, and named broadcast
// channels. Every send is non-blocking; a connection that cannot take a message is skipped.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]*Conn
	rooms    map[string]map[string]*Conn
	channels map[string]map[string]*Conn
	logger   *zap.Logger
	nowF     func() time.Time
}

// NewHub returns an empty Hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		conns:    make(map[string]*Conn),
		rooms:    make(map[string]map[string]*Conn),
		channels: make(map[string]map[string]*Conn),
		logger:   logger,
		nowF:     time.Now,
	}
}

func deviceRoom(id string) string { return "device:" + id }
func userRoom(id string) string   { return "user:" + id }

func add(set map[string]map[string]*Conn, key string, c *Conn) {
	m, ok := set[key]
	if !ok {
		m = make(map[string]*Conn)
		set[key] = m
	}
	m[c.id] = c
}

func remove(set map[string]map[string]*Conn, key string, c *Conn) {
	if m, ok := set[key]; ok {
		delete(m, c.id)
		if len(m) == 0 {
			delete(set, key)
		}
	}
}

// join registers c and places it in its device and user rooms.
func (h *Hub) join(c *Conn, deviceID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
	add(h.rooms, deviceRoom(deviceID), c)
	add(h.rooms, userRoom(userID), c)
}

// leave removes c from every room and channel.
func (h *Hub) leave(c *Conn, deviceID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c.id)
	remove(h.rooms, deviceRoom(deviceID), c)
	remove(h.rooms, userRoom(userID), c)
	for _, id := range c.channelIDs() {
		remove(h.channels, id, c)
	}
}

func (h *Hub) subscribe(c *Conn, channelID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.id]; !ok {
		return
	}
	add(h.channels, channelID, c)
}

func (h *Hub) unsubscribe(c *Conn, channelID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	remove(h.channels, channelID, c)
}

func snapshot(m map[string]*Conn) []*Conn {
	out := make([]*Conn, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}

func (h *Hub) deliver(targets []*Conn, scope, msgType string, data any) int {
	if len(targets) == 0 {
		return 0
	}
	payload, err := json.Marshal(Outbound{Type: msgType, Timestamp: h.nowF().UTC(), Data: data})
	if err != nil {
		h.logger.Error("hub: marshal broadcast", zap.String("type", msgType), zap.Error(err))
		return 0
	}
	delivered := 0
	for _, c := range targets {
		if c.enqueue(frame{payload: payload}) {
			delivered++
			continue
		}
		h.logger.Warn("hub: dropped broadcast for connection",
			zap.String("conn_id", c.id), zap.String("scope", scope), zap.String("type", msgType))
	}
	return delivered
}

// BroadcastAll sends to every authenticated connection and returns how many accepted it.
func (h *Hub) BroadcastAll(msgType string, data any) int {
	h.mu.RLock()
	targets := snapshot(h.conns)
	h.mu.RUnlock()
	return h.deliver(targets, "all", msgType, data)
}

// ToChannel sends to the subscribers of channelID.
func (h *Hub) ToChannel(channelID, msgType string, data any) int {
	h.mu.RLock()
	targets := snapshot(h.channels[channelID])
	h.mu.RUnlock()
	return h.deliver(targets, channelID, msgType, data)
}

// ToDevice sends to the connections of one device.
func (h *Hub) ToDevice(deviceID, msgType string, data any) int {
	room := deviceRoom(deviceID)
	h.mu.RLock()
	targets := snapshot(h.rooms[room])
	h.mu.RUnlock()
	return h.deliver(targets, room, msgType, data)
}

// ToUser sends to every connection of one user.
func (h *Hub) ToUser(userID, msgType string, data any) int {
	room := userRoom(userID)
	h.mu.RLock()
	targets := snapshot(h.rooms[room])
	h.mu.RUnlock()
	return h.deliver(targets, room, msgType, data)
}

// ToConnection sends to one connection.
func (h *Hub) ToConnection(connID, msgType string, data any) bool {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return h.deliver([]*Conn{c}, "conn:"+connID, msgType, data) == 1
}

// Count returns the number of authenticated connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// ChannelSize returns the number of subscribers of channelID.
func (h *Hub) ChannelSize(channelID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channelID])
}

// CloseAll closes every authenticated connection and returns how many there were.
func (h *Hub) CloseAll() int {
	h.mu.RLock()
	targets := snapshot(h.conns)
	h.mu.RUnlock()
	for _, c := range targets {
		c.close()
	}
	return len(targets)
}

// ExpireDevice sends sessionExpired to every connection of deviceID and closes them.
func (h *Hub) ExpireDevice(deviceID, reason string) int {
	h.mu.RLock()
	targets := snapshot(h.rooms[deviceRoom(deviceID)])
	h.mu.RUnlock()
	return h.expire(targets, reason)
}

// ExpireSession closes the connections authenticated with sessionToken.
func (h *Hub) ExpireSession(sessionToken, reason string) int {
	if sessionToken == "" {
		return 0
	}
	h.mu.RLock()
	var targets []*Conn
	for _, c := range h.conns {
		if p, ok := c.current(); ok && p.SessionToken == sessionToken {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	return h.expire(targets, reason)
}

// ExpireSuperseded closes the connections of deviceID that run on a session other than
// currentSessionID.
func (h *Hub) ExpireSuperseded(deviceID, currentSessionID, reason string) int {
	h.mu.RLock()
	var targets []*Conn
	for _, c := range h.rooms[deviceRoom(deviceID)] {
		if p, ok := c.current(); ok && p.Session != nil && p.Session.ID != currentSessionID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	return h.expire(targets, reason)
}

// expire notifies and closes targets and drops them from every room and channel right away, so
// no broadcast reaches them while their read loops wind down.
func (h *Hub) expire(targets []*Conn, reason string) int {
	for _, c := range targets {
		c.terminate(MsgSessionExpired, map[string]string{"reason": reason, "message": reason})
		h.evict(c)
	}
	return len(targets)
}

// evict removes c from the hub. It is safe to call again from the disconnect path.
func (h *Hub) evict(c *Conn) {
	p, ok := c.current()
	if !ok || p.Device == nil || p.Session == nil {
		h.mu.Lock()
		delete(h.conns, c.id)
		h.mu.Unlock()
		return
	}
	h.leave(c, p.Device.ID, p.Session.UserID)
}
