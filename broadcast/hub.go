package broadcast

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// Hub is the process local room registry. Publishing is serialized so every
// subscriber sees a room's events in publish order.
type Hub struct {
	log *log.Logger

	mu    sync.Mutex
	rooms map[domain.Room]map[*Conn]struct{}
	conns map[string]*Conn
}

func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{
		log:   logger,
		rooms: make(map[domain.Room]map[*Conn]struct{}),
		conns: make(map[string]*Conn),
	}
}

// Register makes a connection addressable by id.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()
}

// Unregister removes a connection from every room and from the registry.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	h.dropLocked(c)
	h.mu.Unlock()
}

// Conn looks up a registered connection.
func (h *Hub) Conn(id string) (*Conn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[id]
	return c, ok
}

// Join adds an authenticated connection to a room.
func (h *Hub) Join(room domain.Room, c *Conn) error {
	if !room.Valid() {
		return domain.ErrInvalidItem
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := c.join(room); err != nil {
		return err
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Conn]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	return nil
}

// Leave removes a connection from a room.
func (h *Hub) Leave(room domain.Room, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.leave(room)
	h.leaveLocked(room, c)
}

func (h *Hub) leaveLocked(room domain.Room, c *Conn) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

func (h *Hub) dropLocked(c *Conn) {
	for room, members := range h.rooms {
		if _, ok := members[c]; ok {
			h.leaveLocked(room, c)
		}
	}
	if cur, ok := h.conns[c.ID]; ok && cur == c {
		delete(h.conns, c.ID)
	}
}

// Members returns the number of connections joined to a room.
func (h *Hub) Members(room domain.Room) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[room])
}

// DisconnectAll closes every connection the hub knows of and returns how many
// were closed. Clients reconnect and refetch, the same recovery a slow
// subscriber gets.
func (h *Hub) DisconnectAll() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	all := make(map[*Conn]struct{}, len(h.conns))
	for _, c := range h.conns {
		all[c] = struct{}{}
	}
	for _, members := range h.rooms {
		for c := range members {
			all[c] = struct{}{}
		}
	}
	for c := range all {
		h.dropLocked(c)
		c.Close()
	}
	return len(all)
}

// Publish delivers ev to every connection joined to room at this moment. It
// never blocks: a subscriber that cannot keep up is disconnected.
func (h *Hub) Publish(_ context.Context, room domain.Room, ev domain.ChangeEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var slow []*Conn
	for c := range h.rooms[room] {
		if !c.offer(ev) {
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		h.dropLocked(c)
		c.Close()
		h.log.WithFields(log.Fields{"conn_id": c.ID, "room": room}).Warn("evicted slow subscriber")
	}
	return nil
}

var _ domain.Publisher = (*Hub)(nil)
