package server

import (
	"sync"

	"nodebbs/protocol"

	"github.com/rs/zerolog"
)

// sendBuffer is the per-connection outbound queue length.
const sendBuffer = 256

type client struct {
	id     string
	send   chan string
	closed bool
}

// Hub owns the outbound queue of every connection and the broadcast groups.
// It implements bbs.Transport: no method blocks, a connection whose queue
// is full is closed instead.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*client
	groups  map[string]map[string]struct{}
	log     zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*client),
		groups:  make(map[string]map[string]struct{}),
		log:     logger.With().Str("component", "hub").Logger(),
	}
}

// register adds a connection and returns the queue its writer drains.
func (h *Hub) register(id string) <-chan string {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := &client{id: id, send: make(chan string, sendBuffer)}
	h.clients[id] = c
	return c.send
}

// unregister forgets the connection, closing its queue if still open.
func (h *Hub) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[id]
	if !ok {
		return
	}
	h.shut(c)
	delete(h.clients, id)
	for name, members := range h.groups {
		delete(members, id)
		if len(members) == 0 {
			delete(h.groups, name)
		}
	}
}

// shut closes the queue once. Callers hold h.mu.
func (h *Hub) shut(c *client) {
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// enqueue hands line to c without blocking. Callers hold h.mu.
func (h *Hub) enqueue(c *client, line string) {
	if c.closed {
		return
	}
	select {
	case c.send <- line:
	default:
		// Очередь переполнена: клиент не читает, отключаем его
		h.log.Warn().Str("conn", c.id).Msg("send queue full, closing connection")
		h.shut(c)
	}
}

func (h *Hub) Send(connID, pktType string, fields ...string) {
	line := protocol.Format(pktType, fields...)

	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.clients[connID]; ok {
		h.enqueue(c, line)
	}
}

// Broadcast sends one packet to every member of group. All members see
// broadcasts in the same order because they are enqueued under one lock.
func (h *Hub) Broadcast(group, pktType string, fields ...string) {
	line := protocol.Format(pktType, fields...)

	h.mu.Lock()
	defer h.mu.Unlock()

	for id := range h.groups[group] {
		if c, ok := h.clients[id]; ok {
			h.enqueue(c, line)
		}
	}
}

func (h *Hub) Join(group, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[connID]; !ok {
		return
	}
	members, ok := h.groups[group]
	if !ok {
		members = make(map[string]struct{})
		h.groups[group] = members
	}
	members[connID] = struct{}{}
}

func (h *Hub) Leave(group, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.groups[group]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(h.groups, group)
	}
}

// Close stops accepting output for connID. The writer flushes what is
// already queued and then closes the connection.
func (h *Hub) Close(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.clients[connID]; ok {
		h.shut(c)
	}
}

func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) GroupCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.groups)
}
