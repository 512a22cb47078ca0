// Package hub implements the server side of the group-messaging hub: the
// connection table, the group membership registry, the inbound event router
// and the HTTP surface (negotiation, websocket upgrade, webhook callbacks).
package hub

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"jobrelay/internal/platform/token"
	"jobrelay/internal/protocol"
)

// Disconnect reason codes reported to the router and to clients.
const (
	ReasonNormalClose    = "normal close"
	ReasonTransportError = "transport error"
	ReasonShutdown       = "server shutdown"
)

// sendBuffer bounds the per-connection outbound queue. A full queue means a
// slow reader; frames to it are dropped (delivery is best-effort).
const sendBuffer = 32

// connection is one live websocket client with its validated grant.
type connection struct {
	id     string
	userID string
	grant  token.Grant

	sock *websocket.Conn

	// sendMu guards send and closed. A fan-out may hold a *connection
	// snapshot while the connection disconnects; enqueue and closeSend
	// serialize on this mutex so a frame can never hit a closed channel.
	sendMu sync.Mutex
	// send is drained by the connection's single writer goroutine.
	send   chan []byte
	closed bool
}

// enqueue hands a frame to the connection's writer without blocking.
// Frames for a closed or slow connection are dropped.
func (c *connection) enqueue(frame []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		slog.Warn("Dropping frame for slow connection", "connectionId", c.id, "userId", c.userID)
		return false
	}
}

// closeSend marks the connection closed and releases its writer. Idempotent.
func (c *connection) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub maintains the set of active connections and routes frames between
// them. Fan-out to a group consults the Registry; point-to-point delivery
// consults the per-user index.
type Hub struct {
	registry *Registry

	mu     sync.RWMutex
	conns  map[string]*connection
	byUser map[string]map[string]*connection
}

// NewHub creates an empty hub with its own membership registry.
func NewHub() *Hub {
	return &Hub{
		registry: NewRegistry(),
		conns:    make(map[string]*connection),
		byUser:   make(map[string]map[string]*connection),
	}
}

// Registry exposes the hub's group membership table.
func (h *Hub) Registry() *Registry { return h.registry }

// register adds a connection to the routing tables.
func (h *Hub) register(c *connection) {
	h.mu.Lock()
	h.conns[c.id] = c
	if h.byUser[c.userID] == nil {
		h.byUser[c.userID] = make(map[string]*connection)
	}
	h.byUser[c.userID][c.id] = c
	h.mu.Unlock()
	slog.Info("Connection registered", "connectionId", c.id, "userId", c.userID)
}

// unregister removes a connection from the routing tables and clears its
// group memberships. Idempotent.
func (h *Hub) unregister(c *connection) {
	h.mu.Lock()
	if _, ok := h.conns[c.id]; ok {
		delete(h.conns, c.id)
		if set := h.byUser[c.userID]; set != nil {
			delete(set, c.id)
			if len(set) == 0 {
				delete(h.byUser, c.userID)
			}
		}
	}
	h.mu.Unlock()

	h.registry.RemoveConnection(c.id)
	c.closeSend()
}

// connByID returns the connection with the given id.
func (h *Hub) connByID(id string) (*connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

// sendToUser delivers a frame to every connection of userID and returns how
// many connections it was queued for.
func (h *Hub) sendToUser(userID string, frame []byte) int {
	h.mu.RLock()
	targets := make([]*connection, 0, len(h.byUser[userID]))
	for _, c := range h.byUser[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	n := 0
	for _, c := range targets {
		if c.enqueue(frame) {
			n++
		}
	}
	return n
}

// fanOutToGroup relays a frame to every member of groupName, excluding
// senderID when noEcho is set. Delivery per recipient is fire-and-forget.
func (h *Hub) fanOutToGroup(groupName, senderID string, noEcho bool, frame []byte) int {
	n := 0
	for _, id := range h.registry.MembersOf(groupName) {
		if noEcho && id == senderID {
			continue
		}
		if c, ok := h.connByID(id); ok {
			if c.enqueue(frame) {
				n++
			}
		}
	}
	return n
}

// closeAll disconnects every connection, notifying each with a shutdown
// notice first. Used on graceful server stop.
func (h *Hub) closeAll() {
	h.mu.RLock()
	conns := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	notice := protocol.EncodeSystemDisconnected(ReasonShutdown)
	for _, c := range conns {
		c.enqueue(notice)
		h.unregister(c)
	}
}
