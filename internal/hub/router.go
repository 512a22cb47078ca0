package hub

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"jobrelay/internal/protocol"
)

// ConnectRequest is what the router sees before a handshake completes.
type ConnectRequest struct {
	UserID     string
	Groups     []string
	RemoteAddr string
}

// Router is the central dispatch point all inbound client events pass
// through. Every method is safe for concurrent use; a failure while handling
// one event only ever produces a diagnostic response to that sender.
type Router struct {
	hub *Hub
}

// NewRouter returns a router dispatching into h.
func NewRouter(h *Hub) *Router {
	return &Router{hub: h}
}

// OnConnect is called before the transport handshake completes. It may
// reject the connection or override the requested groups; the default
// accepts the groups named by the grant.
func (rt *Router) OnConnect(req ConnectRequest) ([]string, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("connect rejected: empty user id")
	}
	slog.Info("OnConnect", "userId", req.UserID, "groups", req.Groups, "remoteAddr", req.RemoteAddr)
	return req.Groups, nil
}

// OnConnected fires once a connection is fully established. Side-effect
// only; it cannot fail the connection.
func (rt *Router) OnConnected(connectionID, userID string) {
	slog.Info("OnConnected", "connectionId", connectionID, "userId", userID)
}

// OnDisconnected fires on transport teardown with a reason code and removes
// the connection's memberships.
func (rt *Router) OnDisconnected(connectionID, userID, reason string) {
	slog.Info("OnDisconnected", "connectionId", connectionID, "userId", userID, "reason", reason)
	rt.hub.registry.RemoveConnection(connectionID)
}

// HandleUplink dispatches one decoded client frame. It never returns an
// error: every failure mode is answered on the wire (nack or diagnostic
// message) so the read loop keeps going.
func (rt *Router) HandleUplink(c *connection, up protocol.Uplink) {
	switch up.Type {
	case protocol.TypeJoinGroup:
		rt.handleJoin(c, up)
	case protocol.TypeLeaveGroup:
		rt.handleLeave(c, up)
	case protocol.TypeSendToGroup:
		rt.handleSendToGroup(c, up)
	case protocol.TypeEvent:
		rt.handleEvent(c, up)
	default:
		slog.Warn("Unknown uplink frame", "connectionId", c.id, "type", up.Type)
		rt.nack(c, up.AckID, protocol.ErrNameInvalidFrame, fmt.Sprintf("unknown frame type %q", up.Type))
	}
}

func (rt *Router) handleJoin(c *connection, up protocol.Uplink) {
	if !c.grant.AllowsJoin(up.Group) {
		slog.Warn("Join rejected", "connectionId", c.id, "userId", c.userID, "group", up.Group)
		rt.nack(c, up.AckID, protocol.ErrNameForbidden, fmt.Sprintf("grant does not cover group %q", up.Group))
		return
	}
	rt.hub.registry.Join(c.id, up.Group)
	rt.ack(c, up.AckID)
}

func (rt *Router) handleLeave(c *connection, up protocol.Uplink) {
	if !c.grant.AllowsJoin(up.Group) {
		rt.nack(c, up.AckID, protocol.ErrNameForbidden, fmt.Sprintf("grant does not cover group %q", up.Group))
		return
	}
	rt.hub.registry.Leave(c.id, up.Group)
	rt.ack(c, up.AckID)
}

func (rt *Router) handleSendToGroup(c *connection, up protocol.Uplink) {
	if !c.grant.AllowsSend(up.Group) {
		slog.Warn("Group send rejected", "connectionId", c.id, "userId", c.userID, "group", up.Group)
		rt.nack(c, up.AckID, protocol.ErrNameForbidden, fmt.Sprintf("grant does not cover group %q", up.Group))
		return
	}
	frame := protocol.EncodeGroupMessage(up.Group, c.userID, up.DataType, up.Data)
	n := rt.hub.fanOutToGroup(up.Group, c.id, up.NoEcho, frame)
	slog.Debug("Group send relayed", "group", up.Group, "fromUserId", c.userID, "recipients", n)
	rt.ack(c, up.AckID)
}

// userEventPayload is the structured shape the default event handler probes
// for: a target user and a message body to relay point-to-point.
type userEventPayload struct {
	UserID  string `json:"userId"`
	Message string `json:"message"`
}

func (rt *Router) handleEvent(c *connection, up protocol.Uplink) {
	response := rt.userEventResponse(c.userID, up)
	rt.ack(c, up.AckID)
	c.enqueue(response)
}

// userEventResponse runs the default user-event handler and returns the
// response frame for the sender. It recovers from handler panics so one bad
// event can never terminate the router or affect other connections.
func (rt *Router) userEventResponse(userID string, up protocol.Uplink) (frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("User event handler panicked", "userId", userID, "event", up.Event, "panic", r)
			frame = protocol.EncodeServerText(fmt.Sprintf("Hello user %s from server. Something went wrong: %v", userID, r))
		}
	}()

	if up.DataType != protocol.DataTypeJSON {
		var data string
		if err := json.Unmarshal(up.Data, &data); err != nil {
			data = string(up.Data)
		}
		slog.Info("OnUserEvent text", "event", up.Event, "userId", userID, "message", data)
		return protocol.EncodeServerText(fmt.Sprintf("Hello user %s from server. Got your event %s with data %s", userID, up.Event, data))
	}

	slog.Info("OnUserEvent json", "event", up.Event, "userId", userID)
	var payload userEventPayload
	if err := json.Unmarshal(up.Data, &payload); err != nil || payload.UserID == "" || payload.Message == "" {
		return protocol.EncodeServerText(fmt.Sprintf("Hello user %s from server. Something went wrong: payload is missing userId or message", userID))
	}

	relay := protocol.EncodeServerText(fmt.Sprintf("Message from user %s: %s", userID, payload.Message))
	delivered := rt.hub.sendToUser(payload.UserID, relay)
	requestID := uuid.New().String()
	status := "Delivered"
	if delivered == 0 {
		status = "NoRecipients"
	}
	slog.Info("Relayed user event", "toUserId", payload.UserID, "connections", delivered, "requestId", requestID)
	return protocol.EncodeServerText(fmt.Sprintf("Hello user %s from server. Your message was sent to user %s with status %s requestId: %s", userID, payload.UserID, status, requestID))
}

func (rt *Router) ack(c *connection, ackID uint64) {
	if ackID == 0 {
		return
	}
	c.enqueue(protocol.EncodeAck(ackID, true, nil))
}

func (rt *Router) nack(c *connection, ackID uint64, name, message string) {
	if ackID == 0 {
		return
	}
	c.enqueue(protocol.EncodeAck(ackID, false, &protocol.AckError{Name: name, Message: message}))
}
