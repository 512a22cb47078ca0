// Package protocol defines the JSON frames exchanged between the hub and its
// clients over a single websocket. Uplink frames flow client to hub and are
// discriminated by the "type" field; downlink frames flow hub to client and
// are decoded once at the boundary into a tagged union of known shapes.
// Anything unrecognized becomes an Unknown value instead of an error so a
// malformed frame can never take down a dispatch loop.
package protocol

import (
	"encoding/json"
	"fmt"

	"jobrelay/internal/domain"
)

// Uplink frame types.
const (
	TypeJoinGroup   = "joinGroup"
	TypeLeaveGroup  = "leaveGroup"
	TypeSendToGroup = "sendToGroup"
	TypeEvent       = "event"
)

// Payload data types. Text payloads are echoed by the default event handler;
// JSON payloads are inspected for structured routing.
const (
	DataTypeText = "text"
	DataTypeJSON = "json"
)

// Uplink is a client-to-hub frame. AckID zero means fire-and-forget: the hub
// sends an ack frame back only for nonzero ack ids.
type Uplink struct {
	Type     string          `json:"type"`
	AckID    uint64          `json:"ackId,omitempty"`
	Group    string          `json:"group,omitempty"`
	Event    string          `json:"event,omitempty"`
	DataType string          `json:"dataType,omitempty"`
	NoEcho   bool            `json:"noEcho,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// downlink is the single wire shape for hub-to-client frames. It is not
// exported; callers deal in the decoded union types below.
type downlink struct {
	Type       string          `json:"type"`
	Event      string          `json:"event,omitempty"`
	AckID      uint64          `json:"ackId,omitempty"`
	Success    bool            `json:"success,omitempty"`
	Error      *AckError       `json:"error,omitempty"`
	From       string          `json:"from,omitempty"`
	Group      string          `json:"group,omitempty"`
	FromUserID string          `json:"fromUserId,omitempty"`
	DataType   string          `json:"dataType,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`

	ConnectionID string `json:"connectionId,omitempty"`
	UserID       string `json:"userId,omitempty"`
	Message      string `json:"message,omitempty"`
}

// AckError carries the failure detail of a rejected acked send.
type AckError struct {
	Name    string `json:"name"`
	Message string `json:"message,omitempty"`
}

// Ack error names used by the hub.
const (
	ErrNameForbidden     = "Forbidden"
	ErrNameInvalidFrame  = "InvalidFrame"
	ErrNameInternalError = "InternalError"
)

// Ack reports the hub's receipt of an acked uplink frame.
type Ack struct {
	AckID   uint64
	Success bool
	Error   *AckError
}

// GroupMessage is a payload relayed from another member of a group.
type GroupMessage struct {
	Group      string
	FromUserID string
	DataType   string
	Data       json.RawMessage
}

// ServerMessage is a payload sent by the hub itself to one connection.
type ServerMessage struct {
	DataType string
	Data     json.RawMessage
}

// SystemConnected is delivered once after a successful handshake.
type SystemConnected struct {
	ConnectionID string
	UserID       string
}

// SystemDisconnected is delivered by the hub before it closes a connection.
type SystemDisconnected struct {
	Reason string
}

// Unknown wraps a frame whose shape was not recognized. Receivers log and
// drop it.
type Unknown struct {
	Raw []byte
}

// DecodeDownlink parses a raw downlink frame into one of Ack, GroupMessage,
// ServerMessage, SystemConnected, SystemDisconnected or Unknown.
func DecodeDownlink(raw []byte) any {
	var f downlink
	if err := json.Unmarshal(raw, &f); err != nil {
		return Unknown{Raw: raw}
	}
	switch f.Type {
	case "ack":
		return Ack{AckID: f.AckID, Success: f.Success, Error: f.Error}
	case "message":
		switch f.From {
		case "group":
			return GroupMessage{Group: f.Group, FromUserID: f.FromUserID, DataType: f.DataType, Data: f.Data}
		case "server":
			return ServerMessage{DataType: f.DataType, Data: f.Data}
		}
	case "system":
		switch f.Event {
		case "connected":
			return SystemConnected{ConnectionID: f.ConnectionID, UserID: f.UserID}
		case "disconnected":
			return SystemDisconnected{Reason: f.Message}
		}
	}
	return Unknown{Raw: raw}
}

// EncodeAck builds the wire form of an ack frame.
func EncodeAck(ackID uint64, success bool, ackErr *AckError) []byte {
	return mustMarshal(downlink{Type: "ack", AckID: ackID, Success: success, Error: ackErr})
}

// EncodeGroupMessage builds the wire form of a relayed group payload.
func EncodeGroupMessage(group, fromUserID, dataType string, data json.RawMessage) []byte {
	return mustMarshal(downlink{Type: "message", From: "group", Group: group, FromUserID: fromUserID, DataType: dataType, Data: data})
}

// EncodeServerMessage builds the wire form of a hub-originated payload.
func EncodeServerMessage(dataType string, data json.RawMessage) []byte {
	return mustMarshal(downlink{Type: "message", From: "server", DataType: dataType, Data: data})
}

// EncodeServerText is EncodeServerMessage for a plain string payload.
func EncodeServerText(text string) []byte {
	data, _ := json.Marshal(text)
	return EncodeServerMessage(DataTypeText, data)
}

// EncodeSystemConnected builds the post-handshake greeting frame.
func EncodeSystemConnected(connectionID, userID string) []byte {
	return mustMarshal(downlink{Type: "system", Event: "connected", ConnectionID: connectionID, UserID: userID})
}

// EncodeSystemDisconnected builds the pre-close notice frame.
func EncodeSystemDisconnected(reason string) []byte {
	return mustMarshal(downlink{Type: "system", Event: "disconnected", Message: reason})
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// downlink contains only marshalable fields; this cannot happen.
		panic(err)
	}
	return b
}

// ParseJobUpdate decodes a group payload into a JobUpdate. A payload that
// does not carry the expected fields is reported as an error so the caller
// can log and drop it.
func ParseJobUpdate(data json.RawMessage) (domain.JobUpdate, error) {
	var u domain.JobUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return domain.JobUpdate{}, fmt.Errorf("decode job update: %w", err)
	}
	if u.CorrelationID == "" || u.Status == "" {
		return domain.JobUpdate{}, fmt.Errorf("decode job update: missing correlationId or status")
	}
	return u, nil
}
