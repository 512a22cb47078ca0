package hub

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"jobrelay/internal/platform/token"
	"jobrelay/internal/protocol"
)

func grantFor(groups ...string) token.Grant {
	g := token.Grant{Groups: groups}
	for _, name := range groups {
		g.Roles = append(g.Roles, token.RoleJoinPrefix+name, token.RoleSendPrefix+name)
	}
	return g
}

func newTestConn(h *Hub, id, userID string, grant token.Grant) *connection {
	c := &connection{id: id, userID: userID, grant: grant, send: make(chan []byte, sendBuffer)}
	h.register(c)
	return c
}

// nextFrame pops the next queued downlink frame for c, decoded.
func nextFrame(t *testing.T, c *connection) any {
	t.Helper()
	select {
	case raw := <-c.send:
		return protocol.DecodeDownlink(raw)
	default:
		t.Fatalf("no frame queued for connection %s", c.id)
		return nil
	}
}

func requireNoFrame(t *testing.T, c *connection) {
	t.Helper()
	select {
	case raw := <-c.send:
		t.Fatalf("unexpected frame for connection %s: %s", c.id, raw)
	default:
	}
}

func TestRouterJoinGroup(t *testing.T) {
	t.Parallel()
	h := NewHub()
	rt := NewRouter(h)
	c := newTestConn(h, "c1", "u1", grantFor("job-1"))

	rt.HandleUplink(c, protocol.Uplink{Type: protocol.TypeJoinGroup, Group: "job-1", AckID: 1})

	ack, ok := nextFrame(t, c).(protocol.Ack)
	require.True(t, ok)
	require.True(t, ack.Success)
	require.Equal(t, []string{"c1"}, h.Registry().MembersOf("job-1"))
}

func TestRouterJoinRejectedOutsideGrant(t *testing.T) {
	t.Parallel()
	h := NewHub()
	rt := NewRouter(h)
	c := newTestConn(h, "c1", "u1", grantFor("job-1"))

	rt.HandleUplink(c, protocol.Uplink{Type: protocol.TypeJoinGroup, Group: "job-2", AckID: 1})

	ack, ok := nextFrame(t, c).(protocol.Ack)
	require.True(t, ok)
	require.False(t, ack.Success)
	require.Equal(t, protocol.ErrNameForbidden, ack.Error.Name)
	require.Empty(t, h.Registry().MembersOf("job-2"))
}

func TestRouterSendToGroupFansOut(t *testing.T) {
	t.Parallel()
	h := NewHub()
	rt := NewRouter(h)
	sender := newTestConn(h, "c1", "u1", grantFor("job-1"))
	member := newTestConn(h, "c2", "u2", grantFor("job-1"))
	outsider := newTestConn(h, "c3", "u3", grantFor("job-9"))
	h.Registry().Join(sender.id, "job-1")
	h.Registry().Join(member.id, "job-1")

	payload, _ := json.Marshal(map[string]string{"step": "Train"})
	rt.HandleUplink(sender, protocol.Uplink{
		Type:     protocol.TypeSendToGroup,
		Group:    "job-1",
		AckID:    5,
		NoEcho:   true,
		DataType: protocol.DataTypeJSON,
		Data:     payload,
	})

	ack, ok := nextFrame(t, sender).(protocol.Ack)
	require.True(t, ok)
	require.True(t, ack.Success)
	require.EqualValues(t, 5, ack.AckID)
	requireNoFrame(t, sender) // noEcho: sender excluded from the relay

	gm, ok := nextFrame(t, member).(protocol.GroupMessage)
	require.True(t, ok)
	require.Equal(t, "job-1", gm.Group)
	require.Equal(t, "u1", gm.FromUserID)
	require.JSONEq(t, `{"step":"Train"}`, string(gm.Data))

	requireNoFrame(t, outsider)
}

func TestRouterSendToGroupEchoesWithoutNoEcho(t *testing.T) {
	t.Parallel()
	h := NewHub()
	rt := NewRouter(h)
	sender := newTestConn(h, "c1", "u1", grantFor("job-1"))
	h.Registry().Join(sender.id, "job-1")

	payload, _ := json.Marshal("hi")
	rt.HandleUplink(sender, protocol.Uplink{Type: protocol.TypeSendToGroup, Group: "job-1", Data: payload})

	gm, ok := nextFrame(t, sender).(protocol.GroupMessage)
	require.True(t, ok)
	require.Equal(t, "u1", gm.FromUserID)
}

func TestRouterSendToGroupRejectedOutsideGrant(t *testing.T) {
	t.Parallel()
	h := NewHub()
	rt := NewRouter(h)
	sender := newTestConn(h, "c1", "u1", grantFor("job-1"))
	member := newTestConn(h, "c2", "u2", grantFor("job-2"))
	h.Registry().Join(member.id, "job-2")

	rt.HandleUplink(sender, protocol.Uplink{Type: protocol.TypeSendToGroup, Group: "job-2", AckID: 1})

	ack, ok := nextFrame(t, sender).(protocol.Ack)
	require.True(t, ok)
	require.False(t, ack.Success)
	require.Equal(t, protocol.ErrNameForbidden, ack.Error.Name)
	requireNoFrame(t, member)
}

func TestRouterTextEventEchoed(t *testing.T) {
	t.Parallel()
	h := NewHub()
	rt := NewRouter(h)
	c := newTestConn(h, "c1", "u1", grantFor("job-1"))

	data, _ := json.Marshal("ping")
	rt.HandleUplink(c, protocol.Uplink{
		Type:     protocol.TypeEvent,
		Event:    "greeting",
		DataType: protocol.DataTypeText,
		Data:     data,
	})

	sm, ok := nextFrame(t, c).(protocol.ServerMessage)
	require.True(t, ok)
	require.Contains(t, string(sm.Data), "Got your event greeting")
	require.Contains(t, string(sm.Data), "ping")
}

func TestRouterStructuredEventRelaysToTargetUser(t *testing.T) {
	t.Parallel()
	h := NewHub()
	rt := NewRouter(h)
	sender := newTestConn(h, "c1", "u1", grantFor("job-1"))
	target := newTestConn(h, "c2", "u2", grantFor("job-1"))

	data, _ := json.Marshal(map[string]string{"userId": "u2", "message": "hello there"})
	rt.HandleUplink(sender, protocol.Uplink{
		Type:     protocol.TypeEvent,
		Event:    "dm",
		AckID:    3,
		DataType: protocol.DataTypeJSON,
		Data:     data,
	})

	ack, ok := nextFrame(t, sender).(protocol.Ack)
	require.True(t, ok)
	require.True(t, ack.Success)

	response, ok := nextFrame(t, sender).(protocol.ServerMessage)
	require.True(t, ok)
	require.Contains(t, string(response.Data), "was sent to user u2")
	require.Contains(t, string(response.Data), "Delivered")

	relayed, ok := nextFrame(t, target).(protocol.ServerMessage)
	require.True(t, ok)
	require.Contains(t, string(relayed.Data), "Message from user u1: hello there")
}

func TestRouterMalformedEventGetsDiagnostic(t *testing.T) {
	t.Parallel()
	h := NewHub()
	rt := NewRouter(h)
	c := newTestConn(h, "c1", "u1", grantFor("job-1"))

	rt.HandleUplink(c, protocol.Uplink{
		Type:     protocol.TypeEvent,
		Event:    "dm",
		DataType: protocol.DataTypeJSON,
		Data:     json.RawMessage(`{"unexpected":"shape"}`),
	})

	sm, ok := nextFrame(t, c).(protocol.ServerMessage)
	require.True(t, ok)
	require.Contains(t, string(sm.Data), "Something went wrong")

	// The connection is still usable afterwards.
	rt.HandleUplink(c, protocol.Uplink{Type: protocol.TypeJoinGroup, Group: "job-1", AckID: 2})
	ack, ok := nextFrame(t, c).(protocol.Ack)
	require.True(t, ok)
	require.True(t, ack.Success)
}

func TestRouterUnknownFrameNacked(t *testing.T) {
	t.Parallel()
	h := NewHub()
	rt := NewRouter(h)
	c := newTestConn(h, "c1", "u1", grantFor("job-1"))

	rt.HandleUplink(c, protocol.Uplink{Type: "teleport", AckID: 9})

	ack, ok := nextFrame(t, c).(protocol.Ack)
	require.True(t, ok)
	require.False(t, ack.Success)
	require.Equal(t, protocol.ErrNameInvalidFrame, ack.Error.Name)
}
