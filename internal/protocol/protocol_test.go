package protocol_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"jobrelay/internal/domain"
	"jobrelay/internal/protocol"
)

func TestDecodeDownlinkAck(t *testing.T) {
	t.Parallel()
	raw := protocol.EncodeAck(7, true, nil)
	msg := protocol.DecodeDownlink(raw)
	require.Equal(t, protocol.Ack{AckID: 7, Success: true}, msg)

	raw = protocol.EncodeAck(8, false, &protocol.AckError{Name: protocol.ErrNameForbidden, Message: "no"})
	msg = protocol.DecodeDownlink(raw)
	ack, ok := msg.(protocol.Ack)
	require.True(t, ok)
	require.False(t, ack.Success)
	require.Equal(t, protocol.ErrNameForbidden, ack.Error.Name)
}

func TestDecodeDownlinkGroupMessage(t *testing.T) {
	t.Parallel()
	data, err := json.Marshal(map[string]string{"hello": "world"})
	require.NoError(t, err)

	raw := protocol.EncodeGroupMessage("job-1", "worker-1", protocol.DataTypeJSON, data)
	msg := protocol.DecodeDownlink(raw)

	gm, ok := msg.(protocol.GroupMessage)
	require.True(t, ok)
	require.Equal(t, "job-1", gm.Group)
	require.Equal(t, "worker-1", gm.FromUserID)
	require.JSONEq(t, `{"hello":"world"}`, string(gm.Data))
}

func TestDecodeDownlinkSystem(t *testing.T) {
	t.Parallel()
	msg := protocol.DecodeDownlink(protocol.EncodeSystemConnected("c-1", "u-1"))
	require.Equal(t, protocol.SystemConnected{ConnectionID: "c-1", UserID: "u-1"}, msg)

	msg = protocol.DecodeDownlink(protocol.EncodeSystemDisconnected("server shutdown"))
	require.Equal(t, protocol.SystemDisconnected{Reason: "server shutdown"}, msg)
}

func TestDecodeDownlinkUnknown(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{
		`not json at all`,
		`{"type":"teleport"}`,
		`{"type":"message","from":"moon"}`,
		`{"type":"system","event":"solar-flare"}`,
	} {
		msg := protocol.DecodeDownlink([]byte(raw))
		_, ok := msg.(protocol.Unknown)
		require.True(t, ok, "expected Unknown for %q", raw)
	}
}

func TestParseJobUpdate(t *testing.T) {
	t.Parallel()
	raw := []byte(`{"name":"Job 1","correlationId":"job-1","step":"Train","status":"InProgress"}`)
	update, err := protocol.ParseJobUpdate(raw)
	require.NoError(t, err)
	require.Equal(t, domain.JobUpdate{
		Name:          "Job 1",
		CorrelationID: "job-1",
		Step:          "Train",
		Status:        domain.StatusInProgress,
	}, update)
}

func TestParseJobUpdateRejectsMalformed(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{
		`"just a string"`,
		`{"step":"Train"}`,
		`{}`,
	} {
		_, err := protocol.ParseJobUpdate([]byte(raw))
		require.Error(t, err, "expected error for %q", raw)
	}
}
