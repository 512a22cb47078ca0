package hub

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"jobrelay/internal/protocol"
)

// A fan-out may hold a *connection snapshot while that connection
// disconnects; a frame queued after teardown must be dropped, never panic.
func TestEnqueueAfterUnregisterIsDropped(t *testing.T) {
	t.Parallel()
	h := NewHub()
	c := newTestConn(h, "c1", "u1", grantFor("job-1"))
	h.registry.Join(c.id, "job-1")

	target, ok := h.connByID("c1")
	require.True(t, ok)

	h.unregister(c)
	require.NotPanics(t, func() {
		require.False(t, target.enqueue([]byte("late frame")))
	})

	// Repeated unregister stays a no-op.
	require.NotPanics(t, func() { h.unregister(c) })
}

func TestFanOutRacingDisconnects(t *testing.T) {
	t.Parallel()
	h := NewHub()
	sender := newTestConn(h, "sender", "u0", grantFor("job-1"))
	h.registry.Join(sender.id, "job-1")

	const members = 50
	conns := make([]*connection, 0, members)
	for i := range members {
		c := newTestConn(h, fmt.Sprintf("c%d", i), "u1", grantFor("job-1"))
		h.registry.Join(c.id, "job-1")
		conns = append(conns, c)
	}

	frame := protocol.EncodeGroupMessage("job-1", "u0", protocol.DataTypeText, []byte(`"x"`))
	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.unregister(c)
		}()
	}
	for range members {
		h.fanOutToGroup("job-1", sender.id, true, frame)
	}
	wg.Wait()

	require.Equal(t, []string{"sender"}, h.registry.MembersOf("job-1"))
}
