package client_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"jobrelay/internal/client"
	"jobrelay/internal/domain"
	"jobrelay/internal/protocol"
)

// fakeHub is a minimal negotiate + websocket endpoint. It records every
// negotiation and join frame and lets tests drop live connections to force
// the session's reconnect path.
type fakeHub struct {
	upgrader websocket.Upgrader
	// silent suppresses acks, for timeout tests. Set before the server starts.
	silent bool

	mu           sync.Mutex
	rejectAuth   bool
	negotiations int
	joins        []string
	conns        []*websocket.Conn
}

func (f *fakeHub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /negotiate/{userId}/{groupName}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.negotiations++
		reject := f.rejectAuth
		f.mu.Unlock()
		if reject {
			http.Error(w, "rejected", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"url": "ws://" + r.Host + "/client?access_token=tok",
		})
	})
	mux.HandleFunc("GET /client", func(w http.ResponseWriter, r *http.Request) {
		sock, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, sock)
		n := len(f.conns)
		f.mu.Unlock()
		sock.WriteMessage(websocket.TextMessage, protocol.EncodeSystemConnected(fmt.Sprintf("conn-%d", n), "alice"))
		go f.serve(sock)
	})
	return mux
}

func (f *fakeHub) serve(sock *websocket.Conn) {
	for {
		_, raw, err := sock.ReadMessage()
		if err != nil {
			return
		}
		var up protocol.Uplink
		if json.Unmarshal(raw, &up) != nil {
			continue
		}
		if up.Type == protocol.TypeJoinGroup {
			f.mu.Lock()
			f.joins = append(f.joins, up.Group)
			f.mu.Unlock()
		}
		if up.AckID != 0 && !f.silent {
			sock.WriteMessage(websocket.TextMessage, protocol.EncodeAck(up.AckID, true, nil))
		}
	}
}

// dropConns severs every live connection server-side.
func (f *fakeHub) dropConns() {
	f.mu.Lock()
	conns := f.conns
	f.conns = nil
	f.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (f *fakeHub) counts() (negotiations, joins int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.negotiations, len(f.joins)
}

func TestSessionReconnectsAndRejoins(t *testing.T) {
	t.Parallel()
	f := &fakeHub{}
	ts := httptest.NewServer(f.handler())
	t.Cleanup(ts.Close)

	var disconnects atomic.Int32
	s := client.NewSession(client.Negotiator(ts.URL, "", "alice", "job-1"))
	s.OnDisconnected(func(protocol.SystemDisconnected) { disconnects.Add(1) })
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Dispose)

	require.NoError(t, s.JoinGroup(context.Background(), "job-1"))

	f.dropConns()

	// The session must re-negotiate a fresh grant and rejoin its group.
	require.Eventually(t, func() bool {
		negotiations, joins := f.counts()
		return negotiations >= 2 && joins >= 2
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		return s.State() == client.StateConnected
	}, 5*time.Second, 20*time.Millisecond)
	require.EqualValues(t, 1, disconnects.Load())
}

func TestSessionDisconnectsWhenReconnectExhausted(t *testing.T) {
	t.Parallel()
	f := &fakeHub{}
	ts := httptest.NewServer(f.handler())
	t.Cleanup(ts.Close)

	s := client.NewSession(client.Negotiator(ts.URL, "", "alice", "job-1"),
		client.WithReconnectAttempts(1))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Dispose)

	f.mu.Lock()
	f.rejectAuth = true
	f.mu.Unlock()
	f.dropConns()

	require.Eventually(t, func() bool {
		return s.State() == client.StateDisconnected
	}, 10*time.Second, 20*time.Millisecond)

	_, err := s.SendToGroup(context.Background(), "job-1", "late", false)
	require.ErrorIs(t, err, domain.ErrUnavailable)
}

func TestSessionAckTimeout(t *testing.T) {
	t.Parallel()
	f := &fakeHub{silent: true}
	ts := httptest.NewServer(f.handler())
	t.Cleanup(ts.Close)

	s := client.NewSession(client.Negotiator(ts.URL, "", "alice", "job-1"),
		client.WithAckTimeout(50*time.Millisecond))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Dispose)

	err := s.JoinGroup(context.Background(), "job-1")
	require.ErrorIs(t, err, domain.ErrAckTimeout)
}
