package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"jobrelay/internal/domain"
	"jobrelay/internal/protocol"
)

// State is the session's connection state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

const (
	defaultAckTimeout        = 5 * time.Second
	defaultReconnectAttempts = 5
	reconnectBaseBackoff     = 500 * time.Millisecond
	reconnectMaxBackoff      = 5 * time.Second
	dialTimeout              = 10 * time.Second
)

// Session is one live connection to the hub. All inbound frames are handled
// one at a time, in delivery order, on a single dispatch goroutine; the
// registered handlers run on that goroutine and must not block for unbounded
// time.
//
// On transport loss the session reconnects transparently: it re-negotiates a
// fresh grant (the old one may have expired), redials, and rejoins every
// group it had joined. Only Dispose stops that.
type Session struct {
	negotiate         NegotiateFunc
	ackTimeout        time.Duration
	reconnectAttempts int

	onConnected     func(protocol.SystemConnected)
	onDisconnected  func(protocol.SystemDisconnected)
	onGroupMessage  func(protocol.GroupMessage)
	onServerMessage func(protocol.ServerMessage)

	state atomic.Int32

	// sockMu guards sock for writes and for the reconnect swap.
	sockMu sync.Mutex
	sock   *websocket.Conn

	nextAckID atomic.Uint64
	ackMu     sync.Mutex
	acks      map[uint64]chan protocol.Ack

	joinedMu sync.Mutex
	joined   map[string]struct{}

	disposed    atomic.Bool
	disposeOnce sync.Once
	done        chan struct{}
}

// Option is a functional option for the Session.
type Option func(*Session)

// WithAckTimeout bounds how long acked sends wait for the hub's response.
func WithAckTimeout(d time.Duration) Option {
	return func(s *Session) { s.ackTimeout = d }
}

// WithReconnectAttempts sets the retry budget after a transport loss.
func WithReconnectAttempts(n int) Option {
	return func(s *Session) { s.reconnectAttempts = n }
}

// NewSession creates a session that negotiates its connection URL through
// negotiate. Register handlers before calling Start.
func NewSession(negotiate NegotiateFunc, opts ...Option) *Session {
	s := &Session{
		negotiate:         negotiate,
		ackTimeout:        defaultAckTimeout,
		reconnectAttempts: defaultReconnectAttempts,
		acks:              make(map[uint64]chan protocol.Ack),
		joined:            make(map[string]struct{}),
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnConnected registers the handler fired when a connection is established.
func (s *Session) OnConnected(fn func(protocol.SystemConnected)) { s.onConnected = fn }

// OnDisconnected registers the handler fired when the transport drops,
// with the disconnect reason.
func (s *Session) OnDisconnected(fn func(protocol.SystemDisconnected)) { s.onDisconnected = fn }

// OnGroupMessage registers the handler for payloads relayed from groups.
func (s *Session) OnGroupMessage(fn func(protocol.GroupMessage)) { s.onGroupMessage = fn }

// OnServerMessage registers the handler for hub-originated messages.
func (s *Session) OnServerMessage(fn func(protocol.ServerMessage)) { s.onServerMessage = fn }

// State returns the session's current connection state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Start negotiates, opens the transport and begins dispatching inbound
// frames. It returns once the session is connected.
func (s *Session) Start(ctx context.Context) error {
	if s.disposed.Load() {
		return domain.ErrSessionClosed
	}
	s.state.Store(int32(StateConnecting))
	if err := s.dial(ctx); err != nil {
		s.state.Store(int32(StateDisconnected))
		return err
	}
	s.state.Store(int32(StateConnected))
	go s.dispatchLoop()
	return nil
}

func (s *Session) dial(ctx context.Context) error {
	url, err := s.negotiate(ctx)
	if err != nil {
		return fmt.Errorf("negotiate connection: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	sock, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return fmt.Errorf("dial hub: %w", err)
	}

	s.sockMu.Lock()
	s.sock = sock
	s.sockMu.Unlock()
	return nil
}

// dispatchLoop is the session's single dispatch path. It reads frames in
// delivery order and reconnects on transport loss until disposed.
func (s *Session) dispatchLoop() {
	for {
		s.sockMu.Lock()
		sock := s.sock
		s.sockMu.Unlock()

		_, raw, err := sock.ReadMessage()
		if err != nil {
			s.failPendingAcks()
			if s.disposed.Load() {
				s.state.Store(int32(StateDisconnected))
				return
			}

			s.state.Store(int32(StateReconnecting))
			if s.onDisconnected != nil {
				s.onDisconnected(protocol.SystemDisconnected{Reason: err.Error()})
			}
			if !s.reconnect() {
				s.state.Store(int32(StateDisconnected))
				return
			}
			s.state.Store(int32(StateConnected))
			continue
		}

		s.dispatch(raw)
	}
}

func (s *Session) dispatch(raw []byte) {
	switch msg := protocol.DecodeDownlink(raw).(type) {
	case protocol.Ack:
		s.deliverAck(msg)
	case protocol.GroupMessage:
		if s.onGroupMessage != nil {
			s.onGroupMessage(msg)
		}
	case protocol.ServerMessage:
		if s.onServerMessage != nil {
			s.onServerMessage(msg)
		}
	case protocol.SystemConnected:
		if s.onConnected != nil {
			s.onConnected(msg)
		}
	case protocol.SystemDisconnected:
		slog.Info("Hub announced disconnect", "reason", msg.Reason)
	case protocol.Unknown:
		slog.Warn("Unknown message", "raw", string(msg.Raw))
	}
}

// reconnect redials with capped doubling backoff, re-negotiating the grant
// and rejoining all previously joined groups on success.
func (s *Session) reconnect() bool {
	backoff := reconnectBaseBackoff
	for attempt := 1; attempt <= s.reconnectAttempts; attempt++ {
		select {
		case <-s.done:
			return false
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > reconnectMaxBackoff {
			backoff = reconnectMaxBackoff
		}

		slog.Info("Reconnecting to hub", "attempt", attempt)
		if err := s.dial(context.Background()); err != nil {
			slog.Warn("Reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		s.rejoinGroups()
		slog.Info("Reconnected to hub", "attempt", attempt)
		return true
	}
	slog.Error("Reconnect budget exhausted", "attempts", s.reconnectAttempts)
	return false
}

func (s *Session) rejoinGroups() {
	s.joinedMu.Lock()
	groups := make([]string, 0, len(s.joined))
	for g := range s.joined {
		groups = append(groups, g)
	}
	s.joinedMu.Unlock()

	for _, g := range groups {
		// Fire-and-forget: a failed rejoin surfaces as missing messages and
		// the next transport loss retries it.
		if err := s.writeFrame(protocol.Uplink{Type: protocol.TypeJoinGroup, Group: g}); err != nil {
			slog.Warn("Failed to rejoin group", "group", g, "error", err)
		}
	}
}

// JoinGroup joins the named group, waiting for the hub's acknowledgment.
// The hub rejects groups outside the session's grant.
func (s *Session) JoinGroup(ctx context.Context, group string) error {
	_, err := s.send(ctx, protocol.Uplink{Type: protocol.TypeJoinGroup, Group: group}, true)
	if err != nil {
		return err
	}
	s.joinedMu.Lock()
	s.joined[group] = struct{}{}
	s.joinedMu.Unlock()
	return nil
}

// LeaveGroup leaves the named group.
func (s *Session) LeaveGroup(ctx context.Context, group string) error {
	_, err := s.send(ctx, protocol.Uplink{Type: protocol.TypeLeaveGroup, Group: group}, true)
	if err != nil {
		return err
	}
	s.joinedMu.Lock()
	delete(s.joined, group)
	s.joinedMu.Unlock()
	return nil
}

// SendToGroup sends payload for relay to the other members of group. With
// ackRequested it blocks until the hub confirms receipt or the ack timeout
// elapses; a grant violation is reported as domain.ErrNotAuthorized.
func (s *Session) SendToGroup(ctx context.Context, group string, payload any, ackRequested bool) (protocol.Ack, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return protocol.Ack{}, fmt.Errorf("marshal group payload: %w", err)
	}
	return s.send(ctx, protocol.Uplink{
		Type:     protocol.TypeSendToGroup,
		Group:    group,
		DataType: protocol.DataTypeJSON,
		Data:     data,
	}, ackRequested)
}

// SendEvent sends a named event toward the hub's default handler.
func (s *Session) SendEvent(ctx context.Context, event string, payload any, dataType string, ackRequested bool) (protocol.Ack, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return protocol.Ack{}, fmt.Errorf("marshal event payload: %w", err)
	}
	return s.send(ctx, protocol.Uplink{
		Type:     protocol.TypeEvent,
		Event:    event,
		DataType: dataType,
		Data:     data,
	}, ackRequested)
}

func (s *Session) send(ctx context.Context, up protocol.Uplink, ackRequested bool) (protocol.Ack, error) {
	if s.disposed.Load() {
		return protocol.Ack{}, domain.ErrSessionClosed
	}
	if s.State() != StateConnected {
		return protocol.Ack{}, fmt.Errorf("%w: session is %s", domain.ErrUnavailable, s.State())
	}

	var ch chan protocol.Ack
	if ackRequested {
		up.AckID = s.nextAckID.Add(1)
		ch = make(chan protocol.Ack, 1)
		s.ackMu.Lock()
		s.acks[up.AckID] = ch
		s.ackMu.Unlock()
		defer func() {
			s.ackMu.Lock()
			delete(s.acks, up.AckID)
			s.ackMu.Unlock()
		}()
	}

	if err := s.writeFrame(up); err != nil {
		return protocol.Ack{}, err
	}
	if !ackRequested {
		return protocol.Ack{}, nil
	}

	select {
	case ack := <-ch:
		if !ack.Success {
			if ack.Error != nil && ack.Error.Name == protocol.ErrNameForbidden {
				return ack, fmt.Errorf("%w: %s", domain.ErrNotAuthorized, ack.Error.Message)
			}
			return ack, fmt.Errorf("send rejected: %s", ackErrorString(ack.Error))
		}
		return ack, nil
	case <-time.After(s.ackTimeout):
		return protocol.Ack{}, domain.ErrAckTimeout
	case <-ctx.Done():
		return protocol.Ack{}, ctx.Err()
	case <-s.done:
		return protocol.Ack{}, domain.ErrSessionClosed
	}
}

func (s *Session) writeFrame(up protocol.Uplink) error {
	raw, err := json.Marshal(up)
	if err != nil {
		return fmt.Errorf("marshal uplink frame: %w", err)
	}
	s.sockMu.Lock()
	defer s.sockMu.Unlock()
	if s.sock == nil {
		return domain.ErrSessionClosed
	}
	if err := s.sock.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (s *Session) deliverAck(ack protocol.Ack) {
	s.ackMu.Lock()
	ch := s.acks[ack.AckID]
	s.ackMu.Unlock()
	if ch != nil {
		select {
		case ch <- ack:
		default:
		}
	}
}

// failPendingAcks answers every in-flight acked send after a transport loss
// so no caller is left waiting for a response that cannot arrive.
func (s *Session) failPendingAcks() {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	for id, ch := range s.acks {
		select {
		case ch <- protocol.Ack{AckID: id, Success: false, Error: &protocol.AckError{Name: "Disconnected", Message: "connection lost"}}:
		default:
		}
		delete(s.acks, id)
	}
}

// Dispose closes the transport gracefully. Idempotent; after Dispose the
// session never reconnects.
func (s *Session) Dispose() {
	s.disposeOnce.Do(func() {
		s.disposed.Store(true)
		close(s.done)

		s.sockMu.Lock()
		sock := s.sock
		s.sockMu.Unlock()
		if sock != nil {
			sock.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			sock.Close()
		}
		s.state.Store(int32(StateDisconnected))
	})
}

func ackErrorString(e *protocol.AckError) string {
	if e == nil {
		return "unknown error"
	}
	if e.Message == "" {
		return e.Name
	}
	return e.Name + ": " + e.Message
}
