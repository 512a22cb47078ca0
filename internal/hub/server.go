package hub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"jobrelay/internal/platform/token"
	"jobrelay/internal/platform/web"
	"jobrelay/internal/protocol"
)

// ServerConfig carries the hub server's startup settings. Endpoint is the
// public base URL clients were told about; it feeds both the grant URLs
// returned by negotiation and the webhook abuse-protection origin check.
// An empty APIKey switches the negotiate route to open mode.
type ServerConfig struct {
	Endpoint string
	APIKey   string
}

// Server is the HTTP surface of the hub: negotiation, websocket upgrade and
// the webhook-style event-handler route.
type Server struct {
	cfg     ServerConfig
	hub     *Hub
	router  *Router
	issuer  *token.Issuer
	limiter *web.RateLimiter
}

// NewServer wires the hub's HTTP surface.
func NewServer(cfg ServerConfig, h *Hub, issuer *token.Issuer, limiter *web.RateLimiter) *Server {
	return &Server{cfg: cfg, hub: h, router: NewRouter(h), issuer: issuer, limiter: limiter}
}

// Hub returns the underlying connection hub.
func (s *Server) Hub() *Hub { return s.hub }

// Close disconnects all clients.
func (s *Server) Close() { s.hub.closeAll() }

// maxFrameSize caps inbound client frames so one connection cannot force
// unbounded allocation.
const maxFrameSize = 64 << 10

var upgrader = websocket.Upgrader{
	// The websocket route is authenticated by the access token, not the
	// Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler builds the full route table wrapped in the abuse-protection and
// CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /negotiate/{userId}/{groupName}", s.limiter.Middleware(http.HandlerFunc(s.handleNegotiate)))
	mux.HandleFunc("GET /client", s.handleClient)
	mux.HandleFunc("POST /eventhandler/{path...}", s.handleEventHandler)
	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "Hello")
	})

	return s.abuseProtection(enableCORS(mux))
}

// handleNegotiate mints a scoped access grant for (userId, groupName) and
// returns the websocket URL carrying it.
func (s *Server) handleNegotiate(w http.ResponseWriter, r *http.Request) {
	if s.cfg.APIKey != "" && r.Header.Get("x-api-key") != s.cfg.APIKey {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
		return
	}

	userID := r.PathValue("userId")
	groupName := r.PathValue("groupName")
	if userID == "" || groupName == "" {
		http.Error(w, "userId and groupName are required", http.StatusBadRequest)
		return
	}

	grantToken, err := s.issuer.Issue(userID, groupName)
	if err != nil {
		slog.Error("Failed to issue grant", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	slog.Info("Negotiated", "userId", userID, "group", groupName)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"url": wsEndpoint(s.cfg.Endpoint) + "/client?access_token=" + grantToken,
	})
}

// handleClient validates the access token, runs the connect hook and
// upgrades to a websocket.
func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	grant, err := s.issuer.Validate(r.URL.Query().Get("access_token"))
	if err != nil {
		slog.Warn("Connection rejected", "error", err, "remoteAddr", r.RemoteAddr)
		http.Error(w, "invalid access token", http.StatusUnauthorized)
		return
	}

	groups, err := s.router.OnConnect(ConnectRequest{
		UserID:     grant.UserID,
		Groups:     grant.Groups,
		RemoteAddr: r.RemoteAddr,
	})
	if err != nil {
		slog.Warn("Connect hook rejected connection", "userId", grant.UserID, "error", err)
		http.Error(w, "connection rejected", http.StatusForbidden)
		return
	}

	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	c := &connection{
		id:     uuid.New().String(),
		userID: grant.UserID,
		grant:  grant,
		sock:   sock,
		send:   make(chan []byte, sendBuffer),
	}

	s.hub.register(c)
	for _, g := range groups {
		s.hub.registry.Join(c.id, g)
	}
	c.enqueue(protocol.EncodeSystemConnected(c.id, c.userID))
	s.router.OnConnected(c.id, c.userID)

	go s.writePump(c)
	go s.readPump(c)
}

// readPump reads uplink frames until the transport drops, then tears the
// connection down. Frames for one connection are handled in delivery order.
func (s *Server) readPump(c *connection) {
	c.sock.SetReadLimit(maxFrameSize)
	reason := ReasonNormalClose
	for {
		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = ReasonTransportError
			}
			break
		}

		var up protocol.Uplink
		if err := json.Unmarshal(raw, &up); err != nil {
			slog.Warn("Unknown message", "connectionId", c.id, "error", err)
			continue
		}
		s.router.HandleUplink(c, up)
	}

	s.hub.unregister(c)
	s.router.OnDisconnected(c.id, c.userID, reason)
	c.sock.Close()
}

// writePump is the connection's single writer.
func (s *Server) writePump(c *connection) {
	for frame := range c.send {
		if err := c.sock.WriteMessage(websocket.TextMessage, frame); err != nil {
			slog.Warn("Failed to write to websocket", "connectionId", c.id, "error", err)
			// Reads fail next; readPump handles teardown.
			return
		}
	}
	// send closed by unregister: say goodbye and close the socket.
	c.sock.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.sock.Close()
}

// webhookEvent is the callback body accepted on the event-handler route when
// a managed transport fronts the hub. It mirrors the router hooks.
type webhookEvent struct {
	Type         string          `json:"type"` // connect | connected | disconnected | event
	UserID       string          `json:"userId"`
	ConnectionID string          `json:"connectionId"`
	Groups       []string        `json:"groups,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Event        string          `json:"event,omitempty"`
	DataType     string          `json:"dataType,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// handleEventHandler is the hub-to-application callback surface. It is not a
// developer-facing API; the abuse-protection middleware keeps it reachable
// only by the configured transport provider.
func (s *Server) handleEventHandler(w http.ResponseWriter, r *http.Request) {
	var ev webhookEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "invalid callback body", http.StatusBadRequest)
		return
	}

	switch ev.Type {
	case "connect":
		groups, err := s.router.OnConnect(ConnectRequest{UserID: ev.UserID, Groups: ev.Groups, RemoteAddr: r.RemoteAddr})
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"userId": ev.UserID, "groups": groups})
	case "connected":
		s.router.OnConnected(ev.ConnectionID, ev.UserID)
		w.WriteHeader(http.StatusOK)
	case "disconnected":
		s.router.OnDisconnected(ev.ConnectionID, ev.UserID, ev.Reason)
		w.WriteHeader(http.StatusOK)
	case "event":
		response := s.router.userEventResponse(ev.UserID, protocol.Uplink{
			Type:     protocol.TypeEvent,
			Event:    ev.Event,
			DataType: ev.DataType,
			Data:     ev.Data,
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(response)
	default:
		http.Error(w, fmt.Sprintf("unknown callback type %q", ev.Type), http.StatusBadRequest)
	}
}

// abuseProtection answers webhook validation preflights. An OPTIONS request
// carrying WebHook-Request-Origin is allowed only when the origin matches
// the configured endpoint host; anything else gets 403 with no allow header.
func (s *Server) abuseProtection(next http.Handler) http.Handler {
	allowedOrigin := stripScheme(s.cfg.Endpoint)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions && r.Header.Get("WebHook-Request-Origin") != "" {
			origin := r.Header.Get("WebHook-Request-Origin")
			if !strings.EqualFold(origin, allowedOrigin) {
				slog.Warn("Webhook origin not allowed", "origin", origin, "allowed", allowedOrigin)
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.Header().Set("WebHook-Allowed-Origin", "*")
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// enableCORS adds headers to allow browser clients to call negotiate.
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, x-api-key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// wsEndpoint converts the public HTTP endpoint to its websocket scheme.
func wsEndpoint(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return "wss://" + strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		return "ws://" + strings.TrimPrefix(endpoint, "http://")
	default:
		return endpoint
	}
}

func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return strings.TrimSuffix(endpoint, "/")
}
