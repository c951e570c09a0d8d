// README: Websocket hub: authenticates clients, bridges EventBus topics to sockets, routes inbound commands.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"ridecore/internal/http/middleware"
	"ridecore/internal/infra"
	"ridecore/internal/modules/booking"
	"ridecore/internal/modules/dispatch"
	"ridecore/internal/modules/eventbus"
	"ridecore/internal/modules/location"
	"ridecore/internal/types"
)

const (
	authTimeout    = 5 * time.Second
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 8192
	sendBuffer     = 256
	requestTimeout = 10 * time.Second
)

type Bookings interface {
	Get(ctx context.Context, id types.ID) (*booking.Booking, error)
	Transition(ctx context.Context, cmd booking.TransitionCommand) (*booking.Booking, error)
}

type Dispatcher interface {
	RequestBooking(ctx context.Context, cmd dispatch.RequestCommand) (*booking.Booking, error)
}

type Locations interface {
	ReportLocation(ctx context.Context, cmd location.ReportCommand) (location.ReportResult, error)
}

type Deps struct {
	Verifier       infra.TokenVerifier
	Bus            *eventbus.Bus
	Bookings       Bookings
	Dispatch       Dispatcher
	Location       Locations
	AllowedOrigins []string
	Logger         *slog.Logger
}

type Hub struct {
	verifier infra.TokenVerifier
	bus      *eventbus.Bus
	bookings Bookings
	dispatch Dispatcher
	location Locations
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	closed  bool
}

func NewHub(d Deps) *Hub {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		verifier: d.Verifier,
		bus:      d.Bus,
		bookings: d.Bookings,
		dispatch: d.Dispatch,
		location: d.Location,
		log:      logger.With("component", "ws"),
		clients:  make(map[string]*Client),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(d.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// ServeWS upgrades the request. A bearer token in the Authorization header is
// checked before the upgrade; without one the first frame must be {"token": "..."}
// and arrive within authTimeout.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	var token *infra.FirebaseToken
	if raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		t, err := h.verifier.VerifyIDToken(r.Context(), strings.TrimSpace(raw))
		if err != nil || t == nil || t.UID == "" {
			http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
			return
		}
		token = t
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	if token == nil {
		token, err = h.authenticate(r.Context(), conn)
		if err != nil {
			h.log.Warn("websocket auth failed", "error", err)
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"))
			_ = conn.Close()
			return
		}
	}

	c := newClient(h, conn, types.ID(token.UID), middleware.RoleOf(token))
	if !h.register(c) {
		_ = conn.Close()
		return
	}
	c.reply(outbound{Type: typeAuthenticated, Data: map[string]any{"userId": c.UserID, "role": c.Role}})
	if c.Role == middleware.RoleDriver {
		if err := c.subscribe(eventbus.DriverRideRequestTopic(c.UserID)); err != nil {
			h.log.Error("ride request subscription failed", "user_id", c.UserID, "error", err)
		}
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) authenticate(ctx context.Context, conn *websocket.Conn) (*infra.FirebaseToken, error) {
	_ = conn.SetReadDeadline(time.Now().Add(authTimeout))
	var msg struct {
		Token string `json:"token"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		return nil, err
	}
	t, err := h.verifier.VerifyIDToken(ctx, msg.Token)
	if err != nil {
		return nil, err
	}
	if t == nil || t.UID == "" {
		return nil, infra.ErrInvalidToken
	}
	return t, nil
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.ID] = c
	h.log.Info("client registered", "client_id", c.ID, "user_id", c.UserID, "role", c.Role)
	return true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.ID]; ok {
		delete(h.clients, c.ID)
		h.log.Info("client unregistered", "client_id", c.ID, "user_id", c.UserID)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func newClientID() string {
	return "ws_" + uuid.NewString()
}

// outbound is the {type, data} envelope written to clients.
type outbound struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func encode(v outbound) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(outbound{Type: typeError, Data: map[string]string{"error": "encode failed"}})
	}
	return b
}
