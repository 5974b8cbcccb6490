package chat

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"go-chat-realtime/internal/connection"
	"go-chat-realtime/internal/metrics"
	myMiddleware "go-chat-realtime/internal/middleware"
	"go-chat-realtime/internal/presence"
	"go-chat-realtime/internal/ratelimit"
	"go-chat-realtime/internal/room"
)

// Authorizer decides whether a user may join a room's real-time channel.
type Authorizer interface {
	IsParticipant(ctx context.Context, roomID, userID string) (bool, error)
}

// ActionPublisher forwards client actions to the persistence service.
type ActionPublisher interface {
	Publish(ctx context.Context, action string, data any) error
}

type Options struct {
	Registry       *connection.Registry
	Router         *room.Router
	Presence       *presence.Tracker
	Limiter        *ratelimit.Limiter
	Metrics        *metrics.Recorder
	Validator      myMiddleware.TokenValidator
	Participants   Authorizer
	Publisher      ActionPublisher
	AllowedOrigins []string
	Log            *zap.Logger
}

// Handler is the websocket gateway: it upgrades sockets and turns client
// events into registry, presence and router calls.
type Handler struct {
	registry     *connection.Registry
	router       *room.Router
	presence     *presence.Tracker
	limiter      *ratelimit.Limiter
	metrics      *metrics.Recorder
	validator    myMiddleware.TokenValidator
	participants Authorizer
	publisher    ActionPublisher
	upgrader     websocket.Upgrader
	log          *zap.Logger

	mu      sync.Mutex
	clients map[*Client]struct{}
	closing bool
	active  sync.WaitGroup
}

func NewHandler(opts Options) *Handler {
	return &Handler{
		registry:     opts.Registry,
		router:       opts.Router,
		presence:     opts.Presence,
		limiter:      opts.Limiter,
		metrics:      opts.Metrics,
		validator:    opts.Validator,
		participants: opts.Participants,
		publisher:    opts.Publisher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(opts.AllowedOrigins),
		},
		log:     opts.Log.Named("gateway"),
		clients: make(map[*Client]struct{}),
	}
}

// ServeWs expects the optional auth middleware in front of it: an invalid
// handshake token never gets here, a missing one leaves the socket waiting
// for an authenticate event.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	identity, _ := myMiddleware.IdentityFrom(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		handler: h,
		conn:    conn,
		sock:    room.NewConn(uuid.NewString()),
		done:    make(chan struct{}),
	}
	client.log = h.log.With(zap.String("conn_id", client.sock.ID))
	if !h.track(client) {
		_ = conn.WriteControl(websocket.CloseMessage, goingAway, time.Now().Add(writeWait))
		conn.Close()
		return
	}

	// The hub knows the socket before authentication so errors can reach it.
	h.router.Hub().Register(client.sock)

	go client.writePump()

	if identity != nil {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		err := client.authenticate(ctx, identity)
		cancel()
		if err != nil {
			client.log.Warn("connect rejected", zap.Error(err))
			h.router.Hub().Unregister(client.sock.ID)
			h.untrack(client)
			return
		}
	}

	go client.readPump()
}

var goingAway = websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")

func (h *Handler) track(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.clients[c] = struct{}{}
	h.active.Add(1)
	return true
}

func (h *Handler) untrack(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	h.active.Done()
}

// Shutdown refuses new sockets, closes the open ones and waits until every
// one of them has released its shared state, or ctx is done. The hub and the
// store must keep running until it returns.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	for _, c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage, goingAway, deadline)
		c.conn.Close()
	}

	drained := make(chan struct{})
	go func() {
		h.active.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// checkOrigin allows every origin when the list is empty or holds "*".
// Requests without an Origin header are not from browsers and pass.
func checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, a := range allowed {
			if strings.EqualFold(strings.TrimSuffix(a, "/"), u.Scheme+"://"+u.Host) {
				return true
			}
		}
		return false
	}
}
