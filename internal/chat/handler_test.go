package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"go-chat-realtime/internal/auth"
	"go-chat-realtime/internal/connection"
	"go-chat-realtime/internal/kvs"
	"go-chat-realtime/internal/kvs/kvstest"
	"go-chat-realtime/internal/metrics"
	myMiddleware "go-chat-realtime/internal/middleware"
	"go-chat-realtime/internal/presence"
	"go-chat-realtime/internal/ratelimit"
	"go-chat-realtime/internal/room"
)

var tokens = auth.NewService("test-secret", time.Hour)

type fakePublisher struct {
	mu      sync.Mutex
	actions []string
	err     error
}

func (f *fakePublisher) Publish(_ context.Context, action string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.actions = append(f.actions, action)
	return nil
}

func (f *fakePublisher) published() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.actions...)
}

// members authorizes joins from a fixed room -> users table.
type members map[string][]string

func (m members) IsParticipant(_ context.Context, roomID, userID string) (bool, error) {
	for _, u := range m[roomID] {
		if u == userID {
			return true, nil
		}
	}
	return false, nil
}

type gateway struct {
	srv      *httptest.Server
	handler  *Handler
	tracker  *presence.Tracker
	registry *connection.Registry
	pub      *fakePublisher
}

func newGateway(t *testing.T, id string, store *kvs.Store, configure ...func(*Options, *kvs.Store)) *gateway {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	log := zap.NewNop()
	hub := room.NewHub()
	go hub.Run(ctx)
	tracker := presence.NewTracker(store, log)
	router := room.NewRouter(hub, store, tracker, id, 5*time.Second, log)
	tracker.SetPublisher(router)
	sub, err := router.Subscribe(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	rec := metrics.NewRecorder(store, log)
	registry := connection.NewRegistry(store, tracker, router, rec, log)
	pub := &fakePublisher{}

	opts := Options{
		Registry:       registry,
		Router:         router,
		Presence:       tracker,
		Limiter:        ratelimit.New(store.Client(), 100, time.Minute),
		Metrics:        rec,
		Validator:      tokens,
		Publisher:      pub,
		AllowedOrigins: []string{"http://localhost:3000"},
		Log:            log,
	}
	for _, fn := range configure {
		fn(&opts, store)
	}
	h := NewHandler(opts)

	r := chi.NewRouter()
	r.With(myMiddleware.NewAuthMiddleware(tokens).Optional).Get("/ws", h.ServeWs)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &gateway{srv: srv, handler: h, tracker: tracker, registry: registry, pub: pub}
}

func newCluster(t *testing.T, configure ...func(*Options, *kvs.Store)) (*gateway, *gateway) {
	t.Helper()
	store, mr := kvstest.New(t)
	return newGateway(t, "i1", store, configure...), newGateway(t, "i2", kvstest.Connect(t, mr), configure...)
}

func token(t *testing.T, user string) string {
	t.Helper()
	tok, err := tokens.Issue(auth.Identity{UserID: user, Username: user})
	require.NoError(t, err)
	return tok
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type peer struct {
	t       *testing.T
	conn    *websocket.Conn
	pending []frame
}

func dial(t *testing.T, g *gateway, tok string) (*peer, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/ws"
	if tok != "" {
		url += "?token=" + tok
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, resp, err
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &peer{t: t, conn: conn}, resp, nil
}

// connect dials as user and waits for the connection acknowledgement.
func connect(t *testing.T, g *gateway, user string) *peer {
	t.Helper()
	p, _, err := dial(t, g, token(t, user))
	require.NoError(t, err)
	p.next("connected")
	return p
}

func (p *peer) send(event string, data any) {
	p.t.Helper()
	require.NoError(p.t, p.conn.WriteJSON(map[string]any{"event": event, "data": data}))
}

func (p *peer) read() (frame, error) {
	if len(p.pending) == 0 {
		_ = p.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, msg, err := p.conn.ReadMessage()
		if err != nil {
			return frame{}, err
		}
		for _, line := range bytes.Split(msg, []byte{'\n'}) {
			var f frame
			require.NoError(p.t, json.Unmarshal(line, &f))
			p.pending = append(p.pending, f)
		}
	}
	f := p.pending[0]
	p.pending = p.pending[1:]
	return f, nil
}

// nextWhere skips frames until one named event satisfies match.
func (p *peer) nextWhere(event string, match func(map[string]any) bool) map[string]any {
	p.t.Helper()
	for {
		f, err := p.read()
		require.NoError(p.t, err, "waiting for %s", event)
		if f.Event != event {
			continue
		}
		var data map[string]any
		require.NoError(p.t, json.Unmarshal(f.Data, &data))
		if match == nil || match(data) {
			return data
		}
	}
}

func (p *peer) next(event string) map[string]any {
	p.t.Helper()
	return p.nextWhere(event, nil)
}

func (p *peer) join(roomID string) {
	p.t.Helper()
	p.send(EventJoinRoom, map[string]string{"roomId": roomID})
	p.next(EventRoomJoined)
}

func TestGateway_CrossInstanceMessage(t *testing.T) {
	one, two := newCluster(t)
	alice := connect(t, one, "alice")
	bob := connect(t, two, "bob")
	alice.join("general")
	bob.join("general")

	alice.send(EventSendMessage, map[string]string{"roomId": "general", "content": "hello bob"})

	msg := bob.next(EventNewMessage)
	assert.Equal(t, "hello bob", msg["content"])
	assert.Equal(t, "general", msg["chatId"])
	assert.Equal(t, "alice", msg["senderId"])
	assert.Equal(t, "sent", msg["status"])

	own := alice.next(EventNewMessage)
	assert.Equal(t, msg["id"], own["id"])
	assert.Equal(t, []string{ActionSendMessage}, one.pub.published())
}

func TestGateway_JoinNoticeAndTyping(t *testing.T) {
	one, two := newCluster(t)
	alice := connect(t, one, "alice")
	bob := connect(t, two, "bob")
	alice.join("general")
	bob.join("general")

	joined := alice.next(room.EventUserJoinedRoom)
	assert.Equal(t, "bob", joined["userId"])

	bob.send(EventTypingStart, map[string]string{"roomId": "general"})
	typing := alice.next(room.EventUserTyping)
	assert.Equal(t, "bob", typing["userId"])
	assert.Equal(t, true, typing["isTyping"])
}

func TestGateway_DirectMessage(t *testing.T) {
	one, two := newCluster(t)
	alice := connect(t, one, "alice")
	bob := connect(t, two, "bob")

	alice.send(EventSendMessage, map[string]string{"recipientId": "bob", "content": "psst"})

	got := bob.next(EventNewMessage)
	assert.Equal(t, "psst", got["content"])
	assert.Equal(t, "bob", got["recipientId"])
	echo := alice.next(EventNewMessage)
	assert.Equal(t, got["id"], echo["id"])
}

func TestGateway_InvalidHandshakeTokenIsRefused(t *testing.T) {
	one, _ := newCluster(t)
	_, resp, err := dial(t, one, "not-a-token")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGateway_AuthenticateAfterUpgrade(t *testing.T) {
	one, _ := newCluster(t)
	p, _, err := dial(t, one, "")
	require.NoError(t, err)

	p.send(EventJoinRoom, map[string]string{"roomId": "general"})
	e := p.next(EventError)
	assert.Equal(t, CodeNotAuthenticated, e["code"])

	p.send(EventAuthenticate, map[string]string{"token": token(t, "carol")})
	ack := p.next("connected")
	assert.Equal(t, "carol", ack["userId"])

	p.join("general")
}

func TestGateway_BadAuthenticateClosesSocket(t *testing.T) {
	one, _ := newCluster(t)
	p, _, err := dial(t, one, "")
	require.NoError(t, err)

	p.send(EventAuthenticate, map[string]string{"token": "forged"})
	e := p.next(EventError)
	assert.Equal(t, CodeAuthFailed, e["code"])

	for {
		if _, err = p.read(); err != nil {
			break
		}
	}
	var closeErr *websocket.CloseError
	assert.True(t, errors.As(err, &closeErr) || strings.Contains(err.Error(), "closed"), err.Error())
}

func TestGateway_ActionErrorsKeepSocketOpen(t *testing.T) {
	one, _ := newCluster(t, func(o *Options, _ *kvs.Store) {
		o.Participants = members{"general": {"alice"}}
	})
	alice := connect(t, one, "alice")

	tests := []struct {
		event string
		data  any
		code  string
	}{
		{"dance", map[string]string{}, CodeUnknownEvent},
		{EventJoinRoom, map[string]string{}, CodeInvalidPayload},
		{EventJoinRoom, map[string]string{"roomId": "secret"}, CodeForbidden},
		{EventSendMessage, map[string]string{"roomId": "general", "content": "hi"}, CodeNotInRoom},
		{EventTypingStart, map[string]string{"roomId": "general"}, CodeNotInRoom},
		{EventUpdatePresence, map[string]string{"status": "sleepy"}, CodeInvalidStatus},
		{EventSendMessage, map[string]string{"content": "nowhere"}, CodeInvalidPayload},
	}
	for _, tt := range tests {
		alice.send(tt.event, tt.data)
		e := alice.next(EventError)
		assert.Equal(t, tt.code, e["code"], tt.event)
	}

	require.NoError(t, alice.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, CodeInvalidPayload, alice.next(EventError)["code"])

	alice.join("general")
}

func TestGateway_PublishFailureSkipsDelivery(t *testing.T) {
	one, _ := newCluster(t)
	one.pub.err = errors.New("broker down")
	alice := connect(t, one, "alice")
	alice.join("general")

	alice.send(EventSendMessage, map[string]string{"roomId": "general", "content": "lost"})
	e := alice.next(EventError)
	assert.Equal(t, CodeInternal, e["code"])

	alice.send(EventGetOnlineUsers, map[string]string{"roomId": "general"})
	alice.next(EventOnlineUsers)
}

func TestGateway_RateLimit(t *testing.T) {
	one, _ := newCluster(t, func(o *Options, store *kvs.Store) {
		o.Limiter = ratelimit.New(store.Client(), 2, time.Minute)
	})
	alice := connect(t, one, "alice")

	alice.join("general")
	alice.send(EventGetOnlineUsers, map[string]string{"roomId": "general"})
	alice.next(EventOnlineUsers)

	alice.send(EventGetOnlineUsers, map[string]string{"roomId": "general"})
	e := alice.next(EventError)
	assert.Equal(t, CodeRateLimited, e["code"])
}

func TestGateway_PresenceQueries(t *testing.T) {
	one, two := newCluster(t)
	alice := connect(t, one, "alice")
	bob := connect(t, two, "bob")
	alice.join("general")
	bob.join("general")

	alice.send(EventUpdatePresence, map[string]string{"status": "busy"})
	bob.nextWhere(room.EventPresenceUpdate, func(d map[string]any) bool {
		p, _ := d["presence"].(map[string]any)
		return d["userId"] == "alice" && p["status"] == "busy"
	})

	bob.send(EventGetOnlineUsers, map[string]string{"roomId": "general"})
	online := bob.next(EventOnlineUsers)
	users := online["users"].([]any)
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].(map[string]any)["userId"])
	assert.Equal(t, "busy", users[0].(map[string]any)["status"])

	alice.send(EventSetActiveChat, map[string]string{"chatId": "general"})
	require.Eventually(t, func() bool {
		p, err := two.tracker.Get(context.Background(), "alice")
		return err == nil && p != nil && p.ActiveChatID == "general"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_DisconnectGoesOffline(t *testing.T) {
	one, two := newCluster(t)
	alice := connect(t, one, "alice")
	bob := connect(t, two, "bob")
	alice.join("general")
	bob.join("general")

	require.NoError(t, alice.conn.Close())

	bob.nextWhere(room.EventPresenceUpdate, func(d map[string]any) bool {
		p, _ := d["presence"].(map[string]any)
		return d["userId"] == "alice" && p["status"] == string(presence.StatusOffline)
	})
	bob.nextWhere(room.EventUserLeftRoom, func(d map[string]any) bool { return d["userId"] == "alice" })

	bob.send(EventGetPresence, map[string]any{"userIds": []string{"alice"}})
	bulk := bob.next(EventPresenceBulk)
	got := bulk["presences"].(map[string]any)["alice"].(map[string]any)
	assert.Equal(t, string(presence.StatusOffline), got["status"])
}

func TestGateway_ShutdownReleasesSockets(t *testing.T) {
	one, two := newCluster(t)
	alice := connect(t, one, "alice")
	connect(t, one, "alice")
	connect(t, two, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, one.handler.Shutdown(ctx))

	online, err := two.tracker.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, online, "released before Shutdown returned")
	online, err = two.tracker.IsOnline(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, online)

	stats, err := one.registry.StatsSnapshot(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.LocalConnections)

	var readErr error
	for readErr == nil {
		_, readErr = alice.read()
	}
	assert.True(t, websocket.IsCloseError(readErr, websocket.CloseGoingAway), "got %v", readErr)

	late, _, err := dial(t, one, token(t, "carol"))
	require.NoError(t, err)
	_, err = late.read()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "new sockets are turned away, got %v", err)
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		allowed []string
		origin  string
		want    bool
	}{
		{nil, "http://evil.test", true},
		{[]string{"*"}, "http://evil.test", true},
		{[]string{"http://localhost:3000"}, "http://localhost:3000", true},
		{[]string{"http://localhost:3000/"}, "http://LOCALHOST:3000", true},
		{[]string{"http://localhost:3000"}, "http://evil.test", false},
		{[]string{"http://localhost:3000"}, "", true},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, checkOrigin(tt.allowed)(r), "%v %s", tt.allowed, tt.origin)
	}
}
