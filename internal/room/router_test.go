package room

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"go-chat-realtime/internal/kvs"
	"go-chat-realtime/internal/kvs/kvstest"
	"go-chat-realtime/internal/presence"
)

type instance struct {
	router  *Router
	tracker *presence.Tracker
	store   *kvs.Store
}

func newInstance(t *testing.T, id string, store *kvs.Store) *instance {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewHub()
	go hub.Run(ctx)
	tracker := presence.NewTracker(store, zap.NewNop())
	r := NewRouter(hub, store, tracker, id, 5*time.Second, zap.NewNop())
	tracker.SetPublisher(r)

	sub, err := r.Subscribe(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return &instance{router: r, tracker: tracker, store: store}
}

func newCluster(t *testing.T) (*instance, *instance, *miniredis.Miniredis) {
	t.Helper()
	store, mr := kvstest.New(t)
	return newInstance(t, "i1", store), newInstance(t, "i2", kvstest.Connect(t, mr)), mr
}

// attach registers a socket for the user the way the connection layer does.
func (in *instance) attach(t *testing.T, connID, userID string) *Conn {
	t.Helper()
	c := NewConn(connID)
	in.router.Hub().Register(c)
	in.router.Hub().BindUser(connID, userID)
	_, err := in.tracker.MarkConnected(context.Background(), userID, connID)
	require.NoError(t, err)
	drain(c)
	return c
}

func drain(c *Conn) {
	for {
		select {
		case <-c.Outbound():
		case <-time.After(100 * time.Millisecond):
			return
		}
	}
}

func nextFrame(t *testing.T, c *Conn, event string) map[string]any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case b, ok := <-c.Outbound():
			require.True(t, ok)
			var f struct {
				Event string         `json:"event"`
				Data  map[string]any `json:"data"`
			}
			require.NoError(t, json.Unmarshal(b, &f))
			if f.Event == event {
				return f.Data
			}
		case <-deadline:
			t.Fatalf("%s never received %s", c.ID, event)
			return nil
		}
	}
}

func countFrames(c *Conn, event string, wait time.Duration) int {
	n := 0
	timeout := time.After(wait)
	for {
		select {
		case b, ok := <-c.Outbound():
			if !ok {
				return n
			}
			var f Frame
			if json.Unmarshal(b, &f) == nil && f.Event == event {
				n++
			}
		case <-timeout:
			return n
		}
	}
}

func TestRouter_CrossInstanceRoomDelivery(t *testing.T) {
	ctx := context.Background()
	one, two, _ := newCluster(t)

	a := one.attach(t, "a1", "alice")
	b := two.attach(t, "b1", "bob")
	_, err := one.router.Join(ctx, Member{ConnID: "a1", UserID: "alice"}, "general")
	require.NoError(t, err)
	_, err = two.router.Join(ctx, Member{ConnID: "b1", UserID: "bob"}, "general")
	require.NoError(t, err)

	joined := nextFrame(t, a, EventUserJoinedRoom)
	assert.Equal(t, "bob", joined["userId"])

	require.NoError(t, one.router.DeliverToRoom(ctx, "general", "new_message", map[string]any{"content": "hello"}))

	msg := nextFrame(t, b, "new_message")
	assert.Equal(t, "hello", msg["content"])
	assert.Equal(t, "hello", nextFrame(t, a, "new_message")["content"], "sender instance delivers locally")
}

func TestRouter_AtMostOncePerLocalConnection(t *testing.T) {
	ctx := context.Background()
	one, two, _ := newCluster(t)

	a := one.attach(t, "a1", "alice")
	b := two.attach(t, "b1", "bob")
	_, err := one.router.Join(ctx, Member{ConnID: "a1", UserID: "alice"}, "r")
	require.NoError(t, err)
	_, err = two.router.Join(ctx, Member{ConnID: "b1", UserID: "bob"}, "r")
	require.NoError(t, err)
	drain(a)

	require.NoError(t, one.router.DeliverToRoom(ctx, "r", "ping", map[string]any{}))

	assert.Equal(t, 1, countFrames(a, "ping", 300*time.Millisecond))
	assert.Equal(t, 1, countFrames(b, "ping", 300*time.Millisecond))
}

func TestRouter_ExcludeSkipsSenderEverywhere(t *testing.T) {
	ctx := context.Background()
	one, two, _ := newCluster(t)

	a := one.attach(t, "a1", "alice")
	a2 := two.attach(t, "a2", "alice")
	for _, m := range []struct {
		in   *instance
		conn string
	}{{one, "a1"}, {two, "a2"}} {
		_, err := m.in.router.Join(ctx, Member{ConnID: m.conn, UserID: "alice"}, "r")
		require.NoError(t, err)
	}

	require.NoError(t, one.router.Typing(ctx, Member{ConnID: "a1", UserID: "alice", Username: "Alice"}, "r", true))

	typing := nextFrame(t, a2, EventUserTyping)
	assert.Equal(t, true, typing["isTyping"])
	assert.Equal(t, 0, countFrames(a, EventUserTyping, 200*time.Millisecond))
}

func TestRouter_JoinLeaveRestoresMembership(t *testing.T) {
	ctx := context.Background()
	one, _, mr := newCluster(t)
	one.attach(t, "a1", "alice")
	m := Member{ConnID: "a1", UserID: "alice"}

	before := mr.Keys()

	added, err := one.router.Join(ctx, m, "r")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = one.router.Join(ctx, m, "r")
	require.NoError(t, err)
	assert.False(t, added, "second join is not new")

	users, err := one.router.RoomUsers(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, users)
	rooms, err := one.router.UserRooms(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"r"}, rooms)

	removed, err := one.router.Leave(ctx, m, "r", false)
	require.NoError(t, err)
	assert.True(t, removed)

	assert.ElementsMatch(t, before, mr.Keys())
	assert.Empty(t, one.router.Hub().RoomConnections("r"))
}

func TestRouter_LeaveRetainedKeepsSharedMembership(t *testing.T) {
	ctx := context.Background()
	one, two, _ := newCluster(t)
	one.attach(t, "a1", "alice")
	b := two.attach(t, "b1", "bob")
	_, err := one.router.Join(ctx, Member{ConnID: "a1", UserID: "alice"}, "r")
	require.NoError(t, err)
	_, err = two.router.Join(ctx, Member{ConnID: "b1", UserID: "bob"}, "r")
	require.NoError(t, err)
	drain(b)

	removed, err := one.router.Leave(ctx, Member{ConnID: "a1", UserID: "alice"}, "r", true)
	require.NoError(t, err)
	assert.False(t, removed)

	users, err := one.router.RoomUsers(ctx, "r")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, users)
	assert.Equal(t, 0, countFrames(b, EventUserLeftRoom, 200*time.Millisecond))

	_, err = one.router.Leave(ctx, Member{ConnID: "a1", UserID: "alice"}, "r", false)
	require.NoError(t, err)
	left := nextFrame(t, b, EventUserLeftRoom)
	assert.Equal(t, "alice", left["userId"])
}

func TestRouter_DeliverToUserReachesEveryInstance(t *testing.T) {
	ctx := context.Background()
	one, two, _ := newCluster(t)

	a1 := one.attach(t, "a1", "alice")
	a2 := two.attach(t, "a2", "alice")
	other := two.attach(t, "b1", "bob")

	require.NoError(t, two.router.DeliverToUser(ctx, "alice", "notification", map[string]any{"title": "hi"}))

	assert.Equal(t, "hi", nextFrame(t, a1, "notification")["title"])
	assert.Equal(t, "hi", nextFrame(t, a2, "notification")["title"])
	assert.Equal(t, 0, countFrames(other, "notification", 200*time.Millisecond))
}

func TestRouter_TypingExpires(t *testing.T) {
	ctx := context.Background()
	one, _, mr := newCluster(t)
	one.attach(t, "a1", "alice")
	m := Member{ConnID: "a1", UserID: "alice"}

	require.NoError(t, one.router.Typing(ctx, m, "r", true))
	typing, err := one.router.IsTyping(ctx, "r", "alice")
	require.NoError(t, err)
	assert.True(t, typing)

	mr.FastForward(6 * time.Second)

	typing, err = one.router.IsTyping(ctx, "r", "alice")
	require.NoError(t, err)
	assert.False(t, typing)

	require.NoError(t, one.router.Typing(ctx, m, "r", true))
	require.NoError(t, one.router.Typing(ctx, m, "r", false))
	typing, err = one.router.IsTyping(ctx, "r", "alice")
	require.NoError(t, err)
	assert.False(t, typing)
}

func TestRouter_PresenceChangeReachesRooms(t *testing.T) {
	ctx := context.Background()
	one, two, _ := newCluster(t)

	one.attach(t, "a1", "alice")
	b := two.attach(t, "b1", "bob")
	_, err := one.router.Join(ctx, Member{ConnID: "a1", UserID: "alice"}, "r")
	require.NoError(t, err)
	_, err = two.router.Join(ctx, Member{ConnID: "b1", UserID: "bob"}, "r")
	require.NoError(t, err)
	drain(b)

	_, err = one.tracker.SetStatus(ctx, "alice", presence.StatusBusy)
	require.NoError(t, err)

	update := nextFrame(t, b, EventPresenceUpdate)
	assert.Equal(t, "alice", update["userId"])
	assert.Equal(t, "busy", update["presence"].(map[string]any)["status"])
}

func TestRouter_PresenceChangeOncePerSocket(t *testing.T) {
	ctx := context.Background()
	one, two, _ := newCluster(t)

	a1 := one.attach(t, "a1", "alice")
	a2 := two.attach(t, "a2", "alice")
	b := two.attach(t, "b1", "bob")
	joins := []struct {
		in *instance
		m  Member
	}{
		{one, Member{ConnID: "a1", UserID: "alice"}},
		{two, Member{ConnID: "a2", UserID: "alice"}},
		{two, Member{ConnID: "b1", UserID: "bob"}},
	}
	for _, roomID := range []string{"r1", "r2", "r3"} {
		for _, j := range joins {
			_, err := j.in.router.Join(ctx, j.m, roomID)
			require.NoError(t, err)
		}
	}
	for _, c := range []*Conn{a1, a2, b} {
		drain(c)
	}

	_, err := one.tracker.SetStatus(ctx, "alice", presence.StatusAway)
	require.NoError(t, err)

	for _, c := range []*Conn{a1, a2, b} {
		assert.Equal(t, 1, countFrames(c, EventPresenceUpdate, 300*time.Millisecond), c.ID)
	}
}

func TestRouter_MalformedEnvelopeIsIgnored(t *testing.T) {
	ctx := context.Background()
	one, _, _ := newCluster(t)
	a := one.attach(t, "a1", "alice")
	_, err := one.router.Join(ctx, Member{ConnID: "a1", UserID: "alice"}, "r")
	require.NoError(t, err)

	require.NoError(t, one.store.Client().Publish(ctx, kvs.BroadcastChannel, "{nope").Err())
	require.NoError(t, one.store.Publish(ctx, kvs.BroadcastChannel, Envelope{
		Event: "remote", Data: json.RawMessage(`{"n":1}`), RoomID: "r", Origin: "elsewhere",
	}))

	assert.EqualValues(t, 1, nextFrame(t, a, "remote")["n"])
}
