package room

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub()
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h
}

func recv(t *testing.T, c *Conn) string {
	t.Helper()
	select {
	case b, ok := <-c.Outbound():
		require.True(t, ok, "outbound closed")
		return string(b)
	case <-time.After(time.Second):
		t.Fatalf("no frame for %s", c.ID)
		return ""
	}
}

func assertSilent(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case b := <-c.Outbound():
		t.Fatalf("unexpected frame for %s: %s", c.ID, b)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_DeliverToRoom(t *testing.T) {
	h := startHub(t)
	a, b, c := NewConn("a"), NewConn("b"), NewConn("c")
	for _, conn := range []*Conn{a, b, c} {
		h.Register(conn)
	}
	h.Join("a", "general")
	h.Join("b", "general")

	h.Deliver(Target{RoomID: "general", Exclude: "a"}, []byte("hi"))

	assert.Equal(t, "hi", recv(t, b))
	assertSilent(t, a)
	assertSilent(t, c)
	assert.ElementsMatch(t, []string{"a", "b"}, h.RoomConnections("general"))
}

func TestHub_SeveralRoomsDeliverOnceAndSkipExcludedUser(t *testing.T) {
	h := startHub(t)
	a, b, c := NewConn("a"), NewConn("b"), NewConn("c")
	for _, conn := range []*Conn{a, b, c} {
		h.Register(conn)
	}
	h.BindUser("a", "alice")
	h.BindUser("b", "bob")
	for _, roomID := range []string{"r1", "r2"} {
		h.Join("a", roomID)
		h.Join("b", roomID)
	}
	h.Join("c", "r2")

	h.Deliver(Target{RoomIDs: []string{"r1", "r2"}, ExcludeUser: "alice"}, []byte("p"))

	assert.Equal(t, "p", recv(t, b))
	assertSilent(t, b)
	assert.Equal(t, "p", recv(t, c))
	assertSilent(t, a)
}

func TestHub_UserAndConnectionTargetsAreUnioned(t *testing.T) {
	h := startHub(t)
	a, b, c := NewConn("a"), NewConn("b"), NewConn("c")
	for _, conn := range []*Conn{a, b, c} {
		h.Register(conn)
	}
	h.BindUser("a", "alice")
	h.BindUser("a", "mallory")
	h.BindUser("b", "alice")

	h.Deliver(Target{UserID: "alice", ConnIDs: []string{"a", "c", "unknown"}}, []byte("x"))

	assert.Equal(t, "x", recv(t, a))
	assertSilent(t, a)
	assert.Equal(t, "x", recv(t, b))
	assert.Equal(t, "x", recv(t, c))

	h.Deliver(Target{UserID: "mallory"}, []byte("y"))
	assertSilent(t, a)
}

func TestHub_LeaveAndUnregister(t *testing.T) {
	h := startHub(t)
	a := NewConn("a")
	h.Register(a)
	h.Join("a", "r1")
	h.Join("a", "r2")

	h.Leave("a", "r1")
	assert.Empty(t, h.RoomConnections("r1"))
	assert.Equal(t, []string{"a"}, h.RoomConnections("r2"))

	h.Unregister("a")
	h.Unregister("a")
	_, ok := <-a.Outbound()
	assert.False(t, ok)
	assert.False(t, h.Has("a"))
	assert.Empty(t, h.RoomConnections("r2"))
}

func TestHub_SlowConsumerIsDropped(t *testing.T) {
	h := startHub(t)
	slow := NewConn("slow")
	h.Register(slow)
	h.Join("slow", "r")

	for i := 0; i <= sendBuffer; i++ {
		h.Deliver(Target{RoomID: "r"}, []byte("m"))
	}
	assert.False(t, h.Has("slow"))
}

func TestHub_ShutdownClosesConnections(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub()
	stopped := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(stopped)
	}()
	a := NewConn("a")
	h.Register(a)

	cancel()
	<-stopped
	_, ok := <-a.Outbound()
	assert.False(t, ok)

	// Calls after shutdown return instead of blocking.
	h.Join("a", "r")
	assert.False(t, h.Has("a"))
}
