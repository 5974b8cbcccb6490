package room

import (
	"context"
)

const sendBuffer = 256

// Conn is the hub's handle on one locally attached socket. The transport
// drains Outbound; the hub is the only writer and the only closer.
type Conn struct {
	ID     string
	send   chan []byte
	userID string
	closed bool
}

func NewConn(id string) *Conn {
	return &Conn{ID: id, send: make(chan []byte, sendBuffer)}
}

// Outbound is closed when the hub drops the connection.
func (c *Conn) Outbound() <-chan []byte {
	return c.send
}

// Target selects local connections. ConnIDs and UserID are unioned; the rooms
// are used only when neither is set. A connection in several of the rooms is
// picked once. Exclude skips one connection, ExcludeUser every connection bound
// to that user.
type Target struct {
	RoomID      string
	RoomIDs     []string
	UserID      string
	ConnIDs     []string
	Exclude     string
	ExcludeUser string
}

type membership struct {
	connID string
	roomID string
}

type binding struct {
	connID string
	userID string
}

type delivery struct {
	target Target
	frame  []byte
}

// Hub owns every local socket and room/user index. Only Run touches the maps,
// so no locking is needed.
type Hub struct {
	conns map[string]*Conn
	rooms map[string]map[string]*Conn
	users map[string]map[string]*Conn
	// reverse index: connection -> rooms, for cleanup on unregister
	joined map[string]map[string]struct{}

	register   chan *Conn
	unregister chan string
	bind       chan binding
	join       chan membership
	leave      chan membership
	deliver    chan delivery
	query      chan func()

	done chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		conns:      make(map[string]*Conn),
		rooms:      make(map[string]map[string]*Conn),
		users:      make(map[string]map[string]*Conn),
		joined:     make(map[string]map[string]struct{}),
		register:   make(chan *Conn),
		unregister: make(chan string),
		bind:       make(chan binding),
		join:       make(chan membership),
		leave:      make(chan membership),
		deliver:    make(chan delivery),
		query:      make(chan func()),
		done:       make(chan struct{}),
	}
}

// Run is the loop that owns the state. On exit every connection's outbound
// channel is closed so the write pumps stop.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		for id := range h.conns {
			h.drop(id)
		}
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			// Registering twice is harmless; a dropped socket never comes back.
			if !c.closed {
				h.conns[c.ID] = c
			}

		case id := <-h.unregister:
			// Always check existence: a slow consumer may already have been dropped.
			if _, ok := h.conns[id]; ok {
				h.drop(id)
			}

		case b := <-h.bind:
			if c, ok := h.conns[b.connID]; ok && c.userID == "" {
				c.userID = b.userID
				addTo(h.users, b.userID, c)
			}

		case m := <-h.join:
			if c, ok := h.conns[m.connID]; ok {
				addTo(h.rooms, m.roomID, c)
				if h.joined[c.ID] == nil {
					h.joined[c.ID] = make(map[string]struct{})
				}
				h.joined[c.ID][m.roomID] = struct{}{}
			}

		case m := <-h.leave:
			removeFrom(h.rooms, m.roomID, m.connID)
			delete(h.joined[m.connID], m.roomID)

		case d := <-h.deliver:
			for _, c := range h.resolve(d.target) {
				select {
				case c.send <- d.frame:
				default:
					// Buffer full: the client can't keep up, cut it loose.
					h.drop(c.ID)
				}
			}

		case fn := <-h.query:
			fn()
		}
	}
}

func (h *Hub) resolve(t Target) []*Conn {
	seen := make(map[string]struct{})
	var out []*Conn
	add := func(c *Conn) {
		if c.ID == t.Exclude || (t.ExcludeUser != "" && c.userID == t.ExcludeUser) {
			return
		}
		if _, dup := seen[c.ID]; dup {
			return
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}

	if len(t.ConnIDs) > 0 || t.UserID != "" {
		for _, id := range t.ConnIDs {
			if c, ok := h.conns[id]; ok {
				add(c)
			}
		}
		for _, c := range h.users[t.UserID] {
			add(c)
		}
		return out
	}
	for _, c := range h.rooms[t.RoomID] {
		add(c)
	}
	for _, roomID := range t.RoomIDs {
		for _, c := range h.rooms[roomID] {
			add(c)
		}
	}
	return out
}

func (h *Hub) drop(id string) {
	c := h.conns[id]
	delete(h.conns, id)
	for roomID := range h.joined[id] {
		removeFrom(h.rooms, roomID, id)
	}
	delete(h.joined, id)
	if c.userID != "" {
		removeFrom(h.users, c.userID, id)
	}
	c.closed = true
	close(c.send)
}

func (h *Hub) Register(c *Conn) {
	select {
	case h.register <- c:
	case <-h.done:
	}
}

// Unregister drops the connection and closes its outbound channel.
func (h *Hub) Unregister(connID string) {
	select {
	case h.unregister <- connID:
	case <-h.done:
	}
}

// BindUser attaches the implicit per-user channel. A connection is bound at most once.
func (h *Hub) BindUser(connID, userID string) {
	select {
	case h.bind <- binding{connID: connID, userID: userID}:
	case <-h.done:
	}
}

func (h *Hub) Join(connID, roomID string) {
	select {
	case h.join <- membership{connID: connID, roomID: roomID}:
	case <-h.done:
	}
}

func (h *Hub) Leave(connID, roomID string) {
	select {
	case h.leave <- membership{connID: connID, roomID: roomID}:
	case <-h.done:
	}
}

func (h *Hub) Deliver(t Target, frame []byte) {
	select {
	case h.deliver <- delivery{target: t, frame: frame}:
	case <-h.done:
	}
}

// RoomConnections lists local connection ids joined to roomID.
func (h *Hub) RoomConnections(roomID string) []string {
	var ids []string
	h.inspect(func() {
		for id := range h.rooms[roomID] {
			ids = append(ids, id)
		}
	})
	return ids
}

// Has reports whether the connection is attached to this hub.
func (h *Hub) Has(connID string) bool {
	var ok bool
	h.inspect(func() { _, ok = h.conns[connID] })
	return ok
}

func (h *Hub) inspect(fn func()) {
	finished := make(chan struct{})
	select {
	case h.query <- func() { fn(); close(finished) }:
		<-finished
	case <-h.done:
	}
}

func addTo(index map[string]map[string]*Conn, key string, c *Conn) {
	if index[key] == nil {
		index[key] = make(map[string]*Conn)
	}
	index[key][c.ID] = c
}

func removeFrom(index map[string]map[string]*Conn, key, connID string) {
	if set, ok := index[key]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}
