package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"go-chat-realtime/internal/auth"
	"go-chat-realtime/internal/kvs"
	"go-chat-realtime/internal/metrics"
	"go-chat-realtime/internal/presence"
	"go-chat-realtime/internal/room"
)

const EventConnected = "connected"

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrNoIdentity        = errors.New("connection has no identity")
)

// Connection is the record mirrored into the shared connections hash.
type Connection struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	Instance     string    `json:"instance"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	Rooms        []string  `json:"rooms"`
}

func (c *Connection) member() room.Member {
	return room.Member{ConnID: c.ID, UserID: c.UserID, Username: c.Username}
}

// Stats is what statsSnapshot reports.
type Stats struct {
	Instance         string           `json:"instance"`
	LocalConnections int              `json:"localConnections"`
	ActiveUsers      int              `json:"activeUsers"`
	Cluster          metrics.Snapshot `json:"cluster"`
}

// Registry is the authoritative table of sockets attached to this process.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection

	store    *kvs.Store
	presence *presence.Tracker
	router   *room.Router
	metrics  *metrics.Recorder
	log      *zap.Logger
	now      func() time.Time
}

func NewRegistry(store *kvs.Store, tracker *presence.Tracker, router *room.Router, rec *metrics.Recorder, log *zap.Logger) *Registry {
	return &Registry{
		conns:    make(map[string]*Connection),
		store:    store,
		presence: tracker,
		router:   router,
		metrics:  rec,
		log:      log.Named("registry"),
		now:      time.Now,
	}
}

func (r *Registry) instanceID() string {
	return r.router.InstanceID()
}

// OnConnect records an authenticated socket. Any store failure undoes the
// partial registration and is returned; the caller must close the transport.
func (r *Registry) OnConnect(ctx context.Context, id *auth.Identity, sock *room.Conn) (*Connection, error) {
	if id == nil || id.UserID == "" {
		return nil, ErrNoIdentity
	}

	now := r.now()
	c := &Connection{
		ID:           sock.ID,
		UserID:       id.UserID,
		Username:     id.Username,
		Email:        id.Email,
		Instance:     r.instanceID(),
		ConnectedAt:  now,
		LastActivity: now,
		Rooms:        []string{},
	}

	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()
	hub := r.router.Hub()
	hub.Register(sock)
	hub.BindUser(c.ID, c.UserID)

	if err := r.store.HashSet(ctx, kvs.ConnectionsHash, c.ID, c); err != nil {
		r.rollback(c.ID, false)
		return nil, fmt.Errorf("mirror connection: %w", err)
	}
	p, err := r.presence.MarkConnected(ctx, c.UserID, c.ID)
	if err != nil {
		r.rollback(c.ID, true)
		return nil, fmt.Errorf("mark online: %w", err)
	}
	if err := r.metrics.ConnectionOpened(ctx); err != nil {
		r.log.Warn("connection counter not updated", zap.Error(err))
	}

	err = r.router.Emit(c.ID, EventConnected, map[string]any{
		"connectionId": c.ID,
		"userId":       c.UserID,
		"username":     c.Username,
		"timestamp":    now,
	})
	if err != nil {
		r.log.Warn("connected ack not sent", zap.String("conn_id", c.ID), zap.Error(err))
	}
	// The ack goes first; the socket's first presence_update follows it.
	r.presence.Announce(ctx, p)

	r.log.Info("client connected", zap.String("conn_id", c.ID), zap.String("user_id", c.UserID))
	return c.clone(), nil
}

func (r *Registry) rollback(connID string, mirrored bool) {
	r.mu.Lock()
	delete(r.conns, connID)
	r.mu.Unlock()
	r.router.Hub().Unregister(connID)
	if mirrored {
		// Fresh context: the request context may be what failed.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.store.HashDeleteField(ctx, kvs.ConnectionsHash, connID); err != nil {
			r.log.Warn("mirror rollback failed", zap.String("conn_id", connID), zap.Error(err))
		}
	}
}

// OnDisconnect tears down everything OnConnect built. Unknown ids are ignored.
// Store failures are logged, not returned.
func (r *Registry) OnDisconnect(ctx context.Context, connID string) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if ok {
		delete(r.conns, connID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	r.router.Hub().Unregister(connID)
	if err := r.release(ctx, c); err != nil {
		// The reaper releases it later and settles the counter then.
		r.log.Warn("shared state left for the reaper", zap.String("conn_id", connID), zap.Error(err))
		return
	}
	if err := r.metrics.ConnectionClosed(ctx); err != nil {
		r.log.Warn("connection counter not updated", zap.Error(err))
	}
	r.log.Info("client disconnected", zap.String("conn_id", connID), zap.String("user_id", c.UserID))
}

// release removes a connection's shared state: presence, room memberships and
// last the mirror entry. On any failure the mirror stays, so the reaper can
// find the connection and try again. Used for local disconnects and by the reaper.
func (r *Registry) release(ctx context.Context, c *Connection) error {
	if _, err := r.presence.MarkDisconnected(ctx, c.UserID, c.ID); err != nil {
		return fmt.Errorf("mark offline: %w", err)
	}

	var errs []error
	for _, roomID := range c.Rooms {
		retain, err := r.joinedElsewhere(ctx, c.UserID, c.ID, roomID)
		if err != nil {
			errs = append(errs, fmt.Errorf("room %s: %w", roomID, err))
			continue
		}
		if _, err := r.router.Leave(ctx, c.member(), roomID, retain); err != nil {
			errs = append(errs, fmt.Errorf("room %s: %w", roomID, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	if err := r.store.HashDeleteField(ctx, kvs.ConnectionsHash, c.ID); err != nil {
		return fmt.Errorf("remove mirror: %w", err)
	}
	return nil
}

// OnActivity is best-effort: failures are logged and swallowed.
func (r *Registry) OnActivity(ctx context.Context, connID string) {
	c, err := r.mutate(connID, func(c *Connection) {
		c.LastActivity = r.now()
	})
	if err != nil {
		return
	}
	if err := r.store.HashSet(ctx, kvs.ConnectionsHash, c.ID, c); err != nil {
		r.log.Debug("activity not mirrored", zap.String("conn_id", connID), zap.Error(err))
	}
	if err := r.presence.TouchLastSeen(ctx, c.UserID); err != nil {
		r.log.Debug("last seen not refreshed", zap.String("user_id", c.UserID), zap.Error(err))
	}
}

// JoinRoom reports whether the user newly entered the room's shared membership.
func (r *Registry) JoinRoom(ctx context.Context, connID, roomID string) (bool, error) {
	c, err := r.mutate(connID, func(c *Connection) {
		if !slices.Contains(c.Rooms, roomID) {
			c.Rooms = append(c.Rooms, roomID)
		}
	})
	if err != nil {
		return false, err
	}
	if err := r.store.HashSet(ctx, kvs.ConnectionsHash, c.ID, c); err != nil {
		r.dropRoom(connID, roomID)
		return false, fmt.Errorf("mirror join: %w", err)
	}

	added, err := r.router.Join(ctx, c.member(), roomID)
	if err != nil {
		if c, rerr := r.dropRoom(connID, roomID); rerr == nil {
			_ = r.store.HashSet(ctx, kvs.ConnectionsHash, c.ID, c)
		}
		return false, err
	}
	return added, nil
}

// LeaveRoom reports whether the user left the room's shared membership. It
// stays a member while another of their connections is still joined.
func (r *Registry) LeaveRoom(ctx context.Context, connID, roomID string) (bool, error) {
	c, err := r.dropRoom(connID, roomID)
	if err != nil {
		return false, err
	}
	if err := r.store.HashSet(ctx, kvs.ConnectionsHash, c.ID, c); err != nil {
		r.log.Warn("leave not mirrored", zap.String("conn_id", connID), zap.Error(err))
	}

	retain, err := r.joinedElsewhere(ctx, c.UserID, c.ID, roomID)
	if err != nil {
		return false, err
	}
	return r.router.Leave(ctx, c.member(), roomID, retain)
}

func (r *Registry) dropRoom(connID, roomID string) (*Connection, error) {
	return r.mutate(connID, func(c *Connection) {
		c.Rooms = slices.DeleteFunc(c.Rooms, func(id string) bool { return id == roomID })
	})
}

// joinedElsewhere reports whether another connection of userID, on any
// instance, is joined to roomID.
func (r *Registry) joinedElsewhere(ctx context.Context, userID, connID, roomID string) (bool, error) {
	ids, err := r.presence.Connections(ctx, userID)
	if err != nil {
		return false, err
	}
	ids = slices.DeleteFunc(ids, func(id string) bool { return id == connID })
	if len(ids) == 0 {
		return false, nil
	}

	raw, err := r.store.HashGetMany(ctx, kvs.ConnectionsHash, ids...)
	if err != nil {
		return false, err
	}
	for id, b := range raw {
		var other Connection
		if err := json.Unmarshal(b, &other); err != nil {
			r.log.Warn("unreadable connection mirror", zap.String("conn_id", id), zap.Error(err))
			continue
		}
		if slices.Contains(other.Rooms, roomID) {
			return true, nil
		}
	}
	return false, nil
}

// mutate applies fn to the local record under the lock and returns a copy.
func (r *Registry) mutate(connID string, fn func(*Connection)) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return nil, ErrUnknownConnection
	}
	fn(c)
	return c.clone(), nil
}

func (r *Registry) Get(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	return c.clone(), true
}

// InRoom reports whether the local connection has joined roomID.
func (r *Registry) InRoom(connID, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return ok && slices.Contains(c.Rooms, roomID)
}

func (r *Registry) has(connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[connID]
	return ok
}

func (r *Registry) StatsSnapshot(ctx context.Context) (Stats, error) {
	r.mu.RLock()
	users := make(map[string]struct{})
	for _, c := range r.conns {
		users[c.UserID] = struct{}{}
	}
	s := Stats{
		Instance:         r.instanceID(),
		LocalConnections: len(r.conns),
		ActiveUsers:      len(users),
	}
	r.mu.RUnlock()

	cluster, err := r.metrics.Snapshot(ctx)
	if err != nil {
		return s, err
	}
	s.Cluster = cluster
	return s, nil
}

func (c *Connection) clone() *Connection {
	cp := *c
	cp.Rooms = slices.Clone(c.Rooms)
	return &cp
}
