package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"go-chat-realtime/internal/kvs"
	"go-chat-realtime/internal/presence"
)

// Outbound event names emitted by the router itself.
const (
	EventUserJoinedRoom = "user_joined_room"
	EventUserLeftRoom   = "user_left_room"
	EventUserTyping     = "user_typing"
	EventPresenceUpdate = "presence_update"
)

// Frame is the unit written to a socket.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Envelope is what travels between instances on the broadcast channel.
type Envelope struct {
	Event         string          `json:"event"`
	Data          json.RawMessage `json:"data"`
	RoomID        string          `json:"roomId,omitempty"`
	RoomIDs       []string        `json:"roomIds,omitempty"`
	UserID        string          `json:"userId,omitempty"`
	ConnectionIDs []string        `json:"connectionIds,omitempty"`
	Exclude       string          `json:"exclude,omitempty"`
	ExcludeUser   string          `json:"excludeUser,omitempty"`
	Origin        string          `json:"origin"`
}

// Member identifies a connection acting in a room.
type Member struct {
	ConnID   string
	UserID   string
	Username string
}

// ConnectionLookup resolves every connection of a user across the cluster.
type ConnectionLookup interface {
	Connections(ctx context.Context, userID string) ([]string, error)
}

type Router struct {
	hub        *Hub
	store      *kvs.Store
	lookup     ConnectionLookup
	instanceID string
	typingTTL  time.Duration
	log        *zap.Logger
	now        func() time.Time
}

func NewRouter(hub *Hub, store *kvs.Store, lookup ConnectionLookup, instanceID string, typingTTL time.Duration, log *zap.Logger) *Router {
	return &Router{
		hub:        hub,
		store:      store,
		lookup:     lookup,
		instanceID: instanceID,
		typingTTL:  typingTTL,
		log:        log.Named("router"),
		now:        time.Now,
	}
}

// Subscribe attaches this instance to the shared broadcast channel.
func (r *Router) Subscribe(ctx context.Context) (*kvs.Subscription, error) {
	return r.store.Subscribe(ctx, kvs.BroadcastChannel, r.onBroadcast)
}

func (r *Router) Hub() *Hub {
	return r.hub
}

func (r *Router) InstanceID() string {
	return r.instanceID
}

// Join adds the connection to the local room and the user to the shared
// membership sets. Other members hear about it only if the user is new to the room.
func (r *Router) Join(ctx context.Context, m Member, roomID string) (bool, error) {
	added, err := r.store.Link(ctx, kvs.RoomUsersKey(roomID), m.UserID, kvs.UserRoomsKey(m.UserID), roomID)
	if err != nil {
		return false, fmt.Errorf("join %s: %w", roomID, err)
	}
	r.hub.Join(m.ConnID, roomID)

	if added == 0 {
		return false, nil
	}
	err = r.DeliverToRoomExcept(ctx, roomID, m.ConnID, EventUserJoinedRoom, map[string]any{
		"userId":    m.UserID,
		"username":  m.Username,
		"roomId":    roomID,
		"timestamp": r.now(),
	})
	if err != nil {
		r.log.Warn("join notice not broadcast", zap.String("room_id", roomID), zap.Error(err))
	}
	return true, nil
}

// Leave detaches the connection locally. Unless retain is set, the user also
// leaves the shared membership sets and the remaining members are told.
func (r *Router) Leave(ctx context.Context, m Member, roomID string, retain bool) (bool, error) {
	r.hub.Leave(m.ConnID, roomID)
	if retain {
		return false, nil
	}

	removed, err := r.store.Unlink(ctx, kvs.RoomUsersKey(roomID), m.UserID, kvs.UserRoomsKey(m.UserID), roomID)
	if err != nil {
		return false, fmt.Errorf("leave %s: %w", roomID, err)
	}
	if removed == 0 {
		return false, nil
	}
	err = r.DeliverToRoom(ctx, roomID, EventUserLeftRoom, map[string]any{
		"userId":    m.UserID,
		"username":  m.Username,
		"roomId":    roomID,
		"timestamp": r.now(),
	})
	if err != nil {
		r.log.Warn("leave notice not broadcast", zap.String("room_id", roomID), zap.Error(err))
	}
	return true, nil
}

func (r *Router) DeliverToRoom(ctx context.Context, roomID, event string, payload any) error {
	return r.DeliverToRoomExcept(ctx, roomID, "", event, payload)
}

// DeliverToRoomExcept fans out to every connection in the room on every
// instance, skipping one connection (usually the sender).
func (r *Router) DeliverToRoomExcept(ctx context.Context, roomID, exceptConnID, event string, payload any) error {
	return r.fanOut(ctx, Target{RoomID: roomID, Exclude: exceptConnID}, event, payload)
}

// DeliverToUser reaches every connection of the user known to presence, plus
// any local socket already bound to the user.
func (r *Router) DeliverToUser(ctx context.Context, userID, event string, payload any) error {
	connIDs, err := r.lookup.Connections(ctx, userID)
	if err != nil {
		r.log.Warn("presence lookup failed, delivering by user channel",
			zap.String("user_id", userID), zap.Error(err))
	}
	return r.fanOut(ctx, Target{UserID: userID, ConnIDs: connIDs}, event, payload)
}

// Emit writes straight to one local connection.
func (r *Router) Emit(connID, event string, payload any) error {
	frame, err := json.Marshal(Frame{Event: event, Data: payload})
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	r.hub.Deliver(Target{ConnIDs: []string{connID}}, frame)
	return nil
}

// Typing records a short-lived indicator and tells the rest of the room.
func (r *Router) Typing(ctx context.Context, m Member, roomID string, typing bool) error {
	key := kvs.TypingKey(roomID, m.UserID)
	var err error
	if typing {
		err = r.store.Set(ctx, key, r.now(), r.typingTTL)
	} else {
		err = r.store.Delete(ctx, key)
	}
	if err != nil {
		return err
	}
	return r.DeliverToRoomExcept(ctx, roomID, m.ConnID, EventUserTyping, map[string]any{
		"userId":   m.UserID,
		"username": m.Username,
		"roomId":   roomID,
		"isTyping": typing,
	})
}

func (r *Router) IsTyping(ctx context.Context, roomID, userID string) (bool, error) {
	return r.store.Exists(ctx, kvs.TypingKey(roomID, userID))
}

func (r *Router) RoomUsers(ctx context.Context, roomID string) ([]string, error) {
	return r.store.SetMembers(ctx, kvs.RoomUsersKey(roomID))
}

func (r *Router) UserRooms(ctx context.Context, userID string) ([]string, error) {
	return r.store.SetMembers(ctx, kvs.UserRoomsKey(userID))
}

// PresenceChanged tells the user's own sockets, then everyone sharing a room
// with the user. Each socket gets the change once, however many rooms it shares.
func (r *Router) PresenceChanged(ctx context.Context, p *presence.UserPresence) error {
	payload := map[string]any{"userId": p.UserID, "presence": p}

	rooms, err := r.UserRooms(ctx, p.UserID)
	if err != nil {
		return err
	}
	errs := []error{r.DeliverToUser(ctx, p.UserID, EventPresenceUpdate, payload)}
	if len(rooms) > 0 {
		errs = append(errs, r.fanOut(ctx, Target{RoomIDs: rooms, ExcludeUser: p.UserID}, EventPresenceUpdate, payload))
	}
	return errors.Join(errs...)
}

// fanOut delivers locally right away and publishes the envelope so every
// other instance delivers to its own sockets.
func (r *Router) fanOut(ctx context.Context, t Target, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	frame, err := json.Marshal(Frame{Event: event, Data: json.RawMessage(data)})
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	r.hub.Deliver(t, frame)

	env := Envelope{
		Event:         event,
		Data:          data,
		RoomID:        t.RoomID,
		RoomIDs:       t.RoomIDs,
		UserID:        t.UserID,
		ConnectionIDs: t.ConnIDs,
		Exclude:       t.Exclude,
		ExcludeUser:   t.ExcludeUser,
		Origin:        r.instanceID,
	}
	if err := r.store.Publish(ctx, kvs.BroadcastChannel, env); err != nil {
		return fmt.Errorf("broadcast %s: %w", event, err)
	}
	return nil
}

// onBroadcast runs for every envelope from any instance. Our own envelopes were
// already delivered locally, so they are skipped.
func (r *Router) onBroadcast(_ context.Context, payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.log.Warn("dropping malformed envelope", zap.Error(err))
		return
	}
	if env.Origin == r.instanceID {
		return
	}
	frame, err := json.Marshal(Frame{Event: env.Event, Data: env.Data})
	if err != nil {
		r.log.Warn("dropping unencodable envelope", zap.String("event", env.Event), zap.Error(err))
		return
	}
	r.hub.Deliver(Target{
		RoomID:      env.RoomID,
		RoomIDs:     env.RoomIDs,
		UserID:      env.UserID,
		ConnIDs:     env.ConnectionIDs,
		Exclude:     env.Exclude,
		ExcludeUser: env.ExcludeUser,
	}, frame)
}
