package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"go-chat-realtime/internal/kvs"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

var (
	ErrOffline       = errors.New("cannot set presence while offline")
	ErrInvalidStatus = errors.New("invalid presence status")
)

// errUnchanged aborts an update without writing.
var errUnchanged = errors.New("presence unchanged")

// UserPresence is the cluster-wide status of one user. Status is offline
// exactly when Connections is empty.
type UserPresence struct {
	UserID       string    `json:"userId"`
	Status       Status    `json:"status"`
	LastSeen     time.Time `json:"lastSeen"`
	Connections  []string  `json:"connections"`
	ActiveChatID string    `json:"activeChatId,omitempty"`
}

func (p *UserPresence) IsOnline() bool {
	return len(p.Connections) > 0
}

// Publisher is told about every presence change that clients should see.
type Publisher interface {
	PresenceChanged(ctx context.Context, p *UserPresence) error
}

type Tracker struct {
	store     *kvs.Store
	log       *zap.Logger
	publisher Publisher
	now       func() time.Time
}

func NewTracker(store *kvs.Store, log *zap.Logger) *Tracker {
	return &Tracker{
		store: store,
		log:   log.Named("presence"),
		now:   time.Now,
	}
}

// SetPublisher wires the fan-out side once it exists.
func (t *Tracker) SetPublisher(p Publisher) {
	t.publisher = p
}

// MarkConnected adds connID to the user's connection set and flips the user
// online if they were offline. The change is not published: the caller
// acknowledges the new socket first and then calls Announce.
func (t *Tracker) MarkConnected(ctx context.Context, userID, connID string) (*UserPresence, error) {
	now := t.now()
	p, err := t.update(ctx, userID, func(cur *UserPresence) (*UserPresence, error) {
		if cur == nil {
			cur = &UserPresence{UserID: userID, Status: StatusOffline}
		}
		if !slices.Contains(cur.Connections, connID) {
			cur.Connections = append(cur.Connections, connID)
		}
		if cur.Status == StatusOffline || cur.Status == "" {
			cur.Status = StatusOnline
		}
		cur.LastSeen = now
		return cur, nil
	})
	if err != nil {
		return nil, fmt.Errorf("mark %s connected: %w", userID, err)
	}
	return p, nil
}

// Announce publishes p to the user's rooms and sockets.
func (t *Tracker) Announce(ctx context.Context, p *UserPresence) {
	t.publish(ctx, p)
}

// MarkDisconnected removes connID. The user goes offline only when it was the
// last connection. A change event is published either way. Unknown ids are a
// no-op and return nil.
func (t *Tracker) MarkDisconnected(ctx context.Context, userID, connID string) (*UserPresence, error) {
	now := t.now()
	p, err := t.update(ctx, userID, func(cur *UserPresence) (*UserPresence, error) {
		if cur == nil || !slices.Contains(cur.Connections, connID) {
			return nil, errUnchanged
		}
		cur.Connections = slices.DeleteFunc(cur.Connections, func(id string) bool { return id == connID })
		if len(cur.Connections) == 0 {
			cur.Status = StatusOffline
			cur.LastSeen = now
		}
		return cur, nil
	})
	if errors.Is(err, errUnchanged) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mark %s disconnected: %w", userID, err)
	}
	t.publish(ctx, p)
	return p, nil
}

// SetStatus changes the visible status of a connected user.
func (t *Tracker) SetStatus(ctx context.Context, userID string, status Status) (*UserPresence, error) {
	switch status {
	case StatusOnline, StatusAway, StatusBusy:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	now := t.now()
	p, err := t.update(ctx, userID, func(cur *UserPresence) (*UserPresence, error) {
		if cur == nil || !cur.IsOnline() {
			return nil, ErrOffline
		}
		cur.Status = status
		cur.LastSeen = now
		return cur, nil
	})
	if err != nil {
		return nil, err
	}
	t.publish(ctx, p)
	return p, nil
}

func (t *Tracker) SetActiveChat(ctx context.Context, userID, chatID string) error {
	_, err := t.update(ctx, userID, func(cur *UserPresence) (*UserPresence, error) {
		if cur == nil {
			return nil, ErrOffline
		}
		cur.ActiveChatID = chatID
		return cur, nil
	})
	return err
}

func (t *Tracker) ClearActiveChat(ctx context.Context, userID string) error {
	_, err := t.update(ctx, userID, func(cur *UserPresence) (*UserPresence, error) {
		if cur == nil || cur.ActiveChatID == "" {
			return nil, errUnchanged
		}
		cur.ActiveChatID = ""
		return cur, nil
	})
	if errors.Is(err, errUnchanged) {
		return nil
	}
	return err
}

// TouchLastSeen refreshes the last-seen time of a known user.
func (t *Tracker) TouchLastSeen(ctx context.Context, userID string) error {
	now := t.now()
	_, err := t.update(ctx, userID, func(cur *UserPresence) (*UserPresence, error) {
		if cur == nil {
			return nil, errUnchanged
		}
		cur.LastSeen = now
		return cur, nil
	})
	if errors.Is(err, errUnchanged) {
		return nil
	}
	return err
}

// Get returns nil without error when the user has no presence record or the
// record is unreadable.
func (t *Tracker) Get(ctx context.Context, userID string) (*UserPresence, error) {
	var p UserPresence
	err := t.store.HashGet(ctx, kvs.PresenceHash, userID, &p)
	switch {
	case errors.Is(err, kvs.ErrNotFound):
		return nil, nil
	case errors.Is(err, kvs.ErrDecode):
		t.log.Warn("unreadable presence record", zap.String("user_id", userID), zap.Error(err))
		return nil, nil
	case err != nil:
		return nil, err
	}
	return &p, nil
}

// GetBulk returns presence only for the users that have a readable record.
func (t *Tracker) GetBulk(ctx context.Context, userIDs []string) (map[string]*UserPresence, error) {
	raw, err := t.store.HashGetMany(ctx, kvs.PresenceHash, userIDs...)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*UserPresence, len(raw))
	for id, b := range raw {
		var p UserPresence
		if err := json.Unmarshal(b, &p); err != nil {
			t.log.Warn("unreadable presence record", zap.String("user_id", id), zap.Error(err))
			continue
		}
		out[id] = &p
	}
	return out, nil
}

func (t *Tracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	p, err := t.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	return p != nil && p.IsOnline(), nil
}

func (t *Tracker) ListOnlineUsers(ctx context.Context) ([]string, error) {
	return t.store.SetMembers(ctx, kvs.OnlineUsersSet)
}

// Connections lists every connection id of the user across all instances.
func (t *Tracker) Connections(ctx context.Context, userID string) ([]string, error) {
	p, err := t.Get(ctx, userID)
	if err != nil || p == nil {
		return nil, err
	}
	return p.Connections, nil
}

// All returns every readable presence record keyed by user id.
func (t *Tracker) All(ctx context.Context) (map[string]*UserPresence, error) {
	all, err := t.store.HashGetAll(ctx, kvs.PresenceHash)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*UserPresence, len(all))
	for id, b := range all {
		var p UserPresence
		if err := json.Unmarshal(b, &p); err != nil {
			continue
		}
		out[id] = &p
	}
	return out, nil
}

// Prune deletes offline records last seen before now-retention.
func (t *Tracker) Prune(ctx context.Context, retention time.Duration) (int, error) {
	all, err := t.store.HashGetAll(ctx, kvs.PresenceHash)
	if err != nil {
		return 0, err
	}
	cutoff := t.now().Add(-retention)
	stale := func(p *UserPresence) bool {
		return !p.IsOnline() && p.LastSeen.Before(cutoff)
	}

	pruned := 0
	for id, b := range all {
		var p UserPresence
		if err := json.Unmarshal(b, &p); err == nil && !stale(&p) {
			continue
		}
		_, err := t.update(ctx, id, func(cur *UserPresence) (*UserPresence, error) {
			if cur != nil && !stale(cur) {
				return nil, errUnchanged
			}
			return nil, nil
		})
		switch {
		case errors.Is(err, errUnchanged):
		case errors.Is(err, kvs.ErrDecode):
			if err := t.store.HashDeleteField(ctx, kvs.PresenceHash, id); err != nil {
				return pruned, err
			}
			pruned++
		case err != nil:
			return pruned, err
		default:
			pruned++
		}
	}
	return pruned, nil
}

// update keeps the online set in step with the record inside the same
// transaction, so the two never disagree.
func (t *Tracker) update(ctx context.Context, userID string, fn func(*UserPresence) (*UserPresence, error)) (*UserPresence, error) {
	return kvs.UpdateHashField(ctx, t.store, kvs.PresenceHash, userID, fn, func(tx kvs.Tx, next *UserPresence) {
		if next != nil && next.IsOnline() {
			tx.SetAdd(kvs.OnlineUsersSet, userID)
		} else {
			tx.SetRemove(kvs.OnlineUsersSet, userID)
		}
	})
}

func (t *Tracker) publish(ctx context.Context, p *UserPresence) {
	if t.publisher == nil {
		return
	}
	if err := t.publisher.PresenceChanged(ctx, p); err != nil {
		t.log.Warn("presence change not published", zap.String("user_id", p.UserID), zap.Error(err))
	}
}
