package connection

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"go-chat-realtime/internal/kvs"
)

// Maintenance settings for the heartbeat and reaper loop.
type Maintenance struct {
	Interval          time.Duration
	StaleAfter        time.Duration
	PresenceRetention time.Duration
}

// Heartbeat marks this instance alive for three intervals.
func (r *Registry) Heartbeat(ctx context.Context, interval time.Duration) error {
	return r.store.Set(ctx, kvs.InstanceAliveKey(r.instanceID()), r.now(), 3*interval)
}

// RunMaintenance beats and reaps every interval until ctx is done.
func (r *Registry) RunMaintenance(ctx context.Context, m Maintenance) error {
	if err := r.Heartbeat(ctx, m.Interval); err != nil {
		r.log.Warn("heartbeat failed", zap.Error(err))
	}

	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.stopHeartbeat()
			return nil
		case <-ticker.C:
			if err := r.Heartbeat(ctx, m.Interval); err != nil {
				r.log.Warn("heartbeat failed", zap.Error(err))
			}
			n, err := r.Reap(ctx, m)
			if err != nil {
				r.log.Warn("reap failed", zap.Error(err))
				continue
			}
			if n > 0 {
				r.log.Info("reaped stale connections", zap.Int("count", n))
			}
		}
	}
}

func (r *Registry) stopHeartbeat() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.store.Delete(ctx, kvs.InstanceAliveKey(r.instanceID())); err != nil {
		r.log.Warn("heartbeat key not removed", zap.Error(err))
	}
}

// Reap cleans up connections nobody will ever disconnect: mirrors owned by an
// instance whose heartbeat expired, mirrors owned by this instance but missing
// locally and idle longer than StaleAfter, and presence entries left without a
// mirror. Only one instance sweeps per interval. Returns the number of
// connections released.
func (r *Registry) Reap(ctx context.Context, m Maintenance) (int, error) {
	won, err := r.store.SetNX(ctx, kvs.ReaperLockKey, r.instanceID(), m.Interval)
	if err != nil || !won {
		return 0, err
	}

	// Presence is read before the mirrors. A connection is mirrored before it
	// enters presence and leaves presence before its mirror goes, so an id in
	// this snapshot with no mirror in the later one has no owner left.
	users, err := r.presence.All(ctx)
	if err != nil {
		return 0, err
	}
	all, err := r.store.HashGetAll(ctx, kvs.ConnectionsHash)
	if err != nil {
		return 0, err
	}

	alive := map[string]bool{r.instanceID(): true}
	cutoff := r.now().Add(-m.StaleAfter)
	reaped := 0

	for id, raw := range all {
		var c Connection
		if err := json.Unmarshal(raw, &c); err != nil {
			r.log.Warn("dropping unreadable connection mirror", zap.String("conn_id", id), zap.Error(err))
			if err := r.store.HashDeleteField(ctx, kvs.ConnectionsHash, id); err != nil {
				return reaped, err
			}
			delete(all, id)
			continue
		}

		if c.Instance == r.instanceID() {
			if r.has(c.ID) || c.LastActivity.After(cutoff) {
				continue
			}
		} else {
			ok, known := alive[c.Instance]
			if !known {
				if ok, err = r.store.Exists(ctx, kvs.InstanceAliveKey(c.Instance)); err != nil {
					return reaped, err
				}
				alive[c.Instance] = ok
			}
			if ok {
				continue
			}
		}

		log := r.log.With(zap.String("conn_id", c.ID), zap.String("user_id", c.UserID), zap.String("instance", c.Instance))
		if err := r.release(ctx, &c); err != nil {
			log.Warn("connection not reaped", zap.Error(err))
			continue
		}
		log.Info("reaped connection")
		reaped++
	}

	if reaped > 0 {
		if err := r.metrics.ConnectionsReaped(ctx, reaped); err != nil {
			r.log.Warn("connection counter not updated", zap.Error(err))
		}
	}

	for userID, p := range users {
		for _, connID := range p.Connections {
			if _, mirrored := all[connID]; mirrored || r.has(connID) {
				continue
			}
			r.log.Info("dropping connection missing from the mirror",
				zap.String("conn_id", connID), zap.String("user_id", userID))
			if _, err := r.presence.MarkDisconnected(ctx, userID, connID); err != nil {
				return reaped, err
			}
			reaped++
		}
	}

	if m.PresenceRetention > 0 {
		if _, err := r.presence.Prune(ctx, m.PresenceRetention); err != nil {
			return reaped, err
		}
	}
	return reaped, nil
}
