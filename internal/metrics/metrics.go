// Package metrics keeps cluster-wide counters in the shared store.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"go-chat-realtime/internal/kvs"
)

const (
	connectionsTotal = "metrics:connections:total"
	connectionsPeak  = "metrics:connections:peak"
	messagesTotal    = "metrics:messages:total"

	minuteTTL = 120 * time.Second
	hourTTL   = 7200 * time.Second
)

// raisePeak sets KEYS[1] to ARGV[1] if it is higher than the stored value.
var raisePeak = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local val = tonumber(ARGV[1])
if val > cur then
  redis.call('SET', KEYS[1], val)
  return val
end
return cur
`)

// Snapshot is the cluster view exposed by /stats.
type Snapshot struct {
	Connections          int64 `json:"connections"`
	PeakConnections      int64 `json:"peakConnections"`
	ConnectionsPerMinute int64 `json:"connectionsPerMinute"`
	MessagesTotal        int64 `json:"messagesTotal"`
	MessagesPerMinute    int64 `json:"messagesPerMinute"`
}

type Recorder struct {
	store *kvs.Store
	log   *zap.Logger
	now   func() time.Time
}

func NewRecorder(store *kvs.Store, log *zap.Logger) *Recorder {
	return &Recorder{store: store, log: log.Named("metrics"), now: time.Now}
}

func minuteKey(prefix string, t time.Time) string {
	return fmt.Sprintf("metrics:%s:minute:%s", prefix, t.UTC().Format("2006-01-02-15-04"))
}

func hourKey(prefix string, t time.Time) string {
	return fmt.Sprintf("metrics:%s:hour:%s", prefix, t.UTC().Format("2006-01-02-15"))
}

func chatKey(chatID string) string {
	return fmt.Sprintf("metrics:chat:%s:messages", chatID)
}

// ConnectionOpened bumps the live gauge, the peak and the per-minute rate.
func (r *Recorder) ConnectionOpened(ctx context.Context) error {
	n, err := r.store.Increment(ctx, connectionsTotal)
	if err != nil {
		return err
	}
	if err := raisePeak.Run(ctx, r.store.Client(), []string{connectionsPeak}, n).Err(); err != nil {
		return fmt.Errorf("raise peak: %w", err)
	}
	return r.bumpWindow(ctx, minuteKey("connections", r.now()), minuteTTL)
}

// ConnectionClosed never drives the gauge below zero.
func (r *Recorder) ConnectionClosed(ctx context.Context) error {
	n, err := r.store.IncrementBy(ctx, connectionsTotal, -1)
	if err != nil {
		return err
	}
	if n < 0 {
		return r.store.Set(ctx, connectionsTotal, 0, 0)
	}
	return nil
}

// ConnectionsReaped subtracts connections cleaned up on behalf of dead instances.
func (r *Recorder) ConnectionsReaped(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if err := r.ConnectionClosed(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *Recorder) MessageSent(ctx context.Context, chatID string) error {
	now := r.now()
	if _, err := r.store.Increment(ctx, messagesTotal); err != nil {
		return err
	}
	if err := r.bumpWindow(ctx, minuteKey("messages", now), minuteTTL); err != nil {
		return err
	}
	if err := r.bumpWindow(ctx, hourKey("messages", now), hourTTL); err != nil {
		return err
	}
	if chatID == "" {
		return nil
	}
	_, err := r.store.Increment(ctx, chatKey(chatID))
	return err
}

func (r *Recorder) ChatMessages(ctx context.Context, chatID string) (int64, error) {
	return r.counter(ctx, chatKey(chatID))
}

func (r *Recorder) Snapshot(ctx context.Context) (Snapshot, error) {
	now := r.now()
	var s Snapshot
	reads := []struct {
		key  string
		dest *int64
	}{
		{connectionsTotal, &s.Connections},
		{connectionsPeak, &s.PeakConnections},
		{minuteKey("connections", now), &s.ConnectionsPerMinute},
		{messagesTotal, &s.MessagesTotal},
		{minuteKey("messages", now), &s.MessagesPerMinute},
	}
	for _, rd := range reads {
		n, err := r.counter(ctx, rd.key)
		if err != nil {
			return Snapshot{}, err
		}
		*rd.dest = n
	}
	return s, nil
}

func (r *Recorder) bumpWindow(ctx context.Context, key string, ttl time.Duration) error {
	n, err := r.store.Increment(ctx, key)
	if err != nil {
		return err
	}
	if n == 1 {
		return r.store.Expire(ctx, key, ttl)
	}
	return nil
}

func (r *Recorder) counter(ctx context.Context, key string) (int64, error) {
	var n int64
	err := r.store.Get(ctx, key, &n)
	if errors.Is(err, kvs.ErrNotFound) {
		return 0, nil
	}
	return n, err
}
