package kvs

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Handler receives the raw payload of every message on a subscribed channel.
type Handler func(ctx context.Context, payload []byte)

type Subscription struct {
	ps   *redis.PubSub
	done chan struct{}
}

// Close stops delivery and waits for the handler loop to exit.
func (s *Subscription) Close() error {
	err := s.ps.Close()
	<-s.done
	return err
}

// Subscribe listens on channel until ctx is cancelled or Close is called.
// It returns only after the store has confirmed the subscription, so anything
// published afterwards is guaranteed to reach handler.
func (s *Store) Subscribe(ctx context.Context, channel string, handler Handler) (*Subscription, error) {
	ps := s.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	sub := &Subscription{ps: ps, done: make(chan struct{})}
	ch := ps.Channel()

	go func() {
		defer close(sub.done)
		for {
			select {
			case <-ctx.Done():
				_ = ps.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				s.dispatch(ctx, channel, handler, msg)
			}
		}
	}()

	s.log.Info("subscribed", zap.String("channel", channel))
	return sub, nil
}

func (s *Store) dispatch(ctx context.Context, channel string, handler Handler, msg *redis.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("subscriber panicked", zap.String("channel", channel), zap.Any("panic", r))
		}
	}()
	handler(ctx, []byte(msg.Payload))
}
