package events

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type Config struct {
	URL            string
	Exchange       string
	Queue          string
	ConsumerTag    string
	Prefetch       int
	ReconnectDelay time.Duration
}

// MessageHandler processes one broker message body.
type MessageHandler interface {
	Handle(ctx context.Context, routingKey string, body []byte) error
}

// topology is the part of *amqp.Channel used to declare exchange, queue and bindings.
type topology interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
}

// session is one broker connection with its single channel.
type session interface {
	topology
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

type amqpSession struct {
	*amqp.Channel
	conn *amqp.Connection
}

// Close closes the channel and then the connection.
func (s *amqpSession) Close() error {
	_ = s.Channel.Close()
	return s.conn.Close()
}

func dial(url string) (session, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return &amqpSession{Channel: ch, conn: conn}, nil
}

// Dispatcher consumes the chat events queue and hands every message to the
// handler. It reconnects forever with a fixed delay and re-declares the
// topology on every connection.
type Dispatcher struct {
	cfg       Config
	handler   MessageHandler
	log       *zap.Logger
	dial      func(url string) (session, error)
	connected atomic.Bool
}

func NewDispatcher(cfg Config, handler MessageHandler, log *zap.Logger) *Dispatcher {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 32
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "websocket-service"
	}
	return &Dispatcher{cfg: cfg, handler: handler, log: log.Named("dispatcher"), dial: dial}
}

func (d *Dispatcher) Connected() bool {
	return d.connected.Load()
}

// Run blocks until ctx is cancelled. Broker outages are retried, never returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	bo := backoff.WithContext(backoff.NewConstantBackOff(d.cfg.ReconnectDelay), ctx)

	for {
		var sess session
		err := backoff.RetryNotify(func() error {
			var err error
			sess, err = d.dial(d.cfg.URL)
			return err
		}, bo, func(err error, wait time.Duration) {
			d.log.Warn("broker unreachable, retrying", zap.Error(err), zap.Duration("in", wait))
		})
		if err != nil {
			// Only a cancelled context stops the retry loop.
			return nil
		}

		err = d.consume(ctx, sess)
		d.connected.Store(false)
		_ = sess.Close()
		if ctx.Err() != nil {
			return nil
		}
		d.log.Warn("broker connection lost, reconnecting", zap.Error(err))
		bo.Reset()
	}
}

func (d *Dispatcher) consume(ctx context.Context, sess session) error {
	if err := d.declare(sess); err != nil {
		return err
	}

	deliveries, err := sess.Consume(d.cfg.Queue, d.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", d.cfg.Queue, err)
	}
	// The channel is shut down, and notified, when its connection drops too.
	closed := sess.NotifyClose(make(chan *amqp.Error, 1))

	d.connected.Store(true)
	d.log.Info("listening for events", zap.String("queue", d.cfg.Queue))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closed:
			if amqpErr == nil {
				return errors.New("connection closed")
			}
			return amqpErr
		case del, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			d.process(ctx, del)
		}
	}
}

// declare is idempotent, so it runs after every reconnect.
func (d *Dispatcher) declare(ch topology) error {
	if err := ch.ExchangeDeclare(d.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", d.cfg.Exchange, err)
	}
	if _, err := ch.QueueDeclare(d.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", d.cfg.Queue, err)
	}
	for _, key := range RoutingKeys {
		if err := ch.QueueBind(d.cfg.Queue, key, d.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	return ch.Qos(d.cfg.Prefetch, 0, false)
}

// process acks only after the handler succeeded. Failures are dropped, not
// requeued, so a poison message cannot loop forever.
func (d *Dispatcher) process(ctx context.Context, del amqp.Delivery) {
	log := d.log.With(zap.String("routing_key", del.RoutingKey))

	err := d.safeHandle(ctx, del)
	if err != nil {
		log.Error("dropping event", zap.Error(err), zap.ByteString("body", del.Body))
		if nerr := del.Nack(false, false); nerr != nil {
			log.Warn("nack failed", zap.Error(nerr))
		}
		return
	}
	if aerr := del.Ack(false); aerr != nil {
		log.Warn("ack failed", zap.Error(aerr))
	}
}

func (d *Dispatcher) safeHandle(ctx context.Context, del amqp.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return d.handler.Handle(ctx, del.RoutingKey, del.Body)
}
