// Package notify forwards push notifications for offline users to an external webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	cb "github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type Notification struct {
	UserID     string          `json:"userId"`
	Title      string          `json:"title,omitempty"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data,omitempty"`
	ShouldPush bool            `json:"shouldPush"`
}

// Client posts notifications through a circuit breaker so a dead push
// provider cannot stall the event consumer.
type Client struct {
	url     string
	http    *http.Client
	breaker *cb.CircuitBreaker
	log     *zap.Logger
}

func NewClient(url string, log *zap.Logger) *Client {
	log = log.Named("push")
	settings := cb.Settings{
		Name:        "PushWebhook",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts cb.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to cb.State) {
			log.Warn("circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &Client{
		url:     url,
		http:    &http.Client{Timeout: 5 * time.Second},
		breaker: cb.NewCircuitBreaker(settings),
		log:     log,
	}
}

// Push delivers n. Without a webhook configured it only logs.
func (c *Client) Push(ctx context.Context, n Notification) error {
	if c.url == "" {
		c.log.Info("push notification needed", zap.String("user_id", n.UserID), zap.String("message", n.Message))
		return nil
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	_, err = c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("push webhook returned %d", resp.StatusCode)
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("push to %s: %w", n.UserID, err)
	}
	return nil
}
