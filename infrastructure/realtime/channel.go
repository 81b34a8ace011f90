// Package realtime implements the push side of the notification feed: a
// websocket subscription on the notifications resource keyed by recipient id.
// Delivery is at-least-once; the feed's merge is idempotent, so duplicates
// are harmless here.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"socialclient/domain"
	"socialclient/infrastructure/persistence"
	apperrors "socialclient/pkg/errors"
)

// Event is one frame on the channel.
type Event struct {
	Event   string          `json:"event"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Channel dials the realtime endpoint and streams insert events.
type Channel struct {
	endpoint string
	store    persistence.TokenStore
	dialer   *websocket.Dialer
	logger   *zap.Logger

	mu                sync.RWMutex
	reconnectInterval time.Duration
}

// NewChannel creates a channel client for the given websocket endpoint.
func NewChannel(endpoint string, reconnectInterval time.Duration, store persistence.TokenStore, logger *zap.Logger) *Channel {
	return &Channel{
		endpoint:          endpoint,
		store:             store,
		dialer:            websocket.DefaultDialer,
		reconnectInterval: reconnectInterval,
		logger:            logger,
	}
}

// SetReconnectInterval adjusts the reconnect pacing, e.g. from a
// configuration override. Takes effect on the next reconnect wait.
func (c *Channel) SetReconnectInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.reconnectInterval = d
	c.mu.Unlock()
}

func (c *Channel) interval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconnectInterval
}

// Subscribe opens one subscription for the recipient and delivers inserted
// notifications until ctx is cancelled. The connection authenticates with the
// current access token and reconnects on a fixed interval after failures,
// never in a tight loop. The returned channel is closed on cancellation.
func (c *Channel) Subscribe(ctx context.Context, recipient domain.FlexID) (<-chan domain.Notification, error) {
	if c.endpoint == "" {
		return nil, apperrors.NewValidationError("realtime endpoint is not configured")
	}
	if recipient == "" {
		return nil, apperrors.NewValidationError("recipient id is required")
	}

	out := make(chan domain.Notification, 16)
	go c.run(ctx, recipient, out)
	return out, nil
}

func (c *Channel) run(ctx context.Context, recipient domain.FlexID, out chan<- domain.Notification) {
	defer close(out)

	topic := fmt.Sprintf("notifications:%s", recipient)
	for {
		if err := c.consume(ctx, topic, out); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("Realtime connection lost, will reconnect",
				zap.String("topic", topic),
				zap.Duration("after", c.interval()),
				zap.Error(err),
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.interval()):
		}
	}
}

// consume runs one connection lifetime: dial, subscribe, read until error or
// cancellation.
func (c *Channel) consume(ctx context.Context, topic string, out chan<- domain.Notification) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Unblock ReadJSON when the subscriber goes away.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if err := conn.WriteJSON(Event{Event: "subscribe", Topic: topic}); err != nil {
		return err
	}

	for {
		var event Event
		if err := conn.ReadJSON(&event); err != nil {
			return err
		}
		if event.Event != "INSERT" {
			continue
		}

		var n domain.Notification
		if err := json.Unmarshal(event.Payload, &n); err != nil {
			c.logger.Warn("Dropping undecodable realtime event", zap.Error(err))
			continue
		}

		select {
		case out <- n:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("invalid realtime endpoint: %v", err))
	}

	// The realtime collaborator authenticates connections by access token.
	if token, terr := c.store.AccessToken(); terr == nil && token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, apperrors.NewNetworkError("failed to connect to realtime channel", err)
	}
	return conn, nil
}
