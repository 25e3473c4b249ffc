package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"
)

// SSE event types written on a Notification Channel.
const (
	EventEndpoint  = "endpoint"
	EventMessage   = "message"
	EventHeartbeat = "heartbeat"
)

// EndpointEvent is the data of the endpoint announcement.
type EndpointEvent struct {
	URI string `json:"uri"`
}

// HeartbeatEvent is the data of a heartbeat event.
type HeartbeatEvent struct {
	Timestamp float64 `json:"timestamp"`
}

// NotificationChannel is the push-only SSE stream to one client. The endpoint announcement
// is always its first event, everything sent before it is rejected with ErrNotAnnounced.
type NotificationChannel struct {
	sess    *sse.Session
	logger  *slog.Logger
	metrics *Metrics

	mu        sync.Mutex
	announced bool
	closed    bool
}

func newNotificationChannel(sess *sse.Session, logger *slog.Logger, metrics *Metrics) *NotificationChannel {
	return &NotificationChannel{
		sess:    sess,
		logger:  logger,
		metrics: metrics,
	}
}

// Announce sends the endpoint event that tells the client where to post its requests. It
// succeeds exactly once per channel.
func (c *NotificationChannel) Announce(endpoint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrSessionClosed
	}
	if c.announced {
		return ErrAlreadyAnnounced
	}

	if err := c.write(EventEndpoint, EndpointEvent{URI: endpoint}); err != nil {
		return fmt.Errorf("failed to announce endpoint: %w", err)
	}
	c.announced = true
	return nil
}

// Send pushes a Notification envelope as a message event.
func (c *NotificationChannel) Send(ctx context.Context, env Envelope) error {
	if env.Kind() != KindNotification {
		return fmt.Errorf("%w: only notifications can be pushed, got %s", ErrMalformedEnvelope, env.Kind())
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	bs, err := Encode(env)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrSessionClosed
	}
	if !c.announced {
		return ErrNotAnnounced
	}

	return c.writeRaw(EventMessage, string(bs))
}

// Heartbeat sends a heartbeat event carrying now as unix seconds.
func (c *NotificationChannel) Heartbeat(now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrSessionClosed
	}
	if !c.announced {
		return ErrNotAnnounced
	}

	ts := float64(now.UnixNano()) / float64(time.Second)
	return c.write(EventHeartbeat, HeartbeatEvent{Timestamp: ts})
}

func (c *NotificationChannel) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
}

func (c *NotificationChannel) write(event string, data any) error {
	bs, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event, err)
	}
	return c.writeRaw(event, string(bs))
}

// writeRaw must be called with c.mu held, sse.Session is not safe for concurrent use.
func (c *NotificationChannel) writeRaw(event, data string) error {
	msg := &sse.Message{
		Type: sse.Type(event),
	}
	msg.AppendData(data)

	if err := c.sess.Send(msg); err != nil {
		c.logger.Warn("failed to send event", slog.String("event", event), slog.String("err", err.Error()))
		return fmt.Errorf("failed to send %s event: %w", event, err)
	}
	if err := c.sess.Flush(); err != nil {
		c.logger.Warn("failed to flush event", slog.String("event", event), slog.String("err", err.Error()))
		return fmt.Errorf("failed to flush %s event: %w", event, err)
	}

	c.metrics.eventSent(event)
	return nil
}
