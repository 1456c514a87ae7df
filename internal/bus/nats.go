// Package bus connects agentq to NATS: job lifecycle events out, job
// submissions in.
package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const handlerTimeout = 30 * time.Second

// Client is a NATS connection that exchanges JSON messages.
type Client struct{ nc *nats.Conn }

// Connect dials url and keeps reconnecting for the life of the process.
func Connect(url string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.Name("agentq"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, err
	}
	return &Client{nc: nc}, nil
}

// Close drains pending messages and closes the connection.
func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
}

// PublishJSON publishes v encoded as JSON on subject.
func (c *Client) PublishJSON(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.nc.Publish(subject, b)
}

// QueueSubscribeJSON delivers each message on subject to one member of
// queue. When the message carries a reply subject, the handler's return
// value is sent back as JSON.
func (c *Client) QueueSubscribeJSON(subject, queue string, handler func(ctx context.Context, data []byte) any) (*nats.Subscription, error) {
	return c.nc.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		out := handler(ctx, msg.Data)
		if msg.Reply == "" || out == nil {
			return
		}
		b, err := json.Marshal(out)
		if err != nil {
			slog.Error("encoding nats reply", "subject", subject, "error", err)
			return
		}
		if err := msg.Respond(b); err != nil {
			slog.Warn("sending nats reply", "subject", subject, "error", err)
		}
	})
}
