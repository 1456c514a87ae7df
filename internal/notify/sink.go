// Package notify delivers short text messages to people and systems:
// Telegram chats, a NATS subject, or the log.
package notify

import (
	"context"
	"errors"
	"log/slog"
)

// Sink delivers a message to a destination. What a destination means is up
// to the sink: a chat id for Telegram, ignored by the log sink.
type Sink interface {
	Notify(ctx context.Context, destination, message string) error
}

// Multi fans a message out to every sink. All sinks are tried; their
// errors are joined.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, destination, message string) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, destination, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes messages to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Notify(_ context.Context, destination, message string) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "destination", destination, "message", message)
	return nil
}

// Send delivers message through sink and logs, rather than returns, a
// failure. A nil sink is a no-op.
func Send(ctx context.Context, sink Sink, destination, message string) {
	if sink == nil {
		return
	}
	if err := sink.Notify(ctx, destination, message); err != nil {
		slog.Warn("notification failed", "destination", destination, "error", err)
	}
}
