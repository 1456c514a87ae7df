package notify

import (
	"context"
	"fmt"
)

// MessageSender sends a Markdown message to a Telegram chat.
type MessageSender interface {
	SendMessage(ctx context.Context, chatID, text string) error
}

// TelegramSink delivers to Telegram. An empty destination goes to the
// owner chat.
type TelegramSink struct {
	sender    MessageSender
	ownerChat string
}

// NewTelegramSink creates a sink sending through sender.
func NewTelegramSink(sender MessageSender, ownerChat string) *TelegramSink {
	return &TelegramSink{sender: sender, ownerChat: ownerChat}
}

func (s *TelegramSink) Notify(ctx context.Context, destination, message string) error {
	if destination == "" {
		destination = s.ownerChat
	}
	if destination == "" {
		return fmt.Errorf("telegram: no destination chat")
	}
	return s.sender.SendMessage(ctx, destination, message)
}
