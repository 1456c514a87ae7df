// Package telegram talks to the Telegram Bot API: outgoing messages for
// notifications and a long-poll intake for the allow-listed chat.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const sendTimeout = 10 * time.Second

// Client wraps the Bot API library with context-aware calls.
type Client struct {
	api *tgbotapi.BotAPI
}

// NewClient creates a Client for the public Bot API.
func NewClient(token string) *Client {
	return NewClientWithEndpoint(tgbotapi.APIEndpoint, token)
}

// NewClientWithEndpoint creates a Client against a custom endpoint, given
// as a format string taking the token and the method name.
func NewClientWithEndpoint(endpoint, token string) *Client {
	// Built directly instead of through NewBotAPI, which calls getMe and
	// would make startup depend on Telegram being reachable.
	api := &tgbotapi.BotAPI{
		Token:  token,
		Client: tokenSafeClient{c: &http.Client{Timeout: pollTimeout + sendTimeout}},
		Buffer: 100,
	}
	api.SetAPIEndpoint(endpoint)
	return &Client{api: api}
}

// tokenSafeClient drops the request URL, which carries the bot token,
// from transport errors.
type tokenSafeClient struct {
	c *http.Client
}

func (t tokenSafeClient) Do(req *http.Request) (*http.Response, error) {
	resp, err := t.c.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) {
			method := req.URL.Path[strings.LastIndex(req.URL.Path, "/")+1:]
			return nil, fmt.Errorf("telegram %s: %w", method, uerr.Err)
		}
		return nil, err
	}
	return resp, nil
}

// apiError extracts an unsuccessful Bot API reply from err.
func apiError(err error) (*tgbotapi.Error, bool) {
	var apiErr *tgbotapi.Error
	ok := errors.As(err, &apiErr)
	return apiErr, ok
}

// call runs a blocking library call, returning early when ctx ends. The
// call itself is bounded by the HTTP client timeout.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-done:
		return r.v, r.err
	}
}

// SendMessage posts text to chatID as Markdown. If Telegram rejects the
// markup, the text is sent again without formatting.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram sendMessage: invalid chat id %q", chatID)
	}
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	msg := tgbotapi.NewMessage(id, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	_, err = call(ctx, func() (tgbotapi.Message, error) { return c.api.Send(msg) })
	if apiErr, ok := apiError(err); ok && apiErr.Code == http.StatusBadRequest && strings.Contains(apiErr.Message, "can't parse entities") {
		msg.ParseMode = ""
		_, err = call(ctx, func() (tgbotapi.Message, error) { return c.api.Send(msg) })
	}
	return err
}

// GetUpdates long-polls for messages after offset, waiting up to timeout.
func (c *Client) GetUpdates(ctx context.Context, offset int, timeout time.Duration) ([]tgbotapi.Update, error) {
	cfg := tgbotapi.NewUpdate(offset)
	cfg.Timeout = int(timeout.Seconds())
	cfg.AllowedUpdates = []string{"message"}
	return call(ctx, func() ([]tgbotapi.Update, error) { return c.api.GetUpdates(cfg) })
}
