// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

// Package telegram adapts the Telegram Bot API to platform.Client.
//
// Inbound updates become events:
//
//	message          plain text messages
//	command.<name>   bot commands ("/ping" is command.ping)
//	callback         inline keyboard callbacks
//
// Outbound routes take a JSON body: send_message and reply
// ({"chat_id","text","reply_to"}), delete_message ({"chat_id","message_id"}),
// and answer_callback ({"callback_id","text"}).
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/samber/oops"

	"github.com/composebot/composebot/internal/platform"
)

// Routes accepted by Submit.
const (
	RouteSendMessage    = "send_message"
	RouteReply          = "reply"
	RouteDeleteMessage  = "delete_message"
	RouteAnswerCallback = "answer_callback"
)

// pollTimeout is the long-poll timeout in seconds.
const pollTimeout = 60

type botAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Client is a platform.Client backed by long polling. The poller starts on
// the first Subscribe and is shared by every later subscription.
type Client struct {
	api    botAPI
	logger *slog.Logger

	once    sync.Once
	updates tgbotapi.UpdatesChannel
	stop    sync.Once
}

// New authenticates with token.
func New(token string) (*Client, error) {
	if token == "" {
		return nil, oops.In("telegram").Code("PLATFORM_CONFIG").Errorf("bot token is required")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, oops.In("telegram").Code("PLATFORM_AUTH").Wrapf(err, "create bot API")
	}
	c := newClient(api)
	c.logger.Info("telegram bot authenticated", "username", api.Self.UserName, "id", api.Self.ID)
	return c, nil
}

func newClient(api botAPI) *Client {
	return &Client{api: api, logger: slog.Default().With("component", "platform.telegram")}
}

// Subscribe forwards updates as events until ctx is done or the poller
// stops.
func (c *Client) Subscribe(ctx context.Context) (<-chan platform.Event, error) {
	c.once.Do(func() {
		u := tgbotapi.NewUpdate(0)
		u.Timeout = pollTimeout
		c.updates = c.api.GetUpdatesChan(u)
	})

	out := make(chan platform.Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-c.updates:
				if !ok {
					return
				}
				ev, ok := toEvent(update)
				if !ok {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close stops long polling. Open subscriptions end.
func (c *Client) Close() {
	c.stop.Do(func() {
		c.once.Do(func() {})
		c.api.StopReceivingUpdates()
	})
}

type messagePayload struct {
	UpdateID  int    `json:"update_id"`
	ChatID    int64  `json:"chat_id"`
	MessageID int    `json:"message_id"`
	UserID    int64  `json:"user_id,omitempty"`
	Username  string `json:"username,omitempty"`
	Text      string `json:"text,omitempty"`
	Args      string `json:"args,omitempty"`
}

type callbackPayload struct {
	UpdateID   int    `json:"update_id"`
	CallbackID string `json:"callback_id"`
	ChatID     int64  `json:"chat_id,omitempty"`
	MessageID  int    `json:"message_id,omitempty"`
	UserID     int64  `json:"user_id,omitempty"`
	Data       string `json:"data"`
}

func toEvent(u tgbotapi.Update) (platform.Event, bool) {
	switch {
	case u.Message != nil:
		m := u.Message
		p := messagePayload{UpdateID: u.UpdateID, MessageID: m.MessageID, Text: m.Text}
		if m.Chat != nil {
			p.ChatID = m.Chat.ID
		}
		if m.From != nil {
			p.UserID, p.Username = m.From.ID, m.From.UserName
		}
		typ := platform.EventMessage
		if m.IsCommand() {
			typ = platform.EventCommand + "." + m.Command()
			p.Args = m.CommandArguments()
		}
		data, _ := json.Marshal(p)
		return platform.NewEvent(typ, data, strconv.FormatInt(p.ChatID, 10)), true

	case u.CallbackQuery != nil:
		q := u.CallbackQuery
		p := callbackPayload{UpdateID: u.UpdateID, CallbackID: q.ID, Data: q.Data}
		if q.From != nil {
			p.UserID = q.From.ID
		}
		if q.Message != nil && q.Message.Chat != nil {
			p.ChatID, p.MessageID = q.Message.Chat.ID, q.Message.MessageID
		}
		data, _ := json.Marshal(p)
		return platform.NewEvent(platform.EventCallback, data, strconv.FormatInt(p.ChatID, 10)), true
	}
	return platform.Event{}, false
}

type sendRequest struct {
	ChatID  int64  `json:"chat_id"`
	Text    string `json:"text"`
	ReplyTo int    `json:"reply_to,omitempty"`
}

type deleteRequest struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int   `json:"message_id"`
}

type callbackRequest struct {
	CallbackID string `json:"callback_id"`
	Text       string `json:"text,omitempty"`
}

// Submit performs route with the JSON body in payload.
func (c *Client) Submit(ctx context.Context, route string, payload []byte) platform.SubmitResult {
	if err := ctx.Err(); err != nil {
		return platform.SubmitResult{Status: platform.SubmitError, Message: err.Error()}
	}

	switch route {
	case RouteSendMessage, RouteReply:
		var req sendRequest
		if err := json.Unmarshal(payload, &req); err != nil || req.ChatID == 0 || req.Text == "" {
			return badRequest(route, "body must be {\"chat_id\":<id>,\"text\":<text>}")
		}
		msg := tgbotapi.NewMessage(req.ChatID, req.Text)
		msg.ReplyToMessageID = req.ReplyTo
		sent, err := c.api.Send(msg)
		if err != nil {
			return c.failure(route, err)
		}
		body, _ := json.Marshal(map[string]int{"message_id": sent.MessageID})
		return platform.SubmitResult{Status: platform.SubmitOK, Body: body, Code: http.StatusOK}

	case RouteDeleteMessage:
		var req deleteRequest
		if err := json.Unmarshal(payload, &req); err != nil || req.ChatID == 0 {
			return badRequest(route, "body must be {\"chat_id\":<id>,\"message_id\":<id>}")
		}
		return c.request(route, tgbotapi.NewDeleteMessage(req.ChatID, req.MessageID))

	case RouteAnswerCallback:
		var req callbackRequest
		if err := json.Unmarshal(payload, &req); err != nil || req.CallbackID == "" {
			return badRequest(route, "body must be {\"callback_id\":<id>}")
		}
		return c.request(route, tgbotapi.NewCallback(req.CallbackID, req.Text))
	}
	return platform.SubmitResult{
		Status:  platform.SubmitError,
		Code:    http.StatusNotFound,
		Message: fmt.Sprintf("unknown route %q", route),
	}
}

func (c *Client) request(route string, cfg tgbotapi.Chattable) platform.SubmitResult {
	resp, err := c.api.Request(cfg)
	if err != nil {
		return c.failure(route, err)
	}
	return platform.SubmitResult{Status: platform.SubmitOK, Body: resp.Result, Code: http.StatusOK}
}

func badRequest(route, msg string) platform.SubmitResult {
	return platform.SubmitResult{
		Status:  platform.SubmitError,
		Code:    http.StatusBadRequest,
		Message: route + ": " + msg,
	}
}

func (c *Client) failure(route string, err error) platform.SubmitResult {
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) {
		if tgErr.Code == http.StatusTooManyRequests {
			c.logger.Warn("telegram rate limited", "route", route, "retry_after", tgErr.RetryAfter)
			return platform.SubmitResult{
				Status:     platform.SubmitRateLimited,
				Code:       tgErr.Code,
				RetryAfter: time.Duration(tgErr.RetryAfter) * time.Second,
				Message:    tgErr.Message,
			}
		}
		return platform.SubmitResult{Status: platform.SubmitError, Code: tgErr.Code, Message: tgErr.Message}
	}
	return platform.SubmitResult{Status: platform.SubmitError, Message: err.Error()}
}
