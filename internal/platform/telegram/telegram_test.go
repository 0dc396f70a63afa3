// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/composebot/composebot/internal/platform"
)

type fakeAPI struct {
	mu      sync.Mutex
	updates chan tgbotapi.Update
	sent    []tgbotapi.Chattable
	sendErr error
	stopped int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{updates: make(chan tgbotapi.Update, 8)}
}

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeAPI) StopReceivingUpdates() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	close(f.updates)
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	if f.sendErr != nil {
		return tgbotapi.Message{}, f.sendErr
	}
	return tgbotapi.Message{MessageID: 77}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &tgbotapi.APIResponse{Ok: true, Result: json.RawMessage(`true`)}, nil
}

func commandUpdate(id int, chat int64, text string, cmdLen int) tgbotapi.Update {
	return tgbotapi.Update{
		UpdateID: id,
		Message: &tgbotapi.Message{
			MessageID: id * 10,
			Chat:      &tgbotapi.Chat{ID: chat},
			From:      &tgbotapi.User{ID: 5, UserName: "ana"},
			Text:      text,
			Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: cmdLen}},
		},
	}
}

func TestToEvent(t *testing.T) {
	ev, ok := toEvent(commandUpdate(1, 42, "/ping now", 5))
	require.True(t, ok)
	assert.Equal(t, "command.ping", ev.Type)
	assert.Equal(t, "42", ev.CorrelationID)

	var p messagePayload
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	assert.Equal(t, int64(42), p.ChatID)
	assert.Equal(t, "now", p.Args)
	assert.Equal(t, "ana", p.Username)

	ev, ok = toEvent(tgbotapi.Update{UpdateID: 2, Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 1}, Text: "hi"}})
	require.True(t, ok)
	assert.Equal(t, platform.EventMessage, ev.Type)

	ev, ok = toEvent(tgbotapi.Update{UpdateID: 3, CallbackQuery: &tgbotapi.CallbackQuery{ID: "cb", Data: "yes"}})
	require.True(t, ok)
	assert.Equal(t, platform.EventCallback, ev.Type)

	_, ok = toEvent(tgbotapi.Update{UpdateID: 4})
	assert.False(t, ok)
}

func TestClient_SubscribeSharesPoller(t *testing.T) {
	api := newFakeAPI()
	c := newClient(api)

	ctx, cancel := context.WithCancel(context.Background())
	first, err := c.Subscribe(ctx)
	require.NoError(t, err)
	api.updates <- commandUpdate(1, 42, "/ping", 5)
	ev := <-first
	assert.Equal(t, "command.ping", ev.Type)
	cancel()
	require.Eventually(t, func() bool {
		_, open := <-first
		return !open
	}, time.Second, time.Millisecond)

	second, err := c.Subscribe(context.Background())
	require.NoError(t, err)
	api.updates <- tgbotapi.Update{UpdateID: 2, Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 1}, Text: "hi"}}
	ev = <-second
	assert.Equal(t, platform.EventMessage, ev.Type)

	c.Close()
	c.Close()
	_, open := <-second
	assert.False(t, open)
	assert.Equal(t, 1, api.stopped)
}

func TestClient_Submit(t *testing.T) {
	tests := []struct {
		name       string
		route      string
		body       string
		sendErr    error
		wantStatus platform.SubmitStatus
		wantCode   int
		wantRetry  time.Duration
	}{
		{"send", RouteSendMessage, `{"chat_id":1,"text":"pong"}`, nil, platform.SubmitOK, 200, 0},
		{"reply", RouteReply, `{"chat_id":1,"text":"pong","reply_to":3}`, nil, platform.SubmitOK, 200, 0},
		{"delete", RouteDeleteMessage, `{"chat_id":1,"message_id":3}`, nil, platform.SubmitOK, 200, 0},
		{"answer callback", RouteAnswerCallback, `{"callback_id":"cb"}`, nil, platform.SubmitOK, 200, 0},
		{"bad body", RouteReply, `pong`, nil, platform.SubmitError, 400, 0},
		{"unknown route", "teleport", `{}`, nil, platform.SubmitError, 404, 0},
		{
			"rate limited", RouteSendMessage, `{"chat_id":1,"text":"x"}`,
			&tgbotapi.Error{Code: 429, Message: "Too Many Requests", ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 3}},
			platform.SubmitRateLimited, 429, 3 * time.Second,
		},
		{
			"forbidden", RouteSendMessage, `{"chat_id":1,"text":"x"}`,
			&tgbotapi.Error{Code: 403, Message: "bot was blocked"},
			platform.SubmitError, 403, 0,
		},
		{"network", RouteSendMessage, `{"chat_id":1,"text":"x"}`, errors.New("dial tcp: refused"), platform.SubmitError, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeAPI()
			api.sendErr = tt.sendErr
			c := newClient(api)

			res := c.Submit(context.Background(), tt.route, []byte(tt.body))
			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Equal(t, tt.wantCode, res.Code)
			assert.Equal(t, tt.wantRetry, res.RetryAfter)
		})
	}
}

func TestClient_SubmitReplySetsReplyTo(t *testing.T) {
	api := newFakeAPI()
	c := newClient(api)

	res := c.Submit(context.Background(), RouteReply, []byte(`{"chat_id":9,"text":"pong","reply_to":3}`))
	require.Equal(t, platform.SubmitOK, res.Status)
	assert.JSONEq(t, `{"message_id":77}`, string(res.Body))

	require.Len(t, api.sent, 1)
	msg, ok := api.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, int64(9), msg.ChatID)
	assert.Equal(t, 3, msg.ReplyToMessageID)
	assert.Equal(t, "pong", msg.Text)
}

func TestNew_RequiresToken(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}
