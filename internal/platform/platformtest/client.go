// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

// Package platformtest provides an in-memory platform.Client that records
// every submit and lets tests push events and drop the stream.
package platformtest

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/composebot/composebot/internal/platform"
)

// Call is one recorded Submit.
type Call struct {
	Route   string
	Payload []byte
	At      time.Time
}

// Responder decides the answer to a Submit. n is the 1-based count of
// submits the client has seen, including this one.
type Responder func(route string, payload []byte, n int) platform.SubmitResult

// OK answers every submit successfully with the payload echoed back.
func OK(_ string, payload []byte, _ int) platform.SubmitResult {
	return platform.SubmitResult{Status: platform.SubmitOK, Body: payload, Code: 200}
}

// Client is a recording platform.Client. The zero value is not usable; call
// New.
type Client struct {
	mu           sync.Mutex
	respond      Responder
	calls        []Call
	current      chan platform.Event
	subscribes   int
	subscribeErr error
	notify       chan struct{}
}

var _ platform.Client = (*Client)(nil)

// New returns a client that answers with OK.
func New() *Client {
	return &Client{respond: OK, notify: make(chan struct{}, 1)}
}

// RespondWith replaces the responder.
func (c *Client) RespondWith(fn Responder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.respond = fn
}

// FailSubscribe makes subsequent Subscribe calls return err until cleared
// with nil.
func (c *Client) FailSubscribe(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribeErr = err
}

// Subscribe opens a new stream, replacing (and closing) any previous one.
func (c *Client) Subscribe(ctx context.Context) (<-chan platform.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribes++
	if c.subscribeErr != nil {
		return nil, c.subscribeErr
	}
	if c.current != nil {
		close(c.current)
	}
	ch := make(chan platform.Event, 256)
	c.current = ch

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.current == ch {
			close(ch)
			c.current = nil
		}
	}()
	return ch, nil
}

// Subscriptions returns how many times Subscribe was called.
func (c *Client) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribes
}

// Connected reports whether a stream is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// Emit delivers e on the open stream. It returns false when nobody is
// subscribed.
func (c *Client) Emit(e platform.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return false
	}
	c.current <- e
	return true
}

// Disconnect closes the open stream as a dropped connection would.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		close(c.current)
		c.current = nil
	}
}

// Submit records the call and answers with the responder.
func (c *Client) Submit(_ context.Context, route string, payload []byte) platform.SubmitResult {
	c.mu.Lock()
	c.calls = append(c.calls, Call{Route: route, Payload: slices.Clone(payload), At: time.Now()})
	n := len(c.calls)
	respond := c.respond
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return respond(route, payload, n)
}

// Calls returns a copy of every recorded submit.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.calls)
}

// CallsTo returns the recorded submits to route.
func (c *Client) CallsTo(route string) []Call {
	var out []Call
	for _, call := range c.Calls() {
		if call.Route == route {
			out = append(out, call)
		}
	}
	return out
}

// WaitForCalls blocks until at least n submits were recorded or timeout
// passes, and reports whether n was reached.
func (c *Client) WaitForCalls(n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if len(c.Calls()) >= n {
			return true
		}
		select {
		case <-c.notify:
		case <-deadline.C:
			return len(c.Calls()) >= n
		}
	}
}
