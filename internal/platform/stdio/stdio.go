// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

// Package stdio is a platform.Client for local runs: each input line is a
// message event and each submit is printed as one JSON line.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/composebot/composebot/internal/platform"
)

// Correlation is the correlation id stamped on every stdio event.
const Correlation = "stdio"

// Client reads events from r and writes submits to w.
type Client struct {
	w      io.Writer
	logger *slog.Logger

	wmu sync.Mutex

	mu      sync.Mutex
	lines   chan string
	started bool
	eof     bool
}

// New creates a client. Reading starts with the first Subscribe.
func New(r io.Reader, w io.Writer) *Client {
	c := &Client{
		w:      w,
		logger: slog.Default().With("component", "platform.stdio"),
		lines:  make(chan string),
	}
	go c.read(r)
	return c
}

func (c *Client) read(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		c.lines <- scanner.Text()
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("stdin read failed", "error", err)
	}
	close(c.lines)
}

// Subscribe streams input lines as events. After input ends it returns
// platform.ErrClosed.
func (c *Client) Subscribe(ctx context.Context) (<-chan platform.Event, error) {
	c.mu.Lock()
	if c.eof {
		c.mu.Unlock()
		return nil, platform.ErrClosed
	}
	c.mu.Unlock()

	out := make(chan platform.Event)
	go func() {
		defer close(out)
		for {
			var line string
			var ok bool
			select {
			case <-ctx.Done():
				return
			case line, ok = <-c.lines:
			}
			if !ok {
				c.mu.Lock()
				c.eof = true
				c.mu.Unlock()
				return
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			select {
			case out <- ParseLine(line):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ParseLine turns "/name args" into a command.<name> event and anything
// else into a message event. The payload is the raw line.
func ParseLine(line string) platform.Event {
	typ := platform.EventMessage
	if rest, ok := strings.CutPrefix(line, "/"); ok && rest != "" {
		name, _, _ := strings.Cut(rest, " ")
		typ = platform.EventCommand + "." + name
	}
	return platform.NewEvent(typ, []byte(line), Correlation)
}

type submitLine struct {
	Route string `json:"route"`
	Body  string `json:"body"`
}

// Submit writes {"route":...,"body":...} to the output.
func (c *Client) Submit(_ context.Context, route string, payload []byte) platform.SubmitResult {
	data, err := json.Marshal(submitLine{Route: route, Body: string(payload)})
	if err != nil {
		return platform.SubmitResult{Status: platform.SubmitError, Code: 400, Message: err.Error()}
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(append(data, '\n')); err != nil {
		return platform.SubmitResult{Status: platform.SubmitError, Message: err.Error()}
	}
	return platform.SubmitResult{Status: platform.SubmitOK, Code: 200}
}
