// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

// Package platform defines the chat platform client shared by every plugin
// instance: one inbound event stream and one outbound submit call.
package platform

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrClosed is returned by Subscribe when the stream has ended for good
// (for example stdin reached EOF). Callers should stop resubscribing.
var ErrClosed = errors.New("platform stream closed")

// Well-known event types. Commands are typed "command.<name>".
const (
	EventMessage  = "message"
	EventCommand  = "command"
	EventCallback = "callback"
)

// Event is one inbound platform event. It is read-only once emitted.
type Event struct {
	ID            string
	Type          string
	Payload       []byte
	CorrelationID string
	ReceivedAt    time.Time
}

// NewEvent stamps a fresh ULID and the receive time.
func NewEvent(typ string, payload []byte, correlationID string) Event {
	return Event{
		ID:            ulid.Make().String(),
		Type:          typ,
		Payload:       payload,
		CorrelationID: correlationID,
		ReceivedAt:    time.Now(),
	}
}

// SubmitStatus classifies an outbound call result.
type SubmitStatus int

// Submit statuses.
const (
	SubmitOK SubmitStatus = iota
	SubmitRateLimited
	SubmitError
)

func (s SubmitStatus) String() string {
	switch s {
	case SubmitOK:
		return "ok"
	case SubmitRateLimited:
		return "rate_limited"
	case SubmitError:
		return "error"
	default:
		return "unknown"
	}
}

// SubmitResult is what the platform answered to one Submit.
type SubmitResult struct {
	Status SubmitStatus
	Body   []byte
	// RetryAfter is the upstream's requested backoff for rate-limited calls.
	RetryAfter time.Duration
	// Code is the upstream status code, 0 when the request never got an
	// answer.
	Code int
	// Message describes the failure for SubmitError results.
	Message string
}

// Retryable reports whether the call may succeed if repeated: rate limits,
// transport failures, and 5xx-class upstream errors.
func (r SubmitResult) Retryable() bool {
	switch r.Status {
	case SubmitRateLimited:
		return true
	case SubmitError:
		return r.Code == 0 || r.Code >= 500
	default:
		return false
	}
}

// Client is the platform API shared by all plugins. Implementations must be
// safe for concurrent Submit calls.
type Client interface {
	// Subscribe starts a stream of inbound events. The channel is closed
	// when the connection drops or ctx is done; callers resubscribe.
	Subscribe(ctx context.Context) (<-chan Event, error)
	// Submit sends payload to route and reports the upstream answer.
	Submit(ctx context.Context, route string, payload []byte) SubmitResult
}
