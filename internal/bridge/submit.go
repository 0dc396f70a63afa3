// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/composebot/composebot/internal/observability"
	"github.com/composebot/composebot/internal/platform"
	"github.com/composebot/composebot/internal/runerr"
	"github.com/composebot/composebot/internal/sandbox"
	"github.com/composebot/composebot/internal/scheduler"
	"github.com/composebot/composebot/pkg/abi"
	"github.com/composebot/composebot/pkg/errutil"
)

var (
	errNoEnqueuer  = errors.New("bridge has no scheduler attached")
	errRateLimited = errors.New("rate limited upstream")
)

// PendingCall is an outbound submit waiting for its result. It is removed
// exactly once: when its result is delivered, or when its instance is reset.
type PendingCall struct {
	ID       int64
	Handle   sandbox.Handle
	Plugin   string
	JobID    string
	Route    string
	Payload  []byte
	Deadline time.Time
	// Epoch is the incarnation of the instance that issued the call.
	Epoch uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// Submit registers an outbound call and returns its id. The result arrives
// later as a continuation job carrying an abi.ResultPayload.
func (b *Bridge) Submit(_ context.Context, c sandbox.Caller, route string, body []byte) int64 {
	if !c.Table.AllowsSubmit(route) {
		b.denied(c, abi.FuncSubmit)
		return int64(abi.StatusCapabilityDenied)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return int64(abi.StatusBusy)
	}
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.CallTimeout)
	deadline, _ := ctx.Deadline()
	call := &PendingCall{
		ID:       b.nextCall.Add(1),
		Handle:   c.Handle,
		Plugin:   c.Plugin,
		JobID:    c.JobID,
		Route:    route,
		Payload:  slices.Clone(body),
		Deadline: deadline,
		Epoch:    c.Epoch,
		ctx:      ctx,
		cancel:   cancel,
	}
	b.pending[call.ID] = call
	b.mu.Unlock()

	select {
	case b.work <- call:
		return call.ID
	default:
		b.takePending(call.ID)
		cancel()
		b.logger.Warn("submit queue full",
			"plugin", c.Plugin,
			"job_id", c.JobID,
			"route", route,
			"queue_size", b.cfg.QueueSize)
		return int64(abi.StatusBusy)
	}
}

// takePending removes a pending call and reports whether the caller won
// the right to complete it.
func (b *Bridge) takePending(id int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[id]; !ok {
		return false
	}
	delete(b.pending, id)
	return true
}

func (b *Bridge) worker() {
	defer b.workers.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case call := <-b.work:
			b.process(call)
		}
	}
}

func (b *Bridge) process(call *PendingCall) {
	defer call.cancel()

	ctx, span := b.tracer.Start(call.ctx, "bridge.Submit",
		trace.WithAttributes(
			attribute.String("plugin.name", call.Plugin),
			attribute.String("submit.route", call.Route),
			attribute.Int64("submit.call_id", call.ID),
		))
	defer span.End()

	res, attempts, err := b.attempt(ctx, call)
	span.SetAttributes(attribute.Int("submit.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	// A reset or shutdown may have claimed the call already.
	if !b.takePending(call.ID) {
		return
	}

	payload := abi.ResultPayload{CallID: call.ID, Code: res.Code}
	switch {
	case err == nil:
		payload.OK = true
		payload.Body = string(res.Body)
	case errors.Is(err, context.DeadlineExceeded):
		b.metrics.RecordSubmit(call.Route, observability.OutcomeTimeout)
		payload.Error = "call timed out"
	default:
		payload.Error = res.Message
		if payload.Error == "" {
			payload.Error = err.Error()
		}
	}
	if err != nil {
		attrs := append([]any{
			"plugin", call.Plugin,
			"job_id", call.JobID,
			"call_id", call.ID,
			"route", call.Route,
			"attempts", attempts,
		}, errutil.Attrs(err)...)
		b.logger.Warn("submit failed", attrs...)
	}
	b.deliver(call, payload)
}

// attempt runs the submit with retries. Rate-limited answers drain the
// shared bucket for their retry-after before the next attempt.
func (b *Bridge) attempt(ctx context.Context, call *PendingCall) (platform.SubmitResult, int, error) {
	var last platform.SubmitResult
	attempts := 0
	backoff := retry.WithMaxRetries(uint64(b.cfg.MaxAttempts-1), retry.NewExponential(b.cfg.BaseBackoff))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
		attempts++
		last = b.client.Submit(ctx, call.Route, call.Payload)
		switch last.Status {
		case platform.SubmitOK:
			b.metrics.RecordSubmit(call.Route, observability.OutcomeOK)
			return nil
		case platform.SubmitRateLimited:
			b.metrics.RecordSubmit(call.Route, observability.OutcomeRateLimited)
			b.limiter.Defer(last.RetryAfter)
			return retry.RetryableError(upstreamError(call, last))
		default:
			b.metrics.RecordSubmit(call.Route, observability.OutcomeError)
			err := upstreamError(call, last)
			if last.Retryable() {
				return retry.RetryableError(err)
			}
			return err
		}
	})
	if err != nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return last, attempts, err
}

func upstreamError(call *PendingCall, res platform.SubmitResult) error {
	cause := fmt.Errorf("platform answered %d: %s", res.Code, res.Message)
	if res.Status == platform.SubmitRateLimited {
		cause = fmt.Errorf("%w: retry after %s", errRateLimited, res.RetryAfter)
	}
	return oops.In("bridge").Code(runerr.CodeUpstream).
		With("route", call.Route).
		With("call_id", call.ID).
		With("status", res.Status.String()).
		With("code", res.Code).
		Wrap(runerr.Mark(runerr.ErrUpstream, cause))
}

func (b *Bridge) deliver(call *PendingCall, payload abi.ResultPayload) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("encode submit result", "call_id", call.ID, "error", err)
		return
	}
	err = b.enqueue(scheduler.Job{
		Kind:    scheduler.KindContinuation,
		Handle:  call.Handle,
		Epoch:   call.Epoch,
		Payload: data,
	})
	if err != nil {
		attrs := append([]any{"plugin", call.Plugin, "call_id", call.ID}, errutil.Attrs(err)...)
		b.logger.Warn("submit result dropped", attrs...)
	}
}
