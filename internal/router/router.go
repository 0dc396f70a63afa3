// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

// Package router reads the platform event stream and turns every event into
// one dispatch job per subscribed plugin instance.
package router

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/composebot/composebot/internal/platform"
	"github.com/composebot/composebot/internal/runerr"
	"github.com/composebot/composebot/internal/sandbox"
	"github.com/composebot/composebot/internal/scheduler"
	"github.com/composebot/composebot/pkg/abi"
	"github.com/composebot/composebot/pkg/errutil"
)

// Resubscribe backoff defaults.
const (
	DefaultBaseBackoff = 100 * time.Millisecond
	DefaultMaxBackoff  = 30 * time.Second
)

// Enqueuer accepts dispatch jobs. *scheduler.Scheduler satisfies it.
type Enqueuer interface {
	Enqueue(job scheduler.Job) (string, error)
}

// Config tunes the router.
type Config struct {
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Logger      *slog.Logger
}

// subscription tracks which event types an instance wants.
type subscription struct {
	plugin string
	globs  []glob.Glob
}

func (s subscription) matches(eventType string) bool {
	for _, g := range s.globs {
		if g.Match(eventType) {
			return true
		}
	}
	return false
}

// Stats counts routed events since Start.
type Stats struct {
	Events     int64
	Dispatched int64
	Dropped    int64
	Reconnects int64
}

// Router is the only reader of the platform event stream.
type Router struct {
	cfg    Config
	client platform.Client
	enq    Enqueuer
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[sandbox.Handle]subscription

	events     atomic.Int64
	dispatched atomic.Int64
	dropped    atomic.Int64
	reconnects atomic.Int64

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a router feeding enq from client.
func New(cfg Config, client platform.Client, enq Enqueuer) *Router {
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultBaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		cfg:    cfg,
		client: client,
		enq:    enq,
		logger: cfg.Logger.With("component", "router"),
		subs:   make(map[sandbox.Handle]subscription),
	}
}

// Subscribe routes events whose type matches any of patterns to hd,
// replacing earlier patterns for hd. Patterns use '.' as the segment
// separator, so "command.*" matches "command.ping".
func (r *Router) Subscribe(hd sandbox.Handle, plugin string, patterns []string) error {
	sub := subscription{plugin: plugin}
	for _, p := range patterns {
		g, err := glob.Compile(p, '.')
		if err != nil {
			return oops.In("router").With("plugin", plugin).With("pattern", p).
				Wrapf(err, "compile subscription")
		}
		sub.globs = append(sub.globs, g)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[hd] = sub
	return nil
}

// Unsubscribe stops routing events to hd.
func (r *Router) Unsubscribe(hd sandbox.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, hd)
}

// Start begins consuming the event stream in the background.
func (r *Router) Start(ctx context.Context) {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.done != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.run(ctx)
}

// Stop ends consumption and waits for the loop to exit.
func (r *Router) Stop() {
	r.runMu.Lock()
	cancel, done := r.cancel, r.done
	r.runMu.Unlock()
	if done == nil {
		return
	}
	cancel()
	<-done
}

// Done is closed once the consume loop has exited, either through Stop or
// because the platform closed the stream for good.
func (r *Router) Done() <-chan struct{} {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	return r.done
}

// Stats returns the routing counters.
func (r *Router) Stats() Stats {
	return Stats{
		Events:     r.events.Load(),
		Dispatched: r.dispatched.Load(),
		Dropped:    r.dropped.Load(),
		Reconnects: r.reconnects.Load(),
	}
}

func (r *Router) newBackoff() retry.Backoff {
	return retry.WithCappedDuration(r.cfg.MaxBackoff, retry.NewExponential(r.cfg.BaseBackoff))
}

func (r *Router) run(ctx context.Context) {
	defer close(r.done)
	backoff := r.newBackoff()

	for {
		events, err := r.client.Subscribe(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, platform.ErrClosed):
			r.logger.Info("platform stream closed for good, router stopping")
			return
		case err != nil:
			next, _ := backoff.Next()
			r.logger.Warn("subscribe failed, retrying", "error", err, "backoff", next)
			if !sleep(ctx, next) {
				return
			}
			continue
		}

		if r.consume(ctx, events) > 0 {
			backoff = r.newBackoff()
		}
		if ctx.Err() != nil {
			return
		}

		// The stream dropped; events sent during the gap are lost.
		r.reconnects.Add(1)
		next, _ := backoff.Next()
		r.logger.Warn("event stream closed, resubscribing", "backoff", next)
		if !sleep(ctx, next) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// consume routes events until the channel closes or ctx ends and returns
// how many it saw.
func (r *Router) consume(ctx context.Context, events <-chan platform.Event) int {
	n := 0
	for {
		select {
		case <-ctx.Done():
			return n
		case e, ok := <-events:
			if !ok {
				return n
			}
			n++
			r.Dispatch(e)
		}
	}
}

// Dispatch enqueues one dispatch job for every instance subscribed to the
// event's type and returns how many were accepted. A rejected job affects
// only its own instance.
func (r *Router) Dispatch(e platform.Event) int {
	r.events.Add(1)
	targets := r.targets(e.Type)
	if len(targets) == 0 {
		r.logger.Debug("no subscribers for event", "event_id", e.ID, "event_type", e.Type)
		return 0
	}

	data, err := json.Marshal(abi.EventEnvelope{
		ID:            e.ID,
		Type:          e.Type,
		CorrelationID: e.CorrelationID,
		Payload:       string(e.Payload),
		ReceivedAt:    e.ReceivedAt.UnixMilli(),
	})
	if err != nil {
		r.logger.Error("encode event envelope", "event_id", e.ID, "error", err)
		return 0
	}

	accepted := 0
	for _, t := range targets {
		_, err := r.enq.Enqueue(scheduler.Job{Kind: scheduler.KindDispatch, Handle: t.hd, Payload: data})
		if err != nil {
			r.dropped.Add(1)
			attrs := append([]any{"event_id", e.ID, "event_type", e.Type, "plugin", t.plugin}, errutil.Attrs(err)...)
			if errors.Is(err, runerr.ErrQueueOverflow) {
				r.logger.Debug("event dropped for instance", attrs...)
			} else {
				r.logger.Warn("event dropped for instance", attrs...)
			}
			continue
		}
		accepted++
	}
	r.dispatched.Add(int64(accepted))
	return accepted
}

type target struct {
	hd     sandbox.Handle
	plugin string
}

func (r *Router) targets(eventType string) []target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []target
	for hd, sub := range r.subs {
		if sub.matches(eventType) {
			out = append(out, target{hd: hd, plugin: sub.plugin})
		}
	}
	slices.SortFunc(out, func(a, b target) int { return cmp.Compare(a.hd.Index, b.hd.Index) })
	return out
}
