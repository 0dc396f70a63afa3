// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

// Package bridge implements the host functions plugins call through the
// sandbox: logging, scoped key-value storage, outbound submits, timers,
// calls between plugins, and shutdown requests.
//
// Every call re-checks the caller's capability table. Log, KV, and timer
// calls complete synchronously. Submits are registered as pending calls and
// handed to a fixed worker pool that waits on the shared rate limiter; the
// outcome comes back to the same instance as a continuation job. Calls to
// another plugin run as on_call jobs on the callee and are answered the
// same way.
package bridge

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/composebot/composebot/internal/bridge/ratelimit"
	"github.com/composebot/composebot/internal/observability"
	"github.com/composebot/composebot/internal/platform"
	"github.com/composebot/composebot/internal/plugin"
	"github.com/composebot/composebot/internal/sandbox"
	"github.com/composebot/composebot/internal/scheduler"
	"github.com/composebot/composebot/internal/store"
)

// Defaults applied by New to zero Config fields.
const (
	DefaultWorkers     = 4
	DefaultQueueSize   = 256
	DefaultCallTimeout = 10 * time.Second
	DefaultMaxAttempts = 4
	DefaultBaseBackoff = 250 * time.Millisecond
	DefaultMaxTimers   = 64
)

// Enqueuer accepts continuation and timer jobs. *scheduler.Scheduler
// satisfies it.
type Enqueuer interface {
	Enqueue(job scheduler.Job) (string, error)
}

// Config tunes the bridge.
type Config struct {
	// Workers is the size of the outbound submit pool.
	Workers int
	// QueueSize bounds submits waiting for a worker. A full queue answers
	// submit with StatusBusy.
	QueueSize int
	// CallTimeout bounds one submit including retries. It is independent of
	// the job that issued the call.
	CallTimeout time.Duration
	// MaxAttempts bounds upstream attempts per submit.
	MaxAttempts int
	BaseBackoff time.Duration
	// MaxTimers bounds live timers per instance.
	MaxTimers int
	RateLimit ratelimit.Config

	// Lookup resolves a plugin name to its instance for Call.
	Lookup func(plugin string) (sandbox.Handle, bool)
	// Entries resolves the entry points of a call target. Nil uses the abi
	// defaults.
	Entries func(hd sandbox.Handle) (plugin.EntryPoints, error)
	// OnShutdown receives shutdown requests from plugins holding the
	// shutdown capability.
	OnShutdown func(plugin string, restart bool)

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  trace.Tracer
}

// Bridge serves sandbox.HostFunctions. Create with New, attach the
// scheduler with SetEnqueuer, then Start.
type Bridge struct {
	cfg        Config
	client     platform.Client
	kv         store.KV
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	plugins    *slog.Logger
	metrics    *observability.Metrics
	tracer     trace.Tracer
	keys       keyLocks
	cron       *cron.Cron
	enq        atomic.Pointer[Enqueuer]
	nextCall   atomic.Int64
	nextTimer  atomic.Int64
	work       chan *PendingCall
	workers    sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	startOnce  sync.Once
	stopOnce   sync.Once
	mu         sync.Mutex
	pending    map[int64]*PendingCall
	timers     map[int64]*timer
	calls      map[string]*inboundCall
	closed     bool
}

var _ sandbox.HostFunctions = (*Bridge)(nil)

// New creates a bridge that submits through client and stores plugin data
// in kv.
func New(cfg Config, client platform.Client, kv store.KV) *Bridge {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultBaseBackoff
	}
	if cfg.MaxTimers <= 0 {
		cfg.MaxTimers = DefaultMaxTimers
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("bridge")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		cfg:     cfg,
		client:  client,
		kv:      kv,
		limiter: ratelimit.New(cfg.RateLimit),
		logger:  cfg.Logger.With("component", "bridge"),
		plugins: cfg.Logger.With("component", "plugin"),
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		keys:    keyLocks{locks: make(map[string]*keyLock)},
		cron:    cron.New(),
		work:    make(chan *PendingCall, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[int64]*PendingCall),
		timers:  make(map[int64]*timer),
		calls:   make(map[string]*inboundCall),
	}
}

// SetEnqueuer attaches the scheduler that receives continuations and timer
// jobs. The scheduler is built after the sandbox host, which needs the
// bridge, so it cannot be passed to New.
func (b *Bridge) SetEnqueuer(e Enqueuer) {
	b.enq.Store(&e)
}

// Limiter returns the shared outbound rate limiter.
func (b *Bridge) Limiter() *ratelimit.Limiter {
	return b.limiter
}

// Start launches the submit workers and the cron scheduler.
func (b *Bridge) Start() {
	b.startOnce.Do(func() {
		for range b.cfg.Workers {
			b.workers.Add(1)
			go b.worker()
		}
		b.cron.Start()
		b.logger.Info("bridge started",
			"workers", b.cfg.Workers,
			"call_timeout", b.cfg.CallTimeout,
			"rate", b.limiter.Rate(),
			"burst", b.limiter.Burst())
	})
}

// Stop cancels every pending call and timer and waits for the workers.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		calls := b.pending
		b.pending = make(map[int64]*PendingCall)
		timers := b.timers
		b.timers = make(map[int64]*timer)
		b.calls = make(map[string]*inboundCall)
		b.mu.Unlock()

		for _, call := range calls {
			call.cancel()
		}
		for _, t := range timers {
			b.stopTimer(t)
		}
		b.cancel()
		b.workers.Wait()
		<-b.cron.Stop().Done()
		b.logger.Info("bridge stopped", "cancelled_calls", len(calls), "cancelled_timers", len(timers))
	})
}

// CancelInstance cancels all pending calls, plugin calls, and timers of hd.
// It is wired as the scheduler's reset hook, so results of an old
// incarnation never reach the new one.
func (b *Bridge) CancelInstance(hd sandbox.Handle) {
	var calls []*PendingCall
	var timers []*timer

	b.mu.Lock()
	for id, call := range b.pending {
		if call.Handle == hd {
			calls = append(calls, call)
			delete(b.pending, id)
		}
	}
	for id, t := range b.timers {
		if t.hd == hd {
			timers = append(timers, t)
			delete(b.timers, id)
		}
	}
	dropped := 0
	for id, ic := range b.calls {
		if ic.caller == hd {
			delete(b.calls, id)
			dropped++
		}
	}
	b.mu.Unlock()

	for _, call := range calls {
		call.cancel()
	}
	for _, t := range timers {
		b.stopTimer(t)
	}
	if len(calls) > 0 || len(timers) > 0 || dropped > 0 {
		b.logger.Debug("cancelled instance bridge work",
			"handle", hd.String(),
			"calls", len(calls),
			"plugin_calls", dropped,
			"timers", len(timers))
	}
}

// Pending returns the number of pending calls owned by hd.
func (b *Bridge) Pending(hd sandbox.Handle) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, call := range b.pending {
		if call.Handle == hd {
			n++
		}
	}
	return n
}

// Timers returns the number of live timers owned by hd.
func (b *Bridge) Timers(hd sandbox.Handle) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timersOf(hd)
}

func (b *Bridge) timersOf(hd sandbox.Handle) int {
	n := 0
	for _, t := range b.timers {
		if t.hd == hd {
			n++
		}
	}
	return n
}

func (b *Bridge) enqueue(job scheduler.Job) error {
	e := b.enq.Load()
	if e == nil {
		return errNoEnqueuer
	}
	_, err := (*e).Enqueue(job)
	return err
}

func (b *Bridge) denied(c sandbox.Caller, function string) {
	b.metrics.RecordCapabilityDenied(c.Plugin, function)
	b.logger.Debug("capability denied",
		"plugin", c.Plugin,
		"handle", c.Handle.String(),
		"job_id", c.JobID,
		"function", function)
}
