// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

// Package scheduler serializes jobs per plugin instance and runs different
// instances in parallel on a fixed worker pool.
//
// Every registered instance owns one FIFO queue per job kind. An instance
// with queued work and no running job sits in a FIFO ready ring; workers
// take the instance at the head of the ring, run the head job of its
// highest-priority non-empty queue, and put it back at the tail when more
// work remains. This gives at most one running job per instance and
// round-robin fairness across instances.
//
// A job that traps or exceeds its timeout fails, and the instance is reset
// by the restart policy. Cancelling a running job forces a reset; effects
// the job already had outside the sandbox are not rolled back.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/composebot/composebot/internal/observability"
	"github.com/composebot/composebot/internal/plugin"
	"github.com/composebot/composebot/internal/runerr"
	"github.com/composebot/composebot/internal/sandbox"
)

// Defaults applied by New to zero Config fields.
const (
	DefaultWorkers     = 8
	DefaultQueueBound  = 64
	DefaultJobTimeout  = 5 * time.Second
	DefaultMaxRestarts = 3
	DefaultBaseBackoff = 200 * time.Millisecond
	DefaultMaxBackoff  = 10 * time.Second
)

// ErrUnknownJob is returned by Cancel for ids that are neither queued nor
// running.
var ErrUnknownJob = errors.New("unknown job")

var (
	errJobTimeout      = errors.New("job timeout")
	errCancelRequested = errors.New("job cancel requested")
	errRemoved         = errors.New("instance unregistered")
)

// Executor runs entry points on sandbox instances. *sandbox.Host satisfies
// it.
type Executor interface {
	Invoke(ctx context.Context, hd sandbox.Handle, entry string, payload []byte) (sandbox.Result, error)
	Reset(ctx context.Context, hd sandbox.Handle) error
	Exists(hd sandbox.Handle) bool
	EntryPoints(hd sandbox.Handle) (plugin.EntryPoints, error)
}

// RestartPolicy bounds instance resets after faults. Consecutive faults
// back off exponentially from BaseBackoff up to MaxBackoff; after
// MaxRestarts of them the instance is marked permanently faulted. A
// successful job clears the count. A negative MaxRestarts disables
// restarts.
type RestartPolicy struct {
	MaxRestarts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Config tunes the scheduler.
type Config struct {
	Workers    int
	QueueBound int
	JobTimeout time.Duration
	Restart    RestartPolicy
	Logger     *slog.Logger
	Metrics    *observability.Metrics

	// OnReset runs once for every incarnation that ends: as soon as a job
	// forces or faults the instance, and before a requested reset. Pending
	// bridge work of the old incarnation is cancelled there.
	OnReset func(hd sandbox.Handle)
	// OnOverflow runs once for every job rejected with ErrQueueOverflow.
	OnOverflow func(job Job)
	// OnJobDone runs for every job reaching a terminal state.
	OnJobDone func(job Job)
	// OnFaulted runs when an instance exhausts its restart policy.
	OnFaulted func(hd sandbox.Handle, plugin string)
}

type instance struct {
	hd     sandbox.Handle
	plugin string

	queues    [numKinds][]*Job
	queued    int
	running   *Job
	cancelRun context.CancelCauseFunc

	inReady      bool
	busy         bool
	restarting   bool
	resetPending bool
	faulted      bool
	removed      bool

	failures     int
	backoff      retry.Backoff
	restartTimer *time.Timer

	// epoch numbers the current incarnation, starting at 1.
	epoch uint64
}

func (i *instance) dispatchable() bool {
	return !i.inReady && !i.busy && !i.restarting && !i.faulted && !i.removed &&
		(i.queued > 0 || i.resetPending)
}

func (i *instance) pop() *Job {
	for k := range i.queues {
		if q := i.queues[k]; len(q) > 0 {
			j := q[0]
			q[0] = nil
			i.queues[k] = q[1:]
			i.queued--
			return j
		}
	}
	return nil
}

// retire ends the current incarnation. Queued jobs bound to it are
// returned for cancellation. Caller holds s.mu.
func (i *instance) retire() []*Job {
	old := i.epoch
	i.epoch++
	var out []*Job
	for k := range i.queues {
		keep := i.queues[k][:0]
		for _, j := range i.queues[k] {
			if j.Epoch == old {
				out = append(out, j)
				continue
			}
			keep = append(keep, j)
		}
		clear(i.queues[k][len(keep):])
		i.queues[k] = keep
	}
	i.queued -= len(out)
	return out
}

func (i *instance) drain() []*Job {
	var out []*Job
	for k := range i.queues {
		out = append(out, i.queues[k]...)
		i.queues[k] = nil
	}
	i.queued = 0
	return out
}

// notices collects callbacks to run once the lock is released.
type notices struct {
	jobs    []Job
	faulted []*instance
}

// Scheduler dispatches jobs to instances. Create with New, then Start.
type Scheduler struct {
	cfg     Config
	exec    Executor
	logger  *slog.Logger
	metrics *observability.Metrics

	mu        sync.Mutex
	cond      *sync.Cond
	instances map[sandbox.Handle]*instance
	jobs      map[string]*Job
	ready     []*instance
	accepting bool
	started   bool
	stopping  bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	workers    sync.WaitGroup
	restarts   sync.WaitGroup
}

// New creates a scheduler running jobs on exec.
func New(cfg Config, exec Executor) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueBound <= 0 {
		cfg.QueueBound = DefaultQueueBound
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.Restart.MaxRestarts == 0 {
		cfg.Restart.MaxRestarts = DefaultMaxRestarts
	}
	if cfg.Restart.BaseBackoff <= 0 {
		cfg.Restart.BaseBackoff = DefaultBaseBackoff
	}
	if cfg.Restart.MaxBackoff <= 0 {
		cfg.Restart.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Scheduler{
		cfg:       cfg,
		exec:      exec,
		logger:    cfg.Logger.With("component", "scheduler"),
		metrics:   cfg.Metrics,
		instances: make(map[sandbox.Handle]*instance),
		jobs:      make(map[string]*Job),
		accepting: true,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the worker pool. Jobs enqueued before Start wait for it.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.baseCtx, s.baseCancel = context.WithCancel(context.WithoutCancel(ctx))
	for range s.cfg.Workers {
		s.workers.Add(1)
		go s.worker()
	}
	s.logger.Info("scheduler started",
		"workers", s.cfg.Workers,
		"queue_bound", s.cfg.QueueBound,
		"job_timeout", s.cfg.JobTimeout)
}

func (s *Scheduler) newBackoff() retry.Backoff {
	limit := s.cfg.Restart.MaxRestarts
	if limit < 0 {
		limit = 0
	}
	b := retry.NewExponential(s.cfg.Restart.BaseBackoff)
	b = retry.WithCappedDuration(s.cfg.Restart.MaxBackoff, b)
	return retry.WithMaxRetries(uint64(limit), b)
}

// Register makes hd schedulable. plugin names the instance in logs and
// metrics.
func (s *Scheduler) Register(hd sandbox.Handle, plugin string) error {
	if !s.exec.Exists(hd) {
		return unknownInstance(hd)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[hd]; ok {
		return oops.In("scheduler").With("handle", hd.String()).Errorf("instance already registered")
	}
	s.instances[hd] = &instance{hd: hd, plugin: plugin, backoff: s.newBackoff(), epoch: 1}
	s.updateGauge()
	return nil
}

// Unregister removes hd. Its queued jobs are cancelled and a running job is
// abandoned without a reset.
func (s *Scheduler) Unregister(hd sandbox.Handle) {
	var n notices
	s.mu.Lock()
	inst, ok := s.instances[hd]
	if ok {
		inst.removed = true
		delete(s.instances, hd)
		s.stopRestart(inst)
		for _, j := range inst.drain() {
			s.finish(j, JobCancelled, unknownInstance(hd), &n)
		}
		if inst.cancelRun != nil {
			inst.cancelRun(errRemoved)
		}
		s.updateGauge()
		s.cond.Broadcast()
	}
	s.mu.Unlock()
	s.flush(&n)
}

func unknownInstance(hd sandbox.Handle) error {
	return oops.In("scheduler").Code(runerr.CodeUnknownInstance).With("handle", hd.String()).
		Wrap(runerr.ErrUnknownInstance)
}

// Enqueue validates the job's instance and queues the job. It returns the
// job id. A full instance queue rejects the job with ErrQueueOverflow.
func (s *Scheduler) Enqueue(job Job) (string, error) {
	if job.Kind < 0 || job.Kind >= numKinds {
		return "", oops.In("scheduler").With("kind", int(job.Kind)).Errorf("invalid job kind")
	}

	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return "", oops.In("scheduler").Code(runerr.CodeStopped).Wrap(runerr.ErrStopped)
	}
	inst, ok := s.instances[job.Handle]
	if !ok || !s.exec.Exists(job.Handle) {
		s.mu.Unlock()
		return "", unknownInstance(job.Handle)
	}
	if inst.faulted {
		s.mu.Unlock()
		return "", oops.In("scheduler").Code(runerr.CodeInstanceFaulted).
			With("plugin", inst.plugin).With("handle", job.Handle.String()).
			Wrap(runerr.ErrInstanceFaulted)
	}
	if job.Epoch != 0 && job.Epoch != inst.epoch {
		s.mu.Unlock()
		return "", staleJob(inst, job)
	}
	if inst.queued >= s.cfg.QueueBound {
		plugin := inst.plugin
		s.mu.Unlock()
		return "", s.overflow(plugin, job)
	}

	j := job
	if j.ID == "" {
		j.ID = ulid.Make().String()
	}
	j.Plugin = inst.plugin
	j.State = JobQueued
	j.EnqueuedAt = time.Now()
	j.Err = nil
	inst.queues[j.Kind] = append(inst.queues[j.Kind], &j)
	inst.queued++
	s.jobs[j.ID] = &j
	s.schedule(inst)
	s.mu.Unlock()
	return j.ID, nil
}

func staleJob(inst *instance, job Job) error {
	return oops.In("scheduler").Code(runerr.CodeStale).
		With("plugin", inst.plugin).
		With("handle", job.Handle.String()).
		With("kind", job.Kind.String()).
		With("job_epoch", job.Epoch).
		With("epoch", inst.epoch).
		Wrap(runerr.ErrStale)
}

// Epoch returns the current incarnation number of hd.
func (s *Scheduler) Epoch(hd sandbox.Handle) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[hd]
	if !ok {
		return 0, unknownInstance(hd)
	}
	return inst.epoch, nil
}

func (s *Scheduler) overflow(plugin string, job Job) error {
	s.metrics.RecordQueueOverflow(plugin)
	s.logger.Warn("instance queue full, job dropped",
		"plugin", plugin,
		"handle", job.Handle.String(),
		"kind", job.Kind.String(),
		"queue_bound", s.cfg.QueueBound)
	if s.cfg.OnOverflow != nil {
		s.cfg.OnOverflow(job)
	}
	return oops.In("scheduler").Code(runerr.CodeQueueOverflow).
		With("plugin", plugin).
		With("queue_bound", s.cfg.QueueBound).
		Wrap(runerr.ErrQueueOverflow)
}

// schedule puts inst on the ready ring if it can run. Caller holds s.mu.
func (s *Scheduler) schedule(inst *instance) {
	if !inst.dispatchable() {
		return
	}
	inst.inReady = true
	s.ready = append(s.ready, inst)
	s.cond.Signal()
}

// Cancel cancels a queued job, or forces a reset of the instance running
// it.
func (s *Scheduler) Cancel(jobID string) error {
	var n notices
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return oops.In("scheduler").With("job_id", jobID).Wrap(ErrUnknownJob)
	}
	inst := s.instances[j.Handle]
	switch {
	case j.State == JobQueued && inst != nil:
		q := inst.queues[j.Kind]
		if idx := slices.Index(q, j); idx >= 0 {
			inst.queues[j.Kind] = slices.Delete(q, idx, idx+1)
			inst.queued--
		}
		s.finish(j, JobCancelled, oops.In("scheduler").Code(runerr.CodeCancelled).
			With("job_id", jobID).Wrap(runerr.ErrCancelled), &n)
		s.cond.Broadcast()
	case j.State == JobRunning && inst != nil && inst.cancelRun != nil:
		s.logger.Info("cancelling running job by instance reset", "job_id", jobID, "plugin", inst.plugin)
		inst.cancelRun(errCancelRequested)
	}
	s.mu.Unlock()
	s.flush(&n)
	return nil
}

// RequestReset asks for hd to be reset before its next job, for example to
// swap in a reloaded module. A permanently faulted instance is revived.
func (s *Scheduler) RequestReset(hd sandbox.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[hd]
	if !ok {
		return unknownInstance(hd)
	}
	if inst.faulted {
		inst.faulted = false
		inst.failures = 0
		inst.backoff = s.newBackoff()
		s.logger.Info("reviving faulted instance", "plugin", inst.plugin, "handle", hd.String())
	}
	inst.resetPending = true
	s.schedule(inst)
	s.updateGauge()
	return nil
}

// finish moves j to a terminal state. Caller holds s.mu.
func (s *Scheduler) finish(j *Job, state JobState, err error, n *notices) {
	j.State = state
	j.Err = err
	delete(s.jobs, j.ID)
	n.jobs = append(n.jobs, *j)
}

func (s *Scheduler) flush(n *notices) {
	for _, j := range n.jobs {
		outcome := observability.OutcomeCompleted
		switch j.State {
		case JobFailed:
			outcome = observability.OutcomeFailed
		case JobCancelled:
			outcome = observability.OutcomeCancelled
		}
		s.metrics.RecordJob(j.Plugin, j.Kind.String(), outcome, j.Duration)
		if s.cfg.OnJobDone != nil {
			s.cfg.OnJobDone(j)
		}
	}
	for _, inst := range n.faulted {
		if s.cfg.OnFaulted != nil {
			s.cfg.OnFaulted(inst.hd, inst.plugin)
		}
	}
}

// Drain stops accepting jobs and waits for queued and running work to
// finish. If ctx ends first the remaining jobs are cancelled. Workers are
// stopped either way.
func (s *Scheduler) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.accepting = false
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	for s.started && !s.quiescent() && ctx.Err() == nil {
		s.cond.Wait()
	}
	err := ctx.Err()
	s.mu.Unlock()
	stop()

	s.Stop()
	if err != nil {
		return oops.In("scheduler").Wrapf(err, "drain interrupted")
	}
	return nil
}

func (s *Scheduler) quiescent() bool {
	for _, inst := range s.instances {
		if inst.busy || (inst.queued > 0 && !inst.faulted) {
			return false
		}
	}
	return true
}

// Stop cancels queued and running jobs and waits for the workers to exit.
func (s *Scheduler) Stop() {
	var n notices
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		s.workers.Wait()
		s.restarts.Wait()
		return
	}
	s.stopping = true
	s.accepting = false
	stopped := oops.In("scheduler").Code(runerr.CodeStopped).Wrap(runerr.ErrStopped)
	for _, inst := range s.instances {
		s.stopRestart(inst)
		for _, j := range inst.drain() {
			s.finish(j, JobCancelled, stopped, &n)
		}
	}
	s.ready = nil
	if s.baseCancel != nil {
		s.baseCancel()
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	s.flush(&n)
	s.workers.Wait()
	s.restarts.Wait()
	s.logger.Info("scheduler stopped")
}

// stopRestart cancels a scheduled restart. Caller holds s.mu.
func (s *Scheduler) stopRestart(inst *instance) {
	if inst.restartTimer != nil && inst.restartTimer.Stop() {
		s.restarts.Done()
	}
	inst.restartTimer = nil
	inst.restarting = false
}

func (s *Scheduler) updateGauge() {
	if s.metrics == nil {
		return
	}
	counts := make(map[string]int)
	for _, inst := range s.instances {
		counts[inst.state()]++
	}
	s.metrics.SetInstances(counts)
}

func (i *instance) state() string {
	switch {
	case i.faulted:
		return "faulted"
	case i.restarting:
		return "restarting"
	case i.busy:
		return "running"
	default:
		return "ready"
	}
}
