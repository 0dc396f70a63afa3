// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/samber/oops"

	"github.com/composebot/composebot/internal/plugin"
	"github.com/composebot/composebot/internal/runerr"
	"github.com/composebot/composebot/internal/sandbox"
	"github.com/composebot/composebot/pkg/errutil"
)

type resetKind int

const (
	resetNone resetKind = iota
	// resetForced resets immediately without touching the restart policy.
	resetForced
	// resetFault goes through the restart policy.
	resetFault
)

func (s *Scheduler) worker() {
	defer s.workers.Done()
	for {
		s.mu.Lock()
		for len(s.ready) == 0 && !s.stopping {
			s.cond.Wait()
		}
		if s.stopping {
			s.mu.Unlock()
			return
		}
		inst := s.ready[0]
		s.ready[0] = nil
		s.ready = s.ready[1:]
		inst.inReady = false
		if inst.removed || inst.faulted || inst.restarting || inst.busy {
			s.mu.Unlock()
			continue
		}

		inst.busy = true
		if inst.resetPending {
			var n notices
			inst.resetPending = false
			s.retire(inst, &n)
			s.updateGauge()
			s.mu.Unlock()
			s.flush(&n)
			s.notifyReset(inst)
			s.resetNow(inst)
			continue
		}

		job := inst.pop()
		if job == nil {
			inst.busy = false
			s.mu.Unlock()
			continue
		}
		ctx, cancel := context.WithCancelCause(sandbox.WithEpoch(s.baseCtx, inst.epoch))
		inst.running = job
		inst.cancelRun = cancel
		job.State = JobRunning
		job.Attempt++
		s.updateGauge()
		s.mu.Unlock()

		s.run(ctx, inst, job)
		cancel(nil)
	}
}

func (s *Scheduler) run(ctx context.Context, inst *instance, job *Job) {
	ctx, stop := context.WithTimeoutCause(ctx, s.cfg.JobTimeout, errJobTimeout)
	defer stop()

	start := time.Now()
	res, err := s.invoke(ctx, inst.hd, job)
	elapsed := time.Since(start)

	state, jobErr, reset := s.classify(ctx, inst, job, res, err)
	if jobErr != nil {
		attrs := append([]any{
			"job_id", job.ID,
			"plugin", inst.plugin,
			"kind", job.Kind.String(),
			"duration", elapsed,
		}, errutil.Attrs(jobErr)...)
		s.logger.Warn("job "+state.String(), attrs...)
	} else if res.Skipped {
		s.logger.Debug("entry point not exported, job skipped",
			"job_id", job.ID, "plugin", inst.plugin, "kind", job.Kind.String())
	}

	var n notices
	s.mu.Lock()
	job.Duration = elapsed
	inst.running = nil
	inst.cancelRun = nil
	s.finish(job, state, jobErr, &n)

	switch {
	case inst.removed || s.stopping:
		inst.busy = false
	case reset == resetForced:
		s.retire(inst, &n)
		s.cond.Broadcast()
		s.mu.Unlock()
		s.flush(&n)
		s.notifyReset(inst)
		s.resetNow(inst)
		return
	case reset == resetFault:
		inst.busy = false
		s.retire(inst, &n)
		s.fault(inst, jobErr, &n)
		s.updateGauge()
		s.cond.Broadcast()
		s.mu.Unlock()
		s.flush(&n)
		s.notifyReset(inst)
		return
	default:
		inst.busy = false
		if inst.failures > 0 {
			inst.failures = 0
			inst.backoff = s.newBackoff()
		}
		s.schedule(inst)
	}
	s.updateGauge()
	s.cond.Broadcast()
	s.mu.Unlock()
	s.flush(&n)
}

// invoke runs the job and returns early when ctx ends, even if the
// executor does not.
func (s *Scheduler) invoke(ctx context.Context, hd sandbox.Handle, job *Job) (sandbox.Result, error) {
	entry := job.Entry
	if entry == "" {
		eps, err := s.exec.EntryPoints(hd)
		if err != nil {
			return sandbox.Result{}, err
		}
		entry = entryFor(eps, job.Kind)
	}

	type outcome struct {
		res sandbox.Result
		err error
	}
	done := make(chan outcome, 1)
	id, payload := job.ID, job.Payload
	go func() {
		res, err := s.exec.Invoke(sandbox.WithJobID(ctx, id), hd, entry, payload)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		select {
		case o := <-done:
			return o.res, o.err
		default:
			return sandbox.Result{}, context.Cause(ctx)
		}
	}
}

func entryFor(eps plugin.EntryPoints, k Kind) string {
	switch k {
	case KindTimer:
		return eps.Timer
	case KindContinuation:
		return eps.Result
	default:
		return eps.Event
	}
}

func (s *Scheduler) classify(ctx context.Context, inst *instance, job *Job, res sandbox.Result, err error) (JobState, error, resetKind) {
	b := oops.In("scheduler").
		With("job_id", job.ID).
		With("plugin", inst.plugin).
		With("kind", job.Kind.String())

	if err != nil && ctx.Err() != nil {
		cause := context.Cause(ctx)
		switch {
		case errors.Is(cause, errJobTimeout):
			return JobFailed, b.Code(runerr.CodeTimeout).With("timeout", s.cfg.JobTimeout).
				Wrap(runerr.Mark(runerr.ErrTimeout, err)), resetFault
		case errors.Is(cause, errCancelRequested):
			return JobCancelled, b.Code(runerr.CodeCancelled).
				Wrap(runerr.Mark(runerr.ErrCancelled, err)), resetForced
		case errors.Is(cause, errRemoved):
			return JobCancelled, b.Code(runerr.CodeUnknownInstance).
				Wrap(runerr.Mark(runerr.ErrUnknownInstance, err)), resetNone
		default:
			return JobCancelled, b.Code(runerr.CodeStopped).
				Wrap(runerr.Mark(runerr.ErrStopped, err)), resetNone
		}
	}

	if err != nil {
		if runerr.Retryable(err) || errors.Is(err, runerr.ErrInstanceFaulted) {
			return JobFailed, b.Wrap(err), resetFault
		}
		return JobFailed, b.Wrap(err), resetNone
	}
	if res.Status < 0 {
		return JobFailed, b.Code(runerr.CodePluginStatus).With("status", res.Status).
			Wrap(runerr.ErrPluginStatus), resetNone
	}
	return JobCompleted, nil, resetNone
}

// fault applies the restart policy after a failed job or reset. Caller
// holds s.mu.
func (s *Scheduler) fault(inst *instance, cause error, n *notices) {
	inst.failures++
	next, stop := inst.backoff.Next()
	if stop {
		inst.faulted = true
		faulted := oops.In("scheduler").Code(runerr.CodeInstanceFaulted).
			With("plugin", inst.plugin).Wrap(runerr.ErrInstanceFaulted)
		for _, j := range inst.drain() {
			s.finish(j, JobCancelled, faulted, n)
		}
		n.faulted = append(n.faulted, inst)
		attrs := append([]any{
			"plugin", inst.plugin,
			"handle", inst.hd.String(),
			"failures", inst.failures,
		}, errutil.Attrs(cause)...)
		s.logger.Error("instance permanently faulted, restart policy exhausted", attrs...)
		return
	}

	inst.restarting = true
	s.metrics.RecordRestart(inst.plugin)
	s.logger.Warn("restarting faulted instance",
		"plugin", inst.plugin,
		"handle", inst.hd.String(),
		"failures", inst.failures,
		"backoff", next)
	s.restarts.Add(1)
	inst.restartTimer = time.AfterFunc(next, func() { s.restart(inst) })
}

func (s *Scheduler) restart(inst *instance) {
	defer s.restarts.Done()
	s.mu.Lock()
	if inst.removed || s.stopping || !inst.restarting {
		s.mu.Unlock()
		return
	}
	inst.restartTimer = nil
	inst.restarting = false
	inst.busy = true
	s.mu.Unlock()
	s.resetNow(inst)
}

// retire ends the incarnation of inst and cancels its queued jobs bound
// to it. Caller holds s.mu.
func (s *Scheduler) retire(inst *instance, n *notices) {
	stale := inst.retire()
	if len(stale) == 0 {
		return
	}
	cancelled := oops.In("scheduler").Code(runerr.CodeStale).
		With("plugin", inst.plugin).With("handle", inst.hd.String()).
		Wrap(runerr.ErrStale)
	for _, j := range stale {
		s.finish(j, JobCancelled, cancelled, n)
	}
}

func (s *Scheduler) notifyReset(inst *instance) {
	if s.cfg.OnReset != nil {
		s.cfg.OnReset(inst.hd)
	}
}

// resetNow resets an instance the caller marked busy. OnReset has already
// run for the incarnation being replaced.
func (s *Scheduler) resetNow(inst *instance) {
	err := s.exec.Reset(s.baseCtx, inst.hd)

	var n notices
	s.mu.Lock()
	inst.busy = false
	switch {
	case inst.removed || s.stopping:
	case err != nil:
		s.fault(inst, err, &n)
	default:
		s.schedule(inst)
	}
	s.updateGauge()
	s.cond.Broadcast()
	s.mu.Unlock()
	s.flush(&n)
}
