// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

package bridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/composebot/composebot/internal/sandbox"
	"github.com/composebot/composebot/internal/scheduler"
	"github.com/composebot/composebot/pkg/abi"
	"github.com/composebot/composebot/pkg/errutil"
)

type timer struct {
	id     int64
	hd     sandbox.Handle
	plugin string
	tag    string
	epoch  uint64

	after *time.Timer
	entry cron.EntryID
	cron  bool
}

// TimerSet schedules a one-shot timer job after delay.
func (b *Bridge) TimerSet(_ context.Context, c sandbox.Caller, delay time.Duration, tag string) int64 {
	if !c.Table.Allows(abi.CapTimer) {
		b.denied(c, abi.FuncTimerSet)
		return int64(abi.StatusCapabilityDenied)
	}
	if delay < 0 {
		return int64(abi.StatusInvalidArgument)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.admitTimer(c); st != abi.StatusOK {
		return int64(st)
	}
	t := &timer{id: b.nextTimer.Add(1), hd: c.Handle, plugin: c.Plugin, tag: tag, epoch: c.Epoch}
	t.after = time.AfterFunc(delay, func() { b.fire(t.id) })
	b.timers[t.id] = t
	return t.id
}

// TimerCron schedules a recurring timer job from a standard five-field cron
// expression or descriptor such as "@every 1m".
func (b *Bridge) TimerCron(_ context.Context, c sandbox.Caller, expr, tag string) int64 {
	if !c.Table.Allows(abi.CapTimerCron) {
		b.denied(c, abi.FuncTimerCron)
		return int64(abi.StatusCapabilityDenied)
	}
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		b.logger.Debug("invalid cron expression", "plugin", c.Plugin, "expr", expr, "error", err)
		return int64(abi.StatusInvalidArgument)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.admitTimer(c); st != abi.StatusOK {
		return int64(st)
	}
	t := &timer{id: b.nextTimer.Add(1), hd: c.Handle, plugin: c.Plugin, tag: tag, epoch: c.Epoch, cron: true}
	t.entry = b.cron.Schedule(schedule, cron.FuncJob(func() { b.fire(t.id) }))
	b.timers[t.id] = t
	return t.id
}

// admitTimer checks the bridge is open and the instance has room for another
// timer. Caller holds b.mu.
func (b *Bridge) admitTimer(c sandbox.Caller) abi.Status {
	if b.closed {
		return abi.StatusBusy
	}
	if b.timersOf(c.Handle) >= b.cfg.MaxTimers {
		b.logger.Warn("timer limit reached", "plugin", c.Plugin, "max_timers", b.cfg.MaxTimers)
		return abi.StatusLimitExceeded
	}
	return abi.StatusOK
}

// TimerCancel cancels a timer owned by the calling instance.
func (b *Bridge) TimerCancel(_ context.Context, c sandbox.Caller, id int64) abi.Status {
	if !c.Table.Allows(abi.CapTimer) {
		b.denied(c, abi.FuncTimerCancel)
		return abi.StatusCapabilityDenied
	}
	b.mu.Lock()
	t, ok := b.timers[id]
	if !ok || t.hd != c.Handle {
		b.mu.Unlock()
		return abi.StatusNotFound
	}
	delete(b.timers, id)
	b.mu.Unlock()

	b.stopTimer(t)
	return abi.StatusOK
}

func (b *Bridge) stopTimer(t *timer) {
	if t.cron {
		b.cron.Remove(t.entry)
		return
	}
	t.after.Stop()
}

func (b *Bridge) fire(id int64) {
	b.mu.Lock()
	t, ok := b.timers[id]
	if ok && !t.cron {
		delete(b.timers, id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	data, err := json.Marshal(abi.TimerPayload{TimerID: t.id, Tag: t.tag, FiredAt: time.Now().UnixMilli()})
	if err != nil {
		b.logger.Error("encode timer payload", "timer_id", t.id, "error", err)
		return
	}
	err = b.enqueue(scheduler.Job{Kind: scheduler.KindTimer, Handle: t.hd, Epoch: t.epoch, Payload: data})
	if err != nil {
		attrs := append([]any{"plugin", t.plugin, "timer_id", t.id, "tag", t.tag}, errutil.Attrs(err)...)
		b.logger.Warn("timer job dropped", attrs...)
	}
}
