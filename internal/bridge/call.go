// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

package bridge

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/oklog/ulid/v2"

	"github.com/composebot/composebot/internal/sandbox"
	"github.com/composebot/composebot/internal/scheduler"
	"github.com/composebot/composebot/pkg/abi"
	"github.com/composebot/composebot/pkg/errutil"
)

// errNoReply is reported to the caller when the callee's on_call finished
// without calling reply.
const errNoReply = "callee returned without a reply"

// inboundCall is a call from one plugin to another, keyed by the id of the
// callee job serving it.
type inboundCall struct {
	id      int64
	caller  sandbox.Handle
	plugin  string
	target  string
	epoch   uint64
	reply   []byte
	replied bool
}

// Call runs function on the target plugin as an on_call job and returns a
// call id. The answer arrives as a continuation carrying an
// abi.ResultPayload, like a submit result.
func (b *Bridge) Call(_ context.Context, c sandbox.Caller, target, function string, params []byte) int64 {
	if !c.Table.AllowsCall(target) {
		b.denied(c, abi.FuncCall)
		return int64(abi.StatusCapabilityDenied)
	}
	if target == c.Plugin {
		return int64(abi.StatusInvalidArgument)
	}
	lookup := b.cfg.Lookup
	if lookup == nil {
		return int64(abi.StatusNotFound)
	}
	hd, ok := lookup(target)
	if !ok {
		return int64(abi.StatusNotFound)
	}

	ic := &inboundCall{
		id:     b.nextCall.Add(1),
		caller: c.Handle,
		plugin: c.Plugin,
		target: target,
		epoch:  c.Epoch,
	}
	payload, err := json.Marshal(abi.CallPayload{
		CallID:   ic.id,
		From:     c.Plugin,
		Function: function,
		Params:   string(params),
	})
	if err != nil {
		return int64(abi.StatusInternal)
	}
	jobID := ulid.Make().String()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return int64(abi.StatusBusy)
	}
	b.calls[jobID] = ic
	b.mu.Unlock()

	err = b.enqueue(scheduler.Job{
		ID:      jobID,
		Kind:    scheduler.KindDispatch,
		Handle:  hd,
		Entry:   b.callEntry(hd),
		Payload: payload,
	})
	if err != nil {
		b.takeCall(jobID)
		attrs := append([]any{"plugin", c.Plugin, "job_id", c.JobID, "target", target}, errutil.Attrs(err)...)
		b.logger.Warn("plugin call rejected", attrs...)
		return int64(abi.StatusBusy)
	}
	b.logger.Debug("plugin call queued",
		"plugin", c.Plugin,
		"job_id", c.JobID,
		"call_id", ic.id,
		"target", target,
		"function", function)
	return ic.id
}

func (b *Bridge) callEntry(hd sandbox.Handle) string {
	if b.cfg.Entries != nil {
		if eps, err := b.cfg.Entries(hd); err == nil {
			return eps.Call
		}
	}
	return abi.EntryCall
}

// Reply answers the call served by the current job. Only the last reply
// of a job is delivered. A job not started by Call gets StatusNotFound.
func (b *Bridge) Reply(_ context.Context, c sandbox.Caller, body []byte) abi.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	ic, ok := b.calls[c.JobID]
	if !ok {
		return abi.StatusNotFound
	}
	ic.reply = slices.Clone(body)
	ic.replied = true
	return abi.StatusOK
}

// JobDone delivers the answer of a finished on_call job to its caller. It
// is wired as the scheduler's job completion hook and ignores other jobs.
func (b *Bridge) JobDone(job scheduler.Job) {
	ic, ok := b.takeCall(job.ID)
	if !ok {
		return
	}
	payload := abi.ResultPayload{CallID: ic.id}
	switch {
	case job.State == scheduler.JobCompleted && ic.replied:
		payload.OK = true
		payload.Body = string(ic.reply)
	case job.Err != nil:
		payload.Error = job.Err.Error()
	case job.State == scheduler.JobCompleted:
		payload.Error = errNoReply
	default:
		payload.Error = "call " + job.State.String()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("encode call result", "call_id", ic.id, "error", err)
		return
	}
	err = b.enqueue(scheduler.Job{
		Kind:    scheduler.KindContinuation,
		Handle:  ic.caller,
		Epoch:   ic.epoch,
		Payload: data,
	})
	if err != nil {
		attrs := append([]any{"plugin", ic.plugin, "call_id", ic.id, "target", ic.target}, errutil.Attrs(err)...)
		b.logger.Warn("call result dropped", attrs...)
	}
}

func (b *Bridge) takeCall(jobID string) (*inboundCall, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ic, ok := b.calls[jobID]
	if ok {
		delete(b.calls, jobID)
	}
	return ic, ok
}

// Calls returns the number of unanswered plugin calls issued by hd.
func (b *Bridge) Calls(hd sandbox.Handle) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ic := range b.calls {
		if ic.caller == hd {
			n++
		}
	}
	return n
}

// Shutdown asks the runtime to stop, or to restart when restart is set.
func (b *Bridge) Shutdown(_ context.Context, c sandbox.Caller, restart bool) abi.Status {
	if !c.Table.Allows(abi.CapShutdown) {
		b.denied(c, abi.FuncShutdown)
		return abi.StatusCapabilityDenied
	}
	b.logger.Warn("plugin requested shutdown",
		"plugin", c.Plugin,
		"job_id", c.JobID,
		"restart", restart)
	if b.cfg.OnShutdown == nil {
		return abi.StatusInternal
	}
	b.cfg.OnShutdown(c.Plugin, restart)
	return abi.StatusOK
}
