// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

package capability_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/composebot/composebot/internal/plugin/capability"
	"github.com/composebot/composebot/pkg/abi"
)

func TestTable_Allows(t *testing.T) {
	tests := []struct {
		name       string
		grants     []string
		capability string
		want       bool
	}{
		{
			name:       "exact match",
			grants:     []string{"kv.read"},
			capability: "kv.read",
			want:       true,
		},
		{
			name:       "single segment wildcard",
			grants:     []string{"api.submit.*"},
			capability: "api.submit.reply",
			want:       true,
		},
		{
			name:       "single segment wildcard does not cross dot",
			grants:     []string{"api.submit.*"},
			capability: "api.submit.reply.thread",
			want:       false,
		},
		{
			name:       "super wildcard crosses dots",
			grants:     []string{"kv.**"},
			capability: "kv.shared.scores",
			want:       true,
		},
		{
			name:       "root super wildcard",
			grants:     []string{"**"},
			capability: "timer.cron",
			want:       true,
		},
		{
			name:       "parent does not imply child",
			grants:     []string{"timer"},
			capability: "timer.cron",
			want:       false,
		},
		{
			name:       "no grants",
			grants:     nil,
			capability: "log",
			want:       false,
		},
		{
			name:       "empty capability",
			grants:     []string{"**"},
			capability: "",
			want:       false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, err := capability.NewTable("echo", tt.grants)
			require.NoError(t, err)
			assert.Equal(t, tt.want, table.Allows(tt.capability))
		})
	}
}

func TestNewTable_Invalid(t *testing.T) {
	_, err := capability.NewTable("", []string{"log"})
	assert.Error(t, err)

	_, err = capability.NewTable("echo", []string{"log", ""})
	assert.Error(t, err)

	_, err = capability.NewTable("echo", []string{"kv.[read"})
	assert.Error(t, err)
}

func TestTable_CapabilitiesAreCopied(t *testing.T) {
	grants := []string{"log"}
	table, err := capability.NewTable("echo", grants)
	require.NoError(t, err)

	grants[0] = "**"
	assert.False(t, table.Allows("kv.write"))

	got := table.Capabilities()
	got[0] = "**"
	assert.Equal(t, []string{"log"}, table.Capabilities())
}

func TestTable_Functions(t *testing.T) {
	tests := []struct {
		name   string
		grants []string
		want   []string
	}{
		{
			name:   "nothing granted binds only reply",
			grants: nil,
			want:   []string{abi.FuncReply},
		},
		{
			name:   "log and kv read",
			grants: []string{"log", "kv.read"},
			want:   []string{abi.FuncKVGet, abi.FuncLog, abi.FuncReply},
		},
		{
			name:   "kv write binds set, delete and cas",
			grants: []string{"kv.write"},
			want:   []string{abi.FuncKVCAS, abi.FuncKVDelete, abi.FuncKVSet, abi.FuncReply},
		},
		{
			name:   "route scoped submit binds submit",
			grants: []string{"api.submit.reply"},
			want:   []string{abi.FuncReply, abi.FuncSubmit},
		},
		{
			name:   "plugin scoped call binds call",
			grants: []string{"plugin.call.dice"},
			want:   []string{abi.FuncCall, abi.FuncReply},
		},
		{
			name:   "timer does not imply cron",
			grants: []string{"timer"},
			want:   []string{abi.FuncReply, abi.FuncTimerCancel, abi.FuncTimerSet},
		},
		{
			name:   "everything",
			grants: []string{"**"},
			want: []string{
				abi.FuncCall, abi.FuncKVCAS, abi.FuncKVDelete, abi.FuncKVGet, abi.FuncKVSet, abi.FuncLog,
				abi.FuncReply, abi.FuncShutdown, abi.FuncSubmit,
				abi.FuncTimerCancel, abi.FuncTimerCron, abi.FuncTimerSet,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, err := capability.NewTable("echo", tt.grants)
			require.NoError(t, err)
			assert.Equal(t, tt.want, table.Functions())
			for _, fn := range tt.want {
				assert.True(t, table.CanCall(fn), fn)
			}
		})
	}
}

func TestTable_CanCallUnknown(t *testing.T) {
	table, err := capability.NewTable("echo", []string{"**"})
	require.NoError(t, err)
	assert.False(t, table.CanCall("exec"))

	var nilTable *capability.Table
	assert.False(t, nilTable.CanCall(abi.FuncLog))
	assert.False(t, nilTable.Allows(abi.CapLog))
}

func TestTable_AllowsSubmit(t *testing.T) {
	scoped, err := capability.NewTable("echo", []string{"api.submit.reply"})
	require.NoError(t, err)
	assert.True(t, scoped.AllowsSubmit("reply"))
	assert.False(t, scoped.AllowsSubmit("ban"))
	assert.False(t, scoped.AllowsSubmit(""))

	blanket, err := capability.NewTable("echo", []string{"api.submit"})
	require.NoError(t, err)
	assert.True(t, blanket.AllowsSubmit("ban"))
}

func TestTable_AllowsCall(t *testing.T) {
	scoped, err := capability.NewTable("echo", []string{"plugin.call.dice"})
	require.NoError(t, err)
	assert.True(t, scoped.AllowsCall("dice"))
	assert.False(t, scoped.AllowsCall("admin"))
	assert.False(t, scoped.AllowsCall(""))

	blanket, err := capability.NewTable("echo", []string{"plugin.call"})
	require.NoError(t, err)
	assert.True(t, blanket.AllowsCall("admin"))

	none, err := capability.NewTable("echo", []string{"plugin.caller"})
	require.NoError(t, err)
	assert.False(t, none.AllowsCall("dice"))
	assert.False(t, none.CanCall(abi.FuncCall))
}

func TestTable_AllowsKey(t *testing.T) {
	table, err := capability.NewTable("echo", []string{"kv.read", "kv.shared.scores"})
	require.NoError(t, err)

	assert.True(t, table.AllowsKey(abi.CapKVRead, "counter"))
	assert.True(t, table.AllowsKey(abi.CapKVRead, "shared/scores/alice"))
	assert.False(t, table.AllowsKey(abi.CapKVRead, "shared/secrets/token"))
	assert.False(t, table.AllowsKey(abi.CapKVRead, "shared//x"))
	assert.False(t, table.AllowsKey(abi.CapKVWrite, "counter"))
	assert.False(t, table.AllowsKey(abi.CapKVWrite, "shared/scores/alice"))
}

func TestSplitSharedKey(t *testing.T) {
	ns, rest, ok := capability.SplitSharedKey("shared/scores/alice/best")
	assert.True(t, ok)
	assert.Equal(t, "scores", ns)
	assert.Equal(t, "alice/best", rest)

	ns, rest, ok = capability.SplitSharedKey("counter")
	assert.False(t, ok)
	assert.Empty(t, ns)
	assert.Equal(t, "counter", rest)
}
