// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

package platform_test

import (
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/composebot/composebot/internal/platform"
)

func TestNewEvent(t *testing.T) {
	a := platform.NewEvent(platform.EventMessage, []byte("hi"), "chat-1")
	b := platform.NewEvent(platform.EventMessage, nil, "")

	_, err := ulid.Parse(a.ID)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "chat-1", a.CorrelationID)
	assert.False(t, a.ReceivedAt.IsZero())
}

func TestSubmitResult_Retryable(t *testing.T) {
	tests := []struct {
		name   string
		result platform.SubmitResult
		want   bool
	}{
		{"ok", platform.SubmitResult{Status: platform.SubmitOK}, false},
		{"rate limited", platform.SubmitResult{Status: platform.SubmitRateLimited, Code: 429}, true},
		{"transport failure", platform.SubmitResult{Status: platform.SubmitError}, true},
		{"server error", platform.SubmitResult{Status: platform.SubmitError, Code: 502}, true},
		{"bad request", platform.SubmitResult{Status: platform.SubmitError, Code: 400}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.result.Retryable())
		})
	}
}
