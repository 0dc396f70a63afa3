// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

package plugin_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/composebot/composebot/internal/plugin"
	"github.com/composebot/composebot/pkg/abi"
)

func TestParseManifest_Full(t *testing.T) {
	yaml := `
name: echo-bot
version: 1.2.0
description: replies pong
module: echo.wasm
min_host_version: 1.0.0
capabilities:
  - log
  - api.submit.reply
  - kv.*
events:
  - message
  - member.*
entry_points:
  event: handle
memory_pages: 32
`
	m, err := plugin.ParseManifest([]byte(yaml))
	require.NoError(t, err)

	assert.Equal(t, "echo-bot", m.Name)
	assert.Equal(t, "1.2.0", m.Version)
	assert.Equal(t, "echo.wasm", m.Module)
	assert.Equal(t, []string{"log", "api.submit.reply", "kv.*"}, m.Capabilities)
	assert.Equal(t, []string{"message", "member.*"}, m.Events)
	assert.Equal(t, uint32(32), m.MemoryPages)

	ep := m.EntryPoints.WithDefaults()
	assert.Equal(t, "handle", ep.Event)
	assert.Equal(t, abi.EntryTimer, ep.Timer)
	assert.Equal(t, abi.EntryResult, ep.Result)
	assert.Equal(t, abi.EntryCall, ep.Call)
	assert.Equal(t, abi.EntryInit, ep.Init)
}

func TestParseManifest_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "empty",
			yaml:    "",
			wantErr: "empty",
		},
		{
			name:    "not yaml",
			yaml:    "name: [unclosed",
			wantErr: "invalid YAML",
		},
		{
			name: "uppercase name",
			yaml: `
name: Echo_Bot
version: 1.0.0
module: echo.wasm
`,
			wantErr: "name",
		},
		{
			name: "trailing hyphen",
			yaml: `
name: echo-
version: 1.0.0
module: echo.wasm
`,
			wantErr: "name",
		},
		{
			name: "name too long",
			yaml: `
name: ` + strings.Repeat("a", 65) + `
version: 1.0.0
module: echo.wasm
`,
			wantErr: "64 characters",
		},
		{
			name: "missing version",
			yaml: `
name: echo
module: echo.wasm
`,
			wantErr: "version is required",
		},
		{
			name: "version not semver",
			yaml: `
name: echo
version: banana
module: echo.wasm
`,
			wantErr: "semantic version",
		},
		{
			name: "missing module",
			yaml: `
name: echo
version: 1.0.0
`,
			wantErr: "module is required",
		},
		{
			name: "module escapes directory",
			yaml: `
name: echo
version: 1.0.0
module: ../other/evil.wasm
`,
			wantErr: "inside the plugin directory",
		},
		{
			name: "absolute module path",
			yaml: `
name: echo
version: 1.0.0
module: /tmp/evil.wasm
`,
			wantErr: "inside the plugin directory",
		},
		{
			name: "bad digest scheme",
			yaml: `
name: echo
version: 1.0.0
module: echo.wasm
digest: md5:abcd
`,
			wantErr: "digest scheme",
		},
		{
			name: "short digest",
			yaml: `
name: echo
version: 1.0.0
module: echo.wasm
digest: sha256:abcd
`,
			wantErr: "want 32 bytes",
		},
		{
			name: "host too old",
			yaml: `
name: echo
version: 1.0.0
module: echo.wasm
min_host_version: 9.0.0
`,
			wantErr: "requires host",
		},
		{
			name: "unknown capability",
			yaml: `
name: echo
version: 1.0.0
module: echo.wasm
capabilities: [filesystem.read]
`,
			wantErr: "unknown capability",
		},
		{
			name: "broken capability glob",
			yaml: `
name: echo
version: 1.0.0
module: echo.wasm
capabilities: ["kv.[read"]
`,
			wantErr: "capabilities[0]",
		},
		{
			name: "empty event",
			yaml: `
name: echo
version: 1.0.0
module: echo.wasm
events: [""]
`,
			wantErr: "empty event pattern",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := plugin.ParseManifest([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseManifest_SingleCharacterName(t *testing.T) {
	m, err := plugin.ParseManifest([]byte("name: a\nversion: 0.1.0\nmodule: a.wasm\n"))
	require.NoError(t, err)
	assert.Equal(t, "a", m.Name)
}

func TestBundledPluginManifests(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("..", "..", "plugins", "*", plugin.ManifestFile))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(filepath.Dir(path)), func(t *testing.T) {
			data, err := os.ReadFile(path) //nolint:gosec // test fixture path
			require.NoError(t, err)
			require.NoError(t, plugin.ValidateSchema(data), "schema")

			m, err := plugin.ParseManifest(data)
			require.NoError(t, err)
			assert.Equal(t, filepath.Base(filepath.Dir(path)), m.Name)
			assert.NotEmpty(t, m.Events)
		})
	}
}
