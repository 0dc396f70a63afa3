// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/composebot/composebot/internal/plugin"
)

var fakeModule = []byte("\x00asm\x01\x00\x00\x00")

func writeTestPlugin(t *testing.T, root, name, manifest string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.ManifestFile), []byte(manifest), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.wasm"), fakeModule, 0o600))
	return dir
}

const echoManifest = `name: echo
version: 1.0.0
module: plugin.wasm
capabilities: [api.submit, log]
events: [message]
`

func executeValidate(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(append([]string{"validate"}, args...))
	err := cmd.Execute()
	return buf.String(), err
}

func TestValidate_PluginsDir(t *testing.T) {
	root := t.TempDir()
	writeTestPlugin(t, root, "echo", echoManifest)

	out, err := executeValidate(t, "--plugins-dir", root)
	require.NoError(t, err)
	assert.Contains(t, out, "ok    plugin echo 1.0.0")
}

func TestValidate_ReportsEveryFailure(t *testing.T) {
	root := t.TempDir()
	writeTestPlugin(t, root, "echo", echoManifest)
	writeTestPlugin(t, root, "bad-name", "name: Bad_Name\nversion: 1.0.0\nmodule: plugin.wasm\n")
	writeTestPlugin(t, root, "newer", "name: newer\nversion: 1.0.0\nmodule: plugin.wasm\nmin_host_version: 99.0.0\n")

	out, err := executeValidate(t, "--plugins-dir", root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 problem(s)")
	assert.Contains(t, out, "ok    plugin echo")
	assert.Contains(t, out, "FAIL  "+filepath.Join(root, "bad-name"))
	assert.Contains(t, out, "FAIL  "+filepath.Join(root, "newer"))
}

func TestValidate_ExplicitDirs(t *testing.T) {
	root := t.TempDir()
	dir := writeTestPlugin(t, root, "echo", echoManifest)

	out, err := executeValidate(t, dir)
	require.NoError(t, err)
	assert.Contains(t, out, "ok    plugin echo")
}

func TestValidate_DigestMismatch(t *testing.T) {
	root := t.TempDir()
	writeTestPlugin(t, root, "echo", echoManifest+
		"digest: sha256:0000000000000000000000000000000000000000000000000000000000000000\n")

	out, err := executeValidate(t, "--plugins-dir", root)
	require.Error(t, err)
	assert.Contains(t, out, "FAIL")
}

func TestValidate_WithConfigResolvesGrants(t *testing.T) {
	root := t.TempDir()
	writeTestPlugin(t, root, "echo", echoManifest)

	cfgPath := filepath.Join(t.TempDir(), "composebot.yaml")
	cfg := "platform:\n  kind: stdio\nplugins_dir: " + root + "\nplugins:\n" +
		"  - name: echo\n    grants: [api.submit]\n" +
		"  - name: greedy\n    grants: [kv.write]\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))

	out, err := executeValidate(t, "--config", cfgPath)
	require.Error(t, err)
	assert.Contains(t, out, "ok    config "+cfgPath)
	assert.Contains(t, out, "ok    grant echo [api.submit]")
	assert.Contains(t, out, "FAIL  grant greedy: plugin not found")
}

func TestValidate_GrantBeyondManifest(t *testing.T) {
	root := t.TempDir()
	writeTestPlugin(t, root, "echo", echoManifest)

	cfgPath := filepath.Join(t.TempDir(), "composebot.yaml")
	cfg := "platform:\n  kind: stdio\nplugins_dir: " + root + "\nplugins:\n" +
		"  - name: echo\n    grants: [kv.write]\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))

	out, err := executeValidate(t, "--config", cfgPath)
	require.Error(t, err)
	assert.Contains(t, out, "FAIL  grant echo")
}

func TestValidate_MissingPluginsDir(t *testing.T) {
	_, err := executeValidate(t, "--plugins-dir", filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read plugins directory")
}

func TestPluginDirs_SkipsDirsWithoutManifest(t *testing.T) {
	root := t.TempDir()
	writeTestPlugin(t, root, "b", "name: b\nversion: 1.0.0\nmodule: plugin.wasm\n")
	writeTestPlugin(t, root, "a", "name: a\nversion: 1.0.0\nmodule: plugin.wasm\n")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("x"), 0o600))

	dirs, err := pluginDirs(root)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "a"), filepath.Join(root, "b")}, dirs)
}
