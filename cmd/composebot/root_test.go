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

	"github.com/composebot/composebot/internal/xdg"
)

func TestRootCmd_Subcommands(t *testing.T) {
	cmd := NewRootCmd()

	names := make([]string, 0, len(cmd.Commands()))
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	for _, want := range []string{"run", "validate", "schema", "migrate"} {
		assert.Contains(t, names, want)
	}
}

func TestRootCmd_Help(t *testing.T) {
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, buf.String(), "ComposeBot")
	assert.Contains(t, buf.String(), "--config")
}

func TestConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cmd := NewRootCmd()
	assert.Empty(t, configPath(cmd))
	require.NoError(t, cmd.PersistentFlags().Set("config", "/etc/composebot.yaml"))
	assert.Equal(t, "/etc/composebot.yaml", configPath(cmd))
}

func TestConfigPath_XDGFallback(t *testing.T) {
	base := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", base)
	dir := filepath.Join(base, "composebot")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	path := filepath.Join(dir, xdg.ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o600))

	assert.Equal(t, path, configPath(NewRootCmd()))
}
