// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/composebot/composebot/internal/config"
	"github.com/composebot/composebot/pkg/errutil"
)

type fakeMigrator struct {
	calls   []string
	version uint
	dirty   bool
	pending []uint
	forced  int
	err     error
	closed  bool
}

func (f *fakeMigrator) Up() error {
	f.calls = append(f.calls, "up")
	return f.err
}

func (f *fakeMigrator) Down() error {
	f.calls = append(f.calls, "down")
	return f.err
}

func (f *fakeMigrator) Version() (uint, bool, error) {
	f.calls = append(f.calls, "version")
	return f.version, f.dirty, f.err
}

func (f *fakeMigrator) Force(v int) error {
	f.calls = append(f.calls, "force")
	f.forced = v
	return f.err
}

func (f *fakeMigrator) Pending() ([]uint, error) {
	f.calls = append(f.calls, "pending")
	return f.pending, f.err
}

func (f *fakeMigrator) Close() error {
	f.closed = true
	return nil
}

func executeMigrate(t *testing.T, m *fakeMigrator, gotURL *string, args ...string) (string, error) {
	t.Helper()
	cmd := newMigrateCmd(func(url string) (Migrator, error) {
		if gotURL != nil {
			*gotURL = url
		}
		return m, nil
	})
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestMigrate_Up(t *testing.T) {
	m := &fakeMigrator{}
	var url string
	out, err := executeMigrate(t, m, &url, "up", "--database-url", "postgres://flag")
	require.NoError(t, err)
	assert.Equal(t, "postgres://flag", url)
	assert.Equal(t, []string{"up"}, m.calls)
	assert.True(t, m.closed)
	assert.Contains(t, out, "Migrations applied")
}

func TestMigrate_URLFromEnv(t *testing.T) {
	t.Setenv(config.EnvDatabaseURL, "postgres://env")
	m := &fakeMigrator{}
	var url string
	_, err := executeMigrate(t, m, &url, "down")
	require.NoError(t, err)
	assert.Equal(t, "postgres://env", url)
	assert.Equal(t, []string{"down"}, m.calls)
}

func TestMigrate_MissingURL(t *testing.T) {
	t.Setenv(config.EnvDatabaseURL, "")
	_, err := executeMigrate(t, &fakeMigrator{}, nil, "up")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, config.CodeInvalid)
}

func TestMigrate_Status(t *testing.T) {
	m := &fakeMigrator{version: 1, pending: []uint{2}}
	out, err := executeMigrate(t, m, nil, "status", "--database-url", "postgres://x")
	require.NoError(t, err)
	assert.Contains(t, out, "version: 1")
	assert.Contains(t, out, "dirty:   false")
	assert.Contains(t, out, "pending: [2]")
}

func TestMigrate_Force(t *testing.T) {
	m := &fakeMigrator{}
	out, err := executeMigrate(t, m, nil, "force", "3", "--database-url", "postgres://x")
	require.NoError(t, err)
	assert.Equal(t, 3, m.forced)
	assert.Contains(t, out, "Forced version 3")

	_, err = executeMigrate(t, &fakeMigrator{}, nil, "force", "three", "--database-url", "postgres://x")
	errutil.AssertErrorCode(t, err, "INVALID_VERSION")
}

func TestMigrate_ErrorStillCloses(t *testing.T) {
	m := &fakeMigrator{err: errors.New("dirty database")}
	_, err := executeMigrate(t, m, nil, "up", "--database-url", "postgres://x")
	require.Error(t, err)
	assert.True(t, m.closed)
}

func TestMigrate_FactoryError(t *testing.T) {
	cmd := newMigrateCmd(func(string) (Migrator, error) {
		return nil, errors.New("bad url")
	})
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"up", "--database-url", "::"})
	assert.EqualError(t, cmd.Execute(), "bad url")
}
