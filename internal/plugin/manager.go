// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Manager discovers plugins under a directory and keeps the last good
// descriptor for each name.
type Manager struct {
	pluginsDir string
	logger     *slog.Logger
	loaded     map[string]*Plugin
	mu         sync.RWMutex
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger used for skipped plugins.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager creates a plugin manager rooted at pluginsDir.
func NewManager(pluginsDir string, opts ...ManagerOption) *Manager {
	m := &Manager{
		pluginsDir: pluginsDir,
		logger:     slog.Default().With("component", "plugin"),
		loaded:     make(map[string]*Plugin),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Dir returns the plugins directory.
func (m *Manager) Dir() string {
	return m.pluginsDir
}

// Discover loads every plugins_dir/<name>/plugin.yaml and its module.
// Invalid plugins are logged and skipped so one broken plugin never keeps
// the others from starting.
func (m *Manager) Discover(_ context.Context) ([]*Plugin, error) {
	entries, err := os.ReadDir(m.pluginsDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read plugins directory: %w", err)
	}

	var plugins []*Plugin
	seen := make(map[string]string)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		dir := filepath.Join(m.pluginsDir, entry.Name())
		p, err := LoadDir(dir)
		if err != nil {
			m.logger.Warn("skipping plugin", "dir", entry.Name(), "error", err)
			continue
		}
		if prev, dup := seen[p.Name()]; dup {
			m.logger.Warn("skipping plugin with duplicate name",
				"plugin", p.Name(), "dir", entry.Name(), "first", prev)
			continue
		}
		seen[p.Name()] = entry.Name()
		plugins = append(plugins, p)
	}

	sort.Slice(plugins, func(i, j int) bool {
		return plugins[i].Name() < plugins[j].Name()
	})

	m.mu.Lock()
	m.loaded = make(map[string]*Plugin, len(plugins))
	for _, p := range plugins {
		m.loaded[p.Name()] = p
	}
	m.mu.Unlock()

	return plugins, nil
}

// Reload re-reads a single plugin directory. The previous descriptor stays
// registered when the new one fails to load.
func (m *Manager) Reload(name string) (*Plugin, error) {
	m.mu.RLock()
	prev, ok := m.loaded[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("plugin %s not loaded", name)
	}

	p, err := LoadDir(prev.Dir)
	if err != nil {
		return nil, err
	}
	if p.Name() != name {
		return nil, fmt.Errorf("plugin in %s renamed from %s to %s; restart to pick it up", prev.Dir, name, p.Name())
	}

	m.mu.Lock()
	m.loaded[name] = p
	m.mu.Unlock()
	return p, nil
}

// Get returns a loaded plugin by name.
func (m *Manager) Get(name string) (*Plugin, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.loaded[name]
	return p, ok
}

// ListPlugins returns names of all loaded plugins in sorted order.
func (m *Manager) ListPlugins() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.loaded))
	for name := range m.loaded {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
