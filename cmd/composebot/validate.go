// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/composebot/composebot/internal/config"
	"github.com/composebot/composebot/internal/plugin"
)

// NewValidateCmd creates the validate subcommand.
func NewValidateCmd() *cobra.Command {
	var pluginsDir string

	cmd := &cobra.Command{
		Use:   "validate [plugin-dir...]",
		Short: "Validate the config file and plugin manifests without running",
		Long: `Checks every plugin manifest against the JSON Schema, verifies module
digests and min_host_version, and, when --config is given, validates the
configuration and resolves each enabled plugin's grant.

Does NOT connect to the platform or the database.
Exits with code 0 on success, non-zero on failure.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, configPath(cmd), pluginsDir, args)
		},
	}
	cmd.Flags().StringVar(&pluginsDir, "plugins-dir", "", "directory holding <name>/plugin.yaml (default: plugins_dir from config)")
	return cmd
}

func runValidate(cmd *cobra.Command, cfgPath, pluginsDir string, dirs []string) error {
	var cfg *config.Config
	if cfgPath != "" {
		c, err := config.Load(cfgPath, nil)
		if err != nil {
			return fmt.Errorf("config %s: %w", cfgPath, err)
		}
		cfg = c
		cmd.Printf("ok    config %s\n", cfgPath)
	}

	if len(dirs) == 0 {
		if pluginsDir == "" && cfg != nil {
			pluginsDir = cfg.PluginsDir
		}
		if pluginsDir == "" {
			pluginsDir = config.Default().PluginsDir
		}
		found, err := pluginDirs(pluginsDir)
		if err != nil {
			return err
		}
		dirs = found
	}

	failures := 0
	loaded := make(map[string]*plugin.Plugin, len(dirs))
	for _, dir := range dirs {
		p, err := validatePluginDir(dir)
		if err != nil {
			failures++
			cmd.Printf("FAIL  %s: %v\n", dir, err)
			continue
		}
		loaded[p.Name()] = p
		cmd.Printf("ok    plugin %s %s (%s)\n", p.Name(), p.Manifest.Version, p.Digest)
	}

	if cfg != nil {
		for _, pc := range cfg.Plugins {
			p, ok := loaded[pc.Name]
			if !ok {
				failures++
				cmd.Printf("FAIL  grant %s: plugin not found\n", pc.Name)
				continue
			}
			g, err := plugin.ResolveGrant(p, pc.Grants, pc.Events)
			if err != nil {
				failures++
				cmd.Printf("FAIL  grant %s: %v\n", pc.Name, err)
				continue
			}
			cmd.Printf("ok    grant %s %v events=%v\n", pc.Name, g.Capabilities(), g.Events())
		}
	}

	if failures > 0 {
		return fmt.Errorf("validation failed: %d problem(s)", failures)
	}
	return nil
}

// pluginDirs lists the subdirectories of root holding a manifest.
func pluginDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read plugins directory: %w", err)
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(dir, plugin.ManifestFile)); err == nil {
			dirs = append(dirs, dir)
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

func validatePluginDir(dir string) (*plugin.Plugin, error) {
	data, err := os.ReadFile(filepath.Join(dir, plugin.ManifestFile)) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, err
	}
	if err := plugin.ValidateSchema(data); err != nil {
		return nil, fmt.Errorf("schema: %s", plugin.FormatSchemaError(err))
	}
	return plugin.LoadDir(dir)
}
