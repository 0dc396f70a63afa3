// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

// Package plugin provides plugin descriptors, manifests, capability grants,
// and discovery.
package plugin

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/composebot/composebot/pkg/abi"
)

// HostVersion is the runtime version plugins are checked against when they
// declare min_host_version.
const HostVersion = "1.0.0"

// ManifestFile is the manifest file name inside a plugin directory.
const ManifestFile = "plugin.yaml"

// Manifest represents a plugin.yaml file.
type Manifest struct {
	Name           string      `yaml:"name" json:"name" jsonschema:"required,pattern=^[a-z]([a-z0-9-]*[a-z0-9])?$,maxLength=64"`
	Version        string      `yaml:"version" json:"version" jsonschema:"required,minLength=1"`
	Description    string      `yaml:"description,omitempty" json:"description,omitempty"`
	Module         string      `yaml:"module" json:"module" jsonschema:"required,minLength=1"`
	Digest         string      `yaml:"digest,omitempty" json:"digest,omitempty" jsonschema:"pattern=^(sha256|blake2b):[0-9a-f]{64}$"`
	MinHostVersion string      `yaml:"min_host_version,omitempty" json:"min_host_version,omitempty"`
	Capabilities   []string    `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Events         []string    `yaml:"events,omitempty" json:"events,omitempty"`
	EntryPoints    EntryPoints `yaml:"entry_points,omitempty" json:"entry_points,omitempty"`
	MemoryPages    uint32      `yaml:"memory_pages,omitempty" json:"memory_pages,omitempty" jsonschema:"maximum=65536"`
}

// EntryPoints names the exported functions invoked for each job kind.
// Empty fields fall back to the abi defaults.
type EntryPoints struct {
	Event  string `yaml:"event,omitempty" json:"event,omitempty"`
	Timer  string `yaml:"timer,omitempty" json:"timer,omitempty"`
	Result string `yaml:"result,omitempty" json:"result,omitempty"`
	Call   string `yaml:"call,omitempty" json:"call,omitempty"`
	Init   string `yaml:"init,omitempty" json:"init,omitempty"`
}

// WithDefaults returns a copy with every empty name replaced by its default.
func (e EntryPoints) WithDefaults() EntryPoints {
	if e.Event == "" {
		e.Event = abi.EntryEvent
	}
	if e.Timer == "" {
		e.Timer = abi.EntryTimer
	}
	if e.Result == "" {
		e.Result = abi.EntryResult
	}
	if e.Call == "" {
		e.Call = abi.EntryCall
	}
	if e.Init == "" {
		e.Init = abi.EntryInit
	}
	return e
}

// maxNameLength is the maximum allowed length for plugin names.
const maxNameLength = 64

// namePattern validates plugin names: must start with lowercase letter,
// followed by lowercase letters, digits, or hyphens.
// Cannot end with a hyphen. Single character names are allowed.
var namePattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// ParseManifest parses and validates a plugin.yaml file.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("manifest data is empty")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest constraints.
func (m *Manifest) Validate() error {
	if m.Name == "" || !namePattern.MatchString(m.Name) {
		return fmt.Errorf("name %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", m.Name)
	}
	if len(m.Name) > maxNameLength {
		return fmt.Errorf("name must be %d characters or less, got %d", maxNameLength, len(m.Name))
	}

	if m.Version == "" {
		return fmt.Errorf("version is required")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return fmt.Errorf("version %q is not a semantic version: %w", m.Version, err)
	}

	if m.Module == "" {
		return fmt.Errorf("module is required")
	}
	if strings.Contains(m.Module, "..") || strings.HasPrefix(m.Module, "/") {
		return fmt.Errorf("module %q must be a path inside the plugin directory", m.Module)
	}

	if m.Digest != "" {
		if _, _, err := parseDigest(m.Digest); err != nil {
			return err
		}
	}

	if m.MinHostVersion != "" {
		if err := checkHostVersion(m.MinHostVersion); err != nil {
			return err
		}
	}

	for i, c := range m.Capabilities {
		if err := validateCapability(c); err != nil {
			return fmt.Errorf("capabilities[%d]: %w", i, err)
		}
	}

	for i, e := range m.Events {
		if e == "" {
			return fmt.Errorf("events[%d]: empty event pattern", i)
		}
		if _, err := glob.Compile(e, '.'); err != nil {
			return fmt.Errorf("events[%d] (%q): %w", i, e, err)
		}
	}

	return nil
}

// checkHostVersion rejects plugins that need a newer runtime.
func checkHostVersion(minVersion string) error {
	want, err := semver.NewVersion(minVersion)
	if err != nil {
		return fmt.Errorf("min_host_version %q is not a semantic version: %w", minVersion, err)
	}
	have := semver.MustParse(HostVersion)
	if have.LessThan(want) {
		return fmt.Errorf("plugin requires host %s or newer, running %s", want, have)
	}
	return nil
}

// knownCapabilityRoots lists the first segment of every capability the
// runtime understands. Patterns may use glob syntax below a known root, or
// be a bare wildcard.
var knownCapabilityRoots = map[string]bool{
	"log":      true,
	"kv":       true,
	"api":      true,
	"timer":    true,
	"shutdown": true,
	"plugin":   true,
	"*":        true,
	"**":       true,
}

func validateCapability(c string) error {
	if c == "" {
		return fmt.Errorf("empty capability")
	}
	root, _, _ := strings.Cut(c, ".")
	if !knownCapabilityRoots[root] {
		return fmt.Errorf("unknown capability %q", c)
	}
	if _, err := glob.Compile(c, '.'); err != nil {
		return fmt.Errorf("capability %q: %w", c, err)
	}
	return nil
}
