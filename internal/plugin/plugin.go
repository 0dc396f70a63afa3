// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

package plugin

import (
	"os"
	"path/filepath"

	"github.com/samber/oops"

	"github.com/composebot/composebot/internal/runerr"
)

// Plugin is the immutable descriptor of a loadable plugin: its manifest and
// module bytecode. The digest is always populated, computed from the module
// when the manifest does not pin one.
type Plugin struct {
	Manifest *Manifest
	Module   []byte
	Digest   string
	Dir      string
}

// Name returns the plugin name.
func (p *Plugin) Name() string {
	return p.Manifest.Name
}

// EntryPoints returns the entry point names with defaults applied.
func (p *Plugin) EntryPoints() EntryPoints {
	return p.Manifest.EntryPoints.WithDefaults()
}

// New builds a Plugin from an already-parsed manifest and module bytes,
// verifying the pinned digest if any.
func New(m *Manifest, module []byte) (*Plugin, error) {
	if m == nil {
		return nil, oops.In("plugin").Code(runerr.CodeLoad).Wrap(runerr.Mark(runerr.ErrLoad, errNilManifest))
	}
	if err := m.Validate(); err != nil {
		return nil, oops.In("plugin").Code(runerr.CodeLoad).With("plugin", m.Name).
			Wrapf(runerr.Mark(runerr.ErrLoad, err), "invalid manifest")
	}
	if len(module) == 0 {
		return nil, oops.In("plugin").Code(runerr.CodeLoad).With("plugin", m.Name).
			Wrap(runerr.Mark(runerr.ErrLoad, errEmptyModule))
	}

	digest := m.Digest
	if digest != "" {
		if err := VerifyDigest(digest, module); err != nil {
			return nil, oops.In("plugin").Code(runerr.CodeLoad).With("plugin", m.Name).
				Hint("rebuild the module or update the manifest digest").
				Wrap(runerr.Mark(runerr.ErrLoad, err))
		}
	} else {
		var err error
		if digest, err = ComputeDigest(DigestSHA256, module); err != nil {
			return nil, oops.In("plugin").Code(runerr.CodeLoad).With("plugin", m.Name).Wrap(err)
		}
	}

	return &Plugin{Manifest: m, Module: module, Digest: digest}, nil
}

// LoadDir reads plugin.yaml and the module it names from dir.
func LoadDir(dir string) (*Plugin, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile)) //nolint:gosec // dir comes from operator config
	if err != nil {
		return nil, oops.In("plugin").Code(runerr.CodeLoad).With("dir", dir).
			Wrapf(runerr.Mark(runerr.ErrLoad, err), "read manifest")
	}

	m, err := ParseManifest(data)
	if err != nil {
		return nil, oops.In("plugin").Code(runerr.CodeLoad).With("dir", dir).
			Wrapf(runerr.Mark(runerr.ErrLoad, err), "parse manifest")
	}

	modulePath := filepath.Join(dir, filepath.Clean(m.Module))
	module, err := os.ReadFile(modulePath) //nolint:gosec // validated to stay inside dir
	if err != nil {
		return nil, oops.In("plugin").Code(runerr.CodeLoad).With("plugin", m.Name).With("path", modulePath).
			Wrapf(runerr.Mark(runerr.ErrLoad, err), "read module")
	}

	p, err := New(m, module)
	if err != nil {
		return nil, err
	}
	p.Dir = dir
	return p, nil
}

// ModulePath returns the absolute module file path for plugins loaded from disk.
func (p *Plugin) ModulePath() string {
	if p.Dir == "" {
		return ""
	}
	return filepath.Join(p.Dir, filepath.Clean(p.Manifest.Module))
}
