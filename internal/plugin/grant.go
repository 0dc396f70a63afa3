// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

package plugin

import (
	"fmt"
	"slices"

	"github.com/gobwas/glob"
	"github.com/samber/oops"

	"github.com/composebot/composebot/internal/runerr"
)

// Grant is the operator-authorized subset of a plugin's requested
// capabilities plus its effective event subscriptions. It is computed once
// at startup and exposes only copies of its contents.
type Grant struct {
	plugin       string
	capabilities []string
	events       []string
}

// Plugin returns the name of the plugin the grant belongs to.
func (g *Grant) Plugin() string {
	return g.plugin
}

// Capabilities returns a copy of the granted capability patterns.
func (g *Grant) Capabilities() []string {
	return slices.Clone(g.capabilities)
}

// Events returns a copy of the effective event subscription patterns.
func (g *Grant) Events() []string {
	return slices.Clone(g.events)
}

// ResolveGrant checks the operator's granted capabilities against what the
// plugin requested. Granting anything the manifest did not request is a
// manifest/grant mismatch and fails with a load error. A nil events override
// keeps the manifest's subscriptions; a non-nil one replaces them.
func ResolveGrant(p *Plugin, granted, eventsOverride []string) (*Grant, error) {
	if p == nil || p.Manifest == nil {
		return nil, oops.In("plugin").Code(runerr.CodeLoad).Wrap(runerr.Mark(runerr.ErrLoad, errNilManifest))
	}
	m := p.Manifest

	requested := make([]glob.Glob, 0, len(m.Capabilities))
	for _, r := range m.Capabilities {
		g, err := glob.Compile(r, '.')
		if err != nil {
			return nil, oops.In("plugin").Code(runerr.CodeLoad).With("plugin", m.Name).
				Wrapf(runerr.Mark(runerr.ErrLoad, err), "compile requested capability %q", r)
		}
		requested = append(requested, g)
	}

	for _, c := range granted {
		if err := validateCapability(c); err != nil {
			return nil, oops.In("plugin").Code(runerr.CodeLoad).With("plugin", m.Name).
				Wrapf(runerr.Mark(runerr.ErrLoad, err), "invalid grant")
		}
		if !covered(c, m.Capabilities, requested) {
			return nil, oops.In("plugin").Code(runerr.CodeLoad).
				With("plugin", m.Name).
				With("capability", c).
				Hint("add the capability to the plugin manifest or remove it from the grant").
				Wrap(runerr.Mark(runerr.ErrLoad, fmt.Errorf("%w: %s", ErrGrantExceedsRequest, c)))
		}
	}

	events := m.Events
	if eventsOverride != nil {
		for i, e := range eventsOverride {
			if _, err := glob.Compile(e, '.'); err != nil || e == "" {
				return nil, oops.In("plugin").Code(runerr.CodeLoad).With("plugin", m.Name).
					Wrap(runerr.Mark(runerr.ErrLoad, fmt.Errorf("events override[%d] %q is not a valid pattern", i, e)))
			}
		}
		events = eventsOverride
	}

	return &Grant{
		plugin:       m.Name,
		capabilities: slices.Clone(granted),
		events:       slices.Clone(events),
	}, nil
}

func covered(c string, raw []string, requested []glob.Glob) bool {
	for i, r := range requested {
		if raw[i] == c || r.Match(c) {
			return true
		}
	}
	return false
}
