// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

// Package capability provides the per-instance capability table that gates
// host functions.
//
// Pattern matching uses gobwas/glob with '.' as the segment separator:
//   - '*' matches a single segment (does not cross '.')
//   - '**' matches zero or more segments (crosses '.')
//
// Examples:
//   - "api.submit.*" matches "api.submit.reply" but NOT "api.submit.reply.thread"
//   - "kv.**" matches "kv.read" AND "kv.shared.scores"
//   - "**" matches any capability
//
// A Table is built once from a plugin's grant and never changes afterwards;
// it needs no locking.
package capability

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/gobwas/glob"

	"github.com/composebot/composebot/pkg/abi"
)

// compiledGrant holds a pattern and its compiled glob for efficient matching.
type compiledGrant struct {
	pattern string
	glob    glob.Glob
}

// Table is the immutable capability table of one plugin instance.
type Table struct {
	plugin    string
	grants    []compiledGrant
	functions map[string]bool
}

// NewTable compiles the granted capability patterns for plugin. It fails if
// the plugin name is empty or any pattern is invalid.
//
// The capabilities slice is copied, so callers may modify it after the call
// returns.
func NewTable(plugin string, capabilities []string) (*Table, error) {
	if plugin == "" {
		return nil, errors.New("plugin name cannot be empty")
	}

	compiled := make([]compiledGrant, len(capabilities))
	for i, pattern := range capabilities {
		if pattern == "" {
			return nil, fmt.Errorf("capability %d: empty capability pattern", i)
		}
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return nil, fmt.Errorf("capability %d (%q): %w", i, pattern, err)
		}
		compiled[i] = compiledGrant{pattern: pattern, glob: g}
	}

	t := &Table{
		plugin:    plugin,
		grants:    compiled,
		functions: make(map[string]bool, len(abi.FunctionCapability)),
	}
	for fn, capName := range abi.FunctionCapability {
		t.functions[fn] = t.bindable(fn, capName)
	}
	return t, nil
}

// bindable reports whether fn gets the real implementation at load time.
// submit and call are bound when any target could be allowed; the target
// itself is checked per call. Functions without a capability are always
// bound.
func (t *Table) bindable(fn, capName string) bool {
	if capName == "" || t.Allows(capName) {
		return true
	}
	switch fn {
	case abi.FuncSubmit:
		return t.hasScoped(abi.CapSubmit)
	case abi.FuncCall:
		return t.hasScoped(abi.CapCall)
	}
	return false
}

func (t *Table) hasScoped(capName string) bool {
	for _, g := range t.grants {
		if strings.HasPrefix(g.pattern, capName+".") {
			return true
		}
	}
	return false
}

// Plugin returns the plugin name the table was built for.
func (t *Table) Plugin() string {
	return t.plugin
}

// Capabilities returns a copy of the granted patterns.
func (t *Table) Capabilities() []string {
	patterns := make([]string, len(t.grants))
	for i, g := range t.grants {
		patterns[i] = g.pattern
	}
	return patterns
}

// Allows reports whether the capability is granted. Empty capabilities and
// a nil table are denied.
func (t *Table) Allows(capability string) bool {
	if t == nil || capability == "" {
		return false
	}
	for _, g := range t.grants {
		if g.glob.Match(capability) {
			return true
		}
	}
	return false
}

// CanCall reports whether the host function is bound to its implementation
// for this instance. Unknown functions are never callable.
func (t *Table) CanCall(function string) bool {
	if t == nil {
		return false
	}
	return t.functions[function]
}

// Functions returns the sorted names of host functions bound to their
// implementation.
func (t *Table) Functions() []string {
	var out []string
	for fn, ok := range t.functions {
		if ok {
			out = append(out, fn)
		}
	}
	slices.Sort(out)
	return out
}

// AllowsSubmit reports whether an outbound submit to route is granted,
// either through the blanket api.submit capability or the route-scoped
// api.submit.<route>.
func (t *Table) AllowsSubmit(route string) bool {
	if route == "" {
		return false
	}
	return t.Allows(abi.CapSubmit) || t.Allows(abi.CapSubmit+"."+route)
}

// AllowsCall reports whether calling plugin is granted, either through the
// blanket plugin.call capability or the scoped plugin.call.<plugin>.
func (t *Table) AllowsCall(plugin string) bool {
	if plugin == "" {
		return false
	}
	return t.Allows(abi.CapCall) || t.Allows(abi.CapCall+"."+plugin)
}

// AllowsKey reports whether the function capability (kv.read or kv.write)
// permits key. Keys under "shared/<ns>/" also need kv.shared.<ns>.
func (t *Table) AllowsKey(capability, key string) bool {
	if !t.Allows(capability) {
		return false
	}
	ns, _, shared := SplitSharedKey(key)
	if !shared {
		return true
	}
	if ns == "" {
		return false
	}
	return t.Allows(abi.CapKVShared + "." + ns)
}

// SplitSharedKey splits "shared/<ns>/<key>" into its namespace and key.
// ok is false for keys in the plugin's own namespace.
func SplitSharedKey(key string) (namespace, rest string, ok bool) {
	after, found := strings.CutPrefix(key, abi.SharedKeyPrefix)
	if !found {
		return "", key, false
	}
	namespace, rest, _ = strings.Cut(after, "/")
	return namespace, rest, true
}
