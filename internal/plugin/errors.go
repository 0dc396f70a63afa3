// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

package plugin

import "errors"

var (
	errNilManifest = errors.New("manifest is nil")
	errEmptyModule = errors.New("module is empty")

	// ErrGrantExceedsRequest is returned when an operator grants a capability
	// the plugin manifest never requested.
	ErrGrantExceedsRequest = errors.New("grant exceeds requested capabilities")
)
