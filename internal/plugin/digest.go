// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

package plugin

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Digest schemes accepted in manifests.
const (
	DigestSHA256  = "sha256"
	DigestBLAKE2b = "blake2b"
)

func parseDigest(d string) (scheme string, sum []byte, err error) {
	scheme, hexSum, ok := strings.Cut(d, ":")
	if !ok {
		return "", nil, fmt.Errorf("digest %q must be <scheme>:<hex>", d)
	}
	if scheme != DigestSHA256 && scheme != DigestBLAKE2b {
		return "", nil, fmt.Errorf("digest scheme %q must be %s or %s", scheme, DigestSHA256, DigestBLAKE2b)
	}
	sum, err = hex.DecodeString(hexSum)
	if err != nil {
		return "", nil, fmt.Errorf("digest %q: %w", d, err)
	}
	if len(sum) != 32 {
		return "", nil, fmt.Errorf("digest %q: want 32 bytes, got %d", d, len(sum))
	}
	return scheme, sum, nil
}

// ComputeDigest returns the digest string of module under scheme.
func ComputeDigest(scheme string, module []byte) (string, error) {
	switch scheme {
	case DigestSHA256:
		sum := sha256.Sum256(module)
		return DigestSHA256 + ":" + hex.EncodeToString(sum[:]), nil
	case DigestBLAKE2b:
		sum := blake2b.Sum256(module)
		return DigestBLAKE2b + ":" + hex.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("unknown digest scheme %q", scheme)
	}
}

// VerifyDigest checks module against the expected digest string.
func VerifyDigest(expected string, module []byte) error {
	scheme, want, err := parseDigest(expected)
	if err != nil {
		return err
	}
	got, err := ComputeDigest(scheme, module)
	if err != nil {
		return err
	}
	_, gotSum, err := parseDigest(got)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(want, gotSum) != 1 {
		return fmt.Errorf("module digest mismatch: manifest %s, module %s", expected, got)
	}
	return nil
}
