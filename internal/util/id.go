// Package util holds small helpers shared across the service.
package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier with an entity prefix, e.g. "rub_9f2c...".
// An empty prefix yields the bare hex string.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewToken returns an unprefixed 64-char hex secret for one-time tokens
// (email verification, password resets, refresh secrets).
func NewToken() string {
	bytes := make([]byte, 32)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
