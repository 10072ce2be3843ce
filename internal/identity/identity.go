// Package identity derives stable opaque keys from caller credentials.
//
// The key is used only for quota and history bucketing; the raw credential is
// never retained by any store. Derivation is deterministic so repeated
// requests from the same caller land in the same bucket.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

const (
	errMessageEmptyCredential = "credential cannot be empty"
	keyByteLength             = 16
)

// ErrEmptyCredential indicates the supplied credential blob was blank.
var ErrEmptyCredential = errors.New(errMessageEmptyCredential)

// Key is an opaque, stable identifier for a caller.
type Key string

// Derive maps a credential blob to its bucketing key.
//
// The credential is trimmed and hashed; the key exposes no portion of the
// original value. Collisions are as unlikely as a truncated SHA-256 collision,
// which is sufficient for quota bucketing.
func Derive(credential string) (Key, error) {
	trimmed := strings.TrimSpace(credential)
	if trimmed == "" {
		return "", ErrEmptyCredential
	}
	sum := sha256.Sum256([]byte(trimmed))
	return Key(hex.EncodeToString(sum[:keyByteLength])), nil
}
