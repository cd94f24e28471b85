// Package auth implements the shared-secret check used by relay tunnels.
// The relay prints a random passkey; a client proves knowledge of it by
// sending an HMAC over keying material exported from the TLS session, so a
// token captured on one connection is useless on any other.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	PasskeySize = 32
	TokenSize   = sha256.Size
)

var ErrBadPasskey = errors.New("passkey must be 64 hex digits")

// GeneratePasskey returns a random passkey.
func GeneratePasskey() ([]byte, error) {
	key := make([]byte, PasskeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// FormatPasskey renders a passkey the way the relay prints it.
func FormatPasskey(key []byte) string {
	return hex.EncodeToString(key)
}

// ParsePasskey accepts the printed form, ignoring surrounding whitespace.
func ParsePasskey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPasskey, err)
	}
	if len(key) != PasskeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrBadPasskey, len(key))
	}
	return key, nil
}

// ComputeAuthToken is HMAC-SHA256(passkey, exporterMaterial).
func ComputeAuthToken(passkey, exporterMaterial []byte) [TokenSize]byte {
	mac := hmac.New(sha256.New, passkey)
	mac.Write(exporterMaterial)
	var token [TokenSize]byte
	copy(token[:], mac.Sum(nil))
	return token
}

// VerifyAuthToken compares in constant time.
func VerifyAuthToken(passkey, exporterMaterial []byte, token [TokenSize]byte) bool {
	expected := ComputeAuthToken(passkey, exporterMaterial)
	return hmac.Equal(token[:], expected[:])
}
