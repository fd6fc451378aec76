// Package auth implements the tunnel's HMAC-based handshake signature: a
// short-lived, timestamped signature over "<client_id>:<timestamp>" that
// authenticates a control connection without requiring TLS client certs.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// MaxClockSkew is the maximum tolerated difference between a client's
// claimed timestamp and the server's clock, in either direction.
const MaxClockSkew = 120 * time.Second

// Sign computes the lowercase-hex HMAC-SHA256 signature over
// "<clientID>:<timestamp>" using secret.
func Sign(secret, clientID string, timestamp int64) string {
	payload := fmt.Sprintf("%s:%d", clientID, timestamp)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is the correct HMAC-SHA256 signature for
// clientID and timestamp under secret.
//
// The comparison is constant in branching with respect to the signature
// content: lengths are compared first, and when they match every byte is
// compared before returning, rather than returning as soon as a mismatch is
// found. A length mismatch returns false without inspecting any byte; since
// the expected signature has a fixed length, that branch depends only on the
// length of the supplied signature, not on its content.
func Verify(secret, clientID string, timestamp int64, signature string) bool {
	expected := Sign(secret, clientID, timestamp)
	return constantTimeEqual(expected, signature)
}

// WithinSkew reports whether timestamp falls within MaxClockSkew of now.
func WithinSkew(now, timestamp int64) bool {
	diff := now - timestamp
	if diff < 0 {
		diff = -diff
	}
	return diff <= int64(MaxClockSkew.Seconds())
}

// constantTimeEqual compares a and b byte-wise without short-circuiting on
// the first mismatch, so the number of comparisons performed does not leak
// where (or whether) the strings differ.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		// Unequal lengths return immediately, without comparing any byte;
		// only equal-length inputs go through the full byte-wise walk below.
		return false
	}
	var diff byte
	for i := 0; i < len(a); i++ {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
