package ssolink

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

// sessionIDPattern matches the wire form of a broker session identifier:
// sso-{brokerID}-{token}-{checksum}. Broker ids and tokens are word
// characters only; anything else fails parsing before any cache or session
// lookup happens.
var sessionIDPattern = regexp.MustCompile(`^sso-(\w*)-(\w*)-([a-z0-9]*)$`)

// DeriveSessionID computes the broker session identifier for a given token
// and client address. The identifier is deterministic and never stored on
// the broker side; both roles recompute it on demand. Changing any input
// yields a different identifier.
func DeriveSessionID(brokerID, token, clientAddr, secret string) string {
	sum := sha256.Sum256([]byte("session" + token + clientAddr + secret))
	return "sso-" + brokerID + "-" + token + "-" + hex.EncodeToString(sum[:])
}

// DeriveAttachChecksum computes the single-use digest that authenticates an
// attach request. It proves possession of the broker secret without
// transmitting it.
func DeriveAttachChecksum(token, clientAddr, secret string) string {
	sum := sha256.Sum256([]byte("attach" + token + clientAddr + secret))
	return hex.EncodeToString(sum[:])
}

// ParseSessionID splits a broker session identifier into its broker id and
// token segments. ok is false when the value does not match the wire form.
func ParseSessionID(sid string) (brokerID, token string, ok bool) {
	m := sessionIDPattern.FindStringSubmatch(sid)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// ChecksumEqual compares two derived values in constant time.
func ChecksumEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// NewToken mints a broker token with 128 bits of entropy. Tokens are hex
// encoded so they stay within the \w character class the session identifier
// pattern requires.
func NewToken() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand never fails on supported platforms.
		panic("ssolink: reading random source: " + err.Error())
	}
	return hex.EncodeToString(buf[:])
}
