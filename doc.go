// Package ssolink implements a session-linking protocol that lets multiple
// independent web applications ("brokers") share one logical login session
// hosted by a central authority, without the browser carrying a server-wide
// cookie.
//
// A broker mints a random token, stores it in a per-broker cookie and links
// it to a server-side session through a signed attach handshake. After the
// handshake, the broker performs login, logout and userInfo commands by
// deriving a broker session identifier from the same token and the shared
// secret; the server resolves that identifier to a local session through a
// shared linking cache.
//
// Roles
//
//   - ssoserver: validates broker-signed requests, bridges broker session
//     identifiers to local sessions and executes the requested command.
//   - ssoclient: owns the token cookie, builds signed request URLs and
//     performs the outbound HTTP calls.
//   - linkcache: the only state shared between the two roles, a key-value
//     store mapping broker session identifiers to local session identifiers.
//
// This package holds the pieces both roles must agree on byte-for-byte: the
// identifier derivation scheme, the result envelope and the closed command
// set. Any divergence in the derivation inputs (token, client address or
// secret) invalidates the identifier; there is no partial-compatibility
// mode.
//
// # Identifier scheme
//
// Broker session identifiers have the form
//
//	sso-{brokerID}-{token}-{checksum}
//
// where checksum = sha256("session" + token + clientAddr + secret). The
// attach handshake is authenticated with a separate digest,
// sha256("attach" + token + clientAddr + secret), proving possession of the
// shared secret without transmitting it.
//
// # Result envelope
//
// Every protocol operation returns a Result. Code 1 is success; every other
// code, including unknown positive codes, is a failure. Linkage-state
// failures carry Attached=false so a broker can distinguish "re-attach and
// retry" from hard errors.
package ssolink
