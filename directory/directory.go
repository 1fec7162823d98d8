// Package directory defines the user directory contract: credential checks
// and public profile lookup. Account storage, password hashing and
// verification-code delivery live behind this interface and are not part of
// the linking protocol.
package directory

import (
	"context"
	"errors"

	"github.com/ssokit/ssolink"
)

// ErrBadCredentials is returned by LoginWithCredentials when the username
// is unknown or the password doesn't match. Implementations should not
// distinguish the two cases.
var ErrBadCredentials = errors.New("directory: bad credentials")

// ErrUserNotFound is returned by PublicProfile when the principal has no
// directory record.
var ErrUserNotFound = errors.New("directory: user not found")

// Directory resolves users for the session server. The server binds the
// returned principal to the local session; the directory itself is
// session-free.
type Directory interface {
	// LoginWithCredentials checks a username/password pair and returns the
	// principal id on success, or ErrBadCredentials.
	LoginWithCredentials(ctx context.Context, username, password string) (string, error)

	// PublicProfile returns the allow-listed public record for a
	// principal, or ErrUserNotFound.
	PublicProfile(ctx context.Context, principalID string) (*ssolink.Profile, error)
}
