// Package sessions defines the server-local session engine contract the
// session server operates against.
//
// The engine is an explicit, injected capability: sessions are handles
// threaded through operations, never ambient process state. The protocol
// core needs exactly three things from a session beyond identity: the
// client address bound when the session was established, the authenticated
// principal (if any), and the ability to rotate the session id in place
// when the client's network address changes.
package sessions

import (
	"context"
	"errors"
)

// ErrNoSession is returned by Resume when the id does not name a live
// session.
var ErrNoSession = errors.New("sessions: no such session")

// Engine creates and resumes server-local sessions.
type Engine interface {
	// Start creates a new anonymous session.
	Start(ctx context.Context) (Session, error)

	// Resume returns the live session with the given id, or ErrNoSession.
	Resume(ctx context.Context, id string) (Session, error)

	// Close releases backend resources.
	Close() error
}

// Session is a handle on one server-local session. Implementations must be
// safe for use from a single request goroutine; cross-request concurrency
// is synchronized by the backing store.
type Session interface {
	// ID returns the current session id. It changes after RegenerateID.
	ID() string

	// RegenerateID rotates the session id, carrying all session state over
	// to the new id and retiring the old one. Returns the new id.
	RegenerateID(ctx context.Context) (string, error)

	// ClientAddr returns the client address bound to the session, or the
	// empty string when none was ever bound.
	ClientAddr(ctx context.Context) (string, error)

	// BindClientAddr records the client address the session belongs to.
	BindClientAddr(ctx context.Context, addr string) error

	// Principal returns the authenticated user id, or the empty string for
	// an anonymous session.
	Principal(ctx context.Context) (string, error)

	// SetPrincipal marks the session as authenticated for the given user.
	SetPrincipal(ctx context.Context, userID string) error

	// ClearPrincipal returns the session to the anonymous state. It is a
	// no-op on an already anonymous session.
	ClearPrincipal(ctx context.Context) error
}
