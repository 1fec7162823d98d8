// Package sqlstore provides database/sql-backed implementations of the
// broker registry and the user directory. It is driver-agnostic; the daemon
// wires it to Postgres via github.com/lib/pq.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ssokit/ssolink"
	"github.com/ssokit/ssolink/directory"
)

// VerifyFunc compares a stored credential against a presented password.
// Hashing schemes are a deployment concern; the protocol core never sees
// them. Return nil on match.
type VerifyFunc func(stored, given string) error

// Brokers resolves broker secrets from a table with (id, secret) columns.
type Brokers struct {
	db    *sql.DB
	query string
}

// NewBrokers creates a SQL-backed broker registry. table defaults to
// "brokers".
func NewBrokers(db *sql.DB, table string) *Brokers {
	if table == "" {
		table = "brokers"
	}
	// Table names come from operator configuration, never from request
	// input, so building the statement with Sprintf is safe here.
	return &Brokers{
		db:    db,
		query: fmt.Sprintf("SELECT secret FROM %s WHERE id = $1", table),
	}
}

// Secret implements ssolink.Brokers.
func (b *Brokers) Secret(ctx context.Context, brokerID string) (string, error) {
	var secret string
	err := b.db.QueryRowContext(ctx, b.query, brokerID).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ssolink.ErrUnknownBroker
	}
	if err != nil {
		return "", fmt.Errorf("sqlstore: broker lookup: %w", err)
	}
	return secret, nil
}

var _ ssolink.Brokers = (*Brokers)(nil)

// Directory resolves users from a table with (id, username, password,
// email, mobile, status) columns.
type Directory struct {
	db           *sql.DB
	verify       VerifyFunc
	loginQuery   string
	profileQuery string
}

// NewDirectory creates a SQL-backed directory. table defaults to "users".
func NewDirectory(db *sql.DB, table string, verify VerifyFunc) (*Directory, error) {
	if verify == nil {
		return nil, fmt.Errorf("sqlstore: a password verify function is required")
	}
	if table == "" {
		table = "users"
	}
	return &Directory{
		db:           db,
		verify:       verify,
		loginQuery:   fmt.Sprintf("SELECT id, password FROM %s WHERE username = $1", table),
		profileQuery: fmt.Sprintf("SELECT id, username, email, mobile, status FROM %s WHERE id = $1", table),
	}, nil
}

// LoginWithCredentials implements directory.Directory.
func (d *Directory) LoginWithCredentials(ctx context.Context, username, password string) (string, error) {
	var id, stored string
	err := d.db.QueryRowContext(ctx, d.loginQuery, username).Scan(&id, &stored)
	if errors.Is(err, sql.ErrNoRows) {
		return "", directory.ErrBadCredentials
	}
	if err != nil {
		return "", fmt.Errorf("sqlstore: user lookup: %w", err)
	}
	if err := d.verify(stored, password); err != nil {
		return "", directory.ErrBadCredentials
	}
	return id, nil
}

// PublicProfile implements directory.Directory.
func (d *Directory) PublicProfile(ctx context.Context, principalID string) (*ssolink.Profile, error) {
	var p ssolink.Profile
	err := d.db.QueryRowContext(ctx, d.profileQuery, principalID).
		Scan(&p.ID, &p.Username, &p.Email, &p.Mobile, &p.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, directory.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: profile lookup: %w", err)
	}
	return &p, nil
}

var _ directory.Directory = (*Directory)(nil)
