// Package memorydir is a seeded in-memory directory.Directory for tests
// and small single-process deployments.
package memorydir

import (
	"context"
	"crypto/subtle"
	"sync"

	"github.com/ssokit/ssolink"
	"github.com/ssokit/ssolink/directory"
)

// User is one seeded directory entry. Password is stored as given; this
// backend is not meant for production credential storage.
type User struct {
	ID       string `yaml:"id" json:"id"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	Email    string `yaml:"email" json:"email"`
	Mobile   string `yaml:"mobile" json:"mobile"`
	Status   int    `yaml:"status" json:"status"`
}

// Directory implements directory.Directory over a fixed user set.
type Directory struct {
	mu         sync.RWMutex
	byUsername map[string]User
	byID       map[string]User
}

// New creates a directory seeded with the given users.
func New(users []User) *Directory {
	d := &Directory{}
	d.Replace(users)
	return d
}

// Replace swaps the whole user set. Used by file-backed reloading.
func (d *Directory) Replace(users []User) {
	byUsername := make(map[string]User, len(users))
	byID := make(map[string]User, len(users))
	for _, u := range users {
		byUsername[u.Username] = u
		byID[u.ID] = u
	}

	d.mu.Lock()
	d.byUsername = byUsername
	d.byID = byID
	d.mu.Unlock()
}

// LoginWithCredentials implements directory.Directory.
func (d *Directory) LoginWithCredentials(_ context.Context, username, password string) (string, error) {
	d.mu.RLock()
	u, ok := d.byUsername[username]
	d.mu.RUnlock()

	if !ok {
		return "", directory.ErrBadCredentials
	}
	if subtle.ConstantTimeCompare([]byte(u.Password), []byte(password)) != 1 {
		return "", directory.ErrBadCredentials
	}
	return u.ID, nil
}

// PublicProfile implements directory.Directory.
func (d *Directory) PublicProfile(_ context.Context, principalID string) (*ssolink.Profile, error) {
	d.mu.RLock()
	u, ok := d.byID[principalID]
	d.mu.RUnlock()

	if !ok {
		return nil, directory.ErrUserNotFound
	}
	return &ssolink.Profile{
		ID:       u.ID,
		Username: u.Username,
		Email:    u.Email,
		Mobile:   u.Mobile,
		Status:   u.Status,
	}, nil
}
