package ssoclient

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/ssokit/ssolink"
)

// ErrShadowUserNotFound is returned by UserStore.FindByRemoteID when no
// local record exists for the remote principal.
var ErrShadowUserNotFound = errors.New("ssoclient: shadow user not found")

// ShadowUser is a broker-local copy of a remote user. RemoteID is the
// server's principal id; ID is the broker's own key and is never shared
// with or derived from the server.
type ShadowUser struct {
	ID       string
	RemoteID string
	Username string
	Email    string
	Mobile   string
	Status   int
}

// UserStore persists shadow users on the broker side.
type UserStore interface {
	// FindByRemoteID returns the shadow user for a remote principal, or
	// ErrShadowUserNotFound.
	FindByRemoteID(ctx context.Context, remoteID string) (*ShadowUser, error)

	// Create inserts a new shadow user and fills in its local ID.
	Create(ctx context.Context, user *ShadowUser) error
}

// InitUser ensures a shadow user exists for the given remote profile,
// creating one on first sight and returning the local record. Only the
// public profile fields are copied; local ids stay local.
func (c *Client) InitUser(ctx context.Context, profile *ssolink.Profile) (*ShadowUser, error) {
	if c.broker.users == nil {
		return nil, errors.New("ssoclient: no user store configured")
	}
	if profile == nil || profile.ID == "" {
		return nil, errors.New("ssoclient: profile has no id")
	}

	user, err := c.broker.users.FindByRemoteID(ctx, profile.ID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrShadowUserNotFound) {
		return nil, err
	}

	user = &ShadowUser{
		RemoteID: profile.ID,
		Username: profile.Username,
		Email:    profile.Email,
		Mobile:   profile.Mobile,
		Status:   profile.Status,
	}
	if err := c.broker.users.Create(ctx, user); err != nil {
		return nil, err
	}
	c.broker.log.InfoContext(ctx, "shadow user created",
		"remote_id", user.RemoteID, "local_id", user.ID, "username", user.Username)
	return user, nil
}

// MemoryUserStore is an in-process UserStore, suitable for tests and
// single-instance brokers.
type MemoryUserStore struct {
	mu       sync.RWMutex
	byRemote map[string]*ShadowUser
	nextID   int
}

var _ UserStore = (*MemoryUserStore)(nil)

// NewMemoryUserStore creates an empty in-process store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{byRemote: make(map[string]*ShadowUser)}
}

func (s *MemoryUserStore) FindByRemoteID(ctx context.Context, remoteID string) (*ShadowUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.byRemote[remoteID]
	if !ok {
		return nil, ErrShadowUserNotFound
	}
	cp := *user
	return &cp, nil
}

func (s *MemoryUserStore) Create(ctx context.Context, user *ShadowUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byRemote[user.RemoteID]; exists {
		return errors.New("ssoclient: shadow user already exists")
	}
	s.nextID++
	user.ID = strconv.Itoa(s.nextID)
	cp := *user
	s.byRemote[user.RemoteID] = &cp
	return nil
}
