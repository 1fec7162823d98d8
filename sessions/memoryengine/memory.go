// Package memoryengine is an in-memory sessions.Engine for single-process
// deployments and tests.
package memoryengine

import (
	"context"
	"sync"
	"time"

	"github.com/ssokit/ssolink/sessions"

	"github.com/google/uuid"
)

type record struct {
	clientAddr string
	principal  string
	expiresAt  time.Time // zero = no expiration
}

// Engine implements sessions.Engine in process memory.
type Engine struct {
	mu      sync.RWMutex
	records map[string]*record
	ttl     time.Duration
}

// Option configures the engine.
type Option func(*Engine)

// WithTTL bounds the lifetime of sessions. Zero (the default) means
// sessions live until the process exits.
func WithTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.ttl = ttl }
}

// New creates an in-memory session engine.
func New(opts ...Option) *Engine {
	e := &Engine{records: map[string]*record{}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start implements sessions.Engine.
func (e *Engine) Start(_ context.Context) (sessions.Session, error) {
	id := newSessionID()
	rec := &record{}
	if e.ttl > 0 {
		rec.expiresAt = time.Now().Add(e.ttl)
	}

	e.mu.Lock()
	e.records[id] = rec
	e.mu.Unlock()

	return &session{engine: e, id: id}, nil
}

// Resume implements sessions.Engine.
func (e *Engine) Resume(_ context.Context, id string) (sessions.Session, error) {
	e.mu.RLock()
	rec, ok := e.records[id]
	e.mu.RUnlock()

	if !ok {
		return nil, sessions.ErrNoSession
	}
	if !rec.expiresAt.IsZero() && time.Now().After(rec.expiresAt) {
		e.mu.Lock()
		delete(e.records, id)
		e.mu.Unlock()
		return nil, sessions.ErrNoSession
	}
	return &session{engine: e, id: id}, nil
}

// Close implements sessions.Engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.records = map[string]*record{}
	e.mu.Unlock()
	return nil
}

func newSessionID() string {
	return uuid.NewString()
}

type session struct {
	engine *Engine
	id     string
}

func (s *session) ID() string { return s.id }

func (s *session) RegenerateID(_ context.Context) (string, error) {
	newID := newSessionID()

	s.engine.mu.Lock()
	rec, ok := s.engine.records[s.id]
	if !ok {
		s.engine.mu.Unlock()
		return "", sessions.ErrNoSession
	}
	delete(s.engine.records, s.id)
	s.engine.records[newID] = rec
	s.engine.mu.Unlock()

	s.id = newID
	return newID, nil
}

func (s *session) ClientAddr(_ context.Context) (string, error) {
	s.engine.mu.RLock()
	defer s.engine.mu.RUnlock()
	rec, ok := s.engine.records[s.id]
	if !ok {
		return "", sessions.ErrNoSession
	}
	return rec.clientAddr, nil
}

func (s *session) BindClientAddr(_ context.Context, addr string) error {
	return s.update(func(rec *record) { rec.clientAddr = addr })
}

func (s *session) Principal(_ context.Context) (string, error) {
	s.engine.mu.RLock()
	defer s.engine.mu.RUnlock()
	rec, ok := s.engine.records[s.id]
	if !ok {
		return "", sessions.ErrNoSession
	}
	return rec.principal, nil
}

func (s *session) SetPrincipal(_ context.Context, userID string) error {
	return s.update(func(rec *record) { rec.principal = userID })
}

func (s *session) ClearPrincipal(_ context.Context) error {
	return s.update(func(rec *record) { rec.principal = "" })
}

func (s *session) update(fn func(*record)) error {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	rec, ok := s.engine.records[s.id]
	if !ok {
		return sessions.ErrNoSession
	}
	fn(rec)
	return nil
}
