// Package enginetest provides a conformance suite for sessions.Engine
// implementations.
package enginetest

import (
	"context"
	"testing"

	"github.com/ssokit/ssolink/sessions"
)

// Factory creates a fresh Engine instance for a test.
type Factory func(t *testing.T) sessions.Engine

// Run exercises the Engine contract against the provided factory.
func Run(t *testing.T, factory Factory) {
	t.Run("StartAssignsUniqueIDs", func(t *testing.T) { testUniqueIDs(t, factory) })
	t.Run("ResumeUnknownID", func(t *testing.T) { testResumeUnknown(t, factory) })
	t.Run("ResumeSeesBoundState", func(t *testing.T) { testResumeState(t, factory) })
	t.Run("RegenerateIDCarriesState", func(t *testing.T) { testRegenerate(t, factory) })
	t.Run("PrincipalLifecycle", func(t *testing.T) { testPrincipal(t, factory) })
}

func testUniqueIDs(t *testing.T, factory Factory) {
	e := factory(t)
	defer e.Close()
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 16; i++ {
		sess, err := e.Start(ctx)
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		if sess.ID() == "" {
			t.Fatal("Start returned a session with an empty id")
		}
		if seen[sess.ID()] {
			t.Fatalf("duplicate session id %q", sess.ID())
		}
		seen[sess.ID()] = true
	}
}

func testResumeUnknown(t *testing.T, factory Factory) {
	e := factory(t)
	defer e.Close()

	if _, err := e.Resume(context.Background(), "no-such-session"); err != sessions.ErrNoSession {
		t.Errorf("Resume unknown id: want ErrNoSession, got %v", err)
	}
}

func testResumeState(t *testing.T, factory Factory) {
	e := factory(t)
	defer e.Close()
	ctx := context.Background()

	sess, err := e.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sess.BindClientAddr(ctx, "1.2.3.4"); err != nil {
		t.Fatalf("BindClientAddr: %v", err)
	}

	resumed, err := e.Resume(ctx, sess.ID())
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	addr, err := resumed.ClientAddr(ctx)
	if err != nil {
		t.Fatalf("ClientAddr: %v", err)
	}
	if addr != "1.2.3.4" {
		t.Errorf("ClientAddr after resume: want 1.2.3.4, got %q", addr)
	}
}

func testRegenerate(t *testing.T, factory Factory) {
	e := factory(t)
	defer e.Close()
	ctx := context.Background()

	sess, err := e.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	oldID := sess.ID()
	if err := sess.BindClientAddr(ctx, "1.2.3.4"); err != nil {
		t.Fatalf("BindClientAddr: %v", err)
	}
	if err := sess.SetPrincipal(ctx, "user-1"); err != nil {
		t.Fatalf("SetPrincipal: %v", err)
	}

	newID, err := sess.RegenerateID(ctx)
	if err != nil {
		t.Fatalf("RegenerateID: %v", err)
	}
	if newID == oldID {
		t.Fatal("RegenerateID returned the old id")
	}
	if sess.ID() != newID {
		t.Errorf("handle id: want %q, got %q", newID, sess.ID())
	}

	// Old id is retired.
	if _, err := e.Resume(ctx, oldID); err != sessions.ErrNoSession {
		t.Errorf("Resume retired id: want ErrNoSession, got %v", err)
	}

	// State followed the session to the new id.
	resumed, err := e.Resume(ctx, newID)
	if err != nil {
		t.Fatalf("Resume new id: %v", err)
	}
	if addr, _ := resumed.ClientAddr(ctx); addr != "1.2.3.4" {
		t.Errorf("ClientAddr after rotation: want 1.2.3.4, got %q", addr)
	}
	if principal, _ := resumed.Principal(ctx); principal != "user-1" {
		t.Errorf("Principal after rotation: want user-1, got %q", principal)
	}
}

func testPrincipal(t *testing.T, factory Factory) {
	e := factory(t)
	defer e.Close()
	ctx := context.Background()

	sess, err := e.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if principal, _ := sess.Principal(ctx); principal != "" {
		t.Errorf("fresh session principal: want empty, got %q", principal)
	}

	if err := sess.SetPrincipal(ctx, "user-1"); err != nil {
		t.Fatalf("SetPrincipal: %v", err)
	}
	if principal, _ := sess.Principal(ctx); principal != "user-1" {
		t.Errorf("principal: want user-1, got %q", principal)
	}

	if err := sess.ClearPrincipal(ctx); err != nil {
		t.Fatalf("ClearPrincipal: %v", err)
	}
	if principal, _ := sess.Principal(ctx); principal != "" {
		t.Errorf("principal after clear: want empty, got %q", principal)
	}

	// Clearing an anonymous session is a no-op.
	if err := sess.ClearPrincipal(ctx); err != nil {
		t.Fatalf("second ClearPrincipal: %v", err)
	}
}
