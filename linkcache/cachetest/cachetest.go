// Package cachetest provides a conformance suite for linkcache.Cache
// implementations.
package cachetest

import (
	"context"
	"testing"
	"time"

	"github.com/ssokit/ssolink/linkcache"
)

// Factory creates a fresh Cache instance for a test.
type Factory func(t *testing.T) linkcache.Cache

// Run exercises the Cache contract against the provided factory.
func Run(t *testing.T, factory Factory) {
	t.Run("SetAndGet", func(t *testing.T) { testSetAndGet(t, factory) })
	t.Run("MissReturnsNotOK", func(t *testing.T) { testMiss(t, factory) })
	t.Run("OverwriteReplacesValue", func(t *testing.T) { testOverwrite(t, factory) })
	t.Run("TTLExpiry", func(t *testing.T) { testTTLExpiry(t, factory) })
	t.Run("KeysAreIndependent", func(t *testing.T) { testKeyIndependence(t, factory) })
}

func testSetAndGet(t *testing.T, factory Factory) {
	c := factory(t)
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "sso-a-b-c", "local-1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	value, ok, err := c.Get(ctx, "sso-a-b-c")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || value != "local-1" {
		t.Errorf("Get: want (local-1, true), got (%q, %v)", value, ok)
	}
}

func testMiss(t *testing.T, factory Factory) {
	c := factory(t)
	defer c.Close()

	value, ok, err := c.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok || value != "" {
		t.Errorf("Get on absent key: want (\"\", false), got (%q, %v)", value, ok)
	}
}

func testOverwrite(t *testing.T, factory Factory) {
	c := factory(t)
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "key", "first"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Set(ctx, "key", "second"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	value, ok, err := c.Get(ctx, "key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || value != "second" {
		t.Errorf("Get after overwrite: want (second, true), got (%q, %v)", value, ok)
	}
}

func testTTLExpiry(t *testing.T, factory Factory) {
	c := factory(t)
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "lease", "local-1", linkcache.WithTTL(50*time.Millisecond)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok, err := c.Get(ctx, "lease"); err != nil || !ok {
		t.Fatalf("Get before expiry: want hit, got ok=%v err=%v", ok, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, ok, err := c.Get(ctx, "lease")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("entry did not expire within deadline")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func testKeyIndependence(t *testing.T, factory Factory) {
	c := factory(t)
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "sso-shop1-t-x", "local-1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Set(ctx, "sso-shop2-t-y", "local-2"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	v1, _, _ := c.Get(ctx, "sso-shop1-t-x")
	v2, _, _ := c.Get(ctx, "sso-shop2-t-y")
	if v1 != "local-1" || v2 != "local-2" {
		t.Errorf("cross-key interference: got %q and %q", v1, v2)
	}
}
