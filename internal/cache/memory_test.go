package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCache_SetGet(t *testing.T) {
	c := NewMemoryCache(context.Background())
	defer c.Close()
	ctx := context.Background()

	if _, ok := c.Get(ctx, "missing"); ok {
		t.Error("empty cache should miss")
	}

	if err := c.Set(ctx, "k", []byte("artifact"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok := c.Get(ctx, "k")
	if !ok || string(got) != "artifact" {
		t.Errorf("Get = %q, %v", got, ok)
	}
}

func TestMemoryCache_LazyExpiry(t *testing.T) {
	c := NewMemoryCache(context.Background())
	defer c.Close()
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), 10*time.Millisecond)
	time.Sleep(25 * time.Millisecond)

	if _, ok := c.Get(ctx, "k"); ok {
		t.Error("expired entry must miss")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after lazy eviction", c.Len())
	}
}

func TestMemoryCache_Delete(t *testing.T) {
	c := NewMemoryCache(context.Background())
	defer c.Close()
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), time.Minute)
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := c.Get(ctx, "k"); ok {
		t.Error("deleted entry must miss")
	}
}

func TestMemoryCache_ZeroTTLDefaults(t *testing.T) {
	c := NewMemoryCache(context.Background())
	defer c.Close()
	ctx := context.Background()

	// ttl <= 0 falls back to the one-hour default rather than expiring at once.
	_ = c.Set(ctx, "k", []byte("v"), 0)
	if _, ok := c.Get(ctx, "k"); !ok {
		t.Error("zero-TTL entry should still be readable")
	}
}
