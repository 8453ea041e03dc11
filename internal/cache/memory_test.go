package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryGetSet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.Get(ctx, "missing"); err != ErrMiss {
		t.Fatalf("expected ErrMiss, got %v", err)
	}

	if err := m.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := m.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v" {
		t.Fatalf("expected v, got %q", got)
	}

	// The cache must hold its own copy of the value.
	got[0] = 'x'
	again, err := m.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get after mutation: %v", err)
	}
	if string(again) != "v" {
		t.Fatalf("cached value mutated through returned slice: %q", again)
	}
}

func TestMemoryExpiry(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Set(ctx, "k", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(25 * time.Millisecond)
	if _, err := m.Get(ctx, "k"); err != ErrMiss {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestMemoryDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := m.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Get(ctx, "k"); err != ErrMiss {
		t.Fatalf("expected ErrMiss after delete, got %v", err)
	}
}

func TestMemoryZeroTTLIsNoop(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := m.Get(ctx, "k"); err != ErrMiss {
		t.Fatalf("zero TTL must not store, got %v", err)
	}
}
