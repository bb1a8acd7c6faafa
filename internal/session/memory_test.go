package session

import (
	"context"
	"testing"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, ok, err := store.Get(ctx, "sess-1", KeyOrderCompleted); err != nil || ok {
		t.Fatalf("expected miss on empty store, got ok=%v err=%v", ok, err)
	}

	if err := store.Set(ctx, "sess-1", KeyOrderCompleted, "true"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	value, ok, err := store.Get(ctx, "sess-1", KeyOrderCompleted)
	if err != nil || !ok || value != "true" {
		t.Fatalf("expected hit with true, got value=%q ok=%v err=%v", value, ok, err)
	}

	// Markers are scoped per session.
	if _, ok, _ := store.Get(ctx, "sess-2", KeyOrderCompleted); ok {
		t.Fatal("marker leaked across sessions")
	}

	if err := store.Delete(ctx, "sess-1", KeyOrderCompleted); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "sess-1", KeyOrderCompleted); ok {
		t.Fatal("expected marker removed")
	}
}

func TestMemoryStoreDeletePrefix(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for _, key := range []string{LoyaltyToastKey("cart-1"), LoyaltyToastKey("cart-2"), KeyOrderCompleted} {
		if err := store.Set(ctx, "sess-1", key, "true"); err != nil {
			t.Fatalf("set %s failed: %v", key, err)
		}
	}

	removed, err := store.DeletePrefix(ctx, "sess-1", LoyaltyToastPrefix)
	if err != nil {
		t.Fatalf("delete prefix failed: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 markers removed, got %d", removed)
	}
	if _, ok, _ := store.Get(ctx, "sess-1", KeyOrderCompleted); !ok {
		t.Fatal("unrelated marker must survive prefix delete")
	}
}

func TestFlagHelpers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	flag, err := Flag(ctx, store, "sess-1", KeyOrderCompleted)
	if err != nil || flag {
		t.Fatalf("expected unset flag to read false, got %v err=%v", flag, err)
	}

	if err := SetFlag(ctx, store, "sess-1", KeyOrderCompleted, true); err != nil {
		t.Fatalf("set flag failed: %v", err)
	}
	flag, err = Flag(ctx, store, "sess-1", KeyOrderCompleted)
	if err != nil || !flag {
		t.Fatalf("expected flag true, got %v err=%v", flag, err)
	}

	if _, err := Flag(ctx, nil, "sess-1", KeyOrderCompleted); err == nil {
		t.Fatal("expected error for nil store")
	}
}

func TestLoyaltyToastKeys(t *testing.T) {
	key := LoyaltyToastKey(" cart-9 ")
	if key != "loyaltyToastShown_cart-9" {
		t.Fatalf("unexpected key %q", key)
	}
	cartID, ok := IsLoyaltyToastKey(key)
	if !ok || cartID != "cart-9" {
		t.Fatalf("expected cart-9, got %q ok=%v", cartID, ok)
	}
	if _, ok := IsLoyaltyToastKey(KeyOrderCompleted); ok {
		t.Fatal("order marker must not parse as toast key")
	}
}
