package keystore

import (
	"context"
	"testing"

	"github.com/kenneth/hsm-crypto-gateway/internal/crypto"
)

func testKey() *crypto.Key {
	return &crypto.Key{
		Object:      1,
		Algorithm:   crypto.KeyAlgorithm{Name: crypto.AlgorithmAESGCM, Length: 256},
		Extractable: true,
		Usages:      []string{"encrypt", "decrypt"},
	}
}

func TestMemoryStore_RegisterGet(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	id, err := store.Register(ctx, testKey())
	if err != nil {
		t.Fatalf("failed to register key: %v", err)
	}
	if id == "" {
		t.Fatal("expected a non-empty key id")
	}

	entry, ok := store.Get(ctx, id)
	if !ok {
		t.Fatal("registered key not found")
	}
	if entry.Key.Algorithm.Name != crypto.AlgorithmAESGCM {
		t.Fatalf("expected algorithm %s, got %s", crypto.AlgorithmAESGCM, entry.Key.Algorithm.Name)
	}
	if entry.CreatedAt.IsZero() {
		t.Fatal("expected CreatedAt to be set")
	}

	if _, ok := store.Get(ctx, "no-such-id"); ok {
		t.Fatal("lookup of unknown id should miss")
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	id, err := store.Register(ctx, testKey())
	if err != nil {
		t.Fatalf("failed to register key: %v", err)
	}

	if err := store.Delete(ctx, id); err != nil {
		t.Fatalf("failed to delete key: %v", err)
	}
	if _, ok := store.Get(ctx, id); ok {
		t.Fatal("deleted key still resolvable")
	}
	if err := store.Delete(ctx, id); err == nil {
		t.Fatal("expected error deleting an unknown id")
	}
}

func TestMemoryStore_MaxItems(t *testing.T) {
	store := NewMemoryStore(2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := store.Register(ctx, testKey()); err != nil {
			t.Fatalf("failed to register key %d: %v", i, err)
		}
	}
	if _, err := store.Register(ctx, testKey()); err == nil {
		t.Fatal("expected error registering beyond max items")
	}
}

func TestMemoryStore_Stats(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	id, _ := store.Register(ctx, testKey())
	store.Get(ctx, id)
	store.Get(ctx, "missing")

	stats := store.Stats()
	if stats.Items != 1 {
		t.Fatalf("expected 1 item, got %d", stats.Items)
	}
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("expected 1 hit and 1 miss, got %d/%d", stats.Hits, stats.Misses)
	}
}

func TestMemoryStore_List(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	id1, _ := store.Register(ctx, testKey())
	id2, _ := store.Register(ctx, testKey())

	ids := store.List(ctx)
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %d", len(ids))
	}
	found := map[string]bool{}
	for _, id := range ids {
		found[id] = true
	}
	if !found[id1] || !found[id2] {
		t.Fatal("List missing a registered id")
	}
}
