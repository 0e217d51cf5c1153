package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(srv.Close)

	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewWithClient(rdb), srv
}

func TestStore_GetSet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "k1", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	got, err := store.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(got) != "v1" {
		t.Errorf("expected v1, got %q", got)
	}
}

func TestStore_GetMissReturnsNil(t *testing.T) {
	store, _ := newTestStore(t)

	got, err := store.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("miss should not error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil on miss, got %q", got)
	}
}

func TestStore_TTLExpiry(t *testing.T) {
	store, srv := newTestStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "k1", []byte("v1"), time.Second); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	srv.FastForward(2 * time.Second)

	got, err := store.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected expired key to miss, got %q", got)
	}
}

func TestStore_DeletePattern(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	keys := []string{
		"op:t1:search_read:res.partner:aaaa",
		"op:t1:search_read:res.partner:bbbb",
		"op:t1:read:res.partner:cccc",
		"op:t1:search_read:sale.order:dddd",
		"op:t2:search_read:res.partner:eeee",
	}
	for _, k := range keys {
		if err := store.Set(ctx, k, []byte("x"), 0); err != nil {
			t.Fatalf("set %s failed: %v", k, err)
		}
	}

	n, err := store.DeletePattern(ctx, "op:t1:search_read:res.partner:*")
	if err != nil {
		t.Fatalf("delete pattern failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 deleted, got %d", n)
	}

	// Other tenants and models must survive.
	for _, k := range []string{keys[2], keys[3], keys[4]} {
		ok, err := store.Exists(ctx, k)
		if err != nil {
			t.Fatalf("exists failed: %v", err)
		}
		if !ok {
			t.Errorf("key %s should have survived pattern delete", k)
		}
	}
}

func TestStore_DeletePatternManyKeys(t *testing.T) {
	// More keys than one SCAN chunk, to exercise cursor iteration.
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 350; i++ {
		key := fmt.Sprintf("op:t1:read:res.partner:%04d", i)
		if err := store.Set(ctx, key, []byte("x"), 0); err != nil {
			t.Fatalf("set failed: %v", err)
		}
	}

	n, err := store.DeletePattern(ctx, "op:t1:read:res.partner:*")
	if err != nil {
		t.Fatalf("delete pattern failed: %v", err)
	}
	if n != 350 {
		t.Errorf("expected 350 deleted, got %d", n)
	}

	remaining, err := store.DeletePattern(ctx, "op:t1:read:res.partner:*")
	if err != nil {
		t.Fatalf("second delete pattern failed: %v", err)
	}
	if remaining != 0 {
		t.Errorf("expected 0 keys remaining, got %d", remaining)
	}
}

func TestStore_IncrementAndExpiry(t *testing.T) {
	store, srv := newTestStore(t)
	ctx := context.Background()

	n, err := store.Increment(ctx, "rl:t1", 1)
	if err != nil {
		t.Fatalf("increment failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1, got %d", n)
	}

	n, err = store.Increment(ctx, "rl:t1", 5)
	if err != nil {
		t.Fatalf("increment failed: %v", err)
	}
	if n != 6 {
		t.Errorf("expected 6, got %d", n)
	}

	if err := store.SetExpiry(ctx, "rl:t1", time.Second); err != nil {
		t.Fatalf("set expiry failed: %v", err)
	}

	srv.FastForward(2 * time.Second)

	ok, err := store.Exists(ctx, "rl:t1")
	if err != nil {
		t.Fatalf("exists failed: %v", err)
	}
	if ok {
		t.Error("counter should have expired")
	}
}
