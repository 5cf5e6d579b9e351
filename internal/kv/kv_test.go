package kv

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://"+s.Addr(), "test:")
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

func TestRedisStoreSetGetDelete(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	if err := store.Set(ctx, "baseline:chat-1", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if !s.Exists("test:baseline:chat-1") {
		t.Fatal("expected prefixed key in redis")
	}

	got, err := store.Get(ctx, "baseline:chat-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != `{"a":1}` {
		t.Fatalf("unexpected value %s", got)
	}

	if err := store.Delete(ctx, "baseline:chat-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "baseline:chat-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestRedisStoreMissingKey(t *testing.T) {
	store, _ := setupTestRedis(t)
	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisStoreUnreachable(t *testing.T) {
	s := miniredis.RunT(t)
	addr := s.Addr()
	s.Close()

	if _, err := NewRedisStore("redis://"+addr, ""); err == nil {
		t.Fatal("expected connection error")
	}
}

func TestJSONHelpers(t *testing.T) {
	stores := map[string]Store{
		"memory": NewMemoryStore(),
	}
	redisStore, _ := setupTestRedis(t)
	stores["redis"] = redisStore

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			in := map[string][]string{"deletes": {"Items-row-1"}}
			if err := SetJSON(ctx, store, "ui:chat", in); err != nil {
				t.Fatalf("SetJSON: %v", err)
			}
			var out map[string][]string
			if err := GetJSON(ctx, store, "ui:chat", &out); err != nil {
				t.Fatalf("GetJSON: %v", err)
			}
			if len(out["deletes"]) != 1 || out["deletes"][0] != "Items-row-1" {
				t.Fatalf("unexpected value %v", out)
			}
		})
	}
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	value := []byte("abc")
	_ = store.Set(ctx, "k", value)
	value[0] = 'x'

	got, _ := store.Get(ctx, "k")
	if string(got) != "abc" {
		t.Fatalf("stored value aliased caller slice: %s", got)
	}
}
