package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T, prefix string) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, prefix), server
}

func TestRedisStoreRespectsTTL(t *testing.T) {
	store, server := newRedisStore(t, "rag:response")
	ctx := context.Background()

	if err := store.Put(ctx, "k", []byte("answer"), 5*time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	if !server.Exists("rag:response:k") {
		t.Fatalf("expected prefixed key in redis, keys=%v", server.Keys())
	}
	value, ok, err := store.Get(ctx, "k")
	if err != nil || !ok || string(value) != "answer" {
		t.Fatalf("expected hit, got ok=%v value=%q err=%v", ok, value, err)
	}

	server.FastForward(5 * time.Minute)
	if _, ok, err := store.Get(ctx, "k"); ok || err != nil {
		t.Fatalf("expected expired miss, got ok=%v err=%v", ok, err)
	}
}

func TestRedisStorePurgeOnlyTouchesPrefix(t *testing.T) {
	store, server := newRedisStore(t, "rag:response:")
	ctx := context.Background()
	for i := 0; i < 250; i++ {
		_ = store.Put(ctx, fmt.Sprintf("k%d", i), []byte("v"), time.Hour)
	}
	if err := server.Set("rag:embedding:keep", "v"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := store.Purge(ctx); err != nil {
		t.Fatalf("purge: %v", err)
	}
	keys := server.Keys()
	if len(keys) != 1 || keys[0] != "rag:embedding:keep" {
		t.Fatalf("expected only foreign key to remain, got %v", keys)
	}
}

func TestRedisStoreGetFailsWhenUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisStore(client, "rag:embedding")

	if _, ok, err := store.Get(context.Background(), "k"); ok || err == nil {
		t.Fatalf("expected error on closed server, got ok=%v err=%v", ok, err)
	}
}
