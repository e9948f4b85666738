package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStoreFromClient(client), mr
}

func TestRedisStoreResolve(t *testing.T) {
	store, mr := newTestRedisStore(t)
	if err := mr.Set(redisKeyPrefix+"abc-123", `{"greetingText":"Hi Sam","displayName":"Sam","direction":"outbound"}`); err != nil {
		t.Fatalf("seed error = %v", err)
	}

	got, err := store.Resolve(context.Background(), "abc-123")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.GreetingText != "Hi Sam" || got.DisplayName != "Sam" {
		t.Fatalf("unexpected profile: %+v", got.Profile)
	}
	if got.Direction != DirectionOutbound {
		t.Fatalf("Direction = %q, want %q", got.Direction, DirectionOutbound)
	}
}

func TestRedisStoreMissingAndMalformed(t *testing.T) {
	store, mr := newTestRedisStore(t)
	if err := mr.Set(redisKeyPrefix+"garbled", "not json"); err != nil {
		t.Fatalf("seed error = %v", err)
	}

	for _, id := range []string{"missing", "garbled"} {
		if _, err := store.Resolve(context.Background(), id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Resolve(%q) error = %v, want ErrNotFound", id, err)
		}
	}
}

func TestRedisStorePutSetsTTL(t *testing.T) {
	store, mr := newTestRedisStore(t)
	err := store.Put(context.Background(), "s1", Record{Profile: Profile{InitialUtterance: "hello"}}, 10*time.Minute)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if ttl := mr.TTL(redisKeyPrefix + "s1"); ttl != 10*time.Minute {
		t.Fatalf("TTL = %v, want %v", ttl, 10*time.Minute)
	}

	mr.FastForward(11 * time.Minute)
	if _, err := store.Resolve(context.Background(), "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Resolve() error = %v, want ErrNotFound after ttl", err)
	}
}

func TestRedisStoreUnreachableIsNotNotFound(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisStoreFromClient(client)

	_, err := store.Resolve(context.Background(), "s1")
	if err == nil {
		t.Fatalf("Resolve() error = nil, want connection error")
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("Resolve() error = %v, want store failure distinct from ErrNotFound", err)
	}
}
