package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })
	return server, client
}

func TestRedisStore_PrefixesKeys(t *testing.T) {
	server, client := newMiniredis(t)
	store := NewRedisStore(client, " rhci: ")
	ctx := context.Background()

	if err := store.Set(ctx, "azampay_token", []byte("abc"), time.Minute); err != nil {
		t.Fatalf("set returned error: %v", err)
	}
	raw, err := server.Get("rhci:cache:azampay_token")
	if err != nil || raw != "abc" {
		t.Fatalf("expected value under prefixed key, got %q (err %v)", raw, err)
	}
	if ttl := server.TTL("rhci:cache:azampay_token"); ttl != time.Minute {
		t.Fatalf("expected a one minute ttl, got %s", ttl)
	}

	got, err := store.Get(ctx, "azampay_token")
	if err != nil || string(got) != "abc" {
		t.Fatalf("expected abc, got %q (err %v)", got, err)
	}
}

func TestRedisStore_DefaultPrefix(t *testing.T) {
	server, client := newMiniredis(t)
	store := NewRedisStore(client, "")

	_ = store.Set(context.Background(), "k", []byte("v"), time.Minute)
	if !server.Exists("donations:cache:k") {
		t.Fatalf("expected key under the default prefix, have %v", server.Keys())
	}
}

func TestRedisStore_MissAndExpiry(t *testing.T) {
	server, client := newMiniredis(t)
	store := NewRedisStore(client, "donations")
	ctx := context.Background()

	if _, err := store.Get(ctx, "absent"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss for absent key, got %v", err)
	}

	_ = store.Set(ctx, "providers:bank", []byte("[]"), time.Minute)
	server.FastForward(time.Minute)
	if _, err := store.Get(ctx, "providers:bank"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss after expiry, got %v", err)
	}
}

func TestRedisStore_NonPositiveTTLAndDelete(t *testing.T) {
	server, client := newMiniredis(t)
	store := NewRedisStore(client, "donations")
	ctx := context.Background()

	_ = store.Set(ctx, "k", []byte("v"), 0)
	if server.Exists("donations:cache:k") {
		t.Fatalf("expected ttl 0 not to be cached")
	}

	_ = store.Set(ctx, "k", []byte("v"), time.Minute)
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete returned error: %v", err)
	}
	if server.Exists("donations:cache:k") {
		t.Fatalf("expected key to be deleted")
	}
}

func TestRedisStore_ServerErrorIsNotAMiss(t *testing.T) {
	server, client := newMiniredis(t)
	store := NewRedisStore(client, "donations")

	server.SetError("LOADING Redis is loading the dataset in memory")
	_, err := store.Get(context.Background(), "k")
	if err == nil || errors.Is(err, ErrMiss) {
		t.Fatalf("expected a server error distinct from ErrMiss, got %v", err)
	}
}

func TestRedisRateLimiter_FixedWindow(t *testing.T) {
	server, client := newMiniredis(t)
	limiter := NewRedisRateLimiter(client, "donations:")
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		decision, err := limiter.Consume(ctx, "donation_initiate:ip:10.0.0.1", 2, time.Minute)
		if err != nil {
			t.Fatalf("consume returned error: %v", err)
		}
		if !decision.Allowed() || decision.Count != i {
			t.Fatalf("request %d: expected allowed with count %d, got %+v", i, i, decision)
		}
	}

	key := "donations:rate_limit:donation_initiate:ip:10.0.0.1"
	if ttl := server.TTL(key); ttl != time.Minute {
		t.Fatalf("expected window armed on the first hit, got ttl %s", ttl)
	}

	server.FastForward(20 * time.Second)
	decision, err := limiter.Consume(ctx, "donation_initiate:ip:10.0.0.1", 2, time.Minute)
	if err != nil {
		t.Fatalf("consume returned error: %v", err)
	}
	if decision.Allowed() || decision.RetryAfterSeconds() != 40 {
		t.Fatalf("expected limited with 40s left, got %+v (retry %d)", decision, decision.RetryAfterSeconds())
	}

	server.FastForward(40 * time.Second)
	decision, _ = limiter.Consume(ctx, "donation_initiate:ip:10.0.0.1", 2, time.Minute)
	if !decision.Allowed() || decision.Count != 1 {
		t.Fatalf("expected a fresh window, got %+v", decision)
	}
}

// A counter left without an expiry must be re-armed, or the subject would be
// limited forever.
func TestRedisRateLimiter_RearmsCounterWithoutTTL(t *testing.T) {
	server, client := newMiniredis(t)
	limiter := NewRedisRateLimiter(client, "donations")
	key := "donations:rate_limit:donation_initiate:donor:42"

	if err := server.Set(key, "7"); err != nil {
		t.Fatalf("seed counter: %v", err)
	}

	decision, err := limiter.Consume(context.Background(), "donation_initiate:donor:42", 5, time.Minute)
	if err != nil {
		t.Fatalf("consume returned error: %v", err)
	}
	if decision.Count != 8 || decision.Allowed() {
		t.Fatalf("expected count 8 over the limit, got %+v", decision)
	}
	if decision.RetryAfter != time.Minute {
		t.Fatalf("expected the full window as retry-after, got %s", decision.RetryAfter)
	}
	if ttl := server.TTL(key); ttl != time.Minute {
		t.Fatalf("expected the counter to be re-armed, got ttl %s", ttl)
	}
}

func TestRedisRateLimiter_SubSecondWindowIsRaised(t *testing.T) {
	server, client := newMiniredis(t)
	limiter := NewRedisRateLimiter(client, "donations")

	if _, err := limiter.Consume(context.Background(), "k", 1, 10*time.Millisecond); err != nil {
		t.Fatalf("consume returned error: %v", err)
	}
	if ttl := server.TTL("donations:rate_limit:k"); ttl != time.Second {
		t.Fatalf("expected a one second minimum window, got %s", ttl)
	}
}

func TestRedisRateLimiter_ServerErrorIsReturned(t *testing.T) {
	server, client := newMiniredis(t)
	limiter := NewRedisRateLimiter(client, "donations")

	server.SetError("READONLY You can't write against a read only replica.")
	if _, err := limiter.Consume(context.Background(), "k", 1, time.Minute); err == nil {
		t.Fatalf("expected the limiter to surface the server error")
	}
}
