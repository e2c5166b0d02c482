package token

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisStore_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	st := NewRedisStore(client, time.Hour)
	ctx := context.Background()

	if _, err := st.Get(ctx, "absent"); !errors.Is(err, ErrNotCached) {
		t.Errorf("Get(absent) = %v, want ErrNotCached", err)
	}

	rec := &Record{
		Key:           "market_api",
		RefreshToken:  "refresh",
		IDToken:       "id",
		IDTokenExpiry: time.Now().Add(time.Hour).UTC(),
	}
	if err := st.Put(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := st.Get(ctx, "market_api")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.IDToken != "id" || got.RefreshToken != "refresh" {
		t.Errorf("got %+v, want stored record", got)
	}

	if err := st.Delete(ctx, "market_api"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.Get(ctx, "market_api"); !errors.Is(err, ErrNotCached) {
		t.Errorf("Get after delete = %v, want ErrNotCached", err)
	}
}

func TestRedisStore_TTLExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	st := NewRedisStore(client, time.Minute)
	ctx := context.Background()

	if err := st.Put(ctx, &Record{Key: "k", IDToken: "i"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	mr.FastForward(2 * time.Minute)
	if _, err := st.Get(ctx, "k"); !errors.Is(err, ErrNotCached) {
		t.Errorf("Get after TTL = %v, want ErrNotCached", err)
	}
}
