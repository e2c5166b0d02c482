// Package token caches credentials for an authenticated external API:
// a long-lived refresh token and a short-lived id token with expiry.
// The cache refreshes transparently and coalesces concurrent refreshes.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// ErrNotCached is returned by Store.Get when no record exists for a key.
var ErrNotCached = errors.New("token not cached")

// Record holds cached credentials for one logical identity.
type Record struct {
	Key           string    `json:"key"`
	RefreshToken  string    `json:"refresh_token"`
	IDToken       string    `json:"id_token"`
	IDTokenExpiry time.Time `json:"id_token_expiry"`
}

// Store is the pluggable backing store. The store's TTL is configured at
// construction, slightly shorter than the token's own lifetime.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Put(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, key string) error
}

const memoryStoreSize = 64

// MemoryStore keeps records in an in-process expirable LRU.
type MemoryStore struct {
	lru *expirable.LRU[string, Record]
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{lru: expirable.NewLRU[string, Record](memoryStoreSize, nil, ttl)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	rec, ok := m.lru.Get(key)
	if !ok {
		return nil, ErrNotCached
	}
	return &rec, nil
}

func (m *MemoryStore) Put(_ context.Context, rec *Record) error {
	m.lru.Add(rec.Key, *rec)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.lru.Remove(key)
	return nil
}

// RedisStore keeps records in Redis so all workers share one cache.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: "marketbeat:token:", ttl: ttl}
}

func (r *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotCached
	}
	if err != nil {
		return nil, fmt.Errorf("token get %s: %w", key, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("token decode %s: %w", key, err)
	}
	return &rec, nil
}

func (r *RedisStore) Put(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.prefix+rec.Key, data, r.ttl).Err()
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}
