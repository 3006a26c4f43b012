// --- File: internal/storage/cache/store.go ---
package cache

import (
	"context"
	"time"

	"github.com/tinywideclouds/go-push-receiver/pkg/receiver"
)

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get returns the value or receiver.ErrNotFound if not present.
	Get(ctx context.Context, key string, dest any) error
	// Set stores the value with a TTL.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	// Del removes the key.
	Del(ctx context.Context, key string) error
}

// CachedStore is a Decorator that adds Read-Aside caching to any receiver.Store.
type CachedStore struct {
	realStore receiver.Store
	cache     CacheClient
	ttl       time.Duration
}

// NewCachedStore creates the decorator.
func NewCachedStore(realStore receiver.Store, cache CacheClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
	}
}

// --- READ PATH (Read-Aside) ---

func (s *CachedStore) Get(ctx context.Context, key string, dest any) error {
	cacheKey := s.cacheKey(key)

	if err := s.cache.Get(ctx, cacheKey, dest); err == nil {
		return nil
	}

	// Fall back to the source of truth. ErrNotFound is passed through
	// untouched and never cached, so a later Set is visible immediately.
	if err := s.realStore.Get(ctx, key, dest); err != nil {
		return err
	}

	// Caching is an optimization; a failed fill only costs a later miss.
	_ = s.cache.Set(ctx, cacheKey, dest, s.ttl)
	return nil
}

// --- WRITE PATH (Invalidate-on-Write) ---

func (s *CachedStore) Set(ctx context.Context, key string, value any) error {
	if err := s.realStore.Set(ctx, key, value); err != nil {
		return err
	}
	return s.cache.Del(ctx, s.cacheKey(key))
}

func (s *CachedStore) cacheKey(key string) string {
	return "pushreceiver:kv:" + key
}
