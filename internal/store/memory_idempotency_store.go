package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// InMemoryIdempotencyStore implements IdempotencyStore using a map
type InMemoryIdempotencyStore struct {
	data    map[string]*cacheItem
	mu      sync.RWMutex
	maxSize int
	clock   func() time.Time
	logger  *zap.Logger
}

type cacheItem struct {
	value     []byte
	expiresAt time.Time
}

// NewInMemoryIdempotencyStore creates a bounded in-memory store
func NewInMemoryIdempotencyStore(maxSize int, clock func() time.Time, logger *zap.Logger) *InMemoryIdempotencyStore {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if clock == nil {
		clock = time.Now
	}
	return &InMemoryIdempotencyStore{
		data:    make(map[string]*cacheItem),
		maxSize: maxSize,
		clock:   clock,
		logger:  logger,
	}
}

// Get retrieves a value
func (s *InMemoryIdempotencyStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, exists := s.data[key]
	if !exists || s.clock().After(item.expiresAt) {
		return nil, ErrNotFound
	}
	return item.value, nil
}

// Set stores a value with TTL, evicting when full
func (s *InMemoryIdempotencyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[key]; !exists && len(s.data) >= s.maxSize {
		s.evictLocked()
	}
	s.data[key] = &cacheItem{
		value:     append([]byte(nil), value...),
		expiresAt: s.clock().Add(ttl),
	}
	return nil
}

// SetNX stores a value only when the key is absent or expired
func (s *InMemoryIdempotencyStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	item, exists := s.data[key]
	if exists && !now.After(item.expiresAt) {
		return false, nil
	}
	if !exists && len(s.data) >= s.maxSize {
		s.evictLocked()
	}
	s.data[key] = &cacheItem{
		value:     append([]byte(nil), value...),
		expiresAt: now.Add(ttl),
	}
	return true, nil
}

// evictLocked drops expired entries, or the entry closest to expiry
func (s *InMemoryIdempotencyStore) evictLocked() {
	now := s.clock()
	var oldestKey string
	var oldest time.Time
	for k, v := range s.data {
		if now.After(v.expiresAt) {
			delete(s.data, k)
			continue
		}
		if oldestKey == "" || v.expiresAt.Before(oldest) {
			oldestKey, oldest = k, v.expiresAt
		}
	}
	if len(s.data) >= s.maxSize && oldestKey != "" {
		delete(s.data, oldestKey)
		s.logger.Debug("Evicted retry cache entry", zap.String("key", oldestKey))
	}
}

// Delete removes a value
func (s *InMemoryIdempotencyStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Ping always succeeds
func (s *InMemoryIdempotencyStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (s *InMemoryIdempotencyStore) Close() error {
	return nil
}

// Size returns the number of stored entries
func (s *InMemoryIdempotencyStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
