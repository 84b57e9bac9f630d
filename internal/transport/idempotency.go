package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/approvals/model"
)

// SignalResult is the response recorded for an idempotent signal.
type SignalResult struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// IdempotencyStore deduplicates signals sent with an Idempotency-Key
// header. Keys have the form "idem:{tenant}:{action}:{key}".
type IdempotencyStore interface {
	// Check looks up a previous result by key. If the key exists and the
	// input hash matches, it returns the recorded result. If the key exists
	// but the hash differs, it returns a CONFLICT error.
	Check(ctx context.Context, key string, inputHash string) (result *SignalResult, found bool, err error)

	// Store records a result under the key with a TTL.
	Store(ctx context.Context, key string, inputHash string, result SignalResult, ttl time.Duration) error
}

type idempotencyEntry struct {
	InputHash string       `json:"input_hash"`
	Result    SignalResult `json:"result"`
}

func conflict(key string) error {
	return model.NewConflictError(
		fmt.Sprintf("idempotency key %q already used with different input", key),
	)
}

// MemoryIdempotencyStore is an in-memory IdempotencyStore with TTL support.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	data      idempotencyEntry
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates a new in-memory idempotency store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// Check implements IdempotencyStore.
func (s *MemoryIdempotencyStore) Check(_ context.Context, key string, inputHash string) (*SignalResult, bool, error) {
	s.mu.RLock()
	entry, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}
	if s.now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	if entry.data.InputHash != inputHash {
		return nil, true, conflict(key)
	}

	result := entry.data.Result
	return &result, true, nil
}

// Store implements IdempotencyStore.
func (s *MemoryIdempotencyStore) Store(_ context.Context, key string, inputHash string, result SignalResult, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memEntry{
		data:      idempotencyEntry{InputHash: inputHash, Result: result},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// RedisIdempotencyStore is a Redis-backed IdempotencyStore.
type RedisIdempotencyStore struct {
	client redis.Cmdable
}

// NewRedisIdempotencyStore creates a new Redis-backed idempotency store.
func NewRedisIdempotencyStore(client redis.Cmdable) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

// Check implements IdempotencyStore.
func (s *RedisIdempotencyStore) Check(ctx context.Context, key string, inputHash string) (*SignalResult, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var entry idempotencyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	if entry.InputHash != inputHash {
		return nil, true, conflict(key)
	}
	return &entry.Result, true, nil
}

// Store implements IdempotencyStore.
func (s *RedisIdempotencyStore) Store(ctx context.Context, key string, inputHash string, result SignalResult, ttl time.Duration) error {
	data, err := json.Marshal(idempotencyEntry{InputHash: inputHash, Result: result})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// FormatIdempotencyKey builds the idempotency key for a tenant's signal.
func FormatIdempotencyKey(tenantID, action, key string) string {
	return fmt.Sprintf("idem:%s:%s:%s", tenantID, action, key)
}
