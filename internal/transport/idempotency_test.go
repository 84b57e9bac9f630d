package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/approvals/model"
)

func testSignalResult() SignalResult {
	return SignalResult{
		Status: 200,
		Body:   json.RawMessage(`{"status":"Approved","completed":true}`),
	}
}

func assertConflict(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected conflict error")
	}
	if code := model.CodeOf(err); code != model.ErrConflict {
		t.Errorf("error code = %q, want %q", code, model.ErrConflict)
	}
}

// --- MemoryIdempotencyStore ---

func TestMemoryIdempotencyStore_CheckNotFound(t *testing.T) {
	store := NewMemoryIdempotencyStore()

	result, found, err := store.Check(context.Background(), "idem:t1:approve:k1", "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found || result != nil {
		t.Errorf("Check = %+v, %v; want nil, false", result, found)
	}
}

func TestMemoryIdempotencyStore_StoreAndCheck(t *testing.T) {
	store := NewMemoryIdempotencyStore()
	ctx := context.Background()
	key := FormatIdempotencyKey("t1", "approve", "k1")

	if err := store.Store(ctx, key, "hash-abc", testSignalResult(), 5*time.Minute); err != nil {
		t.Fatalf("Store error: %v", err)
	}

	result, found, err := store.Check(ctx, key, "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if !found || result == nil {
		t.Fatal("stored result not found")
	}
	if result.Status != 200 {
		t.Errorf("Status = %d, want 200", result.Status)
	}
	if string(result.Body) != `{"status":"Approved","completed":true}` {
		t.Errorf("Body = %s", result.Body)
	}
}

func TestMemoryIdempotencyStore_ConflictOnHashMismatch(t *testing.T) {
	store := NewMemoryIdempotencyStore()
	ctx := context.Background()
	key := FormatIdempotencyKey("t1", "reject", "k1")

	_ = store.Store(ctx, key, "hash-abc", testSignalResult(), 5*time.Minute)

	_, found, err := store.Check(ctx, key, "hash-different")
	if !found {
		t.Error("found = false, want true (key exists)")
	}
	assertConflict(t, err)
}

func TestMemoryIdempotencyStore_TTLExpiry(t *testing.T) {
	store := NewMemoryIdempotencyStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()
	key := "idem:t1:approve:k1"

	_ = store.Store(ctx, key, "hash-abc", testSignalResult(), time.Minute)
	now = now.Add(2 * time.Minute)

	result, found, err := store.Check(ctx, key, "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found || result != nil {
		t.Error("expired entry should not be found")
	}
	if store.Len() != 0 {
		t.Errorf("Len = %d, want 0 after expiry", store.Len())
	}
}

func TestFormatIdempotencyKey(t *testing.T) {
	got := FormatIdempotencyKey("tenant-1", "approve", "abc")
	if got != "idem:tenant-1:approve:abc" {
		t.Errorf("FormatIdempotencyKey = %q", got)
	}
}

// --- RedisIdempotencyStore ---

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisIdempotencyStore_StoreAndCheck(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewRedisIdempotencyStore(client)
	ctx := context.Background()
	key := FormatIdempotencyKey("t1", "approve", "k1")

	result, found, err := store.Check(ctx, key, "hash-abc")
	if err != nil || found || result != nil {
		t.Fatalf("Check before store = %+v, %v, %v", result, found, err)
	}

	if err := store.Store(ctx, key, "hash-abc", testSignalResult(), 5*time.Minute); err != nil {
		t.Fatalf("Store error: %v", err)
	}

	result, found, err = store.Check(ctx, key, "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if !found || result == nil || result.Status != 200 {
		t.Fatalf("Check = %+v, %v", result, found)
	}
}

func TestRedisIdempotencyStore_Conflict(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewRedisIdempotencyStore(client)
	ctx := context.Background()
	key := FormatIdempotencyKey("t1", "approve", "k1")

	_ = store.Store(ctx, key, "hash-abc", testSignalResult(), 5*time.Minute)

	_, found, err := store.Check(ctx, key, "hash-other")
	if !found {
		t.Error("found = false, want true")
	}
	assertConflict(t, err)
}

func TestRedisIdempotencyStore_TTLExpiry(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisIdempotencyStore(client)
	ctx := context.Background()
	key := FormatIdempotencyKey("t1", "approve", "k1")

	_ = store.Store(ctx, key, "hash-abc", testSignalResult(), time.Minute)
	mr.FastForward(2 * time.Minute)

	_, found, err := store.Check(ctx, key, "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found {
		t.Error("expired key should not be found")
	}
}

func TestRedisIdempotencyStore_Unavailable(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisIdempotencyStore(client)
	mr.Close()

	if _, _, err := store.Check(context.Background(), "idem:t1:approve:k1", "h"); err == nil {
		t.Error("expected error when redis is down")
	}
}
