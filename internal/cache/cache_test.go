package cache

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		if err := cache.Set(ctx, "key1", []byte("value1"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, "key2", []byte("value2"), time.Minute)

		if err := cache.Delete(ctx, "key2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		_ = cache.Set(ctx, "expiring", []byte("temp"), 10*time.Millisecond)

		val, _ := cache.Get(ctx, "expiring")
		if val == nil {
			t.Error("expected value before expiration")
		}

		time.Sleep(20 * time.Millisecond)

		val, _ = cache.Get(ctx, "expiring")
		if val != nil {
			t.Error("expected nil after expiration")
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		small := NewLRUCache(3)

		_ = small.Set(ctx, "a", []byte("1"), time.Minute)
		_ = small.Set(ctx, "b", []byte("2"), time.Minute)
		_ = small.Set(ctx, "c", []byte("3"), time.Minute)

		// Touch 'a' so 'b' becomes the eviction candidate.
		_, _ = small.Get(ctx, "a")
		_ = small.Set(ctx, "d", []byte("4"), time.Minute)

		if val, _ := small.Get(ctx, "b"); val != nil {
			t.Error("expected 'b' to be evicted")
		}
		if val, _ := small.Get(ctx, "a"); val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("Stats", func(t *testing.T) {
		statsCache := NewLRUCache(50)
		_ = statsCache.Set(ctx, "k1", []byte("v1"), time.Minute)
		_ = statsCache.Set(ctx, "k2", []byte("v2"), time.Minute)

		size, capacity := statsCache.Stats()
		if size != 2 {
			t.Errorf("expected size 2, got %d", size)
		}
		if capacity != 50 {
			t.Errorf("expected capacity 50, got %d", capacity)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := cache.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("Close", func(t *testing.T) {
		c := NewLRUCache(10)
		_ = c.Set(ctx, "k", []byte("v"), time.Minute)

		if err := c.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
		if val, _ := c.Get(ctx, "k"); val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestLRUAdmitWindow(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("RejectsPastLimit", func(t *testing.T) {
		c := NewLRUCache(10)

		for i := 0; i < 2; i++ {
			ok, count, err := c.AdmitWindow(ctx, "email", 2, time.Hour, base.Add(time.Duration(i)*time.Minute))
			if err != nil || !ok {
				t.Fatalf("event %d should be admitted: ok=%v err=%v", i, ok, err)
			}
			if count != int64(i+1) {
				t.Errorf("expected count %d, got %d", i+1, count)
			}
		}

		for i := 2; i < 4; i++ {
			ok, count, _ := c.AdmitWindow(ctx, "email", 2, time.Hour, base.Add(time.Duration(i)*time.Minute))
			if ok {
				t.Errorf("event %d should be rejected", i)
			}
			if count != 2 {
				t.Errorf("rejected events must not be recorded, count %d", count)
			}
		}
	})

	t.Run("EventsAgeOut", func(t *testing.T) {
		c := NewLRUCache(10)

		_, _, _ = c.AdmitWindow(ctx, "k", 1, time.Hour, base)
		if ok, _, _ := c.AdmitWindow(ctx, "k", 1, time.Hour, base.Add(59*time.Minute)); ok {
			t.Error("expected rejection inside window")
		}
		if ok, _, _ := c.AdmitWindow(ctx, "k", 1, time.Hour, base.Add(time.Hour)); !ok {
			t.Error("expected admission once the first event aged out")
		}
	})

	t.Run("KeysAreIndependent", func(t *testing.T) {
		c := NewLRUCache(10)

		_, _, _ = c.AdmitWindow(ctx, "a", 1, time.Hour, base)
		if ok, _, _ := c.AdmitWindow(ctx, "b", 1, time.Hour, base); !ok {
			t.Error("separate keys must not share a window")
		}
	})

	t.Run("ConcurrentAdmissions", func(t *testing.T) {
		c := NewLRUCache(10)

		var wg sync.WaitGroup
		var mu sync.Mutex
		admitted := 0
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if ok, _, _ := c.AdmitWindow(ctx, "burst", 10, time.Hour, base); ok {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if admitted != 10 {
			t.Errorf("expected exactly 10 admissions, got %d", admitted)
		}
	})
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cache, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		if _, ok := cache.(*LRUCache); !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

// redisAddr returns the address of a test Redis, skipping when none is set.
func redisAddr(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("KESTREL_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("KESTREL_TEST_REDIS_ADDR not set")
	}
	return addr
}

func TestRedisCache(t *testing.T) {
	addr := redisAddr(t)
	ctx := context.Background()

	rc, err := NewRedisCache(addr, "", 0)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer rc.Close()

	key := fmt.Sprintf("test-%d", time.Now().UnixNano())

	t.Run("SetGetDelete", func(t *testing.T) {
		if err := rc.Set(ctx, key, []byte("v"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if val, _ := rc.Get(ctx, key); string(val) != "v" {
			t.Errorf("expected 'v', got %q", val)
		}
		_ = rc.Delete(ctx, key)
		if val, _ := rc.Get(ctx, key); val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("AdmitWindow", func(t *testing.T) {
		now := time.Now()
		results := make([]bool, 4)
		for i := range results {
			results[i], _, err = rc.AdmitWindow(ctx, key+"-window", 2, time.Hour, now.Add(time.Duration(i)*time.Second))
			if err != nil {
				t.Fatalf("AdmitWindow failed: %v", err)
			}
		}
		want := []bool{true, true, false, false}
		for i := range want {
			if results[i] != want[i] {
				t.Errorf("event %d: expected %v, got %v", i, want[i], results[i])
			}
		}

		if ok, _, _ := rc.AdmitWindow(ctx, key+"-window", 2, time.Hour, now.Add(time.Hour+time.Second)); !ok {
			t.Error("expected admission after the window slid")
		}
	})

	t.Run("TwoPhase", func(t *testing.T) {
		tp := newTwoPhase(NewLRUCache(10), rc, time.Minute)

		_ = rc.Set(ctx, key+"-l2", []byte("from-l2"), time.Minute)
		if val, _ := tp.Get(ctx, key+"-l2"); string(val) != "from-l2" {
			t.Errorf("expected L2 read-through, got %q", val)
		}
		if val, _ := tp.local.Get(ctx, key+"-l2"); string(val) != "from-l2" {
			t.Error("expected L1 to be populated on L2 hit")
		}
	})
}
