package wxwork

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTokenCacheExpiry(t *testing.T) {
	t.Parallel()

	var fetches atomic.Int32
	now := time.Unix(1_700_000_000, 0)
	c := newTokenCache(func(context.Context) (string, time.Duration, error) {
		fetches.Add(1)
		return "tok", time.Hour, nil
	})
	c.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if _, err := c.Get(context.Background()); err != nil {
			t.Fatalf("Get: %v", err)
		}
	}
	if fetches.Load() != 1 {
		t.Fatalf("fetches = %d, want 1", fetches.Load())
	}

	// inside the renewal window
	now = now.Add(time.Hour - expirySkew + time.Second)
	if _, err := c.Get(context.Background()); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if fetches.Load() != 2 {
		t.Fatalf("fetches = %d, want 2 after expiry", fetches.Load())
	}
}

func TestTokenCacheInvalidateKeepsNewerToken(t *testing.T) {
	t.Parallel()

	var n atomic.Int32
	c := newTokenCache(func(context.Context) (string, time.Duration, error) {
		return "tok" + itoa(n.Add(1)), time.Hour, nil
	})
	ctx := context.Background()

	old, _ := c.Get(ctx)
	c.Invalidate(old)
	fresh, _ := c.Get(ctx)
	if fresh == old {
		t.Fatalf("token not refreshed: %q", fresh)
	}
	c.Invalidate(old)
	if got, _ := c.Get(ctx); got != fresh {
		t.Fatalf("stale invalidate dropped the fresh token: %q", got)
	}
}

func TestTokenCacheSingleFetchUnderConcurrency(t *testing.T) {
	t.Parallel()

	var fetches atomic.Int32
	c := newTokenCache(func(context.Context) (string, time.Duration, error) {
		fetches.Add(1)
		time.Sleep(10 * time.Millisecond)
		return "tok", time.Hour, nil
	})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Get(context.Background())
		}()
	}
	wg.Wait()
	if fetches.Load() != 1 {
		t.Fatalf("fetches = %d, want 1", fetches.Load())
	}
}
