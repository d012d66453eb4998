package tilecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jaennil/guide_helper/media/internal/entity"
	"github.com/jaennil/guide_helper/media/pkg/logger"
)

func newTestCache(t testing.TB, cfg Config) *Cache {
	t.Helper()
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = 100
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = 1 << 20
	}
	c, err := New(cfg, logger.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func key(asset string, x int) Key {
	return Key{AssetID: asset, Version: 1, Z: 10, X: x, Y: 1, Style: 42}
}

func value(data string) ComputeFunc {
	return func(context.Context) (Entry, error) {
		return Entry{Data: []byte(data), ContentType: "image/png"}, nil
	}
}

func TestGetOrComputeSingleFlight(t *testing.T) {
	c := newTestCache(t, Config{})
	var calls atomic.Int32
	release := make(chan struct{})
	fn := func(context.Context) (Entry, error) {
		calls.Add(1)
		<-release
		return Entry{Data: []byte(fmt.Sprintf("tile-%d", calls.Load()))}, nil
	}

	const n = 32
	results := make([][]byte, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := c.GetOrCompute(context.Background(), key("a", 1), fn)
			if err != nil {
				t.Errorf("GetOrCompute: %v", err)
				return
			}
			results[i] = e.Data
		}()
	}
	for c.Stats().Joins+c.Stats().Misses < n {
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("fn ran %d times, want 1", calls.Load())
	}
	for _, r := range results {
		if !bytes.Equal(r, results[0]) {
			t.Fatalf("callers got different bytes: %q vs %q", r, results[0])
		}
	}
	if s := c.Stats(); s.Misses != 1 || s.Joins != n-1 || s.Entries != 1 || s.InFlight != 0 {
		t.Fatalf("Stats = %+v", s)
	}

	e, err := c.GetOrCompute(context.Background(), key("a", 1), value("other"))
	if err != nil || string(e.Data) != "tile-1" || c.Stats().Hits != 1 {
		t.Fatalf("cached lookup = %q, %v (stats %+v)", e.Data, err, c.Stats())
	}
}

func TestAbandonedWaitStillPopulates(t *testing.T) {
	c := newTestCache(t, Config{})
	release := make(chan struct{})
	finished := make(chan struct{})
	fn := func(ctx context.Context) (Entry, error) {
		defer close(finished)
		<-release
		if ctx.Err() != nil {
			return Entry{}, ctx.Err()
		}
		return Entry{Data: []byte("late")}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.GetOrCompute(ctx, key("a", 1), fn)
		errc <- err
	}()
	for c.Stats().InFlight == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("abandoned wait = %v, want context.Canceled", err)
	}

	close(release)
	<-finished
	for c.Stats().InFlight != 0 {
		time.Sleep(time.Millisecond)
	}
	e, err := c.GetOrCompute(context.Background(), key("a", 1), value("recomputed"))
	if err != nil || string(e.Data) != "late" {
		t.Fatalf("after abandoned wait got %q, %v", e.Data, err)
	}
}

func TestComputeFailurePropagatesAndRetries(t *testing.T) {
	c := newTestCache(t, Config{})
	boom := fmt.Errorf("decode: %w", entity.ErrCorruptRaster)
	release := make(chan struct{})
	fn := func(context.Context) (Entry, error) {
		<-release
		return Entry{}, boom
	}

	const n = 5
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.GetOrCompute(context.Background(), key("a", 1), fn)
		}()
	}
	for c.Stats().Joins+c.Stats().Misses < n {
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()

	for _, err := range errs {
		var ce *ComputeError
		if !errors.As(err, &ce) || !errors.Is(err, entity.ErrCacheComputeFailure) || !errors.Is(err, entity.ErrCorruptRaster) {
			t.Fatalf("waiter error = %v", err)
		}
	}

	e, err := c.GetOrCompute(context.Background(), key("a", 1), value("ok"))
	if err != nil || string(e.Data) != "ok" {
		t.Fatalf("retry after failure = %q, %v", e.Data, err)
	}
}

func TestPanicBecomesComputeError(t *testing.T) {
	c := newTestCache(t, Config{})
	_, err := c.GetOrCompute(context.Background(), key("a", 1), func(context.Context) (Entry, error) {
		panic("bad tile")
	})
	if !errors.Is(err, entity.ErrCacheComputeFailure) {
		t.Fatalf("panicking compute = %v", err)
	}
	if c.Stats().InFlight != 0 {
		t.Fatal("in-flight marker left behind")
	}
}

func TestUnrelatedKeyNotBlocked(t *testing.T) {
	c := newTestCache(t, Config{})
	release := make(chan struct{})
	defer close(release)
	go c.GetOrCompute(context.Background(), key("slow", 1), func(context.Context) (Entry, error) {
		<-release
		return Entry{}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := c.GetOrCompute(ctx, key("fast", 1), value("x")); err != nil {
		t.Fatalf("unrelated key blocked: %v", err)
	}
}

func TestEvictionByBytesAndEntries(t *testing.T) {
	c := newTestCache(t, Config{MaxBytes: 30, MaxEntries: 100})
	ctx := context.Background()
	for i := range 4 {
		if _, err := c.GetOrCompute(ctx, key("a", i), value("0123456789")); err != nil {
			t.Fatalf("GetOrCompute: %v", err)
		}
	}
	s := c.Stats()
	if s.Entries != 3 || s.Bytes != 30 || s.Evictions != 1 {
		t.Fatalf("after byte pressure Stats = %+v", s)
	}

	// Oldest key is gone, the newest is still served.
	var calls atomic.Int32
	counting := func(context.Context) (Entry, error) {
		calls.Add(1)
		return Entry{Data: []byte("0123456789")}, nil
	}
	c.GetOrCompute(ctx, key("a", 3), counting)
	c.GetOrCompute(ctx, key("a", 0), counting)
	if calls.Load() != 1 {
		t.Fatalf("recomputed %d tiles, want only the evicted one", calls.Load())
	}

	small := newTestCache(t, Config{MaxBytes: 1 << 20, MaxEntries: 2})
	for i := range 3 {
		small.GetOrCompute(ctx, key("a", i), value("x"))
	}
	if s := small.Stats(); s.Entries != 2 || s.Bytes != 2 {
		t.Fatalf("after entry pressure Stats = %+v", s)
	}

	if _, err := c.GetOrCompute(ctx, key("big", 1), value(string(make([]byte, 31)))); err != nil {
		t.Fatalf("oversized tile: %v", err)
	}
	if c.Stats().Bytes > 30 {
		t.Fatal("oversized tile was stored")
	}
}

func TestMaxAge(t *testing.T) {
	c := newTestCache(t, Config{MaxAge: time.Minute})
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	c.GetOrCompute(ctx, key("a", 1), value("v1"))
	now = now.Add(30 * time.Second)
	if e, _ := c.GetOrCompute(ctx, key("a", 1), value("v2")); string(e.Data) != "v1" {
		t.Fatalf("fresh entry = %q", e.Data)
	}
	now = now.Add(31 * time.Second)
	if e, _ := c.GetOrCompute(ctx, key("a", 1), value("v2")); string(e.Data) != "v2" {
		t.Fatalf("expired entry served: %q", e.Data)
	}
}

func TestInvalidate(t *testing.T) {
	c := newTestCache(t, Config{})
	ctx := context.Background()
	c.GetOrCompute(ctx, key("a", 1), value("old"))
	c.GetOrCompute(ctx, key("b", 1), value("other"))

	c.Invalidate("a")
	if e, _ := c.GetOrCompute(ctx, key("a", 1), value("new")); string(e.Data) != "new" {
		t.Fatalf("invalidated asset served %q", e.Data)
	}
	if e, _ := c.GetOrCompute(ctx, key("b", 1), value("x")); string(e.Data) != "other" {
		t.Fatalf("unrelated asset recomputed: %q", e.Data)
	}

	// A render that straddles an invalidation is returned but not cached.
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.GetOrCompute(ctx, key("a", 2), func(context.Context) (Entry, error) {
			<-release
			return Entry{Data: []byte("stale")}, nil
		})
	}()
	for c.Stats().InFlight == 0 {
		time.Sleep(time.Millisecond)
	}
	c.Invalidate("a")
	close(release)
	<-done
	if e, _ := c.GetOrCompute(ctx, key("a", 2), value("fresh")); string(e.Data) != "fresh" {
		t.Fatalf("stale render was cached: %q", e.Data)
	}

	// A version bump from the registry is a different key.
	k := key("b", 1)
	k.Version = 2
	if e, _ := c.GetOrCompute(ctx, k, value("v2")); string(e.Data) != "v2" {
		t.Fatalf("new version served %q", e.Data)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(Config{MaxBytes: 1}, logger.NewNop()); err == nil {
		t.Fatal("zero entries accepted")
	}
	if _, err := New(Config{MaxEntries: 1}, logger.NewNop()); err == nil {
		t.Fatal("zero bytes accepted")
	}
}
