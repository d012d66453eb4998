package raster

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jaennil/guide_helper/media/internal/raster/rastertest"
	"github.com/jaennil/guide_helper/media/pkg/logger"
)

type closeTracker struct {
	*bytes.Reader
	closed atomic.Bool
}

func (c *closeTracker) Close() error {
	c.closed.Store(true)
	return nil
}

func trackedOpener(t *testing.T, opens *atomic.Int32, sources *[]*closeTracker, mu *sync.Mutex) Opener {
	data := rastertest.MustEncode(rastertest.Geo(16, 16, 1, 0, 0, 1, 1))
	return func(context.Context) (*Handle, error) {
		opens.Add(1)
		time.Sleep(5 * time.Millisecond)
		src := &closeTracker{Reader: bytes.NewReader(data)}
		mu.Lock()
		*sources = append(*sources, src)
		mu.Unlock()
		return Open(src)
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestPoolOpensOncePerKey(t *testing.T) {
	p := NewPool(4, time.Minute, logger.NewNop())
	defer p.Close()

	var opens atomic.Int32
	var sources []*closeTracker
	var mu sync.Mutex
	open := trackedOpener(t, &opens, &sources, &mu)

	var wg sync.WaitGroup
	handles := make([]*Handle, 16)
	for i := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, release, err := p.Acquire(context.Background(), "a:1", open)
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			defer release()
			handles[i] = h
		}()
	}
	wg.Wait()

	if n := opens.Load(); n != 1 {
		t.Fatalf("opened %d times, want 1", n)
	}
	for _, h := range handles[1:] {
		if h != handles[0] {
			t.Fatal("borrowers got different handles")
		}
	}
}

func TestPoolInvalidateClosesAfterRelease(t *testing.T) {
	p := NewPool(4, time.Minute, logger.NewNop())
	defer p.Close()

	var opens atomic.Int32
	var sources []*closeTracker
	var mu sync.Mutex
	open := trackedOpener(t, &opens, &sources, &mu)

	h1, release, err := p.Acquire(context.Background(), "a:1", open)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Invalidate("a:1")

	// Still borrowed: must stay open and readable.
	if _, err := h1.ReadWindow(context.Background(), Window{X1: 16, Y1: 16}, 4, 4); err != nil {
		t.Fatalf("read after invalidate: %v", err)
	}
	if sources[0].closed.Load() {
		t.Fatal("borrowed handle closed")
	}

	h2, release2, err := p.Acquire(context.Background(), "a:1", open)
	if err != nil {
		t.Fatalf("Acquire after invalidate: %v", err)
	}
	defer release2()
	if h2 == h1 || opens.Load() != 2 {
		t.Fatalf("invalidated key was not reopened (opens=%d)", opens.Load())
	}

	release()
	release() // second call is a no-op
	eventually(t, sources[0].closed.Load)
}

func TestPoolExpiresIdleHandles(t *testing.T) {
	p := NewPool(4, 20*time.Millisecond, logger.NewNop())
	defer p.Close()

	var opens atomic.Int32
	var sources []*closeTracker
	var mu sync.Mutex
	open := trackedOpener(t, &opens, &sources, &mu)

	_, release, err := p.Acquire(context.Background(), "a:1", open)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release()

	eventually(t, func() bool { return p.Len() == 0 })
	eventually(t, sources[0].closed.Load)
}

func TestPoolCapacity(t *testing.T) {
	p := NewPool(1, time.Minute, logger.NewNop())
	defer p.Close()

	var opens atomic.Int32
	var sources []*closeTracker
	var mu sync.Mutex
	open := trackedOpener(t, &opens, &sources, &mu)

	for _, key := range []string{"a:1", "b:1"} {
		_, release, err := p.Acquire(context.Background(), key, open)
		if err != nil {
			t.Fatalf("Acquire %s: %v", key, err)
		}
		release()
	}
	if p.Len() != 1 {
		t.Fatalf("Len = %d, want 1", p.Len())
	}
	eventually(t, sources[0].closed.Load)
}

func TestPoolOpenError(t *testing.T) {
	p := NewPool(4, time.Minute, logger.NewNop())
	defer p.Close()

	boom := errors.New("boom")
	_, _, err := p.Acquire(context.Background(), "a:1", func(context.Context) (*Handle, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Acquire = %v, want boom", err)
	}
	if p.Len() != 0 {
		t.Fatal("failed open was pooled")
	}
}
