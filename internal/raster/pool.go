package raster

import (
	"context"
	"sync"
	"time"

	"github.com/jaennil/guide_helper/media/pkg/logger"
	"github.com/jellydator/ttlcache/v3"
)

// Opener opens a fresh handle for one pool key.
type Opener func(ctx context.Context) (*Handle, error)

// Pool shares open handles per key. Handles idle for longer than the TTL, or
// pushed out by capacity, are closed once their last borrower releases them.
// Opening happens outside the pool lock; concurrent borrowers of a key that is
// being opened wait for that single open.
type Pool struct {
	mu      sync.Mutex
	handles *ttlcache.Cache[string, *pooled]
	opening map[string]*opening
	logger  logger.Logger
}

type pooled struct {
	mu      sync.Mutex
	h       *Handle
	refs    int
	evicted bool
}

type opening struct {
	done chan struct{}
	err  error
}

func NewPool(size int, idle time.Duration, l logger.Logger) *Pool {
	opts := []ttlcache.Option[string, *pooled]{ttlcache.WithTTL[string, *pooled](idle)}
	if size > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, *pooled](uint64(size)))
	}
	p := &Pool{
		handles: ttlcache.New[string, *pooled](opts...),
		opening: make(map[string]*opening),
		logger:  l,
	}
	p.handles.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *pooled]) {
		p.logger.Debug("raster handle evicted", "key", item.Key(), "reason", reason)
		item.Value().evict(p.logger)
	})
	go p.handles.Start()
	return p
}

// Acquire borrows the handle for key, opening it with open on a miss. The
// returned release func must be called exactly once when the caller is done.
func (p *Pool) Acquire(ctx context.Context, key string, open Opener) (*Handle, func(), error) {
	for {
		p.mu.Lock()
		if item := p.handles.Get(key); item != nil {
			e := item.Value()
			if e.acquire() {
				p.mu.Unlock()
				return e.h, e.releaser(p.logger), nil
			}
			p.handles.Delete(key)
		}

		if op, ok := p.opening[key]; ok {
			p.mu.Unlock()
			select {
			case <-op.done:
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
			if op.err != nil {
				return nil, nil, op.err
			}
			continue
		}

		op := &opening{done: make(chan struct{})}
		p.opening[key] = op
		p.mu.Unlock()

		h, err := open(ctx)

		p.mu.Lock()
		delete(p.opening, key)
		var e *pooled
		if err == nil {
			e = &pooled{h: h, refs: 1}
			p.handles.Set(key, e, ttlcache.DefaultTTL)
		}
		op.err = err
		p.mu.Unlock()
		close(op.done)

		if err != nil {
			return nil, nil, err
		}
		return h, e.releaser(p.logger), nil
	}
}

// Invalidate drops key from the pool; borrowed handles stay usable until released.
func (p *Pool) Invalidate(key string) {
	p.handles.Delete(key)
}

func (p *Pool) Len() int {
	return p.handles.Len()
}

// Close stops expiry and closes every idle handle.
func (p *Pool) Close() {
	p.handles.Stop()
	p.handles.DeleteAll()
}

func (e *pooled) acquire() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return false
	}
	e.refs++
	return true
}

func (e *pooled) releaser(l logger.Logger) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			e.refs--
			closeNow := e.evicted && e.refs == 0
			e.mu.Unlock()
			if closeNow {
				e.close(l)
			}
		})
	}
}

func (e *pooled) evict(l logger.Logger) {
	e.mu.Lock()
	if e.evicted {
		e.mu.Unlock()
		return
	}
	e.evicted = true
	closeNow := e.refs == 0
	e.mu.Unlock()
	if closeNow {
		e.close(l)
	}
}

func (e *pooled) close(l logger.Logger) {
	if err := e.h.Close(); err != nil {
		l.Warn("failed to close raster handle", "error", err)
	}
}
