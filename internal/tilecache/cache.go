package tilecache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jaennil/guide_helper/media/internal/entity"
	"github.com/jaennil/guide_helper/media/pkg/logger"
	"github.com/jaennil/guide_helper/media/pkg/metrics"
)

// Key addresses one rendered tile. Version is the registry version of the
// asset; Style is the hash of the resolved style.
type Key struct {
	AssetID string
	Version int64
	Z, X, Y int
	Style   uint64
}

type Entry struct {
	Data        []byte
	ContentType string
	CreatedAt   time.Time
}

func (e Entry) size() int64 { return int64(len(e.Data)) }

type ComputeFunc func(ctx context.Context) (Entry, error)

// ComputeError is delivered to every caller waiting on a failed computation.
// It matches entity.ErrCacheComputeFailure and unwraps to the cause.
type ComputeError struct {
	Key Key
	Err error
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("compute tile %s %d/%d/%d: %v", e.Key.AssetID, e.Key.Z, e.Key.X, e.Key.Y, e.Err)
}

func (e *ComputeError) Unwrap() error { return e.Err }

func (e *ComputeError) Is(target error) bool { return target == entity.ErrCacheComputeFailure }

type Config struct {
	MaxBytes   int64
	MaxEntries int
	// MaxAge bounds how long an entry is served; zero disables the age check.
	MaxAge time.Duration
}

type Stats struct {
	Entries   int
	Bytes     int64
	InFlight  int
	Hits      uint64
	Misses    uint64
	Joins     uint64
	Evictions uint64
}

// slot is the internal key: the caller's key plus the in-process generation
// of its asset at lookup time.
type slot struct {
	Key
	gen uint64
}

type call struct {
	done  chan struct{}
	entry Entry
	err   error
}

// Cache is an in-process LRU of encoded tiles with at most one concurrent
// computation per key.
type Cache struct {
	mu          sync.Mutex
	lru         *simplelru.LRU[slot, Entry]
	bytes       int64
	cfg         Config
	inflight    map[slot]*call
	generations map[string]uint64
	stats       Stats
	now         func() time.Time
	logger      logger.Logger
}

func New(cfg Config, l logger.Logger) (*Cache, error) {
	if cfg.MaxEntries <= 0 {
		return nil, fmt.Errorf("tile cache needs a positive entry limit, got %d", cfg.MaxEntries)
	}
	if cfg.MaxBytes <= 0 {
		return nil, fmt.Errorf("tile cache needs a positive byte budget, got %d", cfg.MaxBytes)
	}
	c := &Cache{
		cfg:         cfg,
		inflight:    make(map[slot]*call),
		generations: make(map[string]uint64),
		now:         time.Now,
		logger:      l,
	}
	lru, err := simplelru.NewLRU(cfg.MaxEntries, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create tile lru: %w", err)
	}
	c.lru = lru
	return c, nil
}

// onEvict runs under c.mu for every entry leaving the LRU.
func (c *Cache) onEvict(_ slot, e Entry) {
	c.bytes -= e.size()
	c.stats.Evictions++
	metrics.TilesCacheEvictions.Inc()
}

// GetOrCompute returns the cached entry for key or runs fn to produce it.
// Concurrent callers for the same key share one run of fn. fn runs detached
// from ctx: a caller that gives up gets ctx.Err() while the computation
// finishes and fills the cache for later requests.
func (c *Cache) GetOrCompute(ctx context.Context, key Key, fn ComputeFunc) (Entry, error) {
	c.mu.Lock()
	s := slot{Key: key, gen: c.generations[key.AssetID]}

	if e, ok := c.lru.Get(s); ok {
		if c.fresh(e) {
			c.stats.Hits++
			c.mu.Unlock()
			metrics.TilesCacheHits.Inc()
			return e, nil
		}
		c.lru.Remove(s)
	}

	cl, joined := c.inflight[s]
	if joined {
		c.stats.Joins++
		metrics.TilesCacheJoins.Inc()
	} else {
		c.stats.Misses++
		metrics.TilesCacheMisses.Inc()
		cl = &call{done: make(chan struct{})}
		c.inflight[s] = cl
		go c.run(context.WithoutCancel(ctx), s, cl, fn)
	}
	c.mu.Unlock()

	select {
	case <-cl.done:
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}
	if cl.err != nil {
		return Entry{}, &ComputeError{Key: key, Err: cl.err}
	}
	return cl.entry, nil
}

func (c *Cache) run(ctx context.Context, s slot, cl *call, fn ComputeFunc) {
	defer close(cl.done)
	defer func() {
		if r := recover(); r != nil {
			cl.err = fmt.Errorf("panic: %v", r)
			c.logger.Error("tile computation panicked", "asset_id", s.AssetID, "z", s.Z, "x", s.X, "y", s.Y, "panic", r)
			c.finish(s, cl)
		}
	}()

	cl.entry, cl.err = fn(ctx)
	if cl.err == nil && cl.entry.CreatedAt.IsZero() {
		cl.entry.CreatedAt = c.now()
	}
	c.finish(s, cl)
}

// finish clears the in-flight marker and stores a successful result unless
// the asset was invalidated while it was computed.
func (c *Cache) finish(s slot, cl *call) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, s)
	if cl.err != nil {
		return
	}
	if c.generations[s.AssetID] != s.gen {
		c.logger.Debug("dropping tile of invalidated asset", "asset_id", s.AssetID)
		return
	}
	size := cl.entry.size()
	if size > c.cfg.MaxBytes {
		c.logger.Warn("tile larger than cache budget", "asset_id", s.AssetID, "size", size)
		return
	}
	if old, ok := c.lru.Peek(s); ok {
		// Replaced without an eviction callback.
		c.bytes -= old.size()
	}
	c.lru.Add(s, cl.entry)
	c.bytes += size
	for c.bytes > c.cfg.MaxBytes {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
}

func (c *Cache) fresh(e Entry) bool {
	return c.cfg.MaxAge <= 0 || c.now().Sub(e.CreatedAt) < c.cfg.MaxAge
}

// Invalidate makes every cached and in-flight tile of assetID unreachable.
// The old entries are not swept; they age out of the LRU.
func (c *Cache) Invalidate(assetID string) {
	c.mu.Lock()
	c.generations[assetID]++
	c.mu.Unlock()
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = c.lru.Len()
	s.Bytes = c.bytes
	s.InFlight = len(c.inflight)
	return s
}
