package storesync

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"
)

// EdgeSource says where an edge cache answer came from.
type EdgeSource int

const (
	EdgeMiss EdgeSource = iota
	EdgeHit
)

func (s EdgeSource) String() string {
	if s == EdgeHit {
		return "hit"
	}
	return "miss"
}

var ErrEdgeCacheClosed = errors.New("edge cache closed")

// OriginFunc performs one network request for key. It returns the response as
// a record; Hash32, StoredAt and Key are filled in by the cache.
type OriginFunc func(ctx context.Context, key string) (EdgeCacheRecord, error)

type EdgeCacheConfig struct {
	RAMMax   int64
	DiskPath string
	DiskMax  int64

	// RevalidateConcurrency bounds background revalidations. Excess
	// revalidations queue for a slot.
	RevalidateConcurrency int
	FetchTimeout          time.Duration

	// OnChange runs after a background revalidation stored a body that differs
	// from the one previously held for key.
	OnChange func(key string)
}

// EdgeCache is a stale-while-revalidate response cache. A present record is
// served immediately and always refreshed in the background; an absent one
// makes the caller wait for the network.
type EdgeCache struct {
	origin   OriginFunc
	store    *tieredStore
	clock    clock.PassiveClock
	onChange func(key string)
	timeout  time.Duration

	misses singleflight.Group
	revals singleflight.Group
	sem    chan struct{}

	logger  *zap.Logger
	metrics *metrics
	stats   *statsCollector

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newEdgeCache(origin OriginFunc, cfg EdgeCacheConfig, clk clock.PassiveClock, logger *zap.Logger, m *metrics) (*EdgeCache, error) {
	if cfg.RevalidateConcurrency <= 0 {
		cfg.RevalidateConcurrency = 32
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	store, err := newTieredStore(cfg.RAMMax, cfg.DiskPath, cfg.DiskMax, logger)
	if err != nil {
		return nil, fmt.Errorf("edge cache disk tier: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EdgeCache{
		origin:   origin,
		store:    store,
		clock:    clk,
		onChange: cfg.OnChange,
		timeout:  cfg.FetchTimeout,
		sem:      make(chan struct{}, cfg.RevalidateConcurrency),
		logger:   logger,
		metrics:  m,
		stats:    newStatsCollector(),
		baseCtx:  ctx,
		cancel:   cancel,
	}, nil
}

// Get returns the record for key.
func (c *EdgeCache) Get(ctx context.Context, key string) (EdgeCacheRecord, EdgeSource, error) {
	if c.isClosed() {
		return EdgeCacheRecord{}, EdgeMiss, ErrEdgeCacheClosed
	}

	if rec, ok := c.store.Get(key); ok {
		c.metrics.edgeLookup(EdgeHit)
		c.stats.Observe(len(rec.Body))
		c.revalidate(key)
		return rec, EdgeHit, nil
	}

	c.metrics.edgeLookup(EdgeMiss)
	ch := c.misses.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(c.baseCtx, c.timeout)
		defer cancel()
		return c.load(fctx, key)
	})
	select {
	case <-ctx.Done():
		return EdgeCacheRecord{}, EdgeMiss, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return EdgeCacheRecord{}, EdgeMiss, res.Err
		}
		rec := res.Val.(EdgeCacheRecord)
		c.stats.Observe(len(rec.Body))
		return rec, EdgeMiss, nil
	}
}

// load fetches key for a waiting caller. Non-2xx answers are handed back but
// never stored.
func (c *EdgeCache) load(ctx context.Context, key string) (EdgeCacheRecord, error) {
	rec, err := c.origin(ctx, key)
	if err != nil {
		return EdgeCacheRecord{}, err
	}
	rec = c.stamp(key, rec, "request")
	switch {
	case !rec.OK():
	case !cacheable(rec.Header):
		c.store.Delete(key)
	default:
		c.store.Put(key, rec)
	}
	return rec, nil
}

func (c *EdgeCache) revalidate(key string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		_, _, _ = c.revals.Do(key, func() (any, error) {
			select {
			case c.sem <- struct{}{}:
			case <-c.baseCtx.Done():
				return nil, nil
			}
			defer func() { <-c.sem }()

			ctx, cancel := context.WithTimeout(c.baseCtx, c.timeout)
			defer cancel()
			c.revalidateOnce(ctx, key)
			return nil, nil
		})
	}()
}

// revalidateOnce refreshes a stored record. Failures keep the old record.
func (c *EdgeCache) revalidateOnce(ctx context.Context, key string) {
	rec, err := c.origin(ctx, key)
	if err != nil {
		c.metrics.edgeRevalidation("error")
		c.logger.Debug("revalidation failed", zap.String("key", key), zap.Error(err))
		return
	}
	if !rec.OK() {
		c.metrics.edgeRevalidation("error")
		c.logger.Debug("revalidation answered non-2xx", zap.String("key", key), zap.Int("status", rec.Status))
		return
	}
	if !cacheable(rec.Header) {
		c.store.Delete(key)
		c.metrics.edgeRevalidation("deleted")
		return
	}

	rec = c.stamp(key, rec, "background")
	prev, had := c.store.Peek(key)
	c.store.Put(key, rec)
	if had && prev.Hash32 == rec.Hash32 {
		c.metrics.edgeRevalidation("unchanged")
		return
	}
	c.metrics.edgeRevalidation("changed")
	c.logger.Debug("revalidation changed body", zap.String("key", key))
	if c.onChange != nil {
		c.onChange(key)
	}
}

func (c *EdgeCache) stamp(key string, rec EdgeCacheRecord, by string) EdgeCacheRecord {
	rec.Key = key
	rec.Header = cloneHeader(rec.Header)
	rec.Header.Del("Content-Length")
	rec.StoredAt = c.clock.Now()
	rec.Hash32 = crc32.ChecksumIEEE(rec.Body)
	rec.RevalidatedBy = by
	return rec
}

// Peek reads a stored record without triggering a revalidation.
func (c *EdgeCache) Peek(key string) (EdgeCacheRecord, bool) {
	return c.store.Peek(key)
}

// EdgeStats summarises cache occupancy for the stats log line.
type EdgeStats struct {
	Keys      int
	RAMBytes  int64
	DiskBytes int64
	Responses statsSnapshot
}

func (c *EdgeCache) Stats() EdgeStats {
	return EdgeStats{
		Keys:      len(c.store.Keys()),
		RAMBytes:  c.store.RAMSize(),
		DiskBytes: c.store.DiskSize(),
		Responses: c.stats.Snapshot(),
	}
}

// wait blocks until running revalidations finished and queued disk writes
// landed.
func (c *EdgeCache) wait() {
	c.wg.Wait()
	c.store.flush()
}

func (c *EdgeCache) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close cancels background revalidations, waits for them and closes the disk
// tier.
func (c *EdgeCache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.store.close()
}

func cacheable(h http.Header) bool {
	cc := strings.ToLower(h.Get("Cache-Control"))
	return !strings.Contains(cc, "no-store") && !strings.Contains(cc, "no-cache")
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
