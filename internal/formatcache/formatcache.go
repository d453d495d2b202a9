// Package formatcache implements the Format Cache (spec §4.6): an
// LRU+TTL cache keyed by PreambleHash, holding the engine's
// post-preamble format dump so a later compile sharing the same
// preamble can skip package loading. Structure mirrors
// internal/pdfcache; format dumps are kept uncompressed since they are
// consumed immediately by the engine on every hit, not held idle.
package formatcache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tachyontex/service/internal/logger"
)

const shardCount = 16

// Entry is a cached format dump (spec §3 FormatEntry).
type Entry struct {
	PreambleHash uint64
	Dump         []byte
	CreatedAt    time.Time
	LastTouch    time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[uint64]*list.Element
	order   *list.List
	size    int64
}

// Cache is the Format Cache.
type Cache struct {
	enabled  bool
	capBytes int64
	ttl      time.Duration

	shards [shardCount]*shard
	flight singleflight.Group

	log *logger.Logger

	stopSweep chan struct{}
}

// New builds a Format Cache. enabled=false disables it entirely. The
// cap is split evenly across the shards; capBytes <= 0 (or any cap that
// rounds to a zero per-shard share) leaves the cache unbounded in size.
func New(enabled bool, capBytes int64, ttl time.Duration, log *logger.Logger) *Cache {
	c := &Cache{
		enabled:   enabled,
		capBytes:  capBytes,
		ttl:       ttl,
		log:       log,
		stopSweep: make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &shard{
			entries: make(map[uint64]*list.Element),
			order:   list.New(),
		}
	}
	go c.sweepLoop()
	return c
}

// Close stops the background sweeper.
func (c *Cache) Close() { close(c.stopSweep) }

func (c *Cache) shardFor(ph uint64) *shard {
	return c.shards[ph%uint64(shardCount)]
}

// Probe returns a cached format dump, or a miss.
func (c *Cache) Probe(ph uint64) (dump []byte, hit bool) {
	if !c.enabled {
		return nil, false
	}
	s := c.shardFor(ph)
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[ph]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*Entry)
	if c.ttl > 0 && time.Since(entry.LastTouch) >= c.ttl {
		s.order.Remove(el)
		delete(s.entries, ph)
		s.size -= int64(len(entry.Dump))
		return nil, false
	}
	entry.LastTouch = time.Now()
	s.order.MoveToFront(el)
	return entry.Dump, true
}

// BuildFunc produces a fresh format dump for a preamble on a miss.
type BuildFunc func(ctx context.Context) (dump []byte, err error)

// GetOrBuild probes the cache and coalesces concurrent builds for the
// same preamble hash via single-flight, identical semantics to the PDF
// Cache (spec §4.6).
func (c *Cache) GetOrBuild(ctx context.Context, ph uint64, build BuildFunc) (dump []byte, fromCache bool, err error) {
	if dump, hit := c.Probe(ph); hit {
		return dump, true, nil
	}

	key := flightKey(ph)
	v, err, _ := c.flight.Do(key, func() (interface{}, error) {
		d, buildErr := build(ctx)
		if buildErr != nil {
			return nil, buildErr
		}
		c.put(ph, d)
		return d, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]byte), false, nil
}

func flightKey(ph uint64) string {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(ph >> (8 * i))
	}
	return string(buf[:])
}

func (c *Cache) put(ph uint64, dump []byte) {
	if !c.enabled {
		return
	}
	s := c.shardFor(ph)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if el, ok := s.entries[ph]; ok {
		old := el.Value.(*Entry)
		s.size -= int64(len(old.Dump))
		old.Dump = dump
		old.LastTouch = now
		s.size += int64(len(dump))
		s.order.MoveToFront(el)
		return
	}

	entry := &Entry{PreambleHash: ph, Dump: dump, CreatedAt: now, LastTouch: now}
	el := s.order.PushFront(entry)
	s.entries[ph] = el
	s.size += int64(len(dump))

	c.evictShardLocked(s)
}

func (c *Cache) evictShardLocked(s *shard) {
	perShardCap := c.capBytes / int64(shardCount)
	for perShardCap > 0 && s.size > perShardCap {
		back := s.order.Back()
		if back == nil {
			return
		}
		entry := back.Value.(*Entry)
		s.order.Remove(back)
		delete(s.entries, entry.PreambleHash)
		s.size -= int64(len(entry.Dump))
	}
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopSweep:
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

func (c *Cache) sweepExpired() {
	if c.ttl <= 0 {
		return
	}
	now := time.Now()
	evicted := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for el := s.order.Back(); el != nil; {
			entry := el.Value.(*Entry)
			prev := el.Prev()
			if now.Sub(entry.LastTouch) >= c.ttl {
				s.order.Remove(el)
				delete(s.entries, entry.PreambleHash)
				s.size -= int64(len(entry.Dump))
				evicted++
			}
			el = prev
		}
		s.mu.Unlock()
	}
	if c.log != nil && evicted > 0 {
		c.log.Info("formatcache: swept expired entries", "count", evicted)
	}
}

// Len reports the total number of cached entries across all shards.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
