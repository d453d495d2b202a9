// Package pdfcache implements the PDF Cache (spec §4.5): a bounded
// fingerprint->PdfEntry map with LRU+TTL eviction, single-flight
// coalescing of concurrent builds for the same fingerprint, and an
// hourly background sweeper. It is grounded in the teacher's
// common/cache.MemoryCache (expiry map + cleanup goroutine), sharded
// for lower lock contention and backed by golang.org/x/sync/singleflight
// for the leader/follower build semantics spec §4.5 requires.
package pdfcache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/singleflight"

	"github.com/tachyontex/service/internal/logger"
)

const shardCount = 16

// Entry is a cached compile result (spec §3 PdfEntry), stored
// zstd-compressed to keep the resident set small under sustained load.
type Entry struct {
	Fingerprint     uint64
	CompressedBytes []byte
	OriginalSize    int
	CompileMS       int64
	CreatedAt       time.Time
	LastTouch       time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[uint64]*list.Element // fingerprint -> LRU element
	order   *list.List               // front = most recently touched
	size    int64
}

// Cache is the PDF Cache. Disabled mode makes every operation a
// pass-through, matching spec §4.5's disable switch.
type Cache struct {
	enabled  bool
	capBytes int64
	ttl      time.Duration

	shards [shardCount]*shard
	flight singleflight.Group

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	log *logger.Logger

	stopSweep chan struct{}
}

// New builds a PDF Cache. enabled=false disables it entirely. The cap
// is split evenly across the shards; capBytes <= 0 (or any cap that
// rounds to a zero per-shard share) leaves the cache unbounded in size.
func New(enabled bool, capBytes int64, ttl time.Duration, log *logger.Logger) *Cache {
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	dec, _ := zstd.NewReader(nil)

	c := &Cache{
		enabled:   enabled,
		capBytes:  capBytes,
		ttl:       ttl,
		encoder:   enc,
		decoder:   dec,
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
func (c *Cache) Close() {
	close(c.stopSweep)
}

func (c *Cache) shardFor(fp uint64) *shard {
	return c.shards[fp%uint64(shardCount)]
}

// Probe reports a cache hit's bytes and original compile time, or a
// miss. GetOrBuild wraps Probe and, on a miss, either becomes the
// single-flight leader or joins an in-flight build.
func (c *Cache) Probe(fp uint64) (pdf []byte, origMS int64, hit bool) {
	if !c.enabled {
		return nil, 0, false
	}

	s := c.shardFor(fp)
	s.mu.Lock()
	el, ok := s.entries[fp]
	if !ok {
		s.mu.Unlock()
		return nil, 0, false
	}
	entry := el.Value.(*Entry)
	if c.ttl > 0 && time.Since(entry.LastTouch) >= c.ttl {
		s.order.Remove(el)
		delete(s.entries, fp)
		s.size -= int64(len(entry.CompressedBytes))
		s.mu.Unlock()
		return nil, 0, false
	}
	entry.LastTouch = time.Now()
	s.order.MoveToFront(el)
	compressed := entry.CompressedBytes
	origMS = entry.CompileMS
	s.mu.Unlock()

	decoded, err := c.decoder.DecodeAll(compressed, nil)
	if err != nil {
		if c.log != nil {
			c.log.Error("pdfcache: decode failed", "error", err)
		}
		return nil, 0, false
	}
	return decoded, origMS, true
}

// BuildFunc compiles a fresh PdfEntry for a fingerprint on a cache
// miss. It runs exactly once per fingerprint across any number of
// concurrent callers; singleflight fans the single result out.
type BuildFunc func(ctx context.Context) (pdf []byte, compileMS int64, err error)

// GetOrBuild probes the cache and, on a miss, coalesces concurrent
// builds for the same fingerprint so only the leader compiles; every
// follower observes the leader's result or error (spec §4.5).
func (c *Cache) GetOrBuild(ctx context.Context, fp uint64, build BuildFunc) (pdf []byte, origMS int64, fromCache bool, err error) {
	if pdf, origMS, hit := c.Probe(fp); hit {
		return pdf, origMS, true, nil
	}

	key := flightKey(fp)
	v, err, _ := c.flight.Do(key, func() (interface{}, error) {
		pdfBytes, ms, buildErr := build(ctx)
		if buildErr != nil {
			return nil, buildErr
		}
		c.put(fp, pdfBytes, ms)
		return buildResult{pdf: pdfBytes, compileMS: ms}, nil
	})
	if err != nil {
		return nil, 0, false, err
	}
	res := v.(buildResult)
	return res.pdf, res.compileMS, false, nil
}

type buildResult struct {
	pdf       []byte
	compileMS int64
}

func flightKey(fp uint64) string {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(fp >> (8 * i))
	}
	return string(buf[:])
}

func (c *Cache) put(fp uint64, pdf []byte, compileMS int64) {
	if !c.enabled {
		return
	}
	compressed := c.encoder.EncodeAll(pdf, nil)

	s := c.shardFor(fp)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if el, ok := s.entries[fp]; ok {
		old := el.Value.(*Entry)
		s.size -= int64(len(old.CompressedBytes))
		old.CompressedBytes = compressed
		old.OriginalSize = len(pdf)
		old.CompileMS = compileMS
		old.LastTouch = now
		s.size += int64(len(compressed))
		s.order.MoveToFront(el)
		return
	}

	entry := &Entry{
		Fingerprint:     fp,
		CompressedBytes: compressed,
		OriginalSize:    len(pdf),
		CompileMS:       compileMS,
		CreatedAt:       now,
		LastTouch:       now,
	}
	el := s.order.PushFront(entry)
	s.entries[fp] = el
	s.size += int64(len(compressed))

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
		delete(s.entries, entry.Fingerprint)
		s.size -= int64(len(entry.CompressedBytes))
	}
}

// sweepLoop runs the hourly TTL sweep spec §4.5 calls for.
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
				delete(s.entries, entry.Fingerprint)
				s.size -= int64(len(entry.CompressedBytes))
				evicted++
			}
			el = prev
		}
		s.mu.Unlock()
	}
	if c.log != nil && evicted > 0 {
		c.log.Info("pdfcache: swept expired entries", "count", evicted)
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
