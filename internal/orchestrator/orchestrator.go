// Package orchestrator drives the compilation state machine (spec
// §4.10): Received → Parsed → Fingerprinted → (ServeFromPdfCache |
// BuildRequested) → EngineRunning → Completed | Failed | TimedOut |
// Cancelled. It owns the blocking-pool backpressure gate, the hard
// compile timeout, and — as a supplemental feature grounded in the
// original self-healing pass — a single bounded retry of a failed
// compile with a mechanically patched source.
package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tachyontex/service/internal/apperr"
	"github.com/tachyontex/service/internal/audit"
	"github.com/tachyontex/service/internal/blobstore"
	"github.com/tachyontex/service/internal/bundle"
	"github.com/tachyontex/service/internal/engine"
	"github.com/tachyontex/service/internal/fingerprint"
	"github.com/tachyontex/service/internal/formatcache"
	"github.com/tachyontex/service/internal/healer"
	"github.com/tachyontex/service/internal/logger"
	"github.com/tachyontex/service/internal/models"
	"github.com/tachyontex/service/internal/pdfcache"
	"github.com/tachyontex/service/internal/rootdetect"
	"github.com/tachyontex/service/internal/telemetry"
	"github.com/tachyontex/service/internal/vfs"
)

// CacheStatus reports whether a cache layer was a hit or miss, mirrored
// onto the HTTP surface's X-Cache / X-HMR headers (spec §6).
type CacheStatus string

const (
	CacheHit  CacheStatus = "HIT"
	CacheMiss CacheStatus = "MISS"
)

// Result is everything a caller (the HTTP handler or a stream session)
// needs to answer a compile request.
type Result struct {
	PDF                   []byte
	Fingerprint           uint64
	PreambleHash          uint64
	FilesReceived         int
	PdfCacheStatus        CacheStatus
	FormatCacheStatus     CacheStatus
	FormatCacheConsulted  bool
	CompileTimeMs         int64
	OriginalCompileTimeMs int64
	HealedFixes           []string
}

// Event is emitted on compile completion for the webhook fan-out
// (spec §4.12). Defined here, not in the webhook package, so the
// orchestrator has no dependency on its consumer; webhook.Dispatcher
// implements Sink.
type Event struct {
	Type          string // "compile.success" | "compile.error"
	Fingerprint   uint64
	CompileTimeMs int64
	FromCache     bool
}

// Sink receives orchestrator events. Implementations must not block
// the orchestrator's hot path.
type Sink interface {
	Emit(Event)
}

type noopSink struct{}

func (noopSink) Emit(Event) {}

// Metrics are process-wide compile counters (spec §3 AppState).
type Metrics struct {
	EngineInvocations int64
	PdfCacheHits      int64
	PdfCacheMisses    int64
	TimedOut          int64
	Overloaded        int64
	EngineErrors      int64
	Healed            int64
}

// Config bounds the orchestrator's timeout and backpressure behavior
// (spec §5, §6).
type Config struct {
	CompileTimeout    time.Duration
	BlockingPoolSize  int
	OverloadFactor    int // high-water mark = OverloadFactor * BlockingPoolSize
}

// Orchestrator wires together every leaf component into the full
// compile pipeline.
type Orchestrator struct {
	bundle      *bundle.Bundle
	pdfCache    *pdfcache.Cache
	formatCache *formatcache.Cache
	blobs       *blobstore.Store
	eng         engine.Engine
	cfg         Config
	sink        Sink
	audit       *audit.Trail
	telemetry   *telemetry.Telemetry
	log         *logger.Logger

	metrics Metrics

	poolTokens chan struct{}
	queueLen   int64
}

// New builds an Orchestrator. sink may be nil, in which case events
// are discarded; auditTrail may be nil, in which case no compile audit
// row is ever written.
func New(b *bundle.Bundle, pdfC *pdfcache.Cache, fmtC *formatcache.Cache, blobs *blobstore.Store, eng engine.Engine, cfg Config, sink Sink, auditTrail *audit.Trail, log *logger.Logger) *Orchestrator {
	if sink == nil {
		sink = noopSink{}
	}
	if cfg.BlockingPoolSize <= 0 {
		cfg.BlockingPoolSize = 1
	}
	if cfg.OverloadFactor <= 0 {
		cfg.OverloadFactor = 2
	}
	return &Orchestrator{
		bundle:      b,
		pdfCache:    pdfC,
		formatCache: fmtC,
		blobs:       blobs,
		eng:         eng,
		cfg:         cfg,
		sink:        sink,
		audit:       auditTrail,
		log:         log,
		poolTokens:  make(chan struct{}, cfg.BlockingPoolSize),
	}
}

// SetTelemetry attaches an optional telemetry sink for compile-duration
// and event logging. Passing nil, or never calling this at all, leaves
// telemetry reporting disabled.
func (o *Orchestrator) SetTelemetry(t *telemetry.Telemetry) {
	o.telemetry = t
}

// Metrics returns a snapshot of the orchestrator's counters.
func (o *Orchestrator) Metrics() Metrics {
	return Metrics{
		EngineInvocations: atomic.LoadInt64(&o.metrics.EngineInvocations),
		PdfCacheHits:      atomic.LoadInt64(&o.metrics.PdfCacheHits),
		PdfCacheMisses:    atomic.LoadInt64(&o.metrics.PdfCacheMisses),
		TimedOut:          atomic.LoadInt64(&o.metrics.TimedOut),
		Overloaded:        atomic.LoadInt64(&o.metrics.Overloaded),
		EngineErrors:      atomic.LoadInt64(&o.metrics.EngineErrors),
		Healed:            atomic.LoadInt64(&o.metrics.Healed),
	}
}

// Compile runs the full Received→Completed|Failed|TimedOut pipeline
// for one Project. It resolves the root, fingerprints the project,
// probes the PDF Cache, and on a miss probes the Format Cache and
// drives the engine under the blocking-pool gate.
//
// blobs is the BlobStore that owns p's HashRef entries (spec §3,
// §4.1): a stream session passes its own per-session store so a
// previously-uploaded binary resolves against the connection that
// uploaded it; a nil blobs defaults to the orchestrator's process-wide
// store, which is what the one-shot HTTP /compile path uses.
func (o *Orchestrator) Compile(ctx context.Context, p *models.Project, blobs *blobstore.Store) (*Result, error) {
	start := time.Now()
	defer o.recordTelemetryDuration(start)

	if blobs == nil {
		blobs = o.blobs
	}

	root, err := rootdetect.Detect(p)
	if err != nil {
		return nil, err
	}
	p.RootName = root

	fp, err := fingerprint.Fingerprint(p, blobs)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Fingerprint:   fp,
		FilesReceived: len(p.Files),
	}

	rootContent, _ := p.Files[root].Bytes()
	preamble, hasPreamble := fingerprint.ExtractPreamble(rootContent)
	var preambleHash uint64
	if hasPreamble {
		preambleHash = fingerprint.PreambleHash(preamble)
		res.PreambleHash = preambleHash
		res.FormatCacheConsulted = true
	}

	// formatStatus and healedFixes are filled in by the build closure
	// below; GetOrBuild's singleflight group gives us leader/follower
	// semantics for free — only one caller per fingerprint ever runs
	// the closure, every other caller blocks on the same result.
	var formatStatus CacheStatus
	var healedFixes []string

	pdf, origMS, fromCache, err := o.pdfCache.GetOrBuild(ctx, fp, func(buildCtx context.Context) ([]byte, int64, error) {
		if err := o.acquireSlot(buildCtx); err != nil {
			atomic.AddInt64(&o.metrics.Overloaded, 1)
			return nil, 0, err
		}
		defer o.releaseSlot()

		compileCtx, cancel := context.WithTimeout(buildCtx, o.cfg.CompileTimeout)
		defer cancel()

		bytes, ms, status, fixes, engErr := o.runEngine(compileCtx, p, root, preamble, hasPreamble, preambleHash, blobs)
		formatStatus = status
		healedFixes = fixes
		if engErr != nil {
			if compileCtx.Err() == context.DeadlineExceeded {
				atomic.AddInt64(&o.metrics.TimedOut, 1)
				return nil, 0, apperr.Wrap(apperr.KindTimedOut, "compile exceeded timeout", engErr)
			}
			if buildCtx.Err() == context.Canceled {
				return nil, 0, apperr.Wrap(apperr.KindCancelled, "client disconnected", engErr)
			}
			atomic.AddInt64(&o.metrics.EngineErrors, 1)
			return nil, 0, engErr
		}
		return bytes, ms, nil
	})

	if err != nil {
		o.sink.Emit(Event{Type: "compile.error", Fingerprint: fp})
		o.recordAudit(fp, CacheMiss, 0, res.FilesReceived, err)
		o.recordTelemetryEvent("compile.error", fp, CacheMiss)
		return nil, err
	}

	if fromCache {
		atomic.AddInt64(&o.metrics.PdfCacheHits, 1)
		res.PDF = pdf
		res.PdfCacheStatus = CacheHit
		res.CompileTimeMs = 0
		res.OriginalCompileTimeMs = origMS
		o.sink.Emit(Event{Type: "compile.success", Fingerprint: fp, CompileTimeMs: origMS, FromCache: true})
		o.recordAudit(fp, CacheHit, origMS, res.FilesReceived, nil)
		o.recordTelemetryEvent("compile.success", fp, CacheHit)
		return res, nil
	}

	atomic.AddInt64(&o.metrics.PdfCacheMisses, 1)
	res.PDF = pdf
	res.PdfCacheStatus = CacheMiss
	res.CompileTimeMs = origMS
	res.FormatCacheStatus = formatStatus
	res.HealedFixes = healedFixes
	o.sink.Emit(Event{Type: "compile.success", Fingerprint: fp, CompileTimeMs: res.CompileTimeMs, FromCache: false})
	o.recordAudit(fp, CacheMiss, origMS, res.FilesReceived, nil)
	o.recordTelemetryEvent("compile.success", fp, CacheMiss)
	return res, nil
}

// recordAudit writes a best-effort compile audit row (spec-supplement
// "Compile audit trail"). A nil audit trail is a no-op.
func (o *Orchestrator) recordAudit(fp uint64, outcome CacheStatus, ms int64, fileCount int, err error) {
	if o.audit == nil {
		return
	}
	var errorKind string
	if appErr, ok := apperr.As(err); ok {
		errorKind = string(appErr.Kind)
	} else if err != nil {
		errorKind = "Unknown"
	}
	o.audit.Write(audit.Record{
		Fingerprint:   fmt.Sprintf("%016x", fp),
		CacheOutcome:  string(outcome),
		CompileTimeMs: ms,
		FileCount:     fileCount,
		ErrorKind:     errorKind,
	})
}

func (o *Orchestrator) recordTelemetryDuration(start time.Time) {
	if o.telemetry != nil {
		o.telemetry.RecordDuration("compile", start)
	}
}

func (o *Orchestrator) recordTelemetryEvent(event string, fp uint64, outcome CacheStatus) {
	if o.telemetry == nil {
		return
	}
	o.telemetry.RecordEvent(event, map[string]any{
		"fingerprint": fmt.Sprintf("%016x", fp),
		"cache":       string(outcome),
	})
}

// runEngine invokes the engine under single-flight leadership for fp,
// optionally seeded with a Format Cache hit, and retries once through
// the self-healer if the first pass fails.
func (o *Orchestrator) runEngine(ctx context.Context, p *models.Project, root string, preamble []byte, hasPreamble bool, preambleHash uint64, blobs *blobstore.Store) ([]byte, int64, CacheStatus, []string, error) {
	var formatStatus CacheStatus
	var formatDump []byte

	if hasPreamble && o.formatCache != nil {
		dump, hit, err := o.formatCache.GetOrBuild(ctx, preambleHash, func(ctx context.Context) ([]byte, error) {
			return o.eng.Dump(ctx, preamble, o.bundle)
		})
		if err == nil {
			formatDump = dump
			if hit {
				formatStatus = CacheHit
			} else {
				formatStatus = CacheMiss
			}
		}
	}

	input, err := resolveInput(p, blobs)
	if err != nil {
		return nil, 0, formatStatus, nil, err
	}

	start := time.Now()
	v := vfs.New(input)
	atomic.AddInt64(&o.metrics.EngineInvocations, 1)
	result, err := o.eng.Compile(ctx, v, o.bundle, root, formatDump)
	if err == nil {
		return result.PDF, time.Since(start).Milliseconds(), formatStatus, nil, nil
	}

	rootText, isText := p.Files[root].Bytes()
	if !isText {
		return nil, 0, formatStatus, nil, wrapEngineError(err, result.Log)
	}
	healedSrc, fixes, ok := healer.Attempt(string(rootText), result.Log)
	if !ok {
		return nil, 0, formatStatus, nil, wrapEngineError(err, result.Log)
	}

	input[root] = []byte(healedSrc)
	v2 := vfs.New(input)
	atomic.AddInt64(&o.metrics.EngineInvocations, 1)
	result2, err2 := o.eng.Compile(ctx, v2, o.bundle, root, formatDump)
	if err2 != nil {
		return nil, 0, formatStatus, nil, wrapEngineError(err, result.Log)
	}

	atomic.AddInt64(&o.metrics.Healed, 1)
	return result2.PDF, time.Since(start).Milliseconds(), formatStatus, fixes, nil
}

// wrapEngineError tags an engine failure as KindEngineError and
// attaches its capture log, so the HTTP and stream-session surfaces
// can return the log to the caller (spec §6/§7).
func wrapEngineError(err error, log string) error {
	return apperr.Wrap(apperr.KindEngineError, "engine compile failed", err).WithLog(log)
}

// resolveInput converts a Project's FileContent map into plain
// name->bytes for the VFS, resolving HashRef entries through the
// supplied BlobStore.
func resolveInput(p *models.Project, blobs *blobstore.Store) (map[string][]byte, error) {
	out := make(map[string][]byte, len(p.Files))
	for name, fc := range p.Files {
		if b, ok := fc.Bytes(); ok {
			out[name] = b
			continue
		}
		b, ok := blobs.Get(fc.Hash)
		if !ok {
			return nil, apperr.New(apperr.KindUnresolvedBlob, "no blob for hash ref in file "+name)
		}
		out[name] = b
	}
	return out, nil
}

// acquireSlot enforces the blocking-pool backpressure gate (spec §5):
// if the queue waiting for a slot already exceeds OverloadFactor *
// BlockingPoolSize, the request is rejected immediately rather than
// queued.
func (o *Orchestrator) acquireSlot(ctx context.Context) error {
	highWater := int64(o.cfg.OverloadFactor * o.cfg.BlockingPoolSize)
	if atomic.AddInt64(&o.queueLen, 1) > highWater {
		atomic.AddInt64(&o.queueLen, -1)
		return apperr.New(apperr.KindOverloaded, "blocking pool queue exceeds high-water mark")
	}

	select {
	case o.poolTokens <- struct{}{}:
		atomic.AddInt64(&o.queueLen, -1)
		return nil
	case <-ctx.Done():
		atomic.AddInt64(&o.queueLen, -1)
		return apperr.Wrap(apperr.KindCancelled, "cancelled while waiting for blocking pool slot", ctx.Err())
	}
}

func (o *Orchestrator) releaseSlot() {
	<-o.poolTokens
}
