package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyontex/service/internal/apperr"
	"github.com/tachyontex/service/internal/blobstore"
	"github.com/tachyontex/service/internal/bundle"
	"github.com/tachyontex/service/internal/engine"
	"github.com/tachyontex/service/internal/formatcache"
	"github.com/tachyontex/service/internal/logger"
	"github.com/tachyontex/service/internal/models"
	"github.com/tachyontex/service/internal/pdfcache"
	"github.com/tachyontex/service/internal/telemetry"
	"github.com/tachyontex/service/internal/vfs"
)

type countingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *countingSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *countingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func testLogger() *logger.Logger { return logger.New("error", "text") }

func newTestOrchestrator(t *testing.T, sink Sink) *Orchestrator {
	b := bundle.Load(map[string][]byte{})
	pdfC := pdfcache.New(true, 1<<20, time.Hour, testLogger())
	t.Cleanup(pdfC.Close)
	fmtC := formatcache.New(true, 1<<20, time.Hour, testLogger())
	t.Cleanup(fmtC.Close)
	blobs := blobstore.NewStore(1 << 20)

	return New(b, pdfC, fmtC, blobs, engine.NewStub(), Config{
		CompileTimeout:   time.Second,
		BlockingPoolSize: 4,
		OverloadFactor:   2,
	}, sink, nil, testLogger())
}

// failingEngine always fails Compile with a captured log, to exercise
// the EngineError-with-log propagation path.
type failingEngine struct{}

func (failingEngine) Compile(ctx context.Context, v *vfs.VFS, b *bundle.Bundle, root string, formatDump []byte) (engine.Result, error) {
	return engine.Result{Log: "! Undefined control sequence.\nl.3 \\bogus"}, errors.New("engine: compile failed")
}

func (failingEngine) Dump(ctx context.Context, preamble []byte, b *bundle.Bundle) ([]byte, error) {
	return preamble, nil
}

func validProject() *models.Project {
	p := models.NewProject()
	p.Files["main.tex"] = models.TextContent([]byte(`\documentclass{article}\begin{document}hello\end{document}`))
	return p
}

func TestCompile_CacheMissThenHit(t *testing.T) {
	sink := &countingSink{}
	o := newTestOrchestrator(t, sink)

	res1, err := o.Compile(context.Background(), validProject(), nil)
	require.NoError(t, err)
	assert.Equal(t, CacheMiss, res1.PdfCacheStatus)
	assert.NotEmpty(t, res1.PDF)

	res2, err := o.Compile(context.Background(), validProject(), nil)
	require.NoError(t, err)
	assert.Equal(t, CacheHit, res2.PdfCacheStatus)
	assert.Equal(t, res1.PDF, res2.PDF)

	metrics := o.Metrics()
	assert.EqualValues(t, 1, metrics.PdfCacheMisses)
	assert.EqualValues(t, 1, metrics.PdfCacheHits)
	assert.Equal(t, 2, sink.count())
}

func TestCompile_NoRootFoundErrors(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	p := models.NewProject()
	p.Files["notes.tex"] = models.TextContent([]byte("no marker"))

	_, err := o.Compile(context.Background(), p, nil)
	assert.Error(t, err)
}

func TestCompile_ConcurrentIdenticalRequestsInvokeEngineOnce(t *testing.T) {
	o := newTestOrchestrator(t, nil)

	const n = 10
	var wg sync.WaitGroup
	wg.Add(n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := o.Compile(context.Background(), validProject(), nil)
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.EqualValues(t, 1, o.Metrics().EngineInvocations)
}

func TestCompile_UnhealableFailureIsNotHealed(t *testing.T) {
	sink := &countingSink{}
	o := newTestOrchestrator(t, sink)

	p := models.NewProject()
	p.Files["main.tex"] = models.TextContent([]byte(`\documentclass{article}\usepackage{missingpkg}\begin{document}hi\end{document}`))

	_, err := o.Compile(context.Background(), p, nil)
	assert.Error(t, err)
	assert.EqualValues(t, 0, o.Metrics().Healed)
}

func TestCompile_EngineFailureCarriesLogAsKindEngineError(t *testing.T) {
	b := bundle.Load(map[string][]byte{})
	pdfC := pdfcache.New(true, 1<<20, time.Hour, testLogger())
	t.Cleanup(pdfC.Close)
	fmtC := formatcache.New(true, 1<<20, time.Hour, testLogger())
	t.Cleanup(fmtC.Close)
	blobs := blobstore.NewStore(1 << 20)

	o := New(b, pdfC, fmtC, blobs, failingEngine{}, Config{
		CompileTimeout:   time.Second,
		BlockingPoolSize: 4,
		OverloadFactor:   2,
	}, nil, nil, testLogger())

	_, err := o.Compile(context.Background(), validProject(), nil)
	require.Error(t, err)

	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindEngineError, appErr.Kind)
	assert.Contains(t, appErr.Log, "Undefined control sequence")
}

func TestCompile_ReportsTelemetryWhenConfigured(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	o.SetTelemetry(telemetry.New(false, 0, testLogger()))

	_, err := o.Compile(context.Background(), validProject(), nil)
	require.NoError(t, err)
}

func TestAcquireSlot_RejectsOverHighWaterMark(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	o.cfg.BlockingPoolSize = 1
	o.cfg.OverloadFactor = 1
	o.poolTokens = make(chan struct{}, 1)

	require.NoError(t, o.acquireSlot(context.Background()))

	var rejected int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			if err := o.acquireSlot(ctx); err != nil {
				atomic.AddInt32(&rejected, 1)
			} else {
				o.releaseSlot()
			}
		}()
	}
	wg.Wait()
	o.releaseSlot()

	assert.EqualValues(t, 3, atomic.LoadInt32(&rejected))
}

func TestCompile_ResolvesHashRefAgainstProvidedBlobStore(t *testing.T) {
	o := newTestOrchestrator(t, nil)

	sessionBlobs := blobstore.NewStore(1 << 20)
	hash := sessionBlobs.Put([]byte("image bytes"))

	p := models.NewProject()
	p.Files["main.tex"] = models.TextContent([]byte(`\documentclass{article}\begin{document}hi\end{document}`))
	p.Files["logo.png"] = models.HashRefContent(hash)

	res, err := o.Compile(context.Background(), p, sessionBlobs)
	require.NoError(t, err)
	assert.NotEmpty(t, res.PDF)
}

func TestCompile_HashRefUnresolvedAgainstWrongBlobStore(t *testing.T) {
	o := newTestOrchestrator(t, nil)

	sessionBlobs := blobstore.NewStore(1 << 20)
	hash := sessionBlobs.Put([]byte("image bytes"))

	p := models.NewProject()
	p.Files["main.tex"] = models.TextContent([]byte(`\documentclass{article}\begin{document}hi\end{document}`))
	p.Files["logo.png"] = models.HashRefContent(hash)

	// Passing nil falls back to the orchestrator's own global store,
	// which never saw this hash.
	_, err := o.Compile(context.Background(), p, nil)
	assert.Error(t, err)
}
