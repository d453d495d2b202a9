package pdfcache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyontex/service/internal/logger"
)

func testLogger() *logger.Logger {
	return logger.New("error", "text")
}

func TestGetOrBuild_MissInvokesBuildOnce(t *testing.T) {
	c := New(true, 1<<20, time.Hour, testLogger())
	defer c.Close()

	var calls int32
	build := func(ctx context.Context) ([]byte, int64, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("pdf-bytes"), 42, nil
	}

	pdf, ms, fromCache, err := c.GetOrBuild(context.Background(), 1, build)
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.Equal(t, "pdf-bytes", string(pdf))
	assert.Equal(t, int64(42), ms)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestGetOrBuild_SecondCallHitsCache(t *testing.T) {
	c := New(true, 1<<20, time.Hour, testLogger())
	defer c.Close()

	build := func(ctx context.Context) ([]byte, int64, error) {
		return []byte("pdf-bytes"), 10, nil
	}

	_, _, fromCache1, err := c.GetOrBuild(context.Background(), 7, build)
	require.NoError(t, err)
	assert.False(t, fromCache1)

	pdf, origMS, fromCache2, err := c.GetOrBuild(context.Background(), 7, build)
	require.NoError(t, err)
	assert.True(t, fromCache2)
	assert.Equal(t, "pdf-bytes", string(pdf))
	assert.Equal(t, int64(10), origMS)
}

func TestGetOrBuild_ConcurrentCallsCoalesce(t *testing.T) {
	c := New(true, 1<<20, time.Hour, testLogger())
	defer c.Close()

	var calls int32
	release := make(chan struct{})
	build := func(ctx context.Context) ([]byte, int64, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []byte("pdf-bytes"), 5, nil
	}

	const n = 10
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _, _, err := c.GetOrBuild(context.Background(), 99, build)
			assert.NoError(t, err)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestGetOrBuild_BuildErrorPropagates(t *testing.T) {
	c := New(true, 1<<20, time.Hour, testLogger())
	defer c.Close()

	boom := assert.AnError
	build := func(ctx context.Context) ([]byte, int64, error) {
		return nil, 0, boom
	}

	_, _, _, err := c.GetOrBuild(context.Background(), 5, build)
	assert.ErrorIs(t, err, boom)
}

func TestGetOrBuild_ExpiresAtExactTTLBoundary(t *testing.T) {
	ttl := 50 * time.Millisecond
	c := New(true, 1<<20, ttl, testLogger())
	defer c.Close()

	var calls int32
	build := func(ctx context.Context) ([]byte, int64, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("pdf-bytes"), 1, nil
	}

	_, _, _, err := c.GetOrBuild(context.Background(), 42, build)
	require.NoError(t, err)

	s := c.shardFor(42)
	s.mu.Lock()
	el := s.entries[42]
	el.Value.(*Entry).LastTouch = time.Now().Add(-ttl)
	s.mu.Unlock()

	_, _, fromCache, err := c.GetOrBuild(context.Background(), 42, build)
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestCache_DisabledNeverStores(t *testing.T) {
	c := New(false, 1<<20, time.Hour, testLogger())
	defer c.Close()

	build := func(ctx context.Context) ([]byte, int64, error) {
		return []byte("x"), 1, nil
	}

	_, _, _, err := c.GetOrBuild(context.Background(), 3, build)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Len())
}
