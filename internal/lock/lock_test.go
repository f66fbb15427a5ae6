package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokistudios/vmem/internal/memerr"
)

func newTestController(timeout time.Duration) *Controller {
	return NewController(Config{Timeout: timeout, PollInterval: time.Millisecond, Owner: "test-agent"})
}

func TestAcquireRelease(t *testing.T) {
	target := filepath.Join(t.TempDir(), "x-a", "y-1-z-1.md")
	c := newTestController(time.Second)

	h, err := c.Acquire(context.Background(), target)
	require.NoError(t, err)
	assert.FileExists(t, Path(target))

	holder, ok := ReadHolder(target)
	require.True(t, ok)
	assert.Equal(t, os.Getpid(), holder.PID)
	assert.Equal(t, "test-agent", holder.Owner)

	require.NoError(t, h.Release())
	require.NoError(t, h.Release(), "release is idempotent")

	_, ok = ReadHolder(target)
	assert.False(t, ok, "holder cleared on release")
	assert.FileExists(t, Path(target), "lock file persists")

	h2, err := c.Acquire(context.Background(), target)
	require.NoError(t, err)
	require.NoError(t, h2.Release())
}

func TestAcquireTimesOut(t *testing.T) {
	target := filepath.Join(t.TempDir(), "rec.md")
	c := newTestController(30 * time.Millisecond)

	h, err := c.Acquire(context.Background(), target)
	require.NoError(t, err)
	defer h.Release()

	start := time.Now()
	_, err = c.Acquire(context.Background(), target)
	require.Error(t, err)
	assert.ErrorIs(t, err, memerr.ErrConcurrency)
	assert.True(t, memerr.Retryable(err))
	assert.Contains(t, err.Error(), "test-agent")
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestAcquireHonorsContext(t *testing.T) {
	target := filepath.Join(t.TempDir(), "rec.md")
	c := newTestController(time.Minute)

	h, err := c.Acquire(context.Background(), target)
	require.NoError(t, err)
	defer h.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Acquire(ctx, target)
	require.Error(t, err)
	assert.ErrorIs(t, err, memerr.ErrConcurrency)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestMutualExclusion(t *testing.T) {
	target := filepath.Join(t.TempDir(), "rec.md")
	c := newTestController(10 * time.Second)

	var inside, maxInside, total atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				h, err := c.Acquire(context.Background(), target)
				if !assert.NoError(t, err) {
					return
				}
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				total.Add(1)
				assert.NoError(t, h.Release())
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, int32(40), total.Load())
}

func TestAcquireAllSortsAndDedupes(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.md")
	b := filepath.Join(dir, "b.md")
	c := newTestController(time.Second)

	set, err := c.AcquireAll(context.Background(), []string{b, a, b})
	require.NoError(t, err)
	require.Len(t, set, 2)
	assert.Equal(t, a, set[0].Target())
	assert.Equal(t, b, set[1].Target())
	require.NoError(t, set.Release())
}

func TestAcquireAllReleasesOnFailure(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.md")
	b := filepath.Join(dir, "b.md")
	c := newTestController(20 * time.Millisecond)

	held, err := c.Acquire(context.Background(), b)
	require.NoError(t, err)

	_, err = c.AcquireAll(context.Background(), []string{a, b})
	assert.ErrorIs(t, err, memerr.ErrConcurrency)
	require.NoError(t, held.Release())

	// a must have been released by the failed batch.
	h, err := c.Acquire(context.Background(), a)
	require.NoError(t, err)
	require.NoError(t, h.Release())
}

func TestConcurrentBatchesDoNotDeadlock(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.md")
	b := filepath.Join(dir, "b.md")
	c := newTestController(5 * time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		targets := []string{a, b}
		if i%2 == 1 {
			targets = []string{b, a}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				set, err := c.AcquireAll(context.Background(), targets)
				if !assert.NoError(t, err) {
					return
				}
				assert.NoError(t, set.Release())
			}
		}()
	}
	wg.Wait()
}
