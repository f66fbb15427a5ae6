package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokistudios/vmem/internal/coord"
	"github.com/kokistudios/vmem/internal/decision"
	"github.com/kokistudios/vmem/internal/lock"
	"github.com/kokistudios/vmem/internal/memerr"
)

var fixedNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func setupStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.AgentID == "" {
		opts.AgentID = "agent-test"
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return fixedNow }
	}
	s, err := Open(filepath.Join(t.TempDir(), ".vector-memory"), opts)
	require.NoError(t, err)
	return s
}

func c(task string, stage, layer int) coord.Coordinate {
	return coord.Coordinate{Task: task, Stage: coord.Stage(stage), Layer: coord.Layer(layer)}
}

func TestOpenWritesGitIgnore(t *testing.T) {
	s := setupStore(t, Options{})
	data, err := os.ReadFile(filepath.Join(s.Root(), ".gitignore"))
	require.NoError(t, err)
	assert.Equal(t, GitIgnore, string(data))
}

func TestReadOnlyLeavesRootUntouched(t *testing.T) {
	root := filepath.Join(t.TempDir(), ".vector-memory")
	s, err := Open(root, Options{ReadOnly: true})
	require.NoError(t, err)
	assert.NoDirExists(t, root)

	ok, err := s.Exists(c("t-1", 1, 1))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Put(context.Background(), c("t-1", 1, 1), "x", nil)
	assert.ErrorIs(t, err, memerr.ErrStorage)
	assert.NoDirExists(t, root)
}

func TestCaseVariantTasksAreSeparate(t *testing.T) {
	s := setupStore(t, Options{})
	ctx := context.Background()

	_, err := s.Put(ctx, c("ABC", 1, 1), "upper", nil)
	require.NoError(t, err)
	_, err = s.Put(ctx, c("abc", 1, 1), "lower", nil)
	require.NoError(t, err, "a case variant is a different foundational slot")

	for task, want := range map[string]string{"ABC": "upper", "abc": "lower"} {
		got, ok, err := s.Get(c(task, 1, 1))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, got.Content)
	}

	locs, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"x-_a_b_c/y-1-z-1.md", "x-abc/y-1-z-1.md"}, locs)
}

func TestPutGetRoundTrip(t *testing.T) {
	s := setupStore(t, Options{})
	ctx := context.Background()
	at := c("codeframe-aco-t49", 2, 1)

	rec, err := s.Put(ctx, at, "Use flock.\n", map[string]string{decision.ContextIssueID: "codeframe-aco-t49"})
	require.NoError(t, err)
	assert.Equal(t, "agent-test", rec.AgentID)
	assert.True(t, rec.Timestamp.Equal(fixedNow))

	assert.FileExists(t, filepath.Join(s.Root(), "x-codeframe-aco-t49", "y-2-z-1.md"))

	got, ok, err := s.Get(at)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Use flock.\n", got.Content)
	assert.Equal(t, at, got.Coordinate)
	assert.Equal(t, "codeframe-aco-t49", got.Context[decision.ContextIssueID])
	assert.True(t, got.Timestamp.Equal(fixedNow))
}

func TestReturnedRecordMatchesStored(t *testing.T) {
	s := setupStore(t, Options{})
	ctx := context.Background()

	for i, meta := range []map[string]string{nil, {}, {decision.ContextTitle: "db"}} {
		at := c("t-1", 1, i+2)
		rec, err := s.Put(ctx, at, "content", meta)
		require.NoError(t, err)
		got, ok, err := s.Get(at)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, rec, got, "context %#v", meta)
	}
	rec, err := s.Put(ctx, c("t-1", 1, 4), "content", map[string]string{})
	require.NoError(t, err)
	assert.Nil(t, rec.Context)
}

func TestGetMissing(t *testing.T) {
	s := setupStore(t, Options{})
	_, ok, err := s.Get(c("t-1", 1, 1))
	require.NoError(t, err)
	assert.False(t, ok)

	exists, err := s.Exists(c("t-1", 1, 1))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFoundationalLayerIsImmutable(t *testing.T) {
	s := setupStore(t, Options{})
	ctx := context.Background()
	at := c("t-1", 1, 1)

	_, err := s.Put(ctx, at, "first", nil)
	require.NoError(t, err)

	_, err = s.Put(ctx, at, "second", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, memerr.ErrImmutableLayer)

	got, _, err := s.Get(at)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Content)
}

func TestMutableLayersOverwrite(t *testing.T) {
	s := setupStore(t, Options{})
	ctx := context.Background()
	for _, layer := range []int{2, 3, 4} {
		at := c("t-1", 1, layer)
		_, err := s.Put(ctx, at, "v1", nil)
		require.NoError(t, err)
		_, err = s.Put(ctx, at, "v2", nil)
		require.NoError(t, err)

		got, _, err := s.Get(at)
		require.NoError(t, err)
		assert.Equal(t, "v2", got.Content)
	}
}

func TestValidationHappensBeforeIO(t *testing.T) {
	var hooked int
	s := setupStore(t, Options{MaxContentBytes: 8, OnWrite: func(decision.Record, string) { hooked++ }})
	ctx := context.Background()

	_, err := s.Put(ctx, c("bad/task", 1, 1), "x", nil)
	assert.ErrorIs(t, err, memerr.ErrCoordinateValidation)

	_, err = s.Put(ctx, c("t-1", 7, 1), "x", nil)
	assert.ErrorIs(t, err, memerr.ErrCoordinateValidation)

	_, err = s.Put(ctx, c("t-1", 1, 1), "   ", nil)
	assert.ErrorIs(t, err, memerr.ErrInvalidRecord)

	_, err = s.Put(ctx, c("t-1", 1, 1), "too long for limit", nil)
	assert.ErrorIs(t, err, memerr.ErrInvalidRecord)

	entries, err := os.ReadDir(s.Root())
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, ".gitignore", e.Name(), "nothing but .gitignore should exist")
	}
	assert.Zero(t, hooked)
}

func TestWriteHookRunsPerRecord(t *testing.T) {
	var mu sync.Mutex
	hooked := map[string]string{}
	s := setupStore(t, Options{OnWrite: func(rec decision.Record, loc string) {
		mu.Lock()
		defer mu.Unlock()
		hooked[loc] = rec.Content
	}})

	_, err := s.PutBatch(context.Background(), []Write{
		{Coord: c("t-1", 1, 2), Content: "a"},
		{Coord: c("t-1", 2, 3), Content: "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"x-t-1/y-1-z-2.md": "a",
		"x-t-1/y-2-z-3.md": "b",
	}, hooked)
}

func TestPutBatchPrechecksImmutability(t *testing.T) {
	s := setupStore(t, Options{})
	ctx := context.Background()

	_, err := s.Put(ctx, c("t-1", 1, 1), "occupied", nil)
	require.NoError(t, err)

	_, err = s.PutBatch(ctx, []Write{
		{Coord: c("t-2", 1, 2), Content: "would be written first"},
		{Coord: c("t-1", 1, 1), Content: "conflicts"},
	})
	assert.ErrorIs(t, err, memerr.ErrImmutableLayer)

	exists, err := s.Exists(c("t-2", 1, 2))
	require.NoError(t, err)
	assert.False(t, exists, "no member may be written when one conflicts")
}

func TestPutBatchRejectsDuplicates(t *testing.T) {
	s := setupStore(t, Options{})
	_, err := s.PutBatch(context.Background(), []Write{
		{Coord: c("t-1", 1, 2), Content: "a"},
		{Coord: c("t-1", 1, 2), Content: "b"},
	})
	assert.ErrorIs(t, err, memerr.ErrInvalidRecord)
}

func TestPutTimesOutWhenLocked(t *testing.T) {
	locker := lock.NewController(lock.Config{Timeout: 20 * time.Millisecond, PollInterval: time.Millisecond})
	s := setupStore(t, Options{Locker: locker})
	at := c("t-1", 1, 2)

	h, err := locker.Acquire(context.Background(), s.Path(at))
	require.NoError(t, err)
	defer h.Release()

	_, err = s.Put(context.Background(), at, "blocked", nil)
	assert.ErrorIs(t, err, memerr.ErrConcurrency)
}

func TestConcurrentWritersSameMutableCoordinate(t *testing.T) {
	s := setupStore(t, Options{})
	at := c("t-1", 3, 3)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Put(context.Background(), at, fmt.Sprintf("writer %d", i), nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, ok, err := s.Get(at)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Regexp(t, `^writer \d$`, got.Content)
}

func TestConcurrentWritersSameFoundationalCoordinate(t *testing.T) {
	s := setupStore(t, Options{})
	at := c("t-1", 1, 1)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins, rejects int
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Put(context.Background(), at, fmt.Sprintf("writer %d", i), nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case memerr.KindOf(err) == memerr.KindImmutableLayer:
				rejects++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, 9, rejects)
}

func TestConcurrentWritersDistinctCoordinates(t *testing.T) {
	s := setupStore(t, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Put(context.Background(), c(fmt.Sprintf("t-%d", i), 1, 1), "decision", nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	locs, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Len(t, locs, 20)
}

func TestScanSkipsNonRecords(t *testing.T) {
	s := setupStore(t, Options{})
	ctx := context.Background()
	_, err := s.Put(ctx, c("t-1", 1, 1), "a", nil)
	require.NoError(t, err)

	root := s.Root()
	os.WriteFile(filepath.Join(root, "README.md"), []byte("root level"), 0644)
	os.WriteFile(filepath.Join(root, "x-t-1", ".y-1-z-2.md.123.tmp"), []byte("tmp"), 0644)
	os.MkdirAll(filepath.Join(root, ".git"), 0755)
	os.WriteFile(filepath.Join(root, ".git", "x.md"), []byte("hidden"), 0644)
	os.WriteFile(filepath.Join(root, "x-t-1", "notes.md"), []byte("stray"), 0644)

	locs, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"x-t-1/y-1-z-1.md", "x-t-1/notes.md"}, locs)
}

func TestLoadRejectsMismatchedCoordinate(t *testing.T) {
	s := setupStore(t, Options{})
	ctx := context.Background()
	_, err := s.Put(ctx, c("t-1", 1, 2), "a", nil)
	require.NoError(t, err)

	// Copy the record to a location it does not describe.
	data, err := os.ReadFile(s.Path(c("t-1", 1, 2)))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path(c("t-1", 1, 3)), data, 0644))

	_, _, err = s.Get(c("t-1", 1, 3))
	assert.ErrorIs(t, err, memerr.ErrStorage)
}

func TestGetCorruptRecord(t *testing.T) {
	s := setupStore(t, Options{})
	at := c("t-1", 1, 2)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path(at)), 0755))
	require.NoError(t, os.WriteFile(s.Path(at), []byte("not a record"), 0644))

	_, _, err := s.Get(at)
	assert.ErrorIs(t, err, memerr.ErrStorage)
}

func TestCheckAndClean(t *testing.T) {
	s := setupStore(t, Options{Locker: lock.NewController(lock.Config{Timeout: time.Millisecond})})
	ctx := context.Background()
	_, err := s.Put(ctx, c("t-1", 1, 1), "a", nil)
	require.NoError(t, err)

	issues, err := s.Check(ctx)
	require.NoError(t, err)
	assert.Empty(t, issues)

	root := s.Root()
	tmp := filepath.Join(root, "x-t-1", ".y-1-z-2.md.999.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("partial"), 0644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(tmp, old, old))
	require.NoError(t, os.WriteFile(filepath.Join(root, "x-t-1", "y-2-z-2.md"), []byte("garbage"), 0644))
	require.NoError(t, os.Remove(filepath.Join(root, ".gitignore")))

	issues, err = s.Check(ctx)
	require.NoError(t, err)
	assert.Len(t, issues, 3)

	fixed := s.Clean()
	assert.Len(t, fixed, 2)
	assert.NoFileExists(t, tmp)
	assert.FileExists(t, filepath.Join(root, ".gitignore"))

	issues, err = s.Check(ctx)
	require.NoError(t, err)
	require.Len(t, issues, 1, "corrupt records are reported, never deleted")
	assert.Equal(t, "x-t-1/y-2-z-2.md", issues[0].Location)
}
