// Package gitsync makes record files durable by committing them to git in
// batches, and reloads the index when the durable state moves on.
//
// Writes only mark their location dirty. Flush turns everything dirty into a
// single commit; nothing commits per write.
package gitsync

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/kokistudios/vmem/internal/coord"
	"github.com/kokistudios/vmem/internal/index"
	"github.com/kokistudios/vmem/internal/memerr"
)

// Committer persists files under the memory root. Paths are relative to the
// root and slash-separated.
type Committer interface {
	// Commit records paths as one atomic unit and returns the new revision.
	Commit(ctx context.Context, label string, paths []string) (string, error)
	// Changed lists files under the root that differ from the last commit.
	Changed(ctx context.Context) ([]string, error)
	// Revision identifies the current durable state.
	Revision(ctx context.Context) (string, error)
}

// DefaultLabelPrefix starts every generated commit message.
const DefaultLabelPrefix = "vector-memory"

type Options struct {
	LabelPrefix string
	Workers     int
	Logger      *log.Logger
	Now         func() time.Time
}

type Syncer struct {
	committer Committer
	ix        *index.Index
	src       index.Source
	opts      Options
	logger    *log.Logger

	mu      sync.Mutex
	pending map[string]struct{}

	loads     singleflight.Group
	revMu     sync.Mutex
	loadedRev string
	loaded    bool
}

func New(c Committer, ix *index.Index, src index.Source, opts Options) *Syncer {
	if opts.LabelPrefix == "" {
		opts.LabelPrefix = DefaultLabelPrefix
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Syncer{
		committer: c,
		ix:        ix,
		src:       src,
		opts:      opts,
		logger:    logger.WithPrefix("sync"),
		pending:   make(map[string]struct{}),
	}
}

// Track marks a record location as awaiting commit.
func (s *Syncer) Track(location string) {
	s.mu.Lock()
	s.pending[location] = struct{}{}
	s.mu.Unlock()
}

// Pending returns the tracked locations, sorted.
func (s *Syncer) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.pending))
}

// FlushResult describes one flush.
type FlushResult struct {
	Revision  string
	Label     string
	Committed []string
}

// Label builds the default commit message for n records.
func (s *Syncer) Label(n int) string {
	return fmt.Sprintf("%s: sync %d decision(s) at %s", s.opts.LabelPrefix, n, s.opts.Now().UTC().Format(time.RFC3339))
}

// Flush commits every tracked location plus any uncommitted record file
// written by another process, as one commit. An empty label gets the
// default. On failure the tracked set is kept for the next attempt.
func (s *Syncer) Flush(ctx context.Context, label string) (FlushResult, error) {
	s.mu.Lock()
	tracked := slices.Collect(maps.Keys(s.pending))
	s.mu.Unlock()

	changed, err := s.committer.Changed(ctx)
	if err != nil {
		return FlushResult{}, memerr.E(memerr.KindStorage, "sync.flush", "", err)
	}

	seen := make(map[string]bool)
	var paths []string
	for _, p := range append(tracked, changed...) {
		if seen[p] {
			continue
		}
		seen[p] = true
		if _, err := coord.ParseLocation(p); err != nil {
			continue // config.yaml, .gitignore, strays
		}
		paths = append(paths, p)
	}
	slices.Sort(paths)
	if len(paths) == 0 {
		return FlushResult{}, nil
	}

	if label == "" {
		label = s.Label(len(paths))
	}
	rev, err := s.committer.Commit(ctx, label, paths)
	if err != nil {
		s.logger.Warn("flush failed; changes stay pending", "count", len(paths), "err", err)
		return FlushResult{}, memerr.E(memerr.KindStorage, "sync.flush", "", err)
	}

	s.mu.Lock()
	for _, p := range paths {
		delete(s.pending, p)
	}
	s.mu.Unlock()

	s.revMu.Lock()
	if s.loaded {
		s.loadedRev = rev
	}
	s.revMu.Unlock()

	s.logger.Info("committed decisions", "count", len(paths), "revision", short(rev))
	return FlushResult{Revision: rev, Label: label, Committed: paths}, nil
}

// Load rebuilds the index from disk and remembers the durable revision it
// reflects. Concurrent calls share one rebuild.
func (s *Syncer) Load(ctx context.Context) (index.Report, error) {
	v, err, shared := s.loads.Do("load", func() (any, error) {
		rev, err := s.committer.Revision(ctx)
		if err != nil {
			s.logger.Debug("no durable revision", "err", err)
			rev = ""
		}
		report, err := s.ix.Rebuild(ctx, s.src, s.opts.Workers)
		if err != nil {
			return nil, memerr.E(memerr.KindStorage, "sync.load", "", err)
		}
		s.revMu.Lock()
		s.loadedRev, s.loaded = rev, true
		s.revMu.Unlock()
		return report, nil
	})
	if err != nil {
		return index.Report{}, err
	}
	if shared {
		s.logger.Debug("joined in-flight load")
	}
	return v.(index.Report), nil
}

// Stale reports whether the durable state has moved since the last Load.
func (s *Syncer) Stale(ctx context.Context) (bool, error) {
	rev, err := s.committer.Revision(ctx)
	if err != nil {
		return false, memerr.E(memerr.KindStorage, "sync.stale", "", err)
	}
	s.revMu.Lock()
	defer s.revMu.Unlock()
	return !s.loaded || rev != s.loadedRev, nil
}

// Refresh reloads the index if it is stale. It reports whether a reload
// happened.
func (s *Syncer) Refresh(ctx context.Context) (bool, error) {
	stale, err := s.Stale(ctx)
	if err != nil || !stale {
		return false, err
	}
	if _, err := s.Load(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func short(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
