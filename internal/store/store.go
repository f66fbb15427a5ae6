// Package store persists decision records as one file per coordinate under
// the memory root.
//
// Writes are serialized per coordinate by the lock package and land
// atomically (temp file in the same directory, fsync, rename), so a reader
// sees either the whole previous record or the whole new one. Reads take no
// lock.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/kokistudios/vmem/internal/coord"
	"github.com/kokistudios/vmem/internal/decision"
	"github.com/kokistudios/vmem/internal/lock"
	"github.com/kokistudios/vmem/internal/memerr"
)

// GitIgnore is written to the memory root so lock and temp files never reach
// a commit.
const GitIgnore = "*.lock\n*.tmp\n"

// WriteHook runs after a record is durably written and before its lock is
// released.
type WriteHook func(rec decision.Record, location string)

type Options struct {
	// MaxContentBytes bounds record content. Zero means
	// decision.DefaultMaxContentBytes.
	MaxContentBytes int
	// AgentID is stamped on every record written through this store.
	AgentID string
	// Now supplies record timestamps. Defaults to time.Now.
	Now     func() time.Time
	Locker  *lock.Controller
	Logger  *log.Logger
	OnWrite WriteHook
	// ReadOnly opens the root as is: nothing is created and writes fail.
	ReadOnly bool
}

// Store represents a memory root on disk.
type Store struct {
	root   string
	opts   Options
	locker *lock.Controller
	logger *log.Logger
}

// Open prepares root for use, creating it and its .gitignore if needed.
// With ReadOnly set the root is left untouched and may be missing.
func Open(root string, opts Options) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, memerr.E(memerr.KindStorage, "store.open", root, err)
	}
	if !opts.ReadOnly {
		if err := os.MkdirAll(abs, 0755); err != nil {
			return nil, memerr.E(memerr.KindStorage, "store.open", root, fmt.Errorf("failed to create memory root: %w", err))
		}
		if err := ensureGitIgnore(abs); err != nil {
			return nil, memerr.E(memerr.KindStorage, "store.open", root, err)
		}
	}

	if opts.AgentID == "" {
		opts.AgentID = "unknown"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxContentBytes <= 0 {
		opts.MaxContentBytes = decision.DefaultMaxContentBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	locker := opts.Locker
	if locker == nil {
		locker = lock.NewController(lock.Config{Owner: opts.AgentID, Logger: logger})
	}
	return &Store{
		root:   abs,
		opts:   opts,
		locker: locker,
		logger: logger.WithPrefix("store"),
	}, nil
}

func ensureGitIgnore(root string) error {
	p := filepath.Join(root, ".gitignore")
	if _, err := os.Stat(p); err == nil {
		return nil
	}
	if err := os.WriteFile(p, []byte(GitIgnore), 0644); err != nil {
		return fmt.Errorf("failed to write .gitignore: %w", err)
	}
	return nil
}

// Root returns the absolute memory root.
func (s *Store) Root() string { return s.root }

// MaxContentBytes returns the effective content limit.
func (s *Store) MaxContentBytes() int { return s.opts.MaxContentBytes }

// SetWriteHook replaces the write hook. It must not be called concurrently
// with writes.
func (s *Store) SetWriteHook(h WriteHook) { s.opts.OnWrite = h }

// Path returns the absolute file path of a coordinate.
func (s *Store) Path(c coord.Coordinate) string {
	return s.abs(c.Location())
}

func (s *Store) abs(location string) string {
	return filepath.Join(s.root, filepath.FromSlash(location))
}

// Rel converts an absolute path under the root to a slash-separated
// location.
func (s *Store) Rel(path string) (string, error) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// Write is one member of a batch.
type Write struct {
	Coord   coord.Coordinate
	Content string
	Context map[string]string
}

// cloneContext copies meta, mapping an empty map to nil as it reads back.
func cloneContext(meta map[string]string) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	return maps.Clone(meta)
}

// Put writes content at c. Writes to an occupied foundational coordinate
// fail with memerr.ErrImmutableLayer and leave the existing record intact.
func (s *Store) Put(ctx context.Context, c coord.Coordinate, content string, meta map[string]string) (decision.Record, error) {
	recs, err := s.PutBatch(ctx, []Write{{Coord: c, Content: content, Context: meta}})
	if err != nil {
		return decision.Record{}, err
	}
	return recs[0], nil
}

// PutBatch writes every member under one lock set acquired in location
// order. Immutability is checked for all members before any is written.
// Duplicate coordinates in one batch are rejected.
func (s *Store) PutBatch(ctx context.Context, writes []Write) ([]decision.Record, error) {
	if len(writes) == 0 {
		return nil, nil
	}
	if s.opts.ReadOnly {
		return nil, memerr.Errorf(memerr.KindStorage, "store.put", writes[0].Coord.String(), "store is read-only")
	}
	paths := make([]string, 0, len(writes))
	seen := make(map[coord.Coordinate]bool, len(writes))
	for _, w := range writes {
		if err := w.Coord.Validate(); err != nil {
			return nil, err
		}
		if err := decision.ValidateContent(w.Content, s.opts.MaxContentBytes); err != nil {
			return nil, memerr.E(memerr.KindInvalidRecord, "store.put", w.Coord.String(), errors.Unwrap(err))
		}
		if seen[w.Coord] {
			return nil, memerr.Errorf(memerr.KindInvalidRecord, "store.put", w.Coord.String(), "coordinate appears twice in batch")
		}
		seen[w.Coord] = true
		paths = append(paths, s.Path(w.Coord))
	}

	set, err := s.locker.AcquireAll(ctx, paths)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := set.Release(); err != nil {
			s.logger.Warn("failed to release locks", "err", err)
		}
	}()

	// On-disk state is only trustworthy once the locks are held.
	for _, w := range writes {
		if !w.Coord.Layer.Immutable() {
			continue
		}
		occupied, err := s.Exists(w.Coord)
		if err != nil {
			return nil, err
		}
		if occupied {
			return nil, memerr.Errorf(memerr.KindImmutableLayer, "store.put", w.Coord.String(), "foundational layer is already occupied")
		}
	}

	now := s.opts.Now().UTC()
	recs := make([]decision.Record, 0, len(writes))
	for _, w := range writes {
		rec := decision.Record{
			Coordinate: w.Coord,
			Content:    w.Content,
			Timestamp:  now,
			AgentID:    s.opts.AgentID,
			Context:    cloneContext(w.Context),
		}
		if err := s.write(rec); err != nil {
			return nil, err
		}
		loc := w.Coord.Location()
		s.logger.Debug("stored decision", "coord", w.Coord, "location", loc)
		if s.opts.OnWrite != nil {
			s.opts.OnWrite(rec, loc)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *Store) write(rec decision.Record) error {
	data, err := decision.Marshal(&rec)
	if err != nil {
		return memerr.E(memerr.KindStorage, "store.write", rec.Coordinate.String(), err)
	}
	if err := writeAtomic(s.Path(rec.Coordinate), data); err != nil {
		return memerr.E(memerr.KindStorage, "store.write", rec.Coordinate.String(), err)
	}
	return nil
}

// writeAtomic replaces path with data via a synced temp file in the same
// directory.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		cleanup()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("failed to rename into place: %w", err)
	}
	return syncDir(dir)
}

// Get reads the record at c. A missing record is (zero, false, nil).
func (s *Store) Get(c coord.Coordinate) (decision.Record, bool, error) {
	if err := c.Validate(); err != nil {
		return decision.Record{}, false, err
	}
	rec, err := s.Load(c.Location())
	if errors.Is(err, fs.ErrNotExist) {
		return decision.Record{}, false, nil
	}
	if err != nil {
		return decision.Record{}, false, err
	}
	return rec, true, nil
}

// Exists reports whether c is occupied without reading the record.
func (s *Store) Exists(c coord.Coordinate) (bool, error) {
	if err := c.Validate(); err != nil {
		return false, err
	}
	_, err := os.Stat(s.Path(c))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, memerr.E(memerr.KindStorage, "store.exists", c.String(), err)
}

// Load reads the record at a location and checks that its embedded
// coordinate matches the path. A missing file yields an error satisfying
// errors.Is(err, fs.ErrNotExist).
func (s *Store) Load(location string) (decision.Record, error) {
	c, err := coord.ParseLocation(location)
	if err != nil {
		return decision.Record{}, err
	}
	data, err := os.ReadFile(s.abs(location))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return decision.Record{}, err
		}
		return decision.Record{}, memerr.E(memerr.KindStorage, "store.load", location, err)
	}
	rec, err := decision.Unmarshal(data, s.opts.MaxContentBytes)
	if err != nil {
		return decision.Record{}, memerr.E(memerr.KindStorage, "store.load", location, err)
	}
	if rec.Coordinate != c {
		return decision.Record{}, memerr.Errorf(memerr.KindStorage, "store.load", location, "record claims coordinate %s", rec.Coordinate)
	}
	return *rec, nil
}

// Scan lists the slash-separated locations of every candidate record file.
// Lock files, temp files, hidden entries and files directly under the root
// are skipped; names are not otherwise validated.
func (s *Store) Scan(ctx context.Context) ([]string, error) {
	var locs []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == s.root {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if filepath.Dir(path) != s.root {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Dir(path) == s.root || filepath.Ext(name) != coord.Ext {
			return nil
		}
		rel, err := s.Rel(path)
		if err != nil {
			return err
		}
		locs = append(locs, rel)
		return nil
	})
	if err != nil {
		return nil, memerr.E(memerr.KindStorage, "store.scan", "", err)
	}
	return locs, nil
}

// Issue represents a health check finding.
type Issue struct {
	Severity string // "warning" or "error"
	Location string
	Message  string
}

// Check inspects every file under the root: records that do not parse or
// sit at the wrong location, leftover temp files and a missing .gitignore.
func (s *Store) Check(ctx context.Context) ([]Issue, error) {
	var issues []Issue

	if _, err := os.Stat(filepath.Join(s.root, ".gitignore")); err != nil {
		issues = append(issues, Issue{"warning", ".gitignore", "missing; lock and temp files may be committed"})
	}

	for _, tmp := range s.tempFiles() {
		rel, _ := s.Rel(tmp)
		issues = append(issues, Issue{"warning", rel, "leftover temp file from an interrupted write"})
	}

	locs, err := s.Scan(ctx)
	if err != nil {
		return issues, err
	}
	for _, loc := range locs {
		if _, err := coord.ParseLocation(loc); err != nil {
			issues = append(issues, Issue{"warning", loc, "not a record location"})
			continue
		}
		if _, err := s.Load(loc); err != nil {
			issues = append(issues, Issue{"error", loc, err.Error()})
		}
	}
	return issues, nil
}

// tempFiles returns temp files older than the lock timeout, so a write in
// flight is never reported.
func (s *Store) tempFiles() []string {
	var out []string
	cutoff := time.Now().Add(-s.locker.Timeout())
	_ = filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".tmp") {
			return nil
		}
		if info, err := d.Info(); err == nil && info.ModTime().Before(cutoff) {
			out = append(out, path)
		}
		return nil
	})
	return out
}

// Clean repairs what Check can fix: it removes stale temp files and
// restores the .gitignore.
func (s *Store) Clean() []string {
	var fixed []string

	if _, err := os.Stat(filepath.Join(s.root, ".gitignore")); err != nil {
		if ensureGitIgnore(s.root) == nil {
			fixed = append(fixed, "recreated missing .gitignore")
		}
	}

	for _, tmp := range s.tempFiles() {
		if err := os.Remove(tmp); err == nil {
			rel, _ := s.Rel(tmp)
			fixed = append(fixed, fmt.Sprintf("removed stale temp file %s", rel))
		}
	}
	return fixed
}
