// Package index keeps a per-process view of every record on disk so that
// lookups and scans avoid walking the memory root.
//
// The index is a cache. Disk is the truth: Rebuild reconstructs it from a
// full scan, the store's write hook keeps it current for this process, and
// Watcher applies writes made by other processes.
package index

import (
	"context"
	"io"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/kokistudios/vmem/internal/coord"
	"github.com/kokistudios/vmem/internal/decision"
)

// Entry locates one record and carries what queries need without reading it.
type Entry struct {
	Coord     coord.Coordinate
	Location  string
	Timestamp time.Time
	AgentID   string
	Tokens    []string
}

// EntryFor derives the index entry of a record.
func EntryFor(rec decision.Record) Entry {
	return Entry{
		Coord:     rec.Coordinate,
		Location:  rec.Coordinate.Location(),
		Timestamp: rec.Timestamp,
		AgentID:   rec.AgentID,
		Tokens:    Tokenize(rec.Content),
	}
}

// Source is what Rebuild and Watcher read records from. *store.Store
// satisfies it.
type Source interface {
	Scan(ctx context.Context) ([]string, error)
	Load(location string) (decision.Record, error)
}

type set = map[coord.Coordinate]struct{}

type op struct {
	entry  Entry
	remove bool
}

type Index struct {
	mu      sync.RWMutex
	entries map[coord.Coordinate]Entry
	layers  map[coord.Layer]set
	tokens  map[string]set

	// journal collects mutations that land while a rebuild is scanning.
	journal    []op
	rebuilding bool
	rebuildMu  sync.Mutex

	logger *log.Logger
}

func New(logger *log.Logger) *Index {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	ix := &Index{logger: logger.WithPrefix("index")}
	ix.entries, ix.layers, ix.tokens = emptyMaps()
	return ix
}

func emptyMaps() (map[coord.Coordinate]Entry, map[coord.Layer]set, map[string]set) {
	return make(map[coord.Coordinate]Entry), make(map[coord.Layer]set), make(map[string]set)
}

// Add inserts or replaces the entry at e.Coord.
func (ix *Index) Add(e Entry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.rebuilding {
		ix.journal = append(ix.journal, op{entry: e})
	}
	ix.add(e)
}

// AddRecord indexes a record.
func (ix *Index) AddRecord(rec decision.Record) {
	ix.Add(EntryFor(rec))
}

// Remove drops the entry at c, if any.
func (ix *Index) Remove(c coord.Coordinate) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.rebuilding {
		ix.journal = append(ix.journal, op{entry: Entry{Coord: c}, remove: true})
	}
	ix.remove(c)
}

func (ix *Index) add(e Entry) {
	ix.remove(e.Coord)
	ix.entries[e.Coord] = e
	addTo(ix.layers, e.Coord.Layer, e.Coord)
	for _, tok := range e.Tokens {
		addTo(ix.tokens, tok, e.Coord)
	}
}

func (ix *Index) remove(c coord.Coordinate) {
	old, ok := ix.entries[c]
	if !ok {
		return
	}
	delete(ix.entries, c)
	removeFrom(ix.layers, c.Layer, c)
	for _, tok := range old.Tokens {
		removeFrom(ix.tokens, tok, c)
	}
}

func addTo[K comparable](m map[K]set, k K, c coord.Coordinate) {
	s, ok := m[k]
	if !ok {
		s = make(set)
		m[k] = s
	}
	s[c] = struct{}{}
}

func removeFrom[K comparable](m map[K]set, k K, c coord.Coordinate) {
	s, ok := m[k]
	if !ok {
		return
	}
	delete(s, c)
	if len(s) == 0 {
		delete(m, k)
	}
}

// Lookup returns the entry at c.
func (ix *Index) Lookup(c coord.Coordinate) (Entry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.entries[c]
	return e, ok
}

func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Coordinates returns every indexed coordinate, unordered.
func (ix *Index) Coordinates() []coord.Coordinate {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return slices.Collect(maps.Keys(ix.entries))
}

// Layer returns the coordinates indexed at layer l, unordered.
func (ix *Index) Layer(l coord.Layer) []coord.Coordinate {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return slices.Collect(maps.Keys(ix.layers[l]))
}

// Match returns the coordinates whose token set contains every token.
// An empty token list matches nothing.
func (ix *Index) Match(tokens []string) []coord.Coordinate {
	if len(tokens) == 0 {
		return nil
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	// Start from the rarest token.
	sets := make([]set, 0, len(tokens))
	for _, tok := range tokens {
		s, ok := ix.tokens[tok]
		if !ok {
			return nil
		}
		sets = append(sets, s)
	}
	slices.SortFunc(sets, func(a, b set) int { return len(a) - len(b) })

	var out []coord.Coordinate
outer:
	for c := range sets[0] {
		for _, s := range sets[1:] {
			if _, ok := s[c]; !ok {
				continue outer
			}
		}
		out = append(out, c)
	}
	return out
}

// Skipped is a file Rebuild could not index.
type Skipped struct {
	Location string
	Err      error
}

// Report summarizes a rebuild.
type Report struct {
	Indexed  int
	Skipped  []Skipped
	Replayed int
	Took     time.Duration
}

// DefaultWorkers bounds concurrent file reads during Rebuild.
const DefaultWorkers = 8

// Rebuild replaces the index contents with a fresh scan of src. Files that
// fail to parse are logged and skipped. Mutations made while the scan runs
// are replayed after the swap so none are lost. Concurrent rebuilds are
// serialized.
func (ix *Index) Rebuild(ctx context.Context, src Source, workers int) (Report, error) {
	ix.rebuildMu.Lock()
	defer ix.rebuildMu.Unlock()

	if workers <= 0 {
		workers = DefaultWorkers
	}
	start := time.Now()

	ix.mu.Lock()
	ix.rebuilding = true
	ix.journal = nil
	ix.mu.Unlock()
	defer func() {
		ix.mu.Lock()
		ix.rebuilding = false
		ix.journal = nil
		ix.mu.Unlock()
	}()

	locs, err := src.Scan(ctx)
	if err != nil {
		return Report{}, err
	}

	type result struct {
		entry Entry
		err   error
	}
	results := make([]result, len(locs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, loc := range locs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rec, err := src.Load(loc)
			if err != nil {
				results[i].err = err
				return nil
			}
			results[i].entry = EntryFor(rec)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	var report Report
	entries, layers, tokens := emptyMaps()
	fresh := &Index{entries: entries, layers: layers, tokens: tokens}
	for i, r := range results {
		if r.err != nil {
			ix.logger.Warn("skipping unreadable record", "path", locs[i], "err", r.err)
			report.Skipped = append(report.Skipped, Skipped{Location: locs[i], Err: r.err})
			continue
		}
		fresh.add(r.entry)
		report.Indexed++
	}

	ix.mu.Lock()
	ix.entries, ix.layers, ix.tokens = fresh.entries, fresh.layers, fresh.tokens
	for _, o := range ix.journal {
		if o.remove {
			ix.remove(o.entry.Coord)
		} else {
			ix.add(o.entry)
		}
	}
	report.Replayed = len(ix.journal)
	ix.mu.Unlock()

	report.Took = time.Since(start)
	ix.logger.Debug("rebuilt", "indexed", report.Indexed, "skipped", len(report.Skipped), "replayed", report.Replayed, "took", report.Took)
	return report, nil
}
