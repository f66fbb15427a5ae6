// Package query answers exact, range, partial-order and content queries
// from the index, reading record bodies from the store.
package query

import (
	"cmp"
	"context"
	"io"
	"slices"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/kokistudios/vmem/internal/coord"
	"github.com/kokistudios/vmem/internal/decision"
	"github.com/kokistudios/vmem/internal/index"
	"github.com/kokistudios/vmem/internal/memerr"
)

// Reader reads records from disk. *store.Store satisfies it.
type Reader interface {
	Get(c coord.Coordinate) (decision.Record, bool, error)
}

type Engine struct {
	ix     *index.Index
	st     Reader
	ord    coord.Order
	logger *log.Logger
}

// New builds an Engine. A nil ord orders tasks lexically.
func New(ix *index.Index, st Reader, ord coord.Order, logger *log.Logger) *Engine {
	if ord == nil {
		ord = coord.Lexical
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Engine{ix: ix, st: st, ord: ord, logger: logger.WithPrefix("query")}
}

// Order returns the task order in use.
func (e *Engine) Order() coord.Order { return e.ord }

// TaskRange bounds the task axis, inclusive, under the engine's order.
type TaskRange struct {
	Min, Max string
}

// IntRange bounds the stage or layer axis, inclusive.
type IntRange struct {
	Min, Max int
}

func (r *IntRange) contains(v int) bool {
	return r == nil || (v >= r.Min && v <= r.Max)
}

// RangeQuery selects coordinates inside every given bound. A nil bound
// leaves that axis unconstrained.
type RangeQuery struct {
	Task  *TaskRange
	Stage *IntRange
	Layer *IntRange
}

// validate rejects inverted bounds. Task bounds that are incomparable under
// the order are not an error; nothing can lie between them.
func (q RangeQuery) validate(ord coord.Order) error {
	if q.Task != nil {
		if err := coord.ValidateTask(q.Task.Min); err != nil {
			return memerr.E(memerr.KindQuery, "query.range", "", err)
		}
		if err := coord.ValidateTask(q.Task.Max); err != nil {
			return memerr.E(memerr.KindQuery, "query.range", "", err)
		}
		if d, ok := coord.CompareTasks(q.Task.Min, q.Task.Max, ord); ok && d > 0 {
			return memerr.Errorf(memerr.KindQuery, "query.range", "", "task range min %q > max %q", q.Task.Min, q.Task.Max)
		}
	}
	if q.Stage != nil && q.Stage.Min > q.Stage.Max {
		return memerr.Errorf(memerr.KindQuery, "query.range", "", "stage range min %d > max %d", q.Stage.Min, q.Stage.Max)
	}
	if q.Layer != nil && q.Layer.Min > q.Layer.Max {
		return memerr.Errorf(memerr.KindQuery, "query.range", "", "layer range min %d > max %d", q.Layer.Min, q.Layer.Max)
	}
	return nil
}

// taskInRange reports min <= task <= max; a task incomparable to either
// bound is outside.
func (e *Engine) taskInRange(task string, r *TaskRange) bool {
	if r == nil {
		return true
	}
	lo, ok := coord.CompareTasks(r.Min, task, e.ord)
	if !ok || lo > 0 {
		return false
	}
	hi, ok := coord.CompareTasks(task, r.Max, e.ord)
	return ok && hi <= 0
}

// Exact returns the record at c. An index miss falls back to disk and
// repairs the index when the record is there.
func (e *Engine) Exact(ctx context.Context, c coord.Coordinate) (decision.Record, bool, error) {
	if err := c.Validate(); err != nil {
		return decision.Record{}, false, err
	}
	_, indexed := e.ix.Lookup(c)
	rec, ok, err := e.st.Get(c)
	if err != nil {
		return decision.Record{}, false, err
	}
	switch {
	case ok && !indexed:
		e.logger.Debug("read-repair", "coord", c)
		e.ix.AddRecord(rec)
	case !ok && indexed:
		e.logger.Debug("dropping vanished record", "coord", c)
		e.ix.Remove(c)
	}
	return rec, ok, nil
}

// Range returns every record inside q, sorted.
func (e *Engine) Range(ctx context.Context, q RangeQuery) ([]decision.Record, error) {
	if err := q.validate(e.ord); err != nil {
		return nil, err
	}

	var candidates []coord.Coordinate
	if q.Layer != nil {
		for l := max(q.Layer.Min, int(coord.LayerArchitecture)); l <= min(q.Layer.Max, int(coord.LayerEphemeral)); l++ {
			candidates = append(candidates, e.ix.Layer(coord.Layer(l))...)
		}
	} else {
		candidates = e.ix.Coordinates()
	}

	matches := slices.DeleteFunc(candidates, func(c coord.Coordinate) bool {
		return !(e.taskInRange(c.Task, q.Task) && q.Stage.contains(int(c.Stage)) && q.Layer.contains(int(c.Layer)))
	})
	return e.load(ctx, matches)
}

// PartialOrder returns every record strictly before (task, stage), i.e. an
// earlier task in the order, or the same task at an earlier stage. Each
// candidate is tested against the threshold alone. layer, when set, keeps
// only that layer.
func (e *Engine) PartialOrder(ctx context.Context, task string, stage coord.Stage, layer *coord.Layer) ([]decision.Record, error) {
	if err := coord.ValidateTask(task); err != nil {
		return nil, err
	}
	if err := coord.ValidateStageThreshold(stage); err != nil {
		return nil, err
	}
	var candidates []coord.Coordinate
	if layer != nil {
		if !layer.Valid() {
			return nil, memerr.Errorf(memerr.KindCoordinateValidation, "query.before", "", "layer must be in 1..%d, got %d", coord.LayerEphemeral, *layer)
		}
		candidates = e.ix.Layer(*layer)
	} else {
		candidates = e.ix.Coordinates()
	}

	matches := slices.DeleteFunc(candidates, func(c coord.Coordinate) bool {
		return !coord.Precedes(c, task, stage, e.ord)
	})
	return e.load(ctx, matches)
}

// Hit is one search result.
type Hit struct {
	Record decision.Record
	// Matched counts the distinct query terms found in the record.
	Matched int
}

// Search finds records by content. A term matches a record when every token
// of the term occurs in it. With matchAll every term must match, otherwise
// any. Hits are ranked by Matched, descending, then by coordinate order.
func (e *Engine) Search(ctx context.Context, terms []string, matchAll bool) ([]Hit, error) {
	var termTokens [][]string
	for _, t := range terms {
		if strings.TrimSpace(t) == "" {
			continue
		}
		toks := index.Tokenize(t)
		if len(toks) == 0 {
			continue
		}
		termTokens = append(termTokens, toks)
	}
	if len(termTokens) == 0 {
		return nil, memerr.Errorf(memerr.KindQuery, "query.search", "", "at least one non-blank search term is required")
	}
	// Repeated terms count once.
	slices.SortFunc(termTokens, func(a, b []string) int { return slices.Compare(a, b) })
	termTokens = slices.CompactFunc(termTokens, slices.Equal[[]string])

	counts := make(map[coord.Coordinate]int)
	for _, toks := range termTokens {
		for _, c := range e.ix.Match(toks) {
			counts[c]++
		}
	}

	coords := make([]coord.Coordinate, 0, len(counts))
	for c, n := range counts {
		if matchAll && n < len(termTokens) {
			continue
		}
		coords = append(coords, c)
	}
	slices.SortFunc(coords, func(a, b coord.Coordinate) int {
		if d := cmp.Compare(counts[b], counts[a]); d != 0 {
			return d
		}
		return coord.Compare(a, b, e.ord)
	})

	hits := make([]Hit, 0, len(coords))
	for _, c := range coords {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, ok, err := e.readThrough(c)
		if err != nil {
			return nil, err
		}
		if ok {
			hits = append(hits, Hit{Record: rec, Matched: counts[c]})
		}
	}
	return hits, nil
}

// load sorts coords and reads their records, skipping any that vanished
// since they were indexed.
func (e *Engine) load(ctx context.Context, coords []coord.Coordinate) ([]decision.Record, error) {
	coord.Sort(coords, e.ord)
	out := make([]decision.Record, 0, len(coords))
	for _, c := range coords {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, ok, err := e.readThrough(c)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (e *Engine) readThrough(c coord.Coordinate) (decision.Record, bool, error) {
	rec, ok, err := e.st.Get(c)
	if err != nil {
		return decision.Record{}, false, err
	}
	if !ok {
		e.logger.Debug("dropping vanished record", "coord", c)
		e.ix.Remove(c)
	}
	return rec, ok, nil
}
