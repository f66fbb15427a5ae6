package coord

import (
	"cmp"
	"slices"
	"strings"
)

// Order positions task ids relative to each other. It is supplied by the
// external task graph and may be partial.
type Order interface {
	// Compare returns the sign of a relative to b. ok is false when the two
	// tasks are incomparable.
	Compare(a, b string) (c int, ok bool)

	// Rank returns the task's position in a deterministic linear extension
	// of the order. ok is false for tasks the order knows nothing about.
	// If Compare(a, b) < 0 then Rank(a) < Rank(b) whenever both are ranked.
	Rank(task string) (rank int, ok bool)
}

type lexical struct{}

func (lexical) Compare(a, b string) (int, bool) { return strings.Compare(a, b), true }
func (lexical) Rank(string) (int, bool)         { return 0, false }

// Lexical orders tasks by byte-wise string comparison. It is total.
var Lexical Order = lexical{}

// CompareTasks compares two task ids under ord (Lexical when nil).
// Identical ids are always equal.
func CompareTasks(a, b string, ord Order) (int, bool) {
	if a == b {
		return 0, true
	}
	if ord == nil {
		ord = Lexical
	}
	return ord.Compare(a, b)
}

// Precedes reports c < (task, stage): c's task comes strictly before task,
// or it is the same task at an earlier stage. The layer is ignored.
// Incomparable tasks never precede each other.
func Precedes(c Coordinate, task string, stage Stage, ord Order) bool {
	d, ok := CompareTasks(c.Task, task, ord)
	if !ok {
		return false
	}
	return d < 0 || (d == 0 && c.Stage < stage)
}

// Less applies the happened-before partial order between two coordinates.
func Less(a, b Coordinate, ord Order) bool {
	return Precedes(a, b.Task, b.Stage, ord)
}

// Compare is the deterministic total order used for sorting results:
// ranked tasks first by rank, then task id, stage and layer. The task id
// tie-break is for output only and says nothing about happened-before.
func Compare(a, b Coordinate, ord Order) int {
	if ord == nil {
		ord = Lexical
	}
	if a.Task != b.Task {
		ra, oka := ord.Rank(a.Task)
		rb, okb := ord.Rank(b.Task)
		switch {
		case oka && okb && ra != rb:
			return cmp.Compare(ra, rb)
		case oka && !okb:
			return -1
		case !oka && okb:
			return 1
		}
		if d := strings.Compare(a.Task, b.Task); d != 0 {
			return d
		}
	}
	if a.Stage != b.Stage {
		return cmp.Compare(a.Stage, b.Stage)
	}
	return cmp.Compare(a.Layer, b.Layer)
}

// Sort orders coords in place with Compare.
func Sort(coords []Coordinate, ord Order) {
	slices.SortFunc(coords, func(a, b Coordinate) int { return Compare(a, b, ord) })
}
