// Package coord defines the three-axis key that addresses a stored decision.
//
// A Coordinate is (Task, Stage, Layer):
//
//	Task   opaque, filesystem-safe task id from the external task graph
//	Stage  1..5: architect, test, implement, review, merge
//	Layer  1..4: architecture (write-once), interfaces, implementation, ephemeral
//
// Each coordinate maps to exactly one relative file location,
// x-<task>/y-<stage>-z-<layer>.md, and ParseLocation inverts that mapping.
package coord

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/kokistudios/vmem/internal/memerr"
)

type Stage int

const (
	StageArchitect Stage = iota + 1
	StageTest
	StageImplement
	StageReview
	StageMerge
)

// StageAfterMerge is only valid as a partial-order threshold: every stage of
// the threshold task precedes it.
const StageAfterMerge = StageMerge + 1

var stageNames = map[Stage]string{
	StageArchitect: "architect",
	StageTest:      "test",
	StageImplement: "implement",
	StageReview:    "review",
	StageMerge:     "merge",
}

func (s Stage) String() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return strconv.Itoa(int(s))
}

func (s Stage) Valid() bool { return s >= StageArchitect && s <= StageMerge }

// ParseStage accepts a stage number ("2") or name ("test").
func ParseStage(v string) (Stage, error) {
	v = strings.TrimSpace(strings.ToLower(v))
	for s, n := range stageNames {
		if n == v {
			return s, nil
		}
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, memerr.Errorf(memerr.KindCoordinateValidation, "coord.stage", "", "unknown stage %q", v)
	}
	return Stage(n), nil
}

type Layer int

const (
	LayerArchitecture Layer = iota + 1
	LayerInterfaces
	LayerImplementation
	LayerEphemeral
)

// FoundationalLayer is the write-once layer.
const FoundationalLayer = LayerArchitecture

var layerNames = map[Layer]string{
	LayerArchitecture:   "architecture",
	LayerInterfaces:     "interfaces",
	LayerImplementation: "implementation",
	LayerEphemeral:      "ephemeral",
}

func (l Layer) String() string {
	if n, ok := layerNames[l]; ok {
		return n
	}
	return strconv.Itoa(int(l))
}

func (l Layer) Valid() bool { return l >= LayerArchitecture && l <= LayerEphemeral }

// Immutable reports whether a record at this layer may never be replaced.
func (l Layer) Immutable() bool { return l == FoundationalLayer }

// Layers lists every valid layer in ascending order.
func Layers() []Layer {
	return []Layer{LayerArchitecture, LayerInterfaces, LayerImplementation, LayerEphemeral}
}

// ParseLayer accepts a layer number ("1") or name ("architecture").
func ParseLayer(v string) (Layer, error) {
	v = strings.TrimSpace(strings.ToLower(v))
	for l, n := range layerNames {
		if n == v {
			return l, nil
		}
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, memerr.Errorf(memerr.KindCoordinateValidation, "coord.layer", "", "unknown layer %q", v)
	}
	return Layer(n), nil
}

// MaxTaskLen bounds the task token length. A task made of uppercase letters
// or underscores doubles in length on disk and must still fit a file name.
const MaxTaskLen = 120

var taskPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Coordinate addresses one storage slot. It is comparable and can be used as
// a map key.
type Coordinate struct {
	Task  string
	Stage Stage
	Layer Layer
}

func New(task string, stage Stage, layer Layer) (Coordinate, error) {
	c := Coordinate{Task: task, Stage: stage, Layer: layer}
	if err := c.Validate(); err != nil {
		return Coordinate{}, err
	}
	return c, nil
}

func (c Coordinate) String() string {
	return fmt.Sprintf("(%s, %d, %d)", c.Task, c.Stage, c.Layer)
}

// ValidateTask checks the task token.
func ValidateTask(task string) error {
	if task == "" {
		return memerr.Errorf(memerr.KindCoordinateValidation, "coord.validate", "", "task must not be empty")
	}
	if len(task) > MaxTaskLen {
		return memerr.Errorf(memerr.KindCoordinateValidation, "coord.validate", "", "task longer than %d characters", MaxTaskLen)
	}
	if !taskPattern.MatchString(task) {
		return memerr.Errorf(memerr.KindCoordinateValidation, "coord.validate", "", "task %q must match %s", task, taskPattern)
	}
	return nil
}

// Validate checks all three axes.
func (c Coordinate) Validate() error {
	if err := ValidateTask(c.Task); err != nil {
		return err
	}
	if !c.Stage.Valid() {
		return memerr.Errorf(memerr.KindCoordinateValidation, "coord.validate", c.String(), "stage must be in 1..%d, got %d", StageMerge, c.Stage)
	}
	if !c.Layer.Valid() {
		return memerr.Errorf(memerr.KindCoordinateValidation, "coord.validate", c.String(), "layer must be in 1..%d, got %d", LayerEphemeral, c.Layer)
	}
	return nil
}

// ValidateStageThreshold accepts 1..StageAfterMerge.
func ValidateStageThreshold(s Stage) error {
	if s < StageArchitect || s > StageAfterMerge {
		return memerr.Errorf(memerr.KindCoordinateValidation, "coord.validate", "", "stage threshold must be in 1..%d, got %d", StageAfterMerge, s)
	}
	return nil
}

// Ext is the record file extension.
const Ext = ".md"

// TaskDir returns the directory name holding every record of a task.
// Uppercase letters are written as '_' plus the lowercase letter and '_' as
// "__", so tasks differing only in case never share a directory on
// case-insensitive filesystems.
func TaskDir(task string) string {
	var b strings.Builder
	b.Grow(len(task) + 2)
	b.WriteString("x-")
	for i := 0; i < len(task); i++ {
		ch := task[i]
		switch {
		case ch == '_':
			b.WriteByte('_')
		case 'A' <= ch && ch <= 'Z':
			b.WriteByte('_')
			ch += 'a' - 'A'
		}
		b.WriteByte(ch)
	}
	return b.String()
}

// taskFromDir inverts TaskDir.
func taskFromDir(dir string) (string, bool) {
	enc, ok := strings.CutPrefix(dir, "x-")
	if !ok || enc == "" {
		return "", false
	}
	var b strings.Builder
	b.Grow(len(enc))
	for i := 0; i < len(enc); i++ {
		ch := enc[i]
		switch {
		case ch == '_':
			i++
			switch {
			case i == len(enc):
				return "", false
			case enc[i] == '_':
				b.WriteByte('_')
			case 'a' <= enc[i] && enc[i] <= 'z':
				b.WriteByte(enc[i] - ('a' - 'A'))
			default:
				return "", false
			}
		case 'A' <= ch && ch <= 'Z':
			return "", false
		default:
			b.WriteByte(ch)
		}
	}
	return b.String(), true
}

// Location returns the slash-separated location relative to the memory root.
func (c Coordinate) Location() string {
	return path.Join(TaskDir(c.Task), fmt.Sprintf("y-%d-z-%d%s", c.Stage, c.Layer, Ext))
}

var filePattern = regexp.MustCompile(`^y-([0-9]+)-z-([0-9]+)\.md$`)

// ParseLocation is the inverse of Location. OS separators are accepted.
func ParseLocation(loc string) (Coordinate, error) {
	loc = filepath.ToSlash(loc)
	dir, file := path.Split(loc)
	dir = strings.TrimSuffix(dir, "/")
	if strings.Contains(dir, "/") {
		return Coordinate{}, memerr.Errorf(memerr.KindCoordinateValidation, "coord.parse", loc, "not a record location")
	}
	task, ok := taskFromDir(dir)
	if !ok {
		return Coordinate{}, memerr.Errorf(memerr.KindCoordinateValidation, "coord.parse", loc, "not a record location")
	}
	m := filePattern.FindStringSubmatch(file)
	if m == nil {
		return Coordinate{}, memerr.Errorf(memerr.KindCoordinateValidation, "coord.parse", loc, "not a record file name")
	}
	stage, _ := strconv.Atoi(m[1])
	layer, _ := strconv.Atoi(m[2])
	c := Coordinate{Task: task, Stage: Stage(stage), Layer: Layer(layer)}
	if err := c.Validate(); err != nil {
		return Coordinate{}, err
	}
	// Reject non-canonical spellings such as y-02 so the mapping stays a bijection.
	if c.Location() != loc {
		return Coordinate{}, memerr.Errorf(memerr.KindCoordinateValidation, "coord.parse", loc, "non-canonical location")
	}
	return c, nil
}
