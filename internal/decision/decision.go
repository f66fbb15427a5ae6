// Package decision holds the record stored at a coordinate and its on-disk
// form: a Markdown file whose YAML front matter carries the metadata and
// whose body is the decision text, byte-for-byte.
package decision

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kokistudios/vmem/internal/coord"
	"github.com/kokistudios/vmem/internal/memerr"
)

// DefaultMaxContentBytes bounds the decision text unless configured
// otherwise.
const DefaultMaxContentBytes = 100 * 1024

// Well-known context keys.
const (
	ContextIssueID   = "issue_id"
	ContextTitle     = "title"
	ContextStageName = "stage_name"
)

type Record struct {
	Coordinate coord.Coordinate
	Content    string
	Timestamp  time.Time
	AgentID    string
	Context    map[string]string
}

// ValidateContent rejects blank content and content over maxBytes. A
// non-positive maxBytes means DefaultMaxContentBytes.
func ValidateContent(content string, maxBytes int) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxContentBytes
	}
	if strings.TrimSpace(content) == "" {
		return memerr.Errorf(memerr.KindInvalidRecord, "decision.validate", "", "content must not be empty")
	}
	if len(content) > maxBytes {
		return memerr.Errorf(memerr.KindInvalidRecord, "decision.validate", "", "content is %d bytes, limit is %d", len(content), maxBytes)
	}
	return nil
}

// Validate checks a complete record.
func (r *Record) Validate(maxBytes int) error {
	if err := r.Coordinate.Validate(); err != nil {
		return err
	}
	if err := ValidateContent(r.Content, maxBytes); err != nil {
		return err
	}
	if r.AgentID == "" {
		return memerr.Errorf(memerr.KindInvalidRecord, "decision.validate", r.Coordinate.String(), "agent id must not be empty")
	}
	if r.Timestamp.IsZero() {
		return memerr.Errorf(memerr.KindInvalidRecord, "decision.validate", r.Coordinate.String(), "timestamp must be set")
	}
	return nil
}

// Title returns the title context value, or the first non-empty content
// line when none was given.
func (r *Record) Title() string {
	if t := r.Context[ContextTitle]; t != "" {
		return t
	}
	for _, line := range strings.Split(r.Content, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "# "))
		if line != "" {
			return line
		}
	}
	return ""
}

type frontCoordinate struct {
	Task  string `yaml:"task"`
	Stage int    `yaml:"stage"`
	Layer int    `yaml:"layer"`
}

type frontMatter struct {
	Coordinate frontCoordinate   `yaml:"coordinate"`
	Timestamp  time.Time         `yaml:"timestamp"`
	AgentID    string            `yaml:"agent_id"`
	Context    map[string]string `yaml:"context,omitempty"`
}

const delimiter = "---\n"

// Marshal renders the record file.
func Marshal(r *Record) ([]byte, error) {
	fm := frontMatter{
		Coordinate: frontCoordinate{
			Task:  r.Coordinate.Task,
			Stage: int(r.Coordinate.Stage),
			Layer: int(r.Coordinate.Layer),
		},
		Timestamp: r.Timestamp.UTC(),
		AgentID:   r.AgentID,
		Context:   r.Context,
	}

	var buf bytes.Buffer
	buf.WriteString(delimiter)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(fm); err != nil {
		return nil, fmt.Errorf("failed to marshal front matter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to marshal front matter: %w", err)
	}
	buf.WriteString(delimiter)
	buf.WriteString(r.Content)
	return buf.Bytes(), nil
}

// Unmarshal parses a record file and validates it.
func Unmarshal(data []byte, maxBytes int) (*Record, error) {
	s := string(data)
	if !strings.HasPrefix(s, delimiter) {
		return nil, memerr.Errorf(memerr.KindStorage, "decision.unmarshal", "", "missing front matter")
	}
	rest := s[len(delimiter):]
	end := findFrontMatterEnd(rest)
	if end < 0 {
		return nil, memerr.Errorf(memerr.KindStorage, "decision.unmarshal", "", "unterminated front matter")
	}

	var fm frontMatter
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return nil, memerr.E(memerr.KindStorage, "decision.unmarshal", "", fmt.Errorf("invalid front matter: %w", err))
	}
	r := &Record{
		Coordinate: coord.Coordinate{
			Task:  fm.Coordinate.Task,
			Stage: coord.Stage(fm.Coordinate.Stage),
			Layer: coord.Layer(fm.Coordinate.Layer),
		},
		Content:   rest[end+len(delimiter):],
		Timestamp: fm.Timestamp.UTC(),
		AgentID:   fm.AgentID,
		Context:   fm.Context,
	}
	if err := r.Validate(maxBytes); err != nil {
		return nil, err
	}
	return r, nil
}

// findFrontMatterEnd returns the offset of the closing delimiter line.
func findFrontMatterEnd(s string) int {
	if strings.HasPrefix(s, delimiter) {
		return 0
	}
	i := strings.Index(s, "\n"+delimiter)
	if i < 0 {
		return -1
	}
	return i + 1
}
