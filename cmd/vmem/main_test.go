package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kokistudios/vmem/internal/coord"
	"github.com/kokistudios/vmem/internal/decision"
	"github.com/kokistudios/vmem/internal/ui"
)

func TestParseCoord(t *testing.T) {
	c, err := parseCoord([]string{"t-5", "test", "architecture"})
	if err != nil {
		t.Fatalf("parseCoord failed: %v", err)
	}
	want := coord.Coordinate{Task: "t-5", Stage: coord.StageTest, Layer: coord.LayerArchitecture}
	if c != want {
		t.Errorf("expected %v, got %v", want, c)
	}

	if _, err := parseCoord([]string{"t-5", "9", "1"}); err == nil {
		t.Error("expected error for stage 9")
	}
	if _, err := parseCoord([]string{"../x", "1", "1"}); err == nil {
		t.Error("expected error for unsafe task")
	}
}

func TestParseThreshold(t *testing.T) {
	for _, v := range []string{"6", "after-merge"} {
		s, err := parseThreshold(v)
		if err != nil || s != coord.StageAfterMerge {
			t.Errorf("parseThreshold(%q) = %v, %v", v, s, err)
		}
	}
	if s, err := parseThreshold("review"); err != nil || s != coord.StageReview {
		t.Errorf("parseThreshold(review) = %v, %v", s, err)
	}
}

func TestReadContent(t *testing.T) {
	got, err := readContent([]string{"inline"}, "", nil)
	if err != nil || got != "inline" {
		t.Errorf("inline: got %q, %v", got, err)
	}

	got, err = readContent([]string{"-"}, "", strings.NewReader("from stdin\n"))
	if err != nil || got != "from stdin\n" {
		t.Errorf("stdin: got %q, %v", got, err)
	}

	p := filepath.Join(t.TempDir(), "d.md")
	if err := os.WriteFile(p, []byte("# from file"), 0644); err != nil {
		t.Fatal(err)
	}
	got, err = readContent(nil, p, nil)
	if err != nil || got != "# from file" {
		t.Errorf("file: got %q, %v", got, err)
	}

	if _, err := readContent([]string{"x"}, p, nil); err == nil {
		t.Error("expected error when both argument and --file are given")
	}
	if _, err := readContent(nil, "", nil); err == nil {
		t.Error("expected error without content")
	}
}

func TestExistsDoesNotInitialize(t *testing.T) {
	repo := t.TempDir()
	t.Setenv("VMEM_REPO", repo)

	cmd := existsCmd()
	cmd.SetArgs([]string{"t-1", "1", "1"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("exists failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(repo, ".vector-memory")); !os.IsNotExist(err) {
		t.Errorf("exists must not create the memory root, stat err = %v", err)
	}
}

func TestRecordRowPlain(t *testing.T) {
	ui.Init(true)
	r := decision.Record{
		Coordinate: coord.Coordinate{Task: "t-1", Stage: coord.StageTest, Layer: coord.LayerArchitecture},
		Content:    "Use flock",
		AgentID:    "agent-1",
	}
	row := recordRow(r)
	if row[0] != "t-1" || row[2] != "architecture" || row[3] != "agent-1" || row[5] != "Use flock" {
		t.Errorf("unexpected row %q", row)
	}
}

func TestSummary(t *testing.T) {
	r := decision.Record{Content: "first line\nsecond line"}
	if s := summary(r); s != "first line" {
		t.Errorf("expected first line, got %q", s)
	}
	r.Context = map[string]string{decision.ContextTitle: "titled"}
	if s := summary(r); s != "titled" {
		t.Errorf("expected title, got %q", s)
	}
	r = decision.Record{Content: strings.Repeat("é", 80)}
	if s := summary(r); len([]rune(s)) != 60 || !strings.HasSuffix(s, "...") {
		t.Errorf("expected truncated summary, got %q", s)
	}
}
