package ui

import (
	"bytes"
	"regexp"
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/muesli/termenv"
)

var ansiSeq = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func TestBold_ContainsText(t *testing.T) {
	Init(false)
	result := Bold("hello")
	if !strings.Contains(result, "hello") {
		t.Errorf("Bold output should contain 'hello', got %q", result)
	}
}

func TestColorDisabled_PlainText(t *testing.T) {
	Init(true) // no color
	defer Init(false)

	if Bold("hello") != "hello" {
		t.Errorf("expected plain text when color disabled, got %q", Bold("hello"))
	}
	if Red("error") != "error" {
		t.Errorf("expected plain text, got %q", Red("error"))
	}
	if Green("ok") != "ok" {
		t.Errorf("expected plain text, got %q", Green("ok"))
	}
	if Yellow("warn") != "warn" {
		t.Errorf("expected plain text, got %q", Yellow("warn"))
	}
	if Dim("dim") != "dim" {
		t.Errorf("expected plain text, got %q", Dim("dim"))
	}
	if Locked("arch") != "arch" {
		t.Errorf("expected plain text, got %q", Locked("arch"))
	}
}

func TestLoggerInitialized(t *testing.T) {
	Init(false)
	if Logger == nil {
		t.Fatal("Logger should be initialized after Init()")
	}
	SetVerbose(true)
	if Logger.GetLevel() != log.DebugLevel {
		t.Errorf("expected debug level, got %v", Logger.GetLevel())
	}
	SetVerbose(false)
	if Logger.GetLevel() != log.InfoLevel {
		t.Errorf("expected info level, got %v", Logger.GetLevel())
	}
}

func TestTableTo_AlignsColumns(t *testing.T) {
	Init(true)
	defer Init(false)

	var buf bytes.Buffer
	TableTo(&buf, []string{"COORD", "AGENT"}, [][]string{
		{"x-a/y-1-z-1", "agent-1"},
		{"x-bb/y-2-z-3", "agent-22"},
	})
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), buf.String())
	}
	col := strings.Index(lines[0], "AGENT")
	for _, l := range lines[1:] {
		if !strings.HasPrefix(l[col:], "agent-") {
			t.Errorf("column misaligned in %q", l)
		}
	}
}

func TestTableTo_StyledCellsKeepColumns(t *testing.T) {
	Init(false)
	lipgloss.SetColorProfile(termenv.ANSI256)
	defer Init(false)

	var buf bytes.Buffer
	TableTo(&buf, []string{"TASK", "LAYER", "AGENT"}, [][]string{
		{"t-1", Locked("architecture"), "agent-1"},
		{"t-22", "implementation", "agent-2"},
		{"t-333", Dim("ephemeral"), "agent-3"},
	})
	if !ansiSeq.MatchString(buf.String()) {
		t.Fatalf("expected styled output, got %q", buf.String())
	}

	lines := strings.Split(strings.TrimRight(ansiSeq.ReplaceAllString(buf.String(), ""), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d: %q", len(lines), lines)
	}
	layerCol := strings.Index(lines[0], "LAYER")
	agentCol := strings.Index(lines[0], "AGENT")
	for _, l := range lines[1:] {
		if l[layerCol-1] != ' ' || l[layerCol] == ' ' {
			t.Errorf("layer column misaligned in %q", l)
		}
		if !strings.HasPrefix(l[agentCol:], "agent-") {
			t.Errorf("agent column misaligned in %q", l)
		}
	}
}

func TestRenderMarkdownTo(t *testing.T) {
	var buf bytes.Buffer
	if err := RenderMarkdownTo(&buf, "# Decision\n\nUse **PostgreSQL**.", 80); err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if !strings.Contains(buf.String(), "PostgreSQL") {
		t.Errorf("rendered output lost content: %q", buf.String())
	}
}

func TestConfirmModel_Keys(t *testing.T) {
	Init(true)
	defer Init(false)

	m := confirmModel{prompt: "Proceed?"}
	if !strings.Contains(m.View(), "Proceed?") {
		t.Error("view should show the prompt")
	}
}

func TestSpinner_StopTwice(t *testing.T) {
	Init(true)
	s := NewSpinner("loading")
	s.Stop()
	s.Stop()
}
