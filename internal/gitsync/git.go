package gitsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Git commits record files with the git CLI. Dir is the memory root; it
// must live inside a git work tree. Paths passed to and returned from Git
// are relative to Dir.
type Git struct {
	Dir string
}

func NewGit(dir string) *Git {
	return &Git{Dir: dir}
}

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", g.Dir}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		return stdout.String(), fmt.Errorf("git %s failed: %w: %s", args[0], err, msg)
	}
	return stdout.String(), nil
}

// IsRepo reports whether Dir is inside a git work tree.
func (g *Git) IsRepo(ctx context.Context) bool {
	out, err := g.run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// Commit stages paths and commits exactly those paths with label as the
// message. Having nothing to commit is not an error.
func (g *Git) Commit(ctx context.Context, label string, paths []string) (string, error) {
	if len(paths) == 0 {
		return g.Revision(ctx)
	}
	if _, err := g.run(ctx, append([]string{"add", "--"}, paths...)...); err != nil {
		return "", err
	}
	out, err := g.run(ctx, append([]string{"commit", "-m", label, "--"}, paths...)...)
	if err != nil && !nothingToCommit(out, err) {
		return "", err
	}
	return g.Revision(ctx)
}

func nothingToCommit(out string, err error) bool {
	s := out + err.Error()
	return strings.Contains(s, "nothing to commit") || strings.Contains(s, "no changes added to commit")
}

// Changed lists uncommitted files under Dir, including untracked ones.
// Deleted files are omitted.
func (g *Git) Changed(ctx context.Context) ([]string, error) {
	prefix, err := g.run(ctx, "rev-parse", "--show-prefix")
	if err != nil {
		return nil, err
	}
	prefix = strings.TrimSpace(prefix)

	out, err := g.run(ctx, "status", "--porcelain", "-z", "--untracked-files=all", "--", ".")
	if err != nil {
		return nil, err
	}

	var paths []string
	entries := strings.Split(out, "\x00")
	for i := 0; i < len(entries); i++ {
		e := entries[i]
		if len(e) < 4 {
			continue
		}
		status, path := e[:2], e[3:]
		// Renames and copies carry the source path as the next entry.
		if status[0] == 'R' || status[0] == 'C' {
			i++
		}
		if status[0] == 'D' || status[1] == 'D' {
			continue
		}
		// Porcelain paths are relative to the top of the work tree.
		rel, ok := strings.CutPrefix(path, prefix)
		if !ok {
			continue
		}
		paths = append(paths, rel)
	}
	return paths, nil
}

// Revision returns the HEAD commit, or "" before the first commit.
func (g *Git) Revision(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "--verify", "-q", "HEAD")
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(out), nil
}
