// Package trunk reads and writes the shared git trunk through the git CLI.
package trunk

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"trunkline/internal/domain"
	"trunkline/internal/logging"
)

// Executor runs a command in dir and returns its combined output.
type Executor interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// CLIExecutor runs commands with os/exec.
type CLIExecutor struct{}

func (CLIExecutor) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// GitError carries the failing git invocation and its output.
type GitError struct {
	Args   []string
	Output string
	Err    error
}

func (e *GitError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("git %s: %v: %s", strings.Join(e.Args, " "), e.Err, out)
}

func (e *GitError) Unwrap() error { return e.Err }

// Git inspects and integrates into the trunk checked out at Dir.
type Git struct {
	Dir    string
	Ref    string
	Exec   Executor
	Logger *logging.Logger
}

func New(dir, ref string) *Git {
	if ref == "" {
		ref = "HEAD"
	}
	return &Git{Dir: dir, Ref: ref, Exec: CLIExecutor{}}
}

func (g *Git) run(ctx context.Context, args ...string) ([]byte, error) {
	ex := g.Exec
	if ex == nil {
		ex = CLIExecutor{}
	}
	out, err := ex.Run(ctx, g.Dir, "git", args...)
	if err != nil {
		return out, &GitError{Args: args, Output: string(out), Err: err}
	}
	return out, nil
}

// DirtyPaths lists every path with uncommitted changes, untracked files
// included.
func (g *Git) DirtyPaths(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	return ParsePorcelain(out)
}

// ChangedSince lists the paths whose content differs between base and the
// trunk ref. Renames count as both paths.
func (g *Git) ChangedSince(ctx context.Context, base string) ([]string, error) {
	if base == "" {
		return nil, errors.New("empty base")
	}
	out, err := g.run(ctx, "diff", "--name-only", "--no-renames", "-z", base+".."+g.Ref, "--")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, p := range bytes.Split(out, []byte{0}) {
		if s := strings.TrimSpace(string(p)); s != "" {
			paths = append(paths, s)
		}
	}
	return paths, nil
}

// Head resolves the trunk ref to a commit id.
func (g *Git) Head(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "--verify", g.Ref+"^{commit}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Integrate commits the item's change set on the trunk. Nothing staged is
// not an error: the work may already be committed.
func (g *Git) Integrate(ctx context.Context, item domain.WorkItem) error {
	if len(item.TouchedPaths) == 0 {
		return nil
	}
	args := append([]string{"add", "--all", "--"}, item.TouchedPaths...)
	if _, err := g.run(ctx, args...); err != nil {
		return err
	}
	if _, err := g.run(ctx, "diff", "--cached", "--quiet"); err == nil {
		logging.OrNop(g.Logger).WithComponent("trunk").Info("nothing to commit", "slug", item.Slug)
		return nil
	}
	msg := fmt.Sprintf("%s: finalize\n\nTrunkline-Item: %s", item.Slug, item.Slug)
	_, err := g.run(ctx, "commit", "--no-verify", "-m", msg)
	return err
}

// ParsePorcelain extracts paths from `git status --porcelain` v1 output.
// Renames yield the destination path.
func ParsePorcelain(out []byte) ([]string, error) {
	var paths []string
	for _, line := range bytes.Split(out, []byte("\n")) {
		s := strings.TrimRight(string(line), "\r")
		if s == "" {
			continue
		}
		if len(s) < 4 || s[2] != ' ' {
			return nil, fmt.Errorf("malformed status line %q", s)
		}
		p := s[3:]
		if i := strings.Index(p, " -> "); i >= 0 {
			p = p[i+4:]
		}
		if strings.HasPrefix(p, `"`) {
			u, err := strconv.Unquote(p)
			if err != nil {
				return nil, fmt.Errorf("unquote %s: %w", p, err)
			}
			p = u
		}
		paths = append(paths, p)
	}
	return paths, nil
}
