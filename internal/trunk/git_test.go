package trunk

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trunkline/internal/domain"
)

type call struct {
	args []string
}

type scripted struct {
	calls   []call
	outputs map[string]string
	fail    map[string]bool
}

func (s *scripted) Run(_ context.Context, _ string, _ string, args ...string) ([]byte, error) {
	s.calls = append(s.calls, call{args: args})
	key := args[0]
	if s.fail[key] {
		return []byte("fatal: boom"), errors.New("exit status 128")
	}
	return []byte(s.outputs[key]), nil
}

func TestParsePorcelain(t *testing.T) {
	out := []byte(" M src/a.go\n?? notes.txt\nR  old.go -> new.go\n" + `?? "with space.txt"` + "\n")
	paths, err := ParsePorcelain(out)
	require.NoError(t, err)
	assert.Equal(t, []string{"src/a.go", "notes.txt", "new.go", "with space.txt"}, paths)

	paths, err = ParsePorcelain(nil)
	require.NoError(t, err)
	assert.Empty(t, paths)

	_, err = ParsePorcelain([]byte("garbage"))
	assert.Error(t, err)
}

func TestChangedSince(t *testing.T) {
	ex := &scripted{outputs: map[string]string{"diff": "src/a.go\x00docs/b.md\x00"}}
	g := &Git{Dir: "/repo", Ref: "main", Exec: ex}
	paths, err := g.ChangedSince(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, []string{"src/a.go", "docs/b.md"}, paths)
	assert.Equal(t, []string{"diff", "--name-only", "--no-renames", "-z", "abc..main", "--"}, ex.calls[0].args)

	ex.outputs["diff"] = ""
	paths, err = g.ChangedSince(context.Background(), "abc")
	require.NoError(t, err)
	assert.Empty(t, paths)

	_, err = g.ChangedSince(context.Background(), "")
	assert.Error(t, err)

	ex.fail = map[string]bool{"diff": true}
	_, err = g.ChangedSince(context.Background(), "abc")
	var gerr *GitError
	assert.ErrorAs(t, err, &gerr)
}

func TestGitFailureSurfaces(t *testing.T) {
	ex := &scripted{fail: map[string]bool{"status": true}}
	g := &Git{Dir: "/repo", Ref: "main", Exec: ex}
	_, err := g.DirtyPaths(context.Background())
	var gerr *GitError
	require.ErrorAs(t, err, &gerr)
	assert.Contains(t, gerr.Error(), "fatal: boom")
}

func TestIntegrateCommitsChangeSet(t *testing.T) {
	ex := &scripted{fail: map[string]bool{"diff": true}}
	g := &Git{Dir: "/repo", Ref: "main", Exec: ex}
	err := g.Integrate(context.Background(), domain.WorkItem{Slug: "parser", TouchedPaths: []string{"src/p.go"}})
	require.NoError(t, err)
	require.Len(t, ex.calls, 3)
	assert.Equal(t, []string{"add", "--all", "--", "src/p.go"}, ex.calls[0].args)
	assert.Equal(t, "commit", ex.calls[2].args[0])
	assert.True(t, strings.HasPrefix(ex.calls[2].args[3], "parser: finalize"))

	ex = &scripted{}
	g.Exec = ex
	require.NoError(t, g.Integrate(context.Background(), domain.WorkItem{Slug: "parser", TouchedPaths: []string{"src/p.go"}}))
	assert.Len(t, ex.calls, 2, "nothing staged means no commit")
}
