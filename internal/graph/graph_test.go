package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trunkline/internal/domain"
)

func backlogOf(entries ...domain.BacklogEntry) domain.Backlog {
	return domain.Backlog{Version: 1, Entries: entries}
}

func entry(slug string, deps ...string) domain.BacklogEntry {
	return domain.BacklogEntry{Slug: slug, DependsOn: deps}
}

func items(verdicts map[string]domain.Verdict) map[string]domain.WorkItem {
	out := map[string]domain.WorkItem{}
	for slug, v := range verdicts {
		out[slug] = domain.WorkItem{Slug: slug, ReadinessVerdict: v}
	}
	return out
}

func TestEligibleRequiresAbsentDependenciesAndPass(t *testing.T) {
	tests := []struct {
		name    string
		backlog domain.Backlog
		items   map[string]domain.WorkItem
		slug    string
		want    bool
	}{
		{
			name:    "dependency present",
			backlog: backlogOf(entry("x", "y"), entry("y")),
			items:   items(map[string]domain.Verdict{"x": domain.VerdictPass, "y": domain.VerdictPass}),
			slug:    "x",
			want:    false,
		},
		{
			name:    "dependency absent and pass",
			backlog: backlogOf(entry("x", "y")),
			items:   items(map[string]domain.Verdict{"x": domain.VerdictPass}),
			slug:    "x",
			want:    true,
		},
		{
			name:    "needs work",
			backlog: backlogOf(entry("x")),
			items:   items(map[string]domain.Verdict{"x": domain.VerdictNeedsWork}),
			slug:    "x",
			want:    false,
		},
		{
			name:    "unassessed",
			backlog: backlogOf(entry("x")),
			items:   items(map[string]domain.Verdict{"x": domain.VerdictUnassessed}),
			slug:    "x",
			want:    false,
		},
		{
			name:    "not in backlog",
			backlog: backlogOf(entry("y")),
			items:   items(map[string]domain.Verdict{"x": domain.VerdictPass}),
			slug:    "x",
			want:    false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(tt.backlog, tt.items)
			assert.Equal(t, tt.want, g.Eligible(tt.slug))
		})
	}
}

func TestEligibleIffPropertyOverAllSlugs(t *testing.T) {
	b := backlogOf(entry("a"), entry("b", "a"), entry("c", "gone"), entry("d", "b", "gone"), entry("e"))
	it := items(map[string]domain.Verdict{
		"a": domain.VerdictPass,
		"b": domain.VerdictPass,
		"c": domain.VerdictPass,
		"d": domain.VerdictPass,
		"e": domain.VerdictNeedsDecision,
	})
	g := New(b, it)
	for _, e := range b.Entries {
		depsAbsent := true
		for _, dep := range e.DependsOn {
			if b.Contains(dep) {
				depsAbsent = false
			}
		}
		want := depsAbsent && it[e.Slug].ReadinessVerdict == domain.VerdictPass
		assert.Equal(t, want, g.Eligible(e.Slug), e.Slug)
	}
	assert.Equal(t, []string{"a", "c"}, g.Ready())
}

func TestScenarioAEligibilityFlipsWhenDependencyLeaves(t *testing.T) {
	it := items(map[string]domain.Verdict{"x": domain.VerdictPass, "y": domain.VerdictPass})
	g := New(backlogOf(entry("x", "y"), entry("y")), it)
	require.False(t, g.Eligible("x"))
	assert.Equal(t, []string{"y"}, g.Blockers("x"))

	g = New(backlogOf(entry("x", "y")), it)
	assert.True(t, g.Eligible("x"))
	assert.Empty(t, g.Blockers("x"))
}

func TestAddEdgeRejectsCycleWithoutMutation(t *testing.T) {
	g := New(backlogOf(entry("a", "b"), entry("b", "c"), entry("c")), nil)
	before := g.Entries()

	err := g.AddEdge("c", "a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCyclicDependency))
	var cyc *CyclicDependencyError
	require.True(t, errors.As(err, &cyc))
	assert.Equal(t, "c", cyc.From)
	assert.Equal(t, "a", cyc.To)
	assert.Equal(t, []string{"c", "a", "b", "c"}, cyc.Cycle)
	assert.Equal(t, before, g.Entries())
}

func TestAddEdgeSelfLoop(t *testing.T) {
	g := New(backlogOf(entry("a")), nil)
	err := g.AddEdge("a", "a")
	assert.ErrorIs(t, err, ErrCyclicDependency)
	assert.Empty(t, g.Entries()[0].DependsOn)
}

func TestAddEdgeAcceptsAndIsIdempotent(t *testing.T) {
	g := New(backlogOf(entry("a"), entry("b")), nil)
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.AddEdge("a", "b"))
	assert.Equal(t, []string{"b"}, g.Entries()[0].DependsOn)
	assert.Equal(t, []string{"a"}, g.Dependents("b"))
}

func TestAddEdgeUnknownItem(t *testing.T) {
	g := New(backlogOf(entry("a")), nil)
	assert.ErrorIs(t, g.AddEdge("a", "missing"), ErrUnknownItem)
	assert.ErrorIs(t, g.AddEdge("missing", "a"), ErrUnknownItem)
}

func TestValidateFindsCycle(t *testing.T) {
	g := New(backlogOf(entry("a", "b"), entry("b", "c"), entry("c", "a"), entry("d")), nil)
	err := g.Validate()
	var cyc *CyclicDependencyError
	require.True(t, errors.As(err, &cyc))
	assert.Equal(t, cyc.Cycle[0], cyc.Cycle[len(cyc.Cycle)-1])

	ok := New(backlogOf(entry("a", "b"), entry("b"), entry("c", "removed")), nil)
	assert.NoError(t, ok.Validate())
}

func TestOrderPutsDependenciesFirst(t *testing.T) {
	g := New(backlogOf(entry("app", "lib", "db"), entry("lib", "db"), entry("docs"), entry("db")), nil)
	assert.Equal(t, []string{"docs", "db", "lib", "app"}, g.Order())
}

func TestRecordReadinessValidates(t *testing.T) {
	g := New(backlogOf(entry("a")), items(map[string]domain.Verdict{"a": domain.VerdictUnassessed}))

	_, err := g.RecordReadiness("a", 11, domain.VerdictPass)
	assert.ErrorIs(t, err, ErrInvalidReadiness)
	_, err = g.RecordReadiness("a", 5, domain.Verdict("maybe"))
	assert.ErrorIs(t, err, ErrInvalidReadiness)
	_, err = g.RecordReadiness("nope", 5, domain.VerdictPass)
	assert.ErrorIs(t, err, ErrUnknownItem)
	assert.False(t, g.Eligible("a"))

	it, err := g.RecordReadiness("a", 8, domain.VerdictPass)
	require.NoError(t, err)
	require.NotNil(t, it.ReadinessScore)
	assert.Equal(t, 8, *it.ReadinessScore)
	assert.True(t, g.Eligible("a"))
}
