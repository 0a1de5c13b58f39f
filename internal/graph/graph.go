// Package graph answers which backlog items may enter the pipeline. It is
// pure bookkeeping over the backlog's depends-on edges plus the readiness
// verdict recorded on each item; it performs no I/O.
package graph

import (
	"errors"
	"fmt"
	"strings"

	"trunkline/internal/domain"
)

var (
	ErrCyclicDependency = errors.New("cyclic dependency")
	ErrUnknownItem      = errors.New("unknown work item")
	ErrInvalidReadiness = errors.New("invalid readiness assessment")
)

// CyclicDependencyError names the edge that would close a cycle and the
// cycle itself, starting and ending at From.
type CyclicDependencyError struct {
	From  string
	To    string
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("dependency %s -> %s would create a cycle: %s", e.From, e.To, strings.Join(e.Cycle, " -> "))
}

func (e *CyclicDependencyError) Unwrap() error { return ErrCyclicDependency }

type Graph struct {
	order  []string
	index  map[string]int
	deps   map[string][]string
	groups map[string]string
	items  map[string]domain.WorkItem
}

// New builds the graph from the backlog record and the item rows. Items
// absent from the backlog are ignored: absence is completion.
func New(b domain.Backlog, items map[string]domain.WorkItem) *Graph {
	g := &Graph{
		index:  make(map[string]int, len(b.Entries)),
		deps:   make(map[string][]string, len(b.Entries)),
		groups: make(map[string]string, len(b.Entries)),
		items:  make(map[string]domain.WorkItem, len(b.Entries)),
	}
	for _, e := range b.Entries {
		if _, dup := g.index[e.Slug]; dup {
			continue
		}
		g.index[e.Slug] = len(g.order)
		g.order = append(g.order, e.Slug)
		g.deps[e.Slug] = append([]string(nil), e.DependsOn...)
		g.groups[e.Slug] = e.Group
		if it, ok := items[e.Slug]; ok {
			g.items[e.Slug] = it
		}
	}
	return g
}

// Contains reports whether slug is in the backlog.
func (g *Graph) Contains(slug string) bool {
	_, ok := g.index[slug]
	return ok
}

// Blockers lists the declared dependencies of slug still present in the
// backlog, in declaration order.
func (g *Graph) Blockers(slug string) []string {
	var out []string
	for _, dep := range g.deps[slug] {
		if g.Contains(dep) {
			out = append(out, dep)
		}
	}
	return out
}

// DependenciesSatisfied reports whether every dependency of slug has left
// the backlog.
func (g *Graph) DependenciesSatisfied(slug string) bool {
	return len(g.Blockers(slug)) == 0
}

// Eligible is true iff slug is in the backlog, every dependency is absent
// from it, and the recorded readiness verdict is pass.
func (g *Graph) Eligible(slug string) bool {
	if !g.Contains(slug) {
		return false
	}
	if !g.DependenciesSatisfied(slug) {
		return false
	}
	it, ok := g.items[slug]
	return ok && it.ReadinessVerdict == domain.VerdictPass
}

// Ready returns eligible slugs in backlog order.
func (g *Graph) Ready() []string {
	var out []string
	for _, slug := range g.order {
		if g.Eligible(slug) {
			out = append(out, slug)
		}
	}
	return out
}

// Dependents lists backlog items that declare slug as a dependency.
func (g *Graph) Dependents(slug string) []string {
	var out []string
	for _, s := range g.order {
		for _, dep := range g.deps[s] {
			if dep == slug {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// AddEdge declares that from depends on to. Edges that would close a cycle
// are rejected with *CyclicDependencyError and leave the graph untouched.
// Adding an existing edge is a no-op.
func (g *Graph) AddEdge(from, to string) error {
	if !g.Contains(from) {
		return fmt.Errorf("%s: %w", from, ErrUnknownItem)
	}
	if !g.Contains(to) {
		return fmt.Errorf("%s: %w", to, ErrUnknownItem)
	}
	for _, dep := range g.deps[from] {
		if dep == to {
			return nil
		}
	}
	if from == to {
		return &CyclicDependencyError{From: from, To: to, Cycle: []string{from, from}}
	}
	if path := g.path(to, from); path != nil {
		cycle := append([]string{from}, path...)
		return &CyclicDependencyError{From: from, To: to, Cycle: cycle}
	}
	g.deps[from] = append(g.deps[from], to)
	return nil
}

// path returns a dependency chain src -> ... -> dst, or nil.
func (g *Graph) path(src, dst string) []string {
	seen := map[string]bool{}
	var walk func(n string) []string
	walk = func(n string) []string {
		if n == dst {
			return []string{n}
		}
		if seen[n] {
			return nil
		}
		seen[n] = true
		for _, dep := range g.deps[n] {
			if !g.Contains(dep) {
				continue
			}
			if rest := walk(dep); rest != nil {
				return append([]string{n}, rest...)
			}
		}
		return nil
	}
	return walk(src)
}

// Validate checks the whole graph for cycles among backlog items.
func (g *Graph) Validate() error {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.order))
	var stack []string
	var visit func(n string) error
	visit = func(n string) error {
		color[n] = grey
		stack = append(stack, n)
		for _, dep := range g.deps[n] {
			if !g.Contains(dep) {
				continue
			}
			switch color[dep] {
			case grey:
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				cycle := append(append([]string(nil), stack[start:]...), dep)
				return &CyclicDependencyError{From: n, To: dep, Cycle: cycle}
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return nil
	}
	for _, slug := range g.order {
		if color[slug] == white {
			if err := visit(slug); err != nil {
				return err
			}
		}
	}
	return nil
}

// Order returns a topological order (dependencies first). Ties keep
// backlog order. It assumes Validate passed; items on a cycle are appended
// in backlog order.
func (g *Graph) Order() []string {
	indegree := make(map[string]int, len(g.order))
	for _, slug := range g.order {
		indegree[slug] = len(g.Blockers(slug))
	}
	done := make(map[string]bool, len(g.order))
	out := make([]string, 0, len(g.order))
	for len(out) < len(g.order) {
		progressed := false
		for _, slug := range g.order {
			if done[slug] || indegree[slug] > 0 {
				continue
			}
			done[slug] = true
			out = append(out, slug)
			progressed = true
			for _, d := range g.Dependents(slug) {
				indegree[d]--
			}
			break
		}
		if !progressed {
			for _, slug := range g.order {
				if !done[slug] {
					done[slug] = true
					out = append(out, slug)
				}
			}
		}
	}
	return out
}

// Item returns the recorded item for slug.
func (g *Graph) Item(slug string) (domain.WorkItem, bool) {
	it, ok := g.items[slug]
	return it, ok
}

// RecordReadiness stores an externally supplied assessment. The graph
// never computes readiness itself.
func (g *Graph) RecordReadiness(slug string, score int, verdict domain.Verdict) (domain.WorkItem, error) {
	it, ok := g.items[slug]
	if !ok || !g.Contains(slug) {
		return domain.WorkItem{}, fmt.Errorf("%s: %w", slug, ErrUnknownItem)
	}
	if err := ValidateReadiness(score, verdict); err != nil {
		return domain.WorkItem{}, err
	}
	s := score
	it.ReadinessScore = &s
	it.ReadinessVerdict = verdict
	g.items[slug] = it
	return it, nil
}

// ValidateReadiness checks a score/verdict pair before it is recorded.
func ValidateReadiness(score int, verdict domain.Verdict) error {
	if score < 0 || score > 10 {
		return fmt.Errorf("%w: score %d outside 0-10", ErrInvalidReadiness, score)
	}
	if !verdict.Valid() || verdict == domain.VerdictUnassessed {
		return fmt.Errorf("%w: verdict %q", ErrInvalidReadiness, verdict)
	}
	return nil
}

// Entries exports the graph back to backlog entries, in backlog order, so
// the caller can persist an edge change with a compare-and-swap.
func (g *Graph) Entries() []domain.BacklogEntry {
	out := make([]domain.BacklogEntry, 0, len(g.order))
	for _, slug := range g.order {
		out = append(out, domain.BacklogEntry{
			Slug:      slug,
			Group:     g.groups[slug],
			DependsOn: append([]string(nil), g.deps[slug]...),
		})
	}
	return out
}
