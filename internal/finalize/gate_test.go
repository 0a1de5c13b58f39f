package finalize

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trunkline/internal/db"
	"trunkline/internal/events"
	"trunkline/internal/migrate"
	"trunkline/internal/repo"
)

type fakeInspector struct {
	dirty      []string
	dirtyErr   error
	changed    []string
	changedErr error
	gate       chan struct{}
	entered    chan struct{}
}

func (f *fakeInspector) DirtyPaths(ctx context.Context) ([]string, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.dirty, f.dirtyErr
}

func (f *fakeInspector) ChangedSince(context.Context, string) ([]string, error) {
	return f.changed, f.changedErr
}

type liveness map[string]bool

func (l liveness) IsAlive(_ context.Context, owner string) (bool, error) {
	alive, ok := l[owner]
	return !ok || alive, nil
}

func newGate(t *testing.T, in Inspector) Gate {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	now := func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	return Gate{
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		Events:    events.Writer{DB: conn, Now: now},
		Inspector: in,
		Now:       now,
		Ignore:    []string{".trunkline/"},
	}
}

func attempt(slug, holder string, paths ...string) Attempt {
	return Attempt{Slug: slug, HolderID: holder, Base: "abc123", ChangeSet: paths}
}

func codeOf(t *testing.T, err error) ReasonCode {
	t.Helper()
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.ErrorIs(t, err, ErrBlocked)
	return blocked.Code
}

func TestSafeKeepsLockUntilUnlocked(t *testing.T) {
	g := newGate(t, &fakeInspector{dirty: []string{"src/a.go", ".trunkline/trunkline.db-wal"}})
	res, err := g.CheckPreconditions(context.Background(), attempt("alpha", "w1", "src/a.go"))
	require.NoError(t, err)
	assert.True(t, res.Safe)
	assert.NotEmpty(t, res.Lock.AttemptID)

	cur, err := g.Repo.GetFinalizeLock(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, res.Lock.AttemptID, cur.AttemptID)

	require.NoError(t, g.write(context.Background(), func(tx *sql.Tx) error {
		return g.UnlockTx(context.Background(), tx, res.Lock)
	}))
	cur, err = g.Repo.GetFinalizeLock(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, cur.Held())
}

func TestDirtyOutsideChangeSet(t *testing.T) {
	g := newGate(t, &fakeInspector{dirty: []string{"src/a.go", "docs/other.md", "README.md"}})
	_, err := g.CheckPreconditions(context.Background(), attempt("alpha", "w1", "src/a.go"))
	assert.Equal(t, CodeDirty, codeOf(t, err))
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, []string{"README.md", "docs/other.md"}, blocked.DirtyPaths)

	cur, err := g.Repo.GetFinalizeLock(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, cur.Held(), "blocked attempt must release the lock")
}

func TestDivergedTrunk(t *testing.T) {
	g := newGate(t, &fakeInspector{changed: []string{"src/b.go", "src/a.go"}})
	_, err := g.CheckPreconditions(context.Background(), attempt("alpha", "w1", "src/a.go"))
	assert.Equal(t, CodeDiverged, codeOf(t, err))
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, []string{"src/a.go"}, blocked.ChangedPaths)

	stored, err := g.Repo.GetFinalizeBlock(context.Background(), nil, "alpha")
	require.NoError(t, err)
	assert.Equal(t, string(CodeDiverged), stored.Code)
	assert.Equal(t, []string{"src/a.go"}, stored.Paths)
	assert.NotEmpty(t, stored.AttemptID)
}

func TestTrunkMovedElsewhereIsSafe(t *testing.T) {
	g := newGate(t, &fakeInspector{changed: []string{"src/b.go", "docs/b.md"}})
	res, err := g.CheckPreconditions(context.Background(), attempt("alpha", "w1", "src/a.go"))
	require.NoError(t, err)
	assert.True(t, res.Safe)

	_, err = g.Repo.GetFinalizeBlock(context.Background(), nil, "alpha")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestInspectionFailureIsNeverSafe(t *testing.T) {
	tests := []struct {
		name string
		in   Inspector
		base string
	}{
		{name: "dirty check fails", in: &fakeInspector{dirtyErr: errors.New("git exploded")}, base: "abc"},
		{name: "divergence check fails", in: &fakeInspector{changedErr: errors.New("unknown ref")}, base: "abc"},
		{name: "both fail", in: &fakeInspector{dirtyErr: errors.New("x"), changedErr: errors.New("y")}, base: "abc"},
		{name: "no base recorded", in: &fakeInspector{}, base: ""},
		{name: "no inspector", in: nil, base: "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGate(t, tt.in)
			a := attempt("alpha", "w1")
			a.Base = tt.base
			res, err := g.CheckPreconditions(context.Background(), a)
			assert.False(t, res.Safe)
			assert.Equal(t, CodeGitStateUnknown, codeOf(t, err))
		})
	}
}

func TestConcurrentFinalizeSecondIsLocked(t *testing.T) {
	in := &fakeInspector{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	g := newGate(t, in)

	type outcome struct {
		res Result
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := g.CheckPreconditions(context.Background(), attempt("alpha", "w1"))
		first <- outcome{res, err}
	}()
	<-in.entered

	_, err := g.CheckPreconditions(context.Background(), attempt("beta", "w2"))
	assert.Equal(t, CodeLocked, codeOf(t, err))
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, "w1", blocked.Holder)

	close(in.gate)
	out := <-first
	require.NoError(t, out.err)
	assert.True(t, out.res.Safe)
}

func TestDeadHolderLockIsReclaimed(t *testing.T) {
	g := newGate(t, &fakeInspector{})
	g.Liveness = liveness{"w1": false}
	res, err := g.CheckPreconditions(context.Background(), attempt("alpha", "w1"))
	require.NoError(t, err)
	require.True(t, res.Safe)

	res2, err := g.CheckPreconditions(context.Background(), attempt("beta", "w2"))
	require.NoError(t, err)
	assert.True(t, res2.Safe)
	assert.NotEqual(t, res.Lock.AttemptID, res2.Lock.AttemptID)

	// the stale attempt can no longer clear the new holder's lock
	require.NoError(t, g.write(context.Background(), func(tx *sql.Tx) error {
		return g.UnlockTx(context.Background(), tx, res.Lock)
	}))
	cur, err := g.Repo.GetFinalizeLock(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, res2.Lock.AttemptID, cur.AttemptID)
}
