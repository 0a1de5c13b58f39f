package lease

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trunkline/internal/db"
	"trunkline/internal/domain"
	"trunkline/internal/events"
	"trunkline/internal/migrate"
	"trunkline/internal/repo"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type liveSet struct {
	mu   sync.Mutex
	dead map[string]bool
	err  error
}

func (l *liveSet) IsAlive(_ context.Context, owner string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	return !l.dead[owner], nil
}

func (l *liveSet) kill(owner string) {
	l.mu.Lock()
	l.dead[owner] = true
	l.mu.Unlock()
}

type testEnv struct {
	db    *sql.DB
	mgr   Manager
	clock *clock
	live  *liveSet
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	live := &liveSet{dead: map[string]bool{}}
	return &testEnv{
		db:    conn,
		clock: c,
		live:  live,
		mgr: Manager{
			Repo:     repo.Repo{DB: conn},
			Events:   events.Writer{DB: conn, Now: c.Now},
			Liveness: live,
			Now:      c.Now,
		},
	}
}

// inTx runs fn in a committed transaction, or rolls back when fn fails.
func (e *testEnv) inTx(t *testing.T, fn func(tx *sql.Tx) error) error {
	t.Helper()
	tx, err := e.db.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (e *testEnv) acquire(t *testing.T, path, owner, slug string) (Result, error) {
	t.Helper()
	var res Result
	err := e.inTx(t, func(tx *sql.Tx) error {
		var err error
		res, err = e.mgr.Acquire(context.Background(), tx, Request{Path: path, OwnerID: owner, Slug: slug})
		if errors.Is(err, ErrBlocked) {
			// the blocked record must persist
			if cerr := tx.Commit(); cerr != nil {
				return cerr
			}
		}
		return err
	})
	return res, err
}

func (e *testEnv) lease(t *testing.T, path string) domain.FileLease {
	t.Helper()
	l, err := e.mgr.Repo.GetLease(context.Background(), nil, path)
	require.NoError(t, err)
	return l
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "src/a.go", want: "src/a.go"},
		{in: "./src//b.go", want: "src/b.go"},
		{in: `src\win\c.go`, want: "src/win/c.go"},
		{in: "/etc/passwd", wantErr: true},
		{in: "../outside", wantErr: true},
		{in: "a/../../b", wantErr: true},
		{in: "  ", wantErr: true},
		{in: "C:/x", wantErr: true},
	}
	for _, tt := range tests {
		got, err := NormalizePath(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidPath, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestAcquireIsIdempotentForOwner(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.acquire(t, "src/a.go", "w1", "alpha")
	require.NoError(t, err)
	require.Equal(t, Granted, first.Decision)

	env.clock.Advance(10 * time.Second)
	again, err := env.acquire(t, "src/a.go", "w1", "alpha")
	require.NoError(t, err)
	assert.Equal(t, Granted, again.Decision)
	assert.True(t, again.Lease.AcquiredAt.Equal(first.Lease.AcquiredAt))

	l := env.lease(t, "src/a.go")
	assert.Equal(t, domain.LeaseOwned, l.State)
	assert.Equal(t, "w1", l.OwnerID)
	assert.Equal(t, first.Lease.Version, l.Version)
}

func TestConcurrentAcquireGrantsExactlyOne(t *testing.T) {
	env := newTestEnv(t)
	const n = 8
	var wg sync.WaitGroup
	results := make([]Result, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := string(rune('a' + i))
			errs[i] = db.RetryBusy(context.Background(), func() error {
				tx, err := env.db.BeginTx(context.Background(), nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				res, err := env.mgr.Acquire(context.Background(), tx, Request{Path: "shared.go", OwnerID: owner})
				if err != nil {
					return err
				}
				results[i] = res
				return tx.Commit()
			})
		}(i)
	}
	wg.Wait()

	granted := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i].Decision == Granted {
			granted++
		} else {
			assert.Equal(t, Denied, results[i].Decision)
			assert.True(t, results[i].HeartbeatFirst)
		}
	}
	assert.Equal(t, 1, granted)
	l := env.lease(t, "shared.go")
	assert.Equal(t, domain.LeaseContended, l.State)
	assert.Len(t, l.Contenders, n-1)
}

func TestDeadOwnerIsReclaimed(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.acquire(t, "x.go", "w1", "alpha")
	require.NoError(t, err)
	env.live.kill("w1")
	env.clock.Advance(time.Second)

	res, err := env.acquire(t, "x.go", "w2", "beta")
	require.NoError(t, err)
	assert.Equal(t, Granted, res.Decision)
	require.NotNil(t, res.Reclaimed)
	assert.Equal(t, domain.ReleaseLivenessLoss, res.Reclaimed.Reason)
	assert.Equal(t, "w1", res.Reclaimed.OwnerID)
	assert.Equal(t, "w2", env.lease(t, "x.go").OwnerID)

	evts, err := env.mgr.Repo.LatestEvents(context.Background(), 10, events.LeaseReleased, "lease", "x.go")
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Contains(t, evts[0].Payload, "liveness-loss")
}

func TestLivenessErrorCountsAsLive(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.acquire(t, "x.go", "w1", "")
	require.NoError(t, err)
	env.live.err = errors.New("probe failed")

	res, err := env.acquire(t, "x.go", "w2", "")
	require.NoError(t, err)
	assert.Equal(t, Denied, res.Decision)
}

func TestContentionBlocksAfterSingleRetry(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.acquire(t, "a.go", "w1", "one")
	require.NoError(t, err)

	env.clock.Advance(5 * time.Second)
	res, err := env.acquire(t, "a.go", "w2", "two")
	require.NoError(t, err)
	assert.Equal(t, Denied, res.Decision)
	assert.Equal(t, RetryInterval, res.Wait)
	assert.True(t, res.HeartbeatFirst)
	assert.Equal(t, "w1", res.Owner)
	assert.Equal(t, 5*time.Second, res.Age)
	assert.Equal(t, ActionHeartbeatAndWait, Advise(res, nil).Action)

	ok, err := heartbeat(env, t, "a.go", "w2")
	require.NoError(t, err)
	assert.True(t, ok)

	env.clock.Advance(60 * time.Second)
	res, err = env.acquire(t, "a.go", "w2", "two")
	require.NoError(t, err)
	assert.Equal(t, Denied, res.Decision)
	assert.False(t, res.HeartbeatFirst)
	assert.Equal(t, RetryInterval-60*time.Second, res.Wait)
	assert.Equal(t, ActionWait, Advise(res, nil).Action)

	env.clock.Advance(RetryInterval)
	res, err = env.acquire(t, "a.go", "w2", "two")
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.ErrorIs(t, err, ErrBlocked)
	assert.Equal(t, Blocked, res.Decision)
	assert.Equal(t, "w1", blocked.Owner)
	assert.Equal(t, "a.go", blocked.Path)
	assert.Equal(t, RetryInterval, blocked.RetryInterval)
	assert.Equal(t, ActionStop, Advise(res, err).Action)

	l := env.lease(t, "a.go")
	assert.Equal(t, domain.LeaseBlocked, l.State)
	assert.Equal(t, "w1", l.OwnerID)

	// stays blocked until an operator steps in
	_, err = env.acquire(t, "a.go", "w2", "two")
	assert.ErrorIs(t, err, ErrBlocked)

	require.NoError(t, env.inTx(t, func(tx *sql.Tx) error {
		_, err := env.mgr.Unblock(context.Background(), tx, "a.go", "w2", "operator")
		return err
	}))
	l = env.lease(t, "a.go")
	assert.Equal(t, domain.LeaseOwned, l.State)
	assert.Empty(t, l.Contenders)
}

func heartbeat(env *testEnv, t *testing.T, path, owner string) (bool, error) {
	var ok bool
	err := env.inTx(t, func(tx *sql.Tx) error {
		var err error
		ok, err = env.mgr.Heartbeat(context.Background(), tx, path, owner)
		return err
	})
	return ok, err
}

func TestHeartbeatFromStrangerIsNoop(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.acquire(t, "a.go", "w1", "")
	require.NoError(t, err)
	before := env.lease(t, "a.go")

	env.clock.Advance(time.Second)
	ok, err := heartbeat(env, t, "a.go", "stranger")
	require.NoError(t, err)
	assert.False(t, ok)
	after := env.lease(t, "a.go")
	assert.Equal(t, before.Version, after.Version)
	assert.True(t, before.LastHeartbeatAt.Equal(after.LastHeartbeatAt))
}

func TestEndSignalThenIdleWindowReleases(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.acquire(t, "a.go", "w1", "alpha")
	require.NoError(t, err)

	// long quiet stretches without an end signal keep the lease
	env.clock.Advance(10 * time.Minute)
	res, err := env.acquire(t, "a.go", "w2", "beta")
	require.NoError(t, err)
	assert.Equal(t, Denied, res.Decision)

	require.NoError(t, env.inTx(t, func(tx *sql.Tx) error {
		_, err := env.mgr.EndWork(context.Background(), tx, "a.go", "w1")
		return err
	}))
	env.clock.Advance(IdleWindow - time.Second)
	var released []Release
	require.NoError(t, env.inTx(t, func(tx *sql.Tx) error {
		var err error
		released, err = env.mgr.SweepIdle(context.Background(), tx)
		return err
	}))
	assert.Empty(t, released)

	env.clock.Advance(time.Second)
	require.NoError(t, env.inTx(t, func(tx *sql.Tx) error {
		var err error
		released, err = env.mgr.SweepIdle(context.Background(), tx)
		return err
	}))
	require.Len(t, released, 1)
	assert.Equal(t, domain.ReleaseIdleTimeout, released[0].Reason)
	l := env.lease(t, "a.go")
	assert.Equal(t, domain.LeaseFree, l.State)
	assert.Empty(t, l.Contenders)
}

func TestMutationWithdrawsEndSignal(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.acquire(t, "a.go", "w1", "")
	require.NoError(t, err)
	require.NoError(t, env.inTx(t, func(tx *sql.Tx) error {
		_, err := env.mgr.EndWork(context.Background(), tx, "a.go", "w1")
		return err
	}))
	env.clock.Advance(10 * time.Second)
	require.NoError(t, env.inTx(t, func(tx *sql.Tx) error {
		_, err := env.mgr.RecordMutation(context.Background(), tx, "a.go", "w1")
		return err
	}))
	env.clock.Advance(time.Hour)

	res, err := env.acquire(t, "a.go", "w2", "")
	require.NoError(t, err)
	assert.Equal(t, Denied, res.Decision)
}

func TestReleaseRequiresOwnerAndReason(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.acquire(t, "a.go", "w1", "")
	require.NoError(t, err)

	err = env.inTx(t, func(tx *sql.Tx) error {
		_, err := env.mgr.Release(context.Background(), tx, "a.go", "w2", domain.ReleaseEnd)
		return err
	})
	assert.ErrorIs(t, err, ErrNotOwner)

	err = env.inTx(t, func(tx *sql.Tx) error {
		_, err := env.mgr.Release(context.Background(), tx, "a.go", "w1", domain.ReleaseReason("bored"))
		return err
	})
	assert.ErrorIs(t, err, ErrInvalidReason)

	require.NoError(t, env.inTx(t, func(tx *sql.Tx) error {
		rel, err := env.mgr.Release(context.Background(), tx, "a.go", "w1", domain.ReleaseCommit)
		assert.Equal(t, domain.ReleaseCommit, rel.Reason)
		return err
	}))
	res, err := env.acquire(t, "a.go", "w2", "")
	require.NoError(t, err)
	assert.Equal(t, Granted, res.Decision)
}

func TestReleaseOwnerFreesEveryHeldPath(t *testing.T) {
	env := newTestEnv(t)
	for _, p := range []string{"a.go", "b.go", "c.go"} {
		_, err := env.acquire(t, p, "w1", "alpha")
		require.NoError(t, err)
	}
	_, err := env.acquire(t, "d.go", "w1", "other")
	require.NoError(t, err)

	var released []Release
	require.NoError(t, env.inTx(t, func(tx *sql.Tx) error {
		var err error
		released, err = env.mgr.ReleaseOwner(context.Background(), tx, "w1", "alpha", domain.ReleaseFailure)
		return err
	}))
	assert.Len(t, released, 3)
	assert.Equal(t, "w1", env.lease(t, "d.go").OwnerID)
}
