package deferral

import (
	"context"
	"database/sql"
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

func newProcessor(t *testing.T) (Processor, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	now := func() time.Time { return time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC) }
	return Processor{Repo: repo.Repo{DB: conn}, Events: events.Writer{DB: conn, Now: now}, Now: now}, conn
}

func inTx(t *testing.T, conn *sql.DB, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := conn.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, fn(tx))
	require.NoError(t, tx.Commit())
}

func seed(t *testing.T, p Processor, conn *sql.DB, slugs ...string) {
	t.Helper()
	ctx := context.Background()
	inTx(t, conn, func(tx *sql.Tx) error {
		b, err := p.Repo.GetBacklog(ctx, tx)
		if err != nil {
			return err
		}
		for _, s := range slugs {
			b.Entries = append(b.Entries, domain.BacklogEntry{Slug: s, Group: "core"})
			if _, err := p.Repo.InsertWorkItemTx(ctx, tx, domain.WorkItem{
				Slug: s, BuildStatus: domain.BuildStarted, ReviewStatus: domain.ReviewPending,
				ReadinessVerdict: domain.VerdictPass, CreatedAt: "2026-04-01T00:00:00Z", UpdatedAt: "2026-04-01T00:00:00Z",
			}); err != nil {
				return err
			}
		}
		_, err = p.Repo.SaveBacklogTx(ctx, tx, b, p.now())
		return err
	})
}

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"Handle retries in the uploader": "handle-retries-in-the-uploader",
		"  --Weird__Title!!  ":           "weird-title",
		"Ünïcode only ☃":                 "n-code-only",
		"":                               "deferral",
		"!!!":                            "deferral",
		"a very long title that keeps going well past the limit of slugs": "a-very-long-title-that-keeps-going-well-past-the",
	}
	for in, want := range tests {
		assert.Equal(t, want, Slugify(in), in)
	}
}

func TestUniquify(t *testing.T) {
	taken := map[string]bool{"x": true, "x-2": true}
	assert.Equal(t, "x-3", Uniquify("x", taken))
	assert.Equal(t, "y", Uniquify("y", taken))
}

func TestProcessCreatesItemsOnceAndIsIdempotent(t *testing.T) {
	p, conn := newProcessor(t)
	ctx := context.Background()
	seed(t, p, conn, "origin", "add-caching")

	inTx(t, conn, func(tx *sql.Tx) error {
		origin, err := p.Repo.GetWorkItem(ctx, tx, "origin")
		require.NoError(t, err)
		for _, d := range []domain.Deferral{
			{Title: "Add caching", SuggestedOutcome: domain.OutcomeNewTodo},
			{Title: "Pick a queue", DecisionNeeded: "kafka or nats?", SuggestedOutcome: domain.OutcomeNewTodo},
			{Title: "Tidy imports", SuggestedOutcome: domain.OutcomeNoop},
		} {
			if _, err := p.Submit(ctx, tx, origin, d, "w1"); err != nil {
				return err
			}
			origin, err = p.Repo.GetWorkItem(ctx, tx, "origin")
			require.NoError(t, err)
		}
		return nil
	})

	var created []domain.WorkItem
	inTx(t, conn, func(tx *sql.Tx) error {
		var err error
		created, err = p.Process(ctx, tx, "origin", "w1")
		return err
	})
	require.Len(t, created, 2)
	assert.Equal(t, "add-caching-2", created[0].Slug)
	assert.Empty(t, created[0].DependsOn)
	assert.Equal(t, "pick-a-queue", created[1].Slug)
	assert.Equal(t, []string{"origin"}, created[1].DependsOn)

	b, err := p.Repo.GetBacklog(ctx, nil)
	require.NoError(t, err)
	require.Len(t, b.Entries, 4)
	assert.Equal(t, "core", b.Entries[3].Group)
	version := b.Version

	pending, err := p.Repo.ListDeferrals(ctx, nil, "origin", true)
	require.NoError(t, err)
	assert.Empty(t, pending)
	origin, err := p.Repo.GetWorkItem(ctx, nil, "origin")
	require.NoError(t, err)
	assert.True(t, origin.DeferralsProcessed)

	inTx(t, conn, func(tx *sql.Tx) error {
		again, err := p.Process(ctx, tx, "origin", "w1")
		assert.Empty(t, again)
		return err
	})
	b, err = p.Repo.GetBacklog(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, version, b.Version)
	items, err := p.Repo.ListWorkItems(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, items, 4)
}

func TestProcessSkipsFinalizedSlugs(t *testing.T) {
	p, conn := newProcessor(t)
	ctx := context.Background()
	seed(t, p, conn, "origin")
	inTx(t, conn, func(tx *sql.Tx) error {
		// add-caching was finalized earlier: no record, no backlog entry
		if err := p.Events.Append(ctx, tx, events.ItemRemoved, "item", "add-caching", "w0", nil); err != nil {
			return err
		}
		origin, err := p.Repo.GetWorkItem(ctx, tx, "origin")
		if err != nil {
			return err
		}
		_, err = p.Submit(ctx, tx, origin, domain.Deferral{Title: "Add caching", SuggestedOutcome: domain.OutcomeNewTodo}, "w1")
		return err
	})

	var created []domain.WorkItem
	inTx(t, conn, func(tx *sql.Tx) error {
		var err error
		created, err = p.Process(ctx, tx, "origin", "w1")
		return err
	})
	require.Len(t, created, 1)
	assert.Equal(t, "add-caching-2", created[0].Slug)
}

func TestSubmitResetsProcessedFlag(t *testing.T) {
	p, conn := newProcessor(t)
	ctx := context.Background()
	seed(t, p, conn, "origin")
	inTx(t, conn, func(tx *sql.Tx) error {
		_, err := p.Process(ctx, tx, "origin", "w1")
		return err
	})
	origin, err := p.Repo.GetWorkItem(ctx, nil, "origin")
	require.NoError(t, err)
	require.True(t, origin.DeferralsProcessed)

	inTx(t, conn, func(tx *sql.Tx) error {
		_, err := p.Submit(ctx, tx, origin, domain.Deferral{Title: "More work"}, "w1")
		return err
	})
	origin, err = p.Repo.GetWorkItem(ctx, nil, "origin")
	require.NoError(t, err)
	assert.False(t, origin.DeferralsProcessed)
}

func TestSubmitValidates(t *testing.T) {
	p, conn := newProcessor(t)
	ctx := context.Background()
	seed(t, p, conn, "origin")
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	origin, err := p.Repo.GetWorkItem(ctx, tx, "origin")
	require.NoError(t, err)

	_, err = p.Submit(ctx, tx, origin, domain.Deferral{Title: "  "}, "w1")
	assert.ErrorIs(t, err, ErrInvalidDeferral)
	_, err = p.Submit(ctx, tx, origin, domain.Deferral{Title: "x", SuggestedOutcome: "MAYBE"}, "w1")
	assert.ErrorIs(t, err, ErrInvalidDeferral)
}
