package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"trunkline/internal/config"
	"trunkline/internal/db"
	"trunkline/internal/domain"
	"trunkline/internal/engine"
	"trunkline/internal/finalize"
	"trunkline/internal/graph"
	"trunkline/internal/lease"
	"trunkline/internal/migrate"
	"trunkline/internal/repo"
)

type trunk struct {
	mu      sync.Mutex
	dirty   []string
	changed []string
	head    string
}

func (t *trunk) DirtyPaths(context.Context) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.dirty...), nil
}

func (t *trunk) ChangedSince(context.Context, string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.changed...), nil
}

func (t *trunk) Head(context.Context) (string, error) {
	return t.head, nil
}

type liveSet map[string]bool

func (l liveSet) IsAlive(_ context.Context, owner string) (bool, error) {
	alive, ok := l[owner]
	return !ok || alive, nil
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Trunk  *trunk
	Live   liveSet
	now    *time.Time
}

func (e testEnv) advance(d time.Duration) {
	*e.now = e.now.Add(d)
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	env := testEnv{Ctx: context.Background(), Trunk: &trunk{head: "abc123"}, Live: liveSet{}, now: &now}
	eng := engine.New(conn, config.Default("main"))
	eng.Now = func() time.Time { return *env.now }
	eng.Inspector = env.Trunk
	eng.Liveness = env.Live
	env.Engine = eng
	return env
}

func (e testEnv) add(t *testing.T, slug string, deps ...string) {
	t.Helper()
	if _, err := e.Engine.AddItem(e.Ctx, engine.AddItemOptions{Slug: slug, DependsOn: deps, ActorID: "tester"}); err != nil {
		t.Fatalf("add %s: %v", slug, err)
	}
}

func (e testEnv) report(t *testing.T, r engine.Report) domain.WorkItem {
	t.Helper()
	it, err := e.Engine.ReportOutcome(e.Ctx, r)
	if err != nil {
		t.Fatalf("report %s %s %s: %v", r.Slug, r.Phase, r.Result, err)
	}
	return it
}

func (e testEnv) pass(t *testing.T, slug string) {
	t.Helper()
	score := 8
	e.report(t, engine.Report{Slug: slug, Phase: domain.PhaseGate, Result: engine.ResultAssessed, Score: &score, Verdict: domain.VerdictPass, ActorID: "assessor"})
}

func (e testEnv) phase(t *testing.T, slug string) domain.Phase {
	t.Helper()
	act, err := e.Engine.NextAction(e.Ctx, slug)
	if err != nil {
		t.Fatalf("next action %s: %v", slug, err)
	}
	return act.Phase
}

func TestEligibilityFollowsBacklog(t *testing.T) {
	env := newTestEnv(t)
	env.add(t, "y")
	env.add(t, "x", "y")

	x, err := env.Engine.GetItem(env.Ctx, "x")
	if err != nil {
		t.Fatalf("get x: %v", err)
	}
	if x.Eligible || x.Phase != domain.PhaseDraft {
		t.Fatalf("x should wait on y, got eligible=%v phase=%s", x.Eligible, x.Phase)
	}
	if len(x.Blockers) != 1 || x.Blockers[0] != "y" {
		t.Fatalf("blockers = %v", x.Blockers)
	}

	env.pass(t, "y")
	env.report(t, engine.Report{Slug: "y", Phase: domain.PhaseBuild, Result: engine.ResultStarted, Owner: "w1"})
	env.report(t, engine.Report{Slug: "y", Phase: domain.PhaseBuild, Result: engine.ResultComplete, Owner: "w1"})
	env.report(t, engine.Report{Slug: "y", Phase: domain.PhaseReview, Result: engine.ResultStarted})
	env.report(t, engine.Report{Slug: "y", Phase: domain.PhaseReview, Result: engine.ResultApproved})
	res, err := env.Engine.Finalize(env.Ctx, "y", "w1")
	if err != nil {
		t.Fatalf("finalize y: %v", err)
	}
	if len(res.Unblocked) != 1 || res.Unblocked[0] != "x" {
		t.Fatalf("unblocked = %v", res.Unblocked)
	}

	x, err = env.Engine.GetItem(env.Ctx, "x")
	if err != nil {
		t.Fatalf("get x: %v", err)
	}
	if !x.Eligible {
		t.Fatalf("x should be eligible once y is gone")
	}
	if x.Phase != domain.PhaseGate {
		t.Fatalf("x phase = %s, want gate", x.Phase)
	}
}

func TestFullLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.add(t, "parser")

	act, err := env.Engine.NextAction(env.Ctx, "parser")
	if err != nil || act.Instruction != engine.InstructionAssessReadiness {
		t.Fatalf("expected assess, got %+v %v", act, err)
	}
	env.pass(t, "parser")
	act, _ = env.Engine.NextAction(env.Ctx, "parser")
	if act.Instruction != engine.InstructionDispatchBuild {
		t.Fatalf("expected dispatch build, got %s", act.Instruction)
	}

	it := env.report(t, engine.Report{Slug: "parser", Phase: domain.PhaseBuild, Result: engine.ResultStarted, Owner: "w1"})
	if it.IntegrationBase != "abc123" || it.AssigneeID != "w1" {
		t.Fatalf("build start not recorded: %+v", it)
	}
	res, err := env.Engine.AcquireLease(env.Ctx, lease.Request{Path: "./src/parser.go", OwnerID: "w1", Slug: "parser"})
	if err != nil || res.Decision != lease.Granted {
		t.Fatalf("acquire: %+v %v", res, err)
	}
	if _, err := env.Engine.RecordMutation(env.Ctx, "parser", "w1", "src/parser.go"); err != nil {
		t.Fatalf("mutation: %v", err)
	}
	it = env.report(t, engine.Report{Slug: "parser", Phase: domain.PhaseBuild, Result: engine.ResultComplete, Owner: "w1"})
	if len(it.TouchedPaths) != 1 || it.TouchedPaths[0] != "src/parser.go" {
		t.Fatalf("touched = %v", it.TouchedPaths)
	}
	l, err := env.Engine.GetLease(env.Ctx, "src/parser.go")
	if err != nil {
		t.Fatalf("get lease: %v", err)
	}
	if l.Held() {
		t.Fatalf("lease should be released on commit: %+v", l)
	}

	env.report(t, engine.Report{Slug: "parser", Phase: domain.PhaseReview, Result: engine.ResultStarted})
	env.report(t, engine.Report{Slug: "parser", Phase: domain.PhaseReview, Result: engine.ResultChangesRequested})
	if p := env.phase(t, "parser"); p != domain.PhaseFix {
		t.Fatalf("phase = %s, want fix", p)
	}
	env.report(t, engine.Report{Slug: "parser", Phase: domain.PhaseFix, Result: engine.ResultStarted, Owner: "w2"})
	env.report(t, engine.Report{Slug: "parser", Phase: domain.PhaseFix, Result: engine.ResultComplete, Owner: "w2"})
	if p := env.phase(t, "parser"); p != domain.PhaseReview {
		t.Fatalf("phase = %s, want review", p)
	}
	env.report(t, engine.Report{Slug: "parser", Phase: domain.PhaseReview, Result: engine.ResultStarted})
	env.report(t, engine.Report{Slug: "parser", Phase: domain.PhaseReview, Result: engine.ResultApproved})
	if p := env.phase(t, "parser"); p != domain.PhaseFinalize {
		t.Fatalf("phase = %s, want finalize", p)
	}

	env.Trunk.dirty = []string{"src/parser.go", ".trunkline/trunkline.db-wal"}
	if _, err := env.Engine.Finalize(env.Ctx, "parser", "w2"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	act, err = env.Engine.NextAction(env.Ctx, "parser")
	if err != nil {
		t.Fatalf("next action after finalize: %v", err)
	}
	if act.Phase != domain.PhaseRemoved || act.Instruction != engine.InstructionNone {
		t.Fatalf("expected removed, got %+v", act)
	}
	lock, err := env.Engine.Repo.GetFinalizeLock(env.Ctx, nil)
	if err != nil || lock.Held() {
		t.Fatalf("finalize lock should be free: %+v %v", lock, err)
	}
}

func TestOutOfOrderReportRejected(t *testing.T) {
	env := newTestEnv(t)
	env.add(t, "a")
	_, err := env.Engine.ReportOutcome(env.Ctx, engine.Report{Slug: "a", Phase: domain.PhaseReview, Result: engine.ResultApproved})
	var ne *engine.NotEligibleError
	if !errors.As(err, &ne) {
		t.Fatalf("expected NotEligibleError, got %v", err)
	}
	if ne.Phase != domain.PhaseGate {
		t.Fatalf("phase = %s", ne.Phase)
	}
	it, err := env.Engine.GetItem(env.Ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if it.ReviewStatus != domain.ReviewPending {
		t.Fatalf("review status changed: %s", it.ReviewStatus)
	}
	if _, err := env.Engine.Finalize(env.Ctx, "a", "w1"); !errors.Is(err, engine.ErrNotEligible) {
		t.Fatalf("finalize from gate: %v", err)
	}
}

func TestUnknownItem(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.NextAction(env.Ctx, "ghost"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCompleteRequiresLeases(t *testing.T) {
	env := newTestEnv(t)
	env.add(t, "a")
	env.pass(t, "a")
	env.report(t, engine.Report{Slug: "a", Phase: domain.PhaseBuild, Result: engine.ResultStarted, Owner: "w1", Base: "def"})
	_, err := env.Engine.ReportOutcome(env.Ctx, engine.Report{
		Slug: "a", Phase: domain.PhaseBuild, Result: engine.ResultComplete, Owner: "w1", Paths: []string{"a.go"},
	})
	if !errors.Is(err, engine.ErrLeaseRequired) {
		t.Fatalf("expected lease required, got %v", err)
	}
	it, err := env.Engine.GetItem(env.Ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if it.BuildStatus != domain.BuildStarted || len(it.TouchedPaths) != 0 {
		t.Fatalf("item changed: %+v", it.WorkItem)
	}
}

func TestBuildFailureReleasesLeases(t *testing.T) {
	env := newTestEnv(t)
	env.add(t, "a")
	env.pass(t, "a")
	env.report(t, engine.Report{Slug: "a", Phase: domain.PhaseBuild, Result: engine.ResultStarted, Owner: "w1"})
	if _, err := env.Engine.AcquireLease(env.Ctx, lease.Request{Path: "a.go", OwnerID: "w1", Slug: "a"}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	it := env.report(t, engine.Report{Slug: "a", Phase: domain.PhaseBuild, Result: engine.ResultFailed, Owner: "w1"})
	if it.BuildStatus != domain.BuildPending || it.AssigneeID != "" {
		t.Fatalf("failed build should reset: %+v", it)
	}
	res, err := env.Engine.AcquireLease(env.Ctx, lease.Request{Path: "a.go", OwnerID: "w2", Slug: "b"})
	if err != nil || res.Decision != lease.Granted {
		t.Fatalf("lease should be free after failure: %+v %v", res, err)
	}
}

func TestContentionBlocksNextAction(t *testing.T) {
	env := newTestEnv(t)
	env.add(t, "a")
	env.add(t, "b")
	for _, s := range []string{"a", "b"} {
		env.pass(t, s)
	}
	env.report(t, engine.Report{Slug: "a", Phase: domain.PhaseBuild, Result: engine.ResultStarted, Owner: "wa"})
	env.report(t, engine.Report{Slug: "b", Phase: domain.PhaseBuild, Result: engine.ResultStarted, Owner: "wb"})

	if _, err := env.Engine.AcquireLease(env.Ctx, lease.Request{Path: "foo.txt", OwnerID: "wa", Slug: "a"}); err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	res, err := env.Engine.AcquireLease(env.Ctx, lease.Request{Path: "foo.txt", OwnerID: "wb", Slug: "b"})
	if err != nil || res.Decision != lease.Denied {
		t.Fatalf("expected denied, got %+v %v", res, err)
	}
	act, err := env.Engine.NextAction(env.Ctx, "b")
	if err != nil {
		t.Fatalf("next action: %v", err)
	}
	if act.Instruction != engine.InstructionAwaitBuild || act.Wait <= 0 {
		t.Fatalf("expected await with wait, got %+v", act)
	}

	if ok, err := env.Engine.Heartbeat(env.Ctx, "foo.txt", "wb"); err != nil || !ok {
		t.Fatalf("contender heartbeat: %v %v", ok, err)
	}
	env.advance(lease.RetryInterval)
	_, err = env.Engine.AcquireLease(env.Ctx, lease.Request{Path: "foo.txt", OwnerID: "wb", Slug: "b"})
	var blocked *lease.BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected blocked, got %v", err)
	}
	if blocked.Owner != "wa" || blocked.Age < lease.RetryInterval {
		t.Fatalf("blocked detail = %+v", blocked)
	}

	act, err = env.Engine.NextAction(env.Ctx, "b")
	if err != nil {
		t.Fatalf("next action: %v", err)
	}
	if act.Instruction != engine.InstructionBlocked || act.Lease == nil || act.Lease.Owner != "wa" {
		t.Fatalf("expected blocked action, got %+v", act)
	}

	if _, err := env.Engine.Unblock(env.Ctx, "foo.txt", "wb", "operator"); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	act, _ = env.Engine.NextAction(env.Ctx, "b")
	if act.Instruction != engine.InstructionAwaitBuild {
		t.Fatalf("after unblock got %s", act.Instruction)
	}
}

func TestDeadOwnerLeaseReclaimed(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.AcquireLease(env.Ctx, lease.Request{Path: "foo.txt", OwnerID: "wa"}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	env.Live["wa"] = false
	env.advance(time.Second)
	res, err := env.Engine.AcquireLease(env.Ctx, lease.Request{Path: "foo.txt", OwnerID: "wb"})
	if err != nil || res.Decision != lease.Granted {
		t.Fatalf("expected immediate grant, got %+v %v", res, err)
	}
	if res.Reclaimed == nil || res.Reclaimed.Reason != domain.ReleaseLivenessLoss {
		t.Fatalf("reclaim not reported: %+v", res.Reclaimed)
	}
}

func TestFinalizeBlockedLeavesItem(t *testing.T) {
	env := newTestEnv(t)
	env.add(t, "a")
	env.pass(t, "a")
	env.report(t, engine.Report{Slug: "a", Phase: domain.PhaseBuild, Result: engine.ResultStarted, Owner: "w1"})
	if res, err := env.Engine.AcquireLease(env.Ctx, lease.Request{Path: "src/a.go", OwnerID: "w1", Slug: "a"}); err != nil || res.Decision != lease.Granted {
		t.Fatalf("acquire: %+v %v", res, err)
	}
	if _, err := env.Engine.RecordMutation(env.Ctx, "a", "w1", "src/a.go"); err != nil {
		t.Fatalf("mutation: %v", err)
	}
	env.report(t, engine.Report{Slug: "a", Phase: domain.PhaseBuild, Result: engine.ResultComplete, Owner: "w1"})
	env.report(t, engine.Report{Slug: "a", Phase: domain.PhaseReview, Result: engine.ResultStarted})
	env.report(t, engine.Report{Slug: "a", Phase: domain.PhaseReview, Result: engine.ResultApproved})

	env.Trunk.dirty = []string{"stray.txt"}
	_, err := env.Engine.Finalize(env.Ctx, "a", "w1")
	var blocked *finalize.BlockedError
	if !errors.As(err, &blocked) || blocked.Code != finalize.CodeDirty {
		t.Fatalf("expected DIRTY, got %v", err)
	}
	act, err := env.Engine.NextAction(env.Ctx, "a")
	if err != nil {
		t.Fatalf("next action: %v", err)
	}
	if act.Phase != domain.PhaseFinalize || act.Instruction != engine.InstructionBlocked {
		t.Fatalf("blocked item should not be offered finalize again: %+v", act)
	}
	if act.Finalize == nil || act.Finalize.Code != string(finalize.CodeDirty) {
		t.Fatalf("action should carry the block: %+v", act.Finalize)
	}

	// the trunk is clean now but the block stands until it is lifted
	env.Trunk.dirty = nil
	_, err = env.Engine.Finalize(env.Ctx, "a", "w1")
	if !errors.As(err, &blocked) || blocked.Code != finalize.CodeDirty {
		t.Fatalf("expected standing DIRTY, got %v", err)
	}
	if len(blocked.DirtyPaths) != 1 || blocked.DirtyPaths[0] != "stray.txt" {
		t.Fatalf("standing block paths = %v", blocked.DirtyPaths)
	}
	st, err := env.Engine.Snapshot(env.Ctx)
	if err != nil || len(st.FinalizeBlocks) != 1 {
		t.Fatalf("snapshot blocks = %+v %v", st.FinalizeBlocks, err)
	}

	cleared, err := env.Engine.ClearFinalizeBlock(env.Ctx, "a", "operator")
	if err != nil || cleared.Code != string(finalize.CodeDirty) {
		t.Fatalf("clear: %+v %v", cleared, err)
	}
	if _, err := env.Engine.ClearFinalizeBlock(env.Ctx, "a", "operator"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("second clear: %v", err)
	}
	if act, _ := env.Engine.NextAction(env.Ctx, "a"); act.Instruction != engine.InstructionFinalize {
		t.Fatalf("cleared item should be offered finalize: %+v", act)
	}

	env.Trunk.changed = []string{"src/a.go", "docs/notes.md"}
	_, err = env.Engine.Finalize(env.Ctx, "a", "w1")
	if !errors.As(err, &blocked) || blocked.Code != finalize.CodeDiverged {
		t.Fatalf("expected DIVERGED, got %v", err)
	}
	if len(blocked.ChangedPaths) != 1 || blocked.ChangedPaths[0] != "src/a.go" {
		t.Fatalf("changed paths = %v", blocked.ChangedPaths)
	}

	env.Trunk.head = "def456"
	rb, err := env.Engine.Rebase(env.Ctx, "a", "", "operator")
	if err != nil {
		t.Fatalf("rebase: %v", err)
	}
	if rb.Previous != "abc123" || rb.Base != "def456" || !rb.Cleared {
		t.Fatalf("rebase = %+v", rb)
	}
	if len(rb.Overlap) != 1 || rb.Overlap[0] != "src/a.go" {
		t.Fatalf("rebase overlap = %v", rb.Overlap)
	}
	if rb.Item.IntegrationBase != "def456" {
		t.Fatalf("base not moved: %+v", rb.Item)
	}

	env.Trunk.changed = nil
	if _, err := env.Engine.Finalize(env.Ctx, "a", "w1"); err != nil {
		t.Fatalf("finalize after rebase: %v", err)
	}
	if _, err := env.Engine.ClearFinalizeBlock(env.Ctx, "a", "operator"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("finalized item should leave no block: %v", err)
	}
}

func TestTrunkChangesElsewhereDoNotBlock(t *testing.T) {
	env := newTestEnv(t)
	env.add(t, "a")
	env.pass(t, "a")
	env.report(t, engine.Report{Slug: "a", Phase: domain.PhaseBuild, Result: engine.ResultStarted, Owner: "w1"})
	if _, err := env.Engine.AcquireLease(env.Ctx, lease.Request{Path: "a.txt", OwnerID: "w1", Slug: "a"}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := env.Engine.RecordMutation(env.Ctx, "a", "w1", "a.txt"); err != nil {
		t.Fatalf("mutation: %v", err)
	}
	env.report(t, engine.Report{Slug: "a", Phase: domain.PhaseBuild, Result: engine.ResultComplete, Owner: "w1"})
	env.report(t, engine.Report{Slug: "a", Phase: domain.PhaseReview, Result: engine.ResultStarted})
	env.report(t, engine.Report{Slug: "a", Phase: domain.PhaseReview, Result: engine.ResultApproved})

	// another item already landed b.txt on top of a's base
	env.Trunk.changed = []string{"b.txt"}
	if _, err := env.Engine.Finalize(env.Ctx, "a", "w1"); err != nil {
		t.Fatalf("unrelated trunk commit should not block: %v", err)
	}
}

func TestApprovalRequiresStartedReview(t *testing.T) {
	env := newTestEnv(t)
	env.add(t, "a")
	env.pass(t, "a")
	env.report(t, engine.Report{Slug: "a", Phase: domain.PhaseBuild, Result: engine.ResultStarted, Owner: "w1"})
	env.report(t, engine.Report{Slug: "a", Phase: domain.PhaseBuild, Result: engine.ResultComplete, Owner: "w1"})

	for _, result := range []engine.Result{engine.ResultApproved, engine.ResultChangesRequested} {
		_, err := env.Engine.ReportOutcome(env.Ctx, engine.Report{Slug: "a", Phase: domain.PhaseReview, Result: result})
		if !errors.Is(err, engine.ErrNotEligible) {
			t.Fatalf("%s without start: %v", result, err)
		}
	}
	if act, _ := env.Engine.NextAction(env.Ctx, "a"); act.Instruction != engine.InstructionDispatchReview {
		t.Fatalf("review should still be pending: %+v", act)
	}
	env.report(t, engine.Report{Slug: "a", Phase: domain.PhaseReview, Result: engine.ResultStarted})
	env.report(t, engine.Report{Slug: "a", Phase: domain.PhaseReview, Result: engine.ResultApproved})
	if p := env.phase(t, "a"); p != domain.PhaseFinalize {
		t.Fatalf("phase = %s, want finalize", p)
	}
}

func TestDeferralFlow(t *testing.T) {
	env := newTestEnv(t)
	env.add(t, "origin")
	env.pass(t, "origin")
	if _, err := env.Engine.SubmitDeferral(env.Ctx, "origin", domain.Deferral{Title: "x", SuggestedOutcome: domain.OutcomeNoop}, "w1"); !errors.Is(err, engine.ErrNotEligible) {
		t.Fatalf("deferral before build start: %v", err)
	}
	env.report(t, engine.Report{Slug: "origin", Phase: domain.PhaseBuild, Result: engine.ResultStarted, Owner: "w1"})
	for _, d := range []domain.Deferral{
		{Title: "Add caching", Reason: "slow path", SuggestedOutcome: domain.OutcomeNewTodo},
		{Title: "Rename helper", SuggestedOutcome: domain.OutcomeNoop},
	} {
		if _, err := env.Engine.SubmitDeferral(env.Ctx, "origin", d, "w1"); err != nil {
			t.Fatalf("submit %q: %v", d.Title, err)
		}
	}
	env.report(t, engine.Report{Slug: "origin", Phase: domain.PhaseBuild, Result: engine.ResultComplete, Owner: "w1"})
	env.report(t, engine.Report{Slug: "origin", Phase: domain.PhaseReview, Result: engine.ResultStarted})
	env.report(t, engine.Report{Slug: "origin", Phase: domain.PhaseReview, Result: engine.ResultApproved})
	act, err := env.Engine.NextAction(env.Ctx, "origin")
	if err != nil || act.Instruction != engine.InstructionProcessDeferrals {
		t.Fatalf("expected process deferrals, got %+v %v", act, err)
	}
	if _, err := env.Engine.Finalize(env.Ctx, "origin", "w1"); !errors.Is(err, engine.ErrNotEligible) {
		t.Fatalf("finalize before deferrals: %v", err)
	}

	created, err := env.Engine.ProcessDeferrals(env.Ctx, "origin", "driver")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(created) != 1 || created[0].Slug != "add-caching" {
		t.Fatalf("created = %+v", created)
	}
	again, err := env.Engine.ProcessDeferrals(env.Ctx, "origin", "driver")
	if err != nil || len(again) != 0 {
		t.Fatalf("second process should be a no-op: %v %v", again, err)
	}
	if p := env.phase(t, "origin"); p != domain.PhaseFinalize {
		t.Fatalf("phase = %s", p)
	}
	items, err := env.Engine.ListItems(env.Ctx)
	if err != nil || len(items) != 2 {
		t.Fatalf("items = %v %v", items, err)
	}
}

func (e testEnv) ship(t *testing.T, slug, owner string) {
	t.Helper()
	e.pass(t, slug)
	e.report(t, engine.Report{Slug: slug, Phase: domain.PhaseBuild, Result: engine.ResultStarted, Owner: owner})
	e.report(t, engine.Report{Slug: slug, Phase: domain.PhaseBuild, Result: engine.ResultComplete, Owner: owner})
	e.report(t, engine.Report{Slug: slug, Phase: domain.PhaseReview, Result: engine.ResultStarted})
	e.report(t, engine.Report{Slug: slug, Phase: domain.PhaseReview, Result: engine.ResultApproved})
	if _, err := e.Engine.Finalize(e.Ctx, slug, owner); err != nil {
		t.Fatalf("finalize %s: %v", slug, err)
	}
}

func TestFinalizedSlugStaysRetired(t *testing.T) {
	env := newTestEnv(t)
	env.add(t, "add-caching")
	env.add(t, "dependent", "add-caching")
	env.ship(t, "add-caching", "w1")

	_, err := env.Engine.AddItem(env.Ctx, engine.AddItemOptions{Slug: "add-caching", ActorID: "tester"})
	if !errors.Is(err, engine.ErrSlugRetired) {
		t.Fatalf("re-adding a finalized slug: %v", err)
	}

	env.add(t, "origin")
	env.pass(t, "origin")
	env.report(t, engine.Report{Slug: "origin", Phase: domain.PhaseBuild, Result: engine.ResultStarted, Owner: "w2"})
	if _, err := env.Engine.SubmitDeferral(env.Ctx, "origin", domain.Deferral{Title: "Add caching", SuggestedOutcome: domain.OutcomeNewTodo}, "w2"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	env.report(t, engine.Report{Slug: "origin", Phase: domain.PhaseBuild, Result: engine.ResultComplete, Owner: "w2"})
	env.report(t, engine.Report{Slug: "origin", Phase: domain.PhaseReview, Result: engine.ResultStarted})
	env.report(t, engine.Report{Slug: "origin", Phase: domain.PhaseReview, Result: engine.ResultApproved})
	created, err := env.Engine.ProcessDeferrals(env.Ctx, "origin", "driver")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(created) != 1 || created[0].Slug != "add-caching-2" {
		t.Fatalf("created = %+v", created)
	}
	if p := env.phase(t, "dependent"); p != domain.PhaseGate {
		t.Fatalf("dependent fell back to %s", p)
	}
}

func TestAddDependencyRejectsCycle(t *testing.T) {
	env := newTestEnv(t)
	env.add(t, "a")
	env.add(t, "b", "a")
	_, err := env.Engine.AddDependency(env.Ctx, "a", "b", "tester")
	var cyc *graph.CyclicDependencyError
	if !errors.As(err, &cyc) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	b, err := env.Engine.Repo.GetBacklog(env.Ctx, nil)
	if err != nil {
		t.Fatalf("backlog: %v", err)
	}
	if e, _ := b.Entry("a"); len(e.DependsOn) != 0 {
		t.Fatalf("backlog changed: %+v", e)
	}
	if _, err := env.Engine.AddItem(env.Ctx, engine.AddItemOptions{Slug: "a"}); !errors.Is(err, engine.ErrItemExists) {
		t.Fatalf("duplicate add: %v", err)
	}
	if _, err := env.Engine.AddItem(env.Ctx, engine.AddItemOptions{Slug: "c", DependsOn: []string{"nope"}}); !errors.Is(err, graph.ErrUnknownItem) {
		t.Fatalf("unknown dep: %v", err)
	}
}

func TestImportBacklogIdempotent(t *testing.T) {
	env := newTestEnv(t)
	file := &config.BacklogFile{Items: []config.BacklogItem{
		{Slug: "db", Group: "core"},
		{Slug: "api", Group: "core", DependsOn: []string{"db"}, Description: "http surface"},
	}}
	res, err := env.Engine.ImportBacklog(env.Ctx, file, "tester")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(res.Added) != 2 {
		t.Fatalf("added = %v", res.Added)
	}
	res, err = env.Engine.ImportBacklog(env.Ctx, file, "tester")
	if err != nil {
		t.Fatalf("reimport: %v", err)
	}
	if len(res.Added) != 0 || len(res.Updated) != 0 || len(res.Unchanged) != 2 {
		t.Fatalf("reimport changed things: %+v", res)
	}
	api, err := env.Engine.GetItem(env.Ctx, "api")
	if err != nil {
		t.Fatalf("get api: %v", err)
	}
	if api.Group != "core" || api.Description != "http surface" || len(api.DependsOn) != 1 {
		t.Fatalf("api = %+v", api.WorkItem)
	}

	cyclic := &config.BacklogFile{Items: []config.BacklogItem{{Slug: "db", DependsOn: []string{"api"}}}}
	if _, err := env.Engine.ImportBacklog(env.Ctx, cyclic, "tester"); !errors.Is(err, graph.ErrCyclicDependency) {
		t.Fatalf("expected cycle, got %v", err)
	}
}

func TestAssessUsesScorer(t *testing.T) {
	env := newTestEnv(t)
	env.add(t, "a")
	if _, err := env.Engine.Assess(env.Ctx, "a", ""); !errors.Is(err, engine.ErrNoScorer) {
		t.Fatalf("expected no scorer, got %v", err)
	}
	env.Engine.Scorer = fixedScorer{score: 9, verdict: domain.VerdictPass}
	it, err := env.Engine.Assess(env.Ctx, "a", "")
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if it.ReadinessScore == nil || *it.ReadinessScore != 9 || it.ReadinessVerdict != domain.VerdictPass {
		t.Fatalf("readiness = %+v", it)
	}
}

type fixedScorer struct {
	score   int
	verdict domain.Verdict
}

func (f fixedScorer) Score(context.Context, string) (int, domain.Verdict, error) {
	return f.score, f.verdict, nil
}
