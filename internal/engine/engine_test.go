package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"overseer/internal/config"
	"overseer/internal/db"
	"overseer/internal/domain"
	"overseer/internal/engine"
	"overseer/internal/migrate"
	"overseer/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Repo   repo.Repo
	DB     *sql.DB
	Ctx    context.Context
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
	cfg := config.Default("test-pipeline")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Repo: repo.Repo{DB: conn}, DB: conn, Ctx: context.Background()}
}

func mustCreate(t *testing.T, env testEnv, taskID string) domain.Session {
	t.Helper()
	s, err := env.Engine.CreateSession(env.Ctx, taskID, "src", nil, "tester")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}

func TestSessionTransitions(t *testing.T) {
	env := newTestEnv(t)
	s := mustCreate(t, env, "t1")
	if s.Status != domain.StatusInitialized {
		t.Fatalf("new session status = %s", s.Status)
	}
	s, err := env.Engine.UpdatePhase(env.Ctx, "t1", "design", "tester")
	if err != nil || s.Status != domain.StatusRunning {
		t.Fatalf("to running: %v (%s)", err, s.Status)
	}
	s, err = env.Engine.PauseForHITL(env.Ctx, "t1", domain.CheckpointDesignApproval, map[string]any{"k": "v"}, "tester")
	if err != nil || s.Status != domain.StatusPausedHITL {
		t.Fatalf("pause: %v (%s)", err, s.Status)
	}
	s, err = env.Engine.Approve(env.Ctx, "t1", "looks good", "reviewer")
	if err != nil || s.Status != domain.StatusApproved {
		t.Fatalf("approve: %v (%s)", err, s.Status)
	}
	// approving a non-paused session is illegal
	_, err = env.Engine.Approve(env.Ctx, "t1", "", "reviewer")
	if !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("second approve should be invalid state, got %v", err)
	}
	// pausing without an intervening updatePhase is illegal
	_, err = env.Engine.PauseForHITL(env.Ctx, "t1", domain.CheckpointManualFix, nil, "tester")
	if !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("pause from APPROVED should be invalid state, got %v", err)
	}
	s, err = env.Engine.UpdatePhase(env.Ctx, "t1", "build", "tester")
	if err != nil || s.Status != domain.StatusRunning {
		t.Fatalf("resume: %v (%s)", err, s.Status)
	}
	s, err = env.Engine.Complete(env.Ctx, "t1", map[string]any{"ok": true}, "tester")
	if err != nil || s.Status != domain.StatusCompleted {
		t.Fatalf("complete: %v (%s)", err, s.Status)
	}
	// completed is terminal for phase updates
	_, err = env.Engine.UpdatePhase(env.Ctx, "t1", "extra", "tester")
	if !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("updatePhase after complete should be invalid state, got %v", err)
	}
}

func TestHistoryMonotonic(t *testing.T) {
	env := newTestEnv(t)
	mustCreate(t, env, "t1")
	if _, err := env.Engine.UpdatePhase(env.Ctx, "t1", "design", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.PauseForHITL(env.Ctx, "t1", domain.CheckpointDesignApproval, nil, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Approve(env.Ctx, "t1", "", "reviewer"); err != nil {
		t.Fatal(err)
	}
	s, err := env.Engine.GetSession(env.Ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(s.History) != 4 {
		t.Fatalf("expected 4 history entries, got %d", len(s.History))
	}
	for i, e := range s.History {
		if e.Seq != int64(i+1) {
			t.Fatalf("history seq at %d = %d", i, e.Seq)
		}
	}
	events := []string{"session.created", "session.phase", "session.paused", "session.approved"}
	for i, want := range events {
		if s.History[i].Event != want {
			t.Fatalf("history[%d] = %s, want %s", i, s.History[i].Event, want)
		}
	}
}

func TestRejectDoesNotResume(t *testing.T) {
	env := newTestEnv(t)
	mustCreate(t, env, "t1")
	if _, err := env.Engine.UpdatePhase(env.Ctx, "t1", "design", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.PauseForHITL(env.Ctx, "t1", domain.CheckpointDesignApproval, nil, "tester"); err != nil {
		t.Fatal(err)
	}
	s, err := env.Engine.Reject(env.Ctx, "t1", "needs rework", "reviewer")
	if err != nil || s.Status != domain.StatusRejected {
		t.Fatalf("reject: %v (%s)", err, s.Status)
	}
	if s.HITL == nil || s.HITL.ResolvedAt == nil {
		t.Fatalf("rejection should record resolution")
	}
	// rejection clears the discovery projection
	pending, err := env.Engine.ListPendingHITL(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected empty HITL queue, got %d", len(pending))
	}
	// a rerun is the only way forward
	s, err = env.Engine.RequestRerun(env.Ctx, "t1", engine.RerunOptions{}, "operator")
	if err != nil || s.Status != domain.StatusInitialized {
		t.Fatalf("rerun after reject: %v (%s)", err, s.Status)
	}
	if s.RetryCount != 1 {
		t.Fatalf("retry count = %d", s.RetryCount)
	}
}

func TestRetryBound(t *testing.T) {
	env := newTestEnv(t)
	s := mustCreate(t, env, "t1")
	if _, err := env.Engine.Fail(env.Ctx, "t1", "boom", "tester"); err != nil {
		t.Fatal(err)
	}
	var err error
	for i := 0; i < s.MaxRetries; i++ {
		s, err = env.Engine.RequestRerun(env.Ctx, "t1", engine.RerunOptions{}, "operator")
		if err != nil {
			t.Fatalf("rerun %d: %v", i+1, err)
		}
		if s.Status != domain.StatusInitialized {
			t.Fatalf("rerun %d status = %s", i+1, s.Status)
		}
		if _, err := env.Engine.Fail(env.Ctx, "t1", "boom", "tester"); err != nil {
			t.Fatal(err)
		}
	}
	// maxRetries+1-th call crosses the budget
	s, err = env.Engine.RequestRerun(env.Ctx, "t1", engine.RerunOptions{}, "operator")
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != domain.StatusUserIntervention {
		t.Fatalf("exhausted rerun status = %s", s.Status)
	}
	// stays terminal without an explicit reset
	_, err = env.Engine.RequestRerun(env.Ctx, "t1", engine.RerunOptions{}, "operator")
	if !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("rerun without reset should be invalid state, got %v", err)
	}
	s, err = env.Engine.RequestRerun(env.Ctx, "t1", engine.RerunOptions{Reset: true}, "operator")
	if err != nil || s.Status != domain.StatusInitialized {
		t.Fatalf("reset rerun: %v (%s)", err, s.Status)
	}
	if s.RetryCount != 1 {
		t.Fatalf("retry count after reset = %d", s.RetryCount)
	}
}

func TestHITLRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	mustCreate(t, env, "t1")
	if _, err := env.Engine.UpdatePhase(env.Ctx, "t1", "deploy", "tester"); err != nil {
		t.Fatal(err)
	}
	payload := map[string]any{"artifact": "bundle.tar"}
	if _, err := env.Engine.PauseForHITL(env.Ctx, "t1", domain.CheckpointDeploymentApproval, payload, "tester"); err != nil {
		t.Fatal(err)
	}
	pending, err := env.Engine.ListPendingHITL(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].TaskID != "t1" {
		t.Fatalf("pending = %+v", pending)
	}
	if pending[0].Checkpoint != domain.CheckpointDeploymentApproval {
		t.Fatalf("checkpoint = %s", pending[0].Checkpoint)
	}
	if pending[0].Context["artifact"] != "bundle.tar" {
		t.Fatalf("context lost: %+v", pending[0].Context)
	}
	s, err := env.Engine.Approve(env.Ctx, "t1", "ship it", "reviewer")
	if err != nil {
		t.Fatal(err)
	}
	if s.HITL == nil || s.HITL.ResolvedAt == nil || s.HITL.ResolutionNote == nil {
		t.Fatalf("approval resolution not recorded: %+v", s.HITL)
	}
	if *s.HITL.ResolutionNote != "ship it" {
		t.Fatalf("resolution note = %s", *s.HITL.ResolutionNote)
	}
}

func TestCreateDuplicate(t *testing.T) {
	env := newTestEnv(t)
	mustCreate(t, env, "t1")
	_, err := env.Engine.CreateSession(env.Ctx, "t1", "src", nil, "tester")
	if !errors.Is(err, engine.ErrSessionExists) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestDuplicateInsertIsConstraintViolation(t *testing.T) {
	env := newTestEnv(t)
	mustCreate(t, env, "t1")
	// drive the raw insert the way a racing writer on another handle would
	tx, err := env.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	err = env.Repo.InsertSession(env.Ctx, tx, domain.Session{
		TaskID:    "t1",
		Status:    domain.StatusInitialized,
		CreatedAt: "2026-01-01T00:00:00Z",
		UpdatedAt: "2026-01-01T00:00:00Z",
	})
	if !repo.IsUniqueViolation(err) {
		t.Fatalf("expected unique violation, got %v", err)
	}
}

func TestGetUnknownSession(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.GetSession(env.Ctx, "nope")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListActiveSessions(t *testing.T) {
	env := newTestEnv(t)
	mustCreate(t, env, "t1")
	mustCreate(t, env, "t2")
	if _, err := env.Engine.UpdatePhase(env.Ctx, "t2", "design", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Complete(env.Ctx, "t2", nil, "tester"); err != nil {
		t.Fatal(err)
	}
	active, err := env.Engine.ListActiveSessions(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].TaskID != "t1" {
		t.Fatalf("active = %+v", active)
	}
}

func TestRecordRetryExhaustion(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Pipeline.MaxRetries = 2
	s := mustCreate(t, env, "t1")
	if s.MaxRetries != 2 {
		t.Fatalf("max retries = %d", s.MaxRetries)
	}
	if _, err := env.Engine.UpdatePhase(env.Ctx, "t1", "build", "tester"); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 2; i++ {
		s, err := env.Engine.RecordRetry(env.Ctx, "t1", "try again", "loop")
		if err != nil {
			t.Fatal(err)
		}
		if s.RetryCount != i || s.Status == domain.StatusUserIntervention {
			t.Fatalf("retry %d: count=%d status=%s", i, s.RetryCount, s.Status)
		}
	}
	s, err := env.Engine.RecordRetry(env.Ctx, "t1", "still failing", "loop")
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != domain.StatusUserIntervention || s.RetryCount != 3 {
		t.Fatalf("third failure: count=%d status=%s", s.RetryCount, s.Status)
	}
}
