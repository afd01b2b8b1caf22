package guard_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"overseer/internal/config"
	"overseer/internal/db"
	"overseer/internal/domain"
	"overseer/internal/events"
	"overseer/internal/guard"
	"overseer/internal/migrate"
	"overseer/internal/repo"
)

type guardEnv struct {
	Manager   guard.Manager
	Repo      repo.Repo
	Workspace string
	Ctx       context.Context
	Monitor   *recordingMonitor
}

type recordingMonitor struct {
	events []string
}

func (m *recordingMonitor) Record(ctx context.Context, eventType, severity string, details map[string]any) {
	m.events = append(m.events, eventType)
}

func newGuardEnv(t *testing.T, decisions guard.DecisionSource) guardEnv {
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
	policy, err := guard.NewPolicy(cfg)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	r := repo.Repo{DB: conn}
	monitor := &recordingMonitor{}
	m := guard.Manager{
		DB:        conn,
		Repo:      r,
		Events:    events.Writer{DB: conn},
		Grader:    guard.NewGrader(cfg),
		Policy:    policy,
		Locks:     guard.NewFileLockManager(db.LockDir(dir), cfg),
		Decisions: decisions,
		Monitor:   monitor,
		Root:      dir,
		Now:       func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
	return guardEnv{Manager: m, Repo: r, Workspace: dir, Ctx: context.Background(), Monitor: monitor}
}

type approveAll struct{}

func (approveAll) Decide(ctx context.Context, p domain.Proposal) (bool, string, error) {
	return true, "approved", nil
}

func TestFeatureWriteCreatesEntry(t *testing.T) {
	env := newGuardEnv(t, nil)
	entry, err := env.Manager.ApplyChange(env.Ctx, guard.ChangeRequest{
		FilePath: "work/t1/build.out",
		Content:  "artifact",
		Reason:   "phase output",
		ActorID:  "t1",
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if entry.Result != domain.ChangeCreated {
		t.Fatalf("result = %s", entry.Result)
	}
	if entry.PreviousDigest != domain.GenesisDigest {
		t.Fatalf("first entry previous digest = %s", entry.PreviousDigest)
	}
	data, err := os.ReadFile(filepath.Join(env.Workspace, "work", "t1", "build.out"))
	if err != nil || string(data) != "artifact" {
		t.Fatalf("file content: %v %q", err, data)
	}
}

func TestFeatureWriteSkipsContentPolicy(t *testing.T) {
	env := newGuardEnv(t, nil)
	// credential-looking content is fine on a FEATURE path; only the
	// shape and size checks apply there
	entry, err := env.Manager.ApplyChange(env.Ctx, guard.ChangeRequest{
		FilePath: "work/t1/build.out",
		Content:  `password: hunter2hunter2`,
		ActorID:  "t1",
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if entry.Result != domain.ChangeCreated {
		t.Fatalf("result = %s", entry.Result)
	}
	if _, err := os.Stat(filepath.Join(env.Workspace, "work", "t1", "build.out")); err != nil {
		t.Fatalf("file not written: %v", err)
	}
}

func TestUngradedPathRejected(t *testing.T) {
	env := newGuardEnv(t, nil)
	entry, err := env.Manager.ApplyChange(env.Ctx, guard.ChangeRequest{
		FilePath: "mystery/file.xyz",
		Content:  "harmless",
		ActorID:  "t1",
	})
	if !errors.Is(err, guard.ErrPolicyViolation) {
		t.Fatalf("ungraded path should be refused, got %v", err)
	}
	if entry.Result != domain.ChangeRejected {
		t.Fatalf("result = %s", entry.Result)
	}
	if entry.Grade != string(guard.GradeUnknown) {
		t.Fatalf("grade = %s", entry.Grade)
	}
	if _, statErr := os.Stat(filepath.Join(env.Workspace, "mystery", "file.xyz")); !os.IsNotExist(statErr) {
		t.Fatalf("rejected change touched the file")
	}
	entries, err := env.Repo.ListChangelog(env.Ctx, repo.ChangelogFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one entry, got %d", len(entries))
	}
}

func TestMutablePolicyViolationBlocked(t *testing.T) {
	env := newGuardEnv(t, nil)
	entry, err := env.Manager.ApplyChange(env.Ctx, guard.ChangeRequest{
		FilePath: "docs/notes.md",
		Content:  "run this: rm -rf / please",
		ActorID:  "t1",
	})
	if !errors.Is(err, guard.ErrPolicyViolation) {
		t.Fatalf("expected policy violation, got %v", err)
	}
	if entry.Result != domain.ChangeBlocked {
		t.Fatalf("result = %s", entry.Result)
	}
	if _, statErr := os.Stat(filepath.Join(env.Workspace, "docs", "notes.md")); !os.IsNotExist(statErr) {
		t.Fatalf("blocked change touched the file")
	}
	if len(env.Monitor.events) == 0 || env.Monitor.events[0] != "POLICY_VIOLATION" {
		t.Fatalf("monitor events = %v", env.Monitor.events)
	}
}

func TestBlockedImmutableEdit(t *testing.T) {
	env := newGuardEnv(t, guard.DenyAll{})
	original := filepath.Join(env.Workspace, "requirements", "scope.md")
	if err := os.MkdirAll(filepath.Dir(original), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(original, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	entry, err := env.Manager.ApplyChange(env.Ctx, guard.ChangeRequest{
		FilePath: "requirements/scope.md",
		Content:  "v2",
		Reason:   "scope change",
		ActorID:  "t1",
	})
	if !errors.Is(err, guard.ErrPolicyViolation) {
		t.Fatalf("denied immutable edit should report violation, got %v", err)
	}
	if entry.Result != domain.ChangeRejected {
		t.Fatalf("result = %s", entry.Result)
	}
	data, err := os.ReadFile(original)
	if err != nil || string(data) != "v1" {
		t.Fatalf("file changed: %v %q", err, data)
	}
	entries, err := env.Repo.ListChangelog(env.Ctx, repo.ChangelogFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one entry, got %d", len(entries))
	}
}

func TestApprovedImmutableEdit(t *testing.T) {
	env := newGuardEnv(t, approveAll{})
	entry, err := env.Manager.ApplyChange(env.Ctx, guard.ChangeRequest{
		FilePath: "requirements/scope.md",
		Content:  "v2",
		ActorID:  "t1",
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if entry.Result != domain.ChangeSuccess {
		t.Fatalf("result = %s", entry.Result)
	}
	data, err := os.ReadFile(filepath.Join(env.Workspace, "requirements", "scope.md"))
	if err != nil || string(data) != "v2" {
		t.Fatalf("file content: %v %q", err, data)
	}
}

func TestChainRoundTrip(t *testing.T) {
	env := newGuardEnv(t, nil)
	for i := 0; i < 5; i++ {
		if _, err := env.Manager.ApplyChange(env.Ctx, guard.ChangeRequest{
			FilePath: "work/t1/out.txt",
			Content:  "content " + string(rune('a'+i)),
			ActorID:  "t1",
		}); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}
	res, err := env.Manager.VerifyChain(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.Entries != 5 {
		t.Fatalf("verify = %+v", res)
	}
}

func TestChainBreakDetected(t *testing.T) {
	env := newGuardEnv(t, nil)
	for i := 0; i < 4; i++ {
		if _, err := env.Manager.ApplyChange(env.Ctx, guard.ChangeRequest{
			FilePath: "work/t1/out.txt",
			Content:  "rev " + string(rune('a'+i)),
			ActorID:  "t1",
		}); err != nil {
			t.Fatal(err)
		}
	}
	// tamper with a historical entry out of band
	if _, err := env.Manager.DB.Exec(`UPDATE changelog SET body='edited' WHERE id=2`); err != nil {
		t.Fatal(err)
	}
	res, err := env.Manager.VerifyChain(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid {
		t.Fatalf("tampered chain verified as valid")
	}
	if res.BreakAt == nil || *res.BreakAt != 2 {
		t.Fatalf("break at = %v", res.BreakAt)
	}
	found := false
	for _, evt := range env.Monitor.events {
		if evt == "CHAIN_BREAK" {
			found = true
		}
	}
	if !found {
		t.Fatalf("chain break not reported: %v", env.Monitor.events)
	}
}

func TestConcurrentWritesKeepChainIntact(t *testing.T) {
	env := newGuardEnv(t, nil)
	const writers = 4
	const perWriter = 5
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				// distinct paths, so the document locks never collide and
				// the appends contend on the chain alone
				_, err := env.Manager.ApplyChange(env.Ctx, guard.ChangeRequest{
					FilePath: fmt.Sprintf("work/t%d/out%d.txt", w, i),
					Content:  fmt.Sprintf("writer %d rev %d", w, i),
					ActorID:  fmt.Sprintf("t%d", w),
				})
				if err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent apply: %v", err)
	}
	res, err := env.Manager.VerifyChain(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.Entries != writers*perWriter {
		t.Fatalf("verify = %+v", res)
	}
}

func TestForceReleaseLogsSecurityEvent(t *testing.T) {
	env := newGuardEnv(t, nil)
	lock, err := env.Manager.Locks.Acquire(env.Ctx, "docs/a.md", "alice")
	if err != nil {
		t.Fatal(err)
	}
	evicted, err := env.Manager.ForceRelease(env.Ctx, "docs/a.md", "operator")
	if err != nil {
		t.Fatal(err)
	}
	if evicted.LockID != lock.LockID {
		t.Fatalf("evicted wrong lock")
	}
	if len(env.Monitor.events) == 0 || env.Monitor.events[0] != "FORCED_LOCK_RELEASE" {
		t.Fatalf("monitor events = %v", env.Monitor.events)
	}
}

func TestEntryValidation(t *testing.T) {
	env := newGuardEnv(t, nil)
	// oversize payloads are rejected before they reach the chain
	big := make([]byte, 70000)
	for i := range big {
		big[i] = 'x'
	}
	_, err := env.Manager.ApplyChange(env.Ctx, guard.ChangeRequest{
		FilePath: "work/t1/big.out",
		Content:  string(big),
		ActorID:  "t1",
	})
	if err == nil {
		t.Fatalf("oversize entry accepted")
	}
	entries, listErr := env.Repo.ListChangelog(env.Ctx, repo.ChangelogFilters{})
	if listErr != nil {
		t.Fatal(listErr)
	}
	if len(entries) != 0 {
		t.Fatalf("invalid input entered the chain")
	}
}
