// Package app wires the services that the CLI and server share.
package app

import (
	"database/sql"
	"time"

	"overseer/internal/config"
	"overseer/internal/db"
	"overseer/internal/engine"
	"overseer/internal/events"
	"overseer/internal/guard"
	"overseer/internal/loop"
	"overseer/internal/migrate"
	"overseer/internal/orchestrator"
	"overseer/internal/repo"
	"overseer/internal/safety"
)

// Services bundles every component sharing one workspace: the session store,
// the document guard, and the safety layer all backed by the same database.
type Services struct {
	DB        *sql.DB
	Repo      repo.Repo
	Config    *config.Config
	Engine    engine.Engine
	Guard     guard.Manager
	Locks     guard.LockManager
	Limiter   *safety.RateLimiter
	Kill      *safety.KillSwitch
	Monitor   *safety.Monitor
	Workspace string
}

// Open builds the full service graph for a workspace, running migrations and
// loading config (falling back to defaults when overseer.yml is absent).
func Open(workspace string) (*Services, error) {
	cfg, err := config.LoadOptional(workspace, "default")
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return Build(conn, cfg, workspace)
}

// Build assembles services over an existing database, for tests and callers
// that manage the connection themselves.
func Build(conn *sql.DB, cfg *config.Config, workspace string) (*Services, error) {
	r := repo.Repo{DB: conn}
	writer := events.Writer{DB: conn}
	kill := safety.NewKillSwitch(r, writer)
	monitor := safety.NewMonitor(cfg, r, kill)
	policy, err := guard.NewPolicy(cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	locks := guard.NewFileLockManager(db.LockDir(workspace), cfg)
	svc := &Services{
		DB:     conn,
		Repo:   r,
		Config: cfg,
		Engine: engine.New(conn, cfg),
		Guard: guard.Manager{
			DB:      conn,
			Repo:    r,
			Events:  writer,
			Grader:  guard.NewGrader(cfg),
			Policy:  policy,
			Locks:   locks,
			Monitor: monitor,
			Root:    workspace,
		},
		Locks:     locks,
		Limiter:   safety.NewRateLimiter(cfg),
		Kill:      kill,
		Monitor:   monitor,
		Workspace: workspace,
	}
	return svc, nil
}

// Orchestrator builds a pipeline runner over the services with the given
// collaborators.
func (s *Services) Orchestrator(producer loop.Producer, gate loop.Gate, phases []orchestrator.Phase) orchestrator.Orchestrator {
	return orchestrator.Orchestrator{
		Engine: s.Engine,
		Loop: loop.Controller{
			Engine:   s.Engine,
			Limiter:  s.Limiter,
			Producer: producer,
			Gate:     gate,
		},
		Guard:   s.Guard,
		Limiter: s.Limiter,
		Kill:    s.Kill,
		Config:  s.Config,
		Phases:  phases,
	}
}

// Close releases the database connection.
func (s *Services) Close() error {
	return s.DB.Close()
}

// SetClock pins time for every time-dependent component. Test helper.
func (s *Services) SetClock(now func() time.Time) {
	s.Engine.Now = now
	s.Limiter.Now = now
	s.Kill.Now = now
	s.Monitor.Now = now
}
