package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"overseer/internal/config"
	"overseer/internal/domain"
	"overseer/internal/events"
	"overseer/internal/repo"
)

// ErrInvalidState marks operations that are illegal in the session's current
// status. Callers should not retry these automatically.
var ErrInvalidState = errors.New("invalid state")

// ErrSessionExists is returned by CreateSession for duplicate task IDs.
var ErrSessionExists = errors.New("session already exists")

// InvalidStateError carries the offending operation and status.
type InvalidStateError struct {
	Op     string
	TaskID string
	Status string
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("%s illegal for task %s in status %s", e.Op, e.TaskID, e.Status)
}

func (e InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// Engine is the session store: the per-task state machine with pause/resume
// semantics. Every mutation appends exactly one history entry and one audit
// event in the same transaction, so a crash never leaves a recorded state
// change without its trail.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func ensureSessionTransition(op, taskID, oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.StatusInitialized:
		if newStatus == domain.StatusRunning {
			return nil
		}
	case domain.StatusRunning:
		switch newStatus {
		case domain.StatusRunning, domain.StatusPausedHITL, domain.StatusCompleted, domain.StatusFailed:
			return nil
		}
	case domain.StatusPausedHITL:
		if newStatus == domain.StatusApproved || newStatus == domain.StatusRejected {
			return nil
		}
	case domain.StatusApproved:
		if newStatus == domain.StatusRunning {
			return nil
		}
	}
	// Unrecoverable failure is legal from everywhere.
	if newStatus == domain.StatusFailed {
		return nil
	}
	return InvalidStateError{Op: op, TaskID: taskID, Status: oldStatus}
}

// CreateSession registers a new task in INITIALIZED. Fails if the task ID is
// already taken.
func (e Engine) CreateSession(ctx context.Context, taskID, sourceRef string, metadata map[string]any, actorID string) (domain.Session, error) {
	if taskID == "" {
		return domain.Session{}, errors.New("task id is required")
	}
	maxRetries := domain.DefaultMaxRetries
	if e.Config != nil && e.Config.Pipeline.MaxRetries > 0 {
		maxRetries = e.Config.Pipeline.MaxRetries
	}
	now := e.now().UTC().Format(time.RFC3339)
	s := domain.Session{
		TaskID:     taskID,
		SourceRef:  sourceRef,
		Status:     domain.StatusInitialized,
		MaxRetries: maxRetries,
		Metadata:   metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()

	// The check runs inside the write transaction so a concurrent create
	// cannot slip between it and the insert; the constraint mapping below
	// covers the same race through a second database handle.
	if _, err := e.Repo.GetSessionTx(ctx, tx, taskID); err == nil {
		return domain.Session{}, fmt.Errorf("%w: %s", ErrSessionExists, taskID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Session{}, err
	}
	if err := e.Repo.InsertSession(ctx, tx, s); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Session{}, fmt.Errorf("%w: %s", ErrSessionExists, taskID)
		}
		return domain.Session{}, fmt.Errorf("insert session: %w", err)
	}
	if err := e.Repo.AppendHistory(ctx, tx, taskID, "session.created", map[string]any{"source_ref": sourceRef}, now); err != nil {
		return domain.Session{}, err
	}
	if err := e.Events.Append(ctx, tx, "session.created", "session", taskID, actorID, events.EventPayload{"status": s.Status}); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

// UpdatePhase moves the session into RUNNING and records the active phase.
func (e Engine) UpdatePhase(ctx context.Context, taskID, phase, actorID string) (domain.Session, error) {
	return e.mutate(ctx, taskID, "updatePhase", func(s *domain.Session) (string, map[string]any, error) {
		if err := ensureSessionTransition("updatePhase", taskID, s.Status, domain.StatusRunning); err != nil {
			return "", nil, err
		}
		prev := s.Status
		s.Status = domain.StatusRunning
		s.CurrentPhase = &phase
		return "session.phase", map[string]any{"phase": phase, "from_status": prev}, nil
	}, actorID)
}

// PauseForHITL suspends a RUNNING session at a checkpoint. The session record
// and the HITL request projection are committed before control returns, so a
// crash right after pausing leaves a resumable state.
func (e Engine) PauseForHITL(ctx context.Context, taskID, checkpoint string, hitlCtx map[string]any, actorID string) (domain.Session, error) {
	return e.mutate(ctx, taskID, "pauseForHITL", func(s *domain.Session) (string, map[string]any, error) {
		if s.Status != domain.StatusRunning {
			return "", nil, InvalidStateError{Op: "pauseForHITL", TaskID: taskID, Status: s.Status}
		}
		now := e.now().UTC().Format(time.RFC3339)
		s.Status = domain.StatusPausedHITL
		s.CurrentCheckpoint = &checkpoint
		s.HITL = &domain.HITLContext{
			Checkpoint: checkpoint,
			PausedAt:   now,
			Context:    hitlCtx,
		}
		return "session.paused", map[string]any{"checkpoint": checkpoint}, nil
	}, actorID, func(ctx context.Context, tx *sql.Tx, s domain.Session) error {
		return e.Repo.UpsertHITLRequest(ctx, tx, domain.HITLRequest{
			TaskID:     taskID,
			Checkpoint: checkpoint,
			Context:    hitlCtx,
			CreatedAt:  s.HITL.PausedAt,
		})
	})
}

// Approve resolves a paused session. Legal only from PAUSED_HITL; a second
// resolution attempt fails rather than silently succeeding.
func (e Engine) Approve(ctx context.Context, taskID, comment, actorID string) (domain.Session, error) {
	return e.resolveHITL(ctx, taskID, domain.StatusApproved, "session.approved", comment, actorID)
}

// Reject resolves a paused session negatively. Rejection does not resume the
// task; a rerun is an explicit separate step.
func (e Engine) Reject(ctx context.Context, taskID, reason, actorID string) (domain.Session, error) {
	return e.resolveHITL(ctx, taskID, domain.StatusRejected, "session.rejected", reason, actorID)
}

func (e Engine) resolveHITL(ctx context.Context, taskID, newStatus, event, note, actorID string) (domain.Session, error) {
	return e.mutate(ctx, taskID, "resolveHITL", func(s *domain.Session) (string, map[string]any, error) {
		if s.Status != domain.StatusPausedHITL {
			return "", nil, InvalidStateError{Op: "resolveHITL", TaskID: taskID, Status: s.Status}
		}
		now := e.now().UTC().Format(time.RFC3339)
		s.Status = newStatus
		if s.HITL != nil {
			s.HITL.ResolvedAt = &now
			if note != "" {
				s.HITL.ResolutionNote = &note
			}
		}
		return event, map[string]any{"note": note}, nil
	}, actorID, func(ctx context.Context, tx *sql.Tx, s domain.Session) error {
		return e.Repo.DeleteHITLRequest(ctx, tx, taskID)
	})
}

// RerunOptions controls RequestRerun. Reset is the explicit operator reset
// that clears an exhausted retry counter.
type RerunOptions struct {
	FromPhase string
	Reset     bool
}

// RequestRerun increments the retry counter and, while budget remains, puts
// the session back to INITIALIZED. Once the counter exceeds MaxRetries the
// session stays in USER_INTERVENTION_REQUIRED until an operator reset.
func (e Engine) RequestRerun(ctx context.Context, taskID string, opts RerunOptions, actorID string) (domain.Session, error) {
	return e.mutate(ctx, taskID, "requestRerun", func(s *domain.Session) (string, map[string]any, error) {
		if s.Status == domain.StatusCompleted {
			return "", nil, InvalidStateError{Op: "requestRerun", TaskID: taskID, Status: s.Status}
		}
		if s.Status == domain.StatusUserIntervention && !opts.Reset {
			return "", nil, InvalidStateError{Op: "requestRerun", TaskID: taskID, Status: s.Status}
		}
		if opts.Reset {
			s.RetryCount = 0
		}
		s.RetryCount++
		if s.RetryCount > s.MaxRetries {
			s.Status = domain.StatusUserIntervention
			return "session.intervention", map[string]any{"retry_count": s.RetryCount, "max_retries": s.MaxRetries}, nil
		}
		s.Status = domain.StatusInitialized
		data := map[string]any{"retry_count": s.RetryCount}
		if opts.FromPhase != "" {
			data["rerun_from"] = opts.FromPhase
		}
		return "session.rerun", data, nil
	}, actorID)
}

// RecordRetry accounts one quality-gate failure for the feedback loop. It
// returns the updated session; callers inspect Status and RetryCount to
// decide whether budget remains.
func (e Engine) RecordRetry(ctx context.Context, taskID, feedback, actorID string) (domain.Session, error) {
	return e.mutate(ctx, taskID, "recordRetry", func(s *domain.Session) (string, map[string]any, error) {
		if s.Terminal() {
			return "", nil, InvalidStateError{Op: "recordRetry", TaskID: taskID, Status: s.Status}
		}
		s.RetryCount++
		if s.RetryCount > s.MaxRetries {
			s.Status = domain.StatusUserIntervention
			return "session.intervention", map[string]any{"retry_count": s.RetryCount, "feedback": feedback}, nil
		}
		return "session.retry", map[string]any{"retry_count": s.RetryCount, "feedback": feedback}, nil
	}, actorID)
}

// Complete is a terminal transition, always legal, always recorded.
func (e Engine) Complete(ctx context.Context, taskID string, result map[string]any, actorID string) (domain.Session, error) {
	return e.mutate(ctx, taskID, "complete", func(s *domain.Session) (string, map[string]any, error) {
		s.Status = domain.StatusCompleted
		s.Result = result
		return "session.completed", nil, nil
	}, actorID)
}

// Fail is a terminal transition, always legal, always recorded.
func (e Engine) Fail(ctx context.Context, taskID, errText, actorID string) (domain.Session, error) {
	return e.mutate(ctx, taskID, "fail", func(s *domain.Session) (string, map[string]any, error) {
		s.Status = domain.StatusFailed
		s.Error = errText
		return "session.failed", map[string]any{"error": errText}, nil
	}, actorID)
}

// CreateAPIKey stores a hashed key for a non-interactive operator. The raw
// key is never persisted.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name, rawKey string) (domain.APIKey, error) {
	if actorID == "" {
		return domain.APIKey{}, errors.New("actor id is required")
	}
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(rawKey),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
		return domain.APIKey{}, err
	}
	if err := e.Events.AppendDirect(ctx, "apikey.created", "apikey", key.ID, actorID, nil); err != nil {
		return domain.APIKey{}, err
	}
	return key, nil
}

// GetSession returns a whole-session snapshot including history.
func (e Engine) GetSession(ctx context.Context, taskID string) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, taskID)
	if err != nil {
		return s, err
	}
	s.History, err = e.Repo.ListHistory(ctx, taskID)
	return s, err
}

// ListPendingHITL returns the discovery projection for paused sessions.
func (e Engine) ListPendingHITL(ctx context.Context) ([]domain.HITLRequest, error) {
	return e.Repo.ListHITLRequests(ctx)
}

// ListActiveSessions returns every non-terminal session.
func (e Engine) ListActiveSessions(ctx context.Context) ([]domain.Session, error) {
	return e.Repo.ListSessions(ctx, repo.SessionFilters{ActiveOnly: true})
}

// mutate loads the session, applies fn, persists it, and appends exactly one
// history entry and one audit event. Extra steps run inside the same tx.
func (e Engine) mutate(ctx context.Context, taskID, op string, fn func(*domain.Session) (string, map[string]any, error), actorID string, extra ...func(context.Context, *sql.Tx, domain.Session) error) (domain.Session, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetSessionTx(ctx, tx, taskID)
	if err != nil {
		return domain.Session{}, err
	}
	event, data, err := fn(&s)
	if err != nil {
		return domain.Session{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	s.UpdatedAt = now
	if err := e.Repo.UpdateSession(ctx, tx, s); err != nil {
		return domain.Session{}, fmt.Errorf("%s: %w", op, err)
	}
	if err := e.Repo.AppendHistory(ctx, tx, taskID, event, data, now); err != nil {
		return domain.Session{}, err
	}
	for _, step := range extra {
		if err := step(ctx, tx, s); err != nil {
			return domain.Session{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, event, "session", taskID, actorID, events.EventPayload{"status": s.Status}); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}
