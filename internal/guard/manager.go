package guard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"overseer/internal/domain"
	"overseer/internal/events"
	"overseer/internal/repo"
)

// DecisionSource answers whether a proposed immutable-document change may
// proceed. The default source denies everything; approvals come from humans.
type DecisionSource interface {
	Decide(ctx context.Context, p domain.Proposal) (bool, string, error)
}

// DenyAll rejects every proposal. It is the default decision source.
type DenyAll struct{}

func (DenyAll) Decide(ctx context.Context, p domain.Proposal) (bool, string, error) {
	return false, "no decision source configured", nil
}

// AnomalyReporter receives security-relevant incidents for threshold
// aggregation. Satisfied by the safety monitor.
type AnomalyReporter interface {
	Record(ctx context.Context, eventType, severity string, details map[string]any)
}

type nopReporter struct{}

func (nopReporter) Record(ctx context.Context, eventType, severity string, details map[string]any) {}

// ChangeRequest describes one modification to a graded document.
type ChangeRequest struct {
	FilePath string
	Content  string
	Reason   string
	ActorID  string
}

// Manager runs the per-grade modification workflow: IMMUTABLE changes need
// an external approval, MUTABLE changes pass the content policy, FEATURE
// changes write unconditionally, ungraded paths are rejected. Every outcome
// appends exactly one changelog entry.
type Manager struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Grader    Grader
	Policy    Policy
	Locks     LockManager
	Decisions DecisionSource
	Monitor   AnomalyReporter
	Root      string
	Now       func() time.Time
}

func (m Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m Manager) chain() Chain { return Chain{Repo: m.Repo, Now: m.Now} }

func (m Manager) reporter() AnomalyReporter {
	if m.Monitor != nil {
		return m.Monitor
	}
	return nopReporter{}
}

func (m Manager) decisions() DecisionSource {
	if m.Decisions != nil {
		return m.Decisions
	}
	return DenyAll{}
}

// documentPath resolves a document path under Root, refusing escapes.
func (m Manager) documentPath(filePath string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(filePath))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("document path %s escapes the workspace", filePath)
	}
	return filepath.Join(m.Root, cleaned), nil
}

// ProposeChange builds the proposal shown to the decision source for an
// immutable document. A missing file yields empty current content.
func (m Manager) ProposeChange(ctx context.Context, req ChangeRequest) (domain.Proposal, error) {
	full, err := m.documentPath(req.FilePath)
	if err != nil {
		return domain.Proposal{}, err
	}
	current, err := os.ReadFile(full)
	if err != nil && !os.IsNotExist(err) {
		return domain.Proposal{}, err
	}
	return domain.Proposal{
		FilePath:        req.FilePath,
		CurrentContent:  string(current),
		ProposedContent: req.Content,
		Reason:          req.Reason,
	}, nil
}

// ApplyChange runs the grade-specific workflow and returns the changelog
// entry that recorded the outcome. Blocked and rejected changes return the
// entry together with the typed error so callers see both.
func (m Manager) ApplyChange(ctx context.Context, req ChangeRequest) (domain.ChangelogEntry, error) {
	if err := m.Policy.ValidateShape(req.FilePath, req.Content); err != nil {
		return domain.ChangelogEntry{}, err
	}
	grade := m.Grader.Grade(req.FilePath)
	switch grade {
	case GradeImmutable:
		return m.applyImmutable(ctx, req)
	case GradeMutable:
		if err := m.Policy.Check(req.FilePath, req.Content); err != nil {
			var pv PolicyViolationError
			if errors.As(err, &pv) {
				return m.recordBlocked(ctx, req, grade, domain.ChangeBlocked, pv.Rule, err)
			}
			return domain.ChangelogEntry{}, err
		}
		return m.lockedWrite(ctx, req, grade, domain.ChangeSuccess)
	case GradeFeature:
		// Auto-applies without the content scan; the shape check above still
		// gates what reaches the chain.
		return m.lockedWrite(ctx, req, grade, domain.ChangeCreated)
	default:
		// Ungraded paths are refused outright.
		reject := fmt.Errorf("%w: no grade matches %s", ErrPolicyViolation, req.FilePath)
		return m.recordBlocked(ctx, req, GradeUnknown, domain.ChangeRejected, "ungraded path", reject)
	}
}

func (m Manager) applyImmutable(ctx context.Context, req ChangeRequest) (domain.ChangelogEntry, error) {
	proposal, err := m.ProposeChange(ctx, req)
	if err != nil {
		return domain.ChangelogEntry{}, err
	}
	approved, note, err := m.decisions().Decide(ctx, proposal)
	if err != nil {
		return domain.ChangelogEntry{}, fmt.Errorf("decision source: %w", err)
	}
	if !approved {
		reject := fmt.Errorf("%w: immutable change to %s denied: %s", ErrPolicyViolation, req.FilePath, note)
		return m.recordBlocked(ctx, req, GradeImmutable, domain.ChangeRejected, note, reject)
	}
	return m.lockedWrite(ctx, req, GradeImmutable, domain.ChangeSuccess)
}

// lockedWrite is the critical section shared by every accepted change: the
// file write and the changelog append happen under the same held lock.
func (m Manager) lockedWrite(ctx context.Context, req ChangeRequest, grade PathGrade, result string) (domain.ChangelogEntry, error) {
	lock, err := m.Locks.Acquire(ctx, req.FilePath, req.ActorID)
	if err != nil {
		return domain.ChangelogEntry{}, err
	}
	defer func() {
		if relErr := m.Locks.Release(ctx, req.FilePath, lock.LockID); errors.Is(relErr, ErrReleaseDenied) {
			m.reporter().Record(ctx, "UNAUTHORIZED_RELEASE", domain.SeverityHigh, map[string]any{
				"file_path": req.FilePath,
				"owner":     req.ActorID,
			})
		}
	}()
	full, err := m.documentPath(req.FilePath)
	if err != nil {
		return domain.ChangelogEntry{}, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return domain.ChangelogEntry{}, err
	}
	if err := os.WriteFile(full, []byte(req.Content), 0o644); err != nil {
		return domain.ChangelogEntry{}, err
	}
	return m.appendEntry(ctx, req, grade, result, entryBody(req, result))
}

func (m Manager) recordBlocked(ctx context.Context, req ChangeRequest, grade PathGrade, result, note string, cause error) (domain.ChangelogEntry, error) {
	m.reporter().Record(ctx, "POLICY_VIOLATION", domain.SeverityMedium, map[string]any{
		"file_path": req.FilePath,
		"grade":     string(grade),
		"rule":      note,
	})
	// The body describes the block; the violating content never enters the chain.
	body := fmt.Sprintf("result=%s path=%s reason=%s", result, req.FilePath, note)
	entry, err := m.appendEntry(ctx, req, grade, result, body)
	if err != nil {
		return domain.ChangelogEntry{}, err
	}
	return entry, cause
}

func (m Manager) appendEntry(ctx context.Context, req ChangeRequest, grade PathGrade, result, body string) (domain.ChangelogEntry, error) {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ChangelogEntry{}, err
	}
	defer tx.Rollback()

	entry, err := m.chain().Append(ctx, tx, body, result, req.FilePath, grade, req.ActorID)
	if err != nil {
		return domain.ChangelogEntry{}, err
	}
	if err := m.Events.Append(ctx, tx, "document.change", "document", req.FilePath, req.ActorID, events.EventPayload{
		"result": result,
		"grade":  string(grade),
		"entry":  entry.ID,
	}); err != nil {
		return domain.ChangelogEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ChangelogEntry{}, err
	}
	return entry, nil
}

func entryBody(req ChangeRequest, result string) string {
	return fmt.Sprintf("result=%s path=%s bytes=%d reason=%s", result, req.FilePath, len(req.Content), req.Reason)
}

// ForceRelease evicts whoever holds the lock. Operator recovery only; always
// logged at security severity.
func (m Manager) ForceRelease(ctx context.Context, filePath, actorID string) (domain.DocumentLock, error) {
	evicted, err := m.Locks.ForceRelease(ctx, filePath)
	if err != nil {
		return domain.DocumentLock{}, err
	}
	m.reporter().Record(ctx, "FORCED_LOCK_RELEASE", domain.SeverityHigh, map[string]any{
		"file_path": filePath,
		"evicted":   evicted.Owner,
		"actor":     actorID,
	})
	if err := m.Events.AppendDirect(ctx, "lock.force_released", "document", filePath, actorID, events.EventPayload{
		"lock_id": evicted.LockID,
		"owner":   evicted.Owner,
	}); err != nil {
		return domain.DocumentLock{}, err
	}
	return evicted, nil
}

// VerifyChain re-walks the changelog. A break is reported as a critical
// security event before the result is returned.
func (m Manager) VerifyChain(ctx context.Context) (VerifyResult, error) {
	res, err := m.chain().Verify(ctx)
	if err != nil {
		return res, err
	}
	if !res.Valid {
		details := map[string]any{"entries": res.Entries}
		if res.BreakAt != nil {
			details["break_at"] = *res.BreakAt
		}
		m.reporter().Record(ctx, "CHAIN_BREAK", domain.SeverityCritical, details)
	}
	return res, nil
}
