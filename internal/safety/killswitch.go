package safety

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"overseer/internal/domain"
	"overseer/internal/events"
	"overseer/internal/repo"
)

// ErrHalted means the kill switch is engaged and the operation was refused.
var ErrHalted = errors.New("system halted")

type HaltedError struct {
	Reason string
	TS     string
}

func (e HaltedError) Error() string {
	return fmt.Sprintf("halted since %s: %s", e.TS, e.Reason)
}

func (e HaltedError) Is(target error) bool { return target == ErrHalted }

// KillSwitch halts the system on demand. The halt record is committed before
// any process-level action, so a fresh process started after the halt still
// refuses to act until an operator records recovery.
type KillSwitch struct {
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
	// Exit runs after the halt record is durable. Defaults to os.Exit.
	Exit func(code int)
}

func NewKillSwitch(r repo.Repo, ev events.Writer) *KillSwitch {
	return &KillSwitch{Repo: r, Events: ev, Now: time.Now, Exit: os.Exit}
}

func (k *KillSwitch) now() time.Time {
	if k.Now != nil {
		return k.Now()
	}
	return time.Now()
}

// Halt persists the halt record, then terminates the process for CRITICAL
// severity. Lesser severities leave the system halted but running, so an
// operator can inspect state before recovering.
func (k *KillSwitch) Halt(ctx context.Context, reason, severity string) error {
	rec := domain.HaltRecord{
		Reason:           reason,
		Severity:         severity,
		TS:               k.now().UTC().Format(time.RFC3339),
		PID:              os.Getpid(),
		RecoveryRequired: true,
	}
	id, err := k.Repo.InsertHalt(ctx, rec)
	if err != nil {
		return fmt.Errorf("persist halt: %w", err)
	}
	_ = k.Events.AppendDirect(ctx, "system.halted", "system", "", "killswitch", events.EventPayload{
		"halt_id":  id,
		"reason":   reason,
		"severity": severity,
	})
	if severity == domain.SeverityCritical && k.Exit != nil {
		k.Exit(1)
	}
	return nil
}

// Guard returns a HaltedError while an unrecovered halt exists. Every
// externally visible action consults it first.
func (k *KillSwitch) Guard(ctx context.Context) error {
	halt, err := k.Repo.ActiveHalt(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return HaltedError{Reason: halt.Reason, TS: halt.TS}
}

// Active returns the current unrecovered halt, or ErrNotFound.
func (k *KillSwitch) Active(ctx context.Context) (domain.HaltRecord, error) {
	return k.Repo.ActiveHalt(ctx)
}

// MarkRecovered closes the open halt. The recoverer identity is required and
// recorded.
func (k *KillSwitch) MarkRecovered(ctx context.Context, recoveredBy string) error {
	if recoveredBy == "" {
		return errors.New("recoverer identity is required")
	}
	if err := k.Repo.MarkHaltRecovered(ctx, recoveredBy, k.now()); err != nil {
		return err
	}
	return k.Events.AppendDirect(ctx, "system.recovered", "system", "", recoveredBy, nil)
}
