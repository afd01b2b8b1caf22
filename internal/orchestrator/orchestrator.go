// Package orchestrator sequences a task's pipeline phases, pausing at
// configured human checkpoints and consulting the safety layer before every
// externally visible action.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path"

	"overseer/internal/config"
	"overseer/internal/domain"
	"overseer/internal/engine"
	"overseer/internal/guard"
	"overseer/internal/loop"
	"overseer/internal/safety"
)

// Phase is one pipeline stage. Gated phases run through the quality loop;
// ungated phases produce once.
type Phase struct {
	Name  string
	Gated bool
}

// DefaultPhases is the pipeline used when the caller does not supply one.
var DefaultPhases = []Phase{
	{Name: "design", Gated: false},
	{Name: "build", Gated: true},
	{Name: "deploy", Gated: false},
}

type Orchestrator struct {
	Engine  engine.Engine
	Loop    loop.Controller
	Guard   guard.Manager
	Limiter *safety.RateLimiter
	Kill    *safety.KillSwitch
	Config  *config.Config
	Phases  []Phase
}

func (o Orchestrator) phases() []Phase {
	if len(o.Phases) > 0 {
		return o.Phases
	}
	return DefaultPhases
}

// checkpointFor returns the checkpoint a phase must pause at, if any.
func (o Orchestrator) checkpointFor(phase string) (string, bool) {
	if o.Config == nil {
		return "", false
	}
	cp, ok := o.Config.Checkpoints.Phases[phase]
	return cp, ok && cp != ""
}

// Run advances the task as far as it can: it executes phases in order,
// stops at the first checkpoint that has not been approved, and returns the
// session in whatever state it reached. Callers re-run after each approval.
func (o Orchestrator) Run(ctx context.Context, taskID string) (domain.Session, error) {
	if o.Kill != nil {
		if err := o.Kill.Guard(ctx); err != nil {
			return domain.Session{}, err
		}
	}
	s, err := o.Engine.GetSession(ctx, taskID)
	if err != nil {
		return domain.Session{}, err
	}
	phases := o.phases()
	start, resume, err := o.position(s, phases)
	if err != nil || start < 0 {
		return s, err
	}
	for i := start; i < len(phases); i++ {
		phase := phases[i]
		if !resume {
			s, err = o.Engine.UpdatePhase(ctx, taskID, phase.Name, "orchestrator")
			if err != nil {
				return s, err
			}
			if cp, ok := o.checkpointFor(phase.Name); ok {
				return o.Engine.PauseForHITL(ctx, taskID, cp, map[string]any{"phase": phase.Name}, "orchestrator")
			}
		} else {
			// Approved checkpoint; re-enter RUNNING before doing the work.
			s, err = o.Engine.UpdatePhase(ctx, taskID, phase.Name, "orchestrator")
			if err != nil {
				return s, err
			}
			resume = false
		}
		if err := o.executePhase(ctx, taskID, phase); err != nil {
			if errors.Is(err, loop.ErrRetryExhausted) {
				// Session is already in USER_INTERVENTION_REQUIRED.
				return o.Engine.GetSession(ctx, taskID)
			}
			if _, failErr := o.Engine.Fail(ctx, taskID, err.Error(), "orchestrator"); failErr != nil {
				return domain.Session{}, failErr
			}
			return o.Engine.GetSession(ctx, taskID)
		}
	}
	return o.Engine.Complete(ctx, taskID, map[string]any{"phases": len(phases)}, "orchestrator")
}

// position maps the session's status and current phase onto the pipeline:
// which phase to run next and whether we are resuming past an approved
// checkpoint. A negative index means no automatic progress is possible.
func (o Orchestrator) position(s domain.Session, phases []Phase) (int, bool, error) {
	switch s.Status {
	case domain.StatusInitialized:
		return 0, false, nil
	case domain.StatusApproved:
		if s.CurrentPhase == nil {
			return -1, false, engine.InvalidStateError{Op: "run", TaskID: s.TaskID, Status: s.Status}
		}
		for i, p := range phases {
			if p.Name == *s.CurrentPhase {
				return i, true, nil
			}
		}
		return -1, false, fmt.Errorf("session %s paused at unknown phase %s", s.TaskID, *s.CurrentPhase)
	case domain.StatusPausedHITL, domain.StatusRejected:
		// Waiting on a human; rejection needs an explicit rerun.
		return -1, false, nil
	default:
		return -1, false, engine.InvalidStateError{Op: "run", TaskID: s.TaskID, Status: s.Status}
	}
}

func (o Orchestrator) executePhase(ctx context.Context, taskID string, phase Phase) error {
	var artifact string
	if phase.Gated {
		res, err := o.Loop.Run(ctx, taskID, phase.Name)
		if err != nil {
			return err
		}
		artifact = res.Artifact
	} else {
		if o.Limiter != nil {
			if err := o.Limiter.Allow("produce", taskID); err != nil {
				return err
			}
		}
		out, err := o.Loop.Producer.Produce(ctx, taskID, phase.Name, "")
		if err != nil {
			return err
		}
		artifact = out
	}
	return o.persistArtifact(ctx, taskID, phase.Name, artifact)
}

// persistArtifact routes phase output through the document guard so every
// write is locked, policy checked, and chained.
func (o Orchestrator) persistArtifact(ctx context.Context, taskID, phase, artifact string) error {
	if artifact == "" {
		return nil
	}
	if o.Limiter != nil {
		if err := o.Limiter.Allow("document.write", taskID); err != nil {
			return err
		}
	}
	_, err := o.Guard.ApplyChange(ctx, guard.ChangeRequest{
		FilePath: path.Join("work", taskID, phase+".out"),
		Content:  artifact,
		Reason:   "phase " + phase + " output",
		ActorID:  taskID,
	})
	return err
}
