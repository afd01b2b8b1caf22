// Package loop drives quality-gated phases: produce an artifact, validate it,
// and feed the gate's criticism back to the producer until it passes or the
// retry budget runs out.
package loop

import (
	"context"
	"errors"
	"fmt"

	"overseer/internal/domain"
	"overseer/internal/engine"
	"overseer/internal/safety"
)

// ErrRetryExhausted means the gate never passed within budget. It escalates
// to a human; to the caller it is a terminal result, not a fault.
var ErrRetryExhausted = errors.New("retries exhausted")

type RetryExhaustedError struct {
	TaskID       string
	Attempts     int
	LastFeedback string
}

func (e RetryExhaustedError) Error() string {
	return fmt.Sprintf("task %s failed quality gate after %d attempts: %s", e.TaskID, e.Attempts, e.LastFeedback)
}

func (e RetryExhaustedError) Is(target error) bool { return target == ErrRetryExhausted }

// Producer generates one attempt at the phase's artifact. Feedback from the
// previous failed attempt is empty on the first call.
type Producer interface {
	Produce(ctx context.Context, taskID, phase, feedback string) (string, error)
}

// Gate judges an artifact. Feedback is required when the artifact fails.
type Gate interface {
	Validate(ctx context.Context, taskID, phase, artifact string) (Verdict, error)
}

type Verdict struct {
	Pass     bool   `json:"pass"`
	Feedback string `json:"feedback,omitempty"`
}

// Result is what a finished loop hands the orchestrator. Attempts counts
// every production, including the successful one.
type Result struct {
	Passed       bool   `json:"passed"`
	Attempts     int    `json:"attempts"`
	Artifact     string `json:"artifact,omitempty"`
	LastFeedback string `json:"last_feedback,omitempty"`
}

// Controller owns the retry budget of one quality-gated phase. The budget
// itself lives in the session store so it survives restarts.
type Controller struct {
	Engine   engine.Engine
	Limiter  *safety.RateLimiter
	Producer Producer
	Gate     Gate
}

// Run executes produce/validate rounds until the gate passes or the session
// store reports the budget exhausted. Each failed round records exactly one
// retry against the session.
func (c Controller) Run(ctx context.Context, taskID, phase string) (Result, error) {
	res := Result{}
	feedback := ""
	for {
		if c.Limiter != nil {
			if err := c.Limiter.Allow("produce", taskID); err != nil {
				return res, err
			}
		}
		artifact, err := c.Producer.Produce(ctx, taskID, phase, feedback)
		res.Attempts++
		var verdict Verdict
		if err != nil {
			// A failed production consumes a retry like any failed
			// validation; the error becomes feedback for the next attempt.
			verdict = Verdict{Feedback: fmt.Sprintf("producer failure: %v", err)}
		} else {
			res.Artifact = artifact
			if c.Limiter != nil {
				if err := c.Limiter.Allow("validate", taskID); err != nil {
					return res, err
				}
			}
			verdict, err = c.Gate.Validate(ctx, taskID, phase, artifact)
			if err != nil {
				return res, fmt.Errorf("validate %s: %w", phase, err)
			}
		}
		if verdict.Pass {
			res.Passed = true
			return res, nil
		}
		feedback = verdict.Feedback
		res.LastFeedback = feedback

		s, err := c.Engine.RecordRetry(ctx, taskID, feedback, "loop")
		if err != nil {
			return res, err
		}
		if s.Status == domain.StatusUserIntervention {
			return res, RetryExhaustedError{TaskID: taskID, Attempts: res.Attempts, LastFeedback: feedback}
		}
	}
}
