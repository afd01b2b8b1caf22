package loop_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"overseer/internal/config"
	"overseer/internal/db"
	"overseer/internal/domain"
	"overseer/internal/engine"
	"overseer/internal/loop"
	"overseer/internal/migrate"
	"overseer/internal/safety"
)

type scriptedProducer struct {
	calls     int
	feedbacks []string
}

func (p *scriptedProducer) Produce(ctx context.Context, taskID, phase, feedback string) (string, error) {
	p.calls++
	p.feedbacks = append(p.feedbacks, feedback)
	return "attempt", nil
}

type scriptedGate struct {
	passAfter int
	calls     int
}

func (g *scriptedGate) Validate(ctx context.Context, taskID, phase, artifact string) (loop.Verdict, error) {
	g.calls++
	if g.passAfter > 0 && g.calls >= g.passAfter {
		return loop.Verdict{Pass: true}, nil
	}
	return loop.Verdict{Pass: false, Feedback: "needs work"}, nil
}

func newLoopEnv(t *testing.T, maxRetries int) (engine.Engine, context.Context) {
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
	cfg.Pipeline.MaxRetries = maxRetries
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.CreateSession(ctx, "t1", "src", nil, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.UpdatePhase(ctx, "t1", "build", "tester"); err != nil {
		t.Fatal(err)
	}
	return eng, ctx
}

func TestLoopPassesAfterFeedback(t *testing.T) {
	eng, ctx := newLoopEnv(t, 3)
	producer := &scriptedProducer{}
	ctl := loop.Controller{
		Engine:   eng,
		Producer: producer,
		Gate:     &scriptedGate{passAfter: 2},
	}
	res, err := ctl.Run(ctx, "t1", "build")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Passed || res.Attempts != 2 {
		t.Fatalf("result = %+v", res)
	}
	// the gate's criticism flows back into the next production
	if producer.feedbacks[0] != "" || producer.feedbacks[1] != "needs work" {
		t.Fatalf("feedbacks = %v", producer.feedbacks)
	}
	s, err := eng.GetSession(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if s.RetryCount != 1 {
		t.Fatalf("retry count = %d", s.RetryCount)
	}
}

func TestLoopExhaustion(t *testing.T) {
	eng, ctx := newLoopEnv(t, 2)
	ctl := loop.Controller{
		Engine:   eng,
		Producer: &scriptedProducer{},
		Gate:     &scriptedGate{},
	}
	res, err := ctl.Run(ctx, "t1", "build")
	if !errors.Is(err, loop.ErrRetryExhausted) {
		t.Fatalf("expected retry exhaustion, got %v", err)
	}
	var ree loop.RetryExhaustedError
	if !errors.As(err, &ree) || ree.LastFeedback != "needs work" {
		t.Fatalf("exhaustion error = %v", err)
	}
	if res.Attempts != 3 {
		t.Fatalf("attempts = %d", res.Attempts)
	}
	s, getErr := eng.GetSession(ctx, "t1")
	if getErr != nil {
		t.Fatal(getErr)
	}
	if s.Status != domain.StatusUserIntervention || s.RetryCount != 3 {
		t.Fatalf("session = %s retries=%d", s.Status, s.RetryCount)
	}
}

type flakyProducer struct {
	failures  int
	calls     int
	feedbacks []string
}

func (p *flakyProducer) Produce(ctx context.Context, taskID, phase, feedback string) (string, error) {
	p.calls++
	p.feedbacks = append(p.feedbacks, feedback)
	if p.calls <= p.failures {
		return "", errors.New("model unavailable")
	}
	return "attempt", nil
}

func TestProducerFailureConsumesRetry(t *testing.T) {
	eng, ctx := newLoopEnv(t, 3)
	producer := &flakyProducer{failures: 1}
	ctl := loop.Controller{
		Engine:   eng,
		Producer: producer,
		Gate:     &scriptedGate{passAfter: 1},
	}
	res, err := ctl.Run(ctx, "t1", "build")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Passed || res.Attempts != 2 {
		t.Fatalf("result = %+v", res)
	}
	// the failure reason reaches the next production as feedback
	if len(producer.feedbacks) != 2 || producer.feedbacks[1] != "producer failure: model unavailable" {
		t.Fatalf("feedbacks = %v", producer.feedbacks)
	}
	s, err := eng.GetSession(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if s.RetryCount != 1 {
		t.Fatalf("retry count = %d", s.RetryCount)
	}
}

func TestProducerFailuresExhaustBudget(t *testing.T) {
	eng, ctx := newLoopEnv(t, 2)
	ctl := loop.Controller{
		Engine:   eng,
		Producer: &flakyProducer{failures: 100},
		Gate:     &scriptedGate{passAfter: 1},
	}
	res, err := ctl.Run(ctx, "t1", "build")
	if !errors.Is(err, loop.ErrRetryExhausted) {
		t.Fatalf("expected retry exhaustion, got %v", err)
	}
	if res.Attempts != 3 || res.LastFeedback != "producer failure: model unavailable" {
		t.Fatalf("result = %+v", res)
	}
	s, getErr := eng.GetSession(ctx, "t1")
	if getErr != nil {
		t.Fatal(getErr)
	}
	if s.Status != domain.StatusUserIntervention || s.RetryCount != 3 {
		t.Fatalf("session = %s retries=%d", s.Status, s.RetryCount)
	}
}

func TestLoopHonorsRateLimit(t *testing.T) {
	eng, ctx := newLoopEnv(t, 10)
	cfg := config.Default("test-pipeline")
	cfg.RateLimits.Ceilings = map[string]int{"produce": 2}
	ctl := loop.Controller{
		Engine:   eng,
		Limiter:  safety.NewRateLimiter(cfg),
		Producer: &scriptedProducer{},
		Gate:     &scriptedGate{},
	}
	_, err := ctl.Run(ctx, "t1", "build")
	if !errors.Is(err, safety.ErrRateLimited) {
		t.Fatalf("expected rate limit, got %v", err)
	}
}
