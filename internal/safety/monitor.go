package safety

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"overseer/internal/config"
	"overseer/internal/domain"
	"overseer/internal/repo"
)

// Monitor aggregates security events across components and decides when they
// amount to an anomaly worth halting for. Events are persisted with a rolling
// retention; thresholds work on an in-memory sliding count.
type Monitor struct {
	mu            sync.Mutex
	highTimes     []time.Time
	repo          repo.Repo
	kill          *KillSwitch
	highPerMinute int
	resetAfter    time.Duration
	capacity      int
	immediateHalt map[string]bool
	Now           func() time.Time
}

func NewMonitor(cfg *config.Config, r repo.Repo, kill *KillSwitch) *Monitor {
	immediate := make(map[string]bool, len(cfg.Security.ImmediateHaltEvents))
	for _, evt := range cfg.Security.ImmediateHaltEvents {
		immediate[evt] = true
	}
	capacity := cfg.Security.EventHistoryCapacity
	if capacity <= 0 {
		capacity = 100
	}
	resetAfter := time.Duration(cfg.Security.AnomalyResetSeconds) * time.Second
	if resetAfter <= 0 {
		resetAfter = time.Minute
	}
	return &Monitor{
		repo:          r,
		kill:          kill,
		highPerMinute: cfg.Security.HighPerMinute,
		resetAfter:    resetAfter,
		capacity:      capacity,
		immediateHalt: immediate,
		Now:           time.Now,
	}
}

func (m *Monitor) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// typeSeverity is the static classification of known event types. The monitor
// owns severity so a caller cannot under-report a known incident.
var typeSeverity = map[string]string{
	"CHAIN_BREAK":                domain.SeverityCritical,
	"UNAUTHORIZED_RELEASE_STORM": domain.SeverityCritical,
	"UNAUTHORIZED_RELEASE":       domain.SeverityHigh,
	"FORCED_LOCK_RELEASE":        domain.SeverityHigh,
	"POLICY_VIOLATION":           domain.SeverityMedium,
}

// classify resolves an event's severity: the static table wins; unknown types
// keep the reported severity, clamped to a valid level.
func classify(eventType, reported string) string {
	if s, ok := typeSeverity[eventType]; ok {
		return s
	}
	switch reported {
	case domain.SeverityCritical, domain.SeverityHigh, domain.SeverityMedium:
		return reported
	}
	return domain.SeverityMedium
}

// Record persists the event, prunes history past capacity, and applies the
// halt rules: named event types halt immediately, and HIGH or CRITICAL
// events halt once their sliding-window count reaches the threshold.
func (m *Monitor) Record(ctx context.Context, eventType, severity string, details map[string]any) {
	severity = classify(eventType, severity)
	evt := domain.SecurityEvent{
		ID:       uuid.NewString(),
		TS:       m.now().UTC().Format(time.RFC3339),
		Type:     eventType,
		Severity: severity,
		Details:  details,
	}
	// Best effort: a failed audit write must not mask the incident itself.
	_ = m.repo.InsertSecurityEvent(ctx, evt)
	_ = m.repo.PruneSecurityEvents(ctx, m.capacity)

	if m.immediateHalt[eventType] || severity == domain.SeverityCritical {
		m.halt(ctx, "security event "+eventType, severity)
		return
	}
	if severity == domain.SeverityHigh && m.trackHigh() {
		m.halt(ctx, "anomaly threshold reached", domain.SeverityHigh)
	}
}

// trackHigh counts HIGH events inside the sliding window and reports whether
// the threshold was reached. Reaching it resets the count so recovery does
// not immediately re-trip.
func (m *Monitor) trackHigh() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-m.resetAfter)
	kept := m.highTimes[:0]
	for _, t := range m.highTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.highTimes = append(kept, now)
	if len(m.highTimes) >= m.highPerMinute {
		m.highTimes = m.highTimes[:0]
		return true
	}
	return false
}

func (m *Monitor) halt(ctx context.Context, reason, severity string) {
	if m.kill == nil {
		return
	}
	_ = m.kill.Halt(ctx, reason, severity)
}

// Recent returns the newest persisted events, bounded by limit.
func (m *Monitor) Recent(ctx context.Context, limit int) ([]domain.SecurityEvent, error) {
	if limit <= 0 || limit > m.capacity {
		limit = m.capacity
	}
	return m.repo.ListSecurityEvents(ctx, limit)
}
