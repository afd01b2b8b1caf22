package domain

// Session statuses. Transition legality lives in the engine.
const (
	StatusInitialized      = "INITIALIZED"
	StatusRunning          = "RUNNING"
	StatusPausedHITL       = "PAUSED_HITL"
	StatusApproved         = "APPROVED"
	StatusRejected         = "REJECTED"
	StatusCompleted        = "COMPLETED"
	StatusFailed           = "FAILED"
	StatusUserIntervention = "USER_INTERVENTION_REQUIRED"
)

// DefaultMaxRetries bounds the quality-gate loop unless the session says otherwise.
const DefaultMaxRetries = 3

// HITL checkpoint kinds. Opaque labels here; their meaning is owned by the
// orchestrator's phase logic.
const (
	CheckpointRequirementReview  = "REQUIREMENT_REVIEW"
	CheckpointRiskyActionReview  = "RISKY_ACTION_REVIEW"
	CheckpointDesignApproval     = "DESIGN_APPROVAL"
	CheckpointManualFix          = "MANUAL_FIX"
	CheckpointDeploymentApproval = "DEPLOYMENT_APPROVAL"
)

type Session struct {
	TaskID            string         `json:"task_id"`
	SourceRef         string         `json:"source_ref,omitempty"`
	Status            string         `json:"status" enum:"INITIALIZED,RUNNING,PAUSED_HITL,APPROVED,REJECTED,COMPLETED,FAILED,USER_INTERVENTION_REQUIRED"`
	CurrentPhase      *string        `json:"current_phase,omitempty"`
	CurrentCheckpoint *string        `json:"current_checkpoint,omitempty"`
	RetryCount        int            `json:"retry_count"`
	MaxRetries        int            `json:"max_retries"`
	HITL              *HITLContext   `json:"hitl_context,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	Result            map[string]any `json:"result,omitempty"`
	Error             string         `json:"error,omitempty"`
	History           []HistoryEntry `json:"history,omitempty"`
	CreatedAt         string         `json:"created_at" format:"date-time"`
	UpdatedAt         string         `json:"updated_at" format:"date-time"`
}

// Terminal reports whether no further automatic progress is possible.
func (s Session) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusUserIntervention
}

type HistoryEntry struct {
	Seq   int64          `json:"seq"`
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
	TS    string         `json:"ts" format:"date-time"`
}

type HITLContext struct {
	Checkpoint     string         `json:"checkpoint"`
	PausedAt       string         `json:"paused_at" format:"date-time"`
	Context        map[string]any `json:"context,omitempty"`
	ResolvedAt     *string        `json:"resolved_at,omitempty" format:"date-time"`
	ResolutionNote *string        `json:"resolution_note,omitempty"`
}

// HITLRequest is the discovery projection of a session in PAUSED_HITL.
// Exactly one exists per paused session; it is removed on approve/reject.
type HITLRequest struct {
	TaskID     string         `json:"task_id"`
	Checkpoint string         `json:"checkpoint"`
	Context    map[string]any `json:"context,omitempty"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
}

// DocumentLock exists only while held; an expired lock is abandoned and may
// be reclaimed by any waiter.
type DocumentLock struct {
	LockID     string `json:"lock_id"`
	FilePath   string `json:"file_path"`
	Owner      string `json:"owner"`
	AcquiredAt string `json:"acquired_at" format:"date-time"`
	ExpiresAt  string `json:"expires_at" format:"date-time"`
}

// Changelog entry results.
const (
	ChangeSuccess  = "SUCCESS"
	ChangeCreated  = "CREATED"
	ChangeRejected = "REJECTED"
	ChangeBlocked  = "BLOCKED"
)

// GenesisDigest seeds the changelog hash chain.
const GenesisDigest = "GENESIS"

type ChangelogEntry struct {
	ID             int64  `json:"id"`
	TS             string `json:"ts" format:"date-time"`
	PreviousDigest string `json:"previous_digest"`
	Body           string `json:"body"`
	CurrentDigest  string `json:"current_digest"`
	Result         string `json:"result" enum:"SUCCESS,CREATED,REJECTED,BLOCKED"`
	FilePath       string `json:"file_path"`
	Grade          string `json:"grade"`
	ActorID        string `json:"actor_id"`
}

// Proposal is an immutable-document change awaiting a human decision.
type Proposal struct {
	FilePath        string `json:"file_path"`
	CurrentContent  string `json:"current_content"`
	ProposedContent string `json:"proposed_content"`
	Reason          string `json:"reason"`
}

// Security event severities.
const (
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

type SecurityEvent struct {
	ID       string         `json:"id"`
	TS       string         `json:"ts" format:"date-time"`
	Type     string         `json:"event_type"`
	Severity string         `json:"severity" enum:"MEDIUM,HIGH,CRITICAL"`
	Details  map[string]any `json:"details,omitempty"`
}

// HaltRecord is persisted before the kill switch acts.
type HaltRecord struct {
	ID               int64   `json:"id"`
	Reason           string  `json:"reason"`
	Severity         string  `json:"severity"`
	TS               string  `json:"ts" format:"date-time"`
	PID              int     `json:"pid"`
	RecoveryRequired bool    `json:"recovery_required"`
	RecoveredAt      *string `json:"recovered_at,omitempty" format:"date-time"`
	RecoveredBy      *string `json:"recovered_by,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
