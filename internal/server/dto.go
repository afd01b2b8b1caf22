package server

import (
	"overseer/internal/domain"
	"overseer/internal/guard"
)

type CreateSessionRequest struct {
	TaskID    string         `json:"task_id" example:"task-42"`
	SourceRef string         `json:"source_ref,omitempty" example:"tickets/OVS-42"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type ResolveRequest struct {
	Comment string `json:"comment,omitempty"`
}

type RerunRequest struct {
	FromPhase string `json:"from_phase,omitempty"`
	Reset     bool   `json:"reset,omitempty"`
}

type ApplyChangeRequest struct {
	FilePath string `json:"file_path" example:"docs/notes.md"`
	Content  string `json:"content"`
	Reason   string `json:"reason,omitempty"`
}

type ForceReleaseRequest struct {
	FilePath string `json:"file_path" example:"docs/notes.md"`
}

type RecoverRequest struct {
	Note string `json:"note,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type SessionResponse struct {
	TaskID            string              `json:"task_id"`
	SourceRef         string              `json:"source_ref,omitempty"`
	Status            string              `json:"status"`
	CurrentPhase      *string             `json:"current_phase,omitempty"`
	CurrentCheckpoint *string             `json:"current_checkpoint,omitempty"`
	RetryCount        int                 `json:"retry_count"`
	MaxRetries        int                 `json:"max_retries"`
	HITL              *domain.HITLContext `json:"hitl_context,omitempty"`
	Metadata          map[string]any      `json:"metadata,omitempty"`
	Result            map[string]any      `json:"result,omitempty"`
	Error             string              `json:"error,omitempty"`
	CreatedAt         string              `json:"created_at"`
	UpdatedAt         string              `json:"updated_at"`
}

func sessionResponse(s domain.Session) SessionResponse {
	return SessionResponse{
		TaskID:            s.TaskID,
		SourceRef:         s.SourceRef,
		Status:            s.Status,
		CurrentPhase:      s.CurrentPhase,
		CurrentCheckpoint: s.CurrentCheckpoint,
		RetryCount:        s.RetryCount,
		MaxRetries:        s.MaxRetries,
		HITL:              s.HITL,
		Metadata:          s.Metadata,
		Result:            s.Result,
		Error:             s.Error,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
}

func mapSessions(items []domain.Session) []SessionResponse {
	res := make([]SessionResponse, 0, len(items))
	for _, s := range items {
		res = append(res, sessionResponse(s))
	}
	return res
}

type HistoryResponse struct {
	TaskID  string                `json:"task_id"`
	Entries []domain.HistoryEntry `json:"entries"`
}

type ChangelogEntryResponse struct {
	ID             int64  `json:"id"`
	TS             string `json:"ts"`
	PreviousDigest string `json:"previous_digest"`
	CurrentDigest  string `json:"current_digest"`
	Result         string `json:"result"`
	FilePath       string `json:"file_path"`
	Grade          string `json:"grade"`
	ActorID        string `json:"actor_id"`
	Body           string `json:"body,omitempty"`
}

func changelogResponse(e domain.ChangelogEntry, includeBody bool) ChangelogEntryResponse {
	res := ChangelogEntryResponse{
		ID:             e.ID,
		TS:             e.TS,
		PreviousDigest: e.PreviousDigest,
		CurrentDigest:  e.CurrentDigest,
		Result:         e.Result,
		FilePath:       e.FilePath,
		Grade:          e.Grade,
		ActorID:        e.ActorID,
	}
	if includeBody {
		res.Body = e.Body
	}
	return res
}

func mapChangelog(items []domain.ChangelogEntry, includeBody bool) []ChangelogEntryResponse {
	res := make([]ChangelogEntryResponse, 0, len(items))
	for _, e := range items {
		res = append(res, changelogResponse(e, includeBody))
	}
	return res
}

type VerifyResponse = guard.VerifyResult

type KillSwitchResponse struct {
	Halted bool               `json:"halted"`
	Active *domain.HaltRecord `json:"active,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
	// Key is present only in the create response; it is never stored.
	Key string `json:"key,omitempty"`
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt}
}

func mapAPIKeys(items []domain.APIKey) []APIKeyResponse {
	res := make([]APIKeyResponse, 0, len(items))
	for _, k := range items {
		res = append(res, apiKeyResponse(k))
	}
	return res
}
