// Package overseersdk is a minimal client for the Overseer operator API.
package overseersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to the Overseer HTTP API.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Session is the API session model (partial).
type Session struct {
	TaskID            string         `json:"task_id"`
	SourceRef         string         `json:"source_ref,omitempty"`
	Status            string         `json:"status"`
	CurrentPhase      *string        `json:"current_phase,omitempty"`
	CurrentCheckpoint *string        `json:"current_checkpoint,omitempty"`
	RetryCount        int            `json:"retry_count"`
	MaxRetries        int            `json:"max_retries"`
	Result            map[string]any `json:"result,omitempty"`
	Error             string         `json:"error,omitempty"`
	CreatedAt         string         `json:"created_at"`
	UpdatedAt         string         `json:"updated_at"`
}

// HITLRequest is one pending human decision.
type HITLRequest struct {
	TaskID     string         `json:"task_id"`
	Checkpoint string         `json:"checkpoint"`
	Context    map[string]any `json:"context,omitempty"`
	CreatedAt  string         `json:"created_at"`
}

// ChangelogEntry is one chained document modification record.
type ChangelogEntry struct {
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

// VerifyResult is the chain verification outcome.
type VerifyResult struct {
	Valid   bool   `json:"valid"`
	Entries int    `json:"entries"`
	BreakAt *int64 `json:"break_at,omitempty"`
}

// KillSwitchStatus reports whether the system is halted.
type KillSwitchStatus struct {
	Halted bool           `json:"halted"`
	Active map[string]any `json:"active,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateSession registers a new task.
func (c *Client) CreateSession(ctx context.Context, taskID, sourceRef string, metadata map[string]any) (Session, error) {
	body := map[string]any{
		"task_id":    taskID,
		"source_ref": sourceRef,
		"metadata":   metadata,
	}
	var resp Session
	err := c.do(ctx, http.MethodPost, "v1/sessions", body, &resp)
	return resp, err
}

// GetSession fetches one session.
func (c *Client) GetSession(ctx context.Context, taskID string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, "v1/sessions/"+url.PathEscape(taskID), nil, &resp)
	return resp, err
}

// ListPendingHITL returns sessions waiting for a human.
func (c *Client) ListPendingHITL(ctx context.Context) ([]HITLRequest, error) {
	var resp []HITLRequest
	err := c.do(ctx, http.MethodGet, "v1/hitl", nil, &resp)
	return resp, err
}

// Approve resolves a paused session positively.
func (c *Client) Approve(ctx context.Context, taskID, comment string) (Session, error) {
	var resp Session
	endpoint := fmt.Sprintf("v1/sessions/%s/approve", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"comment": comment}, &resp)
	return resp, err
}

// Reject resolves a paused session negatively.
func (c *Client) Reject(ctx context.Context, taskID, reason string) (Session, error) {
	var resp Session
	endpoint := fmt.Sprintf("v1/sessions/%s/reject", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"comment": reason}, &resp)
	return resp, err
}

// Rerun requests another run for a failed or rejected session.
func (c *Client) Rerun(ctx context.Context, taskID, fromPhase string, reset bool) (Session, error) {
	var resp Session
	endpoint := fmt.Sprintf("v1/sessions/%s/rerun", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"from_phase": fromPhase, "reset": reset}, &resp)
	return resp, err
}

// ApplyChange submits a graded document modification.
func (c *Client) ApplyChange(ctx context.Context, filePath, content, reason string) (ChangelogEntry, error) {
	body := map[string]any{
		"file_path": filePath,
		"content":   content,
		"reason":    reason,
	}
	var resp ChangelogEntry
	err := c.do(ctx, http.MethodPost, "v1/documents/changes", body, &resp)
	return resp, err
}

// Changelog lists entries, optionally filtered by path.
func (c *Client) Changelog(ctx context.Context, filePath string, limit int) ([]ChangelogEntry, error) {
	endpoint := "v1/changelog"
	params := url.Values{}
	if filePath != "" {
		params.Set("file_path", filePath)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []ChangelogEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// VerifyChangelog runs the end-to-end chain check.
func (c *Client) VerifyChangelog(ctx context.Context) (VerifyResult, error) {
	var resp VerifyResult
	err := c.do(ctx, http.MethodPost, "v1/changelog/verify", struct{}{}, &resp)
	return resp, err
}

// ForceReleaseLock evicts the holder of a document lock.
func (c *Client) ForceReleaseLock(ctx context.Context, filePath string) error {
	return c.do(ctx, http.MethodPost, "v1/locks/force-release", map[string]any{"file_path": filePath}, nil)
}

// KillSwitch returns the halt status.
func (c *Client) KillSwitch(ctx context.Context) (KillSwitchStatus, error) {
	var resp KillSwitchStatus
	err := c.do(ctx, http.MethodGet, "v1/killswitch", nil, &resp)
	return resp, err
}

// RecoverKillSwitch records operator recovery.
func (c *Client) RecoverKillSwitch(ctx context.Context, note string) error {
	return c.do(ctx, http.MethodPost, "v1/killswitch/recover", map[string]any{"note": note}, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
