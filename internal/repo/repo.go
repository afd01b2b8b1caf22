package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"overseer/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	metadata, err := marshalMap(s.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO sessions(task_id,source_ref,status,current_phase,current_checkpoint,retry_count,max_retries,hitl_context_json,metadata_json,result_json,error_text,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.TaskID, nullable(s.SourceRef), s.Status, nullableStringPtr(s.CurrentPhase), nullableStringPtr(s.CurrentCheckpoint),
		s.RetryCount, s.MaxRetries, nil, metadata, nil, nullable(s.Error), s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) UpdateSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	hitl, err := marshalHITL(s.HITL)
	if err != nil {
		return err
	}
	result, err := marshalMap(s.Result)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET status=?, current_phase=?, current_checkpoint=?, retry_count=?, max_retries=?, hitl_context_json=?, result_json=?, error_text=?, updated_at=? WHERE task_id=?`,
		s.Status, nullableStringPtr(s.CurrentPhase), nullableStringPtr(s.CurrentCheckpoint), s.RetryCount, s.MaxRetries,
		hitl, result, nullable(s.Error), s.UpdatedAt, s.TaskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSession(scan func(dest ...any) error) (domain.Session, error) {
	var s domain.Session
	var sourceRef, phase, checkpoint, hitl, metadata, result, errText sql.NullString
	err := scan(&s.TaskID, &sourceRef, &s.Status, &phase, &checkpoint, &s.RetryCount, &s.MaxRetries,
		&hitl, &metadata, &result, &errText, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if sourceRef.Valid {
		s.SourceRef = sourceRef.String
	}
	if phase.Valid {
		s.CurrentPhase = &phase.String
	}
	if checkpoint.Valid {
		s.CurrentCheckpoint = &checkpoint.String
	}
	if hitl.Valid && hitl.String != "" {
		var h domain.HITLContext
		if err := json.Unmarshal([]byte(hitl.String), &h); err != nil {
			return s, err
		}
		s.HITL = &h
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &s.Metadata); err != nil {
			return s, err
		}
	}
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &s.Result); err != nil {
			return s, err
		}
	}
	if errText.Valid {
		s.Error = errText.String
	}
	return s, nil
}

const sessionColumns = `task_id,source_ref,status,current_phase,current_checkpoint,retry_count,max_retries,hitl_context_json,metadata_json,result_json,error_text,created_at,updated_at`

// GetSession returns a whole-session snapshot without history.
func (r Repo) GetSession(ctx context.Context, taskID string) (domain.Session, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE task_id=?`, taskID)
	return scanSession(row.Scan)
}

func (r Repo) GetSessionTx(ctx context.Context, tx *sql.Tx, taskID string) (domain.Session, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE task_id=?`, taskID)
	return scanSession(row.Scan)
}

type SessionFilters struct {
	Status          string
	ActiveOnly      bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListSessions(ctx context.Context, f SessionFilters) ([]domain.Session, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ActiveOnly {
		clauses = append(clauses, "status NOT IN (?,?)")
		args = append(args, domain.StatusCompleted, domain.StatusUserIntervention)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND task_id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions ` + where + ` ORDER BY created_at DESC, task_id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// AppendHistory inserts the next history entry for a session. Seq is assigned
// from the current maximum so history never shrinks and never reorders.
func (r Repo) AppendHistory(ctx context.Context, tx *sql.Tx, taskID, event string, data map[string]any, ts string) error {
	payload, err := marshalMap(data)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO session_history(task_id,seq,event,data_json,ts)
SELECT ?, COALESCE(MAX(seq),0)+1, ?, ?, ? FROM session_history WHERE task_id=?`,
		taskID, event, payload, ts, taskID)
	return err
}

func (r Repo) ListHistory(ctx context.Context, taskID string) ([]domain.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT seq,event,data_json,ts FROM session_history WHERE task_id=? ORDER BY seq ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		var e domain.HistoryEntry
		var data sql.NullString
		if err := rows.Scan(&e.Seq, &e.Event, &data, &e.TS); err != nil {
			return nil, err
		}
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				return nil, err
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) CountHistory(ctx context.Context, taskID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM session_history WHERE task_id=?`, taskID).Scan(&n)
	return n, err
}

func (r Repo) UpsertHITLRequest(ctx context.Context, tx *sql.Tx, req domain.HITLRequest) error {
	payload, err := marshalMap(req.Context)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO hitl_requests(task_id,checkpoint,context_json,created_at) VALUES (?,?,?,?)
ON CONFLICT(task_id) DO UPDATE SET checkpoint=excluded.checkpoint, context_json=excluded.context_json, created_at=excluded.created_at`,
		req.TaskID, req.Checkpoint, payload, req.CreatedAt)
	return err
}

func (r Repo) DeleteHITLRequest(ctx context.Context, tx *sql.Tx, taskID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM hitl_requests WHERE task_id=?`, taskID)
	return err
}

func (r Repo) ListHITLRequests(ctx context.Context) ([]domain.HITLRequest, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT task_id,checkpoint,context_json,created_at FROM hitl_requests ORDER BY created_at ASC, task_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HITLRequest
	for rows.Next() {
		var req domain.HITLRequest
		var payload sql.NullString
		if err := rows.Scan(&req.TaskID, &req.Checkpoint, &payload, &req.CreatedAt); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &req.Context); err != nil {
				return nil, err
			}
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// LatestEventsFrom pages backwards through the audit log.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events ` + where + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`
	return r.queryEvents(ctx, query, cursor, limit)
}

// LatestEventID returns the most recent audit event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// IsUniqueViolation reports whether err is a UNIQUE constraint failure from
// the driver. The driver does not export a typed error for it, so this
// matches the constraint text SQLite emits.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func marshalMap(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func marshalHITL(h *domain.HITLContext) (any, error) {
	if h == nil {
		return nil, nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
