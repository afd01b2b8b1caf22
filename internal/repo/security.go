package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"overseer/internal/domain"
)

func (r Repo) InsertSecurityEvent(ctx context.Context, evt domain.SecurityEvent) error {
	details, err := marshalMap(evt.Details)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO security_events(id,ts,event_type,severity,details_json) VALUES (?,?,?,?,?)`,
		evt.ID, evt.TS, evt.Type, evt.Severity, details)
	return err
}

// PruneSecurityEvents keeps only the newest keep rows.
func (r Repo) PruneSecurityEvents(ctx context.Context, keep int) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM security_events WHERE id NOT IN (
SELECT id FROM security_events ORDER BY ts DESC, id DESC LIMIT ?)`, keep)
	return err
}

func (r Repo) ListSecurityEvents(ctx context.Context, limit int) ([]domain.SecurityEvent, error) {
	query := `SELECT id,ts,event_type,severity,details_json FROM security_events ORDER BY ts DESC, id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SecurityEvent
	for rows.Next() {
		var e domain.SecurityEvent
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Severity, &details); err != nil {
			return nil, err
		}
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, err
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// InsertHalt persists the halt record and returns its ID. The write commits
// before the kill switch acts on it.
func (r Repo) InsertHalt(ctx context.Context, h domain.HaltRecord) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO halts(reason,severity,ts,pid,recovery_required) VALUES (?,?,?,?,1)`,
		h.Reason, h.Severity, h.TS, h.PID)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ActiveHalt returns the newest unrecovered halt, or ErrNotFound.
func (r Repo) ActiveHalt(ctx context.Context) (domain.HaltRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,reason,severity,ts,pid,recovery_required,recovered_at,recovered_by FROM halts
WHERE recovery_required=1 AND recovered_at IS NULL ORDER BY id DESC LIMIT 1`)
	return scanHalt(row)
}

func scanHalt(row *sql.Row) (domain.HaltRecord, error) {
	var h domain.HaltRecord
	var recoveredAt, recoveredBy sql.NullString
	err := row.Scan(&h.ID, &h.Reason, &h.Severity, &h.TS, &h.PID, &h.RecoveryRequired, &recoveredAt, &recoveredBy)
	if err == sql.ErrNoRows {
		return h, ErrNotFound
	}
	if err != nil {
		return h, err
	}
	if recoveredAt.Valid {
		h.RecoveredAt = &recoveredAt.String
	}
	if recoveredBy.Valid {
		h.RecoveredBy = &recoveredBy.String
	}
	return h, nil
}

// MarkHaltRecovered closes every open halt, recording who recovered and when.
func (r Repo) MarkHaltRecovered(ctx context.Context, recoveredBy string, now time.Time) error {
	ts := now.UTC().Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, `UPDATE halts SET recovered_at=?, recovered_by=? WHERE recovery_required=1 AND recovered_at IS NULL`, ts, recoveredBy)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListHalts(ctx context.Context, limit int) ([]domain.HaltRecord, error) {
	query := `SELECT id,reason,severity,ts,pid,recovery_required,recovered_at,recovered_by FROM halts ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HaltRecord
	for rows.Next() {
		var h domain.HaltRecord
		var recoveredAt, recoveredBy sql.NullString
		if err := rows.Scan(&h.ID, &h.Reason, &h.Severity, &h.TS, &h.PID, &h.RecoveryRequired, &recoveredAt, &recoveredBy); err != nil {
			return nil, err
		}
		if recoveredAt.Valid {
			h.RecoveredAt = &recoveredAt.String
		}
		if recoveredBy.Valid {
			h.RecoveredBy = &recoveredBy.String
		}
		res = append(res, h)
	}
	return res, rows.Err()
}
