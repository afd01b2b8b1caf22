package repo

import (
	"context"
	"database/sql"

	"overseer/internal/domain"
)

// LastChangelogEntry returns the newest chain entry, or ErrNotFound on an
// empty chain.
func (r Repo) LastChangelogEntry(ctx context.Context, tx *sql.Tx) (domain.ChangelogEntry, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,ts,previous_digest,body,current_digest,result,file_path,grade,actor_id FROM changelog ORDER BY id DESC LIMIT 1`)
	var e domain.ChangelogEntry
	err := row.Scan(&e.ID, &e.TS, &e.PreviousDigest, &e.Body, &e.CurrentDigest, &e.Result, &e.FilePath, &e.Grade, &e.ActorID)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

func (r Repo) InsertChangelogEntry(ctx context.Context, tx *sql.Tx, e domain.ChangelogEntry) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO changelog(ts,previous_digest,body,current_digest,result,file_path,grade,actor_id) VALUES (?,?,?,?,?,?,?,?)`,
		e.TS, e.PreviousDigest, e.Body, e.CurrentDigest, e.Result, e.FilePath, e.Grade, e.ActorID)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

type ChangelogFilters struct {
	FilePath string
	Result   string
	Limit    int
}

func (r Repo) ListChangelog(ctx context.Context, f ChangelogFilters) ([]domain.ChangelogEntry, error) {
	query := `SELECT id,ts,previous_digest,body,current_digest,result,file_path,grade,actor_id FROM changelog`
	var clauses []string
	var args []any
	if f.FilePath != "" {
		clauses = append(clauses, "file_path=?")
		args = append(args, f.FilePath)
	}
	if f.Result != "" {
		clauses = append(clauses, "result=?")
		args = append(args, f.Result)
	}
	for i, c := range clauses {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChangelogEntry
	for rows.Next() {
		var e domain.ChangelogEntry
		if err := rows.Scan(&e.ID, &e.TS, &e.PreviousDigest, &e.Body, &e.CurrentDigest, &e.Result, &e.FilePath, &e.Grade, &e.ActorID); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// WalkChangelog streams the whole chain in insertion order for verification.
func (r Repo) WalkChangelog(ctx context.Context, fn func(domain.ChangelogEntry) error) error {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,previous_digest,body,current_digest,result,file_path,grade,actor_id FROM changelog ORDER BY id ASC`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var e domain.ChangelogEntry
		if err := rows.Scan(&e.ID, &e.TS, &e.PreviousDigest, &e.Body, &e.CurrentDigest, &e.Result, &e.FilePath, &e.Grade, &e.ActorID); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}
