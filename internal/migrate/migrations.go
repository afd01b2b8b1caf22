// Package migrate applies the embedded schema migrations. Each migration is
// a pair of sql/NNNN_name.sql and an optional sql/NNNN_name.down.sql rollback
// script; applied versions are ledgered in schema_migrations.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

type migration struct {
	version int
	name    string
	up      string
	down    string
}

func loadMigrations() ([]migration, error) {
	files, err := fs.ReadDir(migrationsFS, "sql")
	if err != nil {
		return nil, err
	}
	byVersion := map[int]*migration{}
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := migrationsFS.ReadFile("sql/" + f.Name())
		if err != nil {
			return nil, err
		}
		var v int
		if _, err := fmt.Sscanf(f.Name(), "%d_", &v); err != nil {
			return nil, fmt.Errorf("invalid migration filename %s: %w", f.Name(), err)
		}
		m := byVersion[v]
		if m == nil {
			m = &migration{version: v}
			byVersion[v] = m
		}
		if strings.HasSuffix(f.Name(), ".down.sql") {
			m.down = string(data)
		} else {
			m.name = strings.TrimSuffix(f.Name(), ".sql")
			m.up = string(data)
		}
	}
	var migrations []migration
	for _, m := range byVersion {
		if m.up == "" {
			return nil, fmt.Errorf("migration %d has a rollback script but no forward script", m.version)
		}
		migrations = append(migrations, *m)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })
	return migrations, nil
}

func ensureLedger(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations(
    version    INTEGER PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TEXT NOT NULL
);`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

// Version returns the highest applied migration version, zero for a fresh
// database.
func Version(db *sql.DB) (int, error) {
	if err := ensureLedger(db); err != nil {
		return 0, err
	}
	var v int
	err := db.QueryRow(`SELECT COALESCE(MAX(version),0) FROM schema_migrations`).Scan(&v)
	return v, err
}

// Migrate applies every pending migration in order, each inside its own
// transaction so a failure leaves earlier migrations committed and the ledger
// accurate.
func Migrate(db *sql.DB) error {
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}
	current, err := Version(db)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := apply(db, m); err != nil {
			return err
		}
	}
	return nil
}

func apply(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(m.up); err != nil {
		return fmt.Errorf("migration %s: %w", m.name, err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations(version,name,applied_at) VALUES (?,?,?)`,
		m.version, m.name, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("record migration %s: %w", m.name, err)
	}
	return tx.Commit()
}

// Rollback undoes the most recently applied migration. Migrations without a
// rollback script are refused rather than silently skipped.
func Rollback(db *sql.DB) error {
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}
	current, err := Version(db)
	if err != nil {
		return err
	}
	if current == 0 {
		return fmt.Errorf("nothing to roll back")
	}
	for _, m := range migrations {
		if m.version != current {
			continue
		}
		if m.down == "" {
			return fmt.Errorf("migration %s has no rollback script", m.name)
		}
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if _, err := tx.Exec(m.down); err != nil {
			return fmt.Errorf("rollback %s: %w", m.name, err)
		}
		if _, err := tx.Exec(`DELETE FROM schema_migrations WHERE version=?`, m.version); err != nil {
			return err
		}
		return tx.Commit()
	}
	return fmt.Errorf("applied version %d has no embedded migration", current)
}
