package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

type Repository struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

func New(ctx context.Context, dbPath string, logger *slog.Logger) (*Repository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	repo := &Repository{db: db, logger: logger, now: time.Now}
	if err := repo.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Repository) migrate(ctx context.Context) error {
	statements := []string{
		`PRAGMA journal_mode = WAL;`,
		`CREATE TABLE IF NOT EXISTS vehicles (
			account TEXT NOT NULL,
			vin TEXT NOT NULL,
			csid TEXT,
			model TEXT,
			model_year INTEGER,
			title TEXT,
			api_level INTEGER NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (account, vin)
		);`,
		`CREATE TABLE IF NOT EXISTS vehicle_snapshots (
			account TEXT NOT NULL,
			vin TEXT NOT NULL,
			fetched_at TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			PRIMARY KEY (account, vin)
		);`,
		`CREATE TABLE IF NOT EXISTS account_tokens (
			account TEXT PRIMARY KEY,
			identity_token TEXT NOT NULL,
			access_token TEXT NOT NULL,
			refresh_token TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS action_outcomes (
			vin TEXT NOT NULL,
			kind TEXT NOT NULL,
			request_id TEXT,
			status TEXT NOT NULL,
			message TEXT,
			finished_at TEXT NOT NULL,
			PRIMARY KEY (vin, kind)
		);`,
	}

	for _, stmt := range statements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate failed: %w", err)
		}
	}
	if _, err := r.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_vehicle_snapshots_account ON vehicle_snapshots(account);`); err != nil {
		return err
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func str(v sql.NullString) string {
	if !v.Valid {
		return ""
	}
	return v.String
}
